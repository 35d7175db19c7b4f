package instrument

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/tracer/internal/cfg"
	"github.com/ocx/tracer/internal/ir"
)

func allMask() TypeMask {
	m := NewTypeMask()
	for _, t := range []cfg.BlockType{cfg.Code, cfg.Entry, cfg.Exit, cfg.Call, cfg.Return} {
		m.Blocks[t] = true
	}
	for _, t := range []cfg.BranchType{cfg.BranchIf, cfg.BranchSwitch, cfg.BranchThrow, cfg.BranchCall, cfg.BranchEntry, cfg.BranchOther} {
		m.Branches[t] = true
	}
	return m
}

func TestRewriteIdentityOnNativeMethod(t *testing.T) {
	m := &ir.Method{Signature: "java.lang.Object.hashCode()I", Native: true}
	out, err := Rewrite(m, nil, Config{Mask: allMask()}, m.Signature)
	require.NoError(t, err)
	assert.Equal(t, m.Signature, out.Signature)
	assert.Empty(t, out.Instrs)
}

func TestRewriteIdentityOnAbstractMethod(t *testing.T) {
	m := &ir.Method{Signature: "Shape.area()D", Abstract: true}
	out, err := Rewrite(m, nil, Config{Mask: allMask()}, m.Signature)
	require.NoError(t, err)
	assert.Equal(t, m, out)
}

func TestRewriteIdentityOnEmptyBody(t *testing.T) {
	m := &ir.Method{Signature: "Marker.<init>()V"}
	out, err := Rewrite(m, nil, Config{Mask: allMask()}, m.Signature)
	require.NoError(t, err)
	assert.Equal(t, m, out)
}

func TestRewriteMissingCFGIsError(t *testing.T) {
	m := &ir.Method{Signature: "Foo.bar()V", Instrs: []ir.Instr{{Offset: 0, Op: ir.OpReturn}}}
	_, err := Rewrite(m, &cfg.Graph{}, Config{Mask: allMask()}, m.Signature)
	assert.Error(t, err)
}

// straightLineMethod builds a two-block method: Entry -> Code -> Return.
func straightLineMethod() (*ir.Method, *cfg.Graph) {
	m := &ir.Method{
		Signature: "Foo.bar()V",
		Instrs: []ir.Instr{
			{Offset: 0, Op: ir.OpCode, StackDelta: 1},
			{Offset: 1, Op: ir.OpReturn},
		},
		NumLocals: 1,
	}
	g := cfg.NewGraph(
		[]cfg.Block{
			{ID: 1, Type: cfg.Entry, Successors: []uint32{2}},
			{ID: 2, Type: cfg.Code, StartOffset: 0, EndOffset: 0, Predecessors: []uint32{1}, Successors: []uint32{3}},
			{ID: 3, Type: cfg.Return, StartOffset: 1, EndOffset: 1, Predecessors: []uint32{2}, Successors: []uint32{4}},
			{ID: 4, Type: cfg.Exit, Predecessors: []uint32{3}},
		},
		[]cfg.Edge{
			{From: 1, To: 2, Label: cfg.LabelNormalReturn, BranchIDs: []cfg.BranchID{{Type: cfg.BranchEntry, ID: 1}}},
			{From: 2, To: 3, Label: cfg.LabelNormalReturn},
			{From: 3, To: 4, Label: cfg.LabelNormalReturn},
		},
	)
	return m, g
}

func TestRewriteStraightLinePreservesInstructionCountOrder(t *testing.T) {
	m, g := straightLineMethod()
	out, err := Rewrite(m, g, Config{Mask: allMask()}, m.Signature)
	require.NoError(t, err)
	require.True(t, len(out.Instrs) >= len(m.Instrs))

	var sawCode, sawReturn bool
	for _, in := range out.Instrs {
		if in.Op == ir.OpCode && in.Probe == nil {
			sawCode = true
		}
		if in.Op == ir.OpReturn {
			sawReturn = true
		}
	}
	assert.True(t, sawCode)
	assert.True(t, sawReturn)

	for i := 1; i < len(out.Instrs); i++ {
		assert.Less(t, out.Instrs[i-1].Offset, out.Instrs[i].Offset, "instructions must stay sorted and unique by offset")
	}
}

func TestRewriteReservesExtraLocals(t *testing.T) {
	m, g := straightLineMethod()
	out, err := Rewrite(m, g, Config{Mask: allMask()}, m.Signature)
	require.NoError(t, err)
	assert.Equal(t, m.NumLocals+2, out.NumLocals)
}

// branchingMethod builds Entry -> If{true:A, false:B}, both returning.
func branchingMethod() (*ir.Method, *cfg.Graph) {
	m := &ir.Method{
		Signature: "Foo.choose(Z)V",
		Instrs: []ir.Instr{
			{Offset: 0, Op: ir.OpIf, Target: 2, StackDelta: -1},
			{Offset: 1, Op: ir.OpReturn},
			{Offset: 2, Op: ir.OpReturn},
		},
		NumLocals: 1,
	}
	g := cfg.NewGraph(
		[]cfg.Block{
			{ID: 1, Type: cfg.Entry, Successors: []uint32{2}},
			{ID: 2, Type: cfg.Code, SubType: cfg.If, StartOffset: 0, EndOffset: 0, Predecessors: []uint32{1}, Successors: []uint32{3, 4}},
			{ID: 3, Type: cfg.Return, StartOffset: 1, EndOffset: 1, Predecessors: []uint32{2}, Successors: []uint32{5}},
			{ID: 4, Type: cfg.Return, StartOffset: 2, EndOffset: 2, Predecessors: []uint32{2}, Successors: []uint32{5}},
			{ID: 5, Type: cfg.Exit, Predecessors: []uint32{3, 4}},
		},
		[]cfg.Edge{
			{From: 1, To: 2, Label: cfg.LabelNormalReturn, BranchIDs: []cfg.BranchID{{Type: cfg.BranchEntry, ID: 1}}},
			{From: 2, To: 3, Label: cfg.LabelIfFalse, BranchIDs: []cfg.BranchID{{Type: cfg.BranchIf, ID: 1}}},
			{From: 2, To: 4, Label: cfg.LabelIfTrue, BranchIDs: []cfg.BranchID{{Type: cfg.BranchIf, ID: 2}}},
			{From: 3, To: 5, Label: cfg.LabelNormalReturn},
			{From: 4, To: 5, Label: cfg.LabelNormalReturn},
		},
	)
	return m, g
}

// TestBranchTargetPreservation checks spec §8's core property: every
// original branch still, transitively through any inserted patch,
// reaches the same logical original destination.
func TestBranchTargetPreservation(t *testing.T) {
	m, g := branchingMethod()
	out, err := Rewrite(m, g, Config{Mask: allMask()}, m.Signature)
	require.NoError(t, err)

	var ifInstr *ir.Instr
	for i := range out.Instrs {
		if out.Instrs[i].Op == ir.OpIf {
			ifInstr = &out.Instrs[i]
		}
	}
	require.NotNil(t, ifInstr, "rewritten method must still contain the If instruction")

	resolve := func(offset int) int {
		in := out.InstrAt(offset)
		require.NotNil(t, in, "dangling branch target %d", offset)
		if in.Op == ir.OpGoto {
			return in.Target
		}
		return in.Offset
	}

	trueDest := resolve(ifInstr.Target)
	assert.Equal(t, 2*Stride, trueDest, "true edge must still resolve to original offset 2 scaled")

	// The false edge is realized as fallthrough into a patch at slot(0,+1).
	falsePatch := out.InstrAt(slot(0, 1))
	require.NotNil(t, falsePatch)
	assert.Equal(t, ir.OpGoto, falsePatch.Op)
	assert.Equal(t, 1*Stride, falsePatch.Target)
}

func TestRedirectedIfCarriesDistinctBranchIDs(t *testing.T) {
	m, g := branchingMethod()
	out, err := Rewrite(m, g, Config{Mask: allMask()}, m.Signature)
	require.NoError(t, err)

	var ifInstr *ir.Instr
	for i := range out.Instrs {
		if out.Instrs[i].Op == ir.OpIf {
			ifInstr = &out.Instrs[i]
		}
	}
	require.NotNil(t, ifInstr)

	truePatch := out.InstrAt(ifInstr.Target)
	require.NotNil(t, truePatch)
	truePC, ok := ProbeCallOf(truePatch)
	require.True(t, ok)

	falsePatch := out.InstrAt(slot(0, 1))
	require.NotNil(t, falsePatch)
	falsePC, ok := ProbeCallOf(falsePatch)
	require.True(t, ok)

	assert.NotEqual(t, truePC.PackedID, falsePC.PackedID)
}

// throwingMethod builds a single Throw block with one typed exception
// edge and a SummaryThrow block, to exercise §4.1.1/§4.1.2.
func throwingMethod() (*ir.Method, *cfg.Graph) {
	m := &ir.Method{
		Signature: "Foo.risky()V",
		Instrs: []ir.Instr{
			{Offset: 0, Op: ir.OpThrow},
		},
		NumLocals: 0,
	}
	g := cfg.NewGraph(
		[]cfg.Block{
			{ID: 1, Type: cfg.Entry, Successors: []uint32{2}},
			{ID: 2, Type: cfg.Code, SubType: cfg.Throw, StartOffset: 0, EndOffset: 0, Predecessors: []uint32{1}, Successors: []uint32{3, 4}},
			{ID: 3, Type: cfg.Exit, Predecessors: []uint32{2}},
			{ID: 4, Type: cfg.Code, SubType: cfg.SummaryThrow, Predecessors: []uint32{2}},
		},
		[]cfg.Edge{
			{From: 1, To: 2, Label: cfg.LabelNormalReturn, BranchIDs: []cfg.BranchID{{Type: cfg.BranchEntry, ID: 1}}},
			{From: 2, To: 3, Label: "java.io.IOException", BranchIDs: []cfg.BranchID{{Type: cfg.BranchThrow, ID: 9}}},
		},
	)
	return m, g
}

func TestExceptionDispatchRecordsDeclaredEdges(t *testing.T) {
	m, g := throwingMethod()
	out, err := Rewrite(m, g, Config{Mask: allMask()}, m.Signature)
	require.NoError(t, err)

	var found bool
	for _, in := range out.Instrs {
		pc, ok := ProbeCallOf(&in)
		if ok && pc.Kind == CallExceptionDispatch && len(pc.Exceptions) > 0 {
			found = true
			assert.Contains(t, pc.Exceptions, "java.io.IOException")
		}
	}
	assert.True(t, found, "expected an exception-dispatch probe over the declared edges")
}

func TestSummaryHandlerWatchesWholeMethod(t *testing.T) {
	m, g := throwingMethod()
	out, err := Rewrite(m, g, Config{Mask: allMask()}, m.Signature)
	require.NoError(t, err)

	var summaryHandler *ir.Handler
	for i := range out.Handlers {
		h := &out.Handlers[i]
		in := out.InstrAt(h.HandlerOffset)
		if in == nil {
			continue
		}
		if pc, ok := ProbeCallOf(in); ok && pc.Kind == CallSummaryHandlerInstall {
			summaryHandler = h
		}
	}
	require.NotNil(t, summaryHandler, "expected a whole-method summary-throw handler")
	assert.Equal(t, 0*Stride, summaryHandler.StartOffset)
	assert.GreaterOrEqual(t, summaryHandler.EndOffset, 0*Stride+Stride)
}

func TestHandlersNeverTargetBlockEntryPrologue(t *testing.T) {
	m, g := straightLineMethod()
	out, err := Rewrite(m, g, Config{Mask: allMask()}, m.Signature)
	require.NoError(t, err)

	for _, h := range out.Handlers {
		in := out.InstrAt(h.HandlerOffset)
		require.NotNil(t, in)
		pc, ok := ProbeCallOf(in)
		if ok {
			assert.NotEqual(t, CallBlockEntry, pc.Kind)
		}
	}
}
