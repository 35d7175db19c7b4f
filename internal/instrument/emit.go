package instrument

import (
	"sort"

	"github.com/ocx/tracer/internal/cfg"
	"github.com/ocx/tracer/internal/instmode"
	"github.com/ocx/tracer/internal/ir"
	"github.com/ocx/tracer/internal/probeid"
)

// emitBlock copies one basic block's original instructions into r.out,
// with offsets remapped through scale(), and splices in whatever
// block-mode and branch-mode probes the active Config.Mask calls for
// (spec §4.1's "Block-mode probe emission" and "Branch-mode probe
// emission").
func (r *rewriter) emitBlock(b *cfg.Block) error {
	edges := r.graph.EdgesFrom(b.ID)

	switch b.Type {
	case cfg.Entry:
		r.emitEntryProbes(b)
		return nil // virtual block, no instructions of its own
	case cfg.Exit:
		r.emitExitPredecessorProbes(b)
		return nil // virtual block, no instructions of its own
	}

	origInstrs := r.instrsInRange(b.StartOffset, b.EndOffset)

	if b.Type == cfg.Code && b.SubType == cfg.Throw {
		if r.cfg.Mask.HasBlock(cfg.Exit) || r.cfg.Mask.HasBranch(cfg.BranchThrow) {
			r.emitThrowDispatch(b, edges)
		}
	} else if b.Type == cfg.Code && r.cfg.Mask.HasBlock(cfg.Code) {
		r.emitBefore(b.StartOffset, CallBlockEntry, b.Type, b.ID)
	} else if b.Type == cfg.Call && r.cfg.Mask.HasBlock(cfg.Call) {
		r.emitBefore(b.StartOffset, CallBlockEntry, b.Type, b.ID)
	}

	for _, in := range origInstrs {
		ni := in
		ni.Offset = scale(in.Offset)

		switch {
		case in.Op == ir.OpIf && b.SubType == cfg.If && r.cfg.Mask.HasBranch(cfg.BranchIf):
			ni = r.redirectIf(in, b, edges)
		case in.Op == ir.OpSwitch && b.SubType == cfg.Switch && r.cfg.Mask.HasBranch(cfg.BranchSwitch):
			ni = r.redirectSwitch(in, b, edges)
		default:
			ni = r.remapPlain(in)
		}
		r.emit(ni)
	}

	if b.Type == cfg.Return && r.cfg.Mask.HasBlock(cfg.Return) {
		r.emitAfter(b.EndOffset, CallBlockEntry, b.Type, b.ID)
	}

	if b.Type == cfg.Call {
		r.emitCallTail(b, edges)
	}

	return nil
}

// remapPlain copies in with every offset-valued field rescaled, for
// instructions that are not themselves being branch-redirected.
func (r *rewriter) remapPlain(in ir.Instr) ir.Instr {
	ni := in
	ni.Offset = scale(in.Offset)
	switch in.Op {
	case ir.OpGoto, ir.OpIf:
		ni.Target = scale(in.Target)
	case ir.OpSwitch:
		ni.SwitchDefault = scale(in.SwitchDefault)
		if in.SwitchTargets != nil {
			ni.SwitchTargets = make(map[int]int, len(in.SwitchTargets))
			for k, v := range in.SwitchTargets {
				ni.SwitchTargets[k] = scale(v)
			}
		}
	}
	return ni
}

// instrsInRange returns r.orig's instructions with Offset in
// [start, end], sorted by offset.
func (r *rewriter) instrsInRange(start, end int) []ir.Instr {
	var out []ir.Instr
	for _, in := range r.orig.Instrs {
		if in.Offset >= start && in.Offset <= end {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// nextOriginalOffset returns the smallest offset in r.orig strictly
// greater than offset, or -1 if offset is the method's last instruction.
// Used to resolve an OpIf's fallthrough (false) destination.
func (r *rewriter) nextOriginalOffset(offset int) int {
	best := -1
	for _, in := range r.orig.Instrs {
		if in.Offset > offset && (best == -1 || in.Offset < best) {
			best = in.Offset
		}
	}
	return best
}

// blockTag and branchTag partition the 6-bit probe type-tag space
// (spec §3) between block-kinds and branch-kinds so a Code block and an
// If branch never pack to the same type tag for the same numeric id.
func blockTag(t cfg.BlockType) uint8   { return uint8(t) }
func branchTag(t cfg.BranchType) uint8 { return uint8(t) + 8 }

func (r *rewriter) emitProbeAt(offset int, kind ProbeCallKind, packedID, blockID uint32) {
	r.emit(ir.Instr{
		Offset: offset,
		Op:     ir.OpCode,
		Probe:  ProbeCall{Kind: kind, PackedID: packedID, BlockID: blockID},
	})
}

// emitBefore/emitAfter are the block-mode wrappers: the packed id is
// derived from the block's own (type, id) pair.
func (r *rewriter) emitBefore(origOffset int, kind ProbeCallKind, blockType cfg.BlockType, blockID uint32) {
	r.emitProbeAt(slot(origOffset, -1), kind, probeid.Pack(blockTag(blockType), blockID), blockID)
}

func (r *rewriter) emitAfter(origOffset int, kind ProbeCallKind, blockType cfg.BlockType, blockID uint32) {
	r.emitProbeAt(slot(origOffset, 1), kind, probeid.Pack(blockTag(blockType), blockID), blockID)
}

// emitEntryProbes implements the Entry block's two independent probe
// signals: a block-mode probe at each successor's start keyed by the
// Entry block's own id, and (separately) a branch-mode unary probe
// keyed by the BranchEntry edge id. A method reached only ever has one
// Entry block, so "first successor" is unambiguous.
func (r *rewriter) emitEntryProbes(b *cfg.Block) {
	if r.cfg.Mask.HasBlock(cfg.Entry) {
		for _, succ := range b.Successors {
			sb := r.graph.BlockByID(succ)
			if sb != nil {
				r.emitBefore(sb.StartOffset, CallBlockEntry, b.Type, b.ID)
			}
		}
	}
	if r.cfg.Mask.HasBranch(cfg.BranchEntry) && len(b.Successors) > 0 {
		sb := r.graph.BlockByID(b.Successors[0])
		for _, e := range r.graph.EdgesFrom(b.ID) {
			if sb != nil && e.To == sb.ID {
				if id := firstBranchID(e, cfg.BranchEntry); id != 0 {
					r.emitProbeAt(slot(sb.StartOffset, -1), CallBranchHit, probeid.Pack(branchTag(cfg.BranchEntry), id), b.ID)
				}
			}
		}
	}
}

// emitExitPredecessorProbes implements the block-mode Exit rule: for
// every predecessor of the virtual Exit block whose subtype isn't
// Throw (an exceptional exit is witnessed by the throw dispatch
// instead), emit a probe at the end of that predecessor.
func (r *rewriter) emitExitPredecessorProbes(b *cfg.Block) {
	if !r.cfg.Mask.HasBlock(cfg.Exit) {
		return
	}
	for _, pid := range b.Predecessors {
		pb := r.graph.BlockByID(pid)
		if pb == nil || pb.SubType == cfg.Throw {
			continue
		}
		r.emitAfter(pb.EndOffset, CallBlockEntry, b.Type, b.ID)
	}
}

// emitCallTail implements the Call block's branch-mode rules: a unary
// probe on the normal-return ("<r>") edge immediately after the call,
// and a catch-all handler scoped to just the call instruction that
// replicates the exceptional-exit dispatch over the call's own
// exception edges (spec §4.1.3).
func (r *rewriter) emitCallTail(b *cfg.Block, edges []cfg.Edge) {
	if r.cfg.Mask.HasBranch(cfg.BranchCall) {
		for _, e := range edges {
			if e.Label == cfg.LabelNormalReturn {
				if id := firstBranchID(e, cfg.BranchCall); id != 0 {
					r.emitProbeAt(slot(b.EndOffset, 1), CallBranchHit, probeid.Pack(branchTag(cfg.BranchCall), id), b.ID)
				}
			}
		}
	}

	if !r.cfg.Mask.HasBlock(cfg.Exit) && !r.cfg.Mask.HasBranch(cfg.BranchCall) {
		return
	}
	var excEdges []cfg.Edge
	for _, e := range edges {
		if e.Label != cfg.LabelNormalReturn {
			excEdges = append(excEdges, e)
		}
	}
	if len(excEdges) == 0 {
		return
	}

	suppress := SuppressSummaryExit
	if r.cfg.Mode == instmode.OptSequence {
		// The call's own unary probe already recorded this exit under the
		// sequence's id; the outer summary handler only needs to append a
		// marker, not mark the SummaryThrow block a second time.
		suppress = SuppressExcExitCall
	}

	dispatchOffset := r.allocPatchSlot()
	r.emit(ir.Instr{
		Offset: dispatchOffset,
		Op:     ir.OpCode,
		Probe:  r.buildDispatch(excEdges, cfg.BranchCall, suppress),
	})
	r.handlers = append(r.handlers, ir.Handler{
		StartOffset:   scale(b.StartOffset),
		EndOffset:     scale(b.EndOffset) + 1,
		HandlerOffset: dispatchOffset,
		ExceptionType: "",
	})
}

// emitThrowDispatch implements the exceptional-exit dispatch chain
// (spec §4.1.1) in front of a Throw block's raise: an if/else ladder
// over the block's exception edges collapses here into a single
// dispatch instruction the interpreter evaluates against the actual
// runtime exception type, since the IR has no instanceof primitive to
// unroll the ladder into.
func (r *rewriter) emitThrowDispatch(b *cfg.Block, edges []cfg.Edge) {
	var excEdges []cfg.Edge
	for _, e := range edges {
		if e.Label != cfg.LabelNormalReturn {
			excEdges = append(excEdges, e)
		}
	}
	if len(excEdges) == 0 {
		return
	}
	r.emit(ir.Instr{
		Offset: slot(b.StartOffset, -1),
		Op:     ir.OpCode,
		Probe:  r.buildDispatch(excEdges, cfg.BranchThrow, SuppressSummaryExit),
	})
}

// buildDispatch assembles a CallExceptionDispatch ProbeCall from a
// block's exception edges, testing them in reverse declaration order
// per spec §4.1.1 ("<any>" matches unconditionally and should be
// declared last by the CFG supplier, but reverse order guards against a
// supplier that doesn't).
func (r *rewriter) buildDispatch(edges []cfg.Edge, branchType cfg.BranchType, suppressOnMatch int) ProbeCall {
	pc := ProbeCall{Kind: CallExceptionDispatch, SuppressOnMatch: suppressOnMatch}
	for i := len(edges) - 1; i >= 0; i-- {
		e := edges[i]
		id := firstBranchID(e, branchType)
		if id == 0 {
			continue
		}
		pc.Exceptions = append(pc.Exceptions, e.Label)
		pc.Targets = append(pc.Targets, probeid.Pack(branchTag(branchType), id))
	}
	return pc
}

// redirectIf implements the multi-target branch probe (spec §4.1.4) for
// a two-way conditional: the true edge's target is replaced with a
// patch that commits the true branch id then gotos the real target; the
// false (fallthrough) edge gets an equivalent patch spliced in right
// after the instruction, since fallthrough can't itself carry a commit.
func (r *rewriter) redirectIf(in ir.Instr, b *cfg.Block, edges []cfg.Edge) ir.Instr {
	ni := in
	ni.Offset = scale(in.Offset)

	trueTarget := in.Target
	falseTarget := r.nextOriginalOffset(in.Offset)

	for _, e := range edges {
		switch e.Label {
		case cfg.LabelIfTrue:
			if id := firstBranchID(e, cfg.BranchIf); id != 0 {
				patch := r.allocPatchSlot()
				r.emit(ir.Instr{
					Offset: patch,
					Op:     ir.OpGoto,
					Target: scale(trueTarget),
					Probe:  ProbeCall{Kind: CallBranchHit, PackedID: probeid.Pack(branchTag(cfg.BranchIf), id), BlockID: b.ID},
				})
				ni.Target = patch
			}
		case cfg.LabelIfFalse:
			// The false edge is ordinary fallthrough, so its patch lives
			// at the very next slot after the If itself rather than in
			// the shared patch pool: nothing needs to retarget to reach
			// it, only commit before falling into the real destination.
			if id := firstBranchID(e, cfg.BranchIf); id != 0 && falseTarget != -1 {
				r.emit(ir.Instr{
					Offset: slot(in.Offset, 1),
					Op:     ir.OpGoto,
					Target: scale(falseTarget),
					Probe:  ProbeCall{Kind: CallBranchHit, PackedID: probeid.Pack(branchTag(cfg.BranchIf), id), BlockID: b.ID},
				})
			}
		}
	}
	return ni
}

// redirectSwitch is redirectIf's analogue for OpSwitch: every case
// target and the default target gets its own patch.
func (r *rewriter) redirectSwitch(in ir.Instr, b *cfg.Block, edges []cfg.Edge) ir.Instr {
	ni := in
	ni.Offset = scale(in.Offset)
	ni.SwitchDefault = in.SwitchDefault
	if in.SwitchTargets != nil {
		ni.SwitchTargets = make(map[int]int, len(in.SwitchTargets))
	}

	byLabel := make(map[string]cfg.Edge, len(edges))
	for _, e := range edges {
		byLabel[e.Label] = e
	}

	patchFor := func(label string, target int) (int, bool) {
		e, ok := byLabel[label]
		if !ok {
			return 0, false
		}
		id := firstBranchID(e, cfg.BranchSwitch)
		if id == 0 {
			return 0, false
		}
		patch := r.allocPatchSlot()
		r.emit(ir.Instr{
			Offset: patch,
			Op:     ir.OpGoto,
			Target: scale(target),
			Probe:  ProbeCall{Kind: CallBranchHit, PackedID: probeid.Pack(branchTag(cfg.BranchSwitch), id), BlockID: b.ID},
		})
		return patch, true
	}

	for caseVal, target := range in.SwitchTargets {
		if patch, ok := patchFor(itoaCase(caseVal), target); ok {
			ni.SwitchTargets[caseVal] = patch
		} else {
			ni.SwitchTargets[caseVal] = scale(target)
		}
	}
	if patch, ok := patchFor(cfg.LabelDefault, in.SwitchDefault); ok {
		ni.SwitchDefault = patch
	} else {
		ni.SwitchDefault = scale(in.SwitchDefault)
	}
	return ni
}

// firstBranchID returns the first branch id of the given type attached
// to an edge, or 0 (an illegal id, spec §3) if none matches.
func firstBranchID(e cfg.Edge, t cfg.BranchType) uint32 {
	for _, bid := range e.BranchIDs {
		if bid.Type == t {
			return bid.ID
		}
	}
	return 0
}

func itoaCase(v int) string {
	neg := v < 0
	if v == 0 {
		return "0"
	}
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// emitSummaryHandler wraps the whole instrumented method body with the
// summary-throw catch-all (spec §4.1.2): any exception that escapes
// past a narrower dispatch without being explicitly matched lands here
// and marks the method's SummaryThrow block before rethrowing.
func (r *rewriter) emitSummaryHandler(blocks []cfg.Block) {
	var summaryID uint32
	var found bool
	for _, b := range blocks {
		if b.SubType == cfg.SummaryThrow {
			summaryID = b.ID
			found = true
			break
		}
	}
	if !found {
		return
	}

	lo, hi := -1, -1
	for _, in := range r.orig.Instrs {
		if lo == -1 || in.Offset < lo {
			lo = in.Offset
		}
		if hi == -1 || in.Offset > hi {
			hi = in.Offset
		}
	}
	if lo == -1 {
		return
	}

	handlerOffset := r.allocPatchSlot()
	r.emit(ir.Instr{
		Offset: handlerOffset,
		Op:     ir.OpCode,
		Probe:  ProbeCall{Kind: CallSummaryHandlerInstall, SummaryExitID: probeid.Pack(branchTag(cfg.BranchOther), summaryID)},
	})
	r.handlers = append(r.handlers, ir.Handler{
		StartOffset:   scale(lo),
		EndOffset:     scale(hi) + Stride,
		HandlerOffset: handlerOffset,
		ExceptionType: "",
	})
}
