// Package instrument implements the structural instrumentor (spec
// §4.1): it consumes a method, its CFG, and an instrumentation
// configuration, and produces an equivalent method with probe calls
// spliced in at block- or branch-edge granularity.
//
// Offsets in the rewritten method are the original offset scaled by
// Stride, so every original instruction keeps a stable "home slot" and
// inserted probe instructions get their own slots clustered around it
// without ever renumbering an instruction the CFG or exception table
// still refers to by its original offset. This is the Go-IR analogue of
// a bytecode rewriter's label-patching pass.
package instrument

import (
	"fmt"
	"sort"

	"github.com/ocx/tracer/internal/cfg"
	"github.com/ocx/tracer/internal/errs"
	"github.com/ocx/tracer/internal/instmode"
	"github.com/ocx/tracer/internal/ir"
	"github.com/ocx/tracer/internal/probedesc"
	"github.com/ocx/tracer/internal/probeid"
)

// Stride is the per-original-instruction offset multiplier; see package
// doc. 1000 leaves ample room for probe prologues/epilogues without
// colliding with a neighboring original instruction's slot.
const Stride = 1000

// TypeMask selects which block- and branch-kinds are enabled for
// emission (spec §3's "set of enabled block-kinds or branch-kinds").
type TypeMask struct {
	Blocks   map[cfg.BlockType]bool
	Branches map[cfg.BranchType]bool
}

func NewTypeMask() TypeMask {
	return TypeMask{Blocks: map[cfg.BlockType]bool{}, Branches: map[cfg.BranchType]bool{}}
}

func (m TypeMask) HasBlock(t cfg.BlockType) bool   { return m.Blocks[t] }
func (m TypeMask) HasBranch(t cfg.BranchType) bool { return m.Branches[t] }

// Config is the instrumentation configuration for one Rewrite call
// (spec §3).
type Config struct {
	Mode        instmode.Mode
	Mask        TypeMask
	TargetJUnit bool
}

// ProbeCallKind tags what an inserted probe instruction does at
// runtime; a method's execution path switches on this to call into
// internal/runtimeprobe.
type ProbeCallKind int

const (
	CallBlockEntry ProbeCallKind = iota
	CallBranchHit
	CallExceptionDispatch
	CallSummaryHandlerInstall
	CallStartup
)

// Summary-throw suppress-flag values (spec §4.1.2, §9's Open Question on
// the switch's 1/2 cases). SuppressNone and SuppressSummaryExit take the
// same action (mark summary exit, rethrow); only SuppressExcExitCall,
// set exclusively by the OptSequence call-site dispatch, diverges.
const (
	SuppressNone        = 0
	SuppressSummaryExit = 1
	SuppressExcExitCall = 2
)

// ProbeCall is attached to an ir.Instr when that instruction represents
// an inserted probe call rather than (or in addition to) opaque subject
// control flow.
type ProbeCall struct {
	Kind ProbeCallKind

	// CallBlockEntry / CallBranchHit: the single id to commit.
	PackedID uint32
	BlockID  uint32 // originating block, for diagnostics

	// CallExceptionDispatch: parallel arrays, tested in the reverse of
	// declaration order per spec §4.1.1 ("for each edge ... in
	// reverse"). Exceptions[i] is the label that commits Targets[i].
	Exceptions      []string
	Targets         []uint32
	SuppressOnMatch int // excExitSuppress value to set when a match commits

	// CallSummaryHandlerInstall: the whole-method wrapper handler.
	SummaryExitID uint32
}

// Rewrite is the instrumentor's single entry point.
func Rewrite(method *ir.Method, graph *cfg.Graph, config Config, signature string) (*ir.Method, error) {
	if method.IsEmpty() {
		// Identity on empty/native/abstract methods (spec §8 property law).
		return method.Clone(), nil
	}
	if graph == nil || len(graph.Blocks) == 0 {
		return nil, errs.New(errs.MissingCFG, "instrument.Rewrite", fmt.Errorf("no CFG for method %s", signature))
	}
	if _, ok := probedesc.ForMode(config.Mode); !ok {
		return nil, errs.New(errs.ConfigurationError, "instrument.Rewrite", fmt.Errorf("no probe entry point for mode %s", config.Mode))
	}

	r := &rewriter{
		orig:      method,
		graph:     graph,
		cfg:       config,
		signature: signature,
	}
	return r.run()
}

type rewriter struct {
	orig      *ir.Method
	graph     *cfg.Graph
	cfg       Config
	signature string

	out         []ir.Instr
	handlers    []ir.Handler
	extraLocals int // excExitSuppress + exception temporaries

	patchBase int // next free synthetic patch offset, see allocPatchSlot
}

func scale(origOffset int) int { return origOffset * Stride }

// slot returns a synthetic offset near origOffset; negative n means
// "before" the instruction, positive means "after". Callers must keep
// |n| well under Stride/2.
func slot(origOffset, n int) int { return scale(origOffset) + n }

// patchSlotBase sits far past any scale(origOffset) a realistic method
// produces, so patches never collide with original-instruction homes.
const patchSlotBase = 1 << 30

// allocPatchSlot returns a fresh, unique offset for a standalone patch
// instruction (branch redirect target, call-site exception dispatch,
// summary handler). Patches are reached only by explicit
// Target/HandlerOffset references, never by fallthrough, so their
// absolute position in the arena doesn't matter beyond uniqueness.
func (r *rewriter) allocPatchSlot() int {
	if r.patchBase == 0 {
		r.patchBase = patchSlotBase
	}
	r.patchBase++
	return r.patchBase
}

func (r *rewriter) run() (*ir.Method, error) {
	if err := r.validateIDs(); err != nil {
		return nil, err
	}

	blocks := append([]cfg.Block(nil), r.graph.Blocks...)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].ID < blocks[j].ID })

	// Reserve two extra locals: excExitSuppress flag + exception temp.
	r.extraLocals = 2

	// Probe-startup insertion (spec §4.1 "Probe-startup insertion"):
	// exactly one startup call precedes any other probe invocation.
	// Priority order (class initializer / main / explicit request) is an
	// external-caller concern (cmd/tracer decides which method gets the
	// flag); here a method whose signature is exactly "<clinit>" or
	// "main" gets the startup call, ahead of its lowest-offset block.
	if r.signature == "<clinit>" || r.signature == "main" {
		first := blocks[0].StartOffset
		for _, b := range blocks {
			if b.StartOffset < first {
				first = b.StartOffset
			}
		}
		r.emit(ir.Instr{
			Offset: slot(first, -900),
			Op:     ir.OpCode,
			Probe:  ProbeCall{Kind: CallStartup},
		})
	}

	for i := range blocks {
		b := &blocks[i]
		if err := r.emitBlock(b); err != nil {
			return nil, err
		}
	}

	// User-declared handlers are re-added after any injected call-site
	// catch-all so the injected, narrower handler takes precedence
	// (spec §4.1.3: "bound before user-declared handlers").
	for _, h := range r.orig.Handlers {
		r.handlers = append(r.handlers, ir.Handler{
			StartOffset:   scale(h.StartOffset),
			EndOffset:     scale(h.EndOffset),
			HandlerOffset: scale(h.HandlerOffset),
			ExceptionType: h.ExceptionType,
		})
	}

	if r.cfg.Mask.HasBlock(cfg.Exit) {
		r.emitSummaryHandler(blocks)
	}

	out := &ir.Method{
		Signature: r.signature,
		Instrs:    r.out,
		Handlers:  r.handlers,
		NumLocals: r.orig.NumLocals + r.extraLocals,
	}
	sort.Slice(out.Instrs, func(i, j int) bool { return out.Instrs[i].Offset < out.Instrs[j].Offset })
	out.MaxStack = recomputeMaxStack(out)

	if err := r.assertHandlersNeverTargetPrologue(out); err != nil {
		return nil, err
	}

	return out, nil
}

// emit appends in. A probe whose slot is already taken moves one slot
// further from its instruction's home slot, so output offsets stay unique.
func (r *rewriter) emit(in ir.Instr) {
	if in.Probe != nil && in.Offset < patchSlotBase {
		step := 1
		if in.Offset < (in.Offset+Stride/2)/Stride*Stride {
			step = -1
		}
		arena := &ir.Method{Instrs: r.out}
		for arena.InstrAt(in.Offset) != nil {
			in.Offset += step
		}
	}
	r.out = append(r.out, in)
}

func (r *rewriter) validateIDs() error {
	for _, b := range r.graph.Blocks {
		if b.ID > probeid.MaxID {
			return errs.New(errs.IdOutOfRange, "instrument.validateIDs", fmt.Errorf("block id %d exceeds %d", b.ID, probeid.MaxID))
		}
		for _, e := range r.graph.EdgesFrom(b.ID) {
			for _, bid := range e.BranchIDs {
				if bid.ID > probeid.MaxID {
					return errs.New(errs.IdOutOfRange, "instrument.validateIDs", fmt.Errorf("branch id %d exceeds %d", bid.ID, probeid.MaxID))
				}
			}
		}
	}
	return nil
}

func recomputeMaxStack(m *ir.Method) int {
	depth, max := 0, 0
	for _, in := range m.Instrs {
		depth += in.StackDelta
		if depth > max {
			max = depth
		}
		if depth < 0 {
			depth = 0
		}
	}
	if max < 1 {
		max = 1
	}
	return max
}

// assertHandlersNeverTargetPrologue resolves Open Question #2 (spec §9):
// a handler's start PC must never resolve into a block's inserted probe
// prologue, because Entry/Return blocks suppress targeter updates "to
// avoid double marking". A violation is a ConfigurationError: fatal.
func (r *rewriter) assertHandlersNeverTargetPrologue(m *ir.Method) error {
	for _, h := range m.Handlers {
		in := m.InstrAt(h.HandlerOffset)
		if in == nil {
			return errs.New(errs.ConfigurationError, "instrument.assertHandlersNeverTargetPrologue",
				fmt.Errorf("handler offset %d does not resolve to any instruction", h.HandlerOffset))
		}
		if pc, ok := probeCallOf(in); ok && pc.Kind == CallBlockEntry {
			return errs.New(errs.ConfigurationError, "instrument.assertHandlersNeverTargetPrologue",
				fmt.Errorf("handler at %d targets an instrumentation prologue for block %d", h.HandlerOffset, pc.BlockID))
		}
	}
	return nil
}

// probeCallOf extracts the ProbeCall payload an inserted instruction
// carries; package-internal callers use this form, external callers
// the exported ProbeCallOf.
func probeCallOf(in *ir.Instr) (ProbeCall, bool) {
	return ProbeCallOf(in)
}

// ProbeCallOf type-asserts in.Probe back to a ProbeCall, for any
// caller that walks a rewritten method's instruction arena.
func ProbeCallOf(in *ir.Instr) (ProbeCall, bool) {
	if in.Probe == nil {
		return ProbeCall{}, false
	}
	pc, ok := in.Probe.(ProbeCall)
	return pc, ok
}
