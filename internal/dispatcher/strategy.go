package dispatcher

import (
	"github.com/ocx/tracer/internal/errs"
	"github.com/ocx/tracer/internal/instmode"
	"github.com/ocx/tracer/internal/probeid"
	"github.com/ocx/tracer/internal/traceevent"
	"github.com/ocx/tracer/internal/wire"
)

// strategy is the capability-set abstraction from spec §9 ("processing
// strategies are capability sets... prefer tagged variants over open
// hierarchies"): one per (mode), chosen once at accept time and held
// for the life of the connection. HandlePayload receives one decoded
// wire.ReadFrame payload at a time.
type strategy interface {
	HandlePayload(stream traceevent.StreamID, payload []byte, sink traceevent.Sink) error
}

// strategyFor is the InstMode-keyed constructor table mirroring the
// teacher's Hub.handlers map[string]MessageHandler dispatch-table
// idiom, restated as a closed switch per spec §9's "tagged variants
// over open hierarchies" rule.
func strategyFor(mode instmode.Mode, hasTimestamps bool) (strategy, bool) {
	switch mode {
	case instmode.Compatible:
		return compatibleStrategy{hasTimestamps: hasTimestamps}, true
	case instmode.OptNormal:
		return optNormalStrategy{}, true
	case instmode.OptSequence:
		return &optSequenceStrategy{}, true
	case instmode.TraceHashing:
		return traceHashingStrategy{}, true
	default:
		return nil, false
	}
}

type compatibleStrategy struct {
	hasTimestamps bool
}

func (s compatibleStrategy) HandlePayload(stream traceevent.StreamID, payload []byte, sink traceevent.Sink) error {
	tag, err := wire.PeekTag(payload)
	if err != nil {
		return err
	}
	switch tag {
	case wire.TagObjCount:
		body, err := wire.UnmarshalObjCount(payload)
		if err != nil {
			return err
		}
		sink.MethodEnter(traceevent.MethodEnterEvent{Stream: stream, Signature: body.Signature, ObjCount: body.ObjCount})
		return nil
	case wire.TagPrimary:
		body, err := wire.UnmarshalTraceMsg(payload, s.hasTimestamps)
		if err != nil {
			return err
		}
		emitDecodedFiring(stream, body.Signature, uint32(body.PackedID), sink)
		return nil
	default:
		return errs.New(errs.BadFileFormat, "dispatcher.compatibleStrategy", nil)
	}
}

type optNormalStrategy struct{}

func (optNormalStrategy) HandlePayload(stream traceevent.StreamID, payload []byte, sink traceevent.Sink) error {
	body, err := wire.UnmarshalCoverageBatch(payload)
	if err != nil {
		return err
	}
	for _, m := range body.Methods {
		sink.MethodEnter(traceevent.MethodEnterEvent{Stream: stream, Signature: m.Signature, ObjCount: int32(len(m.Hits))})
		for id, stored := range m.Hits {
			if stored == 0 {
				continue // never hit; see runtimeprobe.recordCoverage's typeTag+1 encoding
			}
			emitDecodedFiring(stream, m.Signature, probeid.Pack(stored-1, uint32(id)), sink)
		}
	}
	return nil
}

type optSequenceStrategy struct {
	// bindings persists across HandlePayload calls on one connection's
	// strategy instance, mirroring the probe-side "signature->index map
	// persists" rule (spec §4.2) on the receiving end.
	bindings map[int32]string
}

func (s *optSequenceStrategy) HandlePayload(stream traceevent.StreamID, payload []byte, sink traceevent.Sink) error {
	if s.bindings == nil {
		s.bindings = make(map[int32]string)
	}
	body, err := wire.UnmarshalSequenceBatch(payload)
	if err != nil {
		return err
	}
	for _, b := range body.NewBindings {
		s.bindings[b.SigIndex] = b.Signature
	}

	var currentSig string
	for i := 0; i < len(body.Entries); i++ {
		entry := body.Entries[i]
		switch uint32(entry) {
		case probeid.NewMethod:
			i++
			if i >= len(body.Entries) {
				return errs.New(errs.BadFileFormat, "dispatcher.optSequenceStrategy", nil)
			}
			sigIndex := body.Entries[i]
			currentSig = s.bindings[sigIndex]
			sink.MethodEnter(traceevent.MethodEnterEvent{Stream: stream, Signature: currentSig})
		case probeid.BranchExit:
			sink.BranchExecute(traceevent.BranchExecuteEvent{Stream: stream, Signature: currentSig, Kind: traceevent.BranchOther})
		default:
			emitDecodedFiring(stream, currentSig, uint32(entry), sink)
		}
	}
	return nil
}

// HandlePayload is defined on a pointer receiver since optSequenceStrategy
// carries persistent binding state; strategyFor must hand out a pointer
// for OptSequence connections specifically.

type traceHashingStrategy struct{}

func (traceHashingStrategy) HandlePayload(stream traceevent.StreamID, payload []byte, sink traceevent.Sink) error {
	// TraceHashing mode never ships per-event wire traffic (spec §4.2:
	// hashing happens entirely in the subject); the dispatcher only
	// observes the connection's lifecycle. A payload in this mode is
	// unexpected.
	return errs.New(errs.BadFileFormat, "dispatcher.traceHashingStrategy", nil)
}

func emitDecodedFiring(stream traceevent.StreamID, signature string, packed uint32, sink traceevent.Sink) {
	typeTag, id, isBranch := decodePackedID(packed)
	if isBranch {
		sink.BranchExecute(traceevent.BranchExecuteEvent{Stream: stream, Signature: signature, Kind: branchKindForTag(typeTag), BranchID: id})
		return
	}
	sink.CodeBlockExecute(traceevent.CodeBlockExecuteEvent{Stream: stream, Signature: signature, Kind: blockKindForTag(typeTag), BlockID: id})
}
