package runtimeprobe

import (
	"sync"

	"github.com/ocx/tracer/internal/probeid"
	"github.com/ocx/tracer/internal/wire"
)

// sequenceBufferCapacity is the ring buffer's entry count before a
// forced flush (spec §4.2's OptSequence "if index reaches capacity").
const sequenceBufferCapacity = 16384

// sequenceState holds the process-wide sequence buffer and the
// signature interning table. Per spec §5, OptSequence state is
// explicitly not goroutine-safe: callers must serialize their own
// concurrent probe invocations by instrumentation contract.
type sequenceState struct {
	mu sync.Mutex // documents the contract; instrumented code is expected to already be single-threaded here

	entries []int32

	sigIndex  map[string]int32
	nextIndex int32

	newBindings []wire.SequenceBinding

	lastMethod map[StackID]string
}

func newSequenceState() *sequenceState {
	return &sequenceState{
		sigIndex:   make(map[string]int32),
		lastMethod: make(map[StackID]string),
	}
}

// recordSequence writes packedID into the sequence buffer, prefixing a
// NEW_METHOD marker plus the interned signature index whenever the
// calling stack has moved to a different method since its last event
// (spec §4.2: "Entering a new method first writes NEW_METHOD plus the
// signature's interned index").
func (p *Probe) recordSequence(stack StackID, signature string, packedID int32) error {
	s := p.seq
	s.mu.Lock()

	if s.lastMethod[stack] != signature {
		s.lastMethod[stack] = signature
		idx, isNew := s.internSignature(signature)
		s.appendLocked(int32(probeid.NewMethod))
		s.appendLocked(idx)
		_ = isNew
	}
	s.appendLocked(packedID)

	full := len(s.entries) >= sequenceBufferCapacity
	s.mu.Unlock()

	if full {
		return p.flushSequence()
	}
	return nil
}

func (s *sequenceState) internSignature(signature string) (idx int32, isNew bool) {
	if existing, ok := s.sigIndex[signature]; ok {
		return existing, false
	}
	idx = s.nextIndex
	s.nextIndex++
	s.sigIndex[signature] = idx
	s.newBindings = append(s.newBindings, wire.SequenceBinding{SigIndex: idx, Signature: signature})
	return idx, true
}

func (s *sequenceState) appendLocked(v int32) {
	s.entries = append(s.entries, v)
}

// flushSequence implements writeSequenceData: ships the buffered
// entries and any newly interned bindings, then clears the buffer and
// the bindings batch while leaving the signature->index map intact
// (spec §4.2: "the interned-bindings table is cleared but the
// signature→index map persists").
func (p *Probe) flushSequence() error {
	s := p.seq
	s.mu.Lock()
	body := wire.SequenceBatchBody{
		NewBindings: s.newBindings,
		Entries:     s.entries,
	}
	s.newBindings = nil
	s.entries = nil
	s.mu.Unlock()

	if len(body.NewBindings) == 0 && len(body.Entries) == 0 {
		return nil
	}
	raw, err := body.Marshal()
	if err != nil {
		return nil
	}
	return p.sendFrame(raw)
}

// drainSequence flushes any remaining buffered entries at shutdown.
func (p *Probe) drainSequence() {
	if p.seq == nil {
		return
	}
	_ = p.flushSequence()
}
