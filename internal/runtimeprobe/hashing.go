package runtimeprobe

import (
	"log/slog"
	"sync"

	"github.com/ocx/tracer/internal/probeid"
)

// hashState is TraceHashing mode's rolling accumulator plus the global
// (signature, id) -> index assignment it folds in (spec §4.2,
// internal/probeid.HashIndex provides the index assignment itself).
type hashState struct {
	mu    sync.Mutex
	hash  uint32
	index *probeid.HashIndex
}

func newHashState() *hashState {
	return &hashState{index: probeid.NewHashIndex()}
}

// recordHash implements spec §4.2's TraceHashing update rule exactly:
//
//	hash = ((hash << 16) + global_index) & 0xFFFFFFFF
//	hash ^= (hash & 0xF0000000) >> 24
func (p *Probe) recordHash(signature string, id uint32) error {
	globalIndex := p.hsh.index.IndexFor(signature, id)

	p.hsh.mu.Lock()
	h := (p.hsh.hash << 16) + globalIndex
	h ^= (h & 0xF0000000) >> 24
	p.hsh.hash = h
	p.hsh.mu.Unlock()
	return nil
}

// FinalHash returns the accumulated TraceHashing value. Only meaningful
// once the subject has stopped emitting events.
func (p *Probe) FinalHash() uint32 {
	p.hsh.mu.Lock()
	defer p.hsh.mu.Unlock()
	return p.hsh.hash
}

// drainHash implements spec §4.2's TraceHashing shutdown hook: print
// the final hash.
func (p *Probe) drainHash() {
	if p.hsh == nil {
		return
	}
	slog.Info("runtimeprobe: final trace hash", "hash", p.FinalHash())
}
