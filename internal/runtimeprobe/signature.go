package runtimeprobe

import "sync"

// signatureTable tracks which signatures have already had
// WriteObjectCount called for them, so Compatible mode's
// "once per first entry" rule (spec §4.2) holds without the caller
// having to track it itself.
type signatureTable struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newSignatureTable() *signatureTable {
	return &signatureTable{seen: make(map[string]bool)}
}

// FirstEntry reports whether this is the first time signature has been
// seen, recording it as seen either way.
func (s *signatureTable) FirstEntry(signature string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[signature] {
		return false
	}
	s.seen[signature] = true
	return true
}

// NoteObjectCount calls WriteObjectCount exactly once per signature,
// the first time it's observed.
func (p *Probe) NoteObjectCount(signature string, count int32) error {
	if !p.sig.FirstEntry(signature) {
		return nil
	}
	return p.WriteObjectCount(signature, count)
}
