// Package probeid implements the packed probe-ID encoding, the reserved
// sequence markers, and the lazily-assigned global hash index used by
// TraceHashing mode (spec §3).
package probeid

import (
	"fmt"
	"sync"
)

const (
	// MaxType is the largest representable 6-bit type tag.
	MaxType = 63
	// MaxID is the largest representable 26-bit entity ID.
	MaxID = 1<<26 - 1

	typeShift = 26
	idMask    = 1<<26 - 1
)

// Reserved sequence markers. Both encode an illegal ID of 0 so they can
// never collide with a real packed ID (real IDs are >= 1).
const (
	NewMethod  uint32 = 0xFC000000
	BranchExit uint32 = 0xF8000000
)

// Pack encodes (type, id) as (type<<26)|id. Callers must validate type
// and id against MaxType/MaxID first; Pack does not range-check so it
// can be used in hot paths where the caller has already validated via
// Validate.
func Pack(typeTag uint8, id uint32) uint32 {
	return uint32(typeTag)<<typeShift | (id & idMask)
}

// Unpack is the inverse of Pack.
func Unpack(packed uint32) (typeTag uint8, id uint32) {
	return uint8(packed >> typeShift), packed & idMask
}

// Validate checks the invariant from spec §3: id <= 2^26-1, type <= 63,
// id >= 1 (id 0 is reserved for the sequence markers).
func Validate(typeTag uint8, id uint32) error {
	if typeTag > MaxType {
		return fmt.Errorf("probeid: type tag %d exceeds max %d", typeTag, MaxType)
	}
	if id == 0 || id > MaxID {
		return fmt.Errorf("probeid: id %d out of range [1, %d]", id, MaxID)
	}
	return nil
}

// IsMarker reports whether packed is one of the reserved sequence
// markers rather than a real packed ID.
func IsMarker(packed uint32) bool {
	return packed == NewMethod || packed == BranchExit
}

// HashIndex assigns monotonic 1-based indices to (method signature,
// block id) pairs, lazily, for TraceHashing mode. Index 0 is never
// assigned so a zero value can mean "unassigned".
type HashIndex struct {
	mu    sync.Mutex
	next  uint32
	table map[hashKey]uint32
}

type hashKey struct {
	sig string
	id  uint32
}

func NewHashIndex() *HashIndex {
	return &HashIndex{next: 1, table: make(map[hashKey]uint32)}
}

// IndexFor returns the global index for (signature, id), assigning a
// fresh one on first use. Overflow past 2^31 is unreachable in practice
// and is asserted rather than handled, per spec §3.
func (h *HashIndex) IndexFor(signature string, id uint32) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := hashKey{sig: signature, id: id}
	if idx, ok := h.table[key]; ok {
		return idx
	}
	if h.next >= 1<<31 {
		panic("probeid: global hash index overflowed 2^31")
	}
	idx := h.next
	h.next++
	h.table[key] = idx
	return idx
}

// Len reports how many (signature, id) pairs have been assigned an
// index so far.
func (h *HashIndex) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.table)
}
