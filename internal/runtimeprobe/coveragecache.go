package runtimeprobe

import (
	"runtime"
	"strings"
	"sync"

	"github.com/ocx/tracer/internal/wire"
)

const (
	threadLRUMax              = 100
	threadLRUScanSize         = 15
	threadLRUOvermaxThreshold = 25
)

// coverageEntry is one signature's hit array plus the LRU bookkeeping
// needed to pick eviction victims.
type coverageEntry struct {
	hits  []byte
	order uint64 // insertion/touch sequence, lower is older
}

// threadCache is one goroutine's per-signature coverage-array cache
// (spec §4.2's "Per-thread cache"). It is touched by the goroutine that
// owns it, by the finalizer callback that ships it on exit, and by the
// final drain; its own mu guards entries, seq and overBy.
type threadCache struct {
	mu      sync.Mutex
	entries map[string]*coverageEntry
	seq     uint64
	overBy  int
}

func newThreadCache() *threadCache {
	return &threadCache{entries: make(map[string]*coverageEntry)}
}

func (p *Probe) cacheFor(stack StackID) *threadCache {
	p.cachesMu.RLock()
	tc, ok := p.caches[stack]
	p.cachesMu.RUnlock()
	if ok {
		return tc
	}

	p.cachesMu.Lock()
	defer p.cachesMu.Unlock()
	if tc, ok := p.caches[stack]; ok {
		return tc
	}
	tc = newThreadCache()
	p.caches[stack] = tc
	return tc
}

// recordCoverage implements OptNormal's getObjectArray + eviction path
// (spec §4.2). id indexes the signature's hit array directly; the byte
// stored there is typeTag+1, so a later consumer can recover the probe's
// packed-ID type tag. The block subtype is not stored.
func (p *Probe) recordCoverage(stack StackID, signature string, id uint32, typeTag uint8) error {
	tc := p.cacheFor(stack)

	tc.mu.Lock()
	entry, ok := tc.entries[signature]
	if !ok {
		entry = &coverageEntry{hits: make([]byte, id+1)}
		tc.entries[signature] = entry
	}
	tc.seq++
	entry.order = tc.seq
	if int(id) >= len(entry.hits) {
		grown := make([]byte, id+1)
		copy(grown, entry.hits)
		entry.hits = grown
	}
	// Stored as typeTag+1 so a zero byte unambiguously means "never
	// hit" even though typeTag 0 (cfg.Code) is itself a valid tag.
	entry.hits[id] = typeTag + 1
	needsEviction := len(tc.entries) > threadLRUMax
	tc.mu.Unlock()

	if needsEviction {
		p.evict(stack, tc, signature)
	}
	return nil
}

// evict implements the call-stack-filtered LRU scan from spec §4.2: the
// threadLRUScanSize oldest entries are scanned (the entry just touched
// is never shipped); any whose signature doesn't appear as a
// class.method prefix on the current call stack is shipped and
// removed. If the cache still exceeds threadLRUMax afterward, an
// overmax accumulator adds how far over it is and resets once it
// reaches threadLRUOvermaxThreshold. The cache limit itself never
// grows: every recordCoverage call made while the cache holds more
// than threadLRUMax entries runs this scan again.
func (p *Probe) evict(stack StackID, tc *threadCache, justTouched string) {
	liveFrames := callStackPrefixes(2)

	tc.mu.Lock()
	type candidate = struct {
		sig   string
		order uint64
	}
	candidates := make([]candidate, 0, len(tc.entries))
	for sig, e := range tc.entries {
		candidates = append(candidates, candidate{sig: sig, order: e.order})
	}
	// partial selection of the threadLRUScanSize oldest entries
	sortByOrder(candidates)
	scanCount := threadLRUScanSize
	if scanCount > len(candidates) {
		scanCount = len(candidates)
	}

	var toShip []string
	for i := 0; i < scanCount; i++ {
		sig := candidates[i].sig
		if sig == justTouched {
			continue
		}
		if onCallStack(liveFrames, sig) {
			continue
		}
		toShip = append(toShip, sig)
	}

	shipped := make(map[string][]byte, len(toShip))
	for _, sig := range toShip {
		shipped[sig] = tc.entries[sig].hits
		delete(tc.entries, sig)
	}

	stillOver := len(tc.entries) - threadLRUMax
	if stillOver > 0 {
		tc.overBy += stillOver
		if tc.overBy >= threadLRUOvermaxThreshold {
			// Reallocating a Go map is implicit (it just keeps growing);
			// the accumulator reset documents the policy decision point
			// even though there is no fixed-size backing array to resize.
			tc.overBy = 0
		}
	} else {
		tc.overBy = 0
	}
	tc.mu.Unlock()

	if len(shipped) > 0 {
		p.sendCoverageData(shipped)
	}
}

func sortByOrder(c []struct {
	sig   string
	order uint64
}) {
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && c[j].order < c[j-1].order; j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

// callStackPrefixes returns "pkg.Func"-shaped prefixes for the calling
// goroutine's active frames, standing in for spec §4.2's
// "class.method" call-stack inspection.
func callStackPrefixes(skip int) []string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+1, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var out []string
	for {
		frame, more := frames.Next()
		out = append(out, frame.Function)
		if !more {
			break
		}
	}
	return out
}

func onCallStack(frames []string, signature string) bool {
	prefix := signatureClassPrefix(signature)
	if prefix == "" {
		return false
	}
	for _, f := range frames {
		if strings.Contains(f, prefix) {
			return true
		}
	}
	return false
}

// signatureClassPrefix extracts the "class"-equivalent portion of a
// "Class.method(...)ret"-shaped signature, i.e. everything before the
// last '.' preceding the argument list.
func signatureClassPrefix(signature string) string {
	paren := strings.IndexByte(signature, '(')
	head := signature
	if paren >= 0 {
		head = signature[:paren]
	}
	dot := strings.LastIndexByte(head, '.')
	if dot < 0 {
		return head
	}
	return head[:dot]
}

// sendCoverageData ships a set of evicted/drained signature hit arrays
// as one CoverageBatch frame.
func (p *Probe) sendCoverageData(shipped map[string][]byte) {
	batch := wire.CoverageBatchBody{}
	for sig, hits := range shipped {
		batch.Methods = append(batch.Methods, wire.CoverageBatchEntry{Signature: sig, Hits: hits})
	}
	raw, err := batch.Marshal()
	if err != nil {
		return
	}
	_ = p.sendFrame(raw)
}

// shipCache ships an entire thread cache verbatim, used by both the
// exit-watcher path and the final drain.
func (p *Probe) shipCache(_ StackID, tc *threadCache) {
	tc.mu.Lock()
	shipped := make(map[string][]byte, len(tc.entries))
	for sig, e := range tc.entries {
		shipped[sig] = e.hits
	}
	tc.mu.Unlock()
	if len(shipped) > 0 {
		p.sendCoverageData(shipped)
	}
}

// drainCoverage implements spec §4.2's final drain: merge all
// remaining per-goroutine caches byte-wise (out |= in) into one ordered
// map keyed by signature, then ship as one packet.
func (p *Probe) drainCoverage() {
	p.cachesMu.Lock()
	caches := p.caches
	p.caches = make(map[StackID]*threadCache)
	p.cachesMu.Unlock()

	merged := make(map[string][]byte)
	for _, tc := range caches {
		tc.mu.Lock()
		for sig, e := range tc.entries {
			existing, ok := merged[sig]
			if !ok {
				cp := make([]byte, len(e.hits))
				copy(cp, e.hits)
				merged[sig] = cp
				continue
			}
			if len(e.hits) > len(existing) {
				grown := make([]byte, len(e.hits))
				copy(grown, existing)
				existing = grown
			}
			for i, b := range e.hits {
				existing[i] |= b
			}
			merged[sig] = existing
		}
		tc.mu.Unlock()
	}

	if len(merged) > 0 {
		p.sendCoverageData(merged)
	}
}
