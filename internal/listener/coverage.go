// Package listener implements the three standard event-stream listeners
// (spec §4.4): a coverage aggregator, a sequence writer, and a
// fingerprint listener, each a traceevent.Sink.
package listener

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/ocx/tracer/internal/errs"
	"github.com/ocx/tracer/internal/traceevent"
)

// CoverageTrace is one method's observed-entity-id bitset. Bits are
// addressed 1..highestID, matching the wire's 1-based id space; bit 0
// is unused.
type CoverageTrace struct {
	highestID uint32
	bits      []byte
}

func newCoverageTrace(highestID uint32) *CoverageTrace {
	return &CoverageTrace{highestID: highestID, bits: make([]byte, (highestID+7)/8)}
}

// Set marks id as observed. Per spec §4.4 this is a hard error outside
// [1, highestID] rather than a silent grow-and-ignore. Bits pack
// MSB-first within each byte, 1-based: id 1 is bit 0x80 of byte 0, id 2
// is 0x40, and so on, matching the `.tr` worked example in spec §8
// (ids 1,2,3 hit serialize as byte 0xE0).
func (c *CoverageTrace) Set(id uint32) error {
	if id < 1 || id > c.highestID {
		return errs.New(errs.IdOutOfRange, "CoverageTrace.Set", fmt.Errorf("id %d outside [1, %d]", id, c.highestID))
	}
	zero := id - 1
	c.bits[zero/8] |= 1 << (7 - zero%8)
	return nil
}

func (c *CoverageTrace) merge(other *CoverageTrace) {
	if len(other.bits) > len(c.bits) {
		grown := make([]byte, len(other.bits))
		copy(grown, c.bits)
		c.bits = grown
	}
	for i, b := range other.bits {
		c.bits[i] |= b
	}
	if other.highestID > c.highestID {
		c.highestID = other.highestID
	}
}

type methodTrace struct {
	signature string
	trace     *CoverageTrace
}

// CoverageAggregator implements traceevent.Sink for coverage-mode
// streams: it sets a bit per (method, entity_id) pair and, on commit,
// serializes every method it has seen for that stream to the
// line-oriented `.tr` format (spec §6).
type CoverageAggregator struct {
	mu          sync.Mutex
	objectType  int32
	typeNames   []string
	perStream   map[traceevent.StreamID]map[string]*methodTrace
	onCommitErr func(traceevent.StreamID, error)
	traceHook   func(traceevent.StreamID, []CommittedTrace)
	out         io.Writer
	append_     bool
}

// CommittedTrace is one method's final bitset as handed to a trace
// hook at commit time (see SetTraceHook), so a secondary store
// (redisstore, pgstore) can mirror the same data the `.tr` writer
// just serialized without re-deriving it from individual hit events.
type CommittedTrace struct {
	Signature string
	HighestID uint32
	Bits      []byte
}

// SetTraceHook registers a callback invoked once per committed stream,
// right after the `.tr` write, with every method's final bitset. Used
// to mirror commits into an optional secondary store without that
// store needing to know anything about the `.tr` format.
func (a *CoverageAggregator) SetTraceHook(fn func(traceevent.StreamID, []CommittedTrace)) {
	a.mu.Lock()
	a.traceHook = fn
	a.mu.Unlock()
}

// NewCoverageAggregator builds an aggregator writing committed traces to
// out. objectType and typeNames populate the `.tr` header line.
func NewCoverageAggregator(out io.Writer, objectType int32, typeNames []string, appendMode bool) *CoverageAggregator {
	return &CoverageAggregator{
		objectType: objectType,
		typeNames:  typeNames,
		perStream:  make(map[traceevent.StreamID]map[string]*methodTrace),
		out:        out,
		append_:    appendMode,
	}
}

func (a *CoverageAggregator) streamMethods(stream traceevent.StreamID) map[string]*methodTrace {
	m, ok := a.perStream[stream]
	if !ok {
		m = make(map[string]*methodTrace)
		a.perStream[stream] = m
	}
	return m
}

func (a *CoverageAggregator) MethodEnter(e traceevent.MethodEnterEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	methods := a.streamMethods(e.Stream)
	if _, ok := methods[e.Signature]; !ok {
		highest := uint32(e.ObjCount)
		if highest == 0 {
			highest = 1
		}
		methods[e.Signature] = &methodTrace{signature: e.Signature, trace: newCoverageTrace(highest)}
	}
}

func (a *CoverageAggregator) CodeBlockExecute(e traceevent.CodeBlockExecuteEvent) {
	a.recordHit(e.Stream, e.Signature, e.BlockID)
}

func (a *CoverageAggregator) BranchExecute(e traceevent.BranchExecuteEvent) {
	a.recordHit(e.Stream, e.Signature, e.BranchID)
}

func (a *CoverageAggregator) recordHit(stream traceevent.StreamID, signature string, id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	methods := a.streamMethods(stream)
	mt, ok := methods[signature]
	if !ok {
		mt = &methodTrace{signature: signature, trace: newCoverageTrace(id)}
		methods[signature] = mt
	}
	if id > mt.trace.highestID {
		grown := newCoverageTrace(id)
		grown.merge(mt.trace)
		mt.trace = grown
	}
	if err := mt.trace.Set(id); err != nil {
		// A hard error per spec §4.4 means this hit is dropped from the
		// committed trace rather than corrupting the bitset; the
		// dispatcher's receive loop already logs strategy errors, this
		// one surfaces only as a missing bit.
		return
	}
}

// Commit writes every method this stream has accumulated to the `.tr`
// writer and releases the stream's in-memory state. It implements
// traceevent.Sink.
func (a *CoverageAggregator) Commit(e traceevent.CommitEvent) {
	a.mu.Lock()
	methods := a.perStream[e.Stream]
	delete(a.perStream, e.Stream)
	hook := a.traceHook
	a.mu.Unlock()
	if methods == nil {
		return
	}
	if err := a.writeTraceFile(methods); err != nil && a.onCommitErr != nil {
		a.onCommitErr(e.Stream, err)
	}
	if hook != nil {
		traces := make([]CommittedTrace, 0, len(methods))
		for _, mt := range methods {
			traces = append(traces, CommittedTrace{Signature: mt.signature, HighestID: mt.trace.highestID, Bits: mt.trace.bits})
		}
		hook(e.Stream, traces)
	}
}

// writeTraceFile implements the exact `.tr` layout from spec §6: a
// header line, then per method a "1" signature/highestID line followed
// by as many "2" hex-pair lines as needed (20 byte-pairs per line).
func (a *CoverageAggregator) writeTraceFile(methods map[string]*methodTrace) error {
	names := make([]string, 0, len(methods))
	for sig := range methods {
		names = append(names, sig)
	}
	sort.Strings(names)

	bw := bufio.NewWriter(a.out)
	if _, err := fmt.Fprintf(bw, "3 %d %d %s\n", len(names), a.objectType, strings.Join(a.typeNames, " ")); err != nil {
		return errs.New(errs.TraceFile, "CoverageAggregator.writeTraceFile", err)
	}
	for _, sig := range names {
		mt := methods[sig]
		if _, err := fmt.Fprintf(bw, "1 %q %d\n", mt.signature, mt.trace.highestID); err != nil {
			return errs.New(errs.TraceFile, "CoverageAggregator.writeTraceFile", err)
		}
		if err := writeHexLines(bw, mt.trace.bits); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return errs.New(errs.TraceFile, "CoverageAggregator.writeTraceFile", err)
	}
	return nil
}

const hexPairsPerLine = 20

func writeHexLines(w io.Writer, bits []byte) error {
	for i := 0; i < len(bits); i += hexPairsPerLine {
		end := i + hexPairsPerLine
		if end > len(bits) {
			end = len(bits)
		}
		if _, err := io.WriteString(w, "2"); err != nil {
			return errs.New(errs.TraceFile, "writeHexLines", err)
		}
		for _, b := range bits[i:end] {
			if _, err := fmt.Fprintf(w, " %02x", b); err != nil {
				return errs.New(errs.TraceFile, "writeHexLines", err)
			}
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return errs.New(errs.TraceFile, "writeHexLines", err)
		}
	}
	return nil
}
