package listener

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/ocx/tracer/internal/errs"
	"github.com/ocx/tracer/internal/traceevent"
)

// SequenceWriter implements traceevent.Sink for OptSequence-mode
// streams: it appends one textual record per witnessed entity to a
// file or relay-socket writer, bracketed by configured pre/post
// fragments, and emits the exit/test-boundary markers from spec §4.4.
//
// Exit code blocks (cfg.Exit) get a trailing ")r" record; when the
// aggregator is configured for JUnit mode, a ")x" record separates one
// test method's sequence from the next, detected as a MethodEnter for a
// different signature arriving after at least one event was already
// written for the prior one.
type SequenceWriter struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer

	pre, post   string
	junit       bool
	wroteHeader bool

	lastSig    map[traceevent.StreamID]string
	wroteEvent map[traceevent.StreamID]bool
}

// NewSequenceWriter wraps w (a file or the relay-socket connection).
// closer, if non-nil, is invoked once from Close.
func NewSequenceWriter(w io.Writer, closer io.Closer, pre, post string, junit bool) *SequenceWriter {
	return &SequenceWriter{
		w:          bufio.NewWriter(w),
		closer:     closer,
		pre:        pre,
		post:       post,
		junit:      junit,
		lastSig:    make(map[traceevent.StreamID]string),
		wroteEvent: make(map[traceevent.StreamID]bool),
	}
}

func (s *SequenceWriter) writeRecord(line string) {
	if !s.wroteHeader && s.pre != "" {
		fmt.Fprint(s.w, s.pre)
		s.wroteHeader = true
	}
	fmt.Fprintln(s.w, line)
}

func (s *SequenceWriter) MethodEnter(e traceevent.MethodEnterEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.junit && s.wroteEvent[e.Stream] && s.lastSig[e.Stream] != e.Signature {
		s.writeRecord(")x")
	}
	s.lastSig[e.Stream] = e.Signature
}

func (s *SequenceWriter) CodeBlockExecute(e traceevent.CodeBlockExecuteEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeRecord(fmt.Sprintf("%s %d", e.Signature, e.BlockID))
	s.wroteEvent[e.Stream] = true
	if e.Kind == traceevent.BlockExit {
		s.writeRecord(")r")
	}
}

func (s *SequenceWriter) BranchExecute(e traceevent.BranchExecuteEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeRecord(fmt.Sprintf("%s %s %d", e.Signature, e.Kind, e.BranchID))
	s.wroteEvent[e.Stream] = true
}

func (s *SequenceWriter) Commit(e traceevent.CommitEvent) {
	s.mu.Lock()
	delete(s.lastSig, e.Stream)
	delete(s.wroteEvent, e.Stream)
	s.mu.Unlock()
}

// Close flushes buffered output, appends the post fragment, and closes
// the underlying writer if one was supplied.
func (s *SequenceWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.post != "" {
		fmt.Fprint(s.w, s.post)
	}
	if err := s.w.Flush(); err != nil {
		return errs.New(errs.TraceFile, "SequenceWriter.Close", err)
	}
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			return errs.New(errs.TraceFile, "SequenceWriter.Close", err)
		}
	}
	return nil
}

// FingerprintListener is the no-op third standard listener: hashing
// happens entirely in the subject (spec §4.4), so this only needs to
// satisfy traceevent.Sink for symmetry with the other two.
type FingerprintListener struct {
	traceevent.NopSink
}
