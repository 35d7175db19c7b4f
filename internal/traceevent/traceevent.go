// Package traceevent defines the decoded event shapes a processing
// strategy emits once it has parsed a data frame, and the Sink
// interface the listener layer implements to receive them (spec
// §4.3's "Event fan-out"). Living in its own leaf package lets
// internal/dispatcher and internal/listener depend on the same event
// vocabulary without either importing the other.
package traceevent

// StreamID identifies one dispatched probe connection.
type StreamID string

// BranchKind mirrors internal/cfg.BranchType without importing it,
// since a listener only needs the label, not the instrumentor's
// richer edge bookkeeping.
type BranchKind string

const (
	BranchIf     BranchKind = "if"
	BranchSwitch BranchKind = "switch"
	BranchThrow  BranchKind = "throw"
	BranchCall   BranchKind = "call"
	BranchEntry  BranchKind = "entry"
	BranchOther  BranchKind = "other"
)

// MethodEnterEvent fires each time a dispatcher strategy decodes a
// method entry (spec §4.3): an ObjCount frame, a method in a coverage
// batch, or a NEW_METHOD marker. One signature can fire it more than
// once per stream.
type MethodEnterEvent struct {
	Stream    StreamID
	Signature string
	ObjCount  int32
}

// BlockKind mirrors internal/cfg.BlockType without importing it, for
// the same reason BranchKind mirrors internal/cfg.BranchType.
type BlockKind string

const (
	BlockCode   BlockKind = "code"
	BlockEntry  BlockKind = "entry"
	BlockExit   BlockKind = "exit"
	BlockCall   BlockKind = "call"
	BlockReturn BlockKind = "return"
)

// CodeBlockExecuteEvent is a block-mode hit (Code/Entry/Exit/Call/Return).
type CodeBlockExecuteEvent struct {
	Stream    StreamID
	Signature string
	Kind      BlockKind
	BlockID   uint32
}

// BranchExecuteEvent is a branch-mode hit.
type BranchExecuteEvent struct {
	Stream    StreamID
	Signature string
	Kind      BranchKind
	BranchID  uint32
}

// CommitEvent signals that a stream has reached graceful EOF and its
// accumulated results should be persisted exactly once (spec §4.3,
// §5's "committed after receiver EOF" guarantee).
type CommitEvent struct {
	Stream StreamID
}

// Sink is what a processing strategy delivers decoded events to. The
// listener layer implements Sink; an aggregator that has no use for a
// given callback can embed NopSink to satisfy the interface.
type Sink interface {
	MethodEnter(MethodEnterEvent)
	CodeBlockExecute(CodeBlockExecuteEvent)
	BranchExecute(BranchExecuteEvent)
	Commit(CommitEvent)
}

// NopSink implements Sink with no-op methods, for listeners (like the
// fingerprint listener, spec §4.4) that only care about a subset.
type NopSink struct{}

func (NopSink) MethodEnter(MethodEnterEvent)           {}
func (NopSink) CodeBlockExecute(CodeBlockExecuteEvent) {}
func (NopSink) BranchExecute(BranchExecuteEvent)       {}
func (NopSink) Commit(CommitEvent)                     {}

// MultiSink fans one stream of events out to several sinks, so the
// coverage aggregator, sequence writer, and fingerprint listener can
// all observe the same stream per spec §4.4 ("Three standard
// listeners").
type MultiSink []Sink

func (m MultiSink) MethodEnter(e MethodEnterEvent) {
	for _, s := range m {
		s.MethodEnter(e)
	}
}

func (m MultiSink) CodeBlockExecute(e CodeBlockExecuteEvent) {
	for _, s := range m {
		s.CodeBlockExecute(e)
	}
}

func (m MultiSink) BranchExecute(e BranchExecuteEvent) {
	for _, s := range m {
		s.BranchExecute(e)
	}
}

func (m MultiSink) Commit(e CommitEvent) {
	for _, s := range m {
		s.Commit(e)
	}
}
