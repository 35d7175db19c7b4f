// Package probedesc is the small, fixed table of probe entry points the
// structural instrumentor is allowed to emit calls against (spec §2's
// "Probe-Call Descriptors" component). It exists so the instrumentor
// never invents a call site ad hoc: every commit sequence in §4.1.4
// resolves to exactly one entry here, keyed by instrumentation mode.
package probedesc

import "github.com/ocx/tracer/internal/instmode"

// Entry identifies one well-known probe entry point by the mangled
// linkage name the instrumentor emits calls against (spec §9: "the
// instrumentor emits probe calls against a known linkage name").
type Entry struct {
	Name  string
	Modes []instmode.Mode
}

// The fixed set of entry points, one per commit-sequence shape in
// spec §4.1.4 plus probe-startup.
var (
	EventCallback     = Entry{Name: "probe.eventCallback", Modes: []instmode.Mode{instmode.Compatible}}
	ObjectCount       = Entry{Name: "probe.writeObjectCount", Modes: []instmode.Mode{instmode.Compatible}}
	GetObjectArray    = Entry{Name: "probe.getObjectArray", Modes: []instmode.Mode{instmode.OptNormal}}
	AppendSequence    = Entry{Name: "probe.appendSequence", Modes: []instmode.Mode{instmode.OptSequence}}
	FlushSequence     = Entry{Name: "probe.flushSequence", Modes: []instmode.Mode{instmode.OptSequence}}
	HashEvent         = Entry{Name: "probe.hashEvent", Modes: []instmode.Mode{instmode.TraceHashing}}
	ProbeStartup      = Entry{Name: "probe.start", Modes: instmode.All()}
	ExceptionDispatch = Entry{Name: "probe.exceptionDispatch", Modes: instmode.All()}
)

// ForMode returns the single commit-sequence entry point a probe call
// in the given mode must target (spec §4.1.4's "Commit sequences per
// InstMode" table).
func ForMode(mode instmode.Mode) (Entry, bool) {
	switch mode {
	case instmode.Compatible:
		return EventCallback, true
	case instmode.OptNormal:
		return GetObjectArray, true
	case instmode.OptSequence:
		return AppendSequence, true
	case instmode.TraceHashing:
		return HashEvent, true
	default:
		return Entry{}, false
	}
}

// Supports reports whether e may be called under mode.
func (e Entry) Supports(mode instmode.Mode) bool {
	for _, m := range e.Modes {
		if m == mode {
			return true
		}
	}
	return false
}
