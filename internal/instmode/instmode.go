// Package instmode defines InstMode, the instrumentation-mode enum
// shared by the instrumentor, runtime probe, and dispatcher. Per the
// governing spec's design notes (§9): "Prefer tagged variants over open
// hierarchies; add new modes by extending the InstMode enum and its
// match arms" — so this stays a closed, small enum rather than a plugin
// registry.
package instmode

import "fmt"

type Mode int

const (
	Compatible Mode = iota
	OptNormal
	OptSequence
	TraceHashing
)

func (m Mode) String() string {
	switch m {
	case Compatible:
		return "Compatible"
	case OptNormal:
		return "OptNormal"
	case OptSequence:
		return "OptSequence"
	case TraceHashing:
		return "TraceHashing"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// All returns every defined mode, in declaration order.
func All() []Mode {
	return []Mode{Compatible, OptNormal, OptSequence, TraceHashing}
}

// Valid reports whether m is one of the defined modes.
func Valid(m Mode) bool {
	return m >= Compatible && m <= TraceHashing
}

// ObjectType is the wire-level object_type the handshake negotiates
// (spec §6); it is independent of Mode but the two travel together in
// the handshake frame.
type ObjectType int32

// ParseMode maps the wire's int32 inst_mode to a Mode, returning false
// for anything outside the closed enum.
func ParseMode(wire int32) (Mode, bool) {
	m := Mode(wire)
	return m, Valid(m)
}
