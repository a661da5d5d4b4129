// Package tdd describes TDD frame schedules and the per-radio stream state
// machine that gates configure, activate, receive and reset.
package tdd

import (
	"fmt"
	"strings"

	"github.com/rjboer/GoMIMO/internal/fault"
)

// Symbol is one slot of a frame schedule.
type Symbol byte

const (
	Guard    Symbol = 'G'
	Receive  Symbol = 'R'
	Pilot    Symbol = 'P'
	Uplink   Symbol = 'U'
	Downlink Symbol = 'D'
	Beacon   Symbol = 'B'
)

func (s Symbol) String() string {
	switch s {
	case Guard:
		return "guard"
	case Receive:
		return "receive"
	case Pilot:
		return "pilot"
	case Uplink:
		return "uplink"
	case Downlink:
		return "downlink"
	case Beacon:
		return "beacon"
	default:
		return fmt.Sprintf("unknown(%q)", byte(s))
	}
}

func (s Symbol) valid() bool {
	switch s {
	case Guard, Receive, Pilot, Uplink, Downlink, Beacon:
		return true
	}
	return false
}

// Schedule is an ordered, fixed-length sequence of slot symbols.
type Schedule []Symbol

// ParseSchedule converts the compact radio notation ("GRRG") into a Schedule.
// Lower-case symbols are accepted.
func ParseSchedule(s string) (Schedule, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return nil, fault.New(fault.ErrConfiguration, "parse schedule", "empty schedule")
	}
	out := make(Schedule, len(s))
	for i := 0; i < len(s); i++ {
		sym := Symbol(s[i])
		if !sym.valid() {
			return nil, fault.New(fault.ErrConfiguration, "parse schedule", "unknown slot symbol %q at %d", s[i], i)
		}
		out[i] = sym
	}
	return out, nil
}

// String renders the schedule in the notation the radios accept.
func (s Schedule) String() string {
	b := make([]byte, len(s))
	for i, sym := range s {
		b[i] = byte(sym)
	}
	return string(b)
}

// Count returns how many slots of the given kind the schedule holds.
func (s Schedule) Count(sym Symbol) int {
	n := 0
	for _, v := range s {
		if v == sym {
			n++
		}
	}
	return n
}

// ExpectedSlots is the schedule length a capture of frames frames with
// slotsPerFrame slots each requires.
func ExpectedSlots(frames, slotsPerFrame int) int {
	return frames * slotsPerFrame
}

// Validate checks the schedule against the slot count a capture expects.
func (s Schedule) Validate(expected int) error {
	if expected <= 0 {
		return fault.New(fault.ErrConfiguration, "validate schedule", "expected slot count must be positive, got %d", expected)
	}
	if len(s) != expected {
		return fault.New(fault.ErrConfiguration, "validate schedule", "schedule %q has %d slots, capture expects %d", s.String(), len(s), expected)
	}
	for i, sym := range s {
		if !sym.valid() {
			return fault.New(fault.ErrConfiguration, "validate schedule", "unknown slot symbol %q at %d", byte(sym), i)
		}
	}
	return nil
}
