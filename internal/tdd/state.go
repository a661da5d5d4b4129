package tdd

import (
	"sync"

	"github.com/rjboer/GoMIMO/internal/fault"
)

// State is the stream state of a single radio.
type State int

const (
	Unconfigured State = iota
	Configured
	StreamActive
	Capturing
	StreamIdle
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Configured:
		return "configured"
	case StreamActive:
		return "stream-active"
	case Capturing:
		return "capturing"
	case StreamIdle:
		return "stream-idle"
	default:
		return "unknown"
	}
}

// Machine tracks one radio's progress through a capture cycle. Each method
// checks the transition before the caller touches hardware, so an illegal
// call fails without side effects.
type Machine struct {
	mu       sync.Mutex
	serial   string
	state    State
	schedule Schedule
	pending  int
	aborted  bool
}

// NewMachine returns a machine in the Unconfigured state.
func NewMachine(serial string) *Machine {
	return &Machine{serial: serial}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Schedule returns the schedule applied by the last Configure.
func (m *Machine) Schedule() Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(Schedule(nil), m.schedule...)
}

// Configure moves Unconfigured to Configured.
func (m *Machine) Configure(s Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Unconfigured {
		return m.illegal("configure")
	}
	m.schedule = append(Schedule(nil), s...)
	m.state = Configured
	return nil
}

// Activate moves Configured to StreamActive and arms frames receive calls.
func (m *Machine) Activate(frames int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Configured {
		return m.illegal("activate stream")
	}
	if frames <= 0 {
		return fault.New(fault.ErrConfiguration, "activate stream", "frame count must be positive, got %d", frames)
	}
	m.pending = frames
	m.aborted = false
	m.state = StreamActive
	return nil
}

// BeginReceive moves StreamActive to Capturing.
func (m *Machine) BeginReceive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StreamActive {
		return m.illegal("receive")
	}
	m.state = Capturing
	return nil
}

// EndReceive completes a frame. The machine returns to StreamActive while
// frames remain and settles in StreamIdle after the last one.
func (m *Machine) EndReceive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Capturing {
		return m.illegal("complete receive")
	}
	m.pending--
	if m.pending > 0 {
		m.state = StreamActive
		return nil
	}
	m.state = StreamIdle
	return nil
}

// Abort marks the current cycle as failed. The machine waits in StreamIdle
// for the clock reset.
func (m *Machine) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Unconfigured {
		return
	}
	m.aborted = true
	m.pending = 0
	m.state = StreamIdle
}

// Aborted reports whether the current cycle was aborted.
func (m *Machine) Aborted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborted
}

// Reset moves StreamIdle back to Unconfigured after the hardware clock reset.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StreamIdle {
		return m.illegal("reset")
	}
	m.state = Unconfigured
	m.schedule = nil
	m.aborted = false
	return nil
}

func (m *Machine) illegal(op string) error {
	return &fault.Error{
		Kind: fault.ErrSynchronization,
		Op:   op,
		Node: m.serial,
		Err:  errIllegal(m.state),
	}
}

type errIllegal State

func (e errIllegal) Error() string {
	return "not allowed in state " + State(e).String()
}
