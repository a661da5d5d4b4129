package sdr

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
)

// Operation names recorded in the call log and used as failure keys.
const (
	OpOpen           = "open"
	OpConfigure      = "configure"
	OpSyncDelays     = "sync_delays"
	OpConfigGainCtrl = "config_gain_ctrl"
	OpSetupStreamRX  = "setup_stream_rx"
	OpActivateStream = "activate_stream_rx"
	OpBurnBeacon     = "burn_beacon"
	OpConfigTDD      = "config_sdr_tdd"
	OpRecvStream     = "recv_stream_tdd"
	OpSetTrigger     = "set_trigger"
	OpResetHWTime    = "reset_hw_time"
	OpClose          = "close"
)

// Call is one recorded handle invocation.
type Call struct {
	Serial string
	Op     string
}

func (c Call) String() string { return c.Serial + "." + c.Op }

// Testbed simulates a set of radios sharing one trigger line. It implements
// Opener and records every call in order, so tests can check sequencing.
type Testbed struct {
	mu    sync.Mutex
	calls []Call
	epoch int
	nodes map[string]*MockNode
	hubs  map[string]*MockHub
	fail  map[string]error

	// Amplitude overrides the gain-derived noise level when non-zero.
	Amplitude float64
	// Seed makes generated samples reproducible per serial.
	Seed int64
}

// NewTestbed returns an empty simulated testbed.
func NewTestbed() *Testbed {
	return &Testbed{
		nodes: make(map[string]*MockNode),
		hubs:  make(map[string]*MockHub),
		fail:  make(map[string]error),
	}
}

// FailOn makes op fail with err. serial may be empty to fail op on every
// radio.
func (tb *Testbed) FailOn(serial, op string, err error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.fail[Call{Serial: serial, Op: op}.String()] = err
}

// Calls returns a copy of the call log.
func (tb *Testbed) Calls() []Call {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return append([]Call(nil), tb.calls...)
}

// CallsTo filters the call log by operation.
func (tb *Testbed) CallsTo(op string) []string {
	var out []string
	for _, c := range tb.Calls() {
		if c.Op == op {
			out = append(out, c.Serial)
		}
	}
	return out
}

// Node returns a previously opened node.
func (tb *Testbed) Node(serial string) *MockNode {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.nodes[serial]
}

// Hub returns a previously opened hub.
func (tb *Testbed) Hub(serial string) *MockHub {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.hubs[serial]
}

func (tb *Testbed) OpenNode(_ context.Context, serial string, role Role) (Node, error) {
	if err := tb.record(serial, OpOpen); err != nil {
		return nil, err
	}
	h := fnv.New64a()
	h.Write([]byte(serial))
	n := &MockNode{
		tb:        tb,
		serial:    serial,
		role:      role,
		seenEpoch: tb.currentEpoch(),
		rng:       rand.New(rand.NewSource(tb.Seed ^ int64(h.Sum64()))),
	}
	tb.mu.Lock()
	tb.nodes[serial] = n
	tb.mu.Unlock()
	return n, nil
}

func (tb *Testbed) OpenHub(_ context.Context, serial string) (Hub, error) {
	if err := tb.record(serial, OpOpen); err != nil {
		return nil, err
	}
	h := &MockHub{tb: tb, serial: serial}
	tb.mu.Lock()
	tb.hubs[serial] = h
	tb.mu.Unlock()
	return h, nil
}

// record logs the call and returns the injected failure, if any.
func (tb *Testbed) record(serial, op string) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.calls = append(tb.calls, Call{Serial: serial, Op: op})
	if err, ok := tb.fail[Call{Serial: serial, Op: op}.String()]; ok {
		return err
	}
	if err, ok := tb.fail[Call{Op: op}.String()]; ok {
		return err
	}
	return nil
}

func (tb *Testbed) fire() {
	tb.mu.Lock()
	tb.epoch++
	tb.mu.Unlock()
}

func (tb *Testbed) currentEpoch() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.epoch
}

var errClosed = errors.New("handle already closed")

// MockNode synthesizes complex Gaussian noise for every configured channel.
type MockNode struct {
	tb     *Testbed
	serial string
	role   Role

	mu        sync.Mutex
	cfg       RadioConfig
	schedule  string
	samples   int
	seenEpoch int
	closes    int
	rng       *rand.Rand
}

func (m *MockNode) Serial() string { return m.serial }
func (m *MockNode) Role() Role     { return m.role }

// Closes reports how many times Close was called.
func (m *MockNode) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// Schedule returns the last schedule loaded with ConfigSDRTDD.
func (m *MockNode) Schedule() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schedule
}

func (m *MockNode) Configure(_ context.Context, cfg RadioConfig) error {
	if err := m.tb.record(m.serial, OpConfigure); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

func (m *MockNode) SyncDelays(context.Context) error {
	return m.tb.record(m.serial, OpSyncDelays)
}

func (m *MockNode) ConfigGainCtrl(context.Context) error {
	return m.tb.record(m.serial, OpConfigGainCtrl)
}

func (m *MockNode) SetupStreamRX(context.Context) error {
	return m.tb.record(m.serial, OpSetupStreamRX)
}

func (m *MockNode) ActivateStreamRX(context.Context) error {
	return m.tb.record(m.serial, OpActivateStream)
}

func (m *MockNode) BurnBeacon(context.Context) error {
	return m.tb.record(m.serial, OpBurnBeacon)
}

func (m *MockNode) ConfigSDRTDD(_ context.Context, schedule string, samples int) error {
	if err := m.tb.record(m.serial, OpConfigTDD); err != nil {
		return err
	}
	m.mu.Lock()
	m.schedule = schedule
	m.samples = samples
	m.mu.Unlock()
	return nil
}

// SetTrigger fires the shared trigger line, as the leader radio would.
func (m *MockNode) SetTrigger(context.Context) error {
	if err := m.tb.record(m.serial, OpSetTrigger); err != nil {
		return err
	}
	m.tb.fire()
	return nil
}

func (m *MockNode) ResetHWTime(context.Context) error {
	if err := m.tb.record(m.serial, OpResetHWTime); err != nil {
		return err
	}
	epoch := m.tb.currentEpoch()
	m.mu.Lock()
	m.seenEpoch = epoch
	m.mu.Unlock()
	return nil
}

// RecvStreamTDD returns one frame of noise per channel. It fails when no
// trigger has fired since the last clock reset, as real radios would time
// out waiting for one.
func (m *MockNode) RecvStreamTDD(context.Context) ([][]complex64, error) {
	if err := m.tb.record(m.serial, OpRecvStream); err != nil {
		return nil, err
	}
	epoch := m.tb.currentEpoch()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closes > 0 {
		return nil, errClosed
	}
	if epoch == m.seenEpoch {
		return nil, fmt.Errorf("%s: no trigger since last time reset", m.serial)
	}
	n := m.samples
	if n == 0 {
		n = 1024
	}
	channels := m.cfg.Channels.Count()
	if channels == 0 {
		channels = 1
	}
	amp := m.tb.Amplitude
	if amp == 0 {
		amp = noiseAmplitude(m.cfg.RxGain)
	}
	// per-component sigma so that E|x|^2 == amp^2
	sigma := amp / math.Sqrt2
	out := make([][]complex64, channels)
	for c := range out {
		ch := make([]complex64, n)
		for i := range ch {
			ch[i] = complex64(complex(m.rng.NormFloat64()*sigma, m.rng.NormFloat64()*sigma))
		}
		out[c] = ch
	}
	return out, nil
}

func (m *MockNode) Close() error {
	if err := m.tb.record(m.serial, OpClose); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	if m.closes > 1 {
		return errClosed
	}
	return nil
}

// noiseAmplitude maps rx gain to a thermal noise RMS in full-scale units:
// -100 dBFS at 0 dB gain, rising one dB per dB of gain.
func noiseAmplitude(rxGain float64) float64 {
	return math.Pow(10, (rxGain-100)/20)
}

// MockHub fires the shared trigger line of its testbed.
type MockHub struct {
	tb     *Testbed
	serial string

	mu     sync.Mutex
	closes int
}

func (h *MockHub) Serial() string { return h.serial }

func (h *MockHub) SyncDelays(context.Context) error {
	return h.tb.record(h.serial, OpSyncDelays)
}

func (h *MockHub) SetTrigger(context.Context) error {
	if err := h.tb.record(h.serial, OpSetTrigger); err != nil {
		return err
	}
	h.tb.fire()
	return nil
}

// Closes reports how many times Close was called.
func (h *MockHub) Closes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

func (h *MockHub) Close() error {
	if err := h.tb.record(h.serial, OpClose); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	if h.closes > 1 {
		return errClosed
	}
	return nil
}
