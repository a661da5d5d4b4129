// Package cluster sequences a distributed massive-MIMO capture: it builds
// the radio handles, arms their TDD schedules, fires one shared trigger,
// drains every base station in order and resets the hardware clocks.
//
// A cycle always runs configure-all, trigger-once, receive-all, reset-all.
// Calls out of that order fail with fault.ErrSynchronization before any
// hardware is touched. Hardware failures are never retried.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rjboer/GoMIMO/internal/capture"
	"github.com/rjboer/GoMIMO/internal/fault"
	"github.com/rjboer/GoMIMO/internal/logging"
	"github.com/rjboer/GoMIMO/internal/sdr"
	"github.com/rjboer/GoMIMO/internal/tdd"
)

type phase int

const (
	phaseIdle phase = iota
	phaseArmed
	phaseTriggered
	phaseDrained
	phaseAborted
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseArmed:
		return "armed"
	case phaseTriggered:
		return "triggered"
	case phaseDrained:
		return "drained"
	case phaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Cluster owns the ordered base-station and user-equipment handles.
type Cluster struct {
	mu     sync.Mutex
	plan   plan
	opener sdr.Opener
	logger logging.Logger

	bs      []sdr.Node
	ue      []sdr.Node
	hub     sdr.Hub
	trigger TriggerSource
	streams []*tdd.Machine

	phase   phase
	frames  int
	samples int
	cycles  int
	closed  bool
}

// New builds the cluster: it opens and configures every radio in list
// order, synchronizes delays, sets up the receive streams and burns the
// beacon. Any failure closes whatever was opened and is reported as
// fault.ErrHardwareInit; no partial cluster is returned.
func New(ctx context.Context, cfg Config, opener sdr.Opener, logger logging.Logger) (*Cluster, error) {
	p, err := cfg.plan()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	c := &Cluster{
		plan:   p,
		opener: opener,
		logger: logger.With(logging.F("subsystem", "cluster")),
	}
	c.logger.Info("initializing cluster",
		logging.F("hub", cfg.HubSerial),
		logging.F("bs_nodes", cfg.BaseStations),
		logging.F("ue_nodes", cfg.UserEquipment))

	if err := c.init(ctx); err != nil {
		if cerr := c.closeHandles(); cerr != nil {
			c.logger.Warn("cleanup after failed init", logging.F("error", cerr))
		}
		c.closed = true
		return nil, err
	}

	c.streams = make([]*tdd.Machine, len(c.bs))
	for i, n := range c.bs {
		c.streams[i] = tdd.NewMachine(n.Serial())
	}
	c.logger.Info("cluster ready",
		logging.F("trigger", c.trigger.Name()),
		logging.F("antennas", c.AntennaCount()),
		logging.F("users", c.UserCount()))
	return c, nil
}

func (c *Cluster) init(ctx context.Context) error {
	open := func(serial string, role sdr.Role) (sdr.Node, error) {
		n, err := c.openNode(ctx, serial, role)
		if err != nil {
			return nil, fault.Wrap(fault.ErrHardwareInit, "open "+role.String()+" node", serial, err)
		}
		return n, nil
	}
	for _, s := range c.plan.BaseStations {
		n, err := open(s, sdr.BaseStation)
		if err != nil {
			return err
		}
		c.bs = append(c.bs, n)
	}
	for _, s := range c.plan.UserEquipment {
		n, err := open(s, sdr.UserEquipment)
		if err != nil {
			return err
		}
		c.ue = append(c.ue, n)
	}
	if c.plan.HubSerial != "" {
		hub, err := c.openHub(ctx, c.plan.HubSerial)
		if err != nil {
			return fault.Wrap(fault.ErrHardwareInit, "open hub", c.plan.HubSerial, err)
		}
		c.hub = hub
	}
	c.trigger = newTriggerSource(c.hub, c.bs)

	if err := c.trigger.SyncDelays(ctx); err != nil {
		return fault.Wrap(fault.ErrHardwareInit, "sync delays", c.trigger.Serial(), err)
	}
	if err := each(c.ue, func(n sdr.Node) error { return n.ConfigGainCtrl(ctx) }); err != nil {
		return fault.Wrap(fault.ErrHardwareInit, "config gain control", "", err)
	}
	if err := each(c.ue, func(n sdr.Node) error { return n.SetupStreamRX(ctx) }); err != nil {
		return fault.Wrap(fault.ErrHardwareInit, "setup ue stream", "", err)
	}
	if err := each(c.bs, func(n sdr.Node) error { return n.SetupStreamRX(ctx) }); err != nil {
		return fault.Wrap(fault.ErrHardwareInit, "setup bs stream", "", err)
	}
	beacons := c.bs[:1]
	if c.plan.BeamSweep {
		beacons = c.bs
	}
	if err := each(beacons, func(n sdr.Node) error { return n.BurnBeacon(ctx) }); err != nil {
		return fault.Wrap(fault.ErrHardwareInit, "burn beacon", "", err)
	}
	return nil
}

// openNode opens one radio and applies its RF configuration. The handle is
// closed again when configuration fails.
func (c *Cluster) openNode(ctx context.Context, serial string, role sdr.Role) (sdr.Node, error) {
	n, err := c.opener.OpenNode(ctx, serial, role)
	if err != nil {
		return nil, err
	}
	if err := n.Configure(ctx, c.plan.radio(role)); err != nil {
		if cerr := n.Close(); cerr != nil {
			c.logger.Warn("close after failed configure", logging.F("serial", serial), logging.F("error", cerr))
		}
		return nil, fmt.Errorf("configure: %w", err)
	}
	c.logger.Debug("node configured", logging.F("serial", serial), logging.F("role", role))
	return n, nil
}

func (c *Cluster) openHub(ctx context.Context, serial string) (sdr.Hub, error) {
	return c.opener.OpenHub(ctx, serial)
}

// each applies fn to nodes in order and stops at the first failure.
func each(nodes []sdr.Node, fn func(sdr.Node) error) error {
	for _, n := range nodes {
		if err := fn(n); err != nil {
			return fmt.Errorf("%s: %w", n.Serial(), err)
		}
	}
	return nil
}

// AntennaCount is the total channel count across base stations.
func (c *Cluster) AntennaCount() int {
	return len(c.plan.BaseStations) * c.plan.bsChannels.Count()
}

// UserCount is the total channel count across user equipment.
func (c *Cluster) UserCount() int {
	return len(c.plan.UserEquipment) * c.plan.ueChannels.Count()
}

// BaseStationCount is the number of base-station radios.
func (c *Cluster) BaseStationCount() int {
	return len(c.plan.BaseStations)
}

// TriggerSource names the trigger source chosen at construction.
func (c *Cluster) TriggerSource() string {
	return c.trigger.Name()
}

// Cycles is the number of capture cycles completed with a clock reset.
func (c *Cluster) Cycles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycles
}

// Layout describes the antenna array for captures of samples samples.
func (c *Cluster) Layout(samples int) capture.Layout {
	return capture.Layout{
		Nodes:           len(c.bs),
		ChannelsPerNode: c.plan.bsChannels.Count(),
		Samples:         samples,
	}
}

// Arm loads schedule on every base station and activates the receive
// streams. The schedule is checked against frames x SlotsPerFrame before
// any radio is touched.
func (c *Cluster) Arm(ctx context.Context, schedule tdd.Schedule, frames, samples int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "arm"
	if err := c.usable(op); err != nil {
		return err
	}
	if c.phase != phaseIdle {
		return fault.New(fault.ErrSynchronization, op, "cluster is %s; reset the frame first", c.phase)
	}
	if err := schedule.Validate(tdd.ExpectedSlots(frames, c.plan.SlotsPerFrame)); err != nil {
		return err
	}
	if samples <= 0 {
		return fault.New(fault.ErrConfiguration, op, "samples per frame must be positive, got %d", samples)
	}

	for i, n := range c.bs {
		if err := c.streams[i].Configure(schedule); err != nil {
			c.abort()
			return err
		}
		if err := n.ConfigSDRTDD(ctx, schedule.String(), samples); err != nil {
			c.abort()
			return fault.Wrap(fault.ErrHardware, "config tdd", n.Serial(), err)
		}
	}
	for i, n := range c.bs {
		if err := c.streams[i].Activate(frames); err != nil {
			c.abort()
			return err
		}
		if err := n.ActivateStreamRX(ctx); err != nil {
			c.abort()
			return fault.Wrap(fault.ErrHardware, "activate stream", n.Serial(), err)
		}
	}
	c.frames, c.samples = frames, samples
	c.phase = phaseArmed
	c.logger.Debug("cluster armed", logging.F("schedule", schedule.String()), logging.F("frames", frames), logging.F("samples", samples))
	return nil
}

// Trigger fires the shared trigger once. Every base station must have an
// active stream and the previous cycle must have been reset.
func (c *Cluster) Trigger(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "trigger"
	if err := c.usable(op); err != nil {
		return err
	}
	if c.phase != phaseArmed {
		return fault.New(fault.ErrSynchronization, op, "cluster is %s, not armed", c.phase)
	}
	for _, m := range c.streams {
		if s := m.State(); s != tdd.StreamActive {
			return fault.New(fault.ErrSynchronization, op, "stream not active (state %s)", s)
		}
	}
	if err := c.trigger.Fire(ctx); err != nil {
		c.abort()
		return fault.Wrap(fault.ErrHardware, op, c.trigger.Serial(), err)
	}
	c.phase = phaseTriggered
	c.logger.Debug("trigger fired", logging.F("source", c.trigger.Name()), logging.F("serial", c.trigger.Serial()))
	return nil
}

// Receive drains every base station strictly in list order, one frame at a
// time, and returns the frames for capture.Assemble.
func (c *Cluster) Receive(ctx context.Context) ([]capture.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "receive"
	if err := c.usable(op); err != nil {
		return nil, err
	}
	if c.phase != phaseTriggered {
		return nil, fault.New(fault.ErrSynchronization, op, "cluster is %s, not triggered", c.phase)
	}

	frames := make([]capture.Frame, c.frames)
	for f := range frames {
		frame := make(capture.Frame, len(c.bs))
		for i, n := range c.bs {
			if err := c.streams[i].BeginReceive(); err != nil {
				c.abort()
				return nil, err
			}
			data, err := n.RecvStreamTDD(ctx)
			if err != nil {
				c.abort()
				return nil, fault.Wrap(fault.ErrHardware, fmt.Sprintf("receive frame %d", f), n.Serial(), err)
			}
			if err := c.streams[i].EndReceive(); err != nil {
				c.abort()
				return nil, err
			}
			frame[i] = data
		}
		frames[f] = frame
	}
	c.phase = phaseDrained
	return frames, nil
}

// ResetFrame resets hardware time on every user equipment and base
// station. It must follow each triggered cycle, including an aborted one,
// before the next trigger.
func (c *Cluster) ResetFrame(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "reset frame"
	if err := c.usable(op); err != nil {
		return err
	}
	if c.phase != phaseDrained && c.phase != phaseAborted {
		return fault.New(fault.ErrSynchronization, op, "cluster is %s; nothing to reset", c.phase)
	}
	if err := each(c.ue, func(n sdr.Node) error { return n.ResetHWTime(ctx) }); err != nil {
		return fault.Wrap(fault.ErrHardware, op, "", err)
	}
	if err := each(c.bs, func(n sdr.Node) error { return n.ResetHWTime(ctx) }); err != nil {
		return fault.Wrap(fault.ErrHardware, op, "", err)
	}
	for _, m := range c.streams {
		if m.State() == tdd.Unconfigured {
			continue
		}
		if err := m.Reset(); err != nil {
			return err
		}
	}
	if c.phase == phaseDrained {
		c.cycles++
	}
	c.phase = phaseIdle
	return nil
}

// Close releases every handle: user equipment, base stations, then the
// hub. A second call is a no-op.
func (c *Cluster) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.phase == phaseDrained || c.phase == phaseAborted || c.phase == phaseTriggered {
		c.logger.Warn("closing with a cycle that was not reset", logging.F("phase", c.phase))
	}
	err := c.closeHandles()
	c.logger.Info("cluster closed", logging.F("cycles", c.cycles))
	return err
}

func (c *Cluster) closeHandles() error {
	var errs []error
	for _, n := range append(append([]sdr.Node{}, c.ue...), c.bs...) {
		if err := n.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", n.Serial(), err))
		}
	}
	if c.hub != nil {
		if err := c.hub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close hub %s: %w", c.hub.Serial(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *Cluster) usable(op string) error {
	if c.closed {
		return fault.New(fault.ErrSynchronization, op, "cluster is closed")
	}
	return nil
}

// abort parks every stream for the clock reset.
func (c *Cluster) abort() {
	for _, m := range c.streams {
		m.Abort()
	}
	c.phase = phaseAborted
}
