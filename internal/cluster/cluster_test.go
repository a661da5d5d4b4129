package cluster

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/rjboer/GoMIMO/internal/dsp"
	"github.com/rjboer/GoMIMO/internal/fault"
	"github.com/rjboer/GoMIMO/internal/logging"
	"github.com/rjboer/GoMIMO/internal/sdr"
	"github.com/rjboer/GoMIMO/internal/tdd"
)

const (
	hubSerial = "FH4B000019"
	bs0       = "RF3E000146"
	bs1       = "RF3E000356"
	bs2       = "RF3E000546"
	ue0       = "RF3D000016"
)

var errInjected = errors.New("injected failure")

func testConfig() Config {
	return Config{
		HubSerial:     hubSerial,
		BaseStations:  []string{bs0, bs1, bs2},
		UserEquipment: []string{ue0},
		TxFreq:        3.6e9,
		RxFreq:        3.6e9,
		SampleRate:    5e6,
		TxGain:        81,
		RxGain:        60,
		BSChannels:    "A",
		UEChannels:    "A",
		SlotsPerFrame: 1,
	}
}

func quietLogger() logging.Logger {
	return logging.New(logging.Error, logging.Text, io.Discard)
}

func newTestCluster(t *testing.T, cfg Config, tb *sdr.Testbed) *Cluster {
	t.Helper()
	c, err := New(context.Background(), cfg, tb, quietLogger())
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func mustSchedule(t *testing.T, s string) tdd.Schedule {
	t.Helper()
	sched, err := tdd.ParseSchedule(s)
	if err != nil {
		t.Fatalf("parse schedule %q: %v", s, err)
	}
	return sched
}

func callStrings(calls []sdr.Call) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNewInitializationOrder(t *testing.T) {
	tb := sdr.NewTestbed()
	newTestCluster(t, testConfig(), tb)

	want := []string{
		bs0 + ".open", bs0 + ".configure",
		bs1 + ".open", bs1 + ".configure",
		bs2 + ".open", bs2 + ".configure",
		ue0 + ".open", ue0 + ".configure",
		hubSerial + ".open",
		hubSerial + ".sync_delays",
		ue0 + ".config_gain_ctrl",
		ue0 + ".setup_stream_rx",
		bs0 + ".setup_stream_rx",
		bs1 + ".setup_stream_rx",
		bs2 + ".setup_stream_rx",
		bs0 + ".burn_beacon",
	}
	if got := callStrings(tb.Calls()); !equalStrings(got, want) {
		t.Fatalf("unexpected init sequence:\n got %v\nwant %v", got, want)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"no base stations":  func(c *Config) { c.BaseStations = nil },
		"empty serial":      func(c *Config) { c.BaseStations = []string{bs0, " "} },
		"duplicate serial":  func(c *Config) { c.UserEquipment = []string{bs1} },
		"hub reused":        func(c *Config) { c.HubSerial = bs0 },
		"bad channel map":   func(c *Config) { c.BSChannels = "C" },
		"zero sample rate":  func(c *Config) { c.SampleRate = 0 },
		"zero frequency":    func(c *Config) { c.RxFreq = 0 },
		"no slots in frame": func(c *Config) { c.SlotsPerFrame = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			tb := sdr.NewTestbed()
			_, err := New(context.Background(), cfg, tb, quietLogger())
			if !errors.Is(err, fault.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			if calls := tb.Calls(); len(calls) != 0 {
				t.Fatalf("hardware touched before validation: %v", calls)
			}
		})
	}
}

func TestTriggerDelegation(t *testing.T) {
	t.Run("hub", func(t *testing.T) {
		tb := sdr.NewTestbed()
		c := newTestCluster(t, testConfig(), tb)
		if c.TriggerSource() != "hub" {
			t.Fatalf("expected hub trigger, got %s", c.TriggerSource())
		}
		if _, err := c.CaptureNoiseFloor(context.Background(), CaptureRequest{Schedule: mustSchedule(t, "R"), Frames: 1, Samples: 64}); err != nil {
			t.Fatalf("capture: %v", err)
		}
		if got := tb.CallsTo(sdr.OpSetTrigger); !equalStrings(got, []string{hubSerial}) {
			t.Fatalf("trigger calls %v", got)
		}
		if got := tb.CallsTo(sdr.OpSyncDelays); !equalStrings(got, []string{hubSerial}) {
			t.Fatalf("sync calls %v", got)
		}
	})
	t.Run("leader", func(t *testing.T) {
		cfg := testConfig()
		cfg.HubSerial = ""
		tb := sdr.NewTestbed()
		c := newTestCluster(t, cfg, tb)
		if c.TriggerSource() != "leader" {
			t.Fatalf("expected leader trigger, got %s", c.TriggerSource())
		}
		if _, err := c.CaptureNoiseFloor(context.Background(), CaptureRequest{Schedule: mustSchedule(t, "R"), Frames: 1, Samples: 64}); err != nil {
			t.Fatalf("capture: %v", err)
		}
		if got := tb.CallsTo(sdr.OpSetTrigger); !equalStrings(got, []string{bs0}) {
			t.Fatalf("trigger calls %v", got)
		}
		if got := tb.CallsTo(sdr.OpSyncDelays); !equalStrings(got, []string{bs0}) {
			t.Fatalf("sync calls %v", got)
		}
	})
}

func TestTriggerRequiresActiveStreams(t *testing.T) {
	tb := sdr.NewTestbed()
	c := newTestCluster(t, testConfig(), tb)
	ctx := context.Background()

	if err := c.Trigger(ctx); !errors.Is(err, fault.ErrSynchronization) {
		t.Fatalf("expected synchronization error, got %v", err)
	}
	if got := tb.CallsTo(sdr.OpSetTrigger); len(got) != 0 {
		t.Fatalf("trigger reached hardware: %v", got)
	}
	if _, err := c.Receive(ctx); !errors.Is(err, fault.ErrSynchronization) {
		t.Fatalf("expected receive before trigger to fail, got %v", err)
	}
	if err := c.ResetFrame(ctx); !errors.Is(err, fault.ErrSynchronization) {
		t.Fatalf("expected reset without a cycle to fail, got %v", err)
	}

	if err := c.Arm(ctx, mustSchedule(t, "R"), 1, 16); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := c.Trigger(ctx); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if _, err := c.Receive(ctx); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := c.Trigger(ctx); !errors.Is(err, fault.ErrSynchronization) {
		t.Fatalf("expected trigger with pending reset to fail, got %v", err)
	}
	if err := c.Arm(ctx, mustSchedule(t, "R"), 1, 16); !errors.Is(err, fault.ErrSynchronization) {
		t.Fatalf("expected arm with pending reset to fail, got %v", err)
	}
	if err := c.ResetFrame(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := c.ResetFrame(ctx); !errors.Is(err, fault.ErrSynchronization) {
		t.Fatalf("expected second reset to fail, got %v", err)
	}
	if c.Cycles() != 1 {
		t.Fatalf("expected one completed cycle, got %d", c.Cycles())
	}
}

func TestScheduleMismatchBeforeHardware(t *testing.T) {
	tb := sdr.NewTestbed()
	c := newTestCluster(t, testConfig(), tb)

	_, err := c.CaptureNoiseFloor(context.Background(), CaptureRequest{Schedule: mustSchedule(t, "GRRG"), Frames: 1, Samples: 64})
	if !errors.Is(err, fault.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if got := tb.CallsTo(sdr.OpConfigTDD); len(got) != 0 {
		t.Fatalf("schedule reached hardware: %v", got)
	}
	if got := tb.CallsTo(sdr.OpResetHWTime); len(got) != 0 {
		t.Fatalf("unexpected reset after rejected schedule: %v", got)
	}
}

func TestScheduleMatchingSlotCount(t *testing.T) {
	cfg := testConfig()
	cfg.SlotsPerFrame = 4
	tb := sdr.NewTestbed()
	c := newTestCluster(t, cfg, tb)

	if _, err := c.CaptureNoiseFloor(context.Background(), CaptureRequest{Schedule: mustSchedule(t, "GRRG"), Frames: 1, Samples: 32}); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if got := tb.Node(bs2).Schedule(); got != "GRRG" {
		t.Fatalf("unexpected schedule on %s: %q", bs2, got)
	}
}

func TestCaptureCycleOrdering(t *testing.T) {
	tb := sdr.NewTestbed()
	c := newTestCluster(t, testConfig(), tb)
	initCalls := len(tb.Calls())

	if _, err := c.CaptureNoiseFloor(context.Background(), CaptureRequest{Schedule: mustSchedule(t, "R"), Frames: 1, Samples: 8}); err != nil {
		t.Fatalf("capture: %v", err)
	}
	want := []string{
		bs0 + ".config_sdr_tdd", bs1 + ".config_sdr_tdd", bs2 + ".config_sdr_tdd",
		bs0 + ".activate_stream_rx", bs1 + ".activate_stream_rx", bs2 + ".activate_stream_rx",
		hubSerial + ".set_trigger",
		bs0 + ".recv_stream_tdd", bs1 + ".recv_stream_tdd", bs2 + ".recv_stream_tdd",
		ue0 + ".reset_hw_time", bs0 + ".reset_hw_time", bs1 + ".reset_hw_time", bs2 + ".reset_hw_time",
	}
	if got := callStrings(tb.Calls()[initCalls:]); !equalStrings(got, want) {
		t.Fatalf("unexpected cycle sequence:\n got %v\nwant %v", got, want)
	}
}

func TestMultiFrameReceiveOrder(t *testing.T) {
	tb := sdr.NewTestbed()
	c := newTestCluster(t, testConfig(), tb)
	ctx := context.Background()

	if err := c.Arm(ctx, mustSchedule(t, "RR"), 2, 8); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := c.Trigger(ctx); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	frames, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	want := []string{bs0, bs1, bs2, bs0, bs1, bs2}
	if got := tb.CallsTo(sdr.OpRecvStream); !equalStrings(got, want) {
		t.Fatalf("receive order %v", got)
	}
	if err := c.ResetFrame(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
}

func TestCaptureShapeAndPower(t *testing.T) {
	cfg := testConfig()
	cfg.BaseStations = []string{bs0, bs1}
	cfg.BSChannels = "AB"
	tb := sdr.NewTestbed()
	tb.Amplitude = 1
	tb.Seed = 7
	c := newTestCluster(t, cfg, tb)

	if c.AntennaCount() != 4 {
		t.Fatalf("expected 4 antennas, got %d", c.AntennaCount())
	}
	res, err := c.CaptureNoiseFloor(context.Background(), CaptureRequest{Schedule: mustSchedule(t, "R"), Frames: 1, Samples: 1024})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if shape := res.Buffer.Shape(); shape != [3]int{1, 4, 1024} {
		t.Fatalf("unexpected shape %v", shape)
	}
	if math.Abs(res.Power.PowerDB) > 0.5 {
		t.Fatalf("expected roughly 0 dB for unit noise, got %.2f", res.Power.PowerDB)
	}
	if len(res.Antennas) != 4 {
		t.Fatalf("expected 4 per-antenna floors, got %d", len(res.Antennas))
	}
	if res.Trigger != "hub" {
		t.Fatalf("unexpected trigger source %q", res.Trigger)
	}
}

func TestResetAfterFailedReceive(t *testing.T) {
	tb := sdr.NewTestbed()
	tb.FailOn(bs1, sdr.OpRecvStream, errInjected)
	c := newTestCluster(t, testConfig(), tb)
	ctx := context.Background()

	_, err := c.CaptureNoiseFloor(ctx, CaptureRequest{Schedule: mustSchedule(t, "R"), Frames: 1, Samples: 16})
	if !errors.Is(err, fault.ErrHardware) || !errors.Is(err, errInjected) {
		t.Fatalf("expected hardware error wrapping the cause, got %v", err)
	}
	if !strings.Contains(err.Error(), bs1) {
		t.Fatalf("error does not name the failing node: %v", err)
	}
	if got := tb.CallsTo(sdr.OpRecvStream); !equalStrings(got, []string{bs0, bs1}) {
		t.Fatalf("receive continued past the failure: %v", got)
	}
	if got := tb.CallsTo(sdr.OpResetHWTime); !equalStrings(got, []string{ue0, bs0, bs1, bs2}) {
		t.Fatalf("unexpected reset calls %v", got)
	}
	if c.Cycles() != 0 {
		t.Fatalf("aborted cycle counted: %d", c.Cycles())
	}
	if err := c.Arm(ctx, mustSchedule(t, "R"), 1, 16); err != nil {
		t.Fatalf("cluster not reusable after aborted cycle: %v", err)
	}
}

func TestRepeatedCycles(t *testing.T) {
	tb := sdr.NewTestbed()
	c := newTestCluster(t, testConfig(), tb)
	req := CaptureRequest{Schedule: mustSchedule(t, "R"), Frames: 1, Samples: 32}
	for i := 0; i < 3; i++ {
		if _, err := c.CaptureNoiseFloor(context.Background(), req); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	if c.Cycles() != 3 {
		t.Fatalf("expected 3 cycles, got %d", c.Cycles())
	}
	if got := len(tb.CallsTo(sdr.OpSetTrigger)); got != 3 {
		t.Fatalf("expected one trigger per cycle, got %d", got)
	}
}

func TestBeamSweepBurnsAllBeacons(t *testing.T) {
	cfg := testConfig()
	cfg.BeamSweep = true
	tb := sdr.NewTestbed()
	newTestCluster(t, cfg, tb)
	if got := tb.CallsTo(sdr.OpBurnBeacon); !equalStrings(got, []string{bs0, bs1, bs2}) {
		t.Fatalf("beacon calls %v", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tb := sdr.NewTestbed()
	c, err := New(context.Background(), testConfig(), tb, quietLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := tb.CallsTo(sdr.OpClose); !equalStrings(got, []string{ue0, bs0, bs1, bs2, hubSerial}) {
		t.Fatalf("close order %v", got)
	}
	for _, s := range []string{bs0, bs1, bs2, ue0} {
		if n := tb.Node(s).Closes(); n != 1 {
			t.Fatalf("%s closed %d times", s, n)
		}
	}
	if n := tb.Hub(hubSerial).Closes(); n != 1 {
		t.Fatalf("hub closed %d times", n)
	}
	if err := c.Trigger(context.Background()); !errors.Is(err, fault.ErrSynchronization) {
		t.Fatalf("expected closed cluster to refuse trigger, got %v", err)
	}
}

func TestCloseJoinsHandleErrors(t *testing.T) {
	tb := sdr.NewTestbed()
	tb.FailOn(bs1, sdr.OpClose, errInjected)
	c, err := New(context.Background(), testConfig(), tb, quietLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = c.Close()
	if !errors.Is(err, errInjected) {
		t.Fatalf("expected close error, got %v", err)
	}
	if got := tb.CallsTo(sdr.OpClose); len(got) != 5 {
		t.Fatalf("every handle should still be closed: %v", got)
	}
}

func TestInitFailureClosesOpenedHandles(t *testing.T) {
	t.Run("configure", func(t *testing.T) {
		tb := sdr.NewTestbed()
		tb.FailOn(bs1, sdr.OpConfigure, errInjected)
		c, err := New(context.Background(), testConfig(), tb, quietLogger())
		if c != nil || !errors.Is(err, fault.ErrHardwareInit) || !errors.Is(err, errInjected) {
			t.Fatalf("expected hardware init error, got %v", err)
		}
		if tb.Node(bs0).Closes() != 1 || tb.Node(bs1).Closes() != 1 {
			t.Fatalf("opened nodes not closed exactly once")
		}
		if tb.Node(bs2) != nil || tb.Node(ue0) != nil {
			t.Fatal("nodes after the failure should not be opened")
		}
	})
	t.Run("beacon", func(t *testing.T) {
		tb := sdr.NewTestbed()
		tb.FailOn(bs0, sdr.OpBurnBeacon, errInjected)
		_, err := New(context.Background(), testConfig(), tb, quietLogger())
		if !errors.Is(err, fault.ErrHardwareInit) {
			t.Fatalf("expected hardware init error, got %v", err)
		}
		if got := tb.CallsTo(sdr.OpClose); !equalStrings(got, []string{ue0, bs0, bs1, bs2, hubSerial}) {
			t.Fatalf("close calls %v", got)
		}
	})
}

func TestCounts(t *testing.T) {
	cfg := testConfig()
	cfg.BSChannels = "AB"
	cfg.UEChannels = "AB"
	c := newTestCluster(t, cfg, sdr.NewTestbed())
	if c.AntennaCount() != 6 || c.UserCount() != 2 || c.BaseStationCount() != 3 {
		t.Fatalf("unexpected counts: antennas %d users %d bs %d", c.AntennaCount(), c.UserCount(), c.BaseStationCount())
	}
	l := c.Layout(256)
	if l.Nodes != 3 || l.ChannelsPerNode != 2 || l.Samples != 256 {
		t.Fatalf("unexpected layout %+v", l)
	}
}

// wrappedTestbed decorates every node the testbed opens.
type wrappedTestbed struct {
	*sdr.Testbed
	wrap func(sdr.Node) sdr.Node
}

func (w wrappedTestbed) OpenNode(ctx context.Context, serial string, role sdr.Role) (sdr.Node, error) {
	n, err := w.Testbed.OpenNode(ctx, serial, role)
	if err != nil {
		return nil, err
	}
	return w.wrap(n), nil
}

func newWrappedCluster(t *testing.T, cfg Config, tb *sdr.Testbed, wrap func(sdr.Node) sdr.Node) *Cluster {
	t.Helper()
	c, err := New(context.Background(), cfg, wrappedTestbed{Testbed: tb, wrap: wrap}, quietLogger())
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// ctxNode fails receive and clock reset once ctx is done, like a remote
// radio whose command session is canceled.
type ctxNode struct{ sdr.Node }

func (n ctxNode) RecvStreamTDD(ctx context.Context) ([][]complex64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return n.Node.RecvStreamTDD(ctx)
}

func (n ctxNode) ResetHWTime(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.Node.ResetHWTime(ctx)
}

// shortNode drops the last channel of every frame it receives.
type shortNode struct{ sdr.Node }

func (n shortNode) RecvStreamTDD(ctx context.Context) ([][]complex64, error) {
	data, err := n.Node.RecvStreamTDD(ctx)
	if err != nil || len(data) == 0 {
		return data, err
	}
	return data[:len(data)-1], nil
}

func TestResetSurvivesCanceledContext(t *testing.T) {
	tb := sdr.NewTestbed()
	c := newWrappedCluster(t, testConfig(), tb, func(n sdr.Node) sdr.Node { return ctxNode{n} })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.CaptureNoiseFloor(ctx, CaptureRequest{Schedule: mustSchedule(t, "R"), Frames: 1, Samples: 16})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled cycle, got %v", err)
	}
	if !errors.Is(err, fault.ErrHardware) {
		t.Fatalf("expected hardware error kind, got %v", err)
	}
	if got := tb.CallsTo(sdr.OpResetHWTime); !equalStrings(got, []string{ue0, bs0, bs1, bs2}) {
		t.Fatalf("clocks not reset after cancellation: %v", got)
	}
	if c.Cycles() != 0 {
		t.Fatalf("canceled cycle counted: %d", c.Cycles())
	}
	if _, err := c.CaptureNoiseFloor(context.Background(), CaptureRequest{Schedule: mustSchedule(t, "R"), Frames: 1, Samples: 16}); err != nil {
		t.Fatalf("cluster not reusable after canceled cycle: %v", err)
	}
}

func TestCaptureShapeMismatchAfterReset(t *testing.T) {
	cfg := testConfig()
	cfg.BSChannels = "AB"
	tb := sdr.NewTestbed()
	c := newWrappedCluster(t, cfg, tb, func(n sdr.Node) sdr.Node {
		if n.Serial() == bs1 {
			return shortNode{n}
		}
		return n
	})

	res, err := c.CaptureNoiseFloor(context.Background(), CaptureRequest{Schedule: mustSchedule(t, "R"), Frames: 1, Samples: 16})
	if !errors.Is(err, fault.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
	if res.Buffer != nil || res.Antennas != nil || res.Power != (dsp.PowerMetric{}) {
		t.Fatalf("partial result returned with error: %+v", res)
	}
	if got := tb.CallsTo(sdr.OpResetHWTime); !equalStrings(got, []string{ue0, bs0, bs1, bs2}) {
		t.Fatalf("clocks not reset before the shape check: %v", got)
	}
	if got := tb.CallsTo(sdr.OpRecvStream); !equalStrings(got, []string{bs0, bs1, bs2}) {
		t.Fatalf("unexpected receive order %v", got)
	}
}
