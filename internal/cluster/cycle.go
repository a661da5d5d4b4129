package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/rjboer/GoMIMO/internal/capture"
	"github.com/rjboer/GoMIMO/internal/dsp"
	"github.com/rjboer/GoMIMO/internal/logging"
	"github.com/rjboer/GoMIMO/internal/tdd"
)

// CaptureRequest describes one noise-floor capture.
type CaptureRequest struct {
	Schedule tdd.Schedule
	Frames   int
	Samples  int
}

// CaptureResult is a completed capture with its reductions.
type CaptureResult struct {
	Buffer   *capture.Buffer
	Power    dsp.PowerMetric
	Antennas []dsp.PowerMetric
	// Spectral holds the per-antenna spectral floor of the first frame in
	// dBFS.
	Spectral []float64
	Trigger  string
	Duration time.Duration
}

// CaptureNoiseFloor runs a full cycle: arm, trigger, receive, reset, then
// assembles the frames and reduces them to a power metric. The clock reset
// is issued even when an earlier step of the cycle failed.
func (c *Cluster) CaptureNoiseFloor(ctx context.Context, req CaptureRequest) (CaptureResult, error) {
	start := time.Now()
	if err := c.Arm(ctx, req.Schedule, req.Frames, req.Samples); err != nil {
		return CaptureResult{}, c.recover(ctx, err)
	}
	if err := c.Trigger(ctx); err != nil {
		return CaptureResult{}, c.recover(ctx, err)
	}
	frames, err := c.Receive(ctx)
	if err != nil {
		return CaptureResult{}, c.recover(ctx, err)
	}
	if err := c.ResetFrame(ctx); err != nil {
		return CaptureResult{}, err
	}

	buf, err := capture.Assemble(frames, c.Layout(req.Samples))
	if err != nil {
		return CaptureResult{}, err
	}
	res := CaptureResult{
		Buffer:   buf,
		Power:    dsp.NoiseFloor(buf),
		Antennas: dsp.AntennaNoiseFloor(buf),
		Spectral: make([]float64, buf.Shape()[1]),
		Trigger:  c.TriggerSource(),
		Duration: time.Since(start),
	}
	for a := range res.Spectral {
		res.Spectral[a] = dsp.SpectralFloor(buf.Antenna(0, a))
	}
	c.logger.Info("capture complete",
		logging.F("shape", buf.Shape()),
		logging.F("power_db", res.Power.PowerDB),
		logging.F("duration", res.Duration))
	return res, nil
}

// resetTimeout bounds the clock reset that recovers an aborted cycle.
const resetTimeout = 10 * time.Second

// recover resets the clocks of an aborted cycle so the cluster can run
// again. The reset error, if any, is joined to the cycle error. The reset
// outlives cancellation of ctx, which is often what aborted the cycle.
func (c *Cluster) recover(ctx context.Context, cause error) error {
	c.mu.Lock()
	pending := c.phase == phaseAborted || c.phase == phaseDrained
	c.mu.Unlock()
	if !pending {
		return cause
	}
	c.logger.Warn("cycle aborted, resetting clocks", logging.F("error", cause))
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resetTimeout)
	defer cancel()
	if err := c.ResetFrame(rctx); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
