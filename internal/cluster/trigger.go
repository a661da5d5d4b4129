package cluster

import (
	"context"

	"github.com/rjboer/GoMIMO/internal/sdr"
)

// TriggerSource establishes the shared time epoch of the cluster. It is
// chosen once, when the cluster is built.
type TriggerSource interface {
	// Name identifies the source in logs and reports.
	Name() string
	Serial() string
	SyncDelays(ctx context.Context) error
	Fire(ctx context.Context) error
}

// hubTrigger broadcasts the trigger from the hub to every radio.
type hubTrigger struct {
	hub sdr.Hub
}

func (t hubTrigger) Name() string                         { return "hub" }
func (t hubTrigger) Serial() string                       { return t.hub.Serial() }
func (t hubTrigger) SyncDelays(ctx context.Context) error { return t.hub.SyncDelays(ctx) }
func (t hubTrigger) Fire(ctx context.Context) error       { return t.hub.SetTrigger(ctx) }

// leaderTrigger lets the first base-station radio trigger itself and the
// rest of the array over the shared trigger line.
type leaderTrigger struct {
	leader sdr.Node
}

func (t leaderTrigger) Name() string                         { return "leader" }
func (t leaderTrigger) Serial() string                       { return t.leader.Serial() }
func (t leaderTrigger) SyncDelays(ctx context.Context) error { return t.leader.SyncDelays(ctx) }
func (t leaderTrigger) Fire(ctx context.Context) error       { return t.leader.SetTrigger(ctx) }

func newTriggerSource(hub sdr.Hub, bs []sdr.Node) TriggerSource {
	if hub != nil {
		return hubTrigger{hub: hub}
	}
	return leaderTrigger{leader: bs[0]}
}
