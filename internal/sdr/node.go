// Package sdr defines the control surface of one radio node and of the
// optional trigger hub, together with the backends that implement them.
package sdr

import (
	"context"
	"fmt"
	"strings"
)

// Role distinguishes base-station radios from user-equipment radios.
type Role int

const (
	BaseStation Role = iota
	UserEquipment
)

func (r Role) String() string {
	switch r {
	case BaseStation:
		return "bs"
	case UserEquipment:
		return "ue"
	default:
		return "unknown"
	}
}

// ChannelMap names the RF chains used on a radio, "A", "B" or "AB".
type ChannelMap string

// ParseChannelMap validates and normalizes a channel map.
func ParseChannelMap(s string) (ChannelMap, error) {
	m := ChannelMap(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case "A", "B", "AB":
		return m, nil
	default:
		return "", fmt.Errorf("invalid channel map %q (want A, B or AB)", s)
	}
}

// Count is the number of channels the map selects.
func (m ChannelMap) Count() int {
	return len(m)
}

// RadioConfig carries the RF parameters applied to every radio of a role.
type RadioConfig struct {
	TxFreq     float64
	RxFreq     float64
	SampleRate float64
	TxGain     float64
	RxGain     float64
	Channels   ChannelMap
}

// Node is the control surface of one radio. Every call blocks until the
// radio has completed it.
type Node interface {
	Serial() string
	Role() Role
	Configure(ctx context.Context, cfg RadioConfig) error
	SyncDelays(ctx context.Context) error
	ConfigGainCtrl(ctx context.Context) error
	SetupStreamRX(ctx context.Context) error
	ActivateStreamRX(ctx context.Context) error
	BurnBeacon(ctx context.Context) error
	// ConfigSDRTDD loads a frame schedule; each receive slot yields samples
	// samples per channel.
	ConfigSDRTDD(ctx context.Context, schedule string, samples int) error
	// RecvStreamTDD blocks until a full frame is available and returns it
	// per channel.
	RecvStreamTDD(ctx context.Context) ([][]complex64, error)
	SetTrigger(ctx context.Context) error
	ResetHWTime(ctx context.Context) error
	Close() error
}

// Hub distributes trigger and delay calibration to the base-station radios.
type Hub interface {
	Serial() string
	SyncDelays(ctx context.Context) error
	SetTrigger(ctx context.Context) error
	Close() error
}

// Opener constructs handles by serial.
type Opener interface {
	OpenNode(ctx context.Context, serial string, role Role) (Node, error)
	OpenHub(ctx context.Context, serial string) (Hub, error)
}
