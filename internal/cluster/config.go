package cluster

import (
	"strings"

	"github.com/rjboer/GoMIMO/internal/fault"
	"github.com/rjboer/GoMIMO/internal/sdr"
)

// Config describes the radios of a cluster and how they are set up.
type Config struct {
	// HubSerial selects hub triggering when non-empty; otherwise the first
	// base station leads.
	HubSerial string
	// BaseStations and UserEquipment are ordered; base-station order fixes
	// the antenna order of every capture.
	BaseStations  []string
	UserEquipment []string

	TxFreq     float64
	RxFreq     float64
	SampleRate float64
	TxGain     float64
	RxGain     float64

	BSChannels string
	UEChannels string

	// BeamSweep burns the beacon on every base station instead of only the
	// leader.
	BeamSweep bool
	// SlotsPerFrame is the schedule length of one frame.
	SlotsPerFrame int
}

// plan is a validated Config.
type plan struct {
	Config
	bsChannels sdr.ChannelMap
	ueChannels sdr.ChannelMap
}

func (p plan) radio(role sdr.Role) sdr.RadioConfig {
	ch := p.bsChannels
	if role == sdr.UserEquipment {
		ch = p.ueChannels
	}
	return sdr.RadioConfig{
		TxFreq:     p.TxFreq,
		RxFreq:     p.RxFreq,
		SampleRate: p.SampleRate,
		TxGain:     p.TxGain,
		RxGain:     p.RxGain,
		Channels:   ch,
	}
}

// Validate reports configuration problems as fault.ErrConfiguration.
func (c Config) Validate() error {
	_, err := c.plan()
	return err
}

func (c Config) plan() (plan, error) {
	const op = "validate cluster config"
	if len(c.BaseStations) == 0 {
		return plan{}, fault.New(fault.ErrConfiguration, op, "at least one base-station serial is required")
	}
	seen := make(map[string]string)
	check := func(kind string, serials []string) error {
		for i, s := range serials {
			if strings.TrimSpace(s) == "" {
				return fault.New(fault.ErrConfiguration, op, "%s serial %d is empty", kind, i)
			}
			if prev, dup := seen[s]; dup {
				return fault.New(fault.ErrConfiguration, op, "serial %s listed as %s and %s", s, prev, kind)
			}
			seen[s] = kind
		}
		return nil
	}
	if err := check("base station", c.BaseStations); err != nil {
		return plan{}, err
	}
	if err := check("user equipment", c.UserEquipment); err != nil {
		return plan{}, err
	}
	if c.HubSerial != "" {
		if err := check("hub", []string{c.HubSerial}); err != nil {
			return plan{}, err
		}
	}
	if c.SampleRate <= 0 {
		return plan{}, fault.New(fault.ErrConfiguration, op, "sample rate must be positive, got %g", c.SampleRate)
	}
	if c.TxFreq <= 0 || c.RxFreq <= 0 {
		return plan{}, fault.New(fault.ErrConfiguration, op, "carrier frequencies must be positive (tx %g, rx %g)", c.TxFreq, c.RxFreq)
	}
	if c.SlotsPerFrame <= 0 {
		return plan{}, fault.New(fault.ErrConfiguration, op, "slots per frame must be positive, got %d", c.SlotsPerFrame)
	}

	p := plan{Config: c}
	var err error
	if p.bsChannels, err = sdr.ParseChannelMap(c.BSChannels); err != nil {
		return plan{}, fault.Wrap(fault.ErrConfiguration, op, "", err)
	}
	if p.ueChannels, err = sdr.ParseChannelMap(c.UEChannels); err != nil {
		return plan{}, fault.Wrap(fault.ErrConfiguration, op, "", err)
	}
	return p, nil
}
