// Package config holds the settings of a capture run and loads them from
// flags, MIMO_* environment variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rjboer/GoMIMO/internal/cluster"
	"github.com/rjboer/GoMIMO/internal/fault"
	"github.com/rjboer/GoMIMO/internal/logging"
	"github.com/rjboer/GoMIMO/internal/tdd"
)

// EnvPrefix prefixes every environment override, e.g. MIMO_RX_GAIN.
const EnvPrefix = "MIMO"

// Backends.
const (
	BackendMock = "mock"
	BackendSSH  = "ssh"
)

// Config is the full run configuration.
type Config struct {
	Hub        string
	BSSerials  []string
	UESerials  []string
	Rate       float64
	Freq       float64
	TxGain     float64
	RxGain     float64
	BSChannels string
	UEChannels string
	BeamSweep  bool

	Frames        int
	Samples       int
	Schedule      string
	SlotsPerFrame int
	Cycles        int

	Backend         string
	Profile         string
	Discover        bool
	DiscoverTimeout time.Duration

	WebAddr      string
	HistoryLimit int

	LogLevel  string
	LogFormat string
	LogFile   string
}

// Default returns the testbed defaults: one hub, three base stations and a
// single user radio at 3.6 GHz.
func Default() Config {
	return Config{
		Hub:             "FH4B000019",
		BSSerials:       []string{"RF3E000146", "RF3E000356", "RF3E000546"},
		UESerials:       []string{"RF3D000016"},
		Rate:            5e6,
		Freq:            3.6e9,
		TxGain:          81,
		RxGain:          60,
		BSChannels:      "A",
		UEChannels:      "A",
		Frames:          1,
		Samples:         1024,
		Schedule:        "R",
		SlotsPerFrame:   1,
		Cycles:          1,
		Backend:         BackendMock,
		DiscoverTimeout: 5 * time.Second,
		HistoryLimit:    500,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Flag names, also used as config-file keys.
const (
	keyHub             = "hub"
	keyBSSerials       = "bs-serials"
	keyUESerials       = "ue-serials"
	keyRate            = "rate"
	keyFreq            = "freq"
	keyTxGain          = "tx-gain"
	keyRxGain          = "rx-gain"
	keyBSChannels      = "bs-channels"
	keyUEChannels      = "ue-channels"
	keyBeamSweep       = "beamsweep"
	keyFrames          = "frames"
	keySamples         = "samples"
	keySchedule        = "schedule"
	keySlotsPerFrame   = "slots-per-frame"
	keyCycles          = "cycles"
	keyBackend         = "backend"
	keyProfile         = "profile"
	keyDiscover        = "discover"
	keyDiscoverTimeout = "discover-timeout"
	keyWebAddr         = "web-addr"
	keyHistoryLimit    = "history-limit"
	keyLogLevel        = "log-level"
	keyLogFormat       = "log-format"
	keyLogFile         = "log-file"
)

// BindFlags registers every setting on fs with its default.
func BindFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String(keyHub, d.Hub, "Hub serial; empty lets the first base station trigger")
	fs.StringSlice(keyBSSerials, d.BSSerials, "Base-station serials, in antenna order")
	fs.StringSlice(keyUESerials, d.UESerials, "User-equipment serials")
	fs.Float64(keyRate, d.Rate, "Sample rate in Hz")
	fs.Float64(keyFreq, d.Freq, "Carrier frequency in Hz (tx and rx)")
	fs.Float64(keyTxGain, d.TxGain, "TX gain (dB)")
	fs.Float64(keyRxGain, d.RxGain, "RX gain (dB)")
	fs.String(keyBSChannels, d.BSChannels, "Base-station channels (A, B or AB)")
	fs.String(keyUEChannels, d.UEChannels, "User-equipment channels (A, B or AB)")
	fs.Bool(keyBeamSweep, d.BeamSweep, "Burn the beacon on every base station")
	fs.Int(keyFrames, d.Frames, "Frames per capture")
	fs.Int(keySamples, d.Samples, "Samples per frame")
	fs.String(keySchedule, d.Schedule, "TDD schedule, one symbol per slot (G R P U D B)")
	fs.Int(keySlotsPerFrame, d.SlotsPerFrame, "Schedule slots per frame")
	fs.Int(keyCycles, d.Cycles, "Capture cycles to run; 0 runs until interrupted")
	fs.String(keyBackend, d.Backend, "Radio backend (mock|ssh)")
	fs.String(keyProfile, d.Profile, "SSH command profile (YAML), required for the ssh backend")
	fs.Bool(keyDiscover, d.Discover, "Resolve radio addresses with mDNS")
	fs.Duration(keyDiscoverTimeout, d.DiscoverTimeout, "mDNS discovery deadline")
	fs.String(keyWebAddr, d.WebAddr, "Optional telemetry listen address (e.g. :8080)")
	fs.Int(keyHistoryLimit, d.HistoryLimit, "Capture reports kept for the telemetry feed")
	fs.String(keyLogLevel, d.LogLevel, "Log level (debug|info|warn|error)")
	fs.String(keyLogFormat, d.LogFormat, "Log format (text|json)")
	fs.String(keyLogFile, d.LogFile, "Log file; rotated, stderr when empty")
}

// Load resolves the configuration: flags set on the command line win over
// MIMO_* environment variables, which win over the config file, which wins
// over the defaults. path may be empty, in which case mimo.yaml is looked
// up in the working directory and /etc/mimo.
func Load(v *viper.Viper, fs *pflag.FlagSet, path string) (Config, error) {
	d := Default()
	v.SetDefault(keyHub, d.Hub)
	v.SetDefault(keyBSSerials, d.BSSerials)
	v.SetDefault(keyUESerials, d.UESerials)
	v.SetDefault(keyRate, d.Rate)
	v.SetDefault(keyFreq, d.Freq)
	v.SetDefault(keyTxGain, d.TxGain)
	v.SetDefault(keyRxGain, d.RxGain)
	v.SetDefault(keyBSChannels, d.BSChannels)
	v.SetDefault(keyUEChannels, d.UEChannels)
	v.SetDefault(keyFrames, d.Frames)
	v.SetDefault(keySamples, d.Samples)
	v.SetDefault(keySchedule, d.Schedule)
	v.SetDefault(keySlotsPerFrame, d.SlotsPerFrame)
	v.SetDefault(keyCycles, d.Cycles)
	v.SetDefault(keyBackend, d.Backend)
	v.SetDefault(keyDiscoverTimeout, d.DiscoverTimeout)
	v.SetDefault(keyHistoryLimit, d.HistoryLimit)
	v.SetDefault(keyLogLevel, d.LogLevel)
	v.SetDefault(keyLogFormat, d.LogFormat)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	// MIMO_HUB= selects leader triggering, so an empty value is not unset
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("mimo")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mimo")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	return Config{
		Hub:             strings.TrimSpace(v.GetString(keyHub)),
		BSSerials:       serialList(v.GetStringSlice(keyBSSerials)),
		UESerials:       serialList(v.GetStringSlice(keyUESerials)),
		Rate:            v.GetFloat64(keyRate),
		Freq:            v.GetFloat64(keyFreq),
		TxGain:          v.GetFloat64(keyTxGain),
		RxGain:          v.GetFloat64(keyRxGain),
		BSChannels:      v.GetString(keyBSChannels),
		UEChannels:      v.GetString(keyUEChannels),
		BeamSweep:       v.GetBool(keyBeamSweep),
		Frames:          v.GetInt(keyFrames),
		Samples:         v.GetInt(keySamples),
		Schedule:        v.GetString(keySchedule),
		SlotsPerFrame:   v.GetInt(keySlotsPerFrame),
		Cycles:          v.GetInt(keyCycles),
		Backend:         strings.ToLower(strings.TrimSpace(v.GetString(keyBackend))),
		Profile:         v.GetString(keyProfile),
		Discover:        v.GetBool(keyDiscover),
		DiscoverTimeout: v.GetDuration(keyDiscoverTimeout),
		WebAddr:         v.GetString(keyWebAddr),
		HistoryLimit:    v.GetInt(keyHistoryLimit),
		LogLevel:        v.GetString(keyLogLevel),
		LogFormat:       v.GetString(keyLogFormat),
		LogFile:         v.GetString(keyLogFile),
	}, nil
}

// serialList accepts both list values and comma separated strings, as an
// environment variable delivers them.
func serialList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Validate reports problems as fault.ErrConfiguration.
func (c Config) Validate() error {
	const op = "validate config"
	switch c.Backend {
	case BackendMock:
	case BackendSSH:
		if c.Profile == "" {
			return fault.New(fault.ErrConfiguration, op, "the ssh backend needs --%s", keyProfile)
		}
	default:
		return fault.New(fault.ErrConfiguration, op, "unknown backend %q", c.Backend)
	}
	if c.Frames <= 0 || c.Samples <= 0 {
		return fault.New(fault.ErrConfiguration, op, "frames and samples must be positive (frames %d, samples %d)", c.Frames, c.Samples)
	}
	if c.Cycles < 0 {
		return fault.New(fault.ErrConfiguration, op, "cycles must not be negative, got %d", c.Cycles)
	}
	if c.Discover && c.DiscoverTimeout <= 0 {
		return fault.New(fault.ErrConfiguration, op, "discover timeout must be positive")
	}
	if _, err := c.Request(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fault.Wrap(fault.ErrConfiguration, op, "", err)
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		return fault.Wrap(fault.ErrConfiguration, op, "", err)
	}
	return c.Cluster().Validate()
}

// Cluster returns the radio settings for cluster.New.
func (c Config) Cluster() cluster.Config {
	return cluster.Config{
		HubSerial:     c.Hub,
		BaseStations:  append([]string(nil), c.BSSerials...),
		UserEquipment: append([]string(nil), c.UESerials...),
		TxFreq:        c.Freq,
		RxFreq:        c.Freq,
		SampleRate:    c.Rate,
		TxGain:        c.TxGain,
		RxGain:        c.RxGain,
		BSChannels:    c.BSChannels,
		UEChannels:    c.UEChannels,
		BeamSweep:     c.BeamSweep,
		SlotsPerFrame: c.SlotsPerFrame,
	}
}

// Request returns the capture request run every cycle.
func (c Config) Request() (cluster.CaptureRequest, error) {
	sched, err := tdd.ParseSchedule(c.Schedule)
	if err != nil {
		return cluster.CaptureRequest{}, err
	}
	if err := sched.Validate(tdd.ExpectedSlots(c.Frames, c.SlotsPerFrame)); err != nil {
		return cluster.CaptureRequest{}, err
	}
	return cluster.CaptureRequest{Schedule: sched, Frames: c.Frames, Samples: c.Samples}, nil
}

// Logging returns the logger settings.
func (c Config) Logging() logging.Config {
	return logging.Config{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		File:       c.LogFile,
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}
}

// Serials lists every radio serial, hub first when set.
func (c Config) Serials() []string {
	var out []string
	if c.Hub != "" {
		out = append(out, c.Hub)
	}
	out = append(out, c.BSSerials...)
	return append(out, c.UESerials...)
}
