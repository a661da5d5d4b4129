// Command mimonf measures the noise floor of a distributed massive-MIMO
// testbed: it configures the radios, fires one shared trigger per cycle,
// drains every base station and prints the capture shape and power.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rjboer/GoMIMO/internal/cluster"
	"github.com/rjboer/GoMIMO/internal/config"
	"github.com/rjboer/GoMIMO/internal/logging"
	"github.com/rjboer/GoMIMO/internal/mdns"
	"github.com/rjboer/GoMIMO/internal/sdr"
	"github.com/rjboer/GoMIMO/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "mimonf",
		Short: "Capture the noise floor of a distributed MIMO testbed",
		Long: `mimonf configures every base-station and user radio, fires one shared
trigger per cycle (from the hub, or from the first base station when no hub
is given), drains the base stations in order and reports the noise floor.

Every flag can also be set in mimo.yaml or as a MIMO_* environment variable,
e.g. MIMO_RX_GAIN=45 or MIMO_BS_SERIALS=RF3E000146,RF3E000356.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.New(), cmd.Flags(), configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Config file (default: ./mimo.yaml or /etc/mimo/mimo.yaml)")
	config.BindFlags(cmd.Flags())
	cmd.AddCommand(newDiscoverCommand())
	return cmd
}

func run(ctx context.Context, cfg config.Config, out io.Writer) (err error) {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, closer, err := logging.Open(cfg.Logging())
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer closer.Close()
	logging.SetDefault(logger)

	opener, err := selectBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("select backend: %w", err)
	}

	reporters := telemetry.MultiReporter{telemetry.StdoutReporter{Out: out}, telemetry.NewLogReporter(logger)}
	if cfg.WebAddr != "" {
		hub := telemetry.NewHub(cfg.HistoryLimit, logger)
		reporters = append(reporters, hub)
		web := telemetry.NewWebServer(cfg.WebAddr, hub, logger)
		go web.Start(ctx)
	}

	cl, err := cluster.New(ctx, cfg.Cluster(), opener, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := cl.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close cluster: %w", cerr))
		}
	}()

	req, err := cfg.Request()
	if err != nil {
		return err
	}
	for cycle := 1; cfg.Cycles == 0 || cycle <= cfg.Cycles; cycle++ {
		if ctx.Err() != nil {
			logger.Info("interrupted", logging.F("cycles", cycle-1))
			return nil
		}
		res, err := cl.CaptureNoiseFloor(ctx, req)
		if err != nil {
			return fmt.Errorf("cycle %d: %w", cycle, err)
		}
		reporters.Report(telemetry.NewReport(cycle, res, cl.Layout(req.Samples)))
	}
	return nil
}

// selectBackend returns the radio opener for cfg.Backend. With discovery
// enabled, radios found over mDNS are dialed by address; the rest fall back
// to the profile's host names.
func selectBackend(ctx context.Context, cfg config.Config, logger logging.Logger) (sdr.Opener, error) {
	switch cfg.Backend {
	case config.BackendMock:
		return sdr.NewTestbed(), nil
	case config.BackendSSH:
		profile, err := sdr.LoadProfile(cfg.Profile)
		if err != nil {
			return nil, err
		}
		opener := &sdr.SSHOpener{Profile: profile, Logger: logger}
		if !cfg.Discover {
			return opener, nil
		}
		dctx, cancel := context.WithTimeout(ctx, cfg.DiscoverTimeout)
		defer cancel()
		dir, err := (&mdns.Discoverer{Logger: logger}).Discover(dctx, cfg.Serials())
		if err != nil && !errors.Is(err, mdns.ErrMissing) {
			return nil, fmt.Errorf("discover radios: %w", err)
		}
		switch {
		case errors.Is(err, mdns.ErrBrowse):
			logger.Error("mDNS browse failed, using profile hosts", logging.F("error", err))
		case err != nil:
			logger.Warn("some radios were not discovered", logging.F("error", err))
		}
		opener.Resolve = dir.Lookup
		return opener, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
