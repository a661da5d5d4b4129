package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjboer/GoMIMO/internal/logging"
	"github.com/rjboer/GoMIMO/internal/mdns"
)

func newDiscoverCommand() *cobra.Command {
	var (
		timeout time.Duration
		service string
	)
	cmd := &cobra.Command{
		Use:   "discover [serial...]",
		Short: "Browse mDNS for radios, optionally waiting for the given serials",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			logger := logging.New(logging.Warn, logging.Text, cmd.ErrOrStderr())

			start := time.Now()
			if len(args) == 0 {
				hosts, err := mdns.Browse(ctx, service, mdns.DefaultDomain)
				if err != nil {
					return err
				}
				printHosts(cmd.OutOrStdout(), hosts, time.Since(start))
				return nil
			}
			dir, err := (&mdns.Discoverer{Service: service, Window: timeout / 4, Logger: logger}).Discover(ctx, args)
			hosts := make([]mdns.Host, 0, len(dir))
			for _, s := range args {
				if h, ok := dir[s]; ok {
					hosts = append(hosts, h)
				}
			}
			printHosts(cmd.OutOrStdout(), hosts, time.Since(start))
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Discovery deadline")
	cmd.Flags().StringVar(&service, "service", mdns.DefaultService, "DNS-SD service type to browse")
	return cmd
}

func printHosts(out io.Writer, hosts []mdns.Host, took time.Duration) {
	if len(hosts) == 0 {
		fmt.Fprintf(out, "No radios found (%s)\n", took.Truncate(time.Millisecond))
		return
	}
	fmt.Fprintf(out, "Discovered %d radio(s) in %s\n", len(hosts), took.Truncate(time.Millisecond))
	for i, h := range hosts {
		fmt.Fprintf(out, " #%d %s\n", i+1, h.Instance)
		fmt.Fprintf(out, "    hostname: %s\n", h.Hostname)
		fmt.Fprintf(out, "    address:  %s port %d\n", h.Address(), h.Port)
		for _, txt := range h.TXT {
			fmt.Fprintf(out, "    txt:      %s\n", txt)
		}
	}
}
