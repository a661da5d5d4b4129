package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rjboer/GoMIMO/internal/config"
	"github.com/rjboer/GoMIMO/internal/fault"
	"github.com/rjboer/GoMIMO/internal/logging"
	"github.com/rjboer/GoMIMO/internal/mdns"
	"github.com/rjboer/GoMIMO/internal/sdr"
)

func TestRootCommandMockRun(t *testing.T) {
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"--cycles", "2", "--samples", "256", "--bs-channels", "AB", "--log-level", "error"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("execute: %v (%s)", err, errOut.String())
	}
	text := out.String()
	for _, want := range []string{"cycle 1: shape [1 6 256]", "cycle 2: shape [1 6 256]", "trigger hub"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}

func TestRootCommandLeaderTrigger(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--hub", "", "--bs-serials", "RF3E000146", "--log-level", "error"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "cycle 1: shape [1 1 1024]") || !strings.Contains(out.String(), "trigger leader") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRootCommandRejectsMismatchedSchedule(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--schedule", "GRRG", "--log-level", "error"})
	if err := cmd.Execute(); !errors.Is(err, fault.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSelectBackend(t *testing.T) {
	logger := logging.New(logging.Error, logging.Text, io.Discard)
	cfg := config.Default()
	opener, err := selectBackend(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("mock backend: %v", err)
	}
	if _, ok := opener.(*sdr.Testbed); !ok {
		t.Fatalf("expected simulated testbed, got %T", opener)
	}

	cfg.Backend = "unknown"
	if _, err := selectBackend(context.Background(), cfg, logger); err == nil {
		t.Fatal("expected error for unknown backend")
	}

	cfg.Backend = config.BackendSSH
	cfg.Profile = "does-not-exist.yaml"
	if _, err := selectBackend(context.Background(), cfg, logger); err == nil {
		t.Fatal("expected error for missing profile")
	}
}

func TestPrintHosts(t *testing.T) {
	var out bytes.Buffer
	printHosts(&out, nil, time.Second)
	if !strings.HasPrefix(out.String(), "No radios found") {
		t.Fatalf("unexpected empty output %q", out.String())
	}
	out.Reset()
	printHosts(&out, []mdns.Host{{Instance: "iris-RF3E000146", Hostname: "RF3E000146.local.", Port: 22, TXT: []string{"serial=RF3E000146"}}}, time.Second)
	for _, want := range []string{"Discovered 1 radio(s)", "iris-RF3E000146", "address:  RF3E000146.local port 22", "txt:      serial=RF3E000146"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}
