package sdr

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v2"
)

// Profile describes how to reach radios over SSH and which command runs
// each control operation on the radio. Commands are text/template strings
// rendered with CommandData; the quote function shell-quotes a value.
type Profile struct {
	User       string            `yaml:"user"`
	Password   string            `yaml:"password"`
	KeyPath    string            `yaml:"keyPath"`
	Port       int               `yaml:"port"`
	TimeoutSec int               `yaml:"timeoutSec"`
	HostFormat string            `yaml:"hostFormat"`
	Hosts      map[string]string `yaml:"hosts"`
	Commands   map[string]string `yaml:"commands"`
}

// CommandData is the template context for profile commands.
type CommandData struct {
	Serial     string
	Role       string
	TxFreq     float64
	RxFreq     float64
	SampleRate float64
	TxGain     float64
	RxGain     float64
	Channels   string
	Schedule   string
	Samples    int
}

// Operations a profile must define. Hub commands are looked up with the
// hub_ prefix and only checked when a hub is opened.
var (
	nodeCommands = []string{
		OpConfigure, OpSyncDelays, OpConfigGainCtrl, OpSetupStreamRX, OpActivateStream,
		OpBurnBeacon, OpConfigTDD, OpRecvStream, OpSetTrigger, OpResetHWTime,
	}
	hubCommands = []string{OpSyncDelays, OpSetTrigger}
)

// DefaultProfile returns settings for radios reachable as <serial>.local
// with key authentication.
func DefaultProfile() Profile {
	return Profile{
		User:       "root",
		Port:       22,
		TimeoutSec: 5,
		HostFormat: "%s.local",
		Hosts:      map[string]string{},
		Commands:   map[string]string{},
	}
}

// LoadProfile reads a YAML profile on top of DefaultProfile.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

// Validate checks that every command is defined and parses.
func (p Profile) Validate() error {
	for _, op := range nodeCommands {
		if strings.TrimSpace(p.Commands[op]) == "" {
			return fmt.Errorf("missing command for %s", op)
		}
	}
	for op, text := range p.Commands {
		if _, err := parseCommand(op, text); err != nil {
			return err
		}
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("invalid ssh port %d", p.Port)
	}
	return nil
}

// Host resolves the address of a radio: explicit entries win over
// HostFormat.
func (p Profile) Host(serial string) string {
	if h, ok := p.Hosts[serial]; ok && h != "" {
		return h
	}
	format := p.HostFormat
	if format == "" {
		format = "%s.local"
	}
	return fmt.Sprintf(format, serial)
}

// Render expands the command for op.
func (p Profile) Render(op string, data CommandData) (string, error) {
	text, ok := p.Commands[op]
	if !ok || strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("no command configured for %s", op)
	}
	tmpl, err := parseCommand(op, text)
	if err != nil {
		return "", err
	}
	var b bytes.Buffer
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s command: %w", op, err)
	}
	return b.String(), nil
}

func parseCommand(op, text string) (*template.Template, error) {
	tmpl, err := template.New(op).
		Option("missingkey=error").
		Funcs(template.FuncMap{"quote": func(v any) string { return shellQuote(fmt.Sprint(v)) }}).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", op, err)
	}
	return tmpl, nil
}

// shellQuote returns a value wrapped in single quotes with embedded quotes escaped
// for safe shell usage.
func shellQuote(value string) string {
	escaped := strings.ReplaceAll(value, "'", "'\\''")
	return fmt.Sprintf("'%s'", escaped)
}
