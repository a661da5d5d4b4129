// Package mdns locates radios on the local network by serial number.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/grandcat/zeroconf"

	"github.com/rjboer/GoMIMO/internal/logging"
)

// Radios advertise their control port as an SSH service.
const (
	DefaultService = "_ssh._tcp"
	DefaultDomain  = "local."
)

// ErrMissing is returned when discovery ends before every serial was seen.
var ErrMissing = errors.New("radios not found")

// ErrBrowse accompanies ErrMissing when the last browse round itself failed.
var ErrBrowse = errors.New("mdns browse failed")

// Host represents a discovered radio.
type Host struct {
	Instance  string // Advertised name: "iris-RF3E000146"
	Hostname  string // DNS hostname: "RF3E000146.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Address returns the preferred dial address: the first IPv4 address, then
// any address, then the hostname.
func (h Host) Address() string {
	for _, ip := range h.Addresses {
		if ip.To4() != nil {
			return ip.String()
		}
	}
	if len(h.Addresses) > 0 {
		return h.Addresses[0].String()
	}
	return strings.TrimSuffix(h.Hostname, ".")
}

// Browse performs one blocking mDNS browse for service until ctx is done.
// It returns cleaned and deduplicated host entries.
func Browse(ctx context.Context, service, domain string) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
				addrs = append(addrs, e.AddrIPv4...)
				addrs = append(addrs, e.AddrIPv6...)

				key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
				resultMap[key] = Host{
					Instance:  cleanInstance(e.Instance),
					Hostname:  e.HostName,
					Addresses: addrs,
					Port:      e.Port,
					TXT:       append([]string{}, e.Text...),
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}
	<-done

	out := make([]Host, 0, len(resultMap))
	for _, h := range resultMap {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}

// Matches reports whether h advertises serial, either as a serial=<serial>
// TXT record or inside its instance or host name.
func (h Host) Matches(serial string) bool {
	if serial == "" {
		return false
	}
	for _, txt := range h.TXT {
		k, v, ok := strings.Cut(txt, "=")
		if ok && strings.EqualFold(k, "serial") && strings.EqualFold(strings.TrimSpace(v), serial) {
			return true
		}
	}
	s := strings.ToUpper(serial)
	return strings.Contains(strings.ToUpper(h.Instance), s) ||
		strings.Contains(strings.ToUpper(h.Hostname), s)
}

// Directory maps serials to discovered hosts.
type Directory map[string]Host

// Match assigns hosts to serials and lists the serials nothing matched.
func Match(hosts []Host, serials []string) (Directory, []string) {
	dir := make(Directory, len(serials))
	var missing []string
	for _, s := range serials {
		found := false
		for _, h := range hosts {
			if h.Matches(s) {
				dir[s] = h
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, s)
		}
	}
	return dir, missing
}

// Lookup returns the dial address of serial. Its signature fits
// sdr.SSHOpener.Resolve.
func (d Directory) Lookup(serial string) (string, bool) {
	h, ok := d[serial]
	if !ok {
		return "", false
	}
	return h.Address(), true
}

// Discoverer browses repeatedly, backing off between rounds, until every
// requested serial has been seen or the context ends.
type Discoverer struct {
	Service string
	Domain  string
	// Window bounds one browse round.
	Window time.Duration
	// Retry is the first pause between rounds; later pauses grow
	// exponentially up to MaxRetry.
	Retry    time.Duration
	MaxRetry time.Duration
	// Browse defaults to the zeroconf browser.
	Browse func(ctx context.Context, service, domain string) ([]Host, error)
	Logger logging.Logger
}

// Discover returns the hosts for serials. When ctx ends first it returns
// what was found together with an error wrapping ErrMissing.
func (d *Discoverer) Discover(ctx context.Context, serials []string) (Directory, error) {
	service, domain := d.Service, d.Domain
	if service == "" {
		service = DefaultService
	}
	if domain == "" {
		domain = DefaultDomain
	}
	window := d.Window
	if window <= 0 {
		window = 2 * time.Second
	}
	browse := d.Browse
	if browse == nil {
		browse = Browse
	}
	logger := d.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With(logging.F("subsystem", "mdns"))

	policy := backoff.NewExponentialBackOff()
	if d.Retry > 0 {
		policy.InitialInterval = d.Retry
	}
	if d.MaxRetry > 0 {
		policy.MaxInterval = d.MaxRetry
	}
	policy.MaxElapsedTime = 0

	seen := make(Directory, len(serials))
	missing := append([]string(nil), serials...)
	var browseErr error
	round := func() error {
		rctx, cancel := context.WithTimeout(ctx, window)
		defer cancel()
		hosts, err := browse(rctx, service, domain)
		if err != nil {
			browseErr = err
			return err
		}
		browseErr = nil
		found, rest := Match(hosts, missing)
		for s, h := range found {
			seen[s] = h
			logger.Debug("radio found", logging.F("serial", s), logging.F("address", h.Address()))
		}
		missing = rest
		if len(missing) > 0 {
			return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ","))
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Info("discovery incomplete, retrying", logging.F("error", err), logging.F("wait", wait))
	}

	if err := backoff.RetryNotify(round, backoff.WithContext(policy, ctx), notify); err != nil {
		if len(missing) > 0 {
			// a failing resolver must not read as radios that are simply absent
			missingErr := fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ","))
			if browseErr != nil {
				return seen, errors.Join(missingErr, fmt.Errorf("%w: %w", ErrBrowse, browseErr))
			}
			return seen, missingErr
		}
		return seen, err
	}
	return seen, nil
}
