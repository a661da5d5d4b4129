package sdr

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/rjboer/GoMIMO/internal/logging"
)

// remote runs control commands on one radio over a lazily dialed SSH
// connection.
type remote struct {
	mu      sync.Mutex
	profile Profile
	addr    string
	client  *ssh.Client
	logger  logging.Logger
}

func newRemote(profile Profile, host string, logger logging.Logger) *remote {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, strconv.Itoa(profile.Port))
	}
	return &remote{profile: profile, addr: addr, logger: logger}
}

// run executes cmd and returns its stdout. A non-zero exit status is
// reported together with the command's stderr.
func (r *remote) run(ctx context.Context, cmd string) ([]byte, error) {
	client, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("run %q: %w: %s", cmd, err, msg)
		}
		return nil, fmt.Errorf("run %q: %w", cmd, err)
	}
	r.logger.Debug("remote command done", logging.F("addr", r.addr), logging.F("cmd", cmd), logging.F("stdout_bytes", stdout.Len()))
	return stdout.Bytes(), nil
}

func (r *remote) dial(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	auth := []ssh.AuthMethod{}
	if r.profile.Password != "" {
		auth = append(auth, ssh.Password(r.profile.Password))
	}
	if r.profile.KeyPath != "" {
		key, err := os.ReadFile(r.profile.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh password or key configured")
	}

	timeout := time.Duration(r.profile.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	config := &ssh.ClientConfig{
		User:            r.profile.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh %s: %w", r.addr, err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, r.addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create ssh client: %w", err)
	}

	r.client = ssh.NewClient(clientConn, chans, reqs)
	return r.client, nil
}

func (r *remote) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// SSHNode drives a radio by running the profile's commands on it.
type SSHNode struct {
	serial string
	role   Role
	remote *remote

	mu      sync.Mutex
	data    CommandData
	closed  bool
	samples int
}

func (n *SSHNode) Serial() string { return n.serial }
func (n *SSHNode) Role() Role     { return n.role }

func (n *SSHNode) exec(ctx context.Context, op string) ([]byte, error) {
	n.mu.Lock()
	data := n.data
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%s: %w", n.serial, errClosed)
	}
	cmd, err := n.remote.profile.Render(op, data)
	if err != nil {
		return nil, err
	}
	out, err := n.remote.run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", n.serial, op, err)
	}
	return out, nil
}

func (n *SSHNode) do(ctx context.Context, op string) error {
	_, err := n.exec(ctx, op)
	return err
}

func (n *SSHNode) Configure(ctx context.Context, cfg RadioConfig) error {
	n.mu.Lock()
	n.data.TxFreq = cfg.TxFreq
	n.data.RxFreq = cfg.RxFreq
	n.data.SampleRate = cfg.SampleRate
	n.data.TxGain = cfg.TxGain
	n.data.RxGain = cfg.RxGain
	n.data.Channels = string(cfg.Channels)
	n.mu.Unlock()
	return n.do(ctx, OpConfigure)
}

func (n *SSHNode) SyncDelays(ctx context.Context) error       { return n.do(ctx, OpSyncDelays) }
func (n *SSHNode) ConfigGainCtrl(ctx context.Context) error   { return n.do(ctx, OpConfigGainCtrl) }
func (n *SSHNode) SetupStreamRX(ctx context.Context) error    { return n.do(ctx, OpSetupStreamRX) }
func (n *SSHNode) ActivateStreamRX(ctx context.Context) error { return n.do(ctx, OpActivateStream) }
func (n *SSHNode) BurnBeacon(ctx context.Context) error       { return n.do(ctx, OpBurnBeacon) }
func (n *SSHNode) SetTrigger(ctx context.Context) error       { return n.do(ctx, OpSetTrigger) }
func (n *SSHNode) ResetHWTime(ctx context.Context) error      { return n.do(ctx, OpResetHWTime) }

func (n *SSHNode) ConfigSDRTDD(ctx context.Context, schedule string, samples int) error {
	n.mu.Lock()
	n.data.Schedule = schedule
	n.data.Samples = samples
	n.samples = samples
	n.mu.Unlock()
	return n.do(ctx, OpConfigTDD)
}

// RecvStreamTDD runs the receive command and decodes its stdout as
// interleaved little-endian float32 I/Q, one block per channel.
func (n *SSHNode) RecvStreamTDD(ctx context.Context) ([][]complex64, error) {
	out, err := n.exec(ctx, OpRecvStream)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	channels, samples := len(n.data.Channels), n.samples
	n.mu.Unlock()
	frame, err := DecodeIQ(out, channels, samples)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.serial, err)
	}
	return frame, nil
}

// Close runs the optional close command and drops the SSH connection.
func (n *SSHNode) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return fmt.Errorf("%s: %w", n.serial, errClosed)
	}
	data := n.data
	n.closed = true
	n.mu.Unlock()

	var cmdErr error
	if _, ok := n.remote.profile.Commands[OpClose]; ok {
		cmd, err := n.remote.profile.Render(OpClose, data)
		if err == nil {
			_, err = n.remote.run(context.Background(), cmd)
		}
		cmdErr = err
	}
	if err := n.remote.close(); err != nil && cmdErr == nil {
		cmdErr = err
	}
	return cmdErr
}

// DecodeIQ splits a raw capture into channels of complex samples. The
// payload holds channels blocks back to back, each samples pairs of
// little-endian float32 (I, Q).
func DecodeIQ(raw []byte, channels, samples int) ([][]complex64, error) {
	if channels <= 0 || samples <= 0 {
		return nil, fmt.Errorf("decode iq: invalid shape %d x %d", channels, samples)
	}
	const pairBytes = 8
	want := channels * samples * pairBytes
	if len(raw) != want {
		return nil, fmt.Errorf("decode iq: got %d bytes, want %d (%d channels x %d samples)", len(raw), want, channels, samples)
	}
	out := make([][]complex64, channels)
	for c := range out {
		ch := make([]complex64, samples)
		base := c * samples * pairBytes
		for i := range ch {
			off := base + i*pairBytes
			re := math.Float32frombits(binary.LittleEndian.Uint32(raw[off:]))
			im := math.Float32frombits(binary.LittleEndian.Uint32(raw[off+4:]))
			ch[i] = complex(re, im)
		}
		out[c] = ch
	}
	return out, nil
}

// EncodeIQ is the inverse of DecodeIQ.
func EncodeIQ(frame [][]complex64) []byte {
	n := 0
	for _, ch := range frame {
		n += len(ch) * 8
	}
	out := make([]byte, 0, n)
	for _, ch := range frame {
		for _, v := range ch {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(real(v)))
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(imag(v)))
		}
	}
	return out
}

// hubOp is the profile key of a hub operation.
func hubOp(op string) string { return "hub_" + op }

// SSHHub drives a trigger hub through the profile's hub_* commands.
type SSHHub struct {
	serial string
	remote *remote

	mu     sync.Mutex
	closed bool
}

func (h *SSHHub) Serial() string { return h.serial }

func (h *SSHHub) do(ctx context.Context, op string) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return fmt.Errorf("%s: %w", h.serial, errClosed)
	}
	cmd, err := h.remote.profile.Render(hubOp(op), CommandData{Serial: h.serial, Role: "hub"})
	if err != nil {
		return err
	}
	if _, err := h.remote.run(ctx, cmd); err != nil {
		return fmt.Errorf("%s %s: %w", h.serial, op, err)
	}
	return nil
}

func (h *SSHHub) SyncDelays(ctx context.Context) error { return h.do(ctx, OpSyncDelays) }
func (h *SSHHub) SetTrigger(ctx context.Context) error { return h.do(ctx, OpSetTrigger) }

func (h *SSHHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("%s: %w", h.serial, errClosed)
	}
	h.closed = true
	h.mu.Unlock()
	return h.remote.close()
}

// SSHOpener opens SSH-driven handles. Resolve, when set, maps a serial to
// a host and takes precedence over the profile's host settings.
type SSHOpener struct {
	Profile Profile
	Resolve func(serial string) (string, bool)
	Logger  logging.Logger
}

func (o *SSHOpener) host(serial string) string {
	if o.Resolve != nil {
		if h, ok := o.Resolve(serial); ok {
			return h
		}
	}
	return o.Profile.Host(serial)
}

func (o *SSHOpener) logger() logging.Logger {
	if o.Logger == nil {
		return logging.Default()
	}
	return o.Logger
}

// OpenNode connects to the radio eagerly so an unreachable serial fails
// at construction time.
func (o *SSHOpener) OpenNode(ctx context.Context, serial string, role Role) (Node, error) {
	r := newRemote(o.Profile, o.host(serial), o.logger().With(logging.F("serial", serial)))
	if _, err := r.dial(ctx); err != nil {
		return nil, fmt.Errorf("open %s: %w", serial, err)
	}
	return &SSHNode{
		serial: serial,
		role:   role,
		remote: r,
		data:   CommandData{Serial: serial, Role: role.String()},
	}, nil
}

func (o *SSHOpener) OpenHub(ctx context.Context, serial string) (Hub, error) {
	for _, op := range hubCommands {
		if strings.TrimSpace(o.Profile.Commands[hubOp(op)]) == "" {
			return nil, fmt.Errorf("open hub %s: missing command for %s", serial, hubOp(op))
		}
	}
	r := newRemote(o.Profile, o.host(serial), o.logger().With(logging.F("serial", serial), logging.F("role", "hub")))
	if _, err := r.dial(ctx); err != nil {
		return nil, fmt.Errorf("open hub %s: %w", serial, err)
	}
	return &SSHHub{serial: serial, remote: r}, nil
}
