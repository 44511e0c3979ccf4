// Package rfcomm provides the Serial-Socket transport: the pillow's Serial
// Port Profile channel exposed by the kernel as an RFCOMM tty (for example
// /dev/rfcomm0, bound with `rfcomm bind`). Discovery goes through BlueZ on
// the system D-Bus; the byte stream goes through go.bug.st/serial.
package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/travesseiro/pillowlink/internal/transport"
)

const (
	// DefaultBaudRate is ignored by RFCOMM ttys but required by the serial API.
	DefaultBaudRate = 115200

	// readBufSize is the size of the serial read buffer.
	readBufSize = 1024
)

// Port is the part of serial.Port the link needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// OpenFunc opens the tty at path.
type OpenFunc func(path string, baud int) (Port, error)

// OpenSerial opens path with go.bug.st/serial.
func OpenSerial(path string, baud int) (Port, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Discoverer finds SPP devices. *BlueZ is the production implementation.
type Discoverer interface {
	StartDiscovery() error
	StopDiscovery() error
	Devices() ([]Peer, error)
}

// Options configures the Serial-Socket transport.
type Options struct {
	Ports          map[string]string // device address -> tty path
	DefaultPort    string            // tty used for addresses missing from Ports
	BaudRate       int
	ConnectTimeout time.Duration
	ScanInterval   time.Duration // how often BlueZ's device list is re-read
	ReadTimeout    time.Duration // bound on a single tty read
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		BaudRate:       DefaultBaudRate,
		ConnectTimeout: 10 * time.Second,
		ScanInterval:   2 * time.Second,
		ReadTimeout:    500 * time.Millisecond,
	}
}

// Transport is the Serial-Socket transport.Transport.
type Transport struct {
	disc  Discoverer
	open  OpenFunc
	opts  Options
	ports map[string]string

	mu        sync.Mutex
	discovery chan transport.DeviceHandle
	scanCtx   context.Context // context of the running session
}

// Compile-time check that Transport implements transport.Transport.
var _ transport.Transport = (*Transport)(nil)

// NewTransport creates a Serial-Socket transport. disc may be nil when no
// BlueZ daemon is reachable; discovery then reports the configured ports
// only. open defaults to OpenSerial.
func NewTransport(disc Discoverer, open OpenFunc, opts Options) *Transport {
	def := DefaultOptions()
	if opts.BaudRate <= 0 {
		opts.BaudRate = def.BaudRate
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = def.ScanInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if open == nil {
		open = OpenSerial
	}

	ports := make(map[string]string, len(opts.Ports))
	for addr, path := range opts.Ports {
		ports[strings.ToUpper(addr)] = path
	}
	return &Transport{disc: disc, open: open, opts: opts, ports: ports}
}

func (t *Transport) Kind() transport.Kind { return transport.KindSerial }

// Discover reports SPP devices as BlueZ finds them. Each address is
// reported once per session.
func (t *Transport) Discover(ctx context.Context) (<-chan transport.DeviceHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A cancelled session may still be shutting down; it is not joined.
	if t.discovery != nil && t.scanCtx.Err() == nil {
		return t.discovery, nil
	}
	if t.disc == nil && len(t.ports) == 0 {
		return nil, errors.New("rfcomm: no discovery backend and no configured ports")
	}

	out := make(chan transport.DeviceHandle, 8)
	t.discovery = out
	t.scanCtx = ctx
	go t.runDiscovery(ctx, out)
	return out, nil
}

func (t *Transport) runDiscovery(ctx context.Context, out chan transport.DeviceHandle) {
	defer func() {
		t.mu.Lock()
		if t.discovery == out {
			t.discovery = nil
		}
		t.mu.Unlock()
		close(out)
	}()

	seen := make(map[string]bool)
	emit := func(p Peer) bool {
		if seen[p.Address] {
			return true
		}
		seen[p.Address] = true
		select {
		case out <- transport.DeviceHandle{ID: p.Address, Name: p.Name, Kind: transport.KindSerial}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if t.disc == nil {
		for addr := range t.ports {
			if !emit(Peer{Address: addr}) {
				return
			}
		}
		<-ctx.Done()
		return
	}

	if err := t.disc.StartDiscovery(); err != nil {
		// Inquiry may already be running; cached devices are still listed.
		slog.Warn("[RFCOMM] start discovery", "error", err)
	} else {
		defer func() {
			if err := t.disc.StopDiscovery(); err != nil {
				slog.Debug("[RFCOMM] stop discovery", "error", err)
			}
		}()
	}

	ticker := time.NewTicker(t.opts.ScanInterval)
	defer ticker.Stop()

	for {
		peers, err := t.disc.Devices()
		if err != nil {
			slog.Error("[RFCOMM] list devices failed", "error", err)
			return
		}
		for _, p := range peers {
			if !emit(p) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// portFor resolves the tty bound to address.
func (t *Transport) portFor(address string) string {
	if path, ok := t.ports[strings.ToUpper(address)]; ok {
		return path
	}
	return t.opts.DefaultPort
}

// Connect opens the tty bound to d. Opening an RFCOMM tty triggers the
// baseband connection, so the open itself is bounded by ConnectTimeout.
func (t *Transport) Connect(ctx context.Context, d transport.DeviceHandle) (transport.Link, error) {
	path := t.portFor(d.ID)
	if path == "" {
		return nil, transport.NewConnectError(transport.KindSerial, transport.Unsupported,
			fmt.Errorf("rfcomm: no tty configured for %s", d.ID))
	}

	ctx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	type openResult struct {
		port Port
		err  error
	}
	ch := make(chan openResult, 1)
	go func() {
		port, err := t.open(path, t.opts.BaudRate)
		ch <- openResult{port, err}
	}()

	var port Port
	select {
	case <-ctx.Done():
		go func() {
			if result := <-ch; result.err == nil {
				_ = result.port.Close()
			}
		}()
		return nil, transport.NewConnectError(transport.KindSerial, transport.Timeout,
			fmt.Errorf("rfcomm: open %s: %w", path, ctx.Err()))
	case result := <-ch:
		if result.err != nil {
			return nil, transport.NewConnectError(transport.KindSerial, transport.Rejected,
				fmt.Errorf("rfcomm: open %s: %w", path, result.err))
		}
		port = result.port
	}

	if err := port.SetReadTimeout(t.opts.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, transport.NewConnectError(transport.KindSerial, transport.Rejected,
			fmt.Errorf("rfcomm: set read timeout: %w", err))
	}

	slog.Info("[RFCOMM] connected", "device", d.String(), "port", path)
	return newLink(port), nil
}
