package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/travesseiro/pillowlink/internal/protocol"
	"github.com/travesseiro/pillowlink/internal/transport"
)

// Options configures the Low-Energy transport.
type Options struct {
	ServiceUUID     string        // service to scan for and prefer after connect
	WriteCharUUID   string        // outbound characteristic; empty selects automatically
	PollInterval    time.Duration // read interval when nothing is notifiable
	ConnectTimeout  time.Duration // bound on connect plus GATT discovery
	ChunkSize       int           // max bytes per characteristic write
	InterChunkDelay time.Duration // delay between write chunks

	// LineFramed passes notifications through as raw chunks for a peer that
	// ends every frame with '\n', so a frame may span several notifications.
	// Otherwise each notification is one frame.
	LineFramed bool
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:     DefaultServiceUUID,
		PollInterval:    500 * time.Millisecond,
		ConnectTimeout:  10 * time.Second,
		ChunkSize:       protocol.DefaultChunkSize,
		InterChunkDelay: 20 * time.Millisecond,
	}
}

// Transport is the Low-Energy transport.Transport.
type Transport struct {
	adapter Adapter
	opts    Options

	// mu protects discovery, the channel of the running scan session.
	mu        sync.Mutex
	discovery chan transport.DeviceHandle
	scanCtx   context.Context // context of the running session
}

// Compile-time check that Transport implements transport.Transport.
var _ transport.Transport = (*Transport)(nil)

// NewTransport creates a Low-Energy transport on adapter. Zero fields in
// opts are filled from DefaultOptions.
func NewTransport(adapter Adapter, opts Options) *Transport {
	def := DefaultOptions()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.InterChunkDelay < 0 {
		opts.InterChunkDelay = 0
	}
	return &Transport{adapter: adapter, opts: opts}
}

func (t *Transport) Kind() transport.Kind { return transport.KindLowEnergy }

// Discover scans for peripherals advertising the configured service. Each
// address is reported once per session.
func (t *Transport) Discover(ctx context.Context) (<-chan transport.DeviceHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A cancelled session may still be shutting down; it is not joined.
	if t.discovery != nil && t.scanCtx.Err() == nil {
		return t.discovery, nil
	}
	if err := t.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	out := make(chan transport.DeviceHandle, 8)
	t.discovery = out
	t.scanCtx = ctx
	go t.runDiscovery(ctx, out)

	slog.Info("[BLE] scanning", "service", t.opts.ServiceUUID)
	return out, nil
}

func (t *Transport) runDiscovery(ctx context.Context, out chan transport.DeviceHandle) {
	var seenMu sync.Mutex
	seen := make(map[string]bool)

	err := t.adapter.Scan(ctx, t.opts.ServiceUUID, func(d Device) {
		seenMu.Lock()
		dup := seen[d.MAC]
		seen[d.MAC] = true
		seenMu.Unlock()
		if dup {
			return
		}

		slog.Debug("[BLE] found device", "name", d.Name, "mac", d.MAC, "rssi", d.RSSI)
		select {
		case out <- transport.DeviceHandle{ID: d.MAC, Name: d.Name, Kind: transport.KindLowEnergy}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		slog.Error("[BLE] scan failed", "error", err)
	}

	t.mu.Lock()
	if t.discovery == out {
		t.discovery = nil
	}
	t.mu.Unlock()
	close(out)
}

// Connect connects to d, discovers its characteristics and returns the
// resulting link. Connect and GATT discovery together are bounded by
// ConnectTimeout.
func (t *Transport) Connect(ctx context.Context, d transport.DeviceHandle) (transport.Link, error) {
	if d.Kind == transport.KindDemo {
		return nil, transport.NewConnectError(transport.KindLowEnergy, transport.Unsupported,
			fmt.Errorf("ble: %s is not a radio device", d))
	}
	if err := t.adapter.Enable(); err != nil {
		return nil, transport.NewConnectError(transport.KindLowEnergy, transport.Unsupported,
			fmt.Errorf("ble: enable adapter: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	conn, err := t.adapter.Connect(ctx, d.ID)
	if err != nil {
		return nil, transport.NewConnectError(transport.KindLowEnergy, transport.Rejected, err)
	}

	link, err := newLink(conn, t.opts)
	if err != nil {
		_ = conn.Disconnect()
		reason := transport.Rejected
		if errors.Is(err, errNoInbound) {
			reason = transport.Unsupported
		}
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", err, ctx.Err())
		}
		return nil, transport.NewConnectError(transport.KindLowEnergy, reason, err)
	}

	slog.Info("[BLE] connected", "device", d.String(), "polling", link.Polling())
	return link, nil
}
