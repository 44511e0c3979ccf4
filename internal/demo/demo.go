// Package demo provides a simulated pillow for development and testing. It
// implements transport.Transport without any radio: discovery reports one
// device and the link streams synthetic telemetry while reacting to
// commands the way the firmware does.
package demo

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/travesseiro/pillowlink/internal/protocol"
	"github.com/travesseiro/pillowlink/internal/transport"
)

// DeviceID identifies the simulated pillow.
const DeviceID = "demo-pillow"

// Options configures the simulation.
type Options struct {
	Interval time.Duration // telemetry period
	Seed     int64         // random source seed; 0 uses the clock
	Name     string        // advertised name
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Interval: time.Second,
		Name:     "Pillow (Simulated)",
	}
}

// Transport is the demo transport.Transport.
type Transport struct {
	opts Options

	mu        sync.Mutex
	discovery chan transport.DeviceHandle
	scanCtx   context.Context // context of the running session
}

// Compile-time check that Transport implements transport.Transport.
var _ transport.Transport = (*Transport)(nil)

func NewTransport(opts Options) *Transport {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.Name == "" {
		opts.Name = def.Name
	}
	return &Transport{opts: opts}
}

func (t *Transport) Kind() transport.Kind { return transport.KindDemo }

// Handle returns the simulated pillow's device handle.
func (t *Transport) Handle() transport.DeviceHandle {
	return transport.DeviceHandle{ID: DeviceID, Name: t.opts.Name, Kind: transport.KindDemo}
}

func (t *Transport) Discover(ctx context.Context) (<-chan transport.DeviceHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A cancelled session may still be shutting down; it is not joined.
	if t.discovery != nil && t.scanCtx.Err() == nil {
		return t.discovery, nil
	}
	out := make(chan transport.DeviceHandle, 1)
	t.discovery = out
	t.scanCtx = ctx

	go func() {
		select {
		case out <- t.Handle():
		case <-ctx.Done():
		}
		<-ctx.Done()

		t.mu.Lock()
		if t.discovery == out {
			t.discovery = nil
		}
		t.mu.Unlock()
		close(out)
	}()
	return out, nil
}

func (t *Transport) Connect(ctx context.Context, d transport.DeviceHandle) (transport.Link, error) {
	if d.ID != DeviceID {
		return nil, transport.NewConnectError(transport.KindDemo, transport.Unsupported,
			fmt.Errorf("demo: unknown device %s", d))
	}
	if err := ctx.Err(); err != nil {
		return nil, transport.NewConnectError(transport.KindDemo, transport.Timeout, err)
	}

	seed := t.opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	l := &Link{
		rng:       rand.New(rand.NewSource(seed)),
		interval:  t.opts.Interval,
		bpm:       72,
		battery:   100,
		intensity: 50,
		mode:      protocol.Vibration,
		inbox:     transport.NewInbox(transport.DefaultInboxSize),
		done:      make(chan struct{}),
	}
	go l.run()

	slog.Info("[demo] connected", "device", d.String())
	return l, nil
}

// Link is the simulated pillow's side of the connection.
type Link struct {
	interval time.Duration

	mu        sync.Mutex
	rng       *rand.Rand
	splitter  protocol.Splitter
	bpm       float64
	battery   float64
	active    bool
	intensity uint8
	sens      uint8
	mode      protocol.MassageType
	autoBPM   uint32

	inbox     *transport.Inbox
	done      chan struct{}
	closeOnce sync.Once
}

// Compile-time check that Link implements transport.Link.
var _ transport.Link = (*Link)(nil)

func (l *Link) run() {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.inbox.Done():
			return
		case <-ticker.C:
			l.inbox.Push(l.tick())
		}
	}
}

// tick advances the simulation one period and returns the telemetry line.
func (l *Link) tick() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Heart rate random walk; massage pulls it toward resting.
	drift := 0.3
	if l.active {
		drift = -1.5
	}
	l.bpm += drift + l.rng.NormFloat64()*2
	if l.bpm < 55 {
		l.bpm = 55
	}
	if l.bpm > 140 {
		l.bpm = 140
	}

	drain := 0.02
	if l.active {
		drain = 0.1
	}
	l.battery -= drain
	if l.battery < 0 {
		l.battery = 0
	}

	// The firmware applies its own AUTOBPM threshold.
	if l.autoBPM > 0 && uint32(l.bpm) >= l.autoBPM && !l.active {
		l.setActive(true)
	}

	return l.frame().String() + protocol.LineTerminator
}

func (l *Link) frame() protocol.TelemetryFrame {
	return protocol.TelemetryFrame{
		BPM:       protocol.Uint32(uint32(l.bpm)),
		Battery:   protocol.Uint8(uint8(l.battery)),
		Active:    protocol.Bool(l.active),
		Intensity: protocol.Uint8(l.intensity),
	}
}

// setActive toggles the actuator. Caller must hold mu.
func (l *Link) setActive(on bool) {
	l.active = on
	if on {
		// Sensitivity scales the actuation strength.
		l.intensity = uint8(40 + int(l.sens)*60/100)
	}
}

// Send feeds commands to the simulated firmware. Unknown lines are ignored
// like the real device does.
func (l *Link) Send(data []byte) error {
	if l.inbox.Closed() {
		return &transport.SendError{Kind: transport.KindDemo, Err: transport.ErrLinkClosed}
	}

	l.mu.Lock()
	var echoes []string
	for _, line := range l.splitter.Feed(string(data)) {
		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			slog.Debug("[demo] ignoring line", "line", line, "error", err)
			continue
		}
		switch cmd.Kind {
		case protocol.CmdActivate:
			l.setActive(true)
		case protocol.CmdDeactivate:
			l.setActive(false)
		case protocol.CmdSensitivity:
			l.sens = uint8(cmd.Value)
		case protocol.CmdMode:
			l.mode = cmd.Mode
		case protocol.CmdAutoBPM:
			l.autoBPM = cmd.Value
		}
		if echo, ok := protocol.Echo(cmd); ok {
			echoes = append(echoes, echo.String()+protocol.LineTerminator)
		}
	}
	l.mu.Unlock()

	for _, e := range echoes {
		l.inbox.Push(e)
	}
	return nil
}

func (l *Link) Receive() <-chan string { return l.inbox.C() }

func (l *Link) Err() error { return l.inbox.Err() }

// Close stops the simulation.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.inbox.Close(nil)
		<-l.done
	})
	return nil
}

// Hangup simulates the pillow dropping the link.
func (l *Link) Hangup() {
	l.inbox.Close(transport.ErrLinkClosed)
}

// Settings returns the configuration the firmware last received.
func (l *Link) Settings() (sens uint8, mode protocol.MassageType, autoBPM uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sens, l.mode, l.autoBPM
}
