// Package session owns the single logical connection to the pillow: the
// connection state machine, the Low-Energy to Serial-Socket fallback, the
// auto-activation rule and the last known PillowStatus. Coordinator is the
// façade the UI layer drives.
package session

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

// DefaultNotifyBuffer is the per-subscriber notification buffer.
const DefaultNotifyBuffer = 64

// Options configures a Coordinator.
type Options struct {
	Scanners           []transport.Transport // transports asked to discover
	Dialer             Dialer
	Capability         Capability // nil means always granted
	Settings           UserSettings
	RepeatAutoActivate bool          // see Rule.Repeat
	ScanTimeout        time.Duration // 0 scans until a device is found or cancelled
	NotifyBuffer       int
}

// Coordinator serializes every operation on the connection behind one
// mutex. Notifications are delivered while that mutex is held, so
// subscribers observe them in the order the state changed.
type Coordinator struct {
	opts Options

	mu         sync.Mutex
	state      State
	status     PillowStatus
	settings   UserSettings
	link       transport.Link
	scanCancel context.CancelFunc
	scanGen    uint64 // bumped whenever a scan session is started or dropped
	abort      bool   // Disconnect arrived while connecting

	subs    map[int]chan Notification
	nextSub int
}

// New creates a Coordinator in the Idle phase.
func New(opts Options) *Coordinator {
	if opts.Capability == nil {
		opts.Capability = AlwaysGranted{}
	}
	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = DefaultNotifyBuffer
	}
	return &Coordinator{
		opts:     opts,
		state:    State{Phase: Idle},
		status:   DefaultStatus(),
		settings: opts.Settings,
		subs:     make(map[int]chan Notification),
	}
}

// Subscribe returns a notification stream and a function that ends it.
// A subscriber that falls behind by more than the buffer loses
// notifications rather than stalling the session.
func (c *Coordinator) Subscribe() (<-chan Notification, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan Notification, c.opts.NotifyBuffer)
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

// emit fans n out to every subscriber. Caller must hold mu.
func (c *Coordinator) emit(n Notification) {
	if n.Err != nil && n.Error == "" {
		n.Error = n.Err.Error()
	}
	for _, ch := range c.subs {
		select {
		case ch <- n:
		default:
			slog.Debug("[session] subscriber full, dropping notification", "type", n.Type)
		}
	}
}

func (c *Coordinator) emitStatus() {
	s := c.status
	c.emit(Notification{Type: NotifyStatus, Status: &s})
}

func (c *Coordinator) emitError(err error) {
	c.emit(Notification{Type: NotifyError, Err: err})
}

// apply runs e through the state machine and publishes the new state.
// Caller must hold mu.
func (c *Coordinator) apply(e Event) error {
	next, err := Transition(c.state, e)
	if err != nil {
		return err
	}
	slog.Debug("[session] transition", "from", c.state.Phase, "event", e.Kind, "to", next.Phase)
	c.state = next

	if next.Phase != Connected {
		c.status.Connected = false
		c.status.Active = false
		c.status.DeviceName = ""
	}

	s := next
	c.emit(Notification{Type: NotifyState, State: &s})
	if next.Phase == Disconnected {
		c.emit(Notification{Type: NotifyDisconnected, State: &s})
	}
	return nil
}

// State returns the current connection state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentStatus returns the last known device status.
func (c *Coordinator) CurrentStatus() PillowStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Settings returns the settings in effect.
func (c *Coordinator) Settings() UserSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// RequestScan checks the Bluetooth capability and starts discovery on
// every scanner. The scan outlives ctx's cancellation; stop it with
// CancelScan. Calling it while already scanning is a no-op, and from
// Disconnected it resets to Idle first.
func (c *Coordinator) RequestScan(ctx context.Context) error {
	if !c.opts.Capability.Granted(ctx) {
		c.mu.Lock()
		c.emitError(ErrPermissionDenied)
		c.mu.Unlock()
		return ErrPermissionDenied
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.Phase {
	case Scanning:
		return nil
	case Disconnected:
		if err := c.apply(Event{Kind: EvReset}); err != nil {
			return err
		}
	}
	if err := c.apply(Event{Kind: EvStartScan}); err != nil {
		return err
	}

	var (
		scanCtx context.Context
		cancel  context.CancelFunc
	)
	if c.opts.ScanTimeout > 0 {
		scanCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), c.opts.ScanTimeout)
	} else {
		scanCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}

	var (
		streams []<-chan transport.DeviceHandle
		errs    []error
	)
	for _, s := range c.opts.Scanners {
		ch, err := s.Discover(scanCtx)
		if err != nil {
			slog.Warn("[session] discovery unavailable", "transport", s.Kind(), "error", err)
			errs = append(errs, err)
			continue
		}
		streams = append(streams, ch)
	}
	if len(streams) == 0 {
		cancel()
		err := fmt.Errorf("%w: %w", ErrDiscoveryFailed, errors.Join(errs...))
		_ = c.apply(Event{Kind: EvScanFailed})
		c.emitError(err)
		return err
	}

	c.scanGen++
	c.scanCancel = cancel
	go c.watchScan(c.scanGen, scanCtx, cancel, streams)

	slog.Info("[session] scanning", "transports", len(streams))
	return nil
}

// watchScan waits for the first device from any stream, then stops
// discovery.
func (c *Coordinator) watchScan(gen uint64, ctx context.Context, cancel context.CancelFunc, streams []<-chan transport.DeviceHandle) {
	defer cancel()

	found := make(chan transport.DeviceHandle)
	var wg sync.WaitGroup
	for _, ch := range streams {
		wg.Add(1)
		go func(ch <-chan transport.DeviceHandle) {
			defer wg.Done()
			for d := range ch {
				select {
				case found <- d:
				case <-ctx.Done():
				}
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(found)
	}()

	d, ok := <-found
	if ok {
		c.deviceFound(gen, d)
		return
	}
	c.scanEnded(gen, ctx.Err())
}

func (c *Coordinator) deviceFound(gen uint64, d transport.DeviceHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.scanGen || c.state.Phase != Scanning {
		return
	}
	if err := c.apply(Event{Kind: EvDeviceFound, Device: d}); err != nil {
		return
	}
	c.scanCancel = nil
	slog.Info("[session] device found, awaiting confirmation", "device", d.String(), "kind", d.Kind)
	c.emit(Notification{Type: NotifyDeviceFound, Device: &d})
}

func (c *Coordinator) scanEnded(gen uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.scanGen || c.state.Phase != Scanning {
		return
	}
	c.scanCancel = nil
	err := fmt.Errorf("%w: no device found", ErrDiscoveryFailed)
	if errors.Is(cause, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: scan timed out", ErrDiscoveryFailed)
	}
	slog.Warn("[session] scan ended", "error", err)
	_ = c.apply(Event{Kind: EvScanFailed})
	c.emitError(err)
}

// stopScan drops the running scan session. Caller must hold mu.
func (c *Coordinator) stopScan() {
	c.scanGen++
	if c.scanCancel != nil {
		c.scanCancel()
		c.scanCancel = nil
	}
}

// CancelScan stops scanning or drops the device awaiting confirmation.
// It is a no-op in any other phase.
func (c *Coordinator) CancelScan() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != Scanning && c.state.Phase != AwaitingConfirmation {
		return
	}
	c.stopScan()
	_ = c.apply(Event{Kind: EvCancel})
}

// RejectConnect declines the device awaiting confirmation.
func (c *Coordinator) RejectConnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase != AwaitingConfirmation {
		return fmt.Errorf("%w: reject in %s", ErrInvalidTransition, c.state.Phase)
	}
	c.stopScan()
	return c.apply(Event{Kind: EvReject})
}

// ConfirmConnect connects to d, which must be the device awaiting
// confirmation. It blocks until the link is up or both transports failed.
func (c *Coordinator) ConfirmConnect(ctx context.Context, d transport.DeviceHandle) error {
	c.mu.Lock()
	if err := c.apply(Event{Kind: EvConfirm, Device: d}); err != nil {
		c.mu.Unlock()
		return err
	}
	c.abort = false
	c.mu.Unlock()

	slog.Info("[session] connecting", "device", d.String())
	link, kind, err := c.opts.Dialer.Dial(ctx, d)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		slog.Error("[session] connect failed", "device", d.String(), "error", err)
		_ = c.apply(Event{Kind: EvConnectFailed})
		c.emitError(err)
		return fmt.Errorf("session: connect: %w", err)
	}

	if c.abort {
		c.abort = false
		slog.Info("[session] connect aborted by disconnect", "device", d.String())
		_ = c.apply(Event{Kind: EvConnectFailed})
		go closeLink(link)
		return ErrConnectAborted
	}

	if err := c.apply(Event{Kind: EvLinkEstablished, TransportKind: kind}); err != nil {
		go closeLink(link)
		return err
	}
	c.link = link

	c.status = DefaultStatus()
	c.status.Connected = true
	c.status.DeviceName = c.state.DeviceName
	s := c.state
	c.emit(Notification{Type: NotifyConnected, State: &s})
	c.emitStatus()

	go c.receive(link)

	slog.Info("[session] connected", "device", c.state.DeviceName, "transport", kind)
	return nil
}

func closeLink(link transport.Link) {
	if err := link.Close(); err != nil {
		slog.Warn("[session] close link", "error", err)
	}
}

// receive turns the link's text chunks into status updates until the
// link closes.
func (c *Coordinator) receive(link transport.Link) {
	var splitter protocol.Splitter
	for chunk := range link.Receive() {
		for _, line := range splitter.Feed(chunk) {
			c.handleLine(link, line)
		}
	}
	c.linkClosed(link, link.Err())
}

func (c *Coordinator) handleLine(link transport.Link, line string) {
	frame := protocol.Decode(line)
	if frame.Empty() {
		slog.Debug("[session] ignoring line", "line", line)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.link != link {
		return
	}
	c.status = c.status.Apply(frame)

	rule := Rule{Limit: c.settings.AutoActivateBPMLimit, Repeat: c.opts.RepeatAutoActivate}
	if rule.Evaluate(frame, c.status) {
		slog.Info("[session] auto-activating", "bpm", c.status.BPM, "limit", rule.Limit)
		if err := c.sendLocked(protocol.Activate()); err != nil {
			slog.Warn("[session] auto-activate send failed", "error", err)
		}
	}
	c.emitStatus()
}

// linkClosed handles the end of the receive stream. A link that was
// already replaced or closed locally is ignored.
func (c *Coordinator) linkClosed(link transport.Link, cause error) {
	c.mu.Lock()
	if c.link != link {
		c.mu.Unlock()
		return
	}
	c.link = nil

	if cause == nil {
		cause = transport.ErrLinkClosed
	}
	slog.Warn("[session] link lost", "error", cause)
	_ = c.apply(Event{Kind: EvLinkLost})
	c.emitError(cause)
	c.emitStatus()
	c.mu.Unlock()

	closeLink(link)
}

// sendLocked encodes and writes cmd, then applies its echo optimistically.
// Caller must hold mu.
func (c *Coordinator) sendLocked(cmd protocol.Command) error {
	if c.state.Phase != Connected || c.link == nil {
		return ErrNotConnected
	}
	data, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	if err := c.link.Send(data); err != nil {
		slog.Warn("[session] send failed", "command", cmd.String(), "error", err)
		c.emitError(err)
		return err
	}

	slog.Debug("[session] sent", "command", cmd.String())
	c.emit(Notification{Type: NotifyCommand, Command: cmd.String()})
	if echo, ok := protocol.Echo(cmd); ok {
		c.status = c.status.Apply(echo)
	}
	return nil
}

// SendCommand sends cmd to the connected pillow. A failed write is
// returned as *transport.SendError and leaves the connection up.
func (c *Coordinator) SendCommand(cmd protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sendLocked(cmd); err != nil {
		return err
	}
	if _, ok := protocol.Echo(cmd); ok {
		c.emitStatus()
	}
	return nil
}

// UpdateSettings replaces the settings and, when connected, pushes them
// to the pillow.
func (c *Coordinator) UpdateSettings(s UserSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.settings = s
	settings := s
	c.emit(Notification{Type: NotifySettings, Settings: &settings})

	if c.state.Phase != Connected {
		return nil
	}
	var errs []error
	for _, cmd := range s.Commands() {
		if err := c.sendLocked(cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disconnect ends the connection. It is idempotent: from Idle,
// Disconnecting or Disconnected it does nothing. While scanning it acts
// like CancelScan; while connecting it makes the pending attempt close
// its link as soon as it resolves.
func (c *Coordinator) Disconnect() error {
	c.mu.Lock()

	switch c.state.Phase {
	case Scanning, AwaitingConfirmation:
		c.stopScan()
		err := c.apply(Event{Kind: EvCancel})
		c.mu.Unlock()
		return err
	case Connecting:
		c.abort = true
		c.mu.Unlock()
		return nil
	case Connected:
	default:
		c.mu.Unlock()
		return nil
	}

	if err := c.apply(Event{Kind: EvDisconnect}); err != nil {
		c.mu.Unlock()
		return err
	}
	link := c.link
	c.link = nil
	c.mu.Unlock()

	// The link is detached, so its receive loop ends without effect.
	if link != nil {
		closeLink(link)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.apply(Event{Kind: EvLinkClosed}); err != nil {
		return err
	}
	c.emitStatus()
	slog.Info("[session] disconnected")
	return nil
}

// Reset returns from Disconnected to Idle. It is a no-op when Idle.
func (c *Coordinator) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == Idle {
		return nil
	}
	return c.apply(Event{Kind: EvReset})
}

// Close disconnects and ends every subscription.
func (c *Coordinator) Close() error {
	c.CancelScan()
	err := c.Disconnect()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	return err
}
