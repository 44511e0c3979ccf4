package ble

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/travesseiro/pillowlink/internal/protocol"
	"github.com/travesseiro/pillowlink/internal/transport"
)

// errNoInbound is returned when no characteristic can be subscribed to or read.
var errNoInbound = errors.New("ble: no notifiable or readable characteristic")

// Link is an established Low-Energy link. Inbound telemetry arrives either
// through notifications or, when the peripheral offers none, by polling a
// readable characteristic.
type Link struct {
	conn    Connection
	rx      Characteristic
	tx      Characteristic
	polling bool
	opts    Options

	inbox *transport.Inbox

	writeMu   sync.Mutex // serializes chunked writes
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Compile-time check that Link implements transport.Link.
var _ transport.Link = (*Link)(nil)

// newLink selects the inbound and outbound characteristics on conn and
// starts delivering telemetry.
func newLink(conn Connection, opts Options) (*Link, error) {
	chars, err := conn.DiscoverCharacteristics(opts.ServiceUUID)
	if err != nil {
		return nil, err
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: service %s has no characteristics", opts.ServiceUUID)
	}

	l := &Link{
		conn:  conn,
		opts:  opts,
		inbox: transport.NewInbox(transport.DefaultInboxSize),
	}

	for _, c := range chars {
		if err := c.Subscribe(l.notify); err == nil {
			l.rx = c
			break
		}
	}

	var initial []byte
	if l.rx == nil {
		for _, c := range chars {
			v, err := c.Read()
			if err == nil {
				l.rx = c
				l.polling = true
				initial = v
				break
			}
		}
	}
	if l.rx == nil {
		return nil, errNoInbound
	}
	l.tx = pickWriter(chars, l.rx, opts.WriteCharUUID)

	conn.OnDisconnect(func() {
		if l.inbox.Close(transport.ErrLinkClosed) {
			slog.Warn("[BLE] peripheral disconnected")
		}
	})

	if l.polling {
		slog.Info("[BLE] no notifiable characteristic, polling", "char", l.rx.UUID(), "interval", opts.PollInterval)
		l.wg.Add(1)
		go l.poll(initial)
	}

	slog.Debug("[BLE] characteristics selected", "rx", l.rx.UUID(), "tx", l.tx.UUID(), "polling", l.polling)
	return l, nil
}

// pickWriter returns the characteristic matching want, else the first one
// that is not rx, else rx itself.
func pickWriter(chars []Characteristic, rx Characteristic, want string) Characteristic {
	if want != "" {
		for _, c := range chars {
			if strings.EqualFold(c.UUID(), want) {
				return c
			}
		}
	}
	for _, c := range chars {
		if c != rx {
			return c
		}
	}
	return rx
}

// notify handles one notification.
func (l *Link) notify(data []byte) {
	if !l.opts.LineFramed {
		l.deliver(data)
		return
	}
	l.push(strings.TrimRight(string(data), "\x00"))
}

// deliver queues one notification or read value as a single frame.
func (l *Link) deliver(data []byte) {
	frame := strings.TrimRight(string(data), "\x00")
	if strings.TrimSpace(frame) == "" {
		return
	}
	if !strings.HasSuffix(frame, "\n") {
		frame += "\n"
	}
	l.push(frame)
}

func (l *Link) push(chunk string) {
	if chunk == "" {
		return
	}
	if !l.inbox.Push(chunk) && !l.inbox.Closed() {
		slog.Warn("[BLE] inbox full, dropping chunk")
	}
}

// poll reads rx every PollInterval until the link closes. Identical
// consecutive values are reported once.
func (l *Link) poll(initial []byte) {
	defer l.wg.Done()

	l.deliver(initial)
	last := initial

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.inbox.Done():
			return
		case <-ticker.C:
		}

		v, err := l.rx.Read()
		if err != nil {
			if l.inbox.Close(fmt.Errorf("%w: read: %v", transport.ErrLinkClosed, err)) {
				slog.Warn("[BLE] poll read failed", "error", err)
			}
			return
		}
		if bytes.Equal(v, last) {
			continue
		}
		last = v
		l.deliver(v)
	}
}

// Send writes one encoded command to the outbound characteristic in
// MTU-sized chunks. Safe for concurrent use.
func (l *Link) Send(data []byte) error {
	if l.inbox.Closed() {
		return &transport.SendError{Kind: transport.KindLowEnergy, Err: transport.ErrLinkClosed}
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	chunks := protocol.ChunkLine(data, l.opts.ChunkSize)
	for i, chunk := range chunks {
		if err := l.tx.Write(chunk); err != nil {
			return &transport.SendError{Kind: transport.KindLowEnergy, Err: err}
		}
		// Small delay between chunks so the peripheral's buffer keeps up
		if i < len(chunks)-1 && l.opts.InterChunkDelay > 0 {
			time.Sleep(l.opts.InterChunkDelay)
		}
	}
	return nil
}

func (l *Link) Receive() <-chan string { return l.inbox.C() }

func (l *Link) Err() error { return l.inbox.Err() }

// Polling reports whether inbound data is read by polling.
func (l *Link) Polling() bool { return l.polling }

// Close disconnects from the peripheral and waits for the poll loop to exit.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.inbox.Close(nil)
		if derr := l.conn.Disconnect(); derr != nil {
			err = fmt.Errorf("ble: disconnect: %w", derr)
		}
		l.wg.Wait()
	})
	return err
}
