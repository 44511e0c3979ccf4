package ble

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/travesseiro/pillowlink/internal/transport"
)

func zeroDelayOpts() Options {
	opts := DefaultOptions()
	opts.InterChunkDelay = 0
	opts.PollInterval = 5 * time.Millisecond
	return opts
}

// recv waits for the next chunk on ch.
func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s, ok := <-ch:
		if !ok {
			t.Fatal("receive channel closed")
		}
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a chunk")
	}
	return ""
}

// waitClosed waits for ch to be closed, draining anything still buffered.
func waitClosed(t *testing.T, ch <-chan string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("receive channel was not closed")
		}
	}
}

func TestLinkPrefersNotification(t *testing.T) {
	conn := newPillowConnection()
	link, err := newLink(conn, zeroDelayOpts())
	if err != nil {
		t.Fatalf("newLink() error = %v", err)
	}
	defer link.Close()

	if link.Polling() {
		t.Error("link should use notifications when available")
	}
	if conn.service != DefaultServiceUUID {
		t.Errorf("discovered service %q, want %q", conn.service, DefaultServiceUUID)
	}

	conn.chars[0].SimulateNotification([]byte("BPM:72;BAT:80"))
	if got := recv(t, link.Receive()); got != "BPM:72;BAT:80\n" {
		t.Errorf("received %q, want %q", got, "BPM:72;BAT:80\n")
	}

	if err := link.Send([]byte("ACTIVATE\n")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	writes := conn.chars[1].written()
	if len(writes) != 1 || string(writes[0]) != "ACTIVATE\n" {
		t.Errorf("writes to command characteristic = %q", writes)
	}
	if len(conn.chars[0].written()) != 0 {
		t.Error("telemetry characteristic should not be written")
	}
}

func TestLinkNotificationAlreadyTerminated(t *testing.T) {
	conn := newPillowConnection()
	link, err := newLink(conn, zeroDelayOpts())
	if err != nil {
		t.Fatalf("newLink() error = %v", err)
	}
	defer link.Close()

	conn.chars[0].SimulateNotification([]byte("   "))
	conn.chars[0].SimulateNotification([]byte("STATUS:ACTIVE\n"))
	if got := recv(t, link.Receive()); got != "STATUS:ACTIVE\n" {
		t.Errorf("received %q, want blank frames skipped and no double terminator", got)
	}
}

func TestLinkLineFramedPassesChunksThrough(t *testing.T) {
	conn := newPillowConnection()
	opts := zeroDelayOpts()
	opts.LineFramed = true
	link, err := newLink(conn, opts)
	if err != nil {
		t.Fatalf("newLink() error = %v", err)
	}
	defer link.Close()

	line := "BPM:72;BAT:80;STATUS:ACTIVE;INTENSITY:65\n"
	var chunks []string
	for rest := line; rest != ""; {
		n := min(len(rest), 20)
		chunks = append(chunks, rest[:n])
		rest = rest[n:]
	}
	for _, c := range chunks {
		conn.chars[0].SimulateNotification([]byte(c))
	}

	var got strings.Builder
	for range chunks {
		got.WriteString(recv(t, link.Receive()))
	}
	if got.String() != line {
		t.Errorf("reassembled %q, want %q", got.String(), line)
	}
}

func TestLinkWriteCharacteristicOverride(t *testing.T) {
	conn := newPillowConnection()
	override := &mockCharacteristic{uuid: "0000ffe2-0000-1000-8000-00805f9b34fb"}
	conn.chars = append(conn.chars, override)

	opts := zeroDelayOpts()
	opts.WriteCharUUID = "0000FFE2-0000-1000-8000-00805F9B34FB"
	link, err := newLink(conn, opts)
	if err != nil {
		t.Fatalf("newLink() error = %v", err)
	}
	defer link.Close()

	if err := link.Send([]byte("DEACTIVATE\n")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(override.written()) != 1 {
		t.Errorf("override characteristic got %d writes, want 1", len(override.written()))
	}
	if len(conn.chars[1].written()) != 0 {
		t.Error("default writer should be unused when an override is configured")
	}
}

func TestLinkSingleCharacteristicWritesInbound(t *testing.T) {
	rx := &mockCharacteristic{uuid: HeartRateCharUUID, notify: true}
	conn := &mockConnection{chars: []*mockCharacteristic{rx}}

	link, err := newLink(conn, zeroDelayOpts())
	if err != nil {
		t.Fatalf("newLink() error = %v", err)
	}
	defer link.Close()

	if err := link.Send([]byte("SENS:40\n")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(rx.written()) != 1 {
		t.Errorf("inbound characteristic got %d writes, want 1", len(rx.written()))
	}
}

func TestLinkFallsBackToPolling(t *testing.T) {
	rx := &mockCharacteristic{uuid: HeartRateCharUUID, readable: true, value: []byte("BPM:60")}
	tx := &mockCharacteristic{uuid: "0000ffe1-0000-1000-8000-00805f9b34fb"}
	conn := &mockConnection{chars: []*mockCharacteristic{tx, rx}}

	link, err := newLink(conn, zeroDelayOpts())
	if err != nil {
		t.Fatalf("newLink() error = %v", err)
	}
	defer link.Close()

	if !link.Polling() {
		t.Fatal("link should poll when nothing is notifiable")
	}
	if got := recv(t, link.Receive()); got != "BPM:60\n" {
		t.Errorf("first poll = %q, want %q", got, "BPM:60\n")
	}

	// Unchanged values are suppressed, so the next chunk is the new value.
	time.Sleep(20 * time.Millisecond)
	rx.setValue("BPM:61")
	if got := recv(t, link.Receive()); got != "BPM:61\n" {
		t.Errorf("next poll = %q, want %q", got, "BPM:61\n")
	}

	if err := link.Send([]byte("ACTIVATE\n")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(tx.written()) != 1 {
		t.Errorf("writer got %d writes, want 1", len(tx.written()))
	}
}

func TestLinkPollReadErrorClosesLink(t *testing.T) {
	rx := &mockCharacteristic{uuid: HeartRateCharUUID, readable: true, value: []byte("BPM:60")}
	conn := &mockConnection{chars: []*mockCharacteristic{rx}}

	link, err := newLink(conn, zeroDelayOpts())
	if err != nil {
		t.Fatalf("newLink() error = %v", err)
	}
	defer link.Close()

	recv(t, link.Receive())
	rx.setReadErr(errors.New("att: read failed"))
	waitClosed(t, link.Receive())

	if !errors.Is(link.Err(), transport.ErrLinkClosed) {
		t.Errorf("Err() = %v, want ErrLinkClosed", link.Err())
	}
}

func TestLinkNoUsableCharacteristic(t *testing.T) {
	conn := &mockConnection{chars: []*mockCharacteristic{{uuid: "0000ffe1-0000-1000-8000-00805f9b34fb"}}}
	_, err := newLink(conn, zeroDelayOpts())
	if !errors.Is(err, errNoInbound) {
		t.Errorf("newLink() error = %v, want errNoInbound", err)
	}
}

func TestLinkSendChunks(t *testing.T) {
	conn := newPillowConnection()
	opts := zeroDelayOpts()
	opts.ChunkSize = 4
	link, err := newLink(conn, opts)
	if err != nil {
		t.Fatalf("newLink() error = %v", err)
	}
	defer link.Close()

	if err := link.Send([]byte("MODE:Circular\n")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	writes := conn.chars[1].written()
	if len(writes) != 4 {
		t.Fatalf("got %d writes, want 4", len(writes))
	}
	var joined strings.Builder
	for _, w := range writes {
		if len(w) > 4 {
			t.Errorf("write of %d bytes exceeds chunk size", len(w))
		}
		joined.Write(w)
	}
	if joined.String() != "MODE:Circular\n" {
		t.Errorf("reassembled %q", joined.String())
	}
}

func TestLinkSendErrorKeepsLink(t *testing.T) {
	conn := newPillowConnection()
	conn.chars[1].writeErr = errors.New("att: write failed")
	link, err := newLink(conn, zeroDelayOpts())
	if err != nil {
		t.Fatalf("newLink() error = %v", err)
	}
	defer link.Close()

	err = link.Send([]byte("ACTIVATE\n"))
	var se *transport.SendError
	if !errors.As(err, &se) || se.Kind != transport.KindLowEnergy {
		t.Fatalf("Send() error = %v, want *SendError", err)
	}

	conn.chars[0].SimulateNotification([]byte("BPM:70"))
	if got := recv(t, link.Receive()); got != "BPM:70\n" {
		t.Errorf("link should keep receiving after a failed write, got %q", got)
	}
}

func TestLinkPeripheralDisconnect(t *testing.T) {
	conn := newPillowConnection()
	link, err := newLink(conn, zeroDelayOpts())
	if err != nil {
		t.Fatalf("newLink() error = %v", err)
	}
	defer link.Close()

	conn.SimulateDisconnect()
	waitClosed(t, link.Receive())
	if !errors.Is(link.Err(), transport.ErrLinkClosed) {
		t.Errorf("Err() = %v, want ErrLinkClosed", link.Err())
	}
}

func TestLinkCloseIdempotent(t *testing.T) {
	conn := newPillowConnection()
	link, err := newLink(conn, zeroDelayOpts())
	if err != nil {
		t.Fatalf("newLink() error = %v", err)
	}

	if err := link.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if !conn.isDisconnected() {
		t.Error("Close() should disconnect the peripheral")
	}
	waitClosed(t, link.Receive())
	if link.Err() != nil {
		t.Errorf("Err() after local Close = %v, want nil", link.Err())
	}

	// A late disconnect callback must not change the close reason.
	conn.SimulateDisconnect()
	if link.Err() != nil {
		t.Errorf("Err() after late disconnect = %v, want nil", link.Err())
	}

	var se *transport.SendError
	if err := link.Send([]byte("ACTIVATE\n")); !errors.As(err, &se) {
		t.Errorf("Send() after Close = %v, want *SendError", err)
	}
}
