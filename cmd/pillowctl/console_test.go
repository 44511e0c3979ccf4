package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/travesseiro/pillowlink/internal/demo"
	"github.com/travesseiro/pillowlink/internal/session"
	"github.com/travesseiro/pillowlink/internal/transport"
)

// syncBuffer is a bytes.Buffer safe for the console and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newDemoCoordinator(t *testing.T) *session.Coordinator {
	t.Helper()
	pillow := demo.NewTransport(demo.Options{Interval: 10 * time.Millisecond, Seed: 1})
	coord := session.New(session.Options{
		Scanners: []transport.Transport{pillow},
		Dialer:   session.Dialer{Primary: pillow},
		Settings: session.DefaultSettings(),
	})
	t.Cleanup(func() { coord.Close() })
	return coord
}

// pump feeds notifications to con until cond holds.
func pump(t *testing.T, con *console, notes <-chan session.Notification, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case n := <-notes:
			con.handleNotification(n)
		case <-deadline:
			t.Fatal("timed out pumping notifications")
		}
	}
}

func TestConsolePromptConfirms(t *testing.T) {
	coord := newDemoCoordinator(t)
	notes, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	out := &syncBuffer{}
	con := newConsole(coord, out, true)
	ctx := context.Background()

	if quit := con.handleLine(ctx, "scan"); quit {
		t.Fatal("scan should not quit")
	}
	pump(t, con, notes, func() bool { return con.pending != nil })
	if !strings.Contains(out.String(), "Connect? [y/N]") {
		t.Errorf("output = %q, want a connect prompt", out.String())
	}

	con.handleLine(ctx, "y")
	pump(t, con, notes, func() bool { return coord.State().Phase == session.Connected })
	pump(t, con, notes, func() bool { return strings.Contains(out.String(), "Connected to") })

	con.handleLine(ctx, "ACTIVATE")
	if !coord.CurrentStatus().Active {
		t.Error("typed ACTIVATE should activate the pillow")
	}

	con.handleLine(ctx, "disconnect")
	pump(t, con, notes, func() bool { return strings.Contains(out.String(), "Disconnected") })
}

func TestConsolePromptRejects(t *testing.T) {
	coord := newDemoCoordinator(t)
	notes, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	con := newConsole(coord, &syncBuffer{}, true)
	ctx := context.Background()

	con.handleLine(ctx, "scan")
	pump(t, con, notes, func() bool { return con.pending != nil })

	con.handleLine(ctx, "n")
	if got := coord.State().Phase; got != session.Idle {
		t.Errorf("phase after rejecting = %s, want idle", got)
	}
}

func TestConsoleLines(t *testing.T) {
	coord := newDemoCoordinator(t)
	out := &syncBuffer{}
	con := newConsole(coord, out, true)
	ctx := context.Background()

	if con.handleLine(ctx, "") {
		t.Error("empty line should not quit")
	}
	con.handleLine(ctx, "ACTIVATE")
	if !strings.Contains(out.String(), "not connected") {
		t.Errorf("output = %q, want a not connected error", out.String())
	}
	con.handleLine(ctx, "BOGUS")
	if !strings.Contains(out.String(), "invalid command") {
		t.Errorf("output = %q, want an invalid command error", out.String())
	}
	for _, q := range []string{"quit", "EXIT", " q "} {
		if !con.handleLine(ctx, q) {
			t.Errorf("handleLine(%q) should quit", q)
		}
	}
}

func TestReadLines(t *testing.T) {
	var got []string
	for line := range readLines(strings.NewReader("scan\ny\n")) {
		got = append(got, line)
	}
	if len(got) != 2 || got[0] != "scan" || got[1] != "y" {
		t.Errorf("readLines() = %q", got)
	}
}
