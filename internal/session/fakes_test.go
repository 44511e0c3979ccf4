package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/travesseiro/pillowlink/internal/transport"
)

// fakeLink is an in-memory transport.Link. The test plays the device with
// deliver and hangup.
type fakeLink struct {
	inbox *transport.Inbox

	mu      sync.Mutex
	sends   []string
	sendErr error
	closes  int
}

func newFakeLink() *fakeLink {
	return &fakeLink{inbox: transport.NewInbox(16)}
}

func (l *fakeLink) Send(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return &transport.SendError{Kind: transport.KindLowEnergy, Err: l.sendErr}
	}
	l.sends = append(l.sends, string(data))
	return nil
}

func (l *fakeLink) Receive() <-chan string { return l.inbox.C() }

func (l *fakeLink) Err() error { return l.inbox.Err() }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closes++
	l.mu.Unlock()
	l.inbox.Close(nil)
	return nil
}

func (l *fakeLink) deliver(chunk string) { l.inbox.Push(chunk) }

func (l *fakeLink) hangup() { l.inbox.Close(transport.ErrLinkClosed) }

func (l *fakeLink) setSendErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

func (l *fakeLink) sent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sends...)
}

func (l *fakeLink) closeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

// fakeTransport discovers a fixed device list and connects to link.
type fakeTransport struct {
	kind        transport.Kind
	devices     []transport.DeviceHandle
	discoverErr error
	holdScan    bool // keep the stream open until ctx is cancelled
	connectErr  error
	link        *fakeLink
	gate        chan struct{} // when set, Connect waits for it to close

	mu       sync.Mutex
	connects int
}

func newFakeTransport(kind transport.Kind) *fakeTransport {
	return &fakeTransport{kind: kind, link: newFakeLink()}
}

func (t *fakeTransport) Kind() transport.Kind { return t.kind }

func (t *fakeTransport) Discover(ctx context.Context) (<-chan transport.DeviceHandle, error) {
	if t.discoverErr != nil {
		return nil, t.discoverErr
	}
	out := make(chan transport.DeviceHandle, len(t.devices))
	for _, d := range t.devices {
		out <- d
	}
	go func() {
		if t.holdScan {
			<-ctx.Done()
		}
		close(out)
	}()
	return out, nil
}

func (t *fakeTransport) Connect(ctx context.Context, _ transport.DeviceHandle) (transport.Link, error) {
	t.mu.Lock()
	t.connects++
	t.mu.Unlock()

	if t.gate != nil {
		<-t.gate
	}
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	return t.link, nil
}

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

type denyCapability struct{}

func (denyCapability) Granted(context.Context) bool { return false }

var pillow = transport.DeviceHandle{ID: "AA:BB:CC:DD:EE:FF", Name: "Pillow-01", Kind: transport.KindLowEnergy}

// waitFor reads notifications until one of type typ arrives.
func waitFor(t *testing.T, ch <-chan Notification, typ NotificationType) Notification {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", typ)
			}
			if n.Type == typ {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s notification", typ)
		}
	}
}

// drainNotifications returns everything buffered on ch right now.
func drainNotifications(ch <-chan Notification) []Notification {
	var out []Notification
	for {
		select {
		case n := <-ch:
			out = append(out, n)
		default:
			return out
		}
	}
}

// waitUntil polls cond until it holds.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting until %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

var errBoom = errors.New("boom")
