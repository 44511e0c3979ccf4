package ble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/travesseiro/pillowlink/internal/transport"
)

func collect(t *testing.T, ch <-chan transport.DeviceHandle) []transport.DeviceHandle {
	t.Helper()
	var got []transport.DeviceHandle
	deadline := time.After(2 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, d)
		case <-deadline:
			t.Fatal("discovery channel was not closed")
		}
	}
}

func TestTransportDiscoverDedupes(t *testing.T) {
	adapter := newMockAdapter([]Device{
		{Name: "Pillow-01", MAC: "AA:BB:CC:DD:EE:FF", RSSI: -45},
		{Name: "Pillow-01", MAC: "AA:BB:CC:DD:EE:FF", RSSI: -44},
		{Name: "", MAC: "11:22:33:44:55:66", RSSI: -80},
	})
	tr := NewTransport(adapter, Options{})

	ch, err := tr.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	got := collect(t, ch)

	if len(got) != 2 {
		t.Fatalf("got %d devices, want 2: %v", len(got), got)
	}
	if got[0].ID != "AA:BB:CC:DD:EE:FF" || got[0].Name != "Pillow-01" {
		t.Errorf("first device = %+v", got[0])
	}
	if got[1].DisplayName() != "11:22:33:44:55:66" {
		t.Errorf("unnamed device DisplayName() = %q", got[1].DisplayName())
	}
	for _, d := range got {
		if d.Kind != transport.KindLowEnergy {
			t.Errorf("Kind = %q, want %q", d.Kind, transport.KindLowEnergy)
		}
	}
	if adapter.scanService != DefaultServiceUUID {
		t.Errorf("scanned for %q, want %q", adapter.scanService, DefaultServiceUUID)
	}
}

func TestTransportDiscoverSingleSession(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.holdScan = true
	tr := NewTransport(adapter, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	first, err := tr.Discover(ctx)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	second, err := tr.Discover(context.Background())
	if err != nil {
		t.Fatalf("second Discover() error = %v", err)
	}
	if first != second {
		t.Error("second Discover() should return the running session")
	}

	cancel()
	collect(t, first)
	if n := adapter.scanCount(); n != 1 {
		t.Errorf("adapter scanned %d times, want 1", n)
	}

	// A finished session can be followed by a new one.
	adapter.holdScan = false
	third, err := tr.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() after session end error = %v", err)
	}
	collect(t, third)
	if n := adapter.scanCount(); n != 2 {
		t.Errorf("adapter scanned %d times, want 2", n)
	}
}

func TestTransportDiscoverEnableFailure(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.enableErr = errors.New("adapter powered off")
	tr := NewTransport(adapter, Options{})

	if _, err := tr.Discover(context.Background()); err == nil {
		t.Fatal("Discover() should fail when the adapter cannot be enabled")
	}
}

func TestTransportConnect(t *testing.T) {
	adapter := newMockAdapter(nil)
	tr := NewTransport(adapter, zeroDelayOpts())

	link, err := tr.Connect(context.Background(), transport.DeviceHandle{ID: "AA:BB:CC:DD:EE:FF", Kind: transport.KindLowEnergy})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer link.Close()

	adapter.connection.chars[0].SimulateNotification([]byte("STATUS:ACTIVE"))
	if got := recv(t, link.Receive()); got != "STATUS:ACTIVE\n" {
		t.Errorf("received %q", got)
	}
}

func TestTransportConnectErrors(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(a *mockAdapter)
		handle transport.DeviceHandle
		want   transport.ConnectReason
	}{
		{
			name:  "timeout",
			setup: func(a *mockAdapter) { a.hang = true },
			want:  transport.Timeout,
		},
		{
			name:  "rejected",
			setup: func(a *mockAdapter) { a.connectErr = errors.New("connection refused") },
			want:  transport.Rejected,
		},
		{
			name:  "adapter unavailable",
			setup: func(a *mockAdapter) { a.enableErr = errors.New("no adapter") },
			want:  transport.Unsupported,
		},
		{
			name: "no telemetry characteristic",
			setup: func(a *mockAdapter) {
				a.connection = &mockConnection{chars: []*mockCharacteristic{{uuid: "0000ffe1-0000-1000-8000-00805f9b34fb"}}}
			},
			want: transport.Unsupported,
		},
		{
			name:  "discovery failure",
			setup: func(a *mockAdapter) { a.connection.discoverErr = errors.New("gatt: timeout") },
			want:  transport.Rejected,
		},
		{
			name:   "demo handle",
			setup:  func(a *mockAdapter) {},
			handle: transport.DeviceHandle{ID: "demo", Kind: transport.KindDemo},
			want:   transport.Unsupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newMockAdapter(nil)
			tt.setup(adapter)
			opts := zeroDelayOpts()
			opts.ConnectTimeout = 20 * time.Millisecond
			tr := NewTransport(adapter, opts)

			handle := tt.handle
			if handle.ID == "" {
				handle = transport.DeviceHandle{ID: "AA:BB:CC:DD:EE:FF", Kind: transport.KindLowEnergy}
			}
			_, err := tr.Connect(context.Background(), handle)

			var ce *transport.ConnectError
			if !errors.As(err, &ce) {
				t.Fatalf("Connect() error = %v, want *ConnectError", err)
			}
			if ce.Reason != tt.want {
				t.Errorf("Reason = %s, want %s", ce.Reason, tt.want)
			}
			if ce.Kind != transport.KindLowEnergy {
				t.Errorf("Kind = %s, want %s", ce.Kind, transport.KindLowEnergy)
			}
		})
	}
}

func TestTransportConnectDisconnectsOnSetupFailure(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connection = &mockConnection{chars: []*mockCharacteristic{{uuid: "0000ffe1-0000-1000-8000-00805f9b34fb"}}}
	tr := NewTransport(adapter, zeroDelayOpts())

	if _, err := tr.Connect(context.Background(), transport.DeviceHandle{ID: "AA:BB:CC:DD:EE:FF"}); err == nil {
		t.Fatal("Connect() should fail")
	}
	if !adapter.connection.isDisconnected() {
		t.Error("a half-set-up connection should be disconnected")
	}
}
