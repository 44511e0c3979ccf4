// Package transport defines the contract shared by the pillow's two link
// variants: Low-Energy (GATT characteristics) and Serial-Socket (an RFCOMM
// byte stream). The session layer drives both through these interfaces and
// never touches a platform primitive directly.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Kind names a transport variant.
type Kind string

const (
	KindLowEnergy Kind = "low-energy"
	KindSerial    Kind = "serial-socket"
	KindDemo      Kind = "demo"
)

// DeviceHandle identifies a discovered peer. It is a value and never
// changes after discovery.
type DeviceHandle struct {
	ID   string `json:"id"`   // MAC address, CoreBluetooth UUID, or port path
	Name string `json:"name"` // advertised name, may be empty
	Kind Kind   `json:"kind"` // variant that discovered it
}

// DisplayName returns the advertised name, or the ID when there is none.
func (d DeviceHandle) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

func (d DeviceHandle) String() string {
	if d.Name == "" {
		return d.ID
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.ID)
}

// Transport is one link variant.
type Transport interface {
	// Kind reports which variant this is.
	Kind() Kind
	// Discover streams discovered peers until ctx is cancelled, then closes
	// the channel. Only one discovery session runs per Transport: calling
	// Discover while a session is active returns the running session's
	// channel and starts nothing new.
	Discover(ctx context.Context) (<-chan DeviceHandle, error)
	// Connect establishes a link to d. Failures are *ConnectError.
	Connect(ctx context.Context, d DeviceHandle) (Link, error)
}

// Link is an established channel to the connected device.
type Link interface {
	// Send writes one encoded command. Failures are *SendError and do not
	// close the link.
	Send(data []byte) error
	// Receive returns the inbound text stream. The channel is closed exactly
	// once, when the link closes for any reason; it cannot be restarted.
	Receive() <-chan string
	// Err reports why Receive was closed: nil after a local Close,
	// ErrLinkClosed (possibly wrapped) after a remote drop or read error.
	Err() error
	// Close tears the link down and waits for its read task to exit.
	// Closing an already closed link is a no-op.
	Close() error
}

// ErrLinkClosed marks an unexpected end of the inbound stream.
var ErrLinkClosed = errors.New("transport: link closed")

// ConnectReason classifies a failed connect.
type ConnectReason int

const (
	// Unsupported: this variant cannot reach the device at all.
	Unsupported ConnectReason = iota
	// Timeout: the handshake did not finish in time.
	Timeout
	// Rejected: the device or platform refused the connection.
	Rejected
)

func (r ConnectReason) String() string {
	switch r {
	case Unsupported:
		return "unsupported"
	case Timeout:
		return "timeout"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("ConnectReason(%d)", int(r))
	}
}

// ConnectError is returned by Transport.Connect.
type ConnectError struct {
	Kind   Kind
	Reason ConnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s connect: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s connect: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// NewConnectError builds a ConnectError, classifying context expiry as a
// Timeout regardless of the reason the caller guessed.
func NewConnectError(kind Kind, reason ConnectReason, err error) *ConnectError {
	if errors.Is(err, context.DeadlineExceeded) {
		reason = Timeout
	}
	return &ConnectError{Kind: kind, Reason: reason, Err: err}
}

// IsConnectReason reports whether err is a ConnectError with the given reason.
func IsConnectReason(err error, reason ConnectReason) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.Reason == reason
}

// SendError is returned by Link.Send.
type SendError struct {
	Kind Kind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s send: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
