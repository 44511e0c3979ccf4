package session

import (
	"errors"
	"fmt"

	"github.com/travesseiro/pillowlink/internal/transport"
)

// Phase is the connection lifecycle position.
type Phase int

const (
	Idle Phase = iota
	Scanning
	AwaitingConfirmation
	Connecting
	Connected
	Disconnecting
	Disconnected
)

var phaseNames = [...]string{
	"idle", "scanning", "awaiting_confirmation", "connecting",
	"connected", "disconnecting", "disconnected",
}

func (p Phase) String() string {
	if p < Idle || p > Disconnected {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is the connection state. Device is set while awaiting
// confirmation and while connecting; TransportKind and DeviceName are set
// while connected.
type State struct {
	Phase         Phase                   `json:"phase"`
	Device        *transport.DeviceHandle `json:"device,omitempty"`
	TransportKind transport.Kind          `json:"transport,omitempty"`
	DeviceName    string                  `json:"device_name,omitempty"`
}

func (s State) String() string {
	switch s.Phase {
	case AwaitingConfirmation, Connecting:
		if s.Device != nil {
			return fmt.Sprintf("%s(%s)", s.Phase, s.Device)
		}
	case Connected:
		return fmt.Sprintf("%s(%s via %s)", s.Phase, s.DeviceName, s.TransportKind)
	}
	return s.Phase.String()
}

// EventKind is an input to the state machine.
type EventKind int

const (
	EvStartScan EventKind = iota
	EvDeviceFound
	EvCancel
	EvScanFailed
	EvReject
	EvConfirm
	EvLinkEstablished
	EvConnectFailed
	EvDisconnect
	EvLinkClosed
	EvLinkLost
	EvReset
)

var eventNames = [...]string{
	"start_scan", "device_found", "cancel", "scan_failed", "reject", "confirm",
	"link_established", "connect_failed", "disconnect", "link_closed", "link_lost", "reset",
}

func (k EventKind) String() string {
	if k < EvStartScan || k > EvReset {
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
	return eventNames[k]
}

// Event carries the data some transitions need: the device for
// EvDeviceFound and EvConfirm, the transport for EvLinkEstablished.
type Event struct {
	Kind          EventKind
	Device        transport.DeviceHandle
	TransportKind transport.Kind
}

// ErrInvalidTransition is returned for an event the current phase does not accept.
var ErrInvalidTransition = errors.New("session: invalid transition")

// Transition returns the state that follows s on e. It has no side
// effects; s is never modified.
func Transition(s State, e Event) (State, error) {
	switch {
	case s.Phase == Idle && e.Kind == EvStartScan:
		return State{Phase: Scanning}, nil

	case s.Phase == Scanning && e.Kind == EvDeviceFound:
		d := e.Device
		return State{Phase: AwaitingConfirmation, Device: &d}, nil

	case (s.Phase == Scanning || s.Phase == AwaitingConfirmation) &&
		(e.Kind == EvCancel || e.Kind == EvScanFailed || e.Kind == EvReject):
		return State{Phase: Idle}, nil

	case s.Phase == AwaitingConfirmation && e.Kind == EvConfirm:
		if s.Device == nil || s.Device.ID != e.Device.ID {
			return s, fmt.Errorf("%w: confirm %s, awaiting %v", ErrInvalidTransition, e.Device, s.Device)
		}
		d := *s.Device
		return State{Phase: Connecting, Device: &d}, nil

	case s.Phase == Connecting && e.Kind == EvLinkEstablished:
		name := ""
		if s.Device != nil {
			name = s.Device.DisplayName()
		}
		return State{Phase: Connected, TransportKind: e.TransportKind, DeviceName: name}, nil

	case s.Phase == Connecting && e.Kind == EvConnectFailed:
		return State{Phase: Disconnected}, nil

	case s.Phase == Connected && e.Kind == EvDisconnect:
		return State{Phase: Disconnecting}, nil

	case s.Phase == Connected && e.Kind == EvLinkLost:
		return State{Phase: Disconnected}, nil

	case s.Phase == Disconnecting && e.Kind == EvLinkClosed:
		return State{Phase: Disconnected}, nil

	case s.Phase == Disconnected && e.Kind == EvReset:
		return State{Phase: Idle}, nil
	}
	return s, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, e.Kind, s.Phase)
}
