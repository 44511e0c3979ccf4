package session

import (
	"context"
	"errors"

	"github.com/travesseiro/pillowlink/internal/transport"
)

var (
	// ErrPermissionDenied is returned when the platform does not allow
	// Bluetooth use. The caller must ask again.
	ErrPermissionDenied = errors.New("session: bluetooth permission denied")
	// ErrDiscoveryFailed is returned or notified when scanning could not
	// start or ended without finding a device.
	ErrDiscoveryFailed = errors.New("session: discovery failed")
	// ErrNotConnected is returned by commands issued without a connection.
	ErrNotConnected = errors.New("session: not connected")
	// ErrConnectAborted is returned by ConfirmConnect when Disconnect was
	// called while the connection was being established.
	ErrConnectAborted = errors.New("session: connect aborted")
)

// Capability answers whether Bluetooth may be used right now.
type Capability interface {
	Granted(ctx context.Context) bool
}

// AlwaysGranted is a Capability for platforms without a permission model.
type AlwaysGranted struct{}

func (AlwaysGranted) Granted(context.Context) bool { return true }

// NotificationType classifies a Notification.
type NotificationType string

const (
	NotifyState        NotificationType = "state"
	NotifyStatus       NotificationType = "status"
	NotifyDeviceFound  NotificationType = "device_found"
	NotifyConnected    NotificationType = "connected"
	NotifyDisconnected NotificationType = "disconnected"
	NotifyCommand      NotificationType = "command"
	NotifySettings     NotificationType = "settings"
	NotifyError        NotificationType = "error"
)

// Notification is one event on the subscription stream. Only the fields
// relevant to Type are set.
type Notification struct {
	Type     NotificationType        `json:"type"`
	State    *State                  `json:"state,omitempty"`
	Status   *PillowStatus           `json:"status,omitempty"`
	Device   *transport.DeviceHandle `json:"device,omitempty"`
	Settings *UserSettings           `json:"settings,omitempty"`
	Command  string                  `json:"command,omitempty"`
	Error    string                  `json:"error,omitempty"`

	Err error `json:"-"`
}
