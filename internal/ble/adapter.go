// Package ble provides the Low-Energy transport for the pillow. It scans for
// peripherals advertising the pillow service, connects, picks a notifiable
// (or pollable) characteristic for telemetry and a writable one for
// commands, and exposes the result as a transport.Link.
package ble

import "context"

// Pillow GATT defaults. The firmware advertises the standard Heart Rate
// service and exposes its telemetry/command characteristics inside it.
const (
	DefaultServiceUUID = "0000180d-0000-1000-8000-00805f9b34fb"
	HeartRateCharUUID  = "00002a37-0000-1000-8000-00805f9b34fb"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic UUID in canonical string form.
	UUID() string
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Read returns the characteristic's current value.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	// It fails if the characteristic does not support notifications.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string // on macOS this is the CoreBluetooth peripheral UUID
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristics lists the characteristics of the service with
	// the given UUID, or of the first service when that one is absent.
	DiscoverCharacteristics(serviceUUID string) ([]Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports peripherals advertising serviceUUID (all peripherals when
	// empty) to found, until ctx is cancelled. found may be called from
	// another goroutine.
	Scan(ctx context.Context, serviceUUID string, found func(Device)) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
