package rfcomm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus      = "org.bluez"
	adapterIface  = "org.bluez.Adapter1"
	deviceIface   = "org.bluez.Device1"
	objectManager = "org.freedesktop.DBus.ObjectManager"

	// SerialPortUUID is the Serial Port Profile service class.
	SerialPortUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultAdapter is the BlueZ adapter used when none is configured.
	DefaultAdapter = "hci0"
)

// Peer is a classic Bluetooth device known to BlueZ.
type Peer struct {
	Address string
	Name    string
}

// BlueZ talks to the BlueZ daemon on the system bus. It discovers devices
// offering the Serial Port Profile and reports whether the adapter is usable.
type BlueZ struct {
	conn    *dbus.Conn
	adapter string
}

// Compile-time check that BlueZ implements Discoverer.
var _ Discoverer = (*BlueZ)(nil)

// NewBlueZ connects to the system bus. The connection is the shared cached
// one from dbus.SystemBus and is never closed here.
func NewBlueZ(adapter string) (*BlueZ, error) {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("rfcomm: connect to system bus: %w", err)
	}
	return &BlueZ{conn: conn, adapter: adapter}, nil
}

func (b *BlueZ) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + b.adapter)
}

// Powered reports the adapter's Powered property.
func (b *BlueZ) Powered(ctx context.Context) (bool, error) {
	var v dbus.Variant
	obj := b.conn.Object(bluezBus, b.adapterPath())
	err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, adapterIface, "Powered").Store(&v)
	if err != nil {
		return false, fmt.Errorf("rfcomm: read %s Powered: %w", b.adapter, err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rfcomm: Powered has unexpected type %T", v.Value())
	}
	return powered, nil
}

// Granted reports whether Bluetooth can be used right now: BlueZ is
// reachable and the adapter is powered.
func (b *BlueZ) Granted(ctx context.Context) bool {
	powered, err := b.Powered(ctx)
	if err != nil {
		slog.Warn("[RFCOMM] adapter unavailable", "adapter", b.adapter, "error", err)
		return false
	}
	return powered
}

// StartDiscovery starts BR/EDR inquiry restricted to SPP devices.
func (b *BlueZ) StartDiscovery() error {
	obj := b.conn.Object(bluezBus, b.adapterPath())
	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("bredr"),
		"UUIDs":     dbus.MakeVariant([]string{SerialPortUUID}),
	}
	if err := obj.Call(adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		return fmt.Errorf("rfcomm: set discovery filter: %w", err)
	}
	if err := obj.Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
		return fmt.Errorf("rfcomm: start discovery: %w", err)
	}
	return nil
}

func (b *BlueZ) StopDiscovery() error {
	obj := b.conn.Object(bluezBus, b.adapterPath())
	if err := obj.Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
		return fmt.Errorf("rfcomm: stop discovery: %w", err)
	}
	return nil
}

// Devices lists the SPP devices BlueZ currently knows about on the adapter.
func (b *BlueZ) Devices() ([]Peer, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	root := b.conn.Object(bluezBus, "/")
	if err := root.Call(objectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("rfcomm: GetManagedObjects: %w", err)
	}
	return peersFromObjects(b.adapterPath(), objects), nil
}

// peersFromObjects extracts SPP devices under adapterPath from a
// GetManagedObjects reply, ordered by path.
func peersFromObjects(adapterPath dbus.ObjectPath, objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant) []Peer {
	paths := make([]string, 0, len(objects))
	for path := range objects {
		paths = append(paths, string(path))
	}
	sort.Strings(paths)

	var peers []Peer
	for _, path := range paths {
		if !strings.HasPrefix(path, string(adapterPath)+"/") {
			continue
		}
		props, ok := objects[dbus.ObjectPath(path)][deviceIface]
		if !ok {
			continue
		}
		if !hasUUID(props, SerialPortUUID) {
			continue
		}
		addr := stringProp(props, "Address")
		if addr == "" {
			continue
		}
		name := stringProp(props, "Alias")
		if name == "" {
			name = stringProp(props, "Name")
		}
		peers = append(peers, Peer{Address: strings.ToUpper(addr), Name: name})
	}
	return peers
}

func stringProp(props map[string]dbus.Variant, key string) string {
	v, ok := props[key]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func hasUUID(props map[string]dbus.Variant, want string) bool {
	v, ok := props["UUIDs"]
	if !ok {
		return false
	}
	uuids, ok := v.Value().([]string)
	if !ok {
		return false
	}
	for _, u := range uuids {
		if strings.EqualFold(u, want) {
			return true
		}
	}
	return false
}
