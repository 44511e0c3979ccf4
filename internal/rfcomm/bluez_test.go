package rfcomm

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestPeersFromObjects(t *testing.T) {
	device := func(addr, alias string, uuids ...string) map[string]map[string]dbus.Variant {
		props := map[string]dbus.Variant{
			"Address": dbus.MakeVariant(addr),
			"UUIDs":   dbus.MakeVariant(uuids),
		}
		if alias != "" {
			props["Alias"] = dbus.MakeVariant(alias)
		}
		return map[string]map[string]dbus.Variant{deviceIface: props}
	}

	objects := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		"/org/bluez/hci0": {adapterIface: {"Powered": dbus.MakeVariant(true)}},
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF": device("aa:bb:cc:dd:ee:ff", "Pillow-Classic",
			"00001101-0000-1000-8000-00805F9B34FB"),
		"/org/bluez/hci0/dev_11_22_33_44_55_66": device("11:22:33:44:55:66", "Headphones",
			"0000110b-0000-1000-8000-00805f9b34fb"),
		"/org/bluez/hci1/dev_22_33_44_55_66_77": device("22:33:44:55:66:77", "Other adapter", SerialPortUUID),
		"/org/bluez/hci0/dev_33_44_55_66_77_88": device("33:44:55:66:77:88", "", SerialPortUUID),
	}

	peers := peersFromObjects("/org/bluez/hci0", objects)
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2: %+v", len(peers), peers)
	}
	if peers[0].Address != "33:44:55:66:77:88" || peers[0].Name != "" {
		t.Errorf("peers[0] = %+v", peers[0])
	}
	if peers[1].Address != "AA:BB:CC:DD:EE:FF" || peers[1].Name != "Pillow-Classic" {
		t.Errorf("peers[1] = %+v", peers[1])
	}
}

func TestPeersFromObjectsFallsBackToName(t *testing.T) {
	objects := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF": {deviceIface: {
			"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
			"Name":    dbus.MakeVariant("PILLOW"),
			"UUIDs":   dbus.MakeVariant([]string{SerialPortUUID}),
		}},
	}
	peers := peersFromObjects("/org/bluez/hci0", objects)
	if len(peers) != 1 || peers[0].Name != "PILLOW" {
		t.Errorf("peers = %+v, want one named PILLOW", peers)
	}
}
