package bluez

import (
	"strings"

	dbus "github.com/godbus/dbus/v5"

	"btlink/internal/link"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

// Peer converts the device to the identity the link layer tracks.
func (d Device) Peer() link.Peer {
	name := d.Name
	if name == "" {
		name = d.Alias
	}
	return link.Peer{ID: d.MAC, Name: name}
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	return deviceFromProps(path, props), true
}

func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) Device {
	d := Device{Path: string(path)}
	if v, ok := props["Address"]; ok {
		d.MAC, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		d.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		d.Alias, _ = v.Value().(string)
	}
	if d.MAC == "" {
		d.MAC = macFromPath(path)
	}
	return d
}

func hasUUID(props map[string]dbus.Variant, target string) bool {
	v, ok := props["UUIDs"]
	if !ok {
		return false
	}
	uu, _ := v.Value().([]string)
	for _, s := range uu {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}

func boolProp(props map[string]dbus.Variant, name string) bool {
	v, ok := props[name]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	mac := s[idx+5:]
	mac = strings.ReplaceAll(mac, "_", ":")
	return mac
}

// peerFromPath derives the peer identity available without a D-Bus round
// trip: the MAC encoded in the object path.
func peerFromPath(p dbus.ObjectPath) link.Peer {
	return link.Peer{ID: macFromPath(p)}
}
