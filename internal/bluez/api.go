// Package bluez implements the link.Adapter facade on top of BlueZ's D-Bus
// API: SPP profile registration for accepting inbound RFCOMM connections,
// ConnectProfile for outbound ones, Adapter1.Powered watching for the radio
// signal, and Device1.Connected watching for link events.
//
// Thread-safety: all Adapter methods are safe for concurrent use. Close is
// idempotent; after Close every other method returns an error.
package bluez

import (
	"errors"
)

const (
	// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRFCOMMChannel is the fixed RFCOMM channel for the server-side
	// profile.
	DefaultRFCOMMChannel uint8 = 22
)

// ErrProxyUnavailable marks a failed profile/service handshake with BlueZ
// (RegisterProfile or ConnectProfile refused). It is a one-shot failure of
// the specific request, not a connection-lifecycle transition.
var ErrProxyUnavailable = errors.New("bluez: profile proxy unavailable")

// Device represents the minimum information needed to display and connect.
//
// Path is required (BlueZ Device1 object path as string). Other fields are
// optional and may be empty depending on discovery results.
type Device struct {
	Path  string // D-Bus object path, e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX
	MAC   string // Bluetooth device address
	Name  string // Device1.Name
	Alias string // Device1.Alias
}
