// Package link runs the connection lifecycle over one wireless duplex
// socket: arbitration between listening for an inbound peer and dialing out,
// reaction to radio and link-layer events, and a single coherent
// connection-state signal for consumers.
//
// The package consumes the platform through the Adapter interface only;
// internal/bluez provides the BlueZ implementation on Linux.
package link

import (
	"context"
	"errors"

	"btlink/internal/mux"
)

// ErrPermissionDenied is returned by Connect when the platform reports
// missing authorizations. It is the only connection failure surfaced as a
// plain error; everything else is observed through the state signal.
var ErrPermissionDenied = errors.New("link: permission denied")

// Peer identifies a remote device.
type Peer struct {
	ID   string // stable transport address, e.g. the Bluetooth MAC
	Name string // optional display name
}

// StatusKind enumerates the connection states a Manager publishes.
type StatusKind int

const (
	StatusDisconnected StatusKind = iota
	StatusWaiting                 // listening for an inbound connection
	StatusConnected
	StatusError
)

func (k StatusKind) String() string {
	switch k {
	case StatusDisconnected:
		return "disconnected"
	case StatusWaiting:
		return "waiting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Status is one published connection state. Peer is set for StatusConnected
// and for the disconnection that ends a bound connection; it is zero
// otherwise. Subscribers never observe two equal consecutive Status values.
type Status struct {
	Kind StatusKind
	Peer Peer
}

func statusEqual(a, b Status) bool { return a == b }

// LinkEventKind enumerates link-layer notifications. These arrive from the
// platform independently of, and possibly out of order with, the socket's
// own lifecycle.
type LinkEventKind int

const (
	LinkConnected LinkEventKind = iota
	LinkDisconnectRequested
	LinkDisconnected
)

func (k LinkEventKind) String() string {
	switch k {
	case LinkConnected:
		return "connected"
	case LinkDisconnectRequested:
		return "disconnect-requested"
	case LinkDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// LinkEvent is one link-layer connect/disconnect notification.
type LinkEvent struct {
	Kind LinkEventKind
	Peer Peer
}

// Adapter is the platform facade the Manager drives. Implementations must
// deliver events in arrival order but owe no ordering between the event
// channels and socket-producing calls.
type Adapter interface {
	// RadioEnabled returns the current radio power state and a channel of
	// subsequent changes. The channel closes when ctx is done or the
	// adapter shuts down.
	RadioEnabled(ctx context.Context) (bool, <-chan bool, error)

	// LinkEvents returns the link-layer event stream. Closed on ctx done
	// or adapter shutdown.
	LinkEvents(ctx context.Context) (<-chan LinkEvent, error)

	// ListenOnce advertises service, blocks until exactly one inbound
	// connection is accepted, and returns its channel plus the remote
	// identity. Listening stops after the first accept or on ctx done.
	ListenOnce(ctx context.Context, service string) (mux.Channel, Peer, error)

	// ConnectTo dials peer and returns the established channel.
	ConnectTo(ctx context.Context, peer Peer) (mux.Channel, error)

	// BondedDevices lists currently bonded (paired) peers.
	BondedDevices(ctx context.Context) ([]Peer, error)

	// MissingPermissions reports the authorization identifiers the caller
	// still lacks; empty means fully authorized.
	MissingPermissions() []string
}
