//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"btlink/internal/codec"
	"btlink/internal/link"
	"btlink/internal/mux"
)

// eventBuffer bounds each subscriber's event channel; events beyond it are
// dropped with a warning rather than stalling the D-Bus dispatch loop.
const eventBuffer = 16

var pathCounter uint64

// Options configures an Adapter. All fields are optional.
type Options struct {
	// Logger may be nil.
	Logger *zap.Logger

	// Codec frames records on accepted and dialed channels. Nil means
	// JSON.
	Codec codec.Codec
}

// Adapter exposes the local BlueZ stack as a link.Adapter.
type Adapter struct {
	log   *zap.Logger
	codec codec.Codec

	mu     sync.Mutex
	closed bool
	bus    *dbus.Conn

	serverExported bool
	srvProf        *profile
	serverPath     dbus.ObjectPath
	clientExported bool
	cliProf        *profile
	clientPath     dbus.ObjectPath

	watching  bool
	radioSubs []chan bool
	linkSubs  []chan link.LinkEvent

	// cleanup functions to release resources in Close (executed once, in
	// reverse order).
	cleanup []func() error
}

// New creates an Adapter. The system bus is connected lazily on first use.
func New(opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Codec == nil {
		opts.Codec = codec.JSONCodec{}
	}
	return &Adapter{log: opts.Logger, codec: opts.Codec}
}

// ensureBusLocked connects to the system bus if not yet connected.
func (a *Adapter) ensureBusLocked() error {
	if a.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("bluez: connect system bus: %w", err)
	}
	a.bus = c
	// Close the bus last during cleanup.
	a.cleanup = append(a.cleanup, c.Close)
	return nil
}

// profile implements org.bluez.Profile1 and forwards NewConnection events to
// whichever accept is currently armed. With nothing armed, incoming
// connections are rejected and their FDs closed to avoid leaks.
type profile struct {
	mu      sync.Mutex
	waiting chan acceptResult
}

type acceptResult struct {
	fd  int
	dev Device
}

// arm prepares the profile to deliver exactly one connection.
func (p *profile) arm() chan acceptResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan acceptResult, 1)
	p.waiting = ch
	return ch
}

// disarm retracts an armed accept, unless a newer one replaced it. An FD
// delivered but never received (canceled accept) is closed here.
func (p *profile) disarm(ch chan acceptResult) {
	p.mu.Lock()
	if p.waiting == ch {
		p.waiting = nil
	}
	select {
	case res := <-ch:
		_ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
	default:
	}
	p.mu.Unlock()
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; disconnection shows up through the
// Device1.Connected property anyway.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the incoming RFCOMM socket FD to the armed accept.
// The send happens under the lock (the channel is buffered, so it cannot
// block) so that a racing disarm either sees the result or rejected it.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waiting == nil {
		_ = os.NewFile(uintptr(fd), "rfcomm").Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
	p.waiting <- acceptResult{
		fd: int(fd),
		dev: Device{
			Path: string(dev),
			MAC:  macFromPath(dev),
		},
	}
	p.waiting = nil
	return nil
}

// RadioEnabled returns the adapter's current Powered state plus subsequent
// changes. The change channel closes when ctx ends or the Adapter closes.
func (a *Adapter) RadioEnabled(ctx context.Context) (bool, <-chan bool, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false, nil, errors.New("bluez: closed")
	}
	if err := a.ensureBusLocked(); err != nil {
		a.mu.Unlock()
		return false, nil, err
	}
	if err := a.ensureWatchLocked(); err != nil {
		a.mu.Unlock()
		return false, nil, err
	}
	bus := a.bus
	ch := make(chan bool, eventBuffer)
	a.radioSubs = append(a.radioSubs, ch)
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		a.dropRadioSub(ch)
	}()

	on, err := currentPowered(bus)
	if err != nil {
		a.dropRadioSub(ch)
		return false, nil, err
	}
	return on, ch, nil
}

// LinkEvents returns the Device1.Connected change stream. Closed on ctx end
// or Adapter close.
func (a *Adapter) LinkEvents(ctx context.Context) (<-chan link.LinkEvent, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, errors.New("bluez: closed")
	}
	if err := a.ensureBusLocked(); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if err := a.ensureWatchLocked(); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	ch := make(chan link.LinkEvent, eventBuffer)
	a.linkSubs = append(a.linkSubs, ch)
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		a.dropLinkSub(ch)
	}()
	return ch, nil
}

// ensureWatchLocked starts the single PropertiesChanged dispatch loop.
func (a *Adapter) ensureWatchLocked() error {
	if a.watching {
		return nil
	}
	sigCh := make(chan *dbus.Signal, 64)
	a.bus.Signal(sigCh)
	if err := a.bus.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		a.bus.RemoveSignal(sigCh)
		return fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	bus := a.bus
	// sigCh is left registered so the bus close terminates the dispatch
	// loop by closing it.
	a.cleanup = append(a.cleanup, func() error {
		return bus.RemoveMatchSignal(
			dbus.WithMatchInterface(propsIface),
			dbus.WithMatchMember("PropertiesChanged"),
		)
	})
	a.watching = true
	// The loop ends when the bus connection closes sigCh.
	go a.dispatch(sigCh)
	return nil
}

// dispatch translates raw PropertiesChanged signals into radio and link
// events and fans them out. Never blocks: a full subscriber drops the event.
func (a *Adapter) dispatch(sigCh chan *dbus.Signal) {
	for sig := range sigCh {
		if sig == nil || len(sig.Body) < 2 {
			continue
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if changed == nil {
			continue
		}
		switch iface {
		case adapterIface:
			if v, ok := changed["Powered"]; ok {
				if on, ok := v.Value().(bool); ok {
					a.fanoutRadio(on)
				}
			}
		case deviceIface:
			if v, ok := changed["Connected"]; ok {
				if up, ok := v.Value().(bool); ok {
					kind := link.LinkDisconnected
					if up {
						kind = link.LinkConnected
					}
					a.fanoutLink(link.LinkEvent{Kind: kind, Peer: peerFromPath(sig.Path)})
				}
			}
		}
	}

	// Bus gone: terminate all subscriptions.
	a.mu.Lock()
	radio, links := a.radioSubs, a.linkSubs
	a.radioSubs, a.linkSubs = nil, nil
	a.mu.Unlock()
	for _, ch := range radio {
		close(ch)
	}
	for _, ch := range links {
		close(ch)
	}
}

func (a *Adapter) fanoutRadio(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.radioSubs {
		select {
		case ch <- on:
		default:
			a.log.Warn("bluez: radio subscriber lagging, event dropped")
		}
	}
}

func (a *Adapter) fanoutLink(ev link.LinkEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.linkSubs {
		select {
		case ch <- ev:
		default:
			a.log.Warn("bluez: link subscriber lagging, event dropped",
				zap.String("peer", ev.Peer.ID))
		}
	}
}

func (a *Adapter) dropRadioSub(target chan bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, ch := range a.radioSubs {
		if ch == target {
			a.radioSubs = append(a.radioSubs[:i], a.radioSubs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (a *Adapter) dropLinkSub(target chan link.LinkEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, ch := range a.linkSubs {
		if ch == target {
			a.linkSubs = append(a.linkSubs[:i], a.linkSubs[i+1:]...)
			close(ch)
			return
		}
	}
}

// ListenOnce advertises service as an SPP profile and blocks until exactly
// one inbound connection arrives or ctx ends. The profile stays registered
// across calls; between calls incoming connections are rejected.
func (a *Adapter) ListenOnce(ctx context.Context, service string) (mux.Channel, link.Peer, error) {
	if service == "" {
		return nil, link.Peer{}, errors.New("bluez: service name required")
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, link.Peer{}, errors.New("bluez: closed")
	}
	if err := a.ensureBusLocked(); err != nil {
		a.mu.Unlock()
		return nil, link.Peer{}, err
	}
	if err := a.ensureServerProfileLocked(service); err != nil {
		a.mu.Unlock()
		return nil, link.Peer{}, err
	}
	prof := a.srvProf
	bus := a.bus
	a.mu.Unlock()

	ch := prof.arm()
	defer prof.disarm(ch)

	select {
	case <-ctx.Done():
		return nil, link.Peer{}, fmt.Errorf("bluez: accept canceled: %w", ctx.Err())
	case res := <-ch:
		dev := resolveDevice(ctx, bus, res.dev)
		return a.channelFromFD(res.fd), dev.Peer(), nil
	}
}

// ensureServerProfileLocked exports and registers the server-side SPP
// profile once per Adapter.
func (a *Adapter) ensureServerProfileLocked(service string) error {
	if a.serverExported {
		return nil
	}
	a.srvProf = &profile{}
	// Unique object path per instance to avoid collisions.
	id := atomic.AddUint64(&pathCounter, 1)
	a.serverPath = dbus.ObjectPath("/btlink/bluez/server/p" + strconv.FormatUint(id, 10))
	if err := a.bus.Export(a.srvProf, a.serverPath, profileInterfaceName); err != nil {
		return fmt.Errorf("bluez: export server profile: %w", err)
	}
	a.serverExported = true

	optsMap := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(service),
		"Role": dbus.MakeVariant("server"),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel": dbus.MakeVariant(uint16(DefaultRFCOMMChannel)),
	}
	pm := a.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, a.serverPath, SPPUUID, optsMap); call.Err != nil {
		return fmt.Errorf("%w: RegisterProfile(server): %v", ErrProxyUnavailable, call.Err)
	}
	bus, path := a.bus, a.serverPath
	a.cleanup = append(a.cleanup, func() error {
		err := pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		// Unexport the object path (best-effort).
		_ = bus.Export(nil, path, profileInterfaceName)
		return err
	})
	return nil
}

// ConnectTo initiates an outgoing SPP connection to the peer. Pairing is
// attempted when the device is not yet paired; a pre-registered BlueZ Agent
// must handle any interaction.
func (a *Adapter) ConnectTo(ctx context.Context, peer link.Peer) (mux.Channel, error) {
	if peer.ID == "" {
		return nil, errors.New("bluez: peer address required")
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, errors.New("bluez: closed")
	}
	if err := a.ensureBusLocked(); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if err := a.ensureClientProfileLocked(); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	prof := a.cliProf
	bus := a.bus
	a.mu.Unlock()

	devPath, err := devicePathByAddress(ctx, bus, peer.ID)
	if err != nil {
		return nil, err
	}

	ch := prof.arm()
	defer prof.disarm(ch)

	devObj := bus.Object(bluezService, devPath)
	// Ensure paired; if not, attempt Pair() via the registered Agent.
	var pairedVar dbus.Variant
	if call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
		if err := call.Store(&pairedVar); err == nil {
			if paired, ok := pairedVar.Value().(bool); ok && !paired {
				if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
					return nil, fmt.Errorf("bluez: Pair: %w", err)
				}
			}
		}
	}
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, SPPUUID); call.Err != nil {
		return nil, fmt.Errorf("%w: ConnectProfile: %v", ErrProxyUnavailable, call.Err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("bluez: connect canceled: %w", ctx.Err())
	case res := <-ch:
		return a.channelFromFD(res.fd), nil
	}
}

// ensureClientProfileLocked exports and registers the client-side profile
// once per Adapter.
func (a *Adapter) ensureClientProfileLocked() error {
	if a.clientExported {
		return nil
	}
	a.cliProf = &profile{}
	id := atomic.AddUint64(&pathCounter, 1)
	a.clientPath = dbus.ObjectPath("/btlink/bluez/client/p" + strconv.FormatUint(id, 10))
	if err := a.bus.Export(a.cliProf, a.clientPath, profileInterfaceName); err != nil {
		return fmt.Errorf("bluez: export client profile: %w", err)
	}
	pm := a.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	optsMap := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, a.clientPath, SPPUUID, optsMap); call.Err != nil {
		return fmt.Errorf("%w: RegisterProfile(client): %v", ErrProxyUnavailable, call.Err)
	}
	bus, path := a.bus, a.clientPath
	a.cleanup = append(a.cleanup, func() error {
		err := pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = bus.Export(nil, path, profileInterfaceName)
		return err
	})
	a.clientExported = true
	return nil
}

// BondedDevices lists currently paired peers.
func (a *Adapter) BondedDevices(ctx context.Context) ([]link.Peer, error) {
	bus, err := a.busForCall()
	if err != nil {
		return nil, err
	}
	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return nil, err
	}
	var out []link.Peer
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !boolProp(props, "Paired") {
			continue
		}
		out = append(out, deviceFromProps(path, props).Peer())
	}
	return out, nil
}

// MissingPermissions reports whether the system bus is reachable; everything
// this adapter does needs it. Empty means authorized.
func (a *Adapter) MissingPermissions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return []string{"system-bus"}
	}
	if err := a.ensureBusLocked(); err != nil {
		return []string{"system-bus"}
	}
	return nil
}

// ScanSPP discovers nearby devices advertising SPP and returns a snapshot
// list. Timing control is by the caller-provided context; use
// context.WithTimeout as needed.
func (a *Adapter) ScanSPP(ctx context.Context) ([]Device, error) {
	bus, err := a.busForCall()
	if err != nil {
		return nil, err
	}

	// Start discovery on all adapters (best-effort); stop when done.
	adapters, err := listAdapters(ctx, bus)
	if err != nil {
		return nil, err
	}
	for _, ap := range adapters {
		_ = bus.Object(bluezService, ap).Call(adapterIface+".StartDiscovery", 0).Err
		defer func(p dbus.ObjectPath) {
			_ = bus.Object(bluezService, p).Call(adapterIface+".StopDiscovery", 0).Err
		}(ap)
	}

	// Prime from current managed objects.
	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return nil, err
	}
	devMap := make(map[string]Device)
	for path, ifaces := range objs {
		if props, ok := ifaces[deviceIface]; ok && hasUUID(props, SPPUUID) {
			d := deviceFromProps(path, props)
			devMap[d.Path] = d
		}
	}

	// Subscribe to InterfacesAdded to catch new devices until ctx is done.
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	if err := bus.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return nil, fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	defer func() {
		_ = bus.RemoveMatchSignal(
			dbus.WithMatchInterface(objManagerIface),
			dbus.WithMatchMember("InterfacesAdded"),
		)
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if ifaces == nil {
				continue
			}
			if props, ok := ifaces[deviceIface]; ok && hasUUID(props, SPPUUID) {
				d := deviceFromProps(path, props)
				devMap[d.Path] = d
			}
		}
	}

	out := make([]Device, 0, len(devMap))
	for _, d := range devMap {
		out = append(out, d)
	}
	return out, nil
}

// Close releases everything the adapter holds: profile registrations,
// signal matches, and the bus connection, in reverse order of acquisition.
// Safe for concurrent and redundant calls.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cleanup := a.cleanup
	a.cleanup = nil
	a.mu.Unlock()

	var err error
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			err = multierr.Append(err, cleanup[i]())
		}
	}
	return err
}

// Helpers

func (a *Adapter) busForCall() (*dbus.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errors.New("bluez: closed")
	}
	if err := a.ensureBusLocked(); err != nil {
		return nil, err
	}
	return a.bus, nil
}

func (a *Adapter) channelFromFD(fd int) mux.Channel {
	return mux.NewChannel(os.NewFile(uintptr(fd), "rfcomm"), a.codec)
}

func managedObjects(ctx context.Context, bus *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func listAdapters(ctx context.Context, bus *dbus.Conn) ([]dbus.ObjectPath, error) {
	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return nil, err
	}
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, path)
		}
	}
	return out, nil
}

// currentPowered reports whether any local adapter is powered on.
func currentPowered(bus *dbus.Conn) (bool, error) {
	objs, err := managedObjects(context.Background(), bus)
	if err != nil {
		return false, err
	}
	for _, ifaces := range objs {
		if props, ok := ifaces[adapterIface]; ok && boolProp(props, "Powered") {
			return true, nil
		}
	}
	return false, nil
}

// devicePathByAddress resolves a MAC to its Device1 object path.
func devicePathByAddress(ctx context.Context, bus *dbus.Conn, mac string) (dbus.ObjectPath, error) {
	objs, err := managedObjects(ctx, bus)
	if err != nil {
		return "", err
	}
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if addr, _ := props["Address"].Value().(string); addr == mac {
			return path, nil
		}
	}
	return "", fmt.Errorf("bluez: no device with address %s", mac)
}

// resolveDevice fills in name details for a freshly accepted peer,
// best-effort.
func resolveDevice(ctx context.Context, bus *dbus.Conn, d Device) Device {
	if d.Path == "" {
		return d
	}
	obj := bus.Object(bluezService, dbus.ObjectPath(d.Path))
	var v dbus.Variant
	if call := obj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Alias"); call.Err == nil {
		if err := call.Store(&v); err == nil {
			d.Alias, _ = v.Value().(string)
		}
	}
	return d
}
