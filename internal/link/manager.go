package link

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/benbjohnson/clock"
	"github.com/rs/xid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"btlink/internal/mux"
	"btlink/internal/signal"
)

const (
	// DefaultRearmDelay is waited after a channel-level connection loss
	// before listening is re-armed, so a flapping link does not thrash the
	// profile registration.
	DefaultRearmDelay = 500 * time.Millisecond

	// DefaultListenAttempts bounds the accept retries within one arming.
	// After the last failure the Manager publishes StatusError and stays
	// disarmed until a radio or link event re-arms it.
	DefaultListenAttempts = 3
)

// Config carries the Manager knobs. Zero values select the defaults.
type Config struct {
	// Service is the name the listening side advertises.
	Service string

	// RearmDelay overrides DefaultRearmDelay.
	RearmDelay time.Duration

	// ListenAttempts overrides DefaultListenAttempts.
	ListenAttempts uint

	// Logger may be nil.
	Logger *zap.Logger

	// Clock may be nil; tests inject a mock.
	Clock clock.Clock
}

// Manager owns zero or one active connection and the listen/connect
// arbitration around it. All state transitions run under one mutex; I/O and
// event delivery never hold it.
type Manager struct {
	adapter  Adapter
	log      *zap.Logger
	clk      clock.Clock
	service  string
	rearm    time.Duration
	attempts uint

	state *signal.State[Status]
	data  *signal.Broadcast[mux.Record]
	wg    conc.WaitGroup

	mu           sync.Mutex
	runCtx       context.Context
	cancelRun    context.CancelFunc
	radioOn      bool
	bound        Peer
	hasBound     bool
	active       *active
	listenCancel context.CancelFunc
}

// active is one live connection: the multiplexer, the peer it is bound to,
// and the record subscription the relay pump drains.
type active struct {
	id   string
	peer Peer
	mux  *mux.Mux
	sub  *signal.Sub[mux.Record]
}

// NewManager creates a Manager over a. Call Start before anything else.
func NewManager(a Adapter, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.RearmDelay <= 0 {
		cfg.RearmDelay = DefaultRearmDelay
	}
	if cfg.ListenAttempts == 0 {
		cfg.ListenAttempts = DefaultListenAttempts
	}
	return &Manager{
		adapter:  a,
		log:      cfg.Logger,
		clk:      cfg.Clock,
		service:  cfg.Service,
		rearm:    cfg.RearmDelay,
		attempts: cfg.ListenAttempts,
		state:    signal.NewState(Status{Kind: StatusDisconnected}, statusEqual),
		data:     signal.NewBroadcast[mux.Record](),
	}
}

// Start subscribes to the adapter's radio and link events and begins the
// reaction loop. The current radio value is applied before any change
// notification, so listening arms immediately when the radio is already on.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	on, radio, err := m.adapter.RadioEnabled(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("link: subscribe radio state: %w", err)
	}
	events, err := m.adapter.LinkEvents(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("link: subscribe link events: %w", err)
	}

	m.mu.Lock()
	m.runCtx, m.cancelRun = runCtx, cancel
	m.mu.Unlock()

	m.handleRadio(on)
	m.wg.Go(func() { m.loop(radio, events) })
	return nil
}

// Stop tears everything down: the event loop, any listen attempt, the active
// connection, and both outward signals. Idempotent once Start has returned.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancelRun
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.Disconnect()
	m.wg.Wait()
	m.state.Close()
	m.data.Close()
}

// State subscribes to the distinct-change connection-state signal. The
// current status is delivered first.
func (m *Manager) State() *signal.Sub[Status] {
	return m.state.Subscribe()
}

// Records subscribes to the merged incoming-record signal. It follows
// whichever connection is active; records buffered by a torn-down connection
// are never replayed.
func (m *Manager) Records() *signal.Sub[mux.Record] {
	return m.data.Subscribe()
}

// IsConnected reports whether a connection is currently active.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// BoundPeer returns the currently bound peer identity, if any.
func (m *Manager) BoundPeer() (Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bound, m.hasBound
}

// Connect dials peer. It fails with ErrPermissionDenied when authorizations
// are missing, without touching the connection state. A transport failure is
// returned and also published as StatusError; any prior listen attempt stays
// stopped so the caller decides whether to retry or fall back to listening.
func (m *Manager) Connect(ctx context.Context, peer Peer) error {
	if missing := m.adapter.MissingPermissions(); len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, strings.Join(missing, ", "))
	}

	m.mu.Lock()
	cancel := m.listenCancel
	m.listenCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	ch, err := m.adapter.ConnectTo(ctx, peer)
	if err != nil {
		m.log.Warn("link: outbound connect failed",
			zap.String("peer", peer.ID), zap.Error(err))
		m.mu.Lock()
		m.state.Set(Status{Kind: StatusError})
		m.mu.Unlock()
		return fmt.Errorf("link: connect %s: %w", peer.ID, err)
	}

	m.bind(ch, peer)
	return nil
}

// Disconnect closes the active connection, if any, stops relaying its
// records, and publishes StatusDisconnected. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	act := m.active
	m.active = nil
	m.hasBound = false
	m.bound = Peer{}
	m.state.Set(Status{Kind: StatusDisconnected})
	m.mu.Unlock()

	if act != nil {
		act.sub.Cancel()
		act.mux.Close()
		m.log.Info("link: disconnected", zap.String("conn", act.id))
	}
}

// Send writes v as one record on the active connection. False when nothing
// is connected or the write failed.
func (m *Manager) Send(v any) bool {
	m.mu.Lock()
	act := m.active
	m.mu.Unlock()
	if act == nil {
		return false
	}
	return act.mux.SendRecord(v)
}

// SendText writes the raw text bytes on the active connection.
func (m *Manager) SendText(s string) bool {
	m.mu.Lock()
	act := m.active
	m.mu.Unlock()
	if act == nil {
		return false
	}
	return act.mux.SendText(s)
}

// loop reacts to radio and link events until the run context ends.
func (m *Manager) loop(radio <-chan bool, events <-chan LinkEvent) {
	m.mu.Lock()
	done := m.runCtx.Done()
	m.mu.Unlock()
	for {
		select {
		case <-done:
			return
		case on, ok := <-radio:
			if !ok {
				radio = nil
				break
			}
			m.handleRadio(on)
		case ev, ok := <-events:
			if !ok {
				events = nil
				break
			}
			m.handleLinkEvent(ev)
		}
		if radio == nil && events == nil {
			return
		}
	}
}

func (m *Manager) handleRadio(on bool) {
	m.mu.Lock()
	m.radioOn = on
	if on {
		if m.active == nil && m.listenCancel == nil {
			m.armLocked()
		}
		m.mu.Unlock()
		return
	}

	// Radio gone: whatever was in flight is dead.
	cancel := m.listenCancel
	m.listenCancel = nil
	act := m.active
	m.active = nil
	m.hasBound = false
	m.bound = Peer{}
	m.state.Set(Status{Kind: StatusDisconnected})
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if act != nil {
		act.sub.Cancel()
		act.mux.Close()
	}
}

func (m *Manager) handleLinkEvent(ev LinkEvent) {
	switch ev.Kind {
	case LinkConnected:
		// The platform can report link-up before (or instead of) the
		// socket-level accept; both paths converge on the same published
		// state and the socket path alone constructs the multiplexer.
		m.mu.Lock()
		m.bound = ev.Peer
		m.hasBound = true
		m.state.Set(Status{Kind: StatusConnected, Peer: ev.Peer})
		m.mu.Unlock()

	case LinkDisconnected:
		m.mu.Lock()
		if !m.hasBound || m.bound.ID != ev.Peer.ID {
			// Stale or irrelevant peer: no transition, no publication.
			m.mu.Unlock()
			return
		}
		m.hasBound = false
		m.bound = Peer{}
		act := m.active
		m.active = nil
		m.state.Set(Status{Kind: StatusDisconnected, Peer: ev.Peer})
		if m.radioOn && m.listenCancel == nil {
			m.armLocked()
		}
		m.mu.Unlock()

		if act != nil {
			act.sub.Cancel()
			act.mux.Close()
		}

	case LinkDisconnectRequested:
		m.log.Debug("link: peer requested disconnection",
			zap.String("peer", ev.Peer.ID))
	}
}

// armLocked starts one listen attempt cycle. Caller holds m.mu and has
// checked that nothing is active or already listening.
func (m *Manager) armLocked() {
	ctx, cancel := context.WithCancel(m.runCtx)
	m.listenCancel = cancel
	m.state.Set(Status{Kind: StatusWaiting})
	m.wg.Go(func() { m.listen(ctx) })
}

// listen runs one arming: a bounded-retry accept. A terminal failure is
// caller-visible through StatusError and does not self re-arm; only a radio
// or matching link-down event arms again. This keeps a dead radio from
// being hammered in a tight loop.
func (m *Manager) listen(ctx context.Context) {
	var (
		ch   mux.Channel
		peer Peer
	)
	err := retry.Do(
		func() error {
			var aerr error
			ch, peer, aerr = m.adapter.ListenOnce(ctx, m.service)
			return aerr
		},
		retry.Attempts(m.attempts),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)

	m.mu.Lock()
	if ctx.Err() != nil {
		// Arming was canceled. An accept that raced the cancellation
		// produced a socket nobody owns: close it.
		m.mu.Unlock()
		if err == nil && ch != nil {
			_ = ch.Close()
		}
		return
	}
	m.listenCancel = nil
	if err != nil {
		m.state.Set(Status{Kind: StatusError})
		m.mu.Unlock()
		m.log.Warn("link: listen failed", zap.Error(err))
		return
	}
	m.mu.Unlock()

	m.bind(ch, peer)
}

// bind wraps ch in a fresh multiplexer, installs it as the active
// connection, and starts relaying its records into the merged data signal.
// An existing active connection (should not happen, but the transition is
// total) is torn down first.
func (m *Manager) bind(ch mux.Channel, peer Peer) {
	mx := mux.New(ch, m.log)
	act := &active{
		id:   xid.New().String(),
		peer: peer,
		mux:  mx,
		sub:  mx.Records(),
	}

	m.mu.Lock()
	old := m.active
	m.active = act
	m.bound = peer
	m.hasBound = true
	m.state.Set(Status{Kind: StatusConnected, Peer: peer})
	m.mu.Unlock()

	if old != nil {
		old.sub.Cancel()
		old.mux.Close()
	}
	m.log.Info("link: connection bound",
		zap.String("conn", act.id), zap.String("peer", peer.ID))
	m.wg.Go(func() { m.relay(act) })
}

// relay pumps one connection's records into the merged signal until the
// record stream terminates, then runs the loss transition. A connection
// replaced or closed by Disconnect is recognized and ignored here.
func (m *Manager) relay(act *active) {
	for rec := range act.sub.C {
		m.data.Publish(rec)
	}

	m.mu.Lock()
	if m.active != act {
		m.mu.Unlock()
		return
	}
	m.active = nil
	m.hasBound = false
	m.bound = Peer{}
	m.state.Set(Status{Kind: StatusDisconnected, Peer: act.peer})
	radio := m.radioOn
	m.mu.Unlock()

	act.mux.Close()
	m.log.Info("link: connection lost",
		zap.String("conn", act.id),
		zap.String("peer", act.peer.ID),
		zap.NamedError("cause", act.sub.Err()))

	if radio {
		m.rearmAfterDelay()
	}
}

// rearmAfterDelay re-arms listening after the configured settle delay,
// unless something else claimed the slot in the meantime.
func (m *Manager) rearmAfterDelay() {
	m.mu.Lock()
	done := m.runCtx.Done()
	m.mu.Unlock()
	m.wg.Go(func() {
		t := m.clk.Timer(m.rearm)
		defer t.Stop()
		select {
		case <-done:
			return
		case <-t.C:
		}
		m.mu.Lock()
		if m.radioOn && m.active == nil && m.listenCancel == nil {
			m.armLocked()
		}
		m.mu.Unlock()
	})
}
