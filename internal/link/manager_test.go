package link

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btlink/internal/mux"
	"btlink/internal/signal"
)

// testChannel is a minimal in-memory mux.Channel: records are injected with
// serve, the peer hang-up is simulated with finish, Close fails further
// reads immediately.
type testChannel struct {
	mu     sync.Mutex
	cond   *sync.Cond
	recs   []mux.Record
	done   bool
	closed bool
	sent   []any
}

func newTestChannel() *testChannel {
	c := &testChannel{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *testChannel) serve(r mux.Record) {
	c.mu.Lock()
	c.recs = append(c.recs, r)
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *testChannel) finish() {
	c.mu.Lock()
	c.done = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *testChannel) ReadByte() (byte, error) {
	return 0, os.ErrClosed
}

func (c *testChannel) ReadRecord() (mux.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.closed || (c.done && len(c.recs) == 0) {
			return nil, os.ErrClosed
		}
		if len(c.recs) > 0 {
			r := c.recs[0]
			c.recs = c.recs[1:]
			return r, nil
		}
		c.cond.Wait()
	}
}

func (c *testChannel) WriteBytes(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return os.ErrClosed
	}
	c.sent = append(c.sent, append([]byte(nil), p...))
	return nil
}

func (c *testChannel) WriteRecord(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return os.ErrClosed
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *testChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

type acceptResult struct {
	ch   mux.Channel
	peer Peer
	err  error
}

// fakeAdapter scripts the platform: tests feed radio flips, link events,
// accept completions and dial outcomes through channels.
type fakeAdapter struct {
	radioNow bool
	radioCh  chan bool
	linkCh   chan LinkEvent
	accepts  chan acceptResult
	missing  []string

	listenCalls atomic.Int32

	mu        sync.Mutex
	connectFn func(peer Peer) (mux.Channel, error)
}

func newFakeAdapter(radioOn bool) *fakeAdapter {
	return &fakeAdapter{
		radioNow: radioOn,
		radioCh:  make(chan bool, 8),
		linkCh:   make(chan LinkEvent, 8),
		accepts:  make(chan acceptResult, 8),
	}
}

func (f *fakeAdapter) RadioEnabled(ctx context.Context) (bool, <-chan bool, error) {
	return f.radioNow, f.radioCh, nil
}

func (f *fakeAdapter) LinkEvents(ctx context.Context) (<-chan LinkEvent, error) {
	return f.linkCh, nil
}

func (f *fakeAdapter) ListenOnce(ctx context.Context, service string) (mux.Channel, Peer, error) {
	f.listenCalls.Add(1)
	select {
	case <-ctx.Done():
		return nil, Peer{}, ctx.Err()
	case r := <-f.accepts:
		return r.ch, r.peer, r.err
	}
}

func (f *fakeAdapter) ConnectTo(ctx context.Context, peer Peer) (mux.Channel, error) {
	f.mu.Lock()
	fn := f.connectFn
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("no dial scripted")
	}
	return fn(peer)
}

func (f *fakeAdapter) BondedDevices(ctx context.Context) ([]Peer, error) {
	return nil, nil
}

func (f *fakeAdapter) MissingPermissions() []string {
	return f.missing
}

var (
	peerA = Peer{ID: "AA:BB:CC:DD:EE:01", Name: "alpha"}
	peerB = Peer{ID: "AA:BB:CC:DD:EE:02", Name: "bravo"}
)

func newTestManager(t *testing.T, f *fakeAdapter, cfg Config) *Manager {
	t.Helper()
	if cfg.Service == "" {
		cfg.Service = "btlink-test"
	}
	if cfg.ListenAttempts == 0 {
		cfg.ListenAttempts = 1
	}
	m := NewManager(f, cfg)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func nextStatus(t *testing.T, s *signal.Sub[Status]) Status {
	t.Helper()
	select {
	case v, ok := <-s.C:
		if !ok {
			t.Fatal("state signal terminated")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status")
	}
	panic("unreachable")
}

func expectStatus(t *testing.T, s *signal.Sub[Status], want Status) {
	t.Helper()
	got := nextStatus(t, s)
	require.Equal(t, want, got)
}

func expectNoStatus(t *testing.T, s *signal.Sub[Status], within time.Duration) {
	t.Helper()
	select {
	case v, ok := <-s.C:
		if ok {
			t.Fatalf("unexpected status publication: %+v", v)
		}
	case <-time.After(within):
	}
}

func TestStartArmsListeningWhenRadioOn(t *testing.T) {
	f := newFakeAdapter(true)
	m := newTestManager(t, f, Config{})

	s := m.State()
	expectStatus(t, s, Status{Kind: StatusDisconnected})
	expectStatus(t, s, Status{Kind: StatusWaiting})
	assert.EqualValues(t, 1, f.listenCalls.Load())
}

func TestStartStaysIdleWhenRadioOff(t *testing.T) {
	f := newFakeAdapter(false)
	m := newTestManager(t, f, Config{})

	s := m.State()
	expectStatus(t, s, Status{Kind: StatusDisconnected})
	expectNoStatus(t, s, 100*time.Millisecond)
	assert.EqualValues(t, 0, f.listenCalls.Load())
}

func TestInboundAcceptBindsConnection(t *testing.T) {
	f := newFakeAdapter(true)
	m := newTestManager(t, f, Config{})

	s := m.State()
	expectStatus(t, s, Status{Kind: StatusDisconnected})
	expectStatus(t, s, Status{Kind: StatusWaiting})

	recs := m.Records()
	ch := newTestChannel()
	f.accepts <- acceptResult{ch: ch, peer: peerA}

	expectStatus(t, s, Status{Kind: StatusConnected, Peer: peerA})
	assert.True(t, m.IsConnected())
	bound, ok := m.BoundPeer()
	require.True(t, ok)
	assert.Equal(t, peerA, bound)

	ch.serve(mux.Record{"text": "hello"})
	select {
	case rec := <-recs.C:
		assert.Equal(t, mux.Record{"text": "hello"}, rec)
	case <-time.After(2 * time.Second):
		t.Fatal("record was not relayed")
	}
}

func TestListenFailurePublishesErrorAndDoesNotRearm(t *testing.T) {
	f := newFakeAdapter(true)
	m := newTestManager(t, f, Config{})

	s := m.State()
	expectStatus(t, s, Status{Kind: StatusDisconnected})
	expectStatus(t, s, Status{Kind: StatusWaiting})

	f.accepts <- acceptResult{err: errors.New("sdp registration refused")}
	expectStatus(t, s, Status{Kind: StatusError})

	// No self-retry: the listen slot stays empty until an external event.
	expectNoStatus(t, s, 150*time.Millisecond)
	assert.EqualValues(t, 1, f.listenCalls.Load())

	// A radio flip re-arms.
	f.radioCh <- false
	expectStatus(t, s, Status{Kind: StatusDisconnected})
	f.radioCh <- true
	expectStatus(t, s, Status{Kind: StatusWaiting})
	require.Eventually(t, func() bool { return f.listenCalls.Load() == 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestConnectPermissionDenied(t *testing.T) {
	f := newFakeAdapter(false)
	f.missing = []string{"bluetooth.connect"}
	m := newTestManager(t, f, Config{})

	err := m.Connect(context.Background(), peerA)
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.False(t, m.IsConnected())
}

func TestConnectSuccess(t *testing.T) {
	f := newFakeAdapter(false)
	ch := newTestChannel()
	f.connectFn = func(p Peer) (mux.Channel, error) { return ch, nil }
	m := newTestManager(t, f, Config{})

	s := m.State()
	expectStatus(t, s, Status{Kind: StatusDisconnected})

	require.NoError(t, m.Connect(context.Background(), peerA))
	expectStatus(t, s, Status{Kind: StatusConnected, Peer: peerA})

	assert.True(t, m.Send(mux.Record{"n": 1}))
	ch.mu.Lock()
	sent := len(ch.sent)
	ch.mu.Unlock()
	assert.Equal(t, 1, sent)
}

func TestConnectFailurePublishesError(t *testing.T) {
	f := newFakeAdapter(false)
	f.connectFn = func(p Peer) (mux.Channel, error) {
		return nil, errors.New("page timeout")
	}
	m := newTestManager(t, f, Config{})

	s := m.State()
	expectStatus(t, s, Status{Kind: StatusDisconnected})

	err := m.Connect(context.Background(), peerA)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPermissionDenied)
	expectStatus(t, s, Status{Kind: StatusError})
	assert.False(t, m.IsConnected())
}

func TestDisconnectStopsRelay(t *testing.T) {
	f := newFakeAdapter(false)
	ch := newTestChannel()
	f.connectFn = func(p Peer) (mux.Channel, error) { return ch, nil }
	m := newTestManager(t, f, Config{})

	recs := m.Records()
	require.NoError(t, m.Connect(context.Background(), peerA))

	ch.serve(mux.Record{"n": 1})
	select {
	case <-recs.C:
	case <-time.After(2 * time.Second):
		t.Fatal("first record was not relayed")
	}

	m.Disconnect()
	assert.False(t, m.IsConnected())
	_, ok := m.BoundPeer()
	assert.False(t, ok)
	assert.False(t, m.Send(mux.Record{"n": 2}), "send after disconnect")

	// Nothing more may arrive from the torn-down channel.
	ch.serve(mux.Record{"n": 3})
	select {
	case rec, open := <-recs.C:
		if open {
			t.Fatalf("record delivered after disconnect: %+v", rec)
		}
	case <-time.After(150 * time.Millisecond):
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	f := newFakeAdapter(false)
	m := newTestManager(t, f, Config{})
	m.Disconnect()
	m.Disconnect()
	assert.False(t, m.IsConnected())
}

func TestStaleLinkDisconnectIgnored(t *testing.T) {
	f := newFakeAdapter(false)
	ch := newTestChannel()
	f.connectFn = func(p Peer) (mux.Channel, error) { return ch, nil }
	m := newTestManager(t, f, Config{})

	s := m.State()
	expectStatus(t, s, Status{Kind: StatusDisconnected})
	require.NoError(t, m.Connect(context.Background(), peerA))
	expectStatus(t, s, Status{Kind: StatusConnected, Peer: peerA})

	f.linkCh <- LinkEvent{Kind: LinkDisconnected, Peer: peerB}
	expectNoStatus(t, s, 150*time.Millisecond)
	assert.True(t, m.IsConnected())
}

func TestLinkDisconnectForBoundPeerRearms(t *testing.T) {
	f := newFakeAdapter(true)
	m := newTestManager(t, f, Config{})

	s := m.State()
	expectStatus(t, s, Status{Kind: StatusDisconnected})
	expectStatus(t, s, Status{Kind: StatusWaiting})

	ch := newTestChannel()
	f.accepts <- acceptResult{ch: ch, peer: peerA}
	expectStatus(t, s, Status{Kind: StatusConnected, Peer: peerA})

	f.linkCh <- LinkEvent{Kind: LinkDisconnected, Peer: peerA}
	expectStatus(t, s, Status{Kind: StatusDisconnected, Peer: peerA})
	expectStatus(t, s, Status{Kind: StatusWaiting})
	require.Eventually(t, func() bool { return f.listenCalls.Load() == 2 },
		2*time.Second, 10*time.Millisecond)
	assert.False(t, m.IsConnected())
}

func TestLinkConnectedEventConvergesWithAccept(t *testing.T) {
	f := newFakeAdapter(true)
	m := newTestManager(t, f, Config{})

	s := m.State()
	expectStatus(t, s, Status{Kind: StatusDisconnected})
	expectStatus(t, s, Status{Kind: StatusWaiting})

	// Link-up can land before the socket-level accept completes.
	f.linkCh <- LinkEvent{Kind: LinkConnected, Peer: peerA}
	expectStatus(t, s, Status{Kind: StatusConnected, Peer: peerA})

	f.accepts <- acceptResult{ch: newTestChannel(), peer: peerA}
	// The accept must converge on the already-published state: the next
	// observable transition is a disconnection, never a duplicate
	// Connected.
	expectNoStatus(t, s, 150*time.Millisecond)
	require.Eventually(t, m.IsConnected, 2*time.Second, 10*time.Millisecond)
}

func TestRadioOffCancelsListening(t *testing.T) {
	f := newFakeAdapter(true)
	m := newTestManager(t, f, Config{})

	s := m.State()
	expectStatus(t, s, Status{Kind: StatusDisconnected})
	expectStatus(t, s, Status{Kind: StatusWaiting})

	f.radioCh <- false
	expectStatus(t, s, Status{Kind: StatusDisconnected})
	assert.False(t, m.IsConnected())
}

func TestChannelLossRearmsAfterDelay(t *testing.T) {
	f := newFakeAdapter(true)
	mock := clock.NewMock()
	m := newTestManager(t, f, Config{Clock: mock, RearmDelay: time.Second})

	s := m.State()
	expectStatus(t, s, Status{Kind: StatusDisconnected})
	expectStatus(t, s, Status{Kind: StatusWaiting})

	ch := newTestChannel()
	f.accepts <- acceptResult{ch: ch, peer: peerA}
	expectStatus(t, s, Status{Kind: StatusConnected, Peer: peerA})

	// Peer vanishes mid-read.
	ch.finish()
	expectStatus(t, s, Status{Kind: StatusDisconnected, Peer: peerA})

	// No re-arm before the settle delay elapses.
	expectNoStatus(t, s, 100*time.Millisecond)
	assert.EqualValues(t, 1, f.listenCalls.Load())

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return f.listenCalls.Load() == 2
	}, 2*time.Second, 20*time.Millisecond)
	expectStatus(t, s, Status{Kind: StatusWaiting})
}

func TestStateNeverRepeatsConsecutiveValues(t *testing.T) {
	f := newFakeAdapter(true)
	m := newTestManager(t, f, Config{})

	s := m.State()

	ch := newTestChannel()
	f.accepts <- acceptResult{ch: ch, peer: peerA}
	// Redundant link-up and a stale link-down around the accept.
	f.linkCh <- LinkEvent{Kind: LinkConnected, Peer: peerA}
	f.linkCh <- LinkEvent{Kind: LinkDisconnected, Peer: peerB}
	f.linkCh <- LinkEvent{Kind: LinkConnected, Peer: peerA}
	ch.finish()

	deadline := time.After(500 * time.Millisecond)
	var seen []Status
drain:
	for {
		select {
		case v, ok := <-s.C:
			if !ok {
				break drain
			}
			seen = append(seen, v)
		case <-deadline:
			break drain
		}
	}
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.NotEqual(t, seen[i-1], seen[i],
			"consecutive duplicate at %d: %+v", i, seen[i])
	}
}
