package signal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect[T any](t *testing.T, s *Sub[T], n int) []T {
	t.Helper()
	out := make([]T, 0, n)
	for len(out) < n {
		select {
		case v, ok := <-s.C:
			if !ok {
				t.Fatalf("channel closed after %d of %d values", len(out), n)
			}
			out = append(out, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d values", len(out), n)
		}
	}
	return out
}

func waitClosed[T any](t *testing.T, s *Sub[T]) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription did not close")
		}
	}
}

func TestBroadcastFanOut(t *testing.T) {
	b := NewBroadcast[int]()
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	for i := 1; i <= 3; i++ {
		b.Publish(i)
	}

	assert.Equal(t, []int{1, 2, 3}, collect(t, s1, 3))
	assert.Equal(t, []int{1, 2, 3}, collect(t, s2, 3))
}

func TestBroadcastNoReplayForLateSubscriber(t *testing.T) {
	b := NewBroadcast[string]()
	b.Publish("early")

	s := b.Subscribe()
	b.Publish("late")

	assert.Equal(t, []string{"late"}, collect(t, s, 1))
}

func TestBroadcastPublishNeverBlocks(t *testing.T) {
	b := NewBroadcast[int]()
	s := b.Subscribe() // never read from

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			b.Publish(i)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	s.Cancel()
}

func TestBroadcastFailDrainsThenCloses(t *testing.T) {
	b := NewBroadcast[int]()
	s := b.Subscribe()

	b.Publish(7)
	errBoom := errors.New("boom")
	b.Fail(errBoom)

	assert.Equal(t, []int{7}, collect(t, s, 1))
	waitClosed(t, s)
	assert.ErrorIs(t, s.Err(), errBoom)
}

func TestBroadcastSubscribeAfterTermination(t *testing.T) {
	b := NewBroadcast[int]()
	errBoom := errors.New("boom")
	b.Fail(errBoom)

	s := b.Subscribe()
	waitClosed(t, s)
	assert.ErrorIs(t, s.Err(), errBoom)
}

func TestSubCancelDiscardsQueue(t *testing.T) {
	b := NewBroadcast[int]()
	s := b.Subscribe()
	for i := 0; i < 100; i++ {
		b.Publish(i)
	}
	s.Cancel()
	waitClosed(t, s)
	assert.NoError(t, s.Err())
}

func TestStateReplaysCurrentValue(t *testing.T) {
	st := NewState("idle", func(a, b string) bool { return a == b })
	require.True(t, st.Set("busy"))

	s := st.Subscribe()
	assert.Equal(t, []string{"busy"}, collect(t, s, 1))

	st.Set("idle")
	assert.Equal(t, []string{"idle"}, collect(t, s, 1))
}

func TestStateSuppressesDuplicates(t *testing.T) {
	st := NewState(0, func(a, b int) bool { return a == b })
	s := st.Subscribe()

	st.Set(1)
	assert.False(t, st.Set(1), "duplicate must not publish")
	st.Set(2)
	st.Close()

	got := make([]int, 0, 3)
	for v := range s.C {
		got = append(got, v)
	}
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestStateGet(t *testing.T) {
	st := NewState(10, func(a, b int) bool { return a == b })
	st.Set(11)
	assert.Equal(t, 11, st.Get())
}
