package stream

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (f *fakeSink) Send(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("write failed")
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) received() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

func TestHub_Broadcast(t *testing.T) {
	h := NewHub()
	a := &fakeSink{}
	b := &fakeSink{}
	h.Register("a", a)
	h.Register("b", b)
	require.Equal(t, 2, h.Count())

	h.Broadcast("status_changed", map[string]string{"card": "plex"})

	for _, s := range []*fakeSink{a, b} {
		evs := s.received()
		require.Len(t, evs, 1)
		assert.Equal(t, "status_changed", evs[0].Type)
	}
}

func TestHub_FailingSinkIsDropped(t *testing.T) {
	h := NewHub()
	bad := &fakeSink{fail: true}
	good := &fakeSink{}
	h.Register("bad", bad)
	h.Register("good", good)

	h.Broadcast("status_snapshot", nil)

	assert.Equal(t, 1, h.Count())
	assert.True(t, bad.closed)
	assert.Len(t, good.received(), 1, "healthy sinks still receive the event")

	h.Broadcast("status_snapshot", nil)
	assert.Len(t, good.received(), 2)
}

func TestHub_Unregister(t *testing.T) {
	h := NewHub()
	s := &fakeSink{}
	h.Register("s", s)

	h.Unregister("s")
	assert.Equal(t, 0, h.Count())
	assert.True(t, s.closed)

	// Unknown id is a no-op.
	h.Unregister("missing")
}

func TestHub_CloseAll(t *testing.T) {
	h := NewHub()
	a := &fakeSink{}
	b := &fakeSink{}
	h.Register("a", a)
	h.Register("b", b)

	h.CloseAll()
	assert.Equal(t, 0, h.Count())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestHub_ConcurrentBroadcast(t *testing.T) {
	h := NewHub()
	s := &fakeSink{}
	h.Register("s", s)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Broadcast("status_changed", nil)
		}()
	}
	wg.Wait()

	assert.Len(t, s.received(), 10)
}
