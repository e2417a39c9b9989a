package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/audit"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/id/token"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	r := NewRegistry(cfg, clock, token.NewSessionGenerator(), nil)
	t.Cleanup(r.Close)
	return r, clock
}

func testRequest() audit.Request {
	return audit.Request{
		URL:              "https://example.com",
		ReportType:       audit.ReportSimple,
		MaxPages:         20,
		MaxExternalLinks: 8,
	}
}

func TestRegistry_CreateStartsQueued(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Config{})
	id, err := r.Create(nil, testRequest())
	require.NoError(t, err)

	s, ok := r.Get(id)
	require.True(t, ok)
	require.Equal(t, StatusQueued, s.Status)
	require.Nil(t, s.UserID)

	snap, ok := r.Snapshot(id)
	require.True(t, ok)
	require.Equal(t, StatusQueued, snap.Status)
}

func TestRegistry_LifecycleTransitions(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Config{})
	id, err := r.Create(nil, testRequest())
	require.NoError(t, err)

	require.NoError(t, r.Update(id, func(s *Session) {
		s.Status = StatusRunning
		s.Progress = 10
		s.CurrentURL = "https://example.com"
	}))
	require.NoError(t, r.Update(id, func(s *Session) {
		s.Status = StatusCompleted
		s.Progress = 100
	}))

	s, _ := r.Get(id)
	require.Equal(t, StatusCompleted, s.Status)

	// Terminal sessions reject further mutation.
	err = r.Update(id, func(s *Session) { s.Progress = 0 })
	require.ErrorIs(t, err, ErrSessionTerminal)
}

func TestRegistry_InvalidTransitionRejected(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Config{})
	id, err := r.Create(nil, testRequest())
	require.NoError(t, err)

	err = r.Update(id, func(s *Session) { s.Status = StatusCompleted })
	require.ErrorIs(t, err, ErrInvalidTransition)

	s, _ := r.Get(id)
	require.Equal(t, StatusQueued, s.Status)
}

func TestRegistry_ProgressClamped(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Config{})
	id, err := r.Create(nil, testRequest())
	require.NoError(t, err)

	require.NoError(t, r.Update(id, func(s *Session) { s.Progress = 250 }))
	s, _ := r.Get(id)
	require.Equal(t, 100, s.Progress)

	require.NoError(t, r.Update(id, func(s *Session) { s.Progress = -5 }))
	s, _ = r.Get(id)
	require.Equal(t, 0, s.Progress)
}

func TestRegistry_UnknownSession(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Config{})
	_, ok := r.Get("missing")
	require.False(t, ok)
	require.ErrorIs(t, r.Update("missing", func(*Session) {}), ErrNotFound)
	_, _, err := r.Watch("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_MarkUsageRecordedOnce(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Config{})
	id, err := r.Create(nil, testRequest())
	require.NoError(t, err)

	_, err = r.MarkUsageRecorded(id)
	require.ErrorIs(t, err, ErrNotCompleted)

	require.NoError(t, r.Update(id, func(s *Session) { s.Status = StatusRunning }))
	require.NoError(t, r.Update(id, func(s *Session) { s.Status = StatusCompleted }))

	var firsts int
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first, err := r.MarkUsageRecorded(id)
			require.NoError(t, err)
			if first {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, firsts)
}

func TestRegistry_WatchDeliversInOrderAndCloses(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Config{WatchBuffer: 32})
	id, err := r.Create(nil, testRequest())
	require.NoError(t, err)

	ch, cancel, err := r.Watch(id)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, r.Update(id, func(s *Session) { s.Status = StatusRunning; s.Progress = 10 }))
	require.NoError(t, r.Update(id, func(s *Session) { s.Progress = 50 }))
	require.NoError(t, r.Update(id, func(s *Session) { s.Status = StatusCompleted; s.Progress = 100 }))

	var got []Snapshot
	for snap := range ch {
		got = append(got, snap)
	}
	require.Len(t, got, 3)
	require.Equal(t, StatusRunning, got[0].Status)
	require.Equal(t, 10, got[0].Progress)
	require.Equal(t, 50, got[1].Progress)
	require.Equal(t, StatusCompleted, got[2].Status)

	// Progress never regresses in the observed sequence.
	for i := 1; i < len(got); i++ {
		require.GreaterOrEqual(t, got[i].Progress, got[i-1].Progress)
	}
}

func TestRegistry_WatchOnTerminalSessionYieldsFinalSnapshot(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Config{})
	id, err := r.Create(nil, testRequest())
	require.NoError(t, err)
	require.NoError(t, r.Update(id, func(s *Session) { s.Status = StatusRunning }))
	require.NoError(t, r.Update(id, func(s *Session) { s.Status = StatusFailed; s.Message = "Timeout" }))

	ch, cancel, err := r.Watch(id)
	require.NoError(t, err)
	defer cancel()

	snap, open := <-ch
	require.True(t, open)
	require.Equal(t, StatusFailed, snap.Status)
	_, open = <-ch
	require.False(t, open)
}

func TestRegistry_CancelStopsDelivery(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Config{})
	id, err := r.Create(nil, testRequest())
	require.NoError(t, err)

	ch, cancel, err := r.Watch(id)
	require.NoError(t, err)
	cancel()

	_, open := <-ch
	require.False(t, open)

	// Updates after cancel must not panic.
	require.NoError(t, r.Update(id, func(s *Session) { s.Status = StatusRunning }))
}

func TestRegistry_SweepEvictsExpiredTerminal(t *testing.T) {
	t.Parallel()

	r, clock := newTestRegistry(t, Config{TTL: time.Minute, SweepInterval: time.Hour})
	done, err := r.Create(nil, testRequest())
	require.NoError(t, err)
	live, err := r.Create(nil, testRequest())
	require.NoError(t, err)

	require.NoError(t, r.Update(done, func(s *Session) { s.Status = StatusRunning }))
	require.NoError(t, r.Update(done, func(s *Session) { s.Status = StatusCompleted }))

	clock.advance(2 * time.Minute)
	r.sweep()

	_, ok := r.Get(done)
	require.False(t, ok)
	_, ok = r.Get(live)
	require.True(t, ok)
}

func TestRegistry_CapEvictsOldestTerminalOnly(t *testing.T) {
	t.Parallel()

	r, clock := newTestRegistry(t, Config{MaxSessions: 2, SweepInterval: time.Hour})

	first, err := r.Create(nil, testRequest())
	require.NoError(t, err)
	require.NoError(t, r.Update(first, func(s *Session) { s.Status = StatusRunning }))
	require.NoError(t, r.Update(first, func(s *Session) { s.Status = StatusCompleted }))

	clock.advance(time.Second)
	second, err := r.Create(nil, testRequest())
	require.NoError(t, err)

	clock.advance(time.Second)
	third, err := r.Create(nil, testRequest())
	require.NoError(t, err)

	_, ok := r.Get(first)
	require.False(t, ok)
	_, ok = r.Get(second)
	require.True(t, ok)
	_, ok = r.Get(third)
	require.True(t, ok)
}

func TestRegistry_ConcurrentUpdatesAndReads(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Config{})
	id, err := r.Create(nil, testRequest())
	require.NoError(t, err)
	require.NoError(t, r.Update(id, func(s *Session) { s.Status = StatusRunning }))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := 0; p <= 100; p += 10 {
				_ = r.Update(id, func(s *Session) {
					s.Progress = p
					s.Message = "scanning"
					_ = i
				})
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if snap, ok := r.Snapshot(id); ok {
					require.GreaterOrEqual(t, snap.Progress, 0)
					require.LessOrEqual(t, snap.Progress, 100)
				}
			}
		}()
	}
	wg.Wait()
}
