package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/audit"
	"github.com/Nimrod-Galor/Domain-Audit-sub015/internal/metrics"
)

// Registry errors.
var (
	ErrNotFound          = errors.New("session not found")
	ErrSessionTerminal   = errors.New("session is terminal")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotCompleted      = errors.New("session is not completed")
)

// Config controls registry retention.
//   - TTL: how long terminal sessions stay resolvable (default 30m).
//   - MaxSessions: soft cap on stored sessions; beyond it the oldest terminal
//     sessions are evicted first (default 10000).
//   - SweepInterval: janitor period (default 1m).
//   - WatchBuffer: per-watcher channel depth (default 16).
type Config struct {
	TTL           time.Duration
	MaxSessions   int
	SweepInterval time.Duration
	WatchBuffer   int
}

const (
	defaultTTL           = 30 * time.Minute
	defaultMaxSessions   = 10000
	defaultSweepInterval = time.Minute
	defaultWatchBuffer   = 16
)

// Registry is the thread-safe owner of all audit sessions. Every mutation
// goes through Update under the registry lock, so concurrent readers always
// observe a consistent snapshot and per-session updates are totally ordered.
type Registry struct {
	cfg    Config
	clock  audit.Clock
	idGen  audit.IDGenerator
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	watchers map[string][]*watcher

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

type watcher struct {
	ch     chan Snapshot
	closed bool
}

// NewRegistry constructs a Registry and starts its retention janitor. Call
// Close to stop it.
func NewRegistry(cfg Config, clock audit.Clock, idGen audit.IDGenerator, logger *zap.Logger) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.WatchBuffer <= 0 {
		cfg.WatchBuffer = defaultWatchBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cfg:      cfg,
		clock:    clock,
		idGen:    idGen,
		logger:   logger,
		sessions: make(map[string]*Session),
		watchers: make(map[string][]*watcher),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go r.runJanitor()
	return r
}

// Close stops the janitor and closes all watcher streams.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh

		r.mu.Lock()
		defer r.mu.Unlock()
		for id := range r.watchers {
			r.closeWatchersLocked(id)
		}
	})
}

// Create registers a new queued session and returns its ID.
func (r *Registry) Create(userID *string, req audit.Request) (string, error) {
	id, err := r.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	now := r.clock.Now()
	s := &Session{
		ID:        id,
		UserID:    userID,
		Request:   req,
		Status:    StatusQueued,
		Message:   "Audit queued",
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) >= r.cfg.MaxSessions {
		r.evictOldestTerminalLocked()
	}
	r.sessions[id] = s
	return id, nil
}

// Get returns a value copy of the session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Snapshot returns the externally visible view of the session.
func (r *Registry) Snapshot(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Update applies fn to the session under the registry lock. Terminal sessions
// reject further mutation, and status changes must follow the state machine.
// Watchers observe the resulting snapshot in update order.
func (r *Registry) Update(id string, fn func(*Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status.IsTerminal() {
		return ErrSessionTerminal
	}
	prev := s.Status
	fn(s)
	if next := s.Status; next != prev && !canTransition(prev, next) {
		s.Status = prev
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}
	if s.Progress < 0 {
		s.Progress = 0
	}
	if s.Progress > 100 {
		s.Progress = 100
	}
	s.UpdatedAt = r.clock.Now()
	r.notifyLocked(s)
	return nil
}

// MarkUsageRecorded flips the one-shot usage flag on a completed session. It
// returns true only for the first caller, which makes at-most-once ledger
// recording trivial even under concurrent resolves.
func (r *Registry) MarkUsageRecorded(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.Status != StatusCompleted {
		return false, ErrNotCompleted
	}
	if s.UsageRecorded {
		return false, nil
	}
	s.UsageRecorded = true
	return true, nil
}

// Watch subscribes to the session's snapshot stream. The channel receives
// every update applied after the call (intermediate snapshots may be dropped
// under backpressure, latest wins) and closes once the session reaches a
// terminal state or is evicted. The cancel func must be called when the
// subscriber disconnects.
func (r *Registry) Watch(id string) (<-chan Snapshot, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	w := &watcher{ch: make(chan Snapshot, r.cfg.WatchBuffer)}
	if s.Status.IsTerminal() {
		// Deliver the terminal snapshot and close immediately.
		w.ch <- s.snapshot()
		close(w.ch)
		w.closed = true
		return w.ch, func() {}, nil
	}
	r.watchers[id] = append(r.watchers[id], w)
	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.removeWatcherLocked(id, w)
	}
	return w.ch, cancel, nil
}

// Evict removes a session and closes its watcher streams.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked(id)
}

// Len reports the number of stored sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) notifyLocked(s *Session) {
	snap := s.snapshot()
	terminal := s.Status.IsTerminal()
	for _, w := range r.watchers[s.ID] {
		if w.closed {
			continue
		}
		select {
		case w.ch <- snap:
		default:
			if terminal {
				// The terminal snapshot must arrive: drop the oldest
				// buffered one to make room.
				select {
				case <-w.ch:
				default:
				}
				select {
				case w.ch <- snap:
				default:
				}
			}
		}
	}
	if terminal {
		r.closeWatchersLocked(s.ID)
	}
}

func (r *Registry) removeWatcherLocked(id string, target *watcher) {
	watchers := r.watchers[id]
	for i, w := range watchers {
		if w == target {
			r.watchers[id] = append(watchers[:i], watchers[i+1:]...)
			if !w.closed {
				close(w.ch)
				w.closed = true
			}
			break
		}
	}
	if len(r.watchers[id]) == 0 {
		delete(r.watchers, id)
	}
}

func (r *Registry) closeWatchersLocked(id string) {
	for _, w := range r.watchers[id] {
		if !w.closed {
			close(w.ch)
			w.closed = true
		}
	}
	delete(r.watchers, id)
}

func (r *Registry) evictLocked(id string) {
	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	r.closeWatchersLocked(id)
	metrics.ObserveSessionEvicted()
}

// evictOldestTerminalLocked frees one slot when the map is at capacity.
// Non-terminal sessions are never evicted, so a burst of live audits can
// transiently exceed the cap.
func (r *Registry) evictOldestTerminalLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, s := range r.sessions {
		if !s.Status.IsTerminal() {
			continue
		}
		if oldestID == "" || s.UpdatedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = s.UpdatedAt
		}
	}
	if oldestID != "" {
		r.evictLocked(oldestID)
	}
}

func (r *Registry) runJanitor() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, s := range r.sessions {
		if s.Status.IsTerminal() && now.Sub(s.UpdatedAt) > r.cfg.TTL {
			r.evictLocked(id)
			evicted++
		}
	}
	for len(r.sessions) > r.cfg.MaxSessions {
		before := len(r.sessions)
		r.evictOldestTerminalLocked()
		if len(r.sessions) == before {
			break
		}
		evicted++
	}
	if evicted > 0 {
		r.logger.Debug("evicted expired sessions", zap.Int("count", evicted))
	}
}
