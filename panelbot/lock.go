package panelbot

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// userLatch is a single-slot lock for one user. Waiters block on the
// release channel rather than queueing, so there's no fairness guarantee.
// This guards against double-processing rapid double-clicks, it is not a
// scheduler.
type userLatch struct {
	heldSince time.Time
	release   chan struct{}
	once      sync.Once
}

func (l *userLatch) signalRelease() {
	l.once.Do(func() { close(l.release) })
}

// sessionLocks provides timeout-bounded advisory mutual exclusion per user
// ID. A lock held longer than the timeout is considered stale (the holder
// presumably crashed without releasing) and is force-cleared by the next
// acquirer: correctness favors availability over strict exclusion once the
// timeout window has passed.
type sessionLocks struct {
	mu      sync.Mutex
	locks   map[string]*userLatch
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func newSessionLocks(timeout time.Duration, logger *slog.Logger) *sessionLocks {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &sessionLocks{
		locks:   map[string]*userLatch{},
		timeout: timeout,
		logger:  logger.With(loggerNameKey, "session_locks"),
		now:     time.Now,
	}
}

// Acquire blocks until any existing lock for the user is released or has
// been held past the timeout, in which case the stale latch is force-cleared
// and acquisition proceeds. The returned release func is idempotent and
// remains safe to call after the latch was force-cleared by someone else.
func (s *sessionLocks) Acquire(
	ctx context.Context,
	userID string,
) (func(), error) {
	for {
		s.mu.Lock()
		existing, held := s.locks[userID]
		if held && s.stale(existing) {
			s.logger.Warn(
				"force-clearing stale session lock",
				columnUserID, userID,
				"held_since", existing.heldSince,
				"timeout", s.timeout,
			)
			existing.signalRelease()
			delete(s.locks, userID)
			held = false
		}
		if !held {
			latch := &userLatch{
				heldSince: s.now(),
				release:   make(chan struct{}),
			}
			s.locks[userID] = latch
			s.mu.Unlock()
			return s.releaseFunc(userID, latch), nil
		}

		// wait for the holder to finish, or for its timeout to elapse,
		// then re-check
		waitUntilStale := existing.heldSince.Add(s.timeout).Sub(s.now())
		releaseCh := existing.release
		s.mu.Unlock()

		timer := time.NewTimer(waitUntilStale)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-releaseCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// IsLocked reports whether the user's lock is currently held, without
// blocking. A latch that has exceeded the timeout is cleared as a side
// effect (self-healing).
func (s *sessionLocks) IsLocked(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	latch, held := s.locks[userID]
	if !held {
		return false
	}
	if s.stale(latch) {
		s.logger.Warn(
			"clearing expired session lock",
			columnUserID, userID,
			"held_since", latch.heldSince,
		)
		latch.signalRelease()
		delete(s.locks, userID)
		return false
	}
	return true
}

// Clear drops all latches, waking any waiters. Used at shutdown.
func (s *sessionLocks) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, latch := range s.locks {
		latch.signalRelease()
		delete(s.locks, userID)
	}
}

func (s *sessionLocks) stale(latch *userLatch) bool {
	return s.now().Sub(latch.heldSince) >= s.timeout
}

func (s *sessionLocks) releaseFunc(userID string, latch *userLatch) func() {
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		latch.signalRelease()
		// only remove the map entry if it's still ours: it may have been
		// force-cleared and replaced by a later acquirer
		if current, ok := s.locks[userID]; ok && current == latch {
			delete(s.locks, userID)
		}
	}
}
