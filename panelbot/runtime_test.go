package panelbot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type stubNotifier struct {
	mu      sync.Mutex
	renders []RenderPayload
	notices []string
}

func (s *stubNotifier) RenderSession(
	_ context.Context,
	_ *Session,
	payload RenderPayload,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renders = append(s.renders, payload)
	return nil
}

func (s *stubNotifier) NotifyClosed(
	_ context.Context,
	_ *Session,
	notice string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, notice)
	return nil
}

func (s *stubNotifier) noticeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notices)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := CreateDB(context.Background(), dbTypeSQLite, ":memory:", nil)
	require.NoError(t, err)
	return db
}

func newTestRuntime(t *testing.T) (*SessionRuntime, *stubNotifier) {
	t.Helper()
	gdb := newTestDB(t)
	pages, err := DefaultPageSet(gdb)
	require.NoError(t, err)
	store, err := NewFileSessionStore(t.TempDir(), nil)
	require.NoError(t, err)

	notifier := &stubNotifier{}
	cfg := &SessionConfig{
		Dir:                    store.Dir(),
		DefaultDurationSeconds: DefaultSessionSeconds,
		LockTimeout:            time.Minute,
		IdleTimeout:            DefaultIdleTimeout,
		IdleSweepSpec:          DefaultIdleSweepSpec,
		RefreshInterval:        10 * time.Millisecond,
		RenderInterval:         10 * time.Millisecond,
	}
	r := NewSessionRuntime(
		cfg,
		store,
		pages,
		NewDatabase(gdb, nil, false),
		notifier,
		nil,
	)
	t.Cleanup(r.Shutdown)
	return r, notifier
}

func auditRows(t *testing.T, r *SessionRuntime, userID string) []SessionAudit {
	t.Helper()
	var rows []SessionAudit
	require.NoError(
		t,
		r.writeDB.DB().Where("user_id = ?", userID).Find(&rows).Error,
	)
	return rows
}

func TestRuntimeOpen(t *testing.T) {
	r, _ := newTestRuntime(t)
	ctx := context.Background()

	session, err := r.Open(ctx, "user1", "guild1", "channel1", 60)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusActive, session.Status)
	assert.Equal(t, 60, session.SessionDurationSeconds)
	assert.Equal(t, 1, session.CurrentPage)

	loaded, err := r.Store().Load("user1")
	require.NoError(t, err)
	assert.Equal(t, session.TraceID, loaded.TraceID)
}

func TestRuntimeOpenAlreadyActive(t *testing.T) {
	r, _ := newTestRuntime(t)
	ctx := context.Background()

	_, err := r.Open(ctx, "user1", "", "", 60)
	require.NoError(t, err)

	_, err = r.Open(ctx, "user1", "", "", 60)
	assert.ErrorIs(t, err, ErrSessionAlreadyActive)
}

func TestRuntimeOpenReplacesStaleRecord(t *testing.T) {
	r, _ := newTestRuntime(t)
	ctx := context.Background()

	stale := NewSession("user1", "", "", 60, time.Now().Add(-time.Hour))
	require.NoError(t, r.Store().Save("user1", stale))

	session, err := r.Open(ctx, "user1", "", "", 60)
	require.NoError(t, err)
	assert.NotEqual(t, stale.TraceID, session.TraceID)
	assert.True(t, session.Active(time.Now()))
}

func TestRuntimeOpenDurationFromEnv(t *testing.T) {
	t.Setenv(EnvvarSessionDuration, "120")
	r, _ := newTestRuntime(t)

	session, err := r.Open(context.Background(), "user1", "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, 120, session.SessionDurationSeconds)
}

func TestRuntimeOpenDurationOptionBeatsEnv(t *testing.T) {
	t.Setenv(EnvvarSessionDuration, "120")
	r, _ := newTestRuntime(t)

	session, err := r.Open(context.Background(), "user1", "", "", 45)
	require.NoError(t, err)
	assert.Equal(t, 45, session.SessionDurationSeconds)
}

func TestRuntimeCloseIdempotent(t *testing.T) {
	r, _ := newTestRuntime(t)
	ctx := context.Background()

	_, err := r.Open(ctx, "user1", "", "", 60)
	require.NoError(t, err)

	require.NoError(t, r.Close(ctx, "user1", CloseReasonUser))
	_, err = r.Store().Load("user1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	rows := auditRows(t, r, "user1")
	require.Len(t, rows, 1)
	assert.Equal(t, CloseReasonUser, rows[0].CloseReason)
	assert.Equal(t, SessionStatusClosedByUser, rows[0].Status)

	// closing again is a no-op, not an error, and writes nothing new
	require.NoError(t, r.Close(ctx, "user1", CloseReasonUser))
	assert.Len(t, auditRows(t, r, "user1"), 1)
}

func TestRuntimeCloseTimeoutStatus(t *testing.T) {
	r, _ := newTestRuntime(t)
	ctx := context.Background()

	_, err := r.Open(ctx, "user1", "", "", 60)
	require.NoError(t, err)
	require.NoError(t, r.Close(ctx, "user1", CloseReasonTimeout))

	rows := auditRows(t, r, "user1")
	require.Len(t, rows, 1)
	assert.Equal(t, SessionStatusExpired, rows[0].Status)
}

func TestRuntimeTouchSlidesExpiry(t *testing.T) {
	r, _ := newTestRuntime(t)
	ctx := context.Background()

	session := NewSession("user1", "", "", 60, time.Now())
	require.NoError(t, r.Store().Save("user1", session))
	firstExpiry := session.ExpiresAt

	r.now = func() time.Time { return time.Now().Add(30 * time.Second) }
	require.NoError(t, r.Touch(ctx, session, 0))
	assert.Greater(t, session.ExpiresAt, firstExpiry)

	loaded, err := r.Store().Load("user1")
	require.NoError(t, err)
	assert.Equal(t, session.ExpiresAt, loaded.ExpiresAt)
}

func TestRuntimeChangePage(t *testing.T) {
	r, _ := newTestRuntime(t)
	ctx := context.Background()

	session, err := r.Open(ctx, "user1", "", "", 60)
	require.NoError(t, err)

	require.NoError(t, r.ChangePageDelta(ctx, session, 1))
	assert.Equal(t, 2, session.CurrentPage)

	// clamped at the upper bound
	require.NoError(t, r.ChangePage(ctx, session, 99))
	assert.Equal(t, r.Pages().TotalPages(), session.CurrentPage)

	// clamped at the lower bound, and persisted
	require.NoError(t, r.ChangePage(ctx, session, -5))
	loaded, err := r.Store().Load("user1")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.CurrentPage)
}

func TestRuntimeRecoverSessions(t *testing.T) {
	r, _ := newTestRuntime(t)
	now := time.Now()

	require.NoError(
		t,
		r.Store().Save("valid", NewSession("valid", "", "", 300, now)),
	)
	require.NoError(
		t,
		r.Store().Save(
			"expired",
			NewSession("expired", "", "", 60, now.Add(-time.Hour)),
		),
	)

	kept, removed := r.RecoverSessions(context.Background())
	assert.Equal(t, 1, kept)
	assert.Equal(t, 1, removed)

	_, err := r.Store().Load("valid")
	assert.NoError(t, err)
	_, err = r.Store().Load("expired")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	rows := auditRows(t, r, "expired")
	require.Len(t, rows, 1)
	assert.Equal(t, CloseReasonTimeout, rows[0].CloseReason)
}

func TestRuntimeActiveSessions(t *testing.T) {
	r, _ := newTestRuntime(t)
	now := time.Now()

	require.NoError(
		t,
		r.Store().Save("live", NewSession("live", "", "", 300, now)),
	)
	require.NoError(
		t,
		r.Store().Save(
			"dead",
			NewSession("dead", "", "", 60, now.Add(-time.Hour)),
		),
	)

	sessions := r.ActiveSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "live", sessions[0].UserID)
}

func TestRuntimeCloseAll(t *testing.T) {
	r, notifier := newTestRuntime(t)
	ctx := context.Background()

	_, err := r.Open(ctx, "user1", "", "", 60)
	require.NoError(t, err)
	_, err = r.Open(ctx, "user2", "", "", 60)
	require.NoError(t, err)

	closed := r.CloseAll(ctx, CloseReasonBulk)
	assert.Equal(t, 2, closed)
	assert.Equal(t, 2, notifier.noticeCount())

	_, err = r.Store().Load("user1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRuntimeRefreshLoopClosesExpired(t *testing.T) {
	r, notifier := newTestRuntime(t)

	session := NewSession("user1", "", "", 60, time.Now())
	require.NoError(t, r.Store().Save("user1", session))

	// the clock jumps past expiry before the timer starts
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	r.EnsureTimer("user1")

	assert.Eventually(
		t,
		func() bool {
			_, err := r.Store().Load("user1")
			return err != nil && notifier.noticeCount() > 0
		},
		2*time.Second,
		10*time.Millisecond,
		"refresh loop should close an expired session and notify",
	)
	rows := auditRows(t, r, "user1")
	require.Len(t, rows, 1)
	assert.Equal(t, CloseReasonTimeout, rows[0].CloseReason)
}

func TestRuntimeRefreshLoopSkipsWhileLocked(t *testing.T) {
	r, _ := newTestRuntime(t)

	session := NewSession("user1", "", "", 60, time.Now())
	require.NoError(t, r.Store().Save("user1", session))

	release, err := r.Acquire(context.Background(), "user1")
	require.NoError(t, err)

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	r.EnsureTimer("user1")

	// while the lock is held the timer must not touch the session, even
	// though it's past expiry
	time.Sleep(100 * time.Millisecond)
	_, err = r.Store().Load("user1")
	assert.NoError(t, err)

	release()
	assert.Eventually(
		t,
		func() bool {
			_, loadErr := r.Store().Load("user1")
			return loadErr != nil
		},
		2*time.Second,
		10*time.Millisecond,
		"timer should resume once the lock is released",
	)
}

func TestRuntimeRefreshLoopRerenders(t *testing.T) {
	r, notifier := newTestRuntime(t)

	session := NewSession("user1", "", "", 300, time.Now())
	require.NoError(t, r.Store().Save("user1", session))
	r.EnsureTimer("user1")

	assert.Eventually(
		t,
		func() bool {
			notifier.mu.Lock()
			defer notifier.mu.Unlock()
			return len(notifier.renders) > 0
		},
		2*time.Second,
		10*time.Millisecond,
	)
	notifier.mu.Lock()
	payload := notifier.renders[0]
	notifier.mu.Unlock()
	assert.Equal(t, 1, payload.Page)
	assert.False(t, payload.Closed)
}

func TestRuntimeSweepIdle(t *testing.T) {
	r, notifier := newTestRuntime(t)
	ctx := context.Background()

	session := NewSession("user1", "", "", MaxSessionSeconds, time.Now())
	require.NoError(t, r.Store().Save("user1", session))
	r.RecordActivity("user1")

	// not idle yet
	r.sweepIdle(ctx)
	_, err := r.Store().Load("user1")
	require.NoError(t, err)

	r.now = func() time.Time {
		return time.Now().Add(DefaultIdleTimeout + time.Minute)
	}
	r.sweepIdle(ctx)

	_, err = r.Store().Load("user1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 1, notifier.noticeCount())

	rows := auditRows(t, r, "user1")
	require.Len(t, rows, 1)
	assert.Equal(t, CloseReasonIdle, rows[0].CloseReason)
}

func TestRuntimeStartRejectsBadSweepSpec(t *testing.T) {
	r, _ := newTestRuntime(t)
	r.cfg.IdleSweepSpec = "not a cron spec"
	assert.Error(t, r.Start(context.Background()))
}

func TestRuntimeShutdownStopsTimers(t *testing.T) {
	r, _ := newTestRuntime(t)

	session := NewSession("user1", "", "", 300, time.Now())
	require.NoError(t, r.Store().Save("user1", session))
	r.EnsureTimer("user1")

	assert.Eventually(
		t,
		func() bool { return r.refreshTimersRunning.Load() == 1 },
		time.Second,
		5*time.Millisecond,
	)
	r.Shutdown()
	assert.Eventually(
		t,
		func() bool { return r.refreshTimersRunning.Load() == 0 },
		time.Second,
		5*time.Millisecond,
	)
}
