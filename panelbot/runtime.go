package panelbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// ErrSessionAlreadyActive is returned by [SessionRuntime.Open] when the
// user already has a live session. Callers surface this to the user rather
// than overwriting the existing session.
var ErrSessionAlreadyActive = errors.New("session already active")

// SessionNotifier is the narrow surface the session runtime needs from the
// interaction gateway: re-rendering the panel message from the background
// timer, and notifying the user when a session is closed out from under
// them. Both are best-effort; implementations swallow transport errors.
type SessionNotifier interface {
	// RenderSession edits the panel message to show the given payload.
	RenderSession(ctx context.Context, session *Session, payload RenderPayload) error

	// NotifyClosed tells the user their session ended, trying the original
	// interaction handle first and falling back to a direct message edit
	// by stored channel/message ID.
	NotifyClosed(ctx context.Context, session *Session, notice string) error
}

// sessionTimer is the cancellation handle for one session's refresh loop.
type sessionTimer struct {
	userID string
	cancel chan struct{}
	once   sync.Once
}

func (t *sessionTimer) stop() {
	t.once.Do(func() { close(t.cancel) })
}

// SessionRuntime owns all per-process session state: the advisory lock
// table, the per-session refresh timers, and the in-memory last-activity
// table. It's created empty on process start and repopulated lazily as
// users interact; a restart-recovery scan cleans the persisted store but
// deliberately leaves valid sessions for the user's next interaction to
// resume.
type SessionRuntime struct {
	cfg      *SessionConfig
	store    *FileSessionStore
	locks    *sessionLocks
	pages    *PageSet
	writeDB  DBI
	notifier SessionNotifier
	logger   *slog.Logger
	now      func() time.Time

	timers  map[string]*sessionTimer
	timerMu sync.Mutex

	activity   map[string]time.Time
	activityMu sync.Mutex

	sweeper *cron.Cron

	baseCtx   context.Context
	baseStop  context.CancelFunc
	startedMu sync.Mutex

	sessionsOpened       atomic.Int64
	sessionsClosed       atomic.Int64
	refreshTimersRunning atomic.Int64
}

// NewSessionRuntime assembles a runtime. Call [SessionRuntime.Start] to
// begin the idle sweep, and [SessionRuntime.Shutdown] to tear everything
// down.
func NewSessionRuntime(
	cfg *SessionConfig,
	store *FileSessionStore,
	pages *PageSet,
	writeDB DBI,
	notifier SessionNotifier,
	logger *slog.Logger,
) *SessionRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "session_runtime")
	return &SessionRuntime{
		cfg:      cfg,
		store:    store,
		locks:    newSessionLocks(cfg.LockTimeout, logger),
		pages:    pages,
		writeDB:  writeDB,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		timers:   map[string]*sessionTimer{},
		activity: map[string]time.Time{},
	}
}

// Start launches the process-wide idle sweep and anchors the context used
// by per-session refresh timers.
func (r *SessionRuntime) Start(ctx context.Context) error {
	r.startedMu.Lock()
	defer r.startedMu.Unlock()

	if r.baseCtx != nil {
		return errors.New("session runtime already started")
	}
	r.baseCtx, r.baseStop = context.WithCancel(ctx)

	spec := r.cfg.IdleSweepSpec
	if spec == "" {
		spec = DefaultIdleSweepSpec
	}
	r.sweeper = cron.New()
	if _, err := r.sweeper.AddFunc(
		spec,
		func() { r.sweepIdle(r.baseCtx) },
	); err != nil {
		return fmt.Errorf("error scheduling idle sweep: %w", err)
	}
	r.sweeper.Start()
	r.logger.Info("session runtime started", "idle_sweep", spec)
	return nil
}

// Shutdown stops the idle sweep and all outstanding refresh timers, and
// clears the in-memory tables. Best-effort and synchronous; in-flight
// saves are not awaited.
func (r *SessionRuntime) Shutdown() {
	r.startedMu.Lock()
	defer r.startedMu.Unlock()

	if r.sweeper != nil {
		<-r.sweeper.Stop().Done()
		r.sweeper = nil
	}
	if r.baseStop != nil {
		r.baseStop()
	}

	r.timerMu.Lock()
	for userID, timer := range r.timers {
		timer.stop()
		delete(r.timers, userID)
	}
	r.timerMu.Unlock()

	r.activityMu.Lock()
	r.activity = map[string]time.Time{}
	r.activityMu.Unlock()

	r.locks.Clear()
	r.logger.Info("session runtime stopped")
}

// Acquire takes the user's advisory lock. See [sessionLocks.Acquire].
func (r *SessionRuntime) Acquire(
	ctx context.Context,
	userID string,
) (func(), error) {
	return r.locks.Acquire(ctx, userID)
}

// IsLocked reports (without blocking) whether the user's lock is held.
func (r *SessionRuntime) IsLocked(userID string) bool {
	return r.locks.IsLocked(userID)
}

// Store returns the backing session store.
func (r *SessionRuntime) Store() *FileSessionStore {
	return r.store
}

// Pages returns the registered page set.
func (r *SessionRuntime) Pages() *PageSet {
	return r.pages
}

// RecordActivity marks the user as recently active in memory. The idle
// sweep closes sessions whose last recorded activity is too old.
func (r *SessionRuntime) RecordActivity(userID string) {
	r.activityMu.Lock()
	defer r.activityMu.Unlock()
	r.activity[userID] = r.now()
}

func (r *SessionRuntime) clearActivity(userID string) {
	r.activityMu.Lock()
	defer r.activityMu.Unlock()
	delete(r.activity, userID)
}

// Open creates a new session for the user. Fails with
// [ErrSessionAlreadyActive] when a live session exists. Stale records
// (terminal status, or past expiry) found under the user ID are cleaned up
// first, along with any leftover in-memory bookkeeping.
func (r *SessionRuntime) Open(
	ctx context.Context,
	userID string,
	guildID string,
	channelID string,
	durationSeconds int,
) (*Session, error) {
	ctx, logger := r.ctxLogger(ctx)
	now := r.now()

	existing, err := r.store.Load(userID)
	if err == nil {
		if existing.Active(now) {
			return nil, ErrSessionAlreadyActive
		}
		logger.InfoContext(
			ctx,
			"removing stale session record",
			"session", existing,
		)
		if delErr := r.store.Delete(userID); delErr != nil {
			logger.ErrorContext(ctx, "error deleting stale session", tint.Err(delErr))
		}
	}
	r.stopTimer(userID)
	r.clearActivity(userID)

	if durationSeconds <= 0 {
		if envSeconds, ok := sessionDurationFromEnv(logger); ok {
			durationSeconds = envSeconds
		} else {
			durationSeconds = r.cfg.DefaultDurationSeconds
		}
	}

	session := NewSession(userID, guildID, channelID, durationSeconds, now)
	if err = r.store.Save(userID, session); err != nil {
		return nil, fmt.Errorf("error saving new session: %w", err)
	}

	r.sessionsOpened.Add(1)
	r.RecordActivity(userID)
	r.EnsureTimer(userID)

	if _, err = r.writeDB.Updates(
		ctx,
		&PanelUser{ID: userID},
		map[string]any{"sessions_opened": gorm.Expr("sessions_opened + 1")},
	); err != nil {
		logger.ErrorContext(ctx, "error counting session open", tint.Err(err))
	}

	logger.InfoContext(
		ctx,
		"opened session",
		slog.Group("session", sessionLogAttrs(*session)...),
	)
	return session, nil
}

// Touch slides the session's expiry forward (clamped) and persists it.
// Called on every accepted user interaction, never from background ticks,
// which don't represent user action.
func (r *SessionRuntime) Touch(
	ctx context.Context,
	session *Session,
	durationSeconds int,
) error {
	session.Touch(r.now(), durationSeconds)
	if err := r.store.Save(session.UserID, session); err != nil {
		return fmt.Errorf("error saving touched session: %w", err)
	}
	r.RecordActivity(session.UserID)
	return nil
}

// ChangePage moves the session to the target page, clamped into
// [1, totalPages], and persists the session. Page changes are logged;
// landing on the same page is not logged as a change.
func (r *SessionRuntime) ChangePage(
	ctx context.Context,
	session *Session,
	target int,
) error {
	ctx, logger := r.ctxLogger(ctx)
	fromPage := session.CurrentPage
	page, changed := session.SetPage(target, r.pages.TotalPages())
	if changed {
		logger.InfoContext(
			ctx,
			"page changed",
			columnUserID, session.UserID,
			"from", fromPage,
			"to", page,
			"trace_id", session.TraceID,
		)
	}
	if err := r.store.Save(session.UserID, session); err != nil {
		return fmt.Errorf("error saving session page: %w", err)
	}
	return nil
}

// ChangePageDelta moves relative to the current page.
func (r *SessionRuntime) ChangePageDelta(
	ctx context.Context,
	session *Session,
	delta int,
) error {
	return r.ChangePage(ctx, session, session.CurrentPage+delta)
}

// Close transitions the user's session to its terminal state, writes an
// audit row, deletes the store record, and clears all in-memory
// bookkeeping. Idempotent: closing an absent session only clears
// bookkeeping and succeeds.
func (r *SessionRuntime) Close(
	ctx context.Context,
	userID string,
	reason CloseReason,
) error {
	ctx, logger := r.ctxLogger(ctx)

	r.stopTimer(userID)
	r.clearActivity(userID)

	session, err := r.store.Load(userID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}

	switch reason {
	case CloseReasonTimeout:
		session.Status = SessionStatusExpired
	case CloseReasonUser:
		session.Status = SessionStatusClosedByUser
	default:
		session.Status = SessionStatusClosedForced
	}

	if _, err = r.writeDB.Create(ctx, newSessionAudit(session, reason)); err != nil {
		logger.ErrorContext(ctx, "error writing session audit", tint.Err(err))
	}
	if err = r.store.Delete(userID); err != nil {
		logger.ErrorContext(ctx, "error deleting session record", tint.Err(err))
	}

	r.sessionsClosed.Add(1)
	logger.InfoContext(
		ctx,
		"closed session",
		columnUserID, userID,
		"reason", string(reason),
		"trace_id", session.TraceID,
	)
	return nil
}

// CloseAll force-closes every persisted session, notifying each user.
// Used by the admin bulk-close endpoint.
func (r *SessionRuntime) CloseAll(ctx context.Context, reason CloseReason) int {
	ctx, logger := r.ctxLogger(ctx)
	userIDs, err := r.store.Scan()
	if err != nil {
		logger.ErrorContext(ctx, "error scanning sessions", tint.Err(err))
		return 0
	}
	closed := 0
	for _, userID := range userIDs {
		session, loadErr := r.store.Load(userID)
		if loadErr != nil {
			continue
		}
		if closeErr := r.Close(ctx, userID, reason); closeErr != nil {
			logger.ErrorContext(ctx, "error closing session", tint.Err(closeErr))
			continue
		}
		closed++
		if r.notifier != nil {
			_ = r.notifier.NotifyClosed(ctx, session, DefaultDiscordClosedMessage)
		}
	}
	return closed
}

// ActiveSessions loads every live session from the store.
func (r *SessionRuntime) ActiveSessions() []*Session {
	userIDs, err := r.store.Scan()
	if err != nil {
		r.logger.Error("error scanning sessions", tint.Err(err))
		return nil
	}
	now := r.now()
	var sessions []*Session
	for _, userID := range userIDs {
		session, loadErr := r.store.Load(userID)
		if loadErr != nil || !session.Active(now) {
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions
}

// RecoverSessions scans the persisted store after a restart: expired or
// invalid records are deleted (corrupt ones self-heal inside Load), valid
// ones are left in place for the user's next interaction to resume. No
// timers are started here; the in-memory tables begin empty.
func (r *SessionRuntime) RecoverSessions(ctx context.Context) (kept, removed int) {
	ctx, logger := r.ctxLogger(ctx)

	userIDs, err := r.store.Scan()
	if err != nil {
		logger.ErrorContext(ctx, "error scanning session store", tint.Err(err))
		return 0, 0
	}
	now := r.now()
	for _, userID := range userIDs {
		session, loadErr := r.store.Load(userID)
		if loadErr != nil {
			// corrupt records were already deleted by Load
			removed++
			continue
		}
		if !session.Active(now) {
			if closeErr := r.Close(ctx, userID, CloseReasonTimeout); closeErr != nil {
				logger.ErrorContext(ctx, "error closing expired session", tint.Err(closeErr))
			}
			removed++
			continue
		}
		kept++
	}
	logger.InfoContext(
		ctx,
		"session recovery finished",
		"kept", kept,
		"removed", removed,
	)
	return kept, removed
}

// EnsureTimer starts the user's refresh timer if one isn't already
// running. Called when a session is opened, and again when an interaction
// resumes a session recovered from disk after a restart.
func (r *SessionRuntime) EnsureTimer(userID string) {
	r.startedMu.Lock()
	ctx := r.baseCtx
	r.startedMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if _, running := r.timers[userID]; running {
		return
	}
	timer := &sessionTimer{userID: userID, cancel: make(chan struct{})}
	r.timers[userID] = timer
	go r.refreshLoop(ctx, timer)
}

func (r *SessionRuntime) stopTimer(userID string) {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if timer, ok := r.timers[userID]; ok {
		timer.stop()
		delete(r.timers, userID)
	}
}

// removeTimer clears the map entry when a loop exits on its own, but only
// if the entry is still this loop's timer.
func (r *SessionRuntime) removeTimer(timer *sessionTimer) {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if current, ok := r.timers[timer.userID]; ok && current == timer {
		delete(r.timers, timer.userID)
	}
}

// refreshLoop is one session's background timer. Each tick reloads the
// session from the store (so it observes changes made by foreground
// handlers), skips the tick entirely while the user's lock is held
// (foreground always takes precedence over a background re-render), runs
// the timeout close path once expiry has passed, and otherwise re-renders
// the panel, with edits coalesced by a rate limiter so a 1-second check
// interval doesn't translate into 1-second API chatter.
func (r *SessionRuntime) refreshLoop(ctx context.Context, timer *sessionTimer) {
	r.refreshTimersRunning.Add(1)
	defer r.refreshTimersRunning.Add(-1)
	defer r.removeTimer(timer)

	userID := timer.userID
	logger := r.logger.With(columnUserID, userID)

	interval := r.cfg.RefreshInterval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	renderEvery := r.cfg.RenderInterval
	if renderEvery <= 0 {
		renderEvery = DefaultRenderInterval
	}
	limiter := rate.NewLimiter(rate.Every(renderEvery), 1)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Debug("refresh timer started")
	defer logger.Debug("refresh timer stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.cancel:
			return
		case <-ticker.C:
		}

		if r.locks.IsLocked(userID) {
			continue
		}

		session, err := r.store.Load(userID)
		if err != nil {
			// record gone: the session was closed elsewhere
			return
		}
		if session.Status.Terminal() {
			return
		}

		now := r.now()
		if session.Expired(now) {
			if closeErr := r.Close(ctx, userID, CloseReasonTimeout); closeErr != nil {
				logger.Error("error closing expired session", tint.Err(closeErr))
			}
			if r.notifier != nil {
				_ = r.notifier.NotifyClosed(
					ctx, session, DefaultDiscordExpiredMessage,
				)
			}
			return
		}

		if !limiter.Allow() {
			continue
		}
		if r.notifier != nil {
			payload := renderPage(ctx, logger, r.pages, session, now, "")
			if renderErr := r.notifier.RenderSession(ctx, session, payload); renderErr != nil {
				logger.Debug("background render failed", tint.Err(renderErr))
			}
		}
	}
}

// sweepIdle force-closes sessions with no recorded in-memory activity for
// longer than the idle timeout. This bounds in-memory growth from
// abandoned interaction handles; it's independent of the file-based
// expiry, which the refresh loop handles.
func (r *SessionRuntime) sweepIdle(ctx context.Context) {
	ctx, logger := r.ctxLogger(ctx)

	idleTimeout := r.cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	now := r.now()

	r.activityMu.Lock()
	var idle []string
	for userID, lastSeen := range r.activity {
		if now.Sub(lastSeen) > idleTimeout {
			idle = append(idle, userID)
		}
	}
	r.activityMu.Unlock()

	for _, userID := range idle {
		logger.InfoContext(
			ctx,
			"idle sweep closing session",
			columnUserID, userID,
			"idle_timeout", idleTimeout,
		)
		session, loadErr := r.store.Load(userID)
		if err := r.Close(ctx, userID, CloseReasonIdle); err != nil {
			logger.ErrorContext(ctx, "error closing idle session", tint.Err(err))
			continue
		}
		if loadErr == nil && r.notifier != nil {
			_ = r.notifier.NotifyClosed(ctx, session, DefaultDiscordExpiredMessage)
		}
	}
}

func (r *SessionRuntime) ctxLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = r.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}
