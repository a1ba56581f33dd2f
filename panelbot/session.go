package panelbot

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a panel session. There is no
// transition out of a terminal state; a new session must be opened instead.
type SessionStatus string

const (
	SessionStatusActive       SessionStatus = "active"
	SessionStatusExpired      SessionStatus = "expired"
	SessionStatusClosedByUser SessionStatus = "closed_by_user"
	SessionStatusClosedForced SessionStatus = "closed_by_force"
)

func (s SessionStatus) Terminal() bool {
	return s != SessionStatusActive
}

// CloseReason records why a session was closed.
type CloseReason string

const (
	CloseReasonTimeout CloseReason = "timeout"
	CloseReasonUser    CloseReason = "user"
	CloseReasonForce   CloseReason = "force"
	CloseReasonBulk    CloseReason = "bulk"
	CloseReasonIdle    CloseReason = "idle"
)

// QueryRecord is one entry in a session's bounded query history.
type QueryRecord struct {
	Query     string `json:"query"`
	Timestamp int64  `json:"timestamp"`
	Page      int    `json:"page"`
}

// Session is the per-user panel state persisted by the session store.
// All timestamps are unix milliseconds.
//
//nolint:lll // struct tags can't be split
type Session struct {
	UserID    string `json:"userId"`
	GuildID   string `json:"guildId,omitempty"`
	ChannelID string `json:"channelId,omitempty"`

	Status SessionStatus `json:"status"`

	// CurrentPage is 1-based and re-clamped against the page set on every
	// render, since the total page count can change between reads.
	CurrentPage int `json:"currentPage"`

	CreatedAt    int64 `json:"createdAt"`
	LastActionAt int64 `json:"lastActionAt"`
	ExpiresAt    int64 `json:"expiresAt"`

	// SessionDurationSeconds is the sliding window applied on every accepted
	// user interaction, clamped to [MinSessionSeconds, MaxSessionSeconds].
	SessionDurationSeconds int `json:"sessionDurationSeconds"`

	LastQuery    string        `json:"lastQuery,omitempty"`
	QueryHistory []QueryRecord `json:"queryHistory,omitempty"`

	// Selections maps a select-menu custom ID to the last chosen value.
	Selections map[string]string `json:"selections,omitempty"`

	// TraceID correlates all log lines for the lifetime of one session.
	TraceID string `json:"traceId"`

	// MessageID is the ID of the panel message, kept so the background
	// timer can fall back to a direct message edit when the original
	// interaction token has gone stale.
	MessageID string `json:"messageId,omitempty"`

	// InteractionToken is the token of the interaction that opened the
	// panel, used for the primary notification path on close.
	InteractionToken string `json:"interactionToken,omitempty" log:"[redacted]"`

	// SavedAt and SavedAtFormatted are store bookkeeping, refreshed on
	// every save.
	SavedAt          int64  `json:"savedAt,omitempty"`
	SavedAtFormatted string `json:"savedAtFormatted,omitempty"`
}

// NewSession creates an Active session for the given user, with a fresh
// trace ID and an expiry of now + the clamped duration.
func NewSession(
	userID string,
	guildID string,
	channelID string,
	durationSeconds int,
	now time.Time,
) *Session {
	duration := clampSessionDuration(durationSeconds)
	ts := now.UTC().UnixMilli()
	return &Session{
		UserID:                 userID,
		GuildID:                guildID,
		ChannelID:              channelID,
		Status:                 SessionStatusActive,
		CurrentPage:            1,
		CreatedAt:              ts,
		LastActionAt:           ts,
		ExpiresAt:              now.UTC().Add(duration).UnixMilli(),
		SessionDurationSeconds: int(duration.Seconds()),
		Selections:             map[string]string{},
		TraceID:                uuid.NewString(),
	}
}

func (s Session) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnUserID, s.UserID),
		slog.String("status", string(s.Status)),
		slog.Int("current_page", s.CurrentPage),
		slog.Int64("expires_at", s.ExpiresAt),
		slog.String("trace_id", s.TraceID),
	)
}

// Active reports whether the session is live: status Active and expiry in
// the future.
func (s *Session) Active(now time.Time) bool {
	if s == nil {
		return false
	}
	return s.Status == SessionStatusActive && now.UTC().UnixMilli() < s.ExpiresAt
}

// Expired reports whether the session's stored expiry has passed.
func (s *Session) Expired(now time.Time) bool {
	return now.UTC().UnixMilli() >= s.ExpiresAt
}

// Remaining returns the time left until expiry. Never negative.
func (s *Session) Remaining(now time.Time) time.Duration {
	d := time.Duration(s.ExpiresAt-now.UTC().UnixMilli()) * time.Millisecond
	if d < 0 {
		return 0
	}
	return d
}

// Touch slides the expiry forward from now. A positive durationSeconds hint
// replaces the session's duration (clamped); zero or negative keeps the
// current one. Called on every accepted user interaction, never on
// background ticks.
func (s *Session) Touch(now time.Time, durationSeconds int) {
	if durationSeconds > 0 {
		s.SessionDurationSeconds = int(clampSessionDuration(durationSeconds).Seconds())
	}
	duration := clampSessionDuration(s.SessionDurationSeconds)
	ts := now.UTC()
	s.LastActionAt = ts.UnixMilli()
	s.ExpiresAt = ts.Add(duration).UnixMilli()
}

// ClampPage forces CurrentPage into [1, totalPages], returning true if the
// page had to change. totalPages below 1 is treated as 1.
func (s *Session) ClampPage(totalPages int) bool {
	if totalPages < 1 {
		totalPages = 1
	}
	page := s.CurrentPage
	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}
	changed := page != s.CurrentPage
	s.CurrentPage = page
	return changed
}

// SetPage moves to the target page, clamped to [1, totalPages]. Returns the
// resulting page and whether it differs from where the session was.
func (s *Session) SetPage(target int, totalPages int) (int, bool) {
	if totalPages < 1 {
		totalPages = 1
	}
	if target < 1 {
		target = 1
	}
	if target > totalPages {
		target = totalPages
	}
	changed := target != s.CurrentPage
	s.CurrentPage = target
	return target, changed
}

// RecordQuery appends a query to the session history, keeping only the most
// recent QueryHistoryLimit entries, and updates LastQuery.
func (s *Session) RecordQuery(query string, now time.Time) {
	s.LastQuery = query
	s.QueryHistory = append(
		s.QueryHistory,
		QueryRecord{
			Query:     query,
			Timestamp: now.UTC().UnixMilli(),
			Page:      s.CurrentPage,
		},
	)
	if len(s.QueryHistory) > QueryHistoryLimit {
		s.QueryHistory = s.QueryHistory[len(s.QueryHistory)-QueryHistoryLimit:]
	}
}

// RecordSelection remembers the last chosen value for a select menu.
func (s *Session) RecordSelection(menuID string, value string) {
	if s.Selections == nil {
		s.Selections = map[string]string{}
	}
	s.Selections[menuID] = value
}

// valid reports whether a loaded record has all fields the store requires.
// Records missing any of these are treated as corrupt.
func (s *Session) valid() bool {
	if s == nil {
		return false
	}
	return s.UserID != "" && s.Status != "" && s.ExpiresAt != 0 && s.CurrentPage != 0
}
