package panelbot

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionClampsDuration(t *testing.T) {
	t.Parallel()
	now := time.Now()

	for _, tc := range []struct {
		requested int
		expect    int
	}{
		{requested: 0, expect: DefaultSessionSeconds},
		{requested: -100, expect: DefaultSessionSeconds},
		{requested: 5, expect: MinSessionSeconds},
		{requested: MinSessionSeconds, expect: MinSessionSeconds},
		{requested: 600, expect: 600},
		{requested: MaxSessionSeconds, expect: MaxSessionSeconds},
		{requested: MaxSessionSeconds + 1, expect: MaxSessionSeconds},
	} {
		tc := tc
		t.Run(fmt.Sprintf("requested_%d", tc.requested), func(t *testing.T) {
			t.Parallel()
			s := NewSession("user1", "", "", tc.requested, now)
			assert.Equal(t, tc.expect, s.SessionDurationSeconds)
			assert.Equal(
				t,
				now.UTC().Add(time.Duration(tc.expect)*time.Second).UnixMilli(),
				s.ExpiresAt,
			)
		})
	}
}

func TestNewSessionDefaults(t *testing.T) {
	t.Parallel()
	now := time.Now()
	s := NewSession("user1", "guild1", "channel1", 300, now)

	assert.Equal(t, SessionStatusActive, s.Status)
	assert.Equal(t, 1, s.CurrentPage)
	assert.NotEmpty(t, s.TraceID)
	assert.True(t, s.Active(now))
	assert.False(t, s.Expired(now))

	other := NewSession("user1", "guild1", "channel1", 300, now)
	assert.NotEqual(t, s.TraceID, other.TraceID)
}

func TestSessionExpiry(t *testing.T) {
	t.Parallel()
	now := time.Now()
	s := NewSession("user1", "", "", 60, now)

	assert.True(t, s.Active(now.Add(59*time.Second)))
	assert.False(t, s.Active(now.Add(61*time.Second)))
	assert.True(t, s.Expired(now.Add(61*time.Second)))

	assert.Equal(t, time.Duration(0), s.Remaining(now.Add(2*time.Minute)))
	assert.Equal(t, 30*time.Second, s.Remaining(now.Add(30*time.Second)))
}

func TestSessionTouchSlidesExpiry(t *testing.T) {
	t.Parallel()
	now := time.Now()
	s := NewSession("user1", "", "", 60, now)
	firstExpiry := s.ExpiresAt

	later := now.Add(30 * time.Second)
	s.Touch(later, 0)
	assert.Greater(t, s.ExpiresAt, firstExpiry)
	assert.Equal(t, 60, s.SessionDurationSeconds)
	assert.Equal(t, later.UTC().UnixMilli(), s.LastActionAt)

	// a positive hint replaces the window, clamped
	s.Touch(later, MaxSessionSeconds*10)
	assert.Equal(t, MaxSessionSeconds, s.SessionDurationSeconds)
	assert.Equal(
		t,
		later.UTC().Add(MaxSessionSeconds*time.Second).UnixMilli(),
		s.ExpiresAt,
	)
}

func TestSessionSetPage(t *testing.T) {
	t.Parallel()
	s := NewSession("user1", "", "", 60, time.Now())

	page, changed := s.SetPage(2, 3)
	assert.Equal(t, 2, page)
	assert.True(t, changed)

	// same page is not a change
	page, changed = s.SetPage(2, 3)
	assert.Equal(t, 2, page)
	assert.False(t, changed)

	// clamped at both bounds
	page, _ = s.SetPage(0, 3)
	assert.Equal(t, 1, page)
	page, _ = s.SetPage(99, 3)
	assert.Equal(t, 3, page)
}

func TestSessionClampPage(t *testing.T) {
	t.Parallel()
	s := NewSession("user1", "", "", 60, time.Now())
	s.CurrentPage = 5

	require.True(t, s.ClampPage(3))
	assert.Equal(t, 3, s.CurrentPage)
	assert.False(t, s.ClampPage(3))
}

func TestSessionQueryHistoryBounded(t *testing.T) {
	t.Parallel()
	now := time.Now()
	s := NewSession("user1", "", "", 60, now)

	for i := 0; i < QueryHistoryLimit+5; i++ {
		s.RecordQuery(fmt.Sprintf("query-%d", i), now)
	}
	require.Len(t, s.QueryHistory, QueryHistoryLimit)
	assert.Equal(
		t,
		fmt.Sprintf("query-%d", QueryHistoryLimit+4),
		s.QueryHistory[len(s.QueryHistory)-1].Query,
	)
	assert.Equal(t, fmt.Sprintf("query-%d", QueryHistoryLimit+4), s.LastQuery)
}

func TestSessionRecordSelection(t *testing.T) {
	t.Parallel()
	s := NewSession("user1", "", "", 60, time.Now())
	s.RecordSelection("menu", "a")
	s.RecordSelection("menu", "b")
	assert.Equal(t, "b", s.Selections["menu"])
}

func TestSessionStatusTerminal(t *testing.T) {
	t.Parallel()
	assert.False(t, SessionStatusActive.Terminal())
	assert.True(t, SessionStatusExpired.Terminal())
	assert.True(t, SessionStatusClosedByUser.Terminal())
	assert.True(t, SessionStatusClosedForced.Terminal())
}
