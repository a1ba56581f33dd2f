package panelbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "correct-horse-battery-staple"

func newTestAPI(t *testing.T) (*API, *PanelBot, *stubNotifier) {
	t.Helper()
	runtime, notifier := newTestRuntime(t)
	bot := &PanelBot{
		config:  DefaultConfig(),
		logger:  slog.Default(),
		db:      runtime.writeDB,
		runtime: runtime,
		pages:   runtime.pages,
	}

	hash, err := HashPassword(testAdminToken)
	require.NoError(t, err)

	cfg := bot.config.API
	cfg.Enabled = true
	cfg.TokenHash = hash

	api, err := newAPI(cfg, bot, nil)
	require.NoError(t, err)
	return api, bot, notifier
}

func apiRequest(
	t *testing.T,
	api *API,
	method string,
	path string,
	token string,
) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func TestAPIHealthRequiresNoAuth(t *testing.T) {
	api, _, _ := newTestAPI(t)
	w := apiRequest(t, api, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestAPIRejectsMissingToken(t *testing.T) {
	api, _, _ := newTestAPI(t)
	w := apiRequest(t, api, http.MethodGet, "/api/sessions", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIRejectsWrongToken(t *testing.T) {
	api, _, _ := newTestAPI(t)
	w := apiRequest(t, api, http.MethodGet, "/api/sessions", "nope")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIRefusesWithoutConfiguredHash(t *testing.T) {
	api, _, _ := newTestAPI(t)
	api.config.TokenHash = ""
	w := apiRequest(t, api, http.MethodGet, "/api/sessions", testAdminToken)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAPIListSessions(t *testing.T) {
	api, bot, _ := newTestAPI(t)
	ctx := context.Background()

	session, err := bot.runtime.Open(ctx, "u1", "g1", "c1", 300)
	require.NoError(t, err)

	w := apiRequest(t, api, http.MethodGet, "/api/sessions", testAdminToken)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Sessions []sessionView `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "u1", body.Sessions[0].UserID)
	assert.Equal(t, string(SessionStatusActive), body.Sessions[0].Status)
	assert.Equal(t, session.ExpiresAt, body.Sessions[0].ExpiresAt)
	assert.NotEmpty(t, body.Sessions[0].TraceID)
}

func TestAPIForceCloseSession(t *testing.T) {
	api, bot, notifier := newTestAPI(t)
	ctx := context.Background()

	_, err := bot.runtime.Open(ctx, "u1", "g1", "c1", 300)
	require.NoError(t, err)

	w := apiRequest(
		t,
		api,
		http.MethodDelete,
		"/api/sessions/u1",
		testAdminToken,
	)
	require.Equal(t, http.StatusOK, w.Code)

	_, err = bot.runtime.Store().Load("u1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 1, notifier.noticeCount())

	rows := auditRows(t, bot.runtime, "u1")
	require.Len(t, rows, 1)
	assert.Equal(t, CloseReasonForce, rows[0].CloseReason)
}

func TestAPIForceCloseUnknownUser(t *testing.T) {
	api, _, _ := newTestAPI(t)
	w := apiRequest(
		t,
		api,
		http.MethodDelete,
		"/api/sessions/nobody",
		testAdminToken,
	)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPICloseAllSessions(t *testing.T) {
	api, bot, _ := newTestAPI(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := bot.runtime.Open(
			ctx,
			fmt.Sprintf("u%d", i),
			"g1",
			"c1",
			300,
		)
		require.NoError(t, err)
	}

	w := apiRequest(t, api, http.MethodDelete, "/api/sessions", testAdminToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"closed":3`)
	assert.Empty(t, bot.runtime.ActiveSessions())
}
