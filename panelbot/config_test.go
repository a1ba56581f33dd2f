package panelbot

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampSessionDuration(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		seconds int
		expect  time.Duration
	}{
		{seconds: 0, expect: DefaultSessionSeconds * time.Second},
		{seconds: -5, expect: DefaultSessionSeconds * time.Second},
		{seconds: 1, expect: MinSessionSeconds * time.Second},
		{seconds: 300, expect: 300 * time.Second},
		{seconds: MaxSessionSeconds * 2, expect: MaxSessionSeconds * time.Second},
	} {
		tc := tc
		t.Run(fmt.Sprintf("seconds_%d", tc.seconds), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expect, clampSessionDuration(tc.seconds))
		})
	}
}

func TestSessionDurationFromEnv(t *testing.T) {
	for _, tc := range []struct {
		name      string
		value     string
		expect    int
		expectSet bool
	}{
		{name: "unset", value: "", expect: 0, expectSet: false},
		{name: "valid", value: "120", expect: 120, expectSet: true},
		{name: "non_numeric", value: "soon", expect: 0, expectSet: false},
		{name: "below_minimum", value: "1", expect: 0, expectSet: false},
		{name: "above_maximum", value: "1000000", expect: 0, expectSet: false},
		{name: "at_minimum", value: "10", expect: 10, expectSet: true},
		{name: "at_maximum", value: "86400", expect: 86400, expectSet: true},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(EnvvarSessionDuration, tc.value)
			seconds, ok := sessionDurationFromEnv(nil)
			assert.Equal(t, tc.expectSet, ok)
			assert.Equal(t, tc.expect, seconds)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	require.NotNil(t, cfg.Session)
	assert.Equal(t, DefaultSessionDir, cfg.Session.Dir)
	assert.Equal(t, DefaultSessionSeconds, cfg.Session.DefaultDurationSeconds)
	assert.Equal(t, DefaultLockTimeout, cfg.Session.LockTimeout)
	assert.Equal(t, DefaultIdleSweepSpec, cfg.Session.IdleSweepSpec)
	assert.Equal(t, DefaultRefreshInterval, cfg.Session.RefreshInterval)
	assert.Equal(t, DefaultRenderInterval, cfg.Session.RenderInterval)

	require.NotNil(t, cfg.Discord)
	assert.Equal(t, DefaultDiscordGatewayIntent, cfg.Discord.GatewayIntents)

	require.NotNil(t, cfg.API)
	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	err := validateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord token")

	cfg.Discord.Token = "token"
	cfg.Discord.ApplicationID = "app"
	require.NoError(t, validateConfig(cfg))

	cfg.DatabaseType = "oracle"
	assert.Error(t, validateConfig(cfg))
}
