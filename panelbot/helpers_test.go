package panelbot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatRemaining(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		d      time.Duration
		expect string
	}{
		{d: 0, expect: "0s"},
		{d: -time.Minute, expect: "0s"},
		{d: 9 * time.Second, expect: "9s"},
		{d: 4*time.Minute + 32*time.Second, expect: "4m 32s"},
		{d: time.Hour + 5*time.Minute, expect: "1h 5m"},
		{d: 24 * time.Hour, expect: "24h 0m"},
	} {
		assert.Equal(t, tc.expect, formatRemaining(tc.d), tc.d.String())
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "hél", truncate("héllo", 3))
}

func TestChunkItems(t *testing.T) {
	t.Parallel()
	chunks := chunkItems(2, "a", "b", "c", "d", "e")
	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"a", "b"}, chunks[0])
	assert.Equal(t, []string{"e"}, chunks[2])

	assert.Nil(t, chunkItems[string](3))
}

func TestHashAndVerifyPassword(t *testing.T) {
	t.Parallel()
	hashed, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotContains(t, hashed, "hunter2")

	match, err := VerifyPassword(hashed, "hunter2")
	require.NoError(t, err)
	assert.True(t, match)

	match, err = VerifyPassword(hashed, "wrong")
	require.NoError(t, err)
	assert.False(t, match)

	_, err = VerifyPassword("not-a-hash", "hunter2")
	assert.Error(t, err)
}

func TestStringPointerValue(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", stringPointerValue(nil))
	v := "value"
	assert.Equal(t, "value", stringPointerValue(&v))
}
