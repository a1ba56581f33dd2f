package panelbot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPanelCustomID(t *testing.T) {
	t.Parallel()
	id := panelCustomID(panelActionNext)
	assert.True(t, strings.HasPrefix(id, "panel:next:"))

	action, ok := parsePanelCustomID(id)
	require.True(t, ok)
	assert.Equal(t, panelActionNext, action)

	// nonces make IDs unique across renders
	assert.NotEqual(t, id, panelCustomID(panelActionNext))
}

func TestParsePanelCustomIDForeign(t *testing.T) {
	t.Parallel()
	for _, customID := range []string{
		"",
		"somethingelse",
		"otherbot:action:abc",
		"panels:next:abc",
	} {
		_, ok := parsePanelCustomID(customID)
		assert.False(t, ok, customID)
	}
}

// failingPage trips every capability to exercise render degradation.
type failingPage struct{}

func (failingPage) PageNumber() int   { return 1 }
func (failingPage) PageTitle() string { panic("title exploded") }
func (failingPage) PageContent(context.Context, string) (string, error) {
	return "", errors.New("content query failed")
}
func (failingPage) SelectOptions(context.Context) []SelectOption {
	panic("options exploded")
}
func (failingPage) HandleSelectMenu(
	context.Context,
	string,
	*Session,
) (string, error) {
	return "", nil
}

func TestRenderPageDegradesOnFailure(t *testing.T) {
	t.Parallel()
	pages, err := NewPageSet(failingPage{})
	require.NoError(t, err)

	session := NewSession("user1", "", "", 300, time.Now())
	payload := renderPage(
		context.Background(),
		nil,
		pages,
		session,
		time.Now(),
		"",
	)

	// every fragment degrades independently: render never aborts
	assert.Equal(t, renderPlaceholder, payload.Title)
	require.Len(t, payload.Fields, 1)
	assert.Equal(t, renderPlaceholder, payload.Fields[0].Value)
	assert.Empty(t, payload.SelectOptions)
	assert.False(t, payload.Closed)
}

type staticPage struct {
	number int
}

func (p staticPage) PageNumber() int   { return p.number }
func (p staticPage) PageTitle() string { return fmt.Sprintf("Page %d", p.number) }

func staticPages(t *testing.T, n int) *PageSet {
	t.Helper()
	providers := make([]PageProvider, 0, n)
	for i := 1; i <= n; i++ {
		providers = append(providers, staticPage{number: i})
	}
	pages, err := NewPageSet(providers...)
	require.NoError(t, err)
	return pages
}

func TestRenderPageNavigationBounds(t *testing.T) {
	t.Parallel()
	pages := staticPages(t, 3)
	now := time.Now()
	session := NewSession("user1", "", "", 300, now)

	payload := renderPage(context.Background(), nil, pages, session, now, "")
	assert.False(t, payload.HasPrevious)
	assert.True(t, payload.HasNext)

	session.CurrentPage = 3
	payload = renderPage(context.Background(), nil, pages, session, now, "")
	assert.True(t, payload.HasPrevious)
	assert.False(t, payload.HasNext)
}

func TestRenderPageReclampsStoredPage(t *testing.T) {
	t.Parallel()
	pages := staticPages(t, 2)
	now := time.Now()

	// a record saved when more pages existed
	session := NewSession("user1", "", "", 300, now)
	session.CurrentPage = 7

	payload := renderPage(context.Background(), nil, pages, session, now, "")
	assert.Equal(t, 2, payload.Page)
	assert.Equal(t, 2, session.CurrentPage)
}

func TestPayloadComponents(t *testing.T) {
	t.Parallel()
	p := RenderPayload{
		Page:        1,
		TotalPages:  3,
		HasPrevious: false,
		HasNext:     true,
		CanSearch:   true,
		SelectOptions: []SelectOption{
			{Label: "General", Value: "general"},
		},
	}
	components := payloadComponents(p)
	require.Len(t, components, 2)

	row, ok := components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, row.Components, 5)

	prev, ok := row.Components[0].(discordgo.Button)
	require.True(t, ok)
	assert.True(t, prev.Disabled)
	next, ok := row.Components[1].(discordgo.Button)
	require.True(t, ok)
	assert.False(t, next.Disabled)

	selectRow, ok := components[1].(discordgo.ActionsRow)
	require.True(t, ok)
	menu, ok := selectRow.Components[0].(discordgo.SelectMenu)
	require.True(t, ok)
	require.Len(t, menu.Options, 1)
	assert.Equal(t, "general", menu.Options[0].Value)
}

func TestPayloadComponentsClosed(t *testing.T) {
	t.Parallel()
	assert.Empty(t, payloadComponents(ClosedPayload("")))
}

func TestPayloadEmbedFooterCountdown(t *testing.T) {
	t.Parallel()
	embed := payloadEmbed(
		RenderPayload{
			Title:      "Overview",
			Page:       2,
			TotalPages: 3,
			Remaining:  4*time.Minute + 32*time.Second,
		},
	)
	require.NotNil(t, embed.Footer)
	assert.Contains(t, embed.Footer.Text, "Page 2/3")
	assert.Contains(t, embed.Footer.Text, "4m 32s")
}

func TestClosedPayloadDefaultNotice(t *testing.T) {
	t.Parallel()
	p := ClosedPayload("")
	assert.True(t, p.Closed)
	assert.Equal(t, DefaultDiscordClosedMessage, p.Notice)

	p = ClosedPayload("custom")
	assert.Equal(t, "custom", p.Notice)
}
