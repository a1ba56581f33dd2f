package panelbot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	// panelCustomIDPrefix namespaces every component custom ID this bot
	// emits, so unknown inbound IDs can be ignored as belonging to some
	// other feature.
	panelCustomIDPrefix = "panel"

	panelActionPrevious = "prev"
	panelActionNext     = "next"
	panelActionRefresh  = "refresh"
	panelActionSearch   = "search"
	panelActionClose    = "close"
	panelActionSelect   = "select"
	panelActionModal    = "query"

	// renderPlaceholder is shown in place of any page fragment whose
	// provider call failed; a failing provider never aborts a render.
	renderPlaceholder = "…"

	customIDNonceLength = 8

	discordMaxButtonsPerActionRow = 5
	discordEmbedFieldValueLimit   = 1024
	discordEmbedDescriptionLimit  = 4096
)

// RenderField is one field of a render payload.
type RenderField struct {
	Name  string
	Value string
}

// RenderPayload is the gateway-agnostic description of one rendered panel
// view: what to show, plus the navigation affordances. The Discord layer
// maps this onto embeds and components.
type RenderPayload struct {
	Title       string
	Description string
	Fields      []RenderField

	Page        int
	TotalPages  int
	HasPrevious bool
	HasNext     bool

	// Remaining is the countdown to session expiry at render time.
	Remaining time.Duration

	// CanSearch indicates the current page offers a query modal.
	CanSearch bool

	// SelectOptions, when non-empty, renders a select menu for the page.
	SelectOptions []SelectOption

	// Result is transient per-interaction output (query results, select
	// handling output), rendered as its own field.
	Result string

	// Closed marks a terminal payload: the session is gone and Notice is
	// the only thing left to show.
	Closed bool
	Notice string
}

// ClosedPayload returns the terminal payload shown when a session has
// ended.
func ClosedPayload(notice string) RenderPayload {
	if notice == "" {
		notice = DefaultDiscordClosedMessage
	}
	return RenderPayload{Closed: true, Notice: notice}
}

// renderPage builds the payload for the session's current page. The page
// is re-clamped against the page set first, since the total page count may
// have changed since the session was last saved. Every provider call is
// independently fault-tolerant: failures log and degrade to a placeholder.
func renderPage(
	ctx context.Context,
	logger *slog.Logger,
	pages *PageSet,
	session *Session,
	now time.Time,
	result string,
) RenderPayload {
	if logger == nil {
		logger = slog.Default()
	}
	total := pages.TotalPages()
	session.ClampPage(total)

	payload := RenderPayload{
		Page:        session.CurrentPage,
		TotalPages:  total,
		HasPrevious: session.CurrentPage > 1,
		HasNext:     session.CurrentPage < total,
		Remaining:   session.Remaining(now),
		Result:      result,
	}

	caps, ok := pages.Page(session.CurrentPage)
	if !ok {
		// ClampPage guarantees the page exists for any non-empty set;
		// treat an empty set as a blank page
		payload.Title = renderPlaceholder
		return payload
	}

	payload.Title = fmt.Sprintf("Page %d", session.CurrentPage)
	if caps.titler != nil {
		payload.Title = safeString(logger, "page_title", func() (string, error) {
			return caps.titler.PageTitle(), nil
		})
	}
	if caps.describer != nil {
		payload.Description = safeString(
			logger, "page_description", func() (string, error) {
				return caps.describer.PageDescription(), nil
			},
		)
	}
	if caps.contenter != nil {
		content := safeString(logger, "page_content", func() (string, error) {
			return caps.contenter.PageContent(ctx, session.UserID)
		})
		payload.Fields = append(
			payload.Fields,
			RenderField{Name: "Content", Value: content},
		)
	}
	if caps.modaler != nil && caps.queryHandler != nil {
		payload.CanSearch = true
	}
	if caps.selector != nil {
		payload.SelectOptions = safeOptions(logger, func() []SelectOption {
			return caps.selector.SelectOptions(ctx)
		})
	}
	return payload
}

// safeString invokes fn, recovering panics and degrading any failure to
// the render placeholder.
func safeString(
	logger *slog.Logger,
	name string,
	fn func() (string, error),
) (out string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(
				"page provider panicked",
				"capability", name,
				tint.Err(fmt.Errorf("%v", r)),
			)
			out = renderPlaceholder
		}
	}()
	s, err := fn()
	if err != nil {
		logger.Error(
			"page provider call failed",
			"capability", name,
			tint.Err(err),
		)
		return renderPlaceholder
	}
	return s
}

func safeOptions(
	logger *slog.Logger,
	fn func() []SelectOption,
) (out []SelectOption) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(
				"page provider panicked",
				"capability", "select_options",
				tint.Err(fmt.Errorf("%v", r)),
			)
			out = nil
		}
	}()
	return fn()
}

// panelCustomID builds a component custom ID: "panel:<action>:<nonce>".
// The nonce keeps IDs unique across re-renders of the same message.
func panelCustomID(action string) string {
	nonce, err := gonanoid.New(customIDNonceLength)
	if err != nil {
		nonce = fmt.Sprintf("%d", time.Now().UnixNano()%1e8)
	}
	return strings.Join([]string{panelCustomIDPrefix, action, nonce}, ":")
}

// parsePanelCustomID extracts the action from a component custom ID.
// Returns false for IDs that don't carry this bot's prefix; those belong
// to some unrelated feature and are acknowledged silently by the caller.
func parsePanelCustomID(customID string) (string, bool) {
	parts := strings.Split(customID, ":")
	if len(parts) < 2 || parts[0] != panelCustomIDPrefix {
		return "", false
	}
	return parts[1], true
}

// payloadEmbed maps a render payload onto a Discord embed.
func payloadEmbed(p RenderPayload) *discordgo.MessageEmbed {
	if p.Closed {
		return &discordgo.MessageEmbed{
			Description: truncate(p.Notice, discordEmbedDescriptionLimit),
		}
	}
	embed := &discordgo.MessageEmbed{
		Title:       p.Title,
		Description: truncate(p.Description, discordEmbedDescriptionLimit),
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf(
				"Page %d/%d • Closes in %s",
				p.Page,
				p.TotalPages,
				formatRemaining(p.Remaining),
			),
		},
	}
	for _, f := range p.Fields {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:  f.Name,
				Value: truncate(f.Value, discordEmbedFieldValueLimit),
			},
		)
	}
	if p.Result != "" {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:  "Result",
				Value: truncate(p.Result, discordEmbedFieldValueLimit),
			},
		)
	}
	return embed
}

// payloadComponents maps a render payload onto Discord message components:
// a navigation button row (previous/next disabled at the bounds), plus a
// select menu row when the page offers one. Terminal payloads get no
// components at all.
func payloadComponents(p RenderPayload) []discordgo.MessageComponent {
	if p.Closed {
		return []discordgo.MessageComponent{}
	}

	buttons := []discordgo.MessageComponent{
		discordgo.Button{
			CustomID: panelCustomID(panelActionPrevious),
			Label:    "◀",
			Style:    discordgo.SecondaryButton,
			Disabled: !p.HasPrevious,
		},
		discordgo.Button{
			CustomID: panelCustomID(panelActionNext),
			Label:    "▶",
			Style:    discordgo.SecondaryButton,
			Disabled: !p.HasNext,
		},
		discordgo.Button{
			CustomID: panelCustomID(panelActionRefresh),
			Label:    "Refresh",
			Style:    discordgo.SecondaryButton,
		},
	}
	if p.CanSearch {
		buttons = append(
			buttons,
			discordgo.Button{
				CustomID: panelCustomID(panelActionSearch),
				Label:    "Search",
				Style:    discordgo.PrimaryButton,
			},
		)
	}
	buttons = append(
		buttons,
		discordgo.Button{
			CustomID: panelCustomID(panelActionClose),
			Label:    "Close",
			Style:    discordgo.DangerButton,
		},
	)

	var components []discordgo.MessageComponent
	for _, row := range chunkItems(discordMaxButtonsPerActionRow, buttons...) {
		components = append(components, discordgo.ActionsRow{Components: row})
	}

	if len(p.SelectOptions) > 0 {
		options := make([]discordgo.SelectMenuOption, 0, len(p.SelectOptions))
		for _, o := range p.SelectOptions {
			options = append(
				options,
				discordgo.SelectMenuOption{
					Label:       o.Label,
					Value:       o.Value,
					Description: o.Description,
				},
			)
		}
		components = append(
			components,
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.SelectMenu{
						CustomID: panelCustomID(panelActionSelect),
						Options:  options,
					},
				},
			},
		)
	}
	return components
}

// payloadModal maps a page's modal spec to a Discord modal response.
func payloadModal(spec ModalSpec) *discordgo.InteractionResponse {
	label := spec.Label
	if label == "" {
		label = "Query"
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: panelCustomID(panelActionModal),
			Title:    spec.Title,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    panelCustomID(panelActionModal),
							Label:       truncate(label, 45),
							Style:       discordgo.TextInputShort,
							Placeholder: spec.Placeholder,
							Required:    true,
							MinLength:   spec.MinLength,
							MaxLength:   spec.MaxLength,
						},
					},
				},
			},
		},
	}
}
