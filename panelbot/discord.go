package panelbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// DiscordSessionHandler is the subset of [discordgo.Session] the bot
// uses, extracted so tests can substitute a stub gateway.
type DiscordSessionHandler interface {
	Open() error
	Close() error
	AddHandler(handler any) func()
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error
	InteractionResponse(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	UpdateCustomStatus(state string) error
	SetIdentify(identify discordgo.Identify)
}

// discordgoSession wraps [discordgo.Session] to satisfy
// [DiscordSessionHandler].
type discordgoSession struct {
	*discordgo.Session
}

func (d discordgoSession) AddHandler(handler any) func() {
	return d.Session.AddHandler(handler)
}

func (d discordgoSession) SetIdentify(identify discordgo.Identify) {
	d.Session.Identify = identify
}

// Discord owns the bot's gateway connection and slash command
// registration.
type Discord struct {
	config  *DiscordConfig
	session DiscordSessionHandler
	logger  *slog.Logger

	connected atomic.Bool

	// discordgoRemoveLogger unsets the discordgo package-level logger
	// hook on shutdown
	discordgoRemoveLogger func()
}

func newDiscord(
	cfg *DiscordConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) (*Discord, error) {
	if cfg == nil {
		return nil, errors.New("nil discord config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Discord{
		config: cfg,
		logger: logger.With(loggerNameKey, "discord"),
	}

	session, err := discordgo.New(fmt.Sprintf("Bot %s", cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	if httpClient != nil {
		session.Client = httpClient
	}
	session.Identify.Intents = cfg.GatewayIntents
	session.ShouldRetryOnRateLimit = true
	d.session = discordgoSession{Session: session}
	return d, nil
}

// Connect installs gateway handlers, opens the websocket, and overwrites
// the bot's slash commands.
func (d *Discord) Connect(ctx context.Context) error {
	logLevels := &slog.LevelVar{}
	if d.config.DiscordGoLogLevel != nil {
		logLevels.Set(d.config.DiscordGoLogLevel.Level())
	}
	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		newLogHandler(defaultLogWriter, logLevels),
	)
	d.discordgoRemoveLogger = func() { discordgo.Logger = nil }

	d.session.AddHandler(d.handlerConnect())
	d.session.AddHandler(d.handlerDisconnect())
	d.session.AddHandler(d.handlerReady())

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	if err := d.registerCommands(ctx); err != nil {
		return err
	}
	return nil
}

// Close disconnects from the gateway.
func (d *Discord) Close() error {
	if d.discordgoRemoveLogger != nil {
		d.discordgoRemoveLogger()
	}
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

func (d *Discord) registerCommands(ctx context.Context) error {
	commands := []*discordgo.ApplicationCommand{panelCommand()}
	registered, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
	)
	if err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	for _, cmd := range registered {
		d.logger.InfoContext(
			ctx,
			"registered command",
			"name", cmd.Name,
			"command_id", cmd.ID,
			"guild_id", d.config.GuildID,
		)
	}
	return nil
}

func (d *Discord) handlerConnect() func(
	_ *discordgo.Session,
	_ *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.connected.Store(true)
		d.logger.Info("discord gateway connected")
		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Warn("error setting custom status", tint.Err(err))
			}
		}
		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			_, err := d.session.ChannelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
			)
			if err != nil {
				d.logger.Warn("error sending startup message", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	_ *discordgo.Session,
	_ *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.logger.Warn("discord gateway disconnected")
	}
}

func (d *Discord) handlerReady() func(
	_ *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"discord gateway ready",
			"bot_user", r.User.String(),
			"session_id", r.SessionID,
		)
	}
}

// panelCommand is the single slash command the bot registers. The
// duration option is autocompleted with a few common values and clamped
// server-side regardless of what the client sends.
func panelCommand() *discordgo.ApplicationCommand {
	minDuration := float64(MinSessionSeconds)
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandPanel,
		Description: DefaultPanelCommandDesc,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:         discordgo.ApplicationCommandOptionInteger,
				Name:         panelCommandDurationOption,
				Description:  DefaultPanelDurationDesc,
				Required:     false,
				Autocomplete: true,
				MinValue:     &minDuration,
				MaxValue:     MaxSessionSeconds,
			},
			{
				Type:         discordgo.ApplicationCommandOptionString,
				Name:         panelCommandQueryOption,
				Description:  DefaultPanelQueryDesc,
				Required:     false,
				Autocomplete: true,
			},
		},
	}
}

// durationChoices are offered when the user autocompletes the duration
// option without typing anything.
var durationChoices = []int{60, 300, 900, 3600, 21600, 86400}

// InteractionHandler abstracts responding to a single Discord
// interaction, so the dispatch path can be tested without a gateway.
type InteractionHandler interface {
	Respond(ctx context.Context, response *discordgo.InteractionResponse) error
	Edit(ctx context.Context, response *discordgo.WebhookEdit) error
	GetResponse(ctx context.Context) (*discordgo.Message, error)
	Delete(ctx context.Context)
	GetInteraction() *discordgo.InteractionCreate
	Logger() *slog.Logger
}

// GatewayHandler is the production [InteractionHandler], backed by the
// live gateway session.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func NewGatewayHandler(
	session DiscordSessionHandler,
	interaction *discordgo.InteractionCreate,
	logger *slog.Logger,
) GatewayHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return GatewayHandler{
		session:     session,
		interaction: interaction,
		logger:      logger,
	}
}

func (g GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return g.interaction
}

func (g GatewayHandler) Logger() *slog.Logger {
	return g.logger
}

func (g GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := g.session.InteractionRespond(
		g.interaction.Interaction,
		response,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		g.logger.ErrorContext(
			ctx,
			"error responding to interaction",
			tint.Err(err),
			"response_type", response.Type,
		)
	}
	return err
}

func (g GatewayHandler) Edit(
	ctx context.Context,
	response *discordgo.WebhookEdit,
) error {
	_, err := g.session.InteractionResponseEdit(
		g.interaction.Interaction,
		response,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		g.logger.ErrorContext(
			ctx,
			"error editing interaction response",
			tint.Err(err),
		)
	}
	return err
}

func (g GatewayHandler) GetResponse(
	ctx context.Context,
) (*discordgo.Message, error) {
	return g.session.InteractionResponse(
		g.interaction.Interaction,
		discordgo.WithContext(ctx),
	)
}

func (g GatewayHandler) Delete(ctx context.Context) {
	err := g.session.InteractionResponseDelete(
		g.interaction.Interaction,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		g.logger.ErrorContext(
			ctx,
			"error deleting interaction response",
			tint.Err(err),
		)
	}
}

// payloadResponse maps a render payload to the initial interaction
// response for the /panel command.
func payloadResponse(p RenderPayload) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds:     []*discordgo.MessageEmbed{payloadEmbed(p)},
			Components: payloadComponents(p),
		},
	}
}

// payloadUpdate maps a render payload to a component-interaction response
// that updates the panel message in place.
func payloadUpdate(p RenderPayload) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Embeds:     []*discordgo.MessageEmbed{payloadEmbed(p)},
			Components: payloadComponents(p),
		},
	}
}

// payloadWebhookEdit maps a render payload to a followup edit of an
// already-acknowledged interaction.
func payloadWebhookEdit(p RenderPayload) *discordgo.WebhookEdit {
	embeds := []*discordgo.MessageEmbed{payloadEmbed(p)}
	components := payloadComponents(p)
	return &discordgo.WebhookEdit{
		Embeds:     &embeds,
		Components: &components,
	}
}

// discordNotifier implements [SessionNotifier] for the session runtime's
// background paths. Renders go through the session's stored interaction
// token; close notices additionally fall back to a plain message edit by
// channel and message ID when the token has gone stale, since interaction
// tokens expire after 15 minutes but sessions can outlive that.
type discordNotifier struct {
	session DiscordSessionHandler
	appID   string
	logger  *slog.Logger
}

func newDiscordNotifier(
	session DiscordSessionHandler,
	appID string,
	logger *slog.Logger,
) *discordNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &discordNotifier{
		session: session,
		appID:   appID,
		logger:  logger.With(loggerNameKey, "discord_notifier"),
	}
}

func (n *discordNotifier) tokenHandle(s *Session) (*discordgo.Interaction, bool) {
	if s.InteractionToken == "" {
		return nil, false
	}
	return &discordgo.Interaction{
		AppID: n.appID,
		Token: s.InteractionToken,
	}, true
}

func (n *discordNotifier) RenderSession(
	ctx context.Context,
	session *Session,
	payload RenderPayload,
) error {
	handle, ok := n.tokenHandle(session)
	if !ok {
		return errors.New("session has no interaction token")
	}
	_, err := n.session.InteractionResponseEdit(
		handle,
		payloadWebhookEdit(payload),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return n.editByMessageID(ctx, session, payload)
	}
	return nil
}

func (n *discordNotifier) NotifyClosed(
	ctx context.Context,
	session *Session,
	notice string,
) error {
	payload := ClosedPayload(notice)
	if handle, ok := n.tokenHandle(session); ok {
		_, err := n.session.InteractionResponseEdit(
			handle,
			payloadWebhookEdit(payload),
			discordgo.WithContext(ctx),
		)
		if err == nil {
			return nil
		}
		n.logger.DebugContext(
			ctx,
			"interaction token edit failed, falling back to message edit",
			tint.Err(err),
			columnUserID, session.UserID,
		)
	}
	return n.editByMessageID(ctx, session, payload)
}

func (n *discordNotifier) editByMessageID(
	ctx context.Context,
	session *Session,
	payload RenderPayload,
) error {
	if session.ChannelID == "" || session.MessageID == "" {
		return errors.New("session has no message reference")
	}
	embeds := []*discordgo.MessageEmbed{payloadEmbed(payload)}
	components := payloadComponents(payload)
	_, err := n.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			Channel:    session.ChannelID,
			ID:         session.MessageID,
			Embeds:     &embeds,
			Components: &components,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		n.logger.DebugContext(
			ctx,
			"message edit failed",
			tint.Err(err),
			columnUserID, session.UserID,
		)
	}
	return err
}

// ephemeralError responds to an interaction with a short, user-only
// error message. Best-effort.
func ephemeralError(
	ctx context.Context,
	handler InteractionHandler,
	content string,
) {
	if content == "" {
		content = DefaultDiscordErrorMessage
	}
	_ = handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: truncate(content, discordMaxMessageLength),
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
}

// waitForMessageID fetches the interaction's response message so its ID
// can be stored on the session for token-expiry fallback edits. Retries
// briefly since the response may not be queryable immediately.
func waitForMessageID(
	ctx context.Context,
	handler InteractionHandler,
) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		msg, err := handler.GetResponse(ctx)
		if err == nil && msg != nil {
			return msg.ID, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return "", lastErr
}
