// Package panelbot implements a Discord bot serving a paged "panel"
// interface over a backing database. Each user gets at most one panel
// session at a time, persisted to a per-user file, refreshed by a
// background timer, and guarded by an advisory per-user lock.
package panelbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// Set at build time via:
// -ldflags "-X github.com/kvexa/panelbot/panelbot.Version=$$(date +'%Y%m%d')"
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// PanelBot is the top-level bot: gateway connection, session runtime,
// database, and admin API, assembled from a [Config].
type PanelBot struct {
	config  *Config
	logger  *slog.Logger
	db      DBI
	discord *Discord
	runtime *SessionRuntime
	pages   *PageSet
	api     *API

	// signalStop enables an explicit stop signal to be sent to the bot,
	// as an alternative to canceling the context passed to Run
	signalStop chan struct{}

	// signalReady has a value sent on it once startup has finished and
	// the bot is serving interactions
	signalReady chan struct{}

	// eventShutdown has a value sent on it when a graceful shutdown
	// begins
	eventShutdown chan struct{}

	interactionsSeen    atomic.Int64
	interactionsIgnored atomic.Int64
}

// New validates the config and assembles an un-started bot. Call
// [PanelBot.Run] to start it.
func New(config *Config) (*PanelBot, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	logLevel := config.LogLevel
	if logLevel == nil {
		logLevel = &slog.LevelVar{}
		logLevel.Set(DefaultLogLevel)
		config.LogLevel = logLevel
	}
	logger := slog.New(newLogHandler(defaultLogWriter, logLevel))
	slog.SetDefault(logger)

	b := &PanelBot{
		config:        config,
		logger:        logger,
		signalStop:    make(chan struct{}, 1),
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	gormLogger := newGORMLogger(
		newLogHandler(defaultLogWriter, config.DatabaseLogLevel),
		config.DatabaseSlowThreshold,
	)
	gdb, err := CreateDB(
		context.Background(),
		config.DatabaseType,
		config.Database,
		gormLogger,
	)
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}
	b.db = NewDatabase(gdb, logger, config.DatabaseType == dbTypePostgres)

	b.pages, err = DefaultPageSet(gdb)
	if err != nil {
		return nil, fmt.Errorf("error building page set: %w", err)
	}

	store, err := NewFileSessionStore(
		config.Session.Dir,
		logger.With(loggerNameKey, "session_store"),
	)
	if err != nil {
		return nil, fmt.Errorf("error initializing session store: %w", err)
	}

	b.discord, err = newDiscord(config.Discord, config.HTTPClient, logger)
	if err != nil {
		return nil, err
	}

	notifier := newDiscordNotifier(
		b.discord.session,
		config.Discord.ApplicationID,
		logger,
	)
	b.runtime = NewSessionRuntime(
		config.Session,
		store,
		b.pages,
		b.db,
		notifier,
		logger,
	)

	if config.API != nil && config.API.Enabled {
		b.api, err = newAPI(config.API, b, logger)
		if err != nil {
			return nil, fmt.Errorf("error initializing admin api: %w", err)
		}
	}
	return b, nil
}

func validateConfig(config *Config) error {
	var errs []error
	if config.Discord == nil || config.Discord.Token == "" {
		errs = append(errs, errors.New("discord token is required"))
	}
	if config.Discord == nil || config.Discord.ApplicationID == "" {
		errs = append(errs, errors.New("discord application ID is required"))
	}
	if config.Session == nil {
		errs = append(errs, errors.New("session config is required"))
	} else if config.Session.Dir == "" {
		errs = append(errs, errors.New("session directory is required"))
	}
	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
	default:
		errs = append(
			errs,
			fmt.Errorf("invalid database type: %q", config.DatabaseType),
		)
	}
	return errors.Join(errs...)
}

// Run starts the bot and blocks until the context is canceled, Stop is
// called, or a fatal startup error occurs.
func (b *PanelBot) Run(ctx context.Context) error {
	ctx = WithLogger(ctx, b.logger)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	startCtx := runCtx
	if b.config.StartupTimeout > 0 {
		var startCancel context.CancelFunc
		startCtx, startCancel = context.WithTimeout(runCtx, b.config.StartupTimeout)
		defer startCancel()
	}

	if err := b.runtime.Start(runCtx); err != nil {
		return err
	}
	b.runtime.RecoverSessions(startCtx)

	b.discord.session.AddHandler(
		func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
			handler := NewGatewayHandler(
				b.discord.session,
				i,
				b.logger.With(loggerNameKey, "interaction"),
			)
			go b.handleInteraction(runCtx, handler)
		},
	)
	if err := b.discord.Connect(startCtx); err != nil {
		b.runtime.Shutdown()
		return err
	}

	g, groupCtx := errgroup.WithContext(runCtx)
	if b.api != nil {
		g.Go(func() error {
			return b.api.Serve(groupCtx)
		})
	}
	g.Go(func() error {
		select {
		case <-groupCtx.Done():
		case <-b.signalStop:
			b.logger.Warn("got stop signal, shutting down")
			cancel()
		}
		return nil
	})

	b.signalReady <- struct{}{}
	b.logger.InfoContext(runCtx, "panelbot ready")

	<-groupCtx.Done()
	b.shutdown()
	return g.Wait()
}

// Stop signals a running bot to shut down.
func (b *PanelBot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

func (b *PanelBot) shutdown() {
	select {
	case b.eventShutdown <- struct{}{}:
	default:
	}
	shutdownCtx := context.Background()
	if b.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(
			shutdownCtx,
			b.config.ShutdownTimeout,
		)
		defer cancel()
	}

	if b.api != nil {
		b.api.Shutdown(shutdownCtx)
	}
	if err := b.discord.Close(); err != nil {
		b.logger.Error("error closing discord session", tint.Err(err))
	}
	b.runtime.Shutdown()
	b.logger.Info("panelbot stopped")
}

// Runtime exposes the session runtime, mainly for the admin API.
func (b *PanelBot) Runtime() *SessionRuntime {
	return b.runtime
}

// handleInteraction is the entrypoint for every gateway interaction.
// Dispatch is fault-isolated: a panic anywhere in a handler is recovered,
// logged, and answered with a generic error so one bad interaction never
// takes the bot down.
func (b *PanelBot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	b.interactionsSeen.Add(1)
	i := handler.GetInteraction()
	logger := handler.Logger().With(
		slog.Group("interaction", interactionLogAttrs(*i)...),
	)
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rv := recover(); rv != nil {
			logger.ErrorContext(
				ctx,
				"panic handling interaction",
				"panic", rv,
				"stack", string(debug.Stack()),
			)
			ephemeralError(ctx, handler, DefaultDiscordErrorMessage)
		}
	}()

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
		)
	case discordgo.InteractionApplicationCommand:
		b.handlePanelCommand(ctx, handler)
	case discordgo.InteractionApplicationCommandAutocomplete:
		b.handleAutocomplete(ctx, handler)
	case discordgo.InteractionMessageComponent:
		b.handleComponent(ctx, handler)
	case discordgo.InteractionModalSubmit:
		b.handleModalSubmit(ctx, handler)
	default:
		b.interactionsIgnored.Add(1)
		logger.WarnContext(ctx, "ignoring unknown interaction type")
	}
}

// interactionUser resolves the acting user and records bookkeeping rows
// for the interaction. A nil user aborts the interaction.
func (b *PanelBot) interactionUser(
	ctx context.Context,
	handler InteractionHandler,
) (*discordgo.User, bool) {
	i := handler.GetInteraction()
	u := getDiscordUser(i)
	if u == nil {
		handler.Logger().ErrorContext(ctx, "no user found in interaction")
		ephemeralError(ctx, handler, DefaultDiscordErrorMessage)
		return nil, false
	}
	if _, err := b.db.Create(ctx, newInteractionLog(i, u)); err != nil {
		handler.Logger().ErrorContext(
			ctx,
			"error recording interaction",
			tint.Err(err),
		)
	}
	if _, _, err := b.db.GetOrCreatePanelUser(ctx, *u); err != nil {
		handler.Logger().ErrorContext(
			ctx,
			"error upserting panel user",
			tint.Err(err),
		)
	}
	return u, true
}

// handlePanelCommand opens a new session for /panel. The initial render
// happens behind a deferred response so the lock acquisition doesn't race
// the interaction deadline.
func (b *PanelBot) handlePanelCommand(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	if i.ApplicationCommandData().Name != DiscordSlashCommandPanel {
		b.interactionsIgnored.Add(1)
		return
	}
	u, ok := b.interactionUser(ctx, handler)
	if !ok {
		return
	}
	logger := handler.Logger().With(columnUserID, u.ID)

	options := discordInteractionOptions(i)
	durationSeconds := 0
	if opt, exists := options[panelCommandDurationOption]; exists {
		durationSeconds = int(opt.IntValue())
	}
	initialQuery := ""
	if opt, exists := options[panelCommandQueryOption]; exists {
		initialQuery = strings.TrimSpace(opt.StringValue())
	}

	if err := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	); err != nil {
		return
	}

	release, err := b.runtime.Acquire(ctx, u.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error acquiring session lock", tint.Err(err))
		return
	}
	defer release()

	session, err := b.runtime.Open(
		ctx,
		u.ID,
		i.GuildID,
		i.ChannelID,
		durationSeconds,
	)
	if errors.Is(err, ErrSessionAlreadyActive) {
		content := "You already have an open panel."
		_ = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "error opening session", tint.Err(err))
		content := DefaultDiscordErrorMessage
		_ = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
		return
	}

	result := ""
	if initialQuery != "" {
		result = b.runInitialQuery(ctx, logger, session, initialQuery)
	}

	now := time.Now()
	payload := renderPage(ctx, logger, b.pages, session, now, result)
	if err = handler.Edit(ctx, payloadWebhookEdit(payload)); err != nil {
		return
	}

	// store the handles the background timer needs for edits after the
	// interaction token goes stale
	session.InteractionToken = i.Token
	if messageID, msgErr := waitForMessageID(ctx, handler); msgErr == nil {
		session.MessageID = messageID
	} else {
		logger.WarnContext(
			ctx,
			"could not resolve panel message ID",
			tint.Err(msgErr),
		)
	}
	if err = b.runtime.Store().Save(u.ID, session); err != nil {
		logger.ErrorContext(ctx, "error saving session handles", tint.Err(err))
	}
}

// runInitialQuery routes the slash command's optional query option to the
// first query-capable page and jumps the session there.
func (b *PanelBot) runInitialQuery(
	ctx context.Context,
	logger *slog.Logger,
	session *Session,
	query string,
) string {
	pageNum, caps, ok := b.pages.QueryPage()
	if !ok {
		return ""
	}
	session.SetPage(pageNum, b.pages.TotalPages())
	result, err := caps.queryHandler.HandleQueryModal(ctx, query, session)
	if err != nil {
		logger.ErrorContext(ctx, "error running initial query", tint.Err(err))
		return renderPlaceholder
	}
	session.RecordQuery(query, time.Now())
	return result
}

// handleAutocomplete serves choices for the /panel options. No lock is
// taken: autocomplete is read-only and latency-sensitive.
func (b *PanelBot) handleAutocomplete(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	u := getDiscordUser(i)
	if u == nil {
		return
	}

	var choices []*discordgo.ApplicationCommandOptionChoice
	for _, opt := range i.ApplicationCommandData().Options {
		if !opt.Focused {
			continue
		}
		switch opt.Name {
		case panelCommandDurationOption:
			choices = durationOptionChoices(opt.StringValue())
		case panelCommandQueryOption:
			choices = b.queryOptionChoices(ctx, handler, u.ID, opt.StringValue())
		}
		break
	}

	_ = handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionApplicationCommandAutocompleteResult,
			Data: &discordgo.InteractionResponseData{Choices: choices},
		},
	)
}

func durationOptionChoices(
	partial string,
) []*discordgo.ApplicationCommandOptionChoice {
	choices := make(
		[]*discordgo.ApplicationCommandOptionChoice,
		0,
		len(durationChoices),
	)
	for _, seconds := range durationChoices {
		label := strconv.Itoa(seconds)
		if partial != "" && !strings.HasPrefix(label, partial) {
			continue
		}
		choices = append(
			choices,
			&discordgo.ApplicationCommandOptionChoice{
				Name: fmt.Sprintf(
					"%s (%s)",
					label,
					formatRemaining(time.Duration(seconds)*time.Second),
				),
				Value: seconds,
			},
		)
	}
	return choices
}

func (b *PanelBot) queryOptionChoices(
	ctx context.Context,
	handler InteractionHandler,
	userID string,
	partial string,
) []*discordgo.ApplicationCommandOptionChoice {
	completer, ok := b.pages.Completer()
	if !ok {
		return nil
	}
	names, err := completer.HandleAutocomplete(ctx, userID, partial)
	if err != nil {
		handler.Logger().ErrorContext(
			ctx,
			"error completing query option",
			tint.Err(err),
		)
		return nil
	}
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(names))
	for _, name := range names {
		choices = append(
			choices,
			&discordgo.ApplicationCommandOptionChoice{Name: name, Value: name},
		)
	}
	return choices
}

// loadActiveSession loads and validates the acting user's session for a
// component or modal interaction. Sessions that are missing or past
// expiry get an ephemeral notice; expired ones are closed through the
// timeout path first.
func (b *PanelBot) loadActiveSession(
	ctx context.Context,
	handler InteractionHandler,
	userID string,
) (*Session, bool) {
	session, err := b.runtime.Store().Load(userID)
	if err != nil {
		ephemeralError(ctx, handler, DefaultDiscordExpiredMessage)
		return nil, false
	}
	if !session.Active(time.Now()) {
		if closeErr := b.runtime.Close(ctx, userID, CloseReasonTimeout); closeErr != nil {
			handler.Logger().ErrorContext(
				ctx,
				"error closing expired session",
				tint.Err(closeErr),
			)
		}
		ephemeralError(ctx, handler, DefaultDiscordExpiredMessage)
		return nil, false
	}
	return session, true
}

// handleComponent handles the panel's buttons and select menu. Foreign
// custom IDs are acknowledged silently. All state changes happen under
// the user's advisory lock, behind a deferred update so lock contention
// can't miss the interaction deadline.
func (b *PanelBot) handleComponent(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	data := i.MessageComponentData()
	action, ok := parsePanelCustomID(data.CustomID)
	if !ok {
		b.interactionsIgnored.Add(1)
		_ = handler.Respond(
			ctx,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseDeferredMessageUpdate,
			},
		)
		return
	}
	u, userOK := b.interactionUser(ctx, handler)
	if !userOK {
		return
	}
	logger := handler.Logger().With(columnUserID, u.ID, "action", action)

	session, active := b.loadActiveSession(ctx, handler, u.ID)
	if !active {
		return
	}

	// showing a modal must be the initial response, so the search button
	// short-circuits before the deferred-update path
	if action == panelActionSearch {
		b.respondQueryModal(ctx, handler, session)
		return
	}

	if err := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		},
	); err != nil {
		return
	}

	release, err := b.runtime.Acquire(ctx, u.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error acquiring session lock", tint.Err(err))
		return
	}
	defer release()

	// reload under the lock: the state may have moved while waiting
	session, active = b.reloadUnderLock(ctx, handler, u.ID)
	if !active {
		return
	}
	b.runtime.EnsureTimer(u.ID)

	result := ""
	switch action {
	case panelActionPrevious:
		err = b.runtime.ChangePageDelta(ctx, session, -1)
	case panelActionNext:
		err = b.runtime.ChangePageDelta(ctx, session, 1)
	case panelActionRefresh:
		// nothing to mutate: the render below re-reads everything
	case panelActionSelect:
		result, err = b.handleSelect(ctx, session, data)
	case panelActionClose:
		if err = b.runtime.Close(ctx, u.ID, CloseReasonUser); err == nil {
			_ = handler.Edit(
				ctx,
				payloadWebhookEdit(ClosedPayload(DefaultDiscordClosedMessage)),
			)
			return
		}
	default:
		b.interactionsIgnored.Add(1)
		logger.WarnContext(ctx, "unknown panel action")
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "error handling component", tint.Err(err))
		result = renderPlaceholder
	}

	if err = b.runtime.Touch(ctx, session, 0); err != nil {
		logger.ErrorContext(ctx, "error touching session", tint.Err(err))
	}
	payload := renderPage(ctx, logger, b.pages, session, time.Now(), result)
	_ = handler.Edit(ctx, payloadWebhookEdit(payload))
}

// reloadUnderLock re-reads the session once the lock is held. A session
// that vanished or expired while waiting is reported by editing the
// deferred response.
func (b *PanelBot) reloadUnderLock(
	ctx context.Context,
	handler InteractionHandler,
	userID string,
) (*Session, bool) {
	session, err := b.runtime.Store().Load(userID)
	if err != nil || !session.Active(time.Now()) {
		_ = handler.Edit(
			ctx,
			payloadWebhookEdit(ClosedPayload(DefaultDiscordExpiredMessage)),
		)
		return nil, false
	}
	return session, true
}

func (b *PanelBot) respondQueryModal(
	ctx context.Context,
	handler InteractionHandler,
	session *Session,
) {
	caps, ok := b.pages.Page(session.CurrentPage)
	if !ok || caps.modaler == nil {
		ephemeralError(ctx, handler, "This page has nothing to search.")
		return
	}
	_ = handler.Respond(ctx, payloadModal(caps.modaler.QueryModal()))
}

func (b *PanelBot) handleSelect(
	ctx context.Context,
	session *Session,
	data discordgo.MessageComponentInteractionData,
) (string, error) {
	if len(data.Values) == 0 {
		return "", errors.New("select interaction carried no value")
	}
	caps, ok := b.pages.Page(session.CurrentPage)
	if !ok || caps.selector == nil {
		return "", fmt.Errorf(
			"page %d has no select handler", session.CurrentPage,
		)
	}
	return caps.selector.HandleSelectMenu(ctx, data.Values[0], session)
}

// handleModalSubmit runs the query a user typed into the search modal.
func (b *PanelBot) handleModalSubmit(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	data := i.ModalSubmitData()
	action, ok := parsePanelCustomID(data.CustomID)
	if !ok || action != panelActionModal {
		b.interactionsIgnored.Add(1)
		_ = handler.Respond(
			ctx,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseDeferredMessageUpdate,
			},
		)
		return
	}
	u, userOK := b.interactionUser(ctx, handler)
	if !userOK {
		return
	}
	logger := handler.Logger().With(columnUserID, u.ID)

	query := modalQueryValue(data)
	if query == "" {
		ephemeralError(ctx, handler, "Empty query.")
		return
	}

	if err := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		},
	); err != nil {
		return
	}

	release, err := b.runtime.Acquire(ctx, u.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error acquiring session lock", tint.Err(err))
		return
	}
	defer release()

	session, active := b.reloadUnderLock(ctx, handler, u.ID)
	if !active {
		return
	}
	b.runtime.EnsureTimer(u.ID)

	result := ""
	caps, pageOK := b.pages.Page(session.CurrentPage)
	if !pageOK || caps.queryHandler == nil {
		result = "This page has nothing to search."
	} else {
		result, err = caps.queryHandler.HandleQueryModal(ctx, query, session)
		if err != nil {
			logger.ErrorContext(ctx, "error running query", tint.Err(err))
			result = renderPlaceholder
		} else {
			session.RecordQuery(query, time.Now())
		}
	}

	if err = b.runtime.Touch(ctx, session, 0); err != nil {
		logger.ErrorContext(ctx, "error touching session", tint.Err(err))
	}
	payload := renderPage(ctx, logger, b.pages, session, time.Now(), result)
	_ = handler.Edit(ctx, payloadWebhookEdit(payload))
}

// modalQueryValue digs the single text input value out of a modal
// submission.
func modalQueryValue(data discordgo.ModalSubmitInteractionData) string {
	for _, row := range data.Components {
		actionsRow, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, component := range actionsRow.Components {
			if input, inputOK := component.(*discordgo.TextInput); inputOK {
				return strings.TrimSpace(input.Value)
			}
		}
	}
	return ""
}
