package panelbot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// API is the optional admin HTTP server: a health check plus endpoints
// for inspecting and force-closing panel sessions. Authentication is a
// single bearer token, verified against an argon2id hash from the config
// (see the hashpass command).
type API struct {
	config     *APIConfig
	bot        *PanelBot
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

func newAPI(cfg *APIConfig, bot *PanelBot, logger *slog.Logger) (*API, error) {
	if cfg == nil {
		return nil, errors.New("nil api config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &API{
		config: cfg,
		bot:    bot,
		logger: logger.With(loggerNameKey, "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(a.loggingMiddleware())
	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowOrigins,
		AllowMethods:     cfg.CORS.AllowMethods,
		AllowHeaders:     cfg.CORS.AllowHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}
	engine.Use(cors.New(corsConfig))

	engine.GET("/healthz", a.getHealth)

	authorized := engine.Group("/api", a.authMiddleware())
	authorized.GET("/sessions", a.getSessions)
	authorized.DELETE("/sessions/:user_id", a.deleteSession)
	authorized.DELETE("/sessions", a.deleteAllSessions)

	a.engine = engine
	a.httpServer = &http.Server{
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	if cfg.SSL.Cert != "" {
		a.httpServer.TLSConfig = &tls.Config{
			MinVersion: cfg.SSL.TLSMinVersion,
		}
	}
	return a, nil
}

// Serve blocks until the context is canceled or the listener fails.
func (a *API) Serve(ctx context.Context) error {
	network := a.config.ListenNetwork
	if network == "" {
		network = defaultListenNetwork
	}
	listener, err := net.Listen(network, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.logger.Info("admin api listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if a.config.SSL.Cert != "" {
			errCh <- a.httpServer.ServeTLS(
				listener,
				a.config.SSL.Cert,
				a.config.SSL.Key,
			)
		} else {
			errCh <- a.httpServer.Serve(listener)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown gracefully stops the HTTP server.
func (a *API) Shutdown(ctx context.Context) {
	if a.httpServer == nil {
		return
	}
	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("error shutting down admin api", tint.Err(err))
	}
}

func (a *API) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Info(
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// authMiddleware checks the Authorization bearer token against the
// configured argon2id hash. With no hash configured, everything behind
// it is refused.
func (a *API) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.config.TokenHash == "" {
			c.AbortWithStatusJSON(
				http.StatusForbidden,
				gin.H{"error": "admin api has no token configured"},
			)
			return
		}
		token, found := strings.CutPrefix(
			c.GetHeader("Authorization"),
			"Bearer ",
		)
		if !found || token == "" {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				gin.H{"error": "missing bearer token"},
			)
			return
		}
		match, err := VerifyPassword(a.config.TokenHash, token)
		if err != nil {
			a.logger.Error("error verifying token", tint.Err(err))
		}
		if err != nil || !match {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				gin.H{"error": "invalid token"},
			)
			return
		}
		c.Next()
	}
}

func (a *API) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// sessionView is the API representation of a live session. The
// interaction token never leaves the process.
type sessionView struct {
	UserID      string `json:"userId"`
	Status      string `json:"status"`
	CurrentPage int    `json:"currentPage"`
	ExpiresAt   int64  `json:"expiresAt"`
	TraceID     string `json:"traceId"`
	GuildID     string `json:"guildId,omitempty"`
	ChannelID   string `json:"channelId,omitempty"`
}

func (a *API) getSessions(c *gin.Context) {
	sessions := a.bot.Runtime().ActiveSessions()
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(
			views,
			sessionView{
				UserID:      s.UserID,
				Status:      string(s.Status),
				CurrentPage: s.CurrentPage,
				ExpiresAt:   s.ExpiresAt,
				TraceID:     s.TraceID,
				GuildID:     s.GuildID,
				ChannelID:   s.ChannelID,
			},
		)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (a *API) deleteSession(c *gin.Context) {
	userID := c.Param("user_id")
	runtime := a.bot.Runtime()

	session, err := runtime.Store().Load(userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session for user"})
		return
	}
	if err = runtime.Close(
		c.Request.Context(),
		userID,
		CloseReasonForce,
	); err != nil {
		a.logger.Error("error force-closing session", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "close failed"})
		return
	}
	if runtime.notifier != nil {
		_ = runtime.notifier.NotifyClosed(
			c.Request.Context(),
			session,
			DefaultDiscordClosedMessage,
		)
	}
	c.JSON(http.StatusOK, gin.H{"closed": userID})
}

func (a *API) deleteAllSessions(c *gin.Context) {
	closed := a.bot.Runtime().CloseAll(c.Request.Context(), CloseReasonBulk)
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}
