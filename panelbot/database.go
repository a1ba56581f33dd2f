package panelbot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	columnUserID        = "user_id"
	columnUserLastSeen  = "last_seen"
	columnUserUsername  = "username"
	columnUserGlobal    = "global_name"
	columnEntryCategory = "category"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// PanelUser records a Discord user that has opened the panel at least once.
type PanelUser struct {
	ID string `gorm:"primaryKey" json:"id"`
	ModelUnixTime
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`

	// LastSeen is the last time an interaction was received from this user,
	// in unix milliseconds.
	LastSeen int64 `json:"last_seen"`

	// SessionsOpened counts the sessions this user has opened, lifetime.
	SessionsOpened int64 `json:"sessions_opened"`
}

func NewPanelUser(u discordgo.User) *PanelUser {
	return &PanelUser{
		ID:         u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		LastSeen:   time.Now().UTC().UnixMilli(),
	}
}

func (u PanelUser) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", u.ID),
		slog.String("username", u.Username),
		slog.String("global_name", u.GlobalName),
	)
}

// InteractionLog records every inbound Discord interaction, for audit.
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"not null;index"`
	Username      string `json:"username" gorm:"type:string"`
	AppID         string `json:"application_id" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	CustomID      string `json:"custom_id" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) *InteractionLog {
	rec := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
	}
	switch i.Type {
	case discordgo.InteractionMessageComponent:
		rec.CustomID = i.MessageComponentData().CustomID
	case discordgo.InteractionModalSubmit:
		rec.CustomID = i.ModalSubmitData().CustomID
	}
	return rec
}

// SessionAudit is written whenever a session reaches a terminal state.
// The session file itself is deleted on close; this row is what remains.
//
//nolint:lll // struct tags can't be split
type SessionAudit struct {
	ModelUintID
	ModelUnixTime
	UserID      string        `json:"user_id" gorm:"not null;index"`
	GuildID     string        `json:"guild_id" gorm:"type:string"`
	ChannelID   string        `json:"channel_id" gorm:"type:string"`
	TraceID     string        `json:"trace_id" gorm:"type:string"`
	Status      SessionStatus `json:"status" gorm:"type:string"`
	CloseReason CloseReason   `json:"close_reason" gorm:"type:string"`
	OpenedAt    int64         `json:"opened_at"`
	ClosedAt    int64         `json:"closed_at"`
	FinalPage   int           `json:"final_page"`
	QueryCount  int           `json:"query_count"`
}

func newSessionAudit(s *Session, reason CloseReason) *SessionAudit {
	return &SessionAudit{
		UserID:      s.UserID,
		GuildID:     s.GuildID,
		ChannelID:   s.ChannelID,
		TraceID:     s.TraceID,
		Status:      s.Status,
		CloseReason: reason,
		OpenedAt:    s.CreatedAt,
		ClosedAt:    time.Now().UTC().UnixMilli(),
		FinalPage:   s.CurrentPage,
		QueryCount:  len(s.QueryHistory),
	}
}

// PanelEntry is a row of panel content: what the directory page lists and
// the search page queries.
type PanelEntry struct {
	ModelUintID
	ModelUnixTime
	Category string `json:"category" gorm:"index"`
	Name     string `json:"name" gorm:"not null"`
	Content  string `json:"content" gorm:"type:string"`
}

// database wraps a gorm.DB for write/update/delete operations. When using
// sqlite, a mutex serializes writes; otherwise the mutex is a no-op.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// DBI is the write-side database interface used throughout the bot.
type DBI interface {
	DB() *gorm.DB
	Lock()
	Unlock()
	Create(ctx context.Context, value any) (rowsAffected int64, err error)
	Save(ctx context.Context, value any) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any) (rowsAffected int64, err error)
	Delete(value any, conds ...any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) error
	GetOrCreatePanelUser(ctx context.Context, u discordgo.User) (*PanelUser, bool, error)
}

// NewDatabase initializes a new write-side database wrapper.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) Unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

func (d *database) Create(ctx context.Context, value any) (int64, error) {
	d.Lock()
	defer d.Unlock()

	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	tx := d.db.WithContext(ctx).Create(value)
	return tx.RowsAffected, tx.Error
}

func (d *database) Save(ctx context.Context, value any) (int64, error) {
	d.Lock()
	defer d.Unlock()

	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	tx := d.db.WithContext(ctx).Save(value)
	return tx.RowsAffected, tx.Error
}

func (d *database) Updates(ctx context.Context, model any, values any) (
	int64,
	error,
) {
	d.Lock()
	defer d.Unlock()

	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	tx := d.db.WithContext(ctx).Model(model).Updates(values)
	return tx.RowsAffected, tx.Error
}

func (d *database) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
) (int64, error) {
	d.Lock()
	defer d.Unlock()

	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	tx := d.db.WithContext(ctx).Model(model).Update(column, value)
	return tx.RowsAffected, tx.Error
}

func (d *database) Delete(value any, conds ...any) (int64, error) {
	d.Lock()
	defer d.Unlock()

	tx := d.db.Delete(value, conds...)
	return tx.RowsAffected, tx.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	d.Lock()
	defer d.Unlock()

	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

// GetOrCreatePanelUser retrieves the PanelUser for the given discord user,
// creating a record if one doesn't exist. The bool return indicates whether
// a new record was created. Existing records have LastSeen (and username
// fields, when changed) refreshed.
func (d *database) GetOrCreatePanelUser(
	ctx context.Context,
	u discordgo.User,
) (*PanelUser, bool, error) {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = d.logger
	}

	var user PanelUser
	err := d.db.WithContext(ctx).Where("id = ?", u.ID).Take(&user).Error
	switch {
	case err == nil:
		updates := map[string]any{
			columnUserLastSeen: time.Now().UTC().UnixMilli(),
		}
		if user.Username != u.Username || user.GlobalName != u.GlobalName {
			log.InfoContext(
				ctx,
				"user changed username since last seen",
				slog.Group(
					"old",
					"username", user.Username,
					"global_name", user.GlobalName,
				),
				slog.Group(
					"new",
					"username", u.Username,
					"global_name", u.GlobalName,
				),
			)
			user.Username = u.Username
			user.GlobalName = u.GlobalName
			updates[columnUserUsername] = u.Username
			updates[columnUserGlobal] = u.GlobalName
		}
		if _, updErr := d.Updates(ctx, &user, updates); updErr != nil {
			log.ErrorContext(ctx, "error updating user", tint.Err(updErr), "user", user)
		}
		return &user, false, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		newUser := NewPanelUser(u)
		if _, createErr := d.Create(ctx, newUser); createErr != nil {
			return nil, false, fmt.Errorf("error creating user: %w", createErr)
		}
		log.InfoContext(ctx, "created new user", "user", newUser)
		return newUser, true, nil
	default:
		return nil, false, fmt.Errorf("error finding user: %w", err)
	}
}

// CreateDB opens (and migrates) the backing database. sqlite databases get
// a restricted connection pool and WAL pragmas; postgres connects as-is.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch strings.ToLower(databaseType) {
	case dbTypeSQLite:
		if database != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(database), 0o755); err != nil {
				return nil, fmt.Errorf("error creating database directory: %w", err)
			}
		}
		dialector = sqlite.Open(database)
	case dbTypePostgres:
		dialector = postgres.Open(database)
	default:
		return nil, fmt.Errorf("unknown database type: %s", databaseType)
	}

	cfg := &gorm.Config{}
	if gormLogger != nil {
		cfg.Logger = gormLogger
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if strings.ToLower(databaseType) == dbTypeSQLite {
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return nil, dbErr
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if execErr := db.WithContext(ctx).Exec(pragma).Error; execErr != nil {
				return nil, fmt.Errorf("error executing %q: %w", pragma, execErr)
			}
		}
	}

	if err = db.WithContext(ctx).AutoMigrate(
		&PanelUser{},
		&InteractionLog{},
		&SessionAudit{},
		&PanelEntry{},
	); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}

	return db, nil
}
