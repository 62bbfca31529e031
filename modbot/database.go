package modbot

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
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

	// ErrNotFound is returned by store lookups with no matching record
	ErrNotFound = errors.New("record not found")
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation and update, stored in milliseconds.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// StringList is a string slice stored as a JSON array
type StringList []string

func (s *StringList) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*s = StringList{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("invalid type for StringList: %T", value)
	}
	if len(data) == 0 {
		*s = StringList{}
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = items
	return nil
}

func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	return string(b), err
}

func (StringList) GormDataType() string {
	return "string"
}

// CredentialStore is the keyed persistence used by the bot: OAuth
// credentials, music profiles and recommendation history by user ID,
// and collaborative playlists by name. Lookups with no matching record
// return ErrNotFound.
type CredentialStore interface {
	GetCredential(ctx context.Context, userID string) (*OAuthCredential, error)
	PutCredential(ctx context.Context, cred *OAuthCredential) error

	GetProfile(ctx context.Context, userID string) (*MusicProfile, error)
	PutProfile(ctx context.Context, profile *MusicProfile) error

	RecommendationHistory(
		ctx context.Context,
		userID string,
		category RecommendationCategory,
	) ([]string, error)
	AppendRecommendation(
		ctx context.Context,
		userID string,
		category RecommendationCategory,
		content string,
	) error

	GetPlaylist(ctx context.Context, name string) (*CollaborativePlaylist, error)
	PutPlaylist(ctx context.Context, playlist *CollaborativePlaylist) error
}

// DBI is the database interface used throughout the bot
type DBI interface {
	CredentialStore

	DB() *gorm.DB
	GetOrCreateUser(ctx context.Context, u discordgo.User) (*User, bool, error)
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
}

// database wraps a gorm connection. When concurrent writes are disabled
// (always, for SQLite), writes are serialized with mu.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase returns a DBI backed by the given gorm connection.
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
		logger:                 log.With(loggerNameKey, "database"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

// opContext applies dbOperationTimeout when ctx has no deadline of its own
func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := opContext(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := opContext(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

// upsert inserts value, or overwrites every column of the existing row
// with the same primary key
func (d *database) upsert(ctx context.Context, value any) error {
	defer d.lock()()
	ctx, cancel := opContext(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Clauses(
		clause.OnConflict{UpdateAll: true},
	).Create(value).Error
}

func (d *database) first(ctx context.Context, dest any, query string, args ...any) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	err := d.db.WithContext(ctx).Where(query, args...).First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (d *database) GetCredential(
	ctx context.Context,
	userID string,
) (*OAuthCredential, error) {
	var cred OAuthCredential
	if err := d.first(ctx, &cred, "user_id = ?", userID); err != nil {
		return nil, err
	}
	return &cred, nil
}

func (d *database) PutCredential(ctx context.Context, cred *OAuthCredential) error {
	return d.upsert(ctx, cred)
}

func (d *database) GetProfile(ctx context.Context, userID string) (*MusicProfile, error) {
	var p MusicProfile
	if err := d.first(ctx, &p, "user_id = ?", userID); err != nil {
		return nil, err
	}
	return &p, nil
}

// PutProfile writes the full profile in a single statement, replacing
// any previous profile for the user
func (d *database) PutProfile(ctx context.Context, profile *MusicProfile) error {
	if !profile.Complete() {
		return fmt.Errorf("refusing to save incomplete profile for %s", profile.UserID)
	}
	return d.upsert(ctx, profile)
}

func (d *database) RecommendationHistory(
	ctx context.Context,
	userID string,
	category RecommendationCategory,
) ([]string, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var history []string
	err := d.db.WithContext(ctx).Model(&Recommendation{}).Where(
		"user_id = ? AND category = ?",
		userID,
		string(category),
	).Order("id asc").Pluck("content", &history).Error
	return history, err
}

func (d *database) AppendRecommendation(
	ctx context.Context,
	userID string,
	category RecommendationCategory,
	content string,
) error {
	_, err := d.Create(
		ctx, &Recommendation{
			UserID:   userID,
			Category: category,
			Content:  content,
		},
	)
	return err
}

func (d *database) GetPlaylist(
	ctx context.Context,
	name string,
) (*CollaborativePlaylist, error) {
	var p CollaborativePlaylist
	if err := d.first(ctx, &p, "name = ?", name); err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *database) PutPlaylist(ctx context.Context, playlist *CollaborativePlaylist) error {
	return d.upsert(ctx, playlist)
}

// GetOrCreateUser looks up the User record for the given discord user,
// creating one if it doesn't exist. LastSeen (and the username, if it
// changed) are updated on existing records.
func (d *database) GetOrCreateUser(
	ctx context.Context,
	u discordgo.User,
) (*User, bool, error) {
	log := contextLoggerOr(ctx, d.logger)

	var user User
	err := d.first(ctx, &user, "id = ?", u.ID)
	switch {
	case err == nil:
		updates := map[string]any{
			columnUserLastSeen: time.Now().UTC().UnixMilli(),
		}
		if user.changedDiscordUsername(u) {
			log.InfoContext(
				ctx,
				"user changed username since last seen",
				slog.Group("old", userLogAttrs(user)...),
				"username", u.Username,
				"global_name", u.GlobalName,
			)
			updates[columnUserUsername] = u.Username
			updates[columnUserGlobalName] = u.GlobalName
		}
		if _, err = d.Updates(ctx, &user, updates); err != nil {
			log.ErrorContext(ctx, "error updating user", "user", user, tint.Err(err))
		}
		return &user, false, nil
	case errors.Is(err, ErrNotFound):
		newUser, err := NewUser(u)
		if err != nil {
			log.WarnContext(ctx, "error marshaling discord user", tint.Err(err))
		}
		log.InfoContext(ctx, "creating new user", "user", newUser)
		if _, err = d.Create(ctx, newUser); err != nil {
			return nil, true, fmt.Errorf("error creating user: %w", err)
		}
		return newUser, true, nil
	default:
		return nil, false, err
	}
}

// CreateDB opens the database and migrates every model the bot stores.
//
// databaseType must be 'sqlite' or 'postgres', and database is either
// a connection string or an SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newLogHandler(defaultLogWriter, DefaultDatabaseLogLevel)
	dbLogger := slog.New(handler).With(loggerNameKey, "database")
	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", database,
	)

	db, err := getDB(
		databaseType,
		database,
		newGORMLogger(handler, DefaultDatabaseSlowThreshold),
	)
	if err != nil {
		return nil, err
	}
	if err = migrate(ctx, db); err != nil {
		return nil, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(
				&User{},
				&InteractionLog{},
				&OAuthCredential{},
				&MusicProfile{},
				&Recommendation{},
				&CollaborativePlaylist{},
			)
		},
	)
}

// getDB opens a gorm connection for the given database type. SQLite
// connections are limited to one, with the sqliteExecPragma settings
// applied.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		db, err := gorm.Open(sqlite.Open(database), cfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if err = db.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("error setting %q: %w", pragma, err)
			}
		}
		return db, nil
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
