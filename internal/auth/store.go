package auth

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func init() {
	// The modernc driver registers as "sqlite", which sqlx does not know
	// a bindvar type for.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// ErrTokenNotFound is returned when a token id does not exist.
var ErrTokenNotFound = errors.New("token not found")

// Audit is one authorisation outcome appended to the audit log.
type Audit struct {
	TokenID   string    `db:"token_id"`
	Username  string    `db:"username"`
	Operation string    `db:"operation"`
	Timestamp time.Time `db:"timestamp"`
	Source    string    `db:"source"`
	IP        string    `db:"ip"`
	UserAgent string    `db:"user_agent"`
}

// Store persists tokens and audit records in SQLite.
type Store struct {
	db *sqlx.DB
}

// OpenStore opens or creates the token database at path and applies
// pending migrations.
func OpenStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open token database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) runMigrations() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	dbDriver, err := migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// CreateToken stores a new token for username and returns the record plus
// the generated secret. The secret is shown once and never persisted.
func (s *Store) CreateToken(ctx context.Context, username, scopes, environments, description string, expiresAt *time.Time) (*Token, string, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate salt: %w", err)
	}
	secret := uuid.NewString() + uuid.NewString()

	if scopes == "" {
		scopes = "*"
	}
	if environments == "" {
		environments = "*"
	}

	token := &Token{
		ID:                  uuid.NewString(),
		Username:            username,
		TokenHash:           HashSecret(secret, salt),
		TokenSalt:           salt,
		CreatedAt:           time.Now().UTC(),
		ExpiresAt:           expiresAt,
		AllowedScopes:       scopes,
		AllowedEnvironments: environments,
		Description:         description,
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO tokens (id, username, token_hash, token_salt, created_at,
			expires_at, allowed_scopes, allowed_environments, description)
		VALUES (:id, :username, :token_hash, :token_salt, :created_at,
			:expires_at, :allowed_scopes, :allowed_environments, :description)
	`, token)
	if err != nil {
		return nil, "", fmt.Errorf("failed to insert token: %w", err)
	}
	return token, secret, nil
}

// RevokeToken stamps a token revoked.
func (s *Store) RevokeToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// ListTokens returns every token record, newest first.
func (s *Store) ListTokens(ctx context.Context) ([]Token, error) {
	var tokens []Token
	err := s.db.SelectContext(ctx, &tokens, `
		SELECT id, username, token_hash, token_salt, created_at, revoked_at,
			expires_at, allowed_scopes, allowed_environments, description
		FROM tokens ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	return tokens, nil
}

// ActiveTokens returns tokens that are not revoked and not expired. The
// guard does not call it: it reads ListTokens, so that revoked and expired
// tokens are reported apart from unknown ones.
func (s *Store) ActiveTokens(ctx context.Context) ([]Token, error) {
	var tokens []Token
	err := s.db.SelectContext(ctx, &tokens, `
		SELECT id, username, token_hash, token_salt, created_at, revoked_at,
			expires_at, allowed_scopes, allowed_environments, description
		FROM tokens
		WHERE revoked_at IS NULL AND (expires_at IS NULL OR expires_at > ?)
	`, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to load active tokens: %w", err)
	}
	return tokens, nil
}

// InsertAudit appends one audit record.
func (s *Store) InsertAudit(ctx context.Context, a Audit) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO token_audits (token_id, username, operation, timestamp, source, ip, user_agent)
		VALUES (:token_id, :username, :operation, :timestamp, :source, :ip, :user_agent)
	`, a)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// SetManagementValue upserts a key in the management table.
func (s *Store) SetManagementValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO management (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set management value: %w", err)
	}
	return nil
}

// ManagementValue reads a key from the management table; missing keys
// return an empty string.
func (s *Store) ManagementValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM management WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read management value: %w", err)
	}
	return value, nil
}
