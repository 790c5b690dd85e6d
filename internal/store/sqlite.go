package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailtriage/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// SQLite has a single writer, and ":memory:" databases are private to
	// the connection that created them.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const accountColumns = `id, user_id, address, provider, credential_ref,
	is_primary, settings, created_at, updated_at`

// CreateAccount inserts a new linked account. ID and timestamps are filled
// in on the passed value.
func (s *SQLiteStore) CreateAccount(ctx context.Context, account *model.Account) error {
	if strings.TrimSpace(account.Address) == "" {
		return fmt.Errorf("account address must not be empty")
	}
	if !account.Provider.Valid() {
		return fmt.Errorf("unsupported provider %q", account.Provider)
	}
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID, account.UserID, account.Address, string(account.Provider),
		account.CredentialRef, boolToInt(account.Primary), account.Settings,
		account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating account %s: %w", account.Address, err)
	}
	return nil
}

// GetAccount retrieves a single account by ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var account model.Account
	err := s.db.GetContext(ctx, &account,
		"SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", id, notFound(err))
	}
	return &account, nil
}

// ListAccounts returns the accounts of a user, primary first. An empty
// userID lists every account.
func (s *SQLiteStore) ListAccounts(ctx context.Context, userID string) ([]model.Account, error) {
	query := "SELECT " + accountColumns + " FROM accounts"
	var args []any
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY is_primary DESC, created_at"

	var accounts []model.Account
	if err := s.db.SelectContext(ctx, &accounts, query, args...); err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	return accounts, nil
}

// UpdateAccountSettings replaces the provider settings of an account.
func (s *SQLiteStore) UpdateAccountSettings(ctx context.Context, id string, settings model.Settings) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET settings = ?, updated_at = ? WHERE id = ?",
		settings, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating account %s settings: %w", id, err)
	}
	return expectRow(result, "account", id)
}

// DeleteAccount removes an account and, via cascade, its messages.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting account %s: %w", id, err)
	}
	return expectRow(result, "account", id)
}

// notFound maps sql.ErrNoRows to ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// expectRow returns ErrNotFound when an update or delete touched nothing.
func expectRow(result sql.Result, kind, id string) error {
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
