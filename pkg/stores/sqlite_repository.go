package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/idrelay/idrelay/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteRepository implements engine.Repository and engine.AuditSink on
// SQLite. Optimistic locking via the identities version column maps straight
// onto the port's expectedVersion contract.
type SQLiteRepository struct {
	db         *sql.DB
	path       string
	naturalKey string
	cfg        Config
}

// NewSQLiteRepository creates a repository instance; call Init before use.
func NewSQLiteRepository(cfg Config) (*SQLiteRepository, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	naturalKey := cfg.NaturalKey
	if naturalKey == "" {
		naturalKey = "name"
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteRepository{
		path:       cfg.Path,
		naturalKey: naturalKey,
		cfg:        cfg,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (r *SQLiteRepository) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", r.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(r.cfg.MaxOpenConns)
	db.SetMaxIdleConns(r.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(r.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	r.db = db
	return nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (r *SQLiteRepository) Migrate(_ context.Context) error {
	if r.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(r.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection.
func (r *SQLiteRepository) HealthCheck(ctx context.Context) error {
	if r.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return r.db.PingContext(ctx)
}

// CreateIdentity persists a new identity and its account links in one
// transaction and returns the minted identifier.
func (r *SQLiteRepository) CreateIdentity(ctx context.Context, draft *engine.IdentityDraft) (string, error) {
	attrs, err := json.Marshal(draft.Attributes)
	if err != nil {
		return "", engine.NewInternalError("failed to encode attributes", err)
	}

	id := uuid.New().String()
	name := draft.First(r.naturalKey)
	if name == "" {
		name = id
	}
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", r.classify(ctx, "create", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO identities (id, name, attributes, version, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
	`, id, name, string(attrs), now, now)
	if err != nil {
		return "", r.classify(ctx, "create", err)
	}

	for _, link := range draft.Links {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO identity_links (identity_id, resource_id, account_id, created_at)
			VALUES (?, ?, ?, ?)
		`, id, link.ResourceID, link.AccountID, now)
		if err != nil {
			return "", r.classify(ctx, "create", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", r.classify(ctx, "create", err)
	}

	return id, nil
}

// GetIdentity loads an identity with its account links.
func (r *SQLiteRepository) GetIdentity(ctx context.Context, id string) (*engine.IdentityRecord, error) {
	rec := &engine.IdentityRecord{ID: id}
	var attrs string

	err := r.db.QueryRowContext(ctx, `
		SELECT attributes, version, created_at, updated_at
		FROM identities
		WHERE id = ?
	`, id).Scan(&attrs, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("identity %s not found", id), nil)
	}
	if err != nil {
		return nil, r.classify(ctx, "load", err)
	}

	if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
		return nil, engine.NewInternalError("failed to decode attributes", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT resource_id, account_id
		FROM identity_links
		WHERE identity_id = ?
		ORDER BY resource_id, account_id
	`, id)
	if err != nil {
		return nil, r.classify(ctx, "load", err)
	}
	defer rows.Close()

	for rows.Next() {
		var link engine.AccountLink
		if err := rows.Scan(&link.ResourceID, &link.AccountID); err != nil {
			return nil, r.classify(ctx, "load", err)
		}
		rec.Links = append(rec.Links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, r.classify(ctx, "load", err)
	}

	return rec, nil
}

// UpdateIdentity persists the draft over the identity iff its stored version
// equals expectedVersion, replacing the link rows in the same transaction.
func (r *SQLiteRepository) UpdateIdentity(ctx context.Context, id string, draft *engine.IdentityDraft, expectedVersion int64) error {
	attrs, err := json.Marshal(draft.Attributes)
	if err != nil {
		return engine.NewInternalError("failed to encode attributes", err)
	}

	name := draft.First(r.naturalKey)
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return r.classify(ctx, "update", err)
	}
	defer func() { _ = tx.Rollback() }()

	var result sql.Result
	if name != "" {
		result, err = tx.ExecContext(ctx, `
			UPDATE identities
			SET name = ?, attributes = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`, name, string(attrs), now, id, expectedVersion)
	} else {
		result, err = tx.ExecContext(ctx, `
			UPDATE identities
			SET attributes = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`, string(attrs), now, id, expectedVersion)
	}
	if err != nil {
		return r.classify(ctx, "update", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return r.classify(ctx, "update", err)
	}
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM identities WHERE id = ?`, id).Scan(&exists); err != nil {
			return r.classify(ctx, "update", err)
		}
		if exists == 0 {
			return engine.NewNotFoundError(fmt.Sprintf("identity %s not found", id), nil)
		}
		return engine.NewConcurrentModificationError(
			fmt.Sprintf("identity %s changed since version %d", id, expectedVersion), nil)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM identity_links WHERE identity_id = ?`, id); err != nil {
		return r.classify(ctx, "update", err)
	}
	for _, link := range draft.Links {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO identity_links (identity_id, resource_id, account_id, created_at)
			VALUES (?, ?, ?, ?)
		`, id, link.ResourceID, link.AccountID, now)
		if err != nil {
			return r.classify(ctx, "update", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return r.classify(ctx, "update", err)
	}

	return nil
}

// FindByLink returns the identities linked to (resource, account-id), zero
// or more.
func (r *SQLiteRepository) FindByLink(ctx context.Context, resourceID, accountID string) ([]engine.IdentityRef, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT identity_id
		FROM identity_links
		WHERE resource_id = ? AND account_id = ?
		ORDER BY identity_id
	`, resourceID, accountID)
	if err != nil {
		return nil, r.classify(ctx, "find_by_link", err)
	}
	defer rows.Close()

	var refs []engine.IdentityRef
	for rows.Next() {
		var ref engine.IdentityRef
		if err := rows.Scan(&ref.ID); err != nil {
			return nil, r.classify(ctx, "find_by_link", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, r.classify(ctx, "find_by_link", err)
	}

	return refs, nil
}

// AppendSyncEvent records the terminal result of a processed event in the
// append-only audit log.
func (r *SQLiteRepository) AppendSyncEvent(ctx context.Context, result *engine.ExecutionResult) error {
	var identityID, errorClass, errorCode, errorMessage *string
	if result.IdentityID != "" {
		identityID = &result.IdentityID
	}
	if result.Error != nil {
		class := string(result.Error.Class)
		errorClass = &class
		errorCode = &result.Error.Code
		errorMessage = &result.Error.Message
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_events (event_id, resource_id, account_id, situation, action, outcome,
			identity_id, error_class, error_code, error_message, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		result.EventID,
		result.ResourceID,
		result.AccountID,
		string(result.Situation),
		string(result.Action),
		string(result.Outcome),
		identityID,
		errorClass,
		errorCode,
		errorMessage,
		result.StartedAt.UTC(),
		result.CompletedAt.UTC(),
	)
	if err != nil {
		return r.classify(ctx, "append_sync_event", err)
	}
	return nil
}

// ListSyncEvents lists audit records for an account link, newest first.
func (r *SQLiteRepository) ListSyncEvents(ctx context.Context, resourceID, accountID string, limit int) ([]*SyncEventRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_id, resource_id, account_id, situation, action, outcome,
			identity_id, error_class, error_code, error_message, started_at, completed_at
		FROM sync_events
		WHERE resource_id = ? AND account_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, resourceID, accountID, limit)
	if err != nil {
		return nil, r.classify(ctx, "list_sync_events", err)
	}
	defer rows.Close()

	var events []*SyncEventRow
	for rows.Next() {
		row := &SyncEventRow{}
		err := rows.Scan(
			&row.ID,
			&row.EventID,
			&row.ResourceID,
			&row.AccountID,
			&row.Situation,
			&row.Action,
			&row.Outcome,
			&row.IdentityID,
			&row.ErrorClass,
			&row.ErrorCode,
			&row.ErrorMessage,
			&row.StartedAt,
			&row.CompletedAt,
		)
		if err != nil {
			return nil, r.classify(ctx, "list_sync_events", err)
		}
		events = append(events, row)
	}
	if err := rows.Err(); err != nil {
		return nil, r.classify(ctx, "list_sync_events", err)
	}

	return events, nil
}

// classify maps a driver error onto the engine's error taxonomy: uniqueness
// violations are duplicate-identity, cancellations and lock contention are
// repository-unavailable, everything else is internal.
func (r *SQLiteRepository) classify(ctx context.Context, operation string, err error) error {
	msg := err.Error()

	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return engine.NewDuplicateIdentityError("identity violates a uniqueness constraint", err).
			WithOperation(operation).
			WithDetail("natural_key", r.naturalKey)
	case ctx.Err() != nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "unable to open database"):
		return engine.NewRepositoryUnavailableError("repository call failed", err).
			WithOperation(operation)
	default:
		return engine.NewInternalError("repository call failed", err).
			WithOperation(operation)
	}
}
