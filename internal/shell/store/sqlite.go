package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/gsm/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	// Open database connection
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// A single connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	// Run migrations
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Event Operations
// =============================================================================

// eventRow represents an event row in the database.
type eventRow struct {
	ID         string  `db:"id"`
	Kind       string  `db:"kind"`
	Port       int     `db:"port"`
	ServerName string  `db:"server_name"`
	Action     string  `db:"action"`
	Success    bool    `db:"success"`
	Message    string  `db:"message"`
	Details    *string `db:"details"`
	CreatedAt  string  `db:"created_at"`
}

func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	return createEvent(ctx, s.db, event)
}

func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	return getEvent(ctx, s.db, id)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	return listEvents(ctx, s.db, filter)
}

func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	return pruneEvents(ctx, s.db, before)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	return createEvent(ctx, s.tx, event)
}

func (s *txSQLiteStore) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	return getEvent(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	return listEvents(ctx, s.tx, filter)
}

func (s *txSQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	return pruneEvents(ctx, s.tx, before)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just execute the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	return nil
}

// =============================================================================
// Shared Implementation
// =============================================================================

func createEvent(ctx context.Context, exec executor, event *domain.Event) error {
	if event.Kind != domain.EventControl && event.Kind != domain.EventAlert {
		return NewStoreError("CreateEvent", "event", event.ID, fmt.Sprintf("unknown event kind %q", event.Kind), ErrInvalidData)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if len(event.Details) > 0 && !json.Valid(event.Details) {
		return NewStoreError("CreateEvent", "event", event.ID, "details are not valid JSON", ErrInvalidData)
	}

	query := `
		INSERT INTO events (
			id, kind, port, server_name, action, success, message, details, created_at
		) VALUES (
			:id, :kind, :port, :server_name, :action, :success, :message, :details, :created_at
		)`

	var details *string
	if len(event.Details) > 0 {
		d := string(event.Details)
		details = &d
	}

	row := map[string]any{
		"id":          event.ID,
		"kind":        string(event.Kind),
		"port":        event.Port,
		"server_name": event.ServerName,
		"action":      event.Action,
		"success":     event.Success,
		"message":     event.Message,
		"details":     details,
		"created_at":  event.CreatedAt.UTC().Format(timeFormat),
	}

	_, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: events.id") {
			return NewStoreError("CreateEvent", "event", event.ID, "event with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateEvent", "event", event.ID, err.Error(), err)
	}

	return nil
}

func getEvent(ctx context.Context, exec executor, id string) (*domain.Event, error) {
	query := `SELECT * FROM events WHERE id = ?`

	var row eventRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetEvent", "event", id, "event not found", ErrNotFound)
		}
		return nil, NewStoreError("GetEvent", "event", id, err.Error(), err)
	}

	event := rowToEvent(&row)
	return &event, nil
}

func listEvents(ctx context.Context, exec executor, filter domain.EventFilter) ([]domain.Event, error) {
	filter = filter.Normalize()

	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Port != 0 {
		where = append(where, "port = ?")
		args = append(args, filter.Port)
	}

	query := `SELECT * FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, filter.Limit)

	var rows []eventRow
	err := exec.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, NewStoreError("ListEvents", "event", "", err.Error(), err)
	}

	events := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, rowToEvent(&row))
	}

	return events, nil
}

func pruneEvents(ctx context.Context, exec executor, before time.Time) (int64, error) {
	query := `DELETE FROM events WHERE created_at < ?`

	result, err := exec.ExecContext(ctx, query, before.UTC().Format(timeFormat))
	if err != nil {
		return 0, NewStoreError("PruneEvents", "event", "", err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	return rowsAffected, nil
}

// =============================================================================
// Row Conversion Functions
// =============================================================================

// rowToEvent converts a database row to a domain.Event.
func rowToEvent(row *eventRow) domain.Event {
	createdAt, _ := time.Parse(timeFormat, row.CreatedAt)

	event := domain.Event{
		ID:         row.ID,
		Kind:       domain.EventKind(row.Kind),
		Port:       row.Port,
		ServerName: row.ServerName,
		Action:     row.Action,
		Success:    row.Success,
		Message:    row.Message,
		CreatedAt:  createdAt,
	}
	if row.Details != nil && *row.Details != "" {
		event.Details = json.RawMessage(*row.Details)
	}
	return event
}
