// Package postgres provides PostgreSQL implementation of the store interfaces.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/synergy-network/synergy-node/internal/store"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db        *sql.DB
	logger    *slog.Logger
	snapshots *SnapshotStore
	results   *ResultStore
}

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// NewPostgresStore opens the database, verifies the connection and applies
// the schema.
func NewPostgresStore(cfg *Config, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("connected to PostgreSQL database")
	return newStore(db, logger), nil
}

func newStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:        db,
		logger:    logger,
		snapshots: &SnapshotStore{db: db, logger: logger},
		results:   &ResultStore{db: db, logger: logger},
	}
}

// Snapshots returns the SnapshotStore.
func (s *PostgresStore) Snapshots() store.SnapshotStore {
	return s.snapshots
}

// Results returns the ResultStore.
func (s *PostgresStore) Results() store.ResultStore {
	return s.results
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes the given function within a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	txs := &txStore{
		tx:        tx,
		snapshots: &SnapshotStore{tx: tx, logger: s.logger},
		results:   &ResultStore{tx: tx, logger: s.logger},
	}

	if err := fn(txs); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing PostgreSQL connection")
	return s.db.Close()
}

// DB returns the underlying database connection, shared with the task queue.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// txStore wraps a transaction and implements the Store interface.
type txStore struct {
	tx        *sql.Tx
	snapshots *SnapshotStore
	results   *ResultStore
}

func (s *txStore) Snapshots() store.SnapshotStore { return s.snapshots }

func (s *txStore) Results() store.ResultStore { return s.results }

func (s *txStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	// Already in a transaction, just execute the function
	return fn(s)
}

func (s *txStore) Ping(ctx context.Context) error { return nil }

func (s *txStore) Close() error { return nil }

// queryable is an interface that both *sql.DB and *sql.Tx implement.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
