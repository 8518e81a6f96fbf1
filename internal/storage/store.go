package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store persists users, tasks and broadcasts.
type Store struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
	logger *zap.Logger
}

// Open connects to the database, verifies the connection and creates the schema if needed.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	normalized, err := normalizeDSN(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, driver, normalized)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// sqlite serialises writers; a single connection avoids SQLITE_BUSY under the worker pool
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:     db,
		driver: driver,
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.L().Named("storage"),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

// WithClock overrides the time source used for timestamps.
func (s *Store) WithClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the database driver name.
func (s *Store) Driver() string { return s.driver }

func normalizeDSN(driver, dsn string) (string, error) {
	switch driver {
	case "sqlite3":
		if dsn == ":memory:" || strings.Contains(dsn, "_foreign_keys") {
			return dsn, nil
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "_foreign_keys=on&_busy_timeout=5000", nil
	case "mysql":
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("invalid mysql DSN: %w", err)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		// report matched rows so that no-op updates are not mistaken for missing rows
		cfg.ClientFoundRows = true
		return cfg.FormatDSN(), nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", driver)
	}
}

func (s *Store) migrate(ctx context.Context) error {
	statements := sqliteSchema
	if s.driver == "mysql" {
		statements = mysqlSchema
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if s.driver == "mysql" && isDuplicateIndex(err) {
				continue
			}
			return err
		}
	}
	return nil
}

// MySQL lacks IF NOT EXISTS for CREATE INDEX in some versions; duplicates are ignored.
func isDuplicateIndex(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1061
	}
	return strings.Contains(err.Error(), "Duplicate key name")
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    telegram_id INTEGER NOT NULL UNIQUE,
    first_name TEXT NULL,
    username TEXT NULL,
    is_admin BOOLEAN NOT NULL DEFAULT 0,
    registered_at DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    description TEXT NOT NULL,
    deadline TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    is_done BOOLEAN NOT NULL DEFAULT 0,
    done_at DATETIME NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_deadline ON tasks(deadline, is_done)`,
	`CREATE TABLE IF NOT EXISTS broadcasts (
    id TEXT PRIMARY KEY,
    admin_id INTEGER NOT NULL,
    text TEXT NOT NULL,
    status TEXT NOT NULL,
    total INTEGER NOT NULL DEFAULT 0,
    sent INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    finished_at DATETIME NULL
)`,
	`CREATE TABLE IF NOT EXISTS broadcast_deliveries (
    broadcast_id TEXT NOT NULL REFERENCES broadcasts(id) ON DELETE CASCADE,
    telegram_id INTEGER NOT NULL,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    attempted_at DATETIME NULL,
    PRIMARY KEY (broadcast_id, telegram_id)
)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    telegram_id BIGINT NOT NULL,
    first_name VARCHAR(255) NULL,
    username VARCHAR(255) NULL,
    is_admin BOOLEAN NOT NULL DEFAULT FALSE,
    registered_at DATETIME(6) NOT NULL,
    UNIQUE KEY uniq_telegram_id (telegram_id)
)`,
	`CREATE TABLE IF NOT EXISTS tasks (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    user_id BIGINT NOT NULL,
    description TEXT NOT NULL,
    deadline DATE NOT NULL,
    created_at DATETIME(6) NOT NULL,
    is_done BOOLEAN NOT NULL DEFAULT FALSE,
    done_at DATETIME(6) NULL,
    CONSTRAINT fk_tasks_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
)`,
	`CREATE INDEX idx_tasks_deadline ON tasks(deadline, is_done)`,
	`CREATE TABLE IF NOT EXISTS broadcasts (
    id VARCHAR(36) PRIMARY KEY,
    admin_id BIGINT NOT NULL,
    text TEXT NOT NULL,
    status VARCHAR(20) NOT NULL,
    total INT NOT NULL DEFAULT 0,
    sent INT NOT NULL DEFAULT 0,
    failed INT NOT NULL DEFAULT 0,
    created_at DATETIME(6) NOT NULL,
    finished_at DATETIME(6) NULL
)`,
	`CREATE TABLE IF NOT EXISTS broadcast_deliveries (
    broadcast_id VARCHAR(36) NOT NULL,
    telegram_id BIGINT NOT NULL,
    status VARCHAR(20) NOT NULL,
    error TEXT NOT NULL,
    attempted_at DATETIME(6) NULL,
    PRIMARY KEY (broadcast_id, telegram_id),
    CONSTRAINT fk_deliveries_broadcast FOREIGN KEY (broadcast_id) REFERENCES broadcasts(id) ON DELETE CASCADE
)`,
}
