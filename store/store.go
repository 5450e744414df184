// Package store provides the relational persistence layer: conversations and
// their exclusively-owned messages, memories, and summaries, with the
// denormalized counters maintained transactionally alongside every row
// change. Deleting a conversation cascades to all children.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/reveriehq/reverie/errors"
	"github.com/reveriehq/reverie/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the database connection.
type Store struct {
	db  *sql.DB
	log *logging.Logger
}

// New creates a Store at dbPath and runs migrations. Use ":memory:" for an
// ephemeral store in tests.
func New(dbPath string, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Nop()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Internal("failed to open database", errors.WithCause(err))
	}

	// SQLite is single-writer. A single shared connection serializes
	// writers through database/sql instead of surfacing lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Internal("failed to set pragma", errors.WithCause(err))
		}
	}

	s := &Store{db: db, log: log.WithComponent("store")}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// runMigrations applies embedded migrations in filename order.
func (s *Store) runMigrations() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return errors.Internal("failed to create migrations table", errors.WithCause(err))
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return errors.Internal("failed to read schema version", errors.WithCause(err))
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return errors.Internal("failed to read migrations", errors.WithCause(err))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}
		parts := strings.SplitN(name, "_", 2)
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			return errors.Internal(fmt.Sprintf("bad migration filename %q", name))
		}
		if version <= current {
			continue
		}

		sqlBytes, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return errors.Internal("failed to read migration", errors.WithCause(err))
		}

		tx, err := s.db.Begin()
		if err != nil {
			return errors.Internal("failed to begin migration tx", errors.WithCause(err))
		}
		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return errors.Internal(fmt.Sprintf("migration %s failed", name), errors.WithCause(err))
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return errors.Internal("failed to record migration", errors.WithCause(err))
		}
		if err := tx.Commit(); err != nil {
			return errors.Internal("failed to commit migration", errors.WithCause(err))
		}
		s.log.Info("applied migration", map[string]interface{}{"version": version})
	}
	return nil
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Internal("failed to begin transaction", errors.WithCause(err))
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Internal("failed to commit transaction", errors.WithCause(err))
	}
	return nil
}
