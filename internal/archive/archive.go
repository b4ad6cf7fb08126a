// Package archive ships call events to a PostgreSQL warehouse. The SQLite
// event log is the source of truth; the archiver tails it by row id and
// copies new events in batches, so an unreachable warehouse never slows a
// call down.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dialcast/dialcast/internal/database"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	batchSize    = 200
	pollInterval = 5 * time.Second
)

// Store is the PostgreSQL side of the archive.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("event archive opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}
	return nil
}

// cursor returns the highest source event id already archived.
func (s *Store) cursor(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(source_id), 0) FROM call_events_archive`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("reading archive cursor: %w", err)
	}
	return id, nil
}

// Run tails the local event log and copies new events until ctx is
// cancelled. Errors are logged and retried on the next tick; duplicate
// rows are ignored, so a crash mid-batch is harmless.
func (s *Store) Run(ctx context.Context, events database.CallEventRepository) {
	after, err := s.cursor(ctx)
	if err != nil {
		slog.Error("event archive cursor", "error", err)
		return
	}
	slog.Info("event archive running", "after_id", after)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, last, err := s.copyBatch(ctx, events, after)
				if err != nil {
					slog.Warn("event archive batch", "error", err)
					break
				}
				if n == 0 {
					break
				}
				after = last
				if n < batchSize {
					break
				}
			}
		}
	}
}

// copyBatch moves one batch of events into the archive. Returns the number
// copied and the last source id seen.
func (s *Store) copyBatch(ctx context.Context, events database.CallEventRepository, after int64) (int, int64, error) {
	batch, err := events.ListSince(ctx, after, batchSize)
	if err != nil {
		return 0, after, fmt.Errorf("listing events: %w", err)
	}
	if len(batch) == 0 {
		return 0, after, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, after, fmt.Errorf("beginning archive tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO call_events_archive (source_id, call_sid, event_type, payload, source, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source_id) DO NOTHING`)
	if err != nil {
		return 0, after, fmt.Errorf("preparing archive insert: %w", err)
	}
	defer stmt.Close()

	last := after
	for _, ev := range batch {
		if _, err := stmt.ExecContext(ctx, ev.ID, ev.CallSID, ev.EventType, ev.Payload, ev.Source, ev.CreatedAt); err != nil {
			return 0, after, fmt.Errorf("archiving event %d: %w", ev.ID, err)
		}
		last = ev.ID
	}
	if err := tx.Commit(); err != nil {
		return 0, after, fmt.Errorf("committing archive batch: %w", err)
	}
	return len(batch), last, nil
}
