package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/raysh454/snaptap/internal/capture"
	"github.com/raysh454/snaptap/internal/logging"
)

//go:embed schema.sql
var schemaFS embed.FS

// Record is a stored exchange.
type Record struct {
	ID         string           `json:"id"`
	Exchange   capture.Exchange `json:"exchange"`
	CapturedAt time.Time        `json:"captured_at"`
}

// Store archives captured exchanges in SQLite. It implements capture.Sink so
// it can sit next to the in-memory buffer behind capture.Tee.
type Store struct {
	db     *sql.DB
	logger logging.Logger
	now    func() time.Time
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, logger logging.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening capture database: %w", err)
	}
	// SQLite serialises writers anyway; one connection also keeps :memory: stable.
	db.SetMaxOpenConns(1)

	s, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle and runs the schema.
func New(db *sql.DB, logger logging.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With(logging.Field{Key: "component", Value: "store"}),
		now:    time.Now,
	}, nil
}

// Save inserts ex and returns its record.
func (s *Store) Save(ctx context.Context, ex capture.Exchange) (*Record, error) {
	rec := &Record{
		ID:         uuid.New().String(),
		Exchange:   ex,
		CapturedAt: s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges (id, url, body, source, captured_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, ex.URL, ex.Body, string(ex.Source), rec.CapturedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert exchange: %w", err)
	}
	return rec, nil
}

// Append implements capture.Sink. Failures are logged, never returned.
func (s *Store) Append(ex capture.Exchange) {
	if _, err := s.Save(context.Background(), ex); err != nil {
		s.logger.Error("archiving exchange failed",
			logging.Field{Key: "url", Value: ex.URL},
			logging.Field{Key: "error", Value: err.Error()})
	}
}

// List returns up to limit records in insertion order. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]*Record, error) {
	q := `SELECT id, url, body, source, captured_at FROM exchanges ORDER BY seq ASC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	out := []*Record{}
	for rows.Next() {
		var (
			rec    Record
			source string
			nanos  int64
		)
		if err := rows.Scan(&rec.ID, &rec.Exchange.URL, &rec.Exchange.Body, &source, &nanos); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		rec.Exchange.Source = capture.Source(source)
		rec.CapturedAt = time.Unix(0, nanos).UTC()
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchanges: %w", err)
	}
	return out, nil
}

// Count returns the number of stored exchanges.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM exchanges`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count exchanges: %w", err)
	}
	return n, nil
}

// Clear deletes every stored exchange.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM exchanges`); err != nil {
		return fmt.Errorf("clear exchanges: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
