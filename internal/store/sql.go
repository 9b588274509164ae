package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore implements Store on a single kv table over database/sql. It
// supports SQLite (crash-safe single-file deployments) and Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore opens the database for cfg.Type ("sqlite" or "postgres")
// and creates the kv table if it does not exist.
func NewSQLStore(cfg Config) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)

	switch cfg.Type {
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = ":memory:"
		}
		db, err = sql.Open("sqlite", path)
	case "postgres":
		db, err = sql.Open("postgres", cfg.PostgresDSN)
	default:
		return nil, errors.New("unsupported sql store type: " + cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Type, err)
	}

	s := &SQLStore{db: db, dialect: cfg.Type}
	if err := s.createTable(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS kv (
			grp TEXT NOT NULL,
			k TEXT NOT NULL,
			v TEXT NOT NULL,
			PRIMARY KEY (grp, k)
		)
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("creating kv table: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $1..$n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

// Get retrieves a value by group and key.
func (s *SQLStore) Get(ctx context.Context, group, key string) ([]byte, error) {
	var value []byte
	query := s.rebind("SELECT v FROM kv WHERE grp = ? AND k = ?")
	err := s.db.QueryRowContext(ctx, query, group, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sql get: %w", err)
	}
	return value, nil
}

// Set upserts a value under group and key.
func (s *SQLStore) Set(ctx context.Context, group, key string, value []byte) error {
	query := s.rebind(`
		INSERT INTO kv (grp, k, v) VALUES (?, ?, ?)
		ON CONFLICT (grp, k) DO UPDATE SET v = excluded.v
	`)
	if _, err := s.db.ExecContext(ctx, query, group, key, value); err != nil {
		return fmt.Errorf("sql set: %w", err)
	}
	return nil
}

// Delete removes a key from a group.
func (s *SQLStore) Delete(ctx context.Context, group, key string) error {
	query := s.rebind("DELETE FROM kv WHERE grp = ? AND k = ?")
	if _, err := s.db.ExecContext(ctx, query, group, key); err != nil {
		return fmt.Errorf("sql delete: %w", err)
	}
	return nil
}

// GetGroup returns all values in a group.
func (s *SQLStore) GetGroup(ctx context.Context, group string) ([][]byte, error) {
	query := s.rebind("SELECT v FROM kv WHERE grp = ?")
	rows, err := s.db.QueryContext(ctx, query, group)
	if err != nil {
		return nil, fmt.Errorf("sql get group: %w", err)
	}
	defer rows.Close()

	var values [][]byte
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("sql scan: %w", err)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sql rows: %w", err)
	}
	return values, nil
}

// Clear removes every key in a group.
func (s *SQLStore) Clear(ctx context.Context, group string) error {
	query := s.rebind("DELETE FROM kv WHERE grp = ?")
	if _, err := s.db.ExecContext(ctx, query, group); err != nil {
		return fmt.Errorf("sql clear: %w", err)
	}
	return nil
}

// Health pings the database.
func (s *SQLStore) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sql ping: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
