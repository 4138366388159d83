package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/scripthost/internal/tenant"
)

// DB implements tenant.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// Each tenant is one row holding its JSON document. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tenants(
			id TEXT PRIMARY KEY,
			doc TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`)
	return err
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Get(ctx context.Context, id string) (tenant.Record, error) {
	return get(ctx, s.db, id)
}

func (s *DB) Update(ctx context.Context, id string, p tenant.Patch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := get(ctx, tx, id)
	if errors.Is(err, tenant.ErrNotFound) {
		rec = tenant.Record{ID: id}
	} else if err != nil {
		return err
	}
	if err := put(ctx, tx, rec.Apply(p)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *DB) List(ctx context.Context) (map[string]tenant.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, doc FROM tenants;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := map[string]tenant.Record{}
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		rec, err := tenant.UnmarshalDocument(id, []byte(doc))
		if errors.Is(err, tenant.ErrCorruptDocument) {
			slog.Error("skipping unreadable tenant record", "tenant", id, "error", err)
			continue
		}
		if err != nil {
			slog.Warn("tenant record partially unreadable", "tenant", id, "error", err)
		}
		out[id] = rec
	}
	return out, rows.Err()
}

func (s *DB) AdjustBalance(ctx context.Context, id string, delta int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	rec, err := get(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	rec.Balance += delta
	if err := put(ctx, tx, rec); err != nil {
		return 0, err
	}
	return rec.Balance, tx.Commit()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func get(ctx context.Context, q querier, id string) (tenant.Record, error) {
	var doc string
	err := q.QueryRowContext(ctx, `SELECT doc FROM tenants WHERE id=?;`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Record{}, tenant.ErrNotFound
	}
	if err != nil {
		return tenant.Record{}, err
	}
	rec, err := tenant.UnmarshalDocument(id, []byte(doc))
	if errors.Is(err, tenant.ErrCorruptDocument) {
		return rec, err
	}
	if err != nil {
		slog.Warn("tenant record partially unreadable", "tenant", id, "error", err)
	}
	return rec, nil
}

func put(ctx context.Context, q querier, rec tenant.Record) error {
	doc, err := tenant.MarshalDocument(rec)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO tenants(id, doc, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET doc=excluded.doc, updated_at=excluded.updated_at;`,
		rec.ID, string(doc), time.Now().UTC())
	return err
}
