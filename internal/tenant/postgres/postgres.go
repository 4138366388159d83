package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/scripthost/internal/tenant"
)

// DB implements tenant.Store using PostgreSQL via pgx stdlib.
// Documents live in a JSONB column so other services can query them.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(10)
	d.SetMaxIdleConns(5)
	d.SetConnMaxLifetime(30 * time.Minute)
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tenants(
			id TEXT PRIMARY KEY,
			doc JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`)
	return err
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Get(ctx context.Context, id string) (tenant.Record, error) {
	return get(ctx, p.db, id, false)
}

func (p *DB) Update(ctx context.Context, id string, patch tenant.Patch) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := get(ctx, tx, id, true)
	if errors.Is(err, tenant.ErrNotFound) {
		rec = tenant.Record{ID: id}
	} else if err != nil {
		return err
	}
	if err := put(ctx, tx, rec.Apply(patch)); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *DB) List(ctx context.Context) (map[string]tenant.Record, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, doc::text FROM tenants;`)
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

func (p *DB) AdjustBalance(ctx context.Context, id string, delta int64) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	rec, err := get(ctx, tx, id, true)
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

func get(ctx context.Context, q querier, id string, forUpdate bool) (tenant.Record, error) {
	query := `SELECT doc::text FROM tenants WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var doc string
	err := q.QueryRowContext(ctx, query, id).Scan(&doc)
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
		INSERT INTO tenants(id, doc, updated_at) VALUES($1, $2::jsonb, NOW())
		ON CONFLICT(id) DO UPDATE SET doc=EXCLUDED.doc, updated_at=EXCLUDED.updated_at;`,
		rec.ID, string(doc))
	return err
}
