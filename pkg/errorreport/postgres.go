package errorreport

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const insertReportSQL = `INSERT INTO voice_error_reports
	(id, occurred_at, module, operation, error_type, message, tags)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink writes reports to the voice_error_reports table.
type PostgresSink struct {
	db   execer
	pool *pgxpool.Pool
}

// NewPostgresSink connects a pool to dsn.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect error report store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping error report store: %w", err)
	}
	return &PostgresSink{db: pool, pool: pool}, nil
}

// Write implements Sink. Writes are idempotent on the report ID so retries
// never duplicate rows.
func (s *PostgresSink) Write(ctx context.Context, r Report) error {
	tags := r.Tags
	if tags == nil {
		tags = Tags{}
	}
	tagJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	if _, err := s.db.Exec(ctx, insertReportSQL,
		r.ID, r.OccurredAt, r.Module, r.Operation, r.ErrorType, r.Message, string(tagJSON),
	); err != nil {
		return fmt.Errorf("insert error report: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresSink) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	fsys, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
