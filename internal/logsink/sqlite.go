package logsink

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLite stores log records in a SQLite database via modernc.org/sqlite.
type SQLite struct {
	write *sql.DB // single-writer connection
	read  *sql.DB // multi-reader pool
}

// NewSQLite opens the database, runs migrations, and returns the store.
func NewSQLite(dsn string) (*SQLite, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	// For :memory: databases, use shared cache so read/write pools share
	// the same data.
	var fullDSN string
	if dsn == ":memory:" {
		fullDSN = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		fullDSN = "file:" + dsn + "?" + pragmas
	}

	write, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &SQLite{write: write, read: read}, nil
}

// runMigrations applies embedded SQL migrations using goose. fs.Sub strips
// the "migrations/" prefix so goose sees files at the FS root.
func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping verifies database connectivity by pinging the read pool.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both database connections.
func (s *SQLite) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}

// InsertLogs batch-inserts log records. A single multi-row INSERT avoids N
// round-trips for large batches.
func (s *SQLite) InsertLogs(ctx context.Context, records []*gateway.LogRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	const cols = 17
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.RequestID, string(r.Router), string(r.Provider), string(r.Endpoint),
			r.SourceModel, r.TargetModel,
			r.Status, boolToInt(r.Stream), r.CacheStatus,
			r.TFFT.Milliseconds(), r.Latency.Milliseconds(),
			r.PromptTokens, r.OutputTokens,
			r.RequestBytes, r.ResponseSize,
			r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO request_logs
		(id, request_id, router, provider, endpoint, source_model, target_model,
		 status, stream, cache_status, tfft_ms, latency_ms,
		 prompt_tokens, output_tokens, request_bytes, response_bytes, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// RecentLogs returns the newest records, most recent first.
func (s *SQLite) RecentLogs(ctx context.Context, limit int) ([]*gateway.LogRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, request_id, router, provider, endpoint, source_model, target_model,
		 status, stream, cache_status, tfft_ms, latency_ms,
		 prompt_tokens, output_tokens, request_bytes, response_bytes, created_at
		 FROM request_logs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.LogRecord
	for rows.Next() {
		var r gateway.LogRecord
		var router, provider, endpoint, createdAt string
		var stream int
		var tfftMs, latencyMs int64
		err := rows.Scan(
			&r.ID, &r.RequestID, &router, &provider, &endpoint,
			&r.SourceModel, &r.TargetModel,
			&r.Status, &stream, &r.CacheStatus,
			&tfftMs, &latencyMs,
			&r.PromptTokens, &r.OutputTokens,
			&r.RequestBytes, &r.ResponseSize,
			&createdAt,
		)
		if err != nil {
			return nil, err
		}
		r.Router = model.RouterID(router)
		r.Provider = model.InferenceProvider(provider)
		r.Endpoint = model.EndpointType(endpoint)
		r.Stream = stream != 0
		r.TFFT = time.Duration(tfftMs) * time.Millisecond
		r.Latency = time.Duration(latencyMs) * time.Millisecond
		if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
			r.CreatedAt = t
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// CountLogs returns the number of stored records.
func (s *SQLite) CountLogs(ctx context.Context) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_logs`).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
