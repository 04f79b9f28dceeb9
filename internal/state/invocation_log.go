package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxStderrBytes caps stderr kept per invocation row.
const DefaultMaxStderrBytes = 16 * 1024

// Invocation is one completed plugin call.
type Invocation struct {
	ID          string
	Plugin      string
	Method      string
	Runtime     string
	Status      string // "ok" or "failed"
	ErrorCode   string
	ExitCode    *int
	Duration    time.Duration
	Stderr      string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// InvocationLog is an append-only record of plugin calls.
type InvocationLog struct {
	db             *sql.DB
	maxStderrBytes int
}

func NewInvocationLog(db *sql.DB) *InvocationLog {
	return &InvocationLog{db: db, maxStderrBytes: DefaultMaxStderrBytes}
}

// Record appends inv, assigning an id when it has none.
func (l *InvocationLog) Record(ctx context.Context, inv Invocation) (string, error) {
	if inv.Plugin == "" || inv.Method == "" {
		return "", fmt.Errorf("plugin and method are required")
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.CompletedAt.IsZero() {
		inv.CompletedAt = time.Now()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = inv.CompletedAt.Add(-inv.Duration)
	}
	stderr := inv.Stderr
	if len(stderr) > l.maxStderrBytes {
		stderr = stderr[:l.maxStderrBytes]
	}
	var exit sql.NullInt64
	if inv.ExitCode != nil {
		exit = sql.NullInt64{Int64: int64(*inv.ExitCode), Valid: true}
	}

	_, err := l.db.ExecContext(ctx, `
INSERT INTO invocation_log(id, plugin, method, runtime, status, error_code, exit_code, duration_ms, stderr, created_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, inv.ID, inv.Plugin, inv.Method, inv.Runtime, inv.Status, nullString(inv.ErrorCode), exit,
		inv.Duration.Milliseconds(), nullString(stderr),
		inv.CreatedAt.UTC().Format(time.RFC3339Nano), inv.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("insert invocation: %w", err)
	}
	return inv.ID, nil
}

// Recent returns up to limit invocations for plugin, newest first.
func (l *InvocationLog) Recent(ctx context.Context, plugin string, limit int) ([]Invocation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT id, plugin, method, runtime, status, error_code, exit_code, duration_ms, stderr, created_at, completed_at
FROM invocation_log WHERE plugin = ?
ORDER BY created_at DESC LIMIT ?;`, plugin, limit)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		var (
			inv                    Invocation
			errCode, stderr        sql.NullString
			exit                   sql.NullInt64
			durMS                  int64
			createdAt, completedAt string
		)
		if err := rows.Scan(&inv.ID, &inv.Plugin, &inv.Method, &inv.Runtime, &inv.Status, &errCode, &exit,
			&durMS, &stderr, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		inv.ErrorCode = errCode.String
		inv.Stderr = stderr.String
		if exit.Valid {
			code := int(exit.Int64)
			inv.ExitCode = &code
		}
		inv.Duration = time.Duration(durMS) * time.Millisecond
		inv.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		inv.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
		out = append(out, inv)
	}
	return out, rows.Err()
}
