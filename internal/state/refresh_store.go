package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Entry is the persisted part of a license cache entry. The token itself is
// never stored; entries are keyed by its SHA-256.
type Entry struct {
	TokenHash       string
	TokenID         string
	Expiry          int64
	RefreshAt       int64
	LastGoodRefresh int64
	UpdatedAt       time.Time
}

// RefreshStore persists license cache entries so the last good refresh
// survives restarts.
type RefreshStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewRefreshStore(db *sql.DB) *RefreshStore {
	return &RefreshStore{db: db, now: time.Now}
}

// Get returns the entry for tokenHash. ok is false when none is stored.
func (s *RefreshStore) Get(ctx context.Context, tokenHash string) (Entry, bool, error) {
	if tokenHash == "" {
		return Entry{}, false, fmt.Errorf("token hash is empty")
	}

	var (
		e         Entry
		tokenID   sql.NullString
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT token_hash, token_id, exp, refresh_at, last_good_refresh_at, updated_at
FROM license_entries WHERE token_hash = ?;`, tokenHash).
		Scan(&e.TokenHash, &tokenID, &e.Expiry, &e.RefreshAt, &e.LastGoodRefresh, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read license entry: %w", err)
	}
	e.TokenID = tokenID.String
	if t, perr := time.Parse(time.RFC3339Nano, updatedAt); perr == nil {
		e.UpdatedAt = t
	}
	return e, true, nil
}

// Put replaces the entry for e.TokenHash.
func (s *RefreshStore) Put(ctx context.Context, e Entry) error {
	if e.TokenHash == "" {
		return fmt.Errorf("token hash is empty")
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO license_entries(token_hash, token_id, exp, refresh_at, last_good_refresh_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(token_hash) DO UPDATE SET
  token_id = excluded.token_id,
  exp = excluded.exp,
  refresh_at = excluded.refresh_at,
  last_good_refresh_at = excluded.last_good_refresh_at,
  updated_at = excluded.updated_at;
`, e.TokenHash, nullString(e.TokenID), e.Expiry, e.RefreshAt, e.LastGoodRefresh, now)
	if err != nil {
		return fmt.Errorf("upsert license entry: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
