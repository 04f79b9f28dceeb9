package license

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/gatekeeper/internal/digest"
	"github.com/mattjoyce/gatekeeper/internal/log"
	"github.com/mattjoyce/gatekeeper/internal/state"
	"github.com/mattjoyce/gatekeeper/internal/token"
	"github.com/mattjoyce/gatekeeper/internal/trust"
)

const (
	DefaultRefreshAfter = 420 * time.Second
	DefaultGraceWindow  = 24 * time.Hour

	// refreshMargin keeps refresh_at ahead of expiry.
	refreshMargin = 60
)

// TrustSource supplies and accepts trust stores.
type TrustSource interface {
	Get(ctx context.Context) (*trust.Store, error)
	Set(s *trust.Store, src trust.Source)
}

// EntryStore persists cache entries across restarts.
type EntryStore interface {
	Get(ctx context.Context, tokenHash string) (state.Entry, bool, error)
	Put(ctx context.Context, e state.Entry) error
}

// Refresher exchanges a token with the license server.
type Refresher interface {
	Refresh(ctx context.Context, tok string) (*RefreshResponse, error)
}

// Config configures a Manager. Only Trust is required.
type Config struct {
	Trust    TrustSource
	Issuer   string
	Audience string

	RefreshAfter time.Duration
	GraceWindow  time.Duration

	Revocations *RevocationFile
	Entries     EntryStore
	Refresher   Refresher
	Now         func() time.Time
}

// Entry is a verified token held in the cache. Entries are replaced on
// refresh, never edited.
type Entry struct {
	Token           string
	TokenHash       string
	Expiry          int64
	RefreshAt       int64
	LastGoodRefresh int64
	Claims          token.Claims
	TokenID         string
}

// Status is the host-level license view of one token.
type Status struct {
	OK              bool   `json:"ok"`
	Allowed         bool   `json:"allowed"`
	Expiry          int64  `json:"exp,omitempty"`
	RefreshAt       int64  `json:"refresh_at,omitempty"`
	LastGoodRefresh int64  `json:"last_good_refresh_at"`
	Revoked         bool   `json:"revoked"`
	TokenID         string `json:"token_jti,omitempty"`
	Error           *Error `json:"error,omitempty"`
}

// RefreshResult describes a successful refresh.
type RefreshResult struct {
	Token           string   `json:"token"`
	Expiry          int64    `json:"exp"`
	RefreshAt       int64    `json:"refresh_at"`
	LastGoodRefresh int64    `json:"last_good_refresh_at"`
	RevokedJTIs     []string `json:"revoked_jtis"`
}

// Manager owns the token cache and the revoked token-id set. Both are safe
// for concurrent use; network and crypto work happens outside the lock.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	cache   map[string]*Entry
	revoked map[string]struct{}
	order   []string

	// saveMu orders revocation file writes; each write snapshots the set
	// while holding it.
	saveMu sync.Mutex
}

// NewManager creates a Manager and loads persisted revocations.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Trust == nil {
		return nil, errors.New("license manager requires a trust source")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if cfg.RefreshAfter <= 0 {
		cfg.RefreshAfter = DefaultRefreshAfter
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Manager{
		cfg:     cfg,
		logger:  log.WithComponent("license"),
		cache:   make(map[string]*Entry),
		revoked: make(map[string]struct{}),
	}
	if cfg.Revocations != nil {
		jtis, err := cfg.Revocations.Load()
		if err != nil {
			return nil, err
		}
		m.addRevoked(jtis)
	}
	return m, nil
}

// ComputeRefreshAt returns min(now+after, exp-60).
func ComputeRefreshAt(exp, now int64, after time.Duration) int64 {
	return min(now+int64(after/time.Second), exp-refreshMargin)
}

// HashToken returns the cache key for tok.
func HashToken(tok string) string {
	return digest.SHA256Hex([]byte(tok))
}

// IsRevoked reports whether jti is in the revoked set.
func (m *Manager) IsRevoked(jti string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[jti]
	return ok
}

// Revoked returns the revoked ids in the order they were learned.
func (m *Manager) Revoked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func (m *Manager) addRevoked(jtis []string) {
	for _, j := range jtis {
		if _, ok := m.revoked[j]; ok {
			continue
		}
		m.revoked[j] = struct{}{}
		m.order = append(m.order, j)
	}
}

// LastGoodRefresh returns the epoch of the last successful refresh for tok,
// or 0 when it never refreshed.
func (m *Manager) LastGoodRefresh(ctx context.Context, tok string) int64 {
	e, err := m.entry(ctx, tok)
	if err != nil {
		return 0
	}
	return e.LastGoodRefresh
}

// Status reports whether tok currently allows licensed features: not revoked
// and either unexpired or refreshed within the grace window.
func (m *Manager) Status(ctx context.Context, tok string) Status {
	if tok == "" {
		return Status{Error: &Error{Code: CodeMissing, Message: "Token missing"}}
	}
	e, err := m.entry(ctx, tok)
	if err != nil {
		m.logger.Warn("license token rejected", "error", err)
		return Status{Error: &Error{Code: CodeInvalid, Message: "Token invalid"}}
	}

	now := m.cfg.Now().Unix()
	revoked := e.TokenID != "" && m.IsRevoked(e.TokenID)
	allowed := !revoked && WithinGrace(e.Expiry, now, e.LastGoodRefresh, m.cfg.GraceWindow.Seconds())
	return Status{
		OK:              true,
		Allowed:         allowed,
		Expiry:          e.Expiry,
		RefreshAt:       e.RefreshAt,
		LastGoodRefresh: e.LastGoodRefresh,
		Revoked:         revoked,
		TokenID:         e.TokenID,
	}
}

// Refresh exchanges tok with the license server and applies the response.
func (m *Manager) Refresh(ctx context.Context, tok string) (*RefreshResult, error) {
	if tok == "" {
		return nil, &Error{Code: CodeMissing, Message: "Token missing"}
	}
	if m.cfg.Refresher == nil {
		return nil, &Error{Code: CodeRefreshUnavailable, Message: "license server URL not configured"}
	}
	resp, err := m.cfg.Refresher.Refresh(ctx, tok)
	if err != nil {
		var le *Error
		if errors.As(err, &le) {
			return nil, le
		}
		return nil, &Error{Code: CodeRefreshFailed, Message: err.Error()}
	}
	return m.ApplyRefresh(ctx, tok, resp)
}

// ApplyRefresh installs a refresh response: the returned token (or tok when
// none is returned) must verify unexpired, then it supersedes any cache entry,
// an included trust store replaces the cached one, and revocations are
// appended and persisted.
func (m *Manager) saveRevocations(ctx context.Context) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.Lock()
	revoked := append([]string(nil), m.order...)
	m.mu.Unlock()
	return m.cfg.Revocations.Save(ctx, revoked, m.cfg.Now())
}

func (m *Manager) ApplyRefresh(ctx context.Context, tok string, resp *RefreshResponse) (*RefreshResult, error) {
	updated := tok
	if resp.Token != "" {
		updated = resp.Token
	}
	claims, err := m.verify(ctx, updated, false)
	if err != nil {
		m.logger.Warn("refreshed token rejected", "error", err)
		return nil, &Error{Code: CodeInvalid, Message: "Refreshed token invalid"}
	}

	if len(resp.TrustStore) > 0 {
		store, err := trust.Parse(resp.TrustStore)
		if err != nil {
			m.logger.Warn("ignoring invalid trust store in refresh response", "error", err)
		} else {
			m.cfg.Trust.Set(store, trust.SourceRefresh)
		}
	}

	now := m.cfg.Now().Unix()
	exp := claims.Expiry
	if resp.Expiry != nil {
		exp = *resp.Expiry
	}
	refreshAt := ComputeRefreshAt(exp, now, m.cfg.RefreshAfter)
	if resp.RefreshAt != nil {
		refreshAt = *resp.RefreshAt
	}
	e := &Entry{
		Token:           updated,
		TokenHash:       HashToken(updated),
		Expiry:          exp,
		RefreshAt:       refreshAt,
		LastGoodRefresh: now,
		Claims:          *claims,
		TokenID:         claims.TokenID,
	}

	m.mu.Lock()
	m.cache[e.TokenHash] = e
	m.addRevoked(resp.RevokedJTIs)
	m.mu.Unlock()

	m.persist(ctx, e)
	if len(resp.RevokedJTIs) > 0 && m.cfg.Revocations != nil {
		if err := m.saveRevocations(ctx); err != nil {
			m.logger.Error("failed to persist revocations", "path", m.cfg.Revocations.Path, "error", err)
		}
	}

	m.logger.Info("license refreshed", "token_jti", e.TokenID, "exp", e.Expiry, "refresh_at", e.RefreshAt,
		"revoked", len(resp.RevokedJTIs))

	jtis := resp.RevokedJTIs
	if jtis == nil {
		jtis = []string{}
	}
	return &RefreshResult{
		Token:           updated,
		Expiry:          exp,
		RefreshAt:       refreshAt,
		LastGoodRefresh: now,
		RevokedJTIs:     jtis,
	}, nil
}

func (m *Manager) entry(ctx context.Context, tok string) (*Entry, error) {
	hash := HashToken(tok)
	m.mu.Lock()
	if e, ok := m.cache[hash]; ok {
		m.mu.Unlock()
		return e, nil
	}
	m.mu.Unlock()

	claims, err := m.verify(ctx, tok, true)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		Token:     tok,
		TokenHash: hash,
		Expiry:    claims.Expiry,
		RefreshAt: ComputeRefreshAt(claims.Expiry, m.cfg.Now().Unix(), m.cfg.RefreshAfter),
		Claims:    *claims,
		TokenID:   claims.TokenID,
	}
	if m.cfg.Entries != nil {
		stored, ok, err := m.cfg.Entries.Get(ctx, hash)
		if err != nil {
			m.logger.Warn("failed to read persisted license entry", "error", err)
		} else if ok {
			e.LastGoodRefresh = stored.LastGoodRefresh
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.cache[hash]; ok {
		return existing, nil
	}
	m.cache[hash] = e
	return e, nil
}

func (m *Manager) verify(ctx context.Context, tok string, allowExpired bool) (*token.Claims, error) {
	store, err := m.cfg.Trust.Get(ctx)
	if err != nil {
		return nil, err
	}
	v, err := token.Verify(tok, store.TokenKeys(), token.Options{
		ExpectedIssuer:   m.cfg.Issuer,
		ExpectedAudience: m.cfg.Audience,
		AllowExpired:     allowExpired,
		Now:              m.cfg.Now,
	})
	if err != nil {
		return nil, err
	}
	return &v.Claims, nil
}

func (m *Manager) persist(ctx context.Context, e *Entry) {
	if m.cfg.Entries == nil {
		return
	}
	err := m.cfg.Entries.Put(ctx, state.Entry{
		TokenHash:       e.TokenHash,
		TokenID:         e.TokenID,
		Expiry:          e.Expiry,
		RefreshAt:       e.RefreshAt,
		LastGoodRefresh: e.LastGoodRefresh,
	})
	if err != nil {
		m.logger.Error("failed to persist license entry", "error", err)
	}
}
