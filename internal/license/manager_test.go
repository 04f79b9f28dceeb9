package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/gatekeeper/internal/state"
	"github.com/mattjoyce/gatekeeper/internal/storage"
	"github.com/mattjoyce/gatekeeper/internal/testutil"
	"github.com/mattjoyce/gatekeeper/internal/trust"
)

var mgrNow = time.Unix(1_800_000_000, 0)

type managerEnv struct {
	issuer testutil.KeyPair
	loader *trust.Loader
	now    time.Time
}

func newManagerEnv(t *testing.T) *managerEnv {
	t.Helper()
	env := &managerEnv{issuer: testutil.NewKeyPair(t, "iss-1"), now: mgrNow}
	env.loader = trust.NewLoader(trust.LoaderConfig{})
	env.loader.Set(&trust.Store{
		PublisherKeys: []trust.Key{},
		IssuerKeys:    []trust.Key{{KeyID: "iss-1", Alg: "ed25519", PublicKey: env.issuer.SPKI}},
	}, trust.SourceLocal)
	return env
}

func (e *managerEnv) mint(t *testing.T, exp int64, jti string) string {
	t.Helper()
	claims := testutil.EntitlementClaims(DefaultIssuer, DefaultAudience, exp, paidID, "^1.0.0", []string{"pricing"}, 0)
	if jti != "" {
		claims["jti"] = jti
	}
	return testutil.MintToken(t, e.issuer, map[string]any{"alg": "EdDSA", "kid": "iss-1"}, claims)
}

func (e *managerEnv) manager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := Config{Trust: e.loader, Now: func() time.Time { return e.now }}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

// refreshServer answers refresh requests with resp, recording the posted token.
func refreshServer(t *testing.T, status int, resp any, posted *string) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/v1/entitlements/refresh", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Token string `json:"token"`
		}
		json.NewDecoder(req.Body).Decode(&body)
		if posted != nil {
			*posted = body.Token
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestManagerStatus(t *testing.T) {
	env := newManagerEnv(t)
	m := env.manager(t, nil)
	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		exp := mgrNow.Unix() + 3600
		st := m.Status(ctx, env.mint(t, exp, "jti-1"))
		assert.True(t, st.OK)
		assert.True(t, st.Allowed)
		assert.Equal(t, exp, st.Expiry)
		assert.Equal(t, mgrNow.Unix()+420, st.RefreshAt)
		assert.Equal(t, int64(0), st.LastGoodRefresh)
		assert.Equal(t, "jti-1", st.TokenID)
		assert.Nil(t, st.Error)
	})

	t.Run("refresh_at capped by expiry", func(t *testing.T) {
		exp := mgrNow.Unix() + 100
		st := m.Status(ctx, env.mint(t, exp, ""))
		assert.Equal(t, exp-60, st.RefreshAt)
	})

	t.Run("missing token", func(t *testing.T) {
		st := m.Status(ctx, "")
		assert.False(t, st.OK)
		if assert.NotNil(t, st.Error) {
			assert.Equal(t, CodeMissing, st.Error.Code)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		st := m.Status(ctx, "not.a.token")
		assert.False(t, st.OK)
		if assert.NotNil(t, st.Error) {
			assert.Equal(t, CodeInvalid, st.Error.Code)
		}
	})

	t.Run("expired never refreshed", func(t *testing.T) {
		st := m.Status(ctx, env.mint(t, mgrNow.Unix()-10, ""))
		assert.True(t, st.OK)
		assert.False(t, st.Allowed)
	})
}

func TestManagerStatusTrustUnavailable(t *testing.T) {
	env := newManagerEnv(t)
	m := env.manager(t, func(c *Config) { c.Trust = trust.NewLoader(trust.LoaderConfig{}) })

	st := m.Status(context.Background(), env.mint(t, mgrNow.Unix()+3600, ""))
	assert.False(t, st.OK)
	assert.Equal(t, CodeInvalid, st.Error.Code)
}

func TestManagerRefresh(t *testing.T) {
	env := newManagerEnv(t)
	rotated := testutil.NewKeyPair(t, "iss-2")
	old := env.mint(t, mgrNow.Unix()-30, "old-jti")
	fresh := env.mint(t, mgrNow.Unix()+7200, "new-jti")

	storeDoc := json.RawMessage(fmt.Sprintf(`{"publisher_keys":[],"issuer_keys":[
		{"kid":"iss-1","alg":"ed25519","public_key_spki_der_base64":%q},
		{"kid":"iss-2","alg":"ed25519","public_key_spki_der_base64":%q}]}`,
		env.issuer.SPKI, rotated.SPKI))

	var posted string
	srv := refreshServer(t, http.StatusOK, RefreshResponse{
		Token:       fresh,
		RevokedJTIs: []string{"old-jti"},
		TrustStore:  storeDoc,
	}, &posted)

	revPath := filepath.Join(t.TempDir(), "revoked.json")
	m := env.manager(t, func(c *Config) {
		c.Refresher = NewRefreshClient(srv.URL)
		c.Revocations = &RevocationFile{Path: revPath}
	})
	ctx := context.Background()

	res, err := m.Refresh(ctx, old)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	assert.Equal(t, old, posted)
	assert.Equal(t, fresh, res.Token)
	assert.Equal(t, mgrNow.Unix()+7200, res.Expiry)
	assert.Equal(t, mgrNow.Unix()+420, res.RefreshAt)
	assert.Equal(t, mgrNow.Unix(), res.LastGoodRefresh)
	assert.Equal(t, []string{"old-jti"}, res.RevokedJTIs)

	st := m.Status(ctx, fresh)
	assert.True(t, st.Allowed)
	assert.Equal(t, mgrNow.Unix(), st.LastGoodRefresh)

	oldStatus := m.Status(ctx, old)
	assert.True(t, oldStatus.Revoked)
	assert.False(t, oldStatus.Allowed)

	assert.Equal(t, trust.SourceRefresh, env.loader.Source())
	store, err := env.loader.Get(ctx)
	if assert.NoError(t, err) {
		assert.Len(t, store.IssuerKeys, 2)
	}

	data, err := os.ReadFile(revPath)
	if err != nil {
		t.Fatalf("read revocation file: %v", err)
	}
	var doc struct {
		RevokedJTIs []string `json:"revoked_jtis"`
		UpdatedAt   int64    `json:"updated_at"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse revocation file: %v", err)
	}
	assert.Equal(t, []string{"old-jti"}, doc.RevokedJTIs)
	assert.Equal(t, mgrNow.Unix(), doc.UpdatedAt)

	reloaded := env.manager(t, func(c *Config) { c.Revocations = &RevocationFile{Path: revPath} })
	assert.True(t, reloaded.IsRevoked("old-jti"))
}

func TestManagerRefreshServerOverrides(t *testing.T) {
	env := newManagerEnv(t)
	tok := env.mint(t, mgrNow.Unix()+3600, "")
	exp, refreshAt := mgrNow.Unix()+999, mgrNow.Unix()+5
	srv := refreshServer(t, http.StatusOK, RefreshResponse{Expiry: &exp, RefreshAt: &refreshAt}, nil)
	m := env.manager(t, func(c *Config) { c.Refresher = NewRefreshClient(srv.URL) })

	res, err := m.Refresh(context.Background(), tok)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	assert.Equal(t, tok, res.Token)
	assert.Equal(t, exp, res.Expiry)
	assert.Equal(t, refreshAt, res.RefreshAt)
	assert.Equal(t, []string{}, res.RevokedJTIs)
}

func TestManagerRefreshFailures(t *testing.T) {
	env := newManagerEnv(t)
	tok := env.mint(t, mgrNow.Unix()+3600, "")
	ctx := context.Background()

	codeOf := func(err error) Code {
		var le *Error
		if errors.As(err, &le) {
			return le.Code
		}
		return ""
	}

	t.Run("no server configured", func(t *testing.T) {
		_, err := env.manager(t, nil).Refresh(ctx, tok)
		assert.Equal(t, CodeRefreshUnavailable, codeOf(err))
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := env.manager(t, nil).Refresh(ctx, "")
		assert.Equal(t, CodeMissing, codeOf(err))
	})

	t.Run("server error", func(t *testing.T) {
		srv := refreshServer(t, http.StatusBadGateway, nil, nil)
		m := env.manager(t, func(c *Config) { c.Refresher = NewRefreshClient(srv.URL) })
		_, err := m.Refresh(ctx, tok)
		assert.Equal(t, CodeRefreshFailed, codeOf(err))
		assert.Contains(t, err.Error(), "Refresh failed (502)")
	})

	t.Run("expired replacement rejected", func(t *testing.T) {
		srv := refreshServer(t, http.StatusOK, RefreshResponse{Token: env.mint(t, mgrNow.Unix()-1, "")}, nil)
		m := env.manager(t, func(c *Config) { c.Refresher = NewRefreshClient(srv.URL) })
		_, err := m.Refresh(ctx, tok)
		assert.Equal(t, CodeInvalid, codeOf(err))
		assert.Equal(t, int64(0), m.LastGoodRefresh(ctx, tok))
	})

	t.Run("unreachable server", func(t *testing.T) {
		srv := refreshServer(t, http.StatusOK, RefreshResponse{}, nil)
		url := srv.URL
		srv.Close()
		m := env.manager(t, func(c *Config) { c.Refresher = NewRefreshClient(url) })
		_, err := m.Refresh(ctx, tok)
		assert.Equal(t, CodeRefreshFailed, codeOf(err))
	})
}

func TestManagerGraceAfterRefresh(t *testing.T) {
	env := newManagerEnv(t)
	tok := env.mint(t, mgrNow.Unix()+600, "")
	srv := refreshServer(t, http.StatusOK, RefreshResponse{}, nil)
	m := env.manager(t, func(c *Config) { c.Refresher = NewRefreshClient(srv.URL) })
	ctx := context.Background()

	if _, err := m.Refresh(ctx, tok); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	env.now = mgrNow.Add(12 * time.Hour)
	assert.True(t, m.Status(ctx, tok).Allowed, "inside 24h grace")

	env.now = mgrNow.Add(25 * time.Hour)
	assert.False(t, m.Status(ctx, tok).Allowed, "past 24h grace")
}

func TestManagerPersistsLastGoodRefresh(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()
	if err := storage.BootstrapSQLite(ctx, db); err != nil {
		t.Fatalf("BootstrapSQLite: %v", err)
	}
	entries := state.NewRefreshStore(db)

	env := newManagerEnv(t)
	tok := env.mint(t, mgrNow.Unix()+600, "jti-p")
	srv := refreshServer(t, http.StatusOK, RefreshResponse{}, nil)
	first := env.manager(t, func(c *Config) {
		c.Refresher = NewRefreshClient(srv.URL)
		c.Entries = entries
	})
	if _, err := first.Refresh(ctx, tok); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	stored, ok, err := entries.Get(ctx, HashToken(tok))
	if assert.NoError(t, err) && assert.True(t, ok) {
		assert.Equal(t, "jti-p", stored.TokenID)
		assert.Equal(t, mgrNow.Unix(), stored.LastGoodRefresh)
	}

	env.now = mgrNow.Add(2 * time.Hour)
	second := env.manager(t, func(c *Config) { c.Entries = entries })
	st := second.Status(ctx, tok)
	assert.Equal(t, mgrNow.Unix(), st.LastGoodRefresh)
	assert.True(t, st.Allowed)
}

func TestComputeRefreshAt(t *testing.T) {
	assert.Equal(t, int64(1420), ComputeRefreshAt(10_000, 1000, DefaultRefreshAfter))
	assert.Equal(t, int64(1040), ComputeRefreshAt(1100, 1000, DefaultRefreshAfter))
}

func TestRevocationFileLoad(t *testing.T) {
	dir := t.TempDir()

	missing := &RevocationFile{Path: filepath.Join(dir, "none.json")}
	jtis, err := missing.Load()
	assert.NoError(t, err)
	assert.Empty(t, jtis)

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte("{"), 0o644)
	_, err = (&RevocationFile{Path: bad}).Load()
	assert.Error(t, err)

	f := &RevocationFile{Path: filepath.Join(dir, "nested", "revoked.json")}
	if err := f.Save(context.Background(), []string{"a", "b"}, mgrNow); err != nil {
		t.Fatalf("Save: %v", err)
	}
	jtis, err = f.Load()
	assert.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, jtis)
}

func TestRevocationFileSaveKeepsExisting(t *testing.T) {
	f := &RevocationFile{Path: filepath.Join(t.TempDir(), "revoked.json")}
	ctx := context.Background()
	if err := f.Save(ctx, []string{"a", "b"}, mgrNow); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := f.Save(ctx, []string{"b"}, mgrNow); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := f.Save(ctx, []string{"c"}, mgrNow); err != nil {
		t.Fatalf("Save: %v", err)
	}
	jtis, err := f.Load()
	assert.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, jtis)
}

func TestManagerConcurrentRefreshesKeepAllRevocations(t *testing.T) {
	env := newManagerEnv(t)
	tok := env.mint(t, mgrNow.Unix()+3600, "")
	revPath := filepath.Join(t.TempDir(), "revoked.json")
	m := env.manager(t, func(c *Config) { c.Revocations = &RevocationFile{Path: revPath} })

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.ApplyRefresh(context.Background(), tok, &RefreshResponse{
				RevokedJTIs: []string{fmt.Sprintf("jti-%02d", i)},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	jtis, err := (&RevocationFile{Path: revPath}).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sort.Strings(jtis)
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		want = append(want, fmt.Sprintf("jti-%02d", i))
	}
	assert.Equal(t, want, jtis)
}
