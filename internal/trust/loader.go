package trust

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mattjoyce/gatekeeper/internal/log"
)

// ErrUnavailable is returned when no source yields a store and nothing was
// loaded before.
var ErrUnavailable = errors.New("trust store not available")

// Source records where the cached store came from.
type Source string

const (
	SourceRemote  Source = "remote"
	SourceLocal   Source = "local"
	SourceRefresh Source = "refresh"
)

const maxStoreBytes = 1 << 20

// LoaderConfig configures a Loader. URL and Path are both optional; URL is
// tried first.
type LoaderConfig struct {
	URL    string
	Path   string
	TTL    time.Duration
	Client *http.Client
	Now    func() time.Time
}

// Loader caches the trust store for TTL and refetches on expiry. At most one
// fetch is in flight; concurrent callers share its result. When every source
// fails the last loaded store keeps being served.
type Loader struct {
	cfg    LoaderConfig
	logger *slog.Logger
	group  singleflight.Group

	mu       sync.Mutex
	store    *Store
	loadedAt time.Time
	source   Source
}

// NewLoader creates a Loader.
func NewLoader(cfg LoaderConfig) *Loader {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Loader{cfg: cfg, logger: log.WithComponent("trust")}
}

// Get returns the cached store when fresh, otherwise loads it.
func (l *Loader) Get(ctx context.Context) (*Store, error) {
	if s := l.fresh(); s != nil {
		return s, nil
	}
	v, err, _ := l.group.Do("load", func() (any, error) {
		if s := l.fresh(); s != nil {
			return s, nil
		}
		return l.load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Store), nil
}

func (l *Loader) fresh() *Store {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store != nil && l.cfg.Now().Sub(l.loadedAt) < l.cfg.TTL {
		return l.store
	}
	return nil
}

// Set replaces the cached store, e.g. with one delivered by a license refresh.
func (l *Loader) Set(s *Store, src Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.store = s
	l.loadedAt = l.cfg.Now()
	l.source = src
}

// Source reports where the cached store came from, or "" if none is cached.
func (l *Loader) Source() Source {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.source
}

func (l *Loader) load(ctx context.Context) (*Store, error) {
	if l.cfg.URL != "" {
		s, err := l.fetch(ctx)
		if err == nil {
			l.Set(s, SourceRemote)
			return s, nil
		}
		l.logger.Warn("remote trust store fetch failed", "url", l.cfg.URL, "error", err)
	}

	if l.cfg.Path != "" {
		s, err := l.readFile()
		if err == nil {
			l.Set(s, SourceLocal)
			return s, nil
		}
		l.logger.Warn("local trust store read failed", "path", l.cfg.Path, "error", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store != nil {
		l.logger.Warn("serving last loaded trust store", "source", l.source, "loaded_at", l.loadedAt)
		return l.store, nil
	}
	return nil, ErrUnavailable
}

func (l *Loader) fetch(ctx context.Context) (*Store, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := l.cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to load trust store (%d)", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxStoreBytes))
	if err != nil {
		return nil, fmt.Errorf("read trust store body: %w", err)
	}
	return Parse(data)
}

func (l *Loader) readFile() (*Store, error) {
	data, err := os.ReadFile(l.cfg.Path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
