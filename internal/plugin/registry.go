package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// CapabilitySet is the per-capability allow map produced by the license gate.
type CapabilitySet struct {
	Constraints bool `json:"constraints"`
	Pricing     bool `json:"pricing"`
	Render      bool `json:"render"`
	Export      bool `json:"export"`
	Solver      bool `json:"solver"`
	UI          bool `json:"ui"`
}

// Has reports whether capability c is set.
func (s CapabilitySet) Has(c Capability) bool {
	switch c {
	case CapConstraints:
		return s.Constraints
	case CapPricing:
		return s.Pricing
	case CapRender:
		return s.Render
	case CapExport:
		return s.Export
	case CapSolver:
		return s.Solver
	case CapUI:
		return s.UI
	}
	return false
}

// Names lists the set capabilities in a fixed order.
func (s CapabilitySet) Names() []string {
	var out []string
	for _, c := range []Capability{CapConstraints, CapPricing, CapRender, CapExport, CapSolver, CapUI} {
		if s.Has(c) {
			out = append(out, string(c))
		}
	}
	return out
}

//go:generate mockgen -destination=../hooks/mocks/mock_caller.go -package=mocks github.com/mattjoyce/gatekeeper/internal/plugin Caller

// Caller invokes a named hook method on a plugin and returns the raw response
// document. Implementations exist for sandboxed modules and in-process scripts.
type Caller interface {
	Call(ctx context.Context, method string, request any) (json.RawMessage, error)
}

// Loaded is a plugin that passed the license gate.
type Loaded struct {
	Manifest *Manifest
	Caller   Caller
	Allowed  CapabilitySet
}

// ID returns the manifest id.
func (l *Loaded) ID() string { return l.Manifest.ID }

// Select returns the plugins allowed capability c, in ascending id order.
// The input slice is not modified.
func Select(plugins []*Loaded, c Capability) []*Loaded {
	out := make([]*Loaded, 0, len(plugins))
	for _, p := range plugins {
		if p != nil && p.Manifest != nil && p.Allowed.Has(c) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Manifest.ID < out[j].Manifest.ID })
	return out
}

// Registry holds loaded plugins indexed by id.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*Loaded
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]*Loaded)}
}

// Add registers a plugin in the registry.
func (r *Registry) Add(p *Loaded) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.ID()]; exists {
		return fmt.Errorf("plugin %q already registered", p.ID())
	}
	r.plugins[p.ID()] = p
	return nil
}

// Get retrieves a plugin by id.
func (r *Registry) Get(id string) (*Loaded, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// All returns all registered plugins in ascending id order.
func (r *Registry) All() []*Loaded {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Loaded, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ForCapability returns the registered plugins allowed capability c, in
// ascending id order.
func (r *Registry) ForCapability(c Capability) []*Loaded {
	return Select(r.All(), c)
}
