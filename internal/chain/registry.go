// Package chain manages the ordered provider-chain declaration: which
// providers exist, their priorities and daily budgets, and which model each
// one serves for a given task.
package chain

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/N9-Developer-Empowerment/budgetchain/internal/fsstore"
)

// Task is the kind of work the next turn will do, derived from the prompt
// and message contents.
type Task string

const (
	TaskGeneral Task = "general"
	TaskCoding  Task = "coding"
	TaskVision  Task = "vision"
)

// Provider describes one entry in the chain. Immutable at runtime after env
// overrides have been applied.
type Provider struct {
	ID          string            `json:"id"`
	Priority    int               `json:"priority"`
	Enabled     bool              `json:"enabled"`
	MaxDailyUSD float64           `json:"maxDailyUsd"`
	Models      map[string]string `json:"models"` // task role -> bare model name; "default" required
}

// Free reports whether the provider can never exhaust (zero daily cap).
func (p *Provider) Free() bool { return p.MaxDailyUSD == 0 }

// ModelForTask returns the bare model name for the task role, falling back
// to the default slot.
func (p *Provider) ModelForTask(task Task) string {
	switch task {
	case TaskCoding:
		if m := p.Models["coding"]; m != "" {
			return m
		}
	case TaskVision:
		if m := p.Models["vision"]; m != "" {
			return m
		}
	}
	return p.Models["default"]
}

// Document is the on-disk chain declaration.
type Document struct {
	Providers []Provider `json:"providers"`
}

// DefaultDocument is the minimal built-in chain written when no declaration
// exists: one premium cloud provider, then the free local fallback.
func DefaultDocument() Document {
	return Document{Providers: []Provider{
		{
			ID:          "anthropic",
			Priority:    1,
			Enabled:     true,
			MaxDailyUSD: 10.0,
			Models: map[string]string{
				"default": "claude-sonnet-4-20250514",
			},
		},
		{
			ID:          "ollama",
			Priority:    99,
			Enabled:     true,
			MaxDailyUSD: 0,
			Models: map[string]string{
				"default": "qwen3:8b",
				"coding":  "qwen3-coder:30b",
				"vision":  "qwen3-vl:8b",
			},
		},
	}}
}

// Registry answers ordering queries over the declared chain.
type Registry struct {
	mu        sync.RWMutex
	path      string
	providers []Provider // enabled and disabled, post-override
}

// Load reads the chain declaration from path, writing the built-in default
// first if the file is absent, then applies environment overrides. Overrides
// never touch the on-disk file.
func Load(path string) (*Registry, error) {
	var doc Document
	ok, err := fsstore.ReadJSON(path, &doc)
	if err != nil {
		return nil, err
	}
	if !ok || len(doc.Providers) == 0 {
		doc = DefaultDocument()
		if err := fsstore.WriteJSON(path, doc); err != nil {
			return nil, fmt.Errorf("write default chain: %w", err)
		}
	}

	r := &Registry{path: path}
	r.install(doc)
	return r, nil
}

// Reload re-reads the declaration from disk and reapplies env overrides.
// Used by the fsnotify watcher and the admin reload endpoint.
func (r *Registry) Reload() error {
	var doc Document
	ok, err := fsstore.ReadJSON(r.path, &doc)
	if err != nil {
		return err
	}
	if !ok || len(doc.Providers) == 0 {
		return fmt.Errorf("chain declaration %s missing or empty", r.path)
	}
	r.install(doc)
	return nil
}

// Path returns the chain declaration file path.
func (r *Registry) Path() string { return r.path }

func (r *Registry) install(doc Document) {
	providers := make([]Provider, len(doc.Providers))
	copy(providers, doc.Providers)
	for i := range providers {
		applyEnvOverrides(&providers[i])
	}
	sort.SliceStable(providers, func(i, j int) bool {
		if providers[i].Priority != providers[j].Priority {
			return providers[i].Priority < providers[j].Priority
		}
		return providers[i].ID < providers[j].ID
	})

	r.mu.Lock()
	r.providers = providers
	r.mu.Unlock()
}

// EnvKey converts a provider id to its environment-variable stem:
// uppercased, hyphens replaced with underscores.
func EnvKey(id string) string {
	return strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
}

func applyEnvOverrides(p *Provider) {
	stem := EnvKey(p.ID)
	if v := os.Getenv(stem + "_DAILY_BUDGET_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			p.MaxDailyUSD = f
		}
	}
	if v := os.Getenv(stem + "_ENABLED"); v != "" {
		switch strings.ToLower(v) {
		case "true":
			p.Enabled = true
		case "false":
			p.Enabled = false
		}
	}
}

// Get returns the provider with the given id, or nil.
func (r *Registry) Get(id string) *Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.providers {
		if r.providers[i].ID == id {
			cp := r.providers[i]
			return &cp
		}
	}
	return nil
}

// All returns every declared provider in priority order, including disabled
// ones. Used by the status API.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// Enabled returns enabled providers ordered by priority ascending, ties
// broken by id.
func (r *Registry) Enabled() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Provider
	for _, p := range r.providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// FirstEnabled returns the highest-priority enabled provider, or nil.
func (r *Registry) FirstEnabled() *Provider {
	enabled := r.Enabled()
	if len(enabled) == 0 {
		return nil
	}
	cp := enabled[0]
	return &cp
}

// NextAfter returns the first enabled provider strictly after currentID in
// priority order that is not in the exhausted set. Free providers are always
// eligible. Returns nil when the chain is spent.
func (r *Registry) NextAfter(currentID string, exhausted map[string]bool) *Provider {
	cur := r.Get(currentID)
	if cur == nil {
		return r.FirstAvailable(exhausted)
	}
	for _, p := range r.Enabled() {
		if p.Priority <= cur.Priority {
			continue
		}
		if !p.Free() && exhausted[p.ID] {
			continue
		}
		cp := p
		return &cp
	}
	return nil
}

// FirstAvailable returns the first enabled, non-exhausted provider, or nil.
func (r *Registry) FirstAvailable(exhausted map[string]bool) *Provider {
	for _, p := range r.Enabled() {
		if !p.Free() && exhausted[p.ID] {
			continue
		}
		cp := p
		return &cp
	}
	return nil
}
