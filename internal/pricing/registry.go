// Package pricing implements the Pricing Registry (PR) and Cost Calculator
// (CC) leaves: a file-loaded, periodically refreshed per-model price catalog,
// and a pure function turning a usage record into a cost breakdown.
//
// Grounded on the bifrost PricingManager pattern (background sync ticker,
// RWMutex-protected in-memory map, pointer-style catalog swap on refresh) but
// simplified to a single local JSON file — PR has no database or remote
// fetch collaborator in this system, per spec.md §4.1 ("PR loads a
// model-price catalog from a local file").
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// TieredPrice is an explicit "above 200K tokens" price variant for a model.
type TieredPrice struct {
	Input        float64 `json:"input"`
	Output       float64 `json:"output"`
	CacheCreate5m float64 `json:"cache_create_5m"`
	CacheCreate1h float64 `json:"cache_create_1h"`
	CacheRead    float64 `json:"cache_read"`
}

// ModelPrice is one catalog row: base per-token USD prices for a model, plus
// an optional explicit long-context variant and fast-mode multiplier.
type ModelPrice struct {
	Input             float64      `json:"input"`
	Output            float64      `json:"output"`
	CacheCreate5m     float64      `json:"cache_create_5m"`
	CacheCreate1h     float64      `json:"cache_create_1h"`
	CacheRead         float64      `json:"cache_read"`
	Above200K         *TieredPrice `json:"above_200k,omitempty"`
	FastModeMultiplier float64     `json:"fast_mode_multiplier,omitempty"`
}

// Catalog is the full model→price table, loaded verbatim from pricing.json.
type Catalog map[string]ModelPrice

// Lookup resolves a model's price row. The `[1m]` context-tier suffix is
// stripped before lookup since it selects a pricing *variant*, not a
// different catalog entry.
func (c Catalog) Lookup(model string) (ModelPrice, bool) {
	p, ok := c[stripContextSuffix(model)]
	return p, ok
}

func stripContextSuffix(model string) string {
	const suffix = "[1m]"
	if len(model) > len(suffix) && model[len(model)-len(suffix):] == suffix {
		return model[:len(model)-len(suffix)]
	}
	return model
}

const freshnessWindow = 5 * time.Minute

// Registry is the Pricing Registry. It polls the catalog file's mtime and
// also watches it via fsnotify for faster pickup, republishing an immutable
// snapshot (atomic.Pointer swap, never mutated in place) whenever either
// fires, per spec.md §9 "writers publish a new snapshot rather than
// mutating in place."
type Registry struct {
	path    string
	log     *slog.Logger
	catalog atomic.Pointer[Catalog]
	modTime atomic.Int64 // unix nanos of last-loaded mtime

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a Registry and performs the initial synchronous load; path
// must exist and contain a valid pricing.json.
func New(path string, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{path: path, log: log, done: make(chan struct{})}
	if err := r.load(); err != nil {
		return nil, fmt.Errorf("pricing: initial load: %w", err)
	}
	return r, nil
}

// Catalog returns the current immutable snapshot.
func (r *Registry) Catalog() Catalog {
	p := r.catalog.Load()
	if p == nil {
		return Catalog{}
	}
	return *p
}

// Price resolves a single model row.
func (r *Registry) Price(model string) (ModelPrice, bool) {
	return r.Catalog().Lookup(model)
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	var cat Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return fmt.Errorf("parse pricing catalog: %w", err)
	}
	r.catalog.Store(&cat)
	if fi, statErr := os.Stat(r.path); statErr == nil {
		r.modTime.Store(fi.ModTime().UnixNano())
	}
	r.log.Info("pricing_catalog_loaded", slog.Int("models", len(cat)), slog.String("path", r.path))
	return nil
}

// Run starts the background refresh loop: an mtime poll every 30s plus an
// fsnotify watch on the catalog file, either of which triggers a reload. It
// blocks until ctx is cancelled; callers run it in its own goroutine.
func (r *Registry) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// fsnotify unavailable (e.g. inotify exhausted) — degrade to poll-only.
		r.log.Warn("pricing_watch_unavailable", slog.String("error", err.Error()))
		return r.pollLoop(ctx)
	}
	r.watcher = watcher
	defer watcher.Close()

	if err := watcher.Add(r.path); err != nil {
		r.log.Warn("pricing_watch_add_failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.reloadIfChanged()
		case ev, ok := <-watcher.Events:
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				r.reloadIfChanged()
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				continue
			}
			r.log.Warn("pricing_watch_error", slog.String("error", werr.Error()))
		}
	}
}

func (r *Registry) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.reloadIfChanged()
		}
	}
}

func (r *Registry) reloadIfChanged() {
	fi, err := os.Stat(r.path)
	if err != nil {
		r.log.Warn("pricing_stat_failed", slog.String("error", err.Error()))
		return
	}
	if fi.ModTime().UnixNano() <= r.modTime.Load() {
		return
	}
	if err := r.load(); err != nil {
		r.log.Warn("pricing_reload_failed", slog.String("error", err.Error()))
	}
}

// Fresh reports whether the catalog was loaded within the freshness window —
// a diagnostic used by the readiness peripheral, not by CC itself (CC always
// uses whatever snapshot is current).
func (r *Registry) Fresh() bool {
	last := time.Unix(0, r.modTime.Load())
	return time.Since(last) <= freshnessWindow
}
