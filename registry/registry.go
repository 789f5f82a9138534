// Package registry caches models loaded from a model directory. Entries are
// bounded by an LRU and evicted when their files change on disk, so a model
// retrained by another process is picked up on the next request.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"dynens/ensemble"
	"dynens/optim"
	"dynens/parallel"
)

// Config describes a registry over one model directory.
type Config struct {
	// Dir holds the structure and weights files, created if missing.
	Dir string
	// MaxModels bounds how many models stay loaded, 8 when zero.
	MaxModels int

	Logger      *zap.Logger
	Pool        *parallel.Pool
	Optimizer   optim.Factory
	OptimConfig optim.Config
}

// Registry loads models on demand and keeps them cached.
type Registry struct {
	dir    string
	logger *zap.Logger
	pool   *parallel.Pool
	opt    optim.Factory
	optCfg optim.Config

	mu      sync.Mutex
	cache   *lru.Cache[string, *ensemble.Model]
	watcher *fsnotify.Watcher
}

// New creates a registry and starts watching the model directory.
func New(cfg Config) (*Registry, error) {
	if cfg.Dir == "" {
		return nil, errors.New("registry: model directory required")
	}
	if cfg.MaxModels <= 0 {
		cfg.MaxModels = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: create model dir: %w", err)
	}

	cache, err := lru.New[string, *ensemble.Model](cfg.MaxModels)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("registry: start watcher: %w", err)
	}
	if err := watcher.Add(cfg.Dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("registry: watch %s: %w", cfg.Dir, err)
	}

	r := &Registry{
		dir:     cfg.Dir,
		logger:  cfg.Logger,
		pool:    cfg.Pool,
		opt:     cfg.Optimizer,
		optCfg:  cfg.OptimConfig,
		cache:   cache,
		watcher: watcher,
	}
	go r.watch()
	return r, nil
}

// Close stops the directory watcher. Cached models stay usable.
func (r *Registry) Close() error {
	return r.watcher.Close()
}

// Dir returns the model directory.
func (r *Registry) Dir() string { return r.dir }

// Get returns the named model, loading it from disk when not cached.
func (r *Registry) Get(name string) (*ensemble.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.cache.Get(name); ok {
		return m, nil
	}

	m, err := ensemble.Load(ensemble.Config{
		Name:     name,
		ModelDir: r.dir,
		Logger:   r.logger,
		Pool:     r.pool,
	}, r.opt, r.optCfg)
	if err != nil {
		return nil, err
	}
	r.cache.Add(name, m)
	r.logger.Info("model loaded", zap.String("model", name))
	return m, nil
}

// Put caches an already-built model under its own name.
func (r *Registry) Put(m *ensemble.Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Add(m.Name(), m)
}

// Invalidate drops the named model from the cache.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Remove(name)
}

// Loaded returns the names of currently cached models.
func (r *Registry) Loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Keys()
}

// List returns the model names present on disk, sorted.
func (r *Registry) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir, "*.nns"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), ".nns"))
	}
	sort.Strings(names)
	return names, nil
}

func (r *Registry) watch() {
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			name, ok := modelName(ev.Name)
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			r.mu.Lock()
			removed := r.cache.Remove(name)
			r.mu.Unlock()
			if removed {
				r.logger.Info("model evicted after file change",
					zap.String("model", name),
					zap.String("file", filepath.Base(ev.Name)))
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("model watch error", zap.Error(err))
		}
	}
}

// modelName maps a model file path back to its model name.
func modelName(path string) (string, bool) {
	base := filepath.Base(path)
	for _, suffix := range []string{".nns", ".weights.json"} {
		if strings.HasSuffix(base, suffix) {
			return strings.TrimSuffix(base, suffix), true
		}
	}
	return "", false
}
