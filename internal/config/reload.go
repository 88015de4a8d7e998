package config

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Hook applies a freshly loaded configuration to a live component.
type Hook func(*Config) error

// Reloader re-reads the config file on demand. A file that fails to load or
// validate leaves the current configuration in place.
type Reloader struct {
	path string
	load func(string) (*Config, error)

	mu      sync.Mutex
	current *Config
	hooks   []Hook
}

func NewReloader(path string, current *Config) *Reloader {
	return &Reloader{path: path, load: LoadWithEnv, current: current}
}

func (r *Reloader) OnReload(h Hook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

func (r *Reloader) Current() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Reloader) Path() string { return r.path }

// Reload loads path (the original path when empty) and runs every hook in
// registration order. The first hook error is returned after all hooks ran.
func (r *Reloader) Reload(path string) (*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if path == "" {
		path = r.path
	}
	next, err := r.load(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("config reload rejected")
		return nil, err
	}
	var first error
	for i, h := range r.hooks {
		if err := h(next); err != nil {
			log.Error().Err(err).Int("hook", i).Msg("config reload hook failed")
			if first == nil {
				first = fmt.Errorf("reload hook %d: %w", i, err)
			}
		}
	}
	r.current = next
	r.path = path
	log.Info().Str("path", path).Int("sources", len(next.Sources)).Msg("config reloaded")
	return next, first
}
