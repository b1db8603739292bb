package config

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// ConfigManager provides thread-safe access to live configuration.
type ConfigManager interface {
	Get() *Config
	Set(cfg *Config)
	Reload(path string) error
}

// RWMutexManager provides thread-safe read-heavy config access using RWMutex.
//
// Only Budget is safe to hot-swap: Store, Topology, API and the active
// provider are all baked into objects runSchedulerLoop and its peers build
// once at startup (the sqlite handle, the topology.Handler, the listening
// http.Server). Reload refuses a file that changes any of those fields
// rather than silently accepting an update the rest of the process will
// never apply, so a bad edit to swarmcore.toml fails loudly on the next
// reload tick instead of drifting the on-disk config out of sync with the
// running process.
type RWMutexManager struct {
	mu          sync.RWMutex
	cfg         *Config
	reloadedAt  time.Time
	reloadCount int
}

// NewManager constructs a manager with an initial config.
func NewManager(initial *Config) *RWMutexManager {
	return &RWMutexManager{cfg: initial.Clone()}
}

// Get returns a cloned config snapshot under a shared lock.
//
// Returning a clone prevents shared mutable state from leaking across readers.
func (m *RWMutexManager) Get() *Config {
	if m == nil {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone()
}

// Set updates the current config pointer under an exclusive lock.
func (m *RWMutexManager) Set(cfg *Config) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg.Clone()
}

// Reload loads config from path and atomically swaps it into place.
//
// The load is rejected, and the live config left untouched, if it would
// change a field nothing in the running process re-reads after startup.
func (m *RWMutexManager) Reload(path string) error {
	if m == nil {
		return fmt.Errorf("config manager is nil")
	}
	if path == "" {
		return fmt.Errorf("config reload path is required")
	}

	loaded, err := Load(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := structuralDiff(m.cfg, loaded); err != nil {
		return fmt.Errorf("config reload: %w (only [budget] can be hot-reloaded; restart to apply this change)", err)
	}
	m.cfg = loaded.Clone()
	m.reloadedAt = time.Now()
	m.reloadCount++
	return nil
}

// Stats reports how many reloads have succeeded and when the last one landed,
// for the API's health endpoint to surface to operators.
func (m *RWMutexManager) Stats() (reloadCount int, lastReloadAt time.Time) {
	if m == nil {
		return 0, time.Time{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reloadCount, m.reloadedAt
}

// structuralDiff reports the first field that changed between live and
// candidate among those the running process only reads at startup.
func structuralDiff(live, candidate *Config) error {
	if live.Store != candidate.Store {
		return fmt.Errorf("store config changed (%+v -> %+v)", live.Store, candidate.Store)
	}
	if live.Topology != candidate.Topology {
		return fmt.Errorf("topology config changed (%+v -> %+v)", live.Topology, candidate.Topology)
	}
	if live.API.ListenAddr != candidate.API.ListenAddr {
		return fmt.Errorf("api.listen_addr changed (%q -> %q)", live.API.ListenAddr, candidate.API.ListenAddr)
	}
	if live.API.BearerSecretEnv != candidate.API.BearerSecretEnv {
		return fmt.Errorf("api.bearer_secret_env changed (%q -> %q)", live.API.BearerSecretEnv, candidate.API.BearerSecretEnv)
	}
	if !slices.Equal(live.API.APIKeys, candidate.API.APIKeys) {
		return fmt.Errorf("api.api_keys changed")
	}
	if live.API.MetricsEnabled != candidate.API.MetricsEnabled {
		return fmt.Errorf("api.metrics_enabled changed (%v -> %v)", live.API.MetricsEnabled, candidate.API.MetricsEnabled)
	}
	if live.General.ActiveProvider != candidate.General.ActiveProvider {
		return fmt.Errorf("general.active_provider changed (%q -> %q)", live.General.ActiveProvider, candidate.General.ActiveProvider)
	}
	if live.Providers[live.General.ActiveProvider] != candidate.Providers[candidate.General.ActiveProvider] {
		return fmt.Errorf("providers.%s changed", live.General.ActiveProvider)
	}
	return nil
}

var _ ConfigManager = (*RWMutexManager)(nil)
