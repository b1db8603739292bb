// Package config loads and validates the orchestrator's TOML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full settings tree, one struct per component.
type Config struct {
	General   General            `toml:"general"`
	Store     Store              `toml:"store"`
	Budget    Budget             `toml:"budget"`
	Router    Router             `toml:"router"`
	Providers map[string]Provider `toml:"providers"`
	Topology  Topology           `toml:"topology"`
	Notify    Notify             `toml:"notify"`
	API       API                `toml:"api"`
}

// General holds process-wide settings not owned by a specific component.
type General struct {
	LogLevel       string   `toml:"log_level"`
	LockFile       string   `toml:"lock_file"`
	SchedulerTick  Duration `toml:"scheduler_tick"`
	ActiveProvider string   `toml:"active_provider"`
}

// Store configures the state-store backend.
type Store struct {
	Backend string `toml:"backend"` // "memory" or "sqlite"
	Path    string `toml:"path"`    // sqlite file path; ignored for memory
}

// Budget mirrors store.BudgetConfig so operators can seed it from file.
type Budget struct {
	PerTaskMaxCents       int `toml:"per_task_max_cents"`
	DailyCapCents         int `toml:"daily_cap_cents"`
	WeeklyCapCents        int `toml:"weekly_cap_cents"`
	AlertThresholdPercent int `toml:"alert_threshold_percent"`
	PauseThresholdPercent int `toml:"pause_threshold_percent"`
}

// Router configures agent scoring and routing behaviour.
type Router struct {
	NewAgentConfidence float64 `toml:"new_agent_confidence"`
	ScoringAlpha        float64 `toml:"scoring_alpha"`
}

// Provider configures one execution provider instance.
type Provider struct {
	Kind         string  `toml:"kind"` // "cloud_machines", "cloud_jobs", "docker_local", "mock"
	Endpoint     string  `toml:"endpoint"`
	APIKeyEnv    string  `toml:"api_key_env"`
	LLMAPIKeyEnv string  `toml:"llm_api_key_env"`
	SCMTokenEnv  string  `toml:"scm_token_env"`
	JobTemplateID string `toml:"job_template_id"`
	RateLimitRPS float64 `toml:"rate_limit_rps"`
	DockerImage  string  `toml:"docker_image"`
	WorkDir      string  `toml:"work_dir"`
}

// ActiveProvider returns the name and configuration of the provider named
// by general.active_provider. When that name has no entry under
// [providers], it falls back to an arbitrary entry of Providers (map
// iteration order), and to a bare mock provider when Providers is empty.
func (c *Config) ActiveProvider() (string, Provider) {
	if p, ok := c.Providers[c.General.ActiveProvider]; ok {
		return c.General.ActiveProvider, p
	}
	for name, p := range c.Providers {
		return name, p
	}
	return "mock", Provider{Kind: "mock"}
}

// Topology selects which orchestrator-agent communication shape is active.
type Topology struct {
	Mode                string `toml:"mode"` // "hub", "hierarchical", "mesh"
	MaxDepth            int    `toml:"max_depth"`
	MaxSubTasksPerAgent int    `toml:"max_sub_tasks_per_agent"`
	RequestTimeout      Duration `toml:"request_timeout"`
}

// Notify configures the websocket notification bus.
type Notify struct {
	Enabled    bool `toml:"enabled"`
	BufferSize int  `toml:"buffer_size"`
}

// API configures the HTTP request boundary.
type API struct {
	ListenAddr     string   `toml:"listen_addr"`
	APIKeys        []string `toml:"api_keys"`
	BearerSecretEnv string  `toml:"bearer_secret_env"`
	MetricsEnabled bool     `toml:"metrics_enabled"`
}

// Default returns a fully-populated config using the documented defaults,
// suitable as a base before a TOML file overrides specific fields.
func Default() *Config {
	return &Config{
		General: General{
			LogLevel:       "info",
			LockFile:       "/tmp/swarmcore.lock",
			SchedulerTick:  Duration{500 * time.Millisecond},
			ActiveProvider: "mock",
		},
		Store: Store{Backend: "memory"},
		Budget: Budget{
			PerTaskMaxCents:       500,
			DailyCapCents:         10000,
			WeeklyCapCents:        50000,
			AlertThresholdPercent: 80,
			PauseThresholdPercent: 100,
		},
		Router: Router{NewAgentConfidence: 0.5, ScoringAlpha: 0.3},
		Providers: map[string]Provider{
			"mock": {Kind: "mock"},
		},
		Topology: Topology{
			Mode:                "hub",
			MaxDepth:            3,
			MaxSubTasksPerAgent: 5,
			RequestTimeout:      Duration{30 * time.Second},
		},
		Notify: Notify{Enabled: true, BufferSize: 256},
		API: API{
			ListenAddr:     ":8080",
			MetricsEnabled: true,
		},
	}
}

// Load reads and parses path, applying defaults for anything the file
// leaves unset by starting from Default and decoding on top of it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants Load and Manager.Reload both need enforced.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config: store.backend must be \"memory\" or \"sqlite\", got %q", c.Store.Backend)
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("config: store.path is required when store.backend is \"sqlite\"")
	}
	switch c.Topology.Mode {
	case "hub", "hierarchical", "mesh":
	default:
		return fmt.Errorf("config: topology.mode must be one of hub, hierarchical, mesh, got %q", c.Topology.Mode)
	}
	if c.Budget.PerTaskMaxCents <= 0 {
		return fmt.Errorf("config: budget.per_task_max_cents must be positive")
	}
	return nil
}

// Clone returns a deep-enough copy for safe concurrent use: the map and
// slice fields a reader might range over are copied, not aliased.
func (c *Config) Clone() *Config {
	cp := *c
	if c.Providers != nil {
		cp.Providers = make(map[string]Provider, len(c.Providers))
		for k, v := range c.Providers {
			cp.Providers[k] = v
		}
	}
	if c.API.APIKeys != nil {
		cp.API.APIKeys = append([]string(nil), c.API.APIKeys...)
	}
	return &cp
}
