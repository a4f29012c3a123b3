// Package config holds all execution-core configuration. Each component gets
// its own sub-struct with a Default constructor; files may be YAML or JSON,
// and a small set of environment variables override file values so deploys
// can tune hot parameters without editing files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agentcore/internal/logging"
)

// Duration wraps time.Duration so config files can use strings like "30s".
type Duration time.Duration

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML parses "5m", "500ms", or a bare number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.parse(raw)
}

// UnmarshalJSON parses the same forms as UnmarshalYAML.
func (d *Duration) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	return d.parse(raw)
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// MarshalJSON renders the duration in time.Duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) parse(raw string) error {
	if raw == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the root configuration for the execution core.
type Config struct {
	Store       StoreConfig       `yaml:"store" json:"store"`
	Logging     logging.Config    `yaml:"logging" json:"logging"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" json:"scheduler"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint" json:"checkpoint"`
	Idempotency IdempotencyConfig `yaml:"idempotency" json:"idempotency"`
	Async       AsyncConfig       `yaml:"async" json:"async"`
	Healing     HealingConfig     `yaml:"healing" json:"healing"`
}

// StoreConfig configures SQLite persistence.
type StoreConfig struct {
	// DatabasePath is the SQLite file path; ":memory:" for tests.
	DatabasePath string `yaml:"database_path" json:"database_path"`
}

// SchedulerConfig configures plan execution.
type SchedulerConfig struct {
	// MaxConcurrentSteps bounds how many steps of a parallel group run at
	// once. Hot-reloadable.
	MaxConcurrentSteps int `yaml:"max_concurrent_steps" json:"max_concurrent_steps"`

	// MaxRetries is the per-step attempt cap before a step is finally failed.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// Retry backoff curve between attempts of the same step.
	RetryBackoffBase Duration `yaml:"retry_backoff_base" json:"retry_backoff_base"`
	RetryBackoffMax  Duration `yaml:"retry_backoff_max" json:"retry_backoff_max"`

	// HealingFailureThreshold is how many consecutive failures of one tool
	// trigger the self-healing supervisor.
	HealingFailureThreshold int `yaml:"healing_failure_threshold" json:"healing_failure_threshold"`
}

// CheckpointConfig configures the checkpoint store.
type CheckpointConfig struct {
	TTL           Duration `yaml:"ttl" json:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// IdempotencyConfig configures the dedup guard.
type IdempotencyConfig struct {
	// TTL is the dedup window; same-key invocations after expiry run again.
	TTL Duration `yaml:"ttl" json:"ttl"`

	// Await polling curve for callers that lost the claim race.
	PollBase Duration `yaml:"poll_base" json:"poll_base"`
	PollMax  Duration `yaml:"poll_max" json:"poll_max"`
}

// AsyncConfig configures the async execution tracker.
type AsyncConfig struct {
	// Per-execution defaults, used when a registration leaves them zero.
	DefaultStaleThreshold Duration `yaml:"default_stale_threshold" json:"default_stale_threshold"`
	DefaultMaxTimeout     Duration `yaml:"default_max_timeout" json:"default_max_timeout"`

	SweepInterval Duration `yaml:"sweep_interval" json:"sweep_interval"`

	// Delivery retry curve.
	DeliveryBackoffBase Duration `yaml:"delivery_backoff_base" json:"delivery_backoff_base"`
	DeliveryBackoffMax  Duration `yaml:"delivery_backoff_max" json:"delivery_backoff_max"`
	MaxDeliveryAttempts int      `yaml:"max_delivery_attempts" json:"max_delivery_attempts"`
}

// HealingConfig configures the self-healing supervisor.
type HealingConfig struct {
	// ApprovalTimeout bounds how long a high-severity instance waits for a
	// human decision before escalating as if denied.
	ApprovalTimeout Duration `yaml:"approval_timeout" json:"approval_timeout"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Store:   StoreConfig{DatabasePath: filepath.Join(".agentcore", "core.db")},
		Logging: logging.DefaultConfig(),
		Scheduler: SchedulerConfig{
			MaxConcurrentSteps:      4,
			MaxRetries:              3,
			RetryBackoffBase:        Duration(5 * time.Second),
			RetryBackoffMax:         Duration(5 * time.Minute),
			HealingFailureThreshold: 3,
		},
		Checkpoint: CheckpointConfig{
			TTL:           Duration(24 * time.Hour),
			SweepInterval: Duration(5 * time.Minute),
		},
		Idempotency: IdempotencyConfig{
			TTL:      Duration(1 * time.Hour),
			PollBase: Duration(50 * time.Millisecond),
			PollMax:  Duration(2 * time.Second),
		},
		Async: AsyncConfig{
			DefaultStaleThreshold: Duration(2 * time.Minute),
			DefaultMaxTimeout:     Duration(30 * time.Minute),
			SweepInterval:         Duration(30 * time.Second),
			DeliveryBackoffBase:   Duration(5 * time.Second),
			DeliveryBackoffMax:    Duration(5 * time.Minute),
			MaxDeliveryAttempts:   10,
		},
		Healing: HealingConfig{
			ApprovalTimeout: Duration(30 * time.Minute),
		},
	}
}

// Load reads the config file at path (YAML unless the extension is .json),
// fills unset values from Default, and applies environment overrides.
// A missing file is not an error: defaults plus overrides are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		logging.ConfigDebug("No config file at %s, using defaults", path)
	case err != nil:
		return cfg, fmt.Errorf("failed to read config: %w", err)
	default:
		if filepath.Ext(path) == ".json" {
			err = json.Unmarshal(data, &cfg)
		} else {
			err = yaml.Unmarshal(data, &cfg)
		}
		if err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deploys tune hot parameters without editing files.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AGENTCORE_DB_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("AGENTCORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AGENTCORE_MAX_CONCURRENT_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.MaxConcurrentSteps = n
		} else {
			logging.Get(logging.CategoryConfig).Warnf("Ignoring AGENTCORE_MAX_CONCURRENT_STEPS=%q", v)
		}
	}
	if v := os.Getenv("AGENTCORE_IDEMPOTENCY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Idempotency.TTL = Duration(d)
		} else {
			logging.Get(logging.CategoryConfig).Warnf("Ignoring AGENTCORE_IDEMPOTENCY_TTL=%q", v)
		}
	}
	if v := os.Getenv("AGENTCORE_CHECKPOINT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Checkpoint.TTL = Duration(d)
		} else {
			logging.Get(logging.CategoryConfig).Warnf("Ignoring AGENTCORE_CHECKPOINT_TTL=%q", v)
		}
	}
}

// Validate rejects configurations that would wedge the core.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrentSteps <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_steps must be positive, got %d", c.Scheduler.MaxConcurrentSteps)
	}
	if c.Scheduler.MaxRetries <= 0 {
		return fmt.Errorf("scheduler.max_retries must be positive, got %d", c.Scheduler.MaxRetries)
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be positive")
	}
	if c.Checkpoint.TTL <= 0 {
		return fmt.Errorf("checkpoint.ttl must be positive")
	}
	if c.Async.DefaultStaleThreshold.Std() > c.Async.DefaultMaxTimeout.Std() {
		return fmt.Errorf("async.default_stale_threshold exceeds async.default_max_timeout")
	}
	return nil
}
