package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is an immutable snapshot loaded once at process start. A
// configuration change requires a new snapshot, never in-place edits.
type Config struct {
	Log          LogConfig          `koanf:"log"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Server       ServerConfig       `koanf:"server"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Skills       map[string]SkillConfig `koanf:"skills"`
	Retention    RetentionConfig    `koanf:"retention"`
	Federation   FederationConfig   `koanf:"federation"`
	Governance   GovernanceConfig   `koanf:"governance"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // stdout, otlp, none
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

// OrchestratorConfig bounds admission, retry, and timeout policy.
type OrchestratorConfig struct {
	MaxConcurrentRuns int           `koanf:"max_concurrent_runs"`
	QueueCapacity     int           `koanf:"queue_capacity"`
	DefaultAttempts   int           `koanf:"default_attempts"`
	DefaultTimeout    time.Duration `koanf:"default_timeout"`
	ConflictRetries   int           `koanf:"conflict_retries"`
	Backoff           BackoffConfig `koanf:"backoff"`
}

type BackoffConfig struct {
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
	Multiplier   float64       `koanf:"multiplier"`
	Jitter       float64       `koanf:"jitter"`
}

// SkillConfig overrides orchestrator defaults for one skill.
type SkillConfig struct {
	Timeout     time.Duration `koanf:"timeout"`
	MaxAttempts int           `koanf:"max_attempts"`
	Concurrency int           `koanf:"concurrency"`

	// Remote delegates the skill's stages to a federation peer instead
	// of the local sandbox.
	Remote bool `koanf:"remote"`
}

// RetentionConfig controls context partition sweeps. Windows are keyed by
// partition class (the segment before the first '/').
type RetentionConfig struct {
	SweepInterval time.Duration            `koanf:"sweep_interval"`
	Windows       map[string]time.Duration `koanf:"windows"`
}

type FederationConfig struct {
	Enabled           bool          `koanf:"enabled"`
	AgentName         string        `koanf:"agent_name"`
	BaseURL           string        `koanf:"base_url"`
	Peers             []string      `koanf:"peers"`
	RefreshInterval   time.Duration `koanf:"refresh_interval"`
	CardTTL           time.Duration `koanf:"card_ttl"`
	DelegationHorizon time.Duration `koanf:"delegation_horizon"`
	PollInterval      time.Duration `koanf:"poll_interval"`
}

type GovernanceConfig struct {
	// AutoApproveAbove lets review scores at or above this threshold pass
	// the approval stage without blocking for an operator decision.
	AutoApproveAbove float64 `koanf:"auto_approve_above"`
}

// Load reads configuration from defaults, an optional YAML file, and the
// CHIMERA_ environment overlay, in that order of precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	k.Set("log.level", "info")
	k.Set("log.format", "text")
	k.Set("telemetry.exporter", "stdout")
	k.Set("server.addr", ":8080")

	k.Set("orchestrator.max_concurrent_runs", 8)
	k.Set("orchestrator.queue_capacity", 256)
	k.Set("orchestrator.default_attempts", 3)
	k.Set("orchestrator.default_timeout", "30s")
	k.Set("orchestrator.conflict_retries", 3)
	k.Set("orchestrator.backoff.initial_delay", "100ms")
	k.Set("orchestrator.backoff.max_delay", "10s")
	k.Set("orchestrator.backoff.multiplier", 2.0)
	k.Set("orchestrator.backoff.jitter", 0.1)

	k.Set("retention.sweep_interval", "1h")
	k.Set("retention.windows.trends", "168h")
	k.Set("retention.windows.content", "720h")
	k.Set("retention.windows.engagement", "2160h")

	k.Set("federation.enabled", false)
	k.Set("federation.agent_name", "chimera")
	k.Set("federation.refresh_interval", "5m")
	k.Set("federation.card_ttl", "15m")
	k.Set("federation.delegation_horizon", "2m")
	k.Set("federation.poll_interval", "2s")

	k.Set("governance.auto_approve_above", 0.7)

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV (CHIMERA_ORCHESTRATOR_DEFAULT_TIMEOUT -> orchestrator.default_timeout)
	if err := k.Load(env.Provider("CHIMERA_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "CHIMERA_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SkillPolicy resolves the effective timeout, attempt budget, and concurrency
// ceiling for a skill, applying per-skill overrides over the defaults.
func (c *Config) SkillPolicy(skill string) SkillConfig {
	policy := SkillConfig{
		Timeout:     c.Orchestrator.DefaultTimeout,
		MaxAttempts: c.Orchestrator.DefaultAttempts,
	}
	override, ok := c.Skills[skill]
	if !ok {
		return policy
	}
	if override.Timeout > 0 {
		policy.Timeout = override.Timeout
	}
	if override.MaxAttempts > 0 {
		policy.MaxAttempts = override.MaxAttempts
	}
	if override.Concurrency > 0 {
		policy.Concurrency = override.Concurrency
	}
	return policy
}
