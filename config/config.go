// Package config loads harness settings from defaults, a YAML file,
// HARNESS_* environment variables and command-line flags, in that order of
// increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/martinemde/harness/agentloop"
	"github.com/martinemde/harness/permission"
	"github.com/martinemde/harness/unifiedllm"
)

// EnvPrefix is prepended to every environment override, e.g.
// HARNESS_MODEL or HARNESS_CONTEXT_TRIGGER_FRACTION.
const EnvPrefix = "HARNESS"

// Config is the complete harness configuration.
type Config struct {
	Provider     string        `mapstructure:"provider"`
	Fallback     []string      `mapstructure:"fallback"`
	Model        string        `mapstructure:"model"`
	Instructions string        `mapstructure:"instructions"`
	MaxTurns     int           `mapstructure:"max_turns"`
	ToolTimeout  time.Duration `mapstructure:"tool_timeout"`
	SkillsDir    string        `mapstructure:"skills_dir"`

	Permission PermissionConfig        `mapstructure:"permission"`
	Context    ContextConfig           `mapstructure:"context"`
	Retry      RetryConfig             `mapstructure:"retry"`
	RateLimit  RateLimitConfig         `mapstructure:"rate_limit"`
	Budget     BudgetConfig            `mapstructure:"budget"`
	Session    SessionConfig           `mapstructure:"session"`
	Steering   SteeringConfig          `mapstructure:"steering"`
	Hooks      []agentloop.HookSpec    `mapstructure:"hooks"`
	Agents     []agentloop.SubAgentDef `mapstructure:"agents"`
	SubAgents  SubAgentConfig          `mapstructure:"sub_agents"`
	Log        LogConfig               `mapstructure:"log"`
}

// PermissionConfig holds the default mode, inline rules and an optional
// policy file whose rules are appended after the inline ones.
type PermissionConfig struct {
	Mode   string            `mapstructure:"mode"`
	Policy string            `mapstructure:"policy"`
	Deny   []permission.Rule `mapstructure:"deny"`
	Allow  []permission.Rule `mapstructure:"allow"`
	Ask    []permission.Rule `mapstructure:"ask"`
}

type ContextConfig struct {
	Limit           int     `mapstructure:"limit"`
	TriggerFraction float64 `mapstructure:"trigger_fraction"`
	TargetFraction  float64 `mapstructure:"target_fraction"`
	KeepRecent      int     `mapstructure:"keep_recent"`
	// Summarize asks the model for compaction summaries instead of the
	// extractive summary.
	Summarize bool `mapstructure:"summarize"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// BudgetConfig caps a run. Zero means unlimited.
type BudgetConfig struct {
	MaxTokens int     `mapstructure:"max_tokens"`
	MaxCost   float64 `mapstructure:"max_cost"`
}

// SessionConfig selects the session backend: Postgres when PostgresDSN is
// set, JSONL files under Dir otherwise.
type SessionConfig struct {
	Dir         string `mapstructure:"dir"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// SteeringConfig enables the Redis relay when RedisAddr is set.
type SteeringConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

type SubAgentConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	MaxDepth int           `mapstructure:"max_depth"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// defaults are registered with viper so every key is known to AutomaticEnv.
var defaults = map[string]interface{}{
	"provider":                       "",
	"model":                          "claude-sonnet-4-5",
	"instructions":                   "",
	"max_turns":                      agentloop.DefaultMaxTurns,
	"tool_timeout":                   agentloop.DefaultToolTimeout,
	"skills_dir":                     "",
	"permission.mode":                string(permission.ModeDefault),
	"permission.policy":              "",
	"context.limit":                  0,
	"context.trigger_fraction":       agentloop.DefaultTriggerFraction,
	"context.target_fraction":        agentloop.DefaultTargetFraction,
	"context.keep_recent":            agentloop.DefaultKeepRecent,
	"context.summarize":              false,
	"retry.max_attempts":             3,
	"retry.base_delay":               time.Second,
	"retry.max_delay":                30 * time.Second,
	"rate_limit.requests_per_second": 0.0,
	"rate_limit.burst":               1,
	"budget.max_tokens":              0,
	"budget.max_cost":                0.0,
	"session.dir":                    "",
	"session.postgres_dsn":           "",
	"session.max_conns":              4,
	"steering.redis_addr":            "",
	"steering.redis_password":        "",
	"steering.redis_db":              0,
	"sub_agents.enabled":             true,
	"sub_agents.max_depth":           agentloop.DefaultMaxSubAgentDepth,
	"sub_agents.timeout":             time.Duration(0),
	"log.level":                      "info",
	"log.format":                     "text",
	"log.file":                       "",
}

// NewViper returns a viper instance with defaults and environment overrides
// registered. Flags may be bound to it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file into v and decodes the result. An explicit
// path must exist; otherwise ./harness.yaml and the user config directory
// are searched and a missing file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("harness")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "harness"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Debug().Str("config", v.ConfigFileUsed()).Str("model", cfg.Model).Msg("config: loaded")
	return &cfg, nil
}

// Validate checks ranges and compiles rule patterns.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return unifiedllm.NewConfigurationError("model must be set")
	}
	if len(c.Fallback) > 0 && c.Provider == "" {
		return unifiedllm.NewConfigurationError("fallback requires provider to be set")
	}
	if c.MaxTurns < 1 {
		return unifiedllm.NewConfigurationError("max_turns must be at least 1, got %d", c.MaxTurns)
	}
	if _, err := permission.ParseMode(c.Permission.Mode); err != nil {
		return errors.Wrap(err, "permission.mode")
	}
	ctx := c.Context
	if ctx.TriggerFraction <= 0 || ctx.TriggerFraction >= 1 {
		return unifiedllm.NewConfigurationError("context.trigger_fraction must be in (0,1), got %v", ctx.TriggerFraction)
	}
	if ctx.TargetFraction <= 0 || ctx.TargetFraction >= ctx.TriggerFraction {
		return unifiedllm.NewConfigurationError("context.target_fraction must be in (0, trigger_fraction), got %v", ctx.TargetFraction)
	}
	if ctx.KeepRecent < 1 {
		return unifiedllm.NewConfigurationError("context.keep_recent must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return unifiedllm.NewConfigurationError("retry.max_attempts must be at least 1")
	}
	if c.SubAgents.Timeout < 0 {
		return unifiedllm.NewConfigurationError("sub_agents.timeout must not be negative")
	}
	if c.Budget.MaxTokens < 0 || c.Budget.MaxCost < 0 {
		return unifiedllm.NewConfigurationError("budget limits must not be negative")
	}
	rules := c.inlineRules()
	if err := rules.Compile(); err != nil {
		return errors.Wrap(err, "permission rules")
	}
	if _, err := agentloop.NewHookRunner(c.Hooks); err != nil {
		return errors.Wrap(err, "hooks")
	}
	seen := map[string]bool{}
	for i, a := range c.Agents {
		if strings.TrimSpace(a.Name) == "" {
			return unifiedllm.NewConfigurationError("agents[%d] has no name", i)
		}
		if seen[a.Name] {
			return unifiedllm.NewConfigurationError("agent %q is defined twice", a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

func (c *Config) inlineRules() permission.RuleSet {
	return permission.RuleSet{Deny: c.Permission.Deny, Allow: c.Permission.Allow, Ask: c.Permission.Ask}
}

// Permissions returns the effective mode and rule set. A policy file's rules
// follow the inline rules; its mode applies only when the inline mode is the
// default.
func (c *Config) Permissions() (permission.Mode, permission.RuleSet, error) {
	mode, err := permission.ParseMode(c.Permission.Mode)
	if err != nil {
		return "", permission.RuleSet{}, err
	}
	rules := c.inlineRules()
	if c.Permission.Policy == "" {
		return mode, rules, nil
	}
	policy, err := permission.LoadPolicy(c.Permission.Policy)
	if err != nil {
		return "", permission.RuleSet{}, errors.Wrapf(err, "policy %s", c.Permission.Policy)
	}
	if policy.Mode != "" && mode == permission.ModeDefault {
		mode = policy.Mode
	}
	return mode, rules.Merge(policy.RuleSet), nil
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() unifiedllm.RetryPolicy {
	p := unifiedllm.DefaultRetryPolicy()
	p.MaxAttempts = c.Retry.MaxAttempts
	p.BaseDelay = c.Retry.BaseDelay.Seconds()
	p.MaxDelay = c.Retry.MaxDelay.Seconds()
	return p
}

// SessionDir is the JSONL session directory, defaulting under the user's
// home.
func (c *Config) SessionDir() string {
	if c.Session.Dir != "" {
		return c.Session.Dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".harness", "sessions")
	}
	return filepath.Join(".harness", "sessions")
}

// AgentDefs returns the built-in sub-agent definitions overlaid with the
// configured ones, or nil when delegation is disabled.
func (c *Config) AgentDefs() (*agentloop.DefRegistry, error) {
	if !c.SubAgents.Enabled {
		return nil, nil
	}
	reg := agentloop.DefaultDefRegistry()
	for _, def := range c.Agents {
		if err := reg.Register(def); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Apply copies the loop settings onto an agentloop.Config. Client, Tools,
// Store and Mode/Rules are wired by the caller.
func (c *Config) Apply(ac *agentloop.Config) {
	ac.Provider = c.Provider
	ac.Model = c.Model
	ac.Instructions = c.Instructions
	ac.MaxTurns = c.MaxTurns
	ac.ToolTimeout = c.ToolTimeout
	ac.ContextLimit = c.Context.Limit
	ac.TriggerFraction = c.Context.TriggerFraction
	ac.TargetFraction = c.Context.TargetFraction
	ac.KeepRecent = c.Context.KeepRecent
	ac.Budget = agentloop.Budget{MaxTokens: c.Budget.MaxTokens, MaxCost: c.Budget.MaxCost}
	ac.MaxSubAgentDepth = c.SubAgents.MaxDepth
	ac.SubAgentTimeout = c.SubAgents.Timeout
}
