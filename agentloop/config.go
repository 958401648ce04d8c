package agentloop

import (
	"time"

	"github.com/pkg/errors"

	"github.com/martinemde/harness/permission"
	"github.com/martinemde/harness/sessionstore"
	"github.com/martinemde/harness/unifiedllm"
)

// Config holds the settings of an Agent.
type Config struct {
	Client   *unifiedllm.Client
	Provider string
	Model    string
	Tools    *ToolRegistry
	Store    *sessionstore.Store

	// Mode is the default permission disposition; Rules are the explicit
	// deny, allow and ask patterns evaluated before it.
	Mode  permission.Mode
	Rules permission.RuleSet

	// Instructions open the system prompt.
	Instructions string
	CWD          string
	AgentName    string
	Skills       []*Skill

	MaxTurns    int
	MaxTokens   *int
	Temperature *float64

	// ContextLimit overrides the catalog context window of Model.
	ContextLimit    int
	TriggerFraction float64
	TargetFraction  float64
	KeepRecent      int

	Budget Budget

	ToolTimeout         time.Duration
	OutputLimits        map[string]OutputLimit
	LoopDetectionWindow int

	Agents           *DefRegistry
	MaxSubAgentDepth int
	// SubAgentTimeout bounds one call of the agent tool. Zero waits for the
	// children however long they run.
	SubAgentTimeout time.Duration

	EventBuffer int

	depth int
}

// Defaults.
const (
	DefaultMaxTurns            = 50
	DefaultToolTimeout         = 2 * time.Minute
	DefaultLoopDetectionWindow = 6
	DefaultContextLimit        = 128000
	DefaultMaxSubAgentDepth    = 1
)

// DefaultConfig returns a Config with defaults set. Client, Tools and Store
// still have to be supplied.
func DefaultConfig() Config {
	return Config{
		Mode:                permission.ModeDefault,
		MaxTurns:            DefaultMaxTurns,
		TriggerFraction:     DefaultTriggerFraction,
		TargetFraction:      DefaultTargetFraction,
		KeepRecent:          DefaultKeepRecent,
		ToolTimeout:         DefaultToolTimeout,
		LoopDetectionWindow: DefaultLoopDetectionWindow,
		MaxSubAgentDepth:    DefaultMaxSubAgentDepth,
	}
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = permission.ModeDefault
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.ContextLimit <= 0 {
		c.ContextLimit = unifiedllm.ContextWindow(c.Model, DefaultContextLimit)
	}
	if c.Tools == nil {
		c.Tools = NewToolRegistry()
	}
}

func (c *Config) validate() error {
	if c.Client == nil {
		return unifiedllm.NewConfigurationError("agent has no model client")
	}
	if c.Store == nil {
		return unifiedllm.NewConfigurationError("agent has no session store")
	}
	if _, err := permission.ParseMode(string(c.Mode)); err != nil {
		return errors.Wrap(err, "agent config")
	}
	if c.TriggerFraction < 0 || c.TriggerFraction >= 1 || c.TargetFraction < 0 || c.TargetFraction >= 1 {
		return unifiedllm.NewConfigurationError("compaction fractions must be in [0,1)")
	}
	if c.TriggerFraction > 0 && c.TargetFraction >= c.TriggerFraction {
		return unifiedllm.NewConfigurationError("compaction target %.2f must be below trigger %.2f", c.TargetFraction, c.TriggerFraction)
	}
	return nil
}

// Budget caps what a run may consume. Zero fields are unlimited.
type Budget struct {
	MaxTokens int
	MaxCost   float64
}

// Exceeded reports whether usage on model has gone over the budget.
func (b Budget) Exceeded(model string, u unifiedllm.Usage) bool {
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	if b.MaxTokens > 0 && total > b.MaxTokens {
		return true
	}
	if b.MaxCost > 0 && unifiedllm.Cost(model, u) > b.MaxCost {
		return true
	}
	return false
}
