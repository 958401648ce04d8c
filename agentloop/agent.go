package agentloop

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/martinemde/harness/permission"
	"github.com/martinemde/harness/sessionstore"
	"github.com/martinemde/harness/steering"
	"github.com/martinemde/harness/unifiedllm"
)

// Agent is a configured orchestration engine. Each Start or Resume launches
// an independent Run.
type Agent struct {
	cfg        Config
	tools      *ToolRegistry
	approver   permission.Approver
	hooks      *HookRunner
	summarizer Summarizer
	counter    unifiedllm.TokenCounter
	subagents  *Manager

	parentSession string
}

// Option configures an Agent.
type Option func(*Agent)

// WithApprover sets who answers ask decisions. Without one, ask is deny.
func WithApprover(a permission.Approver) Option {
	return func(ag *Agent) { ag.approver = a }
}

// WithHooks sets the lifecycle and pre/post tool hooks.
func WithHooks(h *HookRunner) Option {
	return func(ag *Agent) { ag.hooks = h }
}

// WithSummarizer sets the compaction summarizer.
func WithSummarizer(s Summarizer) Option {
	return func(ag *Agent) { ag.summarizer = s }
}

// WithTokenCounter overrides the tokenizer used for context estimates.
func WithTokenCounter(c unifiedllm.TokenCounter) Option {
	return func(ag *Agent) { ag.counter = c }
}

// New validates cfg and builds an Agent. When sub-agent definitions are
// configured and depth allows, the agent tool is added to a copy of the tool
// registry.
func New(cfg Config, opts ...Option) (*Agent, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if _, err := permission.NewEvaluator(cfg.Rules); err != nil {
		return nil, errors.Wrap(err, "permission rules")
	}

	a := &Agent{cfg: cfg, tools: cfg.Tools.Clone()}
	for _, opt := range opts {
		opt(a)
	}
	if a.counter == nil {
		a.counter = unifiedllm.NewTokenCounter(cfg.Model)
	}
	if cfg.Agents != nil && cfg.depth < cfg.MaxSubAgentDepth {
		a.subagents = &Manager{parent: a, defs: cfg.Agents}
		if !a.tools.Has(AgentToolName) {
			if err := a.tools.Register(&agentTool{manager: a.subagents}); err != nil {
				return nil, err
			}
		}
	}
	return a, nil
}

// Tools returns the registry the agent offers the model.
func (a *Agent) Tools() *ToolRegistry { return a.tools }

// SubAgents returns the sub-agent manager, or nil when delegation is off.
func (a *Agent) SubAgents() *Manager { return a.subagents }

// Start creates a new session and runs prompt in it.
func (a *Agent) Start(ctx context.Context, prompt string) (*Run, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("agentloop: empty prompt")
	}
	sid, err := a.cfg.Store.Create(ctx, sessionstore.Header{
		CWD:   a.cfg.CWD,
		Model: a.cfg.Model,
		Mode:  string(a.cfg.Mode),
		Agent: a.cfg.AgentName,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create session")
	}
	return a.launch(ctx, &runState{sessionID: sid, mode: a.cfg.Mode}, prompt), nil
}

// Resume continues an existing session. prompt may be empty: a session whose
// last message is a final assistant reply then completes without appending
// anything. A corrupted session is refused.
func (a *Agent) Resume(ctx context.Context, sessionID, prompt string) (*Run, error) {
	rs, err := a.cfg.Store.Resume(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "resume session %s", sessionID)
	}
	st := &runState{
		sessionID: sessionID,
		messages:  rs.Messages,
		ids:       rs.MessageIDs,
		mode:      a.cfg.Mode,
		resumed:   true,
		prevMode:  permission.Mode(rs.Mode),
	}
	return a.launch(ctx, st, prompt), nil
}

func (a *Agent) launch(ctx context.Context, st *runState, prompt string) *Run {
	runCtx, cancel := context.WithCancel(ctx)
	runID := uuid.NewString()
	r := &Run{
		id:      runID,
		agent:   a,
		state:   st,
		prompt:  prompt,
		emitter: newEmitter(st.sessionID, runID, a.cfg.EventBuffer),
		steer:   steering.NewChannel(),
		cancel:  cancel,
		done:    make(chan struct{}),
		persist: context.WithoutCancel(ctx),
	}
	r.setup()
	log.Debug().Str("session", st.sessionID).Str("run", runID).Bool("resumed", st.resumed).Msg("agentloop: starting run")
	go r.run(runCtx)
	return r
}
