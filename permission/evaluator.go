package permission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Stage names the pipeline step that produced a decision.
type Stage string

const (
	StageDeny  Stage = "deny_rule"
	StageAllow Stage = "allow_rule"
	StageAsk   Stage = "ask_rule"
	StageMode  Stage = "mode"
	StageHook  Stage = "hook"
)

// Request is one tool call to evaluate.
type Request struct {
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args"`
	Category Category        `json:"category"`
	Mode     Mode            `json:"mode"`
}

// Decision is the evaluated disposition of a call. RewrittenArgs is set when
// a hook replaced the arguments; it is never set on a deny.
type Decision struct {
	Behavior      Behavior        `json:"behavior"`
	Stage         Stage           `json:"stage"`
	Rule          string          `json:"rule,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	RewrittenArgs json.RawMessage `json:"rewritten_args,omitempty"`
}

// Hook is a pre-call hook. It sees the request and the decision reached so
// far, and may veto, escalate to ask, or rewrite the arguments.
type Hook interface {
	PreToolUse(ctx context.Context, req Request, current Decision) (HookOutcome, error)
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, req Request, current Decision) (HookOutcome, error)

func (f HookFunc) PreToolUse(ctx context.Context, req Request, current Decision) (HookOutcome, error) {
	return f(ctx, req, current)
}

// HookOutcome is what a hook returns. A zero outcome means no opinion.
// Behavior Allow is treated as no opinion: hooks can tighten a decision but
// never loosen one.
type HookOutcome struct {
	Behavior      Behavior        `json:"decision,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	RewrittenArgs json.RawMessage `json:"updated_input,omitempty"`
}

// Evaluator runs the decision pipeline. It is safe for concurrent use once
// constructed.
type Evaluator struct {
	rules RuleSet
	hooks []Hook
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithHooks appends pre-call hooks, run in order.
func WithHooks(hooks ...Hook) Option {
	return func(e *Evaluator) {
		e.hooks = append(e.hooks, hooks...)
	}
}

// NewEvaluator compiles rules and returns an evaluator.
func NewEvaluator(rules RuleSet, opts ...Option) (*Evaluator, error) {
	rules = rules.Merge(RuleSet{})
	if err := rules.Compile(); err != nil {
		return nil, err
	}
	e := &Evaluator{rules: rules}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Evaluate runs the pipeline for req.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) Decision {
	d := e.ruleDecision(req)
	if d.Behavior == Deny {
		return d
	}
	return e.applyHooks(ctx, req, d)
}

// ruleDecision covers the pure stages: deny, allow, ask, mode default.
func (e *Evaluator) ruleDecision(req Request) Decision {
	args := compactArgs(req.Args)
	if r := firstMatch(e.rules.Deny, req.ToolName, args); r != nil {
		return Decision{Behavior: Deny, Stage: StageDeny, Rule: r.String(), Reason: reasonOr(r.Reason, "blocked by deny rule "+r.String())}
	}
	if r := firstMatch(e.rules.Allow, req.ToolName, args); r != nil {
		return Decision{Behavior: Allow, Stage: StageAllow, Rule: r.String(), Reason: r.Reason}
	}
	if r := firstMatch(e.rules.Ask, req.ToolName, args); r != nil {
		return Decision{Behavior: Ask, Stage: StageAsk, Rule: r.String(), Reason: reasonOr(r.Reason, "confirmation required by rule "+r.String())}
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeDefault
	}
	b := mode.Default(req.ToolName, req.Category)
	d := Decision{Behavior: b, Stage: StageMode, Rule: string(mode)}
	switch b {
	case Deny:
		d.Reason = fmt.Sprintf("%s tools are not allowed in %s mode", categoryOr(req.Category), mode)
	case Ask:
		d.Reason = fmt.Sprintf("%s tools require confirmation in %s mode", categoryOr(req.Category), mode)
	}
	return d
}

func (e *Evaluator) applyHooks(ctx context.Context, req Request, d Decision) Decision {
	for i, h := range e.hooks {
		if d.RewrittenArgs != nil {
			req.Args = d.RewrittenArgs
		}
		out, err := h.PreToolUse(ctx, req, d)
		if err != nil {
			log.Warn().Err(err).Str("tool", req.ToolName).Int("hook", i).Msg("permission: pre-tool hook failed, ignoring")
			continue
		}
		switch out.Behavior {
		case Deny:
			return Decision{Behavior: Deny, Stage: StageHook, Rule: fmt.Sprintf("hook[%d]", i), Reason: reasonOr(out.Reason, "vetoed by hook")}
		case Ask:
			if d.Behavior == Allow {
				d = Decision{Behavior: Ask, Stage: StageHook, Rule: fmt.Sprintf("hook[%d]", i), Reason: reasonOr(out.Reason, "confirmation requested by hook"), RewrittenArgs: d.RewrittenArgs}
			}
		}
		if len(out.RewrittenArgs) > 0 && json.Valid(out.RewrittenArgs) {
			// Rewritten arguments face the deny rules like the originals did.
			if r := firstMatch(e.rules.Deny, req.ToolName, compactArgs(out.RewrittenArgs)); r != nil {
				return Decision{Behavior: Deny, Stage: StageDeny, Rule: r.String(), Reason: reasonOr(r.Reason, fmt.Sprintf("hook[%d] rewrite blocked by deny rule %s", i, r.String()))}
			}
			d.RewrittenArgs = out.RewrittenArgs
		}
	}
	return d
}

func compactArgs(args json.RawMessage) []byte {
	if len(args) == 0 {
		return []byte("{}")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, args); err != nil {
		return args
	}
	return buf.Bytes()
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

func categoryOr(c Category) Category {
	if c == "" {
		return CategoryOther
	}
	return c
}
