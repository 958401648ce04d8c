package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/mb0/glob"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/martinemde/harness/permission"
)

// HookEvent names a lifecycle point at which hooks fire.
type HookEvent string

const (
	HookSessionStart HookEvent = "session_start"
	HookUserPrompt   HookEvent = "user_prompt"
	HookPreToolUse   HookEvent = "pre_tool_use"
	HookPostToolUse  HookEvent = "post_tool_use"
	HookCompaction   HookEvent = "compaction"
	HookAgentStop    HookEvent = "agent_stop"
)

// hookBlockExit is the exit status a hook uses to deny a call.
const hookBlockExit = 2

const defaultHookTimeout = 60 * time.Second

// HookSpec configures one shell hook. Command is a text/template with sprig
// functions, rendered against HookInput. Matcher is a glob over tool names
// and applies to tool events only.
type HookSpec struct {
	Event   HookEvent     `yaml:"event" mapstructure:"event" json:"event"`
	Matcher string        `yaml:"matcher" mapstructure:"matcher" json:"matcher,omitempty"`
	Command string        `yaml:"command" mapstructure:"command" json:"command"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout,omitempty"`
}

// HookInput is the data a hook sees, both as template data and as JSON on
// stdin.
type HookInput struct {
	Event     HookEvent              `json:"event"`
	SessionID string                 `json:"session_id"`
	CWD       string                 `json:"cwd"`
	ToolName  string                 `json:"tool_name,omitempty"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Result    string                 `json:"result,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
	Prompt    string                 `json:"prompt,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
}

type compiledHook struct {
	spec HookSpec
	tmpl *template.Template
}

// HookRunner executes configured hooks with sh -c.
type HookRunner struct {
	hooks []compiledHook
}

// NewHookRunner validates matchers and parses command templates.
func NewHookRunner(specs []HookSpec) (*HookRunner, error) {
	r := &HookRunner{}
	for i, s := range specs {
		if strings.TrimSpace(s.Command) == "" {
			return nil, errors.Errorf("hook %d: empty command", i)
		}
		if s.Matcher != "" {
			if _, err := glob.Match(s.Matcher, ""); err != nil {
				return nil, errors.Wrapf(err, "hook %d: matcher %q", i, s.Matcher)
			}
		}
		tmpl, err := template.New(string(s.Event)).Funcs(sprig.TxtFuncMap()).Parse(s.Command)
		if err != nil {
			return nil, errors.Wrapf(err, "hook %d: command template", i)
		}
		r.hooks = append(r.hooks, compiledHook{spec: s, tmpl: tmpl})
	}
	return r, nil
}

// Len returns the number of configured hooks.
func (r *HookRunner) Len() int {
	if r == nil {
		return 0
	}
	return len(r.hooks)
}

func (h compiledHook) matches(in HookInput) bool {
	if h.spec.Event != in.Event {
		return false
	}
	if h.spec.Matcher == "" {
		return true
	}
	if in.ToolName == "" {
		return false
	}
	ok, err := glob.Match(h.spec.Matcher, in.ToolName)
	return err == nil && ok
}

// Fire runs every hook matching in, in configuration order. Failed hooks are
// logged and skipped.
func (r *HookRunner) Fire(ctx context.Context, in HookInput) []permission.HookOutcome {
	if r == nil {
		return nil
	}
	var outs []permission.HookOutcome
	for _, h := range r.hooks {
		if !h.matches(in) {
			continue
		}
		out, err := h.run(ctx, in)
		if err != nil {
			log.Warn().Err(err).Str("event", string(in.Event)).Str("tool", in.ToolName).Msg("agentloop: hook failed")
			continue
		}
		outs = append(outs, out)
	}
	return outs
}

func (h compiledHook) run(ctx context.Context, in HookInput) (permission.HookOutcome, error) {
	var cmdline bytes.Buffer
	if err := h.tmpl.Execute(&cmdline, in); err != nil {
		return permission.HookOutcome{}, errors.Wrap(err, "render hook command")
	}
	stdin, err := json.Marshal(in)
	if err != nil {
		return permission.HookOutcome{}, err
	}

	timeout := h.spec.Timeout
	if timeout <= 0 {
		timeout = defaultHookTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline.String())
	cmd.Dir = in.CWD
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(), "HARNESS_HOOK_EVENT="+string(in.Event), "HARNESS_SESSION_ID="+in.SessionID)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && exitErr.ExitCode() == hookBlockExit:
		reason := strings.TrimSpace(stderr.String())
		if reason == "" {
			reason = "blocked by hook"
		}
		return permission.HookOutcome{Behavior: permission.Deny, Reason: reason}, nil
	case ctx.Err() != nil:
		return permission.HookOutcome{}, errors.Errorf("hook timed out after %s", timeout)
	default:
		return permission.HookOutcome{}, errors.Wrapf(err, "hook exited: %s", strings.TrimSpace(stderr.String()))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 || out[0] != '{' {
		return permission.HookOutcome{}, nil
	}
	var outcome permission.HookOutcome
	if err := json.Unmarshal(out, &outcome); err != nil {
		return permission.HookOutcome{}, errors.Wrap(err, "parse hook output")
	}
	return outcome, nil
}

// PermissionHooks returns one permission.Hook per pre_tool_use hook so the
// evaluator can chain rewrites and vetoes between them.
func (r *HookRunner) PermissionHooks(sessionID, cwd string) []permission.Hook {
	if r == nil {
		return nil
	}
	var hooks []permission.Hook
	for _, h := range r.hooks {
		if h.spec.Event != HookPreToolUse {
			continue
		}
		h := h
		hooks = append(hooks, permission.HookFunc(func(ctx context.Context, req permission.Request, current permission.Decision) (permission.HookOutcome, error) {
			in := HookInput{
				Event:     HookPreToolUse,
				SessionID: sessionID,
				CWD:       cwd,
				ToolName:  req.ToolName,
				Args:      argsMap(req.Args),
				Reason:    current.Reason,
			}
			if !h.matches(in) {
				return permission.HookOutcome{}, nil
			}
			return h.run(ctx, in)
		}))
	}
	return hooks
}

func argsMap(raw json.RawMessage) map[string]interface{} {
	var m map[string]interface{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	return m
}
