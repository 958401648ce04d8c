package permission

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEvaluator(t *testing.T, rules RuleSet, opts ...Option) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(rules, opts...)
	require.NoError(t, err)
	return e
}

func TestModeDefaults(t *testing.T) {
	tests := []struct {
		mode Mode
		tool string
		cat  Category
		want Behavior
	}{
		{ModeDefault, "read_file", CategoryRead, Allow},
		{ModeDefault, "write_file", CategoryEdit, Ask},
		{ModeDefault, "shell", CategoryExecute, Ask},
		{ModeAcceptEdits, "write_file", CategoryEdit, Allow},
		{ModeAcceptEdits, "shell", CategoryExecute, Ask},
		{ModeAcceptEdits, "agent", CategoryOther, Ask},
		{ModePlan, "read_file", CategoryRead, Allow},
		{ModePlan, "write_file", CategoryEdit, Deny},
		{ModePlan, "shell", CategoryExecute, Deny},
		{ModePlan, "mcp__github__search", CategoryRead, Deny},
		{ModeBypass, "shell", CategoryExecute, Allow},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode)+"/"+tt.tool, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.mode.Default(tt.tool, tt.cat))
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeDefault, m)
	m, err = ParseMode("Accept-Edits")
	require.NoError(t, err)
	assert.Equal(t, ModeAcceptEdits, m)
	_, err = ParseMode("yolo")
	assert.Error(t, err)
}

func TestDenyBeatsAllowAndBypass(t *testing.T) {
	e := mustEvaluator(t, RuleSet{
		Deny:  []Rule{{Tool: "shell", Args: `rm\s+-rf`, Reason: "destructive"}},
		Allow: []Rule{{Tool: "shell"}},
	})
	args := json.RawMessage(`{"command": "rm -rf /"}`)
	for _, mode := range Modes {
		d := e.Evaluate(context.Background(), Request{ToolName: "shell", Args: args, Category: CategoryExecute, Mode: mode})
		assert.Equal(t, Deny, d.Behavior, "mode %s", mode)
		assert.Equal(t, StageDeny, d.Stage)
		assert.Equal(t, "destructive", d.Reason)
	}

	d := e.Evaluate(context.Background(), Request{ToolName: "shell", Args: json.RawMessage(`{"command":"ls"}`), Category: CategoryExecute})
	assert.Equal(t, Allow, d.Behavior)
	assert.Equal(t, StageAllow, d.Stage)
}

func TestAskRuleOverridesModeDefault(t *testing.T) {
	e := mustEvaluator(t, RuleSet{Ask: []Rule{{Tool: "read_file", Args: `\.env`}}})
	d := e.Evaluate(context.Background(), Request{ToolName: "read_file", Args: json.RawMessage(`{"path":".env"}`), Category: CategoryRead, Mode: ModeBypass})
	assert.Equal(t, Ask, d.Behavior)
	assert.Equal(t, StageAsk, d.Stage)

	d = e.Evaluate(context.Background(), Request{ToolName: "read_file", Args: json.RawMessage(`{"path":"main.go"}`), Category: CategoryRead})
	assert.Equal(t, Allow, d.Behavior)
	assert.Equal(t, StageMode, d.Stage)
}

func TestToolPatternIsAnchored(t *testing.T) {
	e := mustEvaluator(t, RuleSet{Deny: []Rule{{Tool: "shell"}}})
	d := e.Evaluate(context.Background(), Request{ToolName: "shell_status", Category: CategoryRead})
	assert.Equal(t, Allow, d.Behavior)
}

func TestHookVetoWinsOverAllow(t *testing.T) {
	veto := HookFunc(func(ctx context.Context, req Request, cur Decision) (HookOutcome, error) {
		return HookOutcome{Behavior: Deny, Reason: "not on fridays"}, nil
	})
	e := mustEvaluator(t, RuleSet{Allow: []Rule{{Tool: ".*"}}}, WithHooks(veto))
	d := e.Evaluate(context.Background(), Request{ToolName: "write_file", Category: CategoryEdit, Mode: ModeBypass})
	assert.Equal(t, Deny, d.Behavior)
	assert.Equal(t, StageHook, d.Stage)
	assert.Equal(t, "not on fridays", d.Reason)
}

func TestHookCannotLoosenDeny(t *testing.T) {
	called := false
	allow := HookFunc(func(ctx context.Context, req Request, cur Decision) (HookOutcome, error) {
		called = true
		return HookOutcome{Behavior: Allow, RewrittenArgs: json.RawMessage(`{"command":"echo hi"}`)}, nil
	})
	e := mustEvaluator(t, RuleSet{Deny: []Rule{{Tool: "shell"}}}, WithHooks(allow))
	d := e.Evaluate(context.Background(), Request{ToolName: "shell", Mode: ModeBypass})
	assert.Equal(t, Deny, d.Behavior)
	assert.Nil(t, d.RewrittenArgs)
	assert.False(t, called)

	e = mustEvaluator(t, RuleSet{}, WithHooks(allow))
	d = e.Evaluate(context.Background(), Request{ToolName: "shell", Category: CategoryExecute, Mode: ModeDefault})
	assert.Equal(t, Ask, d.Behavior, "hook allow must not skip confirmation")
}

func TestHookRewriteIsCheckedAgainstDenyRules(t *testing.T) {
	rewrite := HookFunc(func(ctx context.Context, req Request, cur Decision) (HookOutcome, error) {
		return HookOutcome{RewrittenArgs: json.RawMessage(`{"command": "rm -rf /"}`)}, nil
	})
	rules := RuleSet{Deny: []Rule{{Tool: "shell", Args: "rm -rf", Reason: "destructive"}}}
	e := mustEvaluator(t, rules, WithHooks(rewrite))

	d := e.Evaluate(context.Background(), Request{
		ToolName: "shell",
		Args:     json.RawMessage(`{"command":"ls"}`),
		Category: CategoryExecute,
		Mode:     ModeBypass,
	})
	assert.Equal(t, Deny, d.Behavior)
	assert.Equal(t, StageDeny, d.Stage)
	assert.Equal(t, "destructive", d.Reason)
	assert.Nil(t, d.RewrittenArgs)
}

func TestResolveShowsRewrittenArgsToApprover(t *testing.T) {
	var seen json.RawMessage
	approver := ApproverFunc(func(ctx context.Context, r Request, d Decision) (bool, error) {
		seen = r.Args
		return true, nil
	})
	rewritten := json.RawMessage(`{"command":"ls -la"}`)
	req := Request{ToolName: "shell", Args: json.RawMessage(`{"command":"ls"}`)}
	d, err := Resolve(context.Background(), approver, req, Decision{Behavior: Ask, Stage: StageMode, RewrittenArgs: rewritten})
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Behavior)
	assert.JSONEq(t, string(rewritten), string(seen))
	assert.JSONEq(t, string(rewritten), string(d.RewrittenArgs))
}

func TestHookRewriteChainsAndErrorsAreIgnored(t *testing.T) {
	failing := HookFunc(func(ctx context.Context, req Request, cur Decision) (HookOutcome, error) {
		return HookOutcome{}, errors.New("hook crashed")
	})
	rewrite := HookFunc(func(ctx context.Context, req Request, cur Decision) (HookOutcome, error) {
		return HookOutcome{RewrittenArgs: json.RawMessage(`{"path":"safe.txt"}`)}, nil
	})
	var seen json.RawMessage
	observe := HookFunc(func(ctx context.Context, req Request, cur Decision) (HookOutcome, error) {
		seen = req.Args
		return HookOutcome{Behavior: Ask, Reason: "double check"}, nil
	})
	e := mustEvaluator(t, RuleSet{}, WithHooks(failing, rewrite, observe))
	d := e.Evaluate(context.Background(), Request{ToolName: "write_file", Args: json.RawMessage(`{"path":"x"}`), Category: CategoryEdit, Mode: ModeAcceptEdits})
	assert.Equal(t, Ask, d.Behavior)
	assert.Equal(t, "double check", d.Reason)
	assert.JSONEq(t, `{"path":"safe.txt"}`, string(d.RewrittenArgs))
	assert.JSONEq(t, `{"path":"safe.txt"}`, string(seen))
}

func TestInvalidRulesRejected(t *testing.T) {
	_, err := NewEvaluator(RuleSet{Deny: []Rule{{Tool: "("}}})
	assert.Error(t, err)
	_, err = NewEvaluator(RuleSet{Allow: []Rule{{}}})
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	ask := Decision{Behavior: Ask, Stage: StageMode, Reason: "confirm"}
	req := Request{ToolName: "shell"}

	d, err := Resolve(context.Background(), nil, req, ask)
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Behavior)
	assert.Equal(t, NoApproverReason, d.Reason)

	yes := ApproverFunc(func(ctx context.Context, r Request, d Decision) (bool, error) { return true, nil })
	d, err = Resolve(context.Background(), yes, req, ask)
	require.NoError(t, err)
	assert.Equal(t, Allow, d.Behavior)

	no := ApproverFunc(func(ctx context.Context, r Request, d Decision) (bool, error) { return false, nil })
	d, err = Resolve(context.Background(), no, req, ask)
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Behavior)

	allow := Decision{Behavior: Allow}
	d, err = Resolve(context.Background(), nil, req, allow)
	require.NoError(t, err)
	assert.Equal(t, allow, d)
}

func TestDeniedErrorMessage(t *testing.T) {
	err := &DeniedError{Tool: "shell", Decision: Decision{Reason: "destructive"}}
	assert.Equal(t, "Permission denied for shell: destructive", err.Error())
}
