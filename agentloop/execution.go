package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/harness/permission"
	"github.com/martinemde/harness/sessionstore"
	"github.com/martinemde/harness/unifiedllm"
)

// executeRound runs one round of tool calls. Calls run in request order;
// consecutive parallel-safe calls run together. Results always come back in
// request order.
func (r *Run) executeRound(ctx context.Context, calls []unifiedllm.ToolCall) []ToolCallResult {
	results := make([]ToolCallResult, len(calls))
	for i := 0; i < len(calls); {
		if !r.parallelSafe(calls[i].Name) {
			results[i] = r.executeTool(ctx, calls[i])
			i++
			continue
		}
		j := i
		for j < len(calls) && r.parallelSafe(calls[j].Name) {
			j++
		}
		var g errgroup.Group
		for k := i; k < j; k++ {
			k := k
			g.Go(func() error {
				results[k] = r.executeTool(ctx, calls[k])
				return nil
			})
		}
		_ = g.Wait()
		i = j
	}
	return results
}

func (r *Run) parallelSafe(name string) bool {
	def, ok := r.agent.tools.Definition(name)
	return ok && def.ParallelSafe
}

// executeTool is the per-call pipeline: resolve, validate, permission,
// approval, execute with timeout, truncate, post hooks. Every failure is an
// error result, never a loop error.
func (r *Run) executeTool(ctx context.Context, call unifiedllm.ToolCall) ToolCallResult {
	cfg := r.agent.cfg
	tc := call
	r.emit(ctx, Event{Kind: EventToolCall, ToolCall: &tc})

	if ctx.Err() != nil {
		return r.failed(ctx, call, "Tool call canceled before it started")
	}
	def, ok := r.agent.tools.Definition(call.Name)
	if !ok {
		return r.failed(ctx, call, fmt.Sprintf("Unknown tool: %s", call.Name))
	}
	args := call.Arguments
	if args == nil {
		return r.failed(ctx, call, fmt.Sprintf("Invalid arguments for %s: not valid JSON: %s", call.Name, call.RawArguments))
	}
	if err := r.agent.tools.Validate(call.Name, args); err != nil {
		return r.failed(ctx, call, fmt.Sprintf("Invalid arguments for %s: %v", call.Name, err))
	}

	req := permission.Request{ToolName: call.Name, Args: args, Category: def.Category, Mode: r.state.mode}
	decision := r.evaluator.Evaluate(ctx, req)
	decision, err := permission.Resolve(ctx, r.agent.approver, req, decision)
	if err != nil {
		log.Warn().Err(err).Str("tool", call.Name).Msg("agentloop: approval failed")
	}
	d := decision
	r.emit(ctx, Event{Kind: EventPermission, ToolCall: &tc, Decision: &d})
	r.appendEvent(sessionstore.SystemEvent{
		Kind:   sessionstore.EventPermission,
		Tool:   call.Name,
		CallID: call.ID,
		Mode:   string(r.state.mode),
		Reason: decision.Reason,
		Data:   mustJSON(decision),
	})
	if decision.Behavior != permission.Allow {
		return r.failed(ctx, call, (&permission.DeniedError{Tool: call.Name, Decision: decision}).Error())
	}
	if len(decision.RewrittenArgs) > 0 {
		args = decision.RewrittenArgs
		if err := r.agent.tools.Validate(call.Name, args); err != nil {
			return r.failed(ctx, call, fmt.Sprintf("Invalid arguments for %s after hook rewrite: %v", call.Name, err))
		}
	}

	tool, err := r.agent.tools.Resolve(call.Name)
	if err != nil {
		return r.failed(ctx, call, fmt.Sprintf("Unknown tool: %s", call.Name))
	}
	timeout := cfg.ToolTimeout
	if def.Timeout != 0 {
		timeout = def.Timeout
	}
	rc := RunContext{
		SessionID: r.state.sessionID,
		RunID:     r.id,
		CallID:    call.ID,
		CWD:       cfg.CWD,
		Mode:      r.state.mode,
		Depth:     cfg.depth,
	}

	start := time.Now()
	res, err := invoke(ctx, tool, args, rc, timeout)
	if err != nil {
		var msg string
		switch {
		case ctx.Err() != nil:
			msg = fmt.Sprintf("Tool %s canceled", call.Name)
		case errors.Is(err, context.DeadlineExceeded):
			msg = fmt.Sprintf("Tool %s timed out after %s", call.Name, timeout)
		default:
			msg = (&ToolExecutionError{Tool: call.Name, CallID: call.ID, Cause: err}).Error()
		}
		return r.failed(ctx, call, msg)
	}
	log.Debug().Str("tool", call.Name).Dur("elapsed", time.Since(start)).Bool("is_error", res.IsError).Msg("agentloop: tool finished")

	res.CallID = call.ID
	res.Name = call.Name
	res = r.truncator.Apply(res)
	res = r.postToolUse(ctx, args, res)
	out := res
	r.emit(ctx, Event{Kind: EventToolResult, Result: &out})
	return res
}

// invoke runs a tool under a deadline. A panicking tool is reported as an
// execution error.
func invoke(ctx context.Context, tool Tool, args json.RawMessage, rc RunContext, timeout time.Duration) (res ToolCallResult, err error) {
	tctx, cancel := context.WithCancel(ctx)
	if timeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("tool panicked: %v", p)
		}
	}()
	res, err = tool.Execute(tctx, args, rc)
	if err == nil && tctx.Err() == context.DeadlineExceeded {
		err = tctx.Err()
	}
	return res, err
}

// postToolUse fires post hooks. A hook reason is appended to what the model
// sees.
func (r *Run) postToolUse(ctx context.Context, args json.RawMessage, res ToolCallResult) ToolCallResult {
	outs := r.agent.hooks.Fire(ctx, HookInput{
		Event:     HookPostToolUse,
		SessionID: r.state.sessionID,
		CWD:       r.agent.cfg.CWD,
		ToolName:  res.Name,
		Args:      argsMap(args),
		Result:    res.Display,
		IsError:   res.IsError,
	})
	for _, o := range outs {
		if o.Reason == "" {
			continue
		}
		res.Content += "\n\n[hook] " + o.Reason
		if o.Behavior == permission.Deny {
			res.IsError = true
		}
	}
	return res
}

func (r *Run) failed(ctx context.Context, call unifiedllm.ToolCall, msg string) ToolCallResult {
	res := ToolCallResult{CallID: call.ID, Name: call.Name, Content: msg, Display: msg, IsError: true}
	out := res
	r.emit(ctx, Event{Kind: EventToolResult, Result: &out})
	return res
}
