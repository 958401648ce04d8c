package agentloop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/martinemde/harness/permission"
	"github.com/martinemde/harness/sessionstore"
	"github.com/martinemde/harness/steering"
	"github.com/martinemde/harness/unifiedllm"
)

// TerminalReason says why a run stopped.
type TerminalReason string

const (
	ReasonCompleted      TerminalReason = "completed"
	ReasonMaxTurns       TerminalReason = "max_turns"
	ReasonError          TerminalReason = "error"
	ReasonCanceled       TerminalReason = "canceled"
	ReasonBudgetExceeded TerminalReason = "budget_exceeded"
)

// Result is the outcome of a run.
type Result struct {
	SessionID string           `json:"session_id"`
	RunID     string           `json:"run_id"`
	Reason    TerminalReason   `json:"reason"`
	Text      string           `json:"text,omitempty"`
	Turns     int              `json:"turns"`
	Usage     unifiedllm.Usage `json:"usage"`
	Cost      float64          `json:"cost"`
	Err       error            `json:"-"`
	Error     string           `json:"error,omitempty"`
}

// runState is the mutable state of one run. Only the loop goroutine
// touches it.
type runState struct {
	sessionID string
	messages  []unifiedllm.Message
	ids       []string
	turns     int
	usage     unifiedllm.Usage
	mode      permission.Mode
	prevMode  permission.Mode
	resumed   bool
}

// Run is one execution of the loop. Events must be consumed until the
// channel closes; the loop waits for each event to be received.
type Run struct {
	id     string
	agent  *Agent
	state  *runState
	prompt string

	emitter *emitter
	steer   *steering.Channel
	cancel  context.CancelFunc
	done    chan struct{}
	result  Result

	// persist outlives cancellation so entries are never half written.
	persist    context.Context
	evaluator  *permission.Evaluator
	contextMgr *ContextManager
	truncator  Truncator
	system     string
	// untouched marks a resumed run that wrote nothing.
	untouched bool
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// SessionID returns the session the run writes to.
func (r *Run) SessionID() string { return r.state.sessionID }

// Events returns the run's event stream. The last event is EventFinal.
func (r *Run) Events() <-chan Event { return r.emitter.events() }

// Steer queues text for the next turn boundary. It never blocks and fails
// with steering.ErrClosed once the run has terminated.
func (r *Run) Steer(text string) error { return r.steer.Send(text) }

// SteeringChannel exposes the mailbox so relays can feed it.
func (r *Run) SteeringChannel() *steering.Channel { return r.steer }

// Cancel stops the run at its next suspension point.
func (r *Run) Cancel() { r.cancel() }

// Done is closed when the run has terminated.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run terminates and returns its result.
func (r *Run) Wait() Result {
	<-r.done
	return r.result
}

func (r *Run) setup() {
	a := r.agent
	cfg := a.cfg
	r.evaluator, _ = permission.NewEvaluator(cfg.Rules, permission.WithHooks(a.hooks.PermissionHooks(r.state.sessionID, cfg.CWD)...))
	r.contextMgr = &ContextManager{
		Limit:           cfg.ContextLimit,
		TriggerFraction: cfg.TriggerFraction,
		TargetFraction:  cfg.TargetFraction,
		KeepRecent:      cfg.KeepRecent,
		Counter:         a.counter,
		Summarizer:      a.summarizer,
	}
	r.truncator = Truncator{Limits: cfg.OutputLimits}
	r.system = BuildSystemPrompt(PromptInput{
		Instructions: cfg.Instructions,
		CWD:          cfg.CWD,
		Model:        cfg.Model,
		Skills:       cfg.Skills,
	})
}

func (r *Run) run(ctx context.Context) {
	defer r.cancel()
	res := r.loop(ctx)

	if rest := r.steer.Close(); len(rest) > 0 {
		log.Warn().Int("dropped", len(rest)).Str("session", r.state.sessionID).Msg("agentloop: steering arrived after the run ended")
	}
	if !r.untouched {
		r.agent.hooks.Fire(r.persist, HookInput{
			Event:     HookAgentStop,
			SessionID: r.state.sessionID,
			CWD:       r.agent.cfg.CWD,
			Reason:    string(res.Reason),
		})
		r.appendEvent(sessionstore.SystemEvent{Kind: sessionstore.EventRunEnd, Reason: string(res.Reason), Data: mustJSON(map[string]interface{}{
			"run_id": r.id,
			"turns":  res.Turns,
			"error":  res.Error,
		})})
	}
	log.Debug().Str("session", r.state.sessionID).Str("reason", string(res.Reason)).Int("turns", res.Turns).Msg("agentloop: run terminated")

	r.result = res
	close(r.done)
	r.emitter.finish(res)
}

func (r *Run) loop(ctx context.Context) Result {
	a := r.agent
	cfg := a.cfg
	st := r.state

	r.emit(ctx, Event{Kind: EventSessionStart, Text: st.sessionID})
	// A finished session resumed without input is left untouched.
	if st.resumed && r.prompt == "" && r.steer.Pending() == 0 {
		if last, ok := lastMessage(st.messages); ok && last.Role == unifiedllm.RoleAssistant && len(last.ToolCalls()) == 0 {
			r.untouched = true
			return r.end(ReasonCompleted, last.TextContent(), nil)
		}
	}
	if !st.resumed {
		a.hooks.Fire(ctx, HookInput{Event: HookSessionStart, SessionID: st.sessionID, CWD: cfg.CWD})
	}
	startData := map[string]interface{}{"run_id": r.id, "agent": cfg.AgentName}
	if a.parentSession != "" {
		startData["parent_session"] = a.parentSession
	}
	r.appendEvent(sessionstore.SystemEvent{Kind: sessionstore.EventRunStart, Mode: string(st.mode), Data: mustJSON(startData)})
	if st.resumed && st.prevMode != "" && st.prevMode != st.mode {
		r.appendEvent(sessionstore.SystemEvent{Kind: sessionstore.EventModeChange, Mode: string(st.mode), Reason: "resumed with mode " + string(st.mode)})
	}

	pending := r.prompt
	if st.resumed {
		if err := r.closeDanglingCalls(); err != nil {
			return r.end(ReasonError, "", err)
		}
		if len(st.messages) == 0 && pending == "" && r.steer.Pending() == 0 {
			return r.end(ReasonError, "", errors.New("session has no conversation to resume"))
		}
	}

	for {
		r.setState(ctx, StateAwaitingModel)
		if err := ctx.Err(); err != nil {
			return r.end(ReasonCanceled, "", err)
		}

		if steered := r.steer.Drain(); len(steered) > 0 {
			text := steering.Join(steered)
			r.emit(ctx, Event{Kind: EventSteeringInjected, Text: text})
			r.appendEvent(sessionstore.SystemEvent{Kind: sessionstore.EventSteering, Data: mustJSON(map[string]int{"messages": len(steered)})})
			if pending != "" {
				pending += "\n\n" + text
			} else {
				pending = text
			}
		}
		if pending != "" {
			a.hooks.Fire(ctx, HookInput{Event: HookUserPrompt, SessionID: st.sessionID, CWD: cfg.CWD, Prompt: pending})
			if err := r.appendMessage(unifiedllm.UserMessage(pending)); err != nil {
				return r.end(ReasonError, "", err)
			}
			pending = ""
		}

		if st.turns >= cfg.MaxTurns {
			return r.end(ReasonMaxTurns, "", nil)
		}
		if cfg.Budget.Exceeded(cfg.Model, st.usage) {
			return r.end(ReasonBudgetExceeded, "", nil)
		}

		window, comp, err := r.contextMgr.Assemble(ctx, r.system, st.messages)
		if err != nil {
			return r.end(ReasonError, "", err)
		}
		if comp != nil {
			if err := r.recordCompaction(ctx, window, comp); err != nil {
				return r.end(ReasonError, "", err)
			}
		}

		r.setState(ctx, StateModelStreaming)
		resp, err := r.callModel(ctx, window)
		if err != nil {
			if ctx.Err() != nil {
				return r.end(ReasonCanceled, "", ctx.Err())
			}
			return r.end(ReasonError, "", err)
		}
		st.turns++
		st.usage = st.usage.Add(resp.Usage)
		u := resp.Usage
		r.emit(ctx, Event{Kind: EventUsage, Usage: &u})

		msg := resp.Message
		msg.Role = unifiedllm.RoleAssistant
		if msg.Usage == nil {
			msg.Usage = &u
		}
		if err := r.appendMessage(msg); err != nil {
			return r.end(ReasonError, "", err)
		}

		calls := msg.ToolCalls()
		if len(calls) == 0 {
			if r.steer.Pending() > 0 {
				continue
			}
			return r.end(ReasonCompleted, msg.TextContent(), nil)
		}

		r.setState(ctx, StateToolExecuting)
		results := r.executeRound(ctx, calls)
		if err := r.appendMessage(toolResultsMessage(results)); err != nil {
			return r.end(ReasonError, "", err)
		}
		if err := ctx.Err(); err != nil {
			return r.end(ReasonCanceled, "", err)
		}

		if w := cfg.LoopDetectionWindow; w > 0 && DetectLoop(st.messages, w) {
			warning := loopWarning(w)
			r.emit(ctx, Event{Kind: EventLoopDetected, Text: warning})
			r.appendEvent(sessionstore.SystemEvent{Kind: sessionstore.EventLoop, Reason: warning})
			if err := r.appendMessage(unifiedllm.UserMessage(warning)); err != nil {
				return r.end(ReasonError, "", err)
			}
		}
	}
}

func (r *Run) end(reason TerminalReason, text string, err error) Result {
	r.setState(r.persist, StateTerminated)
	st := r.state
	res := Result{
		SessionID: st.sessionID,
		RunID:     r.id,
		Reason:    reason,
		Text:      text,
		Turns:     st.turns,
		Usage:     st.usage,
		Cost:      unifiedllm.Cost(r.agent.cfg.Model, st.usage),
		Err:       err,
	}
	if err != nil {
		res.Error = err.Error()
		if reason == ReasonError {
			log.Warn().Err(err).Str("session", st.sessionID).Msg("agentloop: run failed")
		}
	}
	return res
}

// callModel streams one response, forwarding text as it arrives.
func (r *Run) callModel(ctx context.Context, window []unifiedllm.Message) (*unifiedllm.Response, error) {
	cfg := r.agent.cfg
	msgs := make([]unifiedllm.Message, 0, len(window)+1)
	msgs = append(msgs, unifiedllm.SystemMessage(r.system))
	msgs = append(msgs, window...)
	req := unifiedllm.Request{
		Model:       cfg.Model,
		Provider:    cfg.Provider,
		Messages:    msgs,
		Tools:       r.agent.tools.unifiedDefinitions(),
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = "auto"
	}

	events, err := cfg.Client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	var acc unifiedllm.Accumulator
	finished := false
	for {
		select {
		case <-ctx.Done():
			go drainStream(events)
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if !finished {
					return nil, &unifiedllm.StreamInterruptedError{SDKError: unifiedllm.SDKError{Message: "stream ended without finish event"}}
				}
				return acc.Response(), nil
			}
			switch ev.Type {
			case unifiedllm.StreamError:
				go drainStream(events)
				return nil, ev.Err
			case unifiedllm.StreamTextDelta:
				r.emit(ctx, Event{Kind: EventTextDelta, Turn: r.state.turns + 1, Text: ev.Delta})
			case unifiedllm.StreamFinish:
				finished = true
			}
			acc.Add(ev)
		}
	}
}

func drainStream(ch <-chan unifiedllm.StreamEvent) {
	for range ch {
	}
}

// recordCompaction persists the marker and swaps the in-memory history for
// the compacted window.
func (r *Run) recordCompaction(ctx context.Context, window []unifiedllm.Message, comp *CompactionResult) error {
	st := r.state
	marker := sessionstore.Compaction{
		Summary:          comp.Summary,
		FirstKeptEntryID: st.ids[comp.FirstKeptIndex],
		TokensBefore:     comp.TokensBefore,
		TokensAfter:      comp.TokensAfter,
	}
	if _, err := r.agent.cfg.Store.AppendCompaction(r.persist, st.sessionID, marker); err != nil {
		return errors.Wrap(err, "record compaction")
	}
	st.messages = window
	st.ids = append([]string{""}, st.ids[comp.FirstKeptIndex:]...)
	r.emit(ctx, Event{Kind: EventCompaction, Compaction: &marker})
	r.agent.hooks.Fire(ctx, HookInput{
		Event:     HookCompaction,
		SessionID: st.sessionID,
		CWD:       r.agent.cfg.CWD,
		Reason:    fmt.Sprintf("%d -> %d tokens", comp.TokensBefore, comp.TokensAfter),
	})
	return nil
}

// closeDanglingCalls answers tool calls left without results by an
// interrupted run so the history is valid for the provider.
func (r *Run) closeDanglingCalls() error {
	last, ok := lastMessage(r.state.messages)
	if !ok || last.Role != unifiedllm.RoleAssistant || len(last.ToolCalls()) == 0 {
		return nil
	}
	calls := last.ToolCalls()
	results := make([]ToolCallResult, len(calls))
	for i, tc := range calls {
		results[i] = ToolCallResult{CallID: tc.ID, Name: tc.Name, Content: "Tool call was interrupted before it completed", IsError: true}
	}
	return r.appendMessage(toolResultsMessage(results))
}

func (r *Run) appendMessage(msg unifiedllm.Message) error {
	e, err := r.agent.cfg.Store.AppendMessage(r.persist, r.state.sessionID, msg)
	if err != nil {
		return errors.Wrap(err, "append message")
	}
	r.state.messages = append(r.state.messages, msg)
	r.state.ids = append(r.state.ids, e.ID)
	return nil
}

// appendEvent logs a system event. A failed write is logged, not fatal.
func (r *Run) appendEvent(ev sessionstore.SystemEvent) {
	if _, err := r.agent.cfg.Store.AppendEvent(r.persist, r.state.sessionID, ev); err != nil {
		log.Warn().Err(err).Str("kind", ev.Kind).Str("session", r.state.sessionID).Msg("agentloop: failed to record system event")
	}
}

func (r *Run) emit(ctx context.Context, ev Event) {
	if ev.Turn == 0 {
		ev.Turn = r.state.turns
	}
	r.emitter.emit(ctx, ev)
}

func (r *Run) setState(ctx context.Context, s State) {
	r.emit(ctx, Event{Kind: EventStateChange, State: s})
}

func toolResultsMessage(results []ToolCallResult) unifiedllm.Message {
	data := make([]unifiedllm.ToolResultData, len(results))
	for i, res := range results {
		data[i] = unifiedllm.ToolResultData{ToolCallID: res.CallID, Name: res.Name, Content: res.Content, IsError: res.IsError}
	}
	return unifiedllm.ToolResultsMessage(data...)
}

func lastMessage(msgs []unifiedllm.Message) (unifiedllm.Message, bool) {
	if len(msgs) == 0 {
		return unifiedllm.Message{}, false
	}
	return msgs[len(msgs)-1], true
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
