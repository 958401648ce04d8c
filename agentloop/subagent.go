package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	clone "github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/harness/permission"
	"github.com/martinemde/harness/sessionstore"
	"github.com/martinemde/harness/unifiedllm"
)

// SubAgentDef describes a delegate. Tools is an allow-list drawn from the
// parent's registry; empty means every parent tool (read tools only when
// ReadOnly).
type SubAgentDef struct {
	Name         string   `json:"name" yaml:"name" mapstructure:"name"`
	Description  string   `json:"description" yaml:"description" mapstructure:"description"`
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt" mapstructure:"system_prompt"`
	Tools        []string `json:"tools,omitempty" yaml:"tools" mapstructure:"tools"`
	Model        string   `json:"model,omitempty" yaml:"model" mapstructure:"model"`
	MaxTurns     int      `json:"max_turns,omitempty" yaml:"max_turns" mapstructure:"max_turns"`
	ReadOnly     bool     `json:"read_only,omitempty" yaml:"read_only" mapstructure:"read_only"`
}

// DefRegistry holds sub-agent definitions by name. Definitions are copied
// in and out so a registered one never changes.
type DefRegistry struct {
	mu   sync.RWMutex
	defs map[string]*SubAgentDef
}

// NewDefRegistry returns an empty registry.
func NewDefRegistry() *DefRegistry {
	return &DefRegistry{defs: map[string]*SubAgentDef{}}
}

// BuiltinDefs are the definitions every harness ships with.
func BuiltinDefs() []SubAgentDef {
	return []SubAgentDef{
		{
			Name:         "general",
			Description:  "General-purpose agent for multi-step tasks that need the full tool set.",
			SystemPrompt: "You are a sub-agent handling one delegated task. Complete it and reply with a concise report of what you did and found.",
			MaxTurns:     50,
		},
		{
			Name:         "explore",
			Description:  "Fast read-only agent for finding files, symbols and answering questions about the codebase.",
			SystemPrompt: "You are a read-only exploration agent. Search and read the codebase to answer the question. Do not modify anything. Reply with file paths and the facts you found.",
			MaxTurns:     20,
			ReadOnly:     true,
		},
		{
			Name:         "plan",
			Description:  "Read-only agent that designs an implementation plan for a change.",
			SystemPrompt: "You are a planning agent. Study the relevant code and produce a step-by-step implementation plan naming the files to change. Do not modify anything.",
			MaxTurns:     30,
			ReadOnly:     true,
		},
		{
			Name:         "review",
			Description:  "Read-only agent that reviews code or a diff for bugs and risky changes.",
			SystemPrompt: "You are a code review agent. Read the code in question and report concrete problems with file and line references. Do not modify anything.",
			MaxTurns:     30,
			ReadOnly:     true,
		},
	}
}

// DefaultDefRegistry returns a registry holding BuiltinDefs.
func DefaultDefRegistry() *DefRegistry {
	r := NewDefRegistry()
	for _, d := range BuiltinDefs() {
		_ = r.Register(d)
	}
	return r
}

// Register adds def, replacing any definition of the same name.
func (r *DefRegistry) Register(def SubAgentDef) error {
	if strings.TrimSpace(def.Name) == "" {
		return unifiedllm.NewConfigurationError("sub-agent definition has no name")
	}
	if def.MaxTurns < 0 {
		return unifiedllm.NewConfigurationError("sub-agent %s: max_turns must not be negative", def.Name)
	}
	cp := clone.Clone(&def).(*SubAgentDef)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = cp
	return nil
}

// Get returns a copy of the named definition.
func (r *DefRegistry) Get(name string) (*SubAgentDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, false
	}
	return clone.Clone(def).(*SubAgentDef), true
}

// List returns copies of every definition sorted by name.
func (r *DefRegistry) List() []SubAgentDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SubAgentDef, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, *clone.Clone(d).(*SubAgentDef))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Task is one delegation request.
type Task struct {
	Agent  string `json:"agent"`
	Prompt string `json:"prompt"`
}

// SlotResult is the outcome of one delegated task.
type SlotResult struct {
	Task      Task
	SessionID string
	Result    Result
	Err       error
}

// Manager spawns child agents for a parent. Children share nothing mutable
// with the parent; they see only their prompt and return only their result.
type Manager struct {
	parent *Agent
	defs   *DefRegistry
}

// Defs returns the definition registry.
func (m *Manager) Defs() *DefRegistry { return m.defs }

// Spawn validates def against the parent's tools and starts a child run in
// a fresh session. A grant naming a tool the parent lacks fails before any
// model call.
func (m *Manager) Spawn(ctx context.Context, def SubAgentDef, prompt string) (*Run, error) {
	return m.spawn(ctx, "", def, prompt)
}

func (m *Manager) spawn(ctx context.Context, parentSession string, def SubAgentDef, prompt string) (*Run, error) {
	p := m.parent
	if p.cfg.depth >= p.cfg.MaxSubAgentDepth {
		return nil, unifiedllm.NewConfigurationError("sub-agent depth limit %d reached", p.cfg.MaxSubAgentDepth)
	}
	tools, err := m.grant(def)
	if err != nil {
		return nil, err
	}

	cfg := p.cfg
	cfg.Tools = tools
	cfg.depth = p.cfg.depth + 1
	cfg.AgentName = def.Name
	cfg.Instructions = def.SystemPrompt
	cfg.Skills = nil
	if def.ReadOnly {
		cfg.Mode = permission.ModePlan
	}
	if def.MaxTurns > 0 {
		cfg.MaxTurns = def.MaxTurns
	}
	if def.Model != "" && def.Model != p.cfg.Model {
		cfg.Model = def.Model
		cfg.ContextLimit = 0
	}
	if cfg.depth >= cfg.MaxSubAgentDepth {
		cfg.Agents = nil
	}

	opts := []Option{WithApprover(p.approver), WithHooks(p.hooks), WithSummarizer(p.summarizer)}
	if cfg.Model == p.cfg.Model {
		opts = append(opts, WithTokenCounter(p.counter))
	}
	child, err := New(cfg, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "sub-agent %s", def.Name)
	}
	child.parentSession = parentSession

	run, err := child.Start(ctx, prompt)
	if err != nil {
		return nil, errors.Wrapf(err, "start sub-agent %s", def.Name)
	}
	log.Debug().Str("agent", def.Name).Str("session", run.SessionID()).Str("parent", parentSession).Msg("agentloop: spawned sub-agent")
	return run, nil
}

// grant builds the child's registry from the parent's. The agent tool is
// never inherited; New adds it back when depth allows.
func (m *Manager) grant(def SubAgentDef) (*ToolRegistry, error) {
	parent := m.parent.tools
	names := def.Tools
	if len(names) == 0 {
		for _, d := range parent.Definitions() {
			if d.Name == AgentToolName {
				continue
			}
			if def.ReadOnly && d.Category != permission.CategoryRead {
				continue
			}
			names = append(names, d.Name)
		}
	}
	sub, err := parent.Subset(names)
	if err != nil {
		return nil, unifiedllm.NewConfigurationError("sub-agent %s requests tools outside its parent's grant: %v", def.Name, err)
	}
	if def.ReadOnly {
		for _, d := range sub.Definitions() {
			if d.Category != permission.CategoryRead {
				return nil, unifiedllm.NewConfigurationError("read-only sub-agent %s cannot use %s tool %s", def.Name, d.Category, d.Name)
			}
		}
	}
	sub.Unregister(AgentToolName)
	return sub, nil
}

// Run spawns def and waits for its result, discarding intermediate events.
func (m *Manager) Run(ctx context.Context, def SubAgentDef, prompt string) SlotResult {
	return m.runTask(ctx, "", def, Task{Agent: def.Name, Prompt: prompt})
}

func (m *Manager) runTask(ctx context.Context, parentSession string, def SubAgentDef, task Task) SlotResult {
	slot := SlotResult{Task: task}
	run, err := m.spawn(ctx, parentSession, def, task.Prompt)
	if err != nil {
		slot.Err = err
		return slot
	}
	slot.SessionID = run.SessionID()
	for range run.Events() {
	}
	slot.Result = run.Wait()
	if slot.Result.Reason != ReasonCompleted {
		slot.Err = slot.Result.Err
		if slot.Err == nil {
			slot.Err = errors.Errorf("sub-agent %s stopped: %s", task.Agent, slot.Result.Reason)
		}
	}
	if parentSession != "" {
		m.record(parentSession, slot)
	}
	return slot
}

// SpawnParallel runs tasks concurrently. Results keep input order and one
// failed slot never cancels the others.
func (m *Manager) SpawnParallel(ctx context.Context, tasks []Task) []SlotResult {
	return m.spawnParallel(ctx, "", tasks)
}

func (m *Manager) spawnParallel(ctx context.Context, parentSession string, tasks []Task) []SlotResult {
	results := make([]SlotResult, len(tasks))
	var g errgroup.Group
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			def, ok := m.defs.Get(task.Agent)
			if !ok {
				results[i] = SlotResult{Task: task, Err: unifiedllm.NewConfigurationError("unknown sub-agent %q", task.Agent)}
				return nil
			}
			results[i] = m.runTask(ctx, parentSession, *def, task)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (m *Manager) record(parentSession string, slot SlotResult) {
	ev := sessionstore.SystemEvent{
		Kind:   sessionstore.EventSubAgent,
		Reason: string(slot.Result.Reason),
		Data: mustJSON(map[string]interface{}{
			"agent":   slot.Task.Agent,
			"session": slot.SessionID,
			"turns":   slot.Result.Turns,
		}),
	}
	ctx := context.Background()
	if _, err := m.parent.cfg.Store.AppendEvent(ctx, parentSession, ev); err != nil {
		log.Warn().Err(err).Str("session", parentSession).Msg("agentloop: failed to record sub-agent result")
	}
}

// AgentToolName is the tool through which the model delegates.
const AgentToolName = "agent"

type agentTool struct {
	manager *Manager
}

type agentToolArgs struct {
	Tasks []Task `json:"tasks"`
}

func (t *agentTool) Definition() ToolDefinition {
	timeout := NoTimeout
	if d := t.manager.parent.cfg.SubAgentTimeout; d > 0 {
		timeout = d
	}
	var names []string
	var lines []string
	for _, d := range t.manager.defs.List() {
		names = append(names, d.Name)
		lines = append(lines, fmt.Sprintf("- %s: %s", d.Name, d.Description))
	}
	return ToolDefinition{
		Name: AgentToolName,
		Description: "Delegate tasks to sub-agents. Each task runs in an isolated agent that sees only its prompt " +
			"and returns only its final answer. Several tasks run in parallel.\nAvailable agents:\n" + strings.Join(lines, "\n"),
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"tasks": map[string]interface{}{
					"type":     "array",
					"minItems": 1,
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"agent":  map[string]interface{}{"type": "string", "enum": names},
							"prompt": map[string]interface{}{"type": "string", "minLength": 1},
						},
						"required": []interface{}{"agent", "prompt"},
					},
				},
			},
			"required": []interface{}{"tasks"},
		},
		Source:   SourceAgent,
		Category: permission.CategoryRead,
		Timeout:  timeout,
	}
}

func (t *agentTool) Execute(ctx context.Context, args json.RawMessage, rc RunContext) (ToolCallResult, error) {
	var in agentToolArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return ToolCallResult{}, errors.Wrap(err, "decode tasks")
	}
	slots := t.manager.spawnParallel(ctx, rc.SessionID, in.Tasks)

	var sb strings.Builder
	failed := 0
	for i, s := range slots {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## Task %d (%s)\n", i+1, s.Task.Agent)
		if s.Err != nil {
			failed++
			fmt.Fprintf(&sb, "Failed: %v", s.Err)
			if s.Result.Text != "" {
				sb.WriteString("\n" + s.Result.Text)
			}
			continue
		}
		sb.WriteString(s.Result.Text)
	}
	return ToolCallResult{Content: sb.String(), IsError: failed == len(slots)}, nil
}
