package agentloop

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"

	"github.com/martinemde/harness/permission"
	"github.com/martinemde/harness/unifiedllm"
)

// ToolSource records where a tool came from.
type ToolSource string

const (
	SourceBuiltin ToolSource = "builtin"
	SourceMCP     ToolSource = "mcp"
	SourceSkill   ToolSource = "skill"
	SourceAgent   ToolSource = "agent"
)

// ToolDefinition describes a tool for the model and for the permission
// evaluator.
type ToolDefinition struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	Parameters   map[string]interface{} `json:"parameters"`
	Source       ToolSource             `json:"source"`
	Category     permission.Category    `json:"category"`
	ParallelSafe bool                   `json:"parallel_safe"`
	// Timeout overrides the run's default tool timeout when positive;
	// NoTimeout runs the tool without a deadline.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// NoTimeout as a ToolDefinition.Timeout lets a tool run until it finishes
// or the run is canceled.
const NoTimeout time.Duration = -1

// ToolCallResult is what a tool produced. Content is what the model sees and
// is bounded by truncation; Display is the complete output for humans.
type ToolCallResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Display string `json:"display,omitempty"`
	IsError bool   `json:"is_error"`
}

// RunContext is passed to every tool execution.
type RunContext struct {
	SessionID string
	RunID     string
	CallID    string
	CWD       string
	Mode      permission.Mode
	Depth     int
}

// Tool is the uniform contract for built-in, MCP and skill tools.
type Tool interface {
	Definition() ToolDefinition
	Execute(ctx context.Context, args json.RawMessage, rc RunContext) (ToolCallResult, error)
}

// ToolProvider supplies a batch of tools, e.g. an MCP server or a skills
// directory.
type ToolProvider interface {
	Name() string
	Tools(ctx context.Context) ([]Tool, error)
}

// ErrToolNotFound is returned by Resolve for unknown names.
var ErrToolNotFound = errors.New("tool not found")

type registeredTool struct {
	tool   Tool
	def    ToolDefinition
	schema *gojsonschema.Schema
}

// ToolRegistry manages tool registration and lookup.
type ToolRegistry struct {
	tools map[string]*registeredTool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*registeredTool),
	}
}

// Register adds or replaces a tool. The parameter schema is compiled here so
// a bad schema fails at registration rather than on first call.
func (r *ToolRegistry) Register(tool Tool) error {
	def := tool.Definition()
	if def.Name == "" {
		return errors.New("tool has no name")
	}
	if def.Category == "" {
		def.Category = permission.CategoryOther
	}
	rt := &registeredTool{tool: tool, def: def}
	if len(def.Parameters) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.Parameters))
		if err != nil {
			return errors.Wrapf(err, "compile schema for tool %s", def.Name)
		}
		rt.schema = schema
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = rt
	return nil
}

// MustRegister is Register for static tool sets.
func (r *ToolRegistry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// RegisterProvider registers every tool a provider supplies.
func (r *ToolRegistry) RegisterProvider(ctx context.Context, p ToolProvider) error {
	tools, err := p.Tools(ctx)
	if err != nil {
		return errors.Wrapf(err, "list tools from %s", p.Name())
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return errors.Wrapf(err, "register tool from %s", p.Name())
		}
	}
	return nil
}

// Unregister removes a tool from the registry.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Resolve returns the tool registered under name.
func (r *ToolRegistry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return nil, errors.Wrap(ErrToolNotFound, name)
	}
	return rt.tool, nil
}

// Definition returns the normalized definition of a registered tool.
func (r *ToolRegistry) Definition(name string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return ToolDefinition{}, false
	}
	return rt.def, true
}

// Validate checks args against the tool's parameter schema.
func (r *ToolRegistry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return errors.Wrap(ErrToolNotFound, name)
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return errors.New("arguments are not valid JSON")
	}
	if rt.schema == nil {
		return nil
	}
	res, err := rt.schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return errors.Wrap(err, "validate arguments")
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Definitions returns all tool definitions sorted by name.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, rt := range r.tools {
		defs = append(defs, rt.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the sorted names of all registered tools.
func (r *ToolRegistry) Names() []string {
	defs := r.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Has reports whether name is registered.
func (r *ToolRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clone returns a registry holding the same tools.
func (r *ToolRegistry) Clone() *ToolRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := NewToolRegistry()
	for name, rt := range r.tools {
		cp := *rt
		clone.tools[name] = &cp
	}
	return clone
}

// Subset returns a registry restricted to names. Every name must be
// registered here; a missing one is a configuration error.
func (r *ToolRegistry) Subset(names []string) (*ToolRegistry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub := NewToolRegistry()
	var missing []string
	for _, name := range names {
		rt, ok := r.tools[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		cp := *rt
		sub.tools[name] = &cp
	}
	if len(missing) > 0 {
		return nil, unifiedllm.NewConfigurationError("tools not available: %s", strings.Join(missing, ", "))
	}
	return sub, nil
}

// unifiedDefinitions converts the registry into request tool declarations.
func (r *ToolRegistry) unifiedDefinitions() []unifiedllm.ToolDefinition {
	defs := r.Definitions()
	out := make([]unifiedllm.ToolDefinition, len(defs))
	for i, d := range defs {
		params := d.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		out[i] = unifiedllm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: params}
	}
	return out
}

// funcTool adapts a typed Go function to Tool.
type funcTool[A any] struct {
	def ToolDefinition
	fn  func(ctx context.Context, args A, rc RunContext) (string, error)
}

// NewFuncTool builds a tool whose parameter schema is reflected from A. The
// JSON arguments are decoded into A by json tag, with weak typing so that
// "3" fills an int field.
func NewFuncTool[A any](def ToolDefinition, fn func(ctx context.Context, args A, rc RunContext) (string, error)) (Tool, error) {
	if def.Parameters == nil {
		params, err := ReflectParameters(new(A))
		if err != nil {
			return nil, errors.Wrapf(err, "reflect parameters for %s", def.Name)
		}
		def.Parameters = params
	}
	if def.Source == "" {
		def.Source = SourceBuiltin
	}
	return &funcTool[A]{def: def, fn: fn}, nil
}

func (t *funcTool[A]) Definition() ToolDefinition { return t.def }

func (t *funcTool[A]) Execute(ctx context.Context, raw json.RawMessage, rc RunContext) (ToolCallResult, error) {
	var args A
	if err := DecodeArgs(raw, &args); err != nil {
		return ToolCallResult{}, err
	}
	out, err := t.fn(ctx, args, rc)
	if err != nil {
		return ToolCallResult{}, err
	}
	return ToolCallResult{Content: out}, nil
}

// ReflectParameters reflects a JSON schema object for v, inlining
// definitions.
func ReflectParameters(v interface{}) (map[string]interface{}, error) {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(v)
	if schema.Type == "" {
		schema.Type = "object"
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var params map[string]interface{}
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, err
	}
	delete(params, "$schema")
	delete(params, "$id")
	return params, nil
}

// DecodeArgs decodes tool arguments into a struct by json tag.
func DecodeArgs(raw json.RawMessage, out interface{}) error {
	var m map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return errors.Wrap(err, "invalid tool arguments")
		}
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return errors.Wrap(dec.Decode(m), "decode tool arguments")
}
