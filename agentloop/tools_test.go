package agentloop

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/harness/permission"
	"github.com/martinemde/harness/unifiedllm"
)

type countArgs struct {
	Path  string `json:"path" jsonschema:"description=File to count"`
	Limit int    `json:"limit,omitempty"`
}

func TestFuncToolReflectsAndDecodes(t *testing.T) {
	tool, err := NewFuncTool(ToolDefinition{Name: "count", Category: permission.CategoryRead},
		func(_ context.Context, a countArgs, rc RunContext) (string, error) {
			return a.Path + ":" + string(rune('0'+a.Limit)), nil
		})
	require.NoError(t, err)

	def := tool.Definition()
	assert.Equal(t, SourceBuiltin, def.Source)
	assert.Equal(t, "object", def.Parameters["type"])
	props, ok := def.Parameters["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "path")
	assert.Contains(t, props, "limit")
	assert.Equal(t, []interface{}{"path"}, def.Parameters["required"])

	reg := NewToolRegistry()
	require.NoError(t, reg.Register(tool))
	assert.NoError(t, reg.Validate("count", json.RawMessage(`{"path":"a.go","limit":3}`)))
	assert.Error(t, reg.Validate("count", json.RawMessage(`{"limit":3}`)))
	assert.Error(t, reg.Validate("count", json.RawMessage(`{"path":1}`)))
	assert.Error(t, reg.Validate("count", json.RawMessage(`{"path":`)))

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"a.go","limit":"3"}`), RunContext{})
	require.NoError(t, err)
	assert.Equal(t, "a.go:3", res.Content)
}

func TestRegistryLookups(t *testing.T) {
	reg := NewToolRegistry()
	reg.MustRegister(
		readTool("b", nil),
		readTool("a", nil),
		&stubTool{def: ToolDefinition{Name: "c"}},
	)
	assert.Equal(t, []string{"a", "b", "c"}, reg.Names())
	assert.Equal(t, 3, reg.Count())

	def, ok := reg.Definition("c")
	require.True(t, ok)
	assert.Equal(t, permission.CategoryOther, def.Category)
	assert.NoError(t, reg.Validate("c", nil))

	_, err := reg.Resolve("zzz")
	assert.True(t, errors.Is(err, ErrToolNotFound))
	assert.True(t, errors.Is(reg.Validate("zzz", nil), ErrToolNotFound))

	assert.Error(t, reg.Register(&stubTool{}))
	assert.Error(t, reg.Register(&stubTool{def: ToolDefinition{Name: "bad", Parameters: map[string]interface{}{"type": 5}}}))
}

func TestRegistryCloneAndSubsetAreIndependent(t *testing.T) {
	reg := NewToolRegistry()
	reg.MustRegister(readTool("a", nil), readTool("b", nil))

	cp := reg.Clone()
	cp.Unregister("a")
	assert.True(t, reg.Has("a"))
	assert.False(t, cp.Has("a"))

	sub, err := reg.Subset([]string{"b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, sub.Names())

	_, err = reg.Subset([]string{"b", "nope"})
	var cfgErr *unifiedllm.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, err.Error(), "nope")
}

type staticProvider struct {
	tools []Tool
	err   error
}

func (p staticProvider) Name() string { return "static" }

func (p staticProvider) Tools(context.Context) ([]Tool, error) { return p.tools, p.err }

func TestRegisterProvider(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, reg.RegisterProvider(context.Background(), staticProvider{tools: []Tool{readTool("x", nil)}}))
	assert.True(t, reg.Has("x"))

	err := reg.RegisterProvider(context.Background(), staticProvider{err: errors.New("offline")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "static")
}

func TestUnifiedDefinitionsDefaultParameters(t *testing.T) {
	reg := NewToolRegistry()
	reg.MustRegister(&stubTool{def: ToolDefinition{Name: "bare", Description: "no params"}})
	defs := reg.unifiedDefinitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "object", defs[0].Parameters["type"])
}
