package builtin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/harness/agentloop"
	"github.com/martinemde/harness/permission"
)

func newTestWorkspace(t *testing.T) (*Workspace, *agentloop.ToolRegistry) {
	t.Helper()
	dir := t.TempDir()
	write(t, dir, ".gitignore", "*.log\nbuild/\n")
	write(t, dir, "main.go", "package main\n\nfunc main() {\n\tprintln(\"hello\")\n}\n")
	write(t, dir, "pkg/util.go", "package pkg\n\n// Hello says hello.\nfunc Hello() string { return \"hello\" }\n")
	write(t, dir, "debug.log", "hello from the log\n")
	write(t, dir, "build/out.go", "package build // hello\n")

	reg, ws, err := NewRegistry(dir)
	require.NoError(t, err)
	return ws, reg
}

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func call(t *testing.T, reg *agentloop.ToolRegistry, name string, args interface{}) (agentloop.ToolCallResult, error) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	require.NoError(t, reg.Validate(name, raw))
	tool, err := reg.Resolve(name)
	require.NoError(t, err)
	return tool.Execute(context.Background(), raw, agentloop.RunContext{})
}

func TestRegistryCategories(t *testing.T) {
	_, reg := newTestWorkspace(t)
	assert.Equal(t, []string{"edit_file", "glob", "grep", "list_dir", "read_file", "shell", "write_file"}, reg.Names())

	cases := map[string]permission.Category{
		"read_file":  permission.CategoryRead,
		"list_dir":   permission.CategoryRead,
		"glob":       permission.CategoryRead,
		"grep":       permission.CategoryRead,
		"write_file": permission.CategoryEdit,
		"edit_file":  permission.CategoryEdit,
		"shell":      permission.CategoryExecute,
	}
	for name, cat := range cases {
		def, ok := reg.Definition(name)
		require.True(t, ok, name)
		assert.Equal(t, cat, def.Category, name)
		assert.Equal(t, cat == permission.CategoryRead, def.ParallelSafe, name)
	}
}

func TestReadFile(t *testing.T) {
	_, reg := newTestWorkspace(t)

	res, err := call(t, reg, "read_file", map[string]interface{}{"file_path": "main.go"})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "     1 | package main")
	assert.Contains(t, res.Content, "     4 | \tprintln(\"hello\")")

	res, err = call(t, reg, "read_file", map[string]interface{}{"file_path": "main.go", "offset": 3, "limit": 1})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Content, "     3 | func main() {"))
	assert.Contains(t, res.Content, "continue with offset=4")

	_, err = call(t, reg, "read_file", map[string]interface{}{"file_path": "missing.go"})
	assert.Error(t, err)
}

func TestReadFileRejectsBadArguments(t *testing.T) {
	_, reg := newTestWorkspace(t)
	assert.Error(t, reg.Validate("read_file", json.RawMessage(`{}`)))
	assert.Error(t, reg.Validate("read_file", json.RawMessage(`{"file_path": 3}`)))
}

func TestWriteAndEditFile(t *testing.T) {
	ws, reg := newTestWorkspace(t)

	_, err := call(t, reg, "write_file", map[string]interface{}{"file_path": "new/dir/a.txt", "content": "one two one"})
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(ws.Root, "new/dir/a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one two one", string(data))

	_, err = call(t, reg, "edit_file", map[string]interface{}{"file_path": "new/dir/a.txt", "old_string": "one", "new_string": "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "found 2 times")

	res, err := call(t, reg, "edit_file", map[string]interface{}{"file_path": "new/dir/a.txt", "old_string": "one", "new_string": "1", "replace_all": true})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "Replaced 2 occurrence(s)")
	data, _ = os.ReadFile(filepath.Join(ws.Root, "new/dir/a.txt"))
	assert.Equal(t, "1 two 1", string(data))

	_, err = call(t, reg, "edit_file", map[string]interface{}{"file_path": "new/dir/a.txt", "old_string": "three", "new_string": "3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestListDirHonorsGitignore(t *testing.T) {
	_, reg := newTestWorkspace(t)
	res, err := call(t, reg, "list_dir", map[string]interface{}{"depth": 2})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "main.go")
	assert.Contains(t, res.Content, "pkg/")
	assert.Contains(t, res.Content, "  util.go")
	assert.NotContains(t, res.Content, "debug.log")
	assert.NotContains(t, res.Content, "build/")
}

func TestGlob(t *testing.T) {
	ws, reg := newTestWorkspace(t)
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(ws.Root, "main.go"), old, old))

	res, err := call(t, reg, "glob", map[string]interface{}{"pattern": "**/*.go"})
	require.NoError(t, err)
	assert.Equal(t, "pkg/util.go\nmain.go", res.Content)

	res, err = call(t, reg, "glob", map[string]interface{}{"pattern": "*.rs"})
	require.NoError(t, err)
	assert.Equal(t, "No files matched the pattern.", res.Content)
}

func TestGrep(t *testing.T) {
	_, reg := newTestWorkspace(t)

	res, err := call(t, reg, "grep", map[string]interface{}{"pattern": "hello"})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "main.go:4:")
	assert.Contains(t, res.Content, "pkg/util.go:3:// Hello says hello.")
	assert.NotContains(t, res.Content, "debug.log")
	assert.NotContains(t, res.Content, "build/out.go")

	res, err = call(t, reg, "grep", map[string]interface{}{"pattern": "HELLO", "case_insensitive": true, "include": "pkg/*.go"})
	require.NoError(t, err)
	assert.NotContains(t, res.Content, "main.go")
	assert.Contains(t, res.Content, "pkg/util.go")

	res, err = call(t, reg, "grep", map[string]interface{}{"pattern": "hello", "max_results": 1})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "[results limited to 1 matches]")

	_, err = call(t, reg, "grep", map[string]interface{}{"pattern": "("})
	assert.Error(t, err)
}

func TestShell(t *testing.T) {
	_, reg := newTestWorkspace(t)

	res, err := call(t, reg, "shell", map[string]interface{}{"command": "echo out; echo err >&2"})
	require.NoError(t, err)
	assert.Equal(t, "out\n\nerr\n", res.Content)

	res, err = call(t, reg, "shell", map[string]interface{}{"command": "exit 3"})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "[Exit code: 3]")

	res, err = call(t, reg, "shell", map[string]interface{}{"command": "sleep 5", "timeout_ms": 100})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "timed out after 100ms")
}

func TestShellWithholdsCredentials(t *testing.T) {
	t.Setenv("HARNESS_TEST_API_KEY", "sekrit")
	t.Setenv("HARNESS_TEST_PLAIN", "visible")
	_, reg := newTestWorkspace(t)

	res, err := call(t, reg, "shell", map[string]interface{}{"command": "echo \"$HARNESS_TEST_API_KEY|$HARNESS_TEST_PLAIN\""})
	require.NoError(t, err)
	assert.Equal(t, "|visible\n", res.Content)
}

func TestShellUsesRunDirectory(t *testing.T) {
	ws, reg := newTestWorkspace(t)
	tool, err := reg.Resolve("shell")
	require.NoError(t, err)
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"pwd"}`), agentloop.RunContext{CWD: filepath.Join(ws.Root, "pkg")})
	require.NoError(t, err)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(res.Content))
	want, _ := filepath.EvalSymlinks(filepath.Join(ws.Root, "pkg"))
	assert.Equal(t, want, got)
}
