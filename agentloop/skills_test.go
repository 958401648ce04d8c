package agentloop

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/harness/permission"
)

const reviewSkill = `---
name: Code Review
description: Review a path for bugs.
allowed_tools: [read_file, grep]
arguments: [path, path_prefix]
---
Review $path (prefix $path_prefix). Notes: $ARGUMENTS
`

func TestParseSkill(t *testing.T) {
	s, err := ParseSkill("/skills/review/SKILL.md", []byte(reviewSkill))
	require.NoError(t, err)
	assert.Equal(t, "Code Review", s.Name)
	assert.Equal(t, "code_review", s.ToolName())
	assert.Equal(t, []string{"read_file", "grep"}, s.AllowedTools)
	assert.Equal(t, "Review $path (prefix $path_prefix). Notes: $ARGUMENTS", s.Body)

	assert.Equal(t, "Review main.go (prefix cmd/). Notes: be strict",
		s.Render("be strict", map[string]string{"path": "main.go", "path_prefix": "cmd/"}))

	plain, err := ParseSkill("/skills/deploy/SKILL.md", []byte("Ship it."))
	require.NoError(t, err)
	assert.Equal(t, "deploy", plain.Name)
	assert.Equal(t, "Ship it.", plain.Body)

	_, err = ParseSkill("x/SKILL.md", []byte("---\nname: broken\n"))
	assert.Error(t, err)
}

func TestLoadSkillsAndProvider(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "review"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "review", "SKILL.md"), []byte(reviewSkill), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))

	skills, err := LoadSkills(dir)
	require.NoError(t, err)
	require.Len(t, skills, 1)

	missing, err := LoadSkills(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, missing)

	reg := NewToolRegistry()
	require.NoError(t, reg.RegisterProvider(context.Background(), NewSkillProvider(skills)))
	def, ok := reg.Definition("code_review")
	require.True(t, ok)
	assert.Equal(t, SourceSkill, def.Source)
	assert.Equal(t, permission.CategoryRead, def.Category)
	assert.Contains(t, def.Description, "(uses: read_file, grep)")

	tool, err := reg.Resolve("code_review")
	require.NoError(t, err)
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"a.go","arguments":"quick"}`), RunContext{})
	require.NoError(t, err)
	assert.Equal(t, "Review a.go (prefix ). Notes: quick", res.Content)

	listing := SkillsListing(skills)
	assert.Contains(t, listing, "- code_review: Review a path for bugs.")
	assert.Empty(t, SkillsListing(nil))
}
