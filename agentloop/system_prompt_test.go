package agentloop

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("Run make test before finishing."), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "svc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "svc", "AGENTS.md"), []byte("This service uses pgx."), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("AGENTS.md")
	require.NoError(t, err)
	_, err = wt.Commit("Initial commit\n\nbody", &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

func TestSystemPromptInRepository(t *testing.T) {
	dir := initRepo(t)
	sub := filepath.Join(dir, "svc")
	skill := &Skill{Name: "deploy", Description: "Ship the service."}

	prompt := BuildSystemPrompt(PromptInput{Instructions: "Be careful.", CWD: sub, Model: "gpt-4.1", Skills: []*Skill{skill}})

	assert.True(t, strings.HasPrefix(prompt, "Be careful.\n\n<environment>"))
	assert.Contains(t, prompt, "Working directory: "+sub)
	assert.Contains(t, prompt, "Is git repository: true")
	assert.Contains(t, prompt, "Model: gpt-4.1")
	assert.Contains(t, prompt, "Branch: master")
	assert.Contains(t, prompt, "Modified/untracked files: 1")
	assert.Contains(t, prompt, " Initial commit\n")
	assert.NotContains(t, prompt, "body")

	root := strings.Index(prompt, "Run make test before finishing.")
	nested := strings.Index(prompt, "This service uses pgx.")
	require.True(t, root > 0 && nested > 0)
	assert.Less(t, root, nested)
	assert.Contains(t, prompt, "- deploy: Ship the service.")
}

func TestSystemPromptOutsideRepository(t *testing.T) {
	dir := t.TempDir()
	prompt := BuildSystemPrompt(PromptInput{CWD: dir})
	assert.True(t, strings.HasPrefix(prompt, defaultInstructions))
	assert.Contains(t, prompt, "Is git repository: false")
	assert.NotContains(t, prompt, "<git_context>")
	assert.NotContains(t, prompt, "<project_instructions>")
	assert.Empty(t, GitContext(""))
}

func TestCollectPathHierarchy(t *testing.T) {
	assert.Equal(t, []string{"/a", "/a/b", "/a/b/c"}, collectPathHierarchy("/a", "/a/b/c"))
	assert.Equal(t, []string{"/a"}, collectPathHierarchy("/a", "/a"))
	assert.Equal(t, []string{"/a"}, collectPathHierarchy("/a", "/elsewhere"))
}
