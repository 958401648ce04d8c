package agentloop

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

const maxProjectDocBytes = 32 * 1024

// projectDocNames are loaded from every directory between the repository
// root and the working directory.
var projectDocNames = []string{"AGENTS.md", "CLAUDE.md"}

const defaultInstructions = `You are a coding agent working in the user's repository.
Use the available tools to inspect and change files and run commands.
Prefer small, verifiable steps. When the task is done, reply with a short summary and no tool calls.`

// PromptInput is everything the system prompt is built from.
type PromptInput struct {
	Instructions string
	CWD          string
	Model        string
	Skills       []*Skill
}

// BuildSystemPrompt joins the instructions, environment, git context,
// project docs and skills listing.
func BuildSystemPrompt(in PromptInput) string {
	instructions := strings.TrimSpace(in.Instructions)
	if instructions == "" {
		instructions = defaultInstructions
	}
	sections := []string{instructions, BuildEnvironmentContext(in.CWD, in.Model)}
	if git := GitContext(in.CWD); git != "" {
		sections = append(sections, git)
	}
	if docs := DiscoverProjectDocs(in.CWD); docs != "" {
		sections = append(sections, "<project_instructions>\n"+docs+"\n</project_instructions>")
	}
	if skills := SkillsListing(in.Skills); skills != "" {
		sections = append(sections, skills)
	}
	return strings.Join(sections, "\n\n")
}

// BuildEnvironmentContext generates the environment block.
func BuildEnvironmentContext(cwd, model string) string {
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", cwd)
	fmt.Fprintf(&sb, "Is git repository: %v\n", gitRoot(cwd) != "")
	fmt.Fprintf(&sb, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

func openRepo(dir string) (*git.Repository, error) {
	return git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
}

func gitRoot(dir string) string {
	if dir == "" {
		return ""
	}
	repo, err := openRepo(dir)
	if err != nil {
		return ""
	}
	wt, err := repo.Worktree()
	if err != nil {
		return ""
	}
	return wt.Filesystem.Root()
}

// GitContext summarizes branch, working tree status and recent commits.
// It is empty outside a repository.
func GitContext(dir string) string {
	if dir == "" {
		return ""
	}
	repo, err := openRepo(dir)
	if err != nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("<git_context>\n")

	head, err := repo.Head()
	if err == nil {
		fmt.Fprintf(&sb, "Branch: %s\n", head.Name().Short())
	}

	if wt, err := repo.Worktree(); err == nil {
		if status, err := wt.Status(); err == nil {
			changed := 0
			for _, s := range status {
				if s.Worktree != git.Unmodified || s.Staging != git.Unmodified {
					changed++
				}
			}
			fmt.Fprintf(&sb, "Modified/untracked files: %d\n", changed)
		}
	}

	if head != nil {
		if iter, err := repo.Log(&git.LogOptions{From: head.Hash()}); err == nil {
			var lines []string
			_ = iter.ForEach(func(c *object.Commit) error {
				if len(lines) >= 10 {
					return storer.ErrStop
				}
				subject := strings.SplitN(strings.TrimSpace(c.Message), "\n", 2)[0]
				lines = append(lines, c.Hash.String()[:7]+" "+subject)
				return nil
			})
			iter.Close()
			if len(lines) > 0 {
				sb.WriteString("Recent commits:\n")
				sb.WriteString(strings.Join(lines, "\n"))
				sb.WriteString("\n")
			}
		}
	}

	sb.WriteString("</git_context>")
	return sb.String()
}

// DiscoverProjectDocs loads instruction files from the repository root (or
// cwd outside a repository) down to cwd, capped at 32KB in total.
func DiscoverProjectDocs(cwd string) string {
	if cwd == "" {
		return ""
	}
	root := gitRoot(cwd)
	if root == "" {
		root = cwd
	}

	var docs []string
	total := 0
	for _, dir := range collectPathHierarchy(root, cwd) {
		for _, name := range projectDocNames {
			path := filepath.Join(dir, name)
			content, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			remaining := maxProjectDocBytes - total
			if remaining <= 0 {
				docs = append(docs, "[Project instructions truncated at 32KB]")
				return strings.Join(docs, "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > remaining {
				text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
			}
			docs = append(docs, fmt.Sprintf("# %s (from %s)\n\n%s", name, dir, text))
			total += len(text)
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// collectPathHierarchy returns directories from root to target, inclusive.
func collectPathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	dirs := []string{root}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return dirs
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}
