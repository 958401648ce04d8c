package builtin

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"

	"github.com/martinemde/harness/agentloop"
	"github.com/martinemde/harness/permission"
)

const (
	defaultMaxResults = 100
	maxGlobResults    = 1000
	maxLineLength     = 500
)

type globArgs struct {
	Pattern string `json:"pattern" jsonschema:"description=Glob pattern such as **/*.go,minLength=1"`
	Path    string `json:"path,omitempty" jsonschema:"description=Base directory. Default: working directory"`
}

func (w *Workspace) glob(ctx context.Context, args globArgs, rc agentloop.RunContext) (string, error) {
	if !doublestar.ValidatePattern(args.Pattern) {
		return "", errors.Errorf("invalid glob pattern %q", args.Pattern)
	}
	base := w.Resolve(args.Path, rc.CWD)
	if args.Path == "" {
		base = w.Resolve(".", rc.CWD)
	}

	type match struct {
		path  string
		mtime int64
	}
	var matches []match
	err := doublestar.GlobWalk(os.DirFS(base), args.Pattern, func(rel string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		full := filepath.Join(base, filepath.FromSlash(rel))
		if w.Ignored(full, d.IsDir()) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		var mtime int64
		if info, err := d.Info(); err == nil {
			mtime = info.ModTime().UnixNano()
		}
		matches = append(matches, match{path: w.display(full), mtime: mtime})
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "glob")
	}
	if len(matches) == 0 {
		return "No files matched the pattern.", nil
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].mtime > matches[j].mtime })
	var sb strings.Builder
	for i, m := range matches {
		if i == maxGlobResults {
			fmt.Fprintf(&sb, "[%d more matches not shown]\n", len(matches)-maxGlobResults)
			break
		}
		sb.WriteString(m.path)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

type grepArgs struct {
	Pattern         string `json:"pattern" jsonschema:"description=Regular expression to search for,minLength=1"`
	Path            string `json:"path,omitempty" jsonschema:"description=File or directory to search. Default: working directory"`
	Include         string `json:"include,omitempty" jsonschema:"description=Only search files whose path matches this glob"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty" jsonschema:"description=Maximum matching lines. Default: 100,minimum=0"`
}

func (w *Workspace) grep(ctx context.Context, args grepArgs, rc agentloop.RunContext) (string, error) {
	expr := args.Pattern
	if args.CaseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return "", errors.Wrap(err, "grep: invalid pattern")
	}
	if args.Include != "" && !doublestar.ValidatePattern(args.Include) {
		return "", errors.Errorf("grep: invalid include pattern %q", args.Include)
	}
	limit := args.MaxResults
	if limit <= 0 {
		limit = defaultMaxResults
	}
	root := w.Resolve(args.Path, rc.CWD)
	if args.Path == "" {
		root = w.Resolve(".", rc.CWD)
	}

	var out []string
	truncated := false
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if path != root && w.Ignored(path, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if args.Include != "" {
			rel, _ := filepath.Rel(root, path)
			ok, _ := doublestar.Match(args.Include, filepath.ToSlash(rel))
			if !ok {
				if ok, _ = doublestar.Match(args.Include, d.Name()); !ok {
					return nil
				}
			}
		}
		hits, err := grepFile(path, re, limit-len(out))
		if err != nil {
			return nil
		}
		for _, h := range hits {
			out = append(out, fmt.Sprintf("%s:%d:%s", w.display(path), h.line, h.text))
		}
		if len(out) >= limit {
			truncated = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "grep")
	}
	if len(out) == 0 {
		return "No matches found.", nil
	}
	if truncated {
		out = append(out, fmt.Sprintf("[results limited to %d matches]", limit))
	}
	return strings.Join(out, "\n"), nil
}

type grepHit struct {
	line int
	text string
}

// grepFile scans one file. Files that look binary are skipped.
func grepFile(path string, re *regexp.Regexp, max int) ([]grepHit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hits []grepHit
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Text()
		if n == 1 && strings.ContainsRune(line, 0) {
			return nil, nil
		}
		if !re.MatchString(line) {
			continue
		}
		if len(line) > maxLineLength {
			line = line[:maxLineLength] + "..."
		}
		hits = append(hits, grepHit{line: n, text: line})
		if len(hits) >= max {
			break
		}
	}
	return hits, sc.Err()
}

func searchTools(w *Workspace) ([]agentloop.Tool, error) {
	g, err := agentloop.NewFuncTool(agentloop.ToolDefinition{
		Name:         "glob",
		Description:  "Find files matching a glob pattern, newest first. Supports ** for any depth.",
		Category:     permission.CategoryRead,
		ParallelSafe: true,
	}, w.glob)
	if err != nil {
		return nil, err
	}
	gr, err := agentloop.NewFuncTool(agentloop.ToolDefinition{
		Name:         "grep",
		Description:  "Search file contents with a regular expression. Returns path:line:text for each match.",
		Category:     permission.CategoryRead,
		ParallelSafe: true,
	}, w.grep)
	if err != nil {
		return nil, err
	}
	return []agentloop.Tool{g, gr}, nil
}
