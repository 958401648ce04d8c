// Package builtin provides the local file, search and shell tools.
package builtin

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Workspace is the directory tree the tools operate on. Relative paths are
// resolved against the run's working directory, falling back to Root.
type Workspace struct {
	Root    string
	matcher gitignore.Matcher
}

// alwaysSkipped are never listed or searched.
var alwaysSkipped = map[string]bool{".git": true}

// NewWorkspace opens root and loads its .gitignore files.
func NewWorkspace(root string) (*Workspace, error) {
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrap(err, "working directory")
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", root)
	}
	ws := &Workspace{Root: abs}
	patterns, err := gitignore.ReadPatterns(osfs.New(abs), nil)
	if err != nil {
		log.Warn().Err(err).Str("root", abs).Msg("builtin: failed to read .gitignore")
	}
	if len(patterns) > 0 {
		ws.matcher = gitignore.NewMatcher(patterns)
	}
	return ws, nil
}

// Resolve turns path into an absolute path. Relative paths are joined to cwd
// when set, otherwise to Root.
func (w *Workspace) Resolve(path, cwd string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	base := w.Root
	if cwd != "" {
		base = cwd
	}
	return filepath.Join(base, path)
}

// Ignored reports whether an absolute path is excluded by .gitignore.
// Paths outside Root are never ignored.
func (w *Workspace) Ignored(abs string, isDir bool) bool {
	rel, err := filepath.Rel(w.Root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	segs := splitPath(rel)
	for _, s := range segs {
		if alwaysSkipped[s] {
			return true
		}
	}
	if w.matcher == nil || len(segs) == 0 {
		return false
	}
	return w.matcher.Match(segs, isDir)
}

// display returns path relative to Root when it lies inside it.
func (w *Workspace) display(abs string) string {
	rel, err := filepath.Rel(w.Root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return abs
	}
	return filepath.ToSlash(rel)
}

func splitPath(path string) []string {
	var segs []string
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part != "" && part != "." {
			segs = append(segs, part)
		}
	}
	return segs
}

// sensitiveEnvSuffixes mark environment variables withheld from commands.
var sensitiveEnvSuffixes = []string{"_API_KEY", "_SECRET", "_TOKEN", "_PASSWORD", "_CREDENTIAL", "_DSN"}

var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, s := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, s) {
			return true
		}
	}
	return false
}

// commandEnv is the process environment minus credentials.
func commandEnv(extra map[string]string) []string {
	var env []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			env = append(env, kv)
		}
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
