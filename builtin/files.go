package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/martinemde/harness/agentloop"
	"github.com/martinemde/harness/permission"
)

const defaultReadLimit = 2000

type readFileArgs struct {
	FilePath string `json:"file_path" jsonschema:"description=Path to the file to read"`
	Offset   int    `json:"offset,omitempty" jsonschema:"description=1-based line number to start reading from,minimum=0"`
	Limit    int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to read. Default: 2000,minimum=0"`
}

func (w *Workspace) readFile(ctx context.Context, args readFileArgs, rc agentloop.RunContext) (string, error) {
	if args.FilePath == "" {
		return "", errors.New("file_path is required")
	}
	path := w.Resolve(args.FilePath, rc.CWD)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "read_file")
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	start := 0
	if args.Offset > 0 {
		start = args.Offset - 1
	}
	if start >= len(lines) {
		return fmt.Sprintf("File has %d lines; offset %d is past the end.", len(lines), args.Offset), nil
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	end := len(lines)
	if start+limit < end {
		end = start + limit
	}
	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%6d | %s\n", i+1, lines[i])
	}
	if end < len(lines) {
		fmt.Fprintf(&sb, "[%d more lines; continue with offset=%d]\n", len(lines)-end, end+1)
	}
	return sb.String(), nil
}

type writeFileArgs struct {
	FilePath string `json:"file_path" jsonschema:"description=Path to write to"`
	Content  string `json:"content" jsonschema:"description=The full file content"`
}

func (w *Workspace) writeFile(ctx context.Context, args writeFileArgs, rc agentloop.RunContext) (string, error) {
	if args.FilePath == "" {
		return "", errors.New("file_path is required")
	}
	path := w.Resolve(args.FilePath, rc.CWD)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrap(err, "write_file: create directory")
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return "", errors.Wrap(err, "write_file")
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), w.display(path)), nil
}

type editFileArgs struct {
	FilePath   string `json:"file_path" jsonschema:"description=Path to the file to edit"`
	OldString  string `json:"old_string" jsonschema:"description=Exact text to replace,minLength=1"`
	NewString  string `json:"new_string" jsonschema:"description=Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence instead of requiring a unique match"`
}

func (w *Workspace) editFile(ctx context.Context, args editFileArgs, rc agentloop.RunContext) (string, error) {
	if args.FilePath == "" {
		return "", errors.New("file_path is required")
	}
	if args.OldString == args.NewString {
		return "", errors.New("old_string and new_string are identical")
	}
	path := w.Resolve(args.FilePath, rc.CWD)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "edit_file")
	}
	content := string(data)
	count := strings.Count(content, args.OldString)
	switch {
	case count == 0:
		return "", errors.Errorf("old_string not found in %s", w.display(path))
	case count > 1 && !args.ReplaceAll:
		return "", errors.Errorf("old_string found %d times in %s; add context to make it unique or set replace_all", count, w.display(path))
	}
	n := 1
	if args.ReplaceAll {
		n = -1
	}
	updated := strings.Replace(content, args.OldString, args.NewString, n)
	info, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrap(err, "edit_file")
	}
	if err := os.WriteFile(path, []byte(updated), info.Mode().Perm()); err != nil {
		return "", errors.Wrap(err, "edit_file")
	}
	replaced := 1
	if args.ReplaceAll {
		replaced = count
	}
	return fmt.Sprintf("Replaced %d occurrence(s) in %s", replaced, w.display(path)), nil
}

type listDirArgs struct {
	Path  string `json:"path,omitempty" jsonschema:"description=Directory to list. Default: working directory"`
	Depth int    `json:"depth,omitempty" jsonschema:"description=How many levels to descend. Default: 1,minimum=0,maximum=5"`
}

func (w *Workspace) listDir(ctx context.Context, args listDirArgs, rc agentloop.RunContext) (string, error) {
	root := w.Resolve(args.Path, rc.CWD)
	if args.Path == "" {
		root = w.Resolve(".", rc.CWD)
	}
	depth := args.Depth
	if depth <= 0 {
		depth = 1
	}
	var lines []string
	var walk func(dir string, level int) error
	walk = func(dir string, level int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			full := filepath.Join(dir, e.Name())
			if w.Ignored(full, e.IsDir()) {
				continue
			}
			indent := strings.Repeat("  ", level)
			if e.IsDir() {
				lines = append(lines, indent+e.Name()+"/")
				if level+1 < depth {
					if err := walk(full, level+1); err != nil {
						return err
					}
				}
				continue
			}
			size := int64(0)
			if info, err := e.Info(); err == nil {
				size = info.Size()
			}
			lines = append(lines, fmt.Sprintf("%s%s (%d bytes)", indent, e.Name(), size))
		}
		return nil
	}
	if err := walk(root, 0); err != nil {
		return "", errors.Wrap(err, "list_dir")
	}
	if len(lines) == 0 {
		return "Directory is empty.", nil
	}
	return strings.Join(lines, "\n"), nil
}

func fileTools(w *Workspace) ([]agentloop.Tool, error) {
	read, err := agentloop.NewFuncTool(agentloop.ToolDefinition{
		Name:         "read_file",
		Description:  "Read a file. Returns line-numbered content.",
		Category:     permission.CategoryRead,
		ParallelSafe: true,
	}, w.readFile)
	if err != nil {
		return nil, err
	}
	write, err := agentloop.NewFuncTool(agentloop.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file, creating it and its parent directories if needed.",
		Category:    permission.CategoryEdit,
	}, w.writeFile)
	if err != nil {
		return nil, err
	}
	edit, err := agentloop.NewFuncTool(agentloop.ToolDefinition{
		Name:        "edit_file",
		Description: "Replace an exact string in a file. old_string must be unique unless replace_all is set.",
		Category:    permission.CategoryEdit,
	}, w.editFile)
	if err != nil {
		return nil, err
	}
	list, err := agentloop.NewFuncTool(agentloop.ToolDefinition{
		Name:         "list_dir",
		Description:  "List a directory, skipping files ignored by .gitignore.",
		Category:     permission.CategoryRead,
		ParallelSafe: true,
	}, w.listDir)
	if err != nil {
		return nil, err
	}
	return []agentloop.Tool{read, write, edit, list}, nil
}
