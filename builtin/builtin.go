package builtin

import (
	"github.com/martinemde/harness/agentloop"
)

// Tools returns every built-in tool bound to w.
func Tools(w *Workspace) ([]agentloop.Tool, error) {
	files, err := fileTools(w)
	if err != nil {
		return nil, err
	}
	search, err := searchTools(w)
	if err != nil {
		return nil, err
	}
	sh, err := shellTool(w)
	if err != nil {
		return nil, err
	}
	out := append(files, search...)
	return append(out, sh), nil
}

// Register adds the built-in tools to reg.
func Register(reg *agentloop.ToolRegistry, w *Workspace) error {
	tools, err := Tools(w)
	if err != nil {
		return err
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in tools for root.
func NewRegistry(root string) (*agentloop.ToolRegistry, *Workspace, error) {
	w, err := NewWorkspace(root)
	if err != nil {
		return nil, nil, err
	}
	reg := agentloop.NewToolRegistry()
	if err := Register(reg, w); err != nil {
		return nil, nil, err
	}
	return reg, w, nil
}
