// Package permission decides whether a requested tool call may run. A
// Decision comes from a fixed pipeline: explicit deny rules, explicit allow
// rules, explicit ask rules, the active Mode's default for the tool's
// category, and finally pre-call hooks, which may only tighten the result or
// rewrite arguments.
package permission

import (
	"strings"

	"github.com/pkg/errors"
)

// Mode is the default disposition applied to calls no rule matched.
type Mode string

const (
	ModeDefault     Mode = "default"
	ModeAcceptEdits Mode = "accept_edits"
	ModePlan        Mode = "plan"
	ModeBypass      Mode = "bypass"
)

// Modes lists the known modes.
var Modes = []Mode{ModeDefault, ModeAcceptEdits, ModePlan, ModeBypass}

// ParseMode parses a mode name. The empty string is ModeDefault.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeDefault:
		return ModeDefault, nil
	case ModeAcceptEdits, "acceptedits", "accept-edits":
		return ModeAcceptEdits, nil
	case ModePlan:
		return ModePlan, nil
	case ModeBypass, "bypass_permissions", "bypasspermissions":
		return ModeBypass, nil
	}
	return "", errors.Errorf("unknown permission mode %q", s)
}

// Category classifies what a tool does, for mode defaults.
type Category string

const (
	CategoryRead    Category = "read"
	CategoryEdit    Category = "edit"
	CategoryExecute Category = "execute"
	CategoryOther   Category = "other"
)

// Behavior is the outcome of evaluation.
type Behavior string

const (
	Allow Behavior = "allow"
	Deny  Behavior = "deny"
	Ask   Behavior = "ask"
)

// mcpPrefix marks tools sourced from MCP servers.
const mcpPrefix = "mcp__"

// Default returns the mode's disposition for a tool of the given category.
func (m Mode) Default(tool string, cat Category) Behavior {
	switch m {
	case ModeBypass:
		return Allow
	case ModePlan:
		if strings.HasPrefix(tool, mcpPrefix) {
			return Deny
		}
		if cat == CategoryRead {
			return Allow
		}
		return Deny
	case ModeAcceptEdits:
		if cat == CategoryRead || cat == CategoryEdit {
			return Allow
		}
		return Ask
	default:
		if cat == CategoryRead {
			return Allow
		}
		return Ask
	}
}
