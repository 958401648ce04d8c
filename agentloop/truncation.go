package agentloop

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncationMode specifies which part of an oversized output survives.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// OutputLimit bounds the model payload of one tool.
type OutputLimit struct {
	Chars int
	Lines int
	Mode  TruncationMode
}

// DefaultOutputLimits are applied per tool name when the run configures none.
var DefaultOutputLimits = map[string]OutputLimit{
	"read_file":  {Chars: 50000, Mode: TruncateHeadTail},
	"shell":      {Chars: 30000, Lines: 256, Mode: TruncateHeadTail},
	"grep":       {Chars: 20000, Lines: 200, Mode: TruncateTail},
	"glob":       {Chars: 20000, Lines: 500, Mode: TruncateTail},
	"list_dir":   {Chars: 20000, Lines: 500, Mode: TruncateTail},
	"edit_file":  {Chars: 10000, Mode: TruncateTail},
	"write_file": {Chars: 1000, Mode: TruncateTail},
	"agent":      {Chars: 20000, Mode: TruncateHeadTail},
}

// fallbackLimit covers tools absent from both tables.
var fallbackLimit = OutputLimit{Chars: 30000, Mode: TruncateHeadTail}

// TruncateOutput bounds output to maxChars characters.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars
	if mode == TruncateTail {
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed. "+
			"The full output is available in the event stream.]\n\n", removed) +
			tail(output, maxChars)
	}
	half := maxChars / 2
	return head(output, half) +
		fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
			"If you need to see specific parts, re-run the tool with more targeted parameters.]\n\n", removed) +
		tail(output, half)
}

// head returns at most n bytes from the start of s without splitting a rune.
func head(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// tail returns at most n bytes from the end of s without splitting a rune.
func tail(s string, n int) string {
	if n >= len(s) {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

// TruncateLines keeps the first and last lines of an output.
func TruncateLines(output string, maxLines int) string {
	if maxLines <= 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}
	head := maxLines / 2
	tail := maxLines - head
	omitted := len(lines) - head - tail
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tail:], "\n")
}

// Truncator produces the bounded model payload for tool results.
type Truncator struct {
	Limits map[string]OutputLimit
}

func (t Truncator) limit(tool string) OutputLimit {
	if l, ok := t.Limits[tool]; ok {
		return l
	}
	if l, ok := DefaultOutputLimits[tool]; ok {
		return l
	}
	return fallbackLimit
}

// Apply bounds res.Content and keeps the untruncated text in Display.
// Characters are cut first so a pathological single line stays bounded.
func (t Truncator) Apply(res ToolCallResult) ToolCallResult {
	if res.Display == "" {
		res.Display = res.Content
	}
	l := t.limit(res.Name)
	res.Content = TruncateLines(TruncateOutput(res.Content, l.Chars, l.Mode), l.Lines)
	return res
}
