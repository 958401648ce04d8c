package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/martinemde/harness/sessionstore"
	"github.com/martinemde/harness/unifiedllm"
)

// Compaction defaults.
const (
	DefaultTriggerFraction = 0.85
	DefaultTargetFraction  = 0.50
	DefaultKeepRecent      = 4
)

const (
	messageOverhead = 4
	partOverhead    = 10
	summaryExcerpt  = 200
)

// Summarizer condenses messages that are about to leave the window.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []unifiedllm.Message) (string, error)
}

// ContextManager keeps the outgoing conversation under the model's context
// limit by replacing an old prefix with a summary.
type ContextManager struct {
	Limit           int
	TriggerFraction float64
	TargetFraction  float64
	KeepRecent      int
	Counter         unifiedllm.TokenCounter
	Summarizer      Summarizer
}

// CompactionResult describes one compaction of the window.
type CompactionResult struct {
	Summary        string
	FirstKeptIndex int
	TokensBefore   int
	TokensAfter    int
}

func (m *ContextManager) counter() unifiedllm.TokenCounter {
	if m.Counter == nil {
		return unifiedllm.CharCounter{}
	}
	return m.Counter
}

func (m *ContextManager) trigger() float64 {
	if m.TriggerFraction <= 0 || m.TriggerFraction >= 1 {
		return DefaultTriggerFraction
	}
	return m.TriggerFraction
}

func (m *ContextManager) target() float64 {
	if m.TargetFraction <= 0 || m.TargetFraction >= m.trigger() {
		return DefaultTargetFraction
	}
	return m.TargetFraction
}

func (m *ContextManager) keepRecent() int {
	if m.KeepRecent <= 0 {
		return DefaultKeepRecent
	}
	return m.KeepRecent
}

// EstimateMessage estimates the tokens one message costs.
func (m *ContextManager) EstimateMessage(msg unifiedllm.Message) int {
	c := m.counter()
	total := messageOverhead
	for _, p := range msg.Content {
		switch p.Kind {
		case unifiedllm.ContentText:
			total += c.Count(p.Text)
		case unifiedllm.ContentToolCall:
			if p.ToolCall != nil {
				total += c.Count(p.ToolCall.Name) + c.Count(p.ToolCall.ArgumentsText()) + partOverhead
			}
		case unifiedllm.ContentToolResult:
			if p.ToolResult != nil {
				total += c.Count(p.ToolResult.Content) + partOverhead
			}
		case unifiedllm.ContentThinking:
			if p.Thinking != nil {
				total += c.Count(p.Thinking.Text)
			}
		}
	}
	return total
}

// Estimate estimates the tokens of a system prompt plus messages.
func (m *ContextManager) Estimate(system string, msgs []unifiedllm.Message) int {
	total := 0
	if system != "" {
		total = m.counter().Count(system) + partOverhead
	}
	for _, msg := range msgs {
		total += m.EstimateMessage(msg)
	}
	return total
}

// ShouldCompact reports whether history crosses the high-water mark of limit.
func (m *ContextManager) ShouldCompact(system string, history []unifiedllm.Message, limit int) bool {
	if limit <= 0 || len(history) <= m.keepRecent() {
		return false
	}
	return m.Estimate(system, history) > int(float64(limit)*m.trigger())
}

// Assemble returns the window to send. When history is over the high-water
// mark, the oldest messages are summarized; the most recent KeepRecent
// messages are always kept verbatim and a tool call is never separated from
// its results. A window that still exceeds the limit is a
// ContextOverflowError.
func (m *ContextManager) Assemble(ctx context.Context, system string, history []unifiedllm.Message) ([]unifiedllm.Message, *CompactionResult, error) {
	before := m.Estimate(system, history)
	if m.Limit <= 0 {
		return history, nil, nil
	}
	if !m.ShouldCompact(system, history, m.Limit) {
		if before > m.Limit {
			return nil, nil, &ContextOverflowError{Tokens: before, Limit: m.Limit}
		}
		return history, nil, nil
	}

	k := m.boundary(system, history)
	if k <= 0 {
		if before > m.Limit {
			return nil, nil, &ContextOverflowError{Tokens: before, Limit: m.Limit}
		}
		log.Warn().Int("tokens", before).Int("limit", m.Limit).Msg("agentloop: no safe compaction boundary")
		return history, nil, nil
	}

	summary := m.summarize(ctx, history[:k])
	kept := m.Estimate(system, history[k:])
	target := int(float64(m.Limit) * m.target())
	if budget := (target - kept) * 3; budget > summaryExcerpt && len(summary) > budget {
		summary = head(summary, budget) + "\n[summary truncated]"
	}

	window := make([]unifiedllm.Message, 0, len(history)-k+1)
	window = append(window, sessionstore.SummaryMessage(summary))
	window = append(window, history[k:]...)
	after := m.Estimate(system, window)
	if after > m.Limit {
		return nil, nil, &ContextOverflowError{Tokens: after, Limit: m.Limit}
	}
	log.Debug().Int("before", before).Int("after", after).Int("summarized", k).Msg("agentloop: compacted context")
	return window, &CompactionResult{Summary: summary, FirstKeptIndex: k, TokensBefore: before, TokensAfter: after}, nil
}

// boundary picks the first kept index: the smallest safe split whose kept
// suffix fits the target, else the latest safe split that still keeps
// KeepRecent messages. Zero means no safe split exists.
func (m *ContextManager) boundary(system string, history []unifiedllm.Message) int {
	maxK := len(history) - m.keepRecent()
	target := int(float64(m.Limit) * m.target())
	latest := 0
	for k := 1; k <= maxK; k++ {
		if history[k].Role == unifiedllm.RoleTool {
			continue
		}
		latest = k
		if m.Estimate(system, history[k:]) <= target {
			return k
		}
	}
	return latest
}

func (m *ContextManager) summarize(ctx context.Context, msgs []unifiedllm.Message) string {
	if m.Summarizer == nil {
		s, _ := ExtractiveSummarizer{}.Summarize(ctx, msgs)
		return s
	}
	s, err := m.Summarizer.Summarize(ctx, msgs)
	if err != nil || strings.TrimSpace(s) == "" {
		log.Warn().Err(err).Msg("agentloop: summarizer failed, using extractive summary")
		s, _ = ExtractiveSummarizer{}.Summarize(ctx, msgs)
	}
	return s
}

// ExtractiveSummarizer summarizes without a model call: an excerpt of each
// earlier turn, the tools used and the files referenced.
type ExtractiveSummarizer struct{}

func (ExtractiveSummarizer) Summarize(_ context.Context, msgs []unifiedllm.Message) (string, error) {
	var turns []string
	var tools []string
	seenTool := map[string]bool{}
	files := map[string]bool{}

	for _, msg := range msgs {
		if text := strings.TrimSpace(msg.TextContent()); text != "" && msg.Role != unifiedllm.RoleSystem {
			if len(text) > summaryExcerpt {
				text = head(text, summaryExcerpt) + "..."
			}
			turns = append(turns, fmt.Sprintf("- %s: %s", msg.Role, strings.ReplaceAll(text, "\n", " ")))
		}
		for _, tc := range msg.ToolCalls() {
			if !seenTool[tc.Name] {
				seenTool[tc.Name] = true
				tools = append(tools, tc.Name)
			}
			for _, f := range referencedFiles(tc) {
				files[f] = true
			}
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d earlier messages were compacted.\n", len(msgs))
	if len(turns) > 0 {
		sb.WriteString("Earlier turns:\n")
		sb.WriteString(strings.Join(turns, "\n"))
		sb.WriteString("\n")
	}
	if len(tools) > 0 {
		fmt.Fprintf(&sb, "Tools used: %s\n", strings.Join(tools, ", "))
	}
	if len(files) > 0 {
		names := make([]string, 0, len(files))
		for f := range files {
			names = append(names, f)
		}
		sort.Strings(names)
		fmt.Fprintf(&sb, "Files referenced: %s\n", strings.Join(names, ", "))
	}
	return strings.TrimSpace(sb.String()), nil
}

func referencedFiles(tc unifiedllm.ToolCall) []string {
	var args map[string]interface{}
	if err := json.Unmarshal(tc.Arguments, &args); err != nil {
		return nil
	}
	var out []string
	for _, key := range []string{"path", "file_path"} {
		if s, ok := args[key].(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ModelSummarizer asks a model for the summary and falls back to the
// extractive summary when the call fails.
type ModelSummarizer struct {
	Client   *unifiedllm.Client
	Provider string
	Model    string
}

const summarizePrompt = "Summarize the conversation below for a coding agent that will continue the task. " +
	"Keep decisions, open problems, file paths and tool outcomes. Be concise."

func (s *ModelSummarizer) Summarize(ctx context.Context, msgs []unifiedllm.Message) (string, error) {
	var transcript strings.Builder
	for _, msg := range msgs {
		if t := msg.TextContent(); t != "" {
			fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, t)
		}
		for _, tc := range msg.ToolCalls() {
			fmt.Fprintf(&transcript, "%s called %s %s\n", msg.Role, tc.Name, tc.ArgumentsText())
		}
		for _, r := range msg.ToolResults() {
			content := r.Content
			if len(content) > 2000 {
				content = content[:2000] + "..."
			}
			fmt.Fprintf(&transcript, "result of %s: %s\n", r.Name, content)
		}
	}
	resp, err := s.Client.Complete(ctx, unifiedllm.Request{
		Model:    s.Model,
		Provider: s.Provider,
		Messages: []unifiedllm.Message{
			unifiedllm.SystemMessage(summarizePrompt),
			unifiedllm.UserMessage(transcript.String()),
		},
	})
	if err != nil {
		return ExtractiveSummarizer{}.Summarize(ctx, msgs)
	}
	return resp.Text(), nil
}
