package agentloop

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/harness/sessionstore"
	"github.com/martinemde/harness/unifiedllm"
)

func bigRounds(n, size int) []unifiedllm.Message {
	msgs := []unifiedllm.Message{unifiedllm.UserMessage("start")}
	for i := 0; i < n; i++ {
		id := "c" + string(rune('a'+i))
		msgs = append(msgs,
			unifiedllm.AssistantMessage("", tc(id, "read_file", `{"path":"f`+string(rune('a'+i))+`.go"}`)),
			unifiedllm.ToolResultsMessage(unifiedllm.ToolResultData{ToolCallID: id, Name: "read_file", Content: strings.Repeat("x", size)}),
		)
	}
	return msgs
}

type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, []unifiedllm.Message) (string, error) {
	return "", errors.New("model down")
}

type fixedSummarizer string

func (s fixedSummarizer) Summarize(context.Context, []unifiedllm.Message) (string, error) {
	return string(s), nil
}

func TestAssembleBelowTriggerIsUnchanged(t *testing.T) {
	m := &ContextManager{Limit: 10000, Counter: unifiedllm.CharCounter{}}
	history := bigRounds(2, 100)
	window, comp, err := m.Assemble(context.Background(), "sys", history)
	require.NoError(t, err)
	assert.Nil(t, comp)
	assert.Equal(t, history, window)
}

func TestAssembleCompactsOnSafeBoundary(t *testing.T) {
	m := &ContextManager{Limit: 2000, Counter: unifiedllm.CharCounter{}, Summarizer: fixedSummarizer("earlier work")}
	history := bigRounds(8, 1000)
	require.True(t, m.ShouldCompact("", history, m.Limit))

	window, comp, err := m.Assemble(context.Background(), "", history)
	require.NoError(t, err)
	require.NotNil(t, comp)
	assert.Equal(t, "earlier work", comp.Summary)
	assert.Less(t, comp.TokensAfter, comp.TokensBefore)
	assert.LessOrEqual(t, comp.TokensAfter, 2000)

	assert.Equal(t, sessionstore.SummaryMessage("earlier work"), window[0])
	assert.NotEqual(t, unifiedllm.RoleTool, window[1].Role)
	assert.Equal(t, history[comp.FirstKeptIndex:], window[1:])
	assert.GreaterOrEqual(t, len(window)-1, DefaultKeepRecent)
}

func TestAssembleFallsBackToExtractiveSummary(t *testing.T) {
	m := &ContextManager{Limit: 2000, Counter: unifiedllm.CharCounter{}, Summarizer: failingSummarizer{}}
	_, comp, err := m.Assemble(context.Background(), "", bigRounds(8, 1000))
	require.NoError(t, err)
	require.NotNil(t, comp)
	assert.Contains(t, comp.Summary, "earlier messages were compacted")
	assert.Contains(t, comp.Summary, "Tools used: read_file")
}

func TestAssembleOverflow(t *testing.T) {
	m := &ContextManager{Limit: 100, Counter: unifiedllm.CharCounter{}}
	history := []unifiedllm.Message{unifiedllm.UserMessage(strings.Repeat("y", 2000))}
	_, _, err := m.Assemble(context.Background(), "", history)
	var overflow *ContextOverflowError
	require.True(t, errors.As(err, &overflow))
	assert.Equal(t, 100, overflow.Limit)
}

func TestExtractiveSummarizer(t *testing.T) {
	msgs := []unifiedllm.Message{
		unifiedllm.UserMessage("please fix the parser"),
		unifiedllm.AssistantMessage("looking", tc("1", "read_file", `{"file_path":"parser.go"}`), tc("2", "edit_file", `{"path":"lexer.go"}`)),
	}
	s, err := ExtractiveSummarizer{}.Summarize(context.Background(), msgs)
	require.NoError(t, err)
	assert.Contains(t, s, "2 earlier messages were compacted.")
	assert.Contains(t, s, "- user: please fix the parser")
	assert.Contains(t, s, "Tools used: read_file, edit_file")
	assert.Contains(t, s, "Files referenced: lexer.go, parser.go")
}

func TestExtractiveSummarizerKeepsRunesWhole(t *testing.T) {
	long := "a" + strings.Repeat("é", 300)
	s, err := ExtractiveSummarizer{}.Summarize(context.Background(), []unifiedllm.Message{unifiedllm.UserMessage(long)})
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(s))
	assert.Contains(t, s, "- user: a"+strings.Repeat("é", 99)+"...")
}

func TestModelSummarizer(t *testing.T) {
	model := &scriptedModel{turns: []turn{say("they fixed the parser")}}
	client := unifiedllm.NewClient(unifiedllm.WithProvider("fake", model))
	s := &ModelSummarizer{Client: client, Model: "test-model"}

	out, err := s.Summarize(context.Background(), []unifiedllm.Message{unifiedllm.UserMessage("fix the parser")})
	require.NoError(t, err)
	assert.Equal(t, "they fixed the parser", out)
	reqs := model.seen()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Messages[1].TextContent(), "user: fix the parser")
}
