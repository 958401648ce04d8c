package agentloop

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateOutput(t *testing.T) {
	out := strings.Repeat("a", 10) + strings.Repeat("b", 10) + strings.Repeat("c", 10)

	assert.Equal(t, out, TruncateOutput(out, 30, TruncateHeadTail))
	assert.Equal(t, out, TruncateOutput(out, 0, TruncateHeadTail))

	ht := TruncateOutput(out, 10, TruncateHeadTail)
	assert.True(t, strings.HasPrefix(ht, "aaaaa\n\n[WARNING"))
	assert.True(t, strings.HasSuffix(ht, "]\n\nccccc"))
	assert.Contains(t, ht, "20 characters were removed from the middle")

	tail := TruncateOutput(out, 10, TruncateTail)
	assert.True(t, strings.HasSuffix(tail, "cccccccccc"))
	assert.Contains(t, tail, "First 20 characters were removed")
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "a", head("aé", 2))
	assert.Equal(t, "a", tail("éa", 2))
	assert.Equal(t, "日本", head("日本語", 8))

	out := strings.Repeat("日", 20)
	assert.True(t, utf8.ValidString(TruncateOutput(out, 11, TruncateHeadTail)))
	assert.True(t, utf8.ValidString(TruncateOutput(out, 11, TruncateTail)))
}

func TestTruncateLines(t *testing.T) {
	lines := []string{"1", "2", "3", "4", "5", "6", "7"}
	in := strings.Join(lines, "\n")
	assert.Equal(t, in, TruncateLines(in, 7))
	assert.Equal(t, "1\n2\n[... 3 lines omitted ...]\n6\n7", TruncateLines(in, 4))
}

func TestTruncatorKeepsDisplay(t *testing.T) {
	tr := Truncator{Limits: map[string]OutputLimit{"noisy": {Chars: 5, Mode: TruncateTail}}}
	res := tr.Apply(ToolCallResult{Name: "noisy", Content: "0123456789"})
	assert.Equal(t, "0123456789", res.Display)
	assert.True(t, strings.HasSuffix(res.Content, "56789"))
	assert.Contains(t, res.Content, "truncated")

	res = tr.Apply(ToolCallResult{Name: "noisy", Content: "0123456789", Display: "shown"})
	assert.Equal(t, "shown", res.Display)

	short := tr.Apply(ToolCallResult{Name: "read_file", Content: "fine"})
	assert.Equal(t, "fine", short.Content)
}
