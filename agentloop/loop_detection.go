package agentloop

import (
	"crypto/sha256"
	"fmt"

	"github.com/martinemde/harness/unifiedllm"
)

// toolCallSignature is the tool name plus a hash of its arguments.
func toolCallSignature(tc unifiedllm.ToolCall) string {
	h := sha256.Sum256([]byte(tc.ArgumentsText()))
	return fmt.Sprintf("%s:%x", tc.Name, h[:8])
}

// recentSignatures returns up to count call signatures, oldest first.
func recentSignatures(history []unifiedllm.Message, count int) []string {
	var sigs []string
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		if history[i].Role != unifiedllm.RoleAssistant {
			continue
		}
		calls := history[i].ToolCalls()
		for j := len(calls) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, toolCallSignature(calls[j]))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last window tool calls repeat a pattern of
// length 1, 2 or 3.
func DetectLoop(history []unifiedllm.Message, window int) bool {
	if window <= 1 {
		return false
	}
	sigs := recentSignatures(history, window)
	if len(sigs) < window {
		return false
	}
	for n := 1; n <= 3; n++ {
		if window%n != 0 {
			continue
		}
		match := true
		for i := n; i < window && match; i++ {
			if sigs[i] != sigs[i%n] {
				match = false
			}
		}
		if match {
			return true
		}
	}
	return false
}

func loopWarning(window int) string {
	return fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.", window)
}
