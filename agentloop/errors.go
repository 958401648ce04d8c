package agentloop

import "fmt"

// ToolExecutionError is a tool failure. It never stops the loop; it becomes
// an error result the model can react to.
type ToolExecutionError struct {
	Tool   string
	CallID string
	Cause  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("Tool error (%s): %v", e.Tool, e.Cause)
}

func (e *ToolExecutionError) Unwrap() error { return e.Cause }

// ContextOverflowError means compaction could not bring the conversation
// under the model's context limit. It is fatal for the run.
type ContextOverflowError struct {
	Tokens int
	Limit  int
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("context overflow: %d tokens after compaction exceeds limit %d", e.Tokens, e.Limit)
}
