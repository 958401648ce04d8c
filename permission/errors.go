package permission

import (
	"context"
	"fmt"
)

// DeniedError reports a call that was not permitted to run.
type DeniedError struct {
	Tool     string
	Decision Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("Permission denied for %s: %s", e.Tool, e.Decision.Reason)
}

// Approver resolves ask decisions, typically by prompting a human.
type Approver interface {
	Approve(ctx context.Context, req Request, d Decision) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req Request, d Decision) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, req Request, d Decision) (bool, error) {
	return f(ctx, req, d)
}

// NoApproverReason is the denial reason when an ask decision has nobody to
// answer it.
const NoApproverReason = "approval required but no approver configured"

// Resolve turns an ask decision into allow or deny using approver. Allow and
// deny decisions pass through. The approver sees the arguments that will
// actually run.
func Resolve(ctx context.Context, approver Approver, req Request, d Decision) (Decision, error) {
	if d.Behavior != Ask {
		return d, nil
	}
	if approver == nil {
		d.Behavior = Deny
		d.Reason = NoApproverReason
		d.RewrittenArgs = nil
		return d, nil
	}
	if len(d.RewrittenArgs) > 0 {
		req.Args = d.RewrittenArgs
	}
	ok, err := approver.Approve(ctx, req, d)
	if err != nil {
		return Decision{Behavior: Deny, Stage: d.Stage, Rule: d.Rule, Reason: "approval failed: " + err.Error()}, err
	}
	if !ok {
		return Decision{Behavior: Deny, Stage: d.Stage, Rule: d.Rule, Reason: "denied by user"}, nil
	}
	d.Behavior = Allow
	d.Reason = "approved by user"
	return d, nil
}
