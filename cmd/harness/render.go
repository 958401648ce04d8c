package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/martinemde/harness/agentloop"
	"github.com/martinemde/harness/permission"
)

// printer renders run events: assistant text to out, activity to status.
type printer struct {
	out     io.Writer
	status  io.Writer
	json    bool
	midLine bool
}

func (p *printer) consume(events <-chan agentloop.Event) {
	enc := json.NewEncoder(p.out)
	for ev := range events {
		if p.json {
			_ = enc.Encode(ev)
			continue
		}
		p.render(ev)
	}
	if p.midLine {
		fmt.Fprintln(p.out)
	}
}

func (p *printer) line(format string, args ...interface{}) {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
	fmt.Fprintf(p.status, format+"\n", args...)
}

func (p *printer) render(ev agentloop.Event) {
	switch ev.Kind {
	case agentloop.EventTextDelta:
		fmt.Fprint(p.out, ev.Text)
		p.midLine = !strings.HasSuffix(ev.Text, "\n")
	case agentloop.EventToolCall:
		p.line("→ %s %s", ev.ToolCall.Name, abbreviate(ev.ToolCall.ArgumentsText(), 120))
	case agentloop.EventPermission:
		if d := ev.Decision; d != nil && d.Behavior == permission.Deny {
			p.line("  denied (%s): %s", d.Stage, d.Reason)
		}
	case agentloop.EventToolResult:
		if ev.Result != nil && ev.Result.IsError {
			p.line("  error: %s", abbreviate(firstLine(ev.Result.Content), 160))
		}
	case agentloop.EventSteeringInjected:
		p.line("[steering] %s", abbreviate(ev.Text, 120))
	case agentloop.EventCompaction:
		if c := ev.Compaction; c != nil {
			p.line("[compacted context: %d → %d tokens]", c.TokensBefore, c.TokensAfter)
		}
	case agentloop.EventLoopDetected, agentloop.EventWarning:
		p.line("[warning] %s", ev.Text)
	case agentloop.EventFinal:
		if r := ev.Final; r != nil {
			p.line("[%s] session=%s turns=%d tokens=%d cost=$%.4f", r.Reason, r.SessionID, r.Turns, r.Usage.TotalTokens, r.Cost)
			if r.Error != "" {
				p.line("error: %s", r.Error)
			}
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
