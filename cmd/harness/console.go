package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	input "github.com/tcnksm/go-input"

	"github.com/martinemde/harness/agentloop"
	"github.com/martinemde/harness/permission"
)

// console owns stdin while a run is active. Each line is steering for the
// run unless an approval prompt is waiting, in which case the line answers
// it.
type console struct {
	in          io.Reader
	out         io.Writer
	interactive bool

	mu      sync.Mutex
	run     *agentloop.Run
	answers *io.PipeWriter

	askMu sync.Mutex
}

func newConsole(in *os.File, out io.Writer) *console {
	fd := in.Fd()
	return &console{
		in:          in,
		out:         out,
		interactive: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
	}
}

// approver is nil on a non-interactive stdin so ask decisions are denied.
func (c *console) approver() permission.Approver {
	if !c.interactive {
		return nil
	}
	return c
}

func (c *console) attach(run *agentloop.Run) {
	c.mu.Lock()
	c.run = run
	c.mu.Unlock()
	go c.readLines()
}

func (c *console) readLines() {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.mu.Lock()
		answers, run := c.answers, c.run
		c.mu.Unlock()

		if answers != nil {
			if _, err := io.WriteString(answers, line+"\n"); err == nil {
				continue
			}
		}
		if run == nil {
			continue
		}
		if err := run.Steer(line); err != nil {
			log.Warn().Err(err).Msg("steering not delivered")
			continue
		}
		fmt.Fprintln(c.out, "[steering queued]")
	}
}

// Approve asks on the terminal whether a call may run.
func (c *console) Approve(ctx context.Context, req permission.Request, d permission.Decision) (bool, error) {
	c.askMu.Lock()
	defer c.askMu.Unlock()

	pr, pw := io.Pipe()
	c.mu.Lock()
	c.answers = pw
	c.mu.Unlock()
	stop := make(chan struct{})
	defer func() {
		close(stop)
		c.mu.Lock()
		c.answers = nil
		c.mu.Unlock()
		_ = pr.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = pr.CloseWithError(ctx.Err())
		case <-stop:
		}
	}()

	query := fmt.Sprintf("\nAllow %s %s?", req.ToolName, abbreviate(string(req.Args), 200))
	if d.Reason != "" {
		query += " (" + d.Reason + ")"
	}
	query += " [y/n]"

	ui := &input.UI{Writer: c.out, Reader: pr}
	answer, err := ui.Ask(query, &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(s string) error {
			switch strings.ToLower(s) {
			case "y", "yes", "n", "no":
				return nil
			}
			return errors.New("please enter 'y' or 'n'")
		},
	})
	if err != nil {
		return false, errors.Wrap(err, "read approval")
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func abbreviate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
