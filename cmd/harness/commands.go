package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/martinemde/harness/agentloop"
	"github.com/martinemde/harness/sessionstore"
	"github.com/martinemde/harness/unifiedllm"
)

type starter func(ctx context.Context, agent *agentloop.Agent) (*agentloop.Run, error)

// execute runs one agent session in the foreground, wiring stdin steering,
// terminal approvals and the Redis relay.
func (a *app) execute(cmd *cobra.Command, jsonOut bool, start starter) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := a.newClient(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	con := newConsole(os.Stdin, os.Stderr)
	agent, err := a.newAgent(ctx, client, store, con.approver())
	if err != nil {
		return err
	}
	run, err := start(ctx, agent)
	if err != nil {
		return err
	}
	con.attach(run)

	// The run is already live, so a relay failure only costs remote steering.
	relay, err := a.openRelay(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("remote steering unavailable")
	} else if relay != nil {
		defer func() { _ = relay.Close() }()
		if err := relay.Forward(ctx, run.SessionID(), run.SteeringChannel()); err != nil {
			log.Warn().Err(err).Msg("remote steering unavailable")
		}
	}

	p := &printer{out: cmd.OutOrStdout(), status: cmd.ErrOrStderr(), json: jsonOut}
	p.consume(run.Events())
	res := run.Wait()
	if res.Reason != agentloop.ReasonCompleted {
		if res.Err != nil {
			return errors.Wrapf(res.Err, "run ended: %s", res.Reason)
		}
		return errors.Errorf("run ended: %s", res.Reason)
	}
	return nil
}

func (a *app) runCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Start a new session with a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			return a.execute(cmd, jsonOut, func(ctx context.Context, agent *agentloop.Agent) (*agentloop.Run, error) {
				return agent.Start(ctx, prompt)
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print events as JSON lines")
	return cmd
}

func (a *app) resumeCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "resume <session> [prompt]",
		Short: "Continue a session, optionally with a new prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args[1:], " ")
			return a.execute(cmd, jsonOut, func(ctx context.Context, agent *agentloop.Agent) (*agentloop.Run, error) {
				return agent.Resume(ctx, args[0], prompt)
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print events as JSON lines")
	return cmd
}

func (a *app) branchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "branch <entry-id>",
		Short: "Start a new session that continues from an entry of another session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			sid, err := store.Branch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sid)
			return nil
		},
	}
}

func (a *app) sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			infos, err := store.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tUPDATED\tENTRIES\tBRANCH OF\tFIRST PROMPT")
			for _, s := range infos {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", s.ID, s.Updated.Local().Format(time.DateTime), s.Entries, s.BranchOf, abbreviate(s.FirstText, 60))
			}
			return w.Flush()
		},
	}
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session>",
		Short: "Print a session's entries from its root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			entries, err := store.Read(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%s %s %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.ID, describeEntry(e))
			}
			return nil
		},
	}
}

func describeEntry(e sessionstore.Entry) string {
	switch e.Type {
	case sessionstore.TypeSession:
		h, err := e.DecodeHeader()
		if err != nil {
			return "session (unreadable)"
		}
		desc := fmt.Sprintf("session model=%s mode=%s", h.Model, h.Mode)
		if h.Agent != "" {
			desc += " agent=" + h.Agent
		}
		if h.BranchFrom != "" {
			desc += " branch_from=" + h.BranchFrom
		}
		return desc
	case sessionstore.TypeMessage:
		m, err := e.DecodeMessage()
		if err != nil {
			return "message (unreadable)"
		}
		var parts []string
		if t := m.TextContent(); t != "" {
			parts = append(parts, abbreviate(firstLine(t), 100))
		}
		for _, tc := range m.ToolCalls() {
			parts = append(parts, fmt.Sprintf("call %s %s", tc.Name, abbreviate(tc.ArgumentsText(), 60)))
		}
		for _, r := range m.ToolResults() {
			status := "ok"
			if r.IsError {
				status = "error"
			}
			parts = append(parts, fmt.Sprintf("result %s (%s)", r.Name, status))
		}
		return fmt.Sprintf("%s: %s", m.Role, strings.Join(parts, "; "))
	case sessionstore.TypeCompaction:
		c, err := e.DecodeCompaction()
		if err != nil {
			return "compaction (unreadable)"
		}
		return fmt.Sprintf("compaction keep_from=%s tokens=%d→%d", c.FirstKeptEntryID, c.TokensBefore, c.TokensAfter)
	case sessionstore.TypeSystemEvent:
		ev, err := e.DecodeEvent()
		if err != nil {
			return "event (unreadable)"
		}
		desc := "event " + ev.Kind
		if ev.Tool != "" {
			desc += " tool=" + ev.Tool
		}
		if ev.Reason != "" {
			desc += " reason=" + abbreviate(ev.Reason, 80)
		}
		return desc
	}
	return string(e.Type)
}

func (a *app) steerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "steer <session> <text>",
		Short: "Send steering text to a run in another process (requires steering.redis_addr)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			relay, err := a.openRelay(cmd.Context())
			if err != nil {
				return err
			}
			if relay == nil {
				return unifiedllm.NewConfigurationError("steering.redis_addr is not configured")
			}
			defer func() { _ = relay.Close() }()
			return relay.Publish(cmd.Context(), args[0], strings.Join(args[1:], " "))
		},
	}
}

func (a *app) agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List sub-agent definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := a.cfg.AgentDefs()
			if err != nil {
				return err
			}
			if defs == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "sub-agents are disabled")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tREAD-ONLY\tMAX TURNS\tTOOLS\tDESCRIPTION")
			for _, d := range defs.List() {
				tools := "(inherited)"
				if len(d.Tools) > 0 {
					tools = strings.Join(d.Tools, ",")
				}
				fmt.Fprintf(w, "%s\t%v\t%d\t%s\t%s\n", d.Name, d.ReadOnly, d.MaxTurns, tools, d.Description)
			}
			return w.Flush()
		},
	}
}

func (a *app) modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List catalogued models, filtered by --provider when set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tPROVIDER\tCONTEXT\tINPUT $/M\tOUTPUT $/M")
			for _, m := range unifiedllm.ListModels(a.cfg.Provider) {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", m.ID, m.Provider, m.ContextWindow, price(m.InputCostPerMillion), price(m.OutputCostPerMillion))
			}
			return w.Flush()
		},
	}
}

func price(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *p)
}
