// Command harness runs the coding agent from a terminal.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/martinemde/harness/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("harness failed")
		os.Exit(1)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	v          *viper.Viper
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}
	root := &cobra.Command{
		Use:           "harness",
		Short:         "harness drives a coding agent with tools, permissions and resumable sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return initLogger(cfg.Log)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default ./harness.yaml or $XDG_CONFIG_HOME/harness/harness.yaml)")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "text", "log format (text or json)")
	pf.String("log-file", "", "also write logs to this rotating file")
	pf.String("model", "", "model id")
	pf.String("provider", "", "provider name (openai, gemini, anthropic)")
	pf.String("mode", "", "permission mode (default, accept_edits, plan, bypass)")
	pf.Int("max-turns", 0, "maximum model turns per run")

	for key, flag := range map[string]string{
		"log.level":       "log-level",
		"log.format":      "log-format",
		"log.file":        "log-file",
		"model":           "model",
		"provider":        "provider",
		"permission.mode": "mode",
		"max_turns":       "max-turns",
	} {
		cobra.CheckErr(a.v.BindPFlag(key, pf.Lookup(flag)))
	}

	root.AddCommand(
		a.runCmd(),
		a.resumeCmd(),
		a.branchCmd(),
		a.sessionsCmd(),
		a.showCmd(),
		a.steerCmd(),
		a.agentsCmd(),
		a.modelsCmd(),
	)
	return root
}
