package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/martinemde/harness/agentloop"
	"github.com/martinemde/harness/builtin"
	"github.com/martinemde/harness/permission"
	"github.com/martinemde/harness/sessionstore"
	"github.com/martinemde/harness/steering"
	"github.com/martinemde/harness/unifiedllm"
)

// openStore picks Postgres when a DSN is configured and JSONL files
// otherwise.
func (a *app) openStore(ctx context.Context) (*sessionstore.Store, func(), error) {
	sc := a.cfg.Session
	if sc.PostgresDSN != "" {
		pg, err := sessionstore.NewPostgresLog(ctx, sc.PostgresDSN, sc.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		log.Debug().Msg("using postgres session store")
		return sessionstore.New(pg), pg.Close, nil
	}
	dir := a.cfg.SessionDir()
	fl, err := sessionstore.NewFileLog(dir)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "session dir %s", dir)
	}
	log.Debug().Str("dir", dir).Msg("using file session store")
	return sessionstore.New(fl), func() {}, nil
}

// openRelay returns nil when no Redis address is configured.
func (a *app) openRelay(ctx context.Context) (*steering.RedisRelay, error) {
	sc := a.cfg.Steering
	if sc.RedisAddr == "" {
		return nil, nil
	}
	return steering.NewRedisRelay(ctx, sc.RedisAddr, sc.RedisPassword, sc.RedisDB)
}

func (a *app) newClient(ctx context.Context) (*unifiedllm.Client, error) {
	cfg := a.cfg
	opts := []unifiedllm.ClientOption{
		unifiedllm.WithMiddleware(
			unifiedllm.RetryMiddleware(cfg.RetryPolicy()),
			unifiedllm.RateLimitMiddleware(unifiedllm.NewLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)),
		),
	}
	if cfg.Provider != "" {
		opts = append(opts, unifiedllm.WithDefaultProvider(cfg.Provider))
	}
	client, err := unifiedllm.NewClientFromEnv(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if len(cfg.Fallback) > 0 {
		if err := client.Fallback(append([]string{cfg.Provider}, cfg.Fallback...)...); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return client, nil
}

// newAgent assembles tools, skills, hooks, permissions and sub-agents for
// the working directory.
func (a *app) newAgent(ctx context.Context, client *unifiedllm.Client, store *sessionstore.Store, approver permission.Approver) (*agentloop.Agent, error) {
	cfg := a.cfg
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	tools, _, err := builtin.NewRegistry(cwd)
	if err != nil {
		return nil, errors.Wrap(err, "builtin tools")
	}
	skills, err := agentloop.LoadSkills(cfg.SkillsDir)
	if err != nil {
		return nil, err
	}
	if len(skills) > 0 {
		if err := tools.RegisterProvider(ctx, agentloop.NewSkillProvider(skills)); err != nil {
			return nil, err
		}
	}

	hooks, err := agentloop.NewHookRunner(cfg.Hooks)
	if err != nil {
		return nil, err
	}
	mode, rules, err := cfg.Permissions()
	if err != nil {
		return nil, err
	}
	defs, err := cfg.AgentDefs()
	if err != nil {
		return nil, err
	}

	ac := agentloop.DefaultConfig()
	cfg.Apply(&ac)
	ac.Client = client
	ac.Store = store
	ac.Tools = tools
	ac.CWD = cwd
	ac.Mode = mode
	ac.Rules = rules
	ac.Skills = skills
	ac.Agents = defs

	opts := []agentloop.Option{agentloop.WithHooks(hooks)}
	if approver != nil {
		opts = append(opts, agentloop.WithApprover(approver))
	}
	if cfg.Context.Summarize {
		opts = append(opts, agentloop.WithSummarizer(&agentloop.ModelSummarizer{Client: client, Provider: cfg.Provider, Model: cfg.Model}))
	}
	log.Debug().Str("model", cfg.Model).Str("mode", string(mode)).Int("tools", tools.Count()).Int("skills", len(skills)).Int("hooks", hooks.Len()).Msg("agent configured")
	return agentloop.New(ac, opts...)
}
