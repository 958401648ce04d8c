// Package agentloop drives a coding agent through rounds of "ask the model,
// run the tools it requests, feed the results back" until the task is done.
//
// The loop streams through the unifiedllm Client, records every turn in a
// sessionstore.Store, gates each tool call through a permission.Evaluator and
// accepts live user input through a steering.Channel at turn boundaries.
//
// # Architecture
//
//   - Agent: validated configuration. Start and Resume launch a Run.
//   - Run: one execution of the state machine (awaiting model, streaming,
//     executing tools, terminated) with its event stream and mailbox.
//   - ToolRegistry: named tools with compiled JSON Schemas. Built-in, MCP,
//     skill and sub-agent tools share one contract.
//   - ContextManager: token estimates and compaction of old history.
//   - Manager: isolated sub-agents with restricted tool grants.
//   - HookRunner: shell hooks at lifecycle points and around tool calls.
//
// # Quick Start
//
//	cfg := agentloop.DefaultConfig()
//	cfg.Client = client
//	cfg.Model = "gpt-4.1"
//	cfg.Store = sessionstore.New(sessionstore.NewMemoryLog())
//	cfg.Tools = tools
//	agent, err := agentloop.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	run, err := agent.Start(ctx, "Create a hello.py file")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for ev := range run.Events() {
//	    if ev.Kind == agentloop.EventTextDelta {
//	        fmt.Print(ev.Text)
//	    }
//	}
//	fmt.Println(run.Wait().Reason)
package agentloop
