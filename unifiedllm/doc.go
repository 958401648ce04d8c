// Package unifiedllm provides a provider-agnostic language model client. Every
// backend is normalized into one message model and one streaming event
// vocabulary so the agent loop never branches on provider details.
//
// # Providers
//
// Three adapters implement ProviderAdapter:
//
//   - OpenAIAdapter streams chat completions with go-openai. A base URL
//     points it at any compatible server such as Ollama or vLLM.
//   - GeminiAdapter streams from the Gemini API with the genai SDK and
//     converts tool schemas into Gemini's schema dialect.
//   - GollmAdapter wraps gollm for everything else (Anthropic by default).
//     When tools are present it generates without streaming and parses the
//     tool calls embedded in the reply.
//
// All adapters emit the same event vocabulary: text_delta, reasoning_delta,
// tool_call, usage, then exactly one finish or error.
//
// # Middleware
//
// Client.Stream runs requests through StreamMiddleware. RetryMiddleware
// retries transient failures with exponential backoff, but only until the
// first event reaches the caller. RateLimitMiddleware waits on a token
// bucket before each attempt.
//
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("openai", unifiedllm.NewOpenAIAdapter(key)),
//	    unifiedllm.WithMiddleware(
//	        unifiedllm.RetryMiddleware(unifiedllm.DefaultRetryPolicy()),
//	        unifiedllm.RateLimitMiddleware(unifiedllm.NewLimiter(2, 1)),
//	    ),
//	)
//	resp, err := client.Complete(ctx, unifiedllm.Request{
//	    Model:    "gpt-4o-mini",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
package unifiedllm
