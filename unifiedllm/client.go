package unifiedllm

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// StreamHandler opens a stream for a request.
type StreamHandler func(ctx context.Context, req Request) (<-chan StreamEvent, error)

// StreamMiddleware wraps a streaming provider call.
type StreamMiddleware func(ctx context.Context, req Request, next StreamHandler) (<-chan StreamEvent, error)

// Client holds registered provider adapters, routes requests by provider
// identifier and applies middleware.
type Client struct {
	providers       map[string]ProviderAdapter
	replaced        []ProviderAdapter
	defaultProvider string
	middleware      []StreamMiddleware
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
	}
}

// WithDefaultProvider sets the default provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware adds stream middleware to the client. The first registered
// middleware runs outermost.
func WithMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]ProviderAdapter),
	}
	for _, opt := range opts {
		opt(c)
	}
	// If no default and exactly one provider, use it.
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds a provider adapter to the client.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// Fallback replaces the adapter registered under names[0] with one that
// falls back through the adapters registered under names, in order.
func (c *Client) Fallback(names ...string) error {
	if len(names) < 2 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	adapters := make([]ProviderAdapter, 0, len(names))
	for _, name := range names {
		adapter, ok := c.providers[name]
		if !ok {
			return NewConfigurationError("fallback provider %q is not registered", name)
		}
		adapters = append(adapters, adapter)
	}
	c.replaced = append(c.replaced, adapters[0])
	c.providers[names[0]] = NewFallbackAdapter(adapters...)
	return nil
}

// Providers returns the registered provider names.
func (c *Client) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	return names
}

// resolveProvider determines which provider adapter to use for a request.
func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			if _, ok := c.providers[info.Provider]; ok {
				name = info.Provider
			}
		}
	}
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, NewConfigurationError("no provider specified and no default provider configured")
	}

	adapter, ok := c.providers[name]
	if !ok {
		return nil, NewConfigurationError("provider %q is not registered", name)
	}
	return adapter, nil
}

// Stream sends a streaming request through middleware to the resolved provider.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	handler := StreamHandler(adapter.Stream)

	c.mu.RLock()
	mws := c.middleware
	c.mu.RUnlock()
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		next := handler
		handler = func(ctx context.Context, r Request) (<-chan StreamEvent, error) {
			return mw(ctx, r, next)
		}
	}

	log.Debug().Str("provider", req.Provider).Str("model", req.Model).Int("messages", len(req.Messages)).Msg("unifiedllm: opening stream")
	return handler(ctx, req)
}

// Complete streams a request and folds the events into a Response.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	events, err := c.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return Collect(ctx, events)
}

// Close releases resources held by all registered providers.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	all := append([]ProviderAdapter{}, c.replaced...)
	for _, adapter := range c.providers {
		all = append(all, adapter)
	}
	for _, adapter := range all {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// NewClientFromEnv creates a Client by scanning environment variables for API
// keys. OpenAI uses the native adapter, Gemini the genai adapter and
// Anthropic goes through gollm.
func NewClientFromEnv(ctx context.Context, opts ...ClientOption) (*Client, error) {
	c := NewClient(opts...)

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.RegisterProvider("openai", NewOpenAIAdapter(key, WithOpenAIBaseURL(os.Getenv("OPENAI_BASE_URL"))))
	}
	if key := firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY"); key != "" {
		adapter, err := NewGeminiAdapter(ctx, key)
		if err != nil {
			return nil, errors.Wrap(err, "gemini adapter")
		}
		c.RegisterProvider("gemini", adapter)
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		adapter, err := NewGollmAdapter("anthropic", key)
		if err != nil {
			return nil, errors.Wrap(err, "anthropic adapter")
		}
		c.RegisterProvider("anthropic", adapter)
	}
	if len(c.Providers()) == 0 {
		return nil, NewConfigurationError("no provider credentials found in environment")
	}
	return c, nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
