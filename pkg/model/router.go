package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// Client is the router surface consumed by the execution engine and
// the RAG assembler.
type Client interface {
	// Chat performs a unary chat call against a named deployment.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatStream performs a streaming chat call. The returned channel
	// is closed after the terminal delta.
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan Delta, error)

	// Embed embeds texts with the named embedding deployment.
	Embed(ctx context.Context, model string, texts []string) (*EmbedResponse, error)

	// Rerank orders docs by relevance to query, most relevant first.
	Rerank(ctx context.Context, model string, query string, docs []string) ([]RankedDoc, error)
}

// Provider is one upstream model API. Providers are stateless beyond
// their HTTP client and are safe for concurrent use.
type Provider interface {
	Name() string
	Chat(ctx context.Context, model string, req *ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, model string, req *ChatRequest) (<-chan Delta, error)
	Embed(ctx context.Context, model string, texts []string) (*EmbedResponse, error)
	Close() error
}

// DeploymentConfig binds a routed model name to a provider. Several
// deployments may share a Name; the router fails over between them and
// cools down the ones that report overload.
type DeploymentConfig struct {
	// Name is the model name referenced by generation configs.
	Name string `yaml:"name" json:"name"`

	// Provider selects the upstream API: openai, anthropic, gemini, ollama.
	Provider string `yaml:"provider" json:"provider"`

	// Model is the provider-side model id. Defaults to Name.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// APIKey authenticates against the provider. Supports ${ENV}
	// expansion when loaded through pkg/config.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// BaseURL overrides the provider endpoint (OpenAI-compatible
	// gateways, self-hosted ollama).
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// Timeout is the per-call timeout in seconds.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// MaxRetries bounds HTTP-level retries inside the provider client.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

type deployment struct {
	cfg      DeploymentConfig
	provider Provider

	// cooldownUntil is unix nanos; the deployment is skipped until then.
	cooldownUntil atomic.Int64
	failures      atomic.Int32
}

func (d *deployment) coolingDown() bool {
	return time.Now().UnixNano() < d.cooldownUntil.Load()
}

func (d *deployment) coolDown(base, max time.Duration) time.Duration {
	n := d.failures.Add(1)
	period := base << (n - 1)
	if period > max || period <= 0 {
		period = max
	}
	d.cooldownUntil.Store(time.Now().Add(period).UnixNano())
	return period
}

func (d *deployment) markHealthy() {
	d.failures.Store(0)
	d.cooldownUntil.Store(0)
}

// Router routes chat, embedding, and rerank calls to deployments by
// model name, with failover and overload cooldown.
type Router struct {
	byName   map[string][]*deployment
	cooldown time.Duration
	maxCool  time.Duration
	logger   *slog.Logger
}

var _ Client = (*Router)(nil)

// Option configures a Router.
type Option func(*Router)

// WithCooldown sets the base and maximum cooldown applied to
// deployments that report overload.
func WithCooldown(base, max time.Duration) Option {
	return func(r *Router) {
		r.cooldown = base
		r.maxCool = max
	}
}

// WithLogger overrides the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		r.logger = l
	}
}

// NewRouter builds providers for every deployment and indexes them by
// name. Construction fails on the first invalid deployment.
func NewRouter(configs []DeploymentConfig, opts ...Option) (*Router, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("at least one model deployment is required")
	}
	r := &Router{
		byName:   make(map[string][]*deployment),
		cooldown: 15 * time.Second,
		maxCool:  5 * time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for i, cfg := range configs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("deployment %d: name is required", i)
		}
		if cfg.Model == "" {
			cfg.Model = cfg.Name
		}
		provider, err := newProvider(cfg)
		if err != nil {
			return nil, fmt.Errorf("deployment %q: %w", cfg.Name, err)
		}
		r.byName[cfg.Name] = append(r.byName[cfg.Name], &deployment{cfg: cfg, provider: provider})
	}
	return r, nil
}

func newProvider(cfg DeploymentConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai", "openai_compatible", "":
		return NewOpenAIProvider(cfg)
	case "anthropic":
		return NewAnthropicProvider(cfg)
	case "gemini":
		return NewGeminiProvider(cfg)
	case "ollama":
		return NewOllamaProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s (supported: openai, anthropic, gemini, ollama)", cfg.Provider)
	}
}

// Close releases every provider.
func (r *Router) Close() error {
	var firstErr error
	for _, ds := range r.byName {
		for _, d := range ds {
			if err := d.provider.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// candidates returns the deployments for name ordered by preference:
// healthy ones first in config order, then cooling ones by soonest
// recovery.
func (r *Router) candidates(name string) ([]*deployment, error) {
	ds := r.byName[name]
	if len(ds) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, name)
	}
	out := make([]*deployment, len(ds))
	copy(out, ds)
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := out[i].coolingDown(), out[j].coolingDown()
		if ci != cj {
			return !ci
		}
		if ci && cj {
			return out[i].cooldownUntil.Load() < out[j].cooldownUntil.Load()
		}
		return false
	})
	return out, nil
}

func (r *Router) handleFailure(d *deployment, err error) {
	if !IsOverloaded(err) {
		return
	}
	period := d.coolDown(r.cooldown, r.maxCool)
	r.logger.Warn("deployment cooling down",
		"model", d.cfg.Name,
		"provider", d.cfg.Provider,
		"period", period,
		"error", err)
}

// Chat routes a unary chat call, failing over across deployments of
// the same name on retryable errors.
func (r *Router) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	ds, err := r.candidates(req.Model)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, d := range ds {
		resp, err := d.provider.Chat(ctx, d.cfg.Model, req)
		if err == nil {
			d.markHealthy()
			return resp, nil
		}
		lastErr = err
		r.handleFailure(d, err)
		if ctx.Err() != nil || !IsOverloaded(err) {
			break
		}
	}
	return nil, lastErr
}

// ChatStream routes a streaming chat call. Failover applies only to
// failures that occur before the stream is established.
func (r *Router) ChatStream(ctx context.Context, req *ChatRequest) (<-chan Delta, error) {
	ds, err := r.candidates(req.Model)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, d := range ds {
		ch, err := d.provider.ChatStream(ctx, d.cfg.Model, req)
		if err == nil {
			d.markHealthy()
			return ch, nil
		}
		lastErr = err
		r.handleFailure(d, err)
		if ctx.Err() != nil || !IsOverloaded(err) {
			break
		}
	}
	return nil, lastErr
}

// Embed routes an embedding call.
func (r *Router) Embed(ctx context.Context, model string, texts []string) (*EmbedResponse, error) {
	ds, err := r.candidates(model)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, d := range ds {
		resp, err := d.provider.Embed(ctx, d.cfg.Model, texts)
		if err == nil {
			d.markHealthy()
			return resp, nil
		}
		lastErr = err
		r.handleFailure(d, err)
		if ctx.Err() != nil || !IsOverloaded(err) {
			break
		}
	}
	return nil, lastErr
}

// Rerank orders docs by relevance to query using the named deployment
// as a judging model. Providers have no native rerank endpoint, so the
// ranking is produced by a constrained chat call; parse failures
// surface as errors and callers fall back to their existing order.
func (r *Router) Rerank(ctx context.Context, model string, query string, docs []string) ([]RankedDoc, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	resp, err := r.Chat(ctx, &ChatRequest{
		Model: model,
		Messages: []Message{
			SystemMessage("You rank documents by relevance. Respond with only a JSON array."),
			UserMessage(buildRerankPrompt(query, docs)),
		},
	})
	if err != nil {
		return nil, err
	}
	ranked, err := parseRankings(resp.Content, docs)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}
	return ranked, nil
}

func buildRerankPrompt(query string, docs []string) string {
	var b strings.Builder
	b.WriteString("Rank the documents below by relevance to the query.\n\nQuery: ")
	b.WriteString(query)
	b.WriteString("\n\nDocuments:\n")
	for i, doc := range docs {
		if len(doc) > 500 {
			doc = doc[:500] + "..."
		}
		fmt.Fprintf(&b, "[%d] %s\n", i, doc)
	}
	b.WriteString("\nRespond with a JSON array ordered from most to least relevant, ")
	b.WriteString(`e.g. [{"index": 2, "relevance": 9.1}, {"index": 0, "relevance": 4.0}]. `)
	b.WriteString("Use every index at most once. Relevance is 0-10.")
	return b.String()
}

type ranking struct {
	Index     int     `json:"index"`
	Relevance float64 `json:"relevance"`
}

// parseRankings extracts the JSON array from a model response and
// normalizes it: out-of-range and duplicate indices are dropped,
// missing indices are appended in input order with zero relevance.
func parseRankings(content string, docs []string) ([]RankedDoc, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}
	var rankings []ranking
	if err := json.Unmarshal([]byte(content[start:end+1]), &rankings); err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(docs))
	out := make([]RankedDoc, 0, len(docs))
	for _, rk := range rankings {
		if rk.Index < 0 || rk.Index >= len(docs) || seen[rk.Index] {
			continue
		}
		seen[rk.Index] = true
		out = append(out, RankedDoc{Index: rk.Index, Document: docs[rk.Index], Score: rk.Relevance / 10})
	}
	for i := range docs {
		if !seen[i] {
			out = append(out, RankedDoc{Index: i, Document: docs[i]})
		}
	}
	return out, nil
}
