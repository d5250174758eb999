// Package embedding turns board text into vectors for semantic search.
//
// New returns a client for any OpenAI-compatible /v1/embeddings server
// (vLLM, Ollama, OpenAI). Without an endpoint it falls back to a zero-vector
// embedder; NewHashing gives a deterministic offline embedder instead.
//
//	emb := embedding.New(embedding.Config{Endpoint: "http://localhost:8003", Model: "e5-small"})
//	emb = embedding.WithBreaker(emb, embedding.NewCircuitBreaker())
//	vec, err := emb.Embed(ctx, "sprint planning")
package embedding

import (
	"context"
	"log/slog"
	"time"
)

// Embedder converts text to vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds several texts, preserving input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is 0 until the first response when auto-detecting.
	Dimension() int

	Model() string
}

// Config configures the HTTP client.
type Config struct {
	// Endpoint is the server base URL. Empty selects the zero-vector embedder.
	Endpoint string `yaml:"endpoint"`

	Model string `yaml:"model"`

	// Dimension is the expected vector size. 0 auto-detects.
	Dimension int `yaml:"dimension"`

	// BatchSize caps texts per request. Default: 32.
	BatchSize int `yaml:"batch_size"`

	// Timeout per request. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`

	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"-"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New builds an Embedder from cfg.
func New(cfg Config) Embedder {
	cfg.defaults()
	if cfg.Endpoint == "" {
		dim := cfg.Dimension
		if dim <= 0 {
			dim = 384
		}
		return &noopEmbedder{dim: dim, model: cfg.Model}
	}
	return newHTTPClient(cfg)
}

// noopEmbedder returns zero vectors. Every cosine score against a zero
// vector is 0, so search degrades to "no match" rather than failing.
type noopEmbedder struct {
	dim   int
	model string
}

func (n *noopEmbedder) Embed(context.Context, string) ([]float32, error) {
	return make([]float32, n.dim), nil
}

func (n *noopEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, n.dim)
	}
	return out, nil
}

func (n *noopEmbedder) Dimension() int { return n.dim }
func (n *noopEmbedder) Model() string  { return n.model }
