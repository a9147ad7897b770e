// Package embedding provides a rate-limited, cached client for
// OpenAI-compatible embedding APIs (OpenAI, TEI, LocalAI).
package embedding

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/finmetrics/internal/resilience"
)

// Config configures the embedding client.
type Config struct {
	// BaseURL of the API, e.g. "https://api.openai.com/v1" or
	// "http://localhost:8082" for a local TEI container.
	BaseURL string
	Model   string
	// APIKey may be empty for local services.
	APIKey  string
	Timeout time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	// BatchSize caps the texts sent per request. Default 64.
	BatchSize int
	// CacheTTL bounds how long vectors are reused. Default 24h.
	CacheTTL time.Duration
	Retry    resilience.RetryConfig
}

type embeddingsAPI interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Client embeds texts. It is safe for concurrent use.
type Client struct {
	api       embeddingsAPI
	model     string
	batchSize int
	limiter   *rate.Limiter
	cache     *cache.Cache
	breaker   *resilience.Breaker
	retry     resilience.RetryConfig
}

// NewClient builds a client from cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, eris.New("embedding: base url is required")
	}
	if cfg.Model == "" {
		return nil, eris.New("embedding: model is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "unused"
	}

	oc := openai.DefaultConfig(apiKey)
	oc.BaseURL = cfg.BaseURL
	oc.HTTPClient = &http.Client{Timeout: timeout}
	return newClient(openai.NewClientWithConfig(oc), cfg), nil
}

func newClient(api embeddingsAPI, cfg Config) *Client {
	c := &Client{
		api:       api,
		model:     cfg.Model,
		batchSize: cfg.BatchSize,
		breaker:   resilience.NewBreaker(5, 30*time.Second),
		retry:     cfg.Retry,
	}
	if c.batchSize <= 0 {
		c.batchSize = 64
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	c.cache = cache.New(ttl, 2*ttl)
	if c.retry.MaxAttempts == 0 {
		c.retry = resilience.DefaultRetryConfig()
	}
	if c.retry.ShouldRetry == nil {
		c.retry.ShouldRetry = isRetryable
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger("embedding", "create")
	}
	return c
}

// Model returns the embedding model name.
func (c *Client) Model() string { return c.model }

// Embed returns one vector per text, in order. Repeated texts and texts seen
// before are served from the cache.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	pending := make(map[string][]int)
	var misses []string
	for i, t := range texts {
		if v, ok := c.cache.Get(c.key(t)); ok {
			out[i] = v.([]float32)
			continue
		}
		if _, seen := pending[t]; !seen {
			misses = append(misses, t)
		}
		pending[t] = append(pending[t], i)
	}

	for start := 0; start < len(misses); start += c.batchSize {
		chunk := misses[start:min(start+c.batchSize, len(misses))]
		vecs, err := c.create(ctx, chunk)
		if err != nil {
			return nil, err
		}
		for j, t := range chunk {
			c.cache.SetDefault(c.key(t), vecs[j])
			for _, i := range pending[t] {
				out[i] = vecs[j]
			}
		}
	}

	if len(misses) > 0 {
		zap.L().Debug("embedding: embedded texts",
			zap.String("model", c.model),
			zap.Int("texts", len(texts)),
			zap.Int("requested", len(misses)),
		)
	}
	return out, nil
}

func (c *Client) create(ctx context.Context, texts []string) ([][]float32, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "embedding: rate limit wait")
		}
	}

	resp, err := resilience.Execute(ctx, c.breaker, func(ctx context.Context) (openai.EmbeddingResponse, error) {
		return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (openai.EmbeddingResponse, error) {
			return c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: texts,
				Model: openai.EmbeddingModel(c.model),
			})
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "embedding: create embeddings")
	}
	if len(resp.Data) != len(texts) {
		return nil, eris.Errorf("embedding: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vecs) || vecs[d.Index] != nil {
			return nil, eris.Errorf("embedding: bad vector index %d", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

func (c *Client) key(text string) string {
	return c.model + "\x00" + text
}

func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return resilience.IsTransientHTTPStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return resilience.IsTransientHTTPStatus(reqErr.HTTPStatusCode)
	}
	return resilience.IsTransient(err)
}
