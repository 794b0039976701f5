package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/buzzni/code-memory/internal/memerr"
)

// Provider calls an OpenAI-compatible /embeddings endpoint. It serves
// both a local model server (LM Studio, Ollama) and a hosted API (OpenAI
// proper): the request/response shape is the same, only BaseURL, Model,
// and APIKey differ.
type Provider struct {
	baseURL    string
	model      string
	apiKey     string
	client     *http.Client
	limiter    *rate.Limiter
	dimensions int
}

// Config configures a Provider.
type Config struct {
	BaseURL string
	Model   string
	APIKey  string // empty for local servers that don't require auth

	// RequestsPerSecond bounds outbound embedding calls so a burst of
	// appends never saturates a local model server or a metered API.
	// Zero means unlimited.
	RequestsPerSecond float64
	Burst             int

	Timeout time.Duration
}

// NewProvider builds a Provider from cfg, applying sensible defaults for
// zero-valued fields.
func NewProvider(cfg Config) *Provider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Provider{
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: timeout},
		limiter:    limiter,
		dimensions: 1536, // updated on first successful call
	}
}

type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed calls the embeddings endpoint for a single text, blocking on the
// rate limiter (if configured) until a slot is available or ctx expires.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit wait: %v", memerr.ErrCancelled, err)
		}
	}

	reqBody, err := json.Marshal(embeddingRequest{Input: text, Model: p.model})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal embed request: %v", memerr.ErrEmbedderInputInvalid, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, wrapTransportErr(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, wrapTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: embed API status %s: %s", memerr.ErrEmbedderUnavailable, resp.Status, string(body))
	}

	var embResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, wrapTransportErr(err)
	}
	if len(embResp.Data) == 0 {
		return nil, fmt.Errorf("%w: embed API returned no vectors", memerr.ErrEmbedderUnavailable)
	}

	embedding := embResp.Data[0].Embedding
	p.dimensions = len(embedding)
	return embedding, nil
}

// EmbedBatch embeds each text in sequence. The upstream APIs this
// provider targets accept only a single input per request in their
// local-server form, so batching is expressed as repeated calls rather
// than a single multi-input request; the rate limiter still applies per
// call.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := p.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d of %d: %w", i, len(texts), err)
		}
		results[i] = emb
	}
	return results, nil
}

// Dimensions returns the embedding width observed from the last
// successful call, or the provider's default guess before the first call.
func (p *Provider) Dimensions() int { return p.dimensions }
