package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
	"github.com/kirillkom/fiscal-knowledge-engine/internal/infrastructure/resilience"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client calls an OpenAI-compatible /embeddings endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Options struct {
	BaseURL            string
	APIKey             string
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

// New fails with ErrConfiguration when no credential is available.
func New(opts Options) (*Client, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, domain.WrapError(domain.ErrConfiguration, "init embedding provider", errors.New("missing embedding provider API key"))
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		executor:   opts.ResilienceExecutor,
	}, nil
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	request := map[string]any{
		"model": model,
		"input": texts,
	}

	var response embeddingResponse
	call := func(callCtx context.Context) error {
		response = embeddingResponse{}
		return c.postJSON(callCtx, "/embeddings", request, &response, "embed")
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "embedding.embed", call, classifyProviderError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, wrapProviderError("embed", err)
	}

	if len(response.Data) != len(texts) {
		return nil, domain.WrapError(
			domain.ErrEmbeddingProvider,
			"embed",
			fmt.Errorf("vectors/texts mismatch: %d/%d", len(response.Data), len(texts)),
		)
	}
	out := make([][]float32, len(texts))
	for _, item := range response.Data {
		if item.Index < 0 || item.Index >= len(out) || len(item.Embedding) == 0 {
			return nil, domain.WrapError(domain.ErrEmbeddingProvider, "embed", fmt.Errorf("invalid embedding at index %d", item.Index))
		}
		out[item.Index] = item.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, domain.WrapError(domain.ErrEmbeddingProvider, "embed", fmt.Errorf("missing embedding for input %d", i))
		}
	}
	return out, nil
}
