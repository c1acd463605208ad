// Package embedclient implements the embedding client contract consumed
// by the storage engine and recall engine: Embed(texts) returning length-N
// vectors of length `dimensions`, in input order, retrying 429/5xx with
// capped exponential backoff.
package embedclient

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/vinayprograms/agenr/internal/alog"
)

// Client wraps the OpenAI embeddings endpoint.
type Client struct {
	sdk        openai.Client
	model      string
	dimensions int
	log        *alog.Logger
}

// Config configures a Client.
type Config struct {
	APIKey     string
	Model      string
	Dimensions int
}

// New builds an embedding Client from cfg.
func New(cfg Config, log *alog.Logger) *Client {
	if log == nil {
		log = alog.Default
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 1024
	}
	return &Client{
		sdk:        openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:      cfg.Model,
		dimensions: dims,
		log:        log.WithComponent("embedclient"),
	}
}

// Dimensions reports the configured embedding width.
func (c *Client) Dimensions() int { return c.dimensions }

// Embed computes embeddings for texts, in input order, retrying transient
// failures (429/5xx) with capped exponential backoff up to 5 attempts.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	op := func() ([][]float32, error) {
		resp, err := c.sdk.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
			Model:          c.model,
			Dimensions:     openai.Int(int64(c.dimensions)),
			EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
		})
		if err != nil {
			if isAuthError(err) {
				return nil, backoff.Permanent(err)
			}
			if isTransientError(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}

		out := make([][]float32, len(resp.Data))
		for _, d := range resp.Data {
			vec := make([]float32, len(d.Embedding))
			for i, f := range d.Embedding {
				vec[i] = float32(f)
			}
			out[d.Index] = vec
		}
		return out, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 60 * time.Second

	result, err := backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(5))
	if err != nil {
		c.log.Error("embed_failed", err, map[string]any{"count": len(texts)})
		return nil, err
	}
	return result, nil
}

func isTransientError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "500", "502", "503", "504", "timeout", "rate limit"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "invalid_api_key")
}
