package llm

import (
	"context"

	fleeterrors "bbsfleet/internal/errors"
	"bbsfleet/internal/logging"
)

// retryClient wraps a Client with the retry policy for LLM traffic.
type retryClient struct {
	underlying Client
	config     fleeterrors.RetryConfig
	logger     logging.Logger
}

// WrapWithRetry adds retry behavior to a client: up to three retries,
// attempt×5s backoff for 429, 2s flat for other transient failures.
func WrapWithRetry(client Client) Client {
	return &retryClient{
		underlying: client,
		config:     fleeterrors.DefaultRetryConfig(),
		logger:     logging.NewComponentLogger("llm-retry"),
	}
}

func (c *retryClient) Model() string {
	return c.underlying.Model()
}

func (c *retryClient) Complete(ctx context.Context, messages []Message) (string, error) {
	return fleeterrors.RetryWithResult(ctx, c.config, func(ctx context.Context) (string, error) {
		return c.underlying.Complete(ctx, messages)
	}, c.logger)
}
