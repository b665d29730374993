package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bbsfleet/internal/config"
	fleeterrors "bbsfleet/internal/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewOpenAIClient(config.LLMConfig{
		APIKey:  "sk-test",
		BaseURL: server.URL,
		Model:   "test-model",
	})
	require.NoError(t, err)
	return client
}

func TestCompleteSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "LINE: hello"}},
			},
		})
	})

	text, err := client.Complete(context.Background(), []Message{
		System("you are a BBS user"),
		User("what do you do?"),
	})
	require.NoError(t, err)
	assert.Equal(t, "LINE: hello", text)
}

func TestCompleteClassifiesRateLimit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Complete(context.Background(), []Message{User("hi")})
	require.Error(t, err)
	assert.True(t, fleeterrors.IsTransient(err))
	assert.Equal(t, 429, fleeterrors.StatusCode(err))
	assert.Equal(t, 3, fleeterrors.RetryAfter(err))
}

func TestCompleteClassifiesAuthFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.Complete(context.Background(), []Message{User("hi")})
	require.Error(t, err)
	assert.False(t, fleeterrors.IsTransient(err))
}

func TestCompleteClassifiesServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Complete(context.Background(), []Message{User("hi")})
	require.Error(t, err)
	assert.True(t, fleeterrors.IsTransient(err))
}

func TestNewOpenAIClientRequiresKey(t *testing.T) {
	_, err := NewOpenAIClient(config.LLMConfig{})
	assert.Error(t, err)
}

func TestRetryClientRetriesTransient(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "ok"}},
			},
		})
	}))
	defer server.Close()

	base, err := NewOpenAIClient(config.LLMConfig{APIKey: "sk-test", BaseURL: server.URL, Model: "m"})
	require.NoError(t, err)

	wrapped := &retryClient{
		underlying: base,
		config: fleeterrors.RetryConfig{
			MaxAttempts: 3,
			Backoff:     func(int, error) time.Duration { return time.Millisecond },
		},
	}

	text, err := wrapped.Complete(context.Background(), []Message{User("hi")})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, 2, attempts)
}
