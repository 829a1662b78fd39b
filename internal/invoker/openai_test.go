package invoker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomreach/loomreach/internal/routing"
)

var testRoute = routing.Route{ModelIdentifier: "gpt-4o-mini", Temperature: 0.2, MaxOutputTokens: 1024}

func TestInvokeOK(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "{\"summary\":\"ok\"}"}}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 45}
		}`))
	}))
	defer srv.Close()

	res := NewOpenAI(srv.URL, "test-key").Invoke(context.Background(), testRoute, "sys", "user")

	require.True(t, res.OK())
	assert.Equal(t, `{"summary":"ok"}`, res.RawText)
	assert.Equal(t, 120, res.TokensIn)
	assert.Equal(t, 45, res.TokensOut)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
}

func TestInvokeFailureClassification(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		want       FailureKind
	}{
		{"429 is rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, FailureRateLimited},
		{"402 is quota exhausted", http.StatusPaymentRequired, `{"error":"pay up"}`, FailureQuotaExhausted},
		{"500 is transport", http.StatusInternalServerError, `oops`, FailureTransport},
		{"503 is transport", http.StatusServiceUnavailable, `oops`, FailureTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			res := NewOpenAI(srv.URL, "k").Invoke(context.Background(), testRoute, "s", "u")
			require.False(t, res.OK())
			assert.Equal(t, tt.want, res.Failure)
			assert.Error(t, res.Err)
		})
	}
}

func TestInvokeEmptyResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no choices", `{"choices": [], "usage": {"prompt_tokens": 10, "completion_tokens": 0}}`},
		{"blank content", `{"choices": [{"message": {"role": "assistant", "content": "  "}}], "usage": {"prompt_tokens": 10, "completion_tokens": 1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			res := NewOpenAI(srv.URL, "k").Invoke(context.Background(), testRoute, "s", "u")
			require.False(t, res.OK())
			assert.Equal(t, FailureEmptyResponse, res.Failure)
			// Usage counters from failed attempts still count toward totals.
			assert.Equal(t, 10, res.TokensIn)
		})
	}
}

func TestInvokeConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // deliberately closed

	res := NewOpenAI(srv.URL, "k").Invoke(context.Background(), testRoute, "s", "u")
	require.False(t, res.OK())
	assert.Equal(t, FailureTransport, res.Failure)
}
