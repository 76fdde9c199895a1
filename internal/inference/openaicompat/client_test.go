package openaicompat

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/job-aggregator/internal/endpoint"
	"github.com/spigell/job-aggregator/internal/inference"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/v1", "secret", WithHTTPClient(srv.Client()), WithClock(clock.NewMock()))
	require.NoError(t, err)
	return c
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New("not a url", "key")
	assert.Error(t, err)

	_, err = New("https://api.groq.com/openai/v1", " ")
	assert.Error(t, err)
}

func TestCallSendsChatCompletion(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))

		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" {\"flagged_job_urls\":[]} "},"finish_reason":"stop"}]}`))
	})

	d := endpoint.Descriptor{Name: "llama-3.3-70b", Provider: "cerebras", Mode: endpoint.ModeStrictSchema}
	resp := c.Call(context.Background(), d, inference.Payload{
		System:      "be strict",
		Prompt:      "check these",
		Schema:      map[string]any{"type": "object"},
		MaxTokens:   100,
		Temperature: 0.1,
	})

	require.Equal(t, inference.OutcomeSuccess, resp.Outcome, "err: %v", resp.Err)
	assert.Equal(t, `{"flagged_job_urls":[]}`, resp.Text)

	assert.Equal(t, "llama-3.3-70b", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "check these", got.Messages[1].Content)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_schema", got.ResponseFormat.Type)
	assert.True(t, got.ResponseFormat.JSONSchema.Strict)
	assert.Equal(t, 100, got.MaxTokens)
}

func TestCallResponseFormatPerMode(t *testing.T) {
	tests := []struct {
		mode   endpoint.Mode
		expect string
	}{
		{mode: endpoint.ModeJSON, expect: "json_object"},
		{mode: endpoint.ModeText, expect: ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			req := buildRequest(endpoint.Descriptor{Name: "m", Mode: tt.mode}, inference.Payload{Prompt: "p"})
			if tt.expect == "" {
				assert.Nil(t, req.ResponseFormat)
				return
			}
			require.NotNil(t, req.ResponseFormat)
			assert.Equal(t, tt.expect, req.ResponseFormat.Type)
		})
	}
}

func TestCallClassifiesStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		headers    map[string]string
		body       string
		outcome    inference.Outcome
		retryAfter time.Duration
	}{
		{
			name:       "rate limited with retry-after",
			status:     http.StatusTooManyRequests,
			headers:    map[string]string{"Retry-After": "7"},
			outcome:    inference.OutcomeRateLimited,
			retryAfter: 7 * time.Second,
		},
		{
			name:       "rate limited with reset tokens",
			status:     http.StatusTooManyRequests,
			headers:    map[string]string{"x-ratelimit-reset-tokens": "2m59.5s"},
			outcome:    inference.OutcomeRateLimited,
			retryAfter: 2*time.Minute + 59500*time.Millisecond,
		},
		{name: "server error", status: http.StatusServiceUnavailable, outcome: inference.OutcomeTransient},
		{name: "bad request", status: http.StatusBadRequest, outcome: inference.OutcomeTerminal},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, outcome: inference.OutcomeTransient},
		{name: "empty content", status: http.StatusOK, body: `{"choices":[{"message":{"content":"  "}}]}`, outcome: inference.OutcomeTransient},
		{name: "garbage body", status: http.StatusOK, body: `<html>`, outcome: inference.OutcomeTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			resp := c.Call(context.Background(), endpoint.Descriptor{Name: "m", Mode: endpoint.ModeJSON}, inference.Payload{Prompt: "p"})
			assert.Equal(t, tt.outcome, resp.Outcome)
			assert.Equal(t, tt.retryAfter, resp.RetryAfter)
			assert.Error(t, resp.Err)
		})
	}
}

func TestCallReadsGzipBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte(`{"choices":[{"message":{"content":"[]"}}]}`))
		_ = gz.Close()
	})

	resp := c.Call(context.Background(), endpoint.Descriptor{Name: "m"}, inference.Payload{Prompt: "p"})
	require.Equal(t, inference.OutcomeSuccess, resp.Outcome, "err: %v", resp.Err)
	assert.Equal(t, "[]", resp.Text)
}

func TestCallNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	c, err := New(srv.URL, "secret")
	require.NoError(t, err)
	srv.Close()

	resp := c.Call(context.Background(), endpoint.Descriptor{Name: "m"}, inference.Payload{Prompt: "p"})
	assert.Equal(t, inference.OutcomeTransient, resp.Outcome)
}
