package openaicompat

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"

	"github.com/spigell/job-aggregator/internal/endpoint"
	"github.com/spigell/job-aggregator/internal/inference"
)

const maxErrorBody = 512

// Client talks to OpenAI-compatible chat completion APIs such as Groq and Cerebras.
type Client struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
	clock   clock.Clock
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", baseURL)
	}

	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}

	c := &Client{
		baseURL: parsed,
		apiKey:  apiKey,
		http:    &http.Client{},
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type responseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Call sends one chat completion. The endpoint name is used as the model id.
func (c *Client) Call(ctx context.Context, d endpoint.Descriptor, p inference.Payload) inference.Response {
	body, err := json.Marshal(buildRequest(d, p))
	if err != nil {
		return inference.Terminal(fmt.Errorf("marshal request: %w", err))
	}

	path, err := url.JoinPath(c.baseURL.String(), "chat/completions")
	if err != nil {
		return inference.Terminal(fmt.Errorf("build endpoint path: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return inference.Terminal(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if r, ended := inference.FromContext(ctx, err); ended {
			return r
		}
		return inference.Transient(fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	data, err := readBody(resp)
	if err != nil {
		return inference.Transient(fmt.Errorf("read response body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return inference.RateLimited(
			fmt.Errorf("quota exceeded: %s", truncate(data)),
			inference.ParseRetryAfter(resp.Header, c.clock.Now()),
		)
	case resp.StatusCode >= http.StatusInternalServerError:
		return inference.Transient(fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, truncate(data)))
	case resp.StatusCode != http.StatusOK:
		return inference.Terminal(fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, truncate(data)))
	}

	var decoded chatResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return inference.Transient(fmt.Errorf("decode response: %w", err))
	}
	if len(decoded.Choices) == 0 {
		return inference.Transient(inference.ErrEmptyResponse)
	}

	return inference.Success(strings.TrimSpace(decoded.Choices[0].Message.Content))
}

func buildRequest(d endpoint.Descriptor, p inference.Payload) chatRequest {
	req := chatRequest{
		Model:     d.Name,
		MaxTokens: p.MaxTokens,
	}
	if p.Temperature > 0 {
		t := p.Temperature
		req.Temperature = &t
	}

	if system := strings.TrimSpace(p.System); system != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: system})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: p.Prompt})

	switch d.Mode {
	case endpoint.ModeStrictSchema:
		if p.Schema != nil {
			req.ResponseFormat = &responseFormat{
				Type:       "json_schema",
				JSONSchema: &jsonSchemaFormat{Name: "response", Strict: true, Schema: p.Schema},
			}
			break
		}
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	case endpoint.ModeJSON:
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	return req
}

func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	}
	return io.ReadAll(reader)
}

func truncate(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

