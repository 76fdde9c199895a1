package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/spigell/job-aggregator/internal/endpoint"
	"github.com/spigell/job-aggregator/internal/inference"
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client calls Gemini models through the Google GenAI SDK.
type Client struct {
	models contentGenerator
}

// New creates a client configured for the Gemini API backend.
func New(ctx context.Context, apiKey string) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &Client{models: client.Models}, nil
}

// Call sends the prompt to the model named by the endpoint and returns the joined text parts.
func (c *Client) Call(ctx context.Context, d endpoint.Descriptor, p inference.Payload) inference.Response {
	if c == nil || c.models == nil {
		return inference.Terminal(errors.New("gemini client is not initialized"))
	}

	prompt := strings.TrimSpace(p.Prompt)
	if prompt == "" {
		return inference.Terminal(errors.New("prompt must not be empty"))
	}

	resp, err := c.models.GenerateContent(ctx, d.Name, genai.Text(prompt), buildConfig(d, p))
	if err != nil {
		return classify(ctx, err)
	}

	return inference.Success(collectText(resp))
}

func buildConfig(d endpoint.Descriptor, p inference.Payload) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if system := strings.TrimSpace(p.System); system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if p.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(p.Temperature))
	}
	if p.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(p.MaxTokens)
	}

	switch d.Mode {
	case endpoint.ModeStrictSchema:
		cfg.ResponseMIMEType = "application/json"
		if p.Schema != nil {
			cfg.ResponseSchema = toSchema(p.Schema)
		}
	case endpoint.ModeJSON:
		cfg.ResponseMIMEType = "application/json"
	}

	return cfg
}

func classify(ctx context.Context, err error) inference.Response {
	wrapped := fmt.Errorf("generate content: %w", err)

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests || strings.EqualFold(apiErr.Status, "RESOURCE_EXHAUSTED"):
			return inference.RateLimited(wrapped, retryDelay(apiErr))
		case apiErr.Code >= http.StatusInternalServerError:
			return inference.Transient(wrapped)
		default:
			return inference.Terminal(wrapped)
		}
	}

	if r, ended := inference.FromContext(ctx, wrapped); ended {
		return r
	}
	return inference.Transient(wrapped)
}

// retryDelay reads the RetryInfo detail first and falls back to hints in the message.
func retryDelay(apiErr genai.APIError) time.Duration {
	for _, detail := range apiErr.Details {
		if v, ok := detail["retryDelay"].(string); ok {
			if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
				return d
			}
		}
	}
	return inference.ParseRetryDelay(apiErr.Message)
}

func collectText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	return strings.TrimSpace(builder.String())
}

// toSchema converts a JSON schema document into the SDK representation.
func toSchema(doc map[string]any) *genai.Schema {
	if doc == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := doc["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := doc["description"].(string); ok {
		s.Description = desc
	}
	if items, ok := doc["items"].(map[string]any); ok {
		s.Items = toSchema(items)
	}
	if props, ok := doc["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if prop, ok := raw.(map[string]any); ok {
				s.Properties[name] = toSchema(prop)
			}
		}
	}
	switch required := doc["required"].(type) {
	case []string:
		s.Required = append(s.Required, required...)
	case []any:
		for _, r := range required {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}

	return s
}
