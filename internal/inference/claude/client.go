package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"

	"github.com/spigell/job-aggregator/internal/endpoint"
	"github.com/spigell/job-aggregator/internal/inference"
)

const (
	defaultMaxTokens = 4096
	// statusOverloaded is returned by the Anthropic API when capacity is exhausted.
	statusOverloaded = 529
)

type messageCreator interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Client calls Claude models through the Anthropic SDK.
type Client struct {
	messages messageCreator
	clock    clock.Clock
}

func New(apiKey string) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}

	// Retries are owned by the dispatch layer.
	client := anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0))
	return &Client{messages: &client.Messages, clock: clock.New()}, nil
}

func (c *Client) Call(ctx context.Context, d endpoint.Descriptor, p inference.Payload) inference.Response {
	if c == nil || c.messages == nil {
		return inference.Terminal(errors.New("claude client is not initialized"))
	}

	params, err := buildParams(d, p)
	if err != nil {
		return inference.Terminal(err)
	}

	msg, err := c.messages.New(ctx, params)
	if err != nil {
		return c.classify(ctx, err)
	}

	var builder strings.Builder
	for _, block := range msg.Content {
		if block.Type != "text" {
			continue
		}
		text := strings.TrimSpace(block.Text)
		if text == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString(text)
	}

	return inference.Success(builder.String())
}

func buildParams(d endpoint.Descriptor, p inference.Payload) (anthropic.MessageNewParams, error) {
	maxTokens := int64(p.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	system := strings.TrimSpace(p.System)
	// The Messages API has no schema-constrained output, so the schema travels in the system prompt.
	if d.Mode == endpoint.ModeStrictSchema && p.Schema != nil {
		schema, err := json.Marshal(p.Schema)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("marshal schema: %w", err)
		}
		system = strings.TrimSpace(system + "\n\nThe response must be a JSON object matching this JSON schema:\n" + string(schema))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(d.Name),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(p.Prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if p.Temperature > 0 {
		params.Temperature = anthropic.Float(p.Temperature)
	}

	return params, nil
}

func (c *Client) classify(ctx context.Context, err error) inference.Response {
	wrapped := fmt.Errorf("create message: %w", err)

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode == statusOverloaded:
			var header http.Header
			if apiErr.Response != nil {
				header = apiErr.Response.Header
			}
			return inference.RateLimited(wrapped, inference.ParseRetryAfter(header, c.clock.Now()))
		case apiErr.StatusCode >= http.StatusInternalServerError:
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
