package gemini

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/spigell/job-aggregator/internal/endpoint"
	"github.com/spigell/job-aggregator/internal/inference"
)

type generateCall struct {
	model  string
	prompt string
	config *genai.GenerateContentConfig
}

type fakeModels struct {
	mu    sync.Mutex
	calls []generateCall
	resp  *genai.GenerateContentResponse
	err   error
}

func (f *fakeModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := generateCall{model: model, config: config}
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		call.prompt = contents[0].Parts[0].Text
	}
	f.calls = append(f.calls, call)

	return f.resp, f.err
}

func textResponse(parts ...string) *genai.GenerateContentResponse {
	content := &genai.Content{}
	for _, p := range parts {
		content.Parts = append(content.Parts, &genai.Part{Text: p})
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: content}}}
}

func TestCallJoinsTextParts(t *testing.T) {
	models := &fakeModels{resp: textResponse(`{"flagged_job_urls":`, ` []}`)}
	c := &Client{models: models}

	d := endpoint.Descriptor{Name: "gemini-2.5-flash", Provider: "gemini", Mode: endpoint.ModeStrictSchema}
	resp := c.Call(context.Background(), d, inference.Payload{
		System: "system",
		Prompt: "message",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"flagged_job_urls": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"flagged_job_urls"},
		},
	})

	if resp.Outcome != inference.OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", resp.Outcome, resp.Err)
	}
	if resp.Text != "{\"flagged_job_urls\":\n[]}" {
		t.Fatalf("unexpected text: %q", resp.Text)
	}

	if len(models.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(models.calls))
	}
	call := models.calls[0]
	if call.model != "gemini-2.5-flash" || call.prompt != "message" {
		t.Fatalf("unexpected call: %+v", call)
	}
	if call.config.SystemInstruction == nil || call.config.SystemInstruction.Parts[0].Text != "system" {
		t.Fatalf("expected system instruction to be set")
	}
	if call.config.ResponseMIMEType != "application/json" {
		t.Fatalf("expected json mime type, got %q", call.config.ResponseMIMEType)
	}
	schema := call.config.ResponseSchema
	if schema == nil || schema.Type != genai.TypeObject {
		t.Fatalf("expected object schema, got %+v", schema)
	}
	if items := schema.Properties["flagged_job_urls"].Items; items == nil || items.Type != genai.TypeString {
		t.Fatalf("expected string items, got %+v", items)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "flagged_job_urls" {
		t.Fatalf("unexpected required list: %v", schema.Required)
	}
}

func TestCallClassifiesErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		resp       *genai.GenerateContentResponse
		outcome    inference.Outcome
		retryAfter time.Duration
	}{
		{
			name: "quota with retry hint",
			err: genai.APIError{
				Code:    http.StatusTooManyRequests,
				Status:  "RESOURCE_EXHAUSTED",
				Message: "quota exhausted, retry after 60 seconds",
			},
			outcome:    inference.OutcomeRateLimited,
			retryAfter: time.Minute,
		},
		{
			name: "quota with retry info detail",
			err: genai.APIError{
				Code:    http.StatusTooManyRequests,
				Details: []map[string]any{{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "13s"}},
			},
			outcome:    inference.OutcomeRateLimited,
			retryAfter: 13 * time.Second,
		},
		{
			name:    "server error",
			err:     genai.APIError{Code: http.StatusInternalServerError, Status: "INTERNAL"},
			outcome: inference.OutcomeTransient,
		},
		{
			name:    "bad request",
			err:     genai.APIError{Code: http.StatusBadRequest, Status: "INVALID_ARGUMENT"},
			outcome: inference.OutcomeTerminal,
		},
		{
			name:    "network failure",
			err:     errors.New("connection reset by peer"),
			outcome: inference.OutcomeTransient,
		},
		{
			name:    "empty candidates",
			resp:    &genai.GenerateContentResponse{},
			outcome: inference.OutcomeTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{models: &fakeModels{resp: tt.resp, err: tt.err}}

			resp := c.Call(context.Background(), endpoint.Descriptor{Name: "gemini-pro"}, inference.Payload{Prompt: "msg"})
			if resp.Outcome != tt.outcome {
				t.Fatalf("expected %s, got %s (%v)", tt.outcome, resp.Outcome, resp.Err)
			}
			if resp.RetryAfter != tt.retryAfter {
				t.Fatalf("expected retry after %s, got %s", tt.retryAfter, resp.RetryAfter)
			}
			if resp.Err == nil {
				t.Fatal("expected error to be set")
			}
		})
	}
}

func TestCallRejectsEmptyPrompt(t *testing.T) {
	c := &Client{models: &fakeModels{}}

	resp := c.Call(context.Background(), endpoint.Descriptor{Name: "gemini-pro"}, inference.Payload{Prompt: "  "})
	if resp.Outcome != inference.OutcomeTerminal {
		t.Fatalf("expected terminal outcome, got %s", resp.Outcome)
	}
}
