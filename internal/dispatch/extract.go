package dispatch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/spigell/job-aggregator/internal/inference"
	"github.com/spigell/job-aggregator/internal/parser"
	"github.com/spigell/job-aggregator/internal/prompt"
)

const (
	TaskExtractJobFields = "extract_job_fields"

	extractionMaxTokens   = 1024
	extractionTemperature = 0.1
)

// Extraction is the outcome of ExtractJobFields.
type Extraction struct {
	Fields   *parser.JobFields `json:"fields"`
	Endpoint string            `json:"endpoint,omitempty"`
	Attempts []Attempt         `json:"attempts"`
	// Degraded is set when every endpoint failed and Fields holds the empty default.
	Degraded bool `json:"degraded"`
}

// ExtractJobFields asks rotating endpoints for the structured fields of a job posting.
// Exhaustion degrades to empty fields, only cancellation is returned as an error.
func ExtractJobFields(ctx context.Context, e *Executor, title, description string) (*Extraction, error) {
	res, err := Execute(ctx, e, Request[*parser.JobFields]{
		Task: TaskExtractJobFields,
		Payload: inference.Payload{
			Prompt:      prompt.Extraction(title, description),
			Schema:      prompt.JobFieldsSchema(),
			MaxTokens:   extractionMaxTokens,
			Temperature: extractionTemperature,
		},
		Decode: parser.ParseJobFields,
	})
	if err == nil {
		return &Extraction{Fields: res.Value, Endpoint: res.Endpoint, Attempts: res.Attempts}, nil
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		return nil, err
	}

	e.logger.Warn("job field extraction degraded to empty fields",
		zap.String("title", title),
		zap.Error(err),
	)

	return &Extraction{
		Fields:   &parser.JobFields{Skills: []string{}, SummaryPoints: []string{}},
		Attempts: exhausted.Attempts,
		Degraded: true,
	}, nil
}
