// Package prompt assembles the prompts sent to inference endpoints.
package prompt

import (
	"fmt"
	"strconv"
	"strings"

	_ "embed"

	"github.com/spigell/job-aggregator/internal/parser"
	"github.com/spigell/job-aggregator/internal/utils"
)

const (
	// DefaultResumeMaxChars bounds the resume embedded in validation prompts.
	DefaultResumeMaxChars = 15000
	// DescriptionPreviewChars bounds each job description inside a validation batch.
	DescriptionPreviewChars = 300
	// ExtractionMaxChars bounds the job description sent for extraction.
	ExtractionMaxChars = 12000

	ResumeTruncatedMarker = "[RESUME TRUNCATED FOR API EFFICIENCY]"

	charsPerToken = 4
)

//go:embed validation.md
var validationTemplate string

//go:embed extraction.md
var extractionTemplate string

// Item is one job presented to a validation endpoint.
type Item struct {
	ID   string
	Text string
}

// Validation builds the false-positive detection prompt for one batch. batchIndex is zero based.
func Validation(resume string, items []Item, model string, batchIndex int) string {
	var jobs strings.Builder
	for i, item := range items {
		desc, cut := utils.TruncateRunes(strings.TrimSpace(item.Text), DescriptionPreviewChars)
		if cut {
			desc += "..."
		}
		fmt.Fprintf(&jobs, "%d. URL: %s - Description: %s\n", i+1, item.ID, desc)
	}

	return strings.NewReplacer(
		"{{MODEL}}", model,
		"{{RESUME}}", strings.TrimSpace(resume),
		"{{BATCH}}", strconv.Itoa(batchIndex+1),
		"{{COUNT}}", strconv.Itoa(len(items)),
		"{{JOBS}}", strings.TrimRight(jobs.String(), "\n"),
	).Replace(validationTemplate)
}

// Extraction builds the job field extraction prompt.
func Extraction(title, description string) string {
	description, _ = utils.TruncateRunes(strings.TrimSpace(description), ExtractionMaxChars)

	return strings.NewReplacer(
		"{{TITLE}}", strings.TrimSpace(title),
		"{{DESCRIPTION}}", description,
	).Replace(extractionTemplate)
}

// TruncateResume cuts the resume to maxChars, preferring a paragraph boundary in the last fifth.
func TruncateResume(resume string, maxChars int) string {
	truncated, cut := utils.TruncateRunes(resume, maxChars)
	if !cut {
		return resume
	}

	if idx := strings.LastIndex(truncated, "\n\n"); idx > len(truncated)*4/5 {
		truncated = truncated[:idx]
	}

	return truncated + "\n\n" + ResumeTruncatedMarker
}

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// FlaggedSchema is the JSON schema attached for strict-schema endpoints.
func FlaggedSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			parser.FlaggedKey: map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Job URLs that are false positives",
			},
		},
		"required":             []string{parser.FlaggedKey},
		"additionalProperties": false,
	}
}

// JobFieldsSchema is the JSON schema for the extraction task.
func JobFieldsSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"min_experience_years": map[string]any{"type": "number"},
			"skills": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"summary_points": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []string{"skills", "summary_points"},
	}
}
