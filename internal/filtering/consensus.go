package filtering

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/job-aggregator/internal/consensus"
	"github.com/spigell/job-aggregator/internal/jobs"
)

const falsePositiveReason = "false positive confirmed by consensus"

type consensusFilter struct {
	disabled   bool
	reason     string
	recordPath string
	result     *consensus.Result
}

// NewConsensus creates the step that drops matches two endpoints agree are false positives.
func NewConsensus() Filter {
	return &consensusFilter{}
}

func (f *consensusFilter) Name() string { return "consensus" }

func (f *consensusFilter) Disable(reason string) {
	f.disabled = true
	f.reason = reason
}

func (f *consensusFilter) IsEnabled() bool { return !f.disabled }

func (f *consensusFilter) Validate(cfg *Config) error {
	f.recordPath = ""
	if cfg == nil || !cfg.RecordFalsePositives {
		return nil
	}
	f.recordPath = strings.TrimSpace(cfg.ExcludeFile)
	if f.recordPath == "" {
		return errors.New("exclude-file is required to record false positives")
	}
	return nil
}

func (f *consensusFilter) Apply(ctx context.Context, deps Deps, m *jobs.Matches) (*jobs.Matches, Step, error) {
	initial := m.Len()
	if deps.Validator == nil {
		if deps.Logger != nil {
			deps.Logger.Info("validator is not configured; skipping consensus filter")
		}
		return m, Step{Initial: initial, Dropped: 0, Left: m.Len()}, nil
	}
	if strings.TrimSpace(deps.Resume) == "" {
		return m, Step{}, fmt.Errorf("resume is required for validation")
	}

	items := make([]consensus.WorkItem, 0, m.Len())
	for _, match := range m.Items {
		text := match.Text
		if strings.TrimSpace(text) == "" {
			text = match.Title
		}
		items = append(items, consensus.WorkItem{ID: match.Link, Text: text})
	}

	f.result = deps.Validator.Validate(ctx, consensus.ValidationRequest{Items: items, Resume: deps.Resume})

	flagged := &jobs.Matches{}
	for _, link := range f.result.Confirmed {
		if match := m.FindByLink(link); match != nil {
			flagged.Items = append(flagged.Items, match)
		}
	}

	removed := m.Exclude(f.result.Confirmed)
	if deps.Logger != nil && len(removed) > 0 {
		deps.Logger.Info("excluding false positives confirmed by consensus",
			zap.String("run_id", f.result.RunID),
			zap.Strings("endpoints", f.result.Endpoints[:]),
			zap.Strings("excluded_matches", removed),
			zap.Int("matches_left", m.Len()),
		)
	}

	if f.recordPath != "" && flagged.Len() > 0 {
		if err := f.record(deps, flagged); err != nil {
			return m, Step{}, err
		}
	}

	return m, Step{Initial: initial, Dropped: len(removed), Left: m.Len()}, nil
}

func (f *consensusFilter) record(deps Deps, flagged *jobs.Matches) error {
	excluded, err := jobs.ExcludedFromFile(f.recordPath)
	if err != nil {
		return fmt.Errorf("reading exclude file: %w", err)
	}

	excluded.Append(flagged.ToExcluded(falsePositiveReason, deps.Clock.Now()))
	if err := excluded.ToFile(f.recordPath); err != nil {
		return fmt.Errorf("writing exclude file: %w", err)
	}

	if deps.Logger != nil {
		deps.Logger.Info("recorded false positives", zap.String("path", f.recordPath), zap.Int("count", flagged.Len()))
	}
	return nil
}

// Validation returns the result of the last run, or nil when the step did not call the validator.
func (f *consensusFilter) Validation() *consensus.Result {
	return f.result
}

func (f *consensusFilter) Status() Status {
	details := map[string]string{
		"record_false_positives": strconv.FormatBool(f.recordPath != ""),
	}
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: f.reason, Details: details}
}
