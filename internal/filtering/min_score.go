package filtering

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/spigell/job-aggregator/internal/jobs"
)

type minScoreFilter struct {
	min float64
}

// NewMinScore creates a filter that drops matches below the configured similarity score.
func NewMinScore() Filter {
	return &minScoreFilter{}
}

func (f *minScoreFilter) Name() string { return "min_score" }

func (f *minScoreFilter) Disable(string) {}

func (f *minScoreFilter) IsEnabled() bool { return true }

func (f *minScoreFilter) Validate(cfg *Config) error {
	f.min = 0
	if cfg == nil {
		return nil
	}
	if cfg.MinScore < 0 || cfg.MinScore > 1 {
		return fmt.Errorf("min-score must be between 0 and 1, got %v", cfg.MinScore)
	}
	f.min = cfg.MinScore
	return nil
}

func (f *minScoreFilter) Apply(_ context.Context, deps Deps, m *jobs.Matches) (*jobs.Matches, Step, error) {
	initial := m.Len()
	if f.min == 0 {
		return m, Step{Initial: initial, Dropped: 0, Left: m.Len()}, nil
	}

	excluded := m.ExcludeFunc(func(match *jobs.Match) bool { return match.Score < f.min })
	if deps.Logger != nil && len(excluded) > 0 {
		deps.Logger.Info("excluding matches below minimum score",
			zap.Float64("min_score", f.min),
			zap.Strings("excluded_matches", excluded),
			zap.Int("matches_left", m.Len()),
		)
	}

	return m, Step{Initial: initial, Dropped: len(excluded), Left: m.Len()}, nil
}

func (f *minScoreFilter) Status() Status {
	return Status{
		Name:    f.Name(),
		Enabled: true,
		Details: map[string]string{"min_score": strconv.FormatFloat(f.min, 'f', 2, 64)},
	}
}
