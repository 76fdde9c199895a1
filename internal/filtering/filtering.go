package filtering

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/spigell/job-aggregator/internal/consensus"
	"github.com/spigell/job-aggregator/internal/jobs"
)

// Filter represents a single filtering step applied to job matches.
type Filter interface {
	Name() string
	Disable(reason string)
	IsEnabled() bool

	Validate(cfg *Config) error
	Apply(ctx context.Context, deps Deps, m *jobs.Matches) (*jobs.Matches, Step, error)
}

// Validator confirms false positives among the matches.
type Validator interface {
	Validate(ctx context.Context, req consensus.ValidationRequest) *consensus.Result
}

// Deps aggregates dependencies shared across all filtering steps.
type Deps struct {
	Logger    *zap.Logger
	Resume    string
	Validator Validator
	Clock     clock.Clock
}

// Step describes the result of executing a filtering step.
type Step struct {
	Initial int
	Dropped int
	Left    int
}

// Config contains configuration settings consumed by the filters.
type Config struct {
	ExcludeFile      string
	ExcludeCompanies []string
	MinScore         float64
	// RecordFalsePositives appends confirmed false positives to ExcludeFile.
	RecordFalsePositives bool
}

// Status represents runtime information about a filter.
type Status struct {
	Name    string
	Enabled bool
	Reason  string
	Details map[string]string
}

// statusProvider is implemented by filters that can supply detailed status information.
type statusProvider interface {
	Status() Status
}

// Default returns the standard pipeline: cheap local filters first, the validator last.
func Default() []Filter {
	return []Filter{
		NewExcludeFile(),
		NewCompanies(),
		NewMinScore(),
		NewConsensus(),
	}
}

// DisableByName marks a filter with the provided name as disabled while keeping it in the list.
func DisableByName(steps []Filter, name, reason string) {
	for _, step := range steps {
		if step.Name() == name {
			step.Disable(reason)
		}
	}
}

// Run executes the supplied filters sequentially and returns the remaining matches together with
// the validation result when the consensus step ran.
func Run(ctx context.Context, cfg *Config, deps Deps, steps []Filter, m *jobs.Matches) (*jobs.Matches, *consensus.Result, error) {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	for _, step := range steps {
		if !step.IsEnabled() {
			continue
		}
		if err := step.Validate(cfg); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", step.Name(), err)
		}
	}

	var validation *consensus.Result
	for _, step := range steps {
		if !step.IsEnabled() {
			if deps.Logger != nil {
				deps.Logger.Info("filter disabled", zap.String("name", step.Name()))
			}
			continue
		}

		next, info, err := step.Apply(ctx, deps, m)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", step.Name(), err)
		}

		if deps.Logger != nil {
			deps.Logger.Info("filter step",
				zap.String("name", step.Name()),
				zap.Int("initial", info.Initial),
				zap.Int("dropped", info.Dropped),
				zap.Int("left", info.Left),
			)
		}

		m = next

		if collector, ok := step.(interface {
			Validation() *consensus.Result
		}); ok && collector.Validation() != nil {
			validation = collector.Validation()
		}
	}

	return m, validation, nil
}

// Describe returns status entries for the provided filters.
func Describe(steps []Filter) []Status {
	statuses := make([]Status, 0, len(steps))
	for _, step := range steps {
		if reporter, ok := step.(statusProvider); ok {
			statuses = append(statuses, reporter.Status())
			continue
		}

		statuses = append(statuses, Status{
			Name:    step.Name(),
			Enabled: step.IsEnabled(),
		})
	}
	return statuses
}
