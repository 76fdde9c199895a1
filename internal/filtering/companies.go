package filtering

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/job-aggregator/internal/jobs"
)

type companiesFilter struct {
	companies []string
}

// NewCompanies creates a filter that removes matches from companies listed in the config.
func NewCompanies() Filter {
	return &companiesFilter{}
}

func (f *companiesFilter) Name() string { return "companies" }

func (f *companiesFilter) Disable(string) {}

func (f *companiesFilter) IsEnabled() bool { return true }

func (f *companiesFilter) Validate(cfg *Config) error {
	f.companies = nil
	if cfg != nil {
		for _, c := range cfg.ExcludeCompanies {
			if c = strings.TrimSpace(c); c != "" {
				f.companies = append(f.companies, c)
			}
		}
	}
	return nil
}

func (f *companiesFilter) Apply(_ context.Context, deps Deps, m *jobs.Matches) (*jobs.Matches, Step, error) {
	initial := m.Len()
	if len(f.companies) == 0 {
		return m, Step{Initial: initial, Dropped: 0, Left: m.Len()}, nil
	}

	excluded := m.ExcludeFunc(func(match *jobs.Match) bool {
		for _, company := range f.companies {
			if strings.EqualFold(strings.TrimSpace(match.Company), company) {
				return true
			}
		}
		return false
	})
	if deps.Logger != nil && len(excluded) > 0 {
		deps.Logger.Info("excluding matches by companies",
			zap.Strings("excluded_companies", f.companies),
			zap.Strings("excluded_matches", excluded),
			zap.Int("matches_left", m.Len()),
		)
	}

	return m, Step{Initial: initial, Dropped: len(excluded), Left: m.Len()}, nil
}

func (f *companiesFilter) Status() Status {
	details := map[string]string{}
	if len(f.companies) > 0 {
		details["companies"] = strings.Join(f.companies, ",")
	}
	return Status{Name: f.Name(), Enabled: true, Details: details}
}
