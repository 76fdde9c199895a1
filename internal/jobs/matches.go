package jobs

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// Match is one job returned by the resume similarity search.
type Match struct {
	Link     string  `json:"job_link" mapstructure:"job_link"`
	Title    string  `json:"job_title,omitempty" mapstructure:"job_title"`
	Company  string  `json:"company_name,omitempty" mapstructure:"company_name"`
	Location string  `json:"location,omitempty" mapstructure:"location"`
	Text     string  `json:"chunk_text,omitempty" mapstructure:"chunk_text"`
	Score    float64 `json:"similarity_score,omitempty" mapstructure:"similarity_score"`
	PostedAt string  `json:"posting_date,omitempty" mapstructure:"posting_date"`
}

type Matches struct {
	Items []*Match `json:"matches"`
}

func (m *Matches) Len() int {
	return len(m.Items)
}

func (m *Matches) Links() []string {
	links := make([]string, 0, len(m.Items))
	for _, match := range m.Items {
		links = append(links, match.Link)
	}
	return links
}

func (m *Matches) FindByLink(link string) *Match {
	for _, match := range m.Items {
		if match.Link == link {
			return match
		}
	}
	return nil
}

// Exclude drops the matches whose link is in targets and returns the dropped links.
// The order of the remaining matches is kept.
func (m *Matches) Exclude(targets []string) []string {
	return m.ExcludeFunc(func(match *Match) bool {
		for _, target := range targets {
			if match.Link == target {
				return true
			}
		}
		return false
	})
}

// ExcludeFunc drops the matches for which drop returns true and returns the dropped links.
func (m *Matches) ExcludeFunc(drop func(*Match) bool) []string {
	var excluded []string
	kept := m.Items[:0]
	for _, match := range m.Items {
		if drop(match) {
			excluded = append(excluded, match.Link)
			continue
		}
		kept = append(kept, match)
	}
	m.Items = kept
	return excluded
}

// ReportByCompany groups the matches by company for display.
func (m *Matches) ReportByCompany() map[string][]map[string]string {
	report := make(map[string][]map[string]string)
	for _, match := range m.Items {
		key := strings.TrimSpace(match.Company)
		if key == "" {
			key = "unknown company"
		}
		report[key] = append(report[key], map[string]string{
			"title":    match.Title,
			"url":      match.Link,
			"location": match.Location,
			"score":    fmt.Sprintf("%.1f%%", match.Score*100),
		})
	}
	return report
}

func (m *Matches) DumpToTmpFile() (string, error) {
	file, err := os.CreateTemp("", "matches_*.json")
	if err != nil {
		return "", err
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return "", err
	}
	return file.Name(), nil
}

// ToFile writes the matches as a plain JSON array, the same shape Load accepts.
func (m *Matches) ToFile(path string) error {
	data, err := json.MarshalIndent(m.Items, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
