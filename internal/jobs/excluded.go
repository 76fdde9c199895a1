package jobs

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/goccy/go-json"
)

// Excluded is the persisted list of matches that must never be shown again.
type Excluded struct {
	Items []*ExcludedMatch
}

type ExcludedMatch struct {
	Link       string
	Title      string
	Company    string
	Reason     string
	ExcludedAt time.Time
}

// ToExcluded converts the matches into exclude entries stamped with now.
func (m *Matches) ToExcluded(reason string, now time.Time) *Excluded {
	excluded := &Excluded{}
	for _, match := range m.Items {
		excluded.Items = append(excluded.Items, &ExcludedMatch{
			Link:       match.Link,
			Title:      match.Title,
			Company:    match.Company,
			Reason:     reason,
			ExcludedAt: now.UTC(),
		})
	}
	return excluded
}

// ExcludedFromFile reads the exclude list. A missing or empty file is an empty list.
func ExcludedFromFile(path string) (*Excluded, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Excluded{}, nil
	}
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return &Excluded{}, nil
	}

	var excluded Excluded
	if err := json.Unmarshal(data, &excluded); err != nil {
		return nil, err
	}
	return &excluded, nil
}

// Append adds the entries of s whose link is not listed yet.
func (e *Excluded) Append(s *Excluded) {
	known := make(map[string]struct{}, len(e.Items))
	for _, item := range e.Items {
		known[item.Link] = struct{}{}
	}
	for _, item := range s.Items {
		if _, ok := known[item.Link]; ok {
			continue
		}
		known[item.Link] = struct{}{}
		e.Items = append(e.Items, item)
	}
}

func (e *Excluded) Links() []string {
	links := make([]string, 0, len(e.Items))
	for _, item := range e.Items {
		links = append(links, item.Link)
	}
	return links
}

func (e *Excluded) ToFile(path string) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
