// Package jobs holds the job matches that flow through filtering and validation.
package jobs

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/mitchellh/mapstructure"
)

// ErrNoLink is returned for a match that carries no job link under any known key.
var ErrNoLink = errors.New("match has no job link")

// fieldSynonyms maps the canonical field of a Match to the keys search exports use for it.
var fieldSynonyms = map[string][]string{
	"job_link":         {"job_link", "absolute_url", "url", "link", "job_url", "apply_url"},
	"job_title":        {"job_title", "title", "name"},
	"company_name":     {"company_name", "company", "employer"},
	"location":         {"location", "city"},
	"chunk_text":       {"chunk_text", "description", "job_description", "text"},
	"similarity_score": {"similarity_score", "score"},
	"posting_date":     {"posting_date", "posted_at", "published_at"},
}

// containerKeys are the fields that may wrap the match list in an object.
var containerKeys = []string{"matches", "jobs", "results"}

// Load reads matches from a JSON file holding either an array of match objects or an object
// wrapping that array.
func Load(path string) (*Matches, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func Decode(data []byte) (*Matches, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode matches: %w", err)
	}

	list, err := matchList(raw)
	if err != nil {
		return nil, err
	}

	matches := &Matches{Items: make([]*Match, 0, len(list))}
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("match %d: expected an object, got %T", i, item)
		}

		match, err := decodeMatch(obj)
		if err != nil {
			return nil, fmt.Errorf("match %d: %w", i, err)
		}
		matches.Items = append(matches.Items, match)
	}

	return matches, nil
}

func matchList(raw any) ([]any, error) {
	switch v := raw.(type) {
	case []any:
		return v, nil
	case map[string]any:
		for _, key := range containerKeys {
			if list, ok := v[key].([]any); ok {
				return list, nil
			}
		}
		return nil, fmt.Errorf("decode matches: no list under %s", strings.Join(containerKeys, ", "))
	default:
		return nil, fmt.Errorf("decode matches: unexpected %T", raw)
	}
}

func decodeMatch(obj map[string]any) (*Match, error) {
	canonical := make(map[string]any, len(fieldSynonyms))
	for field, keys := range fieldSynonyms {
		for _, key := range keys {
			if v, ok := obj[key]; ok && v != nil {
				canonical[field] = v
				break
			}
		}
	}

	var match Match
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &match,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(canonical); err != nil {
		return nil, err
	}

	match.Link = strings.TrimSpace(match.Link)
	if match.Link == "" {
		return nil, ErrNoLink
	}
	return &match, nil
}
