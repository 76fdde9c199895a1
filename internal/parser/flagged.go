package parser

import (
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

// FlaggedKey is the field requested from validation endpoints.
const FlaggedKey = "flagged_job_urls"

var flaggedKeys = []string{
	FlaggedKey,
	"flagged_urls",
	"false_positive_urls",
	"false_positives",
	"flagged_jobs",
	"urls",
	"job_urls",
	"mismatched_urls",
}

var urlItemKeys = []string{"url", "job_url", "job_link", "link"}

var negativePhrases = []string{
	"no false positives",
	"no false-positives",
	"no false positive",
	"none found",
	"no jobs flagged",
	"no jobs were flagged",
	"no urls flagged",
	"nothing to flag",
	"no mismatched",
	"no mismatches",
	"all jobs are relevant",
	"all jobs match",
	"all of the jobs match",
	"none of the jobs",
}

var (
	emptyArrayPattern = regexp.MustCompile(`^\[\s*\]$`)
	urlLikePattern    = regexp.MustCompile(`(?i)(https?://|www\.)\S+`)
)

// Flagged is the validation answer: the identifiers an endpoint marked as false positives.
type Flagged struct {
	URLs     []string `json:"flagged_job_urls"`
	Repaired bool     `json:"-"`
	Strategy Strategy `json:"-"`
}

// ParseFlagged extracts flagged identifiers from raw model output.
// It returns false when the text carries no recognizable answer.
func ParseFlagged(raw string) (*Flagged, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, false
	}

	for _, c := range candidates(text) {
		v, ok := decode(c.text)
		if !ok {
			continue
		}
		if urls, ok := flaggedFrom(v); ok {
			return &Flagged{URLs: urls, Strategy: c.strategy}, true
		}
	}

	if items, ok := repairStringArray(text, flaggedKeys, true); ok {
		urls := make([]string, 0, len(items))
		seen := map[string]struct{}{}
		for _, item := range items {
			if !isURLLike(item) {
				continue
			}
			if _, dup := seen[item]; dup {
				continue
			}
			seen[item] = struct{}{}
			urls = append(urls, item)
		}
		return &Flagged{URLs: urls, Repaired: true, Strategy: StrategyRepaired}, true
	}

	if isNegative(text) {
		return &Flagged{URLs: []string{}, Strategy: StrategyNegative}, true
	}

	return nil, false
}

// MarshalFlagged renders the canonical form requested from endpoints.
func MarshalFlagged(f *Flagged) string {
	urls := []string{}
	if f != nil && f.URLs != nil {
		urls = f.URLs
	}
	data, err := json.Marshal(Flagged{URLs: urls})
	if err != nil {
		return `{"` + FlaggedKey + `":[]}`
	}
	return string(data)
}

func flaggedFrom(v any) ([]string, bool) {
	switch val := v.(type) {
	case map[string]any:
		inner, ok := lookup(val, flaggedKeys)
		if !ok {
			return nil, false
		}
		switch in := inner.(type) {
		case map[string]any:
			return nil, false
		case string:
			// A plain string only counts when it reads as an empty answer.
			if s := strings.TrimSpace(in); s != "" && !strings.EqualFold(s, "none") && !isNegative(s) {
				return nil, false
			}
			return []string{}, true
		default:
			return stringList(inner, urlItemKeys)
		}
	case []any:
		return stringList(val, urlItemKeys)
	default:
		return nil, false
	}
}

func isURLLike(s string) bool {
	return urlLikePattern.MatchString(s)
}

// isNegative reports an explicit "nothing flagged" answer. Text that mentions a URL never qualifies.
func isNegative(text string) bool {
	if urlLikePattern.MatchString(text) {
		return false
	}

	trimmed := strings.TrimSpace(text)
	if emptyArrayPattern.MatchString(trimmed) {
		return true
	}

	lower := strings.ToLower(trimmed)
	for _, phrase := range negativePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
