package parser

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	experienceKeys = []string{"min_experience_years", "experience_years", "years_of_experience", "min_years"}
	skillKeys      = []string{"skills", "required_skills", "technologies", "tech_stack"}
	summaryKeys    = []string{"summary_points", "summary", "highlights"}

	leadingNumber = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// JobFields is the structured summary extracted from a job description.
type JobFields struct {
	MinExperienceYears *float64 `json:"min_experience_years"`
	Skills             []string `json:"skills"`
	SummaryPoints      []string `json:"summary_points"`
	Repaired           bool     `json:"-"`
	Strategy           Strategy `json:"-"`
}

// ParseJobFields extracts job fields from raw model output. At least one known field must be present.
func ParseJobFields(raw string) (*JobFields, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, false
	}

	for _, c := range candidates(text) {
		v, ok := decode(c.text)
		if !ok {
			continue
		}
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if fields, ok := jobFieldsFrom(obj); ok {
			fields.Strategy = c.strategy
			return fields, true
		}
	}

	return repairJobFields(text)
}

func jobFieldsFrom(obj map[string]any) (*JobFields, bool) {
	fields := &JobFields{Skills: []string{}, SummaryPoints: []string{}}
	found := false

	if v, ok := lookup(obj, experienceKeys); ok {
		found = true
		fields.MinExperienceYears = years(v)
	}
	if v, ok := lookup(obj, skillKeys); ok {
		if list, ok := stringList(v, nil); ok {
			found = true
			fields.Skills = list
		}
	}
	if v, ok := lookup(obj, summaryKeys); ok {
		if list, ok := summaryList(v); ok {
			found = true
			fields.SummaryPoints = list
		}
	}

	return fields, found
}

// summaryList keeps commas inside a single summary string intact.
func summaryList(v any) ([]string, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return []string{}, true
		}
		return []string{s}, true
	}
	return stringList(v, nil)
}

// years accepts numbers and strings such as "3+ years". Negative values are dropped.
func years(v any) *float64 {
	var n float64
	switch val := v.(type) {
	case float64:
		n = val
	case string:
		m := leadingNumber.FindString(val)
		if m == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return nil
		}
		n = parsed
	default:
		return nil
	}
	if n < 0 {
		return nil
	}
	return &n
}

var experienceValue = regexp.MustCompile(`(?i)"(?:min_experience_years|experience_years|years_of_experience|min_years)"\s*:\s*"?(\d+(?:\.\d+)?)[",}\s]`)

func repairJobFields(text string) (*JobFields, bool) {
	fields := &JobFields{Skills: []string{}, SummaryPoints: []string{}, Repaired: true, Strategy: StrategyRepaired}
	found := false

	if m := experienceValue.FindStringSubmatch(text); m != nil {
		if n, err := strconv.ParseFloat(m[1], 64); err == nil {
			fields.MinExperienceYears = &n
			found = true
		}
	}
	if skills, ok := repairStringArray(text, skillKeys, false); ok {
		fields.Skills = skills
		found = true
	}
	if points, ok := repairStringArray(text, summaryKeys, false); ok {
		fields.SummaryPoints = points
		found = true
	}

	if !found {
		return nil, false
	}
	return fields, true
}

