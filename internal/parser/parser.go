// Package parser turns loosely formatted model output into typed results.
//
// Every parse walks the same ladder: the whole text, the content of a markdown code
// fence, the outermost object or array embedded in prose, truncation repair and
// finally recognized empty answers. Functions here are pure.
package parser

import (
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

// Strategy names the rung of the ladder that produced a result.
type Strategy string

const (
	StrategyDirect   Strategy = "direct"
	StrategyFenced   Strategy = "fenced"
	StrategyEmbedded Strategy = "embedded"
	StrategyRepaired Strategy = "repaired"
	StrategyNegative Strategy = "negative"
)

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\s*(.*?)\\s*```")

type candidate struct {
	text     string
	strategy Strategy
}

// candidates lists the substrings worth decoding, most specific first.
func candidates(text string) []candidate {
	out := []candidate{{text: text, strategy: StrategyDirect}}

	if m := fencePattern.FindStringSubmatch(text); m != nil {
		out = append(out, candidate{text: m[1], strategy: StrategyFenced})
	}

	if obj, ok := enclosed(text, '{', '}'); ok && obj != text {
		out = append(out, candidate{text: obj, strategy: StrategyEmbedded})
	}
	// A bare array only counts when it opens before any object.
	objAt := strings.IndexByte(text, '{')
	if arr, ok := enclosed(text, '[', ']'); ok && arr != text && (objAt < 0 || strings.IndexByte(text, '[') < objAt) {
		out = append(out, candidate{text: arr, strategy: StrategyEmbedded})
	}

	return out
}

// enclosed returns the span between the first open and the last close delimiter.
func enclosed(text string, open, close byte) (string, bool) {
	start := strings.IndexByte(text, open)
	end := strings.LastIndexByte(text, close)
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

func decode(text string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, false
	}
	return v, true
}

// lookup returns the value of the first synonym present in obj. Keys match case-insensitively.
func lookup(obj map[string]any, keys []string) (any, bool) {
	for _, key := range keys {
		if v, ok := obj[key]; ok {
			return v, true
		}
	}
	for k, v := range obj {
		lk := strings.ToLower(strings.TrimSpace(k))
		for _, key := range keys {
			if lk == key {
				return v, true
			}
		}
	}
	return nil, false
}

// stringList accepts an array of strings, an array of objects carrying one of itemKeys,
// a comma separated string or null. Empty and duplicate entries are dropped.
func stringList(v any, itemKeys []string) ([]string, bool) {
	out := []string{}
	seen := map[string]struct{}{}

	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	switch val := v.(type) {
	case nil:
		return out, true
	case string:
		for _, part := range strings.Split(val, ",") {
			add(part)
		}
		return out, true
	case []any:
		for _, item := range val {
			switch it := item.(type) {
			case string:
				add(it)
			case map[string]any:
				if inner, ok := lookup(it, itemKeys); ok {
					if s, ok := inner.(string); ok {
						add(s)
					}
				}
			}
		}
		return out, true
	default:
		return nil, false
	}
}
