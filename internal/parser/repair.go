package parser

import (
	"strings"

	"github.com/goccy/go-json"
)

// repairStringArray recovers the complete string elements of the array stored under one
// of keys from text that may be cut short. With allowBare a top-level array also qualifies.
// The incomplete tail is dropped so only fully emitted elements are returned.
func repairStringArray(text string, keys []string, allowBare bool) ([]string, bool) {
	start, ok := arrayStart(text, keys, allowBare)
	if !ok {
		return nil, false
	}

	var (
		out     = []string{}
		inStr   bool
		escaped bool
		strFrom int
	)

	for i := start; i < len(text); i++ {
		c := text[i]

		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
				if s, ok := unquote(text[strFrom : i+1]); ok {
					out = append(out, s)
				}
			}
			continue
		}

		switch c {
		case '"':
			inStr = true
			strFrom = i
		case ']':
			return out, true
		}
	}

	return out, true
}

// arrayStart returns the index right after the '[' that opens the wanted array.
func arrayStart(text string, keys []string, allowBare bool) (int, bool) {
	lower := strings.ToLower(text)

	best := -1
	for _, key := range keys {
		idx := strings.Index(lower, `"`+key+`"`)
		if idx < 0 {
			continue
		}
		pos := skipSpace(text, idx+len(key)+2)
		if pos >= len(text) || text[pos] != ':' {
			continue
		}
		pos = skipSpace(text, pos+1)
		if pos >= len(text) || text[pos] != '[' {
			continue
		}
		if best < 0 || pos < best {
			best = pos
		}
	}
	if best >= 0 {
		return best + 1, true
	}

	if !allowBare {
		return 0, false
	}

	trimmed := strings.TrimLeft(text, " \t\r\n")
	if strings.HasPrefix(trimmed, "[") {
		return len(text) - len(trimmed) + 1, true
	}

	return 0, false
}

func skipSpace(text string, pos int) int {
	for pos < len(text) {
		switch text[pos] {
		case ' ', '\t', '\r', '\n':
			pos++
		default:
			return pos
		}
	}
	return pos
}

func unquote(quoted string) (string, bool) {
	var s string
	if err := json.Unmarshal([]byte(quoted), &s); err != nil {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}
