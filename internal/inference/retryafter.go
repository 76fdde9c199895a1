package inference

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var resetHeaders = []string{
	"x-ratelimit-reset-tokens",
	"x-ratelimit-reset-requests",
}

// retryDelayPattern matches hints embedded in provider error messages, for example
// `"retryDelay": "13s"` or "Please retry in 21.5s".
var retryDelayPattern = regexp.MustCompile(`(?i)retry(?:delay"?\s*:\s*"|\s+(?:in|after)\s+)([0-9]+(?:\.[0-9]+)?)\s*(ms|s|m|seconds?)?`)

// ParseRetryAfter extracts the cooldown advertised by a rate-limited response.
// Retry-After wins over the x-ratelimit-reset headers. Zero means unknown.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	if h == nil {
		return 0
	}

	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := at.Sub(now); d > 0 {
				return d
			}
		}
	}

	for _, key := range resetHeaders {
		if d := parseResetValue(h.Get(key)); d > 0 {
			return d
		}
	}

	return 0
}

// ParseRetryDelay looks for a retry hint in an error message.
func ParseRetryDelay(msg string) time.Duration {
	m := retryDelayPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil || value <= 0 {
		return 0
	}

	switch strings.ToLower(m[2]) {
	case "ms":
		return time.Duration(value * float64(time.Millisecond))
	case "m":
		return time.Duration(value * float64(time.Minute))
	default:
		return time.Duration(value * float64(time.Second))
	}
}

// parseResetValue accepts Go-style durations such as "7.66s" or "2m59.56s" and bare seconds.
func parseResetValue(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}
