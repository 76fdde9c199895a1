package inference

import (
	"context"
	"errors"
	"time"

	"github.com/spigell/job-aggregator/internal/endpoint"
)

// Outcome classifies a single inference call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeRateLimited means the endpoint refused the call because of quota.
	OutcomeRateLimited
	// OutcomeTransient covers network failures, timeouts, 5xx and empty bodies.
	OutcomeTransient
	// OutcomeTerminal covers errors that retrying the same endpoint will not fix.
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransient:
		return "transient"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

var (
	ErrEmptyResponse   = errors.New("endpoint returned empty response")
	ErrUnknownProvider = errors.New("no client registered for provider")
)

// Payload is the provider-neutral request.
type Payload struct {
	System string
	Prompt string
	// Schema is the JSON schema attached for strict-schema endpoints.
	Schema      map[string]any
	MaxTokens   int
	Temperature float64
}

// Response is the provider-neutral result. Err is set for every outcome except success.
type Response struct {
	Text       string
	Outcome    Outcome
	RetryAfter time.Duration
	Err        error
	Latency    time.Duration
}

// OK reports whether the call succeeded with a non-empty body.
func (r Response) OK() bool {
	return r.Outcome == OutcomeSuccess && r.Text != ""
}

// Caller performs exactly one call against one endpoint. It never retries.
type Caller interface {
	Call(ctx context.Context, d endpoint.Descriptor, p Payload) Response
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, d endpoint.Descriptor, p Payload) Response

func (f CallerFunc) Call(ctx context.Context, d endpoint.Descriptor, p Payload) Response {
	return f(ctx, d, p)
}

// Success builds a successful response, downgrading empty text to a transient failure.
func Success(text string) Response {
	if text == "" {
		return Response{Outcome: OutcomeTransient, Err: ErrEmptyResponse}
	}
	return Response{Text: text, Outcome: OutcomeSuccess}
}

func RateLimited(err error, retryAfter time.Duration) Response {
	return Response{Outcome: OutcomeRateLimited, Err: err, RetryAfter: retryAfter}
}

func Transient(err error) Response {
	return Response{Outcome: OutcomeTransient, Err: err}
}

func Terminal(err error) Response {
	return Response{Outcome: OutcomeTerminal, Err: err}
}

// FromContext classifies a failed call whose context ended. Deadline expiry is transient.
func FromContext(ctx context.Context, err error) (Response, bool) {
	if ctx.Err() == nil {
		return Response{}, false
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Transient(err), true
	}
	return Terminal(err), true
}
