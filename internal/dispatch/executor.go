package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/spigell/job-aggregator/internal/endpoint"
	"github.com/spigell/job-aggregator/internal/inference"
	"github.com/spigell/job-aggregator/internal/logger"
	"github.com/spigell/job-aggregator/internal/metrics"
	"github.com/spigell/job-aggregator/internal/utils"
)

const (
	DefaultCooldown         = 60 * time.Second
	DefaultDuplicateRetries = 3

	previewChars = 200
)

var errUndecodable = errors.New("response could not be parsed")

// Selector is the part of the endpoint registry used by the executor.
type Selector interface {
	SelectNext() endpoint.Descriptor
	Release(name string)
	RecordOutcome(name string, success bool)
	MarkRateLimited(name string, retryAfter time.Duration)
	Endpoints() endpoint.Set
}

type Options struct {
	// DefaultCooldown is applied when a rate-limited response carries no retry hint.
	DefaultCooldown time.Duration
	// DuplicateRetries caps how often the registry is asked again for an untried endpoint.
	DuplicateRetries int

	Metrics *metrics.Metrics
	Clock   clock.Clock
}

// Executor runs one logical request against rotating endpoints until one answers usefully.
type Executor struct {
	selector Selector
	caller   inference.Caller

	cooldown         time.Duration
	duplicateRetries int
	metrics          *metrics.Metrics
	clock            clock.Clock
	logger           *zap.Logger
}

func New(selector Selector, caller inference.Caller, opts Options, log *zap.Logger) *Executor {
	if opts.DefaultCooldown <= 0 {
		opts.DefaultCooldown = DefaultCooldown
	}
	if opts.DuplicateRetries < 0 {
		opts.DuplicateRetries = 0
	} else if opts.DuplicateRetries == 0 {
		opts.DuplicateRetries = DefaultDuplicateRetries
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	return &Executor{
		selector:         selector,
		caller:           caller,
		cooldown:         opts.DefaultCooldown,
		duplicateRetries: opts.DuplicateRetries,
		metrics:          opts.Metrics,
		clock:            opts.Clock,
		logger:           logger.WithFields(log, zap.String("component", "dispatch")),
	}
}

// Request is one logical request. Decode turns the raw endpoint text into the result.
type Request[T any] struct {
	Task    string
	Payload inference.Payload
	Decode  func(raw string) (T, bool)
}

// Attempt describes a single endpoint call of a logical request.
type Attempt struct {
	Endpoint   string        `json:"endpoint"`
	Outcome    string        `json:"outcome"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Latency    time.Duration `json:"latency"`
	// Duplicate marks an endpoint that was called again because the registry offered nothing new.
	Duplicate bool  `json:"duplicate,omitempty"`
	Err       error `json:"-"`
}

type Result[T any] struct {
	Value    T
	Endpoint string
	Attempts []Attempt
	Elapsed  time.Duration
}

// Execute tries up to one attempt per configured endpoint. Rate limits install a cooldown and
// rotate immediately. It returns an *ExhaustedError when no endpoint produced a decodable answer.
func Execute[T any](ctx context.Context, e *Executor, req Request[T]) (*Result[T], error) {
	task := req.Task
	if task == "" {
		task = "dispatch"
	}
	log := logger.WithFields(e.logger, zap.String(logger.FieldTask, task))

	total := len(e.selector.Endpoints())
	tried := make(map[string]struct{}, total)
	attempts := make([]Attempt, 0, total)
	start := e.clock.Now()

	var lastErr error
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%s: %w", task, err)
		}

		d, duplicate := e.next(tried, log)
		tried[d.Name] = struct{}{}

		epLog := logger.WithEndpoint(log, d.Name, d.Provider)
		epLog.Debug("dispatch attempt", zap.Int("attempt", i+1), zap.Int("max_attempts", total))

		resp := e.caller.Call(ctx, d, req.Payload)
		attempt := Attempt{
			Endpoint:  d.Name,
			Outcome:   resp.Outcome.String(),
			Latency:   resp.Latency,
			Duplicate: duplicate,
			Err:       resp.Err,
		}

		switch resp.Outcome {
		case inference.OutcomeSuccess:
			value, ok := req.Decode(resp.Text)
			if ok {
				e.selector.RecordOutcome(d.Name, true)
				e.metrics.Attempt(task, attempt.Outcome)
				attempts = append(attempts, attempt)

				epLog.Info("dispatch succeeded", zap.Int("attempt", i+1))
				return &Result[T]{
					Value:    value,
					Endpoint: d.Name,
					Attempts: attempts,
					Elapsed:  e.clock.Since(start),
				}, nil
			}

			attempt.Outcome = "undecodable"
			attempt.Err = errUndecodable
			e.selector.RecordOutcome(d.Name, false)
			epLog.Warn("endpoint returned a response that could not be parsed",
				zap.String("response_preview", utils.TruncateForLog(resp.Text, previewChars)),
			)

		case inference.OutcomeRateLimited:
			retryAfter := resp.RetryAfter
			if retryAfter <= 0 {
				retryAfter = e.cooldown
			}
			attempt.RetryAfter = retryAfter
			e.selector.MarkRateLimited(d.Name, retryAfter)
			e.selector.RecordOutcome(d.Name, false)
			epLog.Warn("rate limit hit, moving to next endpoint", zap.Duration("retry_after", retryAfter))

		default:
			e.selector.RecordOutcome(d.Name, false)
			epLog.Warn("endpoint call failed", zap.Stringer("outcome", resp.Outcome), zap.Error(resp.Err))
		}

		e.metrics.Attempt(task, attempt.Outcome)
		attempts = append(attempts, attempt)
		lastErr = attempt.Err
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", task, err)
	}

	e.metrics.Exhausted(task)
	log.Error("all endpoints failed", zap.Int("attempts", len(attempts)), zap.Error(lastErr))

	return nil, &ExhaustedError{Task: task, Attempts: attempts, Last: lastErr}
}

// next asks the registry for an endpoint not yet tried in this request. Discarded duplicates
// are released. After the retry cap the duplicate is returned anyway.
func (e *Executor) next(tried map[string]struct{}, log *zap.Logger) (endpoint.Descriptor, bool) {
	d := e.selector.SelectNext()
	for retry := 0; retry < e.duplicateRetries; retry++ {
		if _, seen := tried[d.Name]; !seen {
			return d, false
		}
		log.Debug("endpoint already tried, asking again", zap.String(logger.FieldEndpoint, d.Name))
		e.selector.Release(d.Name)
		d = e.selector.SelectNext()
	}

	_, seen := tried[d.Name]
	if seen {
		log.Warn("no untried endpoint available, reusing", zap.String(logger.FieldEndpoint, d.Name))
	}
	return d, seen
}
