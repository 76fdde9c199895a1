// Package consensus confirms flagged work items by asking two fixed endpoints per run
// and acting only on what they agree on.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/job-aggregator/internal/endpoint"
	"github.com/spigell/job-aggregator/internal/inference"
	"github.com/spigell/job-aggregator/internal/logger"
	"github.com/spigell/job-aggregator/internal/metrics"
	"github.com/spigell/job-aggregator/internal/parser"
	"github.com/spigell/job-aggregator/internal/prompt"
)

const (
	DefaultMaxBatchItems        = 25
	DefaultPromptOverheadTokens = 2000
	DefaultTokensPerItem        = 200

	validationMaxTokens   = 1000
	validationTemperature = 0.7
)

// ErrNotEnoughEndpoints is returned when fewer than two distinct endpoints are configured.
var ErrNotEnoughEndpoints = errors.New("consensus needs at least two distinct endpoints")

// RecordSink receives call outcomes so the shared endpoint load state stays accurate.
type RecordSink interface {
	RecordOutcome(name string, success bool)
	MarkRateLimited(name string, retryAfter time.Duration)
}

type nopSink struct{}

func (nopSink) RecordOutcome(string, bool)            {}
func (nopSink) MarkRateLimited(string, time.Duration) {}

type Options struct {
	// MaxBatchItems caps the number of items per prompt.
	MaxBatchItems int
	// AllowPartial lets a batch act on one endpoint's answer when its partner failed.
	AllowPartial bool
	// PromptOverheadTokens is reserved for the fixed prompt text.
	PromptOverheadTokens int
	// TokensPerItem is the estimated footprint of one item in the prompt.
	TokensPerItem int
	// MaxParallelBatches bounds concurrent batches. Zero means no limit.
	MaxParallelBatches int
	// ResumeMaxChars bounds the resume embedded in every prompt.
	ResumeMaxChars int

	Rand    *rand.Rand
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// WorkItem is one item to validate. ID is usually the job URL.
type WorkItem struct {
	ID   string
	Text string
}

type ValidationRequest struct {
	Items  []WorkItem
	Resume string
}

// EndpointVerdict is what one endpoint answered for a batch.
type EndpointVerdict struct {
	Endpoint string          `json:"endpoint"`
	Outcome  string          `json:"outcome"`
	Flagged  []string        `json:"flagged"`
	Strategy parser.Strategy `json:"strategy,omitempty"`
	Latency  time.Duration   `json:"latency"`
	Error    string          `json:"error,omitempty"`

	keys []string
	ok   bool
}

type BatchResult struct {
	Index     int                `json:"index"`
	ItemCount int                `json:"item_count"`
	Endpoints [2]EndpointVerdict `json:"endpoints"`
	Status    string             `json:"status"`
	Confirmed []string           `json:"confirmed"`
	// Succeeded lists the endpoints that produced a usable answer.
	Succeeded    []string `json:"succeeded"`
	Error        string   `json:"error,omitempty"`
	RepairEvents []string `json:"repair_events,omitempty"`
}

// Result is the outcome of one validation run. Confirmed holds caller supplied identifiers.
type Result struct {
	RunID            string        `json:"run_id"`
	Endpoints        [2]string     `json:"endpoints"`
	Confirmed        []string      `json:"confirmed"`
	Batches          []BatchResult `json:"batches"`
	ItemsEvaluated   int           `json:"items_evaluated"`
	RequireUnanimous bool          `json:"require_unanimous"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Validator runs validation requests. It is safe for concurrent use; every run keeps its own
// endpoint pair and identifier mapping.
type Validator struct {
	endpoints endpoint.Set
	caller    inference.Caller
	sink      RecordSink

	maxBatchItems  int
	partial        bool
	overheadTokens int
	tokensPerItem  int
	maxParallel    int
	resumeMaxChars int

	randMu sync.Mutex
	rand   *rand.Rand

	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(descriptors []endpoint.Descriptor, caller inference.Caller, sink RecordSink, opts Options, log *zap.Logger) (*Validator, error) {
	set, err := endpoint.NewSet(descriptors)
	if err != nil {
		return nil, err
	}
	if len(set) < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrNotEnoughEndpoints, len(set))
	}

	if opts.MaxBatchItems <= 0 {
		opts.MaxBatchItems = DefaultMaxBatchItems
	}
	if opts.PromptOverheadTokens <= 0 {
		opts.PromptOverheadTokens = DefaultPromptOverheadTokens
	}
	if opts.TokensPerItem <= 0 {
		opts.TokensPerItem = DefaultTokensPerItem
	}
	if opts.ResumeMaxChars <= 0 {
		opts.ResumeMaxChars = prompt.DefaultResumeMaxChars
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if sink == nil {
		sink = nopSink{}
	}

	return &Validator{
		endpoints:      set,
		caller:         caller,
		sink:           sink,
		maxBatchItems:  opts.MaxBatchItems,
		partial:        opts.AllowPartial,
		overheadTokens: opts.PromptOverheadTokens,
		tokensPerItem:  opts.TokensPerItem,
		maxParallel:    opts.MaxParallelBatches,
		resumeMaxChars: opts.ResumeMaxChars,
		rand:           opts.Rand,
		clock:          opts.Clock,
		metrics:        opts.Metrics,
		logger:         logger.WithFields(log, zap.String("component", "consensus")),
	}, nil
}

// run is the state of one validation request.
type run struct {
	id     string
	pair   endpoint.Set
	resume string
	ids    *identifiers
	logger *zap.Logger
}

// Validate splits the items into batches, asks both endpoints of the run's pair about every
// batch and returns the identifiers they agree on. Batch failures are reported in the result.
func (v *Validator) Validate(ctx context.Context, req ValidationRequest) *Result {
	start := v.clock.Now()
	runID := uuid.NewString()
	log := logger.WithFields(v.logger, zap.String(logger.FieldRunID, runID))

	result := &Result{
		RunID:            runID,
		Confirmed:        []string{},
		Batches:          []BatchResult{},
		RequireUnanimous: !v.partial,
	}
	if len(req.Items) == 0 {
		log.Info("nothing to validate")
		return result
	}

	pair := v.pickPair()
	result.Endpoints = [2]string{pair[0].Name, pair[1].Name}

	ids, items := newIdentifiers(req.Items, log)
	result.ItemsEvaluated = len(items)

	r := &run{
		id:     runID,
		pair:   pair,
		resume: prompt.TruncateResume(req.Resume, v.resumeMaxChars),
		ids:    ids,
		logger: log,
	}

	batches := partition(items, v.batchSize(pair, r.resume))
	log.Info("validating matches",
		zap.Strings("endpoints", pair.Names()),
		zap.Int("items", len(items)),
		zap.Int("batches", len(batches)),
		zap.Bool("require_unanimous", !v.partial),
	)

	results := make([]BatchResult, len(batches))
	var g errgroup.Group
	if v.maxParallel > 0 {
		g.SetLimit(v.maxParallel)
	}
	for i, batch := range batches {
		g.Go(func() error {
			results[i] = v.runBatch(ctx, r, i, batch)
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]struct{})
	for _, b := range results {
		for _, id := range b.Confirmed {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			result.Confirmed = append(result.Confirmed, id)
		}
	}
	result.Batches = results
	result.Elapsed = v.clock.Since(start)

	log.Info("validation complete",
		zap.Int("confirmed", len(result.Confirmed)),
		zap.Int("items", result.ItemsEvaluated),
		zap.Duration("elapsed", result.Elapsed),
	)

	return result
}

// pickPair chooses two distinct endpoints, preferring low-variance ones.
func (v *Validator) pickPair() endpoint.Set {
	pool := v.endpoints.LowVariance()
	if len(pool) < 2 {
		pool = v.endpoints
	}

	v.randMu.Lock()
	perm := v.rand.Perm(len(pool))
	v.randMu.Unlock()

	return endpoint.Set{pool[perm[0]], pool[perm[1]]}
}

func (v *Validator) runBatch(ctx context.Context, r *run, index int, items []WorkItem) BatchResult {
	log := r.logger.With(zap.Int(logger.FieldBatch, index+1))

	keys := make(map[string]struct{}, len(items))
	promptItems := make([]prompt.Item, 0, len(items))
	for _, item := range items {
		keys[Normalize(item.ID)] = struct{}{}
		promptItems = append(promptItems, prompt.Item{ID: item.ID, Text: item.Text})
	}

	var verdicts [2]EndpointVerdict
	var g errgroup.Group
	for i, d := range r.pair {
		g.Go(func() error {
			verdicts[i] = v.ask(ctx, r, d, index, promptItems, keys, log)
			return nil
		})
	}
	_ = g.Wait()

	confirmedKeys, status := agree(
		verdict{ok: verdicts[0].ok, keys: verdicts[0].keys},
		verdict{ok: verdicts[1].ok, keys: verdicts[1].keys},
		v.partial,
	)

	batch := BatchResult{
		Index:     index,
		ItemCount: len(items),
		Endpoints: verdicts,
		Status:    status,
		Confirmed: make([]string, 0, len(confirmedKeys)),
		Succeeded: []string{},
	}
	for _, key := range confirmedKeys {
		batch.Confirmed = append(batch.Confirmed, r.ids.original(key))
	}
	for _, vd := range verdicts {
		if vd.ok {
			batch.Succeeded = append(batch.Succeeded, vd.Endpoint)
		}
		if vd.Strategy == parser.StrategyRepaired || vd.Strategy == parser.StrategyNegative {
			batch.RepairEvents = append(batch.RepairEvents,
				fmt.Sprintf("%s: answer recovered by %s strategy", vd.Endpoint, vd.Strategy))
		}
	}

	switch status {
	case StatusErrored:
		batch.Error = fmt.Sprintf("both endpoints failed: %s; %s", verdicts[0].Error, verdicts[1].Error)
		log.Error("batch failed on both endpoints")
	case StatusSingle:
		log.Warn("only one endpoint answered, nothing confirmed", zap.Strings("succeeded", batch.Succeeded))
	case StatusPartial:
		if len(batch.Succeeded) < 2 {
			log.Warn("acting on a single endpoint answer", zap.Strings("succeeded", batch.Succeeded))
		}
	}

	v.metrics.Batch(status, len(batch.Confirmed))
	log.Debug("batch done",
		zap.String("status", status),
		zap.Int("a_flagged", len(verdicts[0].keys)),
		zap.Int("b_flagged", len(verdicts[1].keys)),
		zap.Int("confirmed", len(batch.Confirmed)),
	)

	return batch
}

// ask calls one endpoint of the pair for a batch and reports the outcome to the sink.
func (v *Validator) ask(ctx context.Context, r *run, d endpoint.Descriptor, index int, items []prompt.Item, batch map[string]struct{}, log *zap.Logger) EndpointVerdict {
	epLog := logger.WithEndpoint(log, d.Name, d.Provider)

	resp := v.caller.Call(ctx, d, inference.Payload{
		Prompt:      prompt.Validation(r.resume, items, d.DisplayName(), index),
		Schema:      prompt.FlaggedSchema(),
		MaxTokens:   validationMaxTokens,
		Temperature: validationTemperature,
	})

	vd := EndpointVerdict{
		Endpoint: d.Name,
		Outcome:  resp.Outcome.String(),
		Flagged:  []string{},
		Latency:  resp.Latency,
	}

	switch resp.Outcome {
	case inference.OutcomeSuccess:
		flagged, ok := parser.ParseFlagged(resp.Text)
		if !ok {
			vd.Outcome = "undecodable"
			vd.Error = "response could not be parsed"
			v.sink.RecordOutcome(d.Name, false)
			epLog.Warn("validation response could not be parsed")
			return vd
		}

		v.sink.RecordOutcome(d.Name, true)
		vd.ok = true
		vd.Strategy = flagged.Strategy
		vd.keys = resolve(flagged.URLs, batch, epLog)
		for _, key := range vd.keys {
			vd.Flagged = append(vd.Flagged, r.ids.original(key))
		}
		if flagged.Repaired {
			epLog.Warn("validation response was truncated, using recovered identifiers",
				zap.Int("recovered", len(vd.keys)))
		}

	case inference.OutcomeRateLimited:
		v.sink.MarkRateLimited(d.Name, resp.RetryAfter)
		v.sink.RecordOutcome(d.Name, false)
		vd.Error = errString(resp.Err)
		epLog.Warn("endpoint rate limited during validation", zap.Duration("retry_after", resp.RetryAfter))

	default:
		v.sink.RecordOutcome(d.Name, false)
		vd.Error = errString(resp.Err)
		epLog.Warn("validation call failed", zap.Stringer("outcome", resp.Outcome), zap.Error(resp.Err))
	}

	return vd
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
