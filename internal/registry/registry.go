package registry

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/spigell/job-aggregator/internal/endpoint"
	"github.com/spigell/job-aggregator/internal/logger"
	"github.com/spigell/job-aggregator/internal/metrics"
)

const (
	DefaultWindow       = 60 * time.Second
	DefaultPendingGrace = 5 * time.Second
	DefaultCooldown     = 60 * time.Second

	minSuccessRate   = 0.1
	pendingPenalty   = 0.1
	tieBreakPerIndex = 0.01
)

// ErrNoEndpoints is returned when the registry is built without endpoints.
var ErrNoEndpoints = errors.New("no endpoints configured")

type outcome int8

const (
	outcomePending outcome = iota
	outcomeSuccess
	outcomeFailure
)

type usageRecord struct {
	at      time.Time
	outcome outcome
}

// Options tunes the registry. Zero values mean defaults.
type Options struct {
	// Window is the sliding window for usage accounting.
	Window time.Duration
	// PendingGrace bounds how old a pending record may be to absorb an outcome.
	PendingGrace time.Duration
	// DefaultCooldown is used by MarkRateLimited when no positive delay is given.
	DefaultCooldown time.Duration
	// Fallback names the endpoint returned when every endpoint is cooling down.
	// Defaults to the first configured endpoint.
	Fallback string
	// DisableRotation pins every selection to the fallback endpoint.
	DisableRotation bool

	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// Registry tracks endpoint usage and cooldowns and picks the next endpoint to call.
// It is safe for concurrent use.
type Registry struct {
	endpoints endpoint.Set
	fallback  endpoint.Descriptor
	window    time.Duration
	grace     time.Duration
	cooldown  time.Duration
	rotation  bool

	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	usage         map[string][]usageRecord
	cooldowns     map[string]time.Time
	selections    map[string]int
	rateLimitHits map[string]int
	total         int
	cleanups      int
}

// New builds a registry over the given descriptors.
func New(descriptors []endpoint.Descriptor, opts Options, log *zap.Logger) (*Registry, error) {
	if len(descriptors) == 0 {
		return nil, ErrNoEndpoints
	}

	set, err := endpoint.NewSet(descriptors)
	if err != nil {
		return nil, err
	}

	fallback := set[0]
	if opts.Fallback != "" {
		d, ok := set.Find(opts.Fallback)
		if !ok {
			return nil, fmt.Errorf("%w: fallback endpoint %q is not configured", endpoint.ErrInvalid, opts.Fallback)
		}
		fallback = d
	}

	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.PendingGrace <= 0 {
		opts.PendingGrace = DefaultPendingGrace
	}
	if opts.DefaultCooldown <= 0 {
		opts.DefaultCooldown = DefaultCooldown
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	r := &Registry{
		endpoints:     set,
		fallback:      fallback,
		window:        opts.Window,
		grace:         opts.PendingGrace,
		cooldown:      opts.DefaultCooldown,
		rotation:      !opts.DisableRotation,
		clock:         opts.Clock,
		logger:        logger.WithFields(log, zap.String("component", "registry")),
		metrics:       opts.Metrics,
		usage:         make(map[string][]usageRecord),
		cooldowns:     make(map[string]time.Time),
		selections:    make(map[string]int),
		rateLimitHits: make(map[string]int),
	}

	r.logger.Info("endpoint registry initialized",
		zap.Strings("endpoints", set.Names()),
		zap.Duration("window", r.window),
		zap.String("fallback", fallback.Name),
		zap.Bool("rotation_enabled", r.rotation),
	)

	return r, nil
}

// Endpoints returns a copy of the configured descriptors.
func (r *Registry) Endpoints() endpoint.Set {
	out := make(endpoint.Set, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

// SelectNext returns the least frequently used endpoint that is not cooling down.
// A pending usage record is written for the returned endpoint before the lock is released,
// so concurrent callers observe each other's selections.
func (r *Registry) SelectNext() endpoint.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.prune(now)

	if !r.rotation {
		if r.coolingDown(r.fallback.Name, now) {
			r.logger.Warn("rotation disabled and fallback endpoint is rate limited", zap.String("endpoint", r.fallback.Name))
		}
		return r.commit(r.fallback, now)
	}

	available := r.availableLocked(now)

	switch len(available) {
	case 0:
		r.logger.Warn("all endpoints are rate limited, returning fallback endpoint",
			zap.String("endpoint", r.fallback.Name),
		)
		r.metrics.Degraded()
		return r.commit(r.fallback, now)
	case 1:
		r.logger.Debug("single available endpoint", zap.String("endpoint", available[0].Name))
		return r.commit(available[0], now)
	}

	best := -1
	bestScore := math.Inf(1)
	for i, d := range available {
		score := r.score(d.Name, i)
		r.logger.Debug("endpoint score",
			zap.String("endpoint", d.Name),
			zap.Float64("score", score),
		)
		if score < bestScore {
			best, bestScore = i, score
		}
	}

	selected := available[best]
	r.logger.Debug("selected endpoint",
		zap.String("endpoint", selected.Name),
		zap.Float64("score", bestScore),
		zap.Int("available", len(available)),
	)

	return r.commit(selected, now)
}

// RecordOutcome resolves the most recent pending record of the endpoint. When no pending
// record is young enough a completed record is appended instead.
func (r *Registry) RecordOutcome(name string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.endpoints.Find(name); !ok {
		r.logger.Warn("outcome for unknown endpoint ignored", zap.String("endpoint", name))
		return
	}

	now := r.clock.Now()
	result := outcomeFailure
	if success {
		result = outcomeSuccess
	}

	records := r.usage[name]
	resolved := false
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].outcome != outcomePending {
			continue
		}
		if now.Sub(records[i].at) <= r.grace {
			records[i] = usageRecord{at: now, outcome: result}
			resolved = true
		}
		break
	}
	if !resolved {
		records = append(records, usageRecord{at: now, outcome: result})
	}
	r.usage[name] = records

	r.metrics.Outcome(name, success)
	r.logger.Debug("recorded outcome", zap.String("endpoint", name), zap.Bool("success", success))
}

// Release drops the newest pending record of the endpoint and undoes its selection. It is
// used when a selection is discarded without making a call.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := r.usage[name]
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].outcome != outcomePending {
			continue
		}
		r.usage[name] = append(records[:i], records[i+1:]...)
		if r.selections[name] > 0 {
			r.selections[name]--
		}
		if r.total > 0 {
			r.total--
		}
		r.logger.Debug("released selection", zap.String("endpoint", name))
		return
	}
}

// MarkRateLimited excludes the endpoint from selection for retryAfter. The last call wins.
func (r *Registry) MarkRateLimited(name string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = r.cooldown
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	expiry := r.clock.Now().Add(retryAfter)
	r.cooldowns[name] = expiry
	r.rateLimitHits[name]++

	r.metrics.RateLimited(name)
	r.logger.Warn("endpoint marked as rate limited",
		zap.String("endpoint", name),
		zap.Duration("retry_after", retryAfter),
		zap.Time("until", expiry),
	)
}

// Available returns the endpoints that are not cooling down right now.
func (r *Registry) Available() endpoint.Set {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.prune(now)
	return r.availableLocked(now)
}

// Reset drops usage history, cooldowns and counters.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.usage = make(map[string][]usageRecord)
	r.cooldowns = make(map[string]time.Time)
	r.selections = make(map[string]int)
	r.rateLimitHits = make(map[string]int)
	r.total = 0
	r.cleanups = 0

	r.logger.Info("usage statistics, history and cooldowns reset")
}

func (r *Registry) commit(d endpoint.Descriptor, now time.Time) endpoint.Descriptor {
	r.usage[d.Name] = append(r.usage[d.Name], usageRecord{at: now, outcome: outcomePending})
	r.selections[d.Name]++
	r.total++
	r.metrics.Selected(d.Name)
	return d
}

// score is lower for less used endpoints. Failing endpoints are inflated by their success
// rate, in-flight selections add a penalty and the index breaks ties.
func (r *Registry) score(name string, index int) float64 {
	records := r.usage[name]

	var completed, succeeded, pending int
	for _, rec := range records {
		switch rec.outcome {
		case outcomePending:
			pending++
		case outcomeSuccess:
			completed++
			succeeded++
		case outcomeFailure:
			completed++
		}
	}

	rate := 1.0
	if completed > 0 {
		rate = float64(succeeded) / float64(completed)
	}

	return float64(len(records))/math.Max(rate, minSuccessRate) +
		float64(pending)*pendingPenalty +
		float64(index)*tieBreakPerIndex
}

func (r *Registry) availableLocked(now time.Time) endpoint.Set {
	available := make(endpoint.Set, 0, len(r.endpoints))
	for _, d := range r.endpoints {
		if !r.coolingDown(d.Name, now) {
			available = append(available, d)
		}
	}
	return available
}

func (r *Registry) coolingDown(name string, now time.Time) bool {
	expiry, ok := r.cooldowns[name]
	return ok && now.Before(expiry)
}

func (r *Registry) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	removed := 0

	for name, records := range r.usage {
		kept := records[:0]
		for _, rec := range records {
			if rec.at.After(cutoff) {
				kept = append(kept, rec)
			}
		}
		removed += len(records) - len(kept)
		if len(kept) == 0 {
			delete(r.usage, name)
			continue
		}
		r.usage[name] = kept
	}

	for name, expiry := range r.cooldowns {
		if !now.Before(expiry) {
			delete(r.cooldowns, name)
			r.logger.Info("rate limit expired, endpoint is available again", zap.String("endpoint", name))
		}
	}

	if removed > 0 {
		r.cleanups++
		r.logger.Debug("window cleanup", zap.Int("removed", removed))
	}
}
