package inference

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/spigell/job-aggregator/internal/endpoint"
	"github.com/spigell/job-aggregator/internal/logger"
	"github.com/spigell/job-aggregator/internal/metrics"
)

const DefaultCallTimeout = 30 * time.Second

type RouterOptions struct {
	// CallTimeout bounds every single call. Zero means DefaultCallTimeout.
	CallTimeout time.Duration
	Clock       clock.Clock
	Metrics     *metrics.Metrics
}

// Router is a Caller that forwards to the client registered for the endpoint provider.
// It primes the payload for the endpoint mode and applies the per-call timeout.
type Router struct {
	mu      sync.RWMutex
	clients map[string]Caller

	timeout time.Duration
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewRouter(opts RouterOptions, log *zap.Logger) *Router {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	return &Router{
		clients: make(map[string]Caller),
		timeout: opts.CallTimeout,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		logger:  logger.WithFields(log, zap.String("component", "inference")),
	}
}

// Register binds a provider name to a client. Later registrations replace earlier ones.
func (r *Router) Register(provider string, c Caller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[strings.ToLower(strings.TrimSpace(provider))] = c
}

// Providers lists the registered provider names.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}

func (r *Router) Call(ctx context.Context, d endpoint.Descriptor, p Payload) Response {
	r.mu.RLock()
	client, ok := r.clients[strings.ToLower(d.Provider)]
	r.mu.RUnlock()

	log := logger.WithEndpoint(r.logger, d.Name, d.Provider)

	if !ok {
		log.Error("no client for provider")
		return Terminal(fmt.Errorf("%w: %s", ErrUnknownProvider, d.Provider))
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := r.clock.Now()
	resp := client.Call(callCtx, d, Prime(d.Mode, p))
	resp.Latency = r.clock.Since(start)

	// A call that ran out of its own budget is transient, a cancelled run is terminal.
	if resp.Outcome != OutcomeSuccess && resp.Outcome != OutcomeRateLimited {
		if ctxResp, ended := FromContext(callCtx, resp.Err); ended {
			resp.Outcome = ctxResp.Outcome
		}
	}

	r.metrics.CallLatency(d.Name, resp.Latency)
	log.Debug("inference call finished",
		zap.Stringer("outcome", resp.Outcome),
		zap.Duration("latency", resp.Latency),
		zap.Int("response_chars", len(resp.Text)),
		zap.Error(resp.Err),
	)

	return resp
}
