package consensus

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/job-aggregator/internal/endpoint"
	"github.com/spigell/job-aggregator/internal/inference"
	"github.com/spigell/job-aggregator/internal/parser"
)

var promptURL = regexp.MustCompile(`URL: (\S+) - Description`)

// answerFunc decides an endpoint's response from the identifiers of the batch it was shown.
type answerFunc func(batch []string) inference.Response

type fakeCaller struct {
	mu      sync.Mutex
	answers map[string]answerFunc
	calls   map[string]int
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{answers: map[string]answerFunc{}, calls: map[string]int{}}
}

func (f *fakeCaller) on(name string, fn answerFunc) *fakeCaller {
	f.answers[name] = fn
	return f
}

func (f *fakeCaller) Call(ctx context.Context, d endpoint.Descriptor, p inference.Payload) inference.Response {
	f.mu.Lock()
	f.calls[d.Name]++
	fn, ok := f.answers[d.Name]
	f.mu.Unlock()

	if !ok {
		return inference.Terminal(errors.New("no answer for " + d.Name))
	}

	var batch []string
	for _, m := range promptURL.FindAllStringSubmatch(p.Prompt, -1) {
		batch = append(batch, m[1])
	}
	return fn(batch)
}

type recordingSink struct {
	mu          sync.Mutex
	outcomes    map[string][]bool
	rateLimited map[string]time.Duration
}

func newRecordingSink() *recordingSink {
	return &recordingSink{outcomes: map[string][]bool{}, rateLimited: map[string]time.Duration{}}
}

func (s *recordingSink) RecordOutcome(name string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[name] = append(s.outcomes[name], success)
}

func (s *recordingSink) MarkRateLimited(name string, retryAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimited[name] = retryAfter
}

// flag answers with the given identifiers, ignoring the batch.
func flag(ids ...string) answerFunc {
	return func([]string) inference.Response {
		return inference.Success(parser.MarshalFlagged(&parser.Flagged{URLs: ids}))
	}
}

// flagWhere answers with the batch identifiers matching keep.
func flagWhere(keep func(id string) bool) answerFunc {
	return func(batch []string) inference.Response {
		var out []string
		for _, id := range batch {
			if keep(id) {
				out = append(out, id)
			}
		}
		return inference.Success(parser.MarshalFlagged(&parser.Flagged{URLs: out}))
	}
}

func fail(resp inference.Response) answerFunc {
	return func([]string) inference.Response { return resp }
}

func pairDescriptors(names ...string) []endpoint.Descriptor {
	out := make([]endpoint.Descriptor, 0, len(names))
	for _, name := range names {
		out = append(out, endpoint.Descriptor{Name: name, Provider: "cerebras"})
	}
	return out
}

func newTestValidator(t *testing.T, descriptors []endpoint.Descriptor, caller inference.Caller, sink RecordSink, opts Options) *Validator {
	t.Helper()

	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(1, 2))
	}
	v, err := New(descriptors, caller, sink, opts, zap.NewNop())
	require.NoError(t, err)
	return v
}

func items(ids ...string) []WorkItem {
	out := make([]WorkItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, WorkItem{ID: id, Text: "Go developer, remote"})
	}
	return out
}

func TestNewRequiresTwoEndpoints(t *testing.T) {
	_, err := New(pairDescriptors("a"), newFakeCaller(), newRecordingSink(), Options{}, zap.NewNop())
	assert.True(t, errors.Is(err, ErrNotEnoughEndpoints))

	_, err = New(pairDescriptors("a", "a"), newFakeCaller(), newRecordingSink(), Options{}, zap.NewNop())
	assert.True(t, errors.Is(err, endpoint.ErrInvalid))
}

func TestValidateReturnsIntersection(t *testing.T) {
	caller := newFakeCaller().
		on("a", flag("https://jobs.example.com/1", "https://jobs.example.com/2", "https://jobs.example.com/3")).
		on("b", flag("https://jobs.example.com/2/", "https://jobs.example.com/3#apply", "https://jobs.example.com/4"))
	sink := newRecordingSink()
	v := newTestValidator(t, pairDescriptors("a", "b"), caller, sink, Options{})

	res := v.Validate(context.Background(), ValidationRequest{
		Items: items(
			"https://jobs.example.com/1",
			"https://jobs.example.com/2#top",
			"https://jobs.example.com/3",
			"https://jobs.example.com/4",
		),
		Resume: "Senior Go engineer",
	})

	require.Len(t, res.Batches, 1)
	assert.NotEmpty(t, res.RunID)
	assert.True(t, res.RequireUnanimous)
	assert.ElementsMatch(t, []string{"a", "b"}, res.Endpoints[:])
	assert.Equal(t, StatusUnanimous, res.Batches[0].Status)
	assert.ElementsMatch(t, []string{"https://jobs.example.com/2#top", "https://jobs.example.com/3"}, res.Confirmed)
	assert.Equal(t, []bool{true}, sink.outcomes["a"])
	assert.Equal(t, []bool{true}, sink.outcomes["b"])
}

func TestValidatePartialModeSubsetAnswer(t *testing.T) {
	subset := []string{"https://jobs.example.com/1"}
	superset := []string{"https://jobs.example.com/1", "https://jobs.example.com/2"}
	caller := newFakeCaller().on("a", flag(superset...)).on("b", flag(subset...))
	v := newTestValidator(t, pairDescriptors("a", "b"), caller, newRecordingSink(), Options{AllowPartial: true})

	res := v.Validate(context.Background(), ValidationRequest{Items: items(superset...)})

	assert.False(t, res.RequireUnanimous)
	assert.Equal(t, subset, res.Confirmed)
	assert.Equal(t, StatusUnanimous, res.Batches[0].Status)
}

func TestValidatePartialModeDisjointAnswers(t *testing.T) {
	caller := newFakeCaller().
		on("a", flag("https://jobs.example.com/1")).
		on("b", flag("https://jobs.example.com/2", "https://jobs.example.com/3"))
	v := newTestValidator(t, pairDescriptors("a", "b"), caller, newRecordingSink(), Options{AllowPartial: true})

	res := v.Validate(context.Background(), ValidationRequest{
		Items: items("https://jobs.example.com/1", "https://jobs.example.com/2", "https://jobs.example.com/3"),
	})

	assert.Empty(t, res.Confirmed)
	assert.Equal(t, StatusUnanimous, res.Batches[0].Status)
}

func TestValidateSingleAnswer(t *testing.T) {
	ids := []string{"https://jobs.example.com/1", "https://jobs.example.com/2"}

	tests := []struct {
		name          string
		partial       bool
		wantStatus    string
		wantConfirmed []string
	}{
		{name: "unanimous mode confirms nothing", wantStatus: StatusSingle, wantConfirmed: []string{}},
		{name: "partial mode uses the answer", partial: true, wantStatus: StatusPartial, wantConfirmed: ids[:1]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := newFakeCaller().
				on("a", flag(ids[0])).
				on("b", fail(inference.Transient(errors.New("connection reset"))))
			sink := newRecordingSink()
			v := newTestValidator(t, pairDescriptors("a", "b"), caller, sink, Options{AllowPartial: tt.partial})

			res := v.Validate(context.Background(), ValidationRequest{Items: items(ids...)})

			require.Len(t, res.Batches, 1)
			batch := res.Batches[0]
			assert.Equal(t, tt.wantStatus, batch.Status)
			assert.Equal(t, tt.wantConfirmed, res.Confirmed)
			assert.Equal(t, []string{"a"}, batch.Succeeded)
			assert.Empty(t, batch.Error)
			assert.Equal(t, []bool{false}, sink.outcomes["b"])
		})
	}
}

func TestValidateBothFail(t *testing.T) {
	caller := newFakeCaller().
		on("a", fail(inference.RateLimited(errors.New("too many requests"), 7*time.Second))).
		on("b", fail(inference.Success("I could not decide.")))
	sink := newRecordingSink()
	v := newTestValidator(t, pairDescriptors("a", "b"), caller, sink, Options{})

	res := v.Validate(context.Background(), ValidationRequest{Items: items("https://jobs.example.com/1")})

	require.Len(t, res.Batches, 1)
	batch := res.Batches[0]
	assert.Equal(t, StatusErrored, batch.Status)
	assert.NotEmpty(t, batch.Error)
	assert.Empty(t, res.Confirmed)
	assert.Empty(t, batch.Succeeded)
	assert.Equal(t, 7*time.Second, sink.rateLimited["a"])
	assert.Equal(t, []bool{false}, sink.outcomes["a"])
	assert.Equal(t, []bool{false}, sink.outcomes["b"])

	outcomes := map[string]string{}
	for _, vd := range batch.Endpoints {
		outcomes[vd.Endpoint] = vd.Outcome
	}
	assert.Equal(t, "rate_limited", outcomes["a"])
	assert.Equal(t, "undecodable", outcomes["b"])
}

func TestValidateSplitsIntoBatches(t *testing.T) {
	var ids []string
	index := map[string]int{}
	for i := 0; i < 61; i++ {
		id := fmt.Sprintf("https://jobs.example.com/vacancy/%d?src=search", i)
		ids = append(ids, id)
		index[id] = i
	}

	caller := newFakeCaller().
		on("a", flagWhere(func(id string) bool { return index[id]%2 == 0 })).
		on("b", flagWhere(func(id string) bool { return index[id]%3 == 0 }))
	v := newTestValidator(t, pairDescriptors("a", "b"), caller, newRecordingSink(), Options{MaxBatchItems: 25})

	res := v.Validate(context.Background(), ValidationRequest{Items: items(ids...), Resume: "Go"})

	require.Len(t, res.Batches, 3)
	sizes := []int{res.Batches[0].ItemCount, res.Batches[1].ItemCount, res.Batches[2].ItemCount}
	assert.Equal(t, []int{25, 25, 11}, sizes)
	assert.Equal(t, 61, res.ItemsEvaluated)

	var want []string
	for _, id := range ids {
		if index[id]%6 == 0 {
			want = append(want, id)
		}
	}
	assert.ElementsMatch(t, want, res.Confirmed)
	assert.Equal(t, 3, caller.calls["a"])
	assert.Equal(t, 3, caller.calls["b"])
}

func TestValidateDiscardsUnknownIdentifiers(t *testing.T) {
	caller := newFakeCaller().
		on("a", flag("https://jobs.example.com/1", "https://elsewhere.example.com/9")).
		on("b", flag("https://jobs.example.com/1", "https://elsewhere.example.com/9"))
	v := newTestValidator(t, pairDescriptors("a", "b"), caller, newRecordingSink(), Options{})

	res := v.Validate(context.Background(), ValidationRequest{Items: items("https://jobs.example.com/1")})

	assert.Equal(t, []string{"https://jobs.example.com/1"}, res.Confirmed)
}

func TestValidateKeepsFirstIdentifierOnCollision(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	caller := newFakeCaller().
		on("a", flag("https://jobs.example.com/1")).
		on("b", flag("https://jobs.example.com/1"))

	v, err := New(pairDescriptors("a", "b"), caller, newRecordingSink(), Options{Rand: rand.New(rand.NewPCG(3, 4))}, zap.New(core))
	require.NoError(t, err)

	res := v.Validate(context.Background(), ValidationRequest{
		Items: items("https://jobs.example.com/1#apply", "https://jobs.example.com/1/"),
	})

	assert.Equal(t, 1, res.ItemsEvaluated)
	assert.Equal(t, []string{"https://jobs.example.com/1#apply"}, res.Confirmed)
	assert.Equal(t, 1, logs.FilterMessageSnippet("collide").Len())
}

func TestValidatePrefersLowVarianceEndpoints(t *testing.T) {
	descriptors := []endpoint.Descriptor{
		{Name: "a", Provider: "groq"},
		{Name: "b", Provider: "groq", LowVariance: true},
		{Name: "c", Provider: "cerebras"},
		{Name: "d", Provider: "cerebras", LowVariance: true},
	}
	caller := newFakeCaller()
	for _, d := range descriptors {
		caller.on(d.Name, flag())
	}
	v := newTestValidator(t, descriptors, caller, newRecordingSink(), Options{})

	for i := 0; i < 10; i++ {
		res := v.Validate(context.Background(), ValidationRequest{Items: items("https://jobs.example.com/1")})
		pair := res.Endpoints[:]
		sort.Strings(pair)
		assert.Equal(t, []string{"b", "d"}, pair)
	}
}

func TestValidatePairIsFixedForTheRun(t *testing.T) {
	descriptors := pairDescriptors("a", "b", "c", "d")
	caller := newFakeCaller()
	for _, d := range descriptors {
		caller.on(d.Name, flag())
	}
	v := newTestValidator(t, descriptors, caller, newRecordingSink(), Options{MaxBatchItems: 2})

	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, fmt.Sprintf("https://jobs.example.com/%d", i))
	}
	res := v.Validate(context.Background(), ValidationRequest{Items: items(ids...)})

	require.Len(t, res.Batches, 5)
	for _, b := range res.Batches {
		assert.Equal(t, res.Endpoints[0], b.Endpoints[0].Endpoint)
		assert.Equal(t, res.Endpoints[1], b.Endpoints[1].Endpoint)
	}
	assert.Len(t, caller.calls, 2)
}

// barrierCaller holds every call until the expected number of calls have entered. A call that
// waits longer than the timeout fails, so sequential execution shows up as failed answers.
func barrierCaller(expected int, answer answerFunc) inference.CallerFunc {
	var wg sync.WaitGroup
	wg.Add(expected)
	released := make(chan struct{})
	go func() {
		wg.Wait()
		close(released)
	}()

	return func(ctx context.Context, d endpoint.Descriptor, p inference.Payload) inference.Response {
		wg.Done()
		select {
		case <-released:
		case <-time.After(2 * time.Second):
			return inference.Transient(errors.New("partner call never started"))
		}

		var batch []string
		for _, m := range promptURL.FindAllStringSubmatch(p.Prompt, -1) {
			batch = append(batch, m[1])
		}
		return answer(batch)
	}
}

func TestValidateCallsPairConcurrently(t *testing.T) {
	caller := barrierCaller(2, flag("https://jobs.example.com/1"))
	v := newTestValidator(t, pairDescriptors("a", "b"), caller, newRecordingSink(), Options{})

	res := v.Validate(context.Background(), ValidationRequest{Items: items("https://jobs.example.com/1")})

	require.Len(t, res.Batches, 1)
	assert.Equal(t, StatusUnanimous, res.Batches[0].Status)
	assert.Equal(t, []string{"https://jobs.example.com/1"}, res.Confirmed)
}

func TestValidateRunsBatchesConcurrently(t *testing.T) {
	ids := []string{"https://jobs.example.com/1", "https://jobs.example.com/2", "https://jobs.example.com/3"}
	// Every call of every batch must be in flight before any of them returns.
	caller := barrierCaller(2*len(ids), flagWhere(func(string) bool { return true }))
	v := newTestValidator(t, pairDescriptors("a", "b"), caller, newRecordingSink(), Options{
		MaxBatchItems:      1,
		MaxParallelBatches: 0,
	})

	res := v.Validate(context.Background(), ValidationRequest{Items: items(ids...)})

	require.Len(t, res.Batches, 3)
	for _, b := range res.Batches {
		assert.Equal(t, StatusUnanimous, b.Status, "batch %d", b.Index)
	}
	assert.ElementsMatch(t, ids, res.Confirmed)
}

func TestNewWithoutSink(t *testing.T) {
	caller := newFakeCaller().
		on("a", fail(inference.RateLimited(errors.New("slow down"), time.Second))).
		on("b", flag("https://jobs.example.com/1"))
	v := newTestValidator(t, pairDescriptors("a", "b"), caller, nil, Options{})

	res := v.Validate(context.Background(), ValidationRequest{Items: items("https://jobs.example.com/1")})

	require.Len(t, res.Batches, 1)
	assert.Equal(t, StatusSingle, res.Batches[0].Status)
}

func TestValidateEmptyRequest(t *testing.T) {
	caller := newFakeCaller()
	v := newTestValidator(t, pairDescriptors("a", "b"), caller, newRecordingSink(), Options{})

	res := v.Validate(context.Background(), ValidationRequest{})

	assert.Empty(t, res.Batches)
	assert.Empty(t, res.Confirmed)
	assert.Empty(t, caller.calls)
}

func TestValidateReportsRepairedAnswers(t *testing.T) {
	truncated := `{"flagged_job_urls": ["https://jobs.example.com/1", "https://jobs.example.com/2", "https://jobs.exa`
	caller := newFakeCaller().
		on("a", fail(inference.Success(truncated))).
		on("b", flag("https://jobs.example.com/1", "https://jobs.example.com/3"))
	v := newTestValidator(t, pairDescriptors("a", "b"), caller, newRecordingSink(), Options{})

	res := v.Validate(context.Background(), ValidationRequest{
		Items: items("https://jobs.example.com/1", "https://jobs.example.com/2", "https://jobs.example.com/3"),
	})

	assert.Equal(t, []string{"https://jobs.example.com/1"}, res.Confirmed)
	require.Len(t, res.Batches[0].RepairEvents, 1)
	assert.True(t, strings.HasPrefix(res.Batches[0].RepairEvents[0], "a:"))
}

func TestBatchSizeRespectsSmallestContext(t *testing.T) {
	descriptors := []endpoint.Descriptor{
		{Name: "a", Provider: "groq", ContextTokens: 4000},
		{Name: "b", Provider: "groq", ContextTokens: 128000},
	}
	v := newTestValidator(t, descriptors, newFakeCaller(), newRecordingSink(), Options{})
	set, err := endpoint.NewSet(descriptors)
	require.NoError(t, err)

	// (4000 - 2000 - 100 resume tokens) / 200 per item
	assert.Equal(t, 9, v.batchSize(set, strings.Repeat("x", 400)))
	assert.Equal(t, 1, v.batchSize(set, strings.Repeat("x", 16000)))
}
