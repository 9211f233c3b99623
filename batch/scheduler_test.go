package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/optiflow/types"
)

// identityScorer treats every pair of texts as identical.
type identityScorer struct{}

func (identityScorer) Similarity(a, b string) float64 { return 1.0 }
func (identityScorer) Name() string                   { return "identity" }

// disjointScorer treats every pair of distinct texts as unrelated.
type disjointScorer struct{}

func (disjointScorer) Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	return 0.0
}
func (disjointScorer) Name() string { return "disjoint" }

func echoHandler(ctx context.Context, requests []*Request) []*Response {
	out := make([]*Response, len(requests))
	for i, r := range requests {
		out[i] = &Response{ID: r.ID, Value: r.Doc.GetString("prompt")}
	}
	return out
}

func fastConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tick = 10 * time.Millisecond
	cfg.MaxWait = 30 * time.Millisecond
	cfg.RequestTimeout = time.Second
	return cfg
}

func doc(prompt string) types.Document {
	return types.Document{"prompt": prompt}
}

// ---------------------------------------------------------------------------
// Basic flow
// ---------------------------------------------------------------------------

func TestProcessRoundTrip(t *testing.T) {
	s := NewScheduler(fastConfig(), echoHandler, identityScorer{}, zap.NewNop())
	defer s.Close()

	resp, err := s.Process(context.Background(), &Request{Doc: doc("hello")})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Value)
	assert.NotEmpty(t, resp.GroupID)
}

func TestSimilarRequestsShareAGroup(t *testing.T) {
	var mu sync.Mutex
	var results []BatchResult

	cfg := fastConfig()
	cfg.MaxWait = 100 * time.Millisecond
	cfg.OnFlush = func(r BatchResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}

	s := NewScheduler(cfg, echoHandler, identityScorer{}, zap.NewNop())
	defer s.Close()

	var wg sync.WaitGroup
	groupIDs := make([]string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := s.Process(context.Background(), &Request{Doc: doc("same question")})
			require.NoError(t, err)
			groupIDs[i] = resp.GroupID
		}(i)
	}
	wg.Wait()

	for _, id := range groupIDs[1:] {
		assert.Equal(t, groupIDs[0], id, "identical requests must batch together")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	assert.Equal(t, 4, results[0].Processed)
	assert.Zero(t, results[0].Failed)
	assert.Positive(t, results[0].CostSavings)
	assert.Equal(t, 4.0, results[0].ThroughputImprovement)
}

func TestDissimilarRequestsGetSeparateGroups(t *testing.T) {
	s := NewScheduler(fastConfig(), echoHandler, disjointScorer{}, zap.NewNop())
	defer s.Close()

	var wg sync.WaitGroup
	groupIDs := make([]string, 2)
	prompts := []string{"first topic", "second topic"}
	for i := range prompts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := s.Process(context.Background(), &Request{Doc: doc(prompts[i])})
			require.NoError(t, err)
			groupIDs[i] = resp.GroupID
		}(i)
	}
	wg.Wait()

	assert.NotEqual(t, groupIDs[0], groupIDs[1])
}

// ---------------------------------------------------------------------------
// Sizing and ordering
// ---------------------------------------------------------------------------

func TestGroupFlushesAtTargetSize(t *testing.T) {
	cfg := fastConfig()
	cfg.TargetSize = 3
	cfg.MaxWait = time.Minute // only size can trigger the flush

	s := NewScheduler(cfg, echoHandler, identityScorer{}, zap.NewNop())
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Process(context.Background(), &Request{Doc: doc("q")})
			require.NoError(t, err)
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("full group was not flushed")
	}
}

func TestFlushOrdersByPriorityThenAge(t *testing.T) {
	var mu sync.Mutex
	var order []types.Priority

	handler := func(ctx context.Context, requests []*Request) []*Response {
		mu.Lock()
		for _, r := range requests {
			order = append(order, r.Priority)
		}
		mu.Unlock()
		return echoHandler(ctx, requests)
	}

	cfg := fastConfig()
	cfg.MaxWait = 100 * time.Millisecond
	s := NewScheduler(cfg, handler, identityScorer{}, zap.NewNop())
	defer s.Close()

	var wg sync.WaitGroup
	for _, p := range []types.Priority{types.PriorityNormal, types.PriorityImportant, types.PriorityNormal} {
		wg.Add(1)
		go func(p types.Priority) {
			defer wg.Done()
			_, err := s.Process(context.Background(), &Request{Doc: doc("q"), Priority: p})
			require.NoError(t, err)
		}(p)
		time.Sleep(2 * time.Millisecond) // deterministic arrival order
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, types.PriorityImportant, order[0], "highest priority first")
}

func TestPriorityLevelCap(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxWait = 100 * time.Millisecond
	s := NewScheduler(cfg, echoHandler, identityScorer{}, zap.NewNop())
	defer s.Close()

	priorities := []types.Priority{types.PriorityLow, types.PriorityNormal, types.PriorityUrgent}
	groupIDs := make([]string, len(priorities))

	var wg sync.WaitGroup
	for i, p := range priorities {
		wg.Add(1)
		go func(i int, p types.Priority) {
			defer wg.Done()
			resp, err := s.Process(context.Background(), &Request{Doc: doc("q"), Priority: p})
			require.NoError(t, err)
			groupIDs[i] = resp.GroupID
		}(i, p)
	}
	wg.Wait()

	distinct := map[string]struct{}{}
	for _, id := range groupIDs {
		distinct[id] = struct{}{}
	}
	assert.Equal(t, 2, len(distinct), "three priority levels cannot share one group")
}

// hubScorer: "hub" resembles everything, the spokes only resemble themselves.
type hubScorer struct{}

func (hubScorer) Similarity(a, b string) float64 {
	if a == b || a == "hub" || b == "hub" {
		return 1.0
	}
	return 0.0
}
func (hubScorer) Name() string { return "hub" }

func TestGroupCompatibilityIsPairwise(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxWait = 100 * time.Millisecond
	s := NewScheduler(cfg, echoHandler, hubScorer{}, zap.NewNop())
	defer s.Close()

	prompts := []string{"hub", "spoke one", "spoke two"}
	chans := make([]<-chan *Response, len(prompts))
	for i, p := range prompts {
		ch, err := s.Enqueue(context.Background(), &Request{Doc: doc(p)})
		require.NoError(t, err)
		chans[i] = ch
	}

	groupIDs := make([]string, len(prompts))
	for i, ch := range chans {
		resp := <-ch
		require.NoError(t, resp.Error)
		groupIDs[i] = resp.GroupID
	}

	assert.Equal(t, groupIDs[0], groupIDs[1], "hub and first spoke are mutually similar")
	assert.NotEqual(t, groupIDs[0], groupIDs[2], "spokes are dissimilar to each other and must not share a group")
}

// ---------------------------------------------------------------------------
// Failure paths
// ---------------------------------------------------------------------------

func TestRequestTimesOutInQueue(t *testing.T) {
	cfg := fastConfig()
	cfg.TargetSize = 100
	cfg.MaxWait = time.Hour // group never flushes on its own
	cfg.RequestTimeout = 30 * time.Millisecond

	s := NewScheduler(cfg, echoHandler, identityScorer{}, zap.NewNop())
	defer s.Close()

	_, err := s.Process(context.Background(), &Request{Doc: doc("will wait forever")})
	assert.ErrorIs(t, err, ErrBatchTimeout)
	assert.Equal(t, int64(1), s.Stats().TimedOut)
}

func TestHandlerErrorPropagates(t *testing.T) {
	upstream := errors.New("provider exploded")
	handler := func(ctx context.Context, requests []*Request) []*Response {
		out := make([]*Response, len(requests))
		for i, r := range requests {
			out[i] = &Response{ID: r.ID, Error: upstream}
		}
		return out
	}

	s := NewScheduler(fastConfig(), handler, identityScorer{}, zap.NewNop())
	defer s.Close()

	_, err := s.Process(context.Background(), &Request{Doc: doc("q")})
	assert.ErrorIs(t, err, upstream)
	assert.Equal(t, int64(1), s.Stats().Failed)
}

func TestQueueFullRejectionIsNotCounted(t *testing.T) {
	cfg := fastConfig()
	cfg.QueueSize = 1
	cfg.Tick = time.Hour // queue is never drained

	s := NewScheduler(cfg, echoHandler, identityScorer{}, zap.NewNop())
	defer s.Close()

	_, err := s.Enqueue(context.Background(), &Request{Doc: doc("fits")})
	require.NoError(t, err)

	_, err = s.Enqueue(context.Background(), &Request{Doc: doc("bounces")})
	require.ErrorIs(t, err, ErrQueueFull)

	assert.Equal(t, int64(1), s.Stats().Submitted, "rejected request must not count as submitted")
}

func TestEnqueueAfterClose(t *testing.T) {
	s := NewScheduler(fastConfig(), echoHandler, identityScorer{}, zap.NewNop())
	s.Close()

	_, err := s.Enqueue(context.Background(), &Request{Doc: doc("q")})
	assert.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestCloseFlushesInFlight(t *testing.T) {
	cfg := fastConfig()
	cfg.TargetSize = 100
	cfg.MaxWait = time.Hour
	cfg.Tick = time.Hour // only Close can trigger the flush

	s := NewScheduler(cfg, echoHandler, identityScorer{}, zap.NewNop())

	ch, err := s.Enqueue(context.Background(), &Request{Doc: doc("q")})
	require.NoError(t, err)

	s.Close()

	select {
	case resp := <-ch:
		require.NoError(t, resp.Error)
		assert.Equal(t, "q", resp.Value)
	case <-time.After(time.Second):
		t.Fatal("close did not flush the pending request")
	}
}

// ---------------------------------------------------------------------------
// Exactly-once delivery
// ---------------------------------------------------------------------------

func TestEveryRequestLandsInExactlyOneFlush(t *testing.T) {
	var delivered atomic.Int64
	cfg := fastConfig()
	cfg.OnFlush = func(r BatchResult) {
		delivered.Add(int64(r.Processed + r.Failed))
	}

	s := NewScheduler(cfg, echoHandler, identityScorer{}, zap.NewNop())

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Process(context.Background(), &Request{Doc: doc("same")})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	s.Close()

	assert.Equal(t, int64(n), delivered.Load())
	assert.Equal(t, int64(n), s.Stats().Completed)
}
