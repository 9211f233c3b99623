package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/optiflow/types"
)

// --- CostAnalytics ---

func TestCostAnalyticsAggregates(t *testing.T) {
	a := NewCostAnalytics()

	a.OnEvent(types.Event{Kind: types.EventCacheMiss})
	a.OnEvent(types.Event{Kind: types.EventRoutingDecision, Model: "gpt-4o-mini"})
	a.OnEvent(types.Event{Kind: types.EventProviderDecision, Provider: "openai", Savings: 0.002})
	a.OnEvent(types.Event{Kind: types.EventCacheHit, Model: "gpt-4o-mini", Savings: 0.001})
	a.OnEvent(types.Event{Kind: types.EventCacheHit, Model: "gpt-4o-mini", Savings: 0.001})
	a.OnEvent(types.Event{Kind: types.EventRetryAttempt})
	a.OnEvent(types.Event{Kind: types.EventStageFallback})

	snap := a.Snapshot()
	assert.Equal(t, int64(3), snap.TotalRequests)
	assert.Equal(t, int64(2), snap.CacheHits)
	assert.Equal(t, int64(1), snap.CacheMisses)
	assert.InDelta(t, 2.0/3.0, snap.CacheHitRate, 1e-9)
	assert.Equal(t, int64(1), snap.RetryAttempts)
	assert.Equal(t, int64(1), snap.StageFallbacks)
	assert.InDelta(t, 0.004, snap.TotalCostSavings, 1e-9)

	model := snap.ByModel["gpt-4o-mini"]
	assert.Equal(t, int64(1), model.Requests)
	assert.Equal(t, int64(2), model.CacheHits)
	assert.InDelta(t, 0.002, model.CostSavings, 1e-9)

	provider := snap.ByProvider["openai"]
	assert.Equal(t, int64(1), provider.Requests)
	assert.InDelta(t, 0.002, provider.CostSavings, 1e-9)
}

func TestCostAnalyticsReset(t *testing.T) {
	a := NewCostAnalytics()
	a.OnEvent(types.Event{Kind: types.EventCacheHit, Savings: 1})
	a.Reset()

	snap := a.Snapshot()
	assert.Zero(t, snap.CacheHits)
	assert.Zero(t, snap.TotalCostSavings)
	assert.Empty(t, snap.ByModel)
}

func TestSnapshotIsACopy(t *testing.T) {
	a := NewCostAnalytics()
	a.OnEvent(types.Event{Kind: types.EventCacheHit, Model: "m", Savings: 1})

	snap := a.Snapshot()
	a.OnEvent(types.Event{Kind: types.EventCacheHit, Model: "m", Savings: 1})

	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Equal(t, int64(1), snap.ByModel["m"].CacheHits)
}

// --- DashboardBroadcaster ---

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDashboardBroadcastsEvents(t *testing.T) {
	b := NewDashboardBroadcaster(zap.NewNop())
	defer b.Close()

	accepted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		b.AddClient(conn)
		close(accepted)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	<-accepted
	require.Equal(t, 1, b.ClientCount())

	b.OnEvent(types.Event{Kind: types.EventCacheHit, RequestID: "r1", Savings: 0.5})

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var ev types.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, types.EventCacheHit, ev.Kind)
	assert.Equal(t, "r1", ev.RequestID)
	assert.Equal(t, 0.5, ev.Savings)
}

func TestDashboardDropsSlowClients(t *testing.T) {
	b := NewDashboardBroadcaster(zap.NewNop())
	b.bufferSize = 1
	b.writeTimeout = 100 * time.Millisecond
	defer b.Close()

	accepted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		b.AddClient(conn)
		close(accepted)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	<-accepted

	// the client never reads: flooding with large payloads fills its socket
	// buffer and send queue, which must evict it instead of blocking
	pad := strings.Repeat("x", 1<<16)
	for i := 0; i < 200; i++ {
		b.OnEvent(types.Event{
			Kind:   types.EventCacheMiss,
			Fields: map[string]any{"pad": pad},
		})
	}

	assert.Eventually(t, func() bool {
		return b.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
