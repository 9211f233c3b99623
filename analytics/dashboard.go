package analytics

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/optiflow/types"
)

// DashboardBroadcaster 将管线事件以 JSON 推送给所有已注册的
// WebSocket 客户端。推送单向且不阻塞事件源：每个客户端有独立的
// 发送缓冲，写不进去的慢客户端直接断开。
type DashboardBroadcaster struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*dashboardClient]struct{}

	writeTimeout time.Duration
	bufferSize   int
}

type dashboardClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// NewDashboardBroadcaster 创建推送器。
func NewDashboardBroadcaster(logger *zap.Logger) *DashboardBroadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DashboardBroadcaster{
		logger:       logger.With(zap.String("component", "dashboard")),
		clients:      make(map[*dashboardClient]struct{}),
		writeTimeout: 5 * time.Second,
		bufferSize:   64,
	}
}

// AddClient 注册一条已建立的 WebSocket 连接，为其启动发送协程。
// 连接的生命周期交由推送器管理。
func (b *DashboardBroadcaster) AddClient(conn *websocket.Conn) {
	c := &dashboardClient{
		conn: conn,
		send: make(chan []byte, b.bufferSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	go b.writeLoop(c)
}

// OnEvent 实现 types.EventSink：序列化事件并分发给所有客户端。
// 客户端缓冲已满时将其踢除，绝不阻塞调用方。
func (b *DashboardBroadcaster) OnEvent(ev types.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("event marshal failed", zap.Error(err))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			// 慢客户端：丢弃连接而不是拖慢事件源
			b.dropLocked(c, websocket.StatusPolicyViolation, "client too slow")
		}
	}
}

// ClientCount 当前已连接客户端数。
func (b *DashboardBroadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close 断开所有客户端。
func (b *DashboardBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		b.dropLocked(c, websocket.StatusGoingAway, "broadcaster closing")
	}
}

// dropLocked 调用方必须持锁。
func (b *DashboardBroadcaster) dropLocked(c *dashboardClient, code websocket.StatusCode, reason string) {
	if _, ok := b.clients[c]; !ok {
		return
	}
	delete(b.clients, c)
	close(c.done)
	_ = c.conn.Close(code, reason)
}

func (b *DashboardBroadcaster) writeLoop(c *dashboardClient) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				b.logger.Debug("client write failed, dropping", zap.Error(err))
				b.mu.Lock()
				b.dropLocked(c, websocket.StatusInternalError, "write failed")
				b.mu.Unlock()
				return
			}
		}
	}
}
