// Package batch 将相似请求聚合成批，摊薄每请求的调用开销。
//
// 调度器后台循环按固定节拍运行：清理超时请求、把新请求并入
// 兼容的分组、冲刷已满或等待到期的分组。分组兼容性要求成员与
// 种子请求的相似度不低于阈值，且组内优先级档位不超过两种。
// 每个入队请求恰好落入一次冲刷，除非在等待中超时。
package batch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/optiflow/semantic"
	"github.com/BaSui01/optiflow/types"
)

var (
	ErrSchedulerClosed = errors.New("batch scheduler closed")
	ErrQueueFull       = errors.New("batch queue full")
	ErrBatchTimeout    = errors.New("batch request timed out")
)

// Request 一个待批处理的请求。
type Request struct {
	ID       string         `json:"id"`
	Doc      types.Document `json:"doc"`
	Priority types.Priority `json:"priority"`
}

// Response 单个请求的批处理结果。
type Response struct {
	ID      string `json:"id"`
	GroupID string `json:"group_id"`
	Value   any    `json:"value,omitempty"`
	Error   error  `json:"error,omitempty"`
}

// BatchResult 一次冲刷的汇总。
type BatchResult struct {
	GroupID               string    `json:"group_id"`
	Processed             int       `json:"processed"`
	Failed                int       `json:"failed"`
	CostSavings           float64   `json:"cost_savings"`
	ThroughputImprovement float64   `json:"throughput_improvement"`
	FlushedAt             time.Time `json:"flushed_at"`
}

// Handler 处理一组请求，按 ID 对应返回响应。
type Handler func(ctx context.Context, requests []*Request) []*Response

// Config 调度器配置。
type Config struct {
	// TargetSize 分组的目标大小，达到即冲刷。
	TargetSize int `yaml:"target_size" json:"target_size"`

	// MaxWait 分组从创建到强制冲刷的最长等待。
	MaxWait time.Duration `yaml:"max_wait" json:"max_wait"`

	// Tick 后台循环节拍。
	Tick time.Duration `yaml:"tick" json:"tick"`

	// SimilarityThreshold 入组所需的与种子请求的最低相似度。
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold"`

	// RequestTimeout 请求在队列与分组中的总超时。
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// QueueSize 入队通道容量。
	QueueSize int `yaml:"queue_size" json:"queue_size"`

	// PerRequestOverheadCost 单独调用的固定开销，用于估算批处理节省。
	PerRequestOverheadCost float64 `yaml:"per_request_overhead_cost" json:"per_request_overhead_cost"`

	// OnFlush 每次冲刷后的回调。
	OnFlush func(BatchResult) `yaml:"-" json:"-"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() *Config {
	return &Config{
		TargetSize:             8,
		MaxWait:                500 * time.Millisecond,
		Tick:                   100 * time.Millisecond,
		SimilarityThreshold:    0.8,
		RequestTimeout:         5 * time.Second,
		QueueSize:              1024,
		PerRequestOverheadCost: 0.0001,
	}
}

// maxPriorityLevels 单个分组内允许的优先级档位数。
const maxPriorityLevels = 2

type pendingRequest struct {
	req        *Request
	text       string
	response   chan *Response
	enqueuedAt time.Time
}

type group struct {
	id        string
	members   []*pendingRequest
	strategy  string
	createdAt time.Time
}

func (g *group) priorityLevels() map[types.Priority]struct{} {
	levels := make(map[types.Priority]struct{}, maxPriorityLevels)
	for _, m := range g.members {
		levels[m.req.Priority] = struct{}{}
	}
	return levels
}

// Scheduler 相似度聚合批调度器。
type Scheduler struct {
	config  *Config
	handler Handler
	scorer  semantic.Scorer
	logger  *zap.Logger

	queue  chan *pendingRequest
	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending []*pendingRequest
	groups  []*group

	// 计量
	submitted atomic.Int64
	flushed   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
}

// NewScheduler 创建并启动调度器。scorer 为 nil 时使用 TF-IDF 评分器。
func NewScheduler(config *Config, handler Handler, scorer semantic.Scorer, logger *zap.Logger) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.TargetSize <= 0 {
		config.TargetSize = 8
	}
	if config.MaxWait <= 0 {
		config.MaxWait = 500 * time.Millisecond
	}
	if config.Tick <= 0 {
		config.Tick = 100 * time.Millisecond
	}
	if config.SimilarityThreshold <= 0 || config.SimilarityThreshold > 1 {
		config.SimilarityThreshold = 0.8
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 5 * time.Second
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if scorer == nil {
		scorer = semantic.NewTFIDFScorer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		config:  config,
		handler: handler,
		scorer:  scorer,
		logger:  logger,
		queue:   make(chan *pendingRequest, config.QueueSize),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.loop()
	return s
}

// Enqueue 将请求放入调度队列，返回完成通道。
// 队列满或调度器已关闭时返回错误，请求不会被接收。
func (s *Scheduler) Enqueue(ctx context.Context, req *Request) (<-chan *Response, error) {
	if s.closed.Load() {
		return nil, ErrSchedulerClosed
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	pending := &pendingRequest{
		req:        req,
		text:       req.Doc.Text(),
		response:   make(chan *Response, 1),
		enqueuedAt: time.Now(),
	}

	select {
	case s.queue <- pending:
		s.submitted.Add(1)
		return pending.response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, ErrQueueFull
	}
}

// Process 入队并同步等待结果。
func (s *Scheduler) Process(ctx context.Context, req *Request) (*Response, error) {
	ch, err := s.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close 停止调度器并冲刷所有在途分组。
func (s *Scheduler) Close() {
	if s.closed.Swap(true) {
		return
	}
	close(s.done)
	s.wg.Wait()
}

// loop 后台循环：节拍驱动超时清理、分组与冲刷。
func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			s.drainQueue()
			s.tick(true)
			return
		case <-ticker.C:
			s.drainQueue()
			s.tick(false)
		}
	}
}

// drainQueue 把入队通道里的请求搬到待分组列表。
func (s *Scheduler) drainQueue() {
	for {
		select {
		case p := <-s.queue:
			s.mu.Lock()
			s.pending = append(s.pending, p)
			s.mu.Unlock()
		default:
			return
		}
	}
}

// tick 执行一轮调度。final 为 true 时冲刷所有分组。
func (s *Scheduler) tick(final bool) {
	s.mu.Lock()

	s.dropTimedOutLocked()
	s.formGroupsLocked()

	var toFlush []*group
	var remaining []*group
	for _, g := range s.groups {
		if final || len(g.members) >= s.config.TargetSize || time.Since(g.createdAt) >= s.config.MaxWait {
			toFlush = append(toFlush, g)
		} else {
			remaining = append(remaining, g)
		}
	}
	s.groups = remaining
	s.mu.Unlock()

	for _, g := range toFlush {
		s.flush(g)
	}
}

// dropTimedOutLocked 丢弃等待超时的请求，调用方必须持锁。
func (s *Scheduler) dropTimedOutLocked() {
	expire := func(p *pendingRequest) bool {
		if time.Since(p.enqueuedAt) < s.config.RequestTimeout {
			return false
		}
		s.timedOut.Add(1)
		p.response <- &Response{ID: p.req.ID, Error: ErrBatchTimeout}
		close(p.response)
		return true
	}

	kept := s.pending[:0]
	for _, p := range s.pending {
		if !expire(p) {
			kept = append(kept, p)
		}
	}
	s.pending = kept

	for _, g := range s.groups {
		keptMembers := g.members[:0]
		for _, p := range g.members {
			if !expire(p) {
				keptMembers = append(keptMembers, p)
			}
		}
		g.members = keptMembers
	}
}

// formGroupsLocked 把待分组请求并入兼容分组，调用方必须持锁。
// 处理顺序：优先级降序，同级先到先入。
func (s *Scheduler) formGroupsLocked() {
	sort.SliceStable(s.pending, func(i, j int) bool {
		if s.pending[i].req.Priority != s.pending[j].req.Priority {
			return s.pending[i].req.Priority > s.pending[j].req.Priority
		}
		return s.pending[i].enqueuedAt.Before(s.pending[j].enqueuedAt)
	})

	for _, p := range s.pending {
		if g := s.compatibleGroupLocked(p); g != nil {
			g.members = append(g.members, p)
			continue
		}
		s.groups = append(s.groups, &group{
			id:        uuid.NewString(),
			members:   []*pendingRequest{p},
			strategy:  "similarity",
			createdAt: time.Now(),
		})
	}
	s.pending = s.pending[:0]
}

// compatibleGroupLocked 找到可容纳该请求的第一个分组。
func (s *Scheduler) compatibleGroupLocked(p *pendingRequest) *group {
	for _, g := range s.groups {
		if len(g.members) >= s.config.TargetSize {
			continue
		}
		levels := g.priorityLevels()
		if _, known := levels[p.req.Priority]; !known && len(levels) >= maxPriorityLevels {
			continue
		}
		// 两两相似度都须达阈值，避免组内成员彼此偏离
		if !s.similarToAllLocked(g, p) {
			continue
		}
		return g
	}
	return nil
}

func (s *Scheduler) similarToAllLocked(g *group, p *pendingRequest) bool {
	for _, m := range g.members {
		if s.scorer.Similarity(m.text, p.text) < s.config.SimilarityThreshold {
			return false
		}
	}
	return true
}

// flush 冲刷一个分组：排序成员、调用 handler、分发响应。
func (s *Scheduler) flush(g *group) {
	if len(g.members) == 0 {
		return
	}
	s.flushed.Add(1)

	sort.SliceStable(g.members, func(i, j int) bool {
		if g.members[i].req.Priority != g.members[j].req.Priority {
			return g.members[i].req.Priority > g.members[j].req.Priority
		}
		return g.members[i].enqueuedAt.Before(g.members[j].enqueuedAt)
	})

	requests := make([]*Request, len(g.members))
	for i, p := range g.members {
		requests[i] = p.req
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.RequestTimeout)
	defer cancel()
	responses := s.handler(ctx, requests)

	byID := make(map[string]*Response, len(responses))
	for _, r := range responses {
		byID[r.ID] = r
	}

	processed, failed := 0, 0
	for _, p := range g.members {
		resp, ok := byID[p.req.ID]
		if !ok {
			resp = &Response{ID: p.req.ID, Error: errors.New("no response for request")}
		}
		resp.GroupID = g.id

		if resp.Error != nil {
			failed++
			s.failed.Add(1)
		} else {
			processed++
			s.completed.Add(1)
		}

		select {
		case p.response <- resp:
		default:
		}
		close(p.response)
	}

	n := len(g.members)
	result := BatchResult{
		GroupID:   g.id,
		Processed: processed,
		Failed:    failed,
		// 批处理把 n 次独立调用的固定开销合并为一次
		CostSavings:           s.config.PerRequestOverheadCost * float64(n-1),
		ThroughputImprovement: float64(n),
		FlushedAt:             time.Now(),
	}

	s.logger.Debug("batch flushed",
		zap.String("group", g.id),
		zap.Int("size", n),
		zap.Int("failed", failed))

	if s.config.OnFlush != nil {
		s.config.OnFlush(result)
	}
}

// Stats 调度器计量快照。
type Stats struct {
	Submitted int64 `json:"submitted"`
	Flushed   int64 `json:"flushed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Submitted: s.submitted.Load(),
		Flushed:   s.flushed.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		TimedOut:  s.timedOut.Load(),
	}
}

// AvgBatchSize 平均每次冲刷的请求数。
func (st Stats) AvgBatchSize() float64 {
	if st.Flushed == 0 {
		return 0
	}
	return float64(st.Completed+st.Failed) / float64(st.Flushed)
}
