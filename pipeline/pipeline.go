// Package pipeline 将各优化阶段组合为一条请求优化管线。
//
// 阶段顺序：缓存查找 → 上下文裁剪 → Prompt 压缩 → 模型路由 →
// 提供商套利 → 批处理或直接执行 → 缓存写入。每个阶段可独立开关；
// 阶段内部失败降级为透传并记录警告，绝不因优化失败让请求失败。
// 只有最终上游调用自身的失败（重试耗尽或熔断拒绝）才作为错误返回。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/optiflow/arbitrage"
	"github.com/BaSui01/optiflow/batch"
	"github.com/BaSui01/optiflow/breaker"
	"github.com/BaSui01/optiflow/cache"
	"github.com/BaSui01/optiflow/contextmgr"
	"github.com/BaSui01/optiflow/promptopt"
	"github.com/BaSui01/optiflow/retry"
	"github.com/BaSui01/optiflow/router"
	"github.com/BaSui01/optiflow/types"
)

// 阶段标识，进入 applied_strategies 与事件字段。
const (
	StrategyCacheHit    = "semantic_cache_hit"
	StrategyPruning     = "context_pruning"
	StrategyCompression = "prompt_compression"
	StrategyRouting     = "dynamic_routing"
	StrategyArbitrage   = "provider_arbitrage"
	StrategyBatching    = "similarity_batching"
)

// Executor 执行最终上游调用，由调用方注入。
// 文档中的 model/provider 字段由前序阶段填好。
type Executor func(ctx context.Context, doc types.Document) (types.Document, error)

// Config 管线配置。
type Config struct {
	EnableCache       bool `yaml:"enable_cache" json:"enable_cache"`
	EnablePruning     bool `yaml:"enable_pruning" json:"enable_pruning"`
	EnableCompression bool `yaml:"enable_compression" json:"enable_compression"`
	EnableRouting     bool `yaml:"enable_routing" json:"enable_routing"`
	EnableArbitrage   bool `yaml:"enable_arbitrage" json:"enable_arbitrage"`
	EnableBatching    bool `yaml:"enable_batching" json:"enable_batching"`

	// CacheTTL 响应写入缓存时的 TTL，0 使用缓存层默认值。
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`

	// EventBuffer 事件分发缓冲区大小，满时丢弃事件。
	EventBuffer int `yaml:"event_buffer" json:"event_buffer"`
}

// DefaultConfig 返回全部阶段开启的默认配置。
func DefaultConfig() *Config {
	return &Config{
		EnableCache:       true,
		EnablePruning:     true,
		EnableCompression: true,
		EnableRouting:     true,
		EnableArbitrage:   true,
		EnableBatching:    false,
		EventBuffer:       256,
	}
}

// Dependencies 管线的协作组件。未提供的组件按需用默认实现补齐。
type Dependencies struct {
	Cache      cache.SemanticCache
	Pruner     *contextmgr.Manager
	Compressor *promptopt.Optimizer
	Router     *router.DynamicRouter
	Arbiter    *arbitrage.Engine
	Retrier    *retry.Manager
	Breakers   *breaker.Registry
	Scheduler  *batch.Scheduler
	Executor   Executor

	// BatchConfig 在未注入 Scheduler 时用于构建默认批调度器。
	BatchConfig *batch.Config
}

// Options 单次请求的可选参数。
type Options struct {
	SessionID string
	Priority  types.Priority

	// SkipCache 本次请求跳过缓存查找与写入。
	SkipCache bool
}

// Orchestrator 请求优化管线。
type Orchestrator struct {
	config     *Config
	cache      cache.SemanticCache
	pruner     *contextmgr.Manager
	compressor *promptopt.Optimizer
	router     *router.DynamicRouter
	arbiter    *arbitrage.Engine
	retrier    *retry.Manager
	breakers   *breaker.Registry
	scheduler  *batch.Scheduler
	executor   Executor
	tracer     trace.Tracer
	logger     *zap.Logger

	sinkMu sync.RWMutex
	sinks  []types.EventSink

	events    chan types.Event
	closeOnce sync.Once
	done      chan struct{}
}

// NewOrchestrator 创建管线。启用了某阶段但未注入对应组件时，
// 用该组件的默认构造补齐；补齐失败的阶段自动关闭并记录警告。
func NewOrchestrator(config *Config, deps Dependencies, logger *zap.Logger) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		config:     config,
		cache:      deps.Cache,
		pruner:     deps.Pruner,
		compressor: deps.Compressor,
		router:     deps.Router,
		arbiter:    deps.Arbiter,
		retrier:    deps.Retrier,
		breakers:   deps.Breakers,
		scheduler:  deps.Scheduler,
		executor:   deps.Executor,
		tracer:     otel.Tracer("optiflow/pipeline"),
		logger:     logger.With(zap.String("component", "pipeline")),
		events:     make(chan types.Event, config.EventBuffer),
		done:       make(chan struct{}),
	}

	if config.EnableCache && o.cache == nil {
		c, err := cache.NewMultiTierCache(nil, nil, nil, nil, logger)
		if err != nil {
			o.logger.Warn("default cache init failed, cache stage disabled", zap.Error(err))
			o.config.EnableCache = false
		} else {
			o.cache = c
		}
	}
	if config.EnablePruning && o.pruner == nil {
		o.pruner = contextmgr.NewManager(nil, nil, logger)
	}
	if config.EnableCompression && o.compressor == nil {
		o.compressor = promptopt.NewOptimizer(nil, nil, nil, logger)
	}
	if config.EnableRouting && o.router == nil {
		o.router = router.NewDynamicRouter(nil, nil, nil, nil, logger)
	}
	if config.EnableArbitrage && o.arbiter == nil {
		o.arbiter = arbitrage.NewEngine(nil, nil, nil, logger)
	}
	if o.retrier == nil {
		o.retrier = retry.NewManager(nil, logger)
	}
	if o.breakers == nil {
		o.breakers = breaker.NewRegistry(nil, logger)
	}
	if config.EnableBatching && o.scheduler == nil && o.executor != nil {
		batchCfg := deps.BatchConfig
		if batchCfg == nil {
			batchCfg = batch.DefaultConfig()
		}
		batchCfg.OnFlush = o.onBatchFlush
		o.scheduler = batch.NewScheduler(batchCfg, o.batchHandler, nil, logger)
	}

	go o.dispatchEvents()
	return o
}

// Subscribe 注册事件接收方。
func (o *Orchestrator) Subscribe(sink types.EventSink) {
	o.sinkMu.Lock()
	o.sinks = append(o.sinks, sink)
	o.sinkMu.Unlock()
}

// Close 停止事件分发与批调度器。
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		if o.scheduler != nil {
			o.scheduler.Close()
		}
		close(o.done)
	})
}

// OptimizeRequest 对单个请求运行全部启用的优化阶段。
// 返回的 error 仅在最终上游调用失败时非空；优化阶段的失败只体现在
// Metadata.Fallback 与警告日志里。
func (o *Orchestrator) OptimizeRequest(ctx context.Context, doc types.Document, opts ...Options) (*types.OptimizationResult, error) {
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}

	meta := types.OptimizationMetadata{
		AppliedStrategies: []string{},
		RequestID:         uuid.NewString(),
		SessionID:         opt.SessionID,
		StartedAt:         time.Now(),
	}
	if meta.SessionID == "" {
		meta.SessionID = uuid.NewString()
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.OptimizeRequest",
		trace.WithAttributes(attribute.String("request.id", meta.RequestID)))
	defer span.End()

	// 缓存查找
	if o.config.EnableCache && !opt.SkipCache && o.cache != nil {
		if result := o.lookupCache(ctx, doc, &meta); result != nil {
			result.Metadata.Duration = time.Since(meta.StartedAt)
			return result, nil
		}
	}

	optimized := doc

	// 上下文裁剪
	if o.config.EnablePruning && o.pruner != nil {
		o.runStage(ctx, "pruning", &meta, func() error {
			pruned, report := o.pruner.Prune(optimized)
			if report.TokenSavings() > 0 {
				optimized = pruned
				meta.TokenSavings += report.TokenSavings()
				meta.AppliedStrategies = append(meta.AppliedStrategies, StrategyPruning)
			}
			return nil
		})
	}

	// Prompt 压缩
	if o.config.EnableCompression && o.compressor != nil {
		o.runStage(ctx, "compression", &meta, func() error {
			compressed, report := o.compressor.Optimize(optimized)
			if report.TokenSavings() > 0 {
				optimized = compressed
				meta.TokenSavings += report.TokenSavings()
				meta.AppliedStrategies = append(meta.AppliedStrategies, StrategyCompression)
			}
			return nil
		})
	}

	// 模型路由
	var routing *router.RoutingDecision
	if o.config.EnableRouting && o.router != nil {
		o.runStage(ctx, "routing", &meta, func() error {
			decision, err := o.router.Route(ctx, optimized)
			if err != nil {
				return err
			}
			routing = decision
			optimized = optimized.Clone()
			optimized["model"] = decision.Model.Name
			meta.AppliedStrategies = append(meta.AppliedStrategies, StrategyRouting)
			o.emit(types.Event{
				Kind:      types.EventRoutingDecision,
				RequestID: meta.RequestID,
				Model:     decision.Model.Name,
				Fields: map[string]any{
					"complexity": string(decision.Complexity),
					"confidence": decision.Confidence,
				},
			})
			return nil
		})
	}

	// 提供商套利
	if o.config.EnableArbitrage && o.arbiter != nil && routing != nil {
		o.runStage(ctx, "arbitrage", &meta, func() error {
			req := o.arbiter.AnalyzeRequirements(optimized)
			if opt.Priority > req.Priority {
				req.Priority = opt.Priority
			}
			decision, err := o.arbiter.SelectProvider(ctx, routing.Model.Name, req)
			if err != nil {
				return err
			}
			optimized["provider"] = decision.Provider
			meta.CostSavings += decision.EstimatedSavings
			meta.AppliedStrategies = append(meta.AppliedStrategies, StrategyArbitrage)
			o.emit(types.Event{
				Kind:      types.EventProviderDecision,
				RequestID: meta.RequestID,
				Model:     decision.Model,
				Provider:  decision.Provider,
				Savings:   decision.EstimatedSavings,
			})
			return nil
		})
	}

	// 无执行器时返回优化后的请求数据
	if o.executor == nil {
		meta.Duration = time.Since(meta.StartedAt)
		return &types.OptimizationResult{OptimizedData: optimized, Metadata: meta}, nil
	}

	// 批处理或直接执行
	response, execErr := o.executeStage(ctx, optimized, opt, &meta)
	if execErr != nil {
		meta.Error = execErr.Error()
		meta.Duration = time.Since(meta.StartedAt)
		return &types.OptimizationResult{OptimizedData: doc, Metadata: meta}, execErr
	}

	// 缓存写入
	if o.config.EnableCache && !opt.SkipCache && o.cache != nil {
		o.storeCache(ctx, doc, response, routing, &meta)
	}

	meta.Duration = time.Since(meta.StartedAt)
	return &types.OptimizationResult{OptimizedData: response, Metadata: meta}, nil
}

// OptimizeBatch 并行优化多个请求，单项失败不影响其他项。
func (o *Orchestrator) OptimizeBatch(ctx context.Context, docs []types.Document, opts ...Options) []*types.OptimizationResult {
	results := make([]*types.OptimizationResult, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	for i, doc := range docs {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("batch item panicked", zap.Int("index", i), zap.Any("panic", r))
					results[i] = &types.OptimizationResult{
						OptimizedData: doc,
						Metadata: types.OptimizationMetadata{
							AppliedStrategies: []string{},
							RequestID:         uuid.NewString(),
							Fallback:          true,
							Error:             fmt.Sprint(r),
						},
					}
				}
			}()

			result, err := o.OptimizeRequest(gctx, doc, opts...)
			if err != nil {
				// 上游失败已记录在 result.Metadata.Error
				o.logger.Warn("batch item failed", zap.Int("index", i), zap.Error(err))
			}
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ExecuteWithRetry 独立于优化管线的熔断保护重试执行。
func (o *Orchestrator) ExecuteWithRetry(ctx context.Context, key string, fn func(ctx context.Context) error) (*retry.Session, error) {
	cb := o.breakers.Get(key)
	session, err := o.retrier.ExecuteWithBreaker(ctx, cb, fn)
	if err != nil && errors.Is(err, breaker.ErrCircuitOpen) {
		o.emit(types.Event{Kind: types.EventCircuitOpen, Fields: map[string]any{"key": key}})
	}
	if session != nil {
		for i := 1; i < len(session.Attempts); i++ {
			o.emit(types.Event{Kind: types.EventRetryAttempt, Fields: map[string]any{
				"key":     key,
				"pattern": string(session.Attempts[i-1].Pattern),
			}})
		}
	}
	return session, err
}

// ---------------------------------------------------------------------------
// 阶段实现
// ---------------------------------------------------------------------------

// runStage 执行一个优化阶段，错误与 panic 都降级为透传。
func (o *Orchestrator) runStage(ctx context.Context, name string, meta *types.OptimizationMetadata, fn func() error) {
	_, span := o.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	degrade := func(reason any) {
		o.logger.Warn("stage degraded to pass-through",
			zap.String("stage", name),
			zap.Any("reason", reason))
		meta.Fallback = true
		o.emit(types.Event{
			Kind:      types.EventStageFallback,
			RequestID: meta.RequestID,
			Stage:     name,
		})
	}

	defer func() {
		if r := recover(); r != nil {
			degrade(r)
		}
	}()
	if err := fn(); err != nil {
		degrade(err)
	}
}

func (o *Orchestrator) lookupCache(ctx context.Context, doc types.Document, meta *types.OptimizationMetadata) *types.OptimizationResult {
	ctx, span := o.tracer.Start(ctx, "pipeline.cache_lookup")
	defer span.End()

	hit, err := o.cache.Get(ctx, doc)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			o.emit(types.Event{Kind: types.EventCacheMiss, RequestID: meta.RequestID})
			return nil
		}
		o.logger.Warn("cache lookup degraded", zap.Error(err))
		meta.Fallback = true
		o.emit(types.Event{Kind: types.EventStageFallback, RequestID: meta.RequestID, Stage: "cache_lookup"})
		return nil
	}

	meta.AppliedStrategies = append(meta.AppliedStrategies, StrategyCacheHit)
	meta.CostSavings += hit.Entry.CostSavingsPerHit
	meta.LatencySavings += hit.Entry.LatencySavingsPerHit
	o.emit(types.Event{
		Kind:      types.EventCacheHit,
		RequestID: meta.RequestID,
		Savings:   hit.Entry.CostSavingsPerHit,
		Fields: map[string]any{
			"tier":       hit.Tier,
			"similarity": hit.Similarity,
		},
	})

	// 复制一份，调用方改写返回值不得污染缓存条目
	return &types.OptimizationResult{OptimizedData: hit.Entry.Value.Clone(), Metadata: *meta}
}

func (o *Orchestrator) storeCache(ctx context.Context, doc, response types.Document, routing *router.RoutingDecision, meta *types.OptimizationMetadata) {
	ctx, span := o.tracer.Start(ctx, "pipeline.cache_store")
	defer span.End()

	setMeta := cache.SetMeta{TTL: o.config.CacheTTL}
	if routing != nil {
		setMeta.CostSavings = routing.EstimatedCost
	}
	setMeta.LatencySavings = float64(time.Since(meta.StartedAt).Milliseconds())

	if err := o.cache.Set(ctx, doc, response, setMeta); err != nil {
		o.logger.Warn("cache store degraded", zap.Error(err))
		meta.Fallback = true
		return
	}
	o.emit(types.Event{Kind: types.EventCacheStore, RequestID: meta.RequestID})
}

// executeStage 通过批调度器或直接执行上游调用，均走熔断与重试。
func (o *Orchestrator) executeStage(ctx context.Context, doc types.Document, opt Options, meta *types.OptimizationMetadata) (types.Document, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.execute")
	defer span.End()

	if o.config.EnableBatching && o.scheduler != nil {
		resp, err := o.scheduler.Process(ctx, &batch.Request{
			ID:       meta.RequestID,
			Doc:      doc,
			Priority: opt.Priority,
		})
		if err != nil {
			return nil, err
		}
		meta.AppliedStrategies = append(meta.AppliedStrategies, StrategyBatching)
		response, ok := resp.Value.(types.Document)
		if !ok {
			return nil, fmt.Errorf("unexpected batch response type %T", resp.Value)
		}
		return response, nil
	}

	return o.executeOnce(ctx, doc)
}

// executeOnce 单请求执行：熔断键取自 provider/model 注解。
func (o *Orchestrator) executeOnce(ctx context.Context, doc types.Document) (types.Document, error) {
	key := breaker.Key(stringOr(doc, "provider", "default"), stringOr(doc, "model", "default"))
	cb := o.breakers.Get(key)

	response, _, err := retry.ExecuteTyped(ctx, o.retrier, func(ctx context.Context) (types.Document, error) {
		return breaker.CallWithResultTyped(ctx, cb, func() (types.Document, error) {
			return o.executor(ctx, doc)
		})
	})
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			o.emit(types.Event{Kind: types.EventCircuitOpen, Fields: map[string]any{"key": key}})
		}
		return nil, err
	}
	return response, nil
}

// batchHandler 批调度器的执行回调：逐个走熔断保护的执行器。
func (o *Orchestrator) batchHandler(ctx context.Context, requests []*batch.Request) []*batch.Response {
	out := make([]*batch.Response, len(requests))
	for i, req := range requests {
		response, err := o.executeOnce(ctx, req.Doc)
		out[i] = &batch.Response{ID: req.ID, Value: response, Error: err}
	}
	return out
}

func (o *Orchestrator) onBatchFlush(result batch.BatchResult) {
	o.emit(types.Event{
		Kind:    types.EventBatchFlush,
		Savings: result.CostSavings,
		Fields: map[string]any{
			"group_id":  result.GroupID,
			"processed": result.Processed,
			"failed":    result.Failed,
		},
	})
}

// ---------------------------------------------------------------------------
// 事件分发
// ---------------------------------------------------------------------------

// emit 非阻塞投递事件，缓冲满时丢弃。
func (o *Orchestrator) emit(ev types.Event) {
	ev.At = time.Now()
	select {
	case o.events <- ev:
	default:
	}
}

func (o *Orchestrator) dispatchEvents() {
	for {
		select {
		case <-o.done:
			return
		case ev := <-o.events:
			o.sinkMu.RLock()
			sinks := o.sinks
			o.sinkMu.RUnlock()
			for _, sink := range sinks {
				sink.OnEvent(ev)
			}
		}
	}
}

func stringOr(doc types.Document, key, fallback string) string {
	if v := doc.GetString(key); v != "" {
		return v
	}
	return fallback
}
