// Package optiflow provides a top-level convenience entry point that wires
// the whole optimization pipeline from configuration.
//
// Usage:
//
//	import "github.com/BaSui01/optiflow"
//
//	client, err := optiflow.New(
//	    optiflow.WithConfigPath("optiflow.yaml"),
//	    optiflow.WithExecutor(callUpstream),
//	)
//	defer client.Close(context.Background())
//
//	result, err := client.OptimizeRequest(ctx, doc, pipeline.Options{})
//
// For fine-grained control over individual components, assemble a
// [pipeline.Orchestrator] directly instead.
package optiflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/optiflow/analytics"
	"github.com/BaSui01/optiflow/arbitrage"
	"github.com/BaSui01/optiflow/breaker"
	"github.com/BaSui01/optiflow/cache"
	"github.com/BaSui01/optiflow/config"
	"github.com/BaSui01/optiflow/contextmgr"
	"github.com/BaSui01/optiflow/internal/metrics"
	"github.com/BaSui01/optiflow/internal/telemetry"
	"github.com/BaSui01/optiflow/pipeline"
	"github.com/BaSui01/optiflow/promptopt"
	"github.com/BaSui01/optiflow/retry"
	"github.com/BaSui01/optiflow/router"
	"github.com/BaSui01/optiflow/semantic"
	"github.com/BaSui01/optiflow/tokenizer"
	"github.com/BaSui01/optiflow/types"
)

// Option configures the client created by [New].
type Option func(*clientOptions)

type clientOptions struct {
	cfg           *config.Config
	configPath    string
	logger        *zap.Logger
	executor      pipeline.Executor
	sinks         []types.EventSink
	modelRegistry *router.Registry
	priceSource   arbitrage.PriceSource
	promRegistry  prometheus.Registerer
}

// WithConfig uses a pre-built configuration instead of loading one.
func WithConfig(cfg *config.Config) Option {
	return func(o *clientOptions) { o.cfg = cfg }
}

// WithConfigPath loads configuration from a YAML file. Missing files are
// tolerated; environment variables with the OPTIFLOW prefix still apply.
func WithConfigPath(path string) Option {
	return func(o *clientOptions) { o.configPath = path }
}

// WithLogger sets a custom zap logger. The client will not sync it on Close.
func WithLogger(logger *zap.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// WithExecutor sets the upstream call the pipeline optimizes.
func WithExecutor(fn pipeline.Executor) Option {
	return func(o *clientOptions) { o.executor = fn }
}

// WithEventSink subscribes an additional event sink.
func WithEventSink(sink types.EventSink) Option {
	return func(o *clientOptions) { o.sinks = append(o.sinks, sink) }
}

// WithModelRegistry overrides the built-in model catalog used for routing.
func WithModelRegistry(reg *router.Registry) Option {
	return func(o *clientOptions) { o.modelRegistry = reg }
}

// WithPriceSource sets a live pricing feed for provider arbitrage.
func WithPriceSource(source arbitrage.PriceSource) Option {
	return func(o *clientOptions) { o.priceSource = source }
}

// WithMetricsRegistry registers prometheus metrics on the given registerer
// instead of the default one.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(o *clientOptions) { o.promRegistry = reg }
}

// Client 按配置装配好的请求优化客户端。
type Client struct {
	orchestrator *pipeline.Orchestrator
	analytics    *analytics.CostAnalytics
	providers    *telemetry.Providers
	rdb          *redis.Client
	logger       *zap.Logger
	ownsLogger   bool
}

// New 创建客户端。配置加载优先级: WithConfig > WithConfigPath + 环境变量 > 默认值。
func New(opts ...Option) (*Client, error) {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := o.cfg
	if cfg == nil {
		loaded, err := config.NewLoader().
			WithConfigPath(o.configPath).
			WithValidator(config.ValidateBasics).
			Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	c := &Client{}

	logger := o.logger
	if logger == nil {
		built, err := cfg.Log.Build()
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		logger = built
		c.ownsLogger = true
	}
	c.logger = logger

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	c.providers = providers

	// 共享组件
	scorer := semantic.NewTFIDFScorer()
	tk, err := tokenizer.NewTiktokenTokenizer("gpt-4o")
	if err != nil {
		logger.Warn("tiktoken init failed, falling back to estimator", zap.Error(err))
	}
	var tkIface tokenizer.Tokenizer
	if tk != nil && err == nil {
		tkIface = tk
	} else {
		tkIface = tokenizer.NewEstimatorTokenizer("generic", 0)
	}

	// 可选外部存储
	if cfg.Redis.Addr != "" {
		c.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
	}
	var db *gorm.DB
	if cfg.Database.Path != "" {
		db, err = gorm.Open(sqlite.Open(cfg.Database.Path), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
	}

	semCache, err := cache.NewMultiTierCache(&cfg.Cache, scorer, c.rdb, db, logger)
	if err != nil {
		return nil, fmt.Errorf("init semantic cache: %w", err)
	}

	modelRegistry := o.modelRegistry
	if modelRegistry == nil {
		modelRegistry = router.NewRegistryWithDefaults()
	}

	deps := pipeline.Dependencies{
		Cache:       semCache,
		Pruner:      contextmgr.NewManager(&cfg.Context, tkIface, logger),
		Compressor:  promptopt.NewOptimizer(&cfg.Prompt, tkIface, scorer, logger),
		Router:      router.NewDynamicRouter(&cfg.Router, modelRegistry, nil, tkIface, logger),
		Arbiter:     arbitrage.NewEngine(&cfg.Arbitrage, nil, o.priceSource, logger),
		Retrier:     retry.NewManager(&cfg.Retry, logger),
		Breakers:    breaker.NewRegistry(&cfg.Breaker, logger),
		Executor:    o.executor,
		BatchConfig: &cfg.Batch,
	}
	c.orchestrator = pipeline.NewOrchestrator(&cfg.Pipeline, deps, logger)

	c.analytics = analytics.NewCostAnalytics()
	c.orchestrator.Subscribe(c.analytics)

	if cfg.Metrics.Enabled {
		c.orchestrator.Subscribe(metrics.NewCollector(cfg.Metrics.Namespace, o.promRegistry, logger))
	}
	for _, sink := range o.sinks {
		c.orchestrator.Subscribe(sink)
	}

	return c, nil
}

// OptimizeRequest 对单个请求执行完整优化管线。
func (c *Client) OptimizeRequest(ctx context.Context, doc types.Document, opt pipeline.Options) (*types.OptimizationResult, error) {
	return c.orchestrator.OptimizeRequest(ctx, doc, opt)
}

// OptimizeBatch 并发优化一组请求。
func (c *Client) OptimizeBatch(ctx context.Context, docs []types.Document, opt pipeline.Options) []*types.OptimizationResult {
	return c.orchestrator.OptimizeBatch(ctx, docs, opt)
}

// ExecuteWithRetry 独立于优化管线的熔断保护重试执行。
func (c *Client) ExecuteWithRetry(ctx context.Context, key string, fn func(ctx context.Context) error) (*retry.Session, error) {
	return c.orchestrator.ExecuteWithRetry(ctx, key, fn)
}

// Subscribe 注册事件接收方。
func (c *Client) Subscribe(sink types.EventSink) {
	c.orchestrator.Subscribe(sink)
}

// Pipeline 暴露底层管线，供需要精细控制的调用方使用。
func (c *Client) Pipeline() *pipeline.Orchestrator { return c.orchestrator }

// Analytics 返回累计成本统计快照。
func (c *Client) Analytics() analytics.Snapshot { return c.analytics.Snapshot() }

// Close 关闭管线、外部连接与遥测导出器。
func (c *Client) Close(ctx context.Context) error {
	c.orchestrator.Close()

	var errs []error
	if c.rdb != nil {
		if err := c.rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := c.providers.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
	}
	if c.ownsLogger {
		_ = c.logger.Sync()
	}
	return errors.Join(errs...)
}
