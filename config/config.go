// Package config 统一配置加载，支持 YAML 文件 + 环境变量覆盖。
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("optiflow.yaml").
//	    WithEnvPrefix("OPTIFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/optiflow/arbitrage"
	"github.com/BaSui01/optiflow/batch"
	"github.com/BaSui01/optiflow/breaker"
	"github.com/BaSui01/optiflow/cache"
	"github.com/BaSui01/optiflow/contextmgr"
	"github.com/BaSui01/optiflow/pipeline"
	"github.com/BaSui01/optiflow/promptopt"
	"github.com/BaSui01/optiflow/retry"
	"github.com/BaSui01/optiflow/router"
)

// Config 完整配置结构，组合各组件的配置块。
type Config struct {
	// Log 日志配置
	Log LogConfig `yaml:"log"`

	// Redis L2 缓存连接配置
	Redis RedisConfig `yaml:"redis"`

	// Database L3 持久层配置
	Database DatabaseConfig `yaml:"database"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics"`

	// 各优化组件配置
	Cache     cache.Config      `yaml:"cache"`
	Context   contextmgr.Config `yaml:"context"`
	Prompt    promptopt.Config  `yaml:"prompt"`
	Router    router.Config     `yaml:"router"`
	Arbitrage arbitrage.Config  `yaml:"arbitrage"`
	Breaker   breaker.Config    `yaml:"breaker"`
	Retry     retry.Config      `yaml:"retry"`
	Batch     batch.Config      `yaml:"batch"`
	Pipeline  pipeline.Config   `yaml:"pipeline"`
}

// LogConfig 日志配置
type LogConfig struct {
	// Level 日志级别: debug, info, warn, error
	Level string `yaml:"level"`
	// Format 输出格式: json, console
	Format string `yaml:"format"`
}

// Build 按配置构建 zap.Logger。
func (c LogConfig) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	if c.Format == "console" {
		zc.Encoding = "console"
	}
	return zc.Build()
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// Addr 地址，空字符串表示禁用 L2
	Addr string `yaml:"addr"`
	// Password 密码
	Password string `yaml:"password"`
	// DB 数据库编号
	DB int `yaml:"db"`
	// PoolSize 连接池大小
	PoolSize int `yaml:"pool_size"`
}

// DatabaseConfig L3 持久层配置
type DatabaseConfig struct {
	// Path sqlite 数据库文件路径，空字符串表示禁用 L3
	Path string `yaml:"path"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// Enabled 是否启用 OTLP 导出
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP gRPC 端点
	Endpoint string `yaml:"endpoint"`
	// ServiceName 上报的服务名
	ServiceName string `yaml:"service_name"`
	// SampleRatio 采样率 0-1
	SampleRatio float64 `yaml:"sample_ratio"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// Enabled 是否注册 prometheus 指标
	Enabled bool `yaml:"enabled"`
	// Namespace 指标命名空间
	Namespace string `yaml:"namespace"`
}

// DefaultConfig 返回带全部默认值的配置。
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: RedisConfig{
			PoolSize: 10,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "optiflow",
			SampleRatio: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "optiflow",
		},
		Cache:     *cache.DefaultConfig(),
		Context:   *contextmgr.DefaultConfig(),
		Prompt:    *promptopt.DefaultConfig(),
		Router:    *router.DefaultConfig(),
		Arbitrage: *arbitrage.DefaultConfig(),
		Breaker:   *breaker.DefaultConfig(),
		Retry:     *retry.DefaultConfig(),
		Batch:     *batch.DefaultConfig(),
		Pipeline:  *pipeline.DefaultConfig(),
	}
}
