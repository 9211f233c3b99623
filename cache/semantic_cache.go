package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/optiflow/semantic"
	"github.com/BaSui01/optiflow/types"
)

var ErrCacheMiss = errors.New("cache miss")

// SemanticCache 语义缓存接口。
type SemanticCache interface {
	// Get 查找与请求等价（或足够相似）的缓存结果，未命中返回 ErrCacheMiss。
	Get(ctx context.Context, doc types.Document) (*Hit, error)

	// Set 将结果写入全部启用层。
	Set(ctx context.Context, doc types.Document, value types.Document, meta SetMeta) error

	// Invalidate 按指纹前缀失效缓存，pattern 为空时清空全部。
	Invalidate(ctx context.Context, pattern string) error
}

// SetMeta 写入时的附加元数据。
type SetMeta struct {
	TTL                 time.Duration // 0 使用层级默认 TTL
	SimilarityThreshold float64       // 0 使用缓存默认阈值
	CostSavings         float64       // 单次命中可节省的成本
	LatencySavings      float64       // 单次命中可节省的延迟（毫秒）
}

// Config 缓存配置。
type Config struct {
	EnableL1 bool `yaml:"enable_l1" json:"enable_l1"`
	EnableL2 bool `yaml:"enable_l2" json:"enable_l2"`
	EnableL3 bool `yaml:"enable_l3" json:"enable_l3"`

	// L1 预算
	L1MaxEntries int   `yaml:"l1_max_entries" json:"l1_max_entries"`
	L1MaxBytes   int64 `yaml:"l1_max_bytes" json:"l1_max_bytes"`

	// 层级 TTL
	L2TTL time.Duration `yaml:"l2_ttl" json:"l2_ttl"`
	L3TTL time.Duration `yaml:"l3_ttl" json:"l3_ttl"`

	// SimilarityThreshold 相似度兜底的默认阈值。
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() *Config {
	return &Config{
		EnableL1:            true,
		EnableL2:            false,
		EnableL3:            false,
		L1MaxEntries:        1000,
		L1MaxBytes:          64 << 20, // 64 MiB
		L2TTL:               1 * time.Hour,
		L3TTL:               24 * time.Hour,
		SimilarityThreshold: 0.85,
	}
}

// MultiTierCache 三级语义缓存实现。
type MultiTierCache struct {
	config *Config
	scorer semantic.Scorer
	logger *zap.Logger

	l1 *LRUCache
	l2 *redisTier
	l3 *durableTier
}

// NewMultiTierCache 创建多级缓存。
// rdb 为 nil 时 L2 自动禁用；db 为 nil 时 L3 自动禁用。
func NewMultiTierCache(config *Config, scorer semantic.Scorer, rdb *redis.Client, db *gorm.DB, logger *zap.Logger) (*MultiTierCache, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SimilarityThreshold <= 0 || config.SimilarityThreshold > 1 {
		config.SimilarityThreshold = 0.85
	}
	if scorer == nil {
		scorer = semantic.NewTFIDFScorer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &MultiTierCache{
		config: config,
		scorer: scorer,
		logger: logger.With(zap.String("component", "semantic_cache")),
	}

	if config.EnableL1 {
		c.l1 = NewLRUCache(config.L1MaxEntries, config.L1MaxBytes)
	}
	if config.EnableL2 && rdb != nil {
		c.l2 = newRedisTier(rdb, config.L2TTL, c.logger)
	}
	if config.EnableL3 && db != nil {
		tier, err := newDurableTier(db, config.L3TTL, c.logger)
		if err != nil {
			return nil, err
		}
		c.l3 = tier
	}

	return c, nil
}

// Get 实现 SemanticCache.Get。
// 查找顺序 L1 → L2 → L3 → L1 相似度扫描；低层命中回填高层。
func (c *MultiTierCache) Get(ctx context.Context, doc types.Document) (*Hit, error) {
	fingerprint := semantic.Fingerprint(doc)

	// 1. L1 精确命中
	if c.l1 != nil {
		if entry, ok := c.l1.Get(fingerprint); ok {
			c.logger.Debug("l1 cache hit", zap.String("fingerprint", fingerprint))
			return &Hit{Entry: entry, Tier: TierL1, Similarity: 1}, nil
		}
	}

	// 2. L2
	if c.l2 != nil {
		if entry, ok := c.l2.Get(ctx, fingerprint); ok {
			c.promote(ctx, entry, TierL2)
			c.logger.Debug("l2 cache hit", zap.String("fingerprint", fingerprint))
			return &Hit{Entry: entry, Tier: TierL2, Similarity: 1}, nil
		}
	}

	// 3. L3
	if c.l3 != nil {
		if entry, ok := c.l3.Get(ctx, fingerprint); ok {
			c.promote(ctx, entry, TierL3)
			c.logger.Debug("l3 cache hit", zap.String("fingerprint", fingerprint))
			return &Hit{Entry: entry, Tier: TierL3, Similarity: 1}, nil
		}
	}

	// 4. 相似度兜底（仅扫描 L1）
	if c.l1 != nil {
		if hit := c.similarityScan(doc); hit != nil {
			c.logger.Debug("similarity cache hit",
				zap.String("fingerprint", fingerprint),
				zap.Float64("similarity", hit.Similarity))
			return hit, nil
		}
	}

	return nil, ErrCacheMiss
}

// similarityScan 在 L1 上做余弦相似度扫描，返回最优且达阈值的条目。
func (c *MultiTierCache) similarityScan(doc types.Document) *Hit {
	text := doc.Text()
	if text == "" {
		return nil
	}

	var best *Entry
	var bestKey string
	var bestScore float64
	c.l1.Scan(func(key string, entry *Entry) bool {
		if entry.Text == "" {
			return true
		}
		score := c.scorer.Similarity(text, entry.Text)
		threshold := entry.SimilarityThreshold
		if threshold <= 0 {
			threshold = c.config.SimilarityThreshold
		}
		if score >= threshold && score > bestScore {
			best = entry
			bestKey = key
			bestScore = score
		}
		return true
	})

	if best == nil {
		return nil
	}
	c.l1.Touch(bestKey)
	return &Hit{Entry: best, Tier: TierSimilarity, Similarity: bestScore}
}

// promote 将低层命中的条目回填到更高层。
func (c *MultiTierCache) promote(ctx context.Context, entry *Entry, fromTier string) {
	if c.l1 != nil {
		c.l1.Set(entry.Fingerprint, entry)
	}
	if fromTier == TierL3 && c.l2 != nil {
		if err := c.l2.Set(ctx, entry); err != nil {
			c.logger.Warn("l2 promotion failed", zap.Error(err))
		}
	}
}

// Set 实现 SemanticCache.Set。
// 同步写入所有启用层；单层失败记录告警，只要有一层成功即视为成功。
func (c *MultiTierCache) Set(ctx context.Context, doc types.Document, value types.Document, meta SetMeta) error {
	fingerprint := semantic.Fingerprint(doc)
	now := time.Now()

	data, _ := json.Marshal(value)
	entry := &Entry{
		Fingerprint:          fingerprint,
		Value:                value,
		Text:                 doc.Text(),
		SimilarityThreshold:  meta.SimilarityThreshold,
		CreatedAt:            now,
		LastAccessed:         now,
		Size:                 len(data),
		TTL:                  meta.TTL,
		CostSavingsPerHit:    meta.CostSavings,
		LatencySavingsPerHit: meta.LatencySavings,
	}

	var firstErr error
	stored := false

	if c.l1 != nil {
		c.l1.Set(fingerprint, entry)
		stored = true
	}
	if c.l2 != nil {
		if err := c.l2.Set(ctx, entry); err != nil {
			c.logger.Warn("l2 set failed", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		} else {
			stored = true
		}
	}
	if c.l3 != nil {
		if err := c.l3.Set(ctx, entry); err != nil {
			c.logger.Warn("l3 set failed", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		} else {
			stored = true
		}
	}

	if !stored && firstErr != nil {
		return firstErr
	}
	return nil
}

// Invalidate 实现 SemanticCache.Invalidate。
func (c *MultiTierCache) Invalidate(ctx context.Context, pattern string) error {
	var firstErr error

	if c.l1 != nil {
		if pattern == "" {
			c.l1.Clear()
		} else {
			// L1 无法按前缀索引，逐条匹配删除
			var victims []string
			c.l1.Scan(func(key string, _ *Entry) bool {
				if len(key) >= len(pattern) && key[:len(pattern)] == pattern {
					victims = append(victims, key)
				}
				return true
			})
			for _, key := range victims {
				c.l1.Delete(key)
			}
		}
	}
	if c.l2 != nil {
		if err := c.l2.Invalidate(ctx, pattern); err != nil {
			c.logger.Warn("l2 invalidate failed", zap.Error(err))
			firstErr = err
		}
	}
	if c.l3 != nil {
		if err := c.l3.Invalidate(ctx, pattern); err != nil {
			c.logger.Warn("l3 invalidate failed", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// PurgeExpired 清理 L3 过期行（后台维护用，可选调用）。
func (c *MultiTierCache) PurgeExpired(ctx context.Context) (int64, error) {
	if c.l3 == nil {
		return 0, nil
	}
	return c.l3.PurgeExpired(ctx)
}
