package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/optiflow/types"
)

// entryRecord L3 持久层的行结构。
type entryRecord struct {
	Fingerprint          string    `gorm:"primaryKey;size:64"`
	Value                []byte    `gorm:"type:blob"`
	Text                 string    `gorm:"type:text"`
	SimilarityThreshold  float64
	CreatedAt            time.Time `gorm:"index"`
	LastAccessed         time.Time
	AccessCount          int64
	Size                 int
	TTLSeconds           int64
	ExpiresAt            time.Time `gorm:"index"`
	CostSavingsPerHit    float64
	LatencySavingsPerHit float64
	CostSavings          float64
	LatencySavings       float64
}

func (entryRecord) TableName() string { return "semantic_cache_entries" }

// durableTier L3 持久缓存层（gorm，默认 SQLite）。
type durableTier struct {
	db     *gorm.DB
	ttl    time.Duration
	logger *zap.Logger
}

// newDurableTier 创建 L3 层并确保表结构存在。
func newDurableTier(db *gorm.DB, ttl time.Duration, logger *zap.Logger) (*durableTier, error) {
	if err := db.AutoMigrate(&entryRecord{}); err != nil {
		return nil, err
	}
	return &durableTier{db: db, ttl: ttl, logger: logger}, nil
}

func (t *durableTier) Get(ctx context.Context, fingerprint string) (*Entry, bool) {
	var rec entryRecord
	err := t.db.WithContext(ctx).First(&rec, "fingerprint = ?", fingerprint).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			t.logger.Warn("durable tier get error", zap.Error(err))
		}
		return nil, false
	}

	entry := rec.toEntry()
	if entry.IsExpired() {
		// 过期条目顺手清理
		t.db.WithContext(ctx).Delete(&entryRecord{}, "fingerprint = ?", fingerprint)
		return nil, false
	}

	// 读路径簿记
	t.db.WithContext(ctx).Model(&entryRecord{}).
		Where("fingerprint = ?", fingerprint).
		Updates(map[string]any{
			"last_accessed": time.Now(),
			"access_count":  gorm.Expr("access_count + 1"),
		})

	return entry, true
}

func (t *durableTier) Set(ctx context.Context, entry *Entry) error {
	value, err := json.Marshal(entry.Value)
	if err != nil {
		return err
	}

	ttl := entry.TTL
	if ttl <= 0 {
		ttl = t.ttl
	}

	rec := entryRecord{
		Fingerprint:          entry.Fingerprint,
		Value:                value,
		Text:                 entry.Text,
		SimilarityThreshold:  entry.SimilarityThreshold,
		CreatedAt:            entry.CreatedAt,
		LastAccessed:         entry.LastAccessed,
		AccessCount:          entry.AccessCount,
		Size:                 entry.Size,
		TTLSeconds:           int64(ttl / time.Second),
		ExpiresAt:            entry.CreatedAt.Add(ttl),
		CostSavingsPerHit:    entry.CostSavingsPerHit,
		LatencySavingsPerHit: entry.LatencySavingsPerHit,
		CostSavings:          entry.CostSavings,
		LatencySavings:       entry.LatencySavings,
	}
	return t.db.WithContext(ctx).Save(&rec).Error
}

func (t *durableTier) Delete(ctx context.Context, fingerprint string) error {
	return t.db.WithContext(ctx).Delete(&entryRecord{}, "fingerprint = ?", fingerprint).Error
}

// Invalidate 按指纹前缀删除，pattern 为空时清空整层。
func (t *durableTier) Invalidate(ctx context.Context, pattern string) error {
	q := t.db.WithContext(ctx)
	if pattern == "" {
		return q.Where("1 = 1").Delete(&entryRecord{}).Error
	}
	return q.Where("fingerprint LIKE ?", pattern+"%").Delete(&entryRecord{}).Error
}

// PurgeExpired 清理全部过期行，返回删除数量。
func (t *durableTier) PurgeExpired(ctx context.Context) (int64, error) {
	res := t.db.WithContext(ctx).
		Where("ttl_seconds > 0 AND expires_at < ?", time.Now()).
		Delete(&entryRecord{})
	return res.RowsAffected, res.Error
}

func (r *entryRecord) toEntry() *Entry {
	var value types.Document
	if err := json.Unmarshal(r.Value, &value); err != nil {
		value = nil
	}
	return &Entry{
		Fingerprint:          r.Fingerprint,
		Value:                value,
		Text:                 r.Text,
		SimilarityThreshold:  r.SimilarityThreshold,
		CreatedAt:            r.CreatedAt,
		LastAccessed:         r.LastAccessed,
		AccessCount:          r.AccessCount,
		Size:                 r.Size,
		TTL:                  time.Duration(r.TTLSeconds) * time.Second,
		CostSavingsPerHit:    r.CostSavingsPerHit,
		LatencySavingsPerHit: r.LatencySavingsPerHit,
		CostSavings:          r.CostSavings,
		LatencySavings:       r.LatencySavings,
	}
}
