package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "optiflow:semcache:"

// redisTier L2 共享缓存层。
type redisTier struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func newRedisTier(client *redis.Client, ttl time.Duration, logger *zap.Logger) *redisTier {
	return &redisTier{client: client, ttl: ttl, logger: logger}
}

func (t *redisTier) Get(ctx context.Context, fingerprint string) (*Entry, bool) {
	data, err := t.client.Get(ctx, redisKeyPrefix+fingerprint).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			t.logger.Warn("redis get error", zap.Error(err))
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		t.logger.Warn("redis entry decode error", zap.Error(err))
		return nil, false
	}
	if entry.IsExpired() {
		return nil, false
	}

	// 异步更新命中计数
	go t.incrementHitCount(context.Background(), fingerprint)
	return &entry, true
}

func (t *redisTier) Set(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return t.client.Set(ctx, redisKeyPrefix+entry.Fingerprint, data, t.ttl).Err()
}

func (t *redisTier) Delete(ctx context.Context, fingerprint string) error {
	return t.client.Del(ctx, redisKeyPrefix+fingerprint).Err()
}

// Invalidate 按指纹前缀批量删除，pattern 为空时清空整层。
func (t *redisTier) Invalidate(ctx context.Context, pattern string) error {
	match := redisKeyPrefix + pattern + "*"
	var cursor uint64
	for {
		keys, next, err := t.client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := t.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// incrementHitCount 使用 Lua 脚本原子更新命中计数与访问时间。
func (t *redisTier) incrementHitCount(ctx context.Context, fingerprint string) {
	script := redis.NewScript(`
		local key = KEYS[1]
		local data = redis.call('GET', key)
		if data then
			local entry = cjson.decode(data)
			entry.access_count = (entry.access_count or 0) + 1
			entry.last_accessed = ARGV[1]
			local ttl = redis.call('TTL', key)
			if ttl > 0 then
				redis.call('SET', key, cjson.encode(entry), 'EX', ttl)
			end
		end
		return 1
	`)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := script.Run(ctx, t.client, []string{redisKeyPrefix + fingerprint}, now).Err(); err != nil &&
		!strings.Contains(err.Error(), "NOSCRIPT") {
		t.logger.Debug("redis hit count update failed", zap.Error(err))
	}
}
