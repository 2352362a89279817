package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func NewRedisClient(ctx context.Context, url string, log *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info("redis connected", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return client, nil
}

// BlockCursor stores the next block a log indexer has to scan.
type BlockCursor struct {
	client *redis.Client
	key    string
}

func NewBlockCursor(client *redis.Client, key string) *BlockCursor {
	return &BlockCursor{client: client, key: key}
}

// Load returns the stored block, or fallback when nothing is stored yet.
func (c *BlockCursor) Load(ctx context.Context, fallback uint64) (uint64, error) {
	s, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return fallback, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt cursor %s=%q: %w", c.key, s, err)
	}
	return v, nil
}

func (c *BlockCursor) Save(ctx context.Context, block uint64) error {
	return c.client.Set(ctx, c.key, strconv.FormatUint(block, 10), 0).Err()
}

// ProcessedSet помечает обработанные ключи с TTL (идемпотентность индексера).
type ProcessedSet struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewProcessedSet(client *redis.Client, prefix string, ttl time.Duration) *ProcessedSet {
	return &ProcessedSet{client: client, prefix: prefix, ttl: ttl}
}

// MarkProcessed returns true the first time key is seen.
func (p *ProcessedSet) MarkProcessed(ctx context.Context, key string) (bool, error) {
	return p.client.SetNX(ctx, p.prefix+key, "1", p.ttl).Result()
}

// Forget снимает отметку, чтобы ключ обработался повторно.
func (p *ProcessedSet) Forget(ctx context.Context, key string) error {
	return p.client.Del(ctx, p.prefix+key).Err()
}
