package redis

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/metrics"
	"github.com/Fhyywen/shixun-qiu/pkg/config"
	"github.com/Fhyywen/shixun-qiu/pkg/logger"
)

type Client struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewFromConfig(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	return NewClient(ctx, cfg.Address, cfg.Password, cfg.DB, time.Duration(cfg.TTLMinutes)*time.Minute)
}

func NewClient(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if ttl <= 0 {
		ttl = time.Hour
	}

	log := logger.Named("cache")
	log.Info("Redis client initialized", zap.String("addr", addr), zap.Duration("ttl", ttl))

	return &Client{client: client, ttl: ttl, log: log}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func answerKey(kbID, key string) string {
	return fmt.Sprintf("answer:%s:%s", kbID, key)
}

func embeddingKey(model, textHash string) string {
	return fmt.Sprintf("embedding:%s:%s", model, textHash)
}

// SetAnswer caches a JSON-serialisable answer under the knowledge base's namespace.
func (c *Client) SetAnswer(ctx context.Context, kbID, key string, answer any) error {
	data, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("failed to marshal answer: %w", err)
	}
	if err := c.client.Set(ctx, answerKey(kbID, key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set answer cache: %w", err)
	}
	c.log.Debug("Answer cached", zap.String("kb_id", kbID), zap.String("key", key))
	return nil
}

// GetAnswer decodes a cached answer into out. It reports false on a miss.
func (c *Client) GetAnswer(ctx context.Context, kbID, key string, out any) (bool, error) {
	data, err := c.client.Get(ctx, answerKey(kbID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheMisses.WithLabelValues("answer").Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get answer cache: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal answer: %w", err)
	}
	metrics.CacheHits.WithLabelValues("answer").Inc()
	return true, nil
}

func (c *Client) SetEmbedding(ctx context.Context, model, textHash string, embedding []float32) error {
	if err := c.client.Set(ctx, embeddingKey(model, textHash), encodeVector(embedding), 0).Err(); err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}
	return nil
}

// GetEmbeddings looks up many embeddings in one round trip; missing entries are nil.
func (c *Client) GetEmbeddings(ctx context.Context, model string, textHashes []string) ([][]float32, error) {
	if len(textHashes) == 0 {
		return nil, nil
	}
	keys := make([]string, len(textHashes))
	for i, h := range textHashes {
		keys[i] = embeddingKey(model, h)
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	out := make([][]float32, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			metrics.CacheMisses.WithLabelValues("embedding").Inc()
			continue
		}
		vec, err := decodeVector([]byte(s))
		if err != nil {
			c.log.Warn("Dropping corrupt cached embedding", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		metrics.CacheHits.WithLabelValues("embedding").Inc()
		out[i] = vec
	}
	return out, nil
}

// InvalidateKB drops every cached answer of one knowledge base.
func (c *Client) InvalidateKB(ctx context.Context, kbID string) (int, error) {
	deleted := 0
	iter := c.client.Scan(ctx, 0, answerKey(kbID, "*"), 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.log.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	c.log.Info("Answer cache invalidated", zap.String("kb_id", kbID), zap.Int("deleted", deleted))
	return deleted, nil
}

func lockKey(name string) string {
	return "lock:" + name
}

// TryLock takes a short-lived named lock so that only one instance runs a job.
// The returned release func is a no-op when the lock was not acquired.
func (c *Client) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, func(), error) {
	key := lockKey(name)
	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, func() {}, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return false, func() {}, nil
	}
	return true, func() {
		if err := c.client.Del(context.Background(), key).Err(); err != nil {
			c.log.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector payload length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

func (c *Client) GetEmbedding(ctx context.Context, model, textHash string) ([]float32, error) {
	got, err := c.GetEmbeddings(ctx, model, []string{textHash})
	if err != nil {
		return nil, err
	}
	return got[0], nil
}
