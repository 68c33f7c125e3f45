package output

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"rs_grab/internal/obs"
)

// RedisConfig holds settings for the Redis list sink.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Key       string
	BatchSize int
	Timeout   time.Duration
}

// RedisWriter appends batched JSON results to a Redis list.
type RedisWriter struct {
	batch   *batchWriter
	client  *redis.Client
	key     string
	timeout time.Duration
}

// NewRedisWriter connects to Redis and verifies the server answers.
func NewRedisWriter(ctx context.Context, cfg RedisConfig) (*RedisWriter, error) {
	if cfg.Key == "" {
		cfg.Key = "rs_grab:banners"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	obs.Info("redis.connected", obs.Fields{"addr": cfg.Addr, "key": cfg.Key})

	w := &RedisWriter{client: client, key: cfg.Key, timeout: cfg.Timeout}
	w.batch = newBatchWriter(cfg.BatchSize, jsonFormatter, w.push)
	return w, nil
}

// push sends one batch of JSONL as individual list elements.
func (w *RedisWriter) push(data []byte) error {
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	vals := make([]interface{}, 0, len(lines))
	for _, l := range lines {
		if len(l) > 0 {
			vals = append(vals, string(l))
		}
	}
	if len(vals) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.client.RPush(ctx, w.key, vals...).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", w.key, err)
	}
	return nil
}

func (w *RedisWriter) Write(res *Result) error {
	return w.batch.write(res)
}

// Close flushes pending results and closes the client.
func (w *RedisWriter) Close() error {
	err := w.batch.close()
	if cerr := w.client.Close(); err == nil {
		err = cerr
	}
	return err
}
