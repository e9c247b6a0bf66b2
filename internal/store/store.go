// Package store provides the Redis-compatible key/value client shared by every
// other component. It exposes only the primitive operation set the gateway's
// policy engine and background agent need; no caller is permitted to build
// Redis commands itself.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds connection settings for the store client.
type Config struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	OpTimeout    time.Duration `yaml:"op_timeout"`
}

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// TransientError wraps connect/timeout/protocol failures from the underlying
// store. Callers treat it as "no data" rather than failing the request.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("store: transient error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Client is a thin, typed wrapper around a Redis-compatible connection pool.
// Every other component in the gateway (quota counters, enforcement
// directives, active sessions, token map) goes through this one client
// rather than synthesising its own Redis calls.
type Client struct {
	rdb    *redis.Client
	prefix string
	opTO   time.Duration
}

// New connects to the configured store and verifies reachability with a PING.
func New(cfg Config) (*Client, error) {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxIdleConns: cfg.MaxIdleConns,
		DialTimeout:  cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, &TransientError{Op: "ping", Err: err}
	}

	return &Client{rdb: rdb, prefix: cfg.KeyPrefix, opTO: cfg.OpTimeout}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + k
}

func (c *Client) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTO)
}

// Get fetches a raw value. Returns ErrNotFound if the key is absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	val, err := c.rdb.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", &TransientError{Op: "get", Err: err}
	}
	return val, nil
}

// SetEX stores a value with a TTL.
func (c *Client) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	if err := c.rdb.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return &TransientError{Op: "set_ex", Err: err}
	}
	return nil
}

// IncrBy atomically increments a counter by delta, returning the new value.
// The key is created at delta if absent; callers set a TTL separately via
// Expire (Redis INCRBY does not accept a TTL).
func (c *Client) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	val, err := c.rdb.IncrBy(ctx, c.key(key), delta).Result()
	if err != nil {
		return 0, &TransientError{Op: "incrby", Err: err}
	}
	return val, nil
}

// Expire sets or refreshes a key's TTL.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	if err := c.rdb.Expire(ctx, c.key(key), ttl).Err(); err != nil {
		return &TransientError{Op: "expire", Err: err}
	}
	return nil
}

// Del removes one or more keys. Missing keys are not an error.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.key(k)
	}
	if err := c.rdb.Del(ctx, prefixed...).Err(); err != nil {
		return &TransientError{Op: "del", Err: err}
	}
	return nil
}

// Exists reports whether a key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	n, err := c.rdb.Exists(ctx, c.key(key)).Result()
	if err != nil {
		return false, &TransientError{Op: "exists", Err: err}
	}
	return n > 0, nil
}

// Scan performs a single SCAN iteration over keys matching pattern (relative
// to the configured prefix), returning matched keys with the prefix stripped
// and the cursor to resume from. A returned cursor of 0 means iteration is
// complete.
func (c *Client) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	keys, next, err := c.rdb.Scan(ctx, cursor, c.key(pattern), count).Result()
	if err != nil {
		return nil, 0, &TransientError{Op: "scan", Err: err}
	}

	stripped := make([]string, len(keys))
	for i, k := range keys {
		stripped[i] = k[len(c.prefix):]
	}
	return stripped, next, nil
}

// ScanAll drains a full SCAN over pattern, returning every matched key.
// Intended for bounded key spaces (quota counters, active sessions); callers
// on a hot path should prefer Scan directly to control latency.
func (c *Client) ScanAll(ctx context.Context, pattern string) ([]string, error) {
	var all []string
	var cursor uint64
	for {
		keys, next, err := c.Scan(ctx, cursor, pattern, 200)
		if err != nil {
			return nil, err
		}
		all = append(all, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return all, nil
}

// PipelineOp describes one command to submit as part of a pipeline.
type PipelineOp struct {
	Kind  string // "get", "incrby", "expire", "set_ex", "del"
	Key   string
	Value string
	Delta int64
	TTL   time.Duration
}

// PipelineResult holds the outcome of one pipelined operation.
type PipelineResult struct {
	Value string
	Int   int64
	Err   error
}

// Pipeline submits ops atomically in order (the store is not transactional;
// callers tolerate interleaving between separate pipelines, but commands
// within one pipeline are applied in the order given).
func (c *Client) Pipeline(ctx context.Context, ops []PipelineOp) ([]PipelineResult, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	pipe := c.rdb.Pipeline()
	cmds := make([]redis.Cmder, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case "get":
			cmds[i] = pipe.Get(ctx, c.key(op.Key))
		case "incrby":
			cmds[i] = pipe.IncrBy(ctx, c.key(op.Key), op.Delta)
		case "expire":
			cmds[i] = pipe.Expire(ctx, c.key(op.Key), op.TTL)
		case "set_ex":
			cmds[i] = pipe.Set(ctx, c.key(op.Key), op.Value, op.TTL)
		case "del":
			cmds[i] = pipe.Del(ctx, c.key(op.Key))
		default:
			return nil, fmt.Errorf("store: unknown pipeline op %q", op.Kind)
		}
	}

	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, &TransientError{Op: "pipeline", Err: err}
	}

	results := make([]PipelineResult, len(cmds))
	for i, cmd := range cmds {
		switch v := cmd.(type) {
		case *redis.StringCmd:
			val, cerr := v.Result()
			if errors.Is(cerr, redis.Nil) {
				results[i] = PipelineResult{Err: ErrNotFound}
			} else {
				results[i] = PipelineResult{Value: val, Err: cerr}
			}
		case *redis.IntCmd:
			val, cerr := v.Result()
			results[i] = PipelineResult{Int: val, Err: cerr}
		case *redis.BoolCmd:
			_, cerr := v.Result()
			results[i] = PipelineResult{Err: cerr}
		case *redis.StatusCmd:
			_, cerr := v.Result()
			results[i] = PipelineResult{Err: cerr}
		}
	}
	return results, nil
}
