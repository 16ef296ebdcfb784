// Package core provides shared Redis client plumbing for the orchestrator.
// It wraps go-redis with database isolation, key namespacing, and connection
// management so that the conversation store and response cache don't each
// reimplement connection handling.
//
// Database Allocation:
//   - DB 0: Conversation state (turns, entity frame, last result set)
//   - DB 1: Response cache
//   - DB 2-15: Available for extension
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClient provides a simplified Redis interface for modules with DB isolation
type RedisClient struct {
	client    *redis.Client
	dbID      int
	namespace string
	logger    Logger // Optional logger
}

// RedisClientOptions configures the Redis client
type RedisClientOptions struct {
	RedisURL  string
	DB        int    // Redis DB number for isolation (0-15)
	Namespace string // Key namespace for organization
	Logger    Logger // Optional logger
}

// Standard Redis DB allocation used by the orchestrator.
const (
	RedisDBConversation = 0
	RedisDBCache        = 1
)

// NewRedisClient creates a new Redis client with specified options
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.Logger != nil {
		opts.Logger.Debug("initializing redis client", map[string]interface{}{
			"redis_url": opts.RedisURL,
			"db":        opts.DB,
			"namespace": opts.Namespace,
		})
	}

	if opts.RedisURL == "" {
		if opts.Logger != nil {
			opts.Logger.Error("failed to initialize redis client", map[string]interface{}{
				"error": "redis URL is required",
			})
		}
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		if opts.Logger != nil {
			opts.Logger.Error("failed to parse redis URL", map[string]interface{}{
				"error":     err,
				"redis_url": opts.RedisURL,
			})
		}
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	if opts.DB >= 0 && opts.DB <= 15 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if opts.Logger != nil {
			opts.Logger.Error("failed to connect to redis", map[string]interface{}{
				"error": err,
				"db":    opts.DB,
			})
		}
		return nil, fmt.Errorf("failed to connect to Redis DB %d: %w", opts.DB, ErrConnectionFailed)
	}

	rc := &RedisClient{
		client:    client,
		dbID:      opts.DB,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}

	if rc.logger != nil {
		rc.logger.Info("redis client connected", map[string]interface{}{
			"db":        opts.DB,
			"namespace": opts.Namespace,
		})
	}

	return rc, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	if r.logger != nil {
		r.logger.Info("closing redis client connection", map[string]interface{}{
			"db":        r.dbID,
			"namespace": r.namespace,
		})
	}
	return r.client.Close()
}

// Raw returns the underlying go-redis client for operations not wrapped here
// (transactions, Lua scripts, pub/sub).
func (r *RedisClient) Raw() *redis.Client {
	return r.client
}

// GetDB returns the DB number being used
func (r *RedisClient) GetDB() int {
	return r.dbID
}

// GetNamespace returns the namespace being used
func (r *RedisClient) GetNamespace() string {
	return r.namespace
}

// FormatKey formats a key with the namespace
func (r *RedisClient) FormatKey(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

// Get retrieves a value
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, r.FormatKey(key)).Result()
}

// Set stores a value with optional TTL
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.client.Set(ctx, r.FormatKey(key), value, ttl).Err()
}

// Del deletes keys
func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	formattedKeys := make([]string, len(keys))
	for i, key := range keys {
		formattedKeys[i] = r.FormatKey(key)
	}
	return r.client.Del(ctx, formattedKeys...).Err()
}

// Expire sets a TTL on a key
func (r *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.FormatKey(key), ttl).Err()
}

// TTL gets the TTL of a key
func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.client.TTL(ctx, r.FormatKey(key)).Result()
}

// SetNX sets a key only if it does not already exist, returning whether it was set.
// Used for the per-conversation advisory lock.
func (r *RedisClient) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.FormatKey(key), value, ttl).Result()
}

// Eval runs a Lua script against namespaced keys (used for the unlock-if-owner compare-and-delete).
func (r *RedisClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	formatted := make([]string, len(keys))
	for i, k := range keys {
		formatted[i] = r.FormatKey(k)
	}
	return r.client.Eval(ctx, script, formatted, args...)
}

// Pipeline creates a pipeline for batched operations
func (r *RedisClient) Pipeline() redis.Pipeliner {
	return r.client.Pipeline()
}

// HealthCheck verifies Redis connectivity
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	err := r.client.Ping(ctx).Err()
	if err != nil && r.logger != nil {
		r.logger.ErrorWithContext(ctx, "redis health check failed", map[string]interface{}{
			"error": err,
			"db":    r.dbID,
		})
	}
	return err
}
