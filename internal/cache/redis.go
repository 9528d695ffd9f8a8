package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// Redis is the shared L2 tier. Multiple workers point at the same instance,
// so one worker's enrichment warms every other worker's next lookup. Expiry
// is delegated to Redis TTLs.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
}

// RedisConfig holds connection settings for the shared tier.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// NewRedis creates the shared tier. The connection is verified eagerly so a
// misconfigured address surfaces at startup rather than as per-request
// degradation.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "cache: redis ping %s", cfg.Addr)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "ipintel:"
	}
	return &Redis{client: client, keyPrefix: prefix}, nil
}

// NewRedisWithClient wraps an existing client (used by tests with miniature
// or mock servers).
func NewRedisWithClient(client redis.UniversalClient, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = "ipintel:"
	}
	return &Redis{client: client, keyPrefix: keyPrefix}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "cache: redis get")
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.keyPrefix+key, value, ttl).Err(); err != nil {
		return eris.Wrap(err, "cache: redis set")
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		return eris.Wrap(err, "cache: redis delete")
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
