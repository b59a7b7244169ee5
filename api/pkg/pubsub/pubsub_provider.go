package pubsub

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Provider selects the pub/sub transport implementation.
type Provider string

const (
	// ProviderMemory is a single-process transport with no cross-instance
	// visibility; only useful when distributed mode (api/pkg/distributed)
	// is disabled.
	ProviderMemory Provider = "inmemory"
	// ProviderRedis broadcasts over the same Redis instance the
	// distributed allocator's registry lives in.
	ProviderRedis Provider = "redis"
)

// Config selects and tunes a PubSub implementation.
type Config struct {
	Provider Provider

	// RedisAddr/RedisDB are used when Provider is ProviderRedis. If
	// RedisClient is set it takes precedence, letting the caller share a
	// connection pool with api/pkg/distributed.
	RedisAddr   string
	RedisDB     int
	RedisClient *redis.Client

	HealthInterval time.Duration
}

// New builds a PubSub for the given Config.
func New(cfg Config) (PubSub, error) {
	switch cfg.Provider {
	case "", ProviderMemory:
		return NewInMemory(), nil
	case ProviderRedis:
		client := cfg.RedisClient
		if client == nil {
			if cfg.RedisAddr == "" {
				return nil, fmt.Errorf("pubsub: redis provider requires RedisAddr or RedisClient")
			}
			client = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		}
		return NewRedis(client), nil
	default:
		return nil, fmt.Errorf("pubsub: unknown provider %q", cfg.Provider)
	}
}
