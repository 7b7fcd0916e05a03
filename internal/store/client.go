package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds connection parameters for the shared store, mirroring the
// RedisConfig shape used for presence storage across the corpus
// (weiawesome-Wes-IO-Live/presence-service/internal/store/redis_store.go).
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store wraps the primary *redis.Client used for all reads/writes/pipelines
// and scripting. The Event Bus (spec.md §4.F) opens its own duplicate
// connection for pub/sub rather than sharing this one, per spec.md §5's
// "a second duplicate connection is reserved exclusively for pub/sub".
type Store struct {
	Client *redis.Client
}

// New connects to the shared store and verifies it is reachable.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to shared store: %w", err)
	}

	return &Store{Client: client}, nil
}

// FromClient wraps an already-constructed *redis.Client (e.g. one pointed
// at a miniredis instance in tests).
func FromClient(c *redis.Client) *Store {
	return &Store{Client: c}
}

// NewPubSubConn dials a second client pointed at the same address, for
// exclusive pub/sub use by the Event Bus.
func (s *Store) NewPubSubConn(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect pub/sub client: %w", err)
	}
	return client, nil
}

func (s *Store) Close() error {
	return s.Client.Close()
}
