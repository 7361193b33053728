package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/maristack/pelorus/internal/monitoring"
	"github.com/maristack/pelorus/pkg/logger"
)

// Valkey is the shared cache used by the pipeline: consumer dedup keys,
// device-mapping entries and pending-approval mirrors all live here.
type Valkey interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// SetNX stores the value only when the key does not exist yet. Returns
	// true when the key was written. Consumers use this as the at-least-once
	// dedup primitive: first writer wins, redeliveries observe false.
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	HealthCheck(ctx context.Context) error
}

type valkeySingleImpl struct {
	client *redis.Client
	logger logger.Logger
	ttl    time.Duration
}

func NewValkeySingle(addr string, db int, password string, defaultTTL time.Duration) (Valkey, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Valkey single-node: %w", err)
	}

	return &valkeySingleImpl{
		client: client,
		logger: logger.New("info"),
		ttl:    defaultTTL,
	}, nil
}

func (v *valkeySingleImpl) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := v.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		monitoring.RecordCacheOperation("get", "miss")
		return nil, fmt.Errorf("key not found: %s", key)
	}

	if err != nil {
		monitoring.RecordCacheOperation("get", "error")
		return nil, err
	}

	monitoring.RecordCacheOperation("get", "hit")
	return b, nil
}

func (v *valkeySingleImpl) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := encodeValue(key, value)
	if err != nil {
		monitoring.RecordCacheOperation("set", "error")
		return err
	}
	if ttl <= 0 {
		ttl = v.ttl
	}
	if err := v.client.Set(ctx, key, data, ttl).Err(); err != nil {
		monitoring.RecordCacheOperation("set", "error")
		return err
	}
	monitoring.RecordCacheOperation("set", "success")
	return nil
}

func (v *valkeySingleImpl) Delete(ctx context.Context, key string) error {
	err := v.client.Del(ctx, key).Err()
	if err != nil {
		monitoring.RecordCacheOperation("delete", "error")
		return err
	}
	monitoring.RecordCacheOperation("delete", "success")
	return nil
}

func (v *valkeySingleImpl) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	data, err := encodeValue(key, value)
	if err != nil {
		monitoring.RecordCacheOperation("setnx", "error")
		return false, err
	}
	if ttl <= 0 {
		ttl = v.ttl
	}
	set, err := v.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		monitoring.RecordCacheOperation("setnx", "error")
		return false, err
	}
	if set {
		monitoring.RecordCacheOperation("setnx", "success")
	} else {
		monitoring.RecordCacheOperation("setnx", "conflict")
	}
	return set, nil
}

// HealthCheck pings the Valkey single-node instance.
func (v *valkeySingleImpl) HealthCheck(ctx context.Context) error {
	if ctx == nil {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctx = c
	}
	return v.client.Ping(ctx).Err()
}

func encodeValue(key string, value interface{}) ([]byte, error) {
	switch x := value.(type) {
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	default:
		j, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %s: %w", key, err)
		}
		return j, nil
	}
}
