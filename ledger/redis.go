package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedgerConfig конфигурация Redis журнала
type RedisLedgerConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	KeyPrefix  string
	// TTL записей. Захваченные ключи переживают перезапуск обработчика,
	// но не живут вечно.
	RecordTTL time.Duration
}

// Validate проверяет корректность конфигурации
func (c RedisLedgerConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	return nil
}

// DefaultRedisLedgerConfig возвращает конфигурацию Redis журнала по умолчанию
func DefaultRedisLedgerConfig() RedisLedgerConfig {
	return RedisLedgerConfig{
		Addr:      "localhost:6379",
		DB:        0,
		PoolSize:  10,
		KeyPrefix: "sagaflow:idempotency:",
		RecordTTL: 24 * time.Hour,
	}
}

// RedisLedger реализация журнала идемпотентности через Redis.
// Захват ключа выполняется через SET NX, что гарантирует атомарность
// при конкурентных обработчиках.
type RedisLedger struct {
	config RedisLedgerConfig
	client *redis.Client
}

// NewRedisLedger создает новый Redis журнал
func NewRedisLedger(config RedisLedgerConfig) (*RedisLedger, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis ledger config: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisLedger{
		config: config,
		client: client,
	}, nil
}

func (l *RedisLedger) redisKey(key string) string {
	return l.config.KeyPrefix + key
}

func (l *RedisLedger) Claim(ctx context.Context, key string) (bool, *Record, error) {
	now := time.Now()
	record := Record{
		Key:       key,
		Status:    StatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return false, nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	claimed, err := l.client.SetNX(ctx, l.redisKey(key), data, l.config.RecordTTL).Result()
	if err != nil {
		return false, nil, fmt.Errorf("failed to claim key %s: %w", key, err)
	}
	if claimed {
		return true, nil, nil
	}

	existing, err := l.Get(ctx, key)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (l *RedisLedger) Complete(ctx context.Context, key string, result json.RawMessage) error {
	return l.update(ctx, key, func(r *Record) {
		r.Status = StatusCompleted
		r.ResultPayload = result
	})
}

func (l *RedisLedger) Fail(ctx context.Context, key string, errorMessage string) error {
	return l.update(ctx, key, func(r *Record) {
		r.Status = StatusFailed
		r.ErrorMessage = errorMessage
	})
}

func (l *RedisLedger) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to release key %s: %w", key, err)
	}
	return nil
}

func (l *RedisLedger) Get(ctx context.Context, key string) (*Record, error) {
	data, err := l.client.Get(ctx, l.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &record, nil
}

func (l *RedisLedger) update(ctx context.Context, key string, mutate func(*Record)) error {
	record, err := l.Get(ctx, key)
	if err != nil {
		return err
	}

	mutate(record)
	record.UpdatedAt = time.Now()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := l.client.Set(ctx, l.redisKey(key), data, l.config.RecordTTL).Err(); err != nil {
		return fmt.Errorf("failed to update key %s: %w", key, err)
	}
	return nil
}

// Close закрывает соединение
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
