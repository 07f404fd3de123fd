package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akriventsev/sagaflow/core"
	"github.com/akriventsev/sagaflow/transport"
)

// RelayConfig конфигурация реле outbox
type RelayConfig struct {
	// PollInterval период опроса таблицы outbox
	PollInterval time.Duration
	// BatchSize максимум строк за один проход
	BatchSize int
	// RetentionAge возраст опубликованных строк, после которого они удаляются.
	// Ноль отключает очистку.
	RetentionAge time.Duration
}

// Validate проверяет корректность конфигурации
func (c RelayConfig) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	return nil
}

// DefaultRelayConfig возвращает конфигурацию реле по умолчанию
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval: 200 * time.Millisecond,
		BatchSize:    100,
		RetentionAge: 24 * time.Hour,
	}
}

// Relay фоновое реле: вычитывает неопубликованные строки outbox в порядке
// вставки и публикует их в message bus. Строки блокируются через
// FOR UPDATE SKIP LOCKED, поэтому несколько экземпляров реле не публикуют
// одну строку дважды.
type Relay struct {
	pool   *pgxpool.Pool
	bus    transport.Publisher
	config RelayConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRelay создает новое реле outbox
func NewRelay(pool *pgxpool.Pool, bus transport.Publisher, config RelayConfig) (*Relay, error) {
	if err := config.Validate(); err != nil {
		return nil, core.Wrap(err, core.ErrInvalidConfig, "invalid outbox relay config")
	}
	return &Relay{pool: pool, bus: bus, config: config}, nil
}

// Name возвращает имя компонента (реализация core.Component)
func (r *Relay) Name() string {
	return "outbox-relay"
}

// Type возвращает тип компонента (реализация core.Component)
func (r *Relay) Type() core.ComponentType {
	return core.ComponentTypeService
}

// IsRunning проверяет, запущено ли реле
func (r *Relay) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start запускает фоновый цикл публикации (реализация core.Lifecycle)
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.run(runCtx)

	r.running = true
	return nil
}

// Stop останавливает реле (реализация core.Lifecycle)
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	lastCleanup := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				published, err := r.Drain(ctx)
				if err != nil {
					if ctx.Err() == nil {
						log.Printf("outbox relay: %v", err)
					}
					break
				}
				// Полный батч означает, что в таблице могло остаться еще
				if published < r.config.BatchSize {
					break
				}
			}

			if r.config.RetentionAge > 0 && time.Since(lastCleanup) > r.config.RetentionAge/10 {
				if err := r.cleanup(ctx); err != nil && ctx.Err() == nil {
					log.Printf("outbox relay: cleanup: %v", err)
				}
				lastCleanup = time.Now()
			}
		}
	}
}

// Drain публикует один батч неопубликованных строк и возвращает их число
func (r *Relay) Drain(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin outbox tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, subject, payload, headers
		 FROM saga_outbox
		 WHERE published_at IS NULL
		 ORDER BY id
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to query outbox: %w", err)
	}

	type row struct {
		id          int64
		subject     string
		payload     []byte
		headersJSON []byte
	}
	var batch []row
	for rows.Next() {
		var item row
		if err := rows.Scan(&item.id, &item.subject, &item.payload, &item.headersJSON); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		batch = append(batch, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read outbox rows: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	published := make([]int64, 0, len(batch))
	for _, item := range batch {
		var headers map[string]string
		if len(item.headersJSON) > 0 {
			if err := json.Unmarshal(item.headersJSON, &headers); err != nil {
				log.Printf("outbox relay: row %d: malformed headers, publishing without them: %v", item.id, err)
			}
		}
		if err := r.bus.Publish(ctx, item.subject, item.payload, headers); err != nil {
			// Строка остается неопубликованной и попадет в следующий батч
			log.Printf("outbox relay: failed to publish row %d to %s: %v", item.id, item.subject, err)
			break
		}
		published = append(published, item.id)
	}
	if len(published) == 0 {
		return 0, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE saga_outbox SET published_at = now() WHERE id = ANY($1)`,
		published); err != nil {
		return 0, fmt.Errorf("failed to mark outbox rows published: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit outbox tx: %w", err)
	}
	return len(published), nil
}

func (r *Relay) cleanup(ctx context.Context) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM saga_outbox
		 WHERE published_at IS NOT NULL AND published_at < $1`,
		time.Now().Add(-r.config.RetentionAge))
	return err
}
