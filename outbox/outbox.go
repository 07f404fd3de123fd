// Package outbox предоставляет транзакционный outbox для публикации
// сообщений: сообщения пишутся в таблицу Postgres, фоновое реле
// вычитывает их и публикует в message bus, помечая опубликованные строки.
// Публикация переживает сбой процесса между записью и отправкой.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Publisher реализация transport.Publisher поверх таблицы outbox.
// Publish только записывает строку, доставкой занимается Relay.
type Publisher struct {
	pool *pgxpool.Pool
}

// NewPublisher создает outbox-публикатор на существующем пуле
func NewPublisher(pool *pgxpool.Pool) *Publisher {
	return &Publisher{pool: pool}
}

// Publish записывает сообщение в таблицу outbox
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	return enqueue(ctx, p.pool, subject, data, headers)
}

// EnqueueTx записывает сообщение в outbox внутри чужой транзакции.
// Вызывается рядом с записью состояния саги, чтобы сообщение и состояние
// фиксировались атомарно.
func EnqueueTx(ctx context.Context, tx pgx.Tx, subject string, data []byte, headers map[string]string) error {
	return enqueue(ctx, tx, subject, data, headers)
}

func enqueue(ctx context.Context, q execer, subject string, data []byte, headers map[string]string) error {
	var headersJSON []byte
	if len(headers) > 0 {
		var err error
		headersJSON, err = json.Marshal(headers)
		if err != nil {
			return fmt.Errorf("failed to marshal outbox headers: %w", err)
		}
	}

	_, err := q.Exec(ctx,
		`INSERT INTO saga_outbox (subject, payload, headers, created_at)
		 VALUES ($1, $2, $3, now())`,
		subject, data, headersJSON)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox message: %w", err)
	}
	return nil
}
