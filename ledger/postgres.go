package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger реализация журнала идемпотентности через PostgreSQL.
// Захват ключа выполняется через INSERT ... ON CONFLICT DO NOTHING,
// что переносит атомарность на уникальный индекс таблицы.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger создает новый PostgreSQL журнал
func NewPostgresLedger(ctx context.Context, dsn string) (*PostgresLedger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return &PostgresLedger{pool: pool}, nil
}

// NewPostgresLedgerWithPool создает журнал поверх существующего пула
func NewPostgresLedgerWithPool(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (l *PostgresLedger) Claim(ctx context.Context, key string) (bool, *Record, error) {
	now := time.Now()
	query := `
		INSERT INTO idempotency_records (key, status, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (key) DO NOTHING
	`
	tag, err := l.pool.Exec(ctx, query, key, string(StatusProcessing), now)
	if err != nil {
		return false, nil, fmt.Errorf("failed to claim key %s: %w", key, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil, nil
	}

	existing, err := l.Get(ctx, key)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (l *PostgresLedger) Complete(ctx context.Context, key string, result json.RawMessage) error {
	query := `
		UPDATE idempotency_records
		SET status = $2, result_payload = $3, updated_at = $4
		WHERE key = $1
	`
	tag, err := l.pool.Exec(ctx, query, key, string(StatusCompleted), []byte(result), time.Now())
	if err != nil {
		return fmt.Errorf("failed to complete key %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (l *PostgresLedger) Fail(ctx context.Context, key string, errorMessage string) error {
	query := `
		UPDATE idempotency_records
		SET status = $2, error_message = $3, updated_at = $4
		WHERE key = $1
	`
	tag, err := l.pool.Exec(ctx, query, key, string(StatusFailed), errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to fail key %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (l *PostgresLedger) Release(ctx context.Context, key string) error {
	query := `DELETE FROM idempotency_records WHERE key = $1`
	if _, err := l.pool.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("failed to release key %s: %w", key, err)
	}
	return nil
}

func (l *PostgresLedger) Get(ctx context.Context, key string) (*Record, error) {
	query := `
		SELECT key, status, result_payload, error_message, created_at, updated_at
		FROM idempotency_records
		WHERE key = $1
	`
	var record Record
	var statusStr string
	var resultPayload []byte
	var errorMessage *string

	err := l.pool.QueryRow(ctx, query, key).Scan(
		&record.Key, &statusStr, &resultPayload, &errorMessage, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	record.Status = RecordStatus(statusStr)
	record.ResultPayload = resultPayload
	if errorMessage != nil {
		record.ErrorMessage = *errorMessage
	}
	return &record, nil
}

// Close закрывает пул соединений
func (l *PostgresLedger) Close() {
	l.pool.Close()
}
