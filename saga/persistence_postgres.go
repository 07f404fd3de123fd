package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore хранилище экземпляров саг в PostgreSQL. Экземпляр и его
// шаги пишутся в одной транзакции; optimistic lock реализован через
// условие по колонке version.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore создает новое PostgreSQL хранилище
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool создает хранилище поверх существующего пула
func NewPostgresStoreWithPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool возвращает пул соединений для совместного использования
// с журналом идемпотентности и outbox
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Create(ctx context.Context, instance *Instance) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO saga_instances
			(id, type, definition_version, state, current_step, payload,
			 compensation_attempts, failure_reason, correlation_id, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = tx.Exec(ctx, query,
		instance.ID, instance.Type, instance.DefinitionVersion, string(instance.State),
		instance.CurrentStep, []byte(instance.Payload), instance.CompensationAttempts,
		instance.FailureReason, instance.CorrelationID, int64(1), instance.CreatedAt, instance.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert saga %s: %w", instance.ID, err)
	}

	if err := s.saveSteps(ctx, tx, instance); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit saga %s: %w", instance.ID, err)
	}

	instance.Version = 1
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, instance *Instance) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE saga_instances
		SET state = $2, current_step = $3, compensation_attempts = $4,
			failure_reason = $5, version = version + 1, updated_at = $6
		WHERE id = $1 AND version = $7
	`
	tag, err := tx.Exec(ctx, query,
		instance.ID, string(instance.State), instance.CurrentStep,
		instance.CompensationAttempts, instance.FailureReason,
		instance.UpdatedAt, instance.Version)
	if err != nil {
		return fmt.Errorf("failed to update saga %s: %w", instance.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Либо экземпляр отсутствует, либо версия устарела
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM saga_instances WHERE id = $1)`, instance.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check saga %s: %w", instance.ID, err)
		}
		if !exists {
			return ErrSagaNotFound
		}
		return ErrVersionConflict
	}

	if err := s.saveSteps(ctx, tx, instance); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit saga %s: %w", instance.ID, err)
	}

	instance.Version++
	return nil
}

func (s *PostgresStore) saveSteps(ctx context.Context, tx pgx.Tx, instance *Instance) error {
	query := `
		INSERT INTO saga_steps
			(saga_id, sequence, name, status, result_payload, error, idempotency_key, deadline, sent_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (saga_id, sequence) DO UPDATE SET
			status = EXCLUDED.status,
			result_payload = EXCLUDED.result_payload,
			error = EXCLUDED.error,
			idempotency_key = EXCLUDED.idempotency_key,
			deadline = EXCLUDED.deadline,
			sent_at = EXCLUDED.sent_at,
			completed_at = EXCLUDED.completed_at
	`
	for _, step := range instance.Steps {
		_, err := tx.Exec(ctx, query,
			instance.ID, step.Sequence, step.Name, string(step.Status),
			[]byte(step.ResultPayload), step.Error, step.IdempotencyKey,
			step.Deadline, step.SentAt, step.CompletedAt)
		if err != nil {
			return fmt.Errorf("failed to save step %d of saga %s: %w", step.Sequence, instance.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sagaID string) (*Instance, error) {
	query := `
		SELECT id, type, definition_version, state, current_step, payload,
			compensation_attempts, failure_reason, correlation_id, version, created_at, updated_at
		FROM saga_instances
		WHERE id = $1
	`
	instance, err := s.scanInstance(s.pool.QueryRow(ctx, query, sagaID))
	if err != nil {
		return nil, err
	}
	if err := s.loadSteps(ctx, instance); err != nil {
		return nil, err
	}
	return instance, nil
}

func (s *PostgresStore) ListNonTerminal(ctx context.Context) ([]*Instance, error) {
	query := `
		SELECT id, type, definition_version, state, current_step, payload,
			compensation_attempts, failure_reason, correlation_id, version, created_at, updated_at
		FROM saga_instances
		WHERE state NOT IN ('COMPLETED', 'COMPENSATED', 'FAILED')
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query non-terminal sagas: %w", err)
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		instance, err := s.scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sagas: %w", err)
	}

	for _, instance := range instances {
		if err := s.loadSteps(ctx, instance); err != nil {
			return nil, err
		}
	}
	return instances, nil
}

func (s *PostgresStore) CountInFlight(ctx context.Context) (int, error) {
	query := `
		SELECT COUNT(*) FROM saga_instances
		WHERE state NOT IN ('COMPLETED', 'COMPENSATED', 'FAILED')
	`
	var count int
	if err := s.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count in-flight sagas: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) scanInstance(row pgx.Row) (*Instance, error) {
	var instance Instance
	var stateStr string
	var payload []byte

	err := row.Scan(
		&instance.ID, &instance.Type, &instance.DefinitionVersion, &stateStr,
		&instance.CurrentStep, &payload, &instance.CompensationAttempts,
		&instance.FailureReason, &instance.CorrelationID, &instance.Version,
		&instance.CreatedAt, &instance.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan saga: %w", err)
	}
	instance.State = State(stateStr)
	instance.Payload = payload
	return &instance, nil
}

func (s *PostgresStore) loadSteps(ctx context.Context, instance *Instance) error {
	query := `
		SELECT sequence, name, status, result_payload, error, idempotency_key, deadline, sent_at, completed_at
		FROM saga_steps
		WHERE saga_id = $1
		ORDER BY sequence ASC
	`
	rows, err := s.pool.Query(ctx, query, instance.ID)
	if err != nil {
		return fmt.Errorf("failed to query steps of saga %s: %w", instance.ID, err)
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var step StepRecord
		var statusStr string
		var resultPayload []byte

		if err := rows.Scan(&step.Sequence, &step.Name, &statusStr, &resultPayload,
			&step.Error, &step.IdempotencyKey, &step.Deadline, &step.SentAt, &step.CompletedAt); err != nil {
			return fmt.Errorf("failed to scan step of saga %s: %w", instance.ID, err)
		}
		step.Status = StepStatus(statusStr)
		step.ResultPayload = resultPayload
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate steps of saga %s: %w", instance.ID, err)
	}

	instance.Steps = steps
	return nil
}

// Close закрывает пул соединений
func (s *PostgresStore) Close() {
	s.pool.Close()
}
