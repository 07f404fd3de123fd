// Package invoke предоставляет AsyncCommandBus для публикации команд в message bus.
package invoke

import (
	"context"
	"fmt"
	"time"

	"github.com/akriventsev/sagaflow/metrics"
	"github.com/akriventsev/sagaflow/transport"
)

// AsyncCommandBus чистый producer команд: публикует команду в subject
// и не ждет результата (fire-and-forget). Результат приходит отдельным
// событием через канал событий.
type AsyncCommandBus struct {
	pubSub          transport.Publisher
	serializer      transport.MessageSerializer
	subjectResolver SubjectResolver
	idGenerator     func() string
	metrics         *metrics.Metrics
}

// NewAsyncCommandBus создает новый AsyncCommandBus
func NewAsyncCommandBus(pubSub transport.Publisher) *AsyncCommandBus {
	return &AsyncCommandBus{
		pubSub:          pubSub,
		serializer:      DefaultSerializer(),
		subjectResolver: NewSagaSubjectResolver(),
		idGenerator:     GenerateCommandID,
	}
}

// WithSerializer устанавливает сериализатор
func (b *AsyncCommandBus) WithSerializer(serializer transport.MessageSerializer) *AsyncCommandBus {
	b.serializer = serializer
	return b
}

// WithSubjectResolver устанавливает кастомный SubjectResolver
func (b *AsyncCommandBus) WithSubjectResolver(resolver SubjectResolver) *AsyncCommandBus {
	b.subjectResolver = resolver
	return b
}

// WithIDGenerator устанавливает генератор ID
func (b *AsyncCommandBus) WithIDGenerator(generator func() string) *AsyncCommandBus {
	b.idGenerator = generator
	return b
}

// WithMetrics устанавливает метрики
func (b *AsyncCommandBus) WithMetrics(m *metrics.Metrics) *AsyncCommandBus {
	b.metrics = m
	return b
}

// SendAsync публикует команду асинхронно (pure produce)
func (b *AsyncCommandBus) SendAsync(ctx context.Context, cmd transport.Command, metadata *transport.BaseCommandMetadata) error {
	start := time.Now()

	if metadata == nil {
		correlationID := ExtractCorrelationID(ctx)
		if correlationID == "" {
			correlationID = GenerateCorrelationID()
		}
		metadata = transport.NewBaseCommandMetadata(b.idGenerator(), correlationID, ExtractCausationID(ctx))
	}

	data, err := b.serializer.Serialize(cmd)
	if err != nil {
		if b.metrics != nil {
			b.metrics.RecordCommand(ctx, cmd.CommandName(), time.Since(start), false)
		}
		return fmt.Errorf("failed to serialize command: %w", err)
	}

	subject := b.subjectResolver.ResolveCommandSubject(cmd)
	if subject == "" {
		if b.metrics != nil {
			b.metrics.RecordCommand(ctx, cmd.CommandName(), time.Since(start), false)
		}
		return fmt.Errorf("failed to resolve subject for command: %q", cmd.CommandName())
	}

	headers := map[string]string{
		"command_id":     metadata.ID(),
		"correlation_id": metadata.CorrelationID(),
		"causation_id":   metadata.CausationID(),
		"timestamp":      metadata.Timestamp().Format(time.RFC3339),
		"command_name":   cmd.CommandName(),
	}

	if err := b.pubSub.Publish(ctx, subject, data, headers); err != nil {
		if b.metrics != nil {
			b.metrics.RecordCommand(ctx, cmd.CommandName(), time.Since(start), false)
		}
		return fmt.Errorf("failed to publish command %q: %w", cmd.CommandName(), err)
	}

	if b.metrics != nil {
		b.metrics.RecordCommand(ctx, cmd.CommandName(), time.Since(start), true)
	}

	return nil
}
