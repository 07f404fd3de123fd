// Package invoke предоставляет маршрутизацию команд и событий по subject-ам message bus.
package invoke

import (
	"fmt"

	"github.com/akriventsev/sagaflow/transport"
)

// SubjectResolver определяет subject для команд и событий
type SubjectResolver interface {
	// ResolveCommandSubject возвращает subject для команды
	ResolveCommandSubject(cmd transport.Command) string
	// EventSubject возвращает subject канала событий шагов
	EventSubject() string
	// CompensationEventSubject возвращает subject канала событий компенсаций
	CompensationEventSubject() string
}

// DefaultSubjectResolver резолвер на основе префиксов.
// Каждое имя команды получает собственный topic: <prefix>.<commandName>,
// события шагов и события компенсаций идут в два отдельных канала.
type DefaultSubjectResolver struct {
	commandPrefix     string
	eventSubject      string
	compensationEvent string
}

// NewDefaultSubjectResolver создает резолвер по умолчанию
func NewDefaultSubjectResolver(commandPrefix, eventSubject, compensationEventSubject string) *DefaultSubjectResolver {
	return &DefaultSubjectResolver{
		commandPrefix:     commandPrefix,
		eventSubject:      eventSubject,
		compensationEvent: compensationEventSubject,
	}
}

// NewSagaSubjectResolver создает резолвер со стандартными subject-ами саг
func NewSagaSubjectResolver() *DefaultSubjectResolver {
	return NewDefaultSubjectResolver("sagas.commands", "sagas.events", "sagas.compensations")
}

// ResolveCommandSubject возвращает subject для команды
func (r *DefaultSubjectResolver) ResolveCommandSubject(cmd transport.Command) string {
	if cmd == nil || cmd.CommandName() == "" {
		return ""
	}
	return fmt.Sprintf("%s.%s", r.commandPrefix, cmd.CommandName())
}

// CommandSubjectFor возвращает subject для имени команды без самой команды
func (r *DefaultSubjectResolver) CommandSubjectFor(commandName string) string {
	return fmt.Sprintf("%s.%s", r.commandPrefix, commandName)
}

// EventSubject возвращает subject канала событий шагов
func (r *DefaultSubjectResolver) EventSubject() string {
	return r.eventSubject
}

// CompensationEventSubject возвращает subject канала событий компенсаций
func (r *DefaultSubjectResolver) CompensationEventSubject() string {
	return r.compensationEvent
}
