package invoke

import "testing"

type testCommand struct {
	name string
}

func (c *testCommand) CommandName() string {
	return c.name
}

func TestSagaSubjectResolver(t *testing.T) {
	resolver := NewSagaSubjectResolver()

	subject := resolver.ResolveCommandSubject(&testCommand{name: "reserve_inventory"})
	if subject != "sagas.commands.reserve_inventory" {
		t.Errorf("Expected sagas.commands.reserve_inventory, got %s", subject)
	}

	if got := resolver.EventSubject(); got != "sagas.events" {
		t.Errorf("Expected sagas.events, got %s", got)
	}
	if got := resolver.CompensationEventSubject(); got != "sagas.compensations" {
		t.Errorf("Expected sagas.compensations, got %s", got)
	}
}

func TestSubjectResolver_EmptyCommandName(t *testing.T) {
	resolver := NewSagaSubjectResolver()

	if subject := resolver.ResolveCommandSubject(&testCommand{}); subject != "" {
		t.Errorf("Expected empty subject for unnamed command, got %s", subject)
	}
	if subject := resolver.ResolveCommandSubject(nil); subject != "" {
		t.Errorf("Expected empty subject for nil command, got %s", subject)
	}
}

func TestSubjectResolver_CommandSubjectFor(t *testing.T) {
	resolver := NewDefaultSubjectResolver("orders.commands", "orders.events", "orders.compensations")

	if got := resolver.CommandSubjectFor("charge_payment"); got != "orders.commands.charge_payment" {
		t.Errorf("Expected orders.commands.charge_payment, got %s", got)
	}
}
