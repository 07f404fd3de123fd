package fsm

import "testing"

func buildTestMachine() *Machine {
	m := NewMachine("pending")
	m.AddTransition("pending", "start", "in_progress")
	m.AddTransition("in_progress", "complete", "completed")
	m.AddTransition("in_progress", "fail", "compensating")
	m.AddTransition("compensating", "compensated", "compensated")
	m.AddTransition("compensating", "fail", "failed")
	m.MarkTerminal("completed", "compensated", "failed")
	return m
}

func TestMachine_Next(t *testing.T) {
	m := buildTestMachine()

	next, err := m.Next("pending", "start")
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if next != "in_progress" {
		t.Errorf("Expected in_progress, got %s", next)
	}
}

func TestMachine_UnknownTransition(t *testing.T) {
	m := buildTestMachine()

	if _, err := m.Next("pending", "complete"); err == nil {
		t.Error("Expected error for undefined transition")
	}
	if _, err := m.Next("nonexistent", "start"); err == nil {
		t.Error("Expected error for unknown state")
	}
}

func TestMachine_TerminalStates(t *testing.T) {
	m := buildTestMachine()

	for _, s := range []State{"completed", "compensated", "failed"} {
		if !m.IsTerminal(s) {
			t.Errorf("Expected %s to be terminal", s)
		}
		if _, err := m.Next(s, "start"); err == nil {
			t.Errorf("Expected no transitions out of terminal state %s", s)
		}
	}

	if m.IsTerminal("in_progress") {
		t.Error("Expected in_progress to be non-terminal")
	}
}

func TestMachine_Guard(t *testing.T) {
	allow := false
	m := NewMachine("a")
	m.AddGuardedTransition("a", "go", "b", func() bool { return allow })

	if m.Can("a", "go") {
		t.Error("Expected guard to reject transition")
	}

	allow = true
	if !m.Can("a", "go") {
		t.Error("Expected guard to allow transition")
	}
}
