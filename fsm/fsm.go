// Package fsm предоставляет табличный конечный автомат для оркестрации саг.
package fsm

import (
	"fmt"
	"sync"
)

// State состояние конечного автомата
type State string

// Event событие, вызывающее переход
type Event string

// Guard проверка возможности перехода
type Guard func() bool

// Transition переход между состояниями
type Transition struct {
	From  State
	Event Event
	To    State
	Guard Guard
}

// Machine табличный конечный автомат. Хранит только граф переходов,
// текущее состояние принадлежит вызывающему коду: автомат отвечает на
// вопрос "допустим ли переход", а не выполняет его.
type Machine struct {
	mu          sync.RWMutex
	initial     State
	states      map[State]struct{}
	transitions map[string]Transition // key: "from:event"
	terminal    map[State]struct{}
}

// NewMachine создает новый автомат с начальным состоянием
func NewMachine(initial State) *Machine {
	m := &Machine{
		initial:     initial,
		states:      make(map[State]struct{}),
		transitions: make(map[string]Transition),
		terminal:    make(map[State]struct{}),
	}
	m.states[initial] = struct{}{}
	return m
}

// Initial возвращает начальное состояние
func (m *Machine) Initial() State {
	return m.initial
}

// AddTransition добавляет переход в автомат
func (m *Machine) AddTransition(from State, event Event, to State) *Machine {
	return m.AddGuardedTransition(from, event, to, nil)
}

// AddGuardedTransition добавляет переход с guard-проверкой
func (m *Machine) AddGuardedTransition(from State, event Event, to State, guard Guard) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states[from] = struct{}{}
	m.states[to] = struct{}{}
	m.transitions[transitionKey(from, event)] = Transition{
		From:  from,
		Event: event,
		To:    to,
		Guard: guard,
	}
	return m
}

// MarkTerminal помечает состояние терминальным
func (m *Machine) MarkTerminal(states ...State) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range states {
		m.states[s] = struct{}{}
		m.terminal[s] = struct{}{}
	}
	return m
}

// IsTerminal проверяет, является ли состояние терминальным
func (m *Machine) IsTerminal(state State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.terminal[state]
	return ok
}

// Can проверяет возможность перехода из состояния по событию
func (m *Machine) Can(from State, event Event) bool {
	_, err := m.Next(from, event)
	return err == nil
}

// Next возвращает целевое состояние перехода из from по event
func (m *Machine) Next(from State, event Event) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.states[from]; !ok {
		return "", fmt.Errorf("fsm: unknown state %q", from)
	}
	if _, ok := m.terminal[from]; ok {
		return "", fmt.Errorf("fsm: state %q is terminal", from)
	}

	t, ok := m.transitions[transitionKey(from, event)]
	if !ok {
		return "", fmt.Errorf("fsm: no transition from %q on %q", from, event)
	}
	if t.Guard != nil && !t.Guard() {
		return "", fmt.Errorf("fsm: guard rejected transition from %q on %q", from, event)
	}

	return t.To, nil
}

// States возвращает все известные состояния
func (m *Machine) States() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]State, 0, len(m.states))
	for s := range m.states {
		result = append(result, s)
	}
	return result
}

func transitionKey(from State, event Event) string {
	return string(from) + ":" + string(event)
}
