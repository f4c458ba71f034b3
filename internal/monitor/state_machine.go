package monitor

import "sync"

type State string

type Event string

const (
	StateOpening State = "OPENING"
	StateOpen    State = "OPEN"
	StateClosing State = "CLOSING"
	StateClosed  State = "CLOSED"
	StateFailed  State = "FAILED"
)

const (
	EventOpened  Event = "OPENED"
	EventTrigger Event = "TRIGGER"
	EventClosed  Event = "CLOSED"
	EventFatal   Event = "FATAL"
)

func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateOpening}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = nextState(s.State, event)
	return s.State
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func (s *StateMachine) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

func nextState(current State, event Event) State {
	if event == EventFatal && !current.Terminal() {
		return StateFailed
	}
	switch current {
	case StateOpening:
		if event == EventOpened {
			return StateOpen
		}
	case StateOpen:
		if event == EventTrigger {
			return StateClosing
		}
	case StateClosing:
		if event == EventClosed {
			return StateClosed
		}
	}
	return current
}
