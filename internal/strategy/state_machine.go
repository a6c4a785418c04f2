package strategy

import "sync"

type StateMachine struct {
	mu    sync.Mutex
	state State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateUninitialized}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nextState(s.state, event)
	return s.state
}

func (s *StateMachine) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func nextState(current State, event Event) State {
	switch current {
	case StateUninitialized:
		if event == EventInit {
			return StateInitializing
		}
	case StateInitializing:
		switch event {
		case EventReady:
			return StateRunning
		case EventFail:
			return StateFailed
		case EventReset:
			return StateUninitialized
		}
	}
	return current
}
