package liveclient

import "sync"

// Store serializes dispatches so Reduce is the only way State changes.
type Store struct {
	mu        sync.Mutex
	state     State
	listeners []func(State)
}

func NewStore(initial State) *Store {
	return &Store{state: initial}
}

// Dispatch reduces a and notifies listeners with the new state. Listeners
// run under the store lock, in order, and must not dispatch.
func (s *Store) Dispatch(a Action) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Reduce(s.state, a)
	for _, fn := range s.listeners {
		fn(s.state)
	}
	return s.state
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnChange registers fn for every later dispatch.
func (s *Store) OnChange(fn func(State)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}
