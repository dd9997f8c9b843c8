package grading

import "log/slog"

// EventKind says what an Event reports.
type EventKind string

const (
	EventStarted EventKind = "started"
	EventGraded  EventKind = "graded"
	EventFailed  EventKind = "failed"
	EventState   EventKind = "state"
)

// Event is one incremental update of a session. Unit results arrive in
// completion order, not question order.
type Event struct {
	SessionID string    `json:"session_id"`
	Kind      EventKind `json:"kind"`
	Unit      UnitRef   `json:"unit"`
	Grade     *Grade    `json:"grade,omitempty"`
	Error     string    `json:"error,omitempty"`
	State     State     `json:"state"`
}

// Subscribe returns a channel receiving every event published after the
// call, and a function that unsubscribes and closes it. Events are dropped
// for a subscriber whose buffer is full; buffer <= 0 uses a default.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	ch := make(chan Event, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	s.subMu.Unlock()

	var done bool
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if done {
			return
		}
		done = true
		delete(s.subscribers, id)
		close(ch)
	}
}

func (s *Session) publish(ev Event) {
	if ev.Kind != EventState {
		ev.State = s.State()
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			slog.Warn("event subscriber is full, dropping event",
				"session_id", s.id,
				"subscriber", id,
				"kind", string(ev.Kind),
			)
		}
	}
}
