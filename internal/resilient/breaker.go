package resilient

import (
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the per-endpoint circuit breaker.
type BreakerConfig struct {
	Threshold int           // consecutive failures that open the circuit
	CoolDown  time.Duration // time spent open before a probe is allowed
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored // e.g. caller cancelled; says nothing about the endpoint
)

// breaker tracks one logical endpoint.
type breaker struct {
	endpoint string
	cfg      BreakerConfig
	now      func() time.Time
	onChange func(endpoint string, from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker(endpoint string, cfg BreakerConfig, now func() time.Time, onChange func(string, State, State)) *breaker {
	return &breaker{endpoint: endpoint, cfg: cfg, now: now, onChange: onChange}
}

// allow decides whether a call may proceed. probe is true when the call is the
// single half-open probe and its outcome decides the next state.
func (b *breaker) allow() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.CoolDown {
			return false, &Error{Kind: KindCircuitOpen, Endpoint: b.endpoint}
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return true, nil
	default: // half-open
		if b.probing {
			return false, &Error{Kind: KindCircuitOpen, Endpoint: b.endpoint, Reason: "probe in flight"}
		}
		b.probing = true
		return true, nil
	}
}

func (b *breaker) record(probe bool, o outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
		switch o {
		case outcomeSuccess:
			b.failures = 0
			b.transition(StateClosed)
		case outcomeFailure:
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
		return
	}

	if b.state != StateClosed {
		return
	}
	switch o {
	case outcomeSuccess:
		b.failures = 0
	case outcomeFailure:
		b.failures++
		if b.cfg.Threshold > 0 && b.failures >= b.cfg.Threshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	}
}

func (b *breaker) current() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with mu held.
func (b *breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateClosed {
		b.failures = 0
	}
	if b.onChange != nil {
		b.onChange(b.endpoint, from, to)
	}
}
