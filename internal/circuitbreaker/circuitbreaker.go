// Package circuitbreaker fails inference calls fast while a backend is unhealthy.
//
//	closed -> open       after FailureThreshold consecutive failures
//	open -> half-open    once Timeout has passed since the last failure
//	half-open -> closed  after SuccessThreshold successes
//	half-open -> open    on any failure
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/felipepmaragno/tunegate/internal/domain"
)

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
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// StateChangeFunc observes transitions, e.g. to export them as metrics.
type StateChangeFunc func(name string, from, to State)

type Breaker struct {
	mu          sync.Mutex
	name        string
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
	onChange    StateChangeFunc
	now         func() time.Time
}

func New(name string, cfg Config, onChange StateChangeFunc) *Breaker {
	return &Breaker{
		name:     name,
		state:    StateClosed,
		config:   cfg,
		onChange: onChange,
		now:      time.Now,
	}
}

// Allow returns domain.ErrCircuitBreakerOpen while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.lastFailure) < b.config.Timeout {
		return domain.ErrCircuitBreakerOpen
	}

	b.successes = 0
	b.transition(StateHalfOpen)
	return nil
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.successes = 0
		b.transition(StateOpen)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.onChange != nil && from != to {
		b.onChange(b.name, from, to)
	}
}

// Manager hands out one breaker per backend.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	onChange StateChangeFunc
}

func NewManager(cfg Config, onChange StateChangeFunc) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   cfg,
		onChange: onChange,
	}
}

func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}
	b = New(name, m.config, m.onChange)
	m.breakers[name] = b
	return b
}

func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]string, len(m.breakers))
	for name, b := range m.breakers {
		states[name] = b.State().String()
	}
	return states
}
