package terminal

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState represents the current state of the circuit breaker
type CircuitState int

const (
	// StateClosed - requests reach the gateway
	StateClosed CircuitState = iota
	// StateHalfOpen - one probe request is allowed through
	StateHalfOpen
	// StateOpen - requests fail immediately
	StateOpen
)

func (s CircuitState) String() string {
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

var (
	// ErrCircuitOpen is returned when the gateway is considered down
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned while the half-open probe is in flight
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// CircuitBreakerConfig configures circuit breaker behavior
type CircuitBreakerConfig struct {
	// OnStateChange is called with the lock held; it must not call back into the breaker
	OnStateChange func(from, to CircuitState)
	// now is overridden in tests
	now func() time.Time
	// MaxFailures is the number of consecutive failures before opening
	MaxFailures uint32
	// Timeout is how long the circuit stays open before allowing a probe
	Timeout time.Duration
	// MaxRequestsHalfOpen is max concurrent probes in half-open state
	MaxRequestsHalfOpen uint32
}

// DefaultCircuitBreakerConfig suits a single local terminal gateway. A card
// interaction can take minutes, so only unreachable-gateway failures count.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         3,
		Timeout:             15 * time.Second,
		MaxRequestsHalfOpen: 1,
	}
}

// CircuitBreaker fails fast across sessions while the gateway is down.
// It never retries a request.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            CircuitState
	failures         uint32
	requestsHalfOpen uint32
	openedAt         time.Time
	config           CircuitBreakerConfig
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.now == nil {
		config.now = time.Now
	}
	if config.MaxRequestsHalfOpen == 0 {
		config.MaxRequestsHalfOpen = 1
	}
	return &CircuitBreaker{
		state:  StateClosed,
		config: config,
	}
}

// Call executes fn if the circuit allows it and records the result
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn()
	cb.afterCall(err)
	return err
}

// CallContext is Call for work bound to ctx. When ctx is cancelled or past
// its deadline by the time fn returns, the result says nothing about the
// gateway and is not recorded.
func (cb *CircuitBreaker) CallContext(ctx context.Context, fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn()
	if ctx.Err() != nil {
		cb.release()
		return err
	}
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if cb.config.now().Sub(cb.openedAt) < cb.config.Timeout {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.requestsHalfOpen++
		return nil

	case StateHalfOpen:
		if cb.requestsHalfOpen >= cb.config.MaxRequestsHalfOpen {
			return ErrTooManyRequests
		}
		cb.requestsHalfOpen++
		return nil

	default:
		return ErrCircuitOpen
	}
}

// release frees a half-open probe slot without recording an outcome
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.requestsHalfOpen > 0 {
		cb.requestsHalfOpen--
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if cb.state == StateHalfOpen {
			cb.setState(StateClosed)
		}
		cb.failures = 0
		return
	}

	cb.failures++
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// Failed probe
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) setState(newState CircuitState) {
	if cb.state == newState {
		return
	}

	old := cb.state
	cb.state = newState

	switch newState {
	case StateClosed:
		cb.failures = 0
		cb.requestsHalfOpen = 0
	case StateOpen:
		cb.openedAt = cb.config.now()
		cb.requestsHalfOpen = 0
	case StateHalfOpen:
		cb.failures = 0
		cb.requestsHalfOpen = 0
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(old, newState)
	}
}

// State returns the current circuit state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count
func (cb *CircuitBreaker) Failures() uint32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
