package llm

import (
	"sync"
	"time"
)

// HealthConfig configures the endpoint circuit breaker.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive transient failures before
	// the circuit opens. Zero disables the breaker.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a trial request.
	RecoveryTimeout time.Duration
}

// DefaultHealthConfig returns the default breaker settings.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// EndpointHealth is a snapshot of the breaker state.
type EndpointHealth struct {
	Available       bool      `json:"available"`
	LastSuccess     time.Time `json:"last_success,omitempty"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	FailureCount    int       `json:"failure_count"`
	CircuitOpen     bool      `json:"circuit_open"`
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// breaker tracks consecutive failures for one endpoint.
type breaker struct {
	mu     sync.Mutex
	config HealthConfig
	state  EndpointHealth
	now    func() time.Time
}

func newBreaker(cfg HealthConfig) *breaker {
	return &breaker{
		config: cfg,
		state:  EndpointHealth{Available: true},
		now:    time.Now,
	}
}

// allow reports whether a request may be sent. After the recovery timeout
// one trial request is let through (half-open).
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.CircuitOpen {
		return true
	}
	if b.now().Sub(b.state.CircuitOpenedAt) > b.config.RecoveryTimeout {
		b.state.CircuitOpenedAt = b.now()
		return true
	}
	return false
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.LastSuccess = b.now()
	b.state.FailureCount = 0
	b.state.Available = true
	b.state.CircuitOpen = false
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.LastFailure = b.now()
	b.state.FailureCount++
	if b.config.FailureThreshold > 0 && b.state.FailureCount >= b.config.FailureThreshold {
		if !b.state.CircuitOpen {
			b.state.CircuitOpenedAt = b.now()
		}
		b.state.CircuitOpen = true
		b.state.Available = false
	}
}

func (b *breaker) snapshot() EndpointHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
