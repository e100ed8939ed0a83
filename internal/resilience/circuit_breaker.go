// Copyright 2024 Proxinex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is closed (normal operation)
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is open (failing fast)
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is half-open (testing recovery)
	CircuitHalfOpen
)

// String returns the string representation of the circuit state
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state as its name in JSON payloads
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CircuitBreakerConfig holds configuration for circuit breaker behavior
type CircuitBreakerConfig struct {
	Name                string
	MaxFailures         int
	ResetTimeout        time.Duration
	HalfOpenMaxRequests int
	IsFailureFunc       func(error) bool
	OnStateChange       func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns default configuration for a vendor circuit breaker
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                name,
		MaxFailures:         5,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxRequests: 2,
		IsFailureFunc:       DefaultIsFailureFunc,
	}
}

// DefaultIsFailureFunc counts an error against the breaker unless the caller
// cancelled, the error is permanent, or it is a client-side ServiceError.
func DefaultIsFailureFunc(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || IsPermanent(err) {
		return false
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) && serviceErr.StatusCode < 500 {
		return false
	}
	return true
}

// CircuitBreakerStats holds statistics about circuit breaker performance
type CircuitBreakerStats struct {
	Name            string       `json:"name"`
	State           CircuitState `json:"state"`
	Failures        int          `json:"failures"`
	SuccessfulReqs  int          `json:"successful_requests"`
	FailedReqs      int          `json:"failed_requests"`
	RejectedReqs    int          `json:"rejected_requests"`
	LastFailureTime time.Time    `json:"last_failure_time"`
	StateChanged    time.Time    `json:"state_changed"`
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	config           CircuitBreakerConfig
	mu               sync.Mutex
	state            CircuitState
	failures         int
	halfOpenInFlight int
	halfOpenSuccess  int
	successfulReqs   int
	failedReqs       int
	rejectedReqs     int
	lastFailureTime  time.Time
	stateChanged     time.Time
	now              func() time.Time
	logger           *zap.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.IsFailureFunc == nil {
		config.IsFailureFunc = DefaultIsFailureFunc
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 1
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = 1
	}

	return &CircuitBreaker{
		config:       config,
		state:        CircuitClosed,
		stateChanged: time.Now(),
		now:          time.Now,
		logger:       logger,
	}
}

// ErrCircuitBreakerOpen is returned when the circuit breaker is open
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// Execute runs the given function through the circuit breaker
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if cb == nil {
		return fn(ctx)
	}

	if !cb.allow() {
		return ErrCircuitBreakerOpen
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

// allow decides whether a call may proceed and reserves a half-open slot
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.now().Sub(cb.stateChanged) >= cb.config.ResetTimeout {
		cb.setState(CircuitHalfOpen)
	}

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if cb.halfOpenInFlight < cb.config.HalfOpenMaxRequests {
			cb.halfOpenInFlight++
			return true
		}
	}

	cb.rejectedReqs++
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.config.IsFailureFunc(err) {
		cb.failures++
		cb.failedReqs++
		cb.lastFailureTime = cb.now()

		cb.logger.Debug("Circuit breaker recorded failure",
			zap.String("name", cb.config.Name),
			zap.Error(err),
			zap.Int("failures", cb.failures),
			zap.String("state", cb.state.String()))

		switch cb.state {
		case CircuitClosed:
			if cb.failures >= cb.config.MaxFailures {
				cb.setState(CircuitOpen)
			}
		case CircuitHalfOpen:
			cb.setState(CircuitOpen)
		}
		return
	}

	cb.successfulReqs++
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.config.HalfOpenMaxRequests {
			cb.setState(CircuitClosed)
		}
	}
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState
	cb.stateChanged = cb.now()
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccess = 0
	if newState == CircuitClosed {
		cb.failures = 0
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.config.Name),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
		zap.Int("failures", cb.failures))

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.config.Name, oldState, newState)
	}
}

// GetStats returns current statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	if cb == nil {
		return CircuitBreakerStats{Name: "unknown", State: CircuitClosed}
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:            cb.config.Name,
		State:           cb.state,
		Failures:        cb.failures,
		SuccessfulReqs:  cb.successfulReqs,
		FailedReqs:      cb.failedReqs,
		RejectedReqs:    cb.rejectedReqs,
		LastFailureTime: cb.lastFailureTime,
		StateChanged:    cb.stateChanged,
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	if cb == nil {
		return CircuitClosed
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the configured breaker name
func (cb *CircuitBreaker) Name() string {
	if cb == nil {
		return ""
	}
	return cb.config.Name
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.logger.Info("Circuit breaker manually reset", zap.String("name", cb.config.Name))
	cb.setState(CircuitClosed)
	cb.failures = 0
}
