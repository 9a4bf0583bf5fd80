// Package breaker implements the Circuit Breaker Set (C3): one three-state
// machine per endpoint, admitting or rejecting attempts and tracking
// consecutive failures/successes. It is adapted from the teacher
// framework's single-breaker implementation, reshaped from a Call/Result
// wrapper into the admit/record contract the Router and Executor need so
// that admission can be checked before a decision is made, not only around
// the call itself.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaycore/llmcore/core/classify"
)

// State is a breaker's reachability state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Decision is the admission verdict for an endpoint.
type Decision int

const (
	Proceed Decision = iota
	Reject
)

// Outcome is what Record reports back about a completed attempt.
type Outcome int

const (
	Success Outcome = iota
	Failure
)

// Config tunes the state machine; zero fields fall back to the package
// defaults mirrored from the teacher's DefaultConfig.
type Config struct {
	Threshold          int           // consecutive Transport/Fatal failures to open
	RecoveryTimeout    time.Duration // Open -> HalfOpen
	HalfOpenSuccesses  int           // consecutive successes in HalfOpen to close
	HalfOpenMaxCalls   int           // concurrent probes allowed while HalfOpen
	OnStateChange      func(endpoint string, from, to State)
}

// DefaultConfig mirrors the teacher's circuitbreaker.DefaultConfig values.
func DefaultConfig() Config {
	return Config{
		Threshold:         5,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenSuccesses: 3,
		HalfOpenMaxCalls:  3,
	}
}

// Set is the Circuit Breaker Set's contract: one breaker per endpoint,
// created lazily on first touch.
type Set interface {
	// Admit reserves the right to attempt the endpoint: an Open breaker
	// past its recovery timeout flips to HalfOpen and a HalfOpen breaker
	// consumes one probe slot. Every Proceed MUST be paired with exactly
	// one Record, which releases the slot; callers that only want to ask
	// "could this endpoint be attempted" use Routable instead.
	Admit(endpoint string) Decision
	// Record reports the outcome of an attempt already admitted. class is
	// classify.None for Success; for Failure it determines whether the
	// failure counts toward the breaker at all (RateLimit never does).
	Record(endpoint string, outcome Outcome, class classify.Class)
	// Routable answers whether an Admit issued now could return Proceed,
	// without reserving anything. The Router filters chains with this.
	Routable(endpoint string) bool
	State(endpoint string) State
	Reset(endpoint string)
}

type endpointState struct {
	mu                sync.Mutex
	state             State
	failureCount      int
	halfOpenSuccesses int
	halfOpenInFlight  int
	openedAt          time.Time
}

type set struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	endpoints map[string]*endpointState
}

// New constructs a Circuit Breaker Set. logger may be nil.
func New(cfg Config, logger *zap.Logger) Set {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 3
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &set{cfg: cfg, logger: logger, endpoints: make(map[string]*endpointState)}
}

func (s *set) get(endpoint string) *endpointState {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[endpoint]
	if !ok {
		e = &endpointState{state: Closed}
		s.endpoints[endpoint] = e
	}
	return e
}

func (s *set) Admit(endpoint string) Decision {
	e := s.get(endpoint)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Closed:
		return Proceed
	case Open:
		if time.Since(e.openedAt) > s.cfg.RecoveryTimeout {
			s.transition(endpoint, e, HalfOpen)
			e.halfOpenSuccesses = 0
			e.halfOpenInFlight = 1
			return Proceed
		}
		return Reject
	case HalfOpen:
		if e.halfOpenInFlight >= s.cfg.HalfOpenMaxCalls {
			return Reject
		}
		e.halfOpenInFlight++
		return Proceed
	default:
		return Reject
	}
}

func (s *set) Routable(endpoint string) bool {
	e := s.get(endpoint)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Closed:
		return true
	case Open:
		return time.Since(e.openedAt) > s.cfg.RecoveryTimeout
	case HalfOpen:
		return e.halfOpenInFlight < s.cfg.HalfOpenMaxCalls
	default:
		return false
	}
}

func (s *set) Record(endpoint string, outcome Outcome, class classify.Class) {
	e := s.get(endpoint)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == HalfOpen && e.halfOpenInFlight > 0 {
		e.halfOpenInFlight--
	}

	if outcome == Success {
		s.onSuccess(endpoint, e)
		return
	}

	// RateLimit failures never count toward the breaker: that path is
	// owned by the Capacity Registry's cooldown instead.
	if !class.CountsTowardBreaker() {
		return
	}
	s.onFailure(endpoint, e)
}

func (s *set) onSuccess(endpoint string, e *endpointState) {
	switch e.state {
	case Closed:
		e.failureCount = 0
	case HalfOpen:
		e.halfOpenSuccesses++
		if e.halfOpenSuccesses >= s.cfg.HalfOpenSuccesses {
			s.transition(endpoint, e, Closed)
			e.failureCount = 0
			e.halfOpenSuccesses = 0
		}
	}
}

func (s *set) onFailure(endpoint string, e *endpointState) {
	switch e.state {
	case Closed:
		e.failureCount++
		if e.failureCount >= s.cfg.Threshold {
			s.transition(endpoint, e, Open)
			e.openedAt = time.Now()
		}
	case HalfOpen:
		s.transition(endpoint, e, Open)
		e.openedAt = time.Now()
		e.halfOpenSuccesses = 0
	}
}

func (s *set) transition(endpoint string, e *endpointState, to State) {
	from := e.state
	e.state = to
	s.logger.Info("breaker transition",
		zap.String("endpoint", endpoint),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if s.cfg.OnStateChange != nil {
		go s.cfg.OnStateChange(endpoint, from, to)
	}
}

func (s *set) State(endpoint string) State {
	e := s.get(endpoint)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (s *set) Reset(endpoint string) {
	e := s.get(endpoint)
	e.mu.Lock()
	defer e.mu.Unlock()
	from := e.state
	e.state = Closed
	e.failureCount = 0
	e.halfOpenSuccesses = 0
	e.halfOpenInFlight = 0
	if s.cfg.OnStateChange != nil && from != Closed {
		go s.cfg.OnStateChange(endpoint, from, Closed)
	}
}
