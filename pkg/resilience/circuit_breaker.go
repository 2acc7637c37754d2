package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NikhilSetiya/usage-governor/pkg/errors"
	"github.com/NikhilSetiya/usage-governor/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, limited requests are allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for a provider circuit breaker
type CircuitBreakerConfig struct {
	// Name is the provider the breaker guards
	Name string
	// MaxRequests is the number of trial calls allowed while half-open
	MaxRequests uint32
	// Interval clears the closed-state counts periodically. Zero never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open before going half-open
	Timeout time.Duration
	// ReadyToTrip decides, after a failure in the closed state, whether to open
	ReadyToTrip func(counts Counts) bool
	// IsFailure decides whether an error counts against the provider.
	// Defaults to provider-side classifications only.
	IsFailure func(err error) bool
	// OnStateChange is called whenever the state changes
	OnStateChange func(name string, from CircuitState, to CircuitState)
	// Clock overrides time.Now
	Clock func() time.Time
}

// DefaultCircuitBreakerConfig returns the configuration used per provider
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
	}
}

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker stops calling a provider that keeps failing
type CircuitBreaker struct {
	name          string
	maxRequests   uint32
	interval      time.Duration
	timeout       time.Duration
	readyToTrip   func(counts Counts) bool
	isFailure     func(err error) bool
	onStateChange func(name string, from CircuitState, to CircuitState)
	now           func() time.Time

	mutex      sync.Mutex
	state      CircuitState
	generation uint64
	counts     Counts
	expiry     time.Time

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:          config.Name,
		maxRequests:   config.MaxRequests,
		interval:      config.Interval,
		timeout:       config.Timeout,
		readyToTrip:   config.ReadyToTrip,
		isFailure:     config.IsFailure,
		onStateChange: config.OnStateChange,
		now:           config.Clock,
		logger:        logging.GetLogger(),
	}

	if cb.maxRequests == 0 {
		cb.maxRequests = 1
	}
	if cb.timeout <= 0 {
		cb.timeout = 30 * time.Second
	}
	if cb.readyToTrip == nil {
		cb.readyToTrip = defaultReadyToTrip
	}
	if cb.isFailure == nil {
		cb.isFailure = defaultIsFailure
	}
	if cb.now == nil {
		cb.now = time.Now
	}

	cb.toNewGeneration(cb.now())
	return cb
}

// defaultReadyToTrip trips when at least 5 requests were seen and 60% failed
func defaultReadyToTrip(counts Counts) bool {
	return counts.Requests >= 5 && counts.TotalFailures >= uint32(float64(counts.Requests)*0.6)
}

// defaultIsFailure only counts failures that say something about the
// provider. A rejected prompt or an exhausted quota does not.
func defaultIsFailure(err error) bool {
	switch Classify(err) {
	case errors.ErrorTypeNetwork, errors.ErrorTypeProvider, errors.ErrorTypeAuthentication:
		return true
	default:
		return false
	}
}

// Execute runs req if the breaker accepts it
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(context.Context) error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = req(ctx)
	cb.afterRequest(generation, err == nil || !cb.isFailure(err))
	return err
}

// CallWithBreaker runs a typed operation through cb. A nil breaker calls op directly.
func CallWithBreaker[T any](ctx context.Context, cb *CircuitBreaker, op func(context.Context) (T, error)) (T, error) {
	if cb == nil {
		return op(ctx)
	}

	var result T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = op(ctx)
		return err
	})
	return result, err
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, _ := cb.currentState(cb.now())
	return state
}

// Available reports whether the breaker would let a request through
func (cb *CircuitBreaker) Available() bool {
	return cb.State() != StateOpen
}

// Counts returns a copy of the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.counts
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, generation := cb.currentState(cb.now())

	if state == StateOpen {
		return generation, &CircuitBreakerError{Name: cb.name, State: state}
	} else if state == StateHalfOpen && cb.counts.Requests >= cb.maxRequests {
		return generation, &CircuitBreakerError{Name: cb.name, State: state}
	}

	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state CircuitState, now time.Time) {
	cb.counts.TotalSuccesses++
	cb.counts.ConsecutiveSuccesses++
	cb.counts.ConsecutiveFailures = 0

	if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.maxRequests {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state CircuitState, now time.Time) {
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0

	switch state {
	case StateClosed:
		if cb.readyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (CircuitState, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	counts := cb.counts
	cb.state = state

	cb.toNewGeneration(now)

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.Warn("Provider circuit breaker state changed",
		"provider", cb.name,
		"from", prev.String(),
		"to", state.String(),
		"requests", counts.Requests,
		"failures", counts.TotalFailures,
	)
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	var zero time.Time
	switch cb.state {
	case StateClosed:
		if cb.interval == 0 {
			cb.expiry = zero
		} else {
			cb.expiry = now.Add(cb.interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.timeout)
	default: // StateHalfOpen
		cb.expiry = zero
	}
}

// CircuitBreakerError is returned without calling the provider when its
// breaker rejects the request.
type CircuitBreakerError struct {
	Name  string
	State CircuitState
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State.String())
}

// ErrorType implements errors.Classified
func (e *CircuitBreakerError) ErrorType() errors.ErrorType {
	return errors.ErrorTypeProvider
}

// IsCircuitBreakerError checks if an error is a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return stderrors.As(err, &cbErr)
}

// BreakerSet holds one circuit breaker per provider, created on first use
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	template CircuitBreakerConfig
}

// NewBreakerSet creates a set whose breakers share template except for Name.
// Providers listed up front are reported by Availability before their first call.
func NewBreakerSet(template CircuitBreakerConfig, providers ...string) *BreakerSet {
	bs := &BreakerSet{
		breakers: make(map[string]*CircuitBreaker),
		template: template,
	}
	for _, provider := range providers {
		bs.Get(provider)
	}
	return bs
}

// Get returns the breaker for provider, creating it if needed
func (bs *BreakerSet) Get(provider string) *CircuitBreaker {
	bs.mu.RLock()
	cb, ok := bs.breakers[provider]
	bs.mu.RUnlock()
	if ok {
		return cb
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()

	if cb, ok := bs.breakers[provider]; ok {
		return cb
	}

	config := bs.template
	config.Name = provider
	cb = NewCircuitBreaker(config)
	bs.breakers[provider] = cb
	return cb
}

// Availability reports, per provider, whether its breaker admits requests
func (bs *BreakerSet) Availability() map[string]bool {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	availability := make(map[string]bool, len(bs.breakers))
	for name, cb := range bs.breakers {
		availability[name] = cb.Available()
	}
	return availability
}

// Providers returns the known provider names in sorted order
func (bs *BreakerSet) Providers() []string {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	names := make([]string, 0, len(bs.breakers))
	for name := range bs.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
