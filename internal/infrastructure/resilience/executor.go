package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerDisabled is reported by BreakerState when breakers are turned off.
const BreakerDisabled = "disabled"

// ErrorClassification tells the executor whether a failure may be retried and
// whether it counts against the circuit breaker.
type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

type ErrorClassifier func(err error) ErrorClassification

// BreakerObserver learns about every breaker transition. States are the
// gobreaker names: "closed", "half-open" and "open".
type BreakerObserver interface {
	BreakerTransition(operation, from, to string)
}

type Option func(*Executor)

// WithBreakerObserver forwards breaker transitions to observer. A nil
// observer is ignored.
func WithBreakerObserver(observer BreakerObserver) Option {
	return func(e *Executor) {
		if observer != nil {
			e.observer = observer
		}
	}
}

// Executor guards outbound provider and bus calls. Each operation name gets
// its own breaker so a failing NATS link never opens the embedding breaker.
type Executor struct {
	cfg      Config
	observer BreakerObserver

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

func NewExecutor(cfg Config, opts ...Option) *Executor {
	e := &Executor{
		cfg:      cfg.normalize(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Execute(
	ctx context.Context,
	operation string,
	fn func(context.Context) error,
	classifier ErrorClassifier,
) error {
	if fn == nil {
		return fmt.Errorf("resilience: operation callback is nil")
	}
	operation = operationName(operation)
	if classifier == nil {
		classifier = defaultClassifier
	}

	attempts := func() error { return e.attempt(ctx, operation, fn, classifier) }
	if !e.cfg.BreakerEnabled {
		return attempts()
	}
	_, err := e.breaker(operation, classifier).Execute(func() (struct{}, error) {
		return struct{}{}, attempts()
	})
	return err
}

// attempt runs fn until it succeeds, fails permanently or uses up
// RetryMaxAttempts. The last error is returned as is.
func (e *Executor) attempt(
	ctx context.Context,
	operation string,
	fn func(context.Context) error,
	classifier ErrorClassifier,
) error {
	var err error
	delay := e.cfg.RetryInitialBackoff
	for n := 1; ; n++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if n >= e.cfg.RetryMaxAttempts || !classifier(err).Retryable {
			return err
		}

		wait := min(delay, e.cfg.RetryMaxBackoff)
		slog.Warn("outbound_retry",
			"operation", operation,
			"attempt", n,
			"max_attempts", e.cfg.RetryMaxAttempts,
			"backoff_ms", float64(wait.Microseconds())/1000.0,
			"error", err,
		)
		if !sleep(ctx, wait) {
			return err
		}
		delay = min(time.Duration(float64(delay)*e.cfg.RetryMultiplier), e.cfg.RetryMaxBackoff)
	}
}

func (e *Executor) breaker(operation string, classifier ErrorClassifier) *gobreaker.CircuitBreaker[struct{}] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[operation]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        operation,
		MaxRequests: e.cfg.BreakerHalfOpenMaxCalls,
		Timeout:     e.cfg.BreakerOpenTimeout,
		ReadyToTrip: e.tripRule,
		IsSuccessful: func(err error) bool {
			return err == nil || !classifier(err).RecordFailure
		},
		OnStateChange: e.transition,
	})
	e.breakers[operation] = cb
	return cb
}

func (e *Executor) tripRule(counts gobreaker.Counts) bool {
	if counts.Requests < e.cfg.BreakerMinRequests {
		return false
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= e.cfg.BreakerFailureRatio
}

// transition runs under the breaker's lock; observers must not call back
// into the executor.
func (e *Executor) transition(operation string, from, to gobreaker.State) {
	slog.Warn("breaker_transition", "operation", operation, "from", from.String(), "to", to.String())
	if e.observer != nil {
		e.observer.BreakerTransition(operation, from.String(), to.String())
	}
}

// BreakerState reports the breaker state of an operation. Operations never
// executed are closed.
func (e *Executor) BreakerState(operation string) string {
	if !e.cfg.BreakerEnabled {
		return BreakerDisabled
	}
	e.mu.Lock()
	cb, ok := e.breakers[operationName(operation)]
	e.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func operationName(operation string) string {
	if op := strings.TrimSpace(operation); op != "" {
		return op
	}
	return "unknown"
}

// sleep waits for d and reports false when ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func defaultClassifier(error) ErrorClassification {
	return ErrorClassification{
		Retryable:     false,
		RecordFailure: true,
	}
}
