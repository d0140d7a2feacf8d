package resilience

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// NewLimiter builds the token bucket bounding calls per second to an upstream.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if burst < 1 {
		burst = 1
	}
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Invoker composes a rate limiter and a circuit breaker around one upstream
// dependency so call sites make a single decorated call.
type Invoker struct {
	limiter *rate.Limiter
	breaker *CircuitBreaker
	timeout time.Duration
}

func NewInvoker(limiter *rate.Limiter, breaker *CircuitBreaker, callTimeout time.Duration) *Invoker {
	return &Invoker{limiter: limiter, breaker: breaker, timeout: callTimeout}
}

func (i *Invoker) Breaker() *CircuitBreaker {
	return i.breaker
}

// Do waits for a rate-limit token and runs fn through the breaker. An open
// breaker fails before a token is consumed.
func (i *Invoker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if i.breaker != nil && !i.breaker.Ready() {
		return ErrCircuitOpen
	}
	if i.limiter != nil {
		if err := i.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	call := func(ctx context.Context) error {
		if i.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, i.timeout)
			defer cancel()
		}
		return fn(ctx)
	}
	if i.breaker == nil {
		return call(ctx)
	}
	return i.breaker.Execute(ctx, call)
}

// Invoke is Do for calls that produce a value.
func Invoke[T any](ctx context.Context, i *Invoker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := i.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
