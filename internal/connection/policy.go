package connection

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const (
	defaultReconnectInterval = time.Second
	defaultBreakerFailures   = 3
	defaultBreakerTimeout    = 30 * time.Second
)

// retryPolicy paces connection attempts and stops automatic reconnects
// once they keep failing.
//
// Every connection attempt after the first of a sequence waits for the rate
// limiter. Each automatic reconnect sequence records its outcome in the
// circuit breaker; while the breaker is open, an unexpected disconnect is
// final.
type retryPolicy struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[struct{}]
}

func newRetryPolicy(interval time.Duration, maxFailures uint32, openTimeout time.Duration, logger *logrus.Logger) *retryPolicy {
	if interval <= 0 {
		interval = defaultReconnectInterval
	}
	if maxFailures == 0 {
		maxFailures = defaultBreakerFailures
	}
	if openTimeout <= 0 {
		openTimeout = defaultBreakerTimeout
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "ble-reconnect",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Reconnect circuit breaker state change")
		},
	})

	return &retryPolicy{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		breaker: breaker,
	}
}

// delay reserves the next attempt slot and returns how long to wait for it.
func (p *retryPolicy) delay() time.Duration {
	return p.limiter.Reserve().Delay()
}

// allowReconnect reports whether an automatic reconnect may start.
func (p *retryPolicy) allowReconnect() bool {
	return p.breaker.State() != gobreaker.StateOpen
}

// record stores the outcome of a reconnect sequence.
func (p *retryPolicy) record(outcome error) {
	_, _ = p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, outcome
	})
}

func (p *retryPolicy) state() gobreaker.State {
	return p.breaker.State()
}
