package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings configures Breaker.
type BreakerSettings struct {
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	Interval    time.Duration
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
}

// DefaultBreakerSettings trips after five consecutive failures and lets a
// trial call through after thirty seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		Name:                "ledger",
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Breaker stops calling a failing ledger until it recovers. While open,
// transfers fail fast with ErrUnavailable.
type Breaker struct {
	next Ledger
	cb   *gobreaker.CircuitBreaker
}

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("ledger: unavailable")

// NewBreaker wraps next.
func NewBreaker(next Ledger, s BreakerSettings, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ledger.breaker")
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = DefaultBreakerSettings().ConsecutiveFailures
	}
	trip := s.ConsecutiveFailures
	settings := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		IsSuccessful: func(err error) bool {
			// Rejected requests say nothing about ledger health.
			return err == nil || errors.Is(err, ErrInvalidTransfer) || errors.Is(err, ErrDuplicateTransfer)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("ledger circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Transfer(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return out.(*Receipt), nil
}

// State reports the breaker state name: closed, half-open or open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
