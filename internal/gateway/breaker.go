package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/token-ledger/internal/observability"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type BreakerSettings struct {
	Name string
	// MaxRequests is the number of probe calls allowed while half-open.
	MaxRequests uint32
	Interval    time.Duration
	// Timeout is how long the breaker stays open before probing again.
	Timeout          time.Duration
	FailureThreshold uint32
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.Name == "" {
		s.Name = "payout-rail"
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = 1
	}
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	return s
}

// BreakerGateway fails fast once the wrapped rail keeps failing.
type BreakerGateway struct {
	next Gateway
	cb   *gobreaker.CircuitBreaker
	name string
}

func NewBreakerGateway(next Gateway, settings BreakerSettings) *BreakerGateway {
	settings = settings.withDefaults()
	threshold := settings.FailureThreshold

	g := &BreakerGateway{next: next, name: settings.Name}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.SetGatewayBreakerState(name, float64(to))
			zap.L().Warn("payout gateway breaker state changed",
				zap.String("gateway", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	observability.SetGatewayBreakerState(settings.Name, float64(gobreaker.StateClosed))
	return g
}

func (g *BreakerGateway) SendPayout(ctx context.Context, destination string, amount int64, unit string) (string, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		return g.next.SendPayout(ctx, destination, amount, unit)
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", g.name, err)
	}
	return res.(string), nil
}

// Rejected reports whether err is the breaker refusing a call, in which case the rail was
// never contacted.
func Rejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Ready reports whether calls would currently reach the rail.
func (g *BreakerGateway) Ready() bool {
	return g.cb.State() != gobreaker.StateOpen
}
