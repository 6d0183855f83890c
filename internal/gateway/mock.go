package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

var ErrUnavailable = errors.New("payout rail temporarily unavailable")

// Gateway is the external payout rail that moves cashed-out funds off the platform.
type Gateway interface {
	// SendPayout sends amount (minor units of unit) to destination and returns the rail's reference.
	SendPayout(ctx context.Context, destination string, amount int64, unit string) (string, error)
}

// MockGateway simulates a payout rail with latency and random failures.
type MockGateway struct {
	// FailureRate is the probability of failure (0.0 to 1.0).
	FailureRate float64
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

func NewMockGateway() *MockGateway {
	return &MockGateway{
		FailureRate: 0.1,
		MinDelay:    500 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

func (g *MockGateway) SendPayout(ctx context.Context, destination string, amount int64, unit string) (string, error) {
	if destination == "" {
		return "", fmt.Errorf("payout destination is required")
	}
	delay := g.MinDelay
	if g.MaxDelay > g.MinDelay {
		delay += time.Duration(rand.Int63n(int64(g.MaxDelay - g.MinDelay)))
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", fmt.Errorf("gateway call canceled: %w", ctx.Err())
		}
	}

	if rand.Float64() < g.FailureRate {
		return "", ErrUnavailable
	}

	// MOCK-YYYYMMDD-HHMMSS-XXXXX
	return fmt.Sprintf("MOCK-%s-%05d", time.Now().Format("20060102-150405"), rand.Intn(100000)), nil
}
