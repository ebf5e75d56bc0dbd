package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDeclined is a final rejection; the withdrawal must be failed and its hold returned.
	ErrDeclined = errors.New("payout declined")
	// ErrUnavailable is transient; the withdrawal stays pending and is retried.
	ErrUnavailable = errors.New("payout gateway unavailable")
)

// Gateway represents the external payout rail.
type Gateway interface {
	// SendWithdrawal pays amount micros to the user's registered payout
	// method. ref identifies the withdrawal; a repeated ref must return the
	// original gateway reference without paying twice.
	SendWithdrawal(ctx context.Context, ref string, userID uuid.UUID, amount int64) (string, error)
}

// MockGateway simulates a payout rail with latency and random declines.
type MockGateway struct {
	// FailureRate is the probability of a decline (0.0 to 1.0). Default: 0.1
	FailureRate float64
	MinDelay    time.Duration
	MaxDelay    time.Duration

	mu   sync.Mutex
	sent map[string]string
}

func NewMockGateway() *MockGateway {
	return &MockGateway{
		FailureRate: 0.1,
		MinDelay:    200 * time.Millisecond,
		MaxDelay:    time.Second,
		sent:        make(map[string]string),
	}
}

func (g *MockGateway) SendWithdrawal(ctx context.Context, ref string, _ uuid.UUID, amount int64) (string, error) {
	g.mu.Lock()
	if g.sent == nil {
		g.sent = make(map[string]string)
	}
	if prior, ok := g.sent[ref]; ok {
		g.mu.Unlock()
		return prior, nil
	}
	g.mu.Unlock()

	if amount <= 0 {
		return "", fmt.Errorf("%w: amount must be positive", ErrDeclined)
	}

	delay := g.MinDelay
	if g.MaxDelay > g.MinDelay {
		delay += time.Duration(rand.Int63n(int64(g.MaxDelay - g.MinDelay)))
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}

	if rand.Float64() < g.FailureRate {
		return "", ErrDeclined
	}

	// Format: MOCK-YYYYMMDD-HHMMSS-XXXXX
	gatewayRef := fmt.Sprintf("MOCK-%s-%05d", time.Now().Format("20060102-150405"), rand.Intn(100000))
	g.mu.Lock()
	defer g.mu.Unlock()
	if prior, ok := g.sent[ref]; ok {
		return prior, nil
	}
	g.sent[ref] = gatewayRef
	return gatewayRef, nil
}
