package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const readinessTimeout = time.Second

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves liveness and readiness probes. Readiness pings every
// configured backend in parallel and lists each result.
type HealthHandler struct {
	checks map[string]func(context.Context) error
}

func NewHealthHandler(db Pinger, rdb redis.Cmdable) *HealthHandler {
	h := &HealthHandler{checks: map[string]func(context.Context) error{}}
	if db != nil {
		h.checks["postgres"] = db.Ping
	}
	if rdb != nil {
		h.checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	return h
}

func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	var (
		mu  sync.Mutex
		out = readiness{Status: "ready", Checks: make(map[string]string, len(h.checks))}
		g   errgroup.Group
	)
	for name, check := range h.checks {
		name, check := name, check
		g.Go(func() error {
			result := "ok"
			if err := check(ctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			out.Checks[name] = result
			if result != "ok" {
				out.Status = "unavailable"
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	status := http.StatusOK
	if out.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	RespondJSON(w, status, out)
}
