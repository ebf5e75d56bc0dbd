package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"github.com/ayo6706/minority-rounds/internal/api/problem"
	"github.com/ayo6706/minority-rounds/internal/idempotency"
	"github.com/ayo6706/minority-rounds/internal/observability"
	"go.uber.org/zap"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayHeader      = "X-Idempotent-Replay"
	maxKeyLen         = 128
	maxIdempotentBody = 64 << 10
)

// Recorder is the response store behind the middleware.
type Recorder interface {
	Lookup(ctx context.Context, key, requestHash string) (*idempotency.Record, error)
	Reserve(ctx context.Context, key, requestHash, method, path string) (bool, error)
	Finalize(ctx context.Context, key, requestHash string, status int, body []byte, contentType string) (*idempotency.Record, error)
	Release(ctx context.Context, key string) error
	WaitForCompletion(ctx context.Context, key, requestHash string) (*idempotency.Record, error)
}

// IdempotencyMiddleware makes bet placement, withdrawals and transfers safe
// to retry. The first request with a key runs and its response is stored;
// later requests with the same key and body get the stored response, and a
// different body under the same key is a conflict. Server errors release the
// key so the client can retry.
func IdempotencyMiddleware(store Recorder, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		g := &gate{store: store, logger: logger}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			g.serve(w, r, next)
		})
	}
}

type gate struct {
	store  Recorder
	logger *zap.Logger
}

func (g *gate) reject(w http.ResponseWriter, r *http.Request, event string, status int, slug, detail string) {
	observability.IncrementIdempotencyEvent(event)
	problem.Write(w, r, status, problem.Type(slug), http.StatusText(status), detail)
}

func (g *gate) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	key := r.Header.Get(idempotencyHeader)
	switch {
	case key == "":
		g.reject(w, r, "missing_key", http.StatusBadRequest, "idempotency/missing-key", "Idempotency-Key header is required")
		return
	case len(key) > maxKeyLen:
		g.reject(w, r, "invalid_key", http.StatusBadRequest, "idempotency/invalid-key", "Idempotency-Key is too long")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIdempotentBody))
	if err != nil {
		problem.Write(w, r, http.StatusBadRequest, problem.Type("request/invalid-body"), http.StatusText(http.StatusBadRequest), "request body unreadable or too large")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	key = scopedKey(r.Context(), key)
	hash := requestHash(r.Method, r.URL.Path, body)

	done, err := g.replay(w, r, key, hash)
	if done {
		return
	}
	if err != nil && !errors.Is(err, idempotency.ErrNotFound) {
		observability.IncrementIdempotencyEvent("lookup_error")
		g.logger.Warn("idempotency lookup failed", zap.Error(err), zap.String("key", key))
	}

	reserved, err := g.store.Reserve(r.Context(), key, hash, r.Method, r.URL.Path)
	if err != nil {
		g.logger.Error("idempotency reserve failed", zap.Error(err), zap.String("key", key))
		g.reject(w, r, "reserve_error", http.StatusServiceUnavailable, "idempotency/unavailable", "idempotency store unavailable")
		return
	}
	if !reserved {
		// Another request won the reservation between Lookup and Reserve.
		g.await(w, r, key, hash)
		return
	}
	observability.IncrementIdempotencyEvent("reserved")

	rec := &capture{ResponseWriter: w}
	next.ServeHTTP(rec, r)
	g.finish(r.Context(), key, hash, rec)
}

// replay answers from a stored or in-flight request when there is one. It
// reports done when a response has been written.
func (g *gate) replay(w http.ResponseWriter, r *http.Request, key, hash string) (bool, error) {
	stored, err := g.store.Lookup(r.Context(), key, hash)
	switch {
	case err == nil:
		observability.IncrementIdempotencyEvent("replay")
		writeStored(w, stored)
		return true, nil
	case errors.Is(err, idempotency.ErrHashMismatch):
		g.reject(w, r, "hash_mismatch", http.StatusConflict, "idempotency/key-conflict", "idempotency key reused with a different request")
		return true, nil
	case errors.Is(err, idempotency.ErrInProgress):
		g.await(w, r, key, hash)
		return true, nil
	}
	return false, err
}

func (g *gate) await(w http.ResponseWriter, r *http.Request, key, hash string) {
	stored, err := g.store.WaitForCompletion(r.Context(), key, hash)
	if err != nil {
		g.logger.Warn("idempotency wait failed", zap.Error(err), zap.String("key", key))
		g.reject(w, r, "in_progress_conflict", http.StatusConflict, "idempotency/in-progress", "a request with this idempotency key is still processing")
		return
	}
	observability.IncrementIdempotencyEvent("replay_after_wait")
	writeStored(w, stored)
}

func (g *gate) finish(ctx context.Context, key, hash string, rec *capture) {
	status := rec.statusCode()
	if status >= http.StatusInternalServerError {
		if err := g.store.Release(ctx, key); err != nil {
			g.logger.Warn("idempotency release failed", zap.Error(err), zap.String("key", key))
		}
		observability.IncrementIdempotencyEvent("released")
		return
	}
	contentType := rec.Header().Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	if _, err := g.store.Finalize(ctx, key, hash, status, rec.body.Bytes(), contentType); err != nil {
		observability.IncrementIdempotencyEvent("finalize_error")
		g.logger.Warn("idempotency finalize failed", zap.Error(err), zap.String("key", key))
		return
	}
	observability.IncrementIdempotencyEvent("finalized")
}

// scopedKey prefixes the caller so two users cannot collide on a key.
func scopedKey(ctx context.Context, key string) string {
	if userID := UserIDFromContext(ctx); userID != "" {
		return userID + ":" + key
	}
	return key
}

func requestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// capture tees the response so it can be stored for replay.
type capture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *capture) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *capture) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

func (c *capture) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

func writeStored(w http.ResponseWriter, rec *idempotency.Record) {
	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set(replayHeader, rec.ServedBy)
	w.WriteHeader(rec.Status)
	_, _ = w.Write(rec.Body)
}
