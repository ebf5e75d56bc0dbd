// Package idempotency records HTTP responses by Idempotency-Key so a
// retried request replays the first response instead of running twice.
//
// Postgres is the source of truth. Redis caches completed responses so hot
// retries do not reach the database.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrNotFound     = errors.New("idempotency key not found")
	ErrHashMismatch = errors.New("idempotency key body mismatch")
	ErrInProgress   = errors.New("idempotency key in progress")
)

const (
	// abandonAfter is how long a reservation may stay in progress before a
	// retry may take it over. It covers a node dying mid-request.
	abandonAfter = 2 * time.Minute
	maxWait      = 10 * time.Second
	pollEvery    = 50 * time.Millisecond
)

const (
	selectKeySQL = `SELECT request_hash, in_progress, response_status, response_body, content_type
FROM idempotency_keys WHERE idempotency_key = $1`

	// The conflict branch only fires for a reservation that was abandoned.
	reserveKeySQL = `INSERT INTO idempotency_keys (idempotency_key, request_hash, method, path)
VALUES ($1, $2, $3, $4)
ON CONFLICT (idempotency_key) DO UPDATE
SET request_hash = EXCLUDED.request_hash, updated_at = NOW()
WHERE idempotency_keys.in_progress
  AND idempotency_keys.request_hash = EXCLUDED.request_hash
  AND idempotency_keys.updated_at < NOW() - make_interval(secs => $5)
RETURNING idempotency_key`

	finalizeKeySQL = `UPDATE idempotency_keys
SET in_progress = FALSE, response_status = $3, response_body = $4, content_type = $5, updated_at = NOW()
WHERE idempotency_key = $1 AND request_hash = $2 AND in_progress`

	releaseKeySQL = `DELETE FROM idempotency_keys WHERE idempotency_key = $1 AND in_progress`
)

// Record is a completed response. ServedBy names the layer that answered.
type Record struct {
	Key         string `json:"key"`
	RequestHash string `json:"hash"`
	Status      int    `json:"status"`
	Body        []byte `json:"body"`
	ContentType string `json:"content_type"`
	ServedBy    string `json:"-"`
}

type Store struct {
	redis redis.Cmdable
	db    *pgxpool.Pool
	ttl   time.Duration
}

// NewStore builds a store. redis may be nil; ttl bounds cached entries only.
func NewStore(redis redis.Cmdable, db *pgxpool.Pool, ttl time.Duration) *Store {
	return &Store{redis: redis, db: db, ttl: ttl}
}

func (s *Store) Lookup(ctx context.Context, key, requestHash string) (*Record, error) {
	if rec, ok := s.fromCache(ctx, key); ok {
		if rec.RequestHash != requestHash {
			return nil, ErrHashMismatch
		}
		return rec, nil
	}

	var (
		rec        = Record{Key: key, ServedBy: "postgres"}
		inProgress bool
		status     int32
	)
	err := s.db.QueryRow(ctx, selectKeySQL, key).Scan(&rec.RequestHash, &inProgress, &status, &rec.Body, &rec.ContentType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if rec.RequestHash != requestHash {
		return nil, ErrHashMismatch
	}
	if inProgress {
		return nil, ErrInProgress
	}
	rec.Status = int(status)
	s.toCache(ctx, rec)
	return &rec, nil
}

// Reserve claims key for the caller. It reports false when another request
// holds or completed it.
func (s *Store) Reserve(ctx context.Context, key, requestHash, method, path string) (bool, error) {
	var claimed string
	err := s.db.QueryRow(ctx, reserveKeySQL, key, requestHash, method, path, abandonAfter.Seconds()).Scan(&claimed)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
}

func (s *Store) Finalize(ctx context.Context, key, requestHash string, status int, body []byte, contentType string) (*Record, error) {
	tag, err := s.db.Exec(ctx, finalizeKeySQL, key, requestHash, int32(status), body, contentType)
	if err != nil {
		return nil, fmt.Errorf("finalize idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	rec := Record{Key: key, RequestHash: requestHash, Status: status, Body: body, ContentType: contentType, ServedBy: "postgres"}
	s.toCache(ctx, rec)
	return &rec, nil
}

// Release drops an unfinished reservation so the client can retry after a
// server-side failure.
func (s *Store) Release(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, releaseKeySQL, key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// WaitForCompletion polls an in-flight key until it completes, the context
// ends or maxWait elapses.
func (s *Store) WaitForCompletion(ctx context.Context, key, requestHash string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		rec, err := s.Lookup(ctx, key, requestHash)
		if !errors.Is(err, ErrInProgress) {
			return rec, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for idempotency key: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Store) fromCache(ctx context.Context, key string) (*Record, bool) {
	if s.redis == nil {
		return nil, false
	}
	raw, err := s.redis.Get(ctx, cacheKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zap.L().Warn("idempotency cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	rec.ServedBy = "redis"
	return &rec, true
}

func (s *Store) toCache(ctx context.Context, rec Record) {
	if s.redis == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, cacheKey(rec.Key), payload, s.ttl).Err(); err != nil {
		zap.L().Warn("idempotency cache write failed", zap.Error(err))
	}
}

func cacheKey(key string) string {
	return "idempotency:" + key
}
