package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ayo6706/minority-rounds/internal/api/middleware"
	"github.com/ayo6706/minority-rounds/internal/api/problem"
	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// RespondError writes an error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message)
}

func requestActor(r *http.Request) (uuid.UUID, bool, error) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		return uuid.Nil, false, errors.New("missing identity in auth context")
	}
	return id.UserID, id.IsAdmin(), nil
}

type errorMapping struct {
	target      error
	status      int
	problemType string
}

// Order matters: the first matching sentinel wins.
var domainErrors = []errorMapping{
	{domain.ErrInsufficientFunds, http.StatusUnprocessableEntity, "wallet/insufficient-funds"},
	{domain.ErrDailyCapExceeded, http.StatusUnprocessableEntity, "wallet/daily-cap-exceeded"},
	{domain.ErrLateSubmission, http.StatusConflict, "instance/late-submission"},
	{domain.ErrInstanceNotOpen, http.StatusConflict, "instance/not-open"},
	{domain.ErrBetNotCancellable, http.StatusConflict, "bet/not-cancellable"},
	{domain.ErrInvalidStateChange, http.StatusConflict, "state/invalid-transition"},
	{domain.ErrIdempotencyMismatch, http.StatusConflict, "idempotency/key-conflict"},
	{domain.ErrDuplicateIdempotencyKey, http.StatusConflict, "idempotency/duplicate-key"},
	{domain.ErrConcurrencyConflict, http.StatusConflict, "concurrency/conflict"},
	{domain.ErrPremiumRequired, http.StatusForbidden, "account/premium-required"},
	{domain.ErrComplianceRequired, http.StatusForbidden, "account/compliance-required"},
	{domain.ErrForbidden, http.StatusForbidden, "auth/forbidden"},
	{domain.ErrNotFound, http.StatusNotFound, "resource/not-found"},
	{domain.ErrInvalidAmount, http.StatusBadRequest, "request/invalid-amount"},
	{domain.ErrInvalidSelection, http.StatusBadRequest, "request/invalid-selection"},
	{domain.ErrInvalidDuration, http.StatusBadRequest, "request/invalid-duration"},
	{domain.ErrSelfTransfer, http.StatusBadRequest, "request/self-transfer"},
}

// respondServiceError maps core errors to problem documents. Anything
// unrecognised is logged and reported as a 500 of fallbackType.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error, fallbackType, message string) {
	for _, m := range domainErrors {
		if errors.Is(err, m.target) {
			RespondError(w, r, m.status, m.problemType, err.Error())
			return
		}
	}
	if status, problemType, msg, ok := mapDBError(err); ok {
		RespondError(w, r, status, problemType, msg)
		return
	}
	zap.L().Error(message, zap.Error(err), zap.String("path", r.URL.Path))
	RespondError(w, r, http.StatusInternalServerError, fallbackType, message)
}

func mapDBError(err error) (status int, problemType, message string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return 0, "", "", false
	}

	switch pgErr.Code {
	case "23505": // unique_violation
		return http.StatusConflict, "db/unique-violation", "resource already exists", true
	case "23503": // foreign_key_violation
		return http.StatusBadRequest, "db/foreign-key-violation", "invalid reference", true
	case "23514": // check_violation
		return http.StatusBadRequest, "db/check-violation", "request violates data constraints", true
	case "40001", "40P01":
		return http.StatusConflict, "concurrency/conflict", "concurrent update, retry the request", true
	default:
		return 0, "", "", false
	}
}

func queryDemo(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("demo"))
	return v
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func queryDuration(r *http.Request) (time.Duration, error) {
	return domain.ParseDuration(r.URL.Query().Get("duration"))
}
