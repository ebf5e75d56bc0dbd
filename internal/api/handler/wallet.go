package handler

import (
	"encoding/json"
	"net/http"

	"github.com/ayo6706/minority-rounds/internal/book"
	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/ledger"
	"github.com/google/uuid"
)

// WalletHandler serves balances, statements, withdrawals and transfers.
type WalletHandler struct {
	books book.Set
}

func NewWalletHandler(books book.Set) *WalletHandler {
	return &WalletHandler{books: books}
}

func (h *WalletHandler) ledgerFor(w http.ResponseWriter, r *http.Request) (*ledger.Ledger, bool) {
	b := h.books.For(queryDemo(r))
	if b == nil {
		RespondError(w, r, http.StatusForbidden, "wallet/demo-disabled", "demo book is disabled")
		return nil, false
	}
	return b.Ledger, true
}

// GetWallet handles GET /v1/wallet?demo=true.
func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	l, ok := h.ledgerFor(w, r)
	if !ok {
		return
	}

	wallet, err := l.GetWallet(r.Context(), userID)
	if err != nil {
		respondServiceError(w, r, err, "wallet/lookup-failed", "Failed to load wallet")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"wallet":    wallet,
		"available": domain.Money(wallet.Available).String(),
		"held":      domain.Money(wallet.Held).String(),
	})
}

// ListTransactions handles GET /v1/wallet/transactions?page=1&limit=20.
func (h *WalletHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	l, ok := h.ledgerFor(w, r)
	if !ok {
		return
	}
	page, limit := queryInt(r, "page", 1), queryInt(r, "limit", 20)
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	txs, err := l.ListTransactions(r.Context(), userID, limit, (page-1)*limit)
	if err != nil {
		respondServiceError(w, r, err, "wallet/statement-failed", "Failed to list transactions")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"page":         page,
		"limit":        limit,
	})
}

// WithdrawalRequest is the body of POST /v1/wallet/withdrawals.
type WithdrawalRequest struct {
	AmountMicros int64 `json:"amount_micros"`
}

// Withdraw handles POST /v1/wallet/withdrawals. Withdrawals only exist for
// the real book; the request is accepted as pending and paid out by the
// withdrawal worker.
func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		RespondError(w, r, http.StatusBadRequest, "idempotency/missing-key", "Idempotency-Key header is required")
		return
	}
	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	res, err := h.books.Real.Ledger.Withdraw(r.Context(), ledger.WithdrawalRequest{
		UserID:         userID,
		Amount:         req.AmountMicros,
		IdempotencyKey: key,
	})
	if err != nil {
		respondServiceError(w, r, err, "withdrawal/create-failed", "Failed to create withdrawal")
		return
	}
	RespondJSON(w, http.StatusAccepted, res)
}

// TransferRequest is the body of POST /v1/wallet/transfers.
type TransferRequest struct {
	ToUserID     string `json:"to_user_id"`
	AmountMicros int64  `json:"amount_micros"`
}

// Transfer handles POST /v1/wallet/transfers between two real wallets.
func (h *WalletHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	userID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		RespondError(w, r, http.StatusBadRequest, "idempotency/missing-key", "Idempotency-Key header is required")
		return
	}
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	to, err := uuid.Parse(req.ToUserID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-user-id", "Invalid to_user_id")
		return
	}

	res, err := h.books.Real.Ledger.Transfer(r.Context(), ledger.TransferRequest{
		From:           userID,
		To:             to,
		Amount:         req.AmountMicros,
		IdempotencyKey: key,
	})
	if err != nil {
		respondServiceError(w, r, err, "transfer/failed", "Failed to transfer funds")
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	RespondJSON(w, status, res)
}
