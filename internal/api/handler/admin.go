package handler

import (
	"context"
	"net/http"

	"github.com/ayo6706/minority-rounds/internal/book"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Voider closes a stuck instance by refunding its bets.
type Voider interface {
	Void(ctx context.Context, b *book.Book, instanceID uuid.UUID) (*models.MarketInstance, error)
}

// AdminHandler exposes operator actions. Routes are gated on the admin role.
type AdminHandler struct {
	books  book.Set
	voider Voider
}

func NewAdminHandler(books book.Set, voider Voider) *AdminHandler {
	return &AdminHandler{books: books, voider: voider}
}

// OpenWallet handles POST /v1/admin/wallets/{userID}?demo=true.
func (h *AdminHandler) OpenWallet(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-user-id", "Invalid user ID")
		return
	}
	b := h.books.For(queryDemo(r))
	if b == nil {
		RespondError(w, r, http.StatusForbidden, "wallet/demo-disabled", "demo book is disabled")
		return
	}

	wallet, err := b.Ledger.OpenWallet(r.Context(), userID)
	if err != nil {
		respondServiceError(w, r, err, "wallet/open-failed", "Failed to open wallet")
		return
	}
	RespondJSON(w, http.StatusCreated, wallet)
}

// VoidInstance handles POST /v1/admin/instances/{id}/void?demo=true.
func (h *AdminHandler) VoidInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-instance-id", "Invalid instance ID")
		return
	}
	b := h.books.For(queryDemo(r))
	if b == nil {
		RespondError(w, r, http.StatusForbidden, "instance/demo-disabled", "demo book is disabled")
		return
	}

	actorID, _, _ := requestActor(r)
	inst, err := h.voider.Void(r.Context(), b, instanceID)
	if err != nil {
		respondServiceError(w, r, err, "instance/void-failed", "Failed to void instance")
		return
	}
	zap.L().Warn("instance voided by operator",
		zap.String("actor_id", actorID.String()),
		zap.String("book", b.Name),
		zap.String("instance_id", instanceID.String()))
	RespondJSON(w, http.StatusOK, inst)
}
