package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestHandleDepositWebhookUpdatesBalances(t *testing.T) {
	b := newTestBook(t, false)
	svc := NewWebhookService(b.Ledger, "secret", false)
	ctx := context.Background()
	userID := uuid.New()

	body, err := json.Marshal(DepositWebhookPayload{
		UserID:       userID.String(),
		AmountMicros: 750_000,
		Currency:     "usd",
		Reference:    "dep-1",
	})
	require.NoError(t, err)

	resp, err := svc.HandleDepositWebhook(ctx, body, signPayload("secret", body))
	require.NoError(t, err)
	require.Equal(t, domain.TxStatusCompleted, resp.Status)

	w, err := b.Ledger.GetWallet(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, int64(750_000), w.Available)
	require.Equal(t, int64(750_000), w.TotalDeposited)

	again, err := svc.HandleDepositWebhook(ctx, body, signPayload("secret", body))
	require.NoError(t, err)
	require.Equal(t, resp.TransactionID, again.TransactionID)
	require.Equal(t, "Deposit already processed", again.Message)

	w, err = b.Ledger.GetWallet(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, int64(750_000), w.Available)
}

func TestHandleDepositWebhookRejectsBadSignature(t *testing.T) {
	b := newTestBook(t, false)
	svc := NewWebhookService(b.Ledger, "secret", false)

	body, err := json.Marshal(DepositWebhookPayload{
		UserID:       uuid.NewString(),
		AmountMicros: 100_000,
		Reference:    "dep-2",
	})
	require.NoError(t, err)

	_, err = svc.HandleDepositWebhook(context.Background(), body, "sha256=bad")
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestHandleDepositWebhookRejectsChangedPayload(t *testing.T) {
	b := newTestBook(t, false)
	svc := NewWebhookService(b.Ledger, "", true)
	ctx := context.Background()
	userID := uuid.NewString()

	first, _ := json.Marshal(DepositWebhookPayload{UserID: userID, AmountMicros: 100_000, Reference: "dep-3"})
	_, err := svc.HandleDepositWebhook(ctx, first, "")
	require.NoError(t, err)

	changed, _ := json.Marshal(DepositWebhookPayload{UserID: userID, AmountMicros: 200_000, Reference: "dep-3"})
	_, err = svc.HandleDepositWebhook(ctx, changed, "")
	require.ErrorIs(t, err, ErrDepositPayloadMismatch)
}

func TestHandleDepositWebhookValidation(t *testing.T) {
	svc := NewWebhookService(newTestBook(t, false).Ledger, "", true)
	cases := map[string]DepositWebhookPayload{
		"zero amount":    {UserID: uuid.NewString(), AmountMicros: 0, Reference: "r"},
		"no reference":   {UserID: uuid.NewString(), AmountMicros: 1},
		"bad user":       {UserID: "nope", AmountMicros: 1, Reference: "r"},
		"house wallet":   {UserID: domain.HouseUserID.String(), AmountMicros: 1, Reference: "r"},
		"wrong currency": {UserID: uuid.NewString(), AmountMicros: 1, Currency: "EUR", Reference: "r"},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			body, err := json.Marshal(payload)
			require.NoError(t, err)
			_, err = svc.HandleDepositWebhook(context.Background(), body, "")
			require.Error(t, err)
			require.NotErrorIs(t, err, ErrInvalidSignature)
		})
	}
}

func signPayload(secret string, body []byte) string {
	return Sign([]byte(secret), body)
}

func TestHandleDepositWebhookAcceptsDollarAmount(t *testing.T) {
	b := newTestBook(t, false)
	svc := NewWebhookService(b.Ledger, "secret", false)
	userID := uuid.New()

	body, err := json.Marshal(DepositWebhookPayload{UserID: userID.String(), Amount: "25.50", Reference: "dep-usd"})
	require.NoError(t, err)
	_, err = svc.HandleDepositWebhook(context.Background(), body, signPayload("secret", body))
	require.NoError(t, err)

	w, err := b.Ledger.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, int64(25_500_000), w.Available)
}
