package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const signaturePrefix = "sha256="

var (
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrInvalidDeposit         = errors.New("invalid deposit payload")
	ErrDepositPayloadMismatch = errors.New("deposit payload does not match existing reference")
)

// WebhookService credits the real book from payment processor deposit
// notifications.
type WebhookService struct {
	ledger  *ledger.Ledger
	hmacKey []byte
	skipSig bool
}

// NewWebhookService builds the service. skipSignature is for local
// development against a processor sandbox that does not sign.
func NewWebhookService(l *ledger.Ledger, hmacKey string, skipSignature bool) *WebhookService {
	return &WebhookService{ledger: l, hmacKey: []byte(hmacKey), skipSig: skipSignature}
}

// DepositWebhookPayload is the processor's notification. Amount may be sent
// as integer micros or as a dollar string; micros win when both are set.
type DepositWebhookPayload struct {
	UserID       string `json:"user_id"`
	AmountMicros int64  `json:"amount_micros,omitempty"`
	Amount       string `json:"amount,omitempty"`
	Currency     string `json:"currency,omitempty"`
	Reference    string `json:"reference"`
}

type DepositWebhookResponse struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Status        string    `json:"status"`
	Message       string    `json:"message"`
}

type deposit struct {
	userID    uuid.UUID
	amount    int64
	reference string
}

func (p DepositWebhookPayload) validate() (deposit, error) {
	var d deposit
	d.reference = strings.TrimSpace(p.Reference)
	if d.reference == "" {
		return d, fmt.Errorf("%w: reference is required", ErrInvalidDeposit)
	}
	if c := strings.ToUpper(strings.TrimSpace(p.Currency)); c != "" && c != "USD" {
		return d, fmt.Errorf("%w: unsupported currency %s", ErrInvalidDeposit, c)
	}

	d.amount = p.AmountMicros
	if d.amount == 0 && p.Amount != "" {
		m, err := domain.ParseMoney(p.Amount)
		if err != nil {
			return d, fmt.Errorf("%w: %v", ErrInvalidDeposit, err)
		}
		d.amount = m.Micros()
	}
	if d.amount <= 0 {
		return d, fmt.Errorf("%w: %d", domain.ErrInvalidAmount, d.amount)
	}

	id, err := uuid.Parse(strings.TrimSpace(p.UserID))
	if err != nil {
		return d, fmt.Errorf("%w: user_id: %v", ErrInvalidDeposit, err)
	}
	if id == domain.HouseUserID {
		return d, fmt.Errorf("deposit to house wallet: %w", domain.ErrForbidden)
	}
	d.userID = id
	return d, nil
}

// HandleDepositWebhook verifies the signature and credits the wallet. The
// processor reference is the ledger idempotency key, so a redelivered
// notification returns the original transaction and a changed one conflicts.
func (s *WebhookService) HandleDepositWebhook(ctx context.Context, payload []byte, signature string) (*DepositWebhookResponse, error) {
	if !s.signatureValid(payload, signature) {
		return nil, ErrInvalidSignature
	}

	var p DepositWebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDeposit, err)
	}
	d, err := p.validate()
	if err != nil {
		return nil, err
	}

	res, err := s.ledger.Credit(ctx, ledger.EntryRequest{
		UserID:         d.userID,
		Amount:         d.amount,
		Kind:           domain.TxKindDeposit,
		IdempotencyKey: "deposit:" + d.reference,
		Reference:      d.reference,
	})
	if errors.Is(err, domain.ErrIdempotencyMismatch) {
		return nil, ErrDepositPayloadMismatch
	}
	if err != nil {
		return nil, err
	}

	resp := &DepositWebhookResponse{
		TransactionID: res.Transaction.ID,
		Status:        res.Transaction.Status,
		Message:       "Deposit processed successfully",
	}
	if res.Replayed {
		resp.Message = "Deposit already processed"
	} else {
		zap.L().Info("deposit credited",
			zap.String("user_id", d.userID.String()),
			zap.Int64("amount_micros", d.amount),
			zap.String("reference", d.reference))
	}
	return resp, nil
}

// Sign returns the X-Webhook-Signature value for body under key.
func Sign(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func (s *WebhookService) signatureValid(payload []byte, signature string) bool {
	if s.skipSig {
		return true
	}
	if len(s.hmacKey) == 0 || !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(s.hmacKey, payload)))
}
