package domain

import "github.com/google/uuid"

// House identifiers (must match migration 0002).
var (
	HouseUserID = uuid.MustParse("11111111-1111-1111-1111-111111111111")
)

const (
	TxKindDeposit          = "deposit"
	TxKindWithdrawal       = "withdrawal"
	TxKindBetHold          = "bet_hold"
	TxKindBetWin           = "bet_win"
	TxKindBetLoss          = "bet_loss"
	TxKindTransferSent     = "transfer_sent"
	TxKindTransferReceived = "transfer_received"
	TxKindCommission       = "commission"
	TxKindRefund           = "refund"
	TxKindFee              = "fee"

	TxStatusPending   = "PENDING"
	TxStatusCompleted = "COMPLETED"
	TxStatusFailed    = "FAILED"

	// Instance statuses
	InstanceStatusPreopen = "PREOPEN"
	InstanceStatusOpen    = "OPEN"
	InstanceStatusFrozen  = "FROZEN"
	InstanceStatusSettled = "SETTLED"

	// Bet statuses
	BetStatusAccepted  = "ACCEPTED"
	BetStatusCancelled = "CANCELLED"
	BetStatusWon       = "WON"
	BetStatusLost      = "LOST"
	BetStatusRefunded  = "REFUNDED"

	TierStandard = "standard"
	TierPremium  = "premium"

	BookReal = "real"
	BookDemo = "demo"
)
