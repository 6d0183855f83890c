package domain

import "github.com/google/uuid"

// SystemOwnerID owns the fixed platform accounts (treasury, fees, payouts, escrow, platform).
var SystemOwnerID = uuid.MustParse("11111111-1111-1111-1111-111111111111")

const (
	AccountTypeUser     = "user"
	AccountTypePlatform = "platform"
	AccountTypeTreasury = "treasury"
	AccountTypeEscrow   = "escrow"
	AccountTypeFees     = "fees"
	AccountTypePayouts  = "payouts"

	RefTypePurchase      = "purchase"
	RefTypeTransfer      = "transfer"
	RefTypeTip           = "tip"
	RefTypeSessionCharge = "session-charge"
	RefTypeWithdrawal    = "withdrawal"
	RefTypeRefund        = "refund"
	RefTypeFee           = "fee"
	RefTypePayout        = "payout"
	RefTypeAdjustment    = "adjustment"

	EntryKindDebit  = "debit"
	EntryKindCredit = "credit"

	HoldTypeEscrow = "escrow"
	HoldTypeFraud  = "fraud_hold"
	HoldTypePayout = "payout"

	PendingStatusPending    = "pending"
	PendingStatusProcessing = "processing"
	PendingStatusCompleted  = "completed"
	PendingStatusFailed     = "failed"
	PendingStatusExpired    = "expired"

	AuditActionOpen               = "account_opened"
	AuditActionDeactivate         = "account_deactivated"
	AuditActionJournalDebit       = "journal_debit"
	AuditActionJournalCredit      = "journal_credit"
	AuditActionHold               = "hold"
	AuditActionRelease            = "release"
	AuditActionPendingTransition  = "pending_transition"
	AuditActionInvariantViolation = "invariant_violation"
	AuditActionUnbalancedJournal  = "unbalanced_journal"
	AuditActionDriftDetected      = "drift_detected"

	ActorSystem = "system"
)

var accountTypes = map[string]struct{}{
	AccountTypeUser:     {},
	AccountTypePlatform: {},
	AccountTypeTreasury: {},
	AccountTypeEscrow:   {},
	AccountTypeFees:     {},
	AccountTypePayouts:  {},
}

var refTypes = map[string]struct{}{
	RefTypePurchase:      {},
	RefTypeTransfer:      {},
	RefTypeTip:           {},
	RefTypeSessionCharge: {},
	RefTypeWithdrawal:    {},
	RefTypeRefund:        {},
	RefTypeFee:           {},
	RefTypePayout:        {},
	RefTypeAdjustment:    {},
}

var holdTypes = map[string]struct{}{
	HoldTypeEscrow: {},
	HoldTypeFraud:  {},
	HoldTypePayout: {},
}

func ValidAccountType(t string) bool {
	_, ok := accountTypes[t]
	return ok
}

func ValidRefType(t string) bool {
	_, ok := refTypes[t]
	return ok
}

func ValidHoldType(t string) bool {
	_, ok := holdTypes[t]
	return ok
}

// SystemAccountTypes lists the account types bootstrapped for the system owner in every unit.
func SystemAccountTypes() []string {
	return []string{
		AccountTypeTreasury,
		AccountTypePlatform,
		AccountTypeFees,
		AccountTypePayouts,
		AccountTypeEscrow,
	}
}
