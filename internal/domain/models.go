package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Balance is the (total, available, pending) triple held by an account.
type Balance struct {
	Total     int64 `json:"total"`
	Available int64 `json:"available"`
	Pending   int64 `json:"pending"`
}

// Valid reports whether total == available + pending and all parts are non-negative.
func (b Balance) Valid() bool {
	return b.Total >= 0 && b.Available >= 0 && b.Pending >= 0 && b.Total == b.Available+b.Pending
}

func (b Balance) String() string {
	return fmt.Sprintf("{total=%d available=%d pending=%d}", b.Total, b.Available, b.Pending)
}

type Account struct {
	ID               uuid.UUID `json:"id"`
	OwnerID          uuid.UUID `json:"owner_id"`
	Type             string    `json:"type"`
	Unit             string    `json:"unit"`
	TotalBalance     int64     `json:"total_balance"`
	AvailableBalance int64     `json:"available_balance"`
	PendingBalance   int64     `json:"pending_balance"`
	OpeningBalance   int64     `json:"opening_balance"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (a Account) Balance() Balance {
	return Balance{Total: a.TotalBalance, Available: a.AvailableBalance, Pending: a.PendingBalance}
}

func (a *Account) SetBalance(b Balance) {
	a.TotalBalance = b.Total
	a.AvailableBalance = b.Available
	a.PendingBalance = b.Pending
}

type Journal struct {
	ID             uuid.UUID         `json:"id"`
	RefType        string            `json:"ref_type"`
	RefID          string            `json:"ref_id"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Description    string            `json:"description,omitempty"`
	ReversalOf     *uuid.UUID        `json:"reversal_of,omitempty"`
	ReversedBy     *uuid.UUID        `json:"reversed_by,omitempty"`
	IsReversed     bool              `json:"is_reversed"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	Entries        []Entry           `json:"entries"`
}

// EntryFor returns the journal's leg against accountID.
func (j Journal) EntryFor(accountID uuid.UUID) (Entry, bool) {
	for _, e := range j.Entries {
		if e.AccountID == accountID {
			return e, true
		}
	}
	return Entry{}, false
}

type Entry struct {
	ID            uuid.UUID         `json:"id"`
	Seq           int64             `json:"seq"`
	JournalID     uuid.UUID         `json:"journal_id"`
	AccountID     uuid.UUID         `json:"account_id"`
	Amount        int64             `json:"amount"`
	Kind          string            `json:"kind"`
	BalanceBefore int64             `json:"balance_before"`
	BalanceAfter  int64             `json:"balance_after"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

type PendingTransaction struct {
	ID                   uuid.UUID         `json:"id"`
	IdempotencyKey       string            `json:"idempotency_key"`
	Type                 string            `json:"type"`
	RefType              string            `json:"ref_type"`
	RefID                string            `json:"ref_id"`
	Amount               int64             `json:"amount"`
	SourceAccountID      uuid.UUID         `json:"source_account_id"`
	DestinationAccountID *uuid.UUID        `json:"destination_account_id,omitempty"`
	Status               string            `json:"status"`
	ExpiresAt            time.Time         `json:"expires_at"`
	JournalID            *uuid.UUID        `json:"journal_id,omitempty"`
	Reason               string            `json:"reason,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Expired reports whether a still-pending reservation is past its deadline at now.
func (p PendingTransaction) Expired(now time.Time) bool {
	return p.Status == PendingStatusPending && !now.Before(p.ExpiresAt)
}

type AuditRecord struct {
	ID        uuid.UUID         `json:"id"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	AccountID *uuid.UUID        `json:"account_id,omitempty"`
	JournalID *uuid.UUID        `json:"journal_id,omitempty"`
	PendingID *uuid.UUID        `json:"pending_id,omitempty"`
	Amount    int64             `json:"amount"`
	Before    *Balance          `json:"before,omitempty"`
	After     *Balance          `json:"after,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type LedgerSnapshot struct {
	ID              uuid.UUID  `json:"id"`
	AccountID       uuid.UUID  `json:"account_id"`
	SnapshotDate    time.Time  `json:"snapshot_date"`
	ComputedBalance int64      `json:"computed_balance"`
	StoredBalance   int64      `json:"stored_balance"`
	Drift           bool       `json:"drift"`
	EntryCount      int64      `json:"entry_count"`
	LastEntrySeq    int64      `json:"last_entry_seq"`
	LastEntryID     *uuid.UUID `json:"last_entry_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// SnapshotDate truncates t to its UTC calendar day.
func SnapshotDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
