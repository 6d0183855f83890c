package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Queries implements repository.Querier on top of pgx.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

var _ repository.Querier = (*Queries)(nil)

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", repository.ErrDuplicateKey, pgErr.ConstraintName)
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return fmt.Errorf("%w: %s", repository.ErrConflict, pgErr.Message)
		}
	}
	return err
}

func requireExactlyOne(tag pgconn.CommandTag, operation string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", operation, repository.ErrNotFound)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%s affected %d rows", operation, tag.RowsAffected())
	}
	return nil
}

const accountColumns = `id, owner_id, type, unit, total_balance, available_balance, pending_balance,
	opening_balance, active, created_at, updated_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.Type, &a.Unit, &a.TotalBalance, &a.AvailableBalance,
		&a.PendingBalance, &a.OpeningBalance, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	return a, mapError(err)
}

const createAccount = `
INSERT INTO accounts (id, owner_id, type, unit, total_balance, available_balance, pending_balance, opening_balance, active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING created_at, updated_at`

func (q *Queries) CreateAccount(ctx context.Context, a *domain.Account) error {
	err := q.db.QueryRow(ctx, createAccount, a.ID, a.OwnerID, a.Type, a.Unit, a.TotalBalance,
		a.AvailableBalance, a.PendingBalance, a.OpeningBalance, a.Active).Scan(&a.CreatedAt, &a.UpdatedAt)
	return mapError(err)
}

func (q *Queries) GetAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	return scanAccount(q.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (q *Queries) GetAccountByOwner(ctx context.Context, ownerID uuid.UUID, accountType, unit string) (domain.Account, error) {
	return scanAccount(q.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE owner_id = $1 AND type = $2 AND unit = $3`,
		ownerID, accountType, unit))
}

func (q *Queries) LockAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	return scanAccount(q.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

func (q *Queries) LockAccountShared(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	return scanAccount(q.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR SHARE`, id))
}

const updateAccountBalances = `
UPDATE accounts
SET total_balance = $2, available_balance = $3, pending_balance = $4, updated_at = NOW()
WHERE id = $1`

func (q *Queries) UpdateAccountBalances(ctx context.Context, id uuid.UUID, b domain.Balance) error {
	tag, err := q.db.Exec(ctx, updateAccountBalances, id, b.Total, b.Available, b.Pending)
	if err != nil {
		return mapError(err)
	}
	return requireExactlyOne(tag, "update account balances")
}

func (q *Queries) SetAccountActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := q.db.Exec(ctx, `UPDATE accounts SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return mapError(err)
	}
	return requireExactlyOne(tag, "set account active")
}

func (q *Queries) ListAccounts(ctx context.Context, afterID uuid.UUID, limit int) ([]domain.Account, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, mapError(rows.Err())
}

const insertJournal = `
INSERT INTO journals (id, ref_type, ref_id, idempotency_key, description, reversal_of, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING created_at`

func (q *Queries) InsertJournal(ctx context.Context, j *domain.Journal) error {
	err := q.db.QueryRow(ctx, insertJournal, j.ID, j.RefType, j.RefID, nullString(j.IdempotencyKey),
		j.Description, j.ReversalOf, j.Metadata).Scan(&j.CreatedAt)
	return mapError(err)
}

const insertEntry = `
INSERT INTO entries (id, journal_id, account_id, amount, kind, balance_before, balance_after, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING seq, created_at`

func (q *Queries) InsertEntry(ctx context.Context, e *domain.Entry) error {
	err := q.db.QueryRow(ctx, insertEntry, e.ID, e.JournalID, e.AccountID, e.Amount, e.Kind,
		e.BalanceBefore, e.BalanceAfter, e.Metadata).Scan(&e.Seq, &e.CreatedAt)
	return mapError(err)
}

const journalColumns = `id, ref_type, ref_id, COALESCE(idempotency_key, ''), description, reversal_of,
	reversed_by, is_reversed, metadata, created_at`

func (q *Queries) loadJournal(ctx context.Context, row pgx.Row) (domain.Journal, error) {
	var j domain.Journal
	err := row.Scan(&j.ID, &j.RefType, &j.RefID, &j.IdempotencyKey, &j.Description, &j.ReversalOf,
		&j.ReversedBy, &j.IsReversed, &j.Metadata, &j.CreatedAt)
	if err != nil {
		return domain.Journal{}, mapError(err)
	}
	entries, err := q.listEntries(ctx, `WHERE journal_id = $1 ORDER BY seq`, j.ID)
	if err != nil {
		return domain.Journal{}, err
	}
	j.Entries = entries
	return j, nil
}

func (q *Queries) GetJournal(ctx context.Context, id uuid.UUID) (domain.Journal, error) {
	return q.loadJournal(ctx, q.db.QueryRow(ctx, `SELECT `+journalColumns+` FROM journals WHERE id = $1`, id))
}

func (q *Queries) GetJournalByIdempotencyKey(ctx context.Context, key string) (domain.Journal, error) {
	return q.loadJournal(ctx, q.db.QueryRow(ctx, `SELECT `+journalColumns+` FROM journals WHERE idempotency_key = $1`, key))
}

func (q *Queries) LockJournal(ctx context.Context, id uuid.UUID) (domain.Journal, error) {
	return q.loadJournal(ctx, q.db.QueryRow(ctx, `SELECT `+journalColumns+` FROM journals WHERE id = $1 FOR UPDATE`, id))
}

func (q *Queries) MarkJournalReversed(ctx context.Context, id, reversedBy uuid.UUID) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE journals SET is_reversed = TRUE, reversed_by = $2 WHERE id = $1 AND NOT is_reversed`, id, reversedBy)
	if err != nil {
		return mapError(err)
	}
	return requireExactlyOne(tag, "mark journal reversed")
}

const entryColumns = `id, seq, journal_id, account_id, amount, kind, balance_before, balance_after, metadata, created_at`

func (q *Queries) listEntries(ctx context.Context, where string, args ...interface{}) ([]domain.Entry, error) {
	rows, err := q.db.Query(ctx, `SELECT `+entryColumns+` FROM entries `+where, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var entries []domain.Entry
	for rows.Next() {
		var e domain.Entry
		if err := rows.Scan(&e.ID, &e.Seq, &e.JournalID, &e.AccountID, &e.Amount, &e.Kind,
			&e.BalanceBefore, &e.BalanceAfter, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, mapError(err)
		}
		entries = append(entries, e)
	}
	return entries, mapError(rows.Err())
}

func (q *Queries) ListEntriesByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Entry, error) {
	return q.listEntries(ctx, `WHERE account_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`, accountID, limit, offset)
}

const sumEntriesSince = `
SELECT COALESCE(SUM(amount), 0)::BIGINT, COUNT(*), COALESCE(MAX(seq), 0)::BIGINT,
	(SELECT id FROM entries WHERE account_id = $1 AND seq > $2 ORDER BY seq DESC LIMIT 1)
FROM entries
WHERE account_id = $1 AND seq > $2`

func (q *Queries) SumEntriesSince(ctx context.Context, accountID uuid.UUID, afterSeq int64) (repository.EntrySum, error) {
	var sum repository.EntrySum
	err := q.db.QueryRow(ctx, sumEntriesSince, accountID, afterSeq).Scan(&sum.Total, &sum.Count, &sum.LastSeq, &sum.LastEntryID)
	return sum, mapError(err)
}

const sumEntriesByUnit = `
SELECT a.unit, COALESCE(SUM(e.amount), 0)::BIGINT
FROM entries e
JOIN accounts a ON a.id = e.account_id
GROUP BY a.unit`

func (q *Queries) SumEntriesByUnit(ctx context.Context) (map[string]int64, error) {
	rows, err := q.db.Query(ctx, sumEntriesByUnit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var unit string
		var net int64
		if err := rows.Scan(&unit, &net); err != nil {
			return nil, mapError(err)
		}
		out[unit] = net
	}
	return out, mapError(rows.Err())
}

const pendingColumns = `id, idempotency_key, type, ref_type, ref_id, amount, source_account_id,
	destination_account_id, status, expires_at, journal_id, reason, metadata, created_at, updated_at`

func scanPending(row pgx.Row) (domain.PendingTransaction, error) {
	var p domain.PendingTransaction
	err := row.Scan(&p.ID, &p.IdempotencyKey, &p.Type, &p.RefType, &p.RefID, &p.Amount, &p.SourceAccountID,
		&p.DestinationAccountID, &p.Status, &p.ExpiresAt, &p.JournalID, &p.Reason, &p.Metadata, &p.CreatedAt, &p.UpdatedAt)
	return p, mapError(err)
}

const insertPending = `
INSERT INTO pending_transactions (id, idempotency_key, type, ref_type, ref_id, amount, source_account_id,
	destination_account_id, status, expires_at, reason, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING created_at, updated_at`

func (q *Queries) InsertPendingTransaction(ctx context.Context, p *domain.PendingTransaction) error {
	err := q.db.QueryRow(ctx, insertPending, p.ID, p.IdempotencyKey, p.Type, p.RefType, p.RefID, p.Amount,
		p.SourceAccountID, p.DestinationAccountID, p.Status, p.ExpiresAt, p.Reason, p.Metadata).Scan(&p.CreatedAt, &p.UpdatedAt)
	return mapError(err)
}

func (q *Queries) GetPendingTransaction(ctx context.Context, id uuid.UUID) (domain.PendingTransaction, error) {
	return scanPending(q.db.QueryRow(ctx, `SELECT `+pendingColumns+` FROM pending_transactions WHERE id = $1`, id))
}

func (q *Queries) GetPendingTransactionByKey(ctx context.Context, key string) (domain.PendingTransaction, error) {
	return scanPending(q.db.QueryRow(ctx, `SELECT `+pendingColumns+` FROM pending_transactions WHERE idempotency_key = $1`, key))
}

func (q *Queries) LockPendingTransaction(ctx context.Context, id uuid.UUID) (domain.PendingTransaction, error) {
	return scanPending(q.db.QueryRow(ctx, `SELECT `+pendingColumns+` FROM pending_transactions WHERE id = $1 FOR UPDATE`, id))
}

const updatePendingStatus = `
UPDATE pending_transactions
SET status = $2, journal_id = COALESCE($3, journal_id), reason = COALESCE(NULLIF($4, ''), reason), updated_at = NOW()
WHERE id = $1`

func (q *Queries) UpdatePendingStatus(ctx context.Context, id uuid.UUID, status string, journalID *uuid.UUID, reason string) error {
	tag, err := q.db.Exec(ctx, updatePendingStatus, id, status, journalID, reason)
	if err != nil {
		return mapError(err)
	}
	return requireExactlyOne(tag, "update pending transaction status")
}

const listExpiredPending = `
SELECT id FROM pending_transactions
WHERE status = 'pending' AND expires_at <= $1
ORDER BY expires_at
LIMIT $2
FOR UPDATE SKIP LOCKED`

func (q *Queries) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := q.db.Query(ctx, listExpiredPending, now, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, mapError(err)
		}
		ids = append(ids, id)
	}
	return ids, mapError(rows.Err())
}

func (q *Queries) ListPendingByType(ctx context.Context, holdType, status string, limit int) ([]domain.PendingTransaction, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+pendingColumns+` FROM pending_transactions WHERE type = $1 AND status = $2 ORDER BY created_at LIMIT $3`,
		holdType, status, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []domain.PendingTransaction
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, mapError(rows.Err())
}

const insertAuditRecord = `
INSERT INTO audit_log (id, actor, action, account_id, journal_id, pending_id, amount, before_state, after_state, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING created_at`

func (q *Queries) InsertAuditRecord(ctx context.Context, r *domain.AuditRecord) error {
	err := q.db.QueryRow(ctx, insertAuditRecord, r.ID, r.Actor, r.Action, r.AccountID, r.JournalID, r.PendingID,
		r.Amount, r.Before, r.After, r.Metadata).Scan(&r.CreatedAt)
	return mapError(err)
}

const snapshotColumns = `id, account_id, snapshot_date, computed_balance, stored_balance, drift, entry_count,
	last_entry_seq, last_entry_id, created_at`

func (q *Queries) GetLatestSnapshot(ctx context.Context, accountID uuid.UUID) (domain.LedgerSnapshot, error) {
	var s domain.LedgerSnapshot
	err := q.db.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM ledger_snapshots WHERE account_id = $1 ORDER BY snapshot_date DESC LIMIT 1`,
		accountID).Scan(&s.ID, &s.AccountID, &s.SnapshotDate, &s.ComputedBalance, &s.StoredBalance, &s.Drift,
		&s.EntryCount, &s.LastEntrySeq, &s.LastEntryID, &s.CreatedAt)
	return s, mapError(err)
}

const upsertSnapshot = `
INSERT INTO ledger_snapshots (id, account_id, snapshot_date, computed_balance, stored_balance, drift, entry_count,
	last_entry_seq, last_entry_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (account_id, snapshot_date) DO UPDATE
SET computed_balance = EXCLUDED.computed_balance,
	stored_balance = EXCLUDED.stored_balance,
	drift = EXCLUDED.drift,
	entry_count = EXCLUDED.entry_count,
	last_entry_seq = EXCLUDED.last_entry_seq,
	last_entry_id = EXCLUDED.last_entry_id
RETURNING id, created_at`

func (q *Queries) UpsertSnapshot(ctx context.Context, s *domain.LedgerSnapshot) error {
	err := q.db.QueryRow(ctx, upsertSnapshot, s.ID, s.AccountID, s.SnapshotDate, s.ComputedBalance, s.StoredBalance,
		s.Drift, s.EntryCount, s.LastEntrySeq, s.LastEntryID).Scan(&s.ID, &s.CreatedAt)
	return mapError(err)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
