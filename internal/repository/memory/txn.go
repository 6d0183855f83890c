package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/repository"
	"github.com/google/uuid"
)

type txn struct {
	s    *Store
	auto bool

	held    []string
	heldSet map[string]struct{}

	accounts  map[uuid.UUID]domain.Account
	journals  map[uuid.UUID]domain.Journal
	entries   []domain.Entry
	pending   map[uuid.UUID]domain.PendingTransaction
	audit     []domain.AuditRecord
	snapshots map[snapshotKey]domain.LedgerSnapshot
}

var _ repository.Querier = (*txn)(nil)

func newTxn(s *Store, auto bool) *txn {
	t := &txn{s: s, auto: auto, heldSet: make(map[string]struct{})}
	t.reset()
	return t
}

func (t *txn) reset() {
	t.accounts = make(map[uuid.UUID]domain.Account)
	t.journals = make(map[uuid.UUID]domain.Journal)
	t.entries = nil
	t.pending = make(map[uuid.UUID]domain.PendingTransaction)
	t.audit = nil
	t.snapshots = make(map[snapshotKey]domain.LedgerSnapshot)
}

// lock acquires the row lock for key, waiting at most the store's lock timeout.
func (t *txn) lock(ctx context.Context, key string) error {
	if t.auto {
		return nil
	}
	if _, ok := t.heldSet[key]; ok {
		return nil
	}
	ch := t.s.locks.get(key)

	var timeout <-chan time.Time
	if t.s.lockTimeout > 0 {
		timer := time.NewTimer(t.s.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ch <- struct{}{}:
		t.heldSet[key] = struct{}{}
		t.held = append(t.held, key)
		return nil
	case <-timeout:
		return fmt.Errorf("%w: lock wait timeout on %s", repository.ErrConflict, key)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *txn) release() {
	for _, key := range t.held {
		<-t.s.locks.get(key)
	}
	t.held = nil
	t.heldSet = make(map[string]struct{})
}

func (t *txn) commit() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, a := range t.accounts {
		s.accounts[id] = a
		s.accountKeys[accountKey(a.OwnerID, a.Type, a.Unit)] = id
	}
	for id, j := range t.journals {
		s.journals[id] = j
		if j.IdempotencyKey != "" {
			s.journalKeys[j.IdempotencyKey] = id
		}
	}
	if len(t.entries) > 0 {
		s.entries = append(s.entries, t.entries...)
		sort.SliceStable(s.entries, func(i, j int) bool { return s.entries[i].Seq < s.entries[j].Seq })
	}
	for id, p := range t.pending {
		s.pending[id] = p
		s.pendingKeys[p.IdempotencyKey] = id
	}
	s.audit = append(s.audit, t.audit...)
	for k, snap := range t.snapshots {
		s.snapshots[k] = snap
	}
	t.reset()
}

// flush publishes writes made outside a transaction.
func (t *txn) flush() {
	if t.auto {
		t.commit()
	}
}

func (t *txn) account(id uuid.UUID) (domain.Account, bool) {
	if a, ok := t.accounts[id]; ok {
		return a, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	a, ok := t.s.accounts[id]
	return a, ok
}

func (t *txn) CreateAccount(ctx context.Context, a *domain.Account) error {
	key := accountKey(a.OwnerID, a.Type, a.Unit)
	if err := t.lock(ctx, "account-key:"+key); err != nil {
		return err
	}
	if _, err := t.GetAccountByOwner(ctx, a.OwnerID, a.Type, a.Unit); err == nil {
		return fmt.Errorf("%w: accounts_owner_type_unit_key", repository.ErrDuplicateKey)
	}
	if _, ok := t.account(a.ID); ok {
		return fmt.Errorf("%w: accounts_pkey", repository.ErrDuplicateKey)
	}
	a.CreatedAt = now()
	a.UpdatedAt = a.CreatedAt
	t.accounts[a.ID] = *a
	t.flush()
	return nil
}

func (t *txn) GetAccount(_ context.Context, id uuid.UUID) (domain.Account, error) {
	a, ok := t.account(id)
	if !ok {
		return domain.Account{}, repository.ErrNotFound
	}
	return a, nil
}

func (t *txn) GetAccountByOwner(ctx context.Context, ownerID uuid.UUID, accountType, unit string) (domain.Account, error) {
	for _, a := range t.accounts {
		if a.OwnerID == ownerID && a.Type == accountType && a.Unit == unit {
			return a, nil
		}
	}
	t.s.mu.RLock()
	id, ok := t.s.accountKeys[accountKey(ownerID, accountType, unit)]
	t.s.mu.RUnlock()
	if !ok {
		return domain.Account{}, repository.ErrNotFound
	}
	return t.GetAccount(ctx, id)
}

func (t *txn) LockAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	if err := t.lock(ctx, "account:"+id.String()); err != nil {
		return domain.Account{}, err
	}
	return t.GetAccount(ctx, id)
}

// LockAccountShared takes the same exclusive lock as LockAccount.
func (t *txn) LockAccountShared(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	return t.LockAccount(ctx, id)
}

func (t *txn) UpdateAccountBalances(_ context.Context, id uuid.UUID, b domain.Balance) error {
	a, ok := t.account(id)
	if !ok {
		return fmt.Errorf("update account balances: %w", repository.ErrNotFound)
	}
	a.SetBalance(b)
	a.UpdatedAt = now()
	t.accounts[id] = a
	t.flush()
	return nil
}

func (t *txn) SetAccountActive(_ context.Context, id uuid.UUID, active bool) error {
	a, ok := t.account(id)
	if !ok {
		return fmt.Errorf("set account active: %w", repository.ErrNotFound)
	}
	a.Active = active
	a.UpdatedAt = now()
	t.accounts[id] = a
	t.flush()
	return nil
}

func (t *txn) ListAccounts(_ context.Context, afterID uuid.UUID, limit int) ([]domain.Account, error) {
	merged := make(map[uuid.UUID]domain.Account)
	t.s.mu.RLock()
	for id, a := range t.s.accounts {
		merged[id] = a
	}
	t.s.mu.RUnlock()
	for id, a := range t.accounts {
		merged[id] = a
	}

	out := make([]domain.Account, 0, len(merged))
	for id, a := range merged {
		if domain.CompareIDs(id, afterID) > 0 {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return domain.CompareIDs(out[i].ID, out[j].ID) < 0 })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *txn) journal(id uuid.UUID) (domain.Journal, bool) {
	if j, ok := t.journals[id]; ok {
		return j, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	j, ok := t.s.journals[id]
	return j, ok
}

func (t *txn) InsertJournal(ctx context.Context, j *domain.Journal) error {
	if j.IdempotencyKey != "" {
		if err := t.lock(ctx, "journal-key:"+j.IdempotencyKey); err != nil {
			return err
		}
		if _, err := t.GetJournalByIdempotencyKey(ctx, j.IdempotencyKey); err == nil {
			return fmt.Errorf("%w: journals_idempotency_key_key", repository.ErrDuplicateKey)
		}
	}
	if j.ReversalOf != nil {
		if err := t.lock(ctx, "journal-reversal:"+j.ReversalOf.String()); err != nil {
			return err
		}
		if t.reversalExists(*j.ReversalOf) {
			return fmt.Errorf("%w: journals_reversal_of_key", repository.ErrDuplicateKey)
		}
	}
	if _, ok := t.journal(j.ID); ok {
		return fmt.Errorf("%w: journals_pkey", repository.ErrDuplicateKey)
	}
	j.CreatedAt = now()
	stored := *j
	stored.Entries = nil
	t.journals[j.ID] = stored
	t.flush()
	return nil
}

func (t *txn) reversalExists(original uuid.UUID) bool {
	for _, j := range t.journals {
		if j.ReversalOf != nil && *j.ReversalOf == original {
			return true
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, j := range t.s.journals {
		if j.ReversalOf != nil && *j.ReversalOf == original {
			return true
		}
	}
	return false
}

func (t *txn) InsertEntry(_ context.Context, e *domain.Entry) error {
	if _, ok := t.journal(e.JournalID); !ok {
		return fmt.Errorf("insert entry: journal %s: %w", e.JournalID, repository.ErrNotFound)
	}
	if _, ok := t.account(e.AccountID); !ok {
		return fmt.Errorf("insert entry: account %s: %w", e.AccountID, repository.ErrNotFound)
	}
	for _, existing := range t.allEntries() {
		if existing.JournalID == e.JournalID && existing.AccountID == e.AccountID {
			return fmt.Errorf("%w: entries_journal_account_key", repository.ErrDuplicateKey)
		}
	}
	e.Seq = t.s.seq.Add(1)
	e.CreatedAt = now()
	t.entries = append(t.entries, *e)
	t.flush()
	return nil
}

func (t *txn) allEntries() []domain.Entry {
	t.s.mu.RLock()
	out := make([]domain.Entry, 0, len(t.s.entries)+len(t.entries))
	out = append(out, t.s.entries...)
	t.s.mu.RUnlock()
	out = append(out, t.entries...)
	return out
}

func (t *txn) withEntries(j domain.Journal) domain.Journal {
	j.Entries = nil
	for _, e := range t.allEntries() {
		if e.JournalID == j.ID {
			j.Entries = append(j.Entries, e)
		}
	}
	sort.Slice(j.Entries, func(a, b int) bool { return j.Entries[a].Seq < j.Entries[b].Seq })
	return j
}

func (t *txn) GetJournal(_ context.Context, id uuid.UUID) (domain.Journal, error) {
	j, ok := t.journal(id)
	if !ok {
		return domain.Journal{}, repository.ErrNotFound
	}
	return t.withEntries(j), nil
}

func (t *txn) GetJournalByIdempotencyKey(ctx context.Context, key string) (domain.Journal, error) {
	for _, j := range t.journals {
		if j.IdempotencyKey == key {
			return t.withEntries(j), nil
		}
	}
	t.s.mu.RLock()
	id, ok := t.s.journalKeys[key]
	t.s.mu.RUnlock()
	if !ok {
		return domain.Journal{}, repository.ErrNotFound
	}
	return t.GetJournal(ctx, id)
}

func (t *txn) LockJournal(ctx context.Context, id uuid.UUID) (domain.Journal, error) {
	if err := t.lock(ctx, "journal:"+id.String()); err != nil {
		return domain.Journal{}, err
	}
	return t.GetJournal(ctx, id)
}

func (t *txn) MarkJournalReversed(_ context.Context, id, reversedBy uuid.UUID) error {
	j, ok := t.journal(id)
	if !ok || j.IsReversed {
		return fmt.Errorf("mark journal reversed: %w", repository.ErrNotFound)
	}
	j.IsReversed = true
	j.ReversedBy = &reversedBy
	t.journals[id] = j
	t.flush()
	return nil
}

func (t *txn) ListEntriesByAccount(_ context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Entry, error) {
	var out []domain.Entry
	for _, e := range t.allEntries() {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *txn) SumEntriesSince(_ context.Context, accountID uuid.UUID, afterSeq int64) (repository.EntrySum, error) {
	var sum repository.EntrySum
	for _, e := range t.allEntries() {
		if e.AccountID != accountID || e.Seq <= afterSeq {
			continue
		}
		sum.Total += e.Amount
		sum.Count++
		if e.Seq > sum.LastSeq {
			sum.LastSeq = e.Seq
			id := e.ID
			sum.LastEntryID = &id
		}
	}
	return sum, nil
}

func (t *txn) SumEntriesByUnit(_ context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, e := range t.allEntries() {
		a, ok := t.account(e.AccountID)
		if !ok {
			return nil, fmt.Errorf("entry %s references unknown account %s", e.ID, e.AccountID)
		}
		out[a.Unit] += e.Amount
	}
	return out, nil
}

func (t *txn) pendingTxn(id uuid.UUID) (domain.PendingTransaction, bool) {
	if p, ok := t.pending[id]; ok {
		return p, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	p, ok := t.s.pending[id]
	return p, ok
}

func (t *txn) InsertPendingTransaction(ctx context.Context, p *domain.PendingTransaction) error {
	if err := t.lock(ctx, "pending-key:"+p.IdempotencyKey); err != nil {
		return err
	}
	if _, err := t.GetPendingTransactionByKey(ctx, p.IdempotencyKey); err == nil {
		return fmt.Errorf("%w: pending_transactions_idempotency_key_key", repository.ErrDuplicateKey)
	}
	if _, ok := t.account(p.SourceAccountID); !ok {
		return fmt.Errorf("insert pending transaction: source account: %w", repository.ErrNotFound)
	}
	p.CreatedAt = now()
	p.UpdatedAt = p.CreatedAt
	t.pending[p.ID] = *p
	t.flush()
	return nil
}

func (t *txn) GetPendingTransaction(_ context.Context, id uuid.UUID) (domain.PendingTransaction, error) {
	p, ok := t.pendingTxn(id)
	if !ok {
		return domain.PendingTransaction{}, repository.ErrNotFound
	}
	return p, nil
}

func (t *txn) GetPendingTransactionByKey(ctx context.Context, key string) (domain.PendingTransaction, error) {
	for _, p := range t.pending {
		if p.IdempotencyKey == key {
			return p, nil
		}
	}
	t.s.mu.RLock()
	id, ok := t.s.pendingKeys[key]
	t.s.mu.RUnlock()
	if !ok {
		return domain.PendingTransaction{}, repository.ErrNotFound
	}
	return t.GetPendingTransaction(ctx, id)
}

func (t *txn) LockPendingTransaction(ctx context.Context, id uuid.UUID) (domain.PendingTransaction, error) {
	if err := t.lock(ctx, "pending:"+id.String()); err != nil {
		return domain.PendingTransaction{}, err
	}
	return t.GetPendingTransaction(ctx, id)
}

func (t *txn) UpdatePendingStatus(_ context.Context, id uuid.UUID, status string, journalID *uuid.UUID, reason string) error {
	p, ok := t.pendingTxn(id)
	if !ok {
		return fmt.Errorf("update pending transaction status: %w", repository.ErrNotFound)
	}
	p.Status = status
	if journalID != nil {
		p.JournalID = journalID
	}
	if reason != "" {
		p.Reason = reason
	}
	p.UpdatedAt = now()
	t.pending[id] = p
	t.flush()
	return nil
}

func (t *txn) allPending() []domain.PendingTransaction {
	merged := make(map[uuid.UUID]domain.PendingTransaction)
	t.s.mu.RLock()
	for id, p := range t.s.pending {
		merged[id] = p
	}
	t.s.mu.RUnlock()
	for id, p := range t.pending {
		merged[id] = p
	}
	out := make([]domain.PendingTransaction, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	return out
}

func (t *txn) ListExpiredPending(_ context.Context, at time.Time, limit int) ([]uuid.UUID, error) {
	var expired []domain.PendingTransaction
	for _, p := range t.allPending() {
		if p.Status == domain.PendingStatusPending && !p.ExpiresAt.After(at) {
			expired = append(expired, p)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	ids := make([]uuid.UUID, 0, len(expired))
	for _, p := range expired {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (t *txn) ListPendingByType(_ context.Context, holdType, status string, limit int) ([]domain.PendingTransaction, error) {
	var out []domain.PendingTransaction
	for _, p := range t.allPending() {
		if p.Type == holdType && p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *txn) InsertAuditRecord(_ context.Context, r *domain.AuditRecord) error {
	r.CreatedAt = now()
	t.audit = append(t.audit, *r)
	t.flush()
	return nil
}

func (t *txn) GetLatestSnapshot(_ context.Context, accountID uuid.UUID) (domain.LedgerSnapshot, error) {
	var latest domain.LedgerSnapshot
	found := false
	consider := func(k snapshotKey, snap domain.LedgerSnapshot) {
		if k.accountID != accountID {
			return
		}
		if !found || snap.SnapshotDate.After(latest.SnapshotDate) {
			latest = snap
			found = true
		}
	}
	t.s.mu.RLock()
	for k, snap := range t.s.snapshots {
		consider(k, snap)
	}
	t.s.mu.RUnlock()
	for k, snap := range t.snapshots {
		consider(k, snap)
	}
	if !found {
		return domain.LedgerSnapshot{}, repository.ErrNotFound
	}
	return latest, nil
}

func (t *txn) UpsertSnapshot(_ context.Context, snap *domain.LedgerSnapshot) error {
	k := snapshotKey{accountID: snap.AccountID, date: domain.SnapshotDate(snap.SnapshotDate)}
	existing, ok := t.snapshots[k]
	if !ok {
		t.s.mu.RLock()
		existing, ok = t.s.snapshots[k]
		t.s.mu.RUnlock()
	}
	if ok {
		snap.ID = existing.ID
		snap.CreatedAt = existing.CreatedAt
	} else {
		snap.CreatedAt = now()
	}
	snap.SnapshotDate = k.date
	t.snapshots[k] = *snap
	t.flush()
	return nil
}
