package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/observability"
	"github.com/ayo6706/token-ledger/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReconcilePageSize   = 200
	defaultReconcileConcurrent = 4
)

// ReconciliationService verifies every stored balance against its entry history and
// records a daily snapshot per account. It reports drift and never repairs it.
type ReconciliationService struct {
	store       repository.Store
	audit       *AuditService
	now         func() time.Time
	pageSize    int
	concurrency int
}

func NewReconciliationService(store repository.Store) *ReconciliationService {
	return &ReconciliationService{
		store:       store,
		audit:       NewAuditService(),
		now:         func() time.Time { return time.Now().UTC() },
		pageSize:    defaultReconcilePageSize,
		concurrency: defaultReconcileConcurrent,
	}
}

// WithConcurrency bounds how many accounts are checked in parallel.
func (s *ReconciliationService) WithConcurrency(n int) *ReconciliationService {
	if n > 0 {
		s.concurrency = n
	}
	return s
}

func (s *ReconciliationService) WithClock(now func() time.Time) *ReconciliationService {
	if now != nil {
		s.now = now
	}
	return s
}

type AccountDrift struct {
	AccountID uuid.UUID      `json:"account_id"`
	Unit      string         `json:"unit"`
	Computed  int64          `json:"computed_balance"`
	Stored    domain.Balance `json:"stored_balance"`
}

type ReconciliationReport struct {
	RunAt           time.Time        `json:"run_at"`
	Full            bool             `json:"full"`
	AccountsChecked int              `json:"accounts_checked"`
	Drifted         []AccountDrift   `json:"drifted"`
	UnbalancedUnits map[string]int64 `json:"unbalanced_units,omitempty"`
}

// Run checks accounts incrementally from their latest snapshot.
func (s *ReconciliationService) Run(ctx context.Context) (ReconciliationReport, error) {
	return s.run(ctx, false)
}

// RunFull replays every account from its opening balance, ignoring earlier snapshots.
func (s *ReconciliationService) RunFull(ctx context.Context) (ReconciliationReport, error) {
	return s.run(ctx, true)
}

func (s *ReconciliationService) run(ctx context.Context, full bool) (ReconciliationReport, error) {
	report := ReconciliationReport{RunAt: s.now(), Full: full}
	var mu sync.Mutex

	after := uuid.Nil
	for {
		page, err := s.store.Queries().ListAccounts(ctx, after, s.pageSize)
		if err != nil {
			return report, fmt.Errorf("list accounts: %w", err)
		}
		if len(page) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for _, acct := range page {
			g.Go(func() error {
				drift, err := s.checkAccount(gctx, acct.ID, full, report.RunAt)
				if err != nil {
					return fmt.Errorf("reconcile account %s: %w", acct.ID, err)
				}
				mu.Lock()
				defer mu.Unlock()
				report.AccountsChecked++
				if drift != nil {
					report.Drifted = append(report.Drifted, *drift)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return report, err
		}

		after = page[len(page)-1].ID
		if len(page) < s.pageSize {
			break
		}
	}

	nets, err := s.store.Queries().SumEntriesByUnit(ctx)
	if err != nil {
		return report, fmt.Errorf("sum entries by unit: %w", err)
	}
	for unit, net := range nets {
		if net == 0 {
			continue
		}
		if report.UnbalancedUnits == nil {
			report.UnbalancedUnits = make(map[string]int64)
		}
		report.UnbalancedUnits[unit] = net
		observability.IncrementLedgerImbalance(unit)
		zap.L().Error("CRITICAL: ledger imbalance detected", zap.String("unit", unit), zap.Int64("net_amount", net))
	}

	sort.Slice(report.Drifted, func(i, j int) bool {
		return domain.CompareIDs(report.Drifted[i].AccountID, report.Drifted[j].AccountID) < 0
	})

	if len(report.Drifted) == 0 && len(report.UnbalancedUnits) == 0 {
		zap.L().Info("ledger balanced", zap.Int("accounts_checked", report.AccountsChecked), zap.Bool("full", full))
		return report, nil
	}

	driftErr := &domain.DriftError{}
	for _, d := range report.Drifted {
		driftErr.Accounts = append(driftErr.Accounts, d.AccountID)
	}
	for unit := range report.UnbalancedUnits {
		driftErr.Units = append(driftErr.Units, unit)
	}
	sort.Strings(driftErr.Units)
	return report, driftErr
}

// checkAccount compares one account's stored balance with its replayed entries under a
// shared lock, so no posting can interleave, and upserts today's snapshot.
func (s *ReconciliationService) checkAccount(ctx context.Context, accountID uuid.UUID, full bool, at time.Time) (*AccountDrift, error) {
	var drift *AccountDrift
	err := s.store.RunInTx(ctx, func(q repository.Querier) error {
		drift = nil
		acct, err := q.LockAccountShared(ctx, accountID)
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}

		base, afterSeq := acct.OpeningBalance, int64(0)
		var lastEntryID *uuid.UUID
		if !full {
			snap, err := q.GetLatestSnapshot(ctx, accountID)
			switch {
			case err == nil:
				base, afterSeq, lastEntryID = snap.ComputedBalance, snap.LastEntrySeq, snap.LastEntryID
			case !errors.Is(err, repository.ErrNotFound):
				return fmt.Errorf("load snapshot: %w", err)
			}
		}

		sum, err := q.SumEntriesSince(ctx, accountID, afterSeq)
		if err != nil {
			return fmt.Errorf("sum entries: %w", err)
		}
		computed := base + sum.Total
		lastSeq := afterSeq
		if sum.Count > 0 {
			lastSeq, lastEntryID = sum.LastSeq, sum.LastEntryID
		}

		stored := acct.Balance()
		drifted := computed != stored.Total || !stored.Valid()

		if err := q.UpsertSnapshot(ctx, &domain.LedgerSnapshot{
			ID:              domain.NewID(),
			AccountID:       accountID,
			SnapshotDate:    domain.SnapshotDate(at),
			ComputedBalance: computed,
			StoredBalance:   stored.Total,
			Drift:           drifted,
			EntryCount:      sum.Count,
			LastEntrySeq:    lastSeq,
			LastEntryID:     lastEntryID,
		}); err != nil {
			return fmt.Errorf("upsert snapshot: %w", err)
		}
		if !drifted {
			return nil
		}

		drift = &AccountDrift{AccountID: accountID, Unit: acct.Unit, Computed: computed, Stored: stored}
		id := accountID
		return s.audit.Write(ctx, q, &domain.AuditRecord{
			Actor:     domain.ActorSystem,
			Action:    domain.AuditActionDriftDetected,
			AccountID: &id,
			Amount:    stored.Total - computed,
			Before:    &stored,
			Metadata: map[string]string{
				"computed_balance": strconv.FormatInt(computed, 10),
				"full":             strconv.FormatBool(full),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if drift != nil {
		observability.IncrementLedgerDrift(drift.Unit)
		zap.L().Error("CRITICAL: ledger drift detected",
			zap.String("account_id", accountID.String()),
			zap.String("unit", drift.Unit),
			zap.Int64("computed_balance", drift.Computed),
			zap.Int64("stored_total", drift.Stored.Total),
			zap.Int64("stored_available", drift.Stored.Available),
			zap.Int64("stored_pending", drift.Stored.Pending))
	}
	return drift, nil
}
