// Command ledgerctl runs one-off ledger maintenance tasks against the configured database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ayo6706/token-ledger/internal/app"
	"github.com/ayo6706/token-ledger/internal/config"
	"github.com/ayo6706/token-ledger/internal/db"
	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/observability"
	"github.com/ayo6706/token-ledger/internal/service"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const usage = `usage: ledgerctl <command> [flags]

commands:
  migrate                         apply database migrations
  reconcile [--full]              check stored balances against entry history
  sweep [--limit N]               release holds past their deadline
  bootstrap [--unit U] [--supply N]
                                  create the system accounts for a unit
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprint(os.Stderr, usage)
		return nil
	}

	cfg, err := config.Read()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "migrate":
		return migrate(ctx, cfg)
	case "reconcile":
		return reconcile(ctx, cfg, rest)
	case "sweep":
		return sweep(ctx, cfg, rest)
	case "bootstrap":
		return bootstrap(ctx, cfg, rest)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func migrate(ctx context.Context, cfg *config.Config) error {
	pool, err := db.Connect(ctx, cfg.DatabaseURL, 2)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := db.Migrate(pool); err != nil {
		return err
	}
	zap.L().Info("migrations applied")
	return nil
}

func reconcile(ctx context.Context, cfg *config.Config, args []string) error {
	fs := pflag.NewFlagSet("reconcile", pflag.ContinueOnError)
	full := fs.Bool("full", false, "replay every account from its opening balance")
	concurrency := fs.Int("concurrency", cfg.ReconcileConcurrency, "accounts checked in parallel")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pool, store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	svc := service.NewReconciliationService(store).WithConcurrency(*concurrency)
	run := svc.Run
	if *full {
		run = svc.RunFull
	}
	report, runErr := run(ctx)
	if err := printJSON(report); err != nil {
		return err
	}
	if errors.Is(runErr, domain.ErrDriftDetected) {
		return fmt.Errorf("%w: see report", runErr)
	}
	return runErr
}

func sweep(ctx context.Context, cfg *config.Config, args []string) error {
	fs := pflag.NewFlagSet("sweep", pflag.ContinueOnError)
	limit := fs.Int("limit", cfg.ExpirySweepBatch, "maximum holds to expire")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pool, store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	ledger := service.NewLedger(store, service.WithRetry(uint(cfg.RetryAttempts), cfg.RetryInitial))
	n, err := ledger.SweepExpired(service.WithActor(ctx, "ledgerctl"), *limit)
	fmt.Printf("expired %d hold(s)\n", n)
	return err
}

func bootstrap(ctx context.Context, cfg *config.Config, args []string) error {
	fs := pflag.NewFlagSet("bootstrap", pflag.ContinueOnError)
	unit := fs.String("unit", cfg.DefaultUnit, "unit of account")
	supply := fs.Int64("supply", cfg.TreasurySupply, "treasury opening supply in minor units")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *supply < 0 {
		return fmt.Errorf("--supply must not be negative")
	}

	pool, store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	ledger := service.NewLedger(store)
	accounts, err := ledger.EnsureSystemAccounts(service.WithActor(ctx, "ledgerctl"), strings.ToUpper(*unit), *supply)
	if err != nil {
		return err
	}
	return printJSON(accounts)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
