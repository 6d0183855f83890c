package api

import (
	"net/http"

	"github.com/ayo6706/token-ledger/internal/api/handler"
	"github.com/ayo6706/token-ledger/internal/api/middleware"
	"github.com/ayo6706/token-ledger/internal/api/spec"
	"github.com/ayo6706/token-ledger/internal/config"
	"github.com/ayo6706/token-ledger/internal/repository"
	"github.com/ayo6706/token-ledger/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"
)

// Deps are the services the HTTP layer fronts.
type Deps struct {
	Store          repository.Store
	Redis          redis.Cmdable
	Ledger         *service.Ledger
	Payouts        *service.PayoutService
	Purchases      *service.PurchaseService
	Reconciliation *service.ReconciliationService
}

type Router struct {
	cfg    *config.Config
	logger *zap.Logger
	deps   Deps
}

func NewRouter(cfg *config.Config, logger *zap.Logger, deps Deps) *Router {
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)
	return &Router{cfg: cfg, logger: logger, deps: deps}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	healthHandler := handler.NewHealthHandler(api.deps.Store, api.deps.Redis)
	accountHandler := handler.NewAccountHandler(api.deps.Ledger)
	transferHandler := handler.NewTransferHandler(api.deps.Ledger)
	holdHandler := handler.NewHoldHandler(api.deps.Ledger)
	journalHandler := handler.NewJournalHandler(api.deps.Ledger)
	payoutHandler := handler.NewPayoutHandler(api.deps.Payouts, api.deps.Ledger)
	webhookHandler := handler.NewWebhookHandler(api.deps.Purchases)
	reconciliationHandler := handler.NewReconciliationHandler(api.deps.Reconciliation)

	// Public Routes
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/openapi.yaml", spec.OpenAPIHandler())
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))

	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		r.Post("/v1/webhooks/payments", webhookHandler.HandlePaymentWebhook)
	})

	// Protected Routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		privileged := middleware.RequireRole(middleware.RoleService, middleware.RoleAdmin)
		admin := middleware.RequireRole(middleware.RoleAdmin)

		// Accounts
		r.With(privileged).Post("/v1/accounts", accountHandler.CreateAccount)
		r.Get("/v1/accounts/{id}", accountHandler.GetAccount)
		r.Get("/v1/accounts/{id}/entries", accountHandler.ListEntries)
		r.With(admin).Post("/v1/accounts/{id}/deactivate", accountHandler.DeactivateAccount)

		// Transfers
		r.Post("/v1/transfers", transferHandler.CreateTransfer)

		// Holds
		r.Route("/v1/holds", func(r chi.Router) {
			r.Use(privileged)
			r.Post("/", holdHandler.CreateHold)
			r.Get("/{id}", holdHandler.GetHold)
			r.Post("/{id}/capture", holdHandler.CaptureHold)
			r.Post("/{id}/release", holdHandler.ReleaseHold)
		})

		// Journals
		r.Get("/v1/journals/{id}", journalHandler.GetJournal)
		r.With(admin).Post("/v1/journals/{id}/reverse", journalHandler.ReverseJournal)

		// Payouts
		r.Post("/v1/payouts", payoutHandler.CreatePayout)
		r.Get("/v1/payouts/{id}", payoutHandler.GetPayout)

		r.With(admin).Post("/v1/reconciliation/run", reconciliationHandler.Run)
	})

	return r
}
