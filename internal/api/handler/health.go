package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler exposes liveness and readiness probes.
type HealthHandler struct {
	store Pinger
	redis redis.Cmdable
}

// NewHealthHandler builds the handler. redis may be nil when no cache is configured.
func NewHealthHandler(store Pinger, redis redis.Cmdable) *HealthHandler {
	return &HealthHandler{store: store, redis: redis}
}

func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready fails only on the store. Redis holds the idempotency cache and worker locks, and
// journal keys in Postgres still dedupe requests without it, so a Redis outage reports
// degraded.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		zap.L().Warn("readiness: store unreachable", zap.Error(err))
		RespondError(w, r, http.StatusServiceUnavailable, "health/database-unavailable", "database unavailable")
		return
	}

	checks := map[string]string{"database": "ok", "redis": "disabled"}
	status := "ready"
	if h.redis != nil {
		checks["redis"] = "ok"
		if err := h.redis.Ping(ctx).Err(); err != nil {
			zap.L().Warn("readiness: redis unreachable", zap.Error(err))
			checks["redis"] = "unavailable"
			status = "degraded"
		}
	}

	RespondJSON(w, http.StatusOK, map[string]any{"status": status, "checks": checks})
}
