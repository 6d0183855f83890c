package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ayo6706/token-ledger/internal/api/middleware"
	"github.com/ayo6706/token-ledger/internal/api/problem"
	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var validate = validator.New()

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// RespondError writes an error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message)
}

// actor is the authenticated caller.
type actor struct {
	ID   uuid.UUID
	Role string
}

func (a actor) privileged() bool {
	return a.Role == middleware.RoleService || a.Role == middleware.RoleAdmin
}

// scopedKey confines an Idempotency-Key to this caller's namespace.
func (a actor) scopedKey(key string) string {
	return domain.ClientKey(a.ID.String(), key)
}

// ledgerContext tags the request context with the caller for audit records.
func (a actor) ledgerContext(ctx context.Context) context.Context {
	return service.WithActor(ctx, a.Role+":"+a.ID.String())
}

func requestActor(r *http.Request) (actor, error) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		return actor{}, errors.New("missing user in auth context")
	}

	id, err := uuid.Parse(userID)
	if err != nil {
		return actor{}, errors.New("invalid user_id in auth context")
	}

	return actor{ID: id, Role: middleware.UserRoleFromContext(r.Context())}, nil
}

// decodeJSON decodes the body into dst and runs struct validation.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/validation-failed", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed on '%s'", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-"+name, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func parseOptionalID(raw string) (*uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// respondServiceError maps ledger errors to problem responses.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error, operation string) {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		RespondError(w, r, http.StatusBadRequest, "ledger/invalid-amount", err.Error())
	case errors.Is(err, domain.ErrInvalidRequest):
		RespondError(w, r, http.StatusBadRequest, "ledger/invalid-request", err.Error())
	case errors.Is(err, domain.ErrAccountNotFound):
		RespondError(w, r, http.StatusNotFound, "account/not-found", "Account not found")
	case errors.Is(err, domain.ErrJournalNotFound):
		RespondError(w, r, http.StatusNotFound, "journal/not-found", "Journal not found")
	case errors.Is(err, domain.ErrPendingTransactionNotFound):
		RespondError(w, r, http.StatusNotFound, "hold/not-found", "Pending transaction not found")
	case errors.Is(err, domain.ErrInsufficientBalance):
		RespondError(w, r, http.StatusUnprocessableEntity, "ledger/insufficient-balance", err.Error())
	case errors.Is(err, domain.ErrAccountInactive):
		RespondError(w, r, http.StatusUnprocessableEntity, "account/inactive", err.Error())
	case errors.Is(err, domain.ErrUnitMismatch):
		RespondError(w, r, http.StatusUnprocessableEntity, "ledger/unit-mismatch", err.Error())
	case errors.Is(err, domain.ErrPendingTransactionExpired):
		RespondError(w, r, http.StatusConflict, "hold/expired", err.Error())
	case errors.Is(err, domain.ErrPendingTransactionReleased):
		RespondError(w, r, http.StatusConflict, "hold/released", err.Error())
	case errors.Is(err, domain.ErrIdempotencyKeyCollision):
		RespondError(w, r, http.StatusConflict, "idempotency/key-collision", "Idempotency key is already bound to another operation")
	case errors.Is(err, domain.ErrConflict):
		problem.WriteRetryable(w, r, http.StatusConflict, problem.Type("ledger/conflict"), err.Error(), time.Second)
	case errors.Is(err, service.ErrInvalidSignature):
		RespondError(w, r, http.StatusUnauthorized, "webhook/invalid-signature", "Invalid signature")
	case domain.IsFatal(err):
		RespondError(w, r, http.StatusInternalServerError, "ledger/integrity-failure", "Operation aborted by a ledger integrity check")
	default:
		if status, pType, msg, ok := mapDBError(err); ok {
			RespondError(w, r, status, pType, msg)
			return
		}
		zap.L().Error(operation+" failed", zap.Error(err), zap.String("trace_id", middleware.TraceIDFromContext(r.Context())))
		RespondError(w, r, http.StatusInternalServerError, "ledger/"+operation+"-failed", "Internal error")
	}
}

func mapDBError(err error) (status int, problemType, message string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return 0, "", "", false
	}

	switch pgErr.Code {
	case "23505": // unique_violation
		return http.StatusConflict, "db/unique-violation", "resource already exists", true
	case "23503": // foreign_key_violation
		return http.StatusBadRequest, "db/foreign-key-violation", "invalid reference", true
	case "23514": // check_violation
		return http.StatusBadRequest, "db/check-violation", "request violates data constraints", true
	case "23502": // not_null_violation
		return http.StatusBadRequest, "db/not-null-violation", "missing required field", true
	default:
		return 0, "", "", false
	}
}
