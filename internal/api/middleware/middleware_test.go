package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(UserRoleFromContext(r.Context())))
}

func TestTraceMiddlewareReusesUpstreamID(t *testing.T) {
	h := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(TraceIDFromContext(r.Context())))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Body.String())
	assert.Equal(t, "req-42", w.Header().Get("X-Trace-ID"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Trace-ID", strings.Repeat("x", maxTraceIDLen+1))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	_, err := uuid.Parse(w.Body.String())
	assert.NoError(t, err, "oversized ids are replaced")
}

func TestAuthMiddlewareClaims(t *testing.T) {
	SetJWTSecret(testSecret)
	SetJWTValidation("", "")
	h := AuthMiddleware(http.HandlerFunc(okHandler))
	exp := time.Now().Add(time.Hour).Unix()
	id := uuid.NewString()

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer abc", http.StatusUnauthorized},
		{"non-uuid caller", "Bearer " + signed(t, jwt.MapClaims{"user_id": "alice", "role": RoleUser, "exp": exp}), http.StatusUnauthorized},
		{"unknown role", "Bearer " + signed(t, jwt.MapClaims{"user_id": id, "role": "root", "exp": exp}), http.StatusUnauthorized},
		{"subject mismatch", "Bearer " + signed(t, jwt.MapClaims{"user_id": id, "sub": uuid.NewString(), "role": RoleUser, "exp": exp}), http.StatusUnauthorized},
		{"valid", "Bearer " + signed(t, jwt.MapClaims{"user_id": id, "sub": id, "role": RoleService, "exp": exp}), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/accounts", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, RoleService, w.Body.String())
				return
			}
			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.True(t, strings.HasPrefix(body["code"].(string), "auth/"))
		})
	}
}

func TestRequireRole(t *testing.T) {
	SetJWTSecret(testSecret)
	SetJWTValidation("", "")
	h := AuthMiddleware(RequireRole(RoleAdmin)(http.HandlerFunc(okHandler)))
	exp := time.Now().Add(time.Hour).Unix()

	for role, status := range map[string]int{RoleAdmin: http.StatusOK, RoleService: http.StatusForbidden, RoleUser: http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodPost, "/v1/reconciliation/run", nil)
		req.Header.Set("Authorization", "Bearer "+signed(t, jwt.MapClaims{"user_id": uuid.NewString(), "role": role, "exp": exp}))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, status, w.Code, role)
	}
}

func TestPublicRateLimiterSetsRetryAfter(t *testing.T) {
	h := PublicRateLimiter(1)(http.HandlerFunc(okHandler))

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payments", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		last = httptest.NewRecorder()
		h.ServeHTTP(last, req)
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "1", last.Header().Get("Retry-After"))
	assert.Equal(t, "application/problem+json", last.Header().Get("Content-Type"))
}

func TestRecoverMiddlewareReturnsProblem(t *testing.T) {
	h := RecoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/journals/x", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}
