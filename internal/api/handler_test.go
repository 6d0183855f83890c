package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ayo6706/token-ledger/internal/api"
	"github.com/ayo6706/token-ledger/internal/api/middleware"
	"github.com/ayo6706/token-ledger/internal/config"
	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/gateway"
	"github.com/ayo6706/token-ledger/internal/repository/memory"
	"github.com/ayo6706/token-ledger/internal/service"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testJWTSecret   = "test-secret-0123456789-test-secret"
	testJWTIssuer   = "token-ledger-test"
	testJWTAudience = "ledger-api-test"
	testWebhookKey  = "whsec-test"
	testUnit        = "TOKEN"
)

type testAPI struct {
	handler http.Handler
	ledger  *service.Ledger
	sys     service.SystemAccounts
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memory.NewStore(500 * time.Millisecond)
	ledger := service.NewLedger(store, service.WithRetry(3, time.Millisecond))
	sys, err := ledger.EnsureSystemAccounts(context.Background(), testUnit, 1_000_000)
	require.NoError(t, err)

	cfg := &config.Config{
		HTTPPort:           "0",
		JWTSecret:          testJWTSecret,
		JWTIssuer:          testJWTIssuer,
		JWTAudience:        testJWTAudience,
		WebhookHMACKey:     testWebhookKey,
		PublicRateLimitRPS: 1000,
		AuthRateLimitRPS:   1000,
	}
	router := api.NewRouter(cfg, zap.NewNop(), api.Deps{
		Store:          store,
		Ledger:         ledger,
		Payouts:        service.NewPayoutService(ledger, gateway.NewMockGateway()),
		Purchases:      service.NewPurchaseService(ledger, testWebhookKey, false),
		Reconciliation: service.NewReconciliationService(store),
	})
	return &testAPI{handler: router.Routes(), ledger: ledger, sys: sys}
}

func tokenFor(userID uuid.UUID, role string) string {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID.String(),
		"role":    role,
		"iss":     testJWTIssuer,
		"aud":     testJWTAudience,
		"sub":     userID.String(),
		"iat":     now.Unix(),
		"nbf":     now.Add(-30 * time.Second).Unix(),
		"exp":     now.Add(time.Hour).Unix(),
	})
	tokenString, _ := token.SignedString(middleware.JWTSecret())
	return tokenString
}

type call struct {
	method  string
	path    string
	body    any
	token   string
	headers map[string]string
}

func (a *testAPI) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

// fundedUser opens an account for a fresh owner and credits it from the treasury.
func (a *testAPI) fundedUser(t *testing.T, funds int64) (uuid.UUID, domain.Account) {
	t.Helper()
	owner := uuid.New()
	acct, err := a.ledger.GetOrCreateAccount(context.Background(), owner, domain.AccountTypeUser, testUnit)
	require.NoError(t, err)
	if funds > 0 {
		_, err = a.ledger.Transfer(context.Background(), service.TransferRequest{
			FromAccountID: a.sys[domain.AccountTypeTreasury].ID,
			ToAccountID:   acct.ID,
			Amount:        funds,
			RefType:       domain.RefTypePurchase,
			RefID:         uuid.NewString(),
		})
		require.NoError(t, err)
	}
	return owner, acct
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestRFC7807ProblemDetails(t *testing.T) {
	a := setupAPI(t)

	accountID := uuid.New().String()
	w := a.do(t, call{method: http.MethodGet, path: "/v1/accounts/" + accountID})

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "application/problem+json")

	body := decode[map[string]any](t, w)
	assert.NotEmpty(t, body["type"])
	assert.Equal(t, float64(http.StatusUnauthorized), body["status"])
	assert.NotEmpty(t, body["title"])
	assert.NotEmpty(t, body["detail"])
	assert.Equal(t, "/v1/accounts/"+accountID, body["instance"])
	assert.NotEmpty(t, body["request_id"])
}

func TestHealthEndpoints(t *testing.T) {
	a := setupAPI(t)

	assert.Equal(t, http.StatusOK, a.do(t, call{method: http.MethodGet, path: "/health/live"}).Code)
	assert.Equal(t, http.StatusOK, a.do(t, call{method: http.MethodGet, path: "/health/ready"}).Code)

	w := a.do(t, call{method: http.MethodGet, path: "/openapi.yaml"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Token Ledger API")
}

func TestCreateAccountRequiresPrivilegedRole(t *testing.T) {
	a := setupAPI(t)
	owner := uuid.New()
	body := map[string]any{"owner_id": owner, "unit": "token"}

	cases := []struct {
		name   string
		token  string
		status int
	}{
		{name: "user", token: tokenFor(owner, middleware.RoleUser), status: http.StatusForbidden},
		{name: "service", token: tokenFor(uuid.New(), middleware.RoleService), status: http.StatusCreated},
		{name: "admin_returns_existing", token: tokenFor(uuid.New(), middleware.RoleAdmin), status: http.StatusCreated},
	}

	var firstID string
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := a.do(t, call{method: http.MethodPost, path: "/v1/accounts", body: body, token: tc.token})
			require.Equal(t, tc.status, w.Code, w.Body.String())
			if w.Code != http.StatusCreated {
				return
			}
			acct := decode[map[string]any](t, w)
			assert.Equal(t, testUnit, acct["unit"])
			assert.Equal(t, "0 TOKEN", acct["display_total"])
			if firstID == "" {
				firstID = acct["id"].(string)
			}
			assert.Equal(t, firstID, acct["id"])
		})
	}
}

func TestCreateAccountValidation(t *testing.T) {
	a := setupAPI(t)
	token := tokenFor(uuid.New(), middleware.RoleService)

	for name, body := range map[string]any{
		"missing_owner": map[string]any{"unit": testUnit},
		"bad_type":      map[string]any{"owner_id": uuid.New(), "unit": testUnit, "type": "treasury"},
		"unknown_field": map[string]any{"owner_id": uuid.New(), "unit": testUnit, "balance": 100},
	} {
		t.Run(name, func(t *testing.T) {
			w := a.do(t, call{method: http.MethodPost, path: "/v1/accounts", body: body, token: token})
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestGetAccountOwnership(t *testing.T) {
	a := setupAPI(t)
	owner, acct := a.fundedUser(t, 250)
	path := "/v1/accounts/" + acct.ID.String()

	w := a.do(t, call{method: http.MethodGet, path: path, token: tokenFor(owner, middleware.RoleUser)})
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[map[string]any](t, w)
	assert.Equal(t, float64(250), view["available_balance"])

	w = a.do(t, call{method: http.MethodGet, path: path, token: tokenFor(uuid.New(), middleware.RoleUser)})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, call{method: http.MethodGet, path: "/v1/accounts/" + uuid.NewString(), token: tokenFor(owner, middleware.RoleAdmin)})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(t, call{method: http.MethodGet, path: path + "/entries?limit=10", token: tokenFor(owner, middleware.RoleUser)})
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[map[string]any](t, w)
	assert.Equal(t, float64(1), page["count"])
}

func TestTransferEndpoint(t *testing.T) {
	a := setupAPI(t)
	fanOwner, fan := a.fundedUser(t, 500)
	_, creator := a.fundedUser(t, 0)
	token := tokenFor(fanOwner, middleware.RoleUser)
	body := map[string]any{
		"from_account_id": fan.ID,
		"to_account_id":   creator.ID,
		"amount":          120,
		"ref_type":        domain.RefTypeTip,
		"ref_id":          "stream-42",
	}
	key := map[string]string{"Idempotency-Key": "tip-1"}

	w := a.do(t, call{method: http.MethodPost, path: "/v1/transfers", body: body, token: token})
	assert.Equal(t, http.StatusBadRequest, w.Code, "idempotency key required")

	w = a.do(t, call{method: http.MethodPost, path: "/v1/transfers", body: body, token: token, headers: key})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[service.TransferResult](t, w)
	assert.Equal(t, int64(380), first.FromBalance)
	assert.Equal(t, int64(120), first.ToBalance)

	w = a.do(t, call{method: http.MethodPost, path: "/v1/transfers", body: body, token: token, headers: key})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Idempotent-Replay"))
	assert.Equal(t, first.JournalID, decode[service.TransferResult](t, w).JournalID)

	stranger := tokenFor(uuid.New(), middleware.RoleUser)
	w = a.do(t, call{method: http.MethodPost, path: "/v1/transfers", body: body, token: stranger, headers: map[string]string{"Idempotency-Key": "steal"}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	body["amount"] = 10_000
	w = a.do(t, call{method: http.MethodPost, path: "/v1/transfers", body: body, token: token, headers: map[string]string{"Idempotency-Key": "too-much"}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, decode[map[string]any](t, w)["type"], "ledger/insufficient-balance")

	acct, err := a.ledger.GetAccount(context.Background(), fan.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(380), acct.TotalBalance)
}

func TestTransferIdempotencyKeyIsPerCaller(t *testing.T) {
	a := setupAPI(t)
	aliceOwner, alice := a.fundedUser(t, 100)
	bobOwner, bob := a.fundedUser(t, 100)
	transfer := func(owner uuid.UUID, from, to domain.Account, key string) *httptest.ResponseRecorder {
		return a.do(t, call{method: http.MethodPost, path: "/v1/transfers", token: tokenFor(owner, middleware.RoleUser),
			headers: map[string]string{"Idempotency-Key": key},
			body: map[string]any{
				"from_account_id": from.ID,
				"to_account_id":   to.ID,
				"amount":          25,
				"ref_type":        domain.RefTypeTip,
				"ref_id":          "tip-7",
			}})
	}

	w := transfer(aliceOwner, alice, bob, "k-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[service.TransferResult](t, w)
	assert.Equal(t, domain.ClientKey(aliceOwner.String(), "k-1"), first.Journal.IdempotencyKey)

	w = transfer(bobOwner, bob, alice, "k-1")
	require.Equal(t, http.StatusCreated, w.Code, "the same key from another caller is a new transfer")
	assert.Empty(t, w.Header().Get("X-Idempotent-Replay"))
	assert.NotEqual(t, first.JournalID, decode[service.TransferResult](t, w).JournalID)

	// Keys the ledger derives internally are not reachable from the API.
	w = transfer(aliceOwner, alice, bob, domain.KeyPrefixCapture+uuid.NewString())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.True(t, strings.HasPrefix(decode[service.TransferResult](t, w).Journal.IdempotencyKey, domain.KeyPrefixClient))

	acct, err := a.ledger.GetAccount(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(75), acct.TotalBalance)
}

func TestHoldIdempotencyKeyIsPerCaller(t *testing.T) {
	a := setupAPI(t)
	_, fan := a.fundedUser(t, 300)
	_, creator := a.fundedUser(t, 0)
	body := map[string]any{
		"account_id":             fan.ID,
		"destination_account_id": creator.ID,
		"amount":                 50,
		"ref_type":               domain.RefTypeSessionCharge,
		"ref_id":                 "session-3",
	}

	first := a.do(t, call{method: http.MethodPost, path: "/v1/holds", token: tokenFor(uuid.New(), middleware.RoleService), body: body})
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := a.do(t, call{method: http.MethodPost, path: "/v1/holds", token: tokenFor(uuid.New(), middleware.RoleService), body: body})
	require.Equal(t, http.StatusCreated, second.Code, "another caller does not replay the first caller's hold")
	assert.NotEqual(t, decode[domain.PendingTransaction](t, first).ID, decode[domain.PendingTransaction](t, second).ID)

	acct, err := a.ledger.GetAccount(context.Background(), fan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Balance{Total: 300, Available: 200, Pending: 100}, acct.Balance())
}

func TestHoldCaptureEndpoints(t *testing.T) {
	a := setupAPI(t)
	_, fan := a.fundedUser(t, 300)
	_, creator := a.fundedUser(t, 0)
	svc := tokenFor(uuid.New(), middleware.RoleService)

	w := a.do(t, call{method: http.MethodPost, path: "/v1/holds", token: tokenFor(uuid.New(), middleware.RoleUser), body: map[string]any{}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, call{method: http.MethodPost, path: "/v1/holds", token: svc, body: map[string]any{
		"account_id":             fan.ID,
		"destination_account_id": creator.ID,
		"amount":                 200,
		"ref_type":               domain.RefTypeSessionCharge,
		"ref_id":                 "session-9",
	}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	pending := decode[domain.PendingTransaction](t, w)
	assert.Equal(t, domain.PendingStatusPending, pending.Status)

	w = a.do(t, call{method: http.MethodPost, path: "/v1/holds/" + pending.ID.String() + "/capture", token: svc})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[map[string]any](t, w)
	assert.Equal(t, true, res["applied"])
	assert.NotNil(t, res["journal"])

	w = a.do(t, call{method: http.MethodPost, path: "/v1/holds/" + pending.ID.String() + "/release", token: svc, body: map[string]any{"reason": "late"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["applied"])

	acct, err := a.ledger.GetAccount(context.Background(), creator.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), acct.AvailableBalance)
}

func TestJournalReverseEndpoint(t *testing.T) {
	a := setupAPI(t)
	owner, fan := a.fundedUser(t, 100)
	_, creator := a.fundedUser(t, 0)

	res, err := a.ledger.Transfer(context.Background(), service.TransferRequest{
		FromAccountID: fan.ID, ToAccountID: creator.ID, Amount: 40, RefType: domain.RefTypeTip, RefID: "tip-9",
	})
	require.NoError(t, err)
	path := "/v1/journals/" + res.JournalID.String()

	w := a.do(t, call{method: http.MethodGet, path: path, token: tokenFor(owner, middleware.RoleUser)})
	require.Equal(t, http.StatusOK, w.Code)
	w = a.do(t, call{method: http.MethodGet, path: path, token: tokenFor(uuid.New(), middleware.RoleUser)})
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin := tokenFor(uuid.New(), middleware.RoleAdmin)
	w = a.do(t, call{method: http.MethodPost, path: path + "/reverse", token: tokenFor(owner, middleware.RoleUser), body: map[string]any{"reason": "oops"}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, call{method: http.MethodPost, path: path + "/reverse", token: admin, body: map[string]any{"reason": "chargeback"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	reversal := decode[domain.Journal](t, w)
	require.NotNil(t, reversal.ReversalOf)
	assert.Equal(t, res.JournalID, *reversal.ReversalOf)

	w = a.do(t, call{method: http.MethodPost, path: path + "/reverse", token: admin, body: map[string]any{"reason": "chargeback"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, reversal.ID, decode[domain.Journal](t, w).ID)
}

func TestPaymentWebhook(t *testing.T) {
	a := setupAPI(t)
	_, fan := a.fundedUser(t, 0)
	payload, err := json.Marshal(service.PaymentEvent{
		EventID:   "evt_1",
		Type:      service.PaymentEventSucceeded,
		AccountID: fan.ID.String(),
		Amount:    999,
		Unit:      testUnit,
	})
	require.NoError(t, err)

	post := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payments", bytes.NewReader(payload))
		req.Header.Set("X-Webhook-Signature", sig)
		w := httptest.NewRecorder()
		a.handler.ServeHTTP(w, req)
		return w
	}

	w := post("sha256=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	sig := service.Sign([]byte(testWebhookKey), payload)
	w = post(sig)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = post(sig)
	require.Equal(t, http.StatusOK, w.Code)

	acct, err := a.ledger.GetAccount(context.Background(), fan.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(999), acct.TotalBalance, "redelivery credits once")
}

func TestPayoutEndpoints(t *testing.T) {
	a := setupAPI(t)
	owner, creator := a.fundedUser(t, 1_000)
	token := tokenFor(owner, middleware.RoleUser)
	body := map[string]any{"account_id": creator.ID, "amount": 600, "destination": "bank_tok_1"}

	w := a.do(t, call{method: http.MethodPost, path: "/v1/payouts", body: body, token: tokenFor(uuid.New(), middleware.RoleUser), headers: map[string]string{"Idempotency-Key": "p1"}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, call{method: http.MethodPost, path: "/v1/payouts", body: body, token: token, headers: map[string]string{"Idempotency-Key": "p1"}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[service.PayoutResponse](t, w)
	assert.Equal(t, domain.PendingStatusPending, resp.Status)

	w = a.do(t, call{method: http.MethodGet, path: "/v1/payouts/" + resp.PayoutID.String(), token: token})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(600), decode[domain.PendingTransaction](t, w).Amount)

	acct, err := a.ledger.GetAccount(context.Background(), creator.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Balance{Total: 1_000, Available: 400, Pending: 600}, acct.Balance())
}

func TestReconciliationEndpoint(t *testing.T) {
	a := setupAPI(t)
	a.fundedUser(t, 50)

	w := a.do(t, call{method: http.MethodPost, path: "/v1/reconciliation/run", token: tokenFor(uuid.New(), middleware.RoleService)})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, call{method: http.MethodPost, path: "/v1/reconciliation/run?full=true", token: tokenFor(uuid.New(), middleware.RoleAdmin)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.Equal(t, false, body["drift"])
}
