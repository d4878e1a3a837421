package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranch-cloud/rcc-ledger/internal/service/accounts"
	"github.com/ranch-cloud/rcc-ledger/internal/service/grants"
	"github.com/ranch-cloud/rcc-ledger/internal/service/reservation"
	"github.com/ranch-cloud/rcc-ledger/internal/service/wallet"
	"github.com/ranch-cloud/rcc-ledger/internal/storage"
	"github.com/ranch-cloud/rcc-ledger/pkg/models"
)

const testWebhookSecret = "test-webhook-secret"

type testServer struct {
	server *Server
	db     *storage.DB
	ledger *storage.LedgerStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	ledger := storage.NewLedgerStore(db)
	tasks := storage.NewTaskStore(db)
	payments := storage.NewPaymentStore(db)
	accountStore := storage.NewAccountStore(db)

	srv := New(
		reservation.New(db, ledger, tasks),
		wallet.New(ledger, payments),
		grants.New(db, ledger, payments, accountStore),
		accounts.New(accountStore),
		WithWebhookSecret(testWebhookSecret),
	)
	srv.SetReady(true)

	return &testServer{server: srv, db: db, ledger: ledger}
}

// register creates an account through the API and returns it with its
// bearer token
func (ts *testServer) register(t *testing.T, email string) (*models.Account, string) {
	t.Helper()

	w := ts.request(t, http.MethodPost, "/api/v1/accounts",
		map[string]any{"email": email}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp RegisterAccountResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Account, fmt.Sprintf("%s.%s", resp.Account.ID, resp.APIKey)
}

func (ts *testServer) promote(t *testing.T, accountID string) {
	t.Helper()
	require.NoError(t, storage.NewAccountStore(ts.db).SetAdmin(context.Background(), accountID, true))
}

func (ts *testServer) grant(t *testing.T, accountID string, credits int64) {
	t.Helper()
	require.NoError(t, ts.ledger.Append(context.Background(), &models.LedgerEntry{
		AccountID: accountID,
		Delta:     credits,
		Reason:    models.ReasonSubscriptionGrant,
	}))
}

func (ts *testServer) request(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(w, req)
	return w
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func webhookHeader() map[string]string {
	return map[string]string{"X-Webhook-Secret": testWebhookSecret}
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	ts.server.SetReady(false)
	w = ts.request(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_Ready(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	ts.server.SetReady(false)
	w = ts.request(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_RegisterAccount(t *testing.T) {
	ts := newTestServer(t)

	account, _ := ts.register(t, "user@example.com")
	assert.Equal(t, "user@example.com", account.Email)
	assert.False(t, account.IsAdmin)

	// Duplicate email
	w := ts.request(t, http.MethodPost, "/api/v1/accounts",
		map[string]any{"email": "user@example.com"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Invalid email
	w = ts.request(t, http.MethodPost, "/api/v1/accounts",
		map[string]any{"email": "not-an-email"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_AuthRequired(t *testing.T) {
	ts := newTestServer(t)
	account, _ := ts.register(t, "user@example.com")

	// No header at all
	w := ts.request(t, http.MethodGet, "/api/v1/wallet/balance", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Wrong key
	w = ts.request(t, http.MethodGet, "/api/v1/wallet/balance", nil,
		authHeader(account.ID+".rcc_wrongkey"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Malformed token
	w = ts.request(t, http.MethodGet, "/api/v1/wallet/balance", nil,
		authHeader("garbage"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_PaymentWebhook(t *testing.T) {
	ts := newTestServer(t)
	account, token := ts.register(t, "user@example.com")

	event := map[string]any{
		"event_id":     "evt_1",
		"account_id":   account.ID,
		"grant_type":   "topup",
		"credits":      50,
		"amount_cents": 999,
	}

	w := ts.request(t, http.MethodPost, "/api/v1/webhooks/payment", event, webhookHeader())
	require.Equal(t, http.StatusOK, w.Code)

	var resp PaymentWebhookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Applied)

	// Balance is visible to the account
	w = ts.request(t, http.MethodGet, "/api/v1/wallet/balance", nil, authHeader(token))
	require.Equal(t, http.StatusOK, w.Code)
	var balance BalanceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balance))
	assert.Equal(t, int64(50), balance.Balance)
}

func TestServer_PaymentWebhook_Replay(t *testing.T) {
	ts := newTestServer(t)
	account, _ := ts.register(t, "user@example.com")

	event := map[string]any{
		"event_id":   "evt_replay",
		"account_id": account.ID,
		"grant_type": "subscription",
		"credits":    20,
	}

	w := ts.request(t, http.MethodPost, "/api/v1/webhooks/payment", event, webhookHeader())
	require.Equal(t, http.StatusOK, w.Code)

	// Replay still answers 200 so the provider stops retrying, but
	// nothing is applied
	w = ts.request(t, http.MethodPost, "/api/v1/webhooks/payment", event, webhookHeader())
	require.Equal(t, http.StatusOK, w.Code)

	var resp PaymentWebhookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Applied)

	balance, err := ts.ledger.BalanceOf(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)
}

func TestServer_PaymentWebhook_BadSecret(t *testing.T) {
	ts := newTestServer(t)
	account, _ := ts.register(t, "user@example.com")

	event := map[string]any{
		"event_id":   "evt_x",
		"account_id": account.ID,
		"grant_type": "topup",
		"credits":    10,
	}

	w := ts.request(t, http.MethodPost, "/api/v1/webhooks/payment", event,
		map[string]string{"X-Webhook-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.request(t, http.MethodPost, "/api/v1/webhooks/payment", event, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_PaymentWebhook_Validation(t *testing.T) {
	ts := newTestServer(t)

	// Unknown grant type fails binding
	w := ts.request(t, http.MethodPost, "/api/v1/webhooks/payment", map[string]any{
		"event_id":   "evt_x",
		"account_id": "some-account",
		"grant_type": "refund",
		"credits":    10,
	}, webhookHeader())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown account is a 404
	w = ts.request(t, http.MethodPost, "/api/v1/webhooks/payment", map[string]any{
		"event_id":   "evt_x",
		"account_id": "nonexistent",
		"grant_type": "topup",
		"credits":    10,
	}, webhookHeader())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_CreateTask(t *testing.T) {
	ts := newTestServer(t)
	account, token := ts.register(t, "user@example.com")
	ts.grant(t, account.ID, 10)

	w := ts.request(t, http.MethodPost, "/api/v1/tasks",
		map[string]any{"kind": "VIDEO"}, authHeader(token))
	require.Equal(t, http.StatusCreated, w.Code)

	var task models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, models.KindVideo, task.Kind)
	assert.Equal(t, int64(5), task.Cost)
	assert.Equal(t, models.TaskCreated, task.Status)
}

func TestServer_CreateTask_InsufficientBalance(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.register(t, "user@example.com")

	w := ts.request(t, http.MethodPost, "/api/v1/tasks",
		map[string]any{"kind": "IMAGE"}, authHeader(token))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

func TestServer_CreateTask_BadKind(t *testing.T) {
	ts := newTestServer(t)
	account, token := ts.register(t, "user@example.com")
	ts.grant(t, account.ID, 10)

	w := ts.request(t, http.MethodPost, "/api/v1/tasks",
		map[string]any{"kind": "AUDIO"}, authHeader(token))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_CreateTask_BypassRequiresAdmin(t *testing.T) {
	ts := newTestServer(t)
	account, token := ts.register(t, "user@example.com")

	w := ts.request(t, http.MethodPost, "/api/v1/tasks",
		map[string]any{"kind": "VIDEO", "admin_bypass": true}, authHeader(token))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Promoted, the same request goes through at zero cost
	ts.promote(t, account.ID)
	w = ts.request(t, http.MethodPost, "/api/v1/tasks",
		map[string]any{"kind": "VIDEO", "admin_bypass": true}, authHeader(token))
	require.Equal(t, http.StatusCreated, w.Code)

	var task models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.True(t, task.AdminBypass)
	assert.Equal(t, int64(0), task.Cost)
}

func TestServer_CreateTask_AdminAlwaysBypasses(t *testing.T) {
	ts := newTestServer(t)
	account, token := ts.register(t, "admin@example.com")
	ts.promote(t, account.ID)
	ts.grant(t, account.ID, 10)

	// No bypass flag in the request; admin status alone is enough
	w := ts.request(t, http.MethodPost, "/api/v1/tasks",
		map[string]any{"kind": "IMAGE"}, authHeader(token))
	require.Equal(t, http.StatusCreated, w.Code)

	var task models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.True(t, task.AdminBypass)
	assert.Equal(t, int64(0), task.Cost)

	balance, err := ts.ledger.BalanceOf(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance, "admin task must not change balance")
}

func TestServer_CreateTask_AdminBypassesAtZeroBalance(t *testing.T) {
	ts := newTestServer(t)
	account, token := ts.register(t, "admin@example.com")
	ts.promote(t, account.ID)

	w := ts.request(t, http.MethodPost, "/api/v1/tasks",
		map[string]any{"kind": "VIDEO"}, authHeader(token))
	require.Equal(t, http.StatusCreated, w.Code)

	var task models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, int64(0), task.Cost)

	balance, err := ts.ledger.BalanceOf(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestServer_TaskStatusFlow(t *testing.T) {
	ts := newTestServer(t)
	account, token := ts.register(t, "user@example.com")
	ts.grant(t, account.ID, 10)

	w := ts.request(t, http.MethodPost, "/api/v1/tasks",
		map[string]any{"kind": "VIDEO"}, authHeader(token))
	require.Equal(t, http.StatusCreated, w.Code)
	var task models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))

	w = ts.request(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/status",
		map[string]any{"status": "running"}, authHeader(token))
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.request(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/status",
		map[string]any{"status": "failed"}, authHeader(token))
	assert.Equal(t, http.StatusOK, w.Code)

	// Refund landed
	balance, err := ts.ledger.BalanceOf(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)

	// Repeating the terminal transition conflicts
	w = ts.request(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/status",
		map[string]any{"status": "failed"}, authHeader(token))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestServer_TaskStatus_InvalidTransition(t *testing.T) {
	ts := newTestServer(t)
	account, token := ts.register(t, "user@example.com")
	ts.grant(t, account.ID, 10)

	w := ts.request(t, http.MethodPost, "/api/v1/tasks",
		map[string]any{"kind": "IMAGE"}, authHeader(token))
	require.Equal(t, http.StatusCreated, w.Code)
	var task models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))

	// created -> succeeded skips running
	w = ts.request(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/status",
		map[string]any{"status": "succeeded"}, authHeader(token))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestServer_Task_OwnershipHidden(t *testing.T) {
	ts := newTestServer(t)
	owner, ownerToken := ts.register(t, "owner@example.com")
	_, otherToken := ts.register(t, "other@example.com")
	ts.grant(t, owner.ID, 10)

	w := ts.request(t, http.MethodPost, "/api/v1/tasks",
		map[string]any{"kind": "IMAGE"}, authHeader(ownerToken))
	require.Equal(t, http.StatusCreated, w.Code)
	var task models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))

	// Someone else's task reads as not found
	w = ts.request(t, http.MethodGet, "/api/v1/tasks/"+task.ID, nil, authHeader(otherToken))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.request(t, http.MethodGet, "/api/v1/tasks/"+task.ID, nil, authHeader(ownerToken))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_WalletHistory(t *testing.T) {
	ts := newTestServer(t)
	account, token := ts.register(t, "user@example.com")
	ts.grant(t, account.ID, 20)
	ts.grant(t, account.ID, 30)

	w := ts.request(t, http.MethodGet, "/api/v1/wallet/history", nil, authHeader(token))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Entries []models.LedgerEntry `json:"entries"`
		Count   int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	// Bad limit is rejected
	w = ts.request(t, http.MethodGet, "/api/v1/wallet/history?limit=bogus", nil, authHeader(token))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_AdminAdjust(t *testing.T) {
	ts := newTestServer(t)
	admin, adminToken := ts.register(t, "admin@example.com")
	user, userToken := ts.register(t, "user@example.com")
	ts.promote(t, admin.ID)

	body := map[string]any{"account_id": user.ID, "delta": 25, "note": "support comp"}

	// Non-admin is refused before the handler runs
	w := ts.request(t, http.MethodPost, "/api/v1/admin/adjust", body, authHeader(userToken))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.request(t, http.MethodPost, "/api/v1/admin/adjust", body, authHeader(adminToken))
	require.Equal(t, http.StatusCreated, w.Code)

	balance, err := ts.ledger.BalanceOf(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance)
}

func TestServer_AdminStats(t *testing.T) {
	ts := newTestServer(t)
	admin, adminToken := ts.register(t, "admin@example.com")
	ts.promote(t, admin.ID)
	ts.grant(t, admin.ID, 20)

	w := ts.request(t, http.MethodGet, "/api/v1/admin/stats", nil, authHeader(adminToken))
	require.Equal(t, http.StatusOK, w.Code)

	var stats map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, float64(20), stats["outstanding_credits"])
	assert.Equal(t, float64(1), stats["accounts"])
}

func TestServer_RequestIDPropagation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodGet, "/health", nil,
		map[string]string{"X-Request-ID": "my-request-42"})
	assert.Equal(t, "my-request-42", w.Header().Get("X-Request-ID"))

	// Invalid IDs get replaced rather than echoed
	w = ts.request(t, http.MethodGet, "/health", nil,
		map[string]string{"X-Request-ID": "bad id with spaces"})
	assert.NotEqual(t, "bad id with spaces", w.Header().Get("X-Request-ID"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
