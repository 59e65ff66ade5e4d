package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gearbase/gearbase/internal/api/middleware"
	"github.com/gearbase/gearbase/internal/auth"
	"github.com/gearbase/gearbase/internal/conflict"
	"github.com/gearbase/gearbase/internal/license"
	"github.com/gearbase/gearbase/internal/models"
	"github.com/gearbase/gearbase/internal/ratelimit"
	"github.com/gearbase/gearbase/internal/syncer"
	"github.com/gearbase/gearbase/internal/tokens"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCompleter struct {
	text string
	err  error
}

func (s *stubCompleter) Complete(_ context.Context, _ models.TokenType, prompt string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.text + prompt, nil
}

// testServer wires the handlers over in-memory stores.
type testServer struct {
	engine    *gin.Engine
	licenses  *license.MemoryStore
	authority *syncer.MemoryAuthority
	tokens    *tokens.MemoryStore
	completer *stubCompleter
	orgID     uuid.UUID
	admin     *auth.Principal
	member    *auth.Principal
	secret    string
}

func newTestServer(t *testing.T, plan license.Plan) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		licenses:  license.NewMemoryStore(),
		authority: syncer.NewMemoryAuthority(),
		tokens:    tokens.NewMemoryStore(),
		completer: &stubCompleter{text: "ok: "},
		orgID:     uuid.New(),
		secret:    "whsec_test",
	}
	ts.admin = &auth.Principal{UserID: uuid.New(), OrganizationID: ts.orgID, Role: models.UserRoleAdmin}
	ts.member = &auth.Principal{UserID: uuid.New(), OrganizationID: ts.orgID, Role: models.UserRoleMember}

	rec := &license.Record{ID: uuid.New(), OrganizationID: ts.orgID, Plan: plan, BillingStatus: license.BillingActive}
	ts.licenses.Add(ts.admin.UserID, rec)
	ts.licenses.Add(ts.member.UserID, rec)

	logger := zerolog.Nop()
	svc := license.NewService(license.ServiceConfig{Store: ts.licenses, MinAppVersion: "1.2.0", Logger: logger})
	limiter, err := ratelimit.NewMemory(ratelimit.Rate{Limit: 100, Window: time.Minute})
	require.NoError(t, err)
	ledger := tokens.NewLedger(tokens.LedgerConfig{
		Store:   ts.tokens,
		Gate:    svc,
		Limiter: limiter,
		Config:  tokens.DefaultConfig(),
		Logger:  logger,
	})
	reconciler := syncer.NewReconciler(ts.authority, conflict.DefaultPolicy(), nil, logger)

	r := gin.New()
	NewBillingHandler(svc, ts.secret, nil, logger).RegisterPublicRoutes(r)

	api := r.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		switch c.GetHeader("X-Test-User") {
		case "admin":
			c.Set(string(middleware.PrincipalContextKey), ts.admin)
		case "member":
			c.Set(string(middleware.PrincipalContextKey), ts.member)
		}
		c.Next()
	})
	NewSyncHandler(reconciler, svc, 3, nil, logger).RegisterRoutes(api)
	NewLicenseHandler(svc, nil, logger).RegisterRoutes(api)
	NewTokensHandler(ledger, logger).RegisterRoutes(api)
	NewAssistHandler(ledger, ts.completer, logger).RegisterRoutes(api)

	ts.engine = r
	return ts
}

func (ts *testServer) do(method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		json.NewEncoder(&buf).Encode(b)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func (ts *testServer) delinquentFor(days int) {
	since := time.Now().Add(-time.Duration(days)*24*time.Hour - time.Hour)
	ts.licenses.UpdateBilling(context.Background(), ts.orgID, func(r *license.Record) bool {
		r.BillingStatus = license.BillingPastDue
		r.DelinquentSince = &since
		return true
	})
}

func insertEntry(table, id string, values models.Values) *models.ChangeEntry {
	return &models.ChangeEntry{
		ID:         uuid.New(),
		TableName:  table,
		Operation:  models.OperationInsert,
		RecordID:   id,
		NewValues:  values,
		CreatedAt:  time.Now(),
		SyncStatus: models.SyncStatusPending,
	}
}

func TestSyncHandler(t *testing.T) {
	t.Run("requires authentication", func(t *testing.T) {
		ts := newTestServer(t, license.PlanPro)
		w := ts.do("POST", "/api/v1/sync", "", syncer.SyncRequest{})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		ts := newTestServer(t, license.PlanPro)
		w := ts.do("POST", "/api/v1/sync", "member", `{"changes": "nope"`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing changes", func(t *testing.T) {
		ts := newTestServer(t, license.PlanPro)
		w := ts.do("POST", "/api/v1/sync", "member", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("batch over limit", func(t *testing.T) {
		ts := newTestServer(t, license.PlanPro)
		changes := make([]*models.ChangeEntry, 4)
		for i := range changes {
			changes[i] = insertEntry("clients", uuid.NewString(), models.Values{"name": "c"})
		}
		w := ts.do("POST", "/api/v1/sync", "member", syncer.SyncRequest{Changes: changes})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("partial failure is reported in band", func(t *testing.T) {
		ts := newTestServer(t, license.PlanPro)
		good := insertEntry("clients", "c1", models.Values{"name": "Ada"})
		bad := insertEntry("users", "u1", models.Values{"name": "root"})

		w := ts.do("POST", "/api/v1/sync", "member", syncer.SyncRequest{Changes: []*models.ChangeEntry{good, bad}})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp syncer.SyncResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.False(t, resp.Success)
		assert.Equal(t, 1, resp.Synced)
		assert.Equal(t, 1, resp.Failed)
		require.Len(t, resp.Errors, 1)
		assert.Equal(t, bad.ID, resp.Errors[0].ChangeID)

		rec, err := ts.authority.FetchRecord(context.Background(), ts.orgID, "clients", "c1")
		require.NoError(t, err)
		assert.Equal(t, "Ada", rec.Values["name"])
	})

	t.Run("replayed batch is idempotent", func(t *testing.T) {
		ts := newTestServer(t, license.PlanPro)
		entry := insertEntry("jobs", "j1", models.Values{"title": "Load-in"})
		body := syncer.SyncRequest{Changes: []*models.ChangeEntry{entry}}

		for i := 0; i < 2; i++ {
			w := ts.do("POST", "/api/v1/sync", "member", body)
			require.Equal(t, http.StatusOK, w.Code)
			var resp syncer.SyncResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.True(t, resp.Success)
			assert.Equal(t, 1, resp.Synced)
		}
	})

	t.Run("starter plan cannot sync", func(t *testing.T) {
		ts := newTestServer(t, license.PlanStarter)
		w := ts.do("POST", "/api/v1/sync", "member", syncer.SyncRequest{Changes: []*models.ChangeEntry{}})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("limited license cannot sync", func(t *testing.T) {
		ts := newTestServer(t, license.PlanPro)
		ts.delinquentFor(8)

		w := ts.do("POST", "/api/v1/sync", "member", syncer.SyncRequest{Changes: []*models.ChangeEntry{}})
		require.Equal(t, http.StatusForbidden, w.Code)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Contains(t, resp.Error, "billing")
	})
}

func TestLicenseHandler_Verify(t *testing.T) {
	ts := newTestServer(t, license.PlanPro)
	ts.delinquentFor(3)

	w := ts.do("POST", "/api/v1/license/verify", "member", license.VerifyRequest{DeviceID: "tablet-1", AppVersion: "1.0.0"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp license.VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, license.StatusWarning, resp.Status)
	assert.Equal(t, 12, resp.GracePeriod.DaysRemaining)
	assert.True(t, resp.SyncEnabled)
	assert.True(t, resp.UpdateRequired)
	assert.Len(t, ts.licenses.Devices(), 1)

	w = ts.do("POST", "/api/v1/license/verify", "member", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do("POST", "/api/v1/license/verify", "member", license.VerifyRequest{DeviceID: "tablet-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "app_version is required")
	assert.Len(t, ts.licenses.Devices(), 1)

	w = ts.do("POST", "/api/v1/license/verify", "", license.VerifyRequest{DeviceID: "x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	ts.member.UserID = uuid.New()
	w = ts.do("POST", "/api/v1/license/verify", "member", license.VerifyRequest{DeviceID: "tablet-2", AppVersion: "1.0.0"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func signedBillingRequest(ts *testServer, payload any, secret string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", "/api/v1/billing/events", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, Sign([]byte(secret), body))
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func TestBillingHandler(t *testing.T) {
	t.Run("payment failure starts grace period", func(t *testing.T) {
		ts := newTestServer(t, license.PlanPro)
		w := signedBillingRequest(ts, BillingWebhook{
			ID: "evt_1", Type: BillingPaymentFailed, OrganizationID: ts.orgID, OccurredAt: time.Now(),
		}, ts.secret)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		rec, err := ts.licenses.GetLicenseByOrganization(context.Background(), ts.orgID)
		require.NoError(t, err)
		assert.Equal(t, license.BillingPastDue, rec.BillingStatus)
		assert.NotNil(t, rec.DelinquentSince)
	})

	t.Run("payment success restores access", func(t *testing.T) {
		ts := newTestServer(t, license.PlanPro)
		ts.delinquentFor(16)
		w := ts.do("POST", "/api/v1/sync", "member", syncer.SyncRequest{Changes: []*models.ChangeEntry{}})
		require.Equal(t, http.StatusForbidden, w.Code)

		w = signedBillingRequest(ts, BillingWebhook{
			ID: "evt_2", Type: BillingPaymentSucceeded, OrganizationID: ts.orgID, OccurredAt: time.Now(),
		}, ts.secret)
		require.Equal(t, http.StatusOK, w.Code)

		w = ts.do("POST", "/api/v1/sync", "member", syncer.SyncRequest{Changes: []*models.ChangeEntry{}})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("bad signature", func(t *testing.T) {
		ts := newTestServer(t, license.PlanPro)
		w := signedBillingRequest(ts, BillingWebhook{Type: BillingPaymentSucceeded, OrganizationID: ts.orgID}, "wrong")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown type", func(t *testing.T) {
		ts := newTestServer(t, license.PlanPro)
		w := signedBillingRequest(ts, BillingWebhook{Type: "refund_issued", OrganizationID: ts.orgID}, ts.secret)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown organization", func(t *testing.T) {
		ts := newTestServer(t, license.PlanPro)
		w := signedBillingRequest(ts, BillingWebhook{Type: BillingPaymentFailed, OrganizationID: uuid.New()}, ts.secret)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("secret not configured", func(t *testing.T) {
		gin.SetMode(gin.TestMode)
		r := gin.New()
		NewBillingHandler(nil, "", nil, zerolog.Nop()).RegisterPublicRoutes(r)
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", "/api/v1/billing/events", bytes.NewReader([]byte(`{}`)))
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestBillingWebhook_Normalize(t *testing.T) {
	tests := []struct {
		name    string
		hook    BillingWebhook
		want    license.BillingStatus
		wantErr bool
	}{
		{"succeeded", BillingWebhook{Type: BillingPaymentSucceeded}, license.BillingActive, false},
		{"failed", BillingWebhook{Type: BillingPaymentFailed}, license.BillingPastDue, false},
		{"updated", BillingWebhook{Type: BillingSubscriptionUpdated, SubscriptionStatus: "unpaid"}, license.BillingUnpaid, false},
		{"updated without status", BillingWebhook{Type: BillingSubscriptionUpdated}, "", true},
		{"bad plan", BillingWebhook{Type: BillingPaymentSucceeded, Plan: "platinum"}, "", true},
		{"unknown type", BillingWebhook{Type: "chargeback"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := tt.hook.Normalize()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Status)
		})
	}
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"type":"payment_succeeded"}`)
	sig := Sign(secret, body)

	assert.True(t, VerifySignature(secret, body, sig))
	assert.True(t, VerifySignature(secret, body, sig[len("sha256="):]))
	assert.False(t, VerifySignature(secret, []byte(`{}`), sig))
	assert.False(t, VerifySignature(secret, body, ""))
	assert.False(t, VerifySignature(secret, body, "sha256=zz"))
}

func TestTokensHandler(t *testing.T) {
	ts := newTestServer(t, license.PlanPro)

	w := ts.do("GET", "/api/v1/tokens/ai_completion", "member", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do("GET", "/api/v1/tokens/gold", "member", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do("POST", "/api/v1/tokens/ai_completion/grant", "member", GrantRequest{Amount: 100})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do("POST", "/api/v1/tokens/ai_completion/grant", "admin", GrantRequest{Amount: 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do("POST", "/api/v1/tokens/ai_completion/grant", "admin", GrantRequest{Amount: 100, Reason: "monthly allowance"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do("GET", "/api/v1/tokens/ai_completion", "member", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var acct models.TokenAccount
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acct))
	assert.Equal(t, int64(100), acct.Balance)
	assert.Equal(t, int64(100), acct.TotalAllocated)
}

func TestAssistHandler(t *testing.T) {
	t.Run("charges on success", func(t *testing.T) {
		ts := newTestServer(t, license.PlanPro)
		_, err := ts.tokens.Grant(context.Background(), ts.orgID, models.TokenTypeAICompletion, 20)
		require.NoError(t, err)

		w := ts.do("POST", "/api/v1/assist/ai_completion", "member", AssistRequest{Prompt: "crew call", Tokens: 5})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp AssistResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ok: crew call", resp.Text)
		assert.Equal(t, int64(15), resp.Balance)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		ts := newTestServer(t, license.PlanPro)
		_, err := ts.tokens.Grant(context.Background(), ts.orgID, models.TokenTypeAICompletion, 2)
		require.NoError(t, err)

		w := ts.do("POST", "/api/v1/assist/ai_completion", "member", AssistRequest{Prompt: "x", Tokens: 5})
		assert.Equal(t, http.StatusPaymentRequired, w.Code)
	})

	t.Run("over request cap", func(t *testing.T) {
		ts := newTestServer(t, license.PlanPro)
		_, err := ts.tokens.Grant(context.Background(), ts.orgID, models.TokenTypeAICompletion, 1000)
		require.NoError(t, err)

		w := ts.do("POST", "/api/v1/assist/ai_completion", "member", AssistRequest{Prompt: "x", Tokens: 51})
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})

	t.Run("refunds when upstream fails", func(t *testing.T) {
		ts := newTestServer(t, license.PlanPro)
		_, err := ts.tokens.Grant(context.Background(), ts.orgID, models.TokenTypeDocumentScan, 10)
		require.NoError(t, err)
		ts.completer.err = errors.New("upstream 502")

		w := ts.do("POST", "/api/v1/assist/document_scan", "member", AssistRequest{Prompt: "invoice.pdf", Tokens: 4})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		acct, err := ts.tokens.GetAccount(context.Background(), ts.orgID, models.TokenTypeDocumentScan)
		require.NoError(t, err)
		assert.Equal(t, int64(10), acct.Balance)
		assert.True(t, acct.Consistent())
	})

	t.Run("restricted license is denied", func(t *testing.T) {
		ts := newTestServer(t, license.PlanPro)
		ts.delinquentFor(20)
		_, err := ts.tokens.Grant(context.Background(), ts.orgID, models.TokenTypeAICompletion, 10)
		require.NoError(t, err)

		w := ts.do("POST", "/api/v1/assist/ai_completion", "member", AssistRequest{Prompt: "x", Tokens: 1})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}
