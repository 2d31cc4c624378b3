package access

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/ehr-access/pkg/config"
	"github.com/medrex/ehr-access/pkg/logger"
	"github.com/medrex/ehr-access/pkg/rbac"
)

func newTestHandler(t *testing.T, f *fixture, limiter *RateLimiter) *Handler {
	t.Helper()
	return NewHandler(f.service, HandlerOptions{Limiter: limiter}, logger.NewNop())
}

func do(h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", "ward-terminal/1.0")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandleAccess_StatusMapping(t *testing.T) {
	f := newFixture(t, config.AccessConfig{EnableEmergencyOverride: true})
	h := newTestHandler(t, f, nil)

	tests := []struct {
		name     string
		token    string
		path     string
		body     string
		status   int
		category string
	}{
		{
			name:     "hospital mismatch",
			token:    f.token(t, f.doctor),
			path:     "/api/v1/access/patient_record/rec-h2/read",
			status:   http.StatusForbidden,
			category: "forbidden",
		},
		{
			name:     "not assigned without justification",
			token:    f.token(t, f.nurse),
			path:     "/api/v1/access/patient_record/rec-h1/read",
			status:   http.StatusForbidden,
			category: "forbidden",
		},
		{
			name:     "short justification",
			token:    f.token(t, f.nurse),
			path:     "/api/v1/access/patient_record/rec-h1/read",
			body:     `{"justification":"urgent"}`,
			status:   http.StatusBadRequest,
			category: "bad_request",
		},
		{
			name:     "no credential",
			path:     "/api/v1/access/patient_record/rec-h1/read",
			status:   http.StatusUnauthorized,
			category: "unauthorized",
		},
		{
			name:     "unknown resource",
			token:    f.token(t, f.doctor),
			path:     "/api/v1/access/patient_record/rec-missing/read",
			status:   http.StatusNotFound,
			category: "not_found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, http.MethodPost, tt.path, tt.token, tt.body)
			require.Equal(t, tt.status, rec.Code)

			body := decodeError(t, rec)
			assert.Equal(t, tt.category, body["error"])
			assert.NotEmpty(t, body["decision_id"])
			// reasons stay in the audit trail
			assert.Len(t, body, 2)

			stored := f.stored(t, body["decision_id"].(string))
			assert.Equal(t, rbac.OutcomeDeny, stored.Outcome)
		})
	}
}

func TestHandleAccess_BreakGlassGranted(t *testing.T) {
	f := newFixture(t, config.AccessConfig{EnableEmergencyOverride: true})
	h := newTestHandler(t, f, nil)

	rec := do(h, http.MethodPost, "/api/v1/access/patient_record/rec-h1/read", f.token(t, f.nurse),
		`{"justification":"`+emergencyJustification+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp decisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, rbac.OutcomeEmergencyAllow, resp.Outcome)
	assert.True(t, resp.IsBreakGlass)
	assert.NotNil(t, resp.GrantExpiresAt)

	stored := f.stored(t, resp.DecisionID)
	assert.Equal(t, "ward-terminal/1.0", stored.UserAgent)
	assert.NotEmpty(t, stored.NetworkOrigin)
}

func TestHandleAccess_AnonymousAudited(t *testing.T) {
	f := newFixture(t, config.AccessConfig{})
	h := newTestHandler(t, f, nil)

	rec := do(h, http.MethodPost, "/api/v1/access/patient_record/rec-h1/read", "garbage", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	body := decodeError(t, rec)
	stored := f.stored(t, body["decision_id"].(string))
	assert.Equal(t, rbac.AnonymousPrincipal, stored.PrincipalID)
}

func newTrustedHandler(t *testing.T, f *fixture, proxies ...string) *Handler {
	t.Helper()
	nets, err := config.ServerConfig{TrustedProxies: proxies}.TrustedProxyNets()
	require.NoError(t, err)
	return NewHandler(f.service, HandlerOptions{TrustedProxies: nets}, logger.NewNop())
}

func withMFAHeader(method, path, token string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(headerMFA, "true")
	return req
}

func TestHandleAccess_ForgedMFAHeaderIgnored(t *testing.T) {
	f := newFixture(t, config.AccessConfig{})
	h := newTestHandler(t, f, nil)
	token := f.token(t, f.doctor)
	path := "/api/v1/access/patient_record/rec-h1/update"

	rec := do(h, http.MethodPost, path, token, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	forged := httptest.NewRecorder()
	h.ServeHTTP(forged, withMFAHeader(http.MethodPost, path, token))
	assert.Equal(t, http.StatusForbidden, forged.Code)
	stored := f.stored(t, decodeError(t, forged)["decision_id"].(string))
	assert.Equal(t, "mfa required", stored.DenialReason)
}

func TestHandleAccess_MFAHeaderFromTrustedProxy(t *testing.T) {
	f := newFixture(t, config.AccessConfig{})
	token := f.token(t, f.doctor)
	path := "/api/v1/access/patient_record/rec-h1/update"

	// httptest requests arrive from 192.0.2.1
	untrusted := newTrustedHandler(t, f, "198.51.100.0/24")
	rec := httptest.NewRecorder()
	untrusted.ServeHTTP(rec, withMFAHeader(http.MethodPost, path, token))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	trusted := newTrustedHandler(t, f, "192.0.2.1")
	rec = httptest.NewRecorder()
	trusted.ServeHTTP(rec, withMFAHeader(http.MethodPost, path, token))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleAccess_MFAClaim(t *testing.T) {
	f := newFixture(t, config.AccessConfig{})
	h := newTestHandler(t, f, nil)

	rec := do(h, http.MethodPost, "/api/v1/access/patient_record/rec-h1/update", f.mfaToken(t, f.doctor), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleLogin_MFAFromTrustedProxy(t *testing.T) {
	f := newFixture(t, config.AccessConfig{})
	trusted := newTrustedHandler(t, f, "192.0.2.0/24")
	login := `{"username":"doctor","password":"doctor-password-123"}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(login))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerMFA, "true")
	rec := httptest.NewRecorder()
	trusted.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var tok map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))

	// the claim travels with the token, so a direct request needs no header
	h := newTestHandler(t, f, nil)
	rec = do(h, http.MethodPost, "/api/v1/access/patient_record/rec-h1/update", tok["access_token"].(string), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(login))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerMFA, "true")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))

	rec = do(h, http.MethodPost, "/api/v1/access/patient_record/rec-h1/update", tok["access_token"].(string), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleLogin(t *testing.T) {
	f := newFixture(t, config.AccessConfig{})
	h := newTestHandler(t, f, nil)

	rec := do(h, http.MethodPost, "/api/v1/auth/login", "", `{"username":"doctor","password":"doctor-password-123"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var tok map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	require.NotEmpty(t, tok["access_token"])

	rec = do(h, http.MethodPost, "/api/v1/access/patient_record/rec-h1/read", tok["access_token"].(string), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodPost, "/api/v1/auth/login", "", `{"username":"doctor","password":"wrong-password-000"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec)["error"])
}

func TestHandleAudit_AdminOnly(t *testing.T) {
	f := newFixture(t, config.AccessConfig{})
	h := newTestHandler(t, f, nil)

	do(h, http.MethodPost, "/api/v1/access/patient_record/rec-h1/read", f.token(t, f.doctor), "")

	rec := do(h, http.MethodGet, "/api/v1/audit/decisions", f.token(t, f.doctor), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(h, http.MethodGet, "/api/v1/audit/decisions?resourceType=patient_record&status=Allow", f.token(t, f.admin), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var page rbac.AuditPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, 1, page.Total)
	assert.Equal(t, f.doctor.ID, page.Decisions[0].PrincipalID)

	rec = do(h, http.MethodGet, "/api/v1/audit/decisions/"+page.Decisions[0].ID, f.token(t, f.admin), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodGet, "/api/v1/audit/decisions?status=Maybe", f.token(t, f.admin), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleExport(t *testing.T) {
	f := newFixture(t, config.AccessConfig{})
	h := newTestHandler(t, f, nil)

	do(h, http.MethodPost, "/api/v1/access/patient_record/rec-h1/read", f.token(t, f.doctor), "")

	rec := do(h, http.MethodGet, "/api/v1/audit/export?resourceType=patient_record", f.token(t, f.admin), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Timestamp,Principal,Action,ResourceType,Status,NetworkOrigin", lines[0])
	assert.Contains(t, lines[1], f.doctor.ID)
}

func TestHandleSummary(t *testing.T) {
	f := newFixture(t, config.AccessConfig{})
	h := newTestHandler(t, f, nil)

	do(h, http.MethodPost, "/api/v1/access/patient_record/rec-h1/read", f.token(t, f.doctor), "")
	do(h, http.MethodPost, "/api/v1/access/patient_record/rec-h2/read", f.token(t, f.doctor), "")

	rec := do(h, http.MethodGet, "/api/v1/audit/summary", f.token(t, f.admin), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary rbac.ComplianceSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	// two record reads plus the summary read itself
	assert.Equal(t, 3, summary.TotalDecisions)
	assert.Equal(t, 2, summary.Allowed)
	assert.Equal(t, 1, summary.Denied)
	assert.Equal(t, 2, summary.UniquePrincipals)

	today := time.Now().UTC().Format(time.DateOnly)
	rec = do(h, http.MethodGet, "/api/v1/audit/summary?startDate="+today+"&endDate="+today, f.token(t, f.admin), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	// the earlier summary read is now included as well
	assert.Equal(t, 4, summary.TotalDecisions)

	rec = do(h, http.MethodGet, "/api/v1/audit/summary?startDate=2026-02-01&endDate=2026-01-01", f.token(t, f.admin), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseTime_DateOnlyEndCoversDay(t *testing.T) {
	start, err := parseTime("2026-03-01", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), start)

	end, err := parseTime("2026-03-01", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 23, 59, 59, 999999000, time.UTC), end)

	exact, err := parseTime("2026-03-01T12:30:00+02:00", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC), exact)

	_, err = parseTime("03/01/2026", true)
	assert.Error(t, err)
}

func TestParseFilter_DateOnlyEnd(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/decisions?startDate=2026-03-01&endDate=2026-03-01", nil)
	filter, err := parseFilter(req)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), filter.StartDate)
	assert.Equal(t, time.Date(2026, 3, 1, 23, 59, 59, 999999000, time.UTC), filter.EndDate)
}

func TestHandleRemediate(t *testing.T) {
	f := newFixture(t, config.AccessConfig{EnableEmergencyOverride: true})
	h := newTestHandler(t, f, nil)

	rec := do(h, http.MethodPost, "/api/v1/access/patient_record/rec-h1/read", f.token(t, f.nurse),
		`{"justification":"`+emergencyJustification+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var granted decisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &granted))

	rec = do(h, http.MethodGet, "/api/v1/reviews", f.token(t, f.admin), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), granted.DecisionID)

	body := func(reason string) string {
		b, _ := json.Marshal(rbac.RemediationRequest{
			TargetPrincipalID:     f.nurse.ID,
			Kind:                  rbac.RemediationWarn,
			Reason:                reason,
			OriginatingDecisionID: granted.DecisionID,
		})
		return string(b)
	}

	rec = do(h, http.MethodPost, "/api/v1/remediations", f.mfaToken(t, f.admin), body("too short"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/api/v1/remediations", f.token(t, f.nurse), body("break-glass use without clinical need"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotEmpty(t, decodeError(t, rec)["decision_id"])

	rec = do(h, http.MethodPost, "/api/v1/remediations", f.token(t, f.admin), body("break-glass use without clinical need"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(h, http.MethodPost, "/api/v1/remediations", f.mfaToken(t, f.admin), body("break-glass use without clinical need"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var action rbac.RemediationAction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &action))
	assert.Equal(t, granted.DecisionID, action.OriginatingDecisionID)
	assert.Equal(t, f.admin.ID, action.AdministratorID)

	rec = do(h, http.MethodGet, "/api/v1/remediations?decisionId="+granted.DecisionID, f.token(t, f.admin), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), action.ID)

	rec = do(h, http.MethodGet, "/api/v1/remediations", f.token(t, f.admin), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	pending, err := f.reviews.Pending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRateLimitMiddleware(t *testing.T) {
	f := newFixture(t, config.AccessConfig{})
	h := newTestHandler(t, f, NewRateLimiter(1, 2))

	for i := 0; i < 2; i++ {
		rec := do(h, http.MethodPost, "/api/v1/access/patient_record/rec-h1/read", "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := do(h, http.MethodPost, "/api/v1/access/patient_record/rec-h1/read", "", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"rate_limited"}`, rec.Body.String())

	health := do(h, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	f := newFixture(t, config.AccessConfig{})
	h := newTestHandler(t, f, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(headerRequestID, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get(headerRequestID))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = do(h, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))
}

func TestClientIP(t *testing.T) {
	f := newFixture(t, config.AccessConfig{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	direct := newTestHandler(t, f, nil)
	assert.Equal(t, "192.0.2.10", direct.clientIP(req))

	proxied := newTrustedHandler(t, f, "192.0.2.10", "10.0.0.0/8")
	assert.Equal(t, "203.0.113.7", proxied.clientIP(req))

	// a client-supplied hop left of an untrusted one is not believed
	req.Header.Set("X-Forwarded-For", "198.51.100.9, 203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", proxied.clientIP(req))

	req.Header.Set("X-Forwarded-For", "not-an-ip, 10.0.0.1")
	assert.Equal(t, "192.0.2.10", proxied.clientIP(req))

	req.Header.Set("X-Forwarded-For", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", proxied.clientIP(req))
}
