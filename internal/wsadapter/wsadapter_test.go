package wsadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Accelize/drm-sub000/internal/drmerrors"
)

func tokenHandler(t *testing.T, expiresIn int) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "T1",
			"token_type":   "bearer",
			"expires_in":   expiresIn,
		})
	}
}

func newTestServer(t *testing.T, tokenExpiresIn int, entitlement http.HandlerFunc) (*httptest.Server, *httptest.Server) {
	t.Helper()
	tokenSrv := httptest.NewServer(tokenHandler(t, tokenExpiresIn))
	t.Cleanup(tokenSrv.Close)
	apiSrv := httptest.NewServer(entitlement)
	t.Cleanup(apiSrv.Close)
	return tokenSrv, apiSrv
}

func TestCreateEntitlementSessionHappyPath(t *testing.T) {
	tokenSrv, apiSrv := newTestServer(t, 3600, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/customer/product/PID/entitlement_session", r.URL.Path)
		require.Equal(t, "Bearer T1", r.Header.Get("Authorization"))
		var req EntitlementRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "0123456789ABCDEF0123456789ABCDEF", req.DNA)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(EntitlementResponse{
			ID: "E1",
			DRMConfig: DRMConfig{
				LicensePeriodSecond: 30,
				DRMSessionID:        "SESSION0000000AA",
				License: map[string]LicenseEntry{
					"0123456789ABCDEF0123456789ABCDEF": {Key: "KEY0", Timer: "TIMER0"},
				},
			},
		})
	})

	c := New(Config{TokenURL: tokenSrv.URL, BaseURL: apiSrv.URL, ProductID: "PID"}, http.DefaultClient, nil)
	var resp EntitlementResponse
	req := EntitlementRequest{DNA: "0123456789ABCDEF0123456789ABCDEF", SaaSChallenge: "chal", MeteringFile: "meter"}
	err := BoundedBudget(context.Background(), nil, "test.create", 5*time.Second, 10*time.Millisecond, c.CreateAttempt("PID", req, &resp))
	require.NoError(t, err)
	require.Equal(t, "E1", resp.ID)
	require.Equal(t, "SESSION0000000AA", resp.DRMConfig.DRMSessionID)
	require.Equal(t, "KEY0", resp.DRMConfig.License["0123456789ABCDEF0123456789ABCDEF"].Key)
}

func TestTokenMarginHalvesWhenValidityBelowDefault(t *testing.T) {
	tokenSrv, apiSrv := newTestServer(t, 10, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(EntitlementResponse{ID: "E1"})
	})
	c := New(Config{TokenURL: tokenSrv.URL, BaseURL: apiSrv.URL}, http.DefaultClient, nil)
	require.NoError(t, c.ensureToken(context.Background()))
	tok := c.CurrentToken()
	require.Equal(t, 10*time.Second, tok.Validity)
	require.Equal(t, 5*time.Second, tok.Margin)
}

func TestUpdateEntitlementSessionRetriesThenSucceeds(t *testing.T) {
	var calls int32
	tokenSrv, apiSrv := newTestServer(t, 3600, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(EntitlementResponse{DRMConfig: DRMConfig{LicensePeriodSecond: 30}})
	})
	c := New(Config{TokenURL: tokenSrv.URL, BaseURL: apiSrv.URL}, http.DefaultClient, nil)
	var resp EntitlementResponse
	req := IsHealthBody(EntitlementRequest{MeteringFile: "meter"})
	err := BoundedBudget(context.Background(), nil, "test.update", time.Second, 5*time.Millisecond, c.UpdateAttempt("S1", req, &resp))
	require.NoError(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestUpdateEntitlementSessionFatalClientErrorDoesNotRetry(t *testing.T) {
	var calls int32
	tokenSrv, apiSrv := newTestServer(t, 3600, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})
	c := New(Config{TokenURL: tokenSrv.URL, BaseURL: apiSrv.URL}, http.DefaultClient, nil)
	var resp EntitlementResponse
	err := BoundedBudget(context.Background(), nil, "test.update", time.Second, 5*time.Millisecond, c.UpdateAttempt("S1", EntitlementRequest{}, &resp))
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBoundedBudgetExhaustionReturnsTimedOut(t *testing.T) {
	tokenSrv, apiSrv := newTestServer(t, 3600, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := New(Config{TokenURL: tokenSrv.URL, BaseURL: apiSrv.URL}, http.DefaultClient, nil)
	var resp EntitlementResponse
	err := BoundedBudget(context.Background(), nil, "test.create", 30*time.Millisecond, 10*time.Millisecond, c.CreateAttempt("PID", EntitlementRequest{}, &resp))
	require.Error(t, err)
	require.False(t, IsRetryable(err))
	require.Equal(t, drmerrors.KindWSTimedOut, drmerrors.KindOf(err))
}

func TestTwoTierSwitchesToShortNearDeadline(t *testing.T) {
	tokenSrv, apiSrv := newTestServer(t, 3600, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := New(Config{TokenURL: tokenSrv.URL, BaseURL: apiSrv.URL}, http.DefaultClient, nil)
	var resp EntitlementResponse
	deadline := time.Now().Add(25 * time.Millisecond)
	err := TwoTier(context.Background(), nil, "test.renew", deadline, 10*time.Second, 5*time.Millisecond, c.UpdateAttempt("S1", EntitlementRequest{}, &resp))
	require.Error(t, err)
	require.Equal(t, drmerrors.KindWSTimedOut, drmerrors.KindOf(err))
}

func TestClassifyStatus(t *testing.T) {
	require.Equal(t, "ws-may-retry", ClassifyStatus(503).String())
	require.Equal(t, "ws-may-retry", ClassifyStatus(429).String())
	require.Equal(t, "ws-request-error", ClassifyStatus(404).String())
	require.Equal(t, "ws-error", ClassifyStatus(501).String())
}
