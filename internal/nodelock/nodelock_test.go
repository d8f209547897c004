package nodelock

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Accelize/drm-sub000/internal/controller"
	"github.com/Accelize/drm-sub000/internal/wsadapter"
)

const testDNA = "cafed00d"
const testProductID = "accelize/drm/test/1.0"

func newTestDriver(t *testing.T, nodeLocked bool) controller.Driver {
	t.Helper()
	port := controller.NewSimulatedPort(controller.SimulatedConfig{
		HDK:          controller.HDKVersion{Major: 4, Minor: 2, Patch: 0},
		DNA:          testDNA,
		ProductID:    testProductID,
		VLNVs:        []string{"accelize:drm:ip0:1.0"},
		MailboxWords: 16,
		NumIPs:       1,
		FreqVersion:  0x60DC0DE1,
		FreqCounter:  1000,
		FreqAxiClk:   2000,
		NodeLocked:   nodeLocked,
	})
	d, err := controller.NewSoftware(port)
	require.NoError(t, err)
	return d
}

func newTestWS(t *testing.T, entitlementHandler http.HandlerFunc) *wsadapter.Client {
	t.Helper()
	tokSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "T1", "token_type": "bearer", "expires_in": 3600})
	}))
	t.Cleanup(tokSrv.Close)
	apiSrv := httptest.NewServer(entitlementHandler)
	t.Cleanup(apiSrv.Close)
	return wsadapter.New(wsadapter.Config{TokenURL: tokSrv.URL, BaseURL: apiSrv.URL, ProductID: testProductID}, http.DefaultClient, nil)
}

func writeEntitlementResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(wsadapter.EntitlementResponse{
		ID: "ENT1",
		DRMConfig: wsadapter.DRMConfig{
			LicensePeriodSecond: 0,
			License: map[string]wsadapter.LicenseEntry{
				testDNA: {Key: "4C4943454E5345", Timer: "54494D4552"},
			},
		},
	})
}

func TestActivateBootstrapsFromReqFile(t *testing.T) {
	dir := t.TempDir()
	var createCalls int
	ws := newTestWS(t, func(w http.ResponseWriter, r *http.Request) {
		createCalls++
		require.Equal(t, http.MethodPost, r.Method)
		writeEntitlementResponse(w)
	})
	driver := newTestDriver(t, true)

	req := wsadapter.EntitlementRequest{DNA: testDNA}
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	reqPath := filepath.Join(dir, basename(testProductID, testDNA)+".req")
	require.NoError(t, os.WriteFile(reqPath, raw, 0o644))

	lic, err := Activate(context.Background(), Params{
		Driver:         driver,
		WS:             ws,
		Dir:            dir,
		ProductID:      testProductID,
		DNA:            testDNA,
		APIRetryBudget: 2 * time.Second,
		RetrySleep:     50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, "ENT1", lic.EntitlementID)
	require.Equal(t, 1, createCalls)

	licPath := filepath.Join(dir, basename(testProductID, testDNA)+".lic")
	_, err = os.Stat(licPath)
	require.NoError(t, err, "successful bootstrap should persist a .lic file")
}

func TestActivateInstallsFromExistingLicFile(t *testing.T) {
	dir := t.TempDir()
	var createCalls int
	ws := newTestWS(t, func(w http.ResponseWriter, r *http.Request) {
		createCalls++
		writeEntitlementResponse(w)
	})
	driver := newTestDriver(t, true)

	resp := wsadapter.EntitlementResponse{
		ID: "ENT2",
		DRMConfig: wsadapter.DRMConfig{
			License: map[string]wsadapter.LicenseEntry{
				testDNA: {Key: "4C4943454E5345", Timer: "54494D4552"},
			},
		},
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	licPath := filepath.Join(dir, basename(testProductID, testDNA)+".lic")
	require.NoError(t, os.WriteFile(licPath, raw, 0o644))

	lic, err := Activate(context.Background(), Params{
		Driver:    driver,
		WS:        ws,
		Dir:       dir,
		ProductID: testProductID,
		DNA:       testDNA,
	})
	require.NoError(t, err)
	require.Equal(t, "ENT2", lic.EntitlementID)
	require.Equal(t, 0, createCalls, "an existing .lic must not trigger a new entitlement session request")
}

func TestActivateFailsOnControllerModeMismatch(t *testing.T) {
	dir := t.TempDir()
	ws := newTestWS(t, func(w http.ResponseWriter, r *http.Request) { writeEntitlementResponse(w) })
	driver := newTestDriver(t, false) // controller settles into floating, not node-locked

	resp := wsadapter.EntitlementResponse{
		ID: "ENT3",
		DRMConfig: wsadapter.DRMConfig{
			License: map[string]wsadapter.LicenseEntry{
				testDNA: {Key: "4C4943454E5345", Timer: "54494D4552"},
			},
		},
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	licPath := filepath.Join(dir, basename(testProductID, testDNA)+".lic")
	require.NoError(t, os.WriteFile(licPath, raw, 0o644))

	_, err = Activate(context.Background(), Params{
		Driver:    driver,
		WS:        ws,
		Dir:       dir,
		ProductID: testProductID,
		DNA:       testDNA,
	})
	require.Error(t, err)
}

func TestActivateBootstrapsFromEmptyDir(t *testing.T) {
	dir := t.TempDir()
	var createCalls int
	ws := newTestWS(t, func(w http.ResponseWriter, r *http.Request) {
		createCalls++
		require.Equal(t, http.MethodPost, r.Method)
		writeEntitlementResponse(w)
	})
	driver := newTestDriver(t, true)

	lic, err := Activate(context.Background(), Params{
		Driver:         driver,
		WS:             ws,
		Dir:            dir,
		ProductID:      testProductID,
		DNA:            testDNA,
		APIRetryBudget: 2 * time.Second,
		RetrySleep:     50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, "ENT1", lic.EntitlementID)
	require.Equal(t, 1, createCalls)

	reqPath := filepath.Join(dir, basename(testProductID, testDNA)+".req")
	_, err = os.Stat(reqPath)
	require.NoError(t, err, "bootstrapping from an empty directory should generate a .req file")

	licPath := filepath.Join(dir, basename(testProductID, testDNA)+".lic")
	_, err = os.Stat(licPath)
	require.NoError(t, err, "successful bootstrap should persist a .lic file")
}

func TestBasenameIsStableAndFilenameSafe(t *testing.T) {
	a := basename(testProductID, testDNA)
	b := basename(testProductID, testDNA)
	require.Equal(t, a, b)
	require.NotContains(t, a, "/")
	require.NotEmpty(t, a)
}
