package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Accelize/drm-sub000/internal/controller"
	"github.com/Accelize/drm-sub000/internal/drmconfig"
	"github.com/Accelize/drm-sub000/internal/drmlog"
	"github.com/Accelize/drm-sub000/internal/params"
	"github.com/Accelize/drm-sub000/internal/regaccess"
	"github.com/Accelize/drm-sub000/internal/wsadapter"
	"github.com/rs/zerolog"
)

const testDNA = "cafed00d"
const testProductID = "accelize/drm/test/1.0"

func newTestDriver(t *testing.T) (controller.Driver, regaccess.Port) {
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
	})
	d, err := controller.NewSoftware(port)
	require.NoError(t, err)
	return d, port
}

// licenseServer is an httptest.Server that answers create/update/health/close
// entitlement requests for exactly one DNA with a fixed license period.
type licenseServer struct {
	srv          *httptest.Server
	createCalls  int32
	updateCalls  int32
	closeCalls   int32
}

func newLicenseServer(t *testing.T, dna string, licensePeriodSec int) *licenseServer {
	t.Helper()
	ls := &licenseServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/customer/product/"+testProductID+"/entitlement_session", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ls.createCalls, 1)
		writeEntitlement(w, dna, licensePeriodSec, "SESSION1")
	})
	mux.HandleFunc("/customer/entitlement_session/", func(w http.ResponseWriter, r *http.Request) {
		var req wsadapter.EntitlementRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.IsClosed != nil && *req.IsClosed {
			atomic.AddInt32(&ls.closeCalls, 1)
			_ = json.NewEncoder(w).Encode(wsadapter.EntitlementResponse{})
			return
		}
		atomic.AddInt32(&ls.updateCalls, 1)
		writeEntitlement(w, dna, licensePeriodSec, "SESSION1")
	})
	ls.srv = httptest.NewServer(mux)
	t.Cleanup(ls.srv.Close)
	return ls
}

func writeEntitlement(w http.ResponseWriter, dna string, licensePeriodSec int, sessionID string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(wsadapter.EntitlementResponse{
		ID: "ENT1",
		DRMConfig: wsadapter.DRMConfig{
			LicensePeriodSecond: licensePeriodSec,
			DRMSessionID:        sessionID,
			License: map[string]wsadapter.LicenseEntry{
				dna: {Key: "4C4943454E5345", Timer: "54494D4552"},
			},
		},
	})
}

func tokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "T1", "token_type": "bearer", "expires_in": 3600})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestEngine(t *testing.T, ls *licenseServer) *Engine {
	t.Helper()
	driver, port := newTestDriver(t)
	tokSrv := tokenServer(t)
	ws := wsadapter.New(wsadapter.Config{TokenURL: tokSrv.URL, BaseURL: ls.srv.URL, ProductID: testProductID}, http.DefaultClient, nil)
	log, err := drmlog.New(zerolog.Disabled, drmlog.FileConfig{Mode: drmlog.FileModeNone}, zerolog.Disabled)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	e, err := New(Config{
		Driver: driver,
		Port:   port,
		WS:     ws,
		Log:    log,
		Settings: drmconfig.Settings{
			WSRetryPeriodLongSec:  2,
			WSRetryPeriodShortSec: 1,
			WSAPIRetryDurationSec: 5,
			FrequencyDetectionThreshold: 10,
			FrequencyDetectionPeriodMS:  1,
		},
		DRM: drmconfig.DRM{FrequencyMHz: 100, BypassFrequencyDetection: true},
	})
	require.NoError(t, err)
	return e
}

func TestActivateDeactivateFloatingHappyPath(t *testing.T) {
	ls := newLicenseServer(t, testDNA, 3600)
	e := newTestEngine(t, ls)

	ctx := context.Background()
	require.NoError(t, e.Activate(ctx))
	require.EqualValues(t, 1, atomic.LoadInt32(&ls.createCalls))

	values, err := e.Get([]params.Key{params.KeySessionID, params.KeySessionRunning})
	require.NoError(t, err)
	require.Equal(t, "SESSION1", values[params.KeySessionID])
	require.Equal(t, true, values[params.KeySessionRunning])

	require.NoError(t, e.Deactivate(ctx))
	require.EqualValues(t, 1, atomic.LoadInt32(&ls.closeCalls))

	values, err = e.Get([]params.Key{params.KeySessionID})
	require.NoError(t, err)
	require.Equal(t, "", values[params.KeySessionID])
}

func TestCloseIsBestEffortWhenSecurityStopSet(t *testing.T) {
	ls := newLicenseServer(t, testDNA, 3600)
	e := newTestEngine(t, ls)

	require.NoError(t, e.Activate(context.Background()))
	require.NoError(t, e.Close())
	require.EqualValues(t, 1, atomic.LoadInt32(&ls.closeCalls))
}

func TestGetUnknownKeyIsBadArg(t *testing.T) {
	ls := newLicenseServer(t, testDNA, 3600)
	e := newTestEngine(t, ls)
	_, err := e.Get([]params.Key{"not_a_real_key"})
	require.Error(t, err)
}

func TestSetReadOnlyKeyIsBadArg(t *testing.T) {
	ls := newLicenseServer(t, testDNA, 3600)
	e := newTestEngine(t, ls)
	err := e.Set(map[params.Key]any{params.KeySessionID: "x"})
	require.Error(t, err)
}

func TestCustomFieldRoundTrip(t *testing.T) {
	ls := newLicenseServer(t, testDNA, 3600)
	e := newTestEngine(t, ls)

	require.NoError(t, e.Set(map[params.Key]any{params.KeyCustomField: float64(42)}))
	values, err := e.Get([]params.Key{params.KeyCustomField})
	require.NoError(t, err)
	require.EqualValues(t, 42, values[params.KeyCustomField])
}

func TestListKeysIncludesWellKnownEntries(t *testing.T) {
	ls := newLicenseServer(t, testDNA, 3600)
	e := newTestEngine(t, ls)
	values, err := e.Get([]params.Key{params.KeyListKeys})
	require.NoError(t, err)
	keys, ok := values[params.KeyListKeys].([]params.Key)
	require.True(t, ok)
	require.Contains(t, keys, params.KeySessionID)
	require.Contains(t, keys, params.KeyCustomField)
}

func TestInjectAsyncErrorInvokesCallback(t *testing.T) {
	ls := newLicenseServer(t, testDNA, 3600)
	driver, port := newTestDriver(t)
	tokSrv := tokenServer(t)
	ws := wsadapter.New(wsadapter.Config{TokenURL: tokSrv.URL, BaseURL: ls.srv.URL, ProductID: testProductID}, http.DefaultClient, nil)
	log, err := drmlog.New(zerolog.Disabled, drmlog.FileConfig{Mode: drmlog.FileModeNone}, zerolog.Disabled)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	var got string
	port.AsyncError = func(msg string) { got = msg }

	e, err := New(Config{Driver: driver, Port: port, WS: ws, Log: log})
	require.NoError(t, err)

	require.NoError(t, e.Set(map[params.Key]any{params.KeyInjectAsyncError: "synthetic failure"}))
	require.Equal(t, "synthetic failure", got)
	_ = time.Second
}
