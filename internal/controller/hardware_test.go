package controller

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Accelize/drm-sub000/internal/regaccess"
)

func newTestDriver(t *testing.T) Driver {
	t.Helper()
	port := NewSimulatedPort(SimulatedConfig{
		HDK:          HDKVersion{Major: 4, Minor: 2, Patch: 0},
		DNA:          "cafed00d",
		ProductID:    "accelize/drm/test/1.0",
		VLNVs:        []string{"accelize:drm:ip0:1.0", "accelize:drm:ip1:1.0"},
		MailboxWords: 16,
		NumIPs:       2,
		FreqVersion:  0x60DC0DE1,
		FreqCounter:  1000,
		FreqAxiClk:   2000,
	})
	d, err := NewSoftware(port)
	require.NoError(t, err)
	return d
}

func TestExtractIdentity(t *testing.T) {
	d := newTestDriver(t)
	id, err := d.ExtractIdentity(context.Background())
	require.NoError(t, err)
	require.Equal(t, "cafed00d", id.DNA)
	require.Equal(t, "accelize/drm/test/1.0", id.ProductID)
	require.Len(t, id.VLNVs, 2)
	require.Equal(t, HDKVersion{Major: 4, Minor: 2, Patch: 0}, id.HDK)
	require.True(t, id.HDK.SupportsTRNG())
}

func TestSessionLifecycle(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	running, err := d.ReadStatus(ctx, StatusSessionRunning)
	require.NoError(t, err)
	require.False(t, running)

	res, err := d.StartSessionExtract(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.NumIPs)
	require.Equal(t, "simulated-challenge", res.SaaSChallenge)

	running, err = d.ReadStatus(ctx, StatusSessionRunning)
	require.NoError(t, err)
	require.True(t, running)

	mf, err := d.AsynchronousExtract(ctx)
	require.NoError(t, err)
	require.Equal(t, "simulated-metering-async", string(mf))

	mf, err = d.EndSessionExtract(ctx)
	require.NoError(t, err)
	require.Equal(t, "simulated-metering-final", string(mf))

	running, err = d.ReadStatus(ctx, StatusSessionRunning)
	require.NoError(t, err)
	require.False(t, running)
}

func TestActivateAndLoadTimer(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	ready, err := d.ReadStatus(ctx, StatusReadyForNewLicense)
	require.NoError(t, err)
	require.True(t, ready)

	err = d.Activate(ctx, hex.EncodeToString([]byte("a-license-key")))
	require.NoError(t, err)

	ready, err = d.ReadStatus(ctx, StatusReadyForNewLicense)
	require.NoError(t, err)
	require.False(t, ready)

	err = d.LoadLicenseTimer(ctx, hex.EncodeToString([]byte("timer-payload")))
	require.NoError(t, err)

	loaded, err := d.ReadStatus(ctx, StatusTimerInitLoaded)
	require.NoError(t, err)
	require.True(t, loaded)

	count, err := d.SampleTimerCounter(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3600), count)
}

func TestMailboxBounds(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	mbx, err := d.Mailbox(ctx)
	require.NoError(t, err)

	err = mbx.SetCustomField(ctx, 0xABCD)
	require.NoError(t, err)
	v, err := mbx.CustomField(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0xABCD, v)

	err = mbx.Write(ctx, 0, []uint32{1, 2, 3})
	require.NoError(t, err)
	words, err := mbx.Read(ctx, 0, 3)
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2, 3}, words)

	_, err = mbx.Read(ctx, mbx.Size(), 1)
	require.Error(t, err)
}

func TestMailboxHDKTailReservation(t *testing.T) {
	d := newTestDriver(t) // HDK 4.2.0, no tail reservation
	ctx := context.Background()
	mbx, err := d.Mailbox(ctx)
	require.NoError(t, err)
	require.Equal(t, 16-2, mbx.Size())

	oldHDK := newMailbox(d, HDKVersion{Major: 3, Minor: 5}, 16)
	require.Equal(t, 16-2-4, oldHDK.Size())
}

func TestWaitNotTimerInitLoadedReturnsWhenNotLoaded(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	err := d.WaitNotTimerInitLoaded(ctx, 10*time.Millisecond)
	require.NoError(t, err) // never loaded in this test, so "not loaded" is immediately true
}

func TestDumpDiagnosticsIncludesTRNGWhenSupported(t *testing.T) {
	d := newTestDriver(t)
	diag, err := d.DumpDiagnostics(context.Background())
	require.NoError(t, err)
	require.NotNil(t, diag.TRNG)
}

func TestRegReadAutoDumpsDiagnosticsAfterThreshold(t *testing.T) {
	var messages []string
	port := regaccess.Port{
		Read: func(offset uint32) (uint32, int32) {
			if offset == regTimerCounter {
				return 0, 1 // always fails: drives the consecutive-error streak
			}
			return 0, 0 // regDiagErrLen, regHDK, TRNG registers all read as zero/absent
		},
		Write:      func(uint32, uint32) int32 { return 0 },
		AsyncError: func(msg string) { messages = append(messages, msg) },
	}
	d, err := NewHardware(port)
	require.NoError(t, err)

	for i := 0; i < DiagnosticsDumpThreshold; i++ {
		_, err := d.SampleTimerCounter(context.Background())
		require.Error(t, err)
	}
	require.Len(t, messages, 1, "a dump should fire exactly once per run of threshold failures")
	require.Contains(t, messages[0], "controller.sampleTimerCounter")

	_, err = d.SampleTimerCounter(context.Background())
	require.Error(t, err)
	require.Len(t, messages, 1, "the streak resets after a dump, so the next single failure must not re-trigger one")
}
