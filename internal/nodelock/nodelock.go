// Package nodelock implements the Node-Locked Path: a static, offline-
// capable sibling of the License Engine that runs once and persists a
// request/license file pair, rather than driving the license and health
// loops (spec.md §4.8).
package nodelock

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Accelize/drm-sub000/internal/controller"
	"github.com/Accelize/drm-sub000/internal/drmerrors"
	"github.com/Accelize/drm-sub000/internal/wsadapter"
)

// activationPollTimeout mirrors the engine's "≈2x controller poll timeout"
// default for the post-install activation-codes-transmitted wait
// (spec.md §4.1 step 6, reused here per §4.8 "install it").
const activationPollTimeout = 4 * time.Second

// License is the parsed outcome of a node-locked bootstrap: enough of the
// entitlement response to record what was installed.
type License struct {
	EntitlementID       string
	LicensePeriodSecond int
	Key                 string
	Timer               string
}

// Params carries everything Activate needs.
type Params struct {
	Driver         controller.Driver
	WS             *wsadapter.Client
	Dir            string
	ProductID      string
	DNA            string
	APIRetryBudget time.Duration
	RetrySleep     time.Duration
}

// basename derives a filename-safe stem from product id + DNA
// (spec.md §4.8).
func basename(productID, dna string) string {
	sum := sha1.Sum([]byte(productID + ":" + dna))
	return hex.EncodeToString(sum[:8])
}

func (p Params) reqPath() string { return filepath.Join(p.Dir, basename(p.ProductID, p.DNA)+".req") }
func (p Params) licPath() string { return filepath.Join(p.Dir, basename(p.ProductID, p.DNA)+".lic") }

// Activate implements spec.md §4.8's two-branch flow: install an
// already-issued ".lic" if present, else bootstrap one from the ".req",
// generating and persisting that ".req" first if it does not exist.
func Activate(ctx context.Context, p Params) (*License, error) {
	const op = "nodelock.activate"
	if p.Dir == "" {
		return nil, drmerrors.New(drmerrors.KindBadArg, op, "license directory is required in node-locked mode")
	}

	if data, err := os.ReadFile(p.licPath()); err == nil {
		var resp wsadapter.EntitlementResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, drmerrors.Wrap(drmerrors.KindBadFormat, op, err)
		}
		return install(ctx, p.Driver, p.DNA, resp)
	} else if !os.IsNotExist(err) {
		return nil, drmerrors.Wrap(drmerrors.KindExternFail, op, err)
	}

	reqData, err := os.ReadFile(p.reqPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, drmerrors.Wrap(drmerrors.KindExternFail, op, err)
		}
		reqData, err = createRequestFile(ctx, p)
		if err != nil {
			return nil, err
		}
	}
	var req wsadapter.EntitlementRequest
	if err := json.Unmarshal(reqData, &req); err != nil {
		return nil, drmerrors.Wrap(drmerrors.KindBadFormat, op, err)
	}
	req.NodeLockedOnly = boolPtr(true)

	diag, err := p.Driver.DumpDiagnostics(ctx)
	if err != nil {
		return nil, err
	}
	diagRaw, err := json.Marshal(diag)
	if err != nil {
		return nil, drmerrors.Wrap(drmerrors.KindExternFail, op, err)
	}
	req.Diagnostics = diagRaw

	var resp wsadapter.EntitlementResponse
	attempt := p.WS.CreateAttempt(p.ProductID, req, &resp)
	if err := wsadapter.BoundedBudget(ctx, nil, op, p.APIRetryBudget, p.RetrySleep, attempt); err != nil {
		return nil, err
	}

	respRaw, err := json.Marshal(resp)
	if err != nil {
		return nil, drmerrors.Wrap(drmerrors.KindExternFail, op, err)
	}
	if err := atomicWrite(p.licPath(), respRaw); err != nil {
		return nil, drmerrors.Wrap(drmerrors.KindExternFail, op, err)
	}

	return install(ctx, p.Driver, p.DNA, resp)
}

// createRequestFile generates the once-only ".req" from a fresh session-start
// extraction -- the same saas-challenge/metering-file payload a floating
// session's first request uses (see internal/engine's startSession), plus
// node_locked_only, and persists it so later activations reuse it rather than
// re-extracting (spec.md §4.8).
func createRequestFile(ctx context.Context, p Params) ([]byte, error) {
	const op = "nodelock.createRequestFile"
	result, err := p.Driver.StartSessionExtract(ctx)
	if err != nil {
		return nil, err
	}
	req := wsadapter.EntitlementRequest{
		DNA:            p.DNA,
		SaaSChallenge:  result.SaaSChallenge,
		MeteringFile:   hex.EncodeToString(result.MeteringFile),
		NodeLockedOnly: boolPtr(true),
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, drmerrors.Wrap(drmerrors.KindExternFail, op, err)
	}
	if err := atomicWrite(p.reqPath(), raw); err != nil {
		return nil, drmerrors.Wrap(drmerrors.KindExternFail, op, err)
	}
	return raw, nil
}

func install(ctx context.Context, d controller.Driver, dna string, resp wsadapter.EntitlementResponse) (*License, error) {
	const op = "nodelock.install"
	entry, ok := resp.DRMConfig.License[dna]
	if !ok || entry.Key == "" {
		return nil, drmerrors.New(drmerrors.KindWSResponseError, op, "entitlement response missing license key for this DNA")
	}

	if err := d.Activate(ctx, entry.Key); err != nil {
		return nil, err
	}
	if entry.Timer != "" {
		if err := d.LoadLicenseTimer(ctx, entry.Timer); err != nil {
			return nil, err
		}
	}

	if err := controller.PollStatus(ctx, d, controller.StatusActivationCodesTransmitted, true, d.PollTimeout(activationPollTimeout)); err != nil {
		return nil, err
	}

	nodeLocked, err := d.ReadStatus(ctx, controller.StatusNodeLocked)
	if err != nil {
		return nil, err
	}
	sessionRunning, err := d.ReadStatus(ctx, controller.StatusSessionRunning)
	if err != nil {
		return nil, err
	}
	if !nodeLocked || sessionRunning {
		return nil, drmerrors.New(drmerrors.KindBadUsage, op,
			fmt.Sprintf("controller mode mismatch: node_locked=%v session_running=%v", nodeLocked, sessionRunning))
	}

	return &License{
		EntitlementID:       resp.ID,
		LicensePeriodSecond: resp.DRMConfig.LicensePeriodSecond,
		Key:                 entry.Key,
		Timer:               entry.Timer,
	}, nil
}

// atomicWrite writes data to path via a temp file in the same directory
// plus rename, so a crash mid-write never leaves a truncated ".lic"
// (spec.md §6 "atomic write").
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

func boolPtr(b bool) *bool { return &b }
