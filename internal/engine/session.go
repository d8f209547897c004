package engine

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/Accelize/drm-sub000/internal/controller"
	"github.com/Accelize/drm-sub000/internal/drmerrors"
	"github.com/Accelize/drm-sub000/internal/wsadapter"
)

// activationPollTimeout is the "≈2x controller poll timeout" default for
// the activation-codes-transmitted / session-running waits (spec.md §4.1
// step 6-7).
const activationPollTimeout = 4 * time.Second

// startSession implements spec.md §4.1's startSession, called under the
// metering lock.
func (e *Engine) startSession(ctx context.Context) error {
	e.meteringMu.Lock()
	defer e.meteringMu.Unlock()

	ready, err := e.driver.ReadStatus(ctx, controller.StatusReadyForNewLicense)
	if err != nil {
		return err
	}
	if !ready {
		return drmerrors.New(drmerrors.KindHWError, "engine.startSession", "controller not ready for a new license: unreachable state")
	}

	e.stateMu.Lock()
	e.session.LicenseCounter = 0
	e.session.HealthCounter = 0
	identity := e.identity
	e.stateMu.Unlock()

	result, err := e.driver.StartSessionExtract(ctx)
	if err != nil {
		return err
	}

	req := wsadapter.EntitlementRequest{
		DNA:           identity.DNA,
		SaaSChallenge: result.SaaSChallenge,
		MeteringFile:  hex.EncodeToString(result.MeteringFile),
	}

	var resp wsadapter.EntitlementResponse
	budget := time.Duration(e.cfg.Settings.WSAPIRetryDurationSec) * time.Second
	short := time.Duration(e.cfg.Settings.WSRetryPeriodShortSec) * time.Second
	attempt := e.ws.CreateAttempt(identity.ProductID, req, &resp)
	if err := wsadapter.BoundedBudget(ctx, e.logger(), "engine.startSession", budget, short, attempt); err != nil {
		return err
	}

	return e.installLicense(ctx, resp, true)
}

// installLicense implements spec.md §4.1's installLicense steps 1-8.
func (e *Engine) installLicense(ctx context.Context, resp wsadapter.EntitlementResponse, first bool) error {
	const op = "engine.installLicense"

	e.stateMu.Lock()
	dna := e.identity.DNA
	e.stateMu.Unlock()

	entry, ok := resp.DRMConfig.License[dna]
	if !ok || entry.Key == "" {
		return drmerrors.New(drmerrors.KindWSResponseError, op, "entitlement response missing license key for this DNA")
	}
	if entry.Timer == "" {
		return drmerrors.New(drmerrors.KindWSResponseError, op, "entitlement response missing license timer")
	}

	if resp.DRMConfig.HealthPeriod > 0 {
		e.healthMu.Lock()
		wasRunning := e.healthPeriod > 0
		e.healthPeriod = time.Duration(resp.DRMConfig.HealthPeriod) * time.Second
		if resp.DRMConfig.HealthRetryTimeout > 0 {
			e.healthRetryTimeout = time.Duration(resp.DRMConfig.HealthRetryTimeout) * time.Second
		}
		if resp.DRMConfig.HealthRetrySleep > 0 {
			e.healthRetrySleep = time.Duration(resp.DRMConfig.HealthRetrySleep) * time.Second
		}
		e.healthMu.Unlock()
		if !wasRunning {
			e.wg.Add(1)
			go e.runLoop("health-loop", e.healthLoopBody)
		}
	}

	if first {
		if err := e.driver.Activate(ctx, entry.Key); err != nil {
			return err
		}
	}

	sessionRunning, err := e.driver.ReadStatus(ctx, controller.StatusSessionRunning)
	if err != nil {
		return err
	}
	nodeLocked, err := e.driver.ReadStatus(ctx, controller.StatusNodeLocked)
	if err != nil {
		return err
	}
	if !sessionRunning || nodeLocked {
		return drmerrors.New(drmerrors.KindBadUsage, op, "controller mode inconsistent with floating configuration")
	}

	if err := e.driver.LoadLicenseTimer(ctx, entry.Timer); err != nil {
		return err
	}

	duration := time.Duration(resp.DRMConfig.LicensePeriodSecond) * time.Second
	e.stateMu.Lock()
	e.licenseDur = duration
	if first {
		e.expiration = time.Now().Add(duration)
		e.session.ID = resp.DRMConfig.DRMSessionID
		e.session.EntitlementID = resp.ID
		e.session.Mode = ModeFloating
	} else {
		e.expiration = e.expiration.Add(duration)
	}
	e.stateMu.Unlock()

	timeout := e.driver.PollTimeout(activationPollTimeout)
	if err := controller.PollStatus(ctx, e.driver, controller.StatusActivationCodesTransmitted, true, timeout); err != nil {
		return err
	}
	if err := controller.PollStatus(ctx, e.driver, controller.StatusSessionRunning, true, timeout); err != nil {
		return err
	}

	e.stateMu.Lock()
	e.session.LicenseCounter++
	e.stateMu.Unlock()
	return nil
}

// stopSession implements spec.md §4.1's stopSession.
func (e *Engine) stopSession(ctx context.Context) error {
	e.signalStop()
	e.wg.Wait()

	e.meteringMu.Lock()
	defer e.meteringMu.Unlock()

	metering, err := e.driver.EndSessionExtract(ctx)
	if err != nil {
		e.clearSession()
		return err
	}

	e.stateMu.Lock()
	entitlementID := e.session.EntitlementID
	e.stateMu.Unlock()

	req := wsadapter.IsClosedBody(wsadapter.EntitlementRequest{MeteringFile: hex.EncodeToString(metering)})
	var resp wsadapter.EntitlementResponse
	budget := time.Duration(e.cfg.Settings.WSAPIRetryDurationSec) * time.Second
	short := time.Duration(e.cfg.Settings.WSRetryPeriodShortSec) * time.Second
	attempt := e.ws.UpdateAttempt(entitlementID, req, &resp)
	closeErr := wsadapter.BoundedBudget(ctx, e.logger(), "engine.stopSession", budget, short, attempt)

	e.clearSession()
	return closeErr
}

func (e *Engine) clearSession() {
	e.stateMu.Lock()
	e.session.ID = ""
	e.session.EntitlementID = ""
	e.expiration = time.Time{}
	e.securityStop = false
	e.stateMu.Unlock()
}
