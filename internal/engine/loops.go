package engine

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/Accelize/drm-sub000/internal/controller"
	"github.com/Accelize/drm-sub000/internal/drmerrors"
	"github.com/Accelize/drm-sub000/internal/wsadapter"
)

// waitNotTimerInitLoadedTimeout bounds how long the renewal path waits for
// the controller to be ready to accept the next timer.
const waitNotTimerInitLoadedTimeout = 4 * time.Second

// runLoop is the catch-all wrapper every background task runs under: it
// converts drmerrors.ErrExit into a clean return, and classifies/logs and
// reports any other error through the registered async-error callback
// before exiting (spec.md §7).
func (e *Engine) runLoop(name string, body func(ctx context.Context) error) {
	defer e.wg.Done()
	ctx := context.Background()
	err := body(ctx)
	if err == nil || drmerrors.Is(err, drmerrors.KindExit) {
		return
	}
	if log := e.logger(); log != nil {
		log.Error().Str("loop", name).Str("kind", drmerrors.KindOf(err).String()).Err(err).Msg("background task exiting on error")
	}
	if e.port.AsyncError != nil {
		msg := name + ": " + err.Error()
		if isWSKind(drmerrors.KindOf(err)) {
			msg += " (connection error)"
		}
		e.port.AsyncError(msg)
	}
}

// isWSKind reports whether kind is one of the web-service-adapter error
// kinds, for the canned "connection error" hint spec.md §7 requires.
func isWSKind(kind drmerrors.Kind) bool {
	switch kind {
	case drmerrors.KindWSRequestError, drmerrors.KindWSMayRetry, drmerrors.KindWSError,
		drmerrors.KindWSResponseError, drmerrors.KindWSTimedOut:
		return true
	default:
		return false
	}
}

// licenseLoopBody is spec.md §4.1's license loop, one full run from spawn
// to stop-signal.
func (e *Engine) licenseLoopBody(ctx context.Context) error {
	for {
		select {
		case <-e.stopCh:
			return drmerrors.ErrExit
		default:
		}

		ready, err := e.driver.ReadStatus(ctx, controller.StatusReadyForNewLicense)
		if err != nil {
			return err
		}

		if !ready {
			if err := e.sleepUntilLicenseSlotDrains(ctx); err != nil {
				return err
			}
			continue
		}

		if err := e.driver.WaitNotTimerInitLoaded(ctx, waitNotTimerInitLoadedTimeout); err != nil {
			return err
		}
		e.meteringMu.Lock()
		metering, err := e.driver.AsynchronousExtract(ctx)
		if err != nil {
			e.meteringMu.Unlock()
			return err
		}

		req := wsadapter.EntitlementRequest{MeteringFile: hex.EncodeToString(metering)}
		var resp wsadapter.EntitlementResponse

		e.stateMu.Lock()
		entitlementID := e.session.EntitlementID
		deadline := e.expiration
		e.stateMu.Unlock()

		long := time.Duration(e.cfg.Settings.WSRetryPeriodLongSec) * time.Second
		short := time.Duration(e.cfg.Settings.WSRetryPeriodShortSec) * time.Second
		attempt := e.ws.UpdateAttempt(entitlementID, req, &resp)
		if err := wsadapter.TwoTier(ctx, e.logger(), "engine.licenseLoop.renew", deadline, long, short, attempt); err != nil {
			e.meteringMu.Unlock()
			return err
		}

		err = e.installLicense(ctx, resp, false)
		e.meteringMu.Unlock()
		if err != nil {
			return err
		}
	}
}

// sleepUntilLicenseSlotDrains sleeps until the current license's
// remaining on-device time elapses (plus one second), then resyncs
// expiration-time from the counter (spec.md §4.1 license loop, not-ready branch).
func (e *Engine) sleepUntilLicenseSlotDrains(ctx context.Context) error {
	ticks, err := e.driver.SampleTimerCounter(ctx)
	if err != nil {
		return err
	}

	e.stateMu.Lock()
	measuredMHz := e.freq.MeasuredMHz
	e.stateMu.Unlock()
	if measuredMHz <= 0 {
		measuredMHz = 1
	}
	remaining := time.Duration(float64(ticks)/(measuredMHz*1e6)*float64(time.Second)) + time.Second

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-e.stopCh:
		return drmerrors.ErrExit
	case <-ctx.Done():
		return drmerrors.Wrap(drmerrors.KindHWTimeout, "engine.licenseLoop.sleep", ctx.Err())
	case <-timer.C:
	}

	ticks, err = e.driver.SampleTimerCounter(ctx)
	if err != nil {
		return err
	}
	e.stateMu.Lock()
	e.expiration = time.Now().Add(time.Duration(float64(ticks) / (measuredMHz * 1e6) * float64(time.Second)))
	e.stateMu.Unlock()
	return nil
}

// healthLoopBody is spec.md §4.1's health loop, only spawned once a
// health period > 0 is received.
func (e *Engine) healthLoopBody(ctx context.Context) error {
	for {
		e.healthMu.Lock()
		period := e.healthPeriod
		e.healthMu.Unlock()
		if period <= 0 {
			return drmerrors.ErrExit
		}

		timer := time.NewTimer(period)
		select {
		case <-e.stopCh:
			timer.Stop()
			return drmerrors.ErrExit
		case <-ctx.Done():
			timer.Stop()
			return drmerrors.Wrap(drmerrors.KindHWTimeout, "engine.healthLoop.sleep", ctx.Err())
		case <-timer.C:
		}

		e.healthMu.Lock()
		retryTimeout := e.healthRetryTimeout
		retrySleep := e.healthRetrySleep
		e.healthMu.Unlock()

		e.stateMu.Lock()
		mode := e.session.Mode
		entitlementID := e.session.EntitlementID
		e.stateMu.Unlock()

		e.meteringMu.Lock()
		var metering []byte
		var err error
		if mode == ModeFloating || mode == ModeNodeLocked {
			metering, err = e.driver.AsynchronousExtract(ctx)
		}
		if err == nil {
			req := wsadapter.IsHealthBody(wsadapter.EntitlementRequest{MeteringFile: hex.EncodeToString(metering)})
			var resp wsadapter.EntitlementResponse
			attempt := e.ws.UpdateAttempt(entitlementID, req, &resp)
			err = wsadapter.BoundedBudget(ctx, e.logger(), "engine.healthLoop", retryTimeout, retrySleep, attempt)
		}
		e.meteringMu.Unlock()
		if err != nil {
			return err
		}

		e.stateMu.Lock()
		e.session.HealthCounter++
		e.stateMu.Unlock()
	}
}
