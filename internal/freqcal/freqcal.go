// Package freqcal estimates the controller's internal clock at startup and
// rejects activation if the measured frequency deviates too far from the
// declared value. It talks to three fixed register offsets directly,
// bypassing the Controller Driver façade entirely — these are the only
// registers the core reads without going through internal/controller.
package freqcal

import (
	"context"
	"time"

	"github.com/Accelize/drm-sub000/internal/drmerrors"
	"github.com/Accelize/drm-sub000/internal/regaccess"
)

// Fixed offsets probed directly (spec.md §6).
const (
	OffsetVersion      = 0xFFF0
	OffsetDRMAclk      = 0xFFF4
	OffsetAXIAclk      = 0xFFF8
)

// Version constants selecting the detection method.
const (
	VersionDedicatedV2 uint32 = 0x60DC0DE0
	VersionDedicatedV3 uint32 = 0x60DC0DE1
)

// Method identifies which of the three detection strategies produced a Profile.
type Method int

const (
	MethodNone Method = iota
	MethodTimerCounter
	MethodDedicatedV2
	MethodDedicatedV3
)

func (m Method) String() string {
	switch m {
	case MethodTimerCounter:
		return "timer-counter"
	case MethodDedicatedV2:
		return "dedicated-counter-v2"
	case MethodDedicatedV3:
		return "dedicated-counter-v3"
	default:
		return "none"
	}
}

// Profile is the outcome of a calibration.
type Profile struct {
	DeclaredMHz        float64
	MeasuredMHz        float64
	Method             Method
	ThresholdPercent   float64
	DetectionPeriod    time.Duration
}

// Config carries the knobs spec.md §4.4/§6 expose.
type Config struct {
	DeclaredMHz          float64
	ThresholdPercent     float64
	DetectionPeriod      time.Duration
	BypassDetection      bool
	NodeLocked           bool
	Software             bool
	// TimerCounter samples the license-timer counter; only needed for the
	// timer-counter (oldest HDK) method, supplied by internal/controller.
	TimerCounter func(ctx context.Context) (uint64, error)
}

// placeholderMHz is the tiny placeholder frequency used whenever
// calibration is bypassed (spec.md §4.4).
const placeholderMHz = 1.0

// TimeFactor is the polling-timeout multiplier of a software controller
// (hardware uses 1). Nothing reads this constant: the scaling is applied by
// internal/controller's NewSoftware driver through its own PollTimeout.
const TimeFactor = 100

// PlaceholderProfile returns the profile used when calibration is bypassed.
func PlaceholderProfile(declaredMHz float64) Profile {
	return Profile{DeclaredMHz: declaredMHz, MeasuredMHz: placeholderMHz, Method: MethodNone}
}

// Calibrate runs frequency detection against port, choosing a method by
// probing the version register, unless bypassed by node-locked mode,
// cfg.BypassDetection, or cfg.Software (spec.md §4.4).
func Calibrate(ctx context.Context, port regaccess.Port, cfg Config) (Profile, error) {
	const op = "freqcal.calibrate"
	if cfg.NodeLocked || cfg.BypassDetection || cfg.Software {
		return PlaceholderProfile(cfg.DeclaredMHz), nil
	}

	version, code := port.Read(OffsetVersion)
	if code != 0 {
		return Profile{}, drmerrors.New(drmerrors.KindHWError, op, "failed to read frequency detection version register")
	}

	var (
		measuredMHz float64
		method      Method
		err         error
	)
	switch version {
	case VersionDedicatedV2:
		method = MethodDedicatedV2
		measuredMHz, err = dedicatedV2(ctx, port, cfg.DetectionPeriod)
	case VersionDedicatedV3:
		method = MethodDedicatedV3
		measuredMHz, err = dedicatedV3(ctx, port, cfg.DetectionPeriod)
	default:
		method = MethodTimerCounter
		measuredMHz, err = timerCounter(ctx, cfg.TimerCounter, cfg.DetectionPeriod)
	}
	if err != nil {
		return Profile{}, err
	}

	profile := Profile{
		DeclaredMHz:      cfg.DeclaredMHz,
		MeasuredMHz:      measuredMHz,
		Method:           method,
		ThresholdPercent: cfg.ThresholdPercent,
		DetectionPeriod:  cfg.DetectionPeriod,
	}

	precisionError := absPercentDelta(measuredMHz, cfg.DeclaredMHz)
	if precisionError >= cfg.ThresholdPercent {
		return profile, drmerrors.New(drmerrors.KindBadFrequency, op,
			"measured frequency deviates beyond configured threshold")
	}
	// Within threshold: the declared value is used verbatim downstream.
	profile.MeasuredMHz = cfg.DeclaredMHz
	return profile, nil
}

func absPercentDelta(measured, declared float64) float64 {
	if declared == 0 {
		return 0
	}
	delta := measured - declared
	if delta < 0 {
		delta = -delta
	}
	return delta / declared * 100
}

// timerCounter implements the oldest-HDK detection method: sample the
// license-timer counter, sleep, sample again. Retries up to three times if
// the counter wraps (end > start, since the timer counts down); a counter
// stuck at zero means the clock is unreachable.
func timerCounter(ctx context.Context, sample func(context.Context) (uint64, error), period time.Duration) (float64, error) {
	const op = "freqcal.timerCounter"
	if sample == nil {
		return 0, drmerrors.New(drmerrors.KindBadArg, op, "timer-counter method requires a counter sampler")
	}
	for attempt := 0; attempt < 3; attempt++ {
		start, err := sample(ctx)
		if err != nil {
			return 0, drmerrors.Wrap(drmerrors.KindHWError, op, err)
		}
		if start == 0 {
			return 0, drmerrors.New(drmerrors.KindBadFrequency, op, "license timer counter unreachable (stuck at zero)")
		}
		if err := sleepCtx(ctx, period); err != nil {
			return 0, err
		}
		end, err := sample(ctx)
		if err != nil {
			return 0, drmerrors.Wrap(drmerrors.KindHWError, op, err)
		}
		if end > start {
			continue // counter wrapped; retry
		}
		deltaTicks := start - end
		seconds := period.Seconds()
		if seconds == 0 {
			return 0, drmerrors.New(drmerrors.KindBadArg, op, "detection period must be positive")
		}
		return float64(deltaTicks) / seconds / 1e6, nil
	}
	return 0, drmerrors.New(drmerrors.KindBadFrequency, op, "license timer counter wrapped on every retry")
}

// dedicatedV2 resets the version register, waits one detection period, and
// reads the DRM-aclk free-running counter.
func dedicatedV2(ctx context.Context, port regaccess.Port, period time.Duration) (float64, error) {
	const op = "freqcal.dedicatedV2"
	if code := port.Write(OffsetVersion, 0); code != 0 {
		return 0, drmerrors.New(drmerrors.KindHWError, op, "failed to reset version register")
	}
	if err := sleepCtx(ctx, period); err != nil {
		return 0, err
	}
	count, code := port.Read(OffsetDRMAclk)
	if code != 0 {
		return 0, drmerrors.New(drmerrors.KindHWError, op, "failed to read DRM-aclk counter")
	}
	if count == 0xFFFFFFFF {
		return 0, drmerrors.New(drmerrors.KindBadFrequency, op, "DRM-aclk counter saturated: detection period too long")
	}
	return counterToMHz(count, period), nil
}

// dedicatedV3 is dedicatedV2 plus a read of the second AXI-aclk counter,
// which is checked for saturation only: its value is not returned or kept
// in the Profile, and it is not compared to declared MHz.
func dedicatedV3(ctx context.Context, port regaccess.Port, period time.Duration) (float64, error) {
	measured, err := dedicatedV2(ctx, port, period)
	if err != nil {
		return 0, err
	}
	const op = "freqcal.dedicatedV3"
	axiCount, code := port.Read(OffsetAXIAclk)
	if code != 0 {
		return 0, drmerrors.New(drmerrors.KindHWError, op, "failed to read AXI-aclk counter")
	}
	if axiCount == 0xFFFFFFFF {
		return 0, drmerrors.New(drmerrors.KindBadFrequency, op, "AXI-aclk counter saturated: detection period too long")
	}
	return measured, nil
}

func counterToMHz(count uint32, period time.Duration) float64 {
	ms := float64(period.Milliseconds())
	if ms == 0 {
		return 0
	}
	return float64(count) / ms / 1000
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return drmerrors.Wrap(drmerrors.KindHWTimeout, "freqcal.sleep", ctx.Err())
	case <-timer.C:
		return nil
	}
}
