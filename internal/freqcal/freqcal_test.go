package freqcal

import (
	"context"
	"testing"
	"time"

	"github.com/Accelize/drm-sub000/internal/drmerrors"
	"github.com/Accelize/drm-sub000/internal/regaccess"
	"github.com/stretchr/testify/require"
)

func fakePort(regs map[uint32]uint32) regaccess.Port {
	return regaccess.Port{
		Read: func(offset uint32) (uint32, int32) {
			return regs[offset], 0
		},
		Write: func(offset, value uint32) int32 {
			regs[offset] = value
			return 0
		},
		AsyncError: func(string) {},
	}
}

func TestCalibrateBypassedWhenNodeLocked(t *testing.T) {
	p, err := Calibrate(context.Background(), regaccess.Port{}, Config{DeclaredMHz: 125, NodeLocked: true})
	require.NoError(t, err)
	require.Equal(t, MethodNone, p.Method)
	require.Equal(t, placeholderMHz, p.MeasuredMHz)
}

func TestCalibrateBypassedForSoftware(t *testing.T) {
	p, err := Calibrate(context.Background(), regaccess.Port{}, Config{DeclaredMHz: 125, Software: true})
	require.NoError(t, err)
	require.Equal(t, MethodNone, p.Method)
}

func TestCalibrateDedicatedV2WithinThreshold(t *testing.T) {
	regs := map[uint32]uint32{OffsetVersion: VersionDedicatedV2}
	period := 10 * time.Millisecond
	// counter/ms/1000 == declared: for 125MHz and 10ms, count = 125*1000*10 = 1,250,000
	regs[OffsetDRMAclk] = 1_250_000
	port := fakePort(regs)
	// dedicatedV2's reset write only touches regs[OffsetVersion], after the
	// version has already been read, so the seeded counter is left intact.
	p, err := Calibrate(context.Background(), port, Config{
		DeclaredMHz: 125, ThresholdPercent: 5, DetectionPeriod: period,
	})
	require.NoError(t, err)
	require.Equal(t, MethodDedicatedV2, p.Method)
	require.InDelta(t, 125, p.MeasuredMHz, 0.001)
}

func TestCalibrateDedicatedV2Saturated(t *testing.T) {
	regs := map[uint32]uint32{OffsetVersion: VersionDedicatedV2, OffsetDRMAclk: 0xFFFFFFFF}
	port := fakePort(regs)
	_, err := Calibrate(context.Background(), port, Config{
		DeclaredMHz: 125, ThresholdPercent: 5, DetectionPeriod: time.Millisecond,
	})
	require.Error(t, err)
	require.Equal(t, drmerrors.KindBadFrequency, drmerrors.KindOf(err))
}

func TestCalibrateMismatchReturnsBadFrequency(t *testing.T) {
	regs := map[uint32]uint32{OffsetVersion: VersionDedicatedV2}
	period := 10 * time.Millisecond
	regs[OffsetDRMAclk] = 1_500_000 // 150 MHz measured vs 125 declared: 20% off
	port := fakePort(regs)
	p, err := Calibrate(context.Background(), port, Config{
		DeclaredMHz: 125, ThresholdPercent: 5, DetectionPeriod: period,
	})
	require.Error(t, err)
	require.Equal(t, drmerrors.KindBadFrequency, drmerrors.KindOf(err))
	require.InDelta(t, 150, p.MeasuredMHz, 0.001) // measured value adopted anyway
}

func TestCalibrateTimerCounterMethod(t *testing.T) {
	ticks := []uint64{1_000_000, 875_000} // counts down 125k ticks over 10ms
	call := 0
	sampler := func(ctx context.Context) (uint64, error) {
		v := ticks[call]
		if call < len(ticks)-1 {
			call++
		}
		return v, nil
	}
	port := fakePort(map[uint32]uint32{OffsetVersion: 0xDEADBEEF}) // unrecognized -> v1
	p, err := Calibrate(context.Background(), port, Config{
		DeclaredMHz: 12.5, ThresholdPercent: 5, DetectionPeriod: 10 * time.Millisecond,
		TimerCounter: sampler,
	})
	require.NoError(t, err)
	require.Equal(t, MethodTimerCounter, p.Method)
}

func TestCalibrateTimerCounterUnreachable(t *testing.T) {
	sampler := func(ctx context.Context) (uint64, error) { return 0, nil }
	port := fakePort(map[uint32]uint32{OffsetVersion: 0xDEADBEEF})
	_, err := Calibrate(context.Background(), port, Config{
		DeclaredMHz: 125, ThresholdPercent: 5, DetectionPeriod: time.Millisecond,
		TimerCounter: sampler,
	})
	require.Error(t, err)
	require.Equal(t, drmerrors.KindBadFrequency, drmerrors.KindOf(err))
}
