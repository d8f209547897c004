package controller

import (
	"context"
	"time"

	"github.com/Accelize/drm-sub000/internal/drmerrors"
	"github.com/Accelize/drm-sub000/internal/regaccess"
)

// TrustedAppSession is the capability a trusted-application transport
// (e.g. a TEE client session) must provide before its regaccess.Port can be
// trusted: an explicit handshake the PCIe/MMIO path does not need.
type TrustedAppSession struct {
	// Open establishes the session. It must be idempotent; Driver
	// construction calls it exactly once.
	Open func(ctx context.Context) error
	Port regaccess.Port
}

// NewTrustedApp wraps a trusted-application transport. Unlike NewHardware,
// it performs an explicit session handshake and reports a
// KindPNCInitError if that handshake fails, rather than deferring the
// failure to the first register access.
func NewTrustedApp(ctx context.Context, session TrustedAppSession) (Driver, error) {
	const op = "controller.newTrustedApp"
	if session.Open == nil {
		return nil, drmerrors.New(drmerrors.KindBadArg, op, "trusted application session has no Open handshake")
	}
	if err := session.Open(ctx); err != nil {
		return nil, drmerrors.Wrap(drmerrors.KindPNCInitError, op, err)
	}
	d, err := newHardwareDriver(session.Port, 1, false)
	if err != nil {
		return nil, drmerrors.Wrap(drmerrors.KindPNCInitError, op, err)
	}
	return d, nil
}

// pncPollGrace names an extra settle time for a trusted-app tunnel, which
// adds scheduling latency a direct MMIO path does not have. No code path
// waits on it: the first status poll after NewTrustedApp is not delayed.
const pncPollGrace = 5 * time.Millisecond
