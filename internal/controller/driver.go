// Package controller implements the Controller Driver façade: the
// high-level operations the License Engine needs from the embedded DRM
// controller, built on top of the lower-level Register Access Port. The
// register-level protocol itself (page selection, per-register bit layout)
// is out of scope for this core; this package models the abstraction the
// core actually consumes, backed by a reasonably simple internal register
// scheme so the façade is genuinely exercised rather than stubbed out.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Accelize/drm-sub000/internal/drmerrors"
)

// DiagnosticsDumpThreshold is the number of consecutive hw-error results
// from the same operation that trigger a diagnostics dump (spec.md §4.2).
const DiagnosticsDumpThreshold = 3

// HDKVersion is the controller hardware-description-kit version.
type HDKVersion struct {
	Major, Minor, Patch byte
}

func (v HDKVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// AtLeast reports whether v >= major.minor (patch ignored), the comparison
// the compatibility floor and the TRNG-support check both need.
func (v HDKVersion) AtLeast(major, minor byte) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// CompatibilityFloor is the minimum HDK major.minor the core supports.
var CompatibilityFloor = HDKVersion{Major: 3, Minor: 2}

// SupportsTRNG reports whether a controller of this HDK version exposes
// TRNG self-test status (major >= 4 with minor >= 2, or major > 4).
func (v HDKVersion) SupportsTRNG() bool {
	if v.Major > 4 {
		return true
	}
	return v.Major == 4 && v.Minor >= 2
}

// VLNV identifies one protected IP block: a 16 hex-char vendor/library/
// name/version tuple.
type VLNV string

// Identity is the device-unique identity and inventory frozen at
// initialization (spec.md §3 Device Identity).
type Identity struct {
	DNA         string
	ProductID   string
	VLNVs       []VLNV
	HDK         HDKVersion
	ReadOnlyMBX []byte // read-only product-descriptor section of the mailbox
}

// StatusBit names a single named boolean the controller reports.
type StatusBit int

const (
	StatusReadyForNewLicense StatusBit = iota
	StatusActivationCodesTransmitted
	StatusSessionRunning
	StatusNodeLocked
	StatusTimerInitLoaded
)

// StartSessionResult is returned by StartSessionExtract.
type StartSessionResult struct {
	NumIPs        int
	SaaSChallenge string
	MeteringFile  []byte
}

// Diagnostics is the controller error/TRNG dump produced after repeated
// errors (spec.md §4.2).
type Diagnostics struct {
	ErrorBytes []byte
	TRNG       *TRNGStatus // nil if the HDK does not support TRNG reporting
}

// TRNGStatus mirrors the controller's true-random-number-generator
// self-test results.
type TRNGStatus struct {
	SecurityAlert   bool
	ProportionTest  uint32
	RepetitionTest  uint32
}

// Driver is the Controller Driver façade the core consumes. All
// implementations serialize calls on an internal lock; re-entrant
// high-level calls use the lock-and-call-inner pattern (unexported
// "*Locked" helpers) rather than a recursive mutex, since Go's sync.Mutex
// is not re-entrant (spec.md Design Notes).
type Driver interface {
	ExtractIdentity(ctx context.Context) (Identity, error)
	StartSessionExtract(ctx context.Context) (StartSessionResult, error)
	WaitNotTimerInitLoaded(ctx context.Context, timeout time.Duration) error
	AsynchronousExtract(ctx context.Context) ([]byte, error)
	SynchronousExtract(ctx context.Context) ([]byte, error)
	EndSessionExtract(ctx context.Context) ([]byte, error)
	Activate(ctx context.Context, licenseKeyHex string) error
	LoadLicenseTimer(ctx context.Context, timerHex string) error
	ReadStatus(ctx context.Context, bit StatusBit) (bool, error)
	ReadMailbox(ctx context.Context, offset, length int) ([]uint32, error)
	WriteMailbox(ctx context.Context, offset int, words []uint32) error
	SampleTimerCounter(ctx context.Context) (uint64, error)

	// PollTimeout scales a logical timeout by the driver's "time factor"
	// (x1 for hardware, x100 for a software implementation) so the same
	// logical budget works for both (spec.md §5).
	PollTimeout(logical time.Duration) time.Duration

	// IsSoftware reports whether this is a pure-software controller
	// implementation (spec.md §4.4 frequency-bypass condition).
	IsSoftware() bool

	// DumpDiagnostics returns the controller's error-byte and TRNG state,
	// for use after repeated errors (spec.md §4.2).
	DumpDiagnostics(ctx context.Context) (Diagnostics, error)

	// Mailbox returns the live mailbox view (spec.md §4.5).
	Mailbox(ctx context.Context) (*Mailbox, error)
}

// lockedDriver is embedded by both concrete implementations to provide the
// lock-and-call-inner pattern: exported methods take mu then call an
// unexported *Locked method; a high-level method that needs another
// high-level operation calls its *Locked sibling directly instead of
// re-acquiring the lock.
type lockedDriver struct {
	mu sync.Mutex
}

func (d *lockedDriver) lock()   { d.mu.Lock() }
func (d *lockedDriver) unlock() { d.mu.Unlock() }

// timeoutError builds a KindHWTimeout error for a named wait.
func timeoutError(op string) error {
	return drmerrors.New(drmerrors.KindHWTimeout, op, "timed out waiting for controller status")
}

// pollStatusPeriod is how often PollStatus re-checks the status bit while waiting.
const pollStatusPeriod = 2 * time.Millisecond

// PollStatus blocks until d reports bit == want or timeout elapses. It is
// the engine- and node-lock-layer counterpart of the driver's own internal
// pollStatusLocked: callers outside this package need the same bounded
// wait (e.g. "activation-codes-transmitted", "session-running") without
// reaching into the driver's lock.
func PollStatus(ctx context.Context, d Driver, bit StatusBit, want bool, timeout time.Duration) error {
	const op = "controller.pollStatus"
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollStatusPeriod)
	defer ticker.Stop()
	for {
		got, err := d.ReadStatus(ctx, bit)
		if err != nil {
			return err
		}
		if got == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return drmerrors.Wrap(drmerrors.KindHWTimeout, op, ctx.Err())
		case <-deadline.C:
			return timeoutError(op)
		case <-ticker.C:
		}
	}
}
