package controller

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Accelize/drm-sub000/internal/drmerrors"
	"github.com/Accelize/drm-sub000/internal/regaccess"
)

// pollInterval is how often status polls re-check the bit while waiting.
const pollInterval = 2 * time.Millisecond

// hardwareDriver is the Driver implementation built directly on a
// regaccess.Port. It backs both NewHardware (timeFactor 1) and the
// software/simulated controller (timeFactor 100, see spec.md §5).
type hardwareDriver struct {
	lockedDriver
	port       regaccess.Port
	timeFactor time.Duration
	software   bool
	errStreak  map[string]int
}

// NewHardware wraps a regaccess.Port backed by real silicon: logical
// timeouts pass through unscaled.
func NewHardware(port regaccess.Port) (Driver, error) {
	return newHardwareDriver(port, 1, false)
}

// NewSoftware wraps a regaccess.Port backed by a software/simulated
// implementation of the controller (e.g. internal/controller's own
// NewSimulatedPort, or a CI model): logical timeouts are scaled x100,
// matching a software core's slower register turnaround (spec.md §5).
func NewSoftware(port regaccess.Port) (Driver, error) {
	return newHardwareDriver(port, 100, true)
}

func newHardwareDriver(port regaccess.Port, timeFactor time.Duration, software bool) (Driver, error) {
	if err := port.Validate(); err != nil {
		return nil, drmerrors.Wrap(drmerrors.KindBadArg, "controller.new", err)
	}
	return &hardwareDriver{port: port, timeFactor: timeFactor, software: software, errStreak: map[string]int{}}, nil
}

func (d *hardwareDriver) IsSoftware() bool { return d.software }

func (d *hardwareDriver) PollTimeout(logical time.Duration) time.Duration {
	return logical * d.timeFactor
}

// regRead/regWrite wrap the port callbacks, translating a non-zero errCode
// into a KindHWError and tracking consecutive failures per op for the
// diagnostics-dump threshold.
func (d *hardwareDriver) regRead(op string, offset uint32) (uint32, error) {
	v, code := d.port.Read(offset)
	if code != 0 {
		d.errStreak[op]++
		if d.shouldDumpDiagnostics(op) {
			d.reportDiagnostics(op)
		}
		return 0, drmerrors.New(drmerrors.KindHWError, op, fmt.Sprintf("read offset 0x%x: controller error code %d", offset, code))
	}
	d.errStreak[op] = 0
	return v, nil
}

func (d *hardwareDriver) regWrite(op string, offset, value uint32) error {
	code := d.port.Write(offset, value)
	if code != 0 {
		d.errStreak[op]++
		if d.shouldDumpDiagnostics(op) {
			d.reportDiagnostics(op)
		}
		return drmerrors.New(drmerrors.KindHWError, op, fmt.Sprintf("write offset 0x%x: controller error code %d", offset, code))
	}
	d.errStreak[op] = 0
	return nil
}

// shouldDumpDiagnostics reports whether op has failed DiagnosticsDumpThreshold
// times in a row (spec.md §4.2).
func (d *hardwareDriver) shouldDumpDiagnostics(op string) bool {
	return d.errStreak[op] >= DiagnosticsDumpThreshold
}

// reportDiagnostics dumps controller error bytes (plus TRNG status when the
// HDK supports it) and forwards them through the host's async-error
// callback once op has failed DiagnosticsDumpThreshold times in a row
// (spec.md §4.2). Called from regRead/regWrite, which already hold d.mu, so
// it reads registers directly rather than through the locking DumpDiagnostics
// entry point. The streak resets afterward so a dump fires once per run of
// failures, not on every one past the threshold.
func (d *hardwareDriver) reportDiagnostics(op string) {
	defer func() { d.errStreak[op] = 0 }()
	diag, err := d.dumpDiagnosticsLocked()
	if err != nil {
		d.port.AsyncError(fmt.Sprintf("%s: repeated errors, diagnostics dump also failed: %v", op, err))
		return
	}
	raw, err := json.Marshal(diag)
	if err != nil {
		d.port.AsyncError(fmt.Sprintf("%s: repeated errors, diagnostics unavailable: %v", op, err))
		return
	}
	d.port.AsyncError(fmt.Sprintf("%s: repeated errors, diagnostics: %s", op, raw))
}

func packWords(b []byte) []uint32 {
	padded := make([]byte, (len(b)+3)/4*4)
	copy(padded, b)
	words := make([]uint32, len(padded)/4)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(padded[i*4 : i*4+4])
	}
	return words
}

func unpackWords(words []uint32, n int) []byte {
	b := make([]byte, len(words)*4)
	for i, w := range words {
		binary.BigEndian.PutUint32(b[i*4:i*4+4], w)
	}
	if n < len(b) {
		return b[:n]
	}
	return b
}

// writeBlob writes a JSON blob as a length-prefixed word stream starting at
// lenOffset/baseOffset.
func (d *hardwareDriver) writeBlob(op string, lenOffset, baseOffset uint32, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return drmerrors.Wrap(drmerrors.KindExternFail, op, err)
	}
	words := packWords(raw)
	if err := d.regWrite(op, lenOffset, uint32(len(raw))); err != nil {
		return err
	}
	for i, w := range words {
		if err := d.regWrite(op, baseOffset+uint32(i)*4, w); err != nil {
			return err
		}
	}
	return nil
}

// readBlob reads a length-prefixed JSON word stream and unmarshals it.
func (d *hardwareDriver) readBlob(op string, lenOffset, baseOffset uint32, out any) error {
	n, err := d.regRead(op, lenOffset)
	if err != nil {
		return err
	}
	wordCount := (int(n) + 3) / 4
	words := make([]uint32, wordCount)
	for i := range words {
		w, err := d.regRead(op, baseOffset+uint32(i)*4)
		if err != nil {
			return err
		}
		words[i] = w
	}
	raw := unpackWords(words, int(n))
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return drmerrors.Wrap(drmerrors.KindBadFormat, op, err)
	}
	return nil
}

type identityWire struct {
	DNA       string   `json:"dna"`
	ProductID string   `json:"product_id"`
	VLNVs     []string `json:"vlnvs"`
}

func (d *hardwareDriver) ExtractIdentity(ctx context.Context) (Identity, error) {
	d.lock()
	defer d.unlock()
	return d.extractIdentityLocked(ctx)
}

func (d *hardwareDriver) extractIdentityLocked(ctx context.Context) (Identity, error) {
	const op = "controller.extractIdentity"
	hdkWord, err := d.regRead(op, regHDK)
	if err != nil {
		return Identity{}, err
	}
	hdk := HDKVersion{
		Major: byte(hdkWord >> 16),
		Minor: byte(hdkWord >> 8),
		Patch: byte(hdkWord),
	}
	if !hdk.AtLeast(CompatibilityFloor.Major, CompatibilityFloor.Minor) {
		return Identity{}, drmerrors.New(drmerrors.KindBadUsage, op,
			fmt.Sprintf("controller HDK %s below compatibility floor %s", hdk, CompatibilityFloor))
	}
	var wire identityWire
	if err := d.readBlob(op, regIdentityLen, regIdentityBase, &wire); err != nil {
		return Identity{}, err
	}
	vlnvs := make([]VLNV, len(wire.VLNVs))
	for i, v := range wire.VLNVs {
		vlnvs[i] = VLNV(v)
	}
	roRaw, _ := json.Marshal(wire)
	return Identity{
		DNA:         wire.DNA,
		ProductID:   wire.ProductID,
		VLNVs:       vlnvs,
		HDK:         hdk,
		ReadOnlyMBX: roRaw,
	}, nil
}

type sessionWire struct {
	NumIPs        int    `json:"num_ips"`
	SaaSChallenge string `json:"saas_challenge"`
	MeteringFile  []byte `json:"metering_file"`
}

func (d *hardwareDriver) pollStatusLocked(ctx context.Context, op string, bit StatusBit, want bool, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		got, err := d.readStatusLocked(ctx, bit)
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

func (d *hardwareDriver) runCommandLocked(ctx context.Context, op string, cmd byte, timeout time.Duration) error {
	if err := d.regWrite(op, regCommand, uint32(cmd)); err != nil {
		return err
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		code, err := d.regRead(op, regCmdErr)
		if err != nil {
			return err
		}
		if code == 0 {
			return nil
		}
		if code != 0xFFFFFFFF { // 0xFFFFFFFF == "still in progress" sentinel
			return drmerrors.New(drmerrors.KindHWError, op, fmt.Sprintf("controller rejected command %d: code %d", cmd, code))
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

func (d *hardwareDriver) StartSessionExtract(ctx context.Context) (StartSessionResult, error) {
	d.lock()
	defer d.unlock()
	const op = "controller.startSessionExtract"
	if err := d.runCommandLocked(ctx, op, cmdStartSession, d.PollTimeout(2*time.Second)); err != nil {
		return StartSessionResult{}, err
	}
	var wire sessionWire
	if err := d.readBlob(op, regCmdResultLen, regCmdResultBase, &wire); err != nil {
		return StartSessionResult{}, err
	}
	return StartSessionResult{NumIPs: wire.NumIPs, SaaSChallenge: wire.SaaSChallenge, MeteringFile: wire.MeteringFile}, nil
}

func (d *hardwareDriver) WaitNotTimerInitLoaded(ctx context.Context, timeout time.Duration) error {
	d.lock()
	defer d.unlock()
	return d.pollStatusLocked(ctx, "controller.waitNotTimerInitLoaded", StatusTimerInitLoaded, false, d.PollTimeout(timeout))
}

func (d *hardwareDriver) extractCommon(ctx context.Context, op string, cmd byte) ([]byte, error) {
	d.lock()
	defer d.unlock()
	if err := d.runCommandLocked(ctx, op, cmd, d.PollTimeout(2*time.Second)); err != nil {
		return nil, err
	}
	var mf struct {
		MeteringFile []byte `json:"metering_file"`
	}
	if err := d.readBlob(op, regCmdResultLen, regCmdResultBase, &mf); err != nil {
		return nil, err
	}
	return mf.MeteringFile, nil
}

func (d *hardwareDriver) AsynchronousExtract(ctx context.Context) ([]byte, error) {
	return d.extractCommon(ctx, "controller.asynchronousExtract", cmdAsyncExtract)
}

func (d *hardwareDriver) SynchronousExtract(ctx context.Context) ([]byte, error) {
	return d.extractCommon(ctx, "controller.synchronousExtract", cmdSyncExtract)
}

func (d *hardwareDriver) EndSessionExtract(ctx context.Context) ([]byte, error) {
	return d.extractCommon(ctx, "controller.endSessionExtract", cmdEndSession)
}

func (d *hardwareDriver) Activate(ctx context.Context, licenseKeyHex string) error {
	d.lock()
	defer d.unlock()
	const op = "controller.activate"
	raw, err := hex.DecodeString(licenseKeyHex)
	if err != nil {
		return drmerrors.Wrap(drmerrors.KindBadFormat, op, err)
	}
	words := packWords(raw)
	if err := d.regWrite(op, regLicenseFifoLen, uint32(len(raw))); err != nil {
		return err
	}
	for i, w := range words {
		if err := d.regWrite(op, regLicenseFifoBase+uint32(i)*4, w); err != nil {
			return err
		}
	}
	return d.runCommandLocked(ctx, op, cmdActivate, d.PollTimeout(2*time.Second))
}

func (d *hardwareDriver) LoadLicenseTimer(ctx context.Context, timerHex string) error {
	d.lock()
	defer d.unlock()
	const op = "controller.loadLicenseTimer"
	raw, err := hex.DecodeString(timerHex)
	if err != nil {
		return drmerrors.Wrap(drmerrors.KindBadFormat, op, err)
	}
	words := packWords(raw)
	if err := d.regWrite(op, regTimerFifoLen, uint32(len(raw))); err != nil {
		return err
	}
	for i, w := range words {
		if err := d.regWrite(op, regTimerFifoBase+uint32(i)*4, w); err != nil {
			return err
		}
	}
	return d.runCommandLocked(ctx, op, cmdLoadTimer, d.PollTimeout(2*time.Second))
}

func (d *hardwareDriver) ReadStatus(ctx context.Context, bit StatusBit) (bool, error) {
	d.lock()
	defer d.unlock()
	return d.readStatusLocked(ctx, bit)
}

func (d *hardwareDriver) readStatusLocked(ctx context.Context, bit StatusBit) (bool, error) {
	v, err := d.regRead("controller.readStatus", regStatus)
	if err != nil {
		return false, err
	}
	return v&(1<<uint(bit)) != 0, nil
}

func (d *hardwareDriver) ReadMailbox(ctx context.Context, offset, length int) ([]uint32, error) {
	d.lock()
	defer d.unlock()
	const op = "controller.readMailbox"
	out := make([]uint32, length)
	for i := 0; i < length; i++ {
		w, err := d.regRead(op, regMailboxBase+uint32(offset+i)*4)
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

func (d *hardwareDriver) WriteMailbox(ctx context.Context, offset int, words []uint32) error {
	d.lock()
	defer d.unlock()
	const op = "controller.writeMailbox"
	for i, w := range words {
		if err := d.regWrite(op, regMailboxBase+uint32(offset+i)*4, w); err != nil {
			return err
		}
	}
	return nil
}

func (d *hardwareDriver) SampleTimerCounter(ctx context.Context) (uint64, error) {
	d.lock()
	defer d.unlock()
	v, err := d.regRead("controller.sampleTimerCounter", regTimerCounter)
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

func (d *hardwareDriver) DumpDiagnostics(ctx context.Context) (Diagnostics, error) {
	d.lock()
	defer d.unlock()
	return d.dumpDiagnosticsLocked()
}

func (d *hardwareDriver) dumpDiagnosticsLocked() (Diagnostics, error) {
	const op = "controller.dumpDiagnostics"
	n, err := d.regRead(op, regDiagErrLen)
	if err != nil {
		return Diagnostics{}, err
	}
	wordCount := (int(n) + 3) / 4
	words := make([]uint32, wordCount)
	for i := range words {
		w, err := d.regRead(op, regDiagErrBase+uint32(i)*4)
		if err != nil {
			return Diagnostics{}, err
		}
		words[i] = w
	}
	diag := Diagnostics{ErrorBytes: unpackWords(words, int(n))}

	hdkWord, err := d.regRead(op, regHDK)
	if err != nil {
		return Diagnostics{}, err
	}
	hdk := HDKVersion{Major: byte(hdkWord >> 16), Minor: byte(hdkWord >> 8), Patch: byte(hdkWord)}
	if hdk.SupportsTRNG() {
		present, err := d.regRead(op, regDiagTRNGPresent)
		if err != nil {
			return Diagnostics{}, err
		}
		if present != 0 {
			alert, err := d.regRead(op, regDiagTRNGAlert)
			if err != nil {
				return Diagnostics{}, err
			}
			prop, err := d.regRead(op, regDiagTRNGProp)
			if err != nil {
				return Diagnostics{}, err
			}
			rep, err := d.regRead(op, regDiagTRNGRep)
			if err != nil {
				return Diagnostics{}, err
			}
			diag.TRNG = &TRNGStatus{SecurityAlert: alert != 0, ProportionTest: prop, RepetitionTest: rep}
		}
	}
	return diag, nil
}

func (d *hardwareDriver) Mailbox(ctx context.Context) (*Mailbox, error) {
	d.lock()
	defer d.unlock()
	const op = "controller.mailbox"
	total, err := d.regRead(op, regMailboxTotal)
	if err != nil {
		return nil, err
	}
	hdkWord, err := d.regRead(op, regHDK)
	if err != nil {
		return nil, err
	}
	hdk := HDKVersion{Major: byte(hdkWord >> 16), Minor: byte(hdkWord >> 8), Patch: byte(hdkWord)}
	return newMailbox(d, hdk, int(total)), nil
}
