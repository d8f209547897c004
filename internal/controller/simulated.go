package controller

import (
	"encoding/json"
	"sync"

	"github.com/Accelize/drm-sub000/internal/regaccess"
)

// SimulatedConfig seeds a software-controller simulation: enough state to
// exercise the full Driver surface without real silicon, for demos and
// tests (cmd/drm-runtime, internal/engine tests).
type SimulatedConfig struct {
	HDK          HDKVersion
	DNA          string
	ProductID    string
	VLNVs        []string
	MailboxWords int
	NumIPs       int
	FreqVersion  uint32 // RegFreqVersion contents: 0x60DC0DE0 or 0x60DC0DE1
	FreqCounter  uint32
	FreqAxiClk   uint32
	// NodeLocked selects which mode cmdActivate settles into, mirroring how
	// a real controller decides node-locked vs floating from the license
	// key content rather than from a caller-supplied flag.
	NodeLocked bool
}

// simulatedBackend is the in-memory register space behind a simulated
// regaccess.Port: it implements the same register scheme hardware.go
// targets, so a NewSoftware driver can drive it end to end.
type simulatedBackend struct {
	mu       sync.Mutex
	regs     map[uint32]uint32
	mailbox  []uint32
	statusOn uint32
	cfg      SimulatedConfig
}

// NewSimulatedPort builds a regaccess.Port backed entirely by in-memory
// state implementing this package's register scheme, suitable for
// NewSoftware and for exercising internal/freqcal's direct register reads.
func NewSimulatedPort(cfg SimulatedConfig) regaccess.Port {
	b := &simulatedBackend{regs: map[uint32]uint32{}, cfg: cfg}
	b.mailbox = make([]uint32, cfg.MailboxWords)

	b.regs[regHDK] = uint32(cfg.HDK.Major)<<16 | uint32(cfg.HDK.Minor)<<8 | uint32(cfg.HDK.Patch)
	b.regs[regMailboxTotal] = uint32(cfg.MailboxWords)
	b.regs[RegFreqVersion] = cfg.FreqVersion
	b.regs[RegFreqCounter] = cfg.FreqCounter
	b.regs[RegFreqAxiClk] = cfg.FreqAxiClk
	b.statusOn = 1 << uint(StatusReadyForNewLicense)
	if cfg.HDK.SupportsTRNG() {
		b.regs[regDiagTRNGPresent] = 1
	}

	wire := identityWire{DNA: cfg.DNA, ProductID: cfg.ProductID, VLNVs: cfg.VLNVs}
	raw, _ := json.Marshal(wire)
	b.regs[regIdentityLen] = uint32(len(raw))
	for i, w := range packWords(raw) {
		b.regs[regIdentityBase+uint32(i)*4] = w
	}

	return regaccess.Port{
		Read:       b.read,
		Write:      b.write,
		AsyncError: func(string) {},
	}
}

func (b *simulatedBackend) read(offset uint32) (uint32, int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset == regStatus {
		return b.statusOn, 0
	}
	if offset >= regMailboxBase {
		idx := (offset - regMailboxBase) / 4
		if int(idx) >= len(b.mailbox) {
			return 0, 1
		}
		return b.mailbox[idx], 0
	}
	return b.regs[offset], 0
}

func (b *simulatedBackend) write(offset, value uint32) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset >= regMailboxBase {
		idx := (offset - regMailboxBase) / 4
		if int(idx) >= len(b.mailbox) {
			return 1
		}
		b.mailbox[idx] = value
		return 0
	}
	switch offset {
	case regCommand:
		return int32(b.runCommand(byte(value)))
	default:
		b.regs[offset] = value
		return 0
	}
}

// runCommand executes a command synchronously against the simulated
// state and stages its result behind regCmdResultLen/regCmdResultBase, the
// same blob encoding hardwareDriver.readBlob expects.
func (b *simulatedBackend) runCommand(cmd byte) int32 {
	switch cmd {
	case cmdStartSession:
		b.statusOn |= 1 << uint(StatusSessionRunning)
		raw, _ := json.Marshal(sessionWire{
			NumIPs:        b.cfg.NumIPs,
			SaaSChallenge: "simulated-challenge",
			MeteringFile:  []byte("simulated-metering-v0"),
		})
		b.stageResult(raw)
		b.regs[regCmdErr] = 0
	case cmdAsyncExtract:
		b.stageResult(mustMarshalMetering("simulated-metering-async"))
		b.regs[regCmdErr] = 0
	case cmdSyncExtract:
		b.stageResult(mustMarshalMetering("simulated-metering-sync"))
		b.regs[regCmdErr] = 0
	case cmdEndSession:
		b.statusOn &^= 1 << uint(StatusSessionRunning)
		b.stageResult(mustMarshalMetering("simulated-metering-final"))
		b.regs[regCmdErr] = 0
	case cmdActivate:
		b.statusOn |= 1 << uint(StatusActivationCodesTransmitted)
		b.statusOn &^= 1 << uint(StatusReadyForNewLicense)
		if b.cfg.NodeLocked {
			b.statusOn |= 1 << uint(StatusNodeLocked)
			// A node-locked controller never settles into the floating
			// session-running state: any extraction used to build the
			// bootstrap request ends here, not a live session.
			b.statusOn &^= 1 << uint(StatusSessionRunning)
		}
		b.regs[regCmdErr] = 0
	case cmdLoadTimer:
		b.statusOn |= 1 << uint(StatusTimerInitLoaded)
		b.regs[regTimerCounter] = 3600
		b.regs[regCmdErr] = 0
	default:
		b.regs[regCmdErr] = 1
	}
	return 0
}

func mustMarshalMetering(tag string) []byte {
	raw, _ := json.Marshal(struct {
		MeteringFile []byte `json:"metering_file"`
	}{MeteringFile: []byte(tag)})
	return raw
}

func (b *simulatedBackend) stageResult(raw []byte) {
	b.regs[regCmdResultLen] = uint32(len(raw))
	for i, w := range packWords(raw) {
		b.regs[regCmdResultBase+uint32(i)*4] = w
	}
}
