package controller

// Register byte offsets for the simulated register scheme both hardware.go
// and simulated.go agree on. The bit-exact layout of a real controller is
// out of scope (spec.md §1 Non-goals); this is the internally consistent
// scheme this package's façade is built against.
const (
	regHDK             = 0x0000 // major<<16 | minor<<8 | patch
	regIdentityLen     = 0x0004 // byte length of the JSON identity blob that follows
	regIdentityBase    = 0x0008

	regStatus          = 0x1000 // StatusBit flags, bit-indexed
	regCommand         = 0x1004 // write a cmd* opcode to trigger an operation
	regCmdErr          = 0x1008 // non-zero if the last command failed
	regCmdResultLen    = 0x100C
	regCmdResultBase   = 0x1010

	regLicenseFifoLen  = 0x2000
	regLicenseFifoBase = 0x2004

	regTimerFifoLen    = 0x2800
	regTimerFifoBase   = 0x2804

	regTimerCounter    = 0x3000 // lower 32 bits of the countdown timer, ticks

	regMailboxTotal    = 0x3800 // total mailbox size in words
	regMailboxBase     = 0x4000

	regDiagErrLen      = 0x5000
	regDiagErrBase     = 0x5004
	regDiagTRNGPresent = 0x5100
	regDiagTRNGAlert   = 0x5104
	regDiagTRNGProp    = 0x5108
	regDiagTRNGRep     = 0x510C
)

// Command opcodes written to regCommand.
const (
	cmdStartSession byte = iota + 1
	cmdAsyncExtract
	cmdSyncExtract
	cmdEndSession
	cmdActivate
	cmdLoadTimer
)

// Fixed registers read directly by internal/freqcal, bypassing the Driver
// (spec.md §4.4/§6): version and two dedicated cycle counters.
const (
	RegFreqVersion = 0xFFF0
	RegFreqCounter = 0xFFF4
	RegFreqAxiClk  = 0xFFF8
)
