// Package regaccess defines the Register Access Port: the thin capability a
// host application hands to the core so it can talk to the controller's
// registers without the core knowing how those registers are transported
// (PCIe BAR, memory-mapped I/O, a trusted-application tunnel, ...).
package regaccess

import "fmt"

// ReadFunc reads a 32-bit register at the given byte offset.
type ReadFunc func(offset uint32) (value uint32, errCode int32)

// WriteFunc writes a 32-bit register at the given byte offset.
type WriteFunc func(offset uint32, value uint32) (errCode int32)

// AsyncErrorFunc is invoked by background tasks to report a non-recoverable
// condition. Implementations must not re-enter the core and must be safe to
// call from any goroutine.
type AsyncErrorFunc func(message string)

// Port is the capability set a host application supplies. It is a struct of
// function values rather than an interface so a host can close over
// arbitrary state (a file descriptor, a shared-memory handle, a trusted-app
// session) without needing to satisfy a named type. All three fields must be
// non-nil and safe for concurrent use; the core calls Read and Write from
// within a controller Driver's serializing lock, except internal/freqcal,
// which reads and writes the frequency-detection registers directly on the
// Port without that lock.
type Port struct {
	Read       ReadFunc
	Write      WriteFunc
	AsyncError AsyncErrorFunc
}

// Validate reports an error if any required callback is missing.
func (p Port) Validate() error {
	if p.Read == nil {
		return fmt.Errorf("regaccess: Read callback is required")
	}
	if p.Write == nil {
		return fmt.Errorf("regaccess: Write callback is required")
	}
	if p.AsyncError == nil {
		return fmt.Errorf("regaccess: AsyncError callback is required")
	}
	return nil
}
