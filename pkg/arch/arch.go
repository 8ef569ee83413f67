// Package arch declares the architecture-provided interfaces the kernel
// core calls out to. They are not implemented here — a real boot would
// wire them to assembly stubs — but are exposed as package variables so
// tests can substitute fakes, the same mockable-function-variable seam
// gopher-os's vmm package uses for irq.HandleExceptionWithCode and
// cpu.ReadCR2.
package arch

// CoreID identifies a hardware execution context.
type CoreID uint32

// MessageFunc is a short function dispatched to a peer core by an IPI.
type MessageFunc func(arg any)

var (
	// GetCoreID returns the current hardware core identifier. The
	// default implementation always reports core 0; real boot code
	// rebinds this to a read of a per-core register, and simulated
	// multi-core tests replace this variable to run as a chosen core.
	GetCoreID func() CoreID = func() CoreID { return 0 }

	// UpdateVirtualAddressing installs a directory into the MMU.
	UpdateVirtualAddressing func(directoryVirtual uintptr, directoryPhysical uintptr) = func(uintptr, uintptr) {}

	// ReloadTLB flushes translation caches on the current core.
	ReloadTLB func() = func() {}

	// SendMessage enqueues fn for coreID and raises an IPI to it. It
	// returns false if the core's queue could not accept the message
	// (both of its two slots are full).
	SendMessage func(coreID CoreID, messageType int, fn MessageFunc, arg any) bool = func(CoreID, int, MessageFunc, any) bool {
		return true
	}

	// InterruptEnable and InterruptDisable toggle local interrupt
	// delivery.
	InterruptEnable  func() = func() {}
	InterruptDisable func() = func() {}

	// Idle parks the calling core until the next interrupt.
	Idle func() = func() {}
)
