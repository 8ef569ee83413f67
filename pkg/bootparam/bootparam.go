// Package bootparam parses the boot parameter block handed to the kernel
// by the architecture layer and copies it into kernel-owned storage
// before any subsystem starts.
package bootparam

import (
	"errors"
	"fmt"
)

var errMissingBootLoader = errors.New("boot parameter block missing bootloader name")

// MemoryMapEntryType classifies a multiboot memory map region.
type MemoryMapEntryType int

const (
	MemoryAvailable MemoryMapEntryType = iota + 1
	MemoryReserved
	MemoryACPIReclaimable
	MemoryNVS
	MemoryBadRAM
)

// MemoryMapEntry is one region from the multiboot memory map.
type MemoryMapEntry struct {
	Base   uintptr
	Length uintptr
	Type   MemoryMapEntryType
}

// Params is the parsed, kernel-owned copy of the boot parameter block. It
// is produced exactly once, by Parse, from whatever transient structure
// the architecture layer handed the kernel; no subsystem holds a pointer
// into the original (possibly unmapped-after-boot) block.
type Params struct {
	BootLoaderName string
	RamdiskBase    uintptr
	RamdiskSize    uintptr
	MemoryMap      []MemoryMapEntry
	ArchBlob       []byte // Architecture-dependent payload, opaque here.
}

// RawBlock is the transient, architecture-supplied representation Parse
// consumes. It is not retained after Parse returns.
type RawBlock struct {
	BootLoaderName string
	RamdiskBase    uintptr
	RamdiskSize    uintptr
	MemoryMap      []MemoryMapEntry
	ArchBlob       []byte
}

// Parse consumes raw once and copies it into kernel-owned storage. The
// caller's RawBlock (and anything it points to) may be freed or
// invalidated immediately after Parse returns.
func Parse(raw RawBlock) (*Params, error) {
	if raw.BootLoaderName == "" {
		return nil, fmt.Errorf("bootparam: parse: %w", errMissingBootLoader)
	}

	p := &Params{
		BootLoaderName: raw.BootLoaderName,
		RamdiskBase:    raw.RamdiskBase,
		RamdiskSize:    raw.RamdiskSize,
	}

	p.MemoryMap = make([]MemoryMapEntry, len(raw.MemoryMap))
	copy(p.MemoryMap, raw.MemoryMap)

	p.ArchBlob = make([]byte, len(raw.ArchBlob))
	copy(p.ArchBlob, raw.ArchBlob)

	return p, nil
}

// AvailableBytes sums the length of every MemoryAvailable region. pmm.New
// does not call it; it takes an explicit list of frame addresses.
func (p *Params) AvailableBytes() uintptr {
	var total uintptr

	for _, e := range p.MemoryMap {
		if e.Type == MemoryAvailable {
			total += e.Length
		}
	}

	return total
}
