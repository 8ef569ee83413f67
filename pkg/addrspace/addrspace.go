// Package addrspace is a per-process virtual-memory façade over pmm and
// ptable that handles address-space creation, cloning, switching, and
// protection change. It is grounded on addressspace.c's
// AddressSpaceCreate/Destroy/Switch/Map/Unmap/ChangeProtection/IsDirty.
package addrspace

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nilarch/kernel/internal/log"
	"github.com/nilarch/kernel/internal/reentrant"
	"github.com/nilarch/kernel/pkg/arch"
	"github.com/nilarch/kernel/pkg/pmm"
	"github.com/nilarch/kernel/pkg/ptable"
	"github.com/nilarch/kernel/pkg/status"
)

// RoleFlags select the role create() assigns a new address space, and
// whether it inherits the calling space's thread-local region eagerly.
type RoleFlags uint

const (
	Kernel RoleFlags = 1 << iota
	Application
	Driver
	Inherit
)

// MapFlags are the architecture-neutral flags map/change_protection
// accept. They translate to native ptable flags: UserAccess sets the
// user bit, NoCache the cache-disable bit, Virtual carries a
// raw-physical base instead of allocating, and the absence of ReadOnly
// sets the write bit. Present is implicit and always set by the mapper.
type MapFlags uint

const (
	Virtual MapFlags = 1 << iota
	Contiguous
	SuppliedVirtual
	UserAccess // the mapped page is user-accessible.
	NoCache
	ReadOnly
	Persistent
)

// ioBitmapSize covers the full 16-bit x86 I/O port space, one bit per
// port.
const ioBitmapSize = 8192

// Space is a durable address space: an identifier, a role, a page
// directory, an optional non-owning parent, a reference count, a
// reentrant lock, and (for root spaces only) an I/O-port permission
// bitmap.
type Space struct {
	ID        uint64
	Flags     RoleFlags
	Directory *ptable.Directory
	Parent    *Space

	refs int32
	lock *reentrant.Mutex

	ioMu     sync.Mutex
	IOBitmap []byte
}

// EnablePort grants the space access to port, allocating its I/O bitmap
// on first use. Bitmaps are conventionally only populated for root
// (parentless APPLICATION/DRIVER) spaces; nothing stops a caller from
// calling this on any space, since the x86 TSS only consults the bitmap
// of the space actually installed in the MMU at the time.
func (s *Space) EnablePort(port uint16) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.ensureBitmap()
	s.IOBitmap[port/8] &^= 1 << (port % 8)
}

// DisablePort revokes access to port.
func (s *Space) DisablePort(port uint16) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.ensureBitmap()
	s.IOBitmap[port/8] |= 1 << (port % 8)
}

// IsPortEnabled reports whether port is currently accessible. A space
// with no bitmap at all denies every port.
func (s *Space) IsPortEnabled(port uint16) bool {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if s.IOBitmap == nil {
		return false
	}

	return s.IOBitmap[port/8]&(1<<(port%8)) == 0
}

func (s *Space) ensureBitmap() {
	if s.IOBitmap != nil {
		return
	}

	s.IOBitmap = make([]byte, ioBitmapSize)
	for i := range s.IOBitmap {
		s.IOBitmap[i] = 0xFF // deny all ports until explicitly enabled.
	}
}

// Manager owns the kernel's singleton space, the physical pool, and the
// page-table engine, and tracks the currently installed space.
//
// The real kernel tracks "current space" per core, as the space of that
// core's current thread. Nothing here models threads or schedulers (both
// are explicit non-goals); Manager instead tracks one current space,
// updated by Switch, which is sufficient to drive every invariant this
// package is responsible for.
type Manager struct {
	pool      *pmm.Allocator
	engine    *ptable.Engine
	frameSize uintptr
	logger    *log.Logger

	kernelEnd        uintptr
	threadLocalStart uintptr

	kernel  *Space
	current atomic.Pointer[Space]

	nextID uint64

	vmu         sync.Mutex
	nextVirtual uintptr
}

// NewManager creates the kernel's singleton space and returns a manager
// for it. kernelEnd and threadLocalStart divide the virtual address space
// into the three regions map/change_protection/unmap route lazy-sync
// parents for: below kernelEnd is the shared kernel region (parent:
// kernel's own directory); [kernelEnd, threadLocalStart) is the shared
// user region (parent: the space's chain ancestor); at or above
// threadLocalStart is per-thread (no parent, never shared).
func NewManager(pool *pmm.Allocator, frameSize uintptr, systemSplit int, kernelEnd, threadLocalStart, regionBase uintptr) (*Manager, error) {
	engine := ptable.NewEngine(pool, frameSize, systemSplit)

	dir, err := engine.NewDirectory()
	if err != nil {
		return nil, fmt.Errorf("addrspace: new manager: %w", err)
	}

	engine.SetSystemDirectory(dir)

	kernel := &Space{ID: 0, Flags: Kernel, Directory: dir, refs: 1, lock: reentrant.NewMutex()}

	m := &Manager{
		pool:             pool,
		engine:           engine,
		frameSize:        frameSize,
		logger:           log.DefaultLogger(),
		kernelEnd:        kernelEnd,
		threadLocalStart: threadLocalStart,
		kernel:           kernel,
		nextID:           1,
		nextVirtual:      regionBase,
	}
	m.current.Store(kernel)

	return m, nil
}

// Current returns the currently installed address space.
func (m *Manager) Current() *Space {
	if s := m.current.Load(); s != nil {
		return s
	}

	return m.kernel
}

// Kernel returns the singleton kernel space.
func (m *Manager) Kernel() *Space {
	return m.kernel
}

// Create implements create(flags).
func (m *Manager) Create(flags RoleFlags) (*Space, error) {
	switch {
	case flags == Kernel:
		atomic.AddInt32(&m.kernel.refs, 1)
		return m.kernel, nil

	case flags == Inherit:
		cur := m.Current()
		atomic.AddInt32(&cur.refs, 1)

		return cur, nil

	case isValidCloneRole(flags):
		return m.createClone(flags)

	default:
		return nil, fmt.Errorf("addrspace: create: %w: flags %#x", status.ErrFatal, flags)
	}
}

func isValidCloneRole(flags RoleFlags) bool {
	role := flags &^ Inherit
	return role == Application || role == Driver
}

func (m *Manager) createClone(flags RoleFlags) (*Space, error) {
	cur := m.Current()

	var parent *Space
	if cur.Flags&Kernel == 0 {
		parent = topmostNonKernelAncestor(cur)
	}

	dir, err := m.engine.CloneDirectory(cur.Directory, flags&Inherit != 0)
	if err != nil {
		return nil, fmt.Errorf("addrspace: create: %w", err)
	}

	space := &Space{
		ID:        atomic.AddUint64(&m.nextID, 1),
		Flags:     flags,
		Directory: dir,
		Parent:    parent,
		refs:      1,
		lock:      reentrant.NewMutex(),
	}

	return space, nil
}

func topmostNonKernelAncestor(s *Space) *Space {
	if s.Flags&Kernel != 0 {
		return nil
	}

	cur := s
	for cur.Parent != nil && cur.Parent.Flags&Kernel == 0 {
		cur = cur.Parent
	}

	return cur
}

// Destroy implements destroy(space). The kernel space's refcount is
// decremented but it is never actually torn down.
func (m *Manager) Destroy(space *Space) error {
	refs := atomic.AddInt32(&space.refs, -1)

	switch {
	case refs > 0:
		return nil
	case refs < 0:
		return fmt.Errorf("addrspace: destroy: %w: space %d released too many times", status.ErrFatal, space.ID)
	}

	if space.Flags&Kernel != 0 {
		return nil
	}

	if space.Flags&(Application|Driver) != 0 {
		if err := m.engine.DestroyDirectory(space.Directory); err != nil {
			return fmt.Errorf("addrspace: destroy: %w", err)
		}
	}

	return nil
}

// Switch installs space into the MMU and records it as current. The
// caller must guarantee space stays alive for the duration of its use.
func (m *Manager) Switch(space *Space) {
	arch.UpdateVirtualAddressing(0, space.Directory.Physical)
	m.current.Store(space)
}

// parentFor resolves the lazy-sync parent directory for an address in
// space, per the three-region routing §4.3 specifies.
func (m *Manager) parentFor(space *Space, addr uintptr) *ptable.Directory {
	switch {
	case addr < m.kernelEnd:
		return m.kernel.Directory
	case addr < m.threadLocalStart:
		if space.Parent != nil {
			return space.Parent.Directory
		}

		return nil
	default:
		return nil
	}
}

func (m *Manager) reserveVirtual(size uintptr) uintptr {
	m.vmu.Lock()
	defer m.vmu.Unlock()

	base := m.nextVirtual
	m.nextVirtual += size

	return base
}

func nativeFlags(flags MapFlags) ptable.Flags {
	var out ptable.Flags

	if flags&ReadOnly == 0 {
		out |= ptable.FlagWrite
	}

	if flags&NoCache != 0 {
		out |= ptable.FlagCacheDisable
	}

	if flags&Persistent != 0 {
		out |= ptable.FlagPersistent
	}

	return out
}

func fromNativeFlags(native ptable.Flags) MapFlags {
	var out MapFlags

	if native&ptable.FlagWrite == 0 {
		out |= ReadOnly
	}

	if native&ptable.FlagCacheDisable != 0 {
		out |= NoCache
	}

	if native&ptable.FlagPersistent != 0 {
		out |= Persistent
	}

	return out
}

func ceilDiv(a, b uintptr) uintptr {
	return (a + b - 1) / b
}

// Map implements map(space, phys, virt, size, flags, mask). virt must be
// non-nil: on entry, if flags carries SuppliedVirtual, *virt is the
// caller-supplied base; otherwise Map reserves a base from its internal
// region allocator and writes it into *virt on return. phys is read only
// when flags carries Virtual.
func (m *Manager) Map(space *Space, phys, virt *uintptr, size uintptr, flags MapFlags, mask uintptr) error {
	if size == 0 || virt == nil {
		return fmt.Errorf("addrspace: map: %w", status.ErrInvalidParameters)
	}

	if flags&Virtual != 0 && phys == nil {
		return fmt.Errorf("addrspace: map: %w: Virtual flag requires phys", status.ErrInvalidParameters)
	}

	if flags&SuppliedVirtual != 0 && *virt == 0 {
		return fmt.Errorf("addrspace: map: %w: SuppliedVirtual flag requires virt", status.ErrInvalidParameters)
	}

	pages := int(ceilDiv(size, m.frameSize))

	owner := uint64(arch.GetCoreID())
	space.lock.Lock(owner)
	defer space.lock.Unlock(owner)

	var base uintptr
	if flags&SuppliedVirtual != 0 {
		base = *virt
	} else {
		base = m.reserveVirtual(uintptr(pages) * m.frameSize)
	}

	var contiguousBase uintptr

	if flags&Contiguous != 0 {
		b, err := m.pool.Allocate(mask, pages)
		if err != nil {
			return fmt.Errorf("addrspace: map: %w", err)
		}

		contiguousBase = b
	}

	current := m.Current()
	native := nativeFlags(flags)
	user := flags&UserAccess != 0

	for i := 0; i < pages; i++ {
		pageVirt := base + uintptr(i)*m.frameSize
		parent := m.parentFor(space, pageVirt)

		var frame uintptr

		switch {
		case flags&Virtual != 0:
			frame = *phys + uintptr(i)*m.frameSize
		case flags&Contiguous != 0:
			frame = contiguousBase + uintptr(i)*m.frameSize
		default:
			f, err := m.pool.Allocate(mask, 1)
			if err != nil {
				return fmt.Errorf("addrspace: map: %w", err)
			}

			frame = f
		}

		if err := m.engine.InstallMapping(space.Directory, parent, current.Directory, pageVirt, frame, native, user); err != nil {
			if flags&Contiguous != 0 && i > 0 {
				return fmt.Errorf("addrspace: map: %w: contiguous run broken at page %d", status.ErrFatal, i)
			}

			if flags&Virtual == 0 && flags&Contiguous == 0 {
				_ = m.pool.Free(frame)
			}

			continue
		}
	}

	*virt = base

	return nil
}

// ChangeProtection implements change_protection(space, addr, size, flags,
// &old_flags_opt). oldFlags, if non-nil, receives the first page's prior
// flags.
func (m *Manager) ChangeProtection(space *Space, addr, size uintptr, flags MapFlags, oldFlags *MapFlags) error {
	offset := addr % m.frameSize
	base := addr - offset
	pages := int(ceilDiv(size+offset, m.frameSize))

	owner := uint64(arch.GetCoreID())
	space.lock.Lock(owner)
	defer space.lock.Unlock(owner)

	current := m.Current()
	native := nativeFlags(flags)

	for i := 0; i < pages; i++ {
		pageVirt := base + uintptr(i)*m.frameSize
		parent := m.parentFor(space, pageVirt)

		_, curFlags, ok, err := m.engine.GetMapping(space.Directory, parent, pageVirt)
		if err != nil {
			return fmt.Errorf("addrspace: change protection: %w", err)
		}

		if !ok {
			continue
		}

		if i == 0 && oldFlags != nil {
			*oldFlags = fromNativeFlags(curFlags)
		}

		if err := m.engine.ChangeFlags(space.Directory, parent, current.Directory, pageVirt, native); err != nil {
			return fmt.Errorf("addrspace: change protection: %w", err)
		}
	}

	return nil
}

// Unmap implements unmap(space, addr, size): every presently mapped page
// in range is unmapped and its frame, if owned (non-persistent), returned
// to the pool; unmapped pages are logged and skipped.
func (m *Manager) Unmap(space *Space, addr, size uintptr) error {
	pages := int(ceilDiv(size, m.frameSize))

	owner := uint64(arch.GetCoreID())
	space.lock.Lock(owner)
	defer space.lock.Unlock(owner)

	current := m.Current()

	for i := 0; i < pages; i++ {
		pageVirt := addr + uintptr(i)*m.frameSize
		parent := m.parentFor(space, pageVirt)

		frame, flags, existed, err := m.engine.RemoveMapping(space.Directory, parent, current.Directory, pageVirt)
		if err != nil {
			return fmt.Errorf("addrspace: unmap: %w", err)
		}

		if !existed {
			m.logger.Debug("unmap: page not mapped, skipping", "space", space.ID, "addr", pageVirt)
			continue
		}

		if flags&ptable.FlagPersistent != 0 {
			continue
		}

		if err := m.pool.Free(frame); err != nil {
			return fmt.Errorf("addrspace: unmap: %w", err)
		}
	}

	return nil
}

// IsDirty implements is_dirty(space, addr).
func (m *Manager) IsDirty(space *Space, addr uintptr) (bool, error) {
	parent := m.parentFor(space, addr)

	_, flags, ok, err := m.engine.GetMapping(space.Directory, parent, addr)
	if err != nil {
		return false, fmt.Errorf("addrspace: is dirty: %w", err)
	}

	if !ok {
		return false, fmt.Errorf("addrspace: is dirty: %w", status.ErrNotFound)
	}

	return flags&ptable.FlagDirty != 0, nil
}

// GetMapping exposes the underlying frame and flags for addr in space,
// for tests and diagnostics.
func (m *Manager) GetMapping(space *Space, addr uintptr) (uintptr, MapFlags, bool, error) {
	parent := m.parentFor(space, addr)

	frame, flags, ok, err := m.engine.GetMapping(space.Directory, parent, addr)
	if err != nil {
		return 0, 0, false, fmt.Errorf("addrspace: get mapping: %w", err)
	}

	return frame, fromNativeFlags(flags), ok, nil
}
