// Package ptable establishes, mutates, and tears down architecture-level
// virtual-to-physical mappings. It is grounded on vmem_api.c's
// MmVirtualGetTable/CloneVirtualSpace/DestroyVirtualSpace, generalized
// from the original's x86 32-bit, non-PAE, two-level layout to an
// arbitrary frame size and entry count so the same engine models either
// word width.
//
// The package's one interesting algorithm is lazy shared-table
// synchronization: a child address space and its parent converge on a
// single leaf table for a shared region without ever taking a global
// lock. The parent directory is the consensus point; a child either
// copies the parent's already-published entry, or races to install a
// freshly allocated one into the parent via compare-and-swap, with the
// loser freeing its frame and retrying.
package ptable

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nilarch/kernel/pkg/arch"
	"github.com/nilarch/kernel/pkg/pmm"
	"github.com/nilarch/kernel/pkg/status"
)

// EntryCount is the number of entries in one directory or leaf table,
// matching the 1024-entry, non-PAE x86 layout.
const EntryCount = 1024

// Flags are the mutable bits carried alongside a mapped frame or a
// directory entry.
type Flags uint

const (
	FlagWrite Flags = 1 << iota
	FlagUser
	FlagCacheDisable
	FlagPersistent
	FlagDirty
)

// dirEntry is one published directory slot: a leaf table plus the flags
// and ownership bit under which it was installed. Slots are replaced
// wholesale, never mutated in place, so a single atomic pointer swap is
// enough to publish or adopt one.
type dirEntry struct {
	physical  uintptr
	table     *Table
	flags     Flags
	inherited bool
}

// Directory is one address space's top-level translation structure: a
// physical frame of its own, and EntryCount slots each either empty,
// owned, or inherited from another directory.
type Directory struct {
	Physical uintptr
	entries  []atomic.Pointer[dirEntry]
}

// pageEntry is one leaf-table slot: a mapped frame and its flags.
type pageEntry struct {
	present bool
	frame   uintptr
	flags   Flags
}

// Table is a leaf page table: EntryCount individual page mappings, backed
// by its own physical frame.
type Table struct {
	mu       sync.Mutex
	Physical uintptr
	entries  [EntryCount]pageEntry
}

// Engine owns the physical frames backing directories and tables, and the
// designated system directory whose entries are shared eagerly, rather
// than lazily, by every other directory.
type Engine struct {
	pool        *pmm.Allocator
	frameSize   uintptr
	systemSplit int
	system      *Directory
}

// NewEngine returns an engine drawing directory and table frames from
// pool. systemSplit is the directory index at and above which entries
// belong to the shared system region (copied eagerly, with the INHERITED
// bit set, from the system directory at clone time, and never freed).
func NewEngine(pool *pmm.Allocator, frameSize uintptr, systemSplit int) *Engine {
	return &Engine{pool: pool, frameSize: frameSize, systemSplit: systemSplit}
}

// SetSystemDirectory designates dir as the system directory: the source
// every other directory's system-region entries are eagerly copied from
// at clone time. It is called once, when the kernel's own directory is
// created during boot.
func (e *Engine) SetSystemDirectory(dir *Directory) {
	e.system = dir
}

// NewDirectory allocates and returns an empty directory.
func (e *Engine) NewDirectory() (*Directory, error) {
	physical, err := e.pool.Allocate(^uintptr(0), 1)
	if err != nil {
		return nil, fmt.Errorf("ptable: new directory: %w", err)
	}

	return &Directory{Physical: physical, entries: make([]atomic.Pointer[dirEntry], EntryCount)}, nil
}

// CloneDirectory builds a new directory for a child address space. Every
// slot at or above the system split is copied from the engine's system
// directory, marked inherited, regardless of inheritThreadLocal. Slots
// below the split are copied from parent, marked inherited, only if
// inheritThreadLocal is set (the clone honours the caller's INHERIT bit
// for the per-thread region); otherwise they are left empty, to be
// resolved lazily against parent on first access.
func (e *Engine) CloneDirectory(parent *Directory, inheritThreadLocal bool) (*Directory, error) {
	child, err := e.NewDirectory()
	if err != nil {
		return nil, err
	}

	for i := 0; i < EntryCount; i++ {
		if i >= e.systemSplit {
			if e.system == nil {
				continue
			}

			if se := e.system.entries[i].Load(); se != nil {
				child.entries[i].Store(&dirEntry{physical: se.physical, table: se.table, flags: se.flags, inherited: true})
			}

			continue
		}

		if !inheritThreadLocal {
			continue
		}

		if pe := parent.entries[i].Load(); pe != nil {
			child.entries[i].Store(&dirEntry{physical: pe.physical, table: pe.table, flags: pe.flags, inherited: true})
		}
	}

	return child, nil
}

// DestroyDirectory walks every slot, skipping empty, inherited, and
// persistent ones; for the rest it returns every present, non-persistent
// leaf mapping's frame to the pool, then the leaf table's own frame;
// finally it returns the directory's own frame.
func (e *Engine) DestroyDirectory(dir *Directory) error {
	for i := 0; i < EntryCount; i++ {
		de := dir.entries[i].Load()
		if de == nil || de.inherited || de.flags&FlagPersistent != 0 {
			continue
		}

		for _, pe := range de.table.entries {
			if !pe.present || pe.flags&FlagPersistent != 0 {
				continue
			}

			if err := e.pool.Free(pe.frame); err != nil {
				return fmt.Errorf("ptable: destroy directory: %w", err)
			}
		}

		if err := e.pool.Free(de.table.Physical); err != nil {
			return fmt.Errorf("ptable: destroy directory: %w", err)
		}
	}

	return e.pool.Free(dir.Physical)
}

// FetchOrCreateTable resolves the leaf table covering addr in child,
// consulting parent (which may be nil for a directory at the top of the
// hierarchy) and, if create is set and no table exists anywhere, racing
// to install a fresh one.
func (e *Engine) FetchOrCreateTable(child, parent *Directory, addr uintptr, create, user bool) (*Table, error) {
	index, _ := e.split(addr)

	for {
		if ce := child.entries[index].Load(); ce != nil {
			return ce.table, nil
		}

		if parent == nil {
			if !create {
				return nil, fmt.Errorf("ptable: fetch: %w", status.ErrNotFound)
			}

			table, err := e.installFresh(&child.entries[index], user)
			if err != nil {
				if errors.Is(err, errRace) {
					continue
				}

				return nil, err
			}

			return table, nil
		}

		pe := parent.entries[index].Load()
		if pe != nil {
			child.entries[index].Store(&dirEntry{physical: pe.physical, table: pe.table, flags: pe.flags, inherited: true})
			return pe.table, nil
		}

		if !create {
			return nil, fmt.Errorf("ptable: fetch: %w", status.ErrNotFound)
		}

		table, physical, err := e.newTable()
		if err != nil {
			return nil, err
		}

		fresh := &dirEntry{physical: physical, table: table, flags: FlagWrite | userFlag(user), inherited: false}

		if !parent.entries[index].CompareAndSwap(pe, fresh) {
			_ = e.pool.Free(physical)
			continue
		}

		child.entries[index].Store(&dirEntry{physical: physical, table: table, flags: fresh.flags, inherited: true})

		return table, nil
	}
}

var errRace = errors.New("ptable: lost installation race")

// installFresh is the create-directly-in-child path used when there is
// no parent to consult: allocate a table and CAS it into slot from nil.
func (e *Engine) installFresh(slot *atomic.Pointer[dirEntry], user bool) (*Table, error) {
	table, physical, err := e.newTable()
	if err != nil {
		return nil, err
	}

	fresh := &dirEntry{physical: physical, table: table, flags: FlagWrite | userFlag(user), inherited: false}

	if !slot.CompareAndSwap(nil, fresh) {
		_ = e.pool.Free(physical)

		return nil, errRace
	}

	return table, nil
}

func (e *Engine) newTable() (*Table, uintptr, error) {
	physical, err := e.pool.Allocate(^uintptr(0), 1)
	if err != nil {
		return nil, 0, fmt.Errorf("ptable: new table: %w", err)
	}

	return &Table{Physical: physical}, physical, nil
}

func userFlag(user bool) Flags {
	if user {
		return FlagUser
	}

	return 0
}

// split decomposes a virtual address into a directory index and a
// within-table page index.
func (e *Engine) split(addr uintptr) (dirIndex, pageIndex int) {
	span := e.frameSize * EntryCount

	dirIndex = int((addr / span) % EntryCount)
	pageIndex = int((addr / e.frameSize) % EntryCount)

	return dirIndex, pageIndex
}

// InstallMapping fetches or creates the leaf table for addr and installs
// frame there with flags. If child is the currently-installed directory,
// the TLB is reloaded.
func (e *Engine) InstallMapping(child, parent, current *Directory, addr, frame uintptr, flags Flags, user bool) error {
	table, err := e.FetchOrCreateTable(child, parent, addr, true, user)
	if err != nil {
		return err
	}

	_, pageIndex := e.split(addr)

	table.mu.Lock()
	table.entries[pageIndex] = pageEntry{present: true, frame: frame, flags: flags}
	table.mu.Unlock()

	if current == child {
		arch.ReloadTLB()
	}

	return nil
}

// RemoveMapping clears the mapping for addr, if present, and returns the
// frame and flags it held. existed is false, with a nil error, if no
// leaf table or no mapping covered addr.
func (e *Engine) RemoveMapping(child, parent, current *Directory, addr uintptr) (frame uintptr, flags Flags, existed bool, err error) {
	table, err := e.FetchOrCreateTable(child, parent, addr, false, false)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return 0, 0, false, nil
		}

		return 0, 0, false, err
	}

	_, pageIndex := e.split(addr)

	table.mu.Lock()
	pe := table.entries[pageIndex]
	if pe.present {
		table.entries[pageIndex] = pageEntry{}
	}
	table.mu.Unlock()

	if !pe.present {
		return 0, 0, false, nil
	}

	if current == child {
		arch.ReloadTLB()
	}

	return pe.frame, pe.flags, true, nil
}

// GetMapping reports the frame and flags mapped at addr, if any.
func (e *Engine) GetMapping(child, parent *Directory, addr uintptr) (frame uintptr, flags Flags, ok bool, err error) {
	table, err := e.FetchOrCreateTable(child, parent, addr, false, false)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return 0, 0, false, nil
		}

		return 0, 0, false, err
	}

	_, pageIndex := e.split(addr)

	table.mu.Lock()
	pe := table.entries[pageIndex]
	table.mu.Unlock()

	return pe.frame, pe.flags, pe.present, nil
}

// ChangeFlags updates the flags of the mapping at addr, leaving its frame
// untouched. If child is the currently-installed directory, the TLB is
// reloaded.
func (e *Engine) ChangeFlags(child, parent, current *Directory, addr uintptr, flags Flags) error {
	table, err := e.FetchOrCreateTable(child, parent, addr, false, false)
	if err != nil {
		return err
	}

	_, pageIndex := e.split(addr)

	table.mu.Lock()
	if !table.entries[pageIndex].present {
		table.mu.Unlock()

		return fmt.Errorf("ptable: change flags: %w", status.ErrNotFound)
	}

	table.entries[pageIndex].flags = flags
	table.mu.Unlock()

	if current == child {
		arch.ReloadTLB()
	}

	return nil
}
