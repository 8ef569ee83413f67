// Package pmm is the physical memory allocator: it owns every
// frame-sized chunk of RAM handed to the kernel at boot and hands frames
// out and reclaims them, guaranteeing a frame is never owned twice. It sits
// under every other kernel-core component; it calls none of them.
//
// The lock here stands in for an interrupt-safe spinlock acquired around
// the whole free pool: on a single core a page fault handler may run
// while holding it, so the critical section must never block.
package pmm

import (
	"fmt"
	"sync"

	"github.com/nilarch/kernel/pkg/status"
)

// Allocator is a fixed-size pool of physical frames. The set of addresses
// it manages is established once, at New, from the boot memory map; frames
// are never added or removed from the pool afterwards, only marked free or
// allocated.
type Allocator struct {
	mu        sync.Mutex
	frameSize uintptr
	frames    []uintptr      // ascending by address, fixed for the life of the pool.
	free      []bool         // parallel to frames.
	index     map[uintptr]int
}

// New builds a pool over the given frame-sized addresses, all initially
// free. addresses need not be sorted or contiguous; duplicates panic, since
// a repeated entry in the boot memory map would violate frame ownership
// from the very first allocation.
func New(frameSize uintptr, addresses []uintptr) *Allocator {
	frames := make([]uintptr, len(addresses))
	copy(frames, addresses)

	sortUintptrs(frames)

	a := &Allocator{
		frameSize: frameSize,
		frames:    frames,
		free:      make([]bool, len(frames)),
		index:     make(map[uintptr]int, len(frames)),
	}

	for i, addr := range frames {
		if _, dup := a.index[addr]; dup {
			panic(fmt.Sprintf("pmm: duplicate frame address %#x", addr))
		}

		a.index[addr] = i
		a.free[i] = true
	}

	return a
}

// Allocate returns the base address of a contiguous run of count frames,
// every one of which satisfies mask (address&^mask == 0), for architectures
// that need DMA-reachable memory. Among candidate runs it prefers the one
// at the highest address, so a pool freshly seeded with {0x1000, 0x2000,
// 0x3000} hands out 0x3000 first. It fails with status.ErrOutOfMemory if no
// such run exists.
func (a *Allocator) Allocate(mask uintptr, count int) (uintptr, error) {
	if count <= 0 {
		return 0, fmt.Errorf("pmm: allocate: %w: count must be positive", status.ErrInvalidParameters)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for start := len(a.frames) - count; start >= 0; start-- {
		if !a.runIsFree(start, count, mask) {
			continue
		}

		for i := 0; i < count; i++ {
			a.free[start+i] = false
		}

		return a.frames[start], nil
	}

	return 0, fmt.Errorf("pmm: allocate: %w: no run of %d frame(s) satisfies mask %#x", status.ErrOutOfMemory, count, mask)
}

func (a *Allocator) runIsFree(start, count int, mask uintptr) bool {
	for i := 0; i < count; i++ {
		idx := start + i
		if !a.free[idx] {
			return false
		}

		if a.frames[idx]&^mask != 0 {
			return false
		}

		if i > 0 && a.frames[idx] != a.frames[idx-1]+a.frameSize {
			return false
		}
	}

	return true
}

// Free pushes a frame back into the pool. Freeing an address this pool
// does not manage returns status.ErrInvalidParameters; freeing one that is
// already free is an invariant violation (double ownership) and returns
// status.ErrFatal.
func (a *Allocator) Free(address uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.index[address]
	if !ok {
		return fmt.Errorf("pmm: free: %w: address %#x not managed by this pool", status.ErrInvalidParameters, address)
	}

	if a.free[idx] {
		return fmt.Errorf("pmm: free: %w: address %#x already free", status.ErrFatal, address)
	}

	a.free[idx] = true

	return nil
}

// FreeCount returns the number of frames currently in the pool, used by
// tests to check that allocate/free pairs conserve the pool's size.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0

	for _, f := range a.free {
		if f {
			n++
		}
	}

	return n
}

// FrameSize returns the fixed frame size the pool was constructed with.
func (a *Allocator) FrameSize() uintptr { return a.frameSize }

func sortUintptrs(s []uintptr) {
	// Insertion sort: pools are small (bounded by installed RAM / frame
	// size for a teaching kernel) and this avoids pulling in sort just
	// for uintptr comparisons.
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
