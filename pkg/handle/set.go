package handle

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nilarch/kernel/pkg/status"
)

// EventMask is an opaque bitmask of readiness events; the registry never
// interprets the bits, event producers (file, socket, …) assign them
// meaning.
type EventMask uint32

// ControlOp selects the operation control performs, wire-compatible with
// the ADD/MOD/DEL op codes userspace uses.
type ControlOp int

const (
	ADD ControlOp = 1
	MOD ControlOp = 2
	DEL ControlOp = 3
)

// ElementFlags configure one set-element.
type ElementFlags uint32

const (
	// ElemEdge makes the element edge-triggered: its active-event mask
	// is cleared on every drain and it is not re-armed until mark is
	// called again. Its absence (the default) makes the element
	// level-triggered: after being drained, it is re-appended to the
	// ready queue with its active mask intact, so it keeps reporting
	// ready until a control MOD narrows its mask to miss those bits.
	ElemEdge ElementFlags = 1 << iota

	// ElemReadyNow requests IOEVTFRT semantics: the element is pushed
	// onto the set's ready queue immediately at ADD time, rather than
	// waiting for the first matching mark.
	ElemReadyNow
)

// SetElement pairs a member handle with the mask and context a control
// ADD configured, plus the active-event bits mark has OR'd in (cleared on
// each drain only for edge-triggered elements). It back-points to both its owning set (for ready-queue
// splice) and, via the member handle's own sets list, to every other set
// that also observes the same handle.
type SetElement struct {
	Target  uint64
	Context any

	mu    sync.Mutex
	mask  EventMask
	flags ElementFlags

	active uint32
	owner  *Set
}

// Event is one readiness record Wait fills in.
type Event struct {
	Target uint64
	Events EventMask
	Context any
}

// Set is a readiness aggregator: a handle whose resource is the (unordered)
// map from member handle to set-element, a ready queue, an atomic
// pending count, and a futex-style wake channel.
type Set struct {
	id uint64

	mu       sync.Mutex
	elements map[uint64]*SetElement
	ready    []*SetElement

	pending int32
	wake    chan struct{}
}

// CreateSet creates a handle whose resource is a new, empty set.
func (r *Registry) CreateSet() uint64 {
	set := &Set{
		elements: make(map[uint64]*SetElement),
		wake:     make(chan struct{}, 1),
	}

	id := r.Create(TypeSet, destroySet, set)
	set.id = id

	return id
}

func destroySet(resource any) {
	set, ok := resource.(*Set)
	if !ok {
		return
	}

	set.mu.Lock()
	defer set.mu.Unlock()

	set.elements = nil
	set.ready = nil
}

func (r *Registry) resolveSet(id uint64) (*Set, error) {
	resource, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}

	set, ok := resource.(*Set)
	if !ok {
		return nil, fmt.Errorf("handle: resolve set: %w: handle %d is not a set", status.ErrInvalidParameters, id)
	}

	return set, nil
}

// Control implements control(set_id, op, target_id, event_mask,
// context). ADD acquires target (balanced by DEL's destroy), allocates a
// set-element, and links it into both the set's tree and the target
// handle's sets list. MOD overwrites an existing element's mask and
// context. DEL unlinks and releases.
func (r *Registry) Control(setID uint64, op ControlOp, targetID uint64, mask EventMask, context any, flags ElementFlags) error {
	set, err := r.resolveSet(setID)
	if err != nil {
		return fmt.Errorf("handle: control: %w", err)
	}

	switch op {
	case ADD:
		return r.controlAdd(set, targetID, mask, context, flags)
	case MOD:
		return r.controlMod(set, targetID, mask, context)
	case DEL:
		return r.controlDel(set, targetID)
	default:
		return fmt.Errorf("handle: control: %w: unknown op %d", status.ErrInvalidParameters, op)
	}
}

func (r *Registry) controlAdd(set *Set, targetID uint64, mask EventMask, context any, flags ElementFlags) error {
	if _, err := r.Acquire(targetID); err != nil {
		return fmt.Errorf("handle: control add: %w", err)
	}

	target, ok := r.lookupHandle(targetID)
	if !ok {
		_ = r.Destroy(targetID)
		return fmt.Errorf("handle: control add: %w", status.ErrNotFound)
	}

	elem := &SetElement{Target: targetID, Context: context, mask: mask, flags: flags, owner: set}

	set.mu.Lock()
	if _, exists := set.elements[targetID]; exists {
		set.mu.Unlock()
		_ = r.Destroy(targetID)

		return fmt.Errorf("handle: control add: %w: target %d already a member", status.ErrExists, targetID)
	}

	set.elements[targetID] = elem
	set.mu.Unlock()

	target.setsMu.Lock()
	target.sets = append(target.sets, elem)
	target.setsMu.Unlock()

	if flags&ElemReadyNow != 0 {
		atomic.StoreUint32(&elem.active, uint32(mask))
		set.appendReady(elem)
	}

	return nil
}

func (r *Registry) controlMod(set *Set, targetID uint64, mask EventMask, context any) error {
	set.mu.Lock()
	elem, ok := set.elements[targetID]
	set.mu.Unlock()

	if !ok {
		return fmt.Errorf("handle: control mod: %w", status.ErrNotFound)
	}

	elem.mu.Lock()
	elem.mask = mask
	elem.Context = context
	elem.mu.Unlock()

	return nil
}

func (r *Registry) controlDel(set *Set, targetID uint64) error {
	set.mu.Lock()
	elem, ok := set.elements[targetID]
	if ok {
		delete(set.elements, targetID)
	}
	set.mu.Unlock()

	if !ok {
		return fmt.Errorf("handle: control del: %w", status.ErrNotFound)
	}

	if target, ok := r.lookupHandle(targetID); ok {
		target.setsMu.Lock()

		for i, e := range target.sets {
			if e == elem {
				target.sets = append(target.sets[:i], target.sets[i+1:]...)
				break
			}
		}

		target.setsMu.Unlock()
	}

	return r.Destroy(targetID)
}

// appendReady pushes elem onto its set's ready queue and bumps pending,
// waking a Wait call on the 0→positive transition.
func (s *Set) appendReady(elem *SetElement) {
	s.mu.Lock()
	s.ready = append(s.ready, elem)
	s.mu.Unlock()

	if atomic.AddInt32(&s.pending, 1) == 1 {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Mark is the bridge from event producers to sets: for every set-element
// observing id, if its configured mask intersects events, the
// intersection is OR'd into the element's active-event bits. An element
// with no prior active events is appended to its set's ready queue.
// Mark reports status.ErrBusy if it reached no element at all (every
// member's mask was disjoint from events, or id has no members), since
// the notification could not be propagated to anything.
func (r *Registry) Mark(id uint64, events EventMask) error {
	h, ok := r.lookupHandle(id)
	if !ok {
		return fmt.Errorf("handle: mark: %w", status.ErrNotFound)
	}

	h.setsMu.Lock()
	elems := make([]*SetElement, len(h.sets))
	copy(elems, h.sets)
	h.setsMu.Unlock()

	incremented := 0

	for _, elem := range elems {
		elem.mu.Lock()
		intersect := uint32(elem.mask & events)
		elem.mu.Unlock()

		if intersect == 0 {
			continue
		}

		for {
			prev := atomic.LoadUint32(&elem.active)
			next := prev | intersect

			if atomic.CompareAndSwapUint32(&elem.active, prev, next) {
				if prev == 0 {
					elem.owner.appendReady(elem)
				}

				incremented++

				break
			}
		}
	}

	if incremented == 0 {
		return fmt.Errorf("handle: mark: %w", status.ErrBusy)
	}

	return nil
}

// Wait implements wait(set_id, out, max, timeout). It atomically reads
// and clears the pending counter; if it was zero, it futex-waits on the
// set's wake channel until the timeout elapses (returning
// status.ErrTimeout) or a mark makes pending positive, then retries. It
// splices min(pending, max) elements off the ready queue, adding any
// remainder back to pending for the next Wait, and fills out with their
// target, context, and event bits. Edge-triggered
// elements have their active bits cleared; level-triggered elements keep
// theirs and are re-appended to the ready queue, so they are reported
// again on the very next Wait until cleared by a narrowing control MOD.
func (r *Registry) Wait(setID uint64, out []Event, max int, timeout time.Duration) (int, error) {
	if max <= 0 || len(out) < max {
		return 0, fmt.Errorf("handle: wait: %w", status.ErrInvalidParameters)
	}

	set, err := r.resolveSet(setID)
	if err != nil {
		return 0, fmt.Errorf("handle: wait: %w", err)
	}

	for {
		pending := atomic.SwapInt32(&set.pending, 0)
		if pending <= 0 {
			timer := time.NewTimer(timeout)

			select {
			case <-set.wake:
				timer.Stop()
				continue
			case <-timer.C:
				return 0, fmt.Errorf("handle: wait: %w", status.ErrTimeout)
			}
		}

		n := int(pending)
		if n > max {
			n = max
		}

		set.mu.Lock()
		if n > len(set.ready) {
			n = len(set.ready)
		}

		drained := append([]*SetElement(nil), set.ready[:n]...)
		set.ready = set.ready[n:]
		set.mu.Unlock()

		if rest := pending - int32(n); rest > 0 && atomic.AddInt32(&set.pending, rest) == rest {
			select {
			case set.wake <- struct{}{}:
			default:
			}
		}

		count := 0

		for _, elem := range drained {
			elem.mu.Lock()

			var snapshot uint32

			edge := elem.flags&ElemEdge != 0
			if edge {
				snapshot = atomic.SwapUint32(&elem.active, 0)
			} else {
				// Level-triggered: only the bits still covered by the
				// current mask count as "condition still true"; a MOD
				// that narrows the mask to miss them clears readiness
				// without needing to touch the active bits themselves.
				snapshot = atomic.LoadUint32(&elem.active) & uint32(elem.mask)
			}

			out[count] = Event{Target: elem.Target, Events: EventMask(snapshot), Context: elem.Context}
			stillReady := !edge && snapshot != 0
			elem.mu.Unlock()

			count++

			if stillReady {
				set.mu.Lock()
				set.ready = append(set.ready, elem)
				set.mu.Unlock()
				atomic.AddInt32(&set.pending, 1)
			}
		}

		return count, nil
	}
}
