// Package handle is a process-wide table of reference-counted, typed
// resources, with an optional string path index, a background janitor
// that runs destructors off the releaser's stack, and handle sets that
// aggregate readiness across heterogeneous handles. It is grounded on
// kernel/handle.c's CreateHandle/AcquireHandle/DestroyHandle/
// HandleJanitorThread and
// CreateHandleSet/ControlHandleSet/WaitForHandleSet/MarkHandle.
package handle

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nilarch/kernel/internal/log"
	"github.com/nilarch/kernel/pkg/status"
)

// Type tags the variant of resource a handle refers to. The registry
// never interprets it beyond the optional check lookup_typed performs;
// callers own the namespace (file, socket, pipe, memory-space, event,
// timer, …).
type Type uint32

// TypeSet is reserved for handles whose resource is a *Set: a handle set
// is itself a handle, acquired, released, and looked up like any other.
const TypeSet Type = math.MaxUint32

// Destructor runs exactly once, in the janitor goroutine, when a
// handle's reference count transitions from one to zero.
type Destructor func(resource any)

// Handle is a system-wide-unique small integer key bound to an opaque
// resource.
type Handle struct {
	ID         uint64
	Type       Type
	Resource   any
	Destructor Destructor

	refs    int32
	pathKey string

	setsMu sync.Mutex
	sets   []*SetElement
}

// Registry is the global handle table: the id→handle map, the optional
// path→id index, and the janitor that defers destructor execution off
// the releaser's stack.
type Registry struct {
	mu      sync.Mutex
	idMap   map[uint64]*Handle
	pathMap map[string]uint64
	nextID  uint64

	cleanMu    sync.Mutex
	cleanQueue []*Handle

	// janitorSignal is drained to zero at construction and used as a
	// counting semaphore, inverted from its usual role as a concurrency
	// limiter: Release(1) posts one unit of work, Acquire(ctx, 1) in the
	// janitor loop consumes one, blocking when none is outstanding.
	janitorSignal *semaphore.Weighted
	janitorCancel context.CancelFunc
	janitorDone   chan struct{}

	logger *log.Logger
}

// NewRegistry constructs an empty registry and starts its janitor
// goroutine. Close stops the janitor.
func NewRegistry() *Registry {
	r := &Registry{
		idMap:         make(map[uint64]*Handle),
		pathMap:       make(map[string]uint64),
		janitorSignal: semaphore.NewWeighted(math.MaxInt64),
		janitorDone:   make(chan struct{}),
		logger:        log.DefaultLogger(),
	}

	// Drain the semaphore to zero so the janitor blocks until destroy()
	// posts work.
	_ = r.janitorSignal.Acquire(context.Background(), math.MaxInt64)

	ctx, cancel := context.WithCancel(context.Background())
	r.janitorCancel = cancel

	go r.janitor(ctx)

	return r
}

// Close stops the janitor goroutine and waits for it to exit. Handles
// already queued for destruction are not guaranteed to have run.
func (r *Registry) Close() {
	r.janitorCancel()
	<-r.janitorDone
}

func (r *Registry) janitor(ctx context.Context) {
	defer close(r.janitorDone)

	for {
		if err := r.janitorSignal.Acquire(ctx, 1); err != nil {
			return
		}

		r.drainOne()
	}
}

func (r *Registry) drainOne() {
	r.cleanMu.Lock()

	if len(r.cleanQueue) == 0 {
		r.cleanMu.Unlock()
		return
	}

	h := r.cleanQueue[0]
	r.cleanQueue = r.cleanQueue[1:]
	r.cleanMu.Unlock()

	if h.Destructor != nil {
		h.Destructor(h.Resource)
	}
}

// Create allocates a fresh handle id, initializes the record with
// refcount 1, and inserts it into the registry.
func (r *Registry) Create(typ Type, destructor Destructor, resource any) uint64 {
	id := atomic.AddUint64(&r.nextID, 1)
	h := &Handle{ID: id, Type: typ, Destructor: destructor, Resource: resource, refs: 1}

	r.mu.Lock()
	r.idMap[id] = h
	r.mu.Unlock()

	return id
}

func (r *Registry) lookupHandle(id uint64) (*Handle, bool) {
	r.mu.Lock()
	h, ok := r.idMap[id]
	r.mu.Unlock()

	return h, ok
}

// Lookup returns the resource behind id if its record exists and its
// refcount is currently positive. A record observed mid-destruction is
// reported as not-found.
func (r *Registry) Lookup(id uint64) (any, error) {
	h, ok := r.lookupHandle(id)
	if !ok {
		return nil, fmt.Errorf("handle: lookup: %w", status.ErrNotFound)
	}

	if atomic.LoadInt32(&h.refs) <= 0 {
		return nil, fmt.Errorf("handle: lookup: %w", status.ErrNotFound)
	}

	return h.Resource, nil
}

// LookupTyped additionally checks the handle's type tag.
func (r *Registry) LookupTyped(id uint64, typ Type) (any, error) {
	h, ok := r.lookupHandle(id)
	if !ok || h.Type != typ {
		return nil, fmt.Errorf("handle: lookup typed: %w", status.ErrNotFound)
	}

	if atomic.LoadInt32(&h.refs) <= 0 {
		return nil, fmt.Errorf("handle: lookup typed: %w", status.ErrNotFound)
	}

	return h.Resource, nil
}

// Acquire increments id's refcount, but only if it was positive
// beforehand: a plain fetch-add could resurrect a handle whose
// destructor is already queued, so this loops a compare-and-swap
// instead.
func (r *Registry) Acquire(id uint64) (any, error) {
	h, ok := r.lookupHandle(id)
	if !ok {
		return nil, fmt.Errorf("handle: acquire: %w", status.ErrNotFound)
	}

	for {
		cur := atomic.LoadInt32(&h.refs)
		if cur <= 0 {
			return nil, fmt.Errorf("handle: acquire: %w", status.ErrNotFound)
		}

		if atomic.CompareAndSwapInt32(&h.refs, cur, cur+1) {
			return h.Resource, nil
		}
	}
}

// Destroy decrements id's refcount. On the 1→0 transition it removes the
// handle from the id map and, if present, the path map, in the same
// critical section that observed the decrement, so no concurrent lookup
// can straddle the transition; it then enqueues the handle for the
// janitor and posts the wake signal.
func (r *Registry) Destroy(id uint64) error {
	r.mu.Lock()

	h, ok := r.idMap[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("handle: destroy: %w", status.ErrNotFound)
	}

	refs := atomic.AddInt32(&h.refs, -1)

	switch {
	case refs > 0:
		r.mu.Unlock()
		return nil
	case refs < 0:
		r.mu.Unlock()
		return fmt.Errorf("handle: destroy: %w: handle %d released too many times", status.ErrFatal, id)
	}

	delete(r.idMap, id)

	if h.pathKey != "" {
		delete(r.pathMap, h.pathKey)
	}

	r.mu.Unlock()

	r.cleanMu.Lock()
	r.cleanQueue = append(r.cleanQueue, h)
	r.cleanMu.Unlock()

	r.janitorSignal.Release(1)

	return nil
}

// RegisterPath indexes id by path. It fails with status.ErrExists if the
// handle already has a path, or the path is already taken.
func (r *Registry) RegisterPath(id uint64, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.idMap[id]
	if !ok {
		return fmt.Errorf("handle: register path: %w", status.ErrNotFound)
	}

	if h.pathKey != "" {
		return fmt.Errorf("handle: register path: %w: handle already has a path", status.ErrExists)
	}

	if _, taken := r.pathMap[path]; taken {
		return fmt.Errorf("handle: register path: %w: path %q already registered", status.ErrExists, path)
	}

	h.pathKey = path
	r.pathMap[path] = id

	return nil
}

// LookupByPath returns the id registered under path.
func (r *Registry) LookupByPath(path string) (uint64, error) {
	r.mu.Lock()
	id, ok := r.pathMap[path]
	r.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("handle: lookup by path: %w", status.ErrNotFound)
	}

	return id, nil
}
