// Package topology enumerates processors and cores and dispatches short
// functions to peer cores over an inter-processor interrupt. It is
// grounded on kernel/components/cpu.c's TxuTable, GetProcessorCore,
// RegisterStaticCore, RegisterApplicationCore, ActivateApplicationCore,
// and ProcessorMessageSend.
package topology

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/cpu"

	"github.com/nilarch/kernel/pkg/arch"
	"github.com/nilarch/kernel/pkg/status"
)

// MaxCores bounds the core table, mirroring cpu.c's fixed 256-entry
// TxuTable.
const MaxCores = 256

// Features is a snapshot of host CPU capabilities relevant to bring-up,
// read once via golang.org/x/sys/cpu. Nothing in this package branches on
// it; it is captured for the boot sequence to log alongside the core
// count, the same way a real bring-up path records feature bits it later
// hands to the scheduler or driver layer.
type Features struct {
	AVX2 bool
}

func hostFeatures() Features {
	return Features{AVX2: cpu.X86.HasAVX2}
}

// DefaultCoreCount returns a host-derived default for how many cores to
// register, bounded by MaxCores. It reads runtime.NumCPU() rather than
// hardcoding a constant, so a boot harness sizing its core table has a
// real number to start from.
func DefaultCoreCount() int {
	n := runtime.NumCPU()
	if n > MaxCores {
		return MaxCores
	}

	return n
}

// CoreState is a core's bring-up state.
type CoreState int32

const (
	CoreUnavailable CoreState = iota
	CoreRunning
)

// Core is one hardware execution context.
type Core struct {
	ID     arch.CoreID
	Domain *Domain

	state atomic.Int32
}

// State reports the core's current bring-up state.
func (c *Core) State() CoreState {
	return CoreState(c.state.Load())
}

// Processor groups one primary core and zero or more application cores.
type Processor struct {
	Primary     *Core
	Application []*Core
}

// Domain owns one processor. A single-domain machine has exactly one;
// a NUMA-style machine has several.
type Domain struct {
	Processor *Processor
}

// StartCoreFunc performs the architecture-specific work of jumping an
// application processor into kernel code (the real-mode trampoline and
// long-jump sequence are out of this package's scope). It is called
// serially, once per application core, by the domain's primary core
// during its own activation.
type StartCoreFunc func(id arch.CoreID) error

// Machine is the bounded core table plus its domains. Registration
// during boot is serialized by mu; the table itself (cores) is read
// lock-free afterward via atomic pointers, since it is written only
// during boot and never mutated once bring-up completes.
type Machine struct {
	mu      sync.Mutex
	cores   [MaxCores]atomic.Pointer[Core]
	domains []*Domain

	active atomic.Int32

	features Features

	// StartCore defaults to a no-op; callers wire it to the real
	// trampoline invocation. Exposed as a field, rather than a
	// constructor argument, so tests can substitute a fake and observe
	// the serial fan-out order ActivateApplicationCore performs.
	StartCore StartCoreFunc
}

// NewMachine returns an empty machine, capturing the host's CPU feature
// set.
func NewMachine() *Machine {
	return &Machine{
		StartCore: func(arch.CoreID) error { return nil },
		features:  hostFeatures(),
	}
}

// Features returns the CPU feature set captured at construction.
func (m *Machine) Features() Features {
	return m.features
}

// NewDomain allocates a new, empty domain.
func (m *Machine) NewDomain() *Domain {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := &Domain{Processor: &Processor{}}
	m.domains = append(m.domains, d)

	return d
}

func (m *Machine) registerCore(id arch.CoreID, domain *Domain) (*Core, error) {
	if int(id) >= MaxCores {
		return nil, fmt.Errorf("topology: register core: %w: id %d out of range", status.ErrInvalidParameters, id)
	}

	core := &Core{ID: id, Domain: domain}

	if !m.cores[id].CompareAndSwap(nil, core) {
		return nil, fmt.Errorf("topology: register core: %w: id %d already registered", status.ErrExists, id)
	}

	return core, nil
}

// RegisterPrimaryCore registers domain's primary core. It is called once
// per domain, for the boot CPU (or, in a multi-domain machine, for each
// domain's bring-up core).
func (m *Machine) RegisterPrimaryCore(id arch.CoreID, domain *Domain) (*Core, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	core, err := m.registerCore(id, domain)
	if err != nil {
		return nil, err
	}

	domain.Processor.Primary = core

	return core, nil
}

// RegisterApplicationCore registers one of domain's application cores,
// populating its slot as application-processor bring-up discovers it.
func (m *Machine) RegisterApplicationCore(id arch.CoreID, domain *Domain) (*Core, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	core, err := m.registerCore(id, domain)
	if err != nil {
		return nil, err
	}

	domain.Processor.Application = append(domain.Processor.Application, core)

	return core, nil
}

// Core looks up a registered core by id.
func (m *Machine) Core(id arch.CoreID) (*Core, bool) {
	if int(id) >= MaxCores {
		return nil, false
	}

	c := m.cores[id].Load()

	return c, c != nil
}

// CurrentCore looks up the core the caller is presently executing on.
func (m *Machine) CurrentCore() (*Core, bool) {
	return m.Core(arch.GetCoreID())
}

// ActiveCoreCount returns the machine-wide count of cores that have
// published state=running.
func (m *Machine) ActiveCoreCount() int32 {
	return m.active.Load()
}

// ActivateApplicationCore is called on an application processor once it
// has jumped into kernel code. It publishes state=running, increments
// the machine-wide active count, enables interrupts, and idles. If core
// is a domain's primary, it then serially starts the remaining
// application cores of that domain.
func (m *Machine) ActivateApplicationCore(core *Core) error {
	core.state.Store(int32(CoreRunning))
	m.active.Add(1)

	arch.InterruptEnable()
	arch.Idle()

	if core.Domain == nil || core.Domain.Processor.Primary != core {
		return nil
	}

	for _, ap := range core.Domain.Processor.Application {
		if err := m.StartCore(ap.ID); err != nil {
			return fmt.Errorf("topology: activate application core: %w", err)
		}
	}

	return nil
}

// MessageSend implements message_send(exclude_self, type, function,
// argument). It targets the current processor (the current core's own
// domain if the machine has more than one, otherwise the machine's
// single processor), dispatching to the primary core and every
// application core whose state is running and which passes the
// self-exclusion filter. It returns the number of dispatch attempts made,
// regardless of whether arch.SendMessage accepted or rejected each one,
// matching ProcessorMessageSend's unconditional execution count. Dispatch
// to each destination races concurrently with the others, since ordering
// across destinations is unordered; ordering within one destination is
// guaranteed by arch.SendMessage's own FIFO enqueue.
func (m *Machine) MessageSend(excludeSelf bool, messageType int, fn arch.MessageFunc, arg any) int {
	processor := m.targetProcessor()
	if processor == nil {
		return 0
	}

	targets := make([]*Core, 0, 1+len(processor.Application))
	if processor.Primary != nil {
		targets = append(targets, processor.Primary)
	}

	targets = append(targets, processor.Application...)

	selfID := arch.GetCoreID()

	var (
		group errgroup.Group
		count atomic.Int32
	)

	for _, c := range targets {
		c := c

		if c.State() != CoreRunning {
			continue
		}

		if excludeSelf && c.ID == selfID {
			continue
		}

		group.Go(func() error {
			arch.SendMessage(c.ID, messageType, fn, arg)
			count.Add(1)

			return nil
		})
	}

	_ = group.Wait()

	return int(count.Load())
}

func (m *Machine) targetProcessor() *Processor {
	if current, ok := m.CurrentCore(); ok && current.Domain != nil {
		return current.Domain.Processor
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.domains) == 1 {
		return m.domains[0].Processor
	}

	return nil
}
