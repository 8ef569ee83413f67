package addrspace_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilarch/kernel/pkg/addrspace"
	"github.com/nilarch/kernel/pkg/pmm"
	"github.com/nilarch/kernel/pkg/ptable"
	"github.com/nilarch/kernel/pkg/status"
)

const frameSize = 0x1000

func newManager(t *testing.T, frames int) (*addrspace.Manager, *pmm.Allocator) {
	t.Helper()

	addrs := make([]uintptr, frames)
	for i := range addrs {
		addrs[i] = uintptr((i + 1) * frameSize)
	}

	pool := pmm.New(frameSize, addrs)

	// kernelEnd 0, threadLocalStart way above anything the tests map, so
	// every test address falls in the shared user region unless stated.
	m, err := addrspace.NewManager(pool, frameSize, ptable.EntryCount, 0, 0x40000000, 0x1000000)
	require.NoError(t, err)

	return m, pool
}

// Creating an address space and mapping a two-page region draws two
// frames from the pool, and the resulting mapping is addressable page by
// page.
func TestCloneAndMapDrawsTwoFrames(t *testing.T) {
	m, _ := newManager(t, 16)

	app, err := m.Create(addrspace.Application)
	require.NoError(t, err)

	var virt uintptr

	err = m.Map(app, nil, &virt, 8*1024, 0, ^uintptr(0))
	require.NoError(t, err)
	require.NotZero(t, virt)

	f0, _, ok, err := m.GetMapping(app, virt)
	require.NoError(t, err)
	require.True(t, ok)

	f1, _, ok, err := m.GetMapping(app, virt+frameSize)
	require.NoError(t, err)
	require.True(t, ok)

	assert.NotEqual(t, f0, f1)
}

func TestDestroyReturnsAllOwnedFrames(t *testing.T) {
	m, pool := newManager(t, 32)

	before := pool.FreeCount()

	app, err := m.Create(addrspace.Application)
	require.NoError(t, err)

	var virt uintptr
	require.NoError(t, m.Map(app, nil, &virt, 3*frameSize, 0, ^uintptr(0)))

	require.Less(t, pool.FreeCount(), before)

	require.NoError(t, m.Destroy(app))

	assert.Equal(t, before, pool.FreeCount())
}

func TestKernelSpaceNeverDestroyed(t *testing.T) {
	m, _ := newManager(t, 4)

	k, err := m.Create(addrspace.Kernel)
	require.NoError(t, err)
	assert.Same(t, m.Kernel(), k)

	require.NoError(t, m.Destroy(k))
	require.NoError(t, m.Destroy(m.Kernel()))

	assert.Same(t, m.Kernel(), m.Current())
}

func TestInheritReturnsCurrentSpace(t *testing.T) {
	m, _ := newManager(t, 4)

	app, err := m.Create(addrspace.Application)
	require.NoError(t, err)

	m.Switch(app)

	again, err := m.Create(addrspace.Inherit)
	require.NoError(t, err)
	assert.Same(t, app, again)
}

func TestCreateInvalidRoleIsFatal(t *testing.T) {
	m, _ := newManager(t, 4)

	_, err := m.Create(addrspace.Kernel | addrspace.Application)
	assert.True(t, errors.Is(err, status.ErrFatal))
}

func TestUnmapFreesOwnedFrames(t *testing.T) {
	m, pool := newManager(t, 16)

	before := pool.FreeCount()

	app, err := m.Create(addrspace.Application)
	require.NoError(t, err)

	var virt uintptr
	require.NoError(t, m.Map(app, nil, &virt, 2*frameSize, 0, ^uintptr(0)))
	require.NoError(t, m.Unmap(app, virt, 2*frameSize))

	// The leaf table itself stays installed (only destroy tears it down);
	// only the two page frames are returned, plus the directory stays
	// allocated for app until Destroy.
	assert.Equal(t, before-2, pool.FreeCount())
}

func TestIOBitmapDefaultsDeny(t *testing.T) {
	m, _ := newManager(t, 4)

	app, err := m.Create(addrspace.Application)
	require.NoError(t, err)

	assert.False(t, app.IsPortEnabled(0x3F8))

	app.EnablePort(0x3F8)
	assert.True(t, app.IsPortEnabled(0x3F8))

	app.DisablePort(0x3F8)
	assert.False(t, app.IsPortEnabled(0x3F8))
}

func TestChangeProtectionRecordsOldFlags(t *testing.T) {
	m, _ := newManager(t, 16)

	app, err := m.Create(addrspace.Application)
	require.NoError(t, err)

	var virt uintptr
	require.NoError(t, m.Map(app, nil, &virt, frameSize, 0, ^uintptr(0)))

	var old addrspace.MapFlags
	require.NoError(t, m.ChangeProtection(app, virt, frameSize, addrspace.ReadOnly, &old))

	assert.Equal(t, addrspace.MapFlags(0), old)

	_, flags, ok, err := m.GetMapping(app, virt)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, flags&addrspace.ReadOnly != 0)
}
