package topology_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilarch/kernel/pkg/arch"
	"github.com/nilarch/kernel/pkg/status"
	"github.com/nilarch/kernel/pkg/topology"
)

func TestDefaultCoreCountIsBoundedByMaxCores(t *testing.T) {
	n := topology.DefaultCoreCount()
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, topology.MaxCores)
}

func TestMachineCapturesHostFeaturesAtConstruction(t *testing.T) {
	m := topology.NewMachine()
	// Whatever the host reports, it must be a stable, already-resolved
	// value rather than a lazily-evaluated one.
	assert.Equal(t, m.Features(), m.Features())
}

func TestRegisterPrimaryAndApplicationCores(t *testing.T) {
	m := topology.NewMachine()
	domain := m.NewDomain()

	primary, err := m.RegisterPrimaryCore(0, domain)
	require.NoError(t, err)
	assert.Same(t, primary, domain.Processor.Primary)

	ap, err := m.RegisterApplicationCore(1, domain)
	require.NoError(t, err)
	assert.Equal(t, []*topology.Core{ap}, domain.Processor.Application)

	got, ok := m.Core(1)
	require.True(t, ok)
	assert.Same(t, ap, got)
}

func TestRegisterCoreRejectsDuplicateAndOutOfRange(t *testing.T) {
	m := topology.NewMachine()
	domain := m.NewDomain()

	_, err := m.RegisterPrimaryCore(0, domain)
	require.NoError(t, err)

	_, err = m.RegisterApplicationCore(0, domain)
	assert.True(t, errors.Is(err, status.ErrExists))

	_, err = m.RegisterApplicationCore(topology.MaxCores, domain)
	assert.True(t, errors.Is(err, status.ErrInvalidParameters))
}

func TestCurrentCoreExactlyOne(t *testing.T) {
	m := topology.NewMachine()
	domain := m.NewDomain()

	primary, err := m.RegisterPrimaryCore(0, domain)
	require.NoError(t, err)
	ap, err := m.RegisterApplicationCore(1, domain)
	require.NoError(t, err)

	orig := arch.GetCoreID
	defer func() { arch.GetCoreID = orig }()

	arch.GetCoreID = func() arch.CoreID { return 0 }
	current, ok := m.CurrentCore()
	require.True(t, ok)
	assert.Same(t, primary, current)

	arch.GetCoreID = func() arch.CoreID { return 1 }
	current, ok = m.CurrentCore()
	require.True(t, ok)
	assert.Same(t, ap, current)
}

func TestActivateApplicationCorePublishesStateAndCount(t *testing.T) {
	m := topology.NewMachine()
	domain := m.NewDomain()

	_, err := m.RegisterPrimaryCore(0, domain)
	require.NoError(t, err)
	ap, err := m.RegisterApplicationCore(1, domain)
	require.NoError(t, err)

	require.NoError(t, m.ActivateApplicationCore(ap))

	assert.Equal(t, topology.CoreRunning, ap.State())
	assert.Equal(t, int32(1), m.ActiveCoreCount())
}

func TestPrimaryActivationStartsDomainApplicationCoresSerially(t *testing.T) {
	m := topology.NewMachine()
	domain := m.NewDomain()

	primary, err := m.RegisterPrimaryCore(0, domain)
	require.NoError(t, err)

	ap1, err := m.RegisterApplicationCore(1, domain)
	require.NoError(t, err)
	ap2, err := m.RegisterApplicationCore(2, domain)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		started []arch.CoreID
	)

	m.StartCore = func(id arch.CoreID) error {
		mu.Lock()
		started = append(started, id)
		mu.Unlock()

		return nil
	}

	require.NoError(t, m.ActivateApplicationCore(primary))

	assert.Equal(t, []arch.CoreID{ap1.ID, ap2.ID}, started)
}

func TestPrimaryActivationPropagatesStartCoreError(t *testing.T) {
	m := topology.NewMachine()
	domain := m.NewDomain()

	primary, err := m.RegisterPrimaryCore(0, domain)
	require.NoError(t, err)

	_, err = m.RegisterApplicationCore(1, domain)
	require.NoError(t, err)

	boom := errors.New("trampoline failed")
	m.StartCore = func(arch.CoreID) error { return boom }

	err = m.ActivateApplicationCore(primary)
	assert.True(t, errors.Is(err, boom))
}

func TestMessageSendExcludesSelfAndSkipsNotRunning(t *testing.T) {
	m := topology.NewMachine()
	domain := m.NewDomain()

	primary, err := m.RegisterPrimaryCore(0, domain)
	require.NoError(t, err)
	ap1, err := m.RegisterApplicationCore(1, domain)
	require.NoError(t, err)
	ap2, err := m.RegisterApplicationCore(2, domain)
	require.NoError(t, err)

	require.NoError(t, m.ActivateApplicationCore(primary))
	require.NoError(t, m.ActivateApplicationCore(ap1))
	// ap2 is left unactivated (still CoreUnavailable).

	orig := arch.GetCoreID
	defer func() { arch.GetCoreID = orig }()
	arch.GetCoreID = func() arch.CoreID { return primary.ID }

	origSend := arch.SendMessage
	defer func() { arch.SendMessage = origSend }()

	var (
		mu        sync.Mutex
		delivered []arch.CoreID
	)

	arch.SendMessage = func(coreID arch.CoreID, messageType int, fn arch.MessageFunc, arg any) bool {
		mu.Lock()
		delivered = append(delivered, coreID)
		mu.Unlock()

		return true
	}

	count := m.MessageSend(true, 1, func(any) {}, nil)

	assert.Equal(t, 1, count)
	assert.Equal(t, []arch.CoreID{ap1.ID}, delivered)
	_ = ap2
}

func TestMessageSendCountsEveryAttemptedDispatch(t *testing.T) {
	m := topology.NewMachine()
	domain := m.NewDomain()

	primary, err := m.RegisterPrimaryCore(0, domain)
	require.NoError(t, err)
	ap, err := m.RegisterApplicationCore(1, domain)
	require.NoError(t, err)

	require.NoError(t, m.ActivateApplicationCore(primary))
	require.NoError(t, m.ActivateApplicationCore(ap))

	origSend := arch.SendMessage
	defer func() { arch.SendMessage = origSend }()
	arch.SendMessage = func(arch.CoreID, int, arch.MessageFunc, any) bool { return false }

	count := m.MessageSend(false, 1, func(any) {}, nil)
	assert.Equal(t, 2, count)
}

func TestMessageSendWithNoRegisteredDomainsReturnsZero(t *testing.T) {
	m := topology.NewMachine()
	count := m.MessageSend(false, 1, func(any) {}, nil)
	assert.Equal(t, 0, count)
}
