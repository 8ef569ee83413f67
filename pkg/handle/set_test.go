package handle_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilarch/kernel/pkg/handle"
	"github.com/nilarch/kernel/pkg/status"
)

func TestControlAddMarkWait(t *testing.T) {
	r := newRegistry(t)

	target := r.Create(1, nil, "file")
	setID := r.CreateSet()

	require.NoError(t, r.Control(setID, handle.ADD, target, 0x1, "ctx", handle.ElemEdge))

	require.NoError(t, r.Mark(target, 0x1))

	out := make([]handle.Event, 4)
	n, err := r.Wait(setID, out, 4, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, target, out[0].Target)
	assert.Equal(t, "ctx", out[0].Context)
	assert.Equal(t, handle.EventMask(0x1), out[0].Events)
}

func TestMarkDisjointMasksOR(t *testing.T) {
	r := newRegistry(t)

	target := r.Create(1, nil, "file")
	setID := r.CreateSet()

	require.NoError(t, r.Control(setID, handle.ADD, target, 0x3, "ctx", handle.ElemEdge))

	require.NoError(t, r.Mark(target, 0x1))
	require.NoError(t, r.Mark(target, 0x2))

	out := make([]handle.Event, 4)
	n, err := r.Wait(setID, out, 4, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, handle.EventMask(0x3), out[0].Events)
}

func TestMarkWithNoMatchingElementIsBusy(t *testing.T) {
	r := newRegistry(t)

	target := r.Create(1, nil, "file")
	setID := r.CreateSet()

	require.NoError(t, r.Control(setID, handle.ADD, target, 0x1, nil, handle.ElemEdge))

	err := r.Mark(target, 0x2) // disjoint from the element's mask.
	assert.True(t, errors.Is(err, status.ErrBusy))
}

func TestMarkWithNoMembersIsBusy(t *testing.T) {
	r := newRegistry(t)

	target := r.Create(1, nil, "file")

	err := r.Mark(target, 0x1)
	assert.True(t, errors.Is(err, status.ErrBusy))
}

func TestWaitTimesOutWithNoPending(t *testing.T) {
	r := newRegistry(t)

	target := r.Create(1, nil, "file")
	setID := r.CreateSet()
	require.NoError(t, r.Control(setID, handle.ADD, target, 0x1, nil, handle.ElemEdge))

	out := make([]handle.Event, 4)
	_, err := r.Wait(setID, out, 4, 10*time.Millisecond)
	assert.True(t, errors.Is(err, status.ErrTimeout))
}

func TestLevelTriggeredStaysReadyUntilCleared(t *testing.T) {
	r := newRegistry(t)

	target := r.Create(1, nil, "file")
	setID := r.CreateSet()
	require.NoError(t, r.Control(setID, handle.ADD, target, 0x1, nil, 0)) // level-triggered.

	require.NoError(t, r.Mark(target, 0x1))

	out := make([]handle.Event, 1)

	n, err := r.Wait(setID, out, 1, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Level-triggered: still ready on the very next Wait without a fresh mark.
	n, err = r.Wait(setID, out, 1, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, r.Control(setID, handle.MOD, target, 0, nil, 0))

	// One more re-armed entry was already queued before the MOD took
	// effect; it drains with an empty event mask and is not re-queued.
	n, err = r.Wait(setID, out, 1, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, handle.EventMask(0), out[0].Events)

	_, err = r.Wait(setID, out, 1, 10*time.Millisecond)
	assert.True(t, errors.Is(err, status.ErrTimeout))
}

func TestControlAddReadyNow(t *testing.T) {
	r := newRegistry(t)

	target := r.Create(1, nil, "file")
	setID := r.CreateSet()

	require.NoError(t, r.Control(setID, handle.ADD, target, 0x4, nil, handle.ElemEdge|handle.ElemReadyNow))

	out := make([]handle.Event, 1)
	n, err := r.Wait(setID, out, 1, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, handle.EventMask(0x4), out[0].Events)
}

func TestControlAddDuplicateFails(t *testing.T) {
	r := newRegistry(t)

	target := r.Create(1, nil, "file")
	setID := r.CreateSet()

	require.NoError(t, r.Control(setID, handle.ADD, target, 0x1, nil, 0))

	err := r.Control(setID, handle.ADD, target, 0x1, nil, 0)
	assert.True(t, errors.Is(err, status.ErrExists))
}

func TestControlDelBalancesAcquireAndRemovesFromSet(t *testing.T) {
	r := newRegistry(t)

	target := r.Create(1, nil, "file")
	setID := r.CreateSet()

	require.NoError(t, r.Control(setID, handle.ADD, target, 0x1, nil, 0))
	require.NoError(t, r.Control(setID, handle.DEL, target, 0, nil, 0))

	// DEL's destroy balances ADD's acquire, but the caller's own
	// reference from Create is untouched.
	res, err := r.Lookup(target)
	require.NoError(t, err)
	assert.Equal(t, "file", res)
}

func TestSetDestroyReleasesItself(t *testing.T) {
	r := newRegistry(t)

	setID := r.CreateSet()
	require.NoError(t, r.Destroy(setID))

	_, err := r.Lookup(setID)
	assert.True(t, errors.Is(err, status.ErrNotFound))
}
