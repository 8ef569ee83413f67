package arch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nilarch/kernel/pkg/arch"
)

func TestDefaultsAreInertSeams(t *testing.T) {
	assert.Equal(t, arch.CoreID(0), arch.GetCoreID())
	assert.True(t, arch.SendMessage(0, 1, func(any) {}, nil))

	// None of these should panic with the default, no-op implementations.
	arch.UpdateVirtualAddressing(0, 0)
	arch.ReloadTLB()
	arch.InterruptEnable()
	arch.InterruptDisable()
	arch.Idle()
}

func TestSeamsAreReplaceable(t *testing.T) {
	orig := arch.GetCoreID
	defer func() { arch.GetCoreID = orig }()

	arch.GetCoreID = func() arch.CoreID { return 7 }
	assert.Equal(t, arch.CoreID(7), arch.GetCoreID())
}

func TestSendMessageSeamReceivesArguments(t *testing.T) {
	orig := arch.SendMessage
	defer func() { arch.SendMessage = orig }()

	var (
		gotCore arch.CoreID
		gotType int
		gotArg  any
	)

	arch.SendMessage = func(coreID arch.CoreID, messageType int, fn arch.MessageFunc, arg any) bool {
		gotCore, gotType, gotArg = coreID, messageType, arg
		fn(arg)

		return false
	}

	ran := false
	ok := arch.SendMessage(3, 9, func(any) { ran = true }, "payload")

	assert.False(t, ok)
	assert.Equal(t, arch.CoreID(3), gotCore)
	assert.Equal(t, 9, gotType)
	assert.Equal(t, "payload", gotArg)
	assert.True(t, ran)
}
