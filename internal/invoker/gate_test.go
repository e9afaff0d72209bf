package invoker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateUnadmitLeavesRegistrationPending(t *testing.T) {
	var g gate
	g.capacity.Store(1)
	inv, _ := newRemote(t, 1, 1)
	reg := &countingRegistration{}

	require.True(t, g.admit())
	// stored while saturated, as NotifyWhenAvailable would
	g.pending.Store(&pendingRegistration{reg: reg})

	g.unadmit()
	assert.Equal(t, int64(0), g.launched.Load())
	assert.Equal(t, int32(0), reg.calls.Load())
	assert.NotNil(t, g.pending.Load())

	require.True(t, g.admit())
	g.release(inv)
	assert.Equal(t, int32(1), reg.calls.Load())
	assert.Nil(t, g.pending.Load())
}
