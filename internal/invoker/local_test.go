package invoker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChuLiYu/calcnode/internal/worker"
	"github.com/ChuLiYu/calcnode/pkg/types"
)

func newLocal(t *testing.T, workers int, reg *worker.Registry) *LocalInvoker {
	t.Helper()
	pool := worker.NewPool(workers, reg, "local-node")
	require.NoError(t, pool.Start(workers))
	t.Cleanup(pool.Stop)
	return NewLocalInvoker(pool, LocalConfig{Priority: 5, Logger: zap.NewNop()})
}

func blockingRegistry() (*worker.Registry, chan struct{}, chan struct{}) {
	release := make(chan struct{})
	started := make(chan struct{}, 16)
	reg := worker.DefaultRegistry()
	reg.Register("block", func(context.Context, types.JobItem) ([]types.ComputedValue, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	})
	return reg, release, started
}

func TestLocalInvokerRunsJob(t *testing.T) {
	inv := newLocal(t, 2, nil)
	assert.Equal(t, "local", inv.ID())
	assert.Equal(t, 5, inv.CanInvoke(spec(1), items("echo")))

	rec := newRecorder()
	require.True(t, inv.Invoke(spec(1), items("echo", "noop"), rec))

	res := rec.wait(t)
	assert.Equal(t, spec(1), res.Spec)
	assert.Equal(t, "local-node", res.NodeID)
	assert.Len(t, res.Items, 2)
	assert.False(t, res.Failed())
}

func TestLocalInvokerCapacityIsWorkerCount(t *testing.T) {
	reg, release, started := blockingRegistry()
	inv := newLocal(t, 2, reg)
	defer close(release)

	a, b := newRecorder(), newRecorder()
	require.True(t, inv.Invoke(spec(1), items("block"), a))
	require.True(t, inv.Invoke(spec(2), items("block"), b))
	assert.False(t, inv.Invoke(spec(3), items("block"), newRecorder()))

	<-started
	<-started
	st := inv.Stats()
	assert.Equal(t, int64(2), st.Launched)
	assert.Equal(t, int64(2), st.Capacity)
	assert.Equal(t, "local", st.Kind)
}

func TestLocalInvokerNotifiesWhenSlotFrees(t *testing.T) {
	reg, release, started := blockingRegistry()
	inv := newLocal(t, 1, reg)

	rec := newRecorder()
	require.True(t, inv.Invoke(spec(1), items("block"), rec))
	<-started

	woken := make(chan Invoker, 1)
	inv.NotifyWhenAvailable(RegistrationFunc(func(i Invoker) { woken <- i }))
	assert.Empty(t, woken)

	close(release)
	rec.wait(t)
	assert.Same(t, inv, (<-woken).(*LocalInvoker))
}

func TestLocalInvokerUnknownFunction(t *testing.T) {
	inv := newLocal(t, 1, nil)
	assert.Equal(t, CannotInvoke, inv.CanInvoke(spec(1), items("greeks")))
}

func TestLocalInvokerDuplicateSpec(t *testing.T) {
	reg, release, _ := blockingRegistry()
	inv := newLocal(t, 2, reg)
	defer close(release)

	require.True(t, inv.Invoke(spec(1), items("block"), newRecorder()))
	counting := &countingRegistration{}
	inv.gate.pending.Store(&pendingRegistration{reg: counting})

	assert.False(t, inv.Invoke(spec(1), items("block"), newRecorder()))
	assert.Equal(t, int64(1), inv.Stats().Launched)
	assert.Equal(t, int32(0), counting.calls.Load())
}

func TestLocalInvokerStoppedPool(t *testing.T) {
	pool := worker.NewPool(1, nil, "local-node")
	require.NoError(t, pool.Start(1))
	inv := NewLocalInvoker(pool, LocalConfig{ID: "cpu", Priority: 1, Logger: zap.NewNop()})
	pool.Stop()

	assert.Equal(t, CannotInvoke, inv.CanInvoke(spec(1), items("noop")))
	assert.False(t, inv.Invoke(spec(1), items("noop"), newRecorder()))
	assert.Equal(t, int64(0), inv.Stats().Launched)
	assert.True(t, inv.Stats().Failed)
}
