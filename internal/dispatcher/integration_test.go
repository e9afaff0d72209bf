package dispatcher

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/calcnode/internal/invoker"
	"github.com/ChuLiYu/calcnode/internal/transport"
	"github.com/ChuLiYu/calcnode/internal/worker"
	"github.com/ChuLiYu/calcnode/pkg/types"
)

func echoJob(id int64, targets ...string) types.Job {
	job := types.Job{Spec: types.JobSpecification{ViewProcessID: "vp-e2e", CycleID: 7, JobID: id}}
	for _, target := range targets {
		job.Items = append(job.Items, types.JobItem{
			TargetID:       target,
			FunctionID:     "echo",
			DesiredOutputs: []types.ValueSpecification{{ValueName: "PV", TargetID: target}},
		})
	}
	return job
}

// startCluster serves d on an in-memory listener and returns a dialer for
// calculation nodes.
func startCluster(t *testing.T, d *Dispatcher) worker.Dialer {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := transport.NewServer(d, zap.NewNop(), grpc.WaitForHandlers(true))
	served := make(chan struct{})
	go func() {
		defer close(served)
		assert.NoError(t, srv.Serve(lis))
	}()
	t.Cleanup(func() {
		srv.Stop()
		<-served
	})

	return func(ctx context.Context) (worker.Link, error) {
		link, err := transport.Dial(ctx, "passthrough:///bufnet",
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}))
		if err != nil {
			return nil, err
		}
		return link, nil
	}
}

func runNode(t *testing.T, cfg worker.NodeConfig, dial worker.Dialer) context.CancelFunc {
	t.Helper()
	cfg.Logger = zap.NewNop()
	node, err := worker.NewNode(cfg, dial)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		err := node.Run(ctx)
		assert.True(t, errors.Is(err, context.Canceled), "node exited with %v", err)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return cancel
}

func TestEndToEndOverTransport(t *testing.T) {
	d := newDispatcher(t, Config{RemotePriority: 2})
	dial := startCluster(t, d)
	runNode(t, worker.NodeConfig{NodeID: "node-1", Capacity: 2}, dial)

	eventually(t, func() bool { return d.Pool().Len() == 1 }, "node should join the pool")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job := echoJob(1, "SEC-1", "SEC-2")
	result, err := d.Execute(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, "node-1", result.NodeID)
	require.Len(t, result.Items, 2)
	for i, item := range result.Items {
		assert.Equal(t, types.ItemSuccess, item.Status)
		require.Len(t, item.Values, 1)
		assert.Equal(t, job.Items[i].TargetID, string(item.Values[0].Value))
	}

	st := d.Status()
	require.Len(t, st.Invokers, 1)
	assert.Equal(t, "remote", st.Invokers[0].Kind)
	assert.Equal(t, "node-1", st.Invokers[0].NodeID)
	assert.Equal(t, int64(2), st.Invokers[0].Capacity)
}

func TestEndToEndManyJobsAcrossNodes(t *testing.T) {
	d := newDispatcher(t, Config{})
	dial := startCluster(t, d)
	runNode(t, worker.NodeConfig{NodeID: "node-1", Capacity: 1}, dial)
	runNode(t, worker.NodeConfig{NodeID: "node-2", Capacity: 3}, dial)
	eventually(t, func() bool { return d.Pool().Len() == 2 }, "both nodes should join")

	const n = 40
	var chans []<-chan *types.JobResult
	for i := int64(1); i <= n; i++ {
		ch, err := d.Submit(echoJob(i, "T"))
		require.NoError(t, err)
		chans = append(chans, ch)
	}

	nodes := map[string]int{}
	for _, ch := range chans {
		r := await(t, ch)
		require.False(t, r.IsCancellation())
		nodes[r.NodeID]++
	}
	assert.Equal(t, n, nodes["node-1"]+nodes["node-2"])
	assert.Equal(t, n, d.Status().Jobs.Completed)
}

func TestNodeLeavingIsRemovedFromPool(t *testing.T) {
	d := newDispatcher(t, Config{})
	dial := startCluster(t, d)
	cancel := runNode(t, worker.NodeConfig{NodeID: "node-1", Capacity: 1}, dial)
	eventually(t, func() bool { return d.Pool().Len() == 1 }, "node should join")

	cancel()
	eventually(t, func() bool { return d.Pool().Len() == 0 }, "node should leave")

	// a job submitted meanwhile waits for the next node
	done, err := d.Submit(echoJob(1, "T"))
	require.NoError(t, err)
	runNode(t, worker.NodeConfig{NodeID: "node-2", Capacity: 1}, dial)
	assert.Equal(t, "node-2", await(t, done).NodeID)
}

func TestLocalInvoker(t *testing.T) {
	pool := worker.NewPool(2, worker.DefaultRegistry(), "local-node")
	require.NoError(t, pool.Start(2))
	defer pool.Stop()

	d := newDispatcher(t, Config{})
	require.NoError(t, d.AddInvoker(invoker.NewLocalInvoker(pool, invoker.LocalConfig{Priority: 1, Logger: zap.NewNop()})))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := d.Execute(ctx, echoJob(1, "SEC-9"))
	require.NoError(t, err)
	assert.Equal(t, "local-node", result.NodeID)
	assert.Equal(t, "SEC-9", string(result.Items[0].Values[0].Value))

	st := d.Status()
	require.Len(t, st.Invokers, 1)
	assert.Equal(t, "local", st.Invokers[0].Kind)
}

func TestAcceptAfterStopIsRejected(t *testing.T) {
	d := New(Config{}, WithLogger(zap.NewNop()))
	d.Start()
	d.Stop()

	_, err := d.Accept(nil, nil)
	assert.ErrorIs(t, err, ErrStopped)
}
