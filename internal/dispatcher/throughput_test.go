package dispatcher

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChuLiYu/calcnode/internal/invoker"
	"github.com/ChuLiYu/calcnode/internal/worker"
	"github.com/ChuLiYu/calcnode/pkg/types"
)

func generateTestJobs(cycle int64, count int) []types.Job {
	jobs := make([]types.Job, count)
	for i := range jobs {
		jobs[i] = types.Job{
			Spec:  types.JobSpecification{ViewProcessID: "bench", CycleID: cycle, JobID: int64(i)},
			Items: []types.JobItem{{TargetID: fmt.Sprintf("SEC-%d", i), FunctionID: "noop"}},
		}
	}
	return jobs
}

func newLocalDispatcher(tb testing.TB, workers int) *Dispatcher {
	tb.Helper()
	pool := worker.NewPool(workers, worker.DefaultRegistry(), "bench")
	require.NoError(tb, pool.Start(workers))

	d := New(Config{}, WithLogger(zap.NewNop()))
	d.Start()
	require.NoError(tb, d.AddInvoker(invoker.NewLocalInvoker(pool, invoker.LocalConfig{Priority: 1, Logger: zap.NewNop()})))
	tb.Cleanup(func() {
		d.Stop()
		pool.Stop()
	})
	return d
}

func runCycle(tb testing.TB, d *Dispatcher, jobs []types.Job) {
	chans := make([]<-chan *types.JobResult, 0, len(jobs))
	for _, job := range jobs {
		ch, err := d.Submit(job)
		require.NoError(tb, err)
		chans = append(chans, ch)
	}
	for _, ch := range chans {
		select {
		case r := <-ch:
			require.False(tb, r.IsCancellation())
		case <-time.After(10 * time.Second):
			tb.Fatal("cycle did not complete")
		}
	}
}

func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}
	d := newLocalDispatcher(t, 8)

	const count = 2000
	start := time.Now()
	runCycle(t, d, generateTestJobs(1, count))
	elapsed := time.Since(start)

	t.Logf("%d jobs in %s (%.0f jobs/s)", count, elapsed, float64(count)/elapsed.Seconds())
	require.Equal(t, count, d.Status().Jobs.Completed)
}

func BenchmarkThroughput(b *testing.B) {
	d := newLocalDispatcher(b, 8)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		runCycle(b, d, generateTestJobs(int64(i), 100))
	}
}
