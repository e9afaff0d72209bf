// ============================================================================
// Calculation Worker - Job Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes calculation jobs, each Worker runs in an
//           independent goroutine
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  Worker Goroutine                        │
//   │  ┌───────────────────────────────────┐   │
//   │  │ for task := range taskCh          │   │
//   │  │   ├─ Context with job timeout     │   │
//   │  │   ├─ execute items in order       │   │
//   │  │   └─ task.Done(result)            │   │
//   │  └───────────────────────────────────┘   │
//   └──────────────────────────────────────────┘
//
// Result Correlation:
//   Result item i always belongs to job item i. When the job context expires,
//   the remaining items are reported as failures instead of being dropped.
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/calcnode/pkg/types"
)

// Worker represents a work execution unit
type Worker struct {
	id       int         // Worker identifier, used for logging
	nodeID   string      // reported as the origin of every result
	taskCh   <-chan Task // Task channel (read-only)
	registry *Registry
	logger   *zap.Logger
}

func newWorker(id int, nodeID string, taskCh <-chan Task, registry *Registry, logger *zap.Logger) *Worker {
	return &Worker{
		id:       id,
		nodeID:   nodeID,
		taskCh:   taskCh,
		registry: registry,
		logger:   logger.With(zap.Int("worker", id)),
	}
}

// Run is the main loop of Worker. It returns once taskCh is closed and
// drained, so every submitted task gets its Done call.
func (w *Worker) Run() {
	for task := range w.taskCh {
		result := w.execute(task)
		if task.Done != nil {
			task.Done(result)
		}
	}
}

func (w *Worker) execute(task Task) *types.JobResult {
	start := time.Now()

	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	items := make([]types.JobResultItem, len(task.Job.Items))
	for i, item := range task.Job.Items {
		if err := ctx.Err(); err != nil {
			items[i] = types.JobResultItem{Status: types.ItemFailure, Diagnostic: err.Error()}
			continue
		}
		items[i] = w.registry.Execute(ctx, item)
	}

	result := &types.JobResult{
		Spec:     task.Job.Spec,
		Duration: time.Since(start),
		Items:    items,
		NodeID:   w.nodeID,
	}
	w.logger.Debug("job executed",
		zap.Stringer("job", result.Spec),
		zap.Int("items", len(items)),
		zap.Duration("duration", result.Duration))
	return result
}

// FailedResult reports every item of job as failed with diagnostic.
func FailedResult(job types.Job, nodeID, diagnostic string) *types.JobResult {
	items := make([]types.JobResultItem, len(job.Items))
	for i := range items {
		items[i] = types.JobResultItem{Status: types.ItemFailure, Diagnostic: diagnostic}
	}
	return &types.JobResult{Spec: job.Spec, Items: items, NodeID: nodeID}
}
