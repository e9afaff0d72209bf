package invoker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/calcnode/internal/logging"
	"github.com/ChuLiYu/calcnode/internal/worker"
	"github.com/ChuLiYu/calcnode/pkg/types"
)

// LocalConfig configures a LocalInvoker.
type LocalConfig struct {
	ID         string        // defaults to "local"
	Priority   int           // CanInvoke score, must be positive
	JobTimeout time.Duration // per job, 0 disables
	Logger     *zap.Logger
}

// LocalInvoker runs jobs on an in-process worker pool. Its capacity is the
// pool's worker count; admission and notification follow the same gate as the
// remote invoker.
type LocalInvoker struct {
	id       string
	pool     *worker.Pool
	priority int
	timeout  time.Duration
	logger   *zap.Logger

	gate     gate
	inflight sync.Map // types.JobSpecification -> struct{}
}

var (
	_ Invoker = (*LocalInvoker)(nil)
	_ Holder  = (*LocalInvoker)(nil)
)

// NewLocalInvoker wraps a started pool.
func NewLocalInvoker(pool *worker.Pool, cfg LocalConfig) *LocalInvoker {
	if cfg.ID == "" {
		cfg.ID = "local"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.L()
	}
	l := &LocalInvoker{
		id:       cfg.ID,
		pool:     pool,
		priority: cfg.Priority,
		timeout:  cfg.JobTimeout,
		logger:   logger.Named("invoker").With(zap.String("invoker", cfg.ID)),
	}
	l.gate.capacity.Store(int64(pool.GetWorkerCount()))
	return l
}

func (l *LocalInvoker) ID() string { return l.id }

// CanInvoke implements Invoker.
func (l *LocalInvoker) CanInvoke(_ types.JobSpecification, items []types.JobItem) int {
	if l.pool.IsStopped() || !l.pool.Registry().Supports(items) {
		return CannotInvoke
	}
	return l.priority
}

// Invoke implements Invoker.
func (l *LocalInvoker) Invoke(spec types.JobSpecification, items []types.JobItem, receiver ResultReceiver) bool {
	if receiver == nil {
		panic("invoker: nil ResultReceiver")
	}
	if !l.gate.admit() {
		return false
	}
	if _, loaded := l.inflight.LoadOrStore(spec, struct{}{}); loaded {
		l.gate.unadmit()
		l.logger.Warn("job is already in flight on this invoker", zap.Stringer("job", spec))
		return false
	}

	err := l.pool.Submit(worker.Task{
		Job:     types.Job{Spec: spec, Items: items},
		Timeout: l.timeout,
		Done: func(result *types.JobResult) {
			l.inflight.Delete(spec)
			l.gate.release(l)
			receiver.ResultReceived(result)
		},
	})
	if err != nil {
		l.inflight.Delete(spec)
		l.gate.release(l)
		l.logger.Warn("pool rejected admitted job", zap.Stringer("job", spec), zap.Error(err))
		return false
	}
	return true
}

// NotifyWhenAvailable implements Invoker.
func (l *LocalInvoker) NotifyWhenAvailable(reg Registration) {
	l.gate.register(l, reg)
}

// Holds implements Holder.
func (l *LocalInvoker) Holds(spec types.JobSpecification) bool {
	_, ok := l.inflight.Load(spec)
	return ok
}

// Stats implements Inspector.
func (l *LocalInvoker) Stats() Stats {
	return Stats{
		ID:       l.id,
		Kind:     "local",
		NodeID:   l.pool.NodeID(),
		Launched: l.gate.launched.Load(),
		Capacity: l.gate.capacity.Load(),
		Failed:   l.pool.IsStopped(),
	}
}
