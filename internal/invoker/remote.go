package invoker

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ChuLiYu/calcnode/internal/logging"
	"github.com/ChuLiYu/calcnode/internal/protocol"
	"github.com/ChuLiYu/calcnode/pkg/types"
)

// Sender is the outbound half of one worker connection.
type Sender interface {
	// ID identifies the connection; it names the origin of synthetic
	// connection-failure results.
	ID() string
	// Send must be safe for concurrent use.
	Send(msg protocol.Message) error
}

// RemoteConfig configures a RemoteInvoker.
type RemoteConfig struct {
	Priority int         // CanInvoke score, must be positive
	Logger   *zap.Logger // defaults to logging.L()
}

// RemoteInvoker represents exactly one remote calculation node connection.
//
// It is driven from two sides: the dispatcher calls CanInvoke, Invoke and
// NotifyWhenAvailable, and the connection's receive loop calls Receive with
// every inbound message. Neither side takes a lock held by the other.
type RemoteInvoker struct {
	conn     Sender
	priority int
	logger   *zap.Logger

	gate      gate
	inflight  sync.Map // types.JobSpecification -> *inflightJob
	functions atomic.Pointer[map[string]struct{}]
	nodeID    atomic.String

	sending sync.WaitGroup
}

type inflightJob struct {
	receiver ResultReceiver
	items    int
}

var (
	_ Invoker = (*RemoteInvoker)(nil)
	_ Holder  = (*RemoteInvoker)(nil)
)

// NewRemoteInvoker builds an invoker for conn. ready is the node's initial
// advertisement and is applied before any job can be admitted.
func NewRemoteInvoker(conn Sender, ready *protocol.Ready, cfg RemoteConfig) *RemoteInvoker {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.L()
	}
	r := &RemoteInvoker{
		conn:     conn,
		priority: cfg.Priority,
		logger:   logger.Named("invoker").With(zap.String("conn", conn.ID())),
	}
	if ready != nil {
		r.applyReady(ready)
	}
	return r
}

func (r *RemoteInvoker) ID() string { return r.conn.ID() }

// CanInvoke returns the configured priority unless the connection failed or
// the node advertised a function set that does not cover every item.
func (r *RemoteInvoker) CanInvoke(_ types.JobSpecification, items []types.JobItem) int {
	if r.gate.failed.Load() {
		return CannotInvoke
	}
	if fns := r.functions.Load(); fns != nil {
		for _, item := range items {
			if _, ok := (*fns)[item.FunctionID]; !ok {
				return CannotInvoke
			}
		}
	}
	return r.priority
}

// Invoke admits the job if the node has a free slot and ships it from a
// separate goroutine.
func (r *RemoteInvoker) Invoke(spec types.JobSpecification, items []types.JobItem, receiver ResultReceiver) bool {
	if receiver == nil {
		panic("invoker: nil ResultReceiver")
	}
	if !r.gate.admit() {
		r.logger.Debug("job not admitted",
			zap.Stringer("job", spec),
			zap.Int64("launched", r.gate.launched.Load()),
			zap.Int64("capacity", r.gate.capacity.Load()))
		return false
	}

	entry := &inflightJob{receiver: receiver, items: len(items)}
	if _, loaded := r.inflight.LoadOrStore(spec, entry); loaded {
		r.gate.unadmit()
		r.logger.Warn("job is already in flight on this connection", zap.Stringer("job", spec))
		return false
	}

	// A failure that drained the map before our entry landed must still
	// resolve it.
	if r.gate.failed.Load() {
		r.cancel(spec)
		return true
	}

	job := types.Job{Spec: spec, Items: items}
	r.sending.Add(1)
	go r.send(job)
	return true
}

func (r *RemoteInvoker) send(job types.Job) {
	defer r.sending.Done()
	if err := r.conn.Send(&protocol.Execute{Job: job}); err != nil {
		r.logger.Warn("failed to send job", zap.Stringer("job", job.Spec), zap.Error(err))
		r.cancel(job.Spec)
	}
}

// NotifyWhenAvailable implements Invoker.
func (r *RemoteInvoker) NotifyWhenAvailable(reg Registration) {
	r.gate.register(r, reg)
}

// Receive handles one inbound message of this connection. It is called by
// the transport's receive loop.
func (r *RemoteInvoker) Receive(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Ready:
		r.applyReady(m)
	case *protocol.Result:
		if m.Ready != nil {
			r.applyReady(m.Ready)
		}
		result := m.Result
		r.resultReceived(&result)
	case *protocol.ConnectionState:
		switch m.State {
		case protocol.StateFailed:
			r.connectionFailed(m.Cause)
		case protocol.StateReset:
			r.logger.Info("connection reset by peer", zap.String("cause", m.Cause))
		default:
			r.logger.Warn("unknown connection state", zap.Stringer("state", m.State))
		}
	default:
		r.logger.Warn("unexpected message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (r *RemoteInvoker) applyReady(m *protocol.Ready) {
	if m.NodeID != "" {
		r.nodeID.Store(m.NodeID)
	}
	if len(m.Functions) > 0 {
		fns := make(map[string]struct{}, len(m.Functions))
		for _, fn := range m.Functions {
			fns[fn] = struct{}{}
		}
		r.functions.Store(&fns)
	} else {
		r.functions.Store(nil)
	}
	if r.gate.setCapacity(r, int64(m.Capacity)) {
		r.logger.Debug("capacity updated", zap.Int32("capacity", m.Capacity))
	}
}

// resultReceived frees the slot (waking a pending registration) before the
// receiver runs, so a slow receiver does not hold back admission.
func (r *RemoteInvoker) resultReceived(result *types.JobResult) {
	v, ok := r.inflight.LoadAndDelete(result.Spec)
	if !ok {
		r.logger.Warn("result for unknown job dropped",
			zap.Stringer("job", result.Spec),
			zap.String("node", result.NodeID))
		return
	}
	entry := v.(*inflightJob)
	r.gate.release(r)

	if len(result.Items) != entry.items {
		r.logger.Warn("result item count does not match job",
			zap.Stringer("job", result.Spec),
			zap.Int("job_items", entry.items),
			zap.Int("result_items", len(result.Items)))
	}
	entry.receiver.ResultReceived(result)
}

func (r *RemoteInvoker) connectionFailed(cause string) {
	if r.gate.fail() {
		r.logger.Warn("connection failed", zap.String("cause", cause))
	}
	r.inflight.Range(func(key, _ any) bool {
		r.cancel(key.(types.JobSpecification))
		return true
	})
}

// cancel resolves an in-flight job with a connection-failure result. Only the
// first of concurrent cancel/result paths wins the entry.
func (r *RemoteInvoker) cancel(spec types.JobSpecification) {
	v, ok := r.inflight.LoadAndDelete(spec)
	if !ok {
		return
	}
	r.gate.release(r)
	v.(*inflightJob).receiver.ResultReceived(types.ConnectionFailedResult(spec, r.conn.ID()))
}

// Holds implements Holder.
func (r *RemoteInvoker) Holds(spec types.JobSpecification) bool {
	_, ok := r.inflight.Load(spec)
	return ok
}

// Failed reports whether the connection has failed.
func (r *RemoteInvoker) Failed() bool { return r.gate.failed.Load() }

// Stats implements Inspector.
func (r *RemoteInvoker) Stats() Stats {
	return Stats{
		ID:       r.ID(),
		Kind:     "remote",
		NodeID:   r.nodeID.Load(),
		Launched: r.gate.launched.Load(),
		Capacity: r.gate.capacity.Load(),
		Failed:   r.gate.failed.Load(),
	}
}
