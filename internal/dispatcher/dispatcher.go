// ============================================================================
// Calculation Dispatcher - 調度核心
// ============================================================================
//
// Package: internal/dispatcher
// 文件: dispatcher.go
// 功能: 將提交的 calculation job 派發到 invoker pool，處理結果、取消與超時
//
// 核心循環 (2 個並發 Goroutine):
//   1. Dispatch Loop - 被喚醒時把 pending 隊列中的任務交給 invoker
//   2. Timeout Loop  - 定期掃描超時的 attempt（只在 JobTimeout > 0 時啟動）
//
// 喚醒來源:
//   - Submit / Requeue
//   - Pool 成員變化（AddInvoker / RemoveInvoker）
//   - invoker 的 NotifyWhenAvailable 回調
//   - 後備 ticker（DispatchInterval）
//
// 派發規則:
//   每個 pending job 依 CanInvoke 分數由高到低嘗試（同分按 invoker ID），
//   第一個 Invoke 返回 true 的 invoker 得到這個 job。沒被接受的 job 按原順序
//   放回隊首，並向拒絕過它的 invoker 註冊 NotifyWhenAvailable。
//   超時的 attempt 仍佔著原 invoker，直到它交回結果前重試不會送往該 invoker；
//   多次超時時每個仍持有舊 attempt 的 invoker 都被跳過。
//   仍持有該 job 的 invoker（invoker.Holder）不算拒絕，不向它註冊 NotifyWhenAvailable。
//
// 結果處理:
//   - 一般結果（含 item 失敗）→ Finish，送給呼叫方
//   - 取消結果（連線失敗 / 超時）→ attempt < MaxAttempts 時 Requeue，
//     否則作為最終結果送出
//   - 舊 attempt 的遲到結果 → 丟棄並記錄 Warn
//
// 並發安全:
//   - invoker 可能在 Invoke 內同步呼叫 receiver，派發時不持有任何鎖
//   - 任務狀態由 JobManager 保護，attempt 編號避免舊結果覆蓋新派發
//
// ============================================================================

package dispatcher

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ChuLiYu/calcnode/internal/invoker"
	"github.com/ChuLiYu/calcnode/internal/jobmanager"
	"github.com/ChuLiYu/calcnode/internal/logging"
	"github.com/ChuLiYu/calcnode/internal/metrics"
	"github.com/ChuLiYu/calcnode/pkg/types"
)

// ErrStopped is returned for work offered to a stopped dispatcher.
var ErrStopped = errors.New("dispatcher stopped")

// ============================================================================
// 配置
// ============================================================================

// Config Dispatcher 配置
type Config struct {
	JobTimeout          time.Duration // 單次 attempt 超時，0 表示不檢查
	TimeoutScanInterval time.Duration // 超時掃描間隔
	DispatchInterval    time.Duration // 後備派發間隔
	MaxAttempts         int           // 取消結果最多重試到第幾次 attempt
	RemotePriority      int           // 遠端 invoker 的 CanInvoke 分數
}

func (c *Config) setDefaults() {
	if c.TimeoutScanInterval <= 0 {
		c.TimeoutScanInterval = time.Second
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 100 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RemotePriority <= 0 {
		c.RemotePriority = 1
	}
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = c }
}

// WithClock replaces the clock used for deadlines and tickers.
func WithClock(clk clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = clk }
}

// ============================================================================
// Dispatcher
// ============================================================================

// Dispatcher 調度器
type Dispatcher struct {
	cfg     Config
	pool    *Pool
	jobs    *jobmanager.JobManager
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Collector

	registration invoker.Registration

	heldMu sync.Mutex
	held   map[types.JobSpecification]map[string]struct{} // 超時 attempt 仍佔用的 invoker

	stateMu sync.RWMutex // Submit 與 Stop 之間的順序
	stopped atomic.Bool

	wakeCh    chan struct{}
	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	loopWg    sync.WaitGroup
}

// New 建立 Dispatcher；需要呼叫 Start 才會開始派發
func New(cfg Config, opts ...Option) *Dispatcher {
	cfg.setDefaults()
	d := &Dispatcher{
		cfg:    cfg,
		pool:   NewPool(),
		held:   make(map[types.JobSpecification]map[string]struct{}),
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.clock == nil {
		d.clock = clock.New()
	}
	if d.logger == nil {
		d.logger = logging.L()
	}
	d.logger = d.logger.Named("dispatcher")
	if d.metrics == nil {
		d.metrics = metrics.NewCollector(prometheus.NewRegistry())
	}
	d.jobs = jobmanager.NewJobManager(d.clock)
	d.registration = invoker.RegistrationFunc(func(invoker.Invoker) { d.wake() })
	return d
}

// Start 啟動派發與超時循環
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.loopWg.Add(1)
		go d.dispatchLoop()
		if d.cfg.JobTimeout > 0 {
			d.loopWg.Add(1)
			go d.timeoutLoop()
		}
		d.logger.Info("dispatcher started",
			zap.Duration("job_timeout", d.cfg.JobTimeout),
			zap.Int("max_attempts", d.cfg.MaxAttempts))
	})
}

// Stop 停止循環，並以 dispatcher-stopped 取消結果結束所有未完成的任務
//
// 關閉順序：
//  1. 標記 stopped（之後的 Submit 返回 ErrStopped）
//  2. close(stopCh)，等待循環退出
//  3. CancelAll
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.stateMu.Lock()
		d.stopped.Store(true)
		d.stateMu.Unlock()

		close(d.stopCh)
		d.loopWg.Wait()

		n := d.jobs.CancelAll(func(spec types.JobSpecification) *types.JobResult {
			return types.CancelledResult(spec, types.OriginDispatcherStopped, "shutdown")
		})
		for i := 0; i < n; i++ {
			d.metrics.RecordCancelled(cancelReason(types.OriginDispatcherStopped))
		}
		d.updateGauges()
		d.logger.Info("dispatcher stopped", zap.Int("cancelled_jobs", n))
	})
}

// Pool returns the dispatcher's invoker pool.
func (d *Dispatcher) Pool() *Pool { return d.pool }

// AddInvoker 加入 invoker 並觸發一次派發
func (d *Dispatcher) AddInvoker(inv invoker.Invoker) error {
	if err := d.pool.Add(inv); err != nil {
		return err
	}
	d.metrics.SetInvokers(d.pool.Len())
	d.logger.Info("invoker added", zap.String("invoker", inv.ID()), zap.Int("invokers", d.pool.Len()))
	d.wake()
	return nil
}

// RemoveInvoker 移除 invoker；它手上的任務由 invoker 自己以取消結果結束
func (d *Dispatcher) RemoveInvoker(id string) {
	if _, ok := d.pool.Remove(id); !ok {
		return
	}
	d.forget(id)
	d.metrics.SetInvokers(d.pool.Len())
	d.logger.Info("invoker removed", zap.String("invoker", id), zap.Int("invokers", d.pool.Len()))
	d.wake()
}

// Submit 提交任務，返回只會收到一個結果的 channel
//
// 錯誤處理：
//   - ErrStopped: dispatcher 已停止
//   - jobmanager.ErrDuplicateJob: 同一個 JobSpecification 尚未結束
func (d *Dispatcher) Submit(job types.Job) (<-chan *types.JobResult, error) {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	if d.stopped.Load() {
		return nil, ErrStopped
	}

	done, err := d.jobs.Enqueue(job)
	if err != nil {
		return nil, err
	}
	d.metrics.RecordSubmitted()
	d.wake()
	return done, nil
}

// Execute 提交任務並等待最終結果。ctx 結束只停止等待，任務仍留在隊列中。
func (d *Dispatcher) Execute(ctx context.Context, job types.Job) (*types.JobResult, error) {
	done, err := d.Submit(job)
	if err != nil {
		return nil, err
	}
	select {
	case result := <-done:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// ============================================================================
// 核心循環
// ============================================================================

func (d *Dispatcher) dispatchLoop() {
	defer d.loopWg.Done()
	ticker := d.clock.Ticker(d.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			d.logger.Debug("dispatch loop stopped")
			return
		case <-d.wakeCh:
		case <-ticker.C:
		}
		d.dispatchPending()
	}
}

type candidate struct {
	inv   invoker.Invoker
	score int
}

// dispatchPending 派發一輪 pending 任務
func (d *Dispatcher) dispatchPending() {
	defer d.updateGauges()

	invokers := d.pool.List()
	if len(invokers) == 0 {
		return
	}

	full := make(map[string]invoker.Invoker)
	var unplaced []types.JobSpecification
	for {
		job, attempt, ok := d.jobs.PopPending()
		if !ok {
			break
		}
		if !d.place(job, attempt, invokers, full) {
			unplaced = append(unplaced, job.Spec)
		}
	}
	d.jobs.Unpop(unplaced...)

	for _, inv := range full {
		inv.NotifyWhenAvailable(d.registration)
	}
}

// place 把一個 attempt 交給分數最高且接受它的 invoker
func (d *Dispatcher) place(job types.Job, attempt int, invokers []invoker.Invoker, full map[string]invoker.Invoker) bool {
	holders := d.holders(job.Spec)
	candidates := make([]candidate, 0, len(invokers))
	for _, inv := range invokers {
		if _, skip := full[inv.ID()]; skip {
			continue
		}
		if _, skip := holders[inv.ID()]; skip {
			continue
		}
		if h, ok := inv.(invoker.Holder); ok && h.Holds(job.Spec) {
			continue
		}
		if score := inv.CanInvoke(job.Spec, job.Items); score > invoker.CannotInvoke {
			candidates = append(candidates, candidate{inv: inv, score: score})
		}
	}
	// invokers 已按 ID 排序，穩定排序保留同分時的 ID 順序
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	for _, c := range candidates {
		id := c.inv.ID()
		if !c.inv.Invoke(job.Spec, job.Items, d.receiver(job.Spec, attempt, id)) {
			d.metrics.RecordRejected()
			full[id] = c.inv
			continue
		}
		d.metrics.RecordDispatched()

		// 結果可能已先一步到達，這時 attempt 已不是 Dispatching
		err := d.jobs.MarkInFlight(job.Spec, attempt, id, d.cfg.JobTimeout)
		if err != nil && !errors.Is(err, jobmanager.ErrStaleAttempt) && !errors.Is(err, jobmanager.ErrJobNotFound) {
			d.logger.Error("failed to mark job in flight", zap.Stringer("job", job.Spec), zap.Error(err))
		}
		d.logger.Debug("job dispatched",
			zap.Stringer("job", job.Spec),
			zap.Int("attempt", attempt),
			zap.String("invoker", id))
		return true
	}
	return false
}

func (d *Dispatcher) receiver(spec types.JobSpecification, attempt int, invokerID string) invoker.ResultReceiver {
	return invoker.ResultReceiverFunc(func(result *types.JobResult) {
		if d.release(spec, invokerID) {
			d.wake()
		}
		d.handleResult(spec, attempt, invokerID, result)
	})
}

// hold 記錄 invoker 仍持有 spec 的超時 attempt，重試時跳過它
func (d *Dispatcher) hold(spec types.JobSpecification, invokerID string) {
	d.heldMu.Lock()
	defer d.heldMu.Unlock()
	ids, ok := d.held[spec]
	if !ok {
		ids = make(map[string]struct{})
		d.held[spec] = ids
	}
	ids[invokerID] = struct{}{}
}

// release 在 invoker 交回 spec 時清除它的記錄
func (d *Dispatcher) release(spec types.JobSpecification, invokerID string) bool {
	d.heldMu.Lock()
	defer d.heldMu.Unlock()
	ids := d.held[spec]
	if _, ok := ids[invokerID]; !ok {
		return false
	}
	delete(ids, invokerID)
	if len(ids) == 0 {
		delete(d.held, spec)
	}
	return true
}

// forget 清除離開 pool 的 invoker 的所有記錄
func (d *Dispatcher) forget(invokerID string) {
	d.heldMu.Lock()
	defer d.heldMu.Unlock()
	for spec, ids := range d.held {
		delete(ids, invokerID)
		if len(ids) == 0 {
			delete(d.held, spec)
		}
	}
}

// holders returns a copy of the invokers still holding a timed-out attempt.
func (d *Dispatcher) holders(spec types.JobSpecification) map[string]struct{} {
	d.heldMu.Lock()
	defer d.heldMu.Unlock()
	ids := make(map[string]struct{}, len(d.held[spec]))
	for id := range d.held[spec] {
		ids[id] = struct{}{}
	}
	return ids
}

// handleResult 處理單個 attempt 的結果；舊 attempt 的結果被丟棄時返回 false
func (d *Dispatcher) handleResult(spec types.JobSpecification, attempt int, invokerID string, result *types.JobResult) bool {
	defer d.updateGauges()
	logger := d.logger.With(zap.Stringer("job", spec), zap.Int("attempt", attempt), zap.String("invoker", invokerID))

	if result.IsCancellation() {
		d.metrics.RecordCancelled(cancelReason(result.NodeID))
		if attempt < d.cfg.MaxAttempts {
			err := d.jobs.Requeue(spec, attempt)
			if err == nil {
				logger.Info("job cancelled, requeued", zap.String("origin", result.NodeID))
				d.wake()
				return true
			}
			d.dropLate(logger, err)
			return false
		}
	}

	// held 記錄保留到 invoker 真正交回為止，同一 spec 再次提交時仍會跳過它
	latency, err := d.jobs.Finish(spec, attempt, result)
	if err != nil {
		d.dropLate(logger, err)
		return false
	}

	if result.IsCancellation() {
		logger.Warn("job cancelled, no attempts left", zap.String("origin", result.NodeID))
		return true
	}
	d.metrics.RecordCompleted(latency, result.Failed())
	logger.Debug("job completed", zap.Duration("latency", latency), zap.Bool("failed", result.Failed()))
	return true
}

func (d *Dispatcher) dropLate(logger *zap.Logger, err error) {
	if d.stopped.Load() && errors.Is(err, jobmanager.ErrJobNotFound) {
		logger.Debug("result after stop dropped")
		return
	}
	logger.Warn("late result dropped", zap.Error(err))
}

// timeoutLoop 檢測並處理超時的 attempt
func (d *Dispatcher) timeoutLoop() {
	defer d.loopWg.Done()
	ticker := d.clock.Ticker(d.cfg.TimeoutScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			d.logger.Debug("timeout loop stopped")
			return
		case <-ticker.C:
			d.expireJobs()
		}
	}
}

func (d *Dispatcher) expireJobs() {
	for _, e := range d.jobs.GetExpiredJobs(d.clock.Now()) {
		d.logger.Warn("job timed out",
			zap.Stringer("job", e.Spec),
			zap.Int("attempt", e.Attempt),
			zap.String("invoker", e.InvokerID))
		d.hold(e.Spec, e.InvokerID)
		// 真正的結果搶先一步到達時 attempt 已結束，invoker 也不再持有它
		if !d.handleResult(e.Spec, e.Attempt, e.InvokerID, types.CancelledResult(e.Spec, types.OriginTimeout, e.InvokerID)) {
			d.release(e.Spec, e.InvokerID)
		}
	}
}

func (d *Dispatcher) updateGauges() {
	stats := d.jobs.Stats()
	d.metrics.UpdateQueueStats(stats.Pending, stats.InFlight)
}

// cancelReason 把取消結果的來源轉成 metrics label
func cancelReason(origin string) string {
	switch {
	case strings.HasPrefix(origin, types.OriginTimeout):
		return "timeout"
	case strings.HasPrefix(origin, types.OriginDispatcherStopped):
		return "dispatcher_stopped"
	default:
		return "connection_failed"
	}
}
