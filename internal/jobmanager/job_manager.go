// ============================================================================
// Calculation Job Manager - 調度端任務狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 追蹤每個 calculation job 從提交到最終結果的生命週期
//
// 任務狀態轉換 (State Machine):
//   Pending (待處理)
//      ↓ PopPending()               attempt+1
//   Dispatching (選擇 invoker 中)
//      ├─ Unpop()                    → Pending（放回隊首，attempt 還原）
//      └─ MarkInFlight()             → InFlight
//   InFlight (執行中)
//      ├─ Requeue(attempt)           → Pending（取消結果、超時，重試）
//      └─ Finish(attempt, result)    → 移除，結果送往 Done channel
//
// Attempt 守衛:
//   每次派發都有自己的 attempt 編號。Requeue / Finish / MarkInFlight 只接受
//   當前 attempt，舊 attempt 的遲到結果回傳 ErrStaleAttempt，由呼叫方丟棄。
//   Requeue / Finish 也接受 Dispatching 狀態：invoker 可能在 Invoke 返回前
//   就送出結果（例如連線已失敗）。
//
// 數據結構設計:
//   jobs map[JobSpecification]*entry - 主存儲，只保存尚未結束的任務
//   queue []JobSpecification         - pending 隊列，保證 FIFO
//   inFlight map                     - 執行中任務索引
//   已結束的任務只保留計數
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 時間來源可注入（clock.Clock），方便測試超時
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ChuLiYu/calcnode/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務已存在且尚未結束
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不在預期狀態
	ErrNotInFlight = errors.New("job not in flight")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 結果屬於已被取代的 attempt
	ErrStaleAttempt = errors.New("stale job attempt")
)

// Status 任務狀態
type Status string

const (
	StatusPending     Status = "pending"
	StatusDispatching Status = "dispatching"
	StatusInFlight    Status = "in_flight"
)

// Entry 是任務狀態的唯讀快照
type Entry struct {
	Job         types.Job
	Status      Status
	Attempt     int       // 已開始的派發次數
	InvokerID   string    // 當前 attempt 所在的 invoker
	SubmittedAt time.Time // 提交時間
	Deadline    time.Time // 零值表示沒有超時
}

type entry struct {
	Entry
	done chan *types.JobResult
}

// Expired 描述一個超時的 attempt
type Expired struct {
	Spec      types.JobSpecification
	Attempt   int
	InvokerID string
}

// Stats 各狀態任務數量
type Stats struct {
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Completed int `json:"completed"` // 收到 worker 結果（含 item 失敗）
	Failed    int `json:"failed"`    // 其中至少一個 item 失敗
	Cancelled int `json:"cancelled"` // 以取消結果結束
}

// JobManager 代表任務管理器
type JobManager struct {
	mu       sync.RWMutex
	clock    clock.Clock
	jobs     map[types.JobSpecification]*entry
	queue    []types.JobSpecification
	inFlight map[types.JobSpecification]*entry

	completed int
	failed    int
	cancelled int
}

// NewJobManager 建立新的任務管理器實例；clk 為 nil 時使用系統時鐘
func NewJobManager(clk clock.Clock) *JobManager {
	if clk == nil {
		clk = clock.New()
	}
	return &JobManager{
		clock:    clk,
		jobs:     make(map[types.JobSpecification]*entry),
		queue:    make([]types.JobSpecification, 0),
		inFlight: make(map[types.JobSpecification]*entry),
	}
}

// Enqueue 將新任務加入隊尾，返回只會收到一個結果的 channel
//
// 錯誤處理：
//   - ErrDuplicateJob: 同一個 JobSpecification 尚未結束
func (jm *JobManager) Enqueue(job types.Job) (<-chan *types.JobResult, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.Spec]; exists {
		return nil, ErrDuplicateJob
	}

	e := &entry{
		Entry: Entry{
			Job:         job,
			Status:      StatusPending,
			SubmittedAt: jm.clock.Now(),
		},
		done: make(chan *types.JobResult, 1),
	}
	jm.jobs[job.Spec] = e
	jm.queue = append(jm.queue, job.Spec)
	return e.done, nil
}

// PopPending 取出隊首任務並進入 Dispatching 狀態
//
// 返回值：
//   - types.Job: 任務
//   - int: 本次派發的 attempt 編號（從 1 開始）
//   - bool: 隊列為空時為 false
func (jm *JobManager) PopPending() (types.Job, int, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for len(jm.queue) > 0 {
		spec := jm.queue[0]
		jm.queue = jm.queue[1:]

		e, ok := jm.jobs[spec]
		if !ok || e.Status != StatusPending {
			continue
		}
		e.Status = StatusDispatching
		e.Attempt++
		return e.Job, e.Attempt, true
	}
	return types.Job{}, 0, false
}

// Unpop 把沒有派發出去的任務放回隊首，保持傳入順序
func (jm *JobManager) Unpop(specs ...types.JobSpecification) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	front := make([]types.JobSpecification, 0, len(specs)+len(jm.queue))
	for _, spec := range specs {
		e, ok := jm.jobs[spec]
		if !ok || e.Status != StatusDispatching {
			continue
		}
		e.Status = StatusPending
		e.Attempt--
		front = append(front, spec)
	}
	jm.queue = append(front, jm.queue...)
}

// MarkInFlight 記錄任務已被 invoker 接受
//
// 錯誤處理：
//   - ErrJobNotFound: 任務已結束
//   - ErrStaleAttempt: 結果已先一步到達並改變了狀態
func (jm *JobManager) MarkInFlight(spec types.JobSpecification, attempt int, invokerID string, timeout time.Duration) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	e, ok := jm.jobs[spec]
	if !ok {
		return ErrJobNotFound
	}
	if e.Attempt != attempt || e.Status != StatusDispatching {
		return ErrStaleAttempt
	}

	e.Status = StatusInFlight
	e.InvokerID = invokerID
	if timeout > 0 {
		e.Deadline = jm.clock.Now().Add(timeout)
	}
	jm.inFlight[spec] = e
	return nil
}

func (jm *JobManager) current(spec types.JobSpecification, attempt int) (*entry, error) {
	e, ok := jm.jobs[spec]
	if !ok {
		return nil, ErrJobNotFound
	}
	if e.Status == StatusPending {
		return nil, ErrNotInFlight
	}
	if e.Attempt != attempt {
		return nil, ErrStaleAttempt
	}
	return e, nil
}

// Requeue 將當前 attempt 放回隊尾等待重試
func (jm *JobManager) Requeue(spec types.JobSpecification, attempt int) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	e, err := jm.current(spec, attempt)
	if err != nil {
		return err
	}

	e.Status = StatusPending
	e.InvokerID = ""
	e.Deadline = time.Time{}
	delete(jm.inFlight, spec)
	jm.queue = append(jm.queue, spec)
	return nil
}

// Finish 以 result 結束任務並送出結果
//
// 返回值：
//   - time.Duration: 從提交到結束的時間
func (jm *JobManager) Finish(spec types.JobSpecification, attempt int, result *types.JobResult) (time.Duration, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	e, err := jm.current(spec, attempt)
	if err != nil {
		return 0, err
	}
	return jm.finishLocked(e, result), nil
}

func (jm *JobManager) finishLocked(e *entry, result *types.JobResult) time.Duration {
	spec := e.Job.Spec
	delete(jm.jobs, spec)
	delete(jm.inFlight, spec)

	switch {
	case result.IsCancellation():
		jm.cancelled++
	case result.Failed():
		jm.completed++
		jm.failed++
	default:
		jm.completed++
	}

	e.done <- result
	close(e.done)
	return jm.clock.Since(e.SubmittedAt)
}

// CancelAll 以 makeResult 產生的取消結果結束所有任務，返回結束的數量
func (jm *JobManager) CancelAll(makeResult func(types.JobSpecification) *types.JobResult) int {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	n := 0
	for _, e := range jm.jobs {
		jm.finishLocked(e, makeResult(e.Job.Spec))
		n++
	}
	jm.queue = jm.queue[:0]
	return n
}

// GetExpiredJobs 取得截止時間早於 now 的執行中 attempt
func (jm *JobManager) GetExpiredJobs(now time.Time) []Expired {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var expired []Expired
	for spec, e := range jm.inFlight {
		if !e.Deadline.IsZero() && e.Deadline.Before(now) {
			expired = append(expired, Expired{Spec: spec, Attempt: e.Attempt, InvokerID: e.InvokerID})
		}
	}
	return expired
}

// GetAllInFlightJobs 取得所有執行中的任務
func (jm *JobManager) GetAllInFlightJobs() []types.JobSpecification {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	specs := make([]types.JobSpecification, 0, len(jm.inFlight))
	for spec := range jm.inFlight {
		specs = append(specs, spec)
	}
	return specs
}

// GetJob 取得任務快照
func (jm *JobManager) GetJob(spec types.JobSpecification) (Entry, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	e, ok := jm.jobs[spec]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// PendingCount 返回待處理任務數
func (jm *JobManager) PendingCount() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.queue)
}

// Stats 取得各狀態任務的統計資訊
func (jm *JobManager) Stats() Stats {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return Stats{
		Pending:   len(jm.queue),
		InFlight:  len(jm.inFlight),
		Completed: jm.completed,
		Failed:    jm.failed,
		Cancelled: jm.cancelled,
	}
}
