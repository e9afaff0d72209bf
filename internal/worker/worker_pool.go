// ============================================================================
// Calculation Worker Pool - 並發 job 執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和 job 分發
//
// 架構組件:
//   ┌──────────────┐
//   │ LocalInvoker │ --Submit()--> taskCh
//   │ Node         │
//   └──────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh ──→ task.Done(result)
//   │  │Worker 2│←── taskCh ──→ task.Done(result)
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 非阻塞提交；緩衝已滿時返回 ErrPoolFull
//   4. Stop() - 關閉 taskCh，等待所有 Worker 處理完已提交的 task
//
// 並發控制:
//   - Submit 持有讀鎖完成非阻塞發送，Stop 持有寫鎖關閉 taskCh，
//     因此不會向已關閉的 channel 發送
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//
// ============================================================================

package worker

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/ChuLiYu/calcnode/internal/logging"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolFull 表示任務緩衝已滿
	ErrPoolFull = errors.New("worker pool is full")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	nodeID   string
	registry *Registry
	logger   *zap.Logger

	workers []*Worker      // 所有啟動的 Worker 實例
	taskCh  chan Task      // 任務通道
	wg      sync.WaitGroup // 等待所有 Worker 完成
	started bool
	stopped bool
	mu      sync.RWMutex // 保護 started / stopped 以及 taskCh 的關閉
}

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務通道的緩衝大小
//   - registry: 執行 job item 的函數表
//   - nodeID: 寫入每個 JobResult 的來源節點
func NewPool(bufferSize int, registry *Registry, nodeID string) *Pool {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Pool{
		nodeID:   nodeID,
		registry: registry,
		logger:   logging.L().Named("pool"),
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started") // 防止重複啟動
	}
	if workerCount <= 0 {
		return errors.New("worker count must be positive")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.nodeID, p.taskCh, p.registry, p.logger)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	p.logger.Debug("pool started", zap.Int("workers", workerCount))
	return nil
}

// Submit 非阻塞地提交任務
//
// 返回值：
//   - ErrPoolNotStarted / ErrPoolClosed: Pool 狀態不允許提交
//   - ErrPoolFull: 緩衝已滿，呼叫方應視為背壓
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// Stop 優雅地關閉 Worker Pool
// 已提交的任務仍會被執行並回呼 Done
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug("pool stopped")
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// IsStopped 檢查 Pool 是否已停止
func (p *Pool) IsStopped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stopped
}

// Registry 返回 Pool 使用的函數表
func (p *Pool) Registry() *Registry { return p.registry }

// NodeID 返回寫入結果的節點 ID
func (p *Pool) NodeID() string { return p.nodeID }
