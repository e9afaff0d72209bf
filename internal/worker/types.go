package worker

import (
	"time"

	"github.com/ChuLiYu/calcnode/pkg/types"
)

// Task 代表要在 Pool 中執行的一個 job
type Task struct {
	Job     types.Job              // 要執行的 job（items 依序執行）
	Timeout time.Duration          // 整個 job 的執行超時，0 表示不限制
	Done    func(*types.JobResult) // 執行完成後回呼，每個 Task 恰好呼叫一次
}
