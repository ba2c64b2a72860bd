package job

import (
	"context"
	"time"

	xerrors "superdao-relay/internal/errors"
)

// Stats 聚合了任务状态的统计信息。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldestUpdatedAt,omitempty"`
	NewestUpdatedAt int64 `json:"newestUpdatedAt,omitempty"`
}

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Claim 将 pending/failed 任务置为 running 并增加尝试次数。
	Claim(ctx context.Context, id string) (*Job, error)
	// MarkDispatched 在广播交易前标记 running 任务，之后该任务不会被自动重跑。
	MarkDispatched(ctx context.Context, id string) error
	MarkSucceeded(ctx context.Context, id string, result Result) error
	// MarkFailed 记录失败；terminal 为 false 时同时清除发送标记以便重试。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	// ResetUnpublished 把入队失败且从未执行过的任务恢复为 pending。
	ResetUnpublished(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	// RequeueStale 处理超过 olderThan 未更新的非终态任务。
	RequeueStale(ctx context.Context, olderThan time.Duration) (StaleReport, error)
	Close() error
}

// StaleReport 描述一次卡住任务回收的结果。
type StaleReport struct {
	// Requeued 已置为 pending，需要重新投递。
	Requeued []string
	// Exhausted 重试次数已耗尽，已置为终态失败。
	Exhausted []string
	// Unknown 交易可能已广播但结果没有落库，已置为终态失败等待人工核对。
	Unknown []string
}

// staleAction 根据任务状态决定回收方式。
func staleAction(job *Job) xerrors.Code {
	switch {
	case job.Status == StatusRunning && job.Dispatched:
		return CodeJobOutcomeUnknown
	case job.Attempts >= job.MaxRetries:
		return CodeJobExhausted
	default:
		return ""
	}
}

// RecoveryHandler 定义了在任务执行失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 尝试根据失败原因进行补偿或降级。
	// 返回的 Result 将作为降级结果写入任务；若返回 nil 则继续按照失败流程处理。
	Recover(ctx context.Context, job *Job, cause error) (*Result, error)
}
