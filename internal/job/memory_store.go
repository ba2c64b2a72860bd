package job

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "superdao-relay/internal/errors"
)

// MemoryStore 在内存中保存任务状态，适用于单实例与测试。
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemoryStore 创建内存任务存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job), now: time.Now}
}

// Create 保存新任务。
func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return ErrJobConflict
	}
	now := s.now().Unix()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get 查询指定任务。
func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *MemoryStore) Claim(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	switch job.Status {
	case StatusSucceeded:
		return job.Clone(), ErrJobCompleted
	case StatusRunning:
		return job.Clone(), ErrJobConflict
	}
	if job.Terminal || job.Attempts >= job.MaxRetries {
		return job.Clone(), ErrJobExhausted
	}
	if job.Dispatched {
		return job.Clone(), ErrJobOutcomeUnknown
	}
	job.Status = StatusRunning
	job.Attempts++
	job.LastError = ""
	job.ErrorCode = ""
	job.UpdatedAt = s.now().Unix()
	return job.Clone(), nil
}

// MarkDispatched 标记 running 任务已进入发送阶段。
func (s *MemoryStore) MarkDispatched(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != StatusRunning {
		return ErrJobConflict
	}
	job.Dispatched = true
	job.UpdatedAt = s.now().Unix()
	return nil
}

// MarkSucceeded 将任务标记为成功。
func (s *MemoryStore) MarkSucceeded(_ context.Context, id string, result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = StatusSucceeded
	job.Result = &result
	job.LastError = ""
	job.ErrorCode = ""
	job.UpdatedAt = s.now().Unix()
	return nil
}

// MarkFailed 将任务标记为失败，terminal 为 true 时不再允许领取。
func (s *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = StatusFailed
	job.LastError = lastError
	job.ErrorCode = string(code)
	job.Terminal = terminal
	if !terminal {
		job.Dispatched = false
	}
	job.UpdatedAt = s.now().Unix()
	return nil
}

// ResetUnpublished 把入队失败且从未执行过的任务恢复为 pending。
func (s *MemoryStore) ResetUnpublished(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != StatusFailed || job.ErrorCode != string(CodeJobPublish) || job.Attempts != 0 {
		return ErrJobConflict
	}
	job.Status = StatusPending
	job.Terminal = false
	job.LastError = ""
	job.ErrorCode = ""
	job.UpdatedAt = s.now().Unix()
	return nil
}

// List 返回符合条件的任务。
func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()
	matched := s.filter(opts)
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.UpdatedAt != b.UpdatedAt {
			if opts.Order == SortByUpdatedAsc {
				return a.UpdatedAt < b.UpdatedAt
			}
			return a.UpdatedAt > b.UpdatedAt
		}
		if opts.Order == SortByUpdatedAsc {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})
	if opts.Offset >= len(matched) {
		return []*Job{}, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[opts.Offset:end], nil
}

// Stats 返回符合条件的任务统计。
func (s *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	var stats Stats
	for _, job := range s.filter(opts) {
		stats.Total++
		switch job.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		if stats.OldestUpdatedAt == 0 || job.UpdatedAt < stats.OldestUpdatedAt {
			stats.OldestUpdatedAt = job.UpdatedAt
		}
		if job.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = job.UpdatedAt
		}
	}
	return stats, nil
}

// RequeueStale 回收超过 olderThan 未更新的非终态任务：已进入发送阶段的 running
// 任务和重试耗尽的任务置为终态失败，其余置为 pending 等待重新投递。
func (s *MemoryStore) RequeueStale(_ context.Context, olderThan time.Duration) (StaleReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-olderThan).Unix()
	var report StaleReport
	for id, job := range s.jobs {
		if job.Terminal || job.Status == StatusSucceeded || job.UpdatedAt >= cutoff {
			continue
		}
		job.UpdatedAt = now.Unix()
		switch code := staleAction(job); code {
		case CodeJobOutcomeUnknown:
			job.Status = StatusFailed
			job.Terminal = true
			job.ErrorCode = string(code)
			job.LastError = "交易可能已广播但结果未记录"
			report.Unknown = append(report.Unknown, id)
		case CodeJobExhausted:
			job.Status = StatusFailed
			job.Terminal = true
			job.ErrorCode = string(code)
			if job.LastError == "" {
				job.LastError = "重试次数已耗尽"
			}
			report.Exhausted = append(report.Exhausted, id)
		default:
			job.Status = StatusPending
			job.Dispatched = false
			report.Requeued = append(report.Requeued, id)
		}
	}
	sort.Strings(report.Requeued)
	sort.Strings(report.Exhausted)
	sort.Strings(report.Unknown)
	return report, nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) filter(opts ListOptions) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if opts.matches(job) {
			out = append(out, job.Clone())
		}
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
