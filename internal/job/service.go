package job

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "superdao-relay/internal/errors"
	"superdao-relay/pkg/logger"
)

// Request 描述一次任务提交。
type Request struct {
	// ID 可选，用于幂等提交，例如 reward:<requestId>。
	ID         string
	Kind       Kind
	Chain      string
	DAOID      string
	Payload    any
	MaxRetries int
}

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建一个新的任务并推送到队列。相同 ID 的重复提交返回已存在的任务。
func (s *Service) Submit(ctx context.Context, req Request) (*Job, error) {
	if !IsValidKind(req.Kind) {
		return nil, xerrors.New(CodeJobValidation, "不支持的任务类型: "+string(req.Kind))
	}
	if req.Payload == nil {
		return nil, xerrors.New(CodeJobValidation, "任务 payload 不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	jobID := strings.TrimSpace(req.ID)
	if jobID != "" {
		existing, err := s.store.Get(ctx, jobID)
		if err == nil {
			if unpublished(existing) {
				return s.republish(ctx, existing)
			}
			return existing, nil
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	} else {
		jobID = uuid.NewString()
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, xerrors.Wrap(CodeJobValidation, err, "编码任务 payload 失败")
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.maxRetries
	}

	job := &Job{
		ID:         jobID,
		Kind:       req.Kind,
		Chain:      req.Chain,
		DAOID:      req.DAOID,
		Payload:    payload,
		Status:     StatusPending,
		MaxRetries: maxRetries,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			existing, getErr := s.store.Get(ctx, jobID)
			if getErr == nil {
				if unpublished(existing) {
					return s.republish(ctx, existing)
				}
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrJobNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.publish(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// unpublished 判断任务是否在首次入队时失败且从未被执行。
func unpublished(job *Job) bool {
	return job.Status == StatusFailed && job.ErrorCode == string(CodeJobPublish) && job.Attempts == 0
}

// republish 恢复入队失败的任务并重新投递，供幂等重试使用。
func (s *Service) republish(ctx context.Context, existing *Job) (*Job, error) {
	if err := s.store.ResetUnpublished(ctx, existing.ID); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			// 并发提交已恢复该任务。
			return s.store.Get(ctx, existing.ID)
		}
		return nil, err
	}
	job, err := s.store.Get(ctx, existing.ID)
	if err != nil {
		return nil, err
	}
	if err := s.publish(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) publish(ctx context.Context, job *Job) error {
	if err := s.producer.Publish(ctx, job.ID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("job_id", job.ID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, job.ID, CodeJobPublish, wrapped.Error(), true)
		return wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("dao_id", job.DAOID),
		slog.String("chain", job.Chain),
		slog.Int("max_retries", job.MaxRetries),
	)
	return nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// RequeueStale 回收长时间未推进的任务：可重试的重新投递，重试耗尽或结果未知的转为终态失败。
func (s *Service) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if s.store == nil || s.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	report, err := s.store.RequeueStale(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	for _, id := range report.Exhausted {
		logger.Audit().Warn("卡住的任务重试次数已耗尽", slog.String("job_id", id))
	}
	for _, id := range report.Unknown {
		logger.L().Error("任务可能已广播但结果未记录，需人工核对", slog.String("job_id", id))
		logger.Audit().Warn("卡住的任务结果未知", slog.String("job_id", id))
	}
	published := 0
	for _, id := range report.Requeued {
		if err := s.producer.Publish(ctx, id); err != nil {
			logger.L().Error("重新投递卡住的任务失败", slog.Any("error", err), slog.String("job_id", id))
			continue
		}
		published++
		logger.Audit().Warn("卡住的任务已重新排队",
			slog.String("job_id", id),
			slog.Duration("older_than", olderThan),
		)
	}
	return published, nil
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在 ctx 到期前轮询任务状态，直到任务成功或终态失败。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status == StatusSucceeded || (job.Status == StatusFailed && (job.Terminal || job.Attempts >= job.MaxRetries)) {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
