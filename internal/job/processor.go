package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "superdao-relay/internal/errors"
	"superdao-relay/internal/observability/alerting"
	"superdao-relay/pkg/logger"
)

// Executor 执行具体的链上任务。
type Executor interface {
	Execute(ctx context.Context, job *Job) (*Result, error)
}

// OutcomeObserver 在每次任务处理结束时被调用，用于指标统计。
type OutcomeObserver func(kind Kind, outcome string)

// 任务处理结果。
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeDegraded  = "degraded"
)

// Processor 负责从队列消费任务并交给 Executor 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	observe     OutcomeObserver

	markRetries  uint64
	markInterval time.Duration
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定调试日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithOutcomeObserver 注册处理结果回调。
func WithOutcomeObserver(observer OutcomeObserver) ProcessorOption {
	return func(p *Processor) {
		p.observe = observer
	}
}

// WithResultRetry 设置写入成功结果的重试次数与初始间隔。
func WithResultRetry(retries uint64, interval time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.markRetries = retries
		if interval > 0 {
			p.markInterval = interval
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,

		markRetries:  3,
		markInterval: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobExhausted) && job != nil && !job.Terminal && job.Status != StatusSucceeded {
			return p.finalizeExhausted(ctx, job)
		}
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobExhausted) ||
			stdErrors.Is(err, ErrJobConflict) || stdErrors.Is(err, ErrJobOutcomeUnknown) {
			p.logDebug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}

	dispatched := false
	guard := func(ctx context.Context) error {
		if dispatched {
			return nil
		}
		if err := p.store.MarkDispatched(ctx, job.ID); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录任务发送状态失败")
		}
		dispatched = true
		return nil
	}
	result, execErr := p.executor.Execute(WithSendGuard(ctx, guard), job)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, job, execErr)
	}
	if !dispatched {
		if err := p.store.MarkDispatched(ctx, job.ID); err != nil {
			logger.L().Warn("记录任务发送状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		}
	}

	var record Result
	if result != nil {
		record = *result
	}
	if err := p.markSucceeded(ctx, job.ID, record); err != nil {
		// 发送标记已落库，任务不会被再次领取；结果需人工核对。
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID), slog.String("tx_hash", record.TxHash))
		p.emitAlert(ctx, job, CodeJobOutcomeUnknown, err, "mark_succeeded")
		return err
	}
	p.record(job.Kind, OutcomeSucceeded)
	logger.Audit().Info("任务执行成功",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("dao_id", job.DAOID),
		slog.String("tx_hash", record.TxHash),
		slog.String("chain_id", record.ChainID),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, job *Job, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := job.Attempts >= job.MaxRetries || !retryable

	if !retryable && p.recovery != nil {
		if fallback, recErr := p.recovery.Recover(ctx, job, execErr); recErr != nil {
			wrapped := xerrors.Wrap(CodeJobCompensate, recErr, "任务补偿失败")
			logger.L().Error("执行补偿逻辑失败", slog.Any("error", wrapped), slog.String("job_id", job.ID))
			p.emitAlert(ctx, job, CodeJobCompensate, wrapped, "compensate")
		} else if fallback != nil {
			if fallback.Note == "" {
				fallback.Note = fmt.Sprintf("降级处理: %v", execErr)
			}
			if err := p.markSucceeded(ctx, job.ID, *fallback); err != nil {
				logger.L().Error("记录降级结果失败", slog.Any("error", err), slog.String("job_id", job.ID))
				return err
			}
			p.record(job.Kind, OutcomeDegraded)
			logger.Audit().Warn("任务降级完成",
				slog.String("job_id", job.ID),
				slog.String("kind", string(job.Kind)),
				slog.String("note", fallback.Note),
			)
			p.emitAlert(ctx, job, code, execErr, "degraded")
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, job.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("dao_id", job.DAOID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	}
	if !retryable {
		stage = "non_retryable"
	}
	if terminal || xerrors.ShouldAlert(execErr) {
		p.emitAlert(ctx, job, code, execErr, stage)
	}

	if terminal {
		p.record(job.Kind, OutcomeFailed)
		return nil
	}
	p.record(job.Kind, OutcomeRetry)
	if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
		return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", job.ID))
	}
	p.logDebug("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	return nil
}

func (p *Processor) markSucceeded(ctx context.Context, id string, result Result) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.markInterval
	policy.MaxElapsedTime = 0

	operation := func() error {
		err := p.store.MarkSucceeded(ctx, id, result)
		if stdErrors.Is(err, ErrJobNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, p.markRetries), ctx))
}

// finalizeExhausted 把重试次数已耗尽但仍未终结的任务标记为终态失败。
func (p *Processor) finalizeExhausted(ctx context.Context, job *Job) error {
	lastError := job.LastError
	if lastError == "" {
		lastError = "重试次数已耗尽"
	}
	if err := p.store.MarkFailed(ctx, job.ID, CodeJobExhausted, lastError, true); err != nil {
		logger.L().Error("标记任务终态失败出错", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	logger.Audit().Warn("任务重试次数已耗尽",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)
	p.emitAlert(ctx, job, CodeJobExhausted, ErrJobExhausted, "terminal")
	p.record(job.Kind, OutcomeFailed)
	return nil
}

func (p *Processor) record(kind Kind, outcome string) {
	if p.observe != nil {
		p.observe(kind, outcome)
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   xerrors.SeverityOf(cause),
		JobID:      job.ID,
		Kind:       string(job.Kind),
		DAOID:      job.DAOID,
		Chain:      job.Chain,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if _, ok := xerrors.From(cause); !ok {
		event.Severity = attrs.Severity
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
