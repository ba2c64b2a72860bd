// Package scheduler runs the relayer's periodic maintenance: fee cache
// refreshes and recovery of jobs stuck in running.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"superdao-relay/internal/fee"
	"superdao-relay/internal/web3"
	"superdao-relay/pkg/logger"
)

// FeeRefresher 绕过缓存重新获取费用。
type FeeRefresher interface {
	Refresh(ctx context.Context, chain web3.Chain) (fee.Fees, error)
}

// Chains 列出需要刷新费用的链。
type Chains interface {
	Chains() []string
	Chain(name string) (web3.Chain, error)
}

// StaleRequeuer 回收卡住的任务。
type StaleRequeuer interface {
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Scheduler 包装 cron，任务在 Start 的 ctx 下运行。
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger
	ctx  context.Context
}

// New 创建调度器。同一任务上一轮未结束时跳过本轮。
func New() *Scheduler {
	log := logger.Named("scheduler")
	adapter := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)), cron.WithLogger(adapter)),
		log:  log,
		ctx:  context.Background(),
	}
}

// Every 注册一个按固定间隔运行的任务。
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("任务 %s 的间隔必须大于 0", name)
	}
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		start := time.Now()
		fn(s.ctx)
		s.log.Debug("周期任务完成", slog.String("job", name), slog.Duration("duration", time.Since(start)))
	})
	if err != nil {
		return fmt.Errorf("注册任务 %s 失败: %w", name, err)
	}
	return nil
}

// AddFeeRefresh 定期刷新每条链的费用缓存。
func (s *Scheduler) AddFeeRefresh(interval time.Duration, oracle FeeRefresher, chains Chains) error {
	return s.Every("fee_refresh", interval, func(ctx context.Context) {
		RefreshFees(ctx, oracle, chains, s.log)
	})
}

// AddStaleRequeue 定期把卡在 running 超过 olderThan 的任务重新排队。
func (s *Scheduler) AddStaleRequeue(interval, olderThan time.Duration, jobs StaleRequeuer) error {
	return s.Every("stale_requeue", interval, func(ctx context.Context) {
		n, err := jobs.RequeueStale(ctx, olderThan)
		if err != nil {
			s.log.Error("回收卡住的任务失败", slog.Any("error", err))
			return
		}
		if n > 0 {
			s.log.Warn("已回收卡住的任务", slog.Int("count", n))
		}
	})
}

// Start 启动调度并阻塞到 ctx 结束，随后等待运行中的任务退出。
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return ctx.Err()
}

// RefreshFees 刷新所有链的费用，单条链失败不影响其他链。
func RefreshFees(ctx context.Context, oracle FeeRefresher, chains Chains, log *slog.Logger) {
	for _, name := range chains.Chains() {
		chain, err := chains.Chain(name)
		if err != nil {
			continue
		}
		fees, err := oracle.Refresh(ctx, chain)
		if err != nil {
			log.Warn("刷新费用失败", slog.String("chain", name), slog.Any("error", err))
			continue
		}
		log.Debug("费用已刷新",
			slog.String("chain", name),
			slog.String("source", string(fees.Source)),
			slog.String("max_fee", fees.MaxFeePerGas.String()),
		)
	}
}

type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
