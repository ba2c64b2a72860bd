package job

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	xerrors "superdao-relay/internal/errors"
)

func newTestJob(id string, kind Kind, dao string) *Job {
	return &Job{
		ID:         id,
		Kind:       kind,
		DAOID:      dao,
		Payload:    json.RawMessage(`{"recipient":"0x1"}`),
		Status:     StatusPending,
		MaxRetries: 2,
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Create(ctx, newTestJob("a", KindMint, "dao")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newTestJob("a", KindMint, "dao")); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	job, err := store.Claim(ctx, "a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job.Status != StatusRunning || job.Attempts != 1 {
		t.Fatalf("unexpected claimed job: %+v", job)
	}
	if _, err := store.Claim(ctx, "a"); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("running job must not be claimed twice, got %v", err)
	}

	if err := store.MarkFailed(ctx, "a", xerrors.CodeChainFailure, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	job, err = store.Claim(ctx, "a")
	if err != nil || job.Attempts != 2 || job.LastError != "" {
		t.Fatalf("retry claim: job=%+v err=%v", job, err)
	}
	if err := store.MarkFailed(ctx, "a", xerrors.CodeChainFailure, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "a"); !errors.Is(err, ErrJobExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}

	if _, err := store.Claim(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreTerminalAndSucceeded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Create(ctx, newTestJob("t", KindAirdrop, "dao"))
	_ = store.Create(ctx, newTestJob("s", KindMint, "dao"))

	if _, err := store.Claim(ctx, "t"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkFailed(ctx, "t", CodeJobValidation, "bad payload", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "t"); !errors.Is(err, ErrJobExhausted) {
		t.Fatalf("terminal job should not be claimable, got %v", err)
	}

	if _, err := store.Claim(ctx, "s"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "s", Result{TxHash: "0xabc", ChainID: "137"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	job, err := store.Claim(ctx, "s")
	if !errors.Is(err, ErrJobCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	if job.Result == nil || job.Result.TxHash != "0xabc" {
		t.Fatalf("result not persisted: %+v", job.Result)
	}
}

func TestMemoryStoreListAndStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Unix(1_700_000_000, 0)
	for i, id := range []string{"j1", "j2", "j3", "j4"} {
		store.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		kind := KindMint
		if i%2 == 1 {
			kind = KindAirdrop
		}
		if err := store.Create(ctx, newTestJob(id, kind, "dao")); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	_ = store.Create(ctx, newTestJob("other", KindMint, "other-dao"))

	jobs, err := store.List(ctx, BuildListOptions(WithDAO("dao"), WithLimit(2)))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "j4" || jobs[1].ID != "j3" {
		t.Fatalf("unexpected page: %v, %v", jobs[0].ID, jobs[1].ID)
	}

	jobs, err = store.List(ctx, BuildListOptions(WithDAO("dao"), WithKinds(KindAirdrop), WithSortOrder(SortByUpdatedAsc)))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "j2" || jobs[1].ID != "j4" {
		t.Fatalf("unexpected airdrop jobs: %+v", jobs)
	}

	stats, err := store.Stats(ctx, BuildListOptions(WithDAO("dao")))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Pending != 4 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestUpdatedAt != base.Unix() || stats.NewestUpdatedAt != base.Add(3*time.Minute).Unix() {
		t.Fatalf("unexpected stats window: %+v", stats)
	}
}

func TestMemoryStoreRequeueStale(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	start := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return start }

	_ = store.Create(ctx, newTestJob("stuck", KindMint, "dao"))
	_ = store.Create(ctx, newTestJob("fresh", KindMint, "dao"))
	if _, err := store.Claim(ctx, "stuck"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	store.now = func() time.Time { return start.Add(20 * time.Minute) }
	if _, err := store.Claim(ctx, "fresh"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	report, err := store.RequeueStale(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(report.Requeued) != 1 || report.Requeued[0] != "stuck" {
		t.Fatalf("unexpected requeued ids: %+v", report)
	}
	job, _ := store.Get(ctx, "stuck")
	if job.Status != StatusPending || job.Attempts != 1 {
		t.Fatalf("stale job not reset: %+v", job)
	}
	job, _ = store.Get(ctx, "fresh")
	if job.Status != StatusRunning {
		t.Fatalf("fresh job should stay running: %+v", job)
	}
}

func TestMemoryStoreRequeueStaleFinalizesExhaustedAndUnknown(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	start := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return start }

	for _, id := range []string{"retry", "exhausted", "sent", "republish"} {
		_ = store.Create(ctx, newTestJob(id, KindMint, "dao"))
	}
	// retry: 失败但仍可重试，消息已丢失。
	_, _ = store.Claim(ctx, "retry")
	_ = store.MarkFailed(ctx, "retry", xerrors.CodeChainFailure, "rpc timeout", false)
	// exhausted: 最后一次尝试停在 running。
	_, _ = store.Claim(ctx, "exhausted")
	_ = store.MarkFailed(ctx, "exhausted", xerrors.CodeChainFailure, "rpc timeout", false)
	_, _ = store.Claim(ctx, "exhausted")
	// sent: 已进入发送阶段但结果未落库。
	_, _ = store.Claim(ctx, "sent")
	if err := store.MarkDispatched(ctx, "sent"); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}

	store.now = func() time.Time { return start.Add(time.Hour) }
	report, err := store.RequeueStale(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(report.Requeued) != 2 || report.Requeued[0] != "republish" || report.Requeued[1] != "retry" {
		t.Fatalf("unexpected requeued: %+v", report)
	}
	if len(report.Exhausted) != 1 || report.Exhausted[0] != "exhausted" {
		t.Fatalf("unexpected exhausted: %+v", report)
	}
	if len(report.Unknown) != 1 || report.Unknown[0] != "sent" {
		t.Fatalf("unexpected unknown: %+v", report)
	}

	job, _ := store.Get(ctx, "retry")
	if job.Status != StatusPending || job.Terminal {
		t.Fatalf("retryable job not requeued: %+v", job)
	}
	job, _ = store.Get(ctx, "exhausted")
	if job.Status != StatusFailed || !job.Terminal || job.ErrorCode != string(CodeJobExhausted) || job.LastError != "重试次数已耗尽" {
		t.Fatalf("exhausted job not finalized: %+v", job)
	}
	job, _ = store.Get(ctx, "sent")
	if job.Status != StatusFailed || !job.Terminal || job.ErrorCode != string(CodeJobOutcomeUnknown) {
		t.Fatalf("dispatched job must not be requeued: %+v", job)
	}
	if _, err := store.Claim(ctx, "sent"); !errors.Is(err, ErrJobExhausted) {
		t.Fatalf("finalized job must not be claimed, got %v", err)
	}
}

func TestMemoryStoreDispatchedJobIsNotReclaimed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Create(ctx, newTestJob("a", KindMint, "dao"))

	if err := store.MarkDispatched(ctx, "a"); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("pending job must not be marked dispatched, got %v", err)
	}
	if _, err := store.Claim(ctx, "a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkDispatched(ctx, "a"); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	job, _ := store.Get(ctx, "a")
	if !job.Dispatched {
		t.Fatalf("dispatched flag not stored: %+v", job)
	}

	// 终态失败保留发送标记。
	_ = store.MarkFailed(ctx, "a", xerrors.CodeChainFailure, "reverted", true)
	job, _ = store.Get(ctx, "a")
	if !job.Dispatched {
		t.Fatalf("terminal failure must keep dispatched flag: %+v", job)
	}

	_ = store.Create(ctx, newTestJob("b", KindMint, "dao"))
	_, _ = store.Claim(ctx, "b")
	_ = store.MarkDispatched(ctx, "b")
	store.mu.Lock()
	store.jobs["b"].Status = StatusFailed
	store.mu.Unlock()
	if _, err := store.Claim(ctx, "b"); !errors.Is(err, ErrJobOutcomeUnknown) {
		t.Fatalf("dispatched job must not be claimed, got %v", err)
	}

	// 可重试失败清除发送标记。
	_ = store.Create(ctx, newTestJob("c", KindMint, "dao"))
	_, _ = store.Claim(ctx, "c")
	_ = store.MarkDispatched(ctx, "c")
	_ = store.MarkFailed(ctx, "c", xerrors.CodeChainFailure, "rpc timeout", false)
	if job, err := store.Claim(ctx, "c"); err != nil || job.Dispatched {
		t.Fatalf("retryable failure should allow claim: job=%+v err=%v", job, err)
	}
}

func TestMemoryStoreResetUnpublished(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Create(ctx, newTestJob("a", KindMint, "dao"))
	_ = store.MarkFailed(ctx, "a", CodeJobPublish, "queue down", true)

	if err := store.ResetUnpublished(ctx, "a"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	job, _ := store.Get(ctx, "a")
	if job.Status != StatusPending || job.Terminal || job.ErrorCode != "" || job.LastError != "" {
		t.Fatalf("job not reset: %+v", job)
	}
	if err := store.ResetUnpublished(ctx, "a"); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("second reset should conflict, got %v", err)
	}

	_ = store.Create(ctx, newTestJob("b", KindMint, "dao"))
	_, _ = store.Claim(ctx, "b")
	_ = store.MarkFailed(ctx, "b", CodeJobPublish, "requeue failed", true)
	if err := store.ResetUnpublished(ctx, "b"); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("executed job must not be reset, got %v", err)
	}
	if err := store.ResetUnpublished(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
