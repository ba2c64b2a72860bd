package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "superdao-relay/internal/errors"
	"superdao-relay/internal/observability/alerting"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	err       error
}

func (f *fakeExecutor) Execute(ctx context.Context, job *Job) (*Result, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.processed.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &Result{TxHash: "0x" + job.ID, ChainID: "1337"}, nil
}

type recordingProducer struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingProducer) Publish(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func (r *recordingProducer) Close() error { return nil }

func (r *recordingProducer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 100
	for i := 0; i < total; i++ {
		payload := MintPayload{Recipient: fmt.Sprintf("0x%040d", i), Tier: "gold"}
		if _, err := service.Submit(ctx, Request{Kind: KindMint, DAOID: "dao", Payload: payload}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(executor.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", executor.processed.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	for {
		stats, err := service.Stats(waitCtx, WithDAO("dao"))
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Succeeded == total {
			break
		}
		select {
		case <-waitCtx.Done():
			t.Fatalf("not all jobs marked succeeded: %+v", stats)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestProcessorRetriesUntilExhausted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	alerts := &recordingDispatcher{}
	executor := &fakeExecutor{err: xerrors.New(xerrors.CodeChainFailure, "rpc down")}

	var outcomes []string
	p := NewProcessor(executor, store, nil, producer,
		WithAlertDispatcher(alerts),
		WithOutcomeObserver(func(_ Kind, outcome string) { outcomes = append(outcomes, outcome) }),
	)

	job := newTestJob("retry", KindMint, "dao")
	job.MaxRetries = 3
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := p.handle(ctx, "retry"); err != nil {
			t.Fatalf("handle #%d: %v", i, err)
		}
	}
	if producer.count() != 2 {
		t.Fatalf("expected 2 republishes, got %d", producer.count())
	}
	got, _ := store.Get(ctx, "retry")
	if got.Status != StatusFailed || !got.Terminal || got.Attempts != 3 || got.ErrorCode != string(xerrors.CodeChainFailure) {
		t.Fatalf("unexpected final job: %+v", got)
	}
	if fmt.Sprint(outcomes) != "[retry retry failed]" {
		t.Fatalf("unexpected outcomes: %v", outcomes)
	}
	if len(alerts.events) == 0 {
		t.Fatal("chain failures should alert")
	}
	last := alerts.events[len(alerts.events)-1]
	if last.JobID != "retry" || last.DAOID != "dao" || last.Kind != string(KindMint) || last.Metadata["stage"] != "terminal" {
		t.Fatalf("unexpected alert: %+v", last)
	}

	// 已耗尽的任务再次投递时被跳过。
	if err := p.handle(ctx, "retry"); err != nil {
		t.Fatalf("exhausted job should be skipped: %v", err)
	}
	if executor.processed.Load() != 3 {
		t.Fatalf("executor called %d times", executor.processed.Load())
	}
}

func TestProcessorNonRetryableIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	executor := &fakeExecutor{err: xerrors.New(CodeJobValidation, "tier sold out", xerrors.WithRetryable(false))}
	p := NewProcessor(executor, store, nil, producer)

	_ = store.Create(ctx, newTestJob("bad", KindMint, "dao"))
	if err := p.handle(ctx, "bad"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := store.Get(ctx, "bad")
	if !got.Terminal || got.Attempts != 1 || got.ErrorCode != string(CodeJobValidation) {
		t.Fatalf("unexpected job: %+v", got)
	}
	if producer.count() != 0 {
		t.Fatal("non-retryable job must not be republished")
	}
}

type fallbackRecovery struct{}

func (fallbackRecovery) Recover(_ context.Context, job *Job, _ error) (*Result, error) {
	return &Result{Note: "skipped " + job.ID}, nil
}

func TestProcessorRecoveryDegrades(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	executor := &fakeExecutor{err: xerrors.New(CodeJobValidation, "bad", xerrors.WithRetryable(false))}
	p := NewProcessor(executor, store, nil, &recordingProducer{}, WithRecoveryHandler(fallbackRecovery{}))

	_ = store.Create(ctx, newTestJob("deg", KindAirdrop, "dao"))
	if err := p.handle(ctx, "deg"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := store.Get(ctx, "deg")
	if got.Status != StatusSucceeded || got.Result == nil || got.Result.Note != "skipped deg" {
		t.Fatalf("unexpected degraded job: %+v", got)
	}
}

type flakyResultStore struct {
	*MemoryStore
	calls atomic.Int32
}

func (s *flakyResultStore) MarkSucceeded(context.Context, string, Result) error {
	s.calls.Add(1)
	return errors.New("mysql: connection reset")
}

func TestProcessorUnrecordedResultIsNotResent(t *testing.T) {
	ctx := context.Background()
	store := &flakyResultStore{MemoryStore: NewMemoryStore()}
	start := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return start }
	producer := &recordingProducer{}
	alerts := &recordingDispatcher{}
	executor := &fakeExecutor{}
	p := NewProcessor(executor, store, nil, producer,
		WithAlertDispatcher(alerts),
		WithResultRetry(1, time.Millisecond),
	)

	_ = store.Create(ctx, newTestJob("sent", KindMint, "dao"))
	if err := p.handle(ctx, "sent"); err == nil {
		t.Fatal("expected result write failure")
	}
	if store.calls.Load() != 2 {
		t.Fatalf("expected one retry of the result write, got %d calls", store.calls.Load())
	}
	if len(alerts.events) != 1 || alerts.events[0].Code != CodeJobOutcomeUnknown {
		t.Fatalf("unexpected alerts: %+v", alerts.events)
	}

	store.now = func() time.Time { return start.Add(time.Hour) }
	n, err := NewService(store, producer, 3).RequeueStale(ctx, 10*time.Minute)
	if err != nil || n != 0 {
		t.Fatalf("dispatched job must not be requeued: n=%d err=%v", n, err)
	}
	if err := p.handle(ctx, "sent"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if executor.processed.Load() != 1 {
		t.Fatalf("transaction sent %d times", executor.processed.Load())
	}
	got, _ := store.Get(ctx, "sent")
	if got.Status != StatusFailed || !got.Terminal || got.ErrorCode != string(CodeJobOutcomeUnknown) {
		t.Fatalf("unexpected job: %+v", got)
	}
}

type guardedExecutor struct {
	calls atomic.Int32
}

func (g *guardedExecutor) Execute(ctx context.Context, job *Job) (*Result, error) {
	if err := BeforeSend(ctx); err != nil {
		return nil, err
	}
	if g.calls.Add(1) == 1 {
		return nil, xerrors.New(xerrors.CodeChainFailure, "nonce too low")
	}
	return &Result{TxHash: "0x" + job.ID}, nil
}

func TestProcessorRetryableSendFailureClearsDispatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	executor := &guardedExecutor{}
	p := NewProcessor(executor, store, nil, producer)

	_ = store.Create(ctx, newTestJob("g", KindMint, "dao"))
	if err := p.handle(ctx, "g"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := store.Get(ctx, "g")
	if got.Status != StatusFailed || got.Terminal || got.Dispatched {
		t.Fatalf("retryable failure should leave job claimable: %+v", got)
	}
	if producer.count() != 1 {
		t.Fatalf("expected republish, got %d", producer.count())
	}
	if err := p.handle(ctx, "g"); err != nil {
		t.Fatalf("handle retry: %v", err)
	}
	got, _ = store.Get(ctx, "g")
	if got.Status != StatusSucceeded || !got.Dispatched || got.Attempts != 2 {
		t.Fatalf("unexpected job after retry: %+v", got)
	}
}

func TestProcessorFinalizesExhaustedJob(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	executor := &fakeExecutor{}
	var outcomes []string
	p := NewProcessor(executor, store, nil, &recordingProducer{},
		WithOutcomeObserver(func(_ Kind, outcome string) { outcomes = append(outcomes, outcome) }),
	)

	job := newTestJob("x", KindMint, "dao")
	job.MaxRetries = 1
	_ = store.Create(ctx, job)
	_, _ = store.Claim(ctx, "x")
	_ = store.MarkFailed(ctx, "x", xerrors.CodeChainFailure, "rpc down", false)

	if err := p.handle(ctx, "x"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := store.Get(ctx, "x")
	if got.Status != StatusFailed || !got.Terminal || got.ErrorCode != string(CodeJobExhausted) || got.LastError != "rpc down" {
		t.Fatalf("exhausted job not finalized: %+v", got)
	}
	if executor.processed.Load() != 0 || fmt.Sprint(outcomes) != "[failed]" {
		t.Fatalf("processed=%d outcomes=%v", executor.processed.Load(), outcomes)
	}
}
