package job

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "superdao-relay/internal/errors"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestServiceSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	service := NewService(store, producer, 5)

	req := Request{ID: "reward:42", Kind: KindMint, DAOID: "dao", Payload: MintPayload{Recipient: "0x1", Tier: "gold"}}
	first, err := service.Submit(ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := service.Submit(ctx, req)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first.ID != "reward:42" || second.ID != first.ID {
		t.Fatalf("unexpected ids %s %s", first.ID, second.ID)
	}
	if producer.count() != 1 {
		t.Fatalf("duplicate submit must not republish, got %d", producer.count())
	}
	if first.MaxRetries != 5 {
		t.Fatalf("expected default max retries, got %d", first.MaxRetries)
	}

	var payload MintPayload
	if err := second.DecodePayload(&payload); err != nil || payload.Tier != "gold" {
		t.Fatalf("payload round trip: %+v %v", payload, err)
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	service := NewService(NewMemoryStore(), &recordingProducer{}, 3)
	_, err := service.Submit(context.Background(), Request{Kind: "burn", Payload: struct{}{}})
	if xerrors.CodeOf(err) != CodeJobValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = service.Submit(context.Background(), Request{Kind: KindMint})
	if xerrors.CodeOf(err) != CodeJobValidation {
		t.Fatalf("expected validation error for nil payload, got %v", err)
	}
}

func TestServicePublishFailureMarksTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	service := NewService(store, failingProducer{}, 3)

	_, err := service.Submit(ctx, Request{ID: "p", Kind: KindMint, Payload: MintPayload{Recipient: "0x1"}})
	if xerrors.CodeOf(err) != CodeJobPublish {
		t.Fatalf("expected publish error, got %v", err)
	}
	job, err := store.Get(ctx, "p")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusFailed || !job.Terminal || job.ErrorCode != string(CodeJobPublish) {
		t.Fatalf("unexpected job after publish failure: %+v", job)
	}
}

func TestServiceRequeueStaleRepublishes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	service := NewService(store, producer, 3)

	start := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return start }
	if _, err := service.Submit(ctx, Request{ID: "s", Kind: KindMint, Payload: MintPayload{Recipient: "0x1"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := store.Claim(ctx, "s"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	store.now = func() time.Time { return start.Add(time.Hour) }

	n, err := service.RequeueStale(ctx, 10*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("requeue: n=%d err=%v", n, err)
	}
	if producer.count() != 2 {
		t.Fatalf("expected job to be republished, got %d publishes", producer.count())
	}
}

func TestServiceWaitUntilCompleted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	store := NewMemoryStore()
	service := NewService(store, &recordingProducer{}, 3)
	if _, err := service.Submit(ctx, Request{ID: "w", Kind: KindMint, Payload: MintPayload{Recipient: "0x1"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = store.Claim(ctx, "w")
		_ = store.MarkSucceeded(ctx, "w", Result{TxHash: "0x1"})
	}()
	job, err := service.WaitUntilCompleted(ctx, "w", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != StatusSucceeded {
		t.Fatalf("unexpected status %s", job.Status)
	}
}

type flakyProducer struct {
	recordingProducer
	failures int
}

func (f *flakyProducer) Publish(ctx context.Context, id string) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("broker down")
	}
	return f.recordingProducer.Publish(ctx, id)
}

func TestServiceResubmitRecoversUnpublishedJob(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &flakyProducer{failures: 1}
	service := NewService(store, producer, 3)

	req := Request{ID: "reward:7", Kind: KindMint, DAOID: "dao", Payload: MintPayload{Recipient: "0x1", Tier: "gold"}}
	if _, err := service.Submit(ctx, req); xerrors.CodeOf(err) != CodeJobPublish {
		t.Fatalf("expected publish error, got %v", err)
	}

	job, err := service.Submit(ctx, req)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if job.Status != StatusPending || job.Terminal || job.ErrorCode != "" {
		t.Fatalf("resubmitted job not recovered: %+v", job)
	}
	if producer.count() != 1 {
		t.Fatalf("expected job to be published once, got %d", producer.count())
	}

	// 已入队的任务再次提交保持幂等。
	if _, err := service.Submit(ctx, req); err != nil {
		t.Fatalf("third submit: %v", err)
	}
	if producer.count() != 1 {
		t.Fatalf("duplicate submit must not republish, got %d", producer.count())
	}
}

func TestServiceRequeueStaleSkipsDispatchedJobs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	service := NewService(store, producer, 3)

	start := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return start }
	for _, id := range []string{"lost", "sent"} {
		if _, err := service.Submit(ctx, Request{ID: id, Kind: KindMint, Payload: MintPayload{Recipient: "0x1"}}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	_, _ = store.Claim(ctx, "lost")
	_ = store.MarkFailed(ctx, "lost", xerrors.CodeChainFailure, "rpc down", false)
	_, _ = store.Claim(ctx, "sent")
	_ = store.MarkDispatched(ctx, "sent")
	store.now = func() time.Time { return start.Add(time.Hour) }

	n, err := service.RequeueStale(ctx, 10*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("requeue: n=%d err=%v", n, err)
	}
	if producer.ids[len(producer.ids)-1] != "lost" {
		t.Fatalf("unexpected republished ids %v", producer.ids)
	}
	sent, _ := store.Get(ctx, "sent")
	if sent.Status != StatusFailed || !sent.Terminal || sent.ErrorCode != string(CodeJobOutcomeUnknown) {
		t.Fatalf("dispatched job should need review: %+v", sent)
	}
}
