// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/adiadia/exception-runtime/internal/broker"
	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/repository/memstore"
)

type recordingPublisher struct {
	mu     sync.Mutex
	fail   error
	topics []string
	events []domain.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, topic, partitionKey string, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.topics = append(p.topics, topic)
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ingested(t *testing.T) domain.Event {
	t.Helper()
	ev, err := domain.NewEvent(domain.EventExceptionIngested, "T1", "E1", domain.ExceptionIngestedPayload{
		SourceSystem:  "erp",
		ExceptionType: "payment_mismatch",
	}, nil)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return ev
}

func matched(t *testing.T) domain.Event {
	t.Helper()
	ev, err := domain.NewEvent(domain.EventPlaybookMatched, "T1", "E1", domain.PlaybookMatchedPayload{
		PlaybookID:      "pb",
		PlaybookVersion: 1,
		FirstStep:       1,
	}, nil)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return ev
}

func TestEmitAppendsThenPublishesRoutedEvents(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	pub := &recordingPublisher{}
	emitter := NewEmitter(store, pub, broker.DefaultRouter(), discardLogger())

	stored, err := emitter.Emit(ctx, []domain.Event{ingested(t), matched(t)}, nil)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(stored) != 2 || stored[0].Sequence == 0 {
		t.Fatalf("expected two stored events with sequences, got %+v", stored)
	}

	if pub.count() != 1 {
		t.Fatalf("expected only the routed event to be published, got %d", pub.count())
	}
	if pub.topics[0] != broker.TopicFor(domain.WorkerIntake) {
		t.Fatalf("expected intake topic got %s", pub.topics[0])
	}

	pending, err := store.ListUnpublished(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list unpublished: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected every event marked published, got %d pending", len(pending))
	}
}

func TestEmitKeepsAppendWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	pub := &recordingPublisher{fail: domain.Transient("publish", errors.New("broker down"))}
	emitter := NewEmitter(store, pub, nil, discardLogger())

	ev := ingested(t)
	if _, err := emitter.Emit(ctx, []domain.Event{ev}, nil); err != nil {
		t.Fatalf("emit should not fail on publish error: %v", err)
	}

	if _, err := store.GetEvent(ctx, ev.EventID); err != nil {
		t.Fatalf("expected event to be durable: %v", err)
	}

	reconciler := NewReconciler(store, emitter, ReconcilerConfig{BatchSize: 10}, discardLogger())
	reconciler.now = func() time.Time { return time.Now().Add(time.Hour) }

	if _, err := reconciler.RunOnce(ctx); err == nil {
		t.Fatal("expected reconcile to fail while broker is down")
	}

	pub.mu.Lock()
	pub.fail = nil
	pub.mu.Unlock()

	n, err := reconciler.RunOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 || pub.count() != 1 {
		t.Fatalf("expected one republished event, got n=%d published=%d", n, pub.count())
	}
	if pub.events[0].EventID != ev.EventID {
		t.Fatalf("expected original event id %s got %s", ev.EventID, pub.events[0].EventID)
	}

	n, err = reconciler.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing left to reconcile, got %d", n)
	}
}

func TestReconcilerRespectsGrace(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	pub := &recordingPublisher{}
	emitter := NewEmitter(store, pub, nil, discardLogger())

	if _, _, err := store.AppendEvent(ctx, ingested(t)); err != nil {
		t.Fatalf("append: %v", err)
	}

	reconciler := NewReconciler(store, emitter, ReconcilerConfig{Grace: time.Minute}, discardLogger())
	n, err := reconciler.RunOnce(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected fresh event to be left alone, got %d", n)
	}
}

func TestReconcilerRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := memstore.New()
	reconciler := NewReconciler(store, NewEmitter(store, &recordingPublisher{}, nil, nil), ReconcilerConfig{Interval: 10 * time.Millisecond}, discardLogger())

	done := make(chan error, 1)
	go func() { done <- reconciler.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestRedriverRepublishesUnsettledEventsInOrder(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	emitter := NewEmitter(store, &recordingPublisher{}, nil, discardLogger())

	stored, err := emitter.Emit(ctx, []domain.Event{ingested(t), ingested(t), ingested(t), ingested(t)}, nil)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if _, _, err := store.AppendEvent(ctx, ingested(t)); err != nil {
		t.Fatalf("append: %v", err)
	}

	wt := domain.WorkerIntake
	claim := func(ev domain.Event) {
		t.Helper()
		if _, _, err := store.Claim(ctx, ev.EventID, wt, time.Minute); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}
	claim(stored[0])
	if err := store.MarkCompleted(ctx, stored[0].EventID, wt); err != nil {
		t.Fatalf("complete: %v", err)
	}
	claim(stored[1])
	claim(stored[3])
	if err := store.ScheduleRetry(ctx, stored[3].EventID, wt, time.Now().Add(time.Hour), "later"); err != nil {
		t.Fatalf("schedule retry: %v", err)
	}

	pub := &recordingPublisher{}
	redriver := NewRedriver(store, NewEmitter(store, pub, nil, discardLogger()), 1, discardLogger())
	n, err := redriver.Run(ctx)
	if err != nil {
		t.Fatalf("redrive: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 redriven events, got %d", n)
	}
	if pub.events[0].EventID != stored[1].EventID || pub.events[1].EventID != stored[2].EventID {
		t.Fatalf("unexpected redrive order: %v, %v", pub.events[0].EventID, pub.events[1].EventID)
	}
	if pub.topics[0] != broker.TopicFor(wt) {
		t.Fatalf("unexpected topic %q", pub.topics[0])
	}

	rec, ok, err := store.GetRecord(ctx, stored[1].EventID, wt)
	if err != nil || !ok {
		t.Fatalf("get record: ok=%v err=%v", ok, err)
	}
	if rec.Status != domain.ProcessingFailed || rec.AttemptCount != 0 {
		t.Fatalf("expected released claim, got %+v", rec)
	}
}

func TestRedriverStopsOnPublishFailure(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	if _, err := NewEmitter(store, &recordingPublisher{}, nil, nil).Emit(ctx, []domain.Event{ingested(t)}, nil); err != nil {
		t.Fatalf("emit: %v", err)
	}

	pub := &recordingPublisher{fail: errors.New("broker down")}
	n, err := NewRedriver(store, NewEmitter(store, pub, nil, discardLogger()), 0, discardLogger()).Run(ctx)
	if err == nil {
		t.Fatal("expected publish failure")
	}
	if n != 0 {
		t.Fatalf("expected nothing redriven, got %d", n)
	}
}
