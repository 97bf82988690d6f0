// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/partition"
)

func testEvent(t *testing.T, exceptionID string) domain.Event {
	t.Helper()
	ev, err := domain.NewEvent(domain.EventExceptionIngested, "T1", exceptionID, domain.ExceptionIngestedPayload{
		SourceSystem:  "erp",
		ExceptionType: "payment_mismatch",
	}, nil)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return ev
}

func receive(t *testing.T, sub Subscription) *Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := sub.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return d
}

func decode(t *testing.T, d *Delivery) domain.Event {
	t.Helper()
	ev, err := domain.DecodeEnvelope(d.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return ev
}

func TestMemoryDeliversInPartitionOrder(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(4)
	defer b.Close()

	sub, err := b.Subscribe(ctx, "exceptions.intake", "g", "c1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	first := testEvent(t, "E1")
	second := testEvent(t, "E1")
	key := partition.Key("T1", "E1")
	if err := b.Publish(ctx, "exceptions.intake", key, first); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, "exceptions.intake", key, second); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d1 := receive(t, sub)
	if decode(t, d1).EventID != first.EventID {
		t.Fatal("expected first event first")
	}

	// The lane is leased until d1 settles, so a second consumer sees nothing.
	other, _ := b.Subscribe(ctx, "exceptions.intake", "g", "c2")
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := other.Receive(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected leased lane to block other consumers, got %v", err)
	}

	if err := d1.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	d2 := receive(t, other)
	if decode(t, d2).EventID != second.EventID {
		t.Fatal("expected second event after ack")
	}
	_ = d2.Ack(ctx)

	if n := b.Pending("exceptions.intake", "g"); n != 0 {
		t.Fatalf("expected no pending messages got %d", n)
	}
}

func TestMemoryNackRequeuesBehindNewerMessages(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(1)
	defer b.Close()

	sub, _ := b.Subscribe(ctx, "t", "g", "c1")
	first := testEvent(t, "E1")
	second := testEvent(t, "E2")
	_ = b.Publish(ctx, "t", "k", first)
	_ = b.Publish(ctx, "t", "k", second)

	d := receive(t, sub)
	if err := d.Nack(ctx, 0); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if err := d.Ack(ctx); !errors.Is(err, ErrSettled) {
		t.Fatalf("expected ErrSettled on double settle, got %v", err)
	}

	next := receive(t, sub)
	if decode(t, next).EventID != second.EventID {
		t.Fatal("expected newer message ahead of the nacked one")
	}
	_ = next.Ack(ctx)

	again := receive(t, sub)
	if decode(t, again).EventID != first.EventID {
		t.Fatal("expected nacked message to be redelivered")
	}
	if again.Redeliveries != 1 {
		t.Fatalf("expected 1 redelivery got %d", again.Redeliveries)
	}
}

func TestMemoryNackDelay(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(1)
	defer b.Close()

	sub, _ := b.Subscribe(ctx, "t", "g", "c1")
	_ = b.Publish(ctx, "t", "k", testEvent(t, "E1"))

	d := receive(t, sub)
	started := time.Now()
	_ = d.Nack(ctx, 80*time.Millisecond)

	again := receive(t, sub)
	if elapsed := time.Since(started); elapsed < 70*time.Millisecond {
		t.Fatalf("expected redelivery after delay, got %s", elapsed)
	}
	_ = again.Ack(ctx)
}

func TestMemoryFirstGroupDrainsBacklog(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(2)
	defer b.Close()

	ev := testEvent(t, "E1")
	_ = b.Publish(ctx, "t", "k", ev)
	if n := b.Pending("t", "first"); n != 1 {
		t.Fatalf("expected one backlogged message, got %d", n)
	}

	sub, _ := b.Subscribe(ctx, "t", "first", "c1")
	d := receive(t, sub)
	if decode(t, d).EventID != ev.EventID {
		t.Fatal("expected first group to receive earlier message")
	}
	_ = d.Ack(ctx)

	if n := len(b.topics["t"].backlog); n != 0 {
		t.Fatalf("expected backlog released after first subscribe, got %d", n)
	}
	if _, err := b.Subscribe(ctx, "t", "second", "c1"); err != nil {
		t.Fatalf("subscribe second group: %v", err)
	}
	if n := b.Pending("t", "second"); n != 0 {
		t.Fatalf("expected a later group to start empty, got %d", n)
	}
}

func TestMemoryBacklogIsBounded(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(1)
	b.backlog = 3
	defer b.Close()

	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, "t", "k", testEvent(t, "E1")); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	err := b.Publish(ctx, "t", "k", testEvent(t, "E1"))
	var transient *domain.TransientInfraError
	if !errors.Is(err, ErrBacklogFull) || !errors.As(err, &transient) {
		t.Fatalf("expected transient backlog error, got %v", err)
	}
	if n := b.Pending("t", "g"); n != 3 {
		t.Fatalf("expected backlog to stay at 3, got %d", n)
	}

	sub, _ := b.Subscribe(ctx, "t", "g", "c1")
	for i := 0; i < 3; i++ {
		_ = receive(t, sub).Ack(ctx)
	}
	for i := 0; i < 5; i++ {
		if err := b.Publish(ctx, "t", "k", testEvent(t, "E1")); err != nil {
			t.Fatalf("publish with a subscribed group: %v", err)
		}
	}
	if n := len(b.topics["t"].backlog); n != 0 {
		t.Fatalf("expected no backlog once a group exists, got %d", n)
	}
}

func TestMemoryClose(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(1)
	sub, _ := b.Subscribe(ctx, "t", "g", "c1")

	done := make(chan error, 1)
	go func() {
		_, err := sub.Receive(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	_ = b.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected receive to unblock on close")
	}

	if err := b.Publish(ctx, "t", "k", testEvent(t, "E1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected publish after close to fail, got %v", err)
	}
}

func TestRouter(t *testing.T) {
	r := DefaultRouter()

	wt, topic, ok := r.Route(domain.EventToolExecutionRequested)
	if !ok || wt != domain.WorkerTool || topic != "exceptions.tool" {
		t.Fatalf("unexpected route %s %s %v", wt, topic, ok)
	}
	if _, _, ok := r.Route(domain.EventPlaybookMatched); ok {
		t.Fatal("expected PlaybookMatched to have no consumer")
	}

	got := r.EventTypesFor(domain.WorkerFeedback)
	want := []domain.EventType{
		domain.EventStepCompleted,
		domain.EventPlaybookCompleted,
		domain.EventToolExecutionCompleted,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v got %v", want, got)
		}
	}
}
