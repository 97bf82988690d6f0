// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adiadia/exception-runtime/internal/broker"
	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/outbox"
	"github.com/adiadia/exception-runtime/internal/partition"
	"github.com/adiadia/exception-runtime/internal/repository/memstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	store       *memstore.Store
	broker      *broker.Memory
	emitter     *outbox.Emitter
	retries     *RetryScheduler
	deadLetters *DeadLetterHandler
	clock       *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newHarness(t *testing.T, maxRetries int) *harness {
	t.Helper()

	logger := discardLogger()
	store := memstore.New()
	mem := broker.NewMemory(4)
	t.Cleanup(func() { _ = mem.Close() })

	emitter := outbox.NewEmitter(store, mem, nil, logger)
	dlq := NewDeadLetterHandler(store, emitter, logger)
	retries := NewRetryScheduler(store, store, mem, dlq, RetryConfig{
		Policy:     BackoffPolicy{Default: Backoff{Base: time.Second, Max: time.Minute}},
		MaxRetries: maxRetries,
	}, logger)

	clock := &testClock{now: time.Now()}
	retries.now = clock.Now

	return &harness{
		store:       store,
		broker:      mem,
		emitter:     emitter,
		retries:     retries,
		deadLetters: dlq,
		clock:       clock,
	}
}

func (h *harness) runner(t *testing.T, wt domain.WorkerType, handler Handler, mutate func(*Config)) *Runner {
	t.Helper()
	cfg := Config{
		WorkerType:      wt,
		HandlerTimeout:  time.Second,
		MaxRetries:      3,
		OrderDeferDelay: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewRunner(cfg, Deps{
		Broker:      h.broker,
		Ledger:      h.store,
		Emitter:     h.emitter,
		Retries:     h.retries,
		DeadLetters: h.deadLetters,
		Handler:     handler,
		Logger:      discardLogger(),
	})
}

func (h *harness) subscribe(t *testing.T, r *Runner) broker.Subscription {
	t.Helper()
	cfg := r.Config()
	sub, err := h.broker.Subscribe(context.Background(), cfg.Topic, cfg.ConsumerGroup, "test")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return sub
}

func receive(t *testing.T, sub broker.Subscription) *broker.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := sub.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return d
}

func ingestedEvent(t *testing.T, exceptionID string) domain.Event {
	t.Helper()
	ev, err := domain.NewEvent(domain.EventExceptionIngested, "T1", exceptionID, domain.ExceptionIngestedPayload{
		SourceSystem:  "erp",
		ExceptionType: "payment_mismatch",
		Severity:      "high",
	}, nil)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return ev
}

func normalizedOutput(t *testing.T) domain.Event {
	t.Helper()
	out, err := domain.NewEvent(domain.EventExceptionNormalized, "", "", domain.ExceptionNormalizedPayload{
		SourceSystem:  "erp",
		Domain:        "finance",
		ExceptionType: "payment_mismatch",
		Severity:      domain.SeverityHigh,
	}, nil)
	if err != nil {
		t.Fatalf("new output: %v", err)
	}
	return out
}

type countingHandler struct {
	calls atomic.Int32
	fn    func(ctx context.Context, ev domain.Event) ([]domain.Event, error)
}

func (h *countingHandler) Handle(ctx context.Context, ev domain.Event) ([]domain.Event, error) {
	h.calls.Add(1)
	return h.fn(ctx, ev)
}

func TestRunnerProcessAppendsDerivedOutputs(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	handler := &countingHandler{fn: func(context.Context, domain.Event) ([]domain.Event, error) {
		return []domain.Event{normalizedOutput(t)}, nil
	}}
	r := h.runner(t, domain.WorkerIntake, handler, nil)
	sub := h.subscribe(t, r)

	in := ingestedEvent(t, "E1")
	if _, err := h.emitter.Emit(ctx, []domain.Event{in}, nil); err != nil {
		t.Fatalf("emit: %v", err)
	}

	if got := r.Process(ctx, receive(t, sub)); got != outcomeCompleted {
		t.Fatalf("expected %s got %s", outcomeCompleted, got)
	}

	wantID := domain.DerivedEventID(in.EventID, domain.WorkerIntake, 0)
	out, err := h.store.GetEvent(ctx, wantID)
	if err != nil {
		t.Fatalf("derived output not stored: %v", err)
	}
	if out.TenantID != "T1" || out.ExceptionID != "E1" || out.CorrelationID != in.CorrelationID {
		t.Fatalf("output not scoped to input: %+v", out)
	}

	done, err := h.store.IsAlreadyProcessed(ctx, in.EventID, domain.WorkerIntake)
	if err != nil || !done {
		t.Fatalf("expected completed ledger entry, done=%v err=%v", done, err)
	}

	if got := h.broker.Pending(broker.TopicFor(domain.WorkerIntake), string(domain.WorkerIntake)); got != 0 {
		t.Fatalf("expected input acked, %d pending", got)
	}

	triage, err := h.broker.Subscribe(ctx, broker.TopicFor(domain.WorkerTriage), "triage", "t")
	if err != nil {
		t.Fatalf("subscribe triage: %v", err)
	}
	d := receive(t, triage)
	got, err := domain.DecodeEnvelope(d.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EventID != wantID {
		t.Fatalf("expected published output %s got %s", wantID, got.EventID)
	}
	if d.PartitionKey != partition.Key("T1", "E1") {
		t.Fatalf("unexpected partition key %q", d.PartitionKey)
	}
}

func TestRunnerRedeliveryHasNoSideEffects(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	handler := &countingHandler{fn: func(context.Context, domain.Event) ([]domain.Event, error) {
		return []domain.Event{normalizedOutput(t)}, nil
	}}
	r := h.runner(t, domain.WorkerIntake, handler, nil)
	sub := h.subscribe(t, r)

	in := ingestedEvent(t, "E1")
	if _, err := h.emitter.Emit(ctx, []domain.Event{in}, nil); err != nil {
		t.Fatalf("emit: %v", err)
	}
	r.Process(ctx, receive(t, sub))

	// Same envelope delivered again.
	if err := h.broker.Publish(ctx, broker.TopicFor(domain.WorkerIntake), partition.Key("T1", "E1"), in); err != nil {
		t.Fatalf("republish: %v", err)
	}
	if got := r.Process(ctx, receive(t, sub)); got != outcomeDuplicate {
		t.Fatalf("expected %s got %s", outcomeDuplicate, got)
	}

	if got := handler.calls.Load(); got != 1 {
		t.Fatalf("expected handler to run once, ran %d times", got)
	}
	events, err := h.store.GetEventsByException(ctx, "T1", "E1", domain.EventFilter{
		EventTypes: []domain.EventType{domain.EventExceptionNormalized},
	})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one output event, got %d", len(events))
	}
}

func TestRunnerDeadLettersInvalidMessages(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{name: "garbage", body: []byte("not json")},
		{name: "unknown type", body: []byte(`{"event_id":"8d3e4c52-6f0a-4c0e-9d5b-6a1c2d3e4f50","event_type":"Nope","tenant_id":"T1","timestamp":"2026-01-01T00:00:00Z","payload":{},"schema_version":1}`)},
		{name: "unsupported version", body: []byte(`{"event_id":"8d3e4c52-6f0a-4c0e-9d5b-6a1c2d3e4f51","event_type":"ExceptionIngested","tenant_id":"T1","exception_id":"E1","timestamp":"2026-01-01T00:00:00Z","payload":{"source_system":"a","exception_type":"b"},"schema_version":9}`)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 3)
			ctx := context.Background()

			handler := &countingHandler{fn: func(context.Context, domain.Event) ([]domain.Event, error) {
				return nil, nil
			}}
			r := h.runner(t, domain.WorkerIntake, handler, nil)
			sub := h.subscribe(t, r)

			if err := h.broker.PublishRaw(ctx, r.Config().Topic, "k", tc.body); err != nil {
				t.Fatalf("publish raw: %v", err)
			}
			if got := r.Process(ctx, receive(t, sub)); got != outcomeDeadLettered {
				t.Fatalf("expected %s got %s", outcomeDeadLettered, got)
			}
			if handler.calls.Load() != 0 {
				t.Fatal("handler must not run for invalid messages")
			}

			entries, err := h.store.ListDeadLetterEntries(ctx, domain.DeadLetterFilter{})
			if err != nil {
				t.Fatalf("list dead letters: %v", err)
			}
			if len(entries) != 1 {
				t.Fatalf("expected 1 dead letter, got %d", len(entries))
			}
			if entries[0].RetryCount != 1 {
				t.Fatalf("expected retry_count 1, got %d", entries[0].RetryCount)
			}
			if entries[0].OriginalTopic != r.Config().Topic {
				t.Fatalf("unexpected original topic %q", entries[0].OriginalTopic)
			}
			if h.broker.Pending(r.Config().Topic, r.Config().ConsumerGroup) != 0 {
				t.Fatal("expected invalid message to be acked")
			}
		})
	}
}

func TestRunnerTimeoutsExhaustRetriesIntoDeadLetter(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	handler := &countingHandler{fn: func(ctx context.Context, _ domain.Event) ([]domain.Event, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	r := h.runner(t, domain.WorkerIntake, handler, func(c *Config) {
		c.HandlerTimeout = 20 * time.Millisecond
		c.MaxRetries = 3
	})
	sub := h.subscribe(t, r)

	in := ingestedEvent(t, "E1")
	if _, err := h.emitter.Emit(ctx, []domain.Event{in}, nil); err != nil {
		t.Fatalf("emit: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if got := r.Process(ctx, receive(t, sub)); got != outcomeRetry {
			t.Fatalf("attempt %d: expected %s got %s", attempt, outcomeRetry, got)
		}
		rec, _, _ := h.store.GetRecord(ctx, in.EventID, domain.WorkerIntake)
		if rec.Status != domain.ProcessingRetryScheduled || rec.AttemptCount != attempt {
			t.Fatalf("attempt %d: unexpected record %+v", attempt, rec)
		}

		h.clock.Advance(time.Hour)
		n, err := h.retries.RunOnce(ctx)
		if err != nil {
			t.Fatalf("retry sweep: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected one republished retry, got %d", n)
		}
	}

	if got := r.Process(ctx, receive(t, sub)); got != outcomeDeadLettered {
		t.Fatalf("expected %s got %s", outcomeDeadLettered, got)
	}

	entries, err := h.store.ListDeadLetterEntries(ctx, domain.DeadLetterFilter{TenantID: "T1"})
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one dead letter, got %d", len(entries))
	}
	if entries[0].RetryCount != 3 {
		t.Fatalf("expected retry_count 3, got %d", entries[0].RetryCount)
	}
	if entries[0].EventID != in.EventID {
		t.Fatalf("dead letter must keep the original event id")
	}

	dlqEvent, err := h.store.GetEvent(ctx, domain.DerivedEventID(in.EventID, domain.WorkerIntake, deadLetterIndex))
	if err != nil {
		t.Fatalf("DeadLettered event not appended: %v", err)
	}
	if dlqEvent.EventType != domain.EventDeadLettered {
		t.Fatalf("unexpected event type %s", dlqEvent.EventType)
	}

	rec, _, _ := h.store.GetRecord(ctx, in.EventID, domain.WorkerIntake)
	if rec.Status != domain.ProcessingDeadLettered {
		t.Fatalf("expected dead_lettered ledger entry, got %s", rec.Status)
	}
	if got := handler.calls.Load(); got != 3 {
		t.Fatalf("expected 3 handler attempts, got %d", got)
	}
}

func TestRunnerOrderingGateDefersLaterEvents(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	var seen []string
	var mu sync.Mutex
	handler := &countingHandler{fn: func(_ context.Context, ev domain.Event) ([]domain.Event, error) {
		mu.Lock()
		seen = append(seen, ev.EventID.String())
		mu.Unlock()
		return nil, nil
	}}
	r := h.runner(t, domain.WorkerIntake, handler, nil)
	sub := h.subscribe(t, r)

	first := ingestedEvent(t, "E1")
	second := ingestedEvent(t, "E1")
	if _, err := h.store.AppendEvents(ctx, []domain.Event{first, second}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Only the later event reaches the broker.
	if err := h.emitter.Publish(ctx, []domain.Event{second}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := r.Process(ctx, receive(t, sub)); got != outcomeDeferred {
		t.Fatalf("expected %s got %s", outcomeDeferred, got)
	}
	if handler.calls.Load() != 0 {
		t.Fatal("later event must wait for its predecessor")
	}

	if err := h.emitter.Publish(ctx, []domain.Event{first}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for handler.calls.Load() < 2 && time.Now().Before(deadline) {
		r.Process(ctx, receive(t, sub))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != first.EventID.String() || seen[1] != second.EventID.String() {
		t.Fatalf("expected append order, got %v", seen)
	}
}

func TestRunnerTransientFailureReleasesClaim(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	handler := &countingHandler{fn: func(context.Context, domain.Event) ([]domain.Event, error) {
		return nil, domain.Transient("lookup", errors.New("connection refused"))
	}}
	r := h.runner(t, domain.WorkerIntake, handler, nil)
	sub := h.subscribe(t, r)

	in := ingestedEvent(t, "E1")
	if _, err := h.emitter.Emit(ctx, []domain.Event{in}, nil); err != nil {
		t.Fatalf("emit: %v", err)
	}

	if got := r.Process(ctx, receive(t, sub)); got != outcomeTransient {
		t.Fatalf("expected %s got %s", outcomeTransient, got)
	}

	rec, ok, err := h.store.GetRecord(ctx, in.EventID, domain.WorkerIntake)
	if err != nil || !ok {
		t.Fatalf("record missing: ok=%v err=%v", ok, err)
	}
	if rec.Status != domain.ProcessingFailed || rec.AttemptCount != 0 {
		t.Fatalf("transient failure must not consume an attempt: %+v", rec)
	}
	if h.broker.Pending(r.Config().Topic, r.Config().ConsumerGroup) != 1 {
		t.Fatal("expected message to be returned to the broker")
	}

	entries, _ := h.store.ListDeadLetterEntries(ctx, domain.DeadLetterFilter{})
	if len(entries) != 0 {
		t.Fatalf("transient failures never dead-letter, got %d entries", len(entries))
	}
}

func TestRunnerRecoversHandlerPanic(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	handler := &countingHandler{fn: func(context.Context, domain.Event) ([]domain.Event, error) {
		panic("boom")
	}}
	r := h.runner(t, domain.WorkerIntake, handler, nil)
	sub := h.subscribe(t, r)

	in := ingestedEvent(t, "E1")
	if _, err := h.emitter.Emit(ctx, []domain.Event{in}, nil); err != nil {
		t.Fatalf("emit: %v", err)
	}

	if got := r.Process(ctx, receive(t, sub)); got != outcomeRetry {
		t.Fatalf("expected %s got %s", outcomeRetry, got)
	}
	rec, _, _ := h.store.GetRecord(ctx, in.EventID, domain.WorkerIntake)
	if rec.LastError == "" {
		t.Fatal("expected panic to be recorded as last error")
	}
}

func TestRunnerBusyClaimIsSkipped(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	handler := &countingHandler{fn: func(context.Context, domain.Event) ([]domain.Event, error) {
		return nil, nil
	}}
	r := h.runner(t, domain.WorkerIntake, handler, nil)
	sub := h.subscribe(t, r)

	in := ingestedEvent(t, "E1")
	if _, err := h.emitter.Emit(ctx, []domain.Event{in}, nil); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if _, res, err := h.store.Claim(ctx, in.EventID, domain.WorkerIntake, time.Hour); err != nil || res != domain.ClaimAcquired {
		t.Fatalf("pre-claim: res=%s err=%v", res, err)
	}

	if got := r.Process(ctx, receive(t, sub)); got != outcomeBusy {
		t.Fatalf("expected %s got %s", outcomeBusy, got)
	}
	if handler.calls.Load() != 0 {
		t.Fatal("handler must not run while another consumer holds the claim")
	}
}

func TestRunnerStartStop(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	handler := &countingHandler{fn: func(context.Context, domain.Event) ([]domain.Event, error) {
		return []domain.Event{normalizedOutput(t)}, nil
	}}
	r := h.runner(t, domain.WorkerIntake, handler, func(c *Config) {
		c.Concurrency = 3
		c.PollTimeout = 20 * time.Millisecond
	})

	if r.Healthy() {
		t.Fatal("runner must not be healthy before start")
	}
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	events := make([]domain.Event, 0, 5)
	for i := 0; i < 5; i++ {
		events = append(events, ingestedEvent(t, "E"+string(rune('A'+i))))
	}
	if _, err := h.emitter.Emit(ctx, events, nil); err != nil {
		t.Fatalf("emit: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for handler.calls.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := handler.calls.Load(); got != 5 {
		t.Fatalf("expected 5 handled events, got %d", got)
	}
	if !r.Healthy() {
		t.Fatal("expected running runner to be healthy")
	}

	r.Stop()
	if r.Healthy() {
		t.Fatal("expected stopped runner to be unhealthy")
	}

	for _, ev := range events {
		done, err := h.store.IsAlreadyProcessed(ctx, ev.EventID, domain.WorkerIntake)
		if err != nil || !done {
			t.Fatalf("event %s not completed (err=%v)", ev.EventID, err)
		}
	}
}

func TestRunnerSucceedsAfterTransientHandlerFailures(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	handler := &countingHandler{}
	handler.fn = func(context.Context, domain.Event) ([]domain.Event, error) {
		if handler.calls.Load() <= 2 {
			return nil, errors.New("flaky downstream")
		}
		return []domain.Event{normalizedOutput(t)}, nil
	}
	r := h.runner(t, domain.WorkerIntake, handler, nil)
	sub := h.subscribe(t, r)

	in := ingestedEvent(t, "E1")
	if _, err := h.emitter.Emit(ctx, []domain.Event{in}, nil); err != nil {
		t.Fatalf("emit: %v", err)
	}

	for i := 0; i < 2; i++ {
		if got := r.Process(ctx, receive(t, sub)); got != outcomeRetry {
			t.Fatalf("failure %d: expected %s got %s", i+1, outcomeRetry, got)
		}
		h.clock.Advance(time.Hour)
		if _, err := h.retries.RunOnce(ctx); err != nil {
			t.Fatalf("retry sweep: %v", err)
		}
	}

	if got := r.Process(ctx, receive(t, sub)); got != outcomeCompleted {
		t.Fatalf("expected %s got %s", outcomeCompleted, got)
	}
	rec, _, _ := h.store.GetRecord(ctx, in.EventID, domain.WorkerIntake)
	if rec.Status != domain.ProcessingCompleted || rec.AttemptCount != 3 {
		t.Fatalf("expected completion on attempt 3, got %+v", rec)
	}
	entries, _ := h.store.ListDeadLetterEntries(ctx, domain.DeadLetterFilter{})
	if len(entries) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(entries))
	}
}

func TestRunnerAbandonsHandlerIgnoringDeadline(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	out := normalizedOutput(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	handler := &countingHandler{fn: func(context.Context, domain.Event) ([]domain.Event, error) {
		<-release
		return []domain.Event{out}, nil
	}}
	r := h.runner(t, domain.WorkerIntake, handler, func(c *Config) {
		c.HandlerTimeout = 20 * time.Millisecond
	})
	sub := h.subscribe(t, r)

	in := ingestedEvent(t, "E1")
	if _, err := h.emitter.Emit(ctx, []domain.Event{in}, nil); err != nil {
		t.Fatalf("emit: %v", err)
	}

	d := receive(t, sub)
	done := make(chan string, 1)
	go func() { done <- r.Process(ctx, d) }()

	select {
	case got := <-done:
		if got != outcomeRetry {
			t.Fatalf("expected %s got %s", outcomeRetry, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("process blocked on a handler that ignores its context")
	}

	rec, _, _ := h.store.GetRecord(ctx, in.EventID, domain.WorkerIntake)
	if rec.Status != domain.ProcessingRetryScheduled {
		t.Fatalf("expected retry_scheduled, got %+v", rec)
	}
	if _, err := h.store.GetEvent(ctx, domain.DerivedEventID(in.EventID, domain.WorkerIntake, 0)); err == nil {
		t.Fatal("output of an abandoned handler must not be appended")
	}
}

type failingDeadLetterStore struct {
	*memstore.Store
}

func (failingDeadLetterStore) InsertDeadLetter(context.Context, domain.DeadLetterEntry) (domain.DeadLetterEntry, bool, error) {
	return domain.DeadLetterEntry{}, false, domain.Transient("insert dead letter", errors.New("disk full"))
}

func TestRunnerReleasesClaimWhenDeadLetterFails(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	handler := &countingHandler{fn: func(context.Context, domain.Event) ([]domain.Event, error) {
		return nil, &domain.SchemaValidationError{Field: "payload.amount", Reason: "must be a number"}
	}}
	r := NewRunner(Config{WorkerType: domain.WorkerIntake, HandlerTimeout: time.Second, MaxRetries: 3}, Deps{
		Broker:      h.broker,
		Ledger:      h.store,
		Emitter:     h.emitter,
		Retries:     h.retries,
		DeadLetters: NewDeadLetterHandler(failingDeadLetterStore{h.store}, h.emitter, discardLogger()),
		Handler:     handler,
		Logger:      discardLogger(),
	})
	sub := h.subscribe(t, r)

	in := ingestedEvent(t, "E1")
	if _, err := h.emitter.Emit(ctx, []domain.Event{in}, nil); err != nil {
		t.Fatalf("emit: %v", err)
	}

	if got := r.Process(ctx, receive(t, sub)); got != outcomeTransient {
		t.Fatalf("expected %s got %s", outcomeTransient, got)
	}
	rec, _, _ := h.store.GetRecord(ctx, in.EventID, domain.WorkerIntake)
	if rec.Status != domain.ProcessingFailed || rec.AttemptCount != 0 {
		t.Fatalf("expected released claim, got %+v", rec)
	}

	healthy := h.runner(t, domain.WorkerIntake, handler, nil)
	if got := healthy.Process(ctx, receive(t, sub)); got != outcomeDeadLettered {
		t.Fatalf("redelivery: expected %s got %s", outcomeDeadLettered, got)
	}
	if handler.calls.Load() != 2 {
		t.Fatalf("expected the redelivery to run the handler, got %d calls", handler.calls.Load())
	}
}
