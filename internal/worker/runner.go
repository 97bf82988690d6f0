// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adiadia/exception-runtime/internal/broker"
	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/logging"
	"github.com/adiadia/exception-runtime/internal/metrics"
	"github.com/adiadia/exception-runtime/internal/outbox"
	"github.com/adiadia/exception-runtime/internal/repository"
	"github.com/adiadia/exception-runtime/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	outcomeCompleted    = "completed"
	outcomeDuplicate    = "duplicate"
	outcomeBusy         = "busy"
	outcomeDeferred     = "deferred"
	outcomeIgnored      = "ignored"
	outcomeRetry        = "retry_scheduled"
	outcomeDeadLettered = "dead_lettered"
	outcomeTransient    = "transient"
)

type Config struct {
	WorkerType    domain.WorkerType
	Topic         string
	ConsumerGroup string
	ConsumerName  string
	// Concurrency is the number of consumer loops.
	Concurrency    int
	HandlerTimeout time.Duration
	MaxRetries     int
	// StaleAfter is how long an in-flight claim is honored before another
	// consumer may take it over.
	StaleAfter      time.Duration
	OrderDeferDelay time.Duration
	// TransientBackoff doubles up to MaxTransientBackoff while the
	// infrastructure keeps failing.
	TransientBackoff    time.Duration
	MaxTransientBackoff time.Duration
	// EventTypes gates ordering and filters deliveries. Defaults to the
	// types the emitter's router sends to WorkerType.
	EventTypes      []domain.EventType
	PollTimeout     time.Duration
	HealthThreshold time.Duration
}

type Deps struct {
	Broker      broker.Broker
	Ledger      repository.ProcessingLedger
	Emitter     *outbox.Emitter
	Retries     *RetryScheduler
	DeadLetters *DeadLetterHandler
	Handler     Handler
	Logger      *slog.Logger
}

// Runner consumes one worker type's topic with Concurrency loops and
// drives every delivery through the processing pipeline.
type Runner struct {
	cfg  Config
	deps Deps

	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	subs    []broker.Subscription
	wg      sync.WaitGroup
	running atomic.Bool
	beat    atomic.Int64
}

func NewRunner(cfg Config, deps Deps) *Runner {
	if cfg.Topic == "" {
		cfg.Topic = broker.TopicFor(cfg.WorkerType)
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = string(cfg.WorkerType)
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = string(cfg.WorkerType) + "-" + uuid.NewString()[:8]
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.OrderDeferDelay <= 0 {
		cfg.OrderDeferDelay = 250 * time.Millisecond
	}
	if cfg.TransientBackoff <= 0 {
		cfg.TransientBackoff = 500 * time.Millisecond
	}
	if cfg.MaxTransientBackoff < cfg.TransientBackoff {
		cfg.MaxTransientBackoff = 30 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.HealthThreshold <= 0 {
		cfg.HealthThreshold = 2*cfg.HandlerTimeout + 10*cfg.PollTimeout
	}
	if len(cfg.EventTypes) == 0 && deps.Emitter != nil {
		cfg.EventTypes = deps.Emitter.Router().EventTypesFor(cfg.WorkerType)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("worker_type", cfg.WorkerType),
	}
}

func (r *Runner) Config() Config {
	return r.cfg
}

// Start subscribes the consumer loops and returns immediately.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return errors.New("runner already started")
	}

	subs := make([]broker.Subscription, 0, r.cfg.Concurrency)
	for i := 0; i < r.cfg.Concurrency; i++ {
		name := r.cfg.ConsumerName + "-" + strconv.Itoa(i)
		sub, err := r.deps.Broker.Subscribe(ctx, r.cfg.Topic, r.cfg.ConsumerGroup, name)
		if err != nil {
			for _, s := range subs {
				_ = s.Close()
			}
			return fmt.Errorf("subscribe %s: %w", r.cfg.Topic, err)
		}
		subs = append(subs, sub)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.subs = subs
	r.touch()
	r.running.Store(true)

	for _, sub := range subs {
		r.wg.Add(1)
		go r.loop(loopCtx, sub)
	}

	r.logger.InfoContext(ctx, "worker started",
		"topic", r.cfg.Topic,
		"consumer_group", r.cfg.ConsumerGroup,
		"concurrency", r.cfg.Concurrency,
	)
	return nil
}

// Stop stops receiving and waits for in-flight messages to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	subs := r.subs
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	r.running.Store(false)

	for _, sub := range subs {
		_ = sub.Close()
	}
	r.logger.Info("worker stopped")
}

// Healthy reports whether a consumer loop made progress recently.
func (r *Runner) Healthy() bool {
	if !r.running.Load() {
		return false
	}
	last := time.Unix(0, r.beat.Load())
	return time.Since(last) < r.cfg.HealthThreshold
}

func (r *Runner) touch() {
	r.beat.Store(time.Now().UnixNano())
}

func (r *Runner) loop(ctx context.Context, sub broker.Subscription) {
	defer r.wg.Done()

	var pause time.Duration
	for {
		r.touch()
		if ctx.Err() != nil {
			return
		}

		recvCtx, cancel := context.WithTimeout(ctx, r.cfg.PollTimeout)
		d, err := sub.Receive(recvCtx)
		timedOut := recvCtx.Err() != nil
		cancel()

		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return
			}
			if timedOut {
				continue
			}
			pause = r.nextPause(pause)
			r.logger.WarnContext(ctx, "receive failed, pausing", "error", err, "pause", pause)
			if !sleep(ctx, pause) {
				return
			}
			continue
		}
		if d == nil {
			continue
		}

		// In-flight messages run to completion on Stop.
		outcome := r.Process(context.WithoutCancel(ctx), d)
		if outcome != outcomeTransient {
			pause = 0
			continue
		}

		pause = r.nextPause(pause)
		if !sleep(ctx, pause) {
			return
		}
	}
}

func (r *Runner) nextPause(prev time.Duration) time.Duration {
	if prev <= 0 {
		return r.cfg.TransientBackoff
	}
	next := prev * 2
	if next > r.cfg.MaxTransientBackoff {
		return r.cfg.MaxTransientBackoff
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Process runs one delivery through the pipeline and settles it. It returns
// the outcome recorded in metrics.
func (r *Runner) Process(ctx context.Context, d *broker.Delivery) (outcome string) {
	wt := r.cfg.WorkerType
	start := time.Now()

	ev, decodeErr := domain.DecodeEnvelope(d.Body)

	fields := logging.LogFields{
		TenantID:    ev.TenantID,
		ExceptionID: ev.ExceptionID,
		EventType:   string(ev.EventType),
		WorkerType:  string(wt),
		MessageID:   d.ID,
		Component:   "worker",
	}
	if ev.EventID != uuid.Nil {
		fields.EventID = ev.EventID.String()
	}
	ctx = logging.WithFields(ctx, fields)

	ctx, span := telemetry.StartConsumerSpan(ctx, "worker."+string(wt),
		attribute.String("messaging.destination", d.Topic),
		attribute.String("messaging.message.id", d.ID),
		attribute.Int("messaging.redeliveries", d.Redeliveries),
	)
	var spanErr error
	defer func() {
		telemetry.End(span, spanErr)
		metrics.IncMessagesProcessed(wt, outcome)
		metrics.ObserveHandlerDuration(wt, time.Since(start))
	}()

	if decodeErr != nil {
		spanErr = decodeErr
		return r.deadLetterAndAck(ctx, d, ev, decodeErr, r.attemptsSoFar(ctx, ev.EventID), false)
	}

	if !r.accepts(ev.EventType) {
		r.logger.DebugContext(ctx, "event type not handled, skipping")
		r.ack(ctx, d)
		return outcomeIgnored
	}

	done, err := r.deps.Ledger.IsAlreadyProcessed(ctx, ev.EventID, wt)
	if err != nil {
		spanErr = err
		return r.nackTransient(ctx, d, err)
	}
	if done {
		r.logger.InfoContext(ctx, "event already processed, skipping")
		r.ack(ctx, d)
		return outcomeDuplicate
	}

	pending, err := r.deps.Ledger.PendingPredecessors(ctx, ev, wt, r.cfg.EventTypes)
	if err != nil {
		spanErr = err
		return r.nackTransient(ctx, d, err)
	}
	if pending > 0 {
		r.logger.DebugContext(ctx, "earlier events pending, deferring", "pending", pending)
		if err := d.Nack(ctx, r.cfg.OrderDeferDelay); err != nil {
			r.logger.WarnContext(ctx, "nack failed", "error", err)
		}
		return outcomeDeferred
	}

	rec, claim, err := r.deps.Ledger.Claim(ctx, ev.EventID, wt, r.cfg.StaleAfter)
	if err != nil {
		spanErr = err
		return r.nackTransient(ctx, d, err)
	}
	switch claim {
	case domain.ClaimDone:
		r.ack(ctx, d)
		return outcomeDuplicate
	case domain.ClaimBusy:
		r.logger.InfoContext(ctx, "event claimed by another consumer, skipping")
		r.ack(ctx, d)
		return outcomeBusy
	case domain.ClaimReclaimed:
		r.logger.WarnContext(ctx, "stale claim taken over", "attempt", rec.AttemptCount)
	}

	outs, err := r.invoke(ctx, ev)
	if err == nil {
		err = r.commit(ctx, ev, outs)
	}
	if err == nil {
		r.ack(ctx, d)
		r.logger.InfoContext(ctx, "event processed",
			"attempt", rec.AttemptCount,
			"outputs", len(outs),
			"duration", time.Since(start),
		)
		return outcomeCompleted
	}

	spanErr = err
	return r.fail(ctx, d, ev, rec, err)
}

func (r *Runner) accepts(et domain.EventType) bool {
	if len(r.cfg.EventTypes) == 0 {
		return true
	}
	for _, want := range r.cfg.EventTypes {
		if want == et {
			return true
		}
	}
	return false
}

// invoke runs the handler under the handler timeout. Panics become handler
// failures; a handler still running at the deadline has timed out even if
// it returned nil. A handler that ignores its context is abandoned at the
// deadline and its late result is dropped.
func (r *Runner) invoke(ctx context.Context, ev domain.Event) ([]domain.Event, error) {
	hctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	defer cancel()

	type result struct {
		outs []domain.Event
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if p := recover(); p != nil {
				r.logger.ErrorContext(ctx, "panic recovered in handler", "panic", p)
				res = result{err: &domain.HandlerLogicError{Err: fmt.Errorf("panic: %v", p)}}
			}
			done <- res
		}()
		res.outs, res.err = r.deps.Handler.Handle(hctx, ev)
	}()

	var res result
	select {
	case res = <-done:
	case <-hctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case res = <-done:
		default:
			r.logger.WarnContext(ctx, "handler ignored its deadline, abandoning it",
				"timeout", r.cfg.HandlerTimeout,
			)
		}
	}

	if errors.Is(hctx.Err(), context.DeadlineExceeded) {
		return nil, &domain.HandlerLogicError{
			Err: fmt.Errorf("handler timed out after %s: %w", r.cfg.HandlerTimeout, context.DeadlineExceeded),
		}
	}
	return res.outs, res.err
}

// commit appends the outputs, completes the ledger entry and publishes.
// Outputs get ids derived from the input so redelivery re-emits the same
// events.
func (r *Runner) commit(ctx context.Context, ev domain.Event, outs []domain.Event) error {
	wt := r.cfg.WorkerType
	for i := range outs {
		out := &outs[i]
		out.EventID = domain.DerivedEventID(ev.EventID, wt, i)
		if out.TenantID == "" {
			out.TenantID = ev.TenantID
		}
		if out.ExceptionID == "" {
			out.ExceptionID = ev.ExceptionID
		}
		if out.CorrelationID == "" {
			out.CorrelationID = ev.CorrelationID
		}
		if out.SchemaVersion == 0 {
			out.SchemaVersion = domain.CurrentSchemaVersion
		}
		if out.Timestamp.IsZero() {
			out.Timestamp = time.Now().UTC()
		}
	}

	stored, err := r.deps.Emitter.Append(ctx, outs, nil)
	if err != nil {
		return err
	}
	if err := r.deps.Ledger.MarkCompleted(ctx, ev.EventID, wt); err != nil {
		return err
	}
	if err := r.deps.Emitter.Publish(ctx, stored); err != nil {
		r.logger.WarnContext(ctx, "publish of outputs failed, reconciler will retry", "error", err)
	}
	return nil
}

func (r *Runner) fail(ctx context.Context, d *broker.Delivery, ev domain.Event, rec domain.EventProcessingRecord, err error) string {
	wt := r.cfg.WorkerType

	switch domain.Classify(err) {
	case domain.FailureDuplicate:
		if mErr := r.deps.Ledger.MarkCompleted(ctx, ev.EventID, wt); mErr != nil {
			return r.releaseAndNack(ctx, d, ev, mErr)
		}
		r.ack(ctx, d)
		return outcomeDuplicate

	case domain.FailureSchema:
		return r.deadLetterAndAck(ctx, d, ev, err, rec.AttemptCount, true)

	case domain.FailureTransient:
		return r.releaseAndNack(ctx, d, ev, err)
	}

	r.logger.WarnContext(ctx, "handler failed",
		"attempt", rec.AttemptCount,
		"error", logging.Truncate(err.Error(), 512),
	)
	deadLettered, hErr := r.deps.Retries.HandleFailure(ctx, Failure{
		Event:      ev,
		Topic:      d.Topic,
		WorkerType: wt,
		Record:     rec,
		Err:        err,
		MaxRetries: r.cfg.MaxRetries,
	})
	if hErr != nil {
		return r.releaseAndNack(ctx, d, ev, hErr)
	}
	r.ack(ctx, d)
	if deadLettered {
		return outcomeDeadLettered
	}
	return outcomeRetry
}

// deadLetterAndAck parks a message that can never succeed. When claimed is
// set and the dead letter cannot be written, the claim is released so the
// redelivery is not skipped as busy.
func (r *Runner) deadLetterAndAck(ctx context.Context, d *broker.Delivery, ev domain.Event, cause error, attempts int, claimed bool) string {
	r.logger.ErrorContext(ctx, "message failed validation, dead-lettering", "error", cause)

	_, err := r.deps.DeadLetters.DeadLetter(ctx, DeadLetterRequest{
		Event:      ev,
		Raw:        d.Body,
		Topic:      d.Topic,
		WorkerType: r.cfg.WorkerType,
		Reason:     cause.Error(),
		RetryCount: attempts,
	})
	if err != nil {
		if claimed {
			return r.releaseAndNack(ctx, d, ev, err)
		}
		return r.nackTransient(ctx, d, err)
	}
	r.ack(ctx, d)
	return outcomeDeadLettered
}

// attemptsSoFar reads the attempt count of an event that never reached
// the claim. Unknown or unreadable records count as one attempt.
func (r *Runner) attemptsSoFar(ctx context.Context, eventID uuid.UUID) int {
	if eventID == uuid.Nil {
		return 1
	}
	rec, ok, err := r.deps.Ledger.GetRecord(ctx, eventID, r.cfg.WorkerType)
	if err != nil || !ok || rec.AttemptCount < 1 {
		return 1
	}
	return rec.AttemptCount
}

func (r *Runner) releaseAndNack(ctx context.Context, d *broker.Delivery, ev domain.Event, err error) string {
	if rErr := r.deps.Ledger.ReleaseClaim(ctx, ev.EventID, r.cfg.WorkerType, err.Error()); rErr != nil {
		r.logger.WarnContext(ctx, "release claim failed, claim will go stale", "error", rErr)
	}
	return r.nackTransient(ctx, d, err)
}

func (r *Runner) nackTransient(ctx context.Context, d *broker.Delivery, err error) string {
	r.logger.WarnContext(ctx, "transient failure, message returned to broker", "error", err)
	if nErr := d.Nack(ctx, 0); nErr != nil {
		r.logger.WarnContext(ctx, "nack failed", "error", nErr)
	}
	return outcomeTransient
}

func (r *Runner) ack(ctx context.Context, d *broker.Delivery) {
	if err := d.Ack(ctx); err != nil {
		r.logger.WarnContext(ctx, "ack failed", "error", err)
	}
}
