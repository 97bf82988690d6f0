// SPDX-License-Identifier: Apache-2.0

// Package memstore keeps every store in process memory. It backs tests and
// the single-process mode and follows the same semantics as the PostgreSQL
// repositories.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/repository"
	"github.com/google/uuid"
)

type recordKey struct {
	eventID    uuid.UUID
	workerType domain.WorkerType
}

type playbookKey struct {
	tenantID string
	id       string
	version  int
}

type stateKey struct {
	tenantID    string
	exceptionID string
}

type storedEvent struct {
	event       domain.Event
	appendedAt  time.Time
	publishedAt *time.Time
}

type Store struct {
	mu  sync.Mutex
	now func() time.Time

	seq    int64
	events []*storedEvent
	byID   map[uuid.UUID]*storedEvent

	records     map[recordKey]*domain.EventProcessingRecord
	deadLetters []domain.DeadLetterEntry
	playbooks   map[playbookKey]domain.Playbook
	states      map[stateKey]domain.ExceptionPlaybookState
}

var _ repository.Store = (*Store)(nil)

type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:       time.Now,
		byID:      make(map[uuid.UUID]*storedEvent),
		records:   make(map[recordKey]*domain.EventProcessingRecord),
		playbooks: make(map[playbookKey]domain.Playbook),
		states:    make(map[stateKey]domain.ExceptionPlaybookState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Event store

func (s *Store) AppendEvent(ctx context.Context, ev domain.Event) (domain.Event, bool, error) {
	if err := ev.Validate(); err != nil {
		return domain.Event{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, created := s.appendLocked(ev)
	return stored, created, nil
}

func (s *Store) AppendEvents(ctx context.Context, evs []domain.Event, change *domain.StateChange) ([]domain.Event, error) {
	for _, ev := range evs {
		if err := ev.Validate(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if change != nil {
		key := stateKey{change.State.TenantID, change.State.ExceptionID}
		if !repository.CheckExpectation(s.states[key], change.Expect) {
			return nil, domain.ErrProjectionConflict
		}
	}

	out := make([]domain.Event, 0, len(evs))
	for _, ev := range evs {
		stored, _ := s.appendLocked(ev)
		out = append(out, stored)
	}

	if change != nil {
		state := change.State
		state.UpdatedAt = s.now().UTC()
		s.states[stateKey{state.TenantID, state.ExceptionID}] = state
	}
	return out, nil
}

func (s *Store) appendLocked(ev domain.Event) (domain.Event, bool) {
	if existing, ok := s.byID[ev.EventID]; ok {
		return existing.event, false
	}

	s.seq++
	ev.Sequence = s.seq
	se := &storedEvent{event: ev, appendedAt: s.now()}
	s.events = append(s.events, se)
	s.byID[ev.EventID] = se
	return ev, true
}

func (s *Store) GetEventsByException(ctx context.Context, tenantID, exceptionID string, filter domain.EventFilter) ([]domain.Event, error) {
	filter = filter.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Event, 0, 8)
	for _, se := range s.events {
		ev := se.event
		if ev.TenantID != tenantID || ev.ExceptionID != exceptionID {
			continue
		}
		if (filter.After != nil && !filter.After.Precedes(ev)) || !filter.Matches(ev.EventType) {
			continue
		}
		out = append(out, ev)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Sequence < out[j].Sequence
	})
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) GetEvent(ctx context.Context, eventID uuid.UUID) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	se, ok := s.byID[eventID]
	if !ok {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return se.event, nil
}

func (s *Store) ListUnpublished(ctx context.Context, olderThan time.Time, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Event, 0, 8)
	for _, se := range s.events {
		if se.publishedAt != nil || se.appendedAt.After(olderThan) {
			continue
		}
		out = append(out, se.event)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, eventIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range eventIDs {
		if se, ok := s.byID[id]; ok && se.publishedAt == nil {
			t := now
			se.publishedAt = &t
		}
	}
	return nil
}

// Processing ledger

func (s *Store) IsAlreadyProcessed(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{eventID, workerType}]
	return ok && rec.Status.Terminal(), nil
}

func (s *Store) GetRecord(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType) (domain.EventProcessingRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{eventID, workerType}]
	if !ok {
		return domain.EventProcessingRecord{}, false, nil
	}
	return *rec, true, nil
}

func (s *Store) Claim(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType, staleAfter time.Duration) (domain.EventProcessingRecord, domain.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	key := recordKey{eventID, workerType}
	rec, ok := s.records[key]
	if !ok {
		rec = &domain.EventProcessingRecord{
			EventID:       eventID,
			WorkerType:    workerType,
			Status:        domain.ProcessingInFlight,
			AttemptCount:  1,
			LastAttemptAt: now,
		}
		s.records[key] = rec
		return *rec, domain.ClaimAcquired, nil
	}

	switch rec.Status {
	case domain.ProcessingCompleted, domain.ProcessingDeadLettered:
		return *rec, domain.ClaimDone, nil
	case domain.ProcessingInFlight:
		if staleAfter <= 0 || now.Sub(rec.LastAttemptAt) < staleAfter {
			return *rec, domain.ClaimBusy, nil
		}
		rec.AttemptCount++
		rec.LastAttemptAt = now
		return *rec, domain.ClaimReclaimed, nil
	default:
		rec.Status = domain.ProcessingInFlight
		rec.AttemptCount++
		rec.LastAttemptAt = now
		rec.NextAttemptAt = nil
		return *rec, domain.ClaimAcquired, nil
	}
}

func (s *Store) update(eventID uuid.UUID, workerType domain.WorkerType, fn func(rec *domain.EventProcessingRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{eventID, workerType}]
	if !ok {
		return repository.ErrRecordNotFound
	}
	fn(rec)
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType) error {
	return s.update(eventID, workerType, func(rec *domain.EventProcessingRecord) {
		rec.Status = domain.ProcessingCompleted
		rec.NextAttemptAt = nil
		rec.LastError = ""
	})
}

func (s *Store) MarkFailed(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType, reason string) error {
	return s.update(eventID, workerType, func(rec *domain.EventProcessingRecord) {
		rec.Status = domain.ProcessingFailed
		rec.LastError = reason
	})
}

func (s *Store) ReleaseClaim(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType, reason string) error {
	return s.update(eventID, workerType, func(rec *domain.EventProcessingRecord) {
		if rec.Status != domain.ProcessingInFlight {
			return
		}
		rec.Status = domain.ProcessingFailed
		rec.LastError = reason
		if rec.AttemptCount > 0 {
			rec.AttemptCount--
		}
	})
}

func (s *Store) ScheduleRetry(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType, nextAttemptAt time.Time, reason string) error {
	return s.update(eventID, workerType, func(rec *domain.EventProcessingRecord) {
		t := nextAttemptAt.UTC()
		rec.Status = domain.ProcessingRetryScheduled
		rec.NextAttemptAt = &t
		rec.LastError = reason
	})
}

func (s *Store) MarkDeadLettered(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType, attempts int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{eventID, workerType}
	rec, ok := s.records[key]
	if !ok {
		rec = &domain.EventProcessingRecord{
			EventID:       eventID,
			WorkerType:    workerType,
			LastAttemptAt: s.now().UTC(),
		}
		s.records[key] = rec
	}
	rec.Status = domain.ProcessingDeadLettered
	rec.NextAttemptAt = nil
	rec.LastError = reason
	if attempts > rec.AttemptCount {
		rec.AttemptCount = attempts
	}
	return nil
}

func (s *Store) DueRetries(ctx context.Context, now time.Time, limit int) ([]domain.EventProcessingRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.EventProcessingRecord, 0, 4)
	for _, rec := range s.records {
		if rec.Status != domain.ProcessingRetryScheduled || rec.NextAttemptAt == nil {
			continue
		}
		if rec.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, *rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextAttemptAt.Equal(*out[j].NextAttemptAt) {
			return out[i].NextAttemptAt.Before(*out[j].NextAttemptAt)
		}
		return out[i].EventID.String() < out[j].EventID.String()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClearRetry(ctx context.Context, eventID uuid.UUID, workerType domain.WorkerType) error {
	return s.update(eventID, workerType, func(rec *domain.EventProcessingRecord) {
		if rec.Status != domain.ProcessingRetryScheduled {
			return
		}
		rec.Status = domain.ProcessingFailed
		rec.NextAttemptAt = nil
	})
}

func (s *Store) PendingPredecessors(ctx context.Context, ev domain.Event, workerType domain.WorkerType, eventTypes []domain.EventType) (int, error) {
	if ev.ExceptionID == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := ev.Sequence
	if se, ok := s.byID[ev.EventID]; ok {
		seq = se.event.Sequence
	}
	if seq == 0 {
		return 0, nil
	}

	filter := domain.EventFilter{EventTypes: eventTypes}
	pending := 0
	for _, se := range s.events {
		other := se.event
		if other.Sequence >= seq {
			break
		}
		if other.TenantID != ev.TenantID || other.ExceptionID != ev.ExceptionID || !filter.Matches(other.EventType) {
			continue
		}
		rec, ok := s.records[recordKey{other.EventID, workerType}]
		if !ok || !rec.Status.Terminal() {
			pending++
		}
	}
	return pending, nil
}

func (s *Store) ListUnsettled(ctx context.Context, routes map[domain.EventType]domain.WorkerType, afterSequence int64, limit int) ([]domain.UnsettledEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.UnsettledEvent
	for _, se := range s.events {
		ev := se.event
		wt, routed := routes[ev.EventType]
		if ev.Sequence <= afterSequence || !routed || se.publishedAt == nil {
			continue
		}
		u := domain.UnsettledEvent{Event: ev, WorkerType: wt}
		if rec, ok := s.records[recordKey{ev.EventID, wt}]; ok {
			switch rec.Status {
			case domain.ProcessingInFlight, domain.ProcessingFailed:
				u.Status = rec.Status
			default:
				continue
			}
		}
		out = append(out, u)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Dead letters

func (s *Store) InsertDeadLetter(ctx context.Context, entry domain.DeadLetterEntry) (domain.DeadLetterEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.deadLetters {
		if existing.EventID == entry.EventID && existing.WorkerType == entry.WorkerType {
			return existing, false, nil
		}
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = s.now().UTC()
	}
	s.deadLetters = append(s.deadLetters, entry)
	return entry, true, nil
}

func (s *Store) ListDeadLetterEntries(ctx context.Context, filter domain.DeadLetterFilter) ([]domain.DeadLetterEntry, error) {
	filter = filter.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.DeadLetterEntry, 0, len(s.deadLetters))
	for _, entry := range s.deadLetters {
		if filter.TenantID != "" && entry.TenantID != filter.TenantID {
			continue
		}
		if filter.WorkerType != "" && entry.WorkerType != filter.WorkerType {
			continue
		}
		out = append(out, entry)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FailedAt.After(out[j].FailedAt)
	})

	if filter.Offset >= len(out) {
		return []domain.DeadLetterEntry{}, nil
	}
	out = out[filter.Offset:]
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) GetDeadLetterEntry(ctx context.Context, id uuid.UUID) (domain.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.deadLetters {
		if entry.ID == id {
			return entry, nil
		}
	}
	return domain.DeadLetterEntry{}, domain.ErrDeadLetterNotFound
}

// Playbooks and projection

func (s *Store) SavePlaybook(ctx context.Context, pb domain.Playbook) error {
	if err := pb.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := playbookKey{pb.TenantID, pb.ID, pb.Version}
	if _, ok := s.playbooks[key]; ok {
		return domain.ErrPlaybookVersionExists
	}
	if pb.CreatedAt.IsZero() {
		pb.CreatedAt = s.now().UTC()
	}
	s.playbooks[key] = pb
	return nil
}

func (s *Store) GetPlaybook(ctx context.Context, tenantID, playbookID string, version int) (domain.Playbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pb, ok := s.playbooks[playbookKey{tenantID, playbookID, version}]
	if !ok {
		return domain.Playbook{}, domain.ErrPlaybookNotFound
	}
	return pb, nil
}

func (s *Store) ListCandidatePlaybooks(ctx context.Context, tenantID, domainName string) ([]domain.Playbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := make(map[string]domain.Playbook)
	for key, pb := range s.playbooks {
		if key.tenantID != tenantID {
			continue
		}
		if cur, ok := latest[key.id]; !ok || pb.Version > cur.Version {
			latest[key.id] = pb
		}
	}

	out := make([]domain.Playbook, 0, len(latest))
	for _, pb := range latest {
		if pb.Conditions.Domain != "" && pb.Conditions.Domain != domainName {
			continue
		}
		out = append(out, pb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetPlaybookState(ctx context.Context, tenantID, exceptionID string) (domain.ExceptionPlaybookState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[stateKey{tenantID, exceptionID}]
	return state, ok, nil
}
