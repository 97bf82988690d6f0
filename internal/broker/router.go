// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"github.com/adiadia/exception-runtime/internal/domain"
)

const topicPrefix = "exceptions."

// Router maps event types onto the worker type (and topic) that consumes
// them. Event types without a consumer are stored but never published.
type Router struct {
	routes map[domain.EventType]domain.WorkerType
}

func NewRouter(routes map[domain.EventType]domain.WorkerType) *Router {
	copied := make(map[domain.EventType]domain.WorkerType, len(routes))
	for et, wt := range routes {
		copied[et] = wt
	}
	return &Router{routes: copied}
}

// DefaultRouter wires the intake → triage → policy → playbook → tool →
// feedback pipeline.
func DefaultRouter() *Router {
	return NewRouter(map[domain.EventType]domain.WorkerType{
		domain.EventExceptionIngested:         domain.WorkerIntake,
		domain.EventExceptionNormalized:       domain.WorkerTriage,
		domain.EventTriageCompleted:           domain.WorkerPolicy,
		domain.EventPolicyEvaluationCompleted: domain.WorkerPlaybook,
		domain.EventToolExecutionRequested:    domain.WorkerTool,
		domain.EventStepCompleted:             domain.WorkerFeedback,
		domain.EventPlaybookCompleted:         domain.WorkerFeedback,
		domain.EventToolExecutionCompleted:    domain.WorkerFeedback,
	})
}

func TopicFor(workerType domain.WorkerType) string {
	return topicPrefix + string(workerType)
}

func (r *Router) TopicFor(workerType domain.WorkerType) string {
	return TopicFor(workerType)
}

// Route returns the consuming worker type and topic for eventType.
func (r *Router) Route(eventType domain.EventType) (domain.WorkerType, string, bool) {
	wt, ok := r.routes[eventType]
	if !ok {
		return "", "", false
	}
	return wt, TopicFor(wt), true
}

// Routes returns a copy of the event type to worker type mapping.
func (r *Router) Routes() map[domain.EventType]domain.WorkerType {
	out := make(map[domain.EventType]domain.WorkerType, len(r.routes))
	for et, wt := range r.routes {
		out[et] = wt
	}
	return out
}

// EventTypesFor lists the event types routed to workerType in schema order.
func (r *Router) EventTypesFor(workerType domain.WorkerType) []domain.EventType {
	out := make([]domain.EventType, 0, 2)
	for _, et := range domain.EventTypes() {
		if r.routes[et] == workerType {
			out = append(out, et)
		}
	}
	return out
}
