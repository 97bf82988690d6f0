// SPDX-License-Identifier: Apache-2.0

// Package stages holds the handlers of the exception pipeline, one per
// worker type. Handlers are stateless; everything they know comes from the
// event they are handed and the log behind it.
package stages

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/playbook"
	"github.com/adiadia/exception-runtime/internal/repository"
	"github.com/adiadia/exception-runtime/internal/tools"
	"github.com/adiadia/exception-runtime/internal/worker"
)

type Deps struct {
	Events repository.EventStore
	Engine *playbook.Engine
	Router LLMRouter
	Tools  tools.Service
	Policy PolicyRules
	Logger *slog.Logger
	Now    func() time.Time
}

// Handlers builds the handler of every requested worker type.
func Handlers(deps Deps, workerTypes []domain.WorkerType) (map[domain.WorkerType]worker.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Router == nil {
		deps.Router = &RuleRouter{}
	}
	if deps.Tools == nil {
		deps.Tools = tools.EchoService{}
	}

	out := make(map[domain.WorkerType]worker.Handler, len(workerTypes))
	for _, wt := range workerTypes {
		h, err := handlerFor(deps, wt)
		if err != nil {
			return nil, err
		}
		out[wt] = h
	}
	return out, nil
}

func handlerFor(deps Deps, wt domain.WorkerType) (worker.Handler, error) {
	switch wt {
	case domain.WorkerIntake:
		return Intake{}, nil
	case domain.WorkerTriage:
		return &Triage{Router: deps.Router}, nil
	case domain.WorkerPolicy:
		if deps.Events == nil {
			return nil, fmt.Errorf("%s worker needs an event store", wt)
		}
		return &Policy{Events: deps.Events, Rules: deps.Policy, Now: deps.Now}, nil
	case domain.WorkerPlaybook:
		if deps.Events == nil || deps.Engine == nil {
			return nil, fmt.Errorf("%s worker needs an event store and a playbook engine", wt)
		}
		return &Playbook{Events: deps.Events, Engine: deps.Engine, Now: deps.Now, Logger: deps.Logger}, nil
	case domain.WorkerTool:
		return &Tool{Service: deps.Tools}, nil
	case domain.WorkerFeedback:
		return Feedback{}, nil
	}
	return nil, fmt.Errorf("unknown worker type %q", wt)
}

// expect rejects events routed to the wrong handler.
func expect(ev domain.Event, types ...domain.EventType) error {
	for _, t := range types {
		if ev.EventType == t {
			return nil
		}
	}
	return &domain.SchemaValidationError{Field: "event_type", Reason: "unexpected " + string(ev.EventType)}
}
