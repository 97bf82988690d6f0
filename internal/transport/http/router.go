// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/adiadia/exception-runtime/internal/auth"
	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/metrics"
	"github.com/adiadia/exception-runtime/internal/playbook"
	"github.com/adiadia/exception-runtime/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const headerIdempotencyKey = "Idempotency-Key"

type Deps struct {
	Emitter          EventEmitter
	Events           EventReader
	DeadLetters      DeadLetterReader
	Playbooks        PlaybookService
	Health           HealthChecker
	Logger           *slog.Logger
	AdminToken       string
	TenantRatePerMin int
	RateLimiter      middleware.RateLimiter
	Version          string
	Commit           string
	BuildDate        string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Warn("readiness check failed", "error", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- EVENT SCHEMAS ----------------

	r.Get("/schemas/events", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"event_types":    domain.EventTypes(),
			"schema_version": domain.CurrentSchemaVersion,
		})
	})

	r.Get("/schemas/events/{type}", func(w http.ResponseWriter, r *http.Request) {
		schema, ok := domain.PayloadSchema(domain.EventType(chi.URLParam(r, "type")))
		if !ok {
			http.Error(w, "unknown event type", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, schema)
	})

	// ---------------- OPERATOR (ADMIN) ----------------

	r.Group(func(admin chi.Router) {
		admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))

		if deps.DeadLetters != nil {
			admin.Get("/dead-letters", func(w http.ResponseWriter, r *http.Request) {
				filter, err := parseDeadLetterFilter(r)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}

				entries, err := deps.DeadLetters.ListDeadLetterEntries(r.Context(), filter)
				if err != nil {
					writeError(w, logger, "list dead letters", err)
					return
				}

				filter = filter.Normalize()
				writeJSON(w, http.StatusOK, map[string]any{
					"dead_letters": entries,
					"limit":        filter.Limit,
					"offset":       filter.Offset,
				})
			})

			admin.Get("/dead-letters/{id}", func(w http.ResponseWriter, r *http.Request) {
				id, err := uuid.Parse(chi.URLParam(r, "id"))
				if err != nil {
					http.Error(w, "invalid dead letter ID", http.StatusBadRequest)
					return
				}

				entry, err := deps.DeadLetters.GetDeadLetterEntry(r.Context(), id)
				if err != nil {
					writeError(w, logger, "get dead letter", err)
					return
				}
				writeJSON(w, http.StatusOK, entry)
			})
		}

		if deps.Playbooks != nil {
			admin.Post("/playbooks", func(w http.ResponseWriter, r *http.Request) {
				var pb domain.Playbook
				if err := decodeJSONBody(r, &pb, false); err != nil {
					http.Error(w, "invalid request body", http.StatusBadRequest)
					return
				}

				if err := deps.Playbooks.SavePlaybook(r.Context(), pb); err != nil {
					writeError(w, logger, "save playbook", err)
					return
				}

				logger.Info("playbook saved via API",
					"tenant_id", pb.TenantID,
					"playbook_id", pb.ID,
					"playbook_version", pb.Version,
				)
				writeJSON(w, http.StatusCreated, map[string]any{
					"playbook_id": pb.ID,
					"version":     pb.Version,
				})
			})
		}
	})

	// ---------------- EXCEPTIONS (TENANT SCOPED) ----------------

	r.Route("/exceptions", func(r chi.Router) {
		r.Use(middleware.TenantScope(deps.TenantRatePerMin, deps.RateLimiter, logger))

		// ---------------- INGEST ----------------

		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tenantID, _ := auth.TenantIDFromContext(ctx)
			if key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey)); key != "" {
				ctx = auth.WithIdempotencyKey(ctx, key)
			}

			var body ingestRequest
			if err := decodeJSONBody(r, &body, true); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			ev, err := body.event(ctx, tenantID)
			if err != nil {
				writeError(w, logger, "ingest exception", err)
				return
			}

			stored, err := deps.Emitter.Emit(ctx, []domain.Event{ev}, nil)
			if err != nil {
				writeError(w, logger, "ingest exception", err)
				return
			}

			logger.Info("exception ingested via API",
				"tenant_id", tenantID,
				"exception_id", stored[0].ExceptionID,
				"event_id", stored[0].EventID,
			)
			writeJSON(w, http.StatusAccepted, map[string]string{
				"event_id":     stored[0].EventID.String(),
				"exception_id": stored[0].ExceptionID,
			})
		})

		// ---------------- EVENT LOG ----------------

		r.Get("/{id}/events", func(w http.ResponseWriter, r *http.Request) {
			tenantID, _ := auth.TenantIDFromContext(r.Context())
			exceptionID := chi.URLParam(r, "id")

			filter, err := parseEventFilter(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			events, err := deps.Events.GetEventsByException(r.Context(), tenantID, exceptionID, filter)
			if err != nil {
				writeError(w, logger, "list events", err)
				return
			}
			// An unknown exception and another tenant's exception look the same.
			if len(events) == 0 && filter.After == nil && len(filter.EventTypes) == 0 {
				http.Error(w, "exception not found", http.StatusNotFound)
				return
			}

			resp := eventsResponse{ExceptionID: exceptionID, Events: events}
			if n := len(events); n > 0 && n == filter.Normalize().Limit {
				resp.NextAfter = domain.CursorOf(events[n-1]).String()
			}
			writeJSON(w, http.StatusOK, resp)
		})

		// ---------------- PLAYBOOK ----------------

		r.Get("/{id}/playbook", func(w http.ResponseWriter, r *http.Request) {
			tenantID, _ := auth.TenantIDFromContext(r.Context())

			status, err := deps.Playbooks.GetPlaybookStatus(r.Context(), tenantID, chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, logger, "get playbook status", err)
				return
			}
			writeJSON(w, http.StatusOK, status)
		})

		r.Post("/{id}/playbook/recalculate", func(w http.ResponseWriter, r *http.Request) {
			tenantID, _ := auth.TenantIDFromContext(r.Context())
			exceptionID := chi.URLParam(r, "id")

			result, _, err := deps.Playbooks.Recalculate(r.Context(), tenantID, exceptionID)
			if err != nil {
				writeError(w, logger, "recalculate playbook", err)
				return
			}

			logger.Info("playbook recalculated via API",
				"tenant_id", tenantID,
				"exception_id", exceptionID,
				"outcome", result.Outcome,
			)
			writeJSON(w, http.StatusOK, result)
		})

		stepHandler := func(skip bool) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				tenantID, _ := auth.TenantIDFromContext(r.Context())

				order, err := strconv.Atoi(chi.URLParam(r, "order"))
				if err != nil || order < 1 {
					http.Error(w, "invalid step order", http.StatusBadRequest)
					return
				}

				var body stepRequest
				if err := decodeJSONBody(r, &body, true); err != nil {
					http.Error(w, "invalid request body", http.StatusBadRequest)
					return
				}

				cmd := playbook.StepCommand{
					TenantID:    tenantID,
					ExceptionID: chi.URLParam(r, "id"),
					PlaybookID:  strings.TrimSpace(body.PlaybookID),
					StepOrder:   order,
					Actor:       strings.TrimSpace(body.Actor),
					Notes:       body.Notes,
				}

				var res playbook.StepResult
				if skip {
					res, err = deps.Playbooks.SkipStep(r.Context(), cmd)
				} else {
					res, err = deps.Playbooks.CompleteStep(r.Context(), cmd)
				}
				if err != nil {
					writeError(w, logger, "advance playbook step", err)
					return
				}
				writeJSON(w, http.StatusOK, res)
			}
		}
		r.Post("/{id}/playbook/steps/{order}/complete", stepHandler(false))
		r.Post("/{id}/playbook/steps/{order}/skip", stepHandler(true))

		// ---------------- TOOL EXECUTION ----------------

		r.Post("/{id}/tool-executions", func(w http.ResponseWriter, r *http.Request) {
			tenantID, _ := auth.TenantIDFromContext(r.Context())

			var body toolExecutionRequest
			if err := decodeJSONBody(r, &body, false); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			ev, err := body.event(tenantID, chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, logger, "request tool execution", err)
				return
			}

			stored, err := deps.Emitter.Emit(r.Context(), []domain.Event{ev}, nil)
			if err != nil {
				writeError(w, logger, "request tool execution", err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{
				"event_id": stored[0].EventID.String(),
			})
		})
	})

	return r
}

// writeError maps the error taxonomy onto status codes.
func writeError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	var (
		schemaErr    *domain.SchemaValidationError
		outOfOrder   *domain.StepOutOfOrderError
		transientErr *domain.TransientInfraError
	)

	switch {
	case errors.As(err, &schemaErr):
		http.Error(w, schemaErr.Error(), http.StatusBadRequest)
	case errors.As(err, &outOfOrder):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":        outOfOrder.Error(),
			"playbook_id":  outOfOrder.PlaybookID,
			"current_step": outOfOrder.Current,
			"completed":    outOfOrder.Completed,
		})
	case errors.Is(err, domain.ErrUnknownActionType):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrPlaybookVersionExists):
		http.Error(w, "playbook version already exists", http.StatusConflict)
	case errors.Is(err, domain.ErrEventNotFound):
		http.Error(w, "exception not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrNoActivePlaybook):
		http.Error(w, "no active playbook", http.StatusNotFound)
	case errors.Is(err, domain.ErrPlaybookNotFound):
		http.Error(w, "playbook not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrDeadLetterNotFound):
		http.Error(w, "dead letter not found", http.StatusNotFound)
	case errors.As(err, &transientErr):
		logger.Warn(op+" failed", "error", err)
		w.Header().Set("Retry-After", "1")
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
	default:
		logger.Error(op+" failed", "error", err)
		http.Error(w, "failed to "+op, http.StatusInternalServerError)
	}
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
