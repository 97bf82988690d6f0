// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"

	"github.com/adiadia/exception-runtime/internal/domain"
)

// Handler processes one event and returns the events it produces. Output
// ids are assigned by the runner, so a redelivered input yields the same
// outputs.
type Handler interface {
	Handle(ctx context.Context, ev domain.Event) ([]domain.Event, error)
}

type HandlerFunc func(ctx context.Context, ev domain.Event) ([]domain.Event, error)

func (f HandlerFunc) Handle(ctx context.Context, ev domain.Event) ([]domain.Event, error) {
	return f(ctx, ev)
}
