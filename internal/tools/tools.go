// SPDX-License-Identifier: Apache-2.0

// Package tools defines the tool execution collaborator. Concrete tool
// adapters live outside the runtime.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
)

var ErrUnknownTool = errors.New("unknown tool")

type Request struct {
	TenantID    string
	ExceptionID string
	ToolID      string
	Input       json.RawMessage
	Actor       string
}

// Result is the tool's own verdict. A returned error means the call itself
// could not be made.
type Result struct {
	Status domain.ToolStatus
	Output json.RawMessage
	Error  string
}

type Service interface {
	ExecuteTool(ctx context.Context, req Request) (Result, error)
}

type ServiceFunc func(ctx context.Context, req Request) (Result, error)

func (f ServiceFunc) ExecuteTool(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// EchoService answers every call with its input. Tool ids starting with
// "fail" report a failed result. Latency simulates a remote call and honors
// cancellation.
type EchoService struct {
	Latency time.Duration
}

func (s EchoService) ExecuteTool(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.ToolID) == "" {
		return Result{}, ErrUnknownTool
	}

	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}

	if strings.HasPrefix(req.ToolID, "fail") {
		return Result{
			Status: domain.ToolFailed,
			Error:  "tool " + req.ToolID + " reported failure",
		}, nil
	}

	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage(`null`)
	}
	out, err := json.Marshal(map[string]any{
		"type":  "tool",
		"tool":  req.ToolID,
		"echo":  input,
		"actor": req.Actor,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Status: domain.ToolSucceeded, Output: out}, nil
}
