// SPDX-License-Identifier: Apache-2.0

package playbook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWebhookNotifierRetriesAndSigns(t *testing.T) {
	var attempts int32
	secret := "super-secret"

	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		current := atomic.AddInt32(&attempts, 1)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}

		gotSig := r.Header.Get(webhookHeaderSig)
		wantSig := signWebhookPayload(secret, body)
		if gotSig != wantSig {
			t.Errorf("expected signature %q got %q", wantSig, gotSig)
		}

		var payload Notification
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("unmarshal payload: %v", err)
		}
		if payload.ExceptionID != "E1" || payload.Channel != "ops" {
			t.Errorf("unexpected payload %+v", payload)
		}

		if current < 3 {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader("fail")),
				Header:     make(http.Header),
			}, nil
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("ok")),
			Header:     make(http.Header),
		}, nil
	})}

	n := NewWebhookNotifier("http://webhook.local/notify", secret, client, discardLogger())
	n.Base = time.Millisecond

	err := n.Notify(context.Background(), Notification{ExceptionID: "E1", Channel: "ops"})
	if err != nil {
		t.Fatalf("expected delivery to succeed, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 webhook attempts got %d", got)
	}
}

func TestWebhookNotifierStopsAfterRetryLimit(t *testing.T) {
	var attempts int32

	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(strings.NewReader("fail")),
			Header:     make(http.Header),
		}, nil
	})}

	n := NewWebhookNotifier("http://webhook.local/notify", "", client, discardLogger())
	n.Base = time.Millisecond

	if err := n.Notify(context.Background(), Notification{ExceptionID: "E1"}); err == nil {
		t.Fatal("expected exhausted retries to fail")
	}
	if got := atomic.LoadInt32(&attempts); got != webhookRetryAttempts {
		t.Fatalf("expected %d attempts got %d", webhookRetryAttempts, got)
	}
}

func TestWebhookNotifierFallsBackWithoutURL(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Error("no request expected without a URL")
		return nil, nil
	})}

	n := NewWebhookNotifier("", "", client, discardLogger())
	if err := n.Notify(context.Background(), Notification{ExceptionID: "E1"}); err != nil {
		t.Fatalf("expected log fallback, got %v", err)
	}
}
