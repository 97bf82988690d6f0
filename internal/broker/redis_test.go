// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/adiadia/exception-runtime/internal/partition"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T, lanes int) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := NewRedis(client, RedisConfig{Lanes: lanes, Block: 50 * time.Millisecond}, logger)
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestRedisPublishReceiveAck(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedis(t, 2)

	sub, err := b.Subscribe(ctx, "exceptions.triage", "triage", "c1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Subscribing twice must tolerate the existing group.
	if _, err := b.Subscribe(ctx, "exceptions.triage", "triage", "c2"); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}

	ev := testEvent(t, "E1")
	key := partition.Key(ev.TenantID, ev.ExceptionID)
	if err := b.Publish(ctx, "exceptions.triage", key, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	stream := StreamName("exceptions.triage", partition.Lane(key, 2))
	if !mr.Exists(stream) {
		t.Fatalf("expected stream %s to exist", stream)
	}

	d := receive(t, sub)
	if decode(t, d).EventID != ev.EventID {
		t.Fatal("expected published event")
	}
	if d.PartitionKey != key {
		t.Fatalf("expected partition key %s got %s", key, d.PartitionKey)
	}
	if d.Redeliveries != 0 {
		t.Fatalf("expected first delivery got %d redeliveries", d.Redeliveries)
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}

	pending, err := b.client.XPending(ctx, stream, "triage").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending entries got %d", pending.Count)
	}
}

func TestRedisNackRequeues(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestRedis(t, 1)

	sub, _ := b.Subscribe(ctx, "t", "g", "c1")
	ev := testEvent(t, "E1")
	_ = b.Publish(ctx, "t", "k", ev)

	d := receive(t, sub)
	if err := d.Nack(ctx, 0); err != nil {
		t.Fatalf("nack: %v", err)
	}

	again := receive(t, sub)
	if decode(t, again).EventID != ev.EventID {
		t.Fatal("expected nacked event to be redelivered")
	}
	if again.Redeliveries != 1 {
		t.Fatalf("expected 1 redelivery got %d", again.Redeliveries)
	}
	_ = again.Ack(ctx)
}

func TestRedisDelayedNack(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestRedis(t, 1)

	sub, _ := b.Subscribe(ctx, "t", "g", "c1")
	_ = b.Publish(ctx, "t", "k", testEvent(t, "E1"))

	d := receive(t, sub)
	_ = d.Nack(ctx, 30*time.Millisecond)

	again := receive(t, sub)
	if again.Redeliveries != 1 {
		t.Fatalf("expected redelivery after delayed nack, got %d", again.Redeliveries)
	}
	_ = again.Ack(ctx)
}

func TestReclaimerRequeuesStaleMessages(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestRedis(t, 1)

	crashed, _ := b.Subscribe(ctx, "t", "g", "crashed")
	ev := testEvent(t, "E1")
	_ = b.Publish(ctx, "t", "k", ev)

	// Read but never ack.
	_ = receive(t, crashed)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewReclaimer(b, ReclaimerConfig{Topic: "t", Group: "g", Consumer: "reclaimer"}, logger)
	n, err := r.ReclaimOnce(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed message got %d", n)
	}

	live, _ := b.Subscribe(ctx, "t", "g", "live")
	d := receive(t, live)
	if decode(t, d).EventID != ev.EventID {
		t.Fatal("expected reclaimed event to be delivered to a live consumer")
	}
	_ = d.Ack(ctx)
}

func TestRedisReceiveDrainsEveryLaneOfOneRead(t *testing.T) {
	ctx := context.Background()
	const lanes = 4
	b, _ := newTestRedis(t, lanes)

	sub, err := b.Subscribe(ctx, "exceptions.intake", "intake", "c1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Pick events that land on distinct lanes so one XREADGROUP returns both.
	byLane := map[int]string{}
	for i := 0; len(byLane) < 2; i++ {
		exc := "E" + strconv.Itoa(i)
		lane := partition.Lane(partition.Key("T1", exc), lanes)
		if _, taken := byLane[lane]; !taken {
			byLane[lane] = exc
		}
	}
	published := map[string]bool{}
	for _, exc := range byLane {
		ev := testEvent(t, exc)
		if err := b.Publish(ctx, "exceptions.intake", partition.Key(ev.TenantID, ev.ExceptionID), ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
		published[ev.EventID.String()] = true
	}

	for range published {
		d := receive(t, sub)
		id := decode(t, d).EventID.String()
		if !published[id] {
			t.Fatalf("unexpected or repeated event %s", id)
		}
		delete(published, id)
		if err := d.Ack(ctx); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	if len(published) != 0 {
		t.Fatalf("events never received: %v", published)
	}

	for lane := range byLane {
		pending, err := b.client.XPending(ctx, StreamName("exceptions.intake", lane), "intake").Result()
		if err != nil {
			t.Fatalf("xpending: %v", err)
		}
		if pending.Count != 0 {
			t.Fatalf("lane %d: expected nothing pending got %d", lane, pending.Count)
		}
	}
}

func TestRedisPublishTrimsStreams(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := NewRedis(client, RedisConfig{Lanes: 1, MaxLen: 10}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = b.Close() })

	const published = 50
	for i := 0; i < published; i++ {
		ev := testEvent(t, "E1")
		if err := b.Publish(ctx, "exceptions.feedback", partition.Key(ev.TenantID, ev.ExceptionID), ev); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	n, err := client.XLen(ctx, StreamName("exceptions.feedback", 0)).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n >= published {
		t.Fatalf("expected the stream to be trimmed, length %d", n)
	}
}
