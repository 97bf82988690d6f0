// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/partition"
	"github.com/redis/go-redis/v9"
)

const (
	fieldBody    = "body"
	fieldKey     = "key"
	fieldAttempt = "attempt"
)

// DefaultStreamMaxLen caps each lane stream. Trimming is approximate.
const DefaultStreamMaxLen = 100_000

type RedisConfig struct {
	Lanes int
	// Block bounds one XREADGROUP call so that cancellation is noticed.
	Block time.Duration
	// MaxLen bounds each lane stream. It must exceed the backlog a consumer
	// group can fall behind by, since trimmed entries cannot be reclaimed.
	MaxLen int64
}

// Redis is a Redis Streams broker. Every topic lane is its own stream and
// consumer groups are created on every lane stream.
type Redis struct {
	client *redis.Client
	lanes  int
	block  time.Duration
	maxLen int64
	logger *slog.Logger

	// pending delayed requeues
	wg      sync.WaitGroup
	closing chan struct{}
	once    sync.Once
}

func NewRedis(client *redis.Client, cfg RedisConfig, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	lanes := cfg.Lanes
	if lanes <= 0 {
		lanes = 1
	}
	block := cfg.Block
	if block <= 0 {
		block = time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &Redis{
		client:  client,
		lanes:   lanes,
		block:   block,
		maxLen:  maxLen,
		logger:  logger,
		closing: make(chan struct{}),
	}
}

// StreamName returns the stream holding one lane of topic.
func StreamName(topic string, lane int) string {
	return topic + ":" + strconv.Itoa(lane)
}

func (b *Redis) streams(topic string) []string {
	out := make([]string, b.lanes)
	for i := range out {
		out[i] = StreamName(topic, i)
	}
	return out
}

func (b *Redis) Publish(ctx context.Context, topic, partitionKey string, ev domain.Event) error {
	body, err := ev.Encode()
	if err != nil {
		return err
	}

	stream := StreamName(topic, partition.Lane(partitionKey, b.lanes))
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			fieldBody:    string(body),
			fieldKey:     partitionKey,
			fieldAttempt: 1,
		},
	}).Err(); err != nil {
		return domain.Transient("redis xadd "+stream, err)
	}

	b.logger.DebugContext(ctx, "event published",
		"stream", stream,
		"event_id", ev.EventID,
		"event_type", ev.EventType,
	)
	return nil
}

func (b *Redis) Subscribe(ctx context.Context, topic, consumerGroup, consumerName string) (Subscription, error) {
	streams := b.streams(topic)
	for _, stream := range streams {
		// "0" so that a recreated group still sees messages already in the stream.
		if err := b.client.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err(); err != nil &&
			!strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil, domain.Transient("redis xgroup create "+stream, fmt.Errorf("creating consumer group: %w", err))
		}
	}

	args := make([]string, 0, 2*len(streams))
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	return &redisSubscription{
		broker:   b,
		topic:    topic,
		group:    consumerGroup,
		consumer: consumerName,
		args:     args,
	}, nil
}

func (b *Redis) Close() error {
	b.once.Do(func() { close(b.closing) })
	b.wg.Wait()
	return nil
}

// requeue re-adds msg with a bumped attempt counter and acks the original
// in one transaction.
func (b *Redis) requeue(ctx context.Context, stream, group string, msg redis.XMessage) error {
	values := make(map[string]any, len(msg.Values))
	for k, v := range msg.Values {
		values[k] = v
	}
	values[fieldAttempt] = parseAttempt(msg.Values) + 1

	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{Stream: stream, MaxLen: b.maxLen, Approx: true, Values: values})
		p.XAck(ctx, stream, group, msg.ID)
		return nil
	})
	if err != nil {
		return domain.Transient("redis requeue "+stream, err)
	}
	return nil
}

func parseAttempt(values map[string]any) int {
	raw, ok := values[fieldAttempt]
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

type redisSubscription struct {
	broker   *Redis
	topic    string
	group    string
	consumer string
	args     []string

	// One XREADGROUP over several lanes returns up to one entry per lane.
	// The extras are handed out by later Receive calls.
	buffered []*Delivery
}

func (s *redisSubscription) Receive(ctx context.Context) (*Delivery, error) {
	b := s.broker
	if d := s.next(); d != nil {
		return d, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		select {
		case <-b.closing:
			return nil, ErrClosed
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  s.args,
			Count:    1,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, domain.Transient("redis xreadgroup "+s.topic, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				s.buffered = append(s.buffered, s.delivery(stream.Stream, msg))
			}
		}
		if d := s.next(); d != nil {
			return d, nil
		}
	}
}

func (s *redisSubscription) next() *Delivery {
	if len(s.buffered) == 0 {
		return nil
	}
	d := s.buffered[0]
	s.buffered[0] = nil
	s.buffered = s.buffered[1:]
	return d
}

func (s *redisSubscription) delivery(stream string, msg redis.XMessage) *Delivery {
	b := s.broker
	body, _ := msg.Values[fieldBody].(string)
	key, _ := msg.Values[fieldKey].(string)

	return &Delivery{
		ID:           stream + "/" + msg.ID,
		Topic:        s.topic,
		PartitionKey: key,
		Body:         []byte(body),
		Redeliveries: parseAttempt(msg.Values) - 1,
		ack: func(ctx context.Context) error {
			if err := b.client.XAck(ctx, stream, s.group, msg.ID).Err(); err != nil {
				return domain.Transient("redis xack "+stream, err)
			}
			return nil
		},
		nack: func(ctx context.Context, delay time.Duration) error {
			if delay <= 0 {
				return b.requeue(ctx, stream, s.group, msg)
			}
			// The message stays pending until the requeue lands, so a crash
			// in between is recovered by the reclaimer.
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-b.closing:
					return
				case <-timer.C:
				}
				rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := b.requeue(rctx, stream, s.group, msg); err != nil {
					b.logger.Error("delayed requeue failed",
						"stream", stream,
						"message_id", msg.ID,
						"error", err,
					)
				}
			}()
			return nil
		},
	}
}

// Close leaves undelivered buffered entries pending for the reclaimer.
func (s *redisSubscription) Close() error {
	if n := len(s.buffered); n > 0 {
		s.broker.logger.Warn("closing subscription with buffered deliveries",
			"topic", s.topic,
			"group", s.group,
			"count", n,
		)
		s.buffered = nil
	}
	return nil
}
