// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
	"github.com/adiadia/exception-runtime/internal/partition"
)

// Memory is an in-process broker. Each consumer group keeps one FIFO queue
// per partition lane and leases a lane to a single consumer until the head
// message is acked or nacked, so messages sharing a partition key are never
// handled concurrently within a group.
//
// Messages published before a topic has any consumer group are held in a
// bounded backlog that the first group to subscribe drains. Groups created
// later start empty.
type Memory struct {
	mu      sync.Mutex
	lanes   int
	backlog int
	seq     int64
	topics  map[string]*memTopic
	closed  bool
}

// DefaultMemoryBacklog bounds the messages held for a topic without groups.
const DefaultMemoryBacklog = 10_000

// ErrBacklogFull is returned, wrapped as a transient error, when a topic
// without consumers has reached its backlog. The event stays unpublished in
// the store and the reconciler publishes it later.
var ErrBacklogFull = errors.New("memory broker backlog full")

type memMessage struct {
	id         string
	lane       int
	key        string
	body       []byte
	deliveries int
	readyAt    time.Time
}

type memTopic struct {
	backlog []memMessage
	groups  map[string]*memGroup
}

type memLane struct {
	queue  []*memMessage
	leased bool
}

type memGroup struct {
	lanes   []*memLane
	delayed []*memMessage
	cursor  int
	wake    chan struct{}
}

func NewMemory(lanes int) *Memory {
	if lanes <= 0 {
		lanes = 1
	}
	return &Memory{
		lanes:   lanes,
		backlog: DefaultMemoryBacklog,
		topics:  make(map[string]*memTopic),
	}
}

func (b *Memory) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{groups: make(map[string]*memGroup)}
		b.topics[name] = t
	}
	return t
}

func (b *Memory) Publish(ctx context.Context, topic, partitionKey string, ev domain.Event) error {
	body, err := ev.Encode()
	if err != nil {
		return err
	}
	return b.PublishRaw(ctx, topic, partitionKey, body)
}

// PublishRaw enqueues an already encoded body.
func (b *Memory) PublishRaw(ctx context.Context, topic, partitionKey string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	b.seq++
	msg := memMessage{
		id:   strconv.FormatInt(b.seq, 10),
		lane: partition.Lane(partitionKey, b.lanes),
		key:  partitionKey,
		body: body,
	}

	t := b.topic(topic)
	if len(t.groups) == 0 {
		if len(t.backlog) >= b.backlog {
			return domain.Transient("memory publish "+topic, ErrBacklogFull)
		}
		t.backlog = append(t.backlog, msg)
		return nil
	}
	for _, g := range t.groups {
		m := msg
		g.lanes[m.lane].queue = append(g.lanes[m.lane].queue, &m)
		g.signal()
	}
	return nil
}

func (b *Memory) Subscribe(ctx context.Context, topic, consumerGroup, consumerName string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	t := b.topic(topic)
	g, ok := t.groups[consumerGroup]
	if !ok {
		g = &memGroup{
			lanes: make([]*memLane, b.lanes),
			wake:  make(chan struct{}),
		}
		for i := range g.lanes {
			g.lanes[i] = &memLane{}
		}
		for _, msg := range t.backlog {
			m := msg
			g.lanes[m.lane].queue = append(g.lanes[m.lane].queue, &m)
		}
		t.backlog = nil
		t.groups[consumerGroup] = g
	}

	return &memSubscription{broker: b, topic: topic, group: g, consumer: consumerName}, nil
}

// Pending reports messages not yet acked by consumerGroup, including
// leased and delayed ones. For a group that does not exist yet it reports
// the backlog it would receive.
func (b *Memory) Pending(topic, consumerGroup string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return 0
	}
	g, ok := t.groups[consumerGroup]
	if !ok {
		if len(t.groups) == 0 {
			return len(t.backlog)
		}
		return 0
	}
	n := len(g.delayed)
	for _, l := range g.lanes {
		n += len(l.queue)
	}
	return n
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.topics {
		for _, g := range t.groups {
			g.signal()
		}
	}
	return nil
}

func (g *memGroup) signal() {
	close(g.wake)
	g.wake = make(chan struct{})
}

// promote moves due delayed messages to the tail of their lane.
func (g *memGroup) promote(now time.Time) {
	kept := g.delayed[:0]
	for _, m := range g.delayed {
		if now.Before(m.readyAt) {
			kept = append(kept, m)
			continue
		}
		g.lanes[m.lane].queue = append(g.lanes[m.lane].queue, m)
	}
	for i := len(kept); i < len(g.delayed); i++ {
		g.delayed[i] = nil
	}
	g.delayed = kept
}

// nextWake returns how long until the earliest delayed message is due.
func (g *memGroup) nextWake(now time.Time) (time.Duration, bool) {
	if len(g.delayed) == 0 {
		return 0, false
	}
	earliest := g.delayed[0].readyAt
	for _, m := range g.delayed[1:] {
		if m.readyAt.Before(earliest) {
			earliest = m.readyAt
		}
	}
	return earliest.Sub(now), true
}

type memSubscription struct {
	broker   *Memory
	topic    string
	group    *memGroup
	consumer string
}

func (s *memSubscription) Receive(ctx context.Context) (*Delivery, error) {
	b := s.broker
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}

		now := time.Now()
		s.group.promote(now)
		if d := s.lease(); d != nil {
			b.mu.Unlock()
			return d, nil
		}

		wake := s.group.wake
		wait, hasDelayed := s.group.nextWake(now)
		b.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if hasDelayed {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
		case <-wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// lease must be called with the broker lock held.
func (s *memSubscription) lease() *Delivery {
	g := s.group
	n := len(g.lanes)
	for i := 0; i < n; i++ {
		idx := (g.cursor + i) % n
		lane := g.lanes[idx]
		if lane.leased || len(lane.queue) == 0 {
			continue
		}
		g.cursor = (idx + 1) % n

		lane.leased = true
		msg := lane.queue[0]
		msg.deliveries++

		return &Delivery{
			ID:           msg.id,
			Topic:        s.topic,
			PartitionKey: msg.key,
			Body:         msg.body,
			Redeliveries: msg.deliveries - 1,
			ack: func(context.Context) error {
				s.settle(lane, msg, nil)
				return nil
			},
			nack: func(_ context.Context, delay time.Duration) error {
				s.settle(lane, msg, &delay)
				return nil
			},
		}
	}
	return nil
}

func (s *memSubscription) settle(lane *memLane, msg *memMessage, requeueAfter *time.Duration) {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(lane.queue) > 0 && lane.queue[0] == msg {
		lane.queue[0] = nil
		lane.queue = lane.queue[1:]
	}
	lane.leased = false

	if requeueAfter != nil {
		if *requeueAfter <= 0 {
			lane.queue = append(lane.queue, msg)
		} else {
			msg.readyAt = time.Now().Add(*requeueAfter)
			s.group.delayed = append(s.group.delayed, msg)
		}
	}
	s.group.signal()
}

func (s *memSubscription) Close() error {
	return nil
}
