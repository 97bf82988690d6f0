// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"time"

	"github.com/adiadia/exception-runtime/internal/domain"
)

var ErrClosed = errors.New("broker closed")
var ErrSettled = errors.New("delivery already acked or nacked")

type Publisher interface {
	Publish(ctx context.Context, topic, partitionKey string, ev domain.Event) error
}

type Broker interface {
	Publisher
	// Subscribe joins consumerGroup on topic. Each message is delivered to
	// one consumer of the group at least once.
	Subscribe(ctx context.Context, topic, consumerGroup, consumerName string) (Subscription, error)
	Close() error
}

type Subscription interface {
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context) (*Delivery, error)
	Close() error
}

// Delivery carries the raw envelope so that undecodable messages can still
// be dead-lettered.
type Delivery struct {
	ID           string
	Topic        string
	PartitionKey string
	Body         []byte
	// Redeliveries counts earlier deliveries of the same message.
	Redeliveries int

	ack     func(ctx context.Context) error
	nack    func(ctx context.Context, delay time.Duration) error
	settled bool
}

// Ack removes the message from the group.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.settled {
		return ErrSettled
	}
	d.settled = true
	return d.ack(ctx)
}

// Nack returns the message to the group. It becomes visible again after
// delay, behind messages published in the meantime.
func (d *Delivery) Nack(ctx context.Context, delay time.Duration) error {
	if d.settled {
		return ErrSettled
	}
	d.settled = true
	return d.nack(ctx, delay)
}
