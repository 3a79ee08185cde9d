// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport abstracts the topic-addressed message bus envelopes
// hop across. Every topic is an agent name; every message is one
// envelope. Redelivery goes through Nack: a Nack with requeue returns the
// message to the topic. The shipped in-memory and Redis transports remove
// a message from its topic when Subscribe hands it out, so a consumer that
// crashes before acking does not get it redelivered.
package transport

import (
	"context"

	"github.com/tombee/waypoint/pkg/envelope"
)

// Delivery wraps one received envelope together with the handle needed
// to acknowledge or reject it.
type Delivery struct {
	Envelope *envelope.Envelope

	// ack/nack are bound to the delivering implementation; Ack/Nack below
	// are the only sanctioned way to invoke them.
	ack  func(ctx context.Context) error
	nack func(ctx context.Context, requeue bool) error
}

// NewDelivery constructs a Delivery around an envelope and its
// acknowledgement callbacks. Transport implementations use this; callers
// of Subscribe only ever consume the result.
func NewDelivery(env *envelope.Envelope, ack func(ctx context.Context) error, nack func(ctx context.Context, requeue bool) error) Delivery {
	return Delivery{Envelope: env, ack: ack, nack: nack}
}

// Ack confirms processing completed; the message will not be redelivered.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack rejects the message. If requeue is true the transport returns it
// to the topic for another consumer to pick up (malformed-but-maybe-
// transient); if false it is dropped (malformed envelope, unknown
// activity).
func (d Delivery) Nack(ctx context.Context, requeue bool) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx, requeue)
}

// Transport is the topic-addressed pub/sub abstraction the dispatcher
// publishes onto and the worker consumes from.
type Transport interface {
	// Publish places env on topic, to be delivered to exactly one
	// subscriber. Per-topic ordering is FIFO.
	Publish(ctx context.Context, topic string, env *envelope.Envelope) error

	// Subscribe blocks until a message is available on topic, ctx is
	// cancelled, or an error occurs. It is safe to call concurrently from
	// multiple goroutines against the same topic: each delivers to
	// exactly one caller.
	Subscribe(ctx context.Context, topic string) (Delivery, error)

	// Connect establishes any underlying connection. Implementations that
	// need no connection setup may treat this as a no-op.
	Connect(ctx context.Context) error

	// Close releases any underlying connection and unblocks pending
	// Subscribe calls with an error.
	Close() error
}

// QueueInspector is an optional capability a Transport implementation may
// satisfy to report its per-topic backlog. Not every transport can answer
// cheaply (a Redis list can LLEN; a network queue with no management API
// may not), so callers type-assert for it rather than requiring it of
// every Transport.
type QueueInspector interface {
	// QueueDepth returns the approximate number of undelivered envelopes
	// waiting on topic.
	QueueDepth(ctx context.Context, topic string) (int, error)
}
