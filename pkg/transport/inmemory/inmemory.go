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

// Package inmemory is a single-process transport.Transport, one FIFO
// per topic. It is meant for tests and single-binary demos where the
// dispatcher and every worker share an address space.
package inmemory

import (
	"context"
	"sync"

	"github.com/tombee/waypoint/pkg/envelope"
	"github.com/tombee/waypoint/pkg/transport"
)

// Transport is an in-process, in-memory transport.Transport.
type Transport struct {
	mu       sync.Mutex
	topics   map[string]*topicQueue
	closed   bool
	closedMu sync.RWMutex
}

type topicQueue struct {
	mu     sync.Mutex
	items  []*envelope.Envelope
	signal chan struct{}
}

func newTopicQueue() *topicQueue {
	return &topicQueue{signal: make(chan struct{}, 1)}
}

func (q *topicQueue) push(env *envelope.Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *topicQueue) pop() (*envelope.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	env := q.items[0]
	q.items = q.items[1:]
	return env, true
}

func (q *topicQueue) pushFront(env *envelope.Envelope) {
	q.mu.Lock()
	q.items = append([]*envelope.Envelope{env}, q.items...)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// New returns an empty in-memory transport.
func New() *Transport {
	return &Transport{topics: make(map[string]*topicQueue)}
}

// Connect is a no-op; the in-memory transport needs no external setup.
func (t *Transport) Connect(ctx context.Context) error {
	return nil
}

func (t *Transport) queueFor(topic string) *topicQueue {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.topics[topic]
	if !ok {
		q = newTopicQueue()
		t.topics[topic] = q
	}
	return q
}

// Publish places env on topic's FIFO.
func (t *Transport) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	if t.isClosed() {
		return transport.ErrTransportClosed
	}
	t.queueFor(topic).push(env)
	return nil
}

// Subscribe blocks until topic has a message, ctx is cancelled, or the
// transport is closed.
func (t *Transport) Subscribe(ctx context.Context, topic string) (transport.Delivery, error) {
	q := t.queueFor(topic)

	for {
		if t.isClosed() {
			// Pass the wake-up on so every subscriber blocked on this
			// topic observes the close, not only the first one.
			select {
			case q.signal <- struct{}{}:
			default:
			}
			return transport.Delivery{}, transport.ErrTransportClosed
		}

		if env, ok := q.pop(); ok {
			delivery := transport.NewDelivery(env,
				func(context.Context) error { return nil },
				func(ctx context.Context, requeue bool) error {
					if requeue {
						q.pushFront(env)
					}
					return nil
				},
			)
			return delivery, nil
		}

		select {
		case <-ctx.Done():
			return transport.Delivery{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Close marks the transport closed and unblocks pending Subscribe calls.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	defer t.closedMu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	t.mu.Lock()
	for _, q := range t.topics {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	t.mu.Unlock()

	return nil
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

// QueueDepth returns the number of envelopes currently queued on topic.
func (t *Transport) QueueDepth(ctx context.Context, topic string) (int, error) {
	q := t.queueFor(topic)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.QueueInspector = (*Transport)(nil)
