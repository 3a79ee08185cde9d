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

// Package redistransport is a multi-process transport.Transport backed
// by Redis lists: one list per topic, LPUSH to publish, BRPOP to block
// for the next message. A topic's list is a durable FIFO shared by
// every dispatcher and worker process pointed at the same Redis.
//
// Redis lists redeliver only through Nack: BRPOP removes the element
// immediately, so a worker that crashes between BRPOP and Ack
// loses the message rather than redelivering it. Nack(requeue=true)
// covers the cooperative case (the worker is still alive and chooses to
// give the message back); the crash case is out of scope for a plain
// list and would need BLMOVE into a processing list to close.
package redistransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/tombee/waypoint/pkg/envelope"
	"github.com/tombee/waypoint/pkg/transport"
	waypointerr "github.com/tombee/waypoint/pkg/waypointerr"
)

const keyPrefix = "waypoint:topic:"

// Config contains Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int

	// BlockTimeout bounds each BRPOP call so Subscribe can still observe
	// ctx cancellation promptly; it does not bound the overall wait.
	BlockTimeout time.Duration
}

// Transport is a Redis-backed transport.Transport.
type Transport struct {
	client       *redis.Client
	blockTimeout time.Duration
}

// New constructs a Redis transport. Call Connect before use.
func New(cfg Config) *Transport {
	blockTimeout := cfg.BlockTimeout
	if blockTimeout <= 0 {
		blockTimeout = 5 * time.Second
	}

	return &Transport{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		blockTimeout: blockTimeout,
	}
}

// Connect pings Redis, retrying with exponential backoff so a worker or
// dispatcher started just before Redis finishes coming up does not fail
// out immediately. It gives up once ctx is done.
func (t *Transport) Connect(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := t.client.Ping(ctx).Err(); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		return fmt.Errorf("redistransport: connect: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (t *Transport) Close() error {
	return t.client.Close()
}

func listKey(topic string) string {
	return keyPrefix + topic
}

// Publish LPUSHes env's JSON encoding onto topic's list.
func (t *Transport) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redistransport: marshal envelope: %w", err)
	}
	if err := t.client.LPush(ctx, listKey(topic), data).Err(); err != nil {
		return fmt.Errorf("redistransport: publish: %w", err)
	}
	return nil
}

// Subscribe polls BRPOP in blockTimeout slices until a message arrives
// or ctx is cancelled, so context cancellation is never starved by an
// indefinite blocking call. A payload that fails to decode as JSON has
// already been popped off the list by BRPOP — it cannot poison the
// topic — so Subscribe returns it as a *waypointerr.Error of
// KindMalformedEnvelope rather than losing the item silently; the caller
// (pkg/worker) treats that kind as soft and moves on to the next item.
func (t *Transport) Subscribe(ctx context.Context, topic string) (transport.Delivery, error) {
	key := listKey(topic)

	for {
		if err := ctx.Err(); err != nil {
			return transport.Delivery{}, err
		}

		result, err := t.client.BRPop(ctx, t.blockTimeout, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return transport.Delivery{}, ctx.Err()
			}
			return transport.Delivery{}, fmt.Errorf("redistransport: subscribe: %w", err)
		}

		if len(result) < 2 {
			continue
		}

		var env envelope.Envelope
		if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
			return transport.Delivery{}, waypointerr.Wrap(waypointerr.KindMalformedEnvelope, "redistransport: decode envelope", err)
		}

		raw := result[1]
		delivery := transport.NewDelivery(&env,
			func(context.Context) error { return nil },
			func(ctx context.Context, requeue bool) error {
				if !requeue {
					return nil
				}
				return t.client.LPush(ctx, key, raw).Err()
			},
		)
		return delivery, nil
	}
}

// QueueDepth reports topic's list length via LLEN.
func (t *Transport) QueueDepth(ctx context.Context, topic string) (int, error) {
	n, err := t.client.LLen(ctx, listKey(topic)).Result()
	if err != nil {
		return 0, fmt.Errorf("redistransport: queue depth: %w", err)
	}
	return int(n), nil
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.QueueInspector = (*Transport)(nil)
