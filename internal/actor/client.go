// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/celery/cyme/internal/logx"
)

// scatterRoutingKey is the topic-exchange binding every actor instance
// additionally subscribes on, alongside its own actor id, so a
// broadcast reaches every peer regardless of which one ends up
// answering (spec §4.6 scatter dispatch).
const scatterRoutingKey = "scatter"

// Client issues outbound actor RPCs. It dials fresh per call, the same
// trade-off instance.AMQPControlClient makes: actor calls are
// comparatively rare next to the supervisor's hot paths, so a pooled
// connection is not worth the complexity.
type Client struct {
	url string
}

// NewClient builds a Client dialing url for every call.
func NewClient(url string) *Client {
	return &Client{url: url}
}

func marshalArgs(args interface{}) (json.RawMessage, error) {
	if args == nil {
		return nil, nil
	}
	return json.Marshal(args)
}

// Call performs a direct RPC: publish env to exchange with routing key
// target, wait for exactly one reply bearing the same correlation id.
// Returns ErrNoReply if timeout elapses first (spec §4.6, §7 NoReply).
func (c *Client) Call(ctx context.Context, exchange, target, method string, args interface{}, timeout time.Duration) (json.RawMessage, error) {
	replies, err := c.roundtrip(ctx, exchange, target, method, args, timeout, 1)
	if err != nil {
		return nil, err
	}
	for _, body := range replies {
		return body, nil
	}
	return nil, ErrNoReply
}

// Scatter fanouts env to every peer bound to exchange's scatter key and
// collects replies until timeout elapses. expectedPeers > 0 lets the
// caller stop early once that many replies arrive; 0 means "collect
// until timeout" (spec §4.6: "optionally bounded by expected peer
// count"). Replies are keyed by the replying actor id.
func (c *Client) Scatter(ctx context.Context, exchange, method string, args interface{}, timeout time.Duration, expectedPeers int) (map[string]json.RawMessage, error) {
	return c.roundtrip(ctx, exchange, scatterRoutingKey, method, args, timeout, expectedPeers)
}

// roundtrip is shared by Call and Scatter: declare a topic exchange,
// an exclusive auto-delete reply queue, publish the envelope, and
// collect up to want replies (0 = unbounded) before timeout.
func (c *Client) roundtrip(ctx context.Context, exchange, routingKey, method string, args interface{}, timeout time.Duration, want int) (map[string]json.RawMessage, error) {
	log := logx.For("actor.client")

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("actor: dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("actor: channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("actor: declare exchange: %w", err)
	}

	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("actor: declare reply queue: %w", err)
	}

	deliveries, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("actor: consume: %w", err)
	}

	rawArgs, err := marshalArgs(args)
	if err != nil {
		return nil, fmt.Errorf("actor: marshal args: %w", err)
	}
	corrID := uuid.NewString()
	body, err := json.Marshal(Envelope{
		Method:        method,
		Args:          rawArgs,
		ReplyTo:       replyQueue.Name,
		CorrelationID: corrID,
	})
	if err != nil {
		return nil, fmt.Errorf("actor: marshal envelope: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ch.PublishWithContext(pubCtx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyQueue.Name,
		Body:          body,
	}); err != nil {
		return nil, fmt.Errorf("actor: publish: %w", err)
	}

	replies := make(map[string]json.RawMessage)
	deadline := time.After(timeout)
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return replies, nil
			}
			if d.CorrelationId != corrID {
				continue
			}
			var r Reply
			if err := json.Unmarshal(d.Body, &r); err != nil {
				log.Warn().Err(err).Msg("actor: malformed reply, ignoring")
				continue
			}
			if r.Error != "" {
				log.Warn().Str("from", r.ActorID).Str("err", r.Error).Msg("actor: peer returned error")
				continue
			}
			replies[r.ActorID] = r.Result
			if want > 0 && len(replies) >= want {
				return replies, nil
			}
		case <-deadline:
			return replies, nil
		case <-ctx.Done():
			return replies, ctx.Err()
		}
	}
}
