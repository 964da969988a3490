// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/celery/cyme/internal/logx"
)

// ControlExchange is the fanout exchange every worker binds its
// control-command queue to (spec §6: "the pre-existing broker's
// broadcast control protocol").
const ControlExchange = "cyme.control"

type controlEnvelope struct {
	Command  string          `json:"command"`
	Args     json.RawMessage `json:"args,omitempty"`
	Instance string          `json:"instance,omitempty"`
}

type controlReply struct {
	Instance string          `json:"instance"`
	Body     json.RawMessage `json:"body"`
}

// AMQPControlClient is the production ControlClient: it fanouts a
// command on ControlExchange and collects replies on a temporary,
// exclusive reply queue until timeout elapses, the AMQP-native
// equivalent of spec §4.6's "direct reply exchange".
type AMQPControlClient struct {
	url string
}

// NewAMQPControlClient builds a control client dialing url fresh for
// every broadcast; control broadcasts are infrequent relative to
// actor RPC traffic, so this does not share the pooled connections in
// internal/broker.
func NewAMQPControlClient(url string) *AMQPControlClient {
	return &AMQPControlClient{url: url}
}

// Broadcast fanouts command+args on ControlExchange, restricted to
// instanceName, and collects replies until timeout elapses. Absence of
// any reply returns an empty map, never an error (spec §4.4/§5).
func (c *AMQPControlClient) Broadcast(ctx context.Context, command string, args map[string]interface{}, instanceName string, timeout time.Duration) (map[string]json.RawMessage, error) {
	log := logx.For("instance.control")

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("control: dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("control: channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(ControlExchange, "fanout", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("control: declare exchange: %w", err)
	}

	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("control: declare reply queue: %w", err)
	}

	deliveries, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("control: consume: %w", err)
	}

	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("control: marshal args: %w", err)
	}
	payload, err := json.Marshal(controlEnvelope{Command: command, Args: rawArgs, Instance: instanceName})
	if err != nil {
		return nil, fmt.Errorf("control: marshal envelope: %w", err)
	}

	corrID := uuid.NewString()
	pubCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err = ch.PublishWithContext(pubCtx, ControlExchange, "", false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyQueue.Name,
		Body:          payload,
	})
	if err != nil {
		return nil, fmt.Errorf("control: publish: %w", err)
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
			var r controlReply
			if err := json.Unmarshal(d.Body, &r); err != nil {
				log.Warn().Err(err).Msg("control: malformed reply, ignoring")
				continue
			}
			replies[r.Instance] = r.Body
		case <-deadline:
			return replies, nil
		case <-ctx.Done():
			return replies, nil
		}
	}
}
