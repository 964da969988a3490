// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package actor implements the typed message layer of spec §4.6: actors
// exchange JSON envelopes over named broker exchanges with direct,
// scatter, or round-robin dispatch. It generalises the teacher's
// vendored cider/broker/exchanges/rpc roundrobin.Balancer (app
// registration keyed by method name, ticketed rotation across
// providers) from ZeroMQ RPC frames to AMQP JSON envelopes addressed by
// actor id.
package actor

import "encoding/json"

// Envelope is the wire message every actor call carries (spec §4.6):
// method, args, an optional reply-to for calls expecting a response,
// a correlation id pairing request and reply, and the sending actor's
// id.
type Envelope struct {
	Method        string          `json:"method"`
	Args          json.RawMessage `json:"args,omitempty"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ActorID       string          `json:"actor_id"`
}

// Reply is what a handler's return value is marshalled into before
// being published back to Envelope.ReplyTo.
type Reply struct {
	ActorID string          `json:"actor_id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}
