// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package controller implements spec §4.7: the Branch, App, Instance
// and Queue actors multiplexed over one shared broker connection, with
// the controller_ready/presence_ready lifecycle signals and the
// App actor's local cache with scatter-on-miss.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/celery/cyme/internal/actor"
	"github.com/celery/cyme/internal/logx"
	"github.com/celery/cyme/internal/store"
	"github.com/celery/cyme/internal/supervisor"
	"github.com/celery/cyme/internal/task"
)

// Exchange names are stable across branches (spec §4.6/§6).
const (
	BranchExchange   = "cyme.Branch"
	AppExchange      = "cyme.App"
	InstanceExchange = "cyme.Instance"
	QueueExchange    = "cyme.Queue"
)

// PresenceInterval is the fixed period between presence publications;
// it is not taken from config.Config (spec §6: "presence interval
// implementation-defined").
const PresenceInterval = 15 * time.Second

// ShutdownFunc is invoked when a peer calls the Branch actor's
// "shutdown" method; it is the controller's hook back into the Branch
// composition (spec §4.7/§4.8).
type ShutdownFunc func(ctx context.Context)

// Controller hosts the four concrete actors over one AMQP connection
// (spec §4.7).
type Controller struct {
	ID        string
	BrokerURL string

	store   *store.Store
	manager *supervisor.LocalInstanceManager
	routing *actor.RoutingTable

	Branch   *actor.Actor
	App      *actor.Actor
	Instance *actor.Actor
	Queue    *actor.Actor

	onShutdown ShutdownFunc
	urls       func() []string

	appCacheMu sync.RWMutex
	appCache   map[string]store.App

	conn *amqp.Connection

	readyOnce     sync.Once
	readyCh       chan struct{}
	presenceOnce  sync.Once
	presenceReady chan struct{}

	log zerolog.Logger
	tk  *task.Task
}

// New builds a Controller identified by id, backed by st and mgr, and
// sharing routing with every other controller/actor runtime on this
// branch. urls supplies this branch's externally reachable addresses
// for the Branch actor's "describe" method.
func New(id, brokerURL string, st *store.Store, mgr *supervisor.LocalInstanceManager, routing *actor.RoutingTable, onShutdown ShutdownFunc, urls func() []string) *Controller {
	c := &Controller{
		ID:            id,
		BrokerURL:     brokerURL,
		store:         st,
		manager:       mgr,
		routing:       routing,
		onShutdown:    onShutdown,
		urls:          urls,
		appCache:      make(map[string]store.App),
		readyCh:       make(chan struct{}),
		presenceReady: make(chan struct{}),
		log:           logx.For("controller").With().Str("id", id).Logger(),
	}

	c.Branch = actor.New(id+":Branch", "Branch", BranchExchange, brokerURL, routing)
	c.App = actor.New(id+":App", "App", AppExchange, brokerURL, routing)
	c.Instance = actor.New(id+":Instance", "Instance", InstanceExchange, brokerURL, routing)
	c.Queue = actor.New(id+":Queue", "Queue", QueueExchange, brokerURL, routing)

	c.registerBranchHandlers()
	c.registerAppHandlers()
	c.registerInstanceHandlers()
	c.registerQueueHandlers()

	c.tk = task.New("controller."+id, c, nil)
	return c
}

// Task exposes the underlying cooperative task.
func (c *Controller) Task() *task.Task { return c.tk }

// Ready is closed once the controller has emitted controller_ready
// (first successful consumer registration across all four actors).
func (c *Controller) Ready() <-chan struct{} { return c.readyCh }

// PresenceReady is closed once the presence subtask has published at
// least once.
func (c *Controller) PresenceReady() <-chan struct{} { return c.presenceReady }

// --- task.Runnable --------------------------------------------------------

func (c *Controller) Before() error { return nil }

func (c *Controller) After() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

type inbound struct {
	a         *actor.Actor
	d         amqp.Delivery
	exch      string
	scattered bool
}

func (c *Controller) Run(t *task.Task) error {
	conn, err := amqp.Dial(c.BrokerURL)
	if err != nil {
		return fmt.Errorf("controller: dial: %w", err)
	}
	c.conn = conn

	deliveries := make(chan inbound, 64)
	actors := []*actor.Actor{c.Branch, c.App, c.Instance, c.Queue}
	for _, a := range actors {
		if err := c.consumeActor(conn, a, deliveries); err != nil {
			return fmt.Errorf("controller: consume %s: %w", a.Name, err)
		}
	}
	c.readyOnce.Do(func() { close(c.readyCh) })
	c.log.Info().Msg("controller_ready")

	t.StartPeriodicTimer(PresenceInterval, func() {
		if err := c.publishPresence(); err != nil {
			c.log.Warn().Err(err).Msg("presence publish failed")
			return
		}
		c.presenceOnce.Do(func() { close(c.presenceReady) })
	})

	for {
		select {
		case <-t.Done():
			return nil
		case ack := <-t.Pings():
			close(ack)
		case in := <-deliveries:
			c.handleDelivery(in)
		}
	}
}

func (c *Controller) consumeActor(conn *amqp.Connection, a *actor.Actor, out chan inbound) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(a.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return err
	}
	for _, key := range []string{a.ID, "scatter"} {
		if err := ch.QueueBind(q.Name, key, a.Exchange, false, nil); err != nil {
			return err
		}
	}
	msgs, err := ch.Consume(q.Name, "", true, false, false, false, nil)
	if err != nil {
		return err
	}
	go func() {
		for d := range msgs {
			out <- inbound{a: a, d: d, exch: a.Exchange, scattered: d.RoutingKey == "scatter"}
		}
	}()
	return nil
}

func (c *Controller) handleDelivery(in inbound) {
	var env actor.Envelope
	if err := json.Unmarshal(in.d.Body, &env); err != nil {
		c.log.Warn().Err(err).Msg("malformed envelope, dropping")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := c.dispatch(ctx, in.a, env, in.scattered)
	if env.ReplyTo == "" {
		return
	}

	reply := actor.Reply{ActorID: in.a.ID}
	if err != nil {
		reply.Error = err.Error()
	} else if result != nil {
		body, merr := json.Marshal(result)
		if merr != nil {
			reply.Error = merr.Error()
		} else {
			reply.Result = body
		}
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		c.log.Error().Err(err).Msg("marshal reply failed")
		return
	}

	ch, err := c.conn.Channel()
	if err != nil {
		c.log.Error().Err(err).Msg("open reply channel failed")
		return
	}
	defer ch.Close()

	pubCtx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pcancel()
	if err := ch.PublishWithContext(pubCtx, "", env.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: in.d.CorrelationId,
		Body:          payload,
	}); err != nil {
		c.log.Error().Err(err).Msg("publish reply failed")
	}
}

// dispatch runs the local handler, falling through to scatter when the
// handler returns actor.Next (spec §4.6: "A Next exception inside a
// handler instructs the dispatcher to try the next peer") — but only
// for a delivery that arrived on this actor's own routing key.
//
// A delivery that already arrived via the "scatter" key is itself one
// peer's answer to somebody else's Scatter call; if this peer's local
// handler also misses, that's just "no answer from this peer", not a
// cue to broadcast again. Without this check every peer that misses
// re-scatters to every other peer, who each miss and re-scatter again,
// amplifying a single lookup of a missing name into unbounded
// cross-broker traffic.
func (c *Controller) dispatch(ctx context.Context, a *actor.Actor, env actor.Envelope, scattered bool) (interface{}, error) {
	result, err, ok := a.Dispatch(ctx, env)
	if !ok {
		return nil, fmt.Errorf("controller: no handler for %s.%s", a.Name, env.Method)
	}
	if actor.IsNext(err) {
		if scattered {
			// Already somebody else's broadcast; reply with the Next
			// error itself so the caller's roundtrip logs and skips
			// it (actor/client.go's Scatter ignores any reply with a
			// non-empty Error) instead of counting a miss as an
			// answer.
			return nil, actor.Next
		}
		return a.Scatter(ctx, env.Method, env.Args, 5*time.Second, 0)
	}
	return result, err
}

func (c *Controller) publishPresence() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(actor.PresenceExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}

	msg := actor.PresenceMessage{
		BranchID: c.ID,
		Meta: map[string][]string{
			"instances": c.Instance.MetaSnapshot()["instances"],
			"queues":    c.Queue.MetaSnapshot()["queues"],
		},
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ch.PublishWithContext(ctx, actor.PresenceExchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}
