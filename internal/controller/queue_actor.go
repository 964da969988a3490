package controller

import (
	"context"
	"encoding/json"
	"time"
)

type queueCreateArgs struct {
	Name         string `json:"name"`
	Exchange     string `json:"exchange"`
	ExchangeType string `json:"exchange_type"`
	RoutingKey   string `json:"routing_key"`
	Options      string `json:"options"`
}

type queueDeleteArgs struct {
	Name string `json:"name"`
	Sync bool   `json:"sync"`
}

// removeQueueArgs is what every peer's Queue actor receives on the
// pre-delete scatter (spec §4.7: "delete triggers a scatter
// remove_queue_from_all before deleting the record").
type removeQueueArgs struct {
	Name string `json:"name"`
}

func (c *Controller) refreshQueueMeta() {
	all, err := c.store.Queues.All()
	if err != nil {
		c.log.Warn().Err(err).Msg("refresh queue meta: list failed")
		return
	}
	names := make([]string, 0, len(all))
	for _, q := range all {
		names = append(names, q.Name)
	}
	c.Queue.SetMeta("queues", names)
}

// registerQueueHandlers implements spec §4.7's Queue actor.
func (c *Controller) registerQueueHandlers() {
	c.Queue.Handle("create", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args queueCreateArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		q, err := c.store.Queues.GetOrCreate(args.Name)
		if err != nil {
			return nil, err
		}
		if args.Exchange != "" {
			q.Exchange = args.Exchange
		}
		if args.ExchangeType != "" {
			q.ExchangeType = args.ExchangeType
		}
		if args.RoutingKey != "" {
			q.RoutingKey = args.RoutingKey
		}
		if args.Options != "" {
			q.Options = args.Options
		}
		if err := c.store.Queues.Save(q); err != nil {
			return nil, err
		}
		c.refreshQueueMeta()
		return q, nil
	})

	c.Queue.Handle("remove_queue_from_all", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args removeQueueArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		q, err := c.store.Queues.Get(args.Name)
		if err != nil {
			return map[string]bool{"ok": true}, nil // nothing local to do
		}
		if _, err := c.manager.RemoveQueue(q, true); err != nil {
			return nil, err
		}
		c.refreshInstanceMeta()
		return map[string]bool{"ok": true}, nil
	})

	c.Queue.Handle("delete", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args queueDeleteArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		q, err := c.store.Queues.Get(args.Name)
		if err != nil {
			return nil, err
		}

		// Tell every peer branch to drop this queue from its own
		// instances before the record disappears (spec §4.7).
		scatterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := c.Queue.Scatter(scatterCtx, "remove_queue_from_all", removeQueueArgs{Name: args.Name}, 5*time.Second, 0); err != nil {
			c.log.Warn().Err(err).Str("queue", args.Name).Msg("remove_queue_from_all scatter failed")
		}
		cancel()

		if _, err := c.manager.RemoveQueue(q, args.Sync); err != nil {
			return nil, err
		}
		if err := c.store.Queues.Delete(q); err != nil {
			return nil, err
		}
		c.refreshInstanceMeta()
		c.refreshQueueMeta()
		return map[string]bool{"ok": true}, nil
	})

	c.Queue.Handle("list", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		return c.store.Queues.All()
	})

	c.Queue.Handle("get", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args removeQueueArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		return c.store.Queues.Get(args.Name)
	})
}
