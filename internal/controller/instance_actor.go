package controller

import (
	"context"
	"encoding/json"

	"github.com/celery/cyme/internal/store"
)

type instanceAddArgs struct {
	Name           string   `json:"name"`
	AppName        string   `json:"app_name"`
	BrokerURL      string   `json:"broker_url"`
	MaxConcurrency int      `json:"max_concurrency"`
	MinConcurrency int      `json:"min_concurrency"`
	Pool           string   `json:"pool"`
	Arguments      string   `json:"arguments"`
	ExtraConfig    string   `json:"extra_config"`
	Queues         []string `json:"queues"`
	Sync           bool     `json:"sync"`
}

type instanceNameArgs struct {
	Name string `json:"name"`
	Sync bool   `json:"sync"`
}

type instanceQueueArgs struct {
	Name  string `json:"name"`
	Queue string `json:"queue"`
	Sync  bool   `json:"sync"`
}

type instanceAutoscaleArgs struct {
	Name string `json:"name"`
	Max  int    `json:"max"`
	Min  int    `json:"min"`
	Sync bool   `json:"sync"`
}

type autoscaleView struct {
	Max int  `json:"max"`
	Min int  `json:"min"`
	OK  bool `json:"ok"`
}

// refreshInstanceMeta republishes the set of instance names this
// branch's store currently owns, so presence advertises an up to date
// list for send_to_able resolution (spec §4.6).
func (c *Controller) refreshInstanceMeta() {
	all, err := c.store.Instances.All()
	if err != nil {
		c.log.Warn().Err(err).Msg("refresh instance meta: list failed")
		return
	}
	names := make([]string, 0, len(all))
	for _, inst := range all {
		names = append(names, inst.Name)
	}
	c.Instance.SetMeta("instances", names)
}

// registerInstanceHandlers implements spec §4.7's Instance actor: CRUD
// delegating every mutation to the LocalInstanceManager facade, which
// pairs the model change with the corresponding Supervisor
// reconciliation.
func (c *Controller) registerInstanceHandlers() {
	c.Instance.Handle("add", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args instanceAddArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		inst, err := c.manager.Add(store.NewInstanceParams{
			Name:           args.Name,
			AppName:        args.AppName,
			BrokerURL:      args.BrokerURL,
			MaxConcurrency: args.MaxConcurrency,
			MinConcurrency: args.MinConcurrency,
			Pool:           args.Pool,
			Arguments:      args.Arguments,
			ExtraConfig:    args.ExtraConfig,
			Queues:         args.Queues,
		}, args.Sync)
		if err != nil {
			return nil, err
		}
		c.refreshInstanceMeta()
		return inst, nil
	})

	c.Instance.Handle("remove", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args instanceNameArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		inst, err := c.store.Instances.Get(args.Name)
		if err != nil {
			return nil, err
		}
		if err := c.manager.Remove(inst, args.Sync); err != nil {
			return nil, err
		}
		c.refreshInstanceMeta()
		return map[string]bool{"ok": true}, nil
	})

	c.Instance.Handle("restart", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args instanceNameArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		inst, err := c.store.Instances.Get(args.Name)
		if err != nil {
			return nil, err
		}
		c.manager.Restart(inst, args.Sync)
		return map[string]bool{"ok": true}, nil
	})

	c.Instance.Handle("enable", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args instanceNameArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		inst, err := c.store.Instances.Get(args.Name)
		if err != nil {
			return nil, err
		}
		if err := c.manager.Enable(inst, args.Sync); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})

	c.Instance.Handle("disable", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args instanceNameArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		inst, err := c.store.Instances.Get(args.Name)
		if err != nil {
			return nil, err
		}
		if err := c.manager.Disable(inst, args.Sync); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})

	c.Instance.Handle("add_consumer", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args instanceQueueArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		inst, err := c.store.Instances.Get(args.Name)
		if err != nil {
			return nil, err
		}
		if err := c.manager.AddConsumer(inst, args.Queue, args.Sync); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})

	c.Instance.Handle("cancel_consumer", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args instanceQueueArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		inst, err := c.store.Instances.Get(args.Name)
		if err != nil {
			return nil, err
		}
		if err := c.manager.CancelConsumer(inst, args.Queue, args.Sync); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})

	c.Instance.Handle("get", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args instanceNameArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		return c.store.Instances.Get(args.Name)
	})

	c.Instance.Handle("list", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		return c.store.Instances.All()
	})

	c.Instance.Handle("stats", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args instanceNameArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		inst, err := c.store.Instances.Get(args.Name)
		if err != nil {
			return nil, err
		}
		return c.manager.Stats(ctx, inst)
	})

	c.Instance.Handle("autoscale_get", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args instanceNameArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		inst, err := c.store.Instances.Get(args.Name)
		if err != nil {
			return nil, err
		}
		report, ok := c.manager.Autoscaler(ctx, inst)
		return autoscaleView{Max: report.Max, Min: report.Min, OK: ok}, nil
	})

	c.Instance.Handle("autoscale_set", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args instanceAutoscaleArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		inst, err := c.store.Instances.Get(args.Name)
		if err != nil {
			return nil, err
		}
		if err := c.manager.Autoscale(ctx, inst, args.Max, args.Min, args.Sync); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})
}
