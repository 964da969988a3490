package controller

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/celery/cyme/internal/actor"
	"github.com/celery/cyme/internal/store"
)

type appGetArgs struct {
	Name string `json:"name"`
}

type appCreateArgs struct {
	Name        string `json:"name"`
	Arguments   string `json:"arguments"`
	ExtraConfig string `json:"extra_config"`
}

type appDeleteArgs struct {
	Name string `json:"name"`
}

func (c *Controller) cacheApp(a store.App) {
	c.appCacheMu.Lock()
	c.appCache[a.Name] = a
	c.appCacheMu.Unlock()
}

func (c *Controller) cachedApp(name string) (store.App, bool) {
	c.appCacheMu.RLock()
	defer c.appCacheMu.RUnlock()
	a, ok := c.appCache[name]
	return a, ok
}

func (c *Controller) invalidateApp(name string) {
	c.appCacheMu.Lock()
	delete(c.appCache, name)
	c.appCacheMu.Unlock()
}

// registerAppHandlers implements spec §4.7's App actor: CRUD with a
// local cache and scatter-on-miss. "get" tries the cache, then the
// local store; if neither has it, returns Next so the dispatcher tries
// peers, the same local-then-scatter fallthrough the spec names for
// App.get.
func (c *Controller) registerAppHandlers() {
	c.App.Handle("get", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args appGetArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		if a, ok := c.cachedApp(args.Name); ok {
			return a, nil
		}
		a, err := c.store.Apps.Get(args.Name)
		if err == nil {
			c.cacheApp(*a)
			return *a, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, actor.Next
		}
		return nil, err
	})

	c.App.Handle("create", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args appCreateArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		a, err := c.store.Apps.GetOrCreate(args.Name)
		if err != nil {
			return nil, err
		}
		a.Arguments = args.Arguments
		a.ExtraConfig = args.ExtraConfig
		if err := c.store.Apps.Save(a); err != nil {
			return nil, err
		}
		c.cacheApp(*a)
		return *a, nil
	})

	c.App.Handle("delete", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var args appDeleteArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		a, err := c.store.Apps.Get(args.Name)
		if err != nil {
			return nil, err
		}
		if err := c.store.Apps.Delete(a); err != nil {
			return nil, err
		}
		c.invalidateApp(args.Name)
		return map[string]bool{"ok": true}, nil
	})
}
