package controller

import (
	"context"
	"encoding/json"
)

// branchDescription is the Branch actor's "describe" reply (spec
// §4.7/§4.8). The HTTP layer enumerates branches by scattering
// "describe" across every peer rather than the Branch actor
// maintaining its own peer list.
type branchDescription struct {
	ID   string   `json:"id"`
	URLs []string `json:"urls"`
}

func (c *Controller) registerBranchHandlers() {
	c.Branch.Handle("describe", func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		var urls []string
		if c.urls != nil {
			urls = c.urls()
		}
		return branchDescription{ID: c.ID, URLs: urls}, nil
	})

	c.Branch.Handle("shutdown", func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		if c.onShutdown != nil {
			go c.onShutdown(context.Background())
		}
		return map[string]bool{"ok": true}, nil
	})
}
