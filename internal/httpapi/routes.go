// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/celery/cyme/internal/actor"
	"github.com/celery/cyme/internal/store"
)

// ErrNowaitDisallowed is the 501 case spec §6 names: "operation is
// inherently synchronous; nowait disallowed" — every read-only GET.
var ErrNowaitDisallowed = errors.New("httpapi: nowait disallowed for this operation")

const dispatchTimeout = 10 * time.Second

// appParam returns the :app path segment, stripped of the spec §6
// "optional leading !/" nowait marker, plus whether nowait was
// requested. GET handlers that receive nowait=true answer 501.
func appParam(c *gin.Context) (name string, nowait bool) {
	name = c.Param("app")
	if strings.HasPrefix(name, "!") {
		return strings.TrimPrefix(name, "!"), true
	}
	return name, false
}

func registerRoutes(r *gin.Engine, deps Deps) {
	r.GET("/ping/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "branch": deps.BranchID})
	})

	r.GET("/branches", func(c *gin.Context) { listBranches(c, deps) })
	r.GET("/branches/:id", func(c *gin.Context) { describeBranch(c, deps) })

	app := r.Group("/:app")
	{
		app.GET("", func(c *gin.Context) { getApp(c, deps) })
		app.POST("", func(c *gin.Context) { createApp(c, deps) })
		app.DELETE("", func(c *gin.Context) { deleteApp(c, deps) })

		app.GET("/instances", func(c *gin.Context) { listInstances(c, deps) })
		app.POST("/instances", func(c *gin.Context) { addInstance(c, deps) })
		app.GET("/instances/:name", func(c *gin.Context) { getInstance(c, deps) })
		app.DELETE("/instances/:name", func(c *gin.Context) { removeInstance(c, deps) })

		app.GET("/instances/:name/stats", func(c *gin.Context) { instanceStats(c, deps) })

		app.GET("/instances/:name/autoscale", func(c *gin.Context) { getAutoscale(c, deps) })
		app.POST("/instances/:name/autoscale", func(c *gin.Context) { setAutoscale(c, deps) })

		app.GET("/instances/:name/queues", func(c *gin.Context) { instanceQueues(c, deps) })
		app.PUT("/instances/:name/queues/:queue", func(c *gin.Context) { addConsumer(c, deps) })
		app.POST("/instances/:name/queues/:queue", func(c *gin.Context) { addConsumer(c, deps) })
		app.DELETE("/instances/:name/queues/:queue", func(c *gin.Context) { cancelConsumer(c, deps) })

		app.GET("/queues", func(c *gin.Context) { listQueues(c, deps) })
		app.POST("/queues", func(c *gin.Context) { createQueue(c, deps) })
		app.PUT("/queues/:name", func(c *gin.Context) { createQueue(c, deps) })
		app.GET("/queues/:name", func(c *gin.Context) { getQueue(c, deps) })
		app.DELETE("/queues/:name", func(c *gin.Context) { deleteQueue(c, deps) })

		app.POST("/queue/*target", func(c *gin.Context) { enqueueWebhook(c, deps) })

		app.GET("/query/:uuid/:action", func(c *gin.Context) { queryTask(c, deps) })
	}
}

// --- response helpers ------------------------------------------------

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, actor.ErrRouteNotFound), actor.IsNext(err):
		c.JSON(http.StatusNotFound, gin.H{"nok": []string{err.Error(), ""}})
	case errors.Is(err, actor.ErrNoReply), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusRequestTimeout, gin.H{"nok": []string{err.Error(), ""}})
	case errors.Is(err, ErrNowaitDisallowed):
		c.JSON(http.StatusNotImplemented, gin.H{"nok": []string{err.Error(), ""}})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"nok": []string{err.Error(), ""}})
	}
}

// dispatchAsync fires method at a without waiting on the HTTP request's
// own context (which is cancelled the moment the handler returns the
// 202) — the spec's "!" nowait marker means the caller doesn't block,
// not that the operation is abandoned.
func dispatchAsync(a *actor.Actor, method string, args interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	raw, err := json.Marshal(args)
	if err != nil {
		return
	}
	result, err, ok := a.Dispatch(ctx, actor.Envelope{Method: method, Args: raw})
	if ok && actor.IsNext(err) {
		_, _ = a.Scatter(ctx, method, args, dispatchTimeout, 0)
		return
	}
	_ = result
}

// dispatch runs method against a, honoring the dispatcher's Next
// fallthrough semantics via a's own Dispatch/Scatter wiring, and
// renders either a success body or the mapped error response. Returns
// false (having already written the response) if the call errored.
func dispatch(c *gin.Context, a *actor.Actor, method string, args interface{}) (interface{}, bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), dispatchTimeout)
	defer cancel()

	raw, err := json.Marshal(args)
	if err != nil {
		respondError(c, err)
		return nil, false
	}

	result, err, ok := a.Dispatch(ctx, actor.Envelope{Method: method, Args: raw})
	if ok && actor.IsNext(err) {
		// Next means no local answer; try every peer. A scatter error or
		// an empty reply set both mean nobody could answer, which is
		// RouteNotFound's meaning regardless of whether the cause was a
		// broker hiccup or a genuinely absent name (spec §7).
		scattered, serr := a.Scatter(ctx, method, args, dispatchTimeout, 0)
		if serr != nil || len(scattered) == 0 {
			respondError(c, actor.ErrRouteNotFound)
			return nil, false
		}
		return scattered, true
	}
	if !ok {
		respondError(c, actor.ErrRouteNotFound)
		return nil, false
	}
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return result, true
}
