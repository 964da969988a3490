// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/celery/cyme/internal/actor"
)

type branchDescription struct {
	ID   string   `json:"id"`
	URLs []string `json:"urls"`
}

// --- branches ---------------------------------------------------------

func listBranches(c *gin.Context, deps Deps) {
	self := branchDescription{ID: deps.BranchID, URLs: deps.URLs()}
	out := []branchDescription{self}

	scattered, err := deps.Controller.Branch.Scatter(c.Request.Context(), "describe", struct{}{}, dispatchTimeout, 0)
	if err != nil {
		c.JSON(http.StatusOK, out) // peers unreachable: still answer with self
		return
	}
	for peer, raw := range scattered {
		var d branchDescription
		if json.Unmarshal(raw, &d) == nil {
			d.ID = peer
			out = append(out, d)
		}
	}
	c.JSON(http.StatusOK, out)
}

func describeBranch(c *gin.Context, deps Deps) {
	id := c.Param("id")
	if id == deps.BranchID {
		c.JSON(http.StatusOK, branchDescription{ID: deps.BranchID, URLs: deps.URLs()})
		return
	}
	raw, err := deps.Controller.Branch.Call(c.Request.Context(), id, "describe", struct{}{}, dispatchTimeout)
	if err != nil {
		respondError(c, err)
		return
	}
	var d branchDescription
	if err := json.Unmarshal(raw, &d); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// --- app ----------------------------------------------------------------

func getApp(c *gin.Context, deps Deps) {
	name, nowait := appParam(c)
	if nowait {
		respondError(c, ErrNowaitDisallowed)
		return
	}
	result, ok := dispatch(c, deps.Controller.App, "get", map[string]string{"name": name})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

func createApp(c *gin.Context, deps Deps) {
	name, nowait := appParam(c)
	var body struct {
		Arguments   string `json:"arguments"`
		ExtraConfig string `json:"extra_config"`
	}
	_ = c.ShouldBindJSON(&body)

	args := map[string]string{"name": name, "arguments": body.Arguments, "extra_config": body.ExtraConfig}
	if nowait {
		go dispatchAsync(deps.Controller.App, "create", args)
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
		return
	}
	result, ok := dispatch(c, deps.Controller.App, "create", args)
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, result)
}

func deleteApp(c *gin.Context, deps Deps) {
	name, nowait := appParam(c)
	args := map[string]string{"name": name}
	if nowait {
		go dispatchAsync(deps.Controller.App, "delete", args)
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
		return
	}
	result, ok := dispatch(c, deps.Controller.App, "delete", args)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

// --- instances ------------------------------------------------------------

func listInstances(c *gin.Context, deps Deps) {
	if _, nowait := appParam(c); nowait {
		respondError(c, ErrNowaitDisallowed)
		return
	}
	result, ok := dispatch(c, deps.Controller.Instance, "list", struct{}{})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

type createInstanceBody struct {
	AppName        string   `json:"app_name"`
	BrokerURL      string   `json:"broker_url"`
	MaxConcurrency int      `json:"max_concurrency"`
	MinConcurrency int      `json:"min_concurrency"`
	Pool           string   `json:"pool"`
	Arguments      string   `json:"arguments"`
	ExtraConfig    string   `json:"extra_config"`
	Queues         []string `json:"queues"`
}

func addInstance(c *gin.Context, deps Deps) {
	appName, nowait := appParam(c)
	var body createInstanceBody
	_ = c.ShouldBindJSON(&body)
	name := c.Query("name")
	if name == "" {
		name = appName
	}

	args := map[string]interface{}{
		"name": name, "app_name": appName, "broker_url": body.BrokerURL,
		"max_concurrency": body.MaxConcurrency, "min_concurrency": body.MinConcurrency,
		"pool": body.Pool, "arguments": body.Arguments, "extra_config": body.ExtraConfig,
		"queues": body.Queues, "sync": !nowait,
	}
	if nowait {
		go dispatchAsync(deps.Controller.Instance, "add", args)
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
		return
	}
	result, ok := dispatch(c, deps.Controller.Instance, "add", args)
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, result)
}

func getInstance(c *gin.Context, deps Deps) {
	if _, nowait := appParam(c); nowait {
		respondError(c, ErrNowaitDisallowed)
		return
	}
	result, ok := dispatch(c, deps.Controller.Instance, "get", map[string]string{"name": c.Param("name")})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

func removeInstance(c *gin.Context, deps Deps) {
	_, nowait := appParam(c)
	args := map[string]interface{}{"name": c.Param("name"), "sync": !nowait}
	if nowait {
		go dispatchAsync(deps.Controller.Instance, "remove", args)
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
		return
	}
	result, ok := dispatch(c, deps.Controller.Instance, "remove", args)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

func instanceStats(c *gin.Context, deps Deps) {
	if _, nowait := appParam(c); nowait {
		respondError(c, ErrNowaitDisallowed)
		return
	}
	result, ok := dispatch(c, deps.Controller.Instance, "stats", map[string]string{"name": c.Param("name")})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

func getAutoscale(c *gin.Context, deps Deps) {
	if _, nowait := appParam(c); nowait {
		respondError(c, ErrNowaitDisallowed)
		return
	}
	result, ok := dispatch(c, deps.Controller.Instance, "autoscale_get", map[string]string{"name": c.Param("name")})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

func setAutoscale(c *gin.Context, deps Deps) {
	_, nowait := appParam(c)
	var body struct {
		Max int `json:"max"`
		Min int `json:"min"`
	}
	_ = c.ShouldBindJSON(&body)
	args := map[string]interface{}{"name": c.Param("name"), "max": body.Max, "min": body.Min, "sync": !nowait}
	if nowait {
		go dispatchAsync(deps.Controller.Instance, "autoscale_set", args)
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
		return
	}
	result, ok := dispatch(c, deps.Controller.Instance, "autoscale_set", args)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

func instanceQueues(c *gin.Context, deps Deps) {
	if _, nowait := appParam(c); nowait {
		respondError(c, ErrNowaitDisallowed)
		return
	}
	result, ok := dispatch(c, deps.Controller.Instance, "get", map[string]string{"name": c.Param("name")})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

func addConsumer(c *gin.Context, deps Deps) {
	_, nowait := appParam(c)
	args := map[string]interface{}{"name": c.Param("name"), "queue": c.Param("queue"), "sync": !nowait}
	if nowait {
		go dispatchAsync(deps.Controller.Instance, "add_consumer", args)
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
		return
	}
	result, ok := dispatch(c, deps.Controller.Instance, "add_consumer", args)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

func cancelConsumer(c *gin.Context, deps Deps) {
	_, nowait := appParam(c)
	args := map[string]interface{}{"name": c.Param("name"), "queue": c.Param("queue"), "sync": !nowait}
	if nowait {
		go dispatchAsync(deps.Controller.Instance, "cancel_consumer", args)
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
		return
	}
	result, ok := dispatch(c, deps.Controller.Instance, "cancel_consumer", args)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

// --- queues -----------------------------------------------------------

func listQueues(c *gin.Context, deps Deps) {
	if _, nowait := appParam(c); nowait {
		respondError(c, ErrNowaitDisallowed)
		return
	}
	result, ok := dispatch(c, deps.Controller.Queue, "list", struct{}{})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

func getQueue(c *gin.Context, deps Deps) {
	if _, nowait := appParam(c); nowait {
		respondError(c, ErrNowaitDisallowed)
		return
	}
	result, ok := dispatch(c, deps.Controller.Queue, "get", map[string]string{"name": c.Param("name")})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

func createQueue(c *gin.Context, deps Deps) {
	_, nowait := appParam(c)
	var body struct {
		Name         string `json:"name"`
		Exchange     string `json:"exchange"`
		ExchangeType string `json:"exchange_type"`
		RoutingKey   string `json:"routing_key"`
		Options      string `json:"options"`
	}
	_ = c.ShouldBindJSON(&body)
	name := c.Param("name")
	if name == "" {
		name = body.Name
	}
	args := map[string]string{
		"name": name, "exchange": body.Exchange,
		"exchange_type": body.ExchangeType, "routing_key": body.RoutingKey, "options": body.Options,
	}
	if nowait {
		go dispatchAsync(deps.Controller.Queue, "create", args)
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
		return
	}
	result, ok := dispatch(c, deps.Controller.Queue, "create", args)
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, result)
}

func deleteQueue(c *gin.Context, deps Deps) {
	_, nowait := appParam(c)
	args := map[string]interface{}{"name": c.Param("name"), "sync": !nowait}
	if nowait {
		go dispatchAsync(deps.Controller.Queue, "delete", args)
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
		return
	}
	result, ok := dispatch(c, deps.Controller.Queue, "delete", args)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

// --- webhook enqueue / task polling -------------------------------------

func enqueueWebhook(c *gin.Context, deps Deps) {
	appName, _ := appParam(c)
	target := c.Param("target") // leading "/!<scheme>://<rest>"
	url, err := parseWebhookTarget(target)
	if err != nil {
		respondError(c, err)
		return
	}

	body, _ := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	params := make(map[string]string, len(c.Request.URL.Query()))
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}

	rec := deps.Ledger.Create()
	task := webhookTask{UUID: rec.UUID, App: appName, URL: url, Method: http.MethodPost, Params: params}
	go executeWebhook(deps.Ledger, rec, task, body)

	c.JSON(http.StatusAccepted, gin.H{"uuid": rec.UUID})
}

func queryTask(c *gin.Context, deps Deps) {
	uuid := c.Param("uuid")
	action := c.Param("action")

	switch action {
	case "state":
		rec, ok := deps.Ledger.Get(uuid)
		if !ok {
			respondError(c, actor.ErrRouteNotFound)
			return
		}
		c.JSON(http.StatusOK, gin.H{"uuid": uuid, "state": rec.State})
	case "result":
		rec, ok := deps.Ledger.Get(uuid)
		if !ok {
			respondError(c, actor.ErrRouteNotFound)
			return
		}
		c.JSON(http.StatusOK, gin.H{"uuid": uuid, "state": rec.State, "result": rec.Result})
	case "wait":
		timeout := 30 * time.Second
		if s := c.Query("timeout"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
				timeout = time.Duration(secs) * time.Second
			}
		}
		rec, ok := deps.Ledger.Wait(uuid, timeout)
		if !ok {
			respondError(c, actor.ErrRouteNotFound)
			return
		}
		if rec.State == StatePending {
			c.JSON(http.StatusRequestTimeout, gin.H{"nok": []string{"timed out waiting for task", ""}})
			return
		}
		c.JSON(http.StatusOK, gin.H{"uuid": uuid, "state": rec.State, "result": rec.Result})
	default:
		c.JSON(http.StatusNotFound, gin.H{"nok": []string{"unknown query action", ""}})
	}
}
