// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/celery/cyme/internal/logx"
)

// ErrInvalidTarget is returned when a webhook enqueue path's
// `!<scheme>://<rest>` segment does not parse.
var ErrInvalidTarget = errors.New("httpapi: invalid webhook target")

// webhookTask describes one one-shot HTTP call made on behalf of the
// named App, whose outcome is polled through the task ledger.
// enqueueWebhook leaves Queue empty and publishes nothing to a broker.
type webhookTask struct {
	UUID   string            `json:"uuid"`
	App    string            `json:"app"`
	Queue  string            `json:"queue"`
	URL    string            `json:"url"`
	Method string            `json:"method"`
	Params map[string]string `json:"params,omitempty"`
}

// parseWebhookTarget turns the `!<scheme>://<rest>` tail of
// /APP/queue/!<scheme>://<rest> back into a full URL. The route's
// wildcard hands it over as "/!<scheme>://<rest>"; this function strips
// the leading slash and "!" itself.
func parseWebhookTarget(rest string) (string, error) {
	rest = strings.TrimPrefix(rest, "/")
	rest = strings.TrimPrefix(rest, "!")
	if !strings.Contains(rest, "://") {
		return "", ErrInvalidTarget
	}
	return rest, nil
}

// webhookResult is what the stub executor stores as the task's result
// once the call completes.
type webhookResult struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
	Error      string `json:"error,omitempty"`
}

// executeWebhook performs the HTTP call and resolves the ledger entry.
// It is the stub executor SPEC_FULL.md calls for: a real deployment
// would hand this off to a worker instance's queue, but with process
// execution out of scope (spec §1 Non-goals) the branch itself performs
// the one-shot call and reports the outcome synchronously into the
// ledger.
func executeWebhook(ledger *TaskLedger, rec *TaskRecord, task webhookTask, body []byte) {
	method := task.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequest(method, task.URL, bytes.NewReader(body))
	if err != nil {
		resolveFailure(ledger, rec.UUID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		resolveFailure(ledger, rec.UUID, err)
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	result := webhookResult{StatusCode: resp.StatusCode, Body: string(respBody)}
	raw, _ := json.Marshal(result)
	ledger.Resolve(rec.UUID, StateSuccess, raw)
}

func resolveFailure(ledger *TaskLedger, uuid string, err error) {
	logx.For("httpapi").Warn().Err(err).Str("task", uuid).Msg("webhook call failed")
	raw, _ := json.Marshal(webhookResult{Error: err.Error()})
	ledger.Resolve(uuid, StateFailure, raw)
}
