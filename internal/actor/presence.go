// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package actor

import (
	"fmt"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// PresenceExchange is the fanout exchange every Controller's presence
// subtask publishes its meta to (spec §4.6).
const PresenceExchange = "cyme.presence"

// PresenceMessage is what a Controller periodically publishes: which
// branch it is, and for each meta section the names it currently
// advertises ownership of (spec §4.6: "each actor may advertise a list
// of names it owns").
type PresenceMessage struct {
	BranchID string              `json:"branch_id"`
	Meta     map[string][]string `json:"meta"`
}

// RoutingTable is the peer cache spec §4.6 describes: keyed by
// (actor-name/section, advertised-name), mapping to the owning
// branch id, each entry expiring after TTL unless refreshed by a later
// presence publication.
type RoutingTable struct {
	entries *cache.Cache
}

// NewRoutingTable builds a table whose entries expire ttl after their
// last refresh, swept every ttl/2.
func NewRoutingTable(ttl time.Duration) *RoutingTable {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RoutingTable{entries: cache.New(ttl, ttl/2)}
}

func routingKey(section, name string) string {
	return fmt.Sprintf("%s\x00%s", section, name)
}

// Observe refreshes the table from a peer's presence publication.
func (t *RoutingTable) Observe(msg PresenceMessage) {
	for section, names := range msg.Meta {
		for _, name := range names {
			t.entries.SetDefault(routingKey(section, name), msg.BranchID)
		}
	}
}

// Lookup resolves name within section to the branch id that last
// advertised it, and whether the entry is still live.
func (t *RoutingTable) Lookup(section, name string) (string, bool) {
	v, ok := t.entries.Get(routingKey(section, name))
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Forget drops every entry pointing at branchID without waiting out
// the TTL. Controller does not call it; a departed peer's entries
// otherwise expire with the TTL.
func (t *RoutingTable) Forget(branchID string) {
	for key, item := range t.entries.Items() {
		if id, ok := item.Object.(string); ok && id == branchID {
			t.entries.Delete(key)
		}
	}
}
