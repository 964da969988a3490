// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package actor

import "errors"

// ErrRouteNotFound is raised by SendToAble when no peer's meta
// advertises the requested name (spec §4.6/§7: translated to HTTP 404
// at the API boundary).
var ErrRouteNotFound = errors.New("actor: no peer advertises that name")

// ErrNoReply is returned when a direct or round-robin call's timeout
// elapses with no matching reply (spec §7's NoReply: HTTP 408,
// Supervisor treats as "unknown, skip").
var ErrNoReply = errors.New("actor: no reply before timeout")

// Next is returned by a handler to instruct the dispatcher to try the
// next peer instead of treating the call as answered (spec §4.6, used
// by App.get: try local first, then scatter). It carries no payload;
// callers compare with errors.Is.
var Next = errors.New("actor: try next peer")
