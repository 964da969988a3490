// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

package actor

import "sync"

// DispatchType is one of the three routing strategies spec §4.6 names.
type DispatchType int

const (
	Direct DispatchType = iota
	Scatter
	RoundRobin
)

func (d DispatchType) String() string {
	switch d {
	case Direct:
		return "direct"
	case Scatter:
		return "scatter"
	case RoundRobin:
		return "round-robin"
	default:
		return "unknown"
	}
}

// roundRobinRing tracks, per method, the ticketed rotation across the
// peers currently known to provide it — the same registration +
// next-provider rotation as the teacher's
// cider/broker/exchanges/rpc/roundrobin.Balancer, narrowed from
// endpoint dispatch to a plain peer-id ring since routing itself goes
// over the broker rather than an in-process endpoint table.
type roundRobinRing struct {
	mu       sync.Mutex
	peers    map[string][]string // method -> ordered peer ids
	lastUsed map[string]int      // method -> index of last peer used
}

func newRoundRobinRing() *roundRobinRing {
	return &roundRobinRing{
		peers:    make(map[string][]string),
		lastUsed: make(map[string]int),
	}
}

// register adds peerID as a provider of method if not already present.
func (r *roundRobinRing) register(method, peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers[method] {
		if p == peerID {
			return
		}
	}
	r.peers[method] = append(r.peers[method], peerID)
}

// unregister removes peerID from every method it provides.
func (r *roundRobinRing) unregister(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for method, peers := range r.peers {
		for i, p := range peers {
			if p == peerID {
				r.peers[method] = append(peers[:i], peers[i+1:]...)
				break
			}
		}
		if len(r.peers[method]) == 0 {
			delete(r.peers, method)
			delete(r.lastUsed, method)
		}
	}
}

// next returns the next peer in rotation for method, and false if no
// peer currently provides it.
func (r *roundRobinRing) next(method string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := r.peers[method]
	if len(peers) == 0 {
		return "", false
	}
	i := (r.lastUsed[method] + 1) % len(peers)
	r.lastUsed[method] = i
	return peers[i], true
}
