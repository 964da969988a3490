package actor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/celery/cyme/internal/logx"
)

// HandlerFunc runs inside the recipient process's state namespace
// (spec §4.6). It returns the value to be JSON-marshalled into the
// reply, or an error; returning Next tells the dispatcher this actor
// declines to answer and the caller should try the next peer.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (interface{}, error)

// Actor is one named message endpoint: a stable exchange, a set of
// method handlers, and the meta it advertises for name resolution
// (spec §4.6). Controller hosts several over one shared connection;
// Actor itself only knows how to dispatch locally and call out, not
// how deliveries arrive — that multiplexing is Controller's job (spec
// §4.7).
type Actor struct {
	ID       string
	Name     string
	Exchange string

	client  *Client
	routing *RoutingTable
	ring    *roundRobinRing

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	metaMu sync.RWMutex
	meta   map[string][]string

	log zerolog.Logger
}

// New builds an Actor named name, addressable at id, whose exchange is
// exchange (stable across branches per spec §4.6), issuing outbound
// calls against brokerURL and resolving send_to_able lookups against
// routing.
func New(id, name, exchange, brokerURL string, routing *RoutingTable) *Actor {
	return &Actor{
		ID:       id,
		Name:     name,
		Exchange: exchange,
		client:   NewClient(brokerURL),
		routing:  routing,
		ring:     newRoundRobinRing(),
		handlers: make(map[string]HandlerFunc),
		meta:     make(map[string][]string),
		log:      logx.For("actor").With().Str("actor", name).Str("id", id).Logger(),
	}
}

// Handle registers fn as the handler for method.
func (a *Actor) Handle(method string, fn HandlerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[method] = fn
}

// Dispatch runs the local handler for env.Method, the entry point
// Controller calls once it has demultiplexed a raw delivery to this
// actor. ok is false when no handler is registered.
func (a *Actor) Dispatch(ctx context.Context, env Envelope) (result interface{}, err error, ok bool) {
	a.mu.RLock()
	fn, ok := a.handlers[env.Method]
	a.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	result, err = fn(ctx, env.Args)
	return result, err, true
}

// SetMeta replaces the set of names this actor currently advertises
// ownership of within section (spec §4.6: "optional meta and
// meta_lookup_section").
func (a *Actor) SetMeta(section string, names []string) {
	a.metaMu.Lock()
	defer a.metaMu.Unlock()
	cp := make([]string, len(names))
	copy(cp, names)
	a.meta[section] = cp
}

// MetaSnapshot returns a copy of the currently advertised meta, ready
// to embed in a PresenceMessage.
func (a *Actor) MetaSnapshot() map[string][]string {
	a.metaMu.RLock()
	defer a.metaMu.RUnlock()
	out := make(map[string][]string, len(a.meta))
	for k, v := range a.meta {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// RegisterPeer records peerID as a round-robin provider of method.
// Controller does not call it: the rotation is not fed from presence.
func (a *Actor) RegisterPeer(method, peerID string) { a.ring.register(method, peerID) }

// ForgetPeer drops peerID from every round-robin rotation.
func (a *Actor) ForgetPeer(peerID string) { a.ring.unregister(peerID) }

// Call performs a direct RPC against target (spec §4.6 direct
// dispatch): exactly one reply or ErrNoReply on timeout.
func (a *Actor) Call(ctx context.Context, target, method string, args interface{}, timeout time.Duration) (json.RawMessage, error) {
	return a.client.Call(ctx, a.Exchange, target, method, args, timeout)
}

// Scatter fanouts method to every peer on this actor's exchange,
// collecting replies until timeout or expectedPeers replies arrive
// (spec §4.6 scatter dispatch).
func (a *Actor) Scatter(ctx context.Context, method string, args interface{}, timeout time.Duration, expectedPeers int) (map[string]json.RawMessage, error) {
	return a.client.Scatter(ctx, a.Exchange, method, args, timeout, expectedPeers)
}

// CallRoundRobin sends to the next peer in method's rotation (spec
// §4.6 round-robin dispatch): exactly one reply. Returns ErrNoReply if
// no peer currently provides method.
func (a *Actor) CallRoundRobin(ctx context.Context, method string, args interface{}, timeout time.Duration) (json.RawMessage, error) {
	peer, ok := a.ring.next(method)
	if !ok {
		return nil, ErrNoReply
	}
	return a.Call(ctx, peer, method, args, timeout)
}

// SendToAble implements spec §4.6's send_to_able helper: resolve name
// within section via the shared routing table, then direct-call the
// owning branch. ErrRouteNotFound if no peer currently advertises it.
func (a *Actor) SendToAble(ctx context.Context, section, name, method string, args interface{}, timeout time.Duration) (json.RawMessage, error) {
	owner, ok := a.routing.Lookup(section, name)
	if !ok {
		return nil, ErrRouteNotFound
	}
	return a.Call(ctx, owner, method, args, timeout)
}

// IsNext reports whether err is (or wraps) the Next sentinel.
func IsNext(err error) bool { return errors.Is(err, Next) }
