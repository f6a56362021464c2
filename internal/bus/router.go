// Package bus owns the coordinator's route table: inbound endpoints declare a
// logical name with their first message and addressed traffic is forwarded to
// every live endpoint under the addressed name.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/webextio/hostlink/internal/logging"
	"github.com/webextio/hostlink/internal/observability"
	"github.com/webextio/hostlink/internal/port"
	"github.com/webextio/hostlink/internal/rpc"
	"github.com/webextio/hostlink/internal/wire"
)

var (
	ErrNoRoute       = errors.New("bus: no live endpoint for target")
	ErrNotRegistered = errors.New("bus: endpoint sent traffic before registering")
	ErrBadRegister   = errors.New("bus: malformed registration message")
)

// Config shapes the router. Name is the coordinator's own logical identity;
// traffic addressed to it dispatches to the local handler.
type Config struct {
	Name string
	Peer rpc.Config
}

// Router maintains the route table. It owns every endpoint attached to it:
// endpoints are indexed on registration, removed on disconnect, and their
// pending work is rejected by their own correlation layer when they go.
type Router struct {
	name       string
	peerCfg    rpc.Config
	fwdTimeout time.Duration
	log        zerolog.Logger

	mu      sync.RWMutex
	routes  map[string]map[*endpoint]struct{}
	eps     map[*endpoint]struct{}
	handler rpc.Handler
	closed  bool

	bcastObs port.ObserverList[port.MessageHandler]
}

// endpoint is one live attached connection. name is empty until the
// registration message arrives.
type endpoint struct {
	peer *rpc.Peer

	mu   sync.Mutex
	name string
}

func (e *endpoint) target() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

func NewRouter(cfg Config) *Router {
	fwd := cfg.Peer.ResponseTimeout
	if fwd <= 0 {
		fwd = rpc.DefaultConfig().ResponseTimeout
	}
	return &Router{
		name:       cfg.Name,
		peerCfg:    cfg.Peer,
		fwdTimeout: fwd,
		routes:     make(map[string]map[*endpoint]struct{}),
		eps:        make(map[*endpoint]struct{}),
		log:        logging.Component("bus.router").With().Str("router", cfg.Name).Logger(),
	}
}

// Name is the router's own logical identity.
func (r *Router) Name() string { return r.name }

// OnRequest installs the handler for traffic addressed to the router's own
// name, and for broadcasts wanting a reply from the coordinator.
func (r *Router) OnRequest(h rpc.Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// ObserveBroadcast registers a local listener for untargeted messages.
func (r *Router) ObserveBroadcast(h port.MessageHandler) *port.Subscription {
	return r.bcastObs.Add(h)
}

// Attach adopts an inbound connection. The endpoint stays unnamed and
// unroutable until its first message, which must be the registration
// envelope; anything else tears the connection down.
func (r *Router) Attach(p port.Port) {
	ep := &endpoint{}
	ep.peer = rpc.NewPeer(p, r.peerCfg)
	ep.peer.OnRequest(func(m wire.Message) (any, error) { return r.handleFrom(ep, m) })
	p.ObserveDisconnect(func(error) { r.remove(ep) })

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		p.Disconnect()
		return
	}
	r.eps[ep] = struct{}{}
	r.mu.Unlock()
	r.log.Debug().Msg("endpoint attached; awaiting registration")
}

// AttachHost adopts an outbound connection to a subprocess under a configured
// name, skipping the registration exchange, and returns the correlation layer
// for talking to it directly.
func (r *Router) AttachHost(name string, p port.Port) *rpc.Peer {
	ep := &endpoint{name: name}
	ep.peer = rpc.NewPeer(p, r.peerCfg)
	ep.peer.OnRequest(func(m wire.Message) (any, error) { return r.handleFrom(ep, m) })
	p.ObserveDisconnect(func(error) { r.remove(ep) })

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		p.Disconnect()
		return ep.peer
	}
	r.eps[ep] = struct{}{}
	r.indexLocked(name, ep)
	r.mu.Unlock()
	r.log.Info().Str("target", name).Msg("host endpoint attached")
	return ep.peer
}

// Request routes an addressed message from the coordinator itself. One live
// endpoint yields its reply unwrapped; several yield a JSON array of replies
// in endpoint order. A target matching the router's own name also runs the
// local handler.
func (r *Router) Request(ctx context.Context, m wire.Message) (wire.Message, error) {
	reply, err := r.route(ctx, m, nil)
	if err != nil {
		return wire.Message{}, err
	}
	return wire.Message{ID: m.ID, Reply: reply}, nil
}

// Notify is the no-reply path: addressed messages are posted to every live
// endpoint for the target, untargeted messages broadcast everywhere.
func (r *Router) Notify(m wire.Message) error {
	if m.Target == "" {
		r.broadcast(m, nil)
		return nil
	}
	return r.post(m, nil)
}

// Endpoints reports the number of live endpoints registered under name.
func (r *Router) Endpoints(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes[name])
}

// Close disconnects every attached endpoint and refuses new attachments.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	eps := make([]*endpoint, 0, len(r.eps))
	for ep := range r.eps {
		eps = append(eps, ep)
	}
	r.mu.Unlock()

	for _, ep := range eps {
		ep.peer.Port().Disconnect()
	}
}

// handleFrom is the per-endpoint inbound path: registration first, then
// either a forward (target set) or a broadcast (no target).
func (r *Router) handleFrom(ep *endpoint, m wire.Message) (any, error) {
	if ep.target() == "" {
		return nil, r.register(ep, m)
	}
	if m.Target == "" {
		r.broadcast(m, ep)
		return nil, nil
	}
	if m.ID == "" {
		return nil, r.post(m, ep)
	}
	// one deadline for the whole fan-out: the origin stops waiting after its
	// own response timeout, so a row of stuck endpoints must not hold the
	// forward for a full timeout each
	ctx, cancel := context.WithTimeout(context.Background(), r.fwdTimeout)
	defer cancel()
	return r.route(ctx, m, ep)
}

func (r *Router) register(ep *endpoint, m wire.Message) error {
	kind, _ := m.Body["kind"].(string)
	name, _ := m.Body["name"].(string)
	if kind != "register" || name == "" {
		r.log.Warn().Str("kind", kind).Msg("dropping endpoint: first message was not a registration")
		ep.peer.Port().Disconnect()
		if kind != "" && kind != "register" {
			return fmt.Errorf("%w: kind %q", ErrBadRegister, kind)
		}
		return ErrNotRegistered
	}

	ep.mu.Lock()
	ep.name = name
	ep.mu.Unlock()

	r.mu.Lock()
	if _, live := r.eps[ep]; live {
		r.indexLocked(name, ep)
	}
	r.mu.Unlock()
	r.log.Info().Str("target", name).Msg("endpoint registered")
	return nil
}

// route posts m to every live endpoint for m.Target as a request and
// aggregates the replies; origin (if any) is skipped so traffic never echoes
// back to its sender. Partial failures degrade to the surviving replies; only
// a total failure surfaces an error.
func (r *Router) route(ctx context.Context, m wire.Message, origin *endpoint) (json.RawMessage, error) {
	targets := r.endpointsFor(m.Target, origin)
	local := m.Target == r.name

	if len(targets) == 0 && !local {
		return nil, fmt.Errorf("%w: %q", ErrNoRoute, m.Target)
	}
	observability.RecordRouted()

	var (
		replies  []json.RawMessage
		lastFail error
	)
	for _, ep := range targets {
		res, err := ep.peer.Request(ctx, m)
		if err != nil {
			lastFail = err
			r.log.Warn().Err(err).Str("target", m.Target).Msg("endpoint failed to answer routed request")
			continue
		}
		replies = append(replies, res.Reply)
	}
	if local {
		raw, err := r.dispatchLocal(m)
		if err != nil {
			lastFail = err
			r.log.Warn().Err(err).Msg("local handler failed for routed request")
		} else {
			replies = append(replies, raw)
		}
	}

	if len(replies) == 0 {
		if lastFail != nil {
			return nil, lastFail
		}
		return nil, fmt.Errorf("%w: %q", ErrNoRoute, m.Target)
	}
	if len(replies) == 1 {
		return replies[0], nil
	}
	agg, err := json.Marshal(replies)
	if err != nil {
		return nil, fmt.Errorf("bus: aggregate replies: %w", err)
	}
	return agg, nil
}

func (r *Router) post(m wire.Message, origin *endpoint) error {
	targets := r.endpointsFor(m.Target, origin)
	local := m.Target == r.name
	if len(targets) == 0 && !local {
		return fmt.Errorf("%w: %q", ErrNoRoute, m.Target)
	}
	observability.RecordRouted()
	for _, ep := range targets {
		if err := ep.peer.Post(m); err != nil {
			r.log.Warn().Err(err).Str("target", m.Target).Msg("endpoint rejected posted message")
		}
	}
	if local {
		if _, err := r.dispatchLocal(m); err != nil {
			r.log.Warn().Err(err).Msg("local handler failed for posted message")
		}
	}
	return nil
}

// broadcast fans m out best-effort to every registered endpoint except the
// origin, plus local broadcast observers. Iteration runs over snapshots so
// table mutation mid-broadcast never disturbs the pass.
func (r *Router) broadcast(m wire.Message, origin *endpoint) {
	r.mu.RLock()
	targets := make([]*endpoint, 0, len(r.eps))
	for ep := range r.eps {
		if ep == origin || ep.target() == "" {
			continue
		}
		targets = append(targets, ep)
	}
	r.mu.RUnlock()

	observability.RecordBroadcast()
	for _, ep := range targets {
		if err := ep.peer.Post(m); err != nil {
			r.log.Debug().Err(err).Msg("broadcast skipped a dying endpoint")
		}
	}
	for _, h := range r.bcastObs.Snapshot() {
		h(m.Clone())
	}
}

func (r *Router) dispatchLocal(m wire.Message) (json.RawMessage, error) {
	r.mu.RLock()
	h := r.handler
	r.mu.RUnlock()
	if h == nil {
		return nil, errors.New("bus: no local handler registered")
	}
	result, err := h(m.Clone())
	if err != nil {
		return nil, err
	}
	if result == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("bus: encode local reply: %w", err)
	}
	return raw, nil
}

func (r *Router) endpointsFor(target string, origin *endpoint) []*endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.routes[target]
	out := make([]*endpoint, 0, len(set))
	for ep := range set {
		if ep == origin {
			continue
		}
		out = append(out, ep)
	}
	return out
}

func (r *Router) indexLocked(name string, ep *endpoint) {
	set := r.routes[name]
	if set == nil {
		set = make(map[*endpoint]struct{})
		r.routes[name] = set
	}
	set[ep] = struct{}{}
}

func (r *Router) remove(ep *endpoint) {
	name := ep.target()
	r.mu.Lock()
	delete(r.eps, ep)
	if set, ok := r.routes[name]; ok {
		delete(set, ep)
		if len(set) == 0 {
			delete(r.routes, name)
		}
	}
	r.mu.Unlock()
	if name != "" {
		r.log.Info().Str("target", name).Msg("endpoint removed from route table")
	}
}
