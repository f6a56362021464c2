package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/webextio/hostlink/internal/config"
	"github.com/webextio/hostlink/internal/logging"
	"github.com/webextio/hostlink/internal/observability"
	"github.com/webextio/hostlink/internal/port"
	"github.com/webextio/hostlink/internal/wire"
)

var (
	ErrTimeout      = errors.New("rpc: request timed out")
	ErrDisconnected = errors.New("rpc: port disconnected")
	ErrRemote       = errors.New("rpc: remote error")
)

var emptyReply = json.RawMessage(`{}`)

// Handler serves one inbound application message. The returned value becomes
// the reply when the message carried a correlation id; a returned error or a
// panic becomes an error reply, so the remote caller always settles.
type Handler func(m wire.Message) (any, error)

// Config defines correlation-layer behavior. Zero fields take the canonical
// defaults.
type Config struct {
	ResponseTimeout time.Duration
	SplitThreshold  int
	FragmentTTL     time.Duration
	JanitorMin      time.Duration
}

func DefaultConfig() Config {
	return Config{
		ResponseTimeout: config.DefaultResponseTimeout,
		SplitThreshold:  config.DefaultSplitThreshold,
		FragmentTTL:     config.DefaultFragmentTTL,
		JanitorMin:      config.DefaultJanitorMin,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = def.ResponseTimeout
	}
	if c.SplitThreshold <= 0 {
		c.SplitThreshold = def.SplitThreshold
	}
	if c.FragmentTTL <= 0 {
		c.FragmentTTL = def.FragmentTTL
	}
	if c.JanitorMin <= 0 {
		c.JanitorMin = def.JanitorMin
	}
	return c
}

// Peer is one endpoint of the request/response contract over a Port. Both
// ends are symmetric: each can issue requests and each answers the other's.
type Peer struct {
	port  port.Port
	cfg   Config
	reqs  *xsync.MapOf[string, *pending]
	reasm *wire.Reassembler

	mu            sync.Mutex
	handler       Handler
	lastInboundID string
	lastHandled   chan struct{}

	msgSub  *port.Subscription
	discSub *port.Subscription
	log     zerolog.Logger
}

func NewPeer(p port.Port, cfg Config) *Peer {
	cfg = cfg.withDefaults()
	peer := &Peer{
		port:  p,
		cfg:   cfg,
		reqs:  xsync.NewMapOf[string, *pending](),
		reasm: wire.NewReassembler(cfg.FragmentTTL, cfg.JanitorMin),
		log:   logging.Component("rpc.peer"),
	}
	peer.msgSub = p.Observe(peer.dispatch)
	peer.discSub = p.ObserveDisconnect(peer.onDisconnect)
	return peer
}

// OnRequest installs the application handler for inbound messages that match
// no pending request.
func (pr *Peer) OnRequest(h Handler) {
	pr.mu.Lock()
	pr.handler = h
	pr.mu.Unlock()
}

// Port returns the underlying channel.
func (pr *Peer) Port() port.Port {
	return pr.port
}

// Busy reports whether requests or fragment groups are still outstanding.
// The idle manager consults this before releasing a subprocess.
func (pr *Peer) Busy() bool {
	return pr.reqs.Size() > 0 || pr.reasm.Open() > 0
}

// Detach unhooks the peer from its port without disconnecting it.
func (pr *Peer) Detach() {
	pr.msgSub.Cancel()
	pr.discSub.Cancel()
}

// Post sends a fire-and-forget message. The caller's message is never
// mutated.
func (pr *Peer) Post(m wire.Message) error {
	return pr.send(m.Clone())
}

// Request sends a copy of m with a fresh correlation id and waits for the
// matching reply. It fails on the configured response timeout, on ctx
// cancellation, or immediately when the port disconnects. A timed-out
// request is forgotten: its reply, should one still arrive, is dropped.
func (pr *Peer) Request(ctx context.Context, m wire.Message) (wire.Message, error) {
	msg := m.Clone()

	var pend *pending
	for {
		id := uuid.NewString()
		pend = newPending(id)
		if _, loaded := pr.reqs.LoadOrStore(id, pend); !loaded {
			msg.ID = id
			break
		}
	}

	observability.RecordRequest()
	if err := pr.send(msg); err != nil {
		pr.reqs.Delete(msg.ID)
		return wire.Message{}, err
	}

	timer := time.NewTimer(pr.cfg.ResponseTimeout)
	defer timer.Stop()

	select {
	case <-pend.done:
		return pend.reply, pend.err

	case <-timer.C:
		if _, ok := pr.reqs.LoadAndDelete(msg.ID); ok {
			observability.RecordRequestTimeout()
			return wire.Message{}, fmt.Errorf("%w: no reply to %s within %v",
				ErrTimeout, msg.ID, pr.cfg.ResponseTimeout)
		}
		// a resolver took it out of the map first; its settle wins
		<-pend.done
		return pend.reply, pend.err

	case <-ctx.Done():
		if _, ok := pr.reqs.LoadAndDelete(msg.ID); ok {
			return wire.Message{}, ctx.Err()
		}
		<-pend.done
		return pend.reply, pend.err
	}
}

// send fragments transparently: anything whose encoding exceeds the split
// threshold travels as a fragment group, each carrier going through the
// ordinary unfragmented path.
func (pr *Peer) send(m wire.Message) error {
	encoded, err := wire.Encode(m)
	if err != nil {
		return err
	}
	if len(encoded) <= pr.cfg.SplitThreshold {
		return pr.port.Send(m)
	}
	for _, frag := range wire.Split(encoded, pr.cfg.SplitThreshold, m.Target) {
		if err := pr.port.Send(frag); err != nil {
			return err
		}
	}
	return nil
}

func (pr *Peer) dispatch(m wire.Message) {
	pr.reasm.Sweep()

	if m.IsFragment() {
		complete, err := pr.reasm.Ingest(m)
		if err != nil || complete == nil {
			return
		}
		m = *complete
	}

	// replies to pending requests are consumed here, never forwarded
	if m.ID != "" {
		if pend, ok := pr.reqs.LoadAndDelete(m.ID); ok {
			pr.resolve(pend, m)
			return
		}
		if len(m.Reply) > 0 || m.Error != "" {
			// a reply nobody is waiting for: late after timeout, or stale
			observability.RecordLateReply()
			pr.log.Warn().Str("id", m.ID).
				Msg("dropping reply with no pending request")
			return
		}
	}

	if m.IsPing() {
		if err := pr.port.Send(wire.Message{ID: m.ID, Reply: emptyReply}); err != nil {
			pr.log.Warn().Err(err).Msg("failed to answer ping")
		}
		return
	}

	// the same id arriving twice in a row as a fresh request means a
	// forwarding hop is bouncing our own reply back
	if m.ID != "" {
		pr.mu.Lock()
		looped := m.ID == pr.lastInboundID
		pr.lastInboundID = m.ID
		pr.mu.Unlock()
		if looped {
			pr.log.Warn().Str("id", m.ID).Msg("dropping echo-looped request")
			return
		}
	}

	// handlers run off the reader goroutine so replies can still resolve,
	// but in arrival order: each one waits for its predecessor. A satellite
	// may follow its registration with traffic immediately; running those
	// handlers concurrently would let the second message outrun the first.
	pr.mu.Lock()
	h := pr.handler
	prev := pr.lastHandled
	done := make(chan struct{})
	pr.lastHandled = done
	pr.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		pr.runHandler(h, m)
	}()
}

func (pr *Peer) resolve(pend *pending, m wire.Message) {
	if m.Error != "" && len(m.Reply) == 0 {
		pend.settle(wire.Message{}, fmt.Errorf("%w: %s", ErrRemote, m.Error))
		return
	}
	if m.Error != "" {
		pr.log.Warn().Str("id", m.ID).Str("error", m.Error).
			Msg("reply carries a diagnostic")
	}
	pend.settle(wire.Message{
		ID:    m.ID,
		Reply: m.Reply,
		Error: m.Error,
		Body:  m.Body,
	}, nil)
}

func (pr *Peer) runHandler(h Handler, m wire.Message) {
	defer func() {
		if r := recover(); r != nil {
			pr.log.Error().Interface("panic", r).Msg("message handler panicked")
			if m.ID != "" {
				pr.replyError(m.ID, fmt.Sprintf("handler panic: %v", r))
			}
		}
	}()

	if h == nil {
		if m.ID != "" {
			pr.replyError(m.ID, "no handler registered")
		} else {
			pr.log.Warn().Msg("dropping message: no handler registered")
		}
		return
	}

	result, err := h(m)
	if m.ID == "" {
		if err != nil {
			pr.log.Warn().Err(err).Msg("handler failed for fire-and-forget message")
		}
		return
	}
	if err != nil {
		pr.replyError(m.ID, err.Error())
		return
	}
	if result == nil {
		pr.sendReply(wire.Message{ID: m.ID, Reply: emptyReply})
		return
	}
	raw, merr := json.Marshal(result)
	if merr != nil {
		pr.replyError(m.ID, "could not encode handler result: "+merr.Error())
		return
	}
	pr.sendReply(wire.Message{ID: m.ID, Reply: raw})
}

func (pr *Peer) sendReply(m wire.Message) {
	if err := pr.send(m); err != nil {
		pr.log.Warn().Err(err).Str("id", m.ID).Msg("failed to send reply")
	}
}

func (pr *Peer) replyError(id, desc string) {
	pr.sendReply(wire.Message{ID: id, Error: desc})
}

// onDisconnect rejects every outstanding request and discards partial
// fragment groups, immediately and unconditionally.
func (pr *Peer) onDisconnect(reason error) {
	cause := reason
	if cause == nil {
		cause = port.ErrPortClosed
	}
	pr.reqs.Range(func(id string, _ *pending) bool {
		if pend, ok := pr.reqs.LoadAndDelete(id); ok {
			observability.RecordRequestRejected()
			pend.settle(wire.Message{}, fmt.Errorf("%w: %v", ErrDisconnected, cause))
		}
		return true
	})
	pr.reasm.Clear()
}
