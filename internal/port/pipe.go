package port

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/webextio/hostlink/internal/logging"
	"github.com/webextio/hostlink/internal/wire"
)

const pipeDepth = 64

// PipePort is the in-process realization: structured messages over a native
// channel, no framing. Messages are cloned across the boundary, so body maps
// and nested JSON containers are never shared between the two sides.
type PipePort struct {
	peer *PipePort

	inbox chan wire.Message

	msgObs  ObserverList[MessageHandler]
	discObs ObserverList[DisconnectHandler]

	closing    atomic.Bool
	notifyOnce sync.Once
	done       chan struct{}
	log        zerolog.Logger
}

// NewPipePair returns two connected in-process ports. Sending on one side
// delivers, in order, to the other side's observers.
func NewPipePair() (*PipePort, *PipePort) {
	a := newPipePort()
	b := newPipePort()
	a.peer = b
	b.peer = a
	go a.pump()
	go b.pump()
	return a, b
}

func newPipePort() *PipePort {
	return &PipePort{
		inbox: make(chan wire.Message, pipeDepth),
		done:  make(chan struct{}),
		log:   logging.Component("port.pipe"),
	}
}

func (p *PipePort) Send(m wire.Message) error {
	if p.closing.Load() || p.peer.closing.Load() {
		return ErrPortClosed
	}
	select {
	case p.peer.inbox <- m.Clone():
		return nil
	case <-p.peer.done:
		return ErrPortClosed
	}
}

func (p *PipePort) Observe(h MessageHandler) *Subscription {
	return p.msgObs.Add(h)
}

func (p *PipePort) ObserveDisconnect(h DisconnectHandler) *Subscription {
	return p.discObs.Add(h)
}

// Disconnect tears down both ends: the local side sees an intentional close
// (nil reason), the remote side a peer disconnect.
func (p *PipePort) Disconnect() error {
	if p.closing.Swap(true) {
		return nil
	}
	close(p.done)
	p.notifyDisconnect(nil)
	p.peer.fail(ErrPeerDisconnected)
	return nil
}

func (p *PipePort) fail(reason error) {
	if !p.closing.Swap(true) {
		close(p.done)
	}
	p.notifyDisconnect(reason)
}

// Done is closed once the port is torn down.
func (p *PipePort) Done() <-chan struct{} {
	return p.done
}

func (p *PipePort) pump() {
	for {
		select {
		case m := <-p.inbox:
			for _, h := range p.msgObs.Snapshot() {
				h(m)
			}
		case <-p.done:
			return
		}
	}
}

func (p *PipePort) notifyDisconnect(reason error) {
	p.notifyOnce.Do(func() {
		for _, h := range p.discObs.Snapshot() {
			h(reason)
		}
	})
}
