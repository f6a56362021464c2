package port

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/webextio/hostlink/internal/logging"
	"github.com/webextio/hostlink/internal/wire"
)

// StreamConfig bounds the framed realization. Zero values disable a ceiling.
type StreamConfig struct {
	MaxInboundFrame  int
	MaxOutboundFrame int
}

// StreamPort frames messages over a byte stream, typically a subprocess's
// stdin/stdout pair. Codec state lives and dies with the port: a reconnect
// means a new StreamPort.
type StreamPort struct {
	rwc io.ReadWriteCloser
	enc *wire.Encoder
	dec *wire.Decoder

	msgObs  ObserverList[MessageHandler]
	discObs ObserverList[DisconnectHandler]

	closing    atomic.Bool
	notifyOnce sync.Once
	done       chan struct{}
	log        zerolog.Logger
}

func NewStreamPort(rwc io.ReadWriteCloser, cfg StreamConfig) *StreamPort {
	p := &StreamPort{
		rwc:  rwc,
		enc:  wire.NewEncoder(rwc, cfg.MaxOutboundFrame),
		dec:  wire.NewDecoder(cfg.MaxInboundFrame),
		done: make(chan struct{}),
		log:  logging.Component("port.stream"),
	}
	go p.readLoop()
	return p
}

func (p *StreamPort) Send(m wire.Message) error {
	if p.closing.Load() {
		return ErrPortClosed
	}
	return p.enc.Encode(m)
}

func (p *StreamPort) Observe(h MessageHandler) *Subscription {
	return p.msgObs.Add(h)
}

func (p *StreamPort) ObserveDisconnect(h DisconnectHandler) *Subscription {
	return p.discObs.Add(h)
}

// Disconnect closes the port intentionally. Idempotent; observers see a nil
// reason, distinguishing it from an unexpected death.
func (p *StreamPort) Disconnect() error {
	if p.closing.Swap(true) {
		return nil
	}
	err := p.rwc.Close()
	p.notifyDisconnect(nil)
	return err
}

// Done is closed once the read loop has exited.
func (p *StreamPort) Done() <-chan struct{} {
	return p.done
}

func (p *StreamPort) readLoop() {
	defer close(p.done)
	buf := make([]byte, 32*1024)
	for {
		n, err := p.rwc.Read(buf)
		if n > 0 {
			msgs, decErr := p.dec.Feed(buf[:n])
			for _, m := range msgs {
				p.dispatch(m)
			}
			if decErr != nil {
				// framing is unrecoverable; the channel dies
				p.fail(decErr)
				return
			}
		}
		if err != nil {
			if p.closing.Load() {
				p.notifyDisconnect(nil)
			} else if errors.Is(err, io.EOF) {
				p.fail(ErrPeerDisconnected)
			} else {
				p.fail(err)
			}
			return
		}
	}
}

func (p *StreamPort) dispatch(m wire.Message) {
	for _, h := range p.msgObs.Snapshot() {
		h(m)
	}
}

func (p *StreamPort) fail(reason error) {
	if !p.closing.Swap(true) {
		p.log.Debug().Err(reason).Msg("stream port failed")
		p.rwc.Close()
	}
	p.notifyDisconnect(reason)
}

func (p *StreamPort) notifyDisconnect(reason error) {
	p.notifyOnce.Do(func() {
		for _, h := range p.discObs.Snapshot() {
			h(reason)
		}
	})
}
