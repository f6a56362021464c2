package rpc

import (
	"sync"

	"github.com/webextio/hostlink/internal/wire"
)

// pending tracks one in-flight request. Exactly one of reply arrival, timeout
// or disconnect settles it; every later attempt is a no-op.
type pending struct {
	id    string
	done  chan struct{}
	once  sync.Once
	reply wire.Message
	err   error
}

func newPending(id string) *pending {
	return &pending{id: id, done: make(chan struct{})}
}

func (p *pending) settle(reply wire.Message, err error) {
	p.once.Do(func() {
		p.reply = reply
		p.err = err
		close(p.done)
	})
}
