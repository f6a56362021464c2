// Package port owns the bidirectional channel abstraction shared by framed
// byte streams and in-process pipes.
//
// Ownership boundary:
// - Port contract (send, message observers, disconnect observers)
// - framed stream realization over io.ReadWriteCloser
// - in-process pipe realization
package port

import (
	"errors"
	"sync"

	"github.com/webextio/hostlink/internal/wire"
)

var (
	ErrPortClosed       = errors.New("port: closed")
	ErrPeerDisconnected = errors.New("port: peer disconnected")
)

type MessageHandler func(wire.Message)

type DisconnectHandler func(reason error)

// Port is one bidirectional, possibly-disconnecting message channel. Callers
// above this layer never need to know which realization backs it.
//
// Disconnect observers fire at most once. An intentional local Disconnect
// carries a nil reason; an unexpected death carries the cause.
type Port interface {
	Send(m wire.Message) error
	Observe(h MessageHandler) *Subscription
	ObserveDisconnect(h DisconnectHandler) *Subscription
	Disconnect() error
}

// Subscription detaches an observer deterministically, without depending on
// closure identity.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

func newSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// ObserverList is an ordered registry of observers with deterministic
// removal through the returned Subscription.
type ObserverList[T any] struct {
	mu    sync.Mutex
	seq   uint64
	order []uint64
	items map[uint64]T
}

func (l *ObserverList[T]) Add(h T) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.items == nil {
		l.items = make(map[uint64]T)
	}
	l.seq++
	id := l.seq
	l.items[id] = h
	l.order = append(l.order, id)
	return newSubscription(func() { l.remove(id) })
}

func (l *ObserverList[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.items, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// snapshot returns observers in registration order; dispatching over the
// snapshot keeps concurrent (un)subscription from disturbing an in-flight
// notification pass.
func (l *ObserverList[T]) Snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]T, 0, len(l.items))
	for _, id := range l.order {
		if h, ok := l.items[id]; ok {
			out = append(out, h)
		}
	}
	return out
}
