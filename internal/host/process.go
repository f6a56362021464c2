package host

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/webextio/hostlink/internal/config"
	"github.com/webextio/hostlink/internal/logging"
	"github.com/webextio/hostlink/internal/observability"
	"github.com/webextio/hostlink/internal/port"
	"github.com/webextio/hostlink/internal/wire"
)

var ErrNotReconnectable = errors.New("host: process died and auto-reconnect is off")

type State int

const (
	Disconnected State = iota
	Connected
)

// Gate lets the idle check ask whether work is still outstanding on the
// correlation layer above this port.
type Gate interface {
	Busy() bool
}

// Config defines lifecycle behavior. Zero durations take the canonical
// defaults.
type Config struct {
	IdleTimeout   time.Duration
	IdleRecheck   time.Duration
	AutoReconnect bool
	Stream        port.StreamConfig
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = config.DefaultIdleTimeout
	}
	if c.IdleRecheck <= 0 {
		c.IdleRecheck = config.DefaultIdleRecheck
	}
	return c
}

// ProcessPort is a Port fronting an external helper process. The helper is
// launched lazily on first send, released again after sitting idle with no
// outstanding work, and relaunched transparently on the next send.
//
// Unlike the one-shot realizations, disconnect observers here can fire once
// per underlying process death: the logical port outlives its helper.
type ProcessPort struct {
	launcher Launcher
	cfg      Config

	mu           sync.Mutex
	state        State
	inner        *port.StreamPort
	gen          uint64
	lastActivity time.Time
	idleTimer    *time.Timer
	gate         Gate
	started      bool
	closed       bool

	msgObs  port.ObserverList[port.MessageHandler]
	discObs port.ObserverList[port.DisconnectHandler]
	log     zerolog.Logger
}

func NewProcessPort(l Launcher, cfg Config) *ProcessPort {
	return &ProcessPort{
		launcher: l,
		cfg:      cfg.withDefaults(),
		log:      logging.Component("host.process"),
	}
}

// SetGate attaches the correlation layer's busy signal. Without a gate the
// idle check only considers elapsed time.
func (p *ProcessPort) SetGate(g Gate) {
	p.mu.Lock()
	p.gate = g
	p.mu.Unlock()
}

// State reports the current lifecycle state.
func (p *ProcessPort) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *ProcessPort) Send(m wire.Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return port.ErrPortClosed
	}
	if p.state != Connected {
		if err := p.connectLocked(); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	inner := p.inner
	p.lastActivity = time.Now()
	p.mu.Unlock()
	return inner.Send(m)
}

func (p *ProcessPort) Observe(h port.MessageHandler) *port.Subscription {
	return p.msgObs.Add(h)
}

func (p *ProcessPort) ObserveDisconnect(h port.DisconnectHandler) *port.Subscription {
	return p.discObs.Add(h)
}

// Disconnect shuts the port down for good; no relaunch follows.
func (p *ProcessPort) Disconnect() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	inner := p.inner
	p.inner = nil
	p.state = Disconnected
	p.gen++
	p.stopIdleTimerLocked()
	p.mu.Unlock()

	if inner != nil {
		inner.Disconnect()
	}
	p.notifyDisconnect(nil)
	return nil
}

func (p *ProcessPort) connectLocked() error {
	if p.started && !p.cfg.AutoReconnect {
		return ErrNotReconnectable
	}
	rwc, err := p.launcher.Launch()
	if err != nil {
		return fmt.Errorf("host: launch helper: %w", err)
	}
	inner := port.NewStreamPort(rwc, p.cfg.Stream)
	p.gen++
	gen := p.gen
	inner.Observe(func(m wire.Message) { p.onInnerMessage(gen, m) })
	inner.ObserveDisconnect(func(reason error) { p.onInnerDisconnect(gen, reason) })

	p.inner = inner
	p.state = Connected
	p.lastActivity = time.Now()
	if p.started {
		observability.RecordReconnect()
		p.log.Info().Msg("relaunched helper process")
	} else {
		p.log.Info().Msg("launched helper process")
	}
	p.started = true
	p.scheduleIdleLocked(p.cfg.IdleTimeout, gen)
	return nil
}

func (p *ProcessPort) scheduleIdleLocked(d time.Duration, gen uint64) {
	p.stopIdleTimerLocked()
	p.idleTimer = time.AfterFunc(d, func() { p.idleCheck(gen) })
}

func (p *ProcessPort) stopIdleTimerLocked() {
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

// idleCheck fires on the recurring idle timer. An idle port with no pending
// requests and no open fragment groups releases its helper; one with
// outstanding work is rechecked at the short interval instead.
func (p *ProcessPort) idleCheck(gen uint64) {
	p.mu.Lock()
	if p.closed || p.state != Connected || gen != p.gen {
		p.mu.Unlock()
		return
	}
	idleFor := time.Since(p.lastActivity)
	if idleFor < p.cfg.IdleTimeout {
		p.scheduleIdleLocked(p.cfg.IdleTimeout-idleFor, gen)
		p.mu.Unlock()
		return
	}
	if p.gate != nil && p.gate.Busy() {
		p.scheduleIdleLocked(p.cfg.IdleRecheck, gen)
		p.mu.Unlock()
		return
	}

	inner := p.inner
	p.inner = nil
	p.state = Disconnected
	p.gen++
	p.stopIdleTimerLocked()
	p.mu.Unlock()

	observability.RecordIdleDisconnect()
	p.log.Info().Dur("idle", idleFor).Msg("releasing idle helper process")
	inner.Disconnect()
}

func (p *ProcessPort) onInnerMessage(gen uint64, m wire.Message) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		p.log.Warn().Msg("dropping message from a stale helper connection")
		return
	}
	p.lastActivity = time.Now()
	p.mu.Unlock()

	for _, h := range p.msgObs.Snapshot() {
		h(m)
	}
}

func (p *ProcessPort) onInnerDisconnect(gen uint64, reason error) {
	p.mu.Lock()
	if gen != p.gen {
		// a teardown this port initiated itself
		p.mu.Unlock()
		return
	}
	p.state = Disconnected
	p.inner = nil
	p.gen++
	p.stopIdleTimerLocked()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		p.notifyDisconnect(nil)
		return
	}
	if reason == nil {
		reason = port.ErrPeerDisconnected
	}
	if p.cfg.AutoReconnect {
		p.log.Warn().Err(reason).Msg("helper process died; relaunching on next send")
	} else {
		p.log.Warn().Err(reason).Msg("helper process died")
	}
	// pending work above this port must be rejected either way
	p.notifyDisconnect(reason)
}

func (p *ProcessPort) notifyDisconnect(reason error) {
	for _, h := range p.discObs.Snapshot() {
		h(reason)
	}
}
