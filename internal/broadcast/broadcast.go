// Package broadcast implements the channel manager: named LOCAL and
// GLOBAL channels, per-subscriber delivery, inter-server relay with
// membership reconciliation, connection rebind on session relay, and
// disconnect cleanup.
//
// Each channel is a subscriber set fanning out to transport handles. A
// GLOBAL channel additionally registers this server's relay address in
// naming and keeps one relay connection per peer server that opened the
// same name, reconciling the peer set as membership notifications arrive.
package broadcast

import (
	"context"
	"log/slog"

	"github.com/pebblerpc/pebble/internal/naming"
	"github.com/pebblerpc/pebble/internal/rpcerr"
	"github.com/pebblerpc/pebble/internal/transport"
)

// Scope distinguishes channels confined to this server from channels
// shared across the cluster.
type Scope int32

const (
	ScopeLocal Scope = iota
	ScopeGlobal
)

func (s Scope) String() string {
	if s == ScopeGlobal {
		return "GLOBAL"
	}
	return "LOCAL"
}

// Subscriber identifies one channel member: a transport handle, plus the
// session id the handle was joined under (0 when the transport has no
// session concept). Dedup is by the full pair.
type Subscriber struct {
	Handle    transport.Handle
	SessionID uint64
}

// PeerSender is one live relay connection to a peer server that also
// opened a channel. internal/broadcast/relay provides the AMQP-backed
// implementation.
type PeerSender interface {
	Send(channel string, payload []byte) error
	Close() error
	URL() string
}

// PeerDialer opens relay connections by peer url.
type PeerDialer interface {
	Dial(url string) (PeerSender, error)
}

type channelState struct {
	name  string
	scope Scope
	subs  map[Subscriber]struct{}
	peers map[string]PeerSender // relay connections, keyed by url
}

// Manager owns every open channel on this server. Like the rest of the
// core it is driven from the main-loop goroutine; background producers
// (the naming watcher, the relay subscriber) hand work in through an
// internal queue drained by Tick.
type Manager struct {
	log    *slog.Logger
	driver transport.Driver

	dialer   PeerDialer
	lister   naming.Lister
	watcher  *naming.Watcher
	selfURL  string
	identity string // opaque app id, reported by Identity

	channels map[string]*channelState
	pending  chan func()

	onDisconnect func(handle transport.Handle)
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithRelay wires cross-server relay: dialer opens peer connections,
// lister/watcher track global channel membership, selfURL is this
// server's own relay address (excluded from its peer set).
func WithRelay(dialer PeerDialer, lister naming.Lister, watcher *naming.Watcher, selfURL string) Option {
	return func(m *Manager) {
		m.dialer = dialer
		m.lister = lister
		m.watcher = watcher
		m.selfURL = selfURL
	}
}

// WithIdentity records an opaque application identity for diagnostics. It
// is not written into relay envelopes; those carry the app id the relay
// bus itself was built with.
func WithIdentity(appID string) Option {
	return func(m *Manager) { m.identity = appID }
}

// WithDisconnectCallback sets the user event hook fired after QuitAll on
// transport disconnect.
func WithDisconnectCallback(cb func(handle transport.Handle)) Option {
	return func(m *Manager) { m.onDisconnect = cb }
}

// New builds an empty Manager over driver.
func New(driver transport.Driver, log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		log:      log,
		driver:   driver,
		channels: make(map[string]*channelState),
		pending:  make(chan func(), 1024),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Identity returns the opaque app id set by WithIdentity.
func (m *Manager) Identity() string { return m.identity }

// Open creates a channel. It is idempotent for a matching scope and an
// error for a scope conflict. GLOBAL channels register this server's
// relay address in naming and install a membership watch.
func (m *Manager) Open(channel string, scope Scope) error {
	if channel == "" {
		return rpcerr.New(rpcerr.InvalidParam, "empty channel name")
	}
	if ch, ok := m.channels[channel]; ok {
		if ch.scope != scope {
			return rpcerr.New(rpcerr.InvalidParam, "channel already open with scope "+ch.scope.String())
		}
		return nil
	}

	ch := &channelState{
		name:  channel,
		scope: scope,
		subs:  make(map[Subscriber]struct{}),
		peers: make(map[string]PeerSender),
	}
	if scope == ScopeGlobal {
		if m.lister == nil || m.watcher == nil || m.dialer == nil {
			return rpcerr.New(rpcerr.InvalidParam, "global channel requires relay wiring")
		}
		if err := m.lister.Register(context.Background(), channelKey(channel), m.selfURL); err != nil {
			return err
		}
		m.watcher.Watch(channelKey(channel), func(_ string, urls []string) {
			// Fired from Watcher.Update on the loop goroutine already, but
			// queueing keeps the mutation ordering uniform with relay input.
			m.enqueue(func() { m.reconcile(channel, urls) })
		})
	}
	m.channels[channel] = ch
	m.log.Info("broadcast: channel open", "channel", channel, "scope", scope.String())
	return nil
}

// OpenAsync is Open with a completion callback, for callers that treat
// naming registration as a slow path.
func (m *Manager) OpenAsync(channel string, scope Scope, cb func(error)) {
	err := m.Open(channel, scope)
	if cb != nil {
		cb(err)
	}
}

// Close deregisters a channel, tears down its relay connections, and
// rejects subsequent joins and sends.
func (m *Manager) Close(channel string) error {
	ch, ok := m.channels[channel]
	if !ok {
		return rpcerr.New(rpcerr.InvalidParam, "channel not open: "+channel)
	}
	delete(m.channels, channel)

	if ch.scope == ScopeGlobal {
		m.watcher.Unwatch(channelKey(channel))
		if err := m.lister.Deregister(context.Background(), channelKey(channel), m.selfURL); err != nil {
			m.log.Warn("broadcast: deregister failed", "channel", channel, "err", err)
		}
	}
	for url, peer := range ch.peers {
		if err := peer.Close(); err != nil {
			m.log.Warn("broadcast: relay close failed", "channel", channel, "peer", url, "err", err)
		}
	}
	m.log.Info("broadcast: channel closed", "channel", channel)
	return nil
}

// Join adds a subscriber. Idempotent by (handle, session_id).
func (m *Manager) Join(channel string, sub Subscriber) error {
	ch, ok := m.channels[channel]
	if !ok {
		return rpcerr.New(rpcerr.InvalidParam, "channel not open: "+channel)
	}
	ch.subs[sub] = struct{}{}
	return nil
}

// Quit removes a subscriber. Idempotent.
func (m *Manager) Quit(channel string, sub Subscriber) error {
	ch, ok := m.channels[channel]
	if !ok {
		return rpcerr.New(rpcerr.InvalidParam, "channel not open: "+channel)
	}
	delete(ch.subs, sub)
	return nil
}

// QuitAll removes handle from every channel it appears in, regardless of
// session id. Invoked on transport disconnect.
func (m *Manager) QuitAll(handle transport.Handle) {
	for _, ch := range m.channels {
		for sub := range ch.subs {
			if sub.Handle == handle {
				delete(ch.subs, sub)
			}
		}
	}
}

// Send fans payload out to a channel: every local subscriber first, then
// (for GLOBAL channels, when relay is set) each peer server. Local
// failures are logged per subscriber and never abort the fan-out.
func (m *Manager) Send(channel string, payload []byte, relay bool) error {
	ch, ok := m.channels[channel]
	if !ok {
		return rpcerr.New(rpcerr.InvalidParam, "channel not open: "+channel)
	}

	for sub := range ch.subs {
		if err := m.driver.Send(sub.Handle, payload, 0); err != nil {
			m.log.Warn("broadcast: local delivery failed",
				"channel", channel, "handle", sub.Handle, "err", err)
		}
	}

	if relay && ch.scope == ScopeGlobal {
		for url, peer := range ch.peers {
			if err := peer.Send(channel, payload); err != nil {
				m.log.Warn("broadcast: relay delivery failed",
					"channel", channel, "peer", url, "err", err)
			}
		}
	}
	return nil
}

// SendV is the gather form of Send.
func (m *Manager) SendV(channel string, frags [][]byte, relay bool) error {
	total := 0
	for _, f := range frags {
		total += len(f)
	}
	joined := make([]byte, 0, total)
	for _, f := range frags {
		joined = append(joined, f...)
	}
	return m.Send(channel, joined, relay)
}

// DeliverAsync queues an inbound relayed broadcast for local-only
// delivery on the next Tick. The relay subscriber goroutine calls this;
// relay=false here is what makes relay non-recursive.
func (m *Manager) DeliverAsync(channel string, payload []byte) {
	m.enqueue(func() {
		if _, ok := m.channels[channel]; !ok {
			m.log.Debug("broadcast: relayed message for unopened channel", "channel", channel)
			return
		}
		if err := m.Send(channel, payload, false); err != nil {
			m.log.Warn("broadcast: relayed delivery failed", "channel", channel, "err", err)
		}
	})
}

// OnRelay rebinds a session-bound subscriber whose transport handle was
// reset during reconnection, atomically across every channel. A session
// id mismatch skips the rebind and logs.
func (m *Manager) OnRelay(oldHandle, newHandle transport.Handle, sessionID uint64) {
	for name, ch := range m.channels {
		for sub := range ch.subs {
			if sub.Handle != oldHandle {
				continue
			}
			if sub.SessionID != sessionID {
				m.log.Warn("broadcast: session relay id mismatch, skipping",
					"channel", name, "have", sub.SessionID, "got", sessionID)
				continue
			}
			delete(ch.subs, sub)
			ch.subs[Subscriber{Handle: newHandle, SessionID: sessionID}] = struct{}{}
		}
	}
}

// OnDisconnect removes handle from every channel and fires the user event
// hook. The cleanup completes before the call returns, so a disconnected
// handle is gone from every subscriber set before the next tick.
func (m *Manager) OnDisconnect(handle transport.Handle) {
	m.QuitAll(handle)
	if m.onDisconnect != nil {
		m.onDisconnect(handle)
	}
}

// Tick drains queued cross-goroutine work (membership reconciliations,
// relayed deliveries) and returns the work count.
func (m *Manager) Tick() int {
	done := 0
	for {
		select {
		case fn := <-m.pending:
			fn()
			done++
		default:
			return done
		}
	}
}

// Subscribers reports a channel's current subscriber count.
func (m *Manager) Subscribers(channel string) int {
	ch, ok := m.channels[channel]
	if !ok {
		return 0
	}
	return len(ch.subs)
}

// Peers reports a channel's current relay connection count.
func (m *Manager) Peers(channel string) int {
	ch, ok := m.channels[channel]
	if !ok {
		return 0
	}
	return len(ch.peers)
}

func (m *Manager) enqueue(fn func()) {
	select {
	case m.pending <- fn:
	default:
		m.log.Warn("broadcast: work queue full, dropping")
	}
}

// reconcile applies a membership notification: dial urls newly present,
// close urls newly absent, identity is the url string. Repeated
// notifications are safe.
func (m *Manager) reconcile(channel string, urls []string) {
	ch, ok := m.channels[channel]
	if !ok || ch.scope != ScopeGlobal {
		return
	}

	next := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if u == m.selfURL {
			continue
		}
		next[u] = struct{}{}
	}

	for u := range next {
		if _, connected := ch.peers[u]; connected {
			continue
		}
		peer, err := m.dialer.Dial(u)
		if err != nil {
			m.log.Warn("broadcast: relay dial failed", "channel", channel, "peer", u, "err", err)
			continue
		}
		ch.peers[u] = peer
		m.log.Info("broadcast: relay peer added", "channel", channel, "peer", u)
	}

	for u, peer := range ch.peers {
		if _, still := next[u]; still {
			continue
		}
		if err := peer.Close(); err != nil {
			m.log.Warn("broadcast: relay close failed", "channel", channel, "peer", u, "err", err)
		}
		delete(ch.peers, u)
		m.log.Info("broadcast: relay peer evicted", "channel", channel, "peer", u)
	}
}

func channelKey(channel string) string { return "channel/" + channel }
