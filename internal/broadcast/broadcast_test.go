package broadcast_test

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/pebblerpc/pebble/internal/broadcast"
	"github.com/pebblerpc/pebble/internal/broadcast/relay"
	"github.com/pebblerpc/pebble/internal/naming"
	"github.com/pebblerpc/pebble/internal/transport"
	"github.com/pebblerpc/pebble/internal/transport/memdriver"
)

// sink is one observable subscriber endpoint: messages sent to conn land
// in the bind-side inbox where the test reads them.
type sink struct {
	conn transport.Handle
	bind transport.Handle
}

func newSink(t *testing.T, d *memdriver.Driver, url string) sink {
	t.Helper()
	bind, err := d.Bind(t.Context(), url)
	if err != nil {
		t.Fatalf("bind %s: %v", url, err)
	}
	conn, err := d.Connect(t.Context(), url)
	if err != nil {
		t.Fatalf("connect %s: %v", url, err)
	}
	return sink{conn: conn, bind: bind}
}

func (s sink) drain(t *testing.T, d *memdriver.Driver) []string {
	t.Helper()
	var got []string
	for {
		msg, _, ok, err := d.Recv(s.bind)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if !ok {
			return got
		}
		got = append(got, string(msg))
	}
}

// S3: LOCAL fan-out delivers to each subscriber exactly once and never
// touches relay, even when the caller asks for it.
func TestLocalFanout(t *testing.T) {
	d := memdriver.New(0)
	m := broadcast.New(d, nil)

	if err := m.Open("C", broadcast.ScopeLocal); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.Open("C", broadcast.ScopeLocal); err != nil {
		t.Fatalf("reopen should be idempotent: %v", err)
	}

	a := newSink(t, d, "mem://a")
	b := newSink(t, d, "mem://b")
	_ = m.Join("C", broadcast.Subscriber{Handle: a.conn})
	_ = m.Join("C", broadcast.Subscriber{Handle: a.conn}) // duplicate join
	_ = m.Join("C", broadcast.Subscriber{Handle: b.conn})

	if err := m.Send("C", []byte("x"), true); err != nil {
		t.Fatalf("send: %v", err)
	}

	if got := a.drain(t, d); len(got) != 1 || got[0] != "x" {
		t.Fatalf("A received %v, want exactly one \"x\"", got)
	}
	if got := b.drain(t, d); len(got) != 1 || got[0] != "x" {
		t.Fatalf("B received %v, want exactly one \"x\"", got)
	}
}

// Property 4: a closed channel rejects sends; nothing reaches former
// subscribers.
func TestClosedChannelRejectsSend(t *testing.T) {
	d := memdriver.New(0)
	m := broadcast.New(d, nil)

	_ = m.Open("C", broadcast.ScopeLocal)
	a := newSink(t, d, "mem://a")
	_ = m.Join("C", broadcast.Subscriber{Handle: a.conn})

	if err := m.Close("C"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Send("C", []byte("x"), true); err == nil {
		t.Fatal("send on closed channel should fail")
	}
	if got := a.drain(t, d); len(got) != 0 {
		t.Fatalf("subscriber received %v after close, want nothing", got)
	}
	if err := m.Join("C", broadcast.Subscriber{Handle: a.conn}); err == nil {
		t.Fatal("join on closed channel should fail")
	}
}

// Property 5: disconnect removes the handle from every channel and fires
// the user event hook.
func TestDisconnectCleansEveryChannel(t *testing.T) {
	d := memdriver.New(0)
	var disconnected []transport.Handle
	m := broadcast.New(d, nil, broadcast.WithDisconnectCallback(func(h transport.Handle) {
		disconnected = append(disconnected, h)
	}))

	_ = m.Open("C1", broadcast.ScopeLocal)
	_ = m.Open("C2", broadcast.ScopeLocal)
	a := newSink(t, d, "mem://a")
	_ = m.Join("C1", broadcast.Subscriber{Handle: a.conn})
	_ = m.Join("C2", broadcast.Subscriber{Handle: a.conn, SessionID: 7})

	m.OnDisconnect(a.conn)

	if n := m.Subscribers("C1") + m.Subscribers("C2"); n != 0 {
		t.Fatalf("subscriber entries after disconnect = %d, want 0", n)
	}
	if len(disconnected) != 1 || disconnected[0] != a.conn {
		t.Fatalf("disconnect hook got %v, want [%d]", disconnected, a.conn)
	}
}

// Session relay: the rebind applies only where the remembered session id
// matches.
func TestSessionRelayRebind(t *testing.T) {
	d := memdriver.New(0)
	m := broadcast.New(d, nil)

	_ = m.Open("C", broadcast.ScopeLocal)
	old := newSink(t, d, "mem://old")
	fresh := newSink(t, d, "mem://new")
	_ = m.Join("C", broadcast.Subscriber{Handle: old.conn, SessionID: 42})

	m.OnRelay(old.conn, fresh.conn, 41) // mismatch: skipped
	_ = m.Send("C", []byte("x"), false)
	if got := old.drain(t, d); len(got) != 1 {
		t.Fatalf("mismatched relay moved the subscriber: old got %v", got)
	}

	m.OnRelay(old.conn, fresh.conn, 42) // match: rebound
	_ = m.Send("C", []byte("y"), false)
	if got := fresh.drain(t, d); len(got) != 1 || got[0] != "y" {
		t.Fatalf("rebound subscriber got %v, want [\"y\"]", got)
	}
	if got := old.drain(t, d); len(got) != 0 {
		t.Fatalf("old handle still receiving after rebind: %v", got)
	}
}

// S4: a GLOBAL broadcast on S1 reaches S1's local subscriber once, relays
// to S2 exactly once, and S2 does not re-relay.
func TestGlobalRelayAcrossServers(t *testing.T) {
	lister := naming.NewStaticLister()
	goch := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})

	bus1 := relay.New(goch, goch, "s1", "unit.server.1", nil)
	bus2 := relay.New(goch, goch, "s2", "unit.server.2", nil)

	d1 := memdriver.New(0)
	d2 := memdriver.New(0)
	w1 := naming.NewWatcher(lister, 5*time.Millisecond, nil)
	w2 := naming.NewWatcher(lister, 5*time.Millisecond, nil)

	m1 := broadcast.New(d1, nil, broadcast.WithRelay(bus1, lister, w1, "s1"))
	m2 := broadcast.New(d2, nil, broadcast.WithRelay(bus2, lister, w2, "s2"))

	backAtS1 := 0
	if err := bus1.Run(t.Context(), func(channel string, payload []byte) {
		backAtS1++
	}); err != nil {
		t.Fatalf("bus1 run: %v", err)
	}
	if err := bus2.Run(t.Context(), m2.DeliverAsync); err != nil {
		t.Fatalf("bus2 run: %v", err)
	}

	if err := m1.Open("C", broadcast.ScopeGlobal); err != nil {
		t.Fatalf("open s1: %v", err)
	}
	if err := m2.Open("C", broadcast.ScopeGlobal); err != nil {
		t.Fatalf("open s2: %v", err)
	}

	w1.Start(t.Context())
	w2.Start(t.Context())
	defer w1.Stop()
	defer w2.Stop()

	a := newSink(t, d1, "mem://a")
	b := newSink(t, d2, "mem://b")
	_ = m1.Join("C", broadcast.Subscriber{Handle: a.conn})
	_ = m2.Join("C", broadcast.Subscriber{Handle: b.conn})

	// Crank both loops until membership reconciliation connects the peers.
	deadline := time.Now().Add(2 * time.Second)
	for m1.Peers("C") == 0 || m2.Peers("C") == 0 {
		w1.Update()
		w2.Update()
		m1.Tick()
		m2.Tick()
		if time.Now().After(deadline) {
			t.Fatalf("peers never reconciled: s1=%d s2=%d", m1.Peers("C"), m2.Peers("C"))
		}
		time.Sleep(time.Millisecond)
	}

	if err := m1.Send("C", []byte("x"), true); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Crank until the relayed copy lands on S2's subscriber.
	var gotB []string
	deadline = time.Now().Add(2 * time.Second)
	for len(gotB) == 0 {
		m2.Tick()
		gotB = append(gotB, b.drain(t, d2)...)
		if time.Now().After(deadline) {
			t.Fatal("relayed broadcast never reached S2's subscriber")
		}
		time.Sleep(time.Millisecond)
	}

	if got := a.drain(t, d1); len(got) != 1 || got[0] != "x" {
		t.Fatalf("A received %v, want exactly one \"x\"", got)
	}
	if len(gotB) != 1 || gotB[0] != "x" {
		t.Fatalf("B received %v, want exactly one \"x\"", gotB)
	}

	// Let any (incorrect) re-relay propagate, then verify none arrived.
	for i := 0; i < 20; i++ {
		m1.Tick()
		m2.Tick()
		time.Sleep(time.Millisecond)
	}
	if backAtS1 != 0 {
		t.Fatalf("S2 re-relayed %d messages back to S1, want 0", backAtS1)
	}
	if got := a.drain(t, d1); len(got) != 0 {
		t.Fatalf("A received duplicates %v", got)
	}
}
