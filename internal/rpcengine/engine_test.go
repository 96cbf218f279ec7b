package rpcengine

import (
	"sync"
	"testing"
	"time"

	"github.com/pebblerpc/pebble/internal/coroutine"
	"github.com/pebblerpc/pebble/internal/overload"
	"github.com/pebblerpc/pebble/internal/rpcerr"
	"github.com/pebblerpc/pebble/internal/timer"
	"github.com/pebblerpc/pebble/internal/transport"
	"github.com/pebblerpc/pebble/internal/transport/memdriver"
	"github.com/pebblerpc/pebble/internal/wire"
)

// testClock is a settable clock shared by the wheel and the tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: time.Unix(1000, 0)} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// rig wires two engines (a server and a client role) over one loopback
// driver, one wheel, and one scheduler, with a hand-cranked pump standing
// in for the main loop.
type rig struct {
	t      *testing.T
	clock  *testClock
	driver *memdriver.Driver
	wheel  *timer.Wheel
	sched  *coroutine.Scheduler
	server *Engine
	client *Engine
	routes map[transport.Handle]*Engine
}

func newRig(t *testing.T, serverOpts ...Option) *rig {
	clock := newTestClock()
	d := memdriver.New(0)
	w := timer.New(clock.Now)
	s := coroutine.New(w)
	r := &rig{
		t:      t,
		clock:  clock,
		driver: d,
		wheel:  w,
		sched:  s,
		server: New(d, s, w, nil, serverOpts...),
		client: New(d, s, w, nil),
		routes: make(map[transport.Handle]*Engine),
	}
	return r
}

// route declares which engine owns messages arriving on handle.
func (r *rig) route(h transport.Handle, e *Engine) { r.routes[h] = e }

// pump drains every queued message, routing each to its owning engine
// with the given overload mask, until the driver goes quiet.
func (r *rig) pump(mask overload.Mask) int {
	delivered := 0
	for {
		h, ev, err := r.driver.Poll(0)
		if err != nil {
			r.t.Fatalf("poll: %v", err)
		}
		if ev == transport.EventNone {
			return delivered
		}
		eng, ok := r.routes[h]
		if !ok {
			r.t.Fatalf("no route for handle %d", h)
		}
		for {
			msg, info, ok, err := r.driver.Recv(h)
			if err != nil || !ok {
				break
			}
			_ = eng.OnMessage(h, msg, info, mask)
			delivered++
		}
	}
}

func (r *rig) tick() { r.wheel.Tick(r.clock.Now()) }

func callHead(function string) *wire.Head {
	h := wire.NewHead(wire.Call, function, 0)
	setCodecHeader(h, CodecBinary)
	return h
}

// S1: echo round trip over loopback; session and timers fully reclaimed.
func TestEchoRoundTrip(t *testing.T) {
	r := newRig(t)

	if err := r.server.RegisterHandler("Echo:echo", func(inv *Invocation) {
		_ = inv.Respond(0, inv.Payload)
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	lh, err := r.driver.Bind(t.Context(), "mem://echo")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	ch, err := r.driver.Connect(t.Context(), "mem://echo")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	r.route(lh, r.server)
	r.route(ch, r.client)

	var (
		gotRet  int32 = -999
		gotBody []byte
		calls   int
	)
	if _, err := r.client.SendRequest(ch, callHead("Echo:echo"), []byte("hi"), func(ret int32, body []byte) {
		gotRet, gotBody = ret, body
		calls++
	}, 1000); err != nil {
		t.Fatalf("send request: %v", err)
	}

	r.pump(overload.None)

	if calls != 1 {
		t.Fatalf("response callback fired %d times, want 1", calls)
	}
	if gotRet != 0 || string(gotBody) != "hi" {
		t.Fatalf("got (%d, %q), want (0, \"hi\")", gotRet, gotBody)
	}
	if n := r.client.SessionCount() + r.server.SessionCount(); n != 0 {
		t.Fatalf("outstanding sessions = %d, want 0", n)
	}
	if n := r.wheel.Len(); n != 0 {
		t.Fatalf("outstanding timers = %d, want 0", n)
	}
}

// Property 2: a handler that responds twice emits exactly one wire record.
func TestDoubleRespondIsNoop(t *testing.T) {
	r := newRig(t)

	_ = r.server.RegisterHandler("Echo:echo", func(inv *Invocation) {
		_ = inv.Respond(0, []byte("first"))
		_ = inv.Respond(0, []byte("second"))
	})

	lh, _ := r.driver.Bind(t.Context(), "mem://echo")
	ch, _ := r.driver.Connect(t.Context(), "mem://echo")
	r.route(lh, r.server)
	r.route(ch, r.client)

	calls := 0
	var gotBody []byte
	_, err := r.client.SendRequest(ch, callHead("Echo:echo"), nil, func(ret int32, body []byte) {
		calls++
		gotBody = body
	}, 1000)
	if err != nil {
		t.Fatalf("send request: %v", err)
	}
	r.pump(overload.None)

	if calls != 1 || string(gotBody) != "first" {
		t.Fatalf("callback fired %d times with %q, want once with \"first\"", calls, gotBody)
	}
}

// S2: slow handler vs short client timeout. The client sees
// REQUEST_TIMEOUT; once the server's processing ceiling passes, the
// handler's eventual response is a no-op and nothing reaches the wire.
func TestClientTimeoutThenLateResponseDropped(t *testing.T) {
	r := newRig(t, WithProcessTimeout(1000))

	_ = r.server.RegisterHandler("Slow:sleep", func(inv *Invocation) {
		_ = inv.Sleep(2000)
		_ = inv.Respond(0, []byte("too late"))
	})

	lh, _ := r.driver.Bind(t.Context(), "mem://slow")
	ch, _ := r.driver.Connect(t.Context(), "mem://slow")
	r.route(lh, r.server)
	r.route(ch, r.client)

	var (
		calls  int
		gotRet int32
	)
	_, err := r.client.SendRequest(ch, callHead("Slow:sleep"), nil, func(ret int32, body []byte) {
		calls++
		gotRet = ret
	}, 500)
	if err != nil {
		t.Fatalf("send request: %v", err)
	}
	r.pump(overload.None) // handler dispatched, now suspended in Sleep

	r.clock.Advance(600 * time.Millisecond)
	r.tick() // client request timer fires
	if calls != 1 || gotRet != int32(rpcerr.RequestTimeout) {
		t.Fatalf("after 600ms: calls=%d ret=%d, want REQUEST_TIMEOUT once", calls, gotRet)
	}

	r.clock.Advance(500 * time.Millisecond)
	r.tick() // server processing ceiling fires, session reclaimed
	if n := r.server.SessionCount(); n != 0 {
		t.Fatalf("server sessions after process timeout = %d, want 0", n)
	}

	r.clock.Advance(1000 * time.Millisecond)
	r.tick() // sleep expires, handler responds into a dead session

	if got := r.pump(overload.None); got != 0 {
		t.Fatalf("late response leaked %d wire records, want 0", got)
	}
	if calls != 1 {
		t.Fatalf("callback fired %d times total, want exactly 1", calls)
	}
}

// S5: a REPLY whose session is already gone is dropped without a callback.
func TestLateReplyDropped(t *testing.T) {
	r := newRig(t)

	lh, _ := r.driver.Bind(t.Context(), "mem://x")
	ch, _ := r.driver.Connect(t.Context(), "mem://x")
	r.route(lh, r.server)
	r.route(ch, r.client)

	stale := wire.NewHead(wire.Reply, "", 424242)
	setCodecHeader(stale, CodecBinary)
	buf, err := stale.Encode(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	err = r.client.OnMessage(ch, buf, transport.ExternInfo{SelfHandle: ch}, overload.None)
	if rerr, ok := err.(*rpcerr.Error); !ok || rerr.Code != rpcerr.SessionNotFound {
		t.Fatalf("expected SESSION_NOT_FOUND, got %v", err)
	}
}

// S6: an overloaded CALL is rejected with SYSTEM_OVERLOAD before the
// handler runs, leaving the coroutine population unchanged.
func TestOverloadRejection(t *testing.T) {
	r := newRig(t)

	handlerRuns := 0
	_ = r.server.RegisterHandler("Busy:work", func(inv *Invocation) {
		handlerRuns++
		_ = inv.Sleep(60_000) // park forever, simulating the stuck first call
		_ = inv.Respond(0, nil)
	})

	lh, _ := r.driver.Bind(t.Context(), "mem://busy")
	ch, _ := r.driver.Connect(t.Context(), "mem://busy")
	r.route(lh, r.server)
	r.route(ch, r.client)

	// First call is admitted and parks its coroutine.
	_, _ = r.client.SendRequest(ch, callHead("Busy:work"), nil, func(int32, []byte) {}, 120_000)
	r.pump(overload.None)
	if n := r.sched.Count(); n != 1 {
		t.Fatalf("parked coroutines = %d, want 1", n)
	}

	gov, err := overload.New(r.sched, nil, overload.WithTaskCeiling(1))
	if err != nil {
		t.Fatalf("governor: %v", err)
	}
	mask := gov.Sample(t.Context(), time.Time{})
	if !mask.Has(overload.TaskOverload) {
		t.Fatalf("mask = %v, want TASK_OVERLOAD set", mask)
	}

	var gotRet int32
	_, _ = r.client.SendRequest(ch, callHead("Busy:work"), nil, func(ret int32, body []byte) {
		gotRet = ret
	}, 120_000)
	r.pump(mask)

	if gotRet != int32(rpcerr.SystemOverload) {
		t.Fatalf("second call ret = %d, want SYSTEM_OVERLOAD", gotRet)
	}
	if handlerRuns != 1 {
		t.Fatalf("handler ran %d times, want 1 (rejected call must not execute)", handlerRuns)
	}
	if n := r.sched.Count(); n != 1 {
		t.Fatalf("coroutine count after rejection = %d, want unchanged 1", n)
	}
}

// S7: a handler issues a nested outbound CALL, awaits its reply, and the
// original client still receives exactly one REPLY; the inner session is
// reclaimed.
func TestNestedCall(t *testing.T) {
	r := newRig(t)
	inner := New(r.driver, r.sched, r.wheel, nil)

	_ = inner.RegisterHandler("Inner:echo", func(inv *Invocation) {
		_ = inv.Respond(0, append([]byte("inner:"), inv.Payload...))
	})

	innerListen, _ := r.driver.Bind(t.Context(), "mem://inner")
	innerConn, _ := r.driver.Connect(t.Context(), "mem://inner")
	r.route(innerListen, inner)
	r.route(innerConn, r.server)

	_ = r.server.RegisterHandler("Outer:call", func(inv *Invocation) {
		ret, body, err := inv.Call(innerConn, "Inner:echo", inv.Payload, 5000)
		if err != nil || ret != 0 {
			_ = inv.Respond(int32(rpcerr.SendFailed), nil)
			return
		}
		_ = inv.Respond(0, body)
	})

	lh, _ := r.driver.Bind(t.Context(), "mem://outer")
	ch, _ := r.driver.Connect(t.Context(), "mem://outer")
	r.route(lh, r.server)
	r.route(ch, r.client)

	var (
		calls   int
		gotBody []byte
	)
	_, err := r.client.SendRequest(ch, callHead("Outer:call"), []byte("x"), func(ret int32, body []byte) {
		calls++
		gotBody = body
	}, 5000)
	if err != nil {
		t.Fatalf("send request: %v", err)
	}

	// Each pump round moves the chain one hop; loop until it settles.
	for i := 0; i < 8 && calls == 0; i++ {
		r.pump(overload.None)
	}

	if calls != 1 {
		t.Fatalf("outer callback fired %d times, want 1", calls)
	}
	if string(gotBody) != "inner:x" {
		t.Fatalf("body = %q, want \"inner:x\"", gotBody)
	}
	if n := r.server.SessionCount() + inner.SessionCount() + r.client.SessionCount(); n != 0 {
		t.Fatalf("outstanding sessions = %d, want 0", n)
	}
}

// A CALL framed with a header version beyond the decoder's maximum is
// answered with an UNSUPPORTED_VERSION exception carrying the caller's
// session id, rather than silently dropped like other decode failures.
func TestUnsupportedVersionCallGetsException(t *testing.T) {
	r := newRig(t)

	lh, _ := r.driver.Bind(t.Context(), "mem://ver")
	ch, _ := r.driver.Connect(t.Context(), "mem://ver")
	r.route(lh, r.server)

	head := wire.NewHead(wire.Call, "Echo:echo", 424242)
	setCodecHeader(head, CodecBinary)
	raw, err := head.Encode(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw[0] = wire.CurrentVersion + 1

	if err := r.driver.Send(ch, raw, 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, info, ok, err := r.driver.Recv(lh)
	if err != nil || !ok {
		t.Fatalf("recv call: ok=%v err=%v", ok, err)
	}

	err = r.server.OnMessage(lh, msg, info, overload.None)
	if rerr, ok := err.(*rpcerr.Error); !ok || rerr.Code != rpcerr.UnsupportedVersion {
		t.Fatalf("expected UNSUPPORTED_VERSION, got %v", err)
	}

	reply, _, ok, err := r.driver.Recv(ch)
	if err != nil || !ok {
		t.Fatalf("no exception on the wire: ok=%v err=%v", ok, err)
	}
	got, n, err := wire.Decode(reply)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if got.MessageType != wire.Exception {
		t.Fatalf("reply type = %v, want EXCEPTION", got.MessageType)
	}
	if got.SessionID != 424242 {
		t.Fatalf("reply session_id = %d, want 424242", got.SessionID)
	}
	exc, err := codecFor(CodecBinary).DecodeException(reply[n:])
	if err != nil {
		t.Fatalf("decode exception body: %v", err)
	}
	if exc.ErrorCode != int32(rpcerr.UnsupportedVersion) {
		t.Fatalf("exception code = %d, want UNSUPPORTED_VERSION", exc.ErrorCode)
	}

	// A REPLY with the same future version stays a silent drop.
	stale := wire.NewHead(wire.Reply, "", 7)
	setCodecHeader(stale, CodecBinary)
	raw, _ = stale.Encode(nil)
	raw[0] = wire.CurrentVersion + 1
	_ = r.driver.Send(ch, raw, 0)
	msg, info, _, _ = r.driver.Recv(lh)
	_ = r.server.OnMessage(lh, msg, info, overload.None)
	if _, _, ok, _ := r.driver.Recv(ch); ok {
		t.Fatal("future-version REPLY must not be answered")
	}
}

// Unknown function on a CALL surfaces UNSUPPORT_FUNCTION to the client.
func TestUnsupportedFunction(t *testing.T) {
	r := newRig(t)

	lh, _ := r.driver.Bind(t.Context(), "mem://none")
	ch, _ := r.driver.Connect(t.Context(), "mem://none")
	r.route(lh, r.server)
	r.route(ch, r.client)

	var gotRet int32
	_, _ = r.client.SendRequest(ch, callHead("No:such"), nil, func(ret int32, body []byte) {
		gotRet = ret
	}, 1000)
	r.pump(overload.None)

	if gotRet != int32(rpcerr.UnsupportFunction) {
		t.Fatalf("ret = %d, want UNSUPPORT_FUNCTION", gotRet)
	}
}

// Oneway requests run inline, never allocate a session, and never reply.
func TestOnewayInline(t *testing.T) {
	r := newRig(t)

	got := ""
	_ = r.server.RegisterHandler("Fire:forget", func(inv *Invocation) {
		got = string(inv.Payload)
		_ = inv.Respond(0, []byte("ignored")) // must be a no-op
	})

	lh, _ := r.driver.Bind(t.Context(), "mem://ow")
	ch, _ := r.driver.Connect(t.Context(), "mem://ow")
	r.route(lh, r.server)
	r.route(ch, r.client)

	head := wire.NewHead(wire.Oneway, "Fire:forget", 0)
	setCodecHeader(head, CodecBinary)
	if _, err := r.client.SendRequest(ch, head, []byte("payload"), nil, 0); err != nil {
		t.Fatalf("send oneway: %v", err)
	}
	r.pump(overload.None)

	if got != "payload" {
		t.Fatalf("handler saw %q, want \"payload\"", got)
	}
	if n := r.server.SessionCount(); n != 0 {
		t.Fatalf("oneway allocated %d sessions, want 0", n)
	}
	if got := r.pump(overload.None); got != 0 {
		t.Fatalf("oneway produced %d reply records, want 0", got)
	}
}
