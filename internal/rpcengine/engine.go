// Package rpcengine implements the RPC engine: header codec glue, request
// dispatch into coroutines, response correlation with per-call timeouts,
// oneway semantics, and broadcast send. The engine is an explicit
// collaborator, not a process-wide singleton; one process may run several
// over the same driver.
package rpcengine

import (
	"context"
	"log/slog"
	"time"

	"github.com/pebblerpc/pebble/internal/coroutine"
	"github.com/pebblerpc/pebble/internal/overload"
	"github.com/pebblerpc/pebble/internal/rpcerr"
	"github.com/pebblerpc/pebble/internal/session"
	"github.com/pebblerpc/pebble/internal/stats"
	"github.com/pebblerpc/pebble/internal/timer"
	"github.com/pebblerpc/pebble/internal/transport"
	"github.com/pebblerpc/pebble/internal/wire"
)

const (
	defaultRequestTimeoutMs = 10 * 1000
	defaultProcessTimeoutMs = 60 * 1000
)

// ResponseCallback receives the terminal outcome of an outbound CALL:
// ret == 0 with the reply payload; on an EXCEPTION the peer's error_code
// with the exception message as payload; or a local rpcerr code
// (REQUEST_TIMEOUT, DECODE_FAILED) with a nil payload. It fires exactly
// once per session.
type ResponseCallback func(ret int32, payload []byte)

// Handler is a registered service method. It runs inside a coroutine for
// CALL (so it may block on Invocation.Call/Sleep) and inline for ONEWAY.
type Handler func(inv *Invocation)

// Broadcaster is the channel manager surface the engine fans broadcasts
// out through; internal/broadcast.Manager satisfies it.
type Broadcaster interface {
	SendV(channel string, frags [][]byte, relay bool) error
}

type rpcSession struct {
	id         uint64
	eng        *Engine
	handle     transport.Handle
	startedAt  time.Time
	head       *wire.Head // inbound head (server) or outbound head (client)
	serverSide bool
	onResponse ResponseCallback
	codec      CodecID
}

// OnTimeout implements session.Handler. A fired deadline is terminal on
// either side, so the disposition is always remove.
func (s *rpcSession) OnTimeout(int64) session.Disposition {
	s.eng.sessionTimedOut(s)
	return -1
}

// Engine is the per-process RPC state machine. Like the rest of the core
// it is driven from the main-loop goroutine; timer callbacks arrive on
// that same goroutine via the shared wheel's Tick.
type Engine struct {
	driver transport.Driver
	sched  *coroutine.Scheduler
	log    *slog.Logger
	stats  *stats.Collector
	bcast  Broadcaster

	handlers    map[string]Handler
	sessions    *session.Manager
	nextSession uint64

	requestTimeoutMs int64
	processTimeoutMs int64
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithRequestTimeout sets the default client-side timeout applied when a
// SendRequest caller passes timeoutMs <= 0.
func WithRequestTimeout(ms int64) Option {
	return func(e *Engine) {
		if ms > 0 {
			e.requestTimeoutMs = ms
		}
	}
}

// WithProcessTimeout sets the server-side processing ceiling for a
// dispatched CALL; after it fires the handler's response is a no-op.
func WithProcessTimeout(ms int64) Option {
	return func(e *Engine) {
		if ms > 0 {
			e.processTimeoutMs = ms
		}
	}
}

// WithBroadcaster wires the channel manager used by BroadcastRequest.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) { e.bcast = b }
}

// WithStats wires the stats collaborator. nil is fine (records nothing).
func WithStats(c *stats.Collector) Option {
	return func(e *Engine) { e.stats = c }
}

// New builds an Engine over a transport driver, coroutine scheduler, and
// the loop's shared timer wheel.
func New(driver transport.Driver, sched *coroutine.Scheduler, timers *timer.Wheel, log *slog.Logger, opts ...Option) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		driver:           driver,
		sched:            sched,
		log:              log,
		handlers:         make(map[string]Handler),
		sessions:         session.New(timers),
		requestTimeoutMs: defaultRequestTimeoutMs,
		processTimeoutMs: defaultProcessTimeoutMs,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterHandler binds a "Service:method" function name to a handler.
// Registrations are static after init: re-binding a name is an error
// rather than a silent overwrite.
func (e *Engine) RegisterHandler(functionName string, h Handler) error {
	if functionName == "" || h == nil {
		return rpcerr.New(rpcerr.InvalidParam, "function name and handler required")
	}
	if _, exists := e.handlers[functionName]; exists {
		return rpcerr.New(rpcerr.InvalidParam, "handler already registered: "+functionName)
	}
	e.handlers[functionName] = h
	return nil
}

// SessionCount reports outstanding sessions (both sides), for diagnostics
// and tests.
func (e *Engine) SessionCount() int { return e.sessions.Len() }

// Update implements the per-tick driver stage of registry.Processor. The
// engine's own timers live on the shared wheel the loop already ticks, so
// there is nothing to drive here.
func (e *Engine) Update() int { return 0 }

// OnMessage decodes and dispatches one inbound transport message. mask is
// the overload governor's verdict for this message; the engine is the sole
// authority on what to do with it.
func (e *Engine) OnMessage(handle transport.Handle, buf []byte, info transport.ExternInfo, mask overload.Mask) error {
	head, headLen, err := wire.Decode(buf)
	if err != nil {
		// An unsupported version is the one decode failure that still gets
		// a wire reply, so the peer fails fast instead of timing out. The
		// message_type byte's position is treated as stable across
		// versions; only a CALL is answered.
		rerr, ok := err.(*rpcerr.Error)
		if ok && rerr.Code == rpcerr.UnsupportedVersion &&
			len(buf) >= 2 && wire.MessageType(buf[1]) == wire.Call {
			sid, _ := wire.PeekSessionID(buf)
			req := wire.NewHead(wire.Call, "", sid)
			e.sendException(replyHandleFor(handle, info), req, rpcerr.UnsupportedVersion, "")
			e.log.Warn("rpc: reject unsupported version", "handle", handle, "err", err)
			return err
		}
		e.log.Warn("rpc: drop undecodable message", "handle", handle, "err", err)
		return err
	}
	body := buf[headLen:]

	switch head.MessageType {
	case wire.Call, wire.Oneway:
		return e.processRequest(handle, head, body, info, mask)
	case wire.Reply, wire.Exception:
		return e.processResponse(head, body)
	}
	return nil
}

// replyHandleFor picks the handle replies and exceptions go back through:
// the peer handle the transport reported, not the listener the message
// arrived on.
func replyHandleFor(handle transport.Handle, info transport.ExternInfo) transport.Handle {
	if info.RemoteHandle != transport.InvalidHandle && info.RemoteHandle != 0 {
		return info.RemoteHandle
	}
	return handle
}

func (e *Engine) processRequest(handle transport.Handle, head *wire.Head, body []byte, info transport.ExternInfo, mask overload.Mask) error {
	ctx := context.Background()
	replyHandle := replyHandleFor(handle, info)

	if mask != overload.None && head.MessageType == wire.Call {
		code := rpcerr.SystemOverload
		if mask.Has(overload.MessageExpired) {
			code = rpcerr.MessageExpired
		}
		e.stats.Request(ctx, stats.ResultRejected)
		e.sendException(replyHandle, head, code, "")
		return nil
	}

	h, ok := e.handlers[head.FunctionName]
	if !ok {
		e.log.Warn("rpc: unsupported function", "function", head.FunctionName)
		e.stats.Request(ctx, stats.ResultRejected)
		if head.MessageType == wire.Call {
			e.sendException(replyHandle, head, rpcerr.UnsupportFunction, head.FunctionName)
		}
		return rpcerr.New(rpcerr.UnsupportFunction, head.FunctionName)
	}

	if head.MessageType == wire.Oneway {
		inv := &Invocation{
			eng:          e,
			FunctionName: head.FunctionName,
			Head:         head,
			Payload:      body,
			codec:        codecIDFromHead(head),
			oneway:       true,
			taskID:       coroutine.InvalidID,
		}
		h(inv)
		e.stats.Request(ctx, stats.ResultOK)
		return nil
	}

	// CALL: retain a server-side session so the response can be correlated
	// and bounded by the processing timeout, then run the handler in its
	// own coroutine so it may suspend. The transport buffer is only
	// borrowed until pop, and the coroutine can outlive that, so the
	// payload is copied here.
	sess := e.addSession(replyHandle, head, true, nil, e.processTimeoutMs)
	e.stats.InflightDelta(ctx, 1)

	inv := &Invocation{
		eng:          e,
		FunctionName: head.FunctionName,
		Head:         head,
		Payload:      append([]byte(nil), body...),
		codec:        codecIDFromHead(head),
		sessionID:    sess.id,
	}
	taskID := e.sched.Spawn(func(_ *coroutine.Scheduler, self int64) {
		inv.taskID = self
		h(inv)
	})
	if err := e.sched.Resume(taskID, 0); err != nil {
		e.removeSession(sess.id)
		e.stats.InflightDelta(ctx, -1)
		return err
	}
	return nil
}

func (e *Engine) processResponse(head *wire.Head, body []byte) error {
	sess := e.lookupSession(head.SessionID)
	if sess == nil || sess.serverSide {
		// Late reply after timeout, or a duplicate: drop.
		e.log.Debug("rpc: drop response for unknown session", "session_id", head.SessionID)
		return rpcerr.New(rpcerr.SessionNotFound, "")
	}
	e.removeSession(sess.id)

	ret := int32(0)
	payload := body
	if head.MessageType == wire.Exception {
		exc, err := codecFor(codecIDFromHead(head)).DecodeException(body)
		if err != nil {
			e.log.Warn("rpc: undecodable exception body", "session_id", head.SessionID, "err", err)
			ret = int32(rpcerr.DecodeFailed)
			payload = nil
		} else {
			ret = exc.ErrorCode
			payload = []byte(exc.Message)
		}
	}
	if sess.onResponse != nil {
		sess.onResponse(ret, payload)
	}
	return nil
}

// SendRequest emits a CALL (or ONEWAY, when onResponse is nil) on handle.
// The head's message type and session id are set here; the caller supplies
// function name, codec header, and any application headers. Returns the
// session id (0 for oneway).
func (e *Engine) SendRequest(handle transport.Handle, head *wire.Head, payload []byte, onResponse ResponseCallback, timeoutMs int64) (uint64, error) {
	if head == nil || head.FunctionName == "" {
		return 0, rpcerr.New(rpcerr.InvalidParam, "head with function_name required")
	}

	if onResponse == nil {
		head.MessageType = wire.Oneway
		head.SessionID = 0
		return 0, e.emit(handle, head, payload)
	}

	head.MessageType = wire.Call
	if timeoutMs <= 0 {
		timeoutMs = e.requestTimeoutMs
	}
	sess := e.addSession(handle, head, false, onResponse, timeoutMs)
	head.SessionID = sess.id

	if err := e.emit(handle, head, payload); err != nil {
		e.removeSession(sess.id)
		return 0, err
	}
	return sess.id, nil
}

// BroadcastRequest fans a framed request out over a channel: local
// subscribers first, then relay to peer servers. No session is kept; no
// reply is expected.
func (e *Engine) BroadcastRequest(channel string, head *wire.Head, payload []byte) error {
	if e.bcast == nil {
		return rpcerr.New(rpcerr.InvalidParam, "no broadcaster wired")
	}
	if head == nil || head.FunctionName == "" {
		return rpcerr.New(rpcerr.InvalidParam, "head with function_name required")
	}
	head.MessageType = wire.Oneway
	head.SessionID = 0
	hbuf, err := head.Encode(nil)
	if err != nil {
		return err
	}
	return e.bcast.SendV(channel, [][]byte{hbuf, payload}, true)
}

// SendResponse completes a server-side session: REPLY when ret == 0,
// EXCEPTION wrapping (ret, payload-as-message) otherwise. Exactly one wire
// record is emitted per session; calls after timeout or a prior response
// are no-ops (the session is already gone).
func (e *Engine) SendResponse(sessionID uint64, ret int32, payload []byte) error {
	sess := e.lookupSession(sessionID)
	if sess == nil || !sess.serverSide {
		e.log.Debug("rpc: send_response on dead session", "session_id", sessionID)
		return nil
	}
	e.removeSession(sessionID)
	e.stats.InflightDelta(context.Background(), -1)

	resp := wire.NewHead(wire.Reply, "", sess.head.SessionID)
	setCodecHeader(resp, sess.codec)
	body := payload
	if ret != 0 {
		resp.MessageType = wire.Exception
		var err error
		body, err = codecFor(sess.codec).EncodeException(RpcException{ErrorCode: ret, Message: string(payload)})
		if err != nil {
			e.log.Error("rpc: encode exception failed", "session_id", sessionID, "err", err)
			e.stats.Response(context.Background(), stats.ResultDropped)
			return nil
		}
	}

	if err := e.emit(sess.handle, resp, body); err != nil {
		// Encode/send failures on the response path are logged and treated
		// as oneway drops; the caller can do nothing useful.
		e.log.Error("rpc: send response failed", "session_id", sessionID, "err", err)
		e.stats.Response(context.Background(), stats.ResultDropped)
		return nil
	}
	result := stats.ResultOK
	if ret != 0 {
		result = stats.ResultException
	}
	e.stats.Response(context.Background(), result)
	return nil
}

func (e *Engine) sendException(handle transport.Handle, req *wire.Head, code rpcerr.Code, msg string) {
	codec := codecIDFromHead(req)
	resp := wire.NewHead(wire.Exception, "", req.SessionID)
	setCodecHeader(resp, codec)
	body, err := codecFor(codec).EncodeException(RpcException{ErrorCode: int32(code), Message: msg})
	if err != nil {
		e.log.Error("rpc: encode exception failed", "code", code, "err", err)
		return
	}
	if err := e.emit(handle, resp, body); err != nil {
		e.log.Warn("rpc: send exception failed", "code", code, "err", err)
	}
}

func (e *Engine) emit(handle transport.Handle, head *wire.Head, payload []byte) error {
	hbuf, err := head.Encode(nil)
	if err != nil {
		return err
	}
	return e.driver.SendV(handle, [][]byte{hbuf, payload}, 0)
}

func (e *Engine) addSession(handle transport.Handle, head *wire.Head, serverSide bool, onResponse ResponseCallback, timeoutMs int64) *rpcSession {
	e.nextSession++
	sess := &rpcSession{
		id:         e.nextSession,
		eng:        e,
		handle:     handle,
		startedAt:  time.Now(),
		head:       head,
		serverSide: serverSide,
		onResponse: onResponse,
		codec:      codecIDFromHead(head),
	}
	if err := e.sessions.Add(int64(sess.id), sess, timeoutMs); err != nil {
		e.log.Error("rpc: register session failed", "session_id", sess.id, "err", err)
	}
	return sess
}

func (e *Engine) lookupSession(id uint64) *rpcSession {
	h := e.sessions.Get(int64(id))
	if h == nil {
		return nil
	}
	return h.(*rpcSession)
}

func (e *Engine) removeSession(id uint64) {
	e.sessions.Remove(int64(id))
}

// sessionTimedOut runs from the session manager's OnTimeout dispatch; the
// manager removes the entry once it returns, so any later SendResponse or
// reply for this id finds nothing.
func (e *Engine) sessionTimedOut(sess *rpcSession) {
	ctx := context.Background()
	if sess.serverSide {
		// Processing ceiling hit: any later SendResponse is a no-op.
		e.log.Warn("rpc: server-side processing timeout", "session_id", sess.id,
			"function", sess.head.FunctionName,
			"elapsed", time.Since(sess.startedAt).String())
		e.stats.Request(ctx, stats.ResultTimeout)
		e.stats.InflightDelta(ctx, -1)
		return
	}
	e.log.Debug("rpc: request timeout", "session_id", sess.id, "function", sess.head.FunctionName)
	e.stats.Request(ctx, stats.ResultTimeout)
	if sess.onResponse != nil {
		sess.onResponse(int32(rpcerr.RequestTimeout), nil)
	}
}

// Invocation is what a Handler receives: the decoded request plus the
// blocking helpers that make handler code synchronous-style. It is only
// valid for the duration of the handler body.
type Invocation struct {
	eng          *Engine
	FunctionName string
	Head         *wire.Head
	Payload      []byte

	codec     CodecID
	sessionID uint64
	taskID    int64
	oneway    bool
	responded bool
}

// Codec reports which payload codec the caller used.
func (inv *Invocation) Codec() CodecID { return inv.codec }

// Respond sends this request's response: REPLY for ret == 0, EXCEPTION
// otherwise. For oneway requests and repeat calls it is a no-op.
func (inv *Invocation) Respond(ret int32, payload []byte) error {
	if inv.oneway || inv.responded {
		return nil
	}
	inv.responded = true
	return inv.eng.SendResponse(inv.sessionID, ret, payload)
}

// Call issues a nested outbound CALL and suspends the hosting coroutine
// until the reply, exception, or timeout arrives. Only valid inside a
// CALL handler (a coroutine); oneway handlers run inline and must not
// block the loop.
func (inv *Invocation) Call(handle transport.Handle, functionName string, payload []byte, timeoutMs int64) (int32, []byte, error) {
	if inv.taskID == coroutine.InvalidID {
		return 0, nil, rpcerr.New(rpcerr.InvalidParam, "blocking call outside coroutine")
	}
	head := wire.NewHead(wire.Call, functionName, 0)
	setCodecHeader(head, inv.codec)

	var (
		ret  int32
		body []byte
	)
	_, err := inv.eng.SendRequest(handle, head, payload, func(r int32, b []byte) {
		ret, body = r, b
		if err := inv.eng.sched.Resume(inv.taskID, 1); err != nil {
			inv.eng.log.Error("rpc: resume after response failed", "task", inv.taskID, "err", err)
		}
	}, timeoutMs)
	if err != nil {
		return 0, nil, err
	}

	// The per-call timer owns the deadline; the yield itself is unbounded.
	if _, err := inv.eng.sched.Yield(inv.taskID, -1); err != nil {
		return 0, nil, err
	}
	return ret, body, nil
}

// Sleep suspends the hosting coroutine for ms milliseconds.
func (inv *Invocation) Sleep(ms int64) error {
	if inv.taskID == coroutine.InvalidID {
		return rpcerr.New(rpcerr.InvalidParam, "sleep outside coroutine")
	}
	_, err := inv.eng.sched.Yield(inv.taskID, ms)
	return err
}
