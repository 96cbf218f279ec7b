// Package memdriver implements an in-process transport.Driver for unit
// tests and single-process deployments that loop the RPC engine back on
// itself: a buffered mailbox per handle with FIFO semantics and
// drop-when-full backpressure, plus a paired client/server handle scheme
// so replies route without a shared address space.
package memdriver

import (
	"context"
	"sync"
	"time"

	"github.com/pebblerpc/pebble/internal/rpcerr"
	"github.com/pebblerpc/pebble/internal/transport"
)

const defaultMaxQueue = 1024

type queuedMsg struct {
	msg  []byte
	info transport.ExternInfo
}

type inbox struct {
	mu   sync.Mutex
	msgs []queuedMsg
	max  int
}

func newInbox(max int) *inbox {
	return &inbox{max: max}
}

func (b *inbox) push(msg []byte, info transport.ExternInfo) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) >= b.max {
		return false
	}
	b.msgs = append(b.msgs, queuedMsg{msg: msg, info: info})
	return true
}

func (b *inbox) peek() (queuedMsg, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) == 0 {
		return queuedMsg{}, false
	}
	return b.msgs[0], true
}

func (b *inbox) pop() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) == 0 {
		return false
	}
	b.msgs = b.msgs[1:]
	return true
}

func (b *inbox) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

// entry describes one handle: what it can receive on (inbox, nil for
// send-only relay handles) and where Send on this handle delivers to.
type entry struct {
	inbox        *inbox
	sendTo       transport.Handle
	remoteHandle transport.Handle // value the peer should use to address replies back to us
	url          string
}

// Driver is a loopback transport.Driver. The zero value is not usable;
// construct with New.
type Driver struct {
	mu       sync.Mutex
	next     int64
	entries  map[transport.Handle]*entry
	binds    map[string]transport.Handle
	ready    chan transport.Handle
	maxQueue int
}

// New builds an empty loopback driver. maxQueue <= 0 uses defaultMaxQueue.
func New(maxQueue int) *Driver {
	if maxQueue <= 0 {
		maxQueue = defaultMaxQueue
	}
	return &Driver{
		entries:  make(map[transport.Handle]*entry),
		binds:    make(map[string]transport.Handle),
		ready:    make(chan transport.Handle, 4096),
		maxQueue: maxQueue,
	}
}

func (d *Driver) allocLocked() transport.Handle {
	d.next++
	return transport.Handle(d.next)
}

func (d *Driver) Bind(_ context.Context, url string) (transport.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.binds[url]; exists {
		return transport.InvalidHandle, rpcerr.New(rpcerr.InvalidParam, "address already bound: "+url)
	}
	h := d.allocLocked()
	d.entries[h] = &entry{inbox: newInbox(d.maxQueue), sendTo: transport.InvalidHandle, url: url}
	d.binds[url] = h
	return h, nil
}

func (d *Driver) Connect(_ context.Context, url string) (transport.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	listenH, ok := d.binds[url]
	if !ok {
		return transport.InvalidHandle, rpcerr.New(rpcerr.InvalidParam, "address not bound: "+url)
	}
	clientH := d.allocLocked()
	serverSide := d.allocLocked()
	d.entries[clientH] = &entry{inbox: newInbox(d.maxQueue), sendTo: listenH, remoteHandle: serverSide, url: url}
	d.entries[serverSide] = &entry{inbox: nil, sendTo: clientH, remoteHandle: clientH, url: url}
	return clientH, nil
}

func (d *Driver) lookup(h transport.Handle) (*entry, error) {
	d.mu.Lock()
	e, ok := d.entries[h]
	d.mu.Unlock()
	if !ok {
		return nil, rpcerr.New(rpcerr.InvalidParam, "unknown handle")
	}
	return e, nil
}

func (d *Driver) deliver(h transport.Handle, msg []byte) error {
	e, err := d.lookup(h)
	if err != nil {
		return err
	}
	if e.sendTo == transport.InvalidHandle {
		return rpcerr.New(rpcerr.SendFailed, "handle has no peer to send to")
	}
	target, err := d.lookup(e.sendTo)
	if err != nil {
		return rpcerr.New(rpcerr.ConnectionClosed, "peer handle closed")
	}
	if target.inbox == nil {
		return rpcerr.New(rpcerr.SendFailed, "peer handle is not receivable")
	}
	if !target.inbox.push(msg, transport.ExternInfo{
		SelfHandle:   e.sendTo,
		RemoteHandle: e.remoteHandle,
		ArrivedAt:    time.Now(),
	}) {
		return rpcerr.New(rpcerr.SendBuffNotEnough, "peer inbox full")
	}
	select {
	case d.ready <- e.sendTo:
	default:
	}
	return nil
}

func (d *Driver) Send(handle transport.Handle, msg []byte, _ int32) error {
	return d.deliver(handle, msg)
}

func (d *Driver) SendV(handle transport.Handle, frags [][]byte, flag int32) error {
	total := 0
	for _, f := range frags {
		total += len(f)
	}
	joined := make([]byte, 0, total)
	for _, f := range frags {
		joined = append(joined, f...)
	}
	return d.deliver(handle, joined)
}

func (d *Driver) Recv(handle transport.Handle) ([]byte, transport.ExternInfo, bool, error) {
	e, err := d.lookup(handle)
	if err != nil {
		return nil, transport.ExternInfo{}, false, err
	}
	if e.inbox == nil {
		return nil, transport.ExternInfo{}, false, rpcerr.New(rpcerr.InvalidParam, "handle has no inbox")
	}
	qm, ok := e.inbox.peek()
	if !ok {
		return nil, transport.ExternInfo{}, false, nil
	}
	e.inbox.pop()
	return qm.msg, qm.info, true, nil
}

func (d *Driver) Peek(handle transport.Handle) ([]byte, transport.ExternInfo, bool, error) {
	e, err := d.lookup(handle)
	if err != nil {
		return nil, transport.ExternInfo{}, false, err
	}
	if e.inbox == nil {
		return nil, transport.ExternInfo{}, false, rpcerr.New(rpcerr.InvalidParam, "handle has no inbox")
	}
	qm, ok := e.inbox.peek()
	if !ok {
		return nil, transport.ExternInfo{}, false, nil
	}
	return qm.msg, qm.info, true, nil
}

func (d *Driver) Pop(handle transport.Handle) error {
	e, err := d.lookup(handle)
	if err != nil {
		return err
	}
	if e.inbox == nil {
		return rpcerr.New(rpcerr.InvalidParam, "handle has no inbox")
	}
	e.inbox.pop()
	return nil
}

func (d *Driver) Close(handle transport.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[handle]
	if !ok {
		return nil
	}
	delete(d.entries, handle)
	if e.url != "" {
		if bound, ok := d.binds[e.url]; ok && bound == handle {
			delete(d.binds, e.url)
		}
	}
	return nil
}

func (d *Driver) Poll(timeout time.Duration) (transport.Handle, transport.Event, error) {
	if timeout < 0 {
		h := <-d.ready
		return h, transport.EventIn, nil
	}
	select {
	case h := <-d.ready:
		return h, transport.EventIn, nil
	default:
	}
	if timeout == 0 {
		return transport.InvalidHandle, transport.EventNone, nil
	}
	select {
	case h := <-d.ready:
		return h, transport.EventIn, nil
	case <-time.After(timeout):
		return transport.InvalidHandle, transport.EventNone, nil
	}
}

func (d *Driver) UsedSize(handle transport.Handle) (used, max int, err error) {
	e, err := d.lookup(handle)
	if err != nil {
		return 0, 0, err
	}
	if e.inbox == nil {
		return 0, 0, nil
	}
	return e.inbox.size(), e.inbox.max, nil
}

// ReportHandleResult is a no-op: memdriver has no latency feedback loop
// to act on it.
func (d *Driver) ReportHandleResult(transport.Handle, int32, int64) error { return nil }
