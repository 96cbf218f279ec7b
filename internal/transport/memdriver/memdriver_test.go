package memdriver

import (
	"context"
	"testing"
	"time"
)

func TestBindConnectSendRecv(t *testing.T) {
	d := New(0)
	ctx := context.Background()

	server, err := d.Bind(ctx, "mem://svc")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	client, err := d.Connect(ctx, "mem://svc")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := d.Send(client, []byte("ping"), 0); err != nil {
		t.Fatalf("send: %v", err)
	}

	msg, info, ok, err := d.Recv(server)
	if err != nil || !ok {
		t.Fatalf("recv: ok=%v err=%v", ok, err)
	}
	if string(msg) != "ping" {
		t.Fatalf("msg = %q, want ping", msg)
	}
	if info.SelfHandle != server {
		t.Fatalf("SelfHandle = %v, want %v", info.SelfHandle, server)
	}

	// Reply using the remote handle the server learned from ExternInfo.
	if err := d.Send(info.RemoteHandle, []byte("pong"), 0); err != nil {
		t.Fatalf("reply send: %v", err)
	}
	reply, _, ok, err := d.Recv(client)
	if err != nil || !ok {
		t.Fatalf("reply recv: ok=%v err=%v", ok, err)
	}
	if string(reply) != "pong" {
		t.Fatalf("reply = %q, want pong", reply)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	d := New(0)
	ctx := context.Background()
	server, _ := d.Bind(ctx, "mem://svc")
	client, _ := d.Connect(ctx, "mem://svc")
	_ = d.Send(client, []byte("x"), 0)

	if _, _, ok, err := d.Peek(server); err != nil || !ok {
		t.Fatalf("peek: ok=%v err=%v", ok, err)
	}
	used, _, _ := d.UsedSize(server)
	if used != 1 {
		t.Fatalf("used = %d, want 1 after peek", used)
	}
	if err := d.Pop(server); err != nil {
		t.Fatalf("pop: %v", err)
	}
	used, _, _ = d.UsedSize(server)
	if used != 0 {
		t.Fatalf("used = %d, want 0 after pop", used)
	}
}

func TestPollReportsReadyHandle(t *testing.T) {
	d := New(0)
	ctx := context.Background()
	server, _ := d.Bind(ctx, "mem://svc")
	client, _ := d.Connect(ctx, "mem://svc")
	_ = d.Send(client, []byte("x"), 0)

	h, ev, err := d.Poll(time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if h != server || ev&1 == 0 {
		t.Fatalf("poll = (%v, %v), want (%v, EventIn)", h, ev, server)
	}
}

func TestPollTimesOut(t *testing.T) {
	d := New(0)
	h, ev, err := d.Poll(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if h != -1 || ev != 0 {
		t.Fatalf("poll = (%v, %v), want (InvalidHandle, EventNone)", h, ev)
	}
}

func TestSendToUnknownHandleFails(t *testing.T) {
	d := New(0)
	if err := d.Send(999, []byte("x"), 0); err == nil {
		t.Fatal("expected error sending to unknown handle")
	}
}

func TestConnectToUnboundAddressFails(t *testing.T) {
	d := New(0)
	if _, err := d.Connect(context.Background(), "mem://nope"); err == nil {
		t.Fatal("expected error connecting to unbound address")
	}
}

func TestInboxFullDropsWithError(t *testing.T) {
	d := New(1)
	ctx := context.Background()
	server, _ := d.Bind(ctx, "mem://svc")
	client, _ := d.Connect(ctx, "mem://svc")
	if err := d.Send(client, []byte("a"), 0); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := d.Send(client, []byte("b"), 0); err == nil {
		t.Fatal("expected second send to fail with full inbox")
	}
	_ = server
}

func TestCloseRemovesHandleAndBinding(t *testing.T) {
	d := New(0)
	ctx := context.Background()
	server, _ := d.Bind(ctx, "mem://svc")
	if err := d.Close(server); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := d.Connect(ctx, "mem://svc"); err == nil {
		t.Fatal("expected connect to fail after bind closed")
	}
}
