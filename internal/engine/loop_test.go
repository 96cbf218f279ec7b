package engine

import (
	"context"
	"testing"
	"time"

	"github.com/pebblerpc/pebble/internal/overload"
	"github.com/pebblerpc/pebble/internal/registry"
	"github.com/pebblerpc/pebble/internal/timer"
	"github.com/pebblerpc/pebble/internal/transport"
	"github.com/pebblerpc/pebble/internal/transport/memdriver"
)

type countingProcessor struct {
	messages [][]byte
	updates  int
}

func (p *countingProcessor) OnMessage(_ transport.Handle, msg []byte, _ transport.ExternInfo, _ overload.Mask) error {
	p.messages = append(p.messages, append([]byte(nil), msg...))
	return nil
}

func (p *countingProcessor) Update() int {
	p.updates++
	return 0
}

func newLoopRig(t *testing.T, cfg Config) (*Loop, *memdriver.Driver, *countingProcessor, transport.Handle) {
	t.Helper()
	d := memdriver.New(0)
	reg, err := registry.New(nil, 0)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	w := timer.New(nil)

	lh, err := d.Bind(t.Context(), "mem://svc")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	p := &countingProcessor{}
	if err := reg.Attach(lh, p); err != nil {
		t.Fatalf("attach: %v", err)
	}

	l := New(d, reg, w, nil, nil, cfg)
	return l, d, p, lh
}

func TestTickDispatchesThroughRegistry(t *testing.T) {
	l, d, p, _ := newLoopRig(t, Config{})
	ch, err := d.Connect(t.Context(), "mem://svc")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	_ = d.Send(ch, []byte("one"), 0)
	_ = d.Send(ch, []byte("two"), 0)

	work := l.Tick()
	if work < 2 {
		t.Fatalf("tick work = %d, want >= 2", work)
	}
	if len(p.messages) != 2 || string(p.messages[0]) != "one" || string(p.messages[1]) != "two" {
		t.Fatalf("processor saw %q, want [one two] in arrival order", p.messages)
	}
	if p.updates != 1 {
		t.Fatalf("processor Update ran %d times, want 1 per tick", p.updates)
	}
}

func TestPollStageBounded(t *testing.T) {
	l, d, p, _ := newLoopRig(t, Config{MaxMsgsPerLoop: 2})
	ch, _ := d.Connect(t.Context(), "mem://svc")
	for i := 0; i < 5; i++ {
		_ = d.Send(ch, []byte{byte(i)}, 0)
	}

	l.Tick()
	if len(p.messages) != 2 {
		t.Fatalf("first tick processed %d messages, want bounded at 2", len(p.messages))
	}
	l.Tick()
	l.Tick()
	if len(p.messages) != 5 {
		t.Fatalf("after three ticks processed %d messages, want all 5", len(p.messages))
	}
}

func TestTimerStageFires(t *testing.T) {
	d := memdriver.New(0)
	reg, _ := registry.New(nil, 0)
	base := time.Unix(0, 0)
	now := base
	w := timer.New(func() time.Time { return now })
	l := New(d, reg, w, nil, nil, Config{}, WithClock(func() time.Time { return now }))

	fired := false
	_, _ = w.Start(10, func() int32 {
		fired = true
		return -1
	})

	l.Tick()
	if fired {
		t.Fatal("timer fired before its deadline")
	}
	now = base.Add(20 * time.Millisecond)
	if work := l.Tick(); work != 1 || !fired {
		t.Fatalf("timer stage work=%d fired=%v, want 1/true", work, fired)
	}
}

func TestStopEndsRun(t *testing.T) {
	l, _, _, _ := newLoopRig(t, Config{IdleThreshold: 1, IdleSleep: time.Microsecond})

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	l.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v, want nil on graceful stop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after Stop")
	}
}

func TestReloadFiresBetweenTicks(t *testing.T) {
	reloads := 0
	d := memdriver.New(0)
	reg, _ := registry.New(nil, 0)
	w := timer.New(nil)
	l := New(d, reg, w, nil, nil, Config{}, WithReloadFunc(func() { reloads++ }))

	l.Tick()
	if reloads != 0 {
		t.Fatal("reload fired without a request")
	}
	l.RequestReload()
	l.Tick()
	l.Tick()
	if reloads != 1 {
		t.Fatalf("reload fired %d times, want exactly 1", reloads)
	}
}

func TestUnroutedMessageDropped(t *testing.T) {
	l, d, p, _ := newLoopRig(t, Config{})
	// A second bind with no attached processor.
	_, err := d.Bind(t.Context(), "mem://orphan")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	ch, _ := d.Connect(t.Context(), "mem://orphan")
	_ = d.Send(ch, []byte("lost"), 0)

	l.Tick()
	if len(p.messages) != 0 {
		t.Fatalf("processor saw %q for a foreign handle", p.messages)
	}
	// The message must be popped, not left to spin the loop forever.
	l.Tick()
	if n := l.Tick(); n != 0 {
		t.Fatalf("unrouted message still producing work: %d", n)
	}
}
