// Package overload implements the overload governor: two composable
// monitors sampled once per inbound message, producing a bitmask that
// internal/rpcengine is the sole authority over (reject, drop, or
// proceed). The monitors map onto the flow_control configuration section
// (task_threshold, message_expire_ms) and publish their trip counts as
// OpenTelemetry instruments.
package overload

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Mask bits, composable. The RPC engine maps these to rpcerr codes.
type Mask int32

const (
	None           Mask = 0
	TaskOverload   Mask = 1 << 0
	MessageExpired Mask = 1 << 1
)

func (m Mask) Has(bit Mask) bool { return m&bit != 0 }

// TaskCounter reports the current coroutine population; internal/coroutine's
// Scheduler.Count satisfies it directly.
type TaskCounter interface {
	Count() int
}

// Governor samples TaskCounter and message arrival age against configured
// ceilings and reports a Mask.
type Governor struct {
	tasks            TaskCounter
	taskCeiling      int
	messageExpireAge time.Duration

	taskOverloads   metric.Int64Counter
	messageExpiries metric.Int64Counter
}

// Option configures a Governor at construction.
type Option func(*Governor)

// WithTaskCeiling sets the coroutine-population ceiling at or above which
// TaskOverload is set. ceiling <= 0 disables the task monitor.
func WithTaskCeiling(ceiling int) Option {
	return func(g *Governor) { g.taskCeiling = ceiling }
}

// WithMessageExpireAge sets the max tolerated (now - arrived_at) age
// before MessageExpired is set. age <= 0 disables the age monitor.
func WithMessageExpireAge(age time.Duration) Option {
	return func(g *Governor) { g.messageExpireAge = age }
}

// New builds a Governor. meter may be nil, in which case overload events
// are not instrumented (tests commonly pass nil).
func New(tasks TaskCounter, meter metric.Meter, opts ...Option) (*Governor, error) {
	g := &Governor{tasks: tasks}
	for _, opt := range opts {
		opt(g)
	}
	if meter != nil {
		var err error
		g.taskOverloads, err = meter.Int64Counter(
			"pebble.overload.task_overload_total",
			metric.WithDescription("messages rejected due to coroutine population ceiling"),
		)
		if err != nil {
			return nil, err
		}
		g.messageExpiries, err = meter.Int64Counter(
			"pebble.overload.message_expired_total",
			metric.WithDescription("messages rejected due to arrival-age ceiling"),
		)
		if err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Sample evaluates both monitors for one inbound message and returns the
// resulting Mask. arrivedAt is the transport-reported arrival time; the
// zero Time disables the age check for this call.
func (g *Governor) Sample(ctx context.Context, arrivedAt time.Time) Mask {
	var mask Mask

	if g.taskCeiling > 0 && g.tasks != nil && g.tasks.Count() >= g.taskCeiling {
		mask |= TaskOverload
		if g.taskOverloads != nil {
			g.taskOverloads.Add(ctx, 1)
		}
	}

	if g.messageExpireAge > 0 && !arrivedAt.IsZero() {
		if time.Since(arrivedAt) > g.messageExpireAge {
			mask |= MessageExpired
			if g.messageExpiries != nil {
				g.messageExpiries.Add(ctx, 1)
			}
		}
	}

	return mask
}
