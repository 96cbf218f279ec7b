// Package transport defines the abstract message transport facade:
// handle-based bind/connect/send/recv/poll primitives that concrete
// drivers (internal/transport/memdriver, internal/transport/wsdriver)
// implement.
package transport

import (
	"context"
	"time"
)

// Handle identifies one endpoint of a bound or connected address, as
// returned by Bind/Connect/Recv.
type Handle int64

// InvalidHandle is returned on failed Bind/Connect.
const InvalidHandle Handle = -1

// ExternInfo travels alongside a received message, carrying routing
// metadata the RPC engine and broadcast manager need without parsing the
// payload.
type ExternInfo struct {
	SelfHandle   Handle
	RemoteHandle Handle
	ArrivedAt    time.Time
	Src          any // opaque, set by the dispatcher that delivered the message
}

// Event is what Poll reports for a handle.
type Event int32

const (
	EventNone Event = 0
	EventIn   Event = 1 << (iota - 1)
	EventOut
	EventErr
	EventClosed
)

// Driver is the pluggable transport backend. Implementations must be
// safe for concurrent use by multiple goroutines since Send/Recv/Poll may
// be called from both the main loop and background I/O goroutines.
type Driver interface {
	// Bind creates a listening/receiving endpoint at url and returns its handle.
	Bind(ctx context.Context, url string) (Handle, error)

	// Connect creates an outbound endpoint to url and returns its handle.
	Connect(ctx context.Context, url string) (Handle, error)

	// Send enqueues msg for delivery on handle. flag is driver-specific
	// (e.g. urgent/oneway hints); 0 is the default.
	Send(handle Handle, msg []byte, flag int32) error

	// SendV is the scatter-gather form of Send, used to avoid an extra
	// copy when a caller already has a header and payload as separate
	// buffers.
	SendV(handle Handle, frags [][]byte, flag int32) error

	// Recv pops and returns the oldest queued message for handle, or
	// (nil, false, nil) if none is queued.
	Recv(handle Handle) (msg []byte, info ExternInfo, ok bool, err error)

	// Peek returns the oldest queued message without removing it.
	Peek(handle Handle) (msg []byte, info ExternInfo, ok bool, err error)

	// Pop discards the oldest queued message for handle.
	Pop(handle Handle) error

	// Close releases handle and any buffered messages for it.
	Close(handle Handle) error

	// Poll blocks up to timeout for the next readiness event across all
	// handles owned by this driver, or returns EventNone on timeout.
	// timeout < 0 blocks indefinitely; timeout == 0 never blocks.
	Poll(timeout time.Duration) (Handle, Event, error)

	// UsedSize reports the current and maximum queued-message counts for
	// handle's receive buffer, for overload accounting.
	UsedSize(handle Handle) (used, max int, err error)
}

// ResultReporter lets a caller record timing feedback for a handle.
// Drivers that don't track per-call latency may implement this as a no-op.
type ResultReporter interface {
	ReportHandleResult(handle Handle, result int32, timeCostMs int64) error
}
