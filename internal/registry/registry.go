// Package registry implements the processor registry: the main loop
// consults it after peek to route an inbound message to the processor that
// owns its handle. Handles are attached directly (one per listener) or
// indirectly through a router whose resolved address set changes over
// time; a bounded LRU memoizes router resolutions so the hot path stays a
// map hit.
package registry

import (
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pebblerpc/pebble/internal/overload"
	"github.com/pebblerpc/pebble/internal/rpcerr"
	"github.com/pebblerpc/pebble/internal/transport"
)

// Processor consumes inbound messages for the handles attached to it and
// gets one Update call per main-loop tick. internal/rpcengine.Engine
// satisfies it; internal/controlrpc registers a handler on an Engine
// rather than being a Processor itself.
type Processor interface {
	OnMessage(handle transport.Handle, msg []byte, info transport.ExternInfo, mask overload.Mask) error
	Update() int
}

// Router exposes a changing set of resolved transport handles under one
// name; the naming collaborator's address stream feeds it. Every handle a
// router currently resolves to routes to the processor the router was
// attached with.
type Router interface {
	Name() string
	Handles() []transport.Handle
}

const defaultCacheSize = 4096

type routerBinding struct {
	router Router
	proc   Processor
}

// Registry maps handles to processors. Not safe for concurrent use; the
// main loop owns it.
type Registry struct {
	log      *slog.Logger
	byHandle map[transport.Handle]Processor
	routers  []routerBinding
	resolved *lru.Cache[transport.Handle, Processor]
}

// New builds an empty registry. cacheSize <= 0 uses the default bound for
// the router-resolution cache.
func New(log *slog.Logger, cacheSize int) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[transport.Handle, Processor](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Registry{
		log:      log,
		byHandle: make(map[transport.Handle]Processor),
		resolved: cache,
	}, nil
}

// Attach binds a listener handle to a processor. Re-attaching a handle is
// an error; registrations are static after init.
func (r *Registry) Attach(h transport.Handle, p Processor) error {
	if p == nil {
		return rpcerr.New(rpcerr.InvalidParam, "nil processor")
	}
	if _, exists := r.byHandle[h]; exists {
		return rpcerr.New(rpcerr.InvalidParam, "handle already attached")
	}
	r.byHandle[h] = p
	return nil
}

// AttachRouter binds every handle a router resolves to, now and in the
// future, to a processor.
func (r *Registry) AttachRouter(router Router, p Processor) error {
	if router == nil || p == nil {
		return rpcerr.New(rpcerr.InvalidParam, "nil router or processor")
	}
	r.routers = append(r.routers, routerBinding{router: router, proc: p})
	for _, h := range router.Handles() {
		r.resolved.Add(h, p)
	}
	return nil
}

// Detach removes a direct handle binding and any cached router resolution
// for it, for use on transport disconnect.
func (r *Registry) Detach(h transport.Handle) {
	delete(r.byHandle, h)
	r.resolved.Remove(h)
}

// Lookup returns the processor owning handle. Direct attachments win over
// router resolutions; a router miss rescans the live router sets once and
// memoizes the answer.
func (r *Registry) Lookup(h transport.Handle) (Processor, bool) {
	if p, ok := r.byHandle[h]; ok {
		return p, true
	}
	if p, ok := r.resolved.Get(h); ok {
		return p, true
	}
	for _, rb := range r.routers {
		for _, rh := range rb.router.Handles() {
			if rh == h {
				r.resolved.Add(h, rb.proc)
				return rb.proc, true
			}
		}
	}
	return nil, false
}

// Update refreshes router-acquired handles and drives every attached
// processor's per-tick stage, returning the total work count reported.
func (r *Registry) Update() int {
	work := 0
	for _, rb := range r.routers {
		for _, h := range rb.router.Handles() {
			if _, ok := r.resolved.Peek(h); !ok {
				r.resolved.Add(h, rb.proc)
				work++
			}
		}
	}
	seen := make(map[Processor]struct{})
	for _, p := range r.byHandle {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		work += p.Update()
	}
	for _, rb := range r.routers {
		if _, dup := seen[rb.proc]; dup {
			continue
		}
		seen[rb.proc] = struct{}{}
		work += rb.proc.Update()
	}
	return work
}
