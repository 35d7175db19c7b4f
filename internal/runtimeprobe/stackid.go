package runtimeprobe

import (
	"context"
	"runtime"
	"sync/atomic"
)

// StackID identifies one logical call stack for the per-goroutine
// coverage cache. The governing design keys its per-thread cache off a
// native thread handle and a weak reference into a reference queue;
// Go exposes neither, so a StackID is instead an opaque handle the
// caller allocates once per goroutine (typically at the top of a
// goroutine's entry function) and threads through context.Context.
// Dropping the handle (letting it become unreachable) is what stands in
// for "the thread died": NewStackID arranges a runtime.SetFinalizer on
// the handle that reports the goroutine's coverage cache to the exit
// watcher exactly as a dying thread's weak reference would enqueue.
type StackID struct {
	handle *stackHandle
}

type stackHandle struct {
	id uint64
}

var nextStackHandleID atomic.Uint64

func allocStackHandleID() uint64 {
	return nextStackHandleID.Add(1)
}

type stackIDContextKey struct{}

// NewStackID allocates a fresh StackID and registers a finalizer on it
// with the owning Probe, so that when the goroutine that created it
// exits (and nothing else retains the handle), the probe's exit watcher
// is notified and the goroutine's coverage cache is flushed, exactly as
// spec §4.2's weak-reference thread-exit detection describes.
func (p *Probe) NewStackID() StackID {
	h := &stackHandle{id: allocStackHandleID()}
	sid := StackID{handle: h}
	runtime.SetFinalizer(h, func(h *stackHandle) {
		p.onStackExit(StackID{handle: h})
	})
	return sid
}

// WithStackID attaches a StackID to ctx, so instrumented code that only
// has a context.Context can still reach Hit with the right cache key.
func WithStackID(ctx context.Context, id StackID) context.Context {
	return context.WithValue(ctx, stackIDContextKey{}, id)
}

// StackIDFromContext retrieves a StackID attached by WithStackID.
func StackIDFromContext(ctx context.Context) (StackID, bool) {
	id, ok := ctx.Value(stackIDContextKey{}).(StackID)
	return id, ok
}

func (p *Probe) onStackExit(id StackID) {
	p.cachesMu.Lock()
	tc, ok := p.caches[id]
	if ok {
		delete(p.caches, id)
	}
	p.cachesMu.Unlock()
	if ok {
		p.shipCache(id, tc)
	}
}
