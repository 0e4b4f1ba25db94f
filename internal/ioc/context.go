package ioc

import (
	"container/list"
	"sync/atomic"
)

// cicKey identifies the registry a device context belongs to. Once the
// registry goes away the context gets a dead key that only remembers the
// slot id, so readers holding the context can tell it is stale.
type cicKey struct {
	reg   *Registry
	index int
}

func (k *cicKey) dead() bool {
	return k.reg == nil
}

// Context is implemented by scheduler device contexts, which embed DevContext.
type Context interface {
	DevIOContext() *DevContext
}

// DevContext is the generic part of the per (io context, queue) state.
type DevContext struct {
	ioc     *IOContext
	key     atomic.Pointer[cicKey]
	builder *Builder
	self    Context

	// registry list membership, guarded by the queue lock
	elem   *list.Element
	linked atomic.Bool

	freed atomic.Bool
}

// DevIOContext implements Context
func (d *DevContext) DevIOContext() *DevContext {
	return d
}

// IOContext returns the io context owning d
func (d *DevContext) IOContext() *IOContext {
	return d.ioc
}

// Registry returns the registry d is linked to, or nil once d is dead
func (d *DevContext) Registry() *Registry {
	k := d.key.Load()
	if k == nil {
		return nil
	}
	return k.reg
}

// Dead reports whether d has been unlinked from its registry
func (d *DevContext) Dead() bool {
	k := d.key.Load()
	return k != nil && k.dead()
}

// Linked reports whether d is on its queue's teardown list
func (d *DevContext) Linked() bool {
	return d.linked.Load()
}

// Freed reports whether d has been handed back to its builder
func (d *DevContext) Freed() bool {
	return d.freed.Load()
}
