package cachemgr

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// ResourceHandle is an externally visible identifier referring to a
// blob's or upscale's bytes. It must be released exactly once the entry
// that owns it stops being live (eviction, expiry, explicit delete, or
// store destruction), per spec.md §3's resource-handle invariant.
//
// Design notes (spec.md §9): the source's "object-URL" pattern is
// modeled here as a plain interface rather than tied to a browser
// target; a native Go process has no object-URL concept, so Release
// simply marks the handle released, once, on behalf of the owning store.
type ResourceHandle interface {
	ID() string
	Release()
}

// handle is the concrete ResourceHandle. A handle has exactly one
// owning entry, so instead of a reference count it carries a released
// flag that only ever transitions 0 -> 1; the flag is set atomically so
// Release is safe to call more than once without double-freeing
// observable state.
type handle struct {
	id       string
	released int32
	onRelease func()
}

func newHandle(onRelease func()) *handle {
	return &handle{id: uuid.NewString(), onRelease: onRelease}
}

func (h *handle) ID() string { return h.id }

// Release is idempotent: only the first call invokes onRelease.
func (h *handle) Release() {
	if atomic.CompareAndSwapInt32(&h.released, 0, 1) {
		if h.onRelease != nil {
			h.onRelease()
		}
	}
}
