// ============================================================================
// jobrelay Handler Registry
// ============================================================================
//
// Package: internal/registry
// File: registry.go
// Purpose: holds the set of lifecycle handlers that every notification round
//          fans out to.
//
// Concurrency:
//   The live set is copy-on-write. Register/Deregister serialize on mu, build
//   a new slice and publish it through an atomic pointer. Snapshot() is a
//   single atomic load, so dispatchers never share a lock with writers.
//
//   A dispatcher working from an older snapshot still completes its round
//   for a handler that has since been deregistered; the next round's
//   snapshot no longer contains it.
//
// ============================================================================

package registry

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/jobrelay/pkg/types"
)

// Handler receives job lifecycle notifications. Implementations must be safe
// for concurrent use across different jobs and must treat the job as
// read-only. A returned error is recorded as a handler failure; it never
// influences the mutation.
type Handler interface {
	OnJobCreating(ctx context.Context, job types.Job) error
	OnJobCreated(ctx context.Context, job types.Job) error
	OnJobDeleting(ctx context.Context, job types.Job) error
	OnJobDeleted(ctx context.Context, job types.Job) error
	OnJobAssignment(ctx context.Context, job types.Job, deviceScope string) error
}

// Named is implemented by handlers that want a stable label in logs and metrics.
type Named interface {
	Name() string
}

// Nop implements every hook as a no-op. Embed it to opt in to a subset.
type Nop struct{}

func (Nop) OnJobCreating(context.Context, types.Job) error           { return nil }
func (Nop) OnJobCreated(context.Context, types.Job) error            { return nil }
func (Nop) OnJobDeleting(context.Context, types.Job) error           { return nil }
func (Nop) OnJobDeleted(context.Context, types.Job) error            { return nil }
func (Nop) OnJobAssignment(context.Context, types.Job, string) error { return nil }

// Token identifies a registration. The zero Token is never issued.
type Token uint64

// Entry pairs a handler with the token and name captured at registration.
type Entry struct {
	Token   Token
	Name    string
	Handler Handler
}

// Registry is the fan-out set of handlers.
type Registry struct {
	mu      sync.Mutex              // serializes writers
	entries atomic.Pointer[[]Entry] // published, never mutated in place
	next    Token
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	empty := make([]Entry, 0)
	r.entries.Store(&empty)
	return r
}

// Register adds h to the fan-out set and returns its deregistration token.
// Registering the identical handler instance again is a no-op that returns
// the original token.
func (r *Registry) Register(h Handler) Token {
	if h == nil {
		panic("registry: nil handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.entries.Load()
	for _, e := range current {
		if sameInstance(e.Handler, h) {
			return e.Token
		}
	}

	r.next++
	entry := Entry{Token: r.next, Name: handlerName(h, r.next), Handler: h}

	updated := make([]Entry, len(current), len(current)+1)
	copy(updated, current)
	updated = append(updated, entry)
	r.entries.Store(&updated)

	return entry.Token
}

// Deregister removes the handler registered under token. In-flight
// invocations complete; no further rounds include it. It reports whether
// the token was registered.
func (r *Registry) Deregister(token Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.entries.Load()
	idx := -1
	for i, e := range current {
		if e.Token == token {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	updated := make([]Entry, 0, len(current)-1)
	updated = append(updated, current[:idx]...)
	updated = append(updated, current[idx+1:]...)
	r.entries.Store(&updated)
	return true
}

// Snapshot returns the registered handlers in registration order. The
// returned slice is shared and must not be modified.
func (r *Registry) Snapshot() []Entry {
	return *r.entries.Load()
}

// Lookup returns the entry registered under token.
func (r *Registry) Lookup(token Token) (Entry, bool) {
	for _, e := range r.Snapshot() {
		if e.Token == token {
			return e, true
		}
	}
	return Entry{}, false
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	return len(r.Snapshot())
}

// sameInstance compares handler identity without panicking on
// non-comparable dynamic types.
func sameInstance(a, b Handler) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

func handlerName(h Handler, token Token) string {
	if n, ok := h.(Named); ok && n.Name() != "" {
		return n.Name()
	}
	return fmt.Sprintf("%T#%d", h, token)
}
