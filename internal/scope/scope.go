// Package scope implements the structured-concurrency "task scope" used by
// every Connection and Server: a cancellation-cascading bundle of goroutines
// where no task outlives its scope and a scope's children are canceled and
// joined together. It is the Go analogue of the original's aio.Group.
package scope

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Scope bundles a set of goroutines under one cancellable context. Closing
// a Scope cancels every task spawned on it (and every child scope) and
// waits for the tasks spawned on it to return; tasks of child scopes are
// canceled but not waited for.
type Scope struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a root scope derived from parent. parent is typically
// context.Background() for a top-level Server, or a request context for a
// one-shot dial.
func New(parent context.Context) *Scope {
	ctx, cancel := context.WithCancel(parent)
	group, ctx := errgroup.WithContext(ctx)
	return &Scope{ctx: ctx, cancel: cancel, group: group}
}

// Child creates a new scope whose lifetime is bounded by s: canceling s
// cancels the child, but canceling the child does not affect s or its
// other children. This mirrors a Connection's scope being a child of its
// Server's scope.
func (s *Scope) Child() *Scope {
	return New(s.ctx)
}

// Context returns the scope's context. It is canceled when the scope is
// closed or when any task spawned on the scope returns a non-nil error.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Go spawns fn on the scope. fn should return promptly once s.Context() is
// done. If fn returns a non-nil error, the scope's context is canceled,
// which cascades to every other task on the scope (matching errgroup's
// fail-fast semantics — one background task's failure closes the owning
// connection).
func (s *Scope) Go(fn func(ctx context.Context) error) {
	s.group.Go(func() error {
		return fn(s.ctx)
	})
}

// Cancel cancels the scope's context without waiting for its tasks to
// return. Wait must still be called to observe completion.
func (s *Scope) Cancel() {
	s.cancel()
}

// Wait blocks until every task spawned on the scope has returned, then
// returns the first non-nil error (if any). Wait does not itself cancel
// the scope; call Cancel first (or rely on a task's own failure) to make
// the other tasks return promptly.
func (s *Scope) Wait() error {
	return s.group.Wait()
}

// Close cancels the scope and waits for all tasks to finish, discarding
// any error a task returned. Close is idempotent: canceling an
// already-canceled context is a no-op, and Wait on an already-drained
// group returns immediately.
func (s *Scope) Close() {
	s.cancel()
	_ = s.group.Wait()
}
