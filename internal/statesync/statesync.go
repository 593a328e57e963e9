// Package statesync implements the server-side state synchronization
// engine: a single loop that watches a Storage for changes, coalesces
// them per the configured autoflush delay, emits JSON-Patch diffs, and
// resolves flush barriers once the data observed at their enqueue point
// has been reflected on the wire. It is a function-for-function
// translation of the original's Connection._sync_loop.
package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"juggler/internal/queue"
)

// ErrDisconnected is returned by Flush, and delivered to every pending
// flush waiter, once the loop has stopped.
var ErrDisconnected = errors.New("statesync: disconnected")

// Storage is the subset of juggler.Storage the sync loop depends on,
// expressed as a local interface so this package never imports the root
// juggler package (which imports this one).
type Storage interface {
	Data() any
	RegisterChangeCb(cb func(data any)) (unregister func())
}

// DiffFunc computes a JSON-Patch-shaped diff from before to after. An
// empty (non-nil, zero-length) result means "no change to send".
type DiffFunc func(before, after any) (json.RawMessage, error)

// Emitter sends the wire {"type":"state","diff":...} message.
type Emitter func(ctx context.Context, diff json.RawMessage) error

// Config mirrors the autoflush_delay configuration: nil disables
// automatic synchronization entirely (flush-only); a pointer to 0 forces
// one wire update per observed change; a pointer to T>0 coalesces changes
// within windows up to T.
type Config struct {
	AutoflushDelay *time.Duration

	// OnEmit, if set, is called after every successful emit with the time
	// elapsed since this sync cycle started waiting (i.e. since the prior
	// cycle finished). Optional observability hook; see transport.Config's
	// On* hooks for why this is a callback rather than a metrics type.
	OnEmit func(latency time.Duration)
}

func (c Config) drainsQueue() bool {
	return c.AutoflushDelay == nil || *c.AutoflushDelay != 0
}

// Loop is one connection's sync engine.
type Loop struct {
	storage    Storage
	diff       DiffFunc
	emit       Emitter
	cfg        Config
	dataQ      *queue.Queue[any]
	flushQ     *queue.Queue[chan error]
	unregister func()
}

// New constructs a Loop watching storage. The caller must spawn Run on
// the connection's task scope.
func New(storage Storage, diff DiffFunc, emit Emitter, cfg Config) *Loop {
	l := &Loop{
		storage: storage,
		diff:    diff,
		emit:    emit,
		cfg:     cfg,
		dataQ:   queue.New[any](),
		flushQ:  queue.New[chan error](),
	}
	l.unregister = storage.RegisterChangeCb(func(data any) {
		_ = l.dataQ.Put(data)
	})
	_ = l.dataQ.Put(storage.Data())
	return l
}

// Flush enqueues a flush barrier and blocks until a sync cycle after its
// enqueue point has run, or the loop stops.
func (l *Loop) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	if err := l.flushQ.Put(done); err != nil {
		return ErrDisconnected
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the sync loop until ctx is done or emit/diff fails. On
// return, every pending and in-flight flush waiter is failed with
// ErrDisconnected and the change-callback registration is released.
func (l *Loop) Run(ctx context.Context) error {
	var (
		synced      any
		data        any
		flushWaiter chan error
	)

	runErr := l.run(ctx, &synced, &data, &flushWaiter)
	l.finish(flushWaiter)
	return runErr
}

func (l *Loop) run(ctx context.Context, synced, data *any, flushWaiter *chan error) error {
	for {
		cycleStart := time.Now()
		gotNew := false

		// When AutoflushDelay is nil, automatic synchronization is disabled
		// entirely: a bare storage mutation must never trigger emission, so
		// the data queue is left out of the select and only a flush can wake
		// this loop. Changes still accumulate in dataQ and are picked up by
		// the unconditional drain below once a flush does arrive.
		var dataWait <-chan struct{}
		if l.cfg.AutoflushDelay != nil {
			dataWait = l.dataQ.Wait()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-dataWait:
			if v, ok := l.dataQ.GetNowait(); ok {
				*data = v
				gotNew = true
			}

		case <-l.flushQ.Wait():
			w, ok := l.flushQ.GetNowait()
			if !ok {
				continue
			}
			*flushWaiter = w

			if l.cfg.AutoflushDelay != nil {
				delay := *l.cfg.AutoflushDelay
				if delay > 0 {
					timer := time.NewTimer(delay)
					select {
					case <-l.dataQ.Wait():
						timer.Stop()
						if v, ok := l.dataQ.GetNowait(); ok {
							*data = v
							gotNew = true
						}
					case <-timer.C:
					case <-ctx.Done():
						timer.Stop()
						return ctx.Err()
					}
				}
			}
			// AutoflushDelay == nil: no timeout wait at all; proceed with
			// whatever data is already held.
		}

		if l.cfg.drainsQueue() {
			for {
				v, ok := l.dataQ.GetNowait()
				if !ok {
					break
				}
				*data = v
				gotNew = true
			}
		}

		if gotNew {
			diff, err := l.diff(*synced, *data)
			if err != nil {
				return err
			}
			*synced = *data
			if len(diff) > 0 {
				if err := l.emit(ctx, diff); err != nil {
					return err
				}
				if l.cfg.OnEmit != nil {
					l.cfg.OnEmit(time.Since(cycleStart))
				}
			}
		}

		if *flushWaiter != nil {
			select {
			case *flushWaiter <- nil:
			default:
			}
			*flushWaiter = nil
		}
	}
}

// finish releases the change-callback registration and fails every flush
// waiter — the one in flight (if any) and every one still queued — with
// ErrDisconnected, matching the original's drain-and-fail-on-close
// behavior.
func (l *Loop) finish(flushWaiter chan error) {
	l.unregister()
	l.dataQ.Close()
	l.flushQ.Close()

	if flushWaiter != nil {
		select {
		case flushWaiter <- ErrDisconnected:
		default:
		}
	}
	for {
		w, ok := l.flushQ.GetNowait()
		if !ok {
			break
		}
		select {
		case w <- ErrDisconnected:
		default:
		}
	}
}
