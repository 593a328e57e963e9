package juggler

import "sync"

// ChangeCb observes a Storage's current data every time it changes.
type ChangeCb func(data any)

// Registration is the handle returned by Storage.RegisterChangeCb.
// Unregister must be called on every exit path (typically via defer) to
// release the callback; calling it more than once is safe.
type Registration struct {
	once       sync.Once
	unregister func()
}

// Unregister releases the callback. Idempotent.
func (r *Registration) Unregister() {
	r.once.Do(func() {
		if r.unregister != nil {
			r.unregister()
		}
	})
}

// Storage is a mutable, observable JSON document: decoded JSON held as
// Go's `any` (nil/bool/float64/string/[]any/map[string]any). Mutations
// and reads must come from a single owning goroutine — in practice, the
// one driving the Connection(s) sharing it — except Data and Set
// themselves, which lock internally so a handler goroutine may read or
// write a shared Storage from outside the sync loop.
type Storage struct {
	mu   sync.Mutex
	data any
	next int
	cbs  map[int]ChangeCb
}

// NewStorage constructs a Storage whose initial value is JSON null.
func NewStorage() *Storage {
	return &Storage{cbs: make(map[int]ChangeCb)}
}

// NewStorageWithData constructs a Storage seeded with an initial value.
func NewStorageWithData(data any) *Storage {
	s := NewStorage()
	s.data = data
	return s
}

// Data returns the current value.
func (s *Storage) Data() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Set replaces the current value and invokes every registered callback
// synchronously, after the mutation is committed. A callback that
// mutates the Storage again (re-entrant Set) is permitted and produces a
// further round of callback invocations.
func (s *Storage) Set(data any) {
	s.mu.Lock()
	s.data = data
	cbs := make([]ChangeCb, 0, len(s.cbs))
	for _, cb := range s.cbs {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(data)
	}
}

// RegisterChangeCb registers cb to be called, with the new value, on
// every subsequent Set. The returned Registration's Unregister must be
// called once the caller no longer needs notifications.
func (s *Storage) RegisterChangeCb(cb ChangeCb) *Registration {
	s.mu.Lock()
	id := s.next
	s.next++
	s.cbs[id] = cb
	s.mu.Unlock()

	return &Registration{unregister: func() {
		s.mu.Lock()
		delete(s.cbs, id)
		s.mu.Unlock()
	}}
}

// WithChangeCb registers cb for the duration of fn and unregisters it
// before returning, for callers that want scoped acquisition instead of
// an explicit Registration handle.
func (s *Storage) WithChangeCb(cb ChangeCb, fn func()) {
	reg := s.RegisterChangeCb(cb)
	defer reg.Unregister()
	fn()
}
