// Package sleep lets a goroutine wait on multiple independent sources of
// notification ("wakers") through one Sleeper, the same shape the teacher's
// protocolMainLoop uses to multiplex a resend timer, a new-segment
// notification, and a close request in one dispatch loop.
//
// The teacher's version (google/netstack's sleep package) is a lock-free,
// O(1) implementation built on go:linkname'd runtime.gopark/runtime.goready
// and a matching assembly stub; that assembly half isn't present in this
// codebase's lineage, so this is a reimplementation of the same public API
// (AddWaker / Assert / Fetch / Clear / IsAsserted) on top of sync.Mutex and
// a buffered notification channel. It gives up the lock-free property but
// keeps the interface the server's Listener (C6) is written against.
package sleep

import "sync"

// Waker wakes a Sleeper it has been added to via Sleeper.AddWaker. A Waker
// may be associated with at most one Sleeper at a time.
type Waker struct {
	mu       sync.Mutex
	asserted bool
	sleeper  *Sleeper
	id       int
}

// Assert marks w as ready and wakes its associated Sleeper, if any.
// Repeated calls before the Sleeper fetches it are coalesced into one
// notification (edge-triggered, matching the teacher's semantics).
func (w *Waker) Assert() {
	w.mu.Lock()
	if w.asserted {
		w.mu.Unlock()
		return
	}
	w.asserted = true
	s := w.sleeper
	w.mu.Unlock()

	if s != nil {
		s.enqueue(w)
	}
}

// Clear un-asserts w without waking anyone. It returns whether w was
// asserted.
func (w *Waker) Clear() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	was := w.asserted
	w.asserted = false
	return was
}

// IsAsserted reports whether w is currently asserted.
func (w *Waker) IsAsserted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.asserted
}

// Sleeper receives notifications from the Wakers added to it. Only one
// goroutine may call Fetch on a given Sleeper at a time.
type Sleeper struct {
	mu     sync.Mutex
	ready  []*Waker
	notify chan struct{}
}

// AddWaker associates w with s. id is the value Fetch returns when w wakes
// the sleeper.
func (s *Sleeper) AddWaker(w *Waker, id int) {
	if s.notify == nil {
		s.notify = make(chan struct{}, 1)
	}

	w.mu.Lock()
	w.sleeper = s
	w.id = id
	wasAsserted := w.asserted
	w.mu.Unlock()

	if wasAsserted {
		s.enqueue(w)
	}
}

func (s *Sleeper) enqueue(w *Waker) {
	s.mu.Lock()
	s.ready = append(s.ready, w)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Fetch returns the id of the next asserted waker. If block is true and
// none is currently ready, Fetch waits until one is asserted; otherwise it
// returns ok=false immediately.
func (s *Sleeper) Fetch(block bool) (id int, ok bool) {
	for {
		s.mu.Lock()
		if len(s.ready) > 0 {
			w := s.ready[0]
			s.ready = s.ready[1:]
			s.mu.Unlock()

			w.mu.Lock()
			if !w.asserted {
				// Cleared (or already fetched) since it was queued.
				w.mu.Unlock()
				continue
			}
			w.asserted = false
			id = w.id
			w.mu.Unlock()
			return id, true
		}
		s.mu.Unlock()

		if !block {
			return 0, false
		}
		<-s.notify
	}
}

// Done discards any notifications still queued on s. Call it when s is no
// longer needed. Wakers added to s keep their association with it; a later
// Assert on one of them still queues a notification on s.
func (s *Sleeper) Done() {
	s.mu.Lock()
	s.ready = nil
	s.mu.Unlock()
}
