package router

import (
	"sync"
)

// Ring keeps the most recent observations and fans new ones out to
// subscribers. Slow subscribers lose observations rather than block routing.
type Ring struct {
	mu    sync.RWMutex
	buf   []Observation
	next  int
	full  bool
	subs  map[int]chan Observation
	subID int
}

// NewRing creates a ring holding up to capacity observations
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring{
		buf:  make([]Observation, capacity),
		subs: make(map[int]chan Observation),
	}
}

// Observe records o and forwards it to subscribers
func (r *Ring) Observe(o Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = o
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}

	for _, ch := range r.subs {
		select {
		case ch <- o:
		default:
		}
	}
}

// Recent returns up to n observations, oldest first. n <= 0 returns all.
func (r *Ring) Recent(n int) []Observation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	start := 0
	if r.full {
		size = len(r.buf)
		start = r.next
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Observation, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Subscribe returns a channel of new observations and a function that
// ends the subscription and closes the channel
func (r *Ring) Subscribe(buffer int) (<-chan Observation, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Observation, buffer)

	r.mu.Lock()
	r.subID++
	id := r.subID
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}
