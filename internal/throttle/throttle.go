package throttle

import (
	"sync"
	"time"

	"collab-sync-server/internal/clock"
)

// Throttle calls fn at most once per interval. The first call in a quiet
// period fires immediately; calls made during the interval are coalesced
// and the latest value fires when the interval ends.
type Throttle[T any] struct {
	clock    clock.Clock
	interval time.Duration
	fn       func(T)

	mu         sync.Mutex
	timer      *clock.Timer
	generation uint64
	pending    T
	hasPending bool
}

func New[T any](c clock.Clock, interval time.Duration, fn func(T)) *Throttle[T] {
	return &Throttle[T]{
		clock:    c,
		interval: interval,
		fn:       fn,
	}
}

func (t *Throttle[T]) Call(value T) {
	if t.interval <= 0 {
		t.fn(value)
		return
	}

	t.mu.Lock()
	if t.timer != nil {
		t.pending = value
		t.hasPending = true
		t.mu.Unlock()
		return
	}
	t.arm()
	t.mu.Unlock()

	t.fn(value)
}

// Cancel drops any pending trailing call and ends the current window.
func (t *Throttle[T]) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.generation++
	var zero T
	t.pending = zero
	t.hasPending = false
}

func (t *Throttle[T]) arm() {
	t.generation++
	generation := t.generation
	t.timer = t.clock.AfterFunc(t.interval, func() { t.trailing(generation) })
}

func (t *Throttle[T]) trailing(generation uint64) {
	t.mu.Lock()
	if generation != t.generation {
		t.mu.Unlock()
		return
	}
	if !t.hasPending {
		t.timer = nil
		t.mu.Unlock()
		return
	}

	value := t.pending
	var zero T
	t.pending = zero
	t.hasPending = false
	t.arm()
	t.mu.Unlock()

	t.fn(value)
}

// Debounce delays fn until interval has passed without another call, then
// fires once with the latest value.
type Debounce[T any] struct {
	clock    clock.Clock
	interval time.Duration
	fn       func(T)

	mu         sync.Mutex
	timer      *clock.Timer
	generation uint64
	pending    T
}

func NewDebounce[T any](c clock.Clock, interval time.Duration, fn func(T)) *Debounce[T] {
	return &Debounce[T]{
		clock:    c,
		interval: interval,
		fn:       fn,
	}
}

func (d *Debounce[T]) Call(value T) {
	if d.interval <= 0 {
		d.fn(value)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = value
	d.generation++
	generation := d.generation
	d.timer = d.clock.AfterFunc(d.interval, func() { d.fire(generation) })
}

// Cancel drops the pending call, if any.
func (d *Debounce[T]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.generation++
}

func (d *Debounce[T]) fire(generation uint64) {
	d.mu.Lock()
	if generation != d.generation {
		d.mu.Unlock()
		return
	}
	value := d.pending
	var zero T
	d.pending = zero
	d.timer = nil
	d.mu.Unlock()

	d.fn(value)
}
