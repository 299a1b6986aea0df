package dispatch

import (
	"context"
	"sync"
)

// DefaultCapacity is the bus buffer size used when none is configured.
const DefaultCapacity = 128

// Dispatcher is a bounded broadcast bus. Every active subscription receives
// every event published after it subscribed, in publish order. Publishing
// blocks while the slowest active subscription is capacity events behind.
type Dispatcher struct {
	mu       sync.Mutex
	capacity int
	buf      []Event
	// tail is the sequence number of the next published event.
	tail uint64
	subs map[*Subscription]struct{}
	// holders counts active subscriptions plus an unreleased keep-alive.
	holders   int
	closed    bool
	changed   chan struct{}
	keepAlive *KeepAlive
}

// NewDispatcher creates a bus holding at most capacity undelivered events.
func NewDispatcher(capacity int) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	d := &Dispatcher{
		capacity: capacity,
		buf:      make([]Event, capacity),
		subs:     make(map[*Subscription]struct{}),
		changed:  make(chan struct{}),
	}
	d.keepAlive = &KeepAlive{d: d}
	d.holders = 1
	return d
}

// KeepAlive returns the handle that keeps the bus open while no typed
// consumer is attached.
func (d *Dispatcher) KeepAlive() *KeepAlive {
	return d.keepAlive
}

// Capacity returns the buffer size.
func (d *Dispatcher) Capacity() int {
	return d.capacity
}

// Subscribers returns the number of active subscriptions.
func (d *Dispatcher) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Subscribe attaches a new active subscription starting at the next event.
func (d *Dispatcher) Subscribe() *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &Subscription{d: d, next: d.tail}
	if d.closed {
		s.closed = true
		return s
	}
	d.subs[s] = struct{}{}
	d.holders++
	return s
}

// Publish delivers ev to every active subscription. InitDone is swallowed
// since consumers are kind-unaware of which watch it belongs to. Publishing
// with no active subscription is a no-op.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) error {
	if ev.Type == InitDone {
		return nil
	}

	d.mu.Lock()
	for {
		if d.closed {
			d.mu.Unlock()
			return ErrClosed
		}
		low, ok := d.lowWaterLocked()
		if !ok {
			d.mu.Unlock()
			return nil
		}
		if d.tail-low < uint64(d.capacity) {
			break
		}
		wait := d.changed
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
		d.mu.Lock()
	}

	d.buf[d.tail%uint64(d.capacity)] = ev
	d.tail++
	d.notifyLocked()
	d.mu.Unlock()

	publishedEvents.Inc()
	return nil
}

// Close closes the bus. Subscriptions drain what is buffered and then
// receive ErrClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
}

func (d *Dispatcher) closeLocked() {
	if d.closed {
		return
	}
	d.closed = true
	d.notifyLocked()
}

// lowWaterLocked returns the oldest sequence still unread by an active
// subscription.
func (d *Dispatcher) lowWaterLocked() (uint64, bool) {
	if len(d.subs) == 0 {
		return d.tail, false
	}
	low := d.tail
	for s := range d.subs {
		if s.next < low {
			low = s.next
		}
	}
	return low, true
}

func (d *Dispatcher) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *Dispatcher) releaseLocked() {
	d.holders--
	if d.holders <= 0 {
		d.closeLocked()
	}
	d.notifyLocked()
}

// Subscription is one consumer's cursor into the bus.
type Subscription struct {
	d      *Dispatcher
	next   uint64
	closed bool
}

// Recv returns the next event, blocking until one is published, the bus is
// closed, or ctx is done.
func (s *Subscription) Recv(ctx context.Context) (Event, error) {
	d := s.d
	d.mu.Lock()
	for {
		if s.closed {
			d.mu.Unlock()
			return Event{}, ErrClosed
		}
		if s.next < d.tail {
			ev := d.buf[s.next%uint64(d.capacity)]
			s.next++
			d.notifyLocked()
			d.mu.Unlock()
			return ev, nil
		}
		if d.closed {
			d.mu.Unlock()
			return Event{}, ErrClosed
		}
		wait := d.changed
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-wait:
		}
		d.mu.Lock()
	}
}

// Close detaches the subscription and frees any capacity it was holding.
func (s *Subscription) Close() {
	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if _, ok := d.subs[s]; ok {
		delete(d.subs, s)
		d.releaseLocked()
	}
}

// KeepAlive is a permanently inactive subscription. It keeps the bus open but
// never reads, so it does not hold back publishers.
type KeepAlive struct {
	d        *Dispatcher
	released bool
}

// Subscribe creates a new active subscription on the bus.
func (k *KeepAlive) Subscribe() *Subscription {
	return k.d.Subscribe()
}

// Release drops the hold. The bus closes once no subscription remains.
func (k *KeepAlive) Release() {
	d := k.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if k.released {
		return
	}
	k.released = true
	d.releaseLocked()
}
