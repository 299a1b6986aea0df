package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"
)

// EmitFunc hands an event to the watch set. It blocks until the event is
// taken or ctx is done.
type EmitFunc func(ctx context.Context, ev Event) error

// Source is one upstream watch stream. Run emits events until ctx is done.
type Source interface {
	Run(ctx context.Context, emit EmitFunc) error
	String() string
}

// WatchSet is the replaceable collection of upstream sources drained by a
// single poller. Each ReplaceAll starts a new generation with its own event
// channel; events of earlier generations are never returned once the
// replacement has completed.
//
// Objects a relist no longer reports, and objects of a replaced generation
// that no new source lists, are retracted with a Delete carrying only their
// identity.
type WatchSet struct {
	mu       sync.Mutex
	base     context.Context
	sources  []Source
	gen      *generation
	carry    keySet
	cancel   context.CancelFunc
	events   chan Event
	replaced chan struct{}
	log      logr.Logger
}

// NewWatchSet returns an empty watch set.
func NewWatchSet() *WatchSet {
	return &WatchSet{
		events:   make(chan Event),
		replaced: make(chan struct{}),
		log:      ctrl.Log.WithName("watch-set"),
	}
}

// ReplaceAll drops every installed source and installs sources in their
// place. New sources start from their own initial list. It may block while
// the poller holds the set.
func (w *WatchSet) ReplaceAll(sources []Source) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.gen != nil {
		w.carry = w.gen.known()
		w.gen = nil
	}
	close(w.replaced)
	w.replaced = make(chan struct{})
	w.events = make(chan Event)
	w.sources = append([]Source(nil), sources...)
	watchSources.Set(float64(len(w.sources)))

	if w.base != nil {
		w.startLocked()
	}
	for _, src := range w.sources {
		w.log.V(1).Info("installed watch source", "source", src.String())
	}
}

// Len returns the number of installed sources.
func (w *WatchSet) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sources)
}

// Start runs the installed sources, and any installed later, until ctx is
// done.
func (w *WatchSet) Start(ctx context.Context) error {
	w.mu.Lock()
	w.base = ctx
	w.startLocked()
	w.mu.Unlock()

	<-ctx.Done()

	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()
	return nil
}

// Poll returns the next event of the current generation. It never waits for
// the lock: when a reconfiguration holds it, Poll returns ErrNotReady and the
// caller is expected to yield and poll again.
func (w *WatchSet) Poll(ctx context.Context) (Event, error) {
	for {
		if !w.mu.TryLock() {
			return Event{}, ErrNotReady
		}
		events, replaced := w.events, w.replaced
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-replaced:
			continue
		case ev := <-events:
			select {
			case <-replaced:
				// stale generation
				continue
			default:
			}
			return ev, nil
		}
	}
}

func (w *WatchSet) startLocked() {
	ctx, cancel := context.WithCancel(w.base)
	w.cancel = cancel
	events := w.events
	gen := newGeneration(len(w.sources), w.carry)
	w.gen, w.carry = gen, nil

	send := func(ctx context.Context, ev Event) error {
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if len(w.sources) == 0 {
		go func() {
			gen.mu.Lock()
			defer gen.mu.Unlock()
			stale := gen.flushCarry()
			for i, k := range stale {
				if err := send(ctx, k.tombstone()); err != nil {
					gen.carry = keySet{}
					for _, rest := range stale[i:] {
						gen.carry[rest] = struct{}{}
					}
					return
				}
			}
		}()
		return
	}

	for i, src := range w.sources {
		emit := func(ctx context.Context, ev Event) error {
			gen.mu.Lock()
			defer gen.mu.Unlock()
			if err := ctx.Err(); err != nil {
				return err
			}
			for _, k := range gen.track(i, ev) {
				w.log.V(1).Info("retracting object missing from list", "source", src.String(),
					"kind", k.gvk.Kind, "namespace", k.namespace, "name", k.name)
				if err := send(ctx, k.tombstone()); err != nil {
					return err
				}
			}
			return send(ctx, ev)
		}
		go func() {
			if err := src.Run(ctx, emit); err != nil && !errors.Is(err, context.Canceled) {
				w.log.Error(err, "watch source stopped", "source", src.String())
			}
		}()
	}
}
