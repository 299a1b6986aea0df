package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
)

const defaultPollRetryInterval = 10 * time.Millisecond

// Broadcaster drains a WatchSet onto a Dispatcher. It implements
// manager.Runnable.
type Broadcaster struct {
	watches    *WatchSet
	dispatcher *Dispatcher
	retry      time.Duration
}

// NewBroadcaster wires watches to dispatcher.
func NewBroadcaster(watches *WatchSet, dispatcher *Dispatcher) *Broadcaster {
	return &Broadcaster{
		watches:    watches,
		dispatcher: dispatcher,
		retry:      defaultPollRetryInterval,
	}
}

// Start runs the watch sources and the pump until ctx is done.
func (b *Broadcaster) Start(ctx context.Context) error {
	ctrl.Log.WithName("broadcaster").Info("starting dispatch broadcaster", "capacity", b.dispatcher.Capacity())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.watches.Start(gctx)
	})
	g.Go(func() error {
		return b.pump(gctx)
	})
	return g.Wait()
}

func (b *Broadcaster) pump(ctx context.Context) error {
	for {
		ev, err := b.watches.Poll(ctx)
		switch {
		case errors.Is(err, ErrNotReady):
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.retry):
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to poll watch set: %w", err)
		}

		if err := b.dispatcher.Publish(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to publish %s event: %w", ev.Type, err)
		}
	}
}
