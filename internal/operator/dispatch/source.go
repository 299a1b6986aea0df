package dispatch

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
	"sigs.k8s.io/controller-runtime/pkg/source"
)

// MapFunc turns an object yielded by a handle into reconcile requests.
type MapFunc[PT client.Object] func(ctx context.Context, obj PT) []reconcile.Request

// Source adapts the handle into a controller-runtime source. With a nil
// mapFn each yielded object enqueues its own identity.
func (h *Handle[T, PT]) Source(mapFn MapFunc[PT]) source.Source {
	if mapFn == nil {
		mapFn = func(_ context.Context, obj PT) []reconcile.Request {
			return []reconcile.Request{{NamespacedName: client.ObjectKeyFromObject(obj)}}
		}
	}
	return &handleSource[T, PT]{handle: h, mapFn: mapFn}
}

type handleSource[T any, PT ObjectPtr[T]] struct {
	handle *Handle[T, PT]
	mapFn  MapFunc[PT]
}

// Start implements source.Source.
func (s *handleSource[T, PT]) Start(ctx context.Context, queue workqueue.TypedRateLimitingInterface[reconcile.Request]) error {
	logger := ctrl.LoggerFrom(ctx).WithName("dispatch-source").WithValues("kind", s.handle.gvk.Kind)

	go func() {
		for {
			obj, err := s.handle.Next(ctx)
			if err != nil {
				if errors.Is(err, ErrClosed) {
					logger.Info("dispatch bus closed, stopping source")
				}
				return
			}
			for _, req := range s.mapFn(ctx, obj) {
				queue.Add(req)
			}
		}
	}()

	return nil
}

// String implements fmt.Stringer.
func (s *handleSource[T, PT]) String() string {
	return fmt.Sprintf("dispatch source for %s", s.handle.gvk)
}
