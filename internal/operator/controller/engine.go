package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/operator/dispatch"
)

// FinalizerName guards every object the operator derives Fleet state from.
const FinalizerName = "fleet.addons.cluster.x-k8s.io"

// Event reasons
const (
	EventReasonCreated         = "Created"
	EventReasonUpdated         = "Updated"
	EventReasonDeleteRequested = "DeleteRequested"
)

// Bundle is the set of derived objects computed for one primary object.
type Bundle interface {
	// Sync creates or updates the derived objects.
	Sync(ctx context.Context) (ctrl.Result, error)
	// Cleanup removes derived objects that garbage collection would not.
	Cleanup(ctx context.Context) (ctrl.Result, error)
}

// Adapter computes the Bundle for a primary object of one kind.
type Adapter[PT client.Object] interface {
	// Kind names the reconciled kind in logs, metrics and the controller name.
	Kind() string
	// ToBundle returns nil when nothing should be derived from obj.
	ToBundle(ctx context.Context, obj PT) (Bundle, error)
}

// ObjectCleaner is implemented by adapters that must clean up a deleted object
// for which ToBundle no longer yields a bundle.
type ObjectCleaner[PT client.Object] interface {
	Cleanup(ctx context.Context, obj PT) (ctrl.Result, error)
}

// LookupFunc returns the current state of the primary object at key. A missing
// object is reported as found == false with a nil error.
type LookupFunc[PT client.Object] func(ctx context.Context, key types.NamespacedName) (obj PT, found bool, err error)

// HandleLookup reads primary objects from a dispatch handle cache.
func HandleLookup[T any, PT dispatch.ObjectPtr[T]](h *dispatch.Handle[T, PT]) LookupFunc[PT] {
	return func(_ context.Context, key types.NamespacedName) (PT, bool, error) {
		obj, ok := h.Get(key)
		if !ok {
			return nil, false, nil
		}
		return obj.DeepCopyObject().(PT), true, nil
	}
}

// ClientLookup reads primary objects through r.
func ClientLookup[T any, PT dispatch.ObjectPtr[T]](r client.Reader) LookupFunc[PT] {
	return func(ctx context.Context, key types.NamespacedName) (PT, bool, error) {
		obj := PT(new(T))
		if err := r.Get(ctx, key, obj); err != nil {
			if apierrors.IsNotFound(err) {
				return nil, false, nil
			}
			return nil, false, err
		}
		return obj, true, nil
	}
}

// Engine reconciles one primary kind through its Adapter. It owns the
// finalizer lifecycle and the error policy; adapters only describe what to
// derive.
type Engine[T any, PT dispatch.ObjectPtr[T]] struct {
	client   client.Client
	recorder record.EventRecorder
	adapter  Adapter[PT]
	lookup   LookupFunc[PT]
	options
}

// NewEngine creates a new Engine. A nil lookup reads through c.
func NewEngine[T any, PT dispatch.ObjectPtr[T]](c client.Client, recorder record.EventRecorder, adapter Adapter[PT], lookup LookupFunc[PT], opts ...Option) *Engine[T, PT] {
	if lookup == nil {
		lookup = ClientLookup[T, PT](c)
	}
	return &Engine[T, PT]{
		client:   c,
		recorder: recorder,
		adapter:  adapter,
		lookup:   lookup,
		options:  newOptions(opts),
	}
}

// Reconcile drives one object through ToBundle, the finalizer and Sync, or
// through Cleanup when it is being deleted. Failures never surface to the
// controller; they are logged, counted and retried after requeueAfter.
func (e *Engine[T, PT]) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	kind := e.adapter.Kind()
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues("kind", kind))
	start := time.Now()

	obj, found, err := e.lookup(ctx, req.NamespacedName)
	if err != nil {
		return e.fail(ctx, req.NamespacedName, start, fmt.Errorf("failed to get %s: %w", kind, err))
	}
	if !found {
		return ctrl.Result{}, nil
	}

	var result ctrl.Result
	if obj.GetDeletionTimestamp().IsZero() {
		result, err = e.apply(ctx, obj)
	} else {
		result, err = e.cleanup(ctx, obj)
	}
	if err != nil {
		if e.gone(ctx, req.NamespacedName) {
			log.FromContext(ctx).V(1).Info("dropping stale cache entry", "object", req.NamespacedName, "error", err.Error())
			e.forget(req.NamespacedName)
			e.recordReconcile(kind, resultSuccess, time.Since(start).Seconds())
			return ctrl.Result{}, nil
		}
		return e.fail(ctx, req.NamespacedName, start, err)
	}

	e.recordReconcile(kind, resultSuccess, time.Since(start).Seconds())
	return result, nil
}

// gone reports whether the API server confirms the object at key no longer
// exists. It is false when no stale cache check is configured.
func (e *Engine[T, PT]) gone(ctx context.Context, key types.NamespacedName) bool {
	if e.confirm == nil || e.forget == nil {
		return false
	}
	err := e.confirm.Get(ctx, key, PT(new(T)))
	return apierrors.IsNotFound(err)
}

func (e *Engine[T, PT]) apply(ctx context.Context, obj PT) (ctrl.Result, error) {
	bundle, err := e.adapter.ToBundle(ctx, obj)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to compute bundle: %w", err)
	}
	if bundle == nil {
		log.FromContext(ctx).V(1).Info("nothing to sync")
		return ctrl.Result{}, nil
	}

	if !controllerutil.ContainsFinalizer(obj, FinalizerName) {
		if err := e.patchFinalizer(ctx, obj, controllerutil.AddFinalizer); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to add finalizer: %w", err)
		}
	}

	result, err := bundle.Sync(ctx)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to sync: %w", err)
	}
	return result, nil
}

func (e *Engine[T, PT]) cleanup(ctx context.Context, obj PT) (ctrl.Result, error) {
	if !controllerutil.ContainsFinalizer(obj, FinalizerName) {
		return ctrl.Result{}, nil
	}

	e.recorder.Eventf(obj, corev1.EventTypeNormal, EventReasonDeleteRequested,
		"Cleaning up after %s %s", e.adapter.Kind(), client.ObjectKeyFromObject(obj))

	bundle, err := e.adapter.ToBundle(ctx, obj)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to compute bundle: %w", err)
	}

	var result ctrl.Result
	switch cleaner, ok := e.adapter.(ObjectCleaner[PT]); {
	case bundle != nil:
		result, err = bundle.Cleanup(ctx)
	case ok:
		result, err = cleaner.Cleanup(ctx, obj)
	}
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to clean up: %w", err)
	}
	if result.RequeueAfter > 0 {
		return result, nil
	}

	if err := e.patchFinalizer(ctx, obj, controllerutil.RemoveFinalizer); err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to remove finalizer: %w", err)
	}
	return ctrl.Result{}, nil
}

// patchFinalizer applies mutate to a copy of obj and sends the difference as
// a merge patch guarded by the observed resource version.
func (e *Engine[T, PT]) patchFinalizer(ctx context.Context, obj PT, mutate func(client.Object, string) bool) error {
	base := obj.DeepCopyObject().(PT)
	if !mutate(obj, FinalizerName) {
		return nil
	}
	return e.client.Patch(ctx, obj, client.MergeFromWithOptions(base, client.MergeFromWithOptimisticLock{}))
}

func (e *Engine[T, PT]) fail(ctx context.Context, key client.ObjectKey, start time.Time, err error) (ctrl.Result, error) {
	kind := e.adapter.Kind()
	errorKind := logAndRecordError(ctx, &e.options, kind, key, err, "reconcile failed")
	e.recordReconcile(kind, resultError, time.Since(start).Seconds())

	requeueAfter := e.requeueAfter
	if errorKind == errorKindInstall && requeueAfter < installRequeueAfter {
		requeueAfter = installRequeueAfter
	}
	return ctrl.Result{RequeueAfter: requeueAfter}, nil
}

// NewControllerManagedBy returns a builder named after the adapter kind. The
// caller adds the event sources.
func (e *Engine[T, PT]) NewControllerManagedBy(mgr ctrl.Manager) *builder.Builder {
	return ctrl.NewControllerManagedBy(mgr).Named(strings.ToLower(e.adapter.Kind()))
}
