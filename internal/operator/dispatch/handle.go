package dispatch

import (
	"context"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/cache"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// ObjectPtr constrains PT to be a pointer to T implementing client.Object.
type ObjectPtr[T any] interface {
	*T
	client.Object
}

// Handle is a typed view of the bus bound to one kind. It owns a reflector
// cache of every object of that kind it has seen applied and not deleted,
// indexed by namespace.
type Handle[T any, PT ObjectPtr[T]] struct {
	sub     *Subscription
	gvk     schema.GroupVersionKind
	indexer cache.Indexer
	log     logr.Logger
}

// Subscribe binds a new handle for gvk to the bus. The handle receives only
// events published after this call.
func Subscribe[T any, PT ObjectPtr[T]](d *Dispatcher, gvk schema.GroupVersionKind) *Handle[T, PT] {
	return &Handle[T, PT]{
		sub:     d.Subscribe(),
		gvk:     gvk,
		indexer: cache.NewIndexer(cache.MetaNamespaceKeyFunc, cache.Indexers{cache.NamespaceIndex: cache.MetaNamespaceIndexFunc}),
		log:     ctrl.Log.WithName("dispatch").WithValues("kind", gvk.Kind),
	}
}

// GroupVersionKind returns the kind the handle is bound to.
func (h *Handle[T, PT]) GroupVersionKind() schema.GroupVersionKind {
	return h.gvk
}

// Next blocks until an object of the bound kind is applied and returns it.
// Deletes only update the cache. Objects that fail to decode are dropped.
// Next must not be called concurrently; the handle is the cache's only writer.
func (h *Handle[T, PT]) Next(ctx context.Context) (PT, error) {
	for {
		ev, err := h.sub.Recv(ctx)
		if err != nil {
			return nil, err
		}
		if ev.Type == InitDone || ev.Object == nil {
			continue
		}
		if ev.Object.GroupVersionKind() != h.gvk {
			continue
		}
		if ev.Type == Delete {
			h.Forget(types.NamespacedName{Namespace: ev.Object.GetNamespace(), Name: ev.Object.GetName()})
			continue
		}

		obj, err := h.decode(ev.Object)
		if err != nil {
			droppedEvents.WithLabelValues(h.gvk.Kind).Inc()
			h.log.V(1).Info("dropping undecodable object",
				"namespace", ev.Object.GetNamespace(),
				"name", ev.Object.GetName(),
				"error", err.Error())
			continue
		}
		if err := h.indexer.Update(obj); err != nil {
			h.log.Error(err, "failed to cache object", "namespace", obj.GetNamespace(), "name", obj.GetName())
			continue
		}
		return obj, nil
	}
}

// Get returns the cached object for key.
func (h *Handle[T, PT]) Get(key types.NamespacedName) (PT, bool) {
	item, exists, err := h.indexer.GetByKey(cacheKey(key))
	if err != nil || !exists {
		return nil, false
	}
	return item.(PT), true
}

// Forget drops key from the cache. It is used when the API server reports an
// object gone that the watch never delivered a delete for.
func (h *Handle[T, PT]) Forget(key types.NamespacedName) {
	if err := h.indexer.Delete(cache.ExplicitKey(cacheKey(key))); err != nil {
		h.log.Error(err, "failed to forget object", "namespace", key.Namespace, "name", key.Name)
	}
}

// Snapshot returns the cached objects at this instant. The objects are shared
// with the cache and must not be mutated.
func (h *Handle[T, PT]) Snapshot() []PT {
	return typed[PT](h.indexer.List())
}

// InNamespace returns the cached objects in namespace. The objects are shared
// with the cache and must not be mutated.
func (h *Handle[T, PT]) InNamespace(namespace string) []PT {
	items, err := h.indexer.ByIndex(cache.NamespaceIndex, namespace)
	if err != nil {
		h.log.Error(err, "failed to read namespace index", "namespace", namespace)
		return nil
	}
	return typed[PT](items)
}

// Len returns the number of cached objects.
func (h *Handle[T, PT]) Len() int {
	return len(h.indexer.ListKeys())
}

// Close detaches the handle from the bus.
func (h *Handle[T, PT]) Close() {
	h.sub.Close()
}

func (h *Handle[T, PT]) decode(u *unstructured.Unstructured) (PT, error) {
	obj := PT(new(T))
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.UnstructuredContent(), obj); err != nil {
		return nil, err
	}
	obj.GetObjectKind().SetGroupVersionKind(h.gvk)
	return obj, nil
}

func cacheKey(key types.NamespacedName) string {
	return cache.NewObjectName(key.Namespace, key.Name).String()
}

func typed[PT client.Object](items []any) []PT {
	out := make([]PT, 0, len(items))
	for _, item := range items {
		out = append(out, item.(PT))
	}
	return out
}
