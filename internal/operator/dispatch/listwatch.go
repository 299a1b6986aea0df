package dispatch

import (
	"context"
	"fmt"
	"math"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	ctrl "sigs.k8s.io/controller-runtime"
)

// DefaultWatchBackoff spaces out relists after a failed list or watch.
var DefaultWatchBackoff = wait.Backoff{
	Duration: time.Second,
	Factor:   2,
	Jitter:   0.1,
	Steps:    math.MaxInt32,
	Cap:      30 * time.Second,
}

// ListWatchSource lists and then watches one resource with a label selector.
// A failed or expired watch restarts with a fresh list.
type ListWatchSource struct {
	Client   dynamic.Interface
	Resource schema.GroupVersionResource
	Kind     schema.GroupVersionKind
	// Namespace scopes the watch. Empty watches all namespaces.
	Namespace string
	Selector  labels.Selector
	Backoff   *wait.Backoff
}

// String implements Source.
func (s *ListWatchSource) String() string {
	return fmt.Sprintf("%s namespace=%q selector=%q", s.Resource.String(), s.Namespace, s.selector().String())
}

// Run implements Source.
func (s *ListWatchSource) Run(ctx context.Context, emit EmitFunc) error {
	logger := ctrl.Log.WithName("list-watch").WithValues("resource", s.Resource.String(), "selector", s.selector().String())
	backoff := s.backoff()

	for {
		err := s.listAndWatch(ctx, emit)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Info("watch interrupted, relisting", "error", err.Error())
		} else {
			backoff = s.backoff()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff.Step()):
		}
	}
}

func (s *ListWatchSource) listAndWatch(ctx context.Context, emit EmitFunc) error {
	ri := s.resourceInterface()
	opts := metav1.ListOptions{LabelSelector: s.selector().String()}

	list, err := ri.List(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", s.Resource.Resource, err)
	}
	for i := range list.Items {
		if err := emit(ctx, Event{Type: InitApply, Object: s.withKind(&list.Items[i])}); err != nil {
			return err
		}
	}
	if err := emit(ctx, Event{Type: InitDone}); err != nil {
		return err
	}

	resourceVersion := list.GetResourceVersion()
	for {
		opts.ResourceVersion = resourceVersion
		opts.AllowWatchBookmarks = true
		w, err := ri.Watch(ctx, opts)
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", s.Resource.Resource, err)
		}
		resourceVersion, err = s.consume(ctx, w, emit, resourceVersion)
		w.Stop()
		if err != nil {
			return err
		}
	}
}

// consume forwards events from one watch until it closes. It returns the last
// observed resource version so the next watch can resume from it.
func (s *ListWatchSource) consume(ctx context.Context, w watch.Interface, emit EmitFunc, resourceVersion string) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return resourceVersion, ctx.Err()
		case e, ok := <-w.ResultChan():
			if !ok {
				return resourceVersion, nil
			}
			if e.Type == watch.Error {
				return resourceVersion, apierrors.FromObject(e.Object)
			}
			obj, ok := e.Object.(*unstructured.Unstructured)
			if !ok {
				continue
			}
			resourceVersion = obj.GetResourceVersion()

			var ev Event
			switch e.Type {
			case watch.Added, watch.Modified:
				ev = Event{Type: Apply, Object: s.withKind(obj)}
			case watch.Deleted:
				ev = Event{Type: Delete, Object: s.withKind(obj)}
			default:
				continue
			}
			if err := emit(ctx, ev); err != nil {
				return resourceVersion, err
			}
		}
	}
}

func (s *ListWatchSource) resourceInterface() dynamic.ResourceInterface {
	if s.Namespace != "" {
		return s.Client.Resource(s.Resource).Namespace(s.Namespace)
	}
	return s.Client.Resource(s.Resource)
}

func (s *ListWatchSource) withKind(obj *unstructured.Unstructured) *unstructured.Unstructured {
	if obj.GetKind() == "" && !s.Kind.Empty() {
		obj.SetGroupVersionKind(s.Kind)
	}
	return obj
}

func (s *ListWatchSource) selector() labels.Selector {
	if s.Selector == nil {
		return labels.Everything()
	}
	return s.Selector
}

func (s *ListWatchSource) backoff() wait.Backoff {
	if s.Backoff != nil {
		return *s.Backoff
	}
	return DefaultWatchBackoff
}
