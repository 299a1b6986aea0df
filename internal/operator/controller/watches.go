package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	capiv1beta1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/capi/v1beta1"
	addonsv1alpha1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/v1alpha1"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/operator/dispatch"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/operator/validation"
)

var (
	// NamespaceGVK identifies core Namespaces on the dispatch bus.
	NamespaceGVK = corev1.SchemeGroupVersion.WithKind("Namespace")

	namespaceGVR = corev1.SchemeGroupVersion.WithResource("namespaces")
)

// SourceFactory builds the watch source for one resource and selector.
type SourceFactory func(gvr schema.GroupVersionResource, gvk schema.GroupVersionKind, selector labels.Selector) dispatch.Source

// ListWatchFactory builds list-watch sources backed by a dynamic client.
func ListWatchFactory(c dynamic.Interface) SourceFactory {
	return func(gvr schema.GroupVersionResource, gvk schema.GroupVersionKind, selector labels.Selector) dispatch.Source {
		return &dispatch.ListWatchSource{
			Client:   c,
			Resource: gvr,
			Kind:     gvk,
			Selector: selector,
		}
	}
}

// BuildSources derives the watch sources for cfg. A selector that fails to
// convert aborts the whole build.
func BuildSources(cfg *addonsv1alpha1.FleetAddonConfig, factory SourceFactory) ([]dispatch.Source, error) {
	var sources []dispatch.Source

	if cfg.ClusterOperationsEnabled() {
		selector, err := cfg.ClusterWatchSelector()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
		}
		sources = append(sources, factory(capiv1beta1.ClusterGVR, capiv1beta1.ClusterGVK, selector))

		required, err := cfg.NamespaceWatchRequired()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
		}
		if required {
			nsSelector, err := cfg.NamespaceSelector()
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
			}
			sources = append(sources, factory(namespaceGVR, NamespaceGVK, nsSelector))
		}
	}

	if cfg.ClusterClassOperationsEnabled() {
		selector, err := cfg.ClusterClassSelector()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
		}
		sources = append(sources, factory(capiv1beta1.ClusterClassGVR, capiv1beta1.ClusterClassGVK, selector))
	}

	return sources, nil
}

// WatchReconciler rebuilds the dispatch watch set from the FleetAddonConfig
// selectors.
type WatchReconciler struct {
	config    *ConfigSource
	watches   *dispatch.WatchSet
	factory   SourceFactory
	validator *validation.CELValidator
	options

	mu      sync.Mutex
	applied string
}

// NewWatchReconciler creates a new WatchReconciler. validator may be nil.
func NewWatchReconciler(config *ConfigSource, watches *dispatch.WatchSet, factory SourceFactory, validator *validation.CELValidator, opts ...Option) *WatchReconciler {
	return &WatchReconciler{
		config:    config,
		watches:   watches,
		factory:   factory,
		validator: validator,
		options:   newOptions(opts),
	}
}

// +kubebuilder:rbac:groups=addons.cluster.x-k8s.io,resources=fleetaddonconfigs,verbs=get;list;watch
// +kubebuilder:rbac:groups=cluster.x-k8s.io,resources=clusters;clusterclasses,verbs=list;watch

// Reconcile handles every FleetAddonConfig change.
func (r *WatchReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	start := time.Now()
	if err := r.reconfigure(ctx); err != nil {
		logAndRecordError(ctx, &r.options, "FleetAddonConfig", req.NamespacedName, err, "keeping previous watches")
		r.recordReconcile("FleetAddonConfig", resultError, time.Since(start).Seconds())
		return ctrl.Result{}, nil
	}
	r.recordReconcile("FleetAddonConfig", resultSuccess, time.Since(start).Seconds())
	return ctrl.Result{}, nil
}

// reconfigure replaces the watch set when the derived sources differ from
// the ones currently installed.
func (r *WatchReconciler) reconfigure(ctx context.Context) error {
	logger := log.FromContext(ctx)

	cfg, err := r.config.Get(ctx)
	if err != nil {
		return err
	}
	if r.validator != nil {
		if err := r.validator.ValidateConfig(ctx, cfg); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
		}
	}
	sources, err := BuildSources(cfg, r.factory)
	if err != nil {
		return err
	}

	fingerprint := describeSources(sources)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applied == fingerprint && r.applied != "" {
		logger.V(1).Info("watch selectors unchanged")
		return nil
	}

	r.watches.ReplaceAll(sources)
	r.applied = fingerprint
	logger.Info("reconfigured dynamic watches", "sources", len(sources), "watches", fingerprint)
	return nil
}

// InitialWatches installs the watch set once at start, before any
// FleetAddonConfig event arrives.
func (r *WatchReconciler) InitialWatches() manager.Runnable {
	return manager.RunnableFunc(func(ctx context.Context) error {
		ctx = log.IntoContext(ctx, ctrl.Log.WithName("watches"))
		if err := r.reconfigure(ctx); err != nil {
			logAndRecordError(ctx, &r.options, "FleetAddonConfig", client.ObjectKey{Name: addonsv1alpha1.ConfigName}, err, "initial watch setup failed")
		}
		return nil
	})
}

// SetupWithManager sets up the controller with the Manager.
func (r *WatchReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		Named("watches").
		For(&addonsv1alpha1.FleetAddonConfig{}).
		Complete(r)
}

func describeSources(sources []dispatch.Source) string {
	names := make([]string, 0, len(sources))
	for _, src := range sources {
		names = append(names, src.String())
	}
	return strings.Join(names, "; ")
}
