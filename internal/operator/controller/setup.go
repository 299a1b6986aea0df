package controller

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/handler"

	capiv1beta1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/capi/v1beta1"
	fleetv1alpha1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/fleet/v1alpha1"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/operator/dispatch"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/operator/validation"
)

// RecorderName is the event source name of every controller.
const RecorderName = "addon-provider-fleet"

// Setup holds the shared pieces the controllers are built from. The handles
// must be subscribed before the manager starts.
type Setup struct {
	Dispatcher *dispatch.Dispatcher
	Watches    *dispatch.WatchSet
	Factory    SourceFactory

	Clusters   *dispatch.Handle[capiv1beta1.Cluster, *capiv1beta1.Cluster]
	Classes    *dispatch.Handle[capiv1beta1.ClusterClass, *capiv1beta1.ClusterClass]
	Namespaces *dispatch.Handle[corev1.Namespace, *corev1.Namespace]

	// Charts enables the Fleet installer when set.
	Charts ChartManager

	Options []Option
}

// NewSetup subscribes the typed handles on dispatcher.
func NewSetup(dispatcher *dispatch.Dispatcher, watches *dispatch.WatchSet, factory SourceFactory, opts ...Option) *Setup {
	return &Setup{
		Dispatcher: dispatcher,
		Watches:    watches,
		Factory:    factory,
		Clusters:   dispatch.Subscribe[capiv1beta1.Cluster](dispatcher, capiv1beta1.ClusterGVK),
		Classes:    dispatch.Subscribe[capiv1beta1.ClusterClass](dispatcher, capiv1beta1.ClusterClassGVK),
		Namespaces: dispatch.Subscribe[corev1.Namespace](dispatcher, NamespaceGVK),
		Options:    opts,
	}
}

// SetupWithManager registers the broadcaster and every controller with mgr.
func (s *Setup) SetupWithManager(mgr ctrl.Manager) error {
	c := mgr.GetClient()
	reader := mgr.GetAPIReader()
	recorder := mgr.GetEventRecorderFor(RecorderName)
	config := NewConfigSource(reader)

	validator, err := validation.NewCELValidator()
	if err != nil {
		return fmt.Errorf("failed to create config validator: %w", err)
	}

	if err := mgr.Add(dispatch.NewBroadcaster(s.Watches, s.Dispatcher)); err != nil {
		return fmt.Errorf("failed to add dispatch broadcaster: %w", err)
	}

	watches := NewWatchReconciler(config, s.Watches, s.Factory, validator, s.Options...)
	if err := mgr.Add(watches.InitialWatches()); err != nil {
		return fmt.Errorf("failed to add initial watches: %w", err)
	}
	if err := watches.SetupWithManager(mgr); err != nil {
		return fmt.Errorf("failed to set up watch controller: %w", err)
	}

	clusters := NewEngine(c, recorder,
		NewClusterAdapter(c, reader, recorder, config, s.Namespaces),
		HandleLookup(s.Clusters), withStaleCacheCheck(s.Options, reader, s.Clusters.Forget)...)
	if err := clusters.NewControllerManagedBy(mgr).
		WatchesRawSource(s.Clusters.Source(nil)).
		WatchesRawSource(s.Namespaces.Source(ClustersInNamespace(s.Clusters))).
		Watches(&fleetv1alpha1.Cluster{},
			handler.EnqueueRequestForOwner(mgr.GetScheme(), mgr.GetRESTMapper(), &capiv1beta1.Cluster{}, handler.OnlyControllerOwner())).
		Watches(&fleetv1alpha1.BundleNamespaceMapping{},
			handler.EnqueueRequestsFromMapFunc(ClustersForMapping(s.Clusters))).
		Complete(clusters); err != nil {
		return fmt.Errorf("failed to set up cluster controller: %w", err)
	}

	classes := NewEngine(c, recorder,
		NewClusterClassAdapter(c, recorder, config),
		HandleLookup(s.Classes), withStaleCacheCheck(s.Options, reader, s.Classes.Forget)...)
	if err := classes.NewControllerManagedBy(mgr).
		WatchesRawSource(s.Classes.Source(nil)).
		Watches(&fleetv1alpha1.ClusterGroup{},
			handler.EnqueueRequestForOwner(mgr.GetScheme(), mgr.GetRESTMapper(), &capiv1beta1.ClusterClass{})).
		Complete(classes); err != nil {
		return fmt.Errorf("failed to set up cluster class controller: %w", err)
	}

	groups := NewEngine[fleetv1alpha1.ClusterGroup](c, recorder,
		NewClusterGroupAdapter(c, recorder, ClientLookup[capiv1beta1.ClusterClass](reader)),
		nil, s.Options...)
	if err := groups.NewControllerManagedBy(mgr).
		For(&fleetv1alpha1.ClusterGroup{}).
		Complete(groups); err != nil {
		return fmt.Errorf("failed to set up cluster group controller: %w", err)
	}

	fleetClusters := NewEngine[fleetv1alpha1.Cluster](c, recorder,
		NewFleetClusterAdapter(c, recorder, config),
		nil, s.Options...)
	if err := fleetClusters.NewControllerManagedBy(mgr).
		For(&fleetv1alpha1.Cluster{}).
		Complete(fleetClusters); err != nil {
		return fmt.Errorf("failed to set up fleet cluster controller: %w", err)
	}

	if err := NewConfigSyncReconciler(c, reader, recorder, validator, s.Options...).SetupWithManager(mgr); err != nil {
		return fmt.Errorf("failed to set up config sync controller: %w", err)
	}

	if s.Charts != nil {
		if err := NewHelmReconciler(c, s.Charts, s.Options...).SetupWithManager(mgr); err != nil {
			return fmt.Errorf("failed to set up helm controller: %w", err)
		}
	}

	return nil
}

func withStaleCacheCheck(opts []Option, reader client.Reader, forget func(types.NamespacedName)) []Option {
	return append(append([]Option(nil), opts...), WithStaleCacheCheck(reader, forget))
}
