package controller

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	k8slabels "k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	capiv1beta1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/capi/v1beta1"
	fleetv1alpha1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/fleet/v1alpha1"
	addonsv1alpha1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/v1alpha1"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/operator/dispatch"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/util/labels"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/util/naming"
)

// ClusterAdapter imports CAPI Clusters into Fleet.
type ClusterAdapter struct {
	client     client.Client
	reader     client.Reader
	recorder   record.EventRecorder
	config     *ConfigSource
	namespaces *dispatch.Handle[corev1.Namespace, *corev1.Namespace]
}

// NewClusterAdapter creates a new ClusterAdapter. reader serves cross-object
// reads without starting informers. namespaces may be nil, in which case
// namespace labels are read through reader.
func NewClusterAdapter(c client.Client, reader client.Reader, recorder record.EventRecorder, config *ConfigSource, namespaces *dispatch.Handle[corev1.Namespace, *corev1.Namespace]) *ClusterAdapter {
	return &ClusterAdapter{
		client:     c,
		reader:     reader,
		recorder:   recorder,
		config:     config,
		namespaces: namespaces,
	}
}

// +kubebuilder:rbac:groups=cluster.x-k8s.io,resources=clusters,verbs=get;list;watch;patch;update
// +kubebuilder:rbac:groups=fleet.cattle.io,resources=clusters;clustergroups;bundlenamespacemappings,verbs=get;list;watch;create;patch;update;delete
// +kubebuilder:rbac:groups="",resources=namespaces,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch
// +kubebuilder:rbac:groups=*,resources=*,verbs=get

// Kind implements Adapter.
func (a *ClusterAdapter) Kind() string {
	return "Cluster"
}

// ToBundle implements Adapter. Clusters are skipped while cluster operations
// are disabled, when neither selector matches, and until the control plane
// is ready.
func (a *ClusterAdapter) ToBundle(ctx context.Context, cluster *capiv1beta1.Cluster) (Bundle, error) {
	cfg, err := a.config.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.ClusterOperationsEnabled() {
		return nil, nil
	}

	matches, err := a.matches(ctx, cfg, cluster)
	if err != nil {
		return nil, err
	}
	if !matches {
		log.FromContext(ctx).V(1).Info("cluster does not match the import selectors")
		return nil, nil
	}

	if !cluster.ControlPlaneReady() {
		log.FromContext(ctx).V(1).Info("control plane is not ready yet")
		return nil, nil
	}

	return a.newBundle(cfg, cluster)
}

// Cleanup implements ObjectCleaner for clusters that stopped yielding a
// bundle while they still carry the finalizer.
func (a *ClusterAdapter) Cleanup(ctx context.Context, cluster *capiv1beta1.Cluster) (ctrl.Result, error) {
	cfg, err := a.config.Get(ctx)
	if err != nil {
		return ctrl.Result{}, err
	}
	bundle, err := a.newBundle(cfg, cluster)
	if err != nil {
		return ctrl.Result{}, err
	}
	return bundle.Cleanup(ctx)
}

func (a *ClusterAdapter) matches(ctx context.Context, cfg *addonsv1alpha1.FleetAddonConfig, cluster *capiv1beta1.Cluster) (bool, error) {
	nsLabels, err := a.namespaceLabels(ctx, cluster.Namespace)
	if err != nil {
		return false, err
	}
	matches, err := cfg.ClusterMatches(cluster.Labels, nsLabels)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return matches, nil
}

func (a *ClusterAdapter) namespaceLabels(ctx context.Context, name string) (k8slabels.Set, error) {
	if a.namespaces != nil {
		if ns, ok := a.namespaces.Get(types.NamespacedName{Name: name}); ok {
			return ns.Labels, nil
		}
	}

	ns := &corev1.Namespace{}
	if err := a.reader.Get(ctx, client.ObjectKey{Name: name}, ns); err != nil {
		return nil, fmt.Errorf("failed to get namespace %s: %w", name, err)
	}
	return ns.Labels, nil
}

func (a *ClusterAdapter) newBundle(cfg *addonsv1alpha1.FleetAddonConfig, cluster *capiv1beta1.Cluster) (*clusterBundle, error) {
	fleetCluster, err := a.toFleetCluster(cfg, cluster)
	if err != nil {
		return nil, err
	}
	bundle := &clusterBundle{
		adapter: a,
		config:  cfg,
		cluster: cluster,
		fleet:   fleetCluster,
	}

	className, classNamespace, ok := cluster.ClassRef()
	if ok && classNamespace != cluster.Namespace && cfg.ApplyClassGroup() {
		bundle.group = toClassGroup(cluster.Namespace, className, classNamespace)
		bundle.mapping = toBundleNamespaceMapping(cluster.Namespace, classNamespace)
	}
	return bundle, nil
}

func (a *ClusterAdapter) toFleetCluster(cfg *addonsv1alpha1.FleetAddonConfig, cluster *capiv1beta1.Cluster) (*fleetv1alpha1.Cluster, error) {
	className, classNamespace, _ := cluster.ClassRef()
	settings := cfg.Spec.Cluster
	if settings == nil {
		settings = &addonsv1alpha1.ClusterConfig{}
	}

	fleetCluster := &fleetv1alpha1.Cluster{
		ObjectMeta: metav1.ObjectMeta{
			Name:      settings.Naming.Apply(cluster.Name),
			Namespace: cluster.Namespace,
			Labels: labels.NewLabelBuilder(cluster.Labels).
				WithClusterClass(className, classNamespace).
				WithManagedBy(labels.ManagedByAddonProvider).
				Build(),
		},
		Spec: fleetv1alpha1.ClusterSpec{
			AgentNamespace:   cfg.AgentNamespace(),
			AgentTolerations: cfg.AgentTolerations(),
			HostNetwork:      settings.HostNetwork,
			AgentEnvVars:     settings.AgentEnvVars,
		},
	}
	if !cfg.AgentInitiated() {
		fleetCluster.Spec.KubeConfigSecret = naming.KubeconfigSecret(cluster.Name)
	}

	if cfg.ClusterOwnerReferences() {
		if err := controllerutil.SetControllerReference(cluster, fleetCluster, a.client.Scheme()); err != nil {
			return nil, fmt.Errorf("failed to set owner reference: %w", err)
		}
	}
	return fleetCluster, nil
}

func toClassGroup(namespace, className, classNamespace string) *fleetv1alpha1.ClusterGroup {
	return &fleetv1alpha1.ClusterGroup{
		ObjectMeta: metav1.ObjectMeta{
			Name:      className,
			Namespace: namespace,
			Labels: labels.NewLabelBuilder(nil).
				WithClusterClass(className, classNamespace).
				WithManagedBy(labels.ManagedByAddonProvider).
				Build(),
		},
		Spec: fleetv1alpha1.ClusterGroupSpec{
			Selector: labels.ClusterClassSelector(className, classNamespace),
		},
	}
}

func toBundleNamespaceMapping(clusterNamespace, classNamespace string) *fleetv1alpha1.BundleNamespaceMapping {
	return &fleetv1alpha1.BundleNamespaceMapping{
		ObjectMeta: metav1.ObjectMeta{
			Name:      naming.BundleNamespaceMapping(clusterNamespace),
			Namespace: classNamespace,
			Labels:    labels.NewLabelBuilder(nil).WithManagedBy(labels.ManagedByAddonProvider).Build(),
		},
		BundleSelector:    &metav1.LabelSelector{},
		NamespaceSelector: labels.NamespaceSelector(clusterNamespace),
	}
}

// clusterBundle holds the Fleet objects derived from one CAPI Cluster.
type clusterBundle struct {
	adapter *ClusterAdapter
	config  *addonsv1alpha1.FleetAddonConfig
	cluster *capiv1beta1.Cluster
	fleet   *fleetv1alpha1.Cluster
	group   *fleetv1alpha1.ClusterGroup
	mapping *fleetv1alpha1.BundleNamespaceMapping
}

// Sync implements Bundle.
func (b *clusterBundle) Sync(ctx context.Context) (ctrl.Result, error) {
	logger := log.FromContext(ctx)
	a := b.adapter
	patch := b.config.ClusterPatchEnabled()
	clusterManager := naming.ClusterFieldManager(b.cluster.Namespace, b.cluster.Name)

	b.fleet.Spec.TemplateValues = a.templateValues(ctx, b.cluster)
	if b.config.AgentInitiated() {
		clientID, err := a.clientID(ctx, b.fleet)
		if err != nil {
			return ctrl.Result{}, err
		}
		b.fleet.Spec.ClientID = clientID
	}

	if b.mapping != nil {
		if err := a.write(ctx, b.cluster, b.mapping, patch, clusterManager); err != nil {
			return ctrl.Result{}, err
		}
		logger.V(1).Info("synced bundle namespace mapping",
			"classNamespace", b.mapping.Namespace,
			"clusterNamespace", b.cluster.Namespace)
	}

	if err := a.write(ctx, b.cluster, b.fleet, patch, FieldManager); err != nil {
		return ctrl.Result{}, err
	}

	if b.group != nil {
		if err := a.write(ctx, b.cluster, b.group, patch, clusterManager); err != nil {
			return ctrl.Result{}, err
		}
	}

	logger.Info("synced fleet cluster", "fleetCluster", b.fleet.Name)
	return ctrl.Result{}, nil
}

// Cleanup implements Bundle. The Fleet Cluster and ClusterGroup are left to
// owner references; the mapping is shared by every cluster in the namespace
// and is removed with the last of them.
func (b *clusterBundle) Cleanup(ctx context.Context) (ctrl.Result, error) {
	if b.mapping == nil {
		return ctrl.Result{}, nil
	}
	a := b.adapter

	others := &capiv1beta1.ClusterList{}
	if err := a.reader.List(ctx, others, client.InNamespace(b.cluster.Namespace)); err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to list clusters in %s: %w", b.cluster.Namespace, err)
	}
	for i := range others.Items {
		other := &others.Items[i]
		if other.Name == b.cluster.Name || !other.DeletionTimestamp.IsZero() {
			continue
		}
		if _, classNamespace, ok := other.ClassRef(); ok && classNamespace == b.mapping.Namespace {
			log.FromContext(ctx).V(1).Info("bundle namespace mapping still in use", "cluster", other.Name)
			return ctrl.Result{}, nil
		}
	}

	if err := a.client.Delete(ctx, b.mapping); client.IgnoreNotFound(err) != nil {
		return ctrl.Result{}, fmt.Errorf("failed to delete bundle namespace mapping: %w", err)
	}
	return ctrl.Result{}, nil
}

func (a *ClusterAdapter) write(ctx context.Context, primary, obj client.Object, patch bool, fieldManager string) error {
	if patch {
		return ApplyPatch(ctx, a.client, a.recorder, primary, obj, fieldManager)
	}
	_, err := CreateIfAbsent(ctx, a.client, a.recorder, primary, obj)
	return err
}

// clientID keeps the registration identity of an existing Fleet Cluster so
// repeated applies do not re-register the agent.
func (a *ClusterAdapter) clientID(ctx context.Context, fleetCluster *fleetv1alpha1.Cluster) (string, error) {
	existing := &fleetv1alpha1.Cluster{}
	err := a.client.Get(ctx, client.ObjectKeyFromObject(fleetCluster), existing)
	switch {
	case err == nil && existing.Spec.ClientID != "":
		return existing.Spec.ClientID, nil
	case err != nil && !apierrors.IsNotFound(err):
		return "", fmt.Errorf("failed to get fleet cluster: %w", err)
	}
	return uuid.NewString(), nil
}

// templateValues exposes the cluster, its control plane and its
// infrastructure cluster to Fleet bundle templating. Values are best effort:
// an unresolvable reference leaves them unset.
func (a *ClusterAdapter) templateValues(ctx context.Context, cluster *capiv1beta1.Cluster) *apiextensionsv1.JSON {
	logger := log.FromContext(ctx)

	if cluster.Spec.ControlPlaneRef == nil || cluster.Spec.InfrastructureRef == nil {
		return nil
	}
	controlPlane, err := a.fetchRef(ctx, cluster.Spec.ControlPlaneRef, cluster.Namespace)
	if err != nil {
		logger.V(1).Info("skipping template values", "reason", err.Error())
		return nil
	}
	infrastructure, err := a.fetchRef(ctx, cluster.Spec.InfrastructureRef, cluster.Namespace)
	if err != nil {
		logger.V(1).Info("skipping template values", "reason", err.Error())
		return nil
	}
	content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(cluster)
	if err != nil {
		logger.V(1).Info("skipping template values", "reason", err.Error())
		return nil
	}

	raw, err := json.Marshal(map[string]any{
		"Cluster":               stripDynamicFields(content),
		"ControlPlane":          stripDynamicFields(controlPlane.Object),
		"InfrastructureCluster": stripDynamicFields(infrastructure.Object),
	})
	if err != nil {
		logger.V(1).Info("skipping template values", "reason", err.Error())
		return nil
	}
	return &apiextensionsv1.JSON{Raw: raw}
}

func (a *ClusterAdapter) fetchRef(ctx context.Context, ref *corev1.ObjectReference, defaultNamespace string) (*unstructured.Unstructured, error) {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(ref.GroupVersionKind())
	namespace := ref.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}
	if err := a.reader.Get(ctx, client.ObjectKey{Namespace: namespace, Name: ref.Name}, obj); err != nil {
		return nil, fmt.Errorf("failed to get %s %s/%s: %w", ref.Kind, namespace, ref.Name, err)
	}
	return obj, nil
}

func stripDynamicFields(content map[string]any) map[string]any {
	delete(content, "status")
	unstructured.RemoveNestedField(content, "metadata", "managedFields")
	return content
}

// ClustersInNamespace maps a namespace to the cached clusters it contains.
func ClustersInNamespace(clusters *dispatch.Handle[capiv1beta1.Cluster, *capiv1beta1.Cluster]) dispatch.MapFunc[*corev1.Namespace] {
	return func(_ context.Context, ns *corev1.Namespace) []reconcile.Request {
		var requests []reconcile.Request
		for _, cluster := range clusters.InNamespace(ns.Name) {
			requests = append(requests, reconcile.Request{NamespacedName: client.ObjectKeyFromObject(cluster)})
		}
		return requests
	}
}

// ClustersForMapping maps a BundleNamespaceMapping to the cached clusters in
// the namespace it serves that reference a class in the mapping namespace.
func ClustersForMapping(clusters *dispatch.Handle[capiv1beta1.Cluster, *capiv1beta1.Cluster]) func(context.Context, client.Object) []reconcile.Request {
	return func(_ context.Context, mapping client.Object) []reconcile.Request {
		var requests []reconcile.Request
		for _, cluster := range clusters.InNamespace(mapping.GetName()) {
			if _, classNamespace, ok := cluster.ClassRef(); ok && classNamespace == mapping.GetNamespace() {
				requests = append(requests, reconcile.Request{NamespacedName: client.ObjectKeyFromObject(cluster)})
			}
		}
		return requests
	}
}
