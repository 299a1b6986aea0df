package controller

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8slabels "k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	capiv1beta1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/capi/v1beta1"
	fleetv1alpha1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/fleet/v1alpha1"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/util/labels"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/util/naming"
)

// ClusterGroupAdapter keeps cross-namespace class groups labeled like their
// ClusterClass and removes the namespace mapping once a group goes away.
type ClusterGroupAdapter struct {
	client   client.Client
	recorder record.EventRecorder
	classes  LookupFunc[*capiv1beta1.ClusterClass]
}

// NewClusterGroupAdapter creates a new ClusterGroupAdapter. classes resolves
// the ClusterClass a group was created for.
func NewClusterGroupAdapter(c client.Client, recorder record.EventRecorder, classes LookupFunc[*capiv1beta1.ClusterClass]) *ClusterGroupAdapter {
	return &ClusterGroupAdapter{client: c, recorder: recorder, classes: classes}
}

// Kind implements Adapter.
func (a *ClusterGroupAdapter) Kind() string {
	return "ClusterGroup"
}

// ToBundle implements Adapter. Only groups carrying the class name label are
// managed.
func (a *ClusterGroupAdapter) ToBundle(_ context.Context, group *fleetv1alpha1.ClusterGroup) (Bundle, error) {
	className, classNamespace, ok := labels.ClusterClassRef(group.Labels, group.Namespace)
	if !ok {
		return nil, nil
	}
	return &groupBundle{
		adapter:        a,
		group:          group,
		className:      className,
		classNamespace: classNamespace,
	}, nil
}

type groupBundle struct {
	adapter        *ClusterGroupAdapter
	group          *fleetv1alpha1.ClusterGroup
	className      string
	classNamespace string
}

// Sync implements Bundle.
func (b *groupBundle) Sync(ctx context.Context) (ctrl.Result, error) {
	a := b.adapter
	class, found, err := a.classes(ctx, client.ObjectKey{Namespace: b.classNamespace, Name: b.className})
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to get cluster class %s/%s: %w", b.classNamespace, b.className, err)
	}
	if !found {
		log.FromContext(ctx).V(1).Info("cluster class not found", "clusterClass", b.className, "namespace", b.classNamespace)
		return ctrl.Result{}, nil
	}

	merged := k8slabels.Merge(b.group.Labels, class.Labels)
	if k8slabels.Equals(merged, b.group.Labels) {
		return ctrl.Result{}, nil
	}

	update := &fleetv1alpha1.ClusterGroup{
		ObjectMeta: metav1.ObjectMeta{
			Name:      b.group.Name,
			Namespace: b.group.Namespace,
			Labels:    merged,
		},
	}
	if err := ApplyPatch(ctx, a.client, a.recorder, b.group, update, FieldManager); err != nil {
		return ctrl.Result{}, err
	}
	return ctrl.Result{}, nil
}

// Cleanup implements Bundle.
func (b *groupBundle) Cleanup(ctx context.Context) (ctrl.Result, error) {
	if b.classNamespace == b.group.Namespace {
		return ctrl.Result{}, nil
	}

	mapping := &fleetv1alpha1.BundleNamespaceMapping{}
	mapping.Name = naming.BundleNamespaceMapping(b.group.Namespace)
	mapping.Namespace = b.classNamespace
	if err := b.adapter.client.Delete(ctx, mapping); client.IgnoreNotFound(err) != nil {
		return ctrl.Result{}, fmt.Errorf("failed to delete bundle namespace mapping: %w", err)
	}
	log.FromContext(ctx).Info("removed bundle namespace mapping",
		"classNamespace", b.classNamespace,
		"clusterNamespace", b.group.Namespace)
	return ctrl.Result{}, nil
}
