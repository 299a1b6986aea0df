package controller

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8slabels "k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	capiv1beta1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/capi/v1beta1"
	fleetv1alpha1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/fleet/v1alpha1"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/util/labels"
)

// ClusterClassAdapter mirrors every selected ClusterClass as a Fleet
// ClusterGroup holding the clusters created from it.
type ClusterClassAdapter struct {
	client   client.Client
	recorder record.EventRecorder
	config   *ConfigSource
}

// NewClusterClassAdapter creates a new ClusterClassAdapter.
func NewClusterClassAdapter(c client.Client, recorder record.EventRecorder, config *ConfigSource) *ClusterClassAdapter {
	return &ClusterClassAdapter{client: c, recorder: recorder, config: config}
}

// +kubebuilder:rbac:groups=cluster.x-k8s.io,resources=clusterclasses,verbs=get;list;watch;patch;update

// Kind implements Adapter.
func (a *ClusterClassAdapter) Kind() string {
	return "ClusterClass"
}

// ToBundle implements Adapter.
func (a *ClusterClassAdapter) ToBundle(ctx context.Context, class *capiv1beta1.ClusterClass) (Bundle, error) {
	cfg, err := a.config.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.ClusterClassOperationsEnabled() {
		return nil, nil
	}
	selector, err := cfg.ClusterClassSelector()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	if !selector.Matches(k8slabels.Set(class.Labels)) {
		log.FromContext(ctx).V(1).Info("cluster class does not match the import selector")
		return nil, nil
	}

	group := &fleetv1alpha1.ClusterGroup{
		ObjectMeta: metav1.ObjectMeta{
			Name:      class.Name,
			Namespace: class.Namespace,
			Labels:    labels.NewLabelBuilder(class.Labels).Build(),
		},
		Spec: fleetv1alpha1.ClusterGroupSpec{
			Selector: labels.ClusterClassSelector(class.Name, class.Namespace),
		},
	}
	if cfg.ClusterClassOwnerReferences() {
		if err := controllerutil.SetOwnerReference(class, group, a.client.Scheme()); err != nil {
			return nil, fmt.Errorf("failed to set owner reference: %w", err)
		}
	}

	return &classBundle{
		adapter: a,
		class:   class,
		group:   group,
		patch:   cfg.ClusterClassPatchEnabled(),
	}, nil
}

type classBundle struct {
	adapter *ClusterClassAdapter
	class   *capiv1beta1.ClusterClass
	group   *fleetv1alpha1.ClusterGroup
	patch   bool
}

// Sync implements Bundle.
func (b *classBundle) Sync(ctx context.Context) (ctrl.Result, error) {
	a := b.adapter
	if b.patch {
		if err := ApplyPatch(ctx, a.client, a.recorder, b.class, b.group, FieldManager); err != nil {
			return ctrl.Result{}, err
		}
	} else if _, err := CreateIfAbsent(ctx, a.client, a.recorder, b.class, b.group); err != nil {
		return ctrl.Result{}, err
	}
	log.FromContext(ctx).Info("synced cluster group", "clusterGroup", b.group.Name)
	return ctrl.Result{}, nil
}

// Cleanup implements Bundle. The group is owned by the class.
func (b *classBundle) Cleanup(context.Context) (ctrl.Result, error) {
	return ctrl.Result{}, nil
}
