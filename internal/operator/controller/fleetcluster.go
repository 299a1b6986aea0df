package controller

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	fleetv1alpha1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/fleet/v1alpha1"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/util/labels"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/util/naming"
)

// FleetClusterAdapter issues registration tokens for imported clusters when
// agents register themselves.
type FleetClusterAdapter struct {
	client   client.Client
	recorder record.EventRecorder
	config   *ConfigSource
}

// NewFleetClusterAdapter creates a new FleetClusterAdapter.
func NewFleetClusterAdapter(c client.Client, recorder record.EventRecorder, config *ConfigSource) *FleetClusterAdapter {
	return &FleetClusterAdapter{client: c, recorder: recorder, config: config}
}

// +kubebuilder:rbac:groups=fleet.cattle.io,resources=clusterregistrationtokens,verbs=get;list;watch;create

// Kind implements Adapter.
func (a *FleetClusterAdapter) Kind() string {
	return "FleetCluster"
}

// ToBundle implements Adapter.
func (a *FleetClusterAdapter) ToBundle(ctx context.Context, cluster *fleetv1alpha1.Cluster) (Bundle, error) {
	if !labels.IsManagedByAddonProvider(cluster.Labels) {
		return nil, nil
	}
	cfg, err := a.config.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.AgentInitiated() {
		return nil, nil
	}

	token := &fleetv1alpha1.ClusterRegistrationToken{
		ObjectMeta: metav1.ObjectMeta{
			Name:      naming.RegistrationToken(cluster.Name),
			Namespace: cluster.Namespace,
			Labels:    labels.NewLabelBuilder(nil).WithManagedBy(labels.ManagedByAddonProvider).Build(),
		},
	}
	if err := controllerutil.SetControllerReference(cluster, token, a.client.Scheme()); err != nil {
		return nil, fmt.Errorf("failed to set owner reference: %w", err)
	}
	return &tokenBundle{adapter: a, cluster: cluster, token: token}, nil
}

type tokenBundle struct {
	adapter *FleetClusterAdapter
	cluster *fleetv1alpha1.Cluster
	token   *fleetv1alpha1.ClusterRegistrationToken
}

// Sync implements Bundle.
func (b *tokenBundle) Sync(ctx context.Context) (ctrl.Result, error) {
	_, err := CreateIfAbsent(ctx, b.adapter.client, b.adapter.recorder, b.cluster, b.token)
	return ctrl.Result{}, err
}

// Cleanup implements Bundle. The token is owned by the cluster.
func (b *tokenBundle) Cleanup(context.Context) (ctrl.Result, error) {
	return ctrl.Result{}, nil
}
