package controller

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	capiv1beta1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/capi/v1beta1"
	fleetv1alpha1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/fleet/v1alpha1"
	addonsv1alpha1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/v1alpha1"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/operator/dispatch"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/util/labels"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/util/naming"
)

func newConfig(mutate func(*addonsv1alpha1.FleetAddonConfig)) *addonsv1alpha1.FleetAddonConfig {
	cfg := addonsv1alpha1.DefaultFleetAddonConfig()
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func newClusterEngine(env *testEnv) *Engine[capiv1beta1.Cluster, *capiv1beta1.Cluster] {
	adapter := NewClusterAdapter(env.client, env.client, env.recorder, env.config(), nil)
	return NewEngine(env.client, env.recorder, Adapter[*capiv1beta1.Cluster](adapter), nil)
}

func TestClusterImport(t *testing.T) {
	cluster := newCluster("default", "c1", withLabels(map[string]string{"env": "prod"}))
	env := newTestEnv(t, interceptor.Funcs{}, newNamespace("default", nil), cluster)

	reconcileCluster(t, newClusterEngine(env), cluster)

	p, ok := env.applies.find("Cluster", "default", "c1")
	require.True(t, ok, "fleet cluster was not applied")
	assert.Equal(t, FieldManager, p.FieldManager)
	assert.Equal(t, fleetv1alpha1.GroupVersion.String(), p.Object.GetAPIVersion())

	fleetCluster := &fleetv1alpha1.Cluster{}
	require.NoError(t, runtime.DefaultUnstructuredConverter.FromUnstructured(p.Object.Object, fleetCluster))
	assert.Equal(t, naming.KubeconfigSecret("c1"), fleetCluster.Spec.KubeConfigSecret)
	assert.Equal(t, addonsv1alpha1.DefaultAgentNamespace, fleetCluster.Spec.AgentNamespace)
	assert.Equal(t, addonsv1alpha1.DefaultAgentTolerations(), fleetCluster.Spec.AgentTolerations)
	assert.Empty(t, fleetCluster.Spec.ClientID)
	assert.Equal(t, "prod", fleetCluster.Labels["env"])
	assert.True(t, labels.IsManagedByAddonProvider(fleetCluster.Labels))

	owner := metav1.GetControllerOf(fleetCluster)
	require.NotNil(t, owner)
	assert.Equal(t, "Cluster", owner.Kind)
	assert.Equal(t, "c1", owner.Name)

	stored := &capiv1beta1.Cluster{}
	requireGet(t, env.client, client.ObjectKeyFromObject(cluster), stored)
	assert.True(t, controllerutil.ContainsFinalizer(stored, FinalizerName))
}

func TestClusterImportWaitsForControlPlane(t *testing.T) {
	cluster := newCluster("default", "c1", notReady())
	env := newTestEnv(t, interceptor.Funcs{}, newNamespace("default", nil), cluster)

	reconcileCluster(t, newClusterEngine(env), cluster)

	assert.Empty(t, env.applies.all())
	stored := &capiv1beta1.Cluster{}
	requireGet(t, env.client, client.ObjectKeyFromObject(cluster), stored)
	assert.Empty(t, stored.Finalizers)
}

func TestClusterImportSelectors(t *testing.T) {
	selectProd := func(cfg *addonsv1alpha1.FleetAddonConfig) {
		cfg.Spec.Cluster.Selector = metav1.LabelSelector{MatchLabels: map[string]string{"env": "prod"}}
	}
	selectImportNamespace := func(cfg *addonsv1alpha1.FleetAddonConfig) {
		selectProd(cfg)
		cfg.Spec.Cluster.NamespaceSelector = metav1.LabelSelector{MatchLabels: map[string]string{"import": "true"}}
	}

	tests := []struct {
		name     string
		config   *addonsv1alpha1.FleetAddonConfig
		labels   map[string]string
		nsLabels map[string]string
		imported bool
	}{
		{
			name:     "empty selector imports everything",
			config:   newConfig(nil),
			imported: true,
		},
		{
			name:     "cluster selector match",
			config:   newConfig(selectProd),
			labels:   map[string]string{"env": "prod"},
			imported: true,
		},
		{
			name:     "cluster selector miss",
			config:   newConfig(selectProd),
			labels:   map[string]string{"env": "dev"},
			imported: false,
		},
		{
			name:     "namespace selector match",
			config:   newConfig(selectImportNamespace),
			labels:   map[string]string{"env": "dev"},
			nsLabels: map[string]string{"import": "true"},
			imported: true,
		},
		{
			name:     "neither selector matches",
			config:   newConfig(selectImportNamespace),
			labels:   map[string]string{"env": "dev"},
			nsLabels: map[string]string{"import": "false"},
			imported: false,
		},
		{
			name:     "cluster operations disabled",
			config:   newConfig(func(cfg *addonsv1alpha1.FleetAddonConfig) { cfg.Spec.Cluster = nil }),
			imported: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster := newCluster("default", "c1", withLabels(tt.labels))
			env := newTestEnv(t, interceptor.Funcs{}, tt.config, newNamespace("default", tt.nsLabels), cluster)

			reconcileCluster(t, newClusterEngine(env), cluster)

			_, ok := env.applies.find("Cluster", "default", "c1")
			assert.Equal(t, tt.imported, ok)
		})
	}
}

func TestClusterImportNamingAndSettings(t *testing.T) {
	cfg := newConfig(func(cfg *addonsv1alpha1.FleetAddonConfig) {
		cfg.Spec.Cluster.Naming = &addonsv1alpha1.NamingStrategy{Prefix: "capi-", Suffix: "-x"}
		cfg.Spec.Cluster.AgentNamespace = "agents"
		cfg.Spec.Cluster.HostNetwork = ptr.To(true)
		cfg.Spec.Cluster.SetOwnerReferences = ptr.To(false)
		cfg.Spec.Cluster.AgentEnvVars = []corev1.EnvVar{{Name: "HTTP_PROXY", Value: "proxy:3128"}}
	})
	cluster := newCluster("default", "c1")
	env := newTestEnv(t, interceptor.Funcs{}, cfg, newNamespace("default", nil), cluster)

	reconcileCluster(t, newClusterEngine(env), cluster)

	p, ok := env.applies.find("Cluster", "default", "capi-c1-x")
	require.True(t, ok)
	fleetCluster := &fleetv1alpha1.Cluster{}
	require.NoError(t, runtime.DefaultUnstructuredConverter.FromUnstructured(p.Object.Object, fleetCluster))
	assert.Equal(t, "agents", fleetCluster.Spec.AgentNamespace)
	assert.Equal(t, ptr.To(true), fleetCluster.Spec.HostNetwork)
	assert.Equal(t, cfg.Spec.Cluster.AgentEnvVars, fleetCluster.Spec.AgentEnvVars)
	assert.Empty(t, fleetCluster.OwnerReferences)
}

func TestClusterImportAgentTolerations(t *testing.T) {
	custom := []corev1.Toleration{{Key: "dedicated", Operator: corev1.TolerationOpEqual, Value: "fleet", Effect: corev1.TaintEffectNoSchedule}}

	tests := []struct {
		name   string
		config *addonsv1alpha1.FleetAddonConfig
		want   []corev1.Toleration
	}{
		{
			name: "cluster section without tolerations",
			config: &addonsv1alpha1.FleetAddonConfig{
				ObjectMeta: metav1.ObjectMeta{Name: addonsv1alpha1.ConfigName},
				Spec: addonsv1alpha1.FleetAddonConfigSpec{
					Cluster: &addonsv1alpha1.ClusterConfig{PatchResource: ptr.To(true)},
				},
			},
			want: addonsv1alpha1.DefaultAgentTolerations(),
		},
		{
			name: "configured tolerations",
			config: newConfig(func(cfg *addonsv1alpha1.FleetAddonConfig) {
				cfg.Spec.Cluster.AgentTolerations = custom
			}),
			want: custom,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster := newCluster("default", "c1")
			env := newTestEnv(t, interceptor.Funcs{}, tt.config, newNamespace("default", nil), cluster)

			reconcileCluster(t, newClusterEngine(env), cluster)

			p, ok := env.applies.find("Cluster", "default", "c1")
			require.True(t, ok)
			fleetCluster := &fleetv1alpha1.Cluster{}
			require.NoError(t, runtime.DefaultUnstructuredConverter.FromUnstructured(p.Object.Object, fleetCluster))
			assert.Equal(t, tt.want, fleetCluster.Spec.AgentTolerations)
		})
	}
}

func TestClusterImportWithoutPatching(t *testing.T) {
	cfg := newConfig(func(cfg *addonsv1alpha1.FleetAddonConfig) {
		cfg.Spec.Cluster.PatchResource = ptr.To(false)
	})
	cluster := newCluster("default", "c1")
	existing := &fleetv1alpha1.Cluster{
		ObjectMeta: metav1.ObjectMeta{Name: "c1", Namespace: "default", Labels: map[string]string{"keep": "me"}},
	}
	env := newTestEnv(t, interceptor.Funcs{}, cfg, newNamespace("default", nil), cluster, existing)
	engine := newClusterEngine(env)

	reconcileCluster(t, engine, cluster)
	assert.Empty(t, env.applies.all())

	stored := &fleetv1alpha1.Cluster{}
	requireGet(t, env.client, client.ObjectKey{Namespace: "default", Name: "c1"}, stored)
	assert.Equal(t, map[string]string{"keep": "me"}, stored.Labels, "existing fleet cluster must be left alone")
	assert.Empty(t, env.events(), "no event without a create")

	other := newCluster("default", "c2")
	require.NoError(t, env.client.Create(context.Background(), other))
	reconcileCluster(t, engine, other)
	requireGet(t, env.client, client.ObjectKey{Namespace: "default", Name: "c2"}, stored)
	assert.Equal(t, naming.KubeconfigSecret("c2"), stored.Spec.KubeConfigSecret)
}

func TestClusterImportAgentInitiated(t *testing.T) {
	cfg := newConfig(func(cfg *addonsv1alpha1.FleetAddonConfig) {
		cfg.Spec.Cluster.AgentInitiated = ptr.To(true)
	})

	t.Run("keeps the existing client id", func(t *testing.T) {
		cluster := newCluster("default", "c1")
		existing := &fleetv1alpha1.Cluster{
			ObjectMeta: metav1.ObjectMeta{Name: "c1", Namespace: "default"},
			Spec:       fleetv1alpha1.ClusterSpec{ClientID: "registered-id"},
		}
		env := newTestEnv(t, interceptor.Funcs{}, cfg.DeepCopy(), newNamespace("default", nil), cluster, existing)

		reconcileCluster(t, newClusterEngine(env), cluster)

		p, ok := env.applies.find("Cluster", "default", "c1")
		require.True(t, ok)
		clientID, _, _ := unstructured.NestedString(p.Object.Object, "spec", "clientID")
		assert.Equal(t, "registered-id", clientID)
		_, found, _ := unstructured.NestedString(p.Object.Object, "spec", "kubeConfigSecret")
		assert.False(t, found, "agent initiated clusters have no kubeconfig secret")
	})

	t.Run("generates a client id for new clusters", func(t *testing.T) {
		cluster := newCluster("default", "c1")
		env := newTestEnv(t, interceptor.Funcs{}, cfg.DeepCopy(), newNamespace("default", nil), cluster)

		reconcileCluster(t, newClusterEngine(env), cluster)

		p, ok := env.applies.find("Cluster", "default", "c1")
		require.True(t, ok)
		clientID, _, _ := unstructured.NestedString(p.Object.Object, "spec", "clientID")
		assert.Len(t, clientID, 36)
	})
}

func TestClusterImportCrossNamespaceClass(t *testing.T) {
	cluster := newCluster("team-a", "c1", withClass("quick-start", "classes"))
	env := newTestEnv(t, interceptor.Funcs{}, newNamespace("team-a", nil), cluster)

	reconcileCluster(t, newClusterEngine(env), cluster)

	mapping, ok := env.applies.find("BundleNamespaceMapping", "classes", "team-a")
	require.True(t, ok, "bundle namespace mapping was not applied")
	assert.Equal(t, naming.ClusterFieldManager("team-a", "c1"), mapping.FieldManager)
	nsSelector, _, _ := unstructured.NestedStringMap(mapping.Object.Object, "namespaceSelector", "matchLabels")
	assert.Equal(t, map[string]string{labels.KeyNamespaceName: "team-a"}, nsSelector)

	group, ok := env.applies.find("ClusterGroup", "team-a", "quick-start")
	require.True(t, ok, "class group was not applied")
	assert.Equal(t, naming.ClusterFieldManager("team-a", "c1"), group.FieldManager)
	assert.Empty(t, group.Object.GetOwnerReferences())
	assert.Equal(t, "quick-start", group.Object.GetLabels()[labels.KeyClusterClassName])
	assert.Equal(t, "classes", group.Object.GetLabels()[labels.KeyClusterClassNamespace])

	fleetCluster, ok := env.applies.find("Cluster", "team-a", "c1")
	require.True(t, ok)
	assert.Equal(t, "quick-start", fleetCluster.Object.GetLabels()[labels.KeyClusterClassName])

	patches := env.applies.all()
	require.Len(t, patches, 3)
	assert.Equal(t, "BundleNamespaceMapping", patches[0].Object.GetKind(), "mapping is written first")
}

func TestClusterImportSameNamespaceClass(t *testing.T) {
	cluster := newCluster("default", "c1", withClass("quick-start", ""))
	env := newTestEnv(t, interceptor.Funcs{}, newNamespace("default", nil), cluster)

	reconcileCluster(t, newClusterEngine(env), cluster)

	patches := env.applies.all()
	require.Len(t, patches, 1)
	assert.Equal(t, "Cluster", patches[0].Object.GetKind())
}

func TestClusterCleanupRemovesUnusedMapping(t *testing.T) {
	mapping := toBundleNamespaceMapping("team-a", "classes")

	t.Run("last cluster removes the mapping", func(t *testing.T) {
		cluster := newCluster("team-a", "c1", withClass("quick-start", "classes"), deleting(FinalizerName))
		env := newTestEnv(t, interceptor.Funcs{}, newNamespace("team-a", nil), cluster, mapping.DeepCopy())

		reconcileCluster(t, newClusterEngine(env), cluster)

		err := env.client.Get(context.Background(), client.ObjectKeyFromObject(mapping), &fleetv1alpha1.BundleNamespaceMapping{})
		assert.True(t, apierrors.IsNotFound(err))
		err = env.client.Get(context.Background(), client.ObjectKeyFromObject(cluster), &capiv1beta1.Cluster{})
		assert.True(t, apierrors.IsNotFound(err), "finalizer should be released")
	})

	t.Run("mapping shared with another cluster is kept", func(t *testing.T) {
		cluster := newCluster("team-a", "c1", withClass("quick-start", "classes"), deleting(FinalizerName))
		sibling := newCluster("team-a", "c2", withClass("other-class", "classes"))
		env := newTestEnv(t, interceptor.Funcs{}, newNamespace("team-a", nil), cluster, sibling, mapping.DeepCopy())

		reconcileCluster(t, newClusterEngine(env), cluster)

		requireGet(t, env.client, client.ObjectKeyFromObject(mapping), &fleetv1alpha1.BundleNamespaceMapping{})
		err := env.client.Get(context.Background(), client.ObjectKeyFromObject(cluster), &capiv1beta1.Cluster{})
		assert.True(t, apierrors.IsNotFound(err))
	})

	t.Run("cleanup still runs once the cluster stops matching", func(t *testing.T) {
		cfg := newConfig(func(cfg *addonsv1alpha1.FleetAddonConfig) {
			cfg.Spec.Cluster.Selector = metav1.LabelSelector{MatchLabels: map[string]string{"env": "prod"}}
		})
		cluster := newCluster("team-a", "c1", withClass("quick-start", "classes"), deleting(FinalizerName))
		env := newTestEnv(t, interceptor.Funcs{}, cfg, newNamespace("team-a", nil), cluster, mapping.DeepCopy())

		reconcileCluster(t, newClusterEngine(env), cluster)

		err := env.client.Get(context.Background(), client.ObjectKeyFromObject(mapping), &fleetv1alpha1.BundleNamespaceMapping{})
		assert.True(t, apierrors.IsNotFound(err))
	})
}

func TestClusterTemplateValuesNeedReferences(t *testing.T) {
	env := newTestEnv(t, interceptor.Funcs{})
	adapter := NewClusterAdapter(env.client, env.client, env.recorder, env.config(), nil)

	assert.Nil(t, adapter.templateValues(context.Background(), newCluster("default", "c1")))

	cluster := newCluster("default", "c1")
	cluster.Spec.ControlPlaneRef = &corev1.ObjectReference{APIVersion: "v1", Kind: "ConfigMap", Name: "cp"}
	cluster.Spec.InfrastructureRef = &corev1.ObjectReference{APIVersion: "v1", Kind: "ConfigMap", Name: "infra"}
	assert.Nil(t, adapter.templateValues(context.Background(), cluster), "unresolvable references yield no values")
}

func TestClusterTemplateValues(t *testing.T) {
	controlPlane := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "cp", Namespace: "default"},
		Data:       map[string]string{"replicas": "3"},
	}
	infra := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "infra", Namespace: "default"},
		Data:       map[string]string{"region": "eu"},
	}
	env := newTestEnv(t, interceptor.Funcs{}, controlPlane, infra)
	adapter := NewClusterAdapter(env.client, env.client, env.recorder, env.config(), nil)

	cluster := newCluster("default", "c1")
	cluster.Spec.ControlPlaneRef = &corev1.ObjectReference{APIVersion: "v1", Kind: "ConfigMap", Name: "cp"}
	cluster.Spec.InfrastructureRef = &corev1.ObjectReference{APIVersion: "v1", Kind: "ConfigMap", Name: "infra"}

	values := adapter.templateValues(context.Background(), cluster)
	require.NotNil(t, values)

	decoded := map[string]map[string]any{}
	require.NoError(t, json.Unmarshal(values.Raw, &decoded))
	assert.Equal(t, map[string]any{"replicas": "3"}, decoded["ControlPlane"]["data"])
	assert.Equal(t, map[string]any{"region": "eu"}, decoded["InfrastructureCluster"]["data"])
	assert.NotContains(t, decoded["Cluster"], "status")
}

func publishTyped(t *testing.T, d *dispatch.Dispatcher, obj client.Object) {
	t.Helper()
	content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	require.NoError(t, err)
	u := &unstructured.Unstructured{Object: content}
	require.NoError(t, d.Publish(context.Background(), dispatch.Event{Type: dispatch.Apply, Object: u}))
}

func TestClusterMapFuncs(t *testing.T) {
	d := dispatch.NewDispatcher(16)
	clusters := dispatch.Subscribe[capiv1beta1.Cluster](d, capiv1beta1.ClusterGVK)

	objects := []*capiv1beta1.Cluster{
		newCluster("team-a", "c1", withClass("quick-start", "classes")),
		newCluster("team-a", "c2"),
		newCluster("team-b", "c3", withClass("quick-start", "classes")),
	}
	for _, c := range objects {
		c.SetGroupVersionKind(capiv1beta1.ClusterGVK)
		publishTyped(t, d, c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for range objects {
		_, err := clusters.Next(ctx)
		require.NoError(t, err)
	}

	request := func(namespace, name string) reconcile.Request {
		return reconcile.Request{NamespacedName: types.NamespacedName{Namespace: namespace, Name: name}}
	}

	inNamespace := ClustersInNamespace(clusters)(ctx, newNamespace("team-a", nil))
	assert.ElementsMatch(t, []reconcile.Request{request("team-a", "c1"), request("team-a", "c2")}, inNamespace)

	forMapping := ClustersForMapping(clusters)(ctx, toBundleNamespaceMapping("team-a", "classes"))
	assert.Equal(t, []reconcile.Request{request("team-a", "c1")}, forMapping)

	lookup := HandleLookup(clusters)
	found, ok, err := lookup(ctx, types.NamespacedName{Namespace: "team-b", Name: "c3"})
	require.NoError(t, err)
	require.True(t, ok)
	found.Labels = map[string]string{"mutated": "true"}
	again, _, _ := lookup(ctx, types.NamespacedName{Namespace: "team-b", Name: "c3"})
	assert.Empty(t, again.Labels, "lookups must hand out copies")
}

func TestClusterAdapterReadsNamespaceFromHandle(t *testing.T) {
	d := dispatch.NewDispatcher(4)
	namespaces := dispatch.Subscribe[corev1.Namespace](d, NamespaceGVK)
	ns := newNamespace("team-a", map[string]string{"import": "true"})
	ns.SetGroupVersionKind(NamespaceGVK)
	publishTyped(t, d, ns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := namespaces.Next(ctx)
	require.NoError(t, err)

	cfg := newConfig(func(cfg *addonsv1alpha1.FleetAddonConfig) {
		cfg.Spec.Cluster.Selector = metav1.LabelSelector{MatchLabels: map[string]string{"env": "prod"}}
		cfg.Spec.Cluster.NamespaceSelector = metav1.LabelSelector{MatchLabels: map[string]string{"import": "true"}}
	})
	// the namespace only exists in the handle cache
	env := newTestEnv(t, interceptor.Funcs{}, cfg)
	adapter := NewClusterAdapter(env.client, env.client, env.recorder, env.config(), namespaces)

	bundle, err := adapter.ToBundle(ctx, newCluster("team-a", "c1"))
	require.NoError(t, err)
	assert.NotNil(t, bundle)

	_, err = adapter.ToBundle(ctx, newCluster("team-b", "c1"))
	assert.True(t, apierrors.IsNotFound(err), "unknown namespaces fall back to the API reader")
}

func TestClusterAdapterCleanupResult(t *testing.T) {
	env := newTestEnv(t, interceptor.Funcs{})
	adapter := NewClusterAdapter(env.client, env.client, env.recorder, env.config(), nil)

	result, err := adapter.Cleanup(context.Background(), newCluster("default", "c1"))
	require.NoError(t, err)
	assert.Equal(t, ctrl.Result{}, result)
}
