package controller

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	capiv1beta1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/capi/v1beta1"
	fleetv1alpha1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/fleet/v1alpha1"
	addonsv1alpha1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/v1alpha1"
)

func newScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(capiv1beta1.AddToScheme(scheme))
	utilruntime.Must(fleetv1alpha1.AddToScheme(scheme))
	utilruntime.Must(addonsv1alpha1.AddToScheme(scheme))
	return scheme
}

// appliedPatch is a server-side apply request seen by the fake client.
type appliedPatch struct {
	Object       *unstructured.Unstructured
	FieldManager string
	Force        bool
}

// applyRecorder captures apply patches, which the fake client cannot serve
// for the proxy CRD types, and passes every other call through.
type applyRecorder struct {
	mu      sync.Mutex
	patches []appliedPatch
}

func (r *applyRecorder) patch(ctx context.Context, c client.WithWatch, obj client.Object, patch client.Patch, opts ...client.PatchOption) error {
	if patch.Type() != types.ApplyPatchType {
		return c.Patch(ctx, obj, patch, opts...)
	}
	po := &client.PatchOptions{}
	po.ApplyOptions(opts)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.patches = append(r.patches, appliedPatch{
		Object:       obj.(*unstructured.Unstructured).DeepCopy(),
		FieldManager: po.FieldManager,
		Force:        po.Force != nil && *po.Force,
	})
	return nil
}

func (r *applyRecorder) all() []appliedPatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]appliedPatch(nil), r.patches...)
}

// find returns the last apply of kind at namespace/name.
func (r *applyRecorder) find(kind, namespace, name string) (appliedPatch, bool) {
	patches := r.all()
	for i := len(patches) - 1; i >= 0; i-- {
		p := patches[i]
		if p.Object.GetKind() == kind && p.Object.GetNamespace() == namespace && p.Object.GetName() == name {
			return p, true
		}
	}
	return appliedPatch{}, false
}

type testEnv struct {
	client   client.WithWatch
	recorder *record.FakeRecorder
	applies  *applyRecorder
}

// newTestEnv builds a fake client seeded with objs. funcs may override any
// call except Patch, which is always routed through the apply recorder.
func newTestEnv(t *testing.T, funcs interceptor.Funcs, objs ...client.Object) *testEnv {
	t.Helper()
	applies := &applyRecorder{}
	next := funcs.Patch
	funcs.Patch = func(ctx context.Context, c client.WithWatch, obj client.Object, patch client.Patch, opts ...client.PatchOption) error {
		if next != nil && patch.Type() != types.ApplyPatchType {
			return next(ctx, c, obj, patch, opts...)
		}
		return applies.patch(ctx, c, obj, patch, opts...)
	}

	c := fake.NewClientBuilder().
		WithScheme(newScheme(t)).
		WithObjects(objs...).
		WithStatusSubresource(&addonsv1alpha1.FleetAddonConfig{}).
		WithInterceptorFuncs(funcs).
		Build()

	return &testEnv{
		client:   c,
		recorder: record.NewFakeRecorder(100),
		applies:  applies,
	}
}

// events drains every event recorded so far.
func (e *testEnv) events() []string {
	var events []string
	for {
		select {
		case ev := <-e.recorder.Events:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func (e *testEnv) config() *ConfigSource {
	return NewConfigSource(e.client)
}

func newNamespace(name string, lbls map[string]string) *corev1.Namespace {
	return &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: lbls},
	}
}

type clusterOption func(*capiv1beta1.Cluster)

func withLabels(lbls map[string]string) clusterOption {
	return func(c *capiv1beta1.Cluster) { c.Labels = lbls }
}

func withClass(name, namespace string) clusterOption {
	return func(c *capiv1beta1.Cluster) {
		c.Spec.Topology = &capiv1beta1.Topology{Class: name, ClassNamespace: namespace}
	}
}

func notReady() clusterOption {
	return func(c *capiv1beta1.Cluster) { c.Status.ControlPlaneReady = false }
}

func deleting(finalizers ...string) clusterOption {
	return func(c *capiv1beta1.Cluster) {
		now := metav1.Now()
		c.DeletionTimestamp = &now
		c.Finalizers = finalizers
	}
}

func newCluster(namespace, name string, opts ...clusterOption) *capiv1beta1.Cluster {
	c := &capiv1beta1.Cluster{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			UID:       types.UID(namespace + "-" + name),
		},
		Status: capiv1beta1.ClusterStatus{ControlPlaneReady: true},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func requireGet(t *testing.T, c client.Client, key client.ObjectKey, obj client.Object) {
	t.Helper()
	require.NoError(t, c.Get(context.Background(), key, obj))
}

// asUnstructured converts obj the way a dynamic watch would deliver it.
func asUnstructured(t *testing.T, obj client.Object, gvk schema.GroupVersionKind) *unstructured.Unstructured {
	t.Helper()
	content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	require.NoError(t, err)
	u := &unstructured.Unstructured{Object: content}
	u.SetGroupVersionKind(gvk)
	return u
}
