package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	capiv1beta1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/capi/v1beta1"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/operator/dispatch"
)

const testKind = "TestCluster"

type stubBundle struct {
	syncs      int
	cleanups   int
	syncErr    error
	cleanupErr error
	cleanupRes ctrl.Result
}

func (b *stubBundle) Sync(context.Context) (ctrl.Result, error) {
	b.syncs++
	return ctrl.Result{}, b.syncErr
}

func (b *stubBundle) Cleanup(context.Context) (ctrl.Result, error) {
	b.cleanups++
	return b.cleanupRes, b.cleanupErr
}

type stubAdapter struct {
	bundle   *stubBundle
	err      error
	toBundle int
}

func (a *stubAdapter) Kind() string { return testKind }

func (a *stubAdapter) ToBundle(context.Context, *capiv1beta1.Cluster) (Bundle, error) {
	a.toBundle++
	if a.err != nil {
		return nil, a.err
	}
	if a.bundle == nil {
		return nil, nil
	}
	return a.bundle, nil
}

type cleaningAdapter struct {
	stubAdapter
	cleaned []string
}

func (a *cleaningAdapter) Cleanup(_ context.Context, c *capiv1beta1.Cluster) (ctrl.Result, error) {
	a.cleaned = append(a.cleaned, c.Name)
	return ctrl.Result{}, nil
}

func reconcileCluster(t *testing.T, e *Engine[capiv1beta1.Cluster, *capiv1beta1.Cluster], c *capiv1beta1.Cluster) ctrl.Result {
	t.Helper()
	result, err := e.Reconcile(context.Background(), ctrl.Request{NamespacedName: client.ObjectKeyFromObject(c)})
	require.NoError(t, err, "engine must never surface errors")
	return result
}

func TestEngineAddsFinalizerBeforeSync(t *testing.T) {
	reconcileTotal.Reset()
	cluster := newCluster("default", "c1")
	env := newTestEnv(t, interceptor.Funcs{}, cluster)
	bundle := &stubBundle{}
	e := NewEngine(env.client, env.recorder, Adapter[*capiv1beta1.Cluster](&stubAdapter{bundle: bundle}), nil)

	result := reconcileCluster(t, e, cluster)
	assert.Equal(t, ctrl.Result{}, result)
	assert.Equal(t, 1, bundle.syncs)

	stored := &capiv1beta1.Cluster{}
	requireGet(t, env.client, client.ObjectKeyFromObject(cluster), stored)
	assert.True(t, controllerutil.ContainsFinalizer(stored, FinalizerName))
	assert.Equal(t, float64(1), testutil.ToFloat64(reconcileTotal.WithLabelValues(testKind, resultSuccess)))

	reconcileCluster(t, e, stored)
	assert.Equal(t, 2, bundle.syncs)
	requireGet(t, env.client, client.ObjectKeyFromObject(cluster), stored)
	assert.Equal(t, []string{FinalizerName}, stored.Finalizers, "finalizer must be added once")
}

func TestEngineNilBundleSkipsFinalizer(t *testing.T) {
	cluster := newCluster("default", "c1")
	env := newTestEnv(t, interceptor.Funcs{}, cluster)
	adapter := &stubAdapter{}
	e := NewEngine(env.client, env.recorder, Adapter[*capiv1beta1.Cluster](adapter), nil)

	reconcileCluster(t, e, cluster)
	assert.Equal(t, 1, adapter.toBundle)

	stored := &capiv1beta1.Cluster{}
	requireGet(t, env.client, client.ObjectKeyFromObject(cluster), stored)
	assert.Empty(t, stored.Finalizers)
}

func TestEngineMissingObject(t *testing.T) {
	env := newTestEnv(t, interceptor.Funcs{})
	adapter := &stubAdapter{bundle: &stubBundle{}}
	e := NewEngine(env.client, env.recorder, Adapter[*capiv1beta1.Cluster](adapter), nil)

	result := reconcileCluster(t, e, newCluster("default", "gone"))
	assert.Equal(t, ctrl.Result{}, result)
	assert.Zero(t, adapter.toBundle)
}

func TestEngineCleanupRemovesFinalizer(t *testing.T) {
	cluster := newCluster("default", "c1", deleting(FinalizerName))
	env := newTestEnv(t, interceptor.Funcs{}, cluster)
	bundle := &stubBundle{}
	e := NewEngine(env.client, env.recorder, Adapter[*capiv1beta1.Cluster](&stubAdapter{bundle: bundle}), nil)

	reconcileCluster(t, e, cluster)
	assert.Equal(t, 1, bundle.cleanups)
	assert.Zero(t, bundle.syncs)

	err := env.client.Get(context.Background(), client.ObjectKeyFromObject(cluster), &capiv1beta1.Cluster{})
	assert.True(t, apierrors.IsNotFound(err), "object should be gone once the finalizer is released")

	events := env.events()
	require.Len(t, events, 1)
	assert.Contains(t, events[0], EventReasonDeleteRequested)
}

func TestEngineCleanupIgnoresForeignFinalizers(t *testing.T) {
	cluster := newCluster("default", "c1", deleting("example.com/other"))
	env := newTestEnv(t, interceptor.Funcs{}, cluster)
	adapter := &stubAdapter{bundle: &stubBundle{}}
	e := NewEngine(env.client, env.recorder, Adapter[*capiv1beta1.Cluster](adapter), nil)

	reconcileCluster(t, e, cluster)
	assert.Zero(t, adapter.toBundle)
	assert.Empty(t, env.events())

	stored := &capiv1beta1.Cluster{}
	requireGet(t, env.client, client.ObjectKeyFromObject(cluster), stored)
	assert.Equal(t, []string{"example.com/other"}, stored.Finalizers)
}

func TestEngineCleanupRequeueKeepsFinalizer(t *testing.T) {
	cluster := newCluster("default", "c1", deleting(FinalizerName))
	env := newTestEnv(t, interceptor.Funcs{}, cluster)
	bundle := &stubBundle{cleanupRes: ctrl.Result{RequeueAfter: time.Minute}}
	e := NewEngine(env.client, env.recorder, Adapter[*capiv1beta1.Cluster](&stubAdapter{bundle: bundle}), nil)

	result := reconcileCluster(t, e, cluster)
	assert.Equal(t, time.Minute, result.RequeueAfter)

	stored := &capiv1beta1.Cluster{}
	requireGet(t, env.client, client.ObjectKeyFromObject(cluster), stored)
	assert.True(t, controllerutil.ContainsFinalizer(stored, FinalizerName))
}

func TestEngineCleanupFallsBackToObjectCleaner(t *testing.T) {
	cluster := newCluster("default", "c1", deleting(FinalizerName))
	env := newTestEnv(t, interceptor.Funcs{}, cluster)
	adapter := &cleaningAdapter{}
	e := NewEngine(env.client, env.recorder, Adapter[*capiv1beta1.Cluster](adapter), nil)

	reconcileCluster(t, e, cluster)
	assert.Equal(t, []string{"c1"}, adapter.cleaned)

	err := env.client.Get(context.Background(), client.ObjectKeyFromObject(cluster), &capiv1beta1.Cluster{})
	assert.True(t, apierrors.IsNotFound(err))
}

func TestEngineErrorPolicy(t *testing.T) {
	tests := []struct {
		name         string
		adapter      *stubAdapter
		funcs        interceptor.Funcs
		errorKind    string
		requeueAfter time.Duration
	}{
		{
			name:         "sync failure",
			adapter:      &stubAdapter{bundle: &stubBundle{syncErr: errors.New("boom")}},
			errorKind:    errorKindInternal,
			requeueAfter: 3 * time.Second,
		},
		{
			name:         "invalid configuration",
			adapter:      &stubAdapter{err: ErrInvalidConfiguration},
			errorKind:    errorKindConfiguration,
			requeueAfter: 3 * time.Second,
		},
		{
			name:         "fleet missing",
			adapter:      &stubAdapter{bundle: &stubBundle{syncErr: ErrFleetNotInstalled}},
			errorKind:    errorKindInstall,
			requeueAfter: installRequeueAfter,
		},
		{
			name:    "finalizer conflict",
			adapter: &stubAdapter{bundle: &stubBundle{}},
			funcs: interceptor.Funcs{
				Patch: func(context.Context, client.WithWatch, client.Object, client.Patch, ...client.PatchOption) error {
					return apierrors.NewConflict(schema.GroupResource{Group: "cluster.x-k8s.io", Resource: "clusters"}, "c1", errors.New("modified"))
				},
			},
			errorKind:    errorKindTransport,
			requeueAfter: 3 * time.Second,
		},
		{
			name:    "lookup failure",
			adapter: &stubAdapter{bundle: &stubBundle{}},
			funcs: interceptor.Funcs{
				Get: func(context.Context, client.WithWatch, client.ObjectKey, client.Object, ...client.GetOption) error {
					return apierrors.NewServiceUnavailable("down")
				},
			},
			errorKind:    errorKindTransport,
			requeueAfter: 3 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reconcileFailures.Reset()
			reconcileTotal.Reset()
			cluster := newCluster("default", "c1")
			env := newTestEnv(t, tt.funcs, cluster)
			e := NewEngine(env.client, env.recorder, Adapter[*capiv1beta1.Cluster](tt.adapter), nil, WithRequeueAfter(3*time.Second))

			result := reconcileCluster(t, e, cluster)
			assert.Equal(t, tt.requeueAfter, result.RequeueAfter)
			assert.Equal(t, float64(1), testutil.ToFloat64(reconcileFailures.WithLabelValues(testKind, tt.errorKind)))
			assert.Equal(t, float64(1), testutil.ToFloat64(reconcileTotal.WithLabelValues(testKind, resultError)))
		})
	}
}

func TestEngineWithoutMetrics(t *testing.T) {
	reconcileTotal.Reset()
	cluster := newCluster("default", "c1")
	env := newTestEnv(t, interceptor.Funcs{}, cluster)
	e := NewEngine(env.client, env.recorder, Adapter[*capiv1beta1.Cluster](&stubAdapter{}), nil, WithMetrics(false))

	reconcileCluster(t, e, cluster)
	assert.Zero(t, testutil.CollectAndCount(reconcileTotal))
}

func TestClientLookupMissing(t *testing.T) {
	env := newTestEnv(t, interceptor.Funcs{})
	lookup := ClientLookup[capiv1beta1.Cluster](env.client)

	_, found, err := lookup(context.Background(), client.ObjectKey{Namespace: "default", Name: "missing"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWithRequeueAfterIgnoresNonPositive(t *testing.T) {
	o := newOptions([]Option{WithRequeueAfter(0), WithRequeueAfter(-time.Second)})
	assert.Equal(t, defaultRequeueAfter, o.requeueAfter)
	assert.True(t, o.enableMetrics)

	o = newOptions([]Option{WithRequeueAfter(time.Minute), WithMetrics(false)})
	assert.Equal(t, time.Minute, o.requeueAfter)
	assert.False(t, o.enableMetrics)
}

// cachedClusters returns a cluster handle holding clusters, as if they had
// been listed by a watch.
func cachedClusters(t *testing.T, clusters ...*capiv1beta1.Cluster) *dispatch.Handle[capiv1beta1.Cluster, *capiv1beta1.Cluster] {
	t.Helper()
	d := dispatch.NewDispatcher(len(clusters) + 1)
	h := dispatch.Subscribe[capiv1beta1.Cluster](d, capiv1beta1.ClusterGVK)
	t.Cleanup(d.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range clusters {
		require.NoError(t, d.Publish(ctx, dispatch.Event{Type: dispatch.InitApply, Object: asUnstructured(t, c, capiv1beta1.ClusterGVK)}))
		_, err := h.Next(ctx)
		require.NoError(t, err)
	}
	return h
}

func TestEngineEvictsObjectsGoneFromTheAPI(t *testing.T) {
	reconcileFailures.Reset()
	reconcileTotal.Reset()
	ghost := newCluster("default", "ghost")
	handle := cachedClusters(t, ghost)
	env := newTestEnv(t, interceptor.Funcs{})
	bundle := &stubBundle{}
	e := NewEngine(env.client, env.recorder, Adapter[*capiv1beta1.Cluster](&stubAdapter{bundle: bundle}),
		HandleLookup(handle), WithStaleCacheCheck(env.client, handle.Forget))

	result := reconcileCluster(t, e, ghost)
	assert.Equal(t, ctrl.Result{}, result)
	_, cached := handle.Get(client.ObjectKeyFromObject(ghost))
	assert.False(t, cached)
	assert.Zero(t, bundle.syncs)
	assert.Zero(t, testutil.CollectAndCount(reconcileFailures))
	assert.Equal(t, float64(1), testutil.ToFloat64(reconcileTotal.WithLabelValues(testKind, resultSuccess)))

	// evicted, so the next request finds nothing to do
	assert.Equal(t, ctrl.Result{}, reconcileCluster(t, e, ghost))
}

func TestEngineStaleCacheCheckKeepsLiveObjects(t *testing.T) {
	reconcileFailures.Reset()
	cluster := newCluster("default", "c1")
	env := newTestEnv(t, interceptor.Funcs{}, cluster)
	stored := &capiv1beta1.Cluster{}
	requireGet(t, env.client, client.ObjectKeyFromObject(cluster), stored)
	handle := cachedClusters(t, stored)
	e := NewEngine(env.client, env.recorder,
		Adapter[*capiv1beta1.Cluster](&stubAdapter{bundle: &stubBundle{syncErr: errors.New("boom")}}),
		HandleLookup(handle), WithStaleCacheCheck(env.client, handle.Forget), WithRequeueAfter(3*time.Second))

	result := reconcileCluster(t, e, cluster)
	assert.Equal(t, 3*time.Second, result.RequeueAfter)
	_, cached := handle.Get(client.ObjectKeyFromObject(cluster))
	assert.True(t, cached)
	assert.Equal(t, float64(1), testutil.ToFloat64(reconcileFailures.WithLabelValues(testKind, errorKindInternal)))
}

func TestEngineWithoutStaleCacheCheckRetriesGhosts(t *testing.T) {
	ghost := newCluster("default", "ghost")
	handle := cachedClusters(t, ghost)
	env := newTestEnv(t, interceptor.Funcs{})
	e := NewEngine(env.client, env.recorder, Adapter[*capiv1beta1.Cluster](&stubAdapter{bundle: &stubBundle{}}),
		HandleLookup(handle), WithRequeueAfter(3*time.Second))

	assert.Equal(t, 3*time.Second, reconcileCluster(t, e, ghost).RequeueAfter)
	_, cached := handle.Get(client.ObjectKeyFromObject(ghost))
	assert.True(t, cached)
}
