package controller

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	discoveryv1 "k8s.io/api/discovery/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/tools/record"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/yaml"

	addonsv1alpha1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/v1alpha1"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/operator/validation"
)

const (
	// FleetNamespace is where the Fleet charts are installed.
	FleetNamespace = "cattle-fleet-system"

	fleetControllerConfigMap = "fleet-controller"
	fleetConfigKey           = "config"
	caCertKey                = "ca.crt"

	apiServerURLKey = "apiServerURL"
	apiServerCAKey  = "apiServerCA"
)

var (
	rootCAConfigMap    = client.ObjectKey{Namespace: metav1.NamespaceDefault, Name: "kube-root-ca.crt"}
	kubernetesEndpoint = client.ObjectKey{Namespace: metav1.NamespaceDefault, Name: "kubernetes"}
)

// ConfigSyncReconciler publishes the API server endpoint agents should use
// into the fleet-controller configuration.
type ConfigSyncReconciler struct {
	client    client.Client
	reader    client.Reader
	recorder  record.EventRecorder
	validator *validation.CELValidator
	options
}

// NewConfigSyncReconciler creates a new ConfigSyncReconciler. reader serves
// ConfigMap and EndpointSlice reads without starting informers.
func NewConfigSyncReconciler(c client.Client, reader client.Reader, recorder record.EventRecorder, validator *validation.CELValidator, opts ...Option) *ConfigSyncReconciler {
	return &ConfigSyncReconciler{
		client:    c,
		reader:    reader,
		recorder:  recorder,
		validator: validator,
		options:   newOptions(opts),
	}
}

// +kubebuilder:rbac:groups=addons.cluster.x-k8s.io,resources=fleetaddonconfigs/status,verbs=get;update;patch
// +kubebuilder:rbac:groups="",resources=configmaps,verbs=get;list;watch;patch
// +kubebuilder:rbac:groups=discovery.k8s.io,resources=endpointslices,verbs=get

// Reconcile handles the reconciliation loop for the fleet-controller config.
func (r *ConfigSyncReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	const kind = "FleetConfig"
	start := time.Now()

	cfg := &addonsv1alpha1.FleetAddonConfig{}
	if err := r.client.Get(ctx, req.NamespacedName, cfg); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		logAndRecordError(ctx, &r.options, kind, req.NamespacedName, err, "unable to fetch FleetAddonConfig")
		return ctrl.Result{RequeueAfter: r.requeueAfter}, nil
	}

	if r.validator != nil {
		if err := r.validator.ValidateConfig(ctx, cfg); err != nil {
			logAndRecordError(ctx, &r.options, kind, req.NamespacedName, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err), "ignoring FleetAddonConfig")
			return ctrl.Result{}, nil
		}
	}

	if cfg.Spec.Config == nil || cfg.Spec.Config.Server == nil {
		return ctrl.Result{}, nil
	}

	result, err := r.sync(ctx, cfg, cfg.Spec.Config.Server)
	if err != nil {
		errorKind := logAndRecordError(ctx, &r.options, kind, req.NamespacedName, err, "failed to sync fleet config")
		r.recordReconcile(kind, resultError, time.Since(start).Seconds())
		if errorKind == errorKindInstall {
			return ctrl.Result{RequeueAfter: installRequeueAfter}, nil
		}
		return ctrl.Result{RequeueAfter: r.requeueAfter}, nil
	}

	r.recordReconcile(kind, resultSuccess, time.Since(start).Seconds())
	return result, nil
}

func (r *ConfigSyncReconciler) sync(ctx context.Context, cfg *addonsv1alpha1.FleetAddonConfig, server *addonsv1alpha1.Server) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	current := &corev1.ConfigMap{}
	err := r.reader.Get(ctx, client.ObjectKey{Namespace: FleetNamespace, Name: fleetControllerConfigMap}, current)
	if apierrors.IsNotFound(err) {
		logger.Info("fleet controller config not found, waiting for fleet", "namespace", FleetNamespace)
		return ctrl.Result{RequeueAfter: installRequeueAfter}, nil
	}
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to get fleet controller config: %w", err)
	}

	data := map[string]any{}
	if raw := current.Data[fleetConfigKey]; raw != "" {
		if err := yaml.Unmarshal([]byte(raw), &data); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to decode fleet controller config: %w", err)
		}
	}

	ca, err := r.certificate(ctx, server)
	if err != nil {
		return ctrl.Result{}, err
	}
	if ca != "" {
		data[apiServerCAKey] = ca
	}
	url, err := r.serverURL(ctx, server)
	if err != nil {
		return ctrl.Result{}, err
	}
	if url != "" {
		data[apiServerURLKey] = url
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("failed to encode fleet controller config: %w", err)
	}
	desired := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: fleetControllerConfigMap, Namespace: FleetNamespace},
		Data:       map[string]string{fleetConfigKey: string(encoded)},
	}
	if err := ApplyPatch(ctx, r.client, r.recorder, cfg, desired, FieldManager); err != nil {
		return ctrl.Result{}, err
	}
	logger.Info("updated fleet controller config", apiServerURLKey, url)

	if err := r.markSynced(ctx, cfg, url); err != nil {
		return ctrl.Result{}, err
	}
	return ctrl.Result{}, nil
}

// certificate returns the base64 encoded CA bundle agents should trust.
func (r *ConfigSyncReconciler) certificate(ctx context.Context, server *addonsv1alpha1.Server) (string, error) {
	var key client.ObjectKey
	switch {
	case ptr.Deref(server.InferLocal, false):
		key = rootCAConfigMap
	case server.Custom != nil && server.Custom.APIServerCAConfigRef != nil:
		ref := server.Custom.APIServerCAConfigRef
		key = client.ObjectKey{Namespace: ref.Namespace, Name: ref.Name}
		if key.Namespace == "" {
			key.Namespace = metav1.NamespaceDefault
		}
	default:
		return "", nil
	}

	cm := &corev1.ConfigMap{}
	if err := r.reader.Get(ctx, key, cm); err != nil {
		return "", fmt.Errorf("failed to get CA config map %s: %w", key, err)
	}
	return base64.StdEncoding.EncodeToString([]byte(cm.Data[caCertKey])), nil
}

// serverURL returns the API server URL agents should connect to.
func (r *ConfigSyncReconciler) serverURL(ctx context.Context, server *addonsv1alpha1.Server) (string, error) {
	switch {
	case ptr.Deref(server.InferLocal, false):
		slice := &discoveryv1.EndpointSlice{}
		if err := r.reader.Get(ctx, kubernetesEndpoint, slice); err != nil {
			return "", fmt.Errorf("failed to get kubernetes endpoint slice: %w", err)
		}
		return endpointURL(slice), nil
	case server.Custom != nil:
		return server.Custom.APIServerURL, nil
	default:
		return "", nil
	}
}

// endpointURL renders the first address and port of slice as
// <port name>://<address>:<port>. An unnamed port yields the bare address.
func endpointURL(slice *discoveryv1.EndpointSlice) string {
	if len(slice.Endpoints) == 0 || len(slice.Endpoints[0].Addresses) == 0 || len(slice.Ports) == 0 {
		return ""
	}
	address := slice.Endpoints[0].Addresses[0]
	port := slice.Ports[0]
	if port.Name == nil || *port.Name == "" || port.Port == nil {
		return address
	}
	return fmt.Sprintf("%s://%s:%d", *port.Name, address, *port.Port)
}

func (r *ConfigSyncReconciler) markSynced(ctx context.Context, cfg *addonsv1alpha1.FleetAddonConfig, url string) error {
	base := cfg.DeepCopy()
	changed := meta.SetStatusCondition(&cfg.Status.Conditions, metav1.Condition{
		Type:               addonsv1alpha1.ConditionConfigSynced,
		Status:             metav1.ConditionTrue,
		Reason:             "Synced",
		Message:            fmt.Sprintf("Fleet agents connect to %s", url),
		ObservedGeneration: cfg.Generation,
	})
	if !changed {
		return nil
	}
	if err := r.client.Status().Patch(ctx, cfg, client.MergeFrom(base)); err != nil {
		return fmt.Errorf("failed to update FleetAddonConfig status: %w", err)
	}
	return nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *ConfigSyncReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		Named("configsync").
		For(&addonsv1alpha1.FleetAddonConfig{}).
		Complete(r)
}
