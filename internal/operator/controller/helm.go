package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	addonsv1alpha1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/v1alpha1"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/operator/helm"
)

const (
	// FleetCRDChart carries the Fleet CRDs and is installed first.
	FleetCRDChart = "fleet-crd"
	// FleetChart is the Fleet controller chart.
	FleetChart = "fleet"

	fleetMissingRequeueAfter = 60 * time.Second
	flagsMessagePrefix       = "Updated chart flags to the expected state: "
)

// ChartManager is the subset of helm operations the installer needs.
type ChartManager interface {
	InstalledVersion(ctx context.Context, chart string) (string, bool, error)
	LatestVersion(ctx context.Context, chart string) (string, error)
	InstallOrUpgrade(ctx context.Context, chart, version string, values helm.Values) error
	UpdateValues(ctx context.Context, chart, version string, values helm.Values) error
}

// installAction is what planInstall decided for one chart.
type installAction int

const (
	actionNone installAction = iota
	actionInstall
	actionUpgrade
)

// planInstall decides whether a chart at installed (empty when absent)
// has to change to satisfy spec, given the newest published version.
func planInstall(spec *addonsv1alpha1.FleetInstall, installed, latest string) (installAction, string) {
	if spec.Version != "" {
		desired := strings.TrimPrefix(spec.Version, "v")
		switch {
		case installed == "":
			return actionInstall, desired
		case !sameVersion(installed, desired):
			return actionUpgrade, desired
		default:
			return actionNone, installed
		}
	}

	switch {
	case installed == "":
		return actionInstall, latest
	case ptr.Deref(spec.FollowLatest, false) && newerVersion(latest, installed):
		return actionUpgrade, latest
	default:
		return actionNone, installed
	}
}

func sameVersion(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return strings.TrimPrefix(a, "v") == strings.TrimPrefix(b, "v")
	}
	return va.Equal(vb)
}

func newerVersion(candidate, current string) bool {
	vc, err := semver.NewVersion(candidate)
	if err != nil {
		return false
	}
	cur, err := semver.NewVersion(current)
	if err != nil {
		return candidate != current
	}
	return vc.GreaterThan(cur)
}

// HelmReconciler keeps the Fleet charts installed at the configured version
// and the fleet controller feature flags in sync.
type HelmReconciler struct {
	client client.Client
	charts ChartManager
	options
}

// NewHelmReconciler creates a new HelmReconciler.
func NewHelmReconciler(c client.Client, charts ChartManager, opts ...Option) *HelmReconciler {
	return &HelmReconciler{
		client:  c,
		charts:  charts,
		options: newOptions(opts),
	}
}

// +kubebuilder:rbac:groups=addons.cluster.x-k8s.io,resources=fleetaddonconfigs,verbs=get;list;watch
// +kubebuilder:rbac:groups=addons.cluster.x-k8s.io,resources=fleetaddonconfigs/status,verbs=get;update;patch

// Reconcile handles the reconciliation loop for the Fleet installation.
func (r *HelmReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	const kind = "FleetInstall"
	start := time.Now()
	logger := log.FromContext(ctx).WithValues("kind", kind)
	ctx = log.IntoContext(ctx, logger)

	cfg := &addonsv1alpha1.FleetAddonConfig{}
	if err := r.client.Get(ctx, req.NamespacedName, cfg); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		logAndRecordError(ctx, &r.options, kind, req.NamespacedName, err, "unable to fetch FleetAddonConfig")
		return ctrl.Result{RequeueAfter: r.requeueAfter}, nil
	}
	base := cfg.DeepCopy()

	result, err := r.reconcile(ctx, cfg)
	if patchErr := r.patchStatus(ctx, base, cfg); patchErr != nil && err == nil {
		err = patchErr
	}
	if err != nil {
		errorKind := logAndRecordError(ctx, &r.options, kind, req.NamespacedName, err, "failed to reconcile fleet installation")
		r.recordReconcile(kind, resultError, time.Since(start).Seconds())
		if errorKind == errorKindInstall {
			return ctrl.Result{RequeueAfter: installRequeueAfter}, nil
		}
		return ctrl.Result{RequeueAfter: r.requeueAfter}, nil
	}

	r.recordReconcile(kind, resultSuccess, time.Since(start).Seconds())
	return result, nil
}

func (r *HelmReconciler) reconcile(ctx context.Context, cfg *addonsv1alpha1.FleetAddonConfig) (ctrl.Result, error) {
	if cfg.Spec.Install != nil {
		if err := r.install(ctx, cfg); err != nil {
			return ctrl.Result{}, err
		}
	}

	if cfg.Spec.Config == nil || cfg.Spec.Config.FeatureGates == nil {
		return ctrl.Result{}, nil
	}
	return r.updateFlags(ctx, cfg, cfg.Spec.Config.FeatureGates)
}

// install brings both charts to the version planInstall selects.
func (r *HelmReconciler) install(ctx context.Context, cfg *addonsv1alpha1.FleetAddonConfig) error {
	logger := log.FromContext(ctx)

	var latest string
	if cfg.Spec.Install.Version == "" {
		v, err := r.charts.LatestVersion(ctx, FleetChart)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInstallFailed, err)
		}
		latest = v
	}

	var fleetVersion string
	for _, chart := range []string{FleetCRDChart, FleetChart} {
		installed, _, err := r.charts.InstalledVersion(ctx, chart)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInstallFailed, err)
		}

		action, version := planInstall(cfg.Spec.Install, installed, latest)
		if action != actionNone {
			logger.Info("installing fleet chart", "chart", chart, "from", installed, "to", version)
			if err := r.charts.InstallOrUpgrade(ctx, chart, version, nil); err != nil {
				r.setCondition(cfg, addonsv1alpha1.ConditionFleetInstalled, metav1.ConditionFalse, "InstallFailed", err.Error())
				return fmt.Errorf("%w: %w", ErrInstallFailed, err)
			}
		}
		fleetVersion = version
	}

	cfg.Status.InstalledVersion = fleetVersion
	r.setCondition(cfg, addonsv1alpha1.ConditionFleetInstalled, metav1.ConditionTrue, "Installed",
		fmt.Sprintf("Fleet %s is installed", fleetVersion))
	return nil
}

// updateFlags rolls the feature gates into the fleet release when they
// differ from the ones recorded on the FlagsUpdate condition.
func (r *HelmReconciler) updateFlags(ctx context.Context, cfg *addonsv1alpha1.FleetAddonConfig, gates *addonsv1alpha1.FeatureGates) (ctrl.Result, error) {
	version, installed, err := r.charts.InstalledVersion(ctx, FleetChart)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	if !installed {
		log.FromContext(ctx).Info("fleet is not installed yet, postponing flag update")
		return ctrl.Result{RequeueAfter: fleetMissingRequeueAfter}, nil
	}

	values := helm.FeatureGateValues(gates.ExperimentalOCIStorage, gates.ExperimentalHelmOps)
	rendered, err := values.ToYAML()
	if err != nil {
		return ctrl.Result{}, err
	}
	message := flagsMessagePrefix + string(rendered)

	if current := meta.FindStatusCondition(cfg.Status.Conditions, addonsv1alpha1.ConditionFlagsUpdate); current != nil && current.Message == message {
		return ctrl.Result{}, nil
	}

	if err := r.charts.UpdateValues(ctx, FleetChart, version, values); err != nil {
		return ctrl.Result{}, fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	log.FromContext(ctx).Info("updated fleet feature gates",
		"experimentalOciStorage", gates.ExperimentalOCIStorage,
		"experimentalHelmOps", gates.ExperimentalHelmOps)
	r.setCondition(cfg, addonsv1alpha1.ConditionFlagsUpdate, metav1.ConditionTrue, "FlagsUpdated", message)
	return ctrl.Result{}, nil
}

func (r *HelmReconciler) setCondition(cfg *addonsv1alpha1.FleetAddonConfig, conditionType string, status metav1.ConditionStatus, reason, message string) {
	meta.SetStatusCondition(&cfg.Status.Conditions, metav1.Condition{
		Type:               conditionType,
		Status:             status,
		Reason:             reason,
		Message:            message,
		ObservedGeneration: cfg.Generation,
	})
}

func (r *HelmReconciler) patchStatus(ctx context.Context, base, cfg *addonsv1alpha1.FleetAddonConfig) error {
	if equalStatus(base, cfg) {
		return nil
	}
	if err := r.client.Status().Patch(ctx, cfg, client.MergeFrom(base)); err != nil {
		return fmt.Errorf("failed to update FleetAddonConfig status: %w", err)
	}
	return nil
}

func equalStatus(a, b *addonsv1alpha1.FleetAddonConfig) bool {
	if a.Status.InstalledVersion != b.Status.InstalledVersion || len(a.Status.Conditions) != len(b.Status.Conditions) {
		return false
	}
	for _, c := range b.Status.Conditions {
		prev := meta.FindStatusCondition(a.Status.Conditions, c.Type)
		if prev == nil || prev.Status != c.Status || prev.Reason != c.Reason ||
			prev.Message != c.Message || prev.ObservedGeneration != c.ObservedGeneration {
			return false
		}
	}
	return true
}

// SetupWithManager sets up the controller with the Manager.
func (r *HelmReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		Named("helm").
		For(&addonsv1alpha1.FleetAddonConfig{}).
		Complete(r)
}
