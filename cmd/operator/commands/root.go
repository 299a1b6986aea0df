// Package commands defines the operator command and its flag bindings.
package commands

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/dynamic"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	capiv1beta1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/capi/v1beta1"
	fleetv1alpha1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/fleet/v1alpha1"
	addonsv1alpha1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/v1alpha1"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/operator/controller"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/operator/dispatch"
	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/operator/helm"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")

	version = "dev"
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(addonsv1alpha1.AddToScheme(scheme))
	utilruntime.Must(capiv1beta1.AddToScheme(scheme))
	utilruntime.Must(fleetv1alpha1.AddToScheme(scheme))
}

// SetVersion records the build version reported at startup.
func SetVersion(v string) {
	version = v
}

type options struct {
	metricsAddr          string
	probeAddr            string
	enableLeaderElection bool
	leaderElectionID     string
	helmInstall          bool
	helmRepoURL          string
	dispatchCapacity     int
	requeueAfter         time.Duration
	zap                  zap.Options
}

// Root returns the fleet-addon-operator command.
func Root() *cobra.Command {
	opts := &options{
		zap: zap.Options{
			Development: os.Getenv("DEBUG") == "true",
		},
	}

	cmd := &cobra.Command{
		Use:          "fleet-addon-operator",
		Short:        "Import Cluster API clusters into Fleet",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flags.StringVar(&opts.probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flags.BoolVar(&opts.enableLeaderElection, "leader-elect", false, "Enable leader election for controller manager.")
	flags.StringVar(&opts.leaderElectionID, "leader-election-id", "addon-provider-fleet", "The name of the leader election resource.")
	flags.BoolVar(&opts.helmInstall, "helm-install", false, "Install and upgrade the Fleet charts from the FleetAddonConfig.")
	flags.StringVar(&opts.helmRepoURL, "helm-repo-url", helm.DefaultRepoURL, "The chart repository Fleet is installed from.")
	flags.IntVar(&opts.dispatchCapacity, "dispatch-capacity", dispatch.DefaultCapacity, "Per-subscriber buffer of the watch event bus.")
	flags.DurationVar(&opts.requeueAfter, "requeue-after", 5*time.Second, "Delay before a failed reconcile is retried.")

	goFlags := flag.NewFlagSet("zap", flag.ContinueOnError)
	opts.zap.BindFlags(goFlags)
	flags.AddGoFlagSet(goFlags)

	return cmd
}

func run(opts *options) error {
	logger := zap.New(zap.UseFlagOptions(&opts.zap))
	ctrl.SetLogger(logger)
	klog.SetLogger(logger)

	setupLog.Info("starting fleet-addon-operator", "version", version)

	ctx := ctrl.SetupSignalHandler()
	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("unable to load kubeconfig: %w", err)
	}

	if err := waitForCRDs(ctx, restConfig, requiredCRDs...); err != nil {
		setupLog.Error(err, "required CRDs are not installed")
		return err
	}

	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: opts.metricsAddr,
		},
		HealthProbeBindAddress: opts.probeAddr,
		LeaderElection:         opts.enableLeaderElection,
		LeaderElectionID:       opts.leaderElectionID,
		// LeaderElectionReleaseOnCancel defines if the leader should step down voluntarily
		// when the Manager ends. This requires the binary to immediately end when the
		// Manager is stopped, otherwise, this setting is unsafe.
		LeaderElectionReleaseOnCancel: true,
	})
	if err != nil {
		setupLog.Error(err, "unable to create manager")
		return err
	}

	dynamicClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("unable to create dynamic client: %w", err)
	}

	setup := controller.NewSetup(
		dispatch.NewDispatcher(opts.dispatchCapacity),
		dispatch.NewWatchSet(),
		controller.ListWatchFactory(dynamicClient),
		controller.WithRequeueAfter(opts.requeueAfter),
	)
	if opts.helmInstall {
		charts, err := helm.NewClient(restConfig, controller.FleetNamespace, opts.helmRepoURL)
		if err != nil {
			setupLog.Error(err, "unable to create helm client")
			return err
		}
		setup.Charts = charts
	}
	if err := setup.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controllers")
		return err
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		return err
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		return err
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		return err
	}
	return nil
}
