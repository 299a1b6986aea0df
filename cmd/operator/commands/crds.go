package commands

import (
	"context"
	"fmt"
	"time"

	apiextensionsclient "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/rest"

	"github.com/rancher-sandbox/cluster-api-addon-provider-fleet/internal/util/retry"
)

// requiredCRDs must be served before any controller starts.
var requiredCRDs = []string{
	"clusters.cluster.x-k8s.io",
	"clusters.fleet.cattle.io",
}

var crdRetryOptions = []retry.Option{
	retry.WithMaxRetries(5),
	retry.WithInitialDelay(time.Second),
	retry.WithMaxDelay(30 * time.Second),
	retry.WithJitter(0.1),
}

// waitForCRDs polls until every named CRD exists. Authorization and request
// errors end the wait immediately.
func waitForCRDs(ctx context.Context, restConfig *rest.Config, names ...string) error {
	client, err := apiextensionsclient.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("failed to create apiextensions client: %w", err)
	}

	for _, name := range names {
		err := retry.WithExponentialBackoff(ctx, func(ctx context.Context) error {
			_, err := client.ApiextensionsV1().CustomResourceDefinitions().Get(ctx, name, metav1.GetOptions{})
			switch {
			case err == nil:
				return nil
			case apierrors.IsNotFound(err):
				setupLog.Info("waiting for CRD", "name", name)
			default:
				setupLog.V(1).Info("failed to look up CRD", "name", name, "error", err)
			}
			return retry.FatalAPIError(err)
		}, crdRetryOptions...)
		if err != nil {
			return fmt.Errorf("CRD %s is not available: %w", name, err)
		}
	}
	return nil
}
