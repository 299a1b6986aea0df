package helm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/getter"
	"helm.sh/helm/v3/pkg/repo"
	"helm.sh/helm/v3/pkg/storage/driver"
	"k8s.io/client-go/rest"
)

// DefaultRepoURL is the upstream Fleet chart repository.
const DefaultRepoURL = "https://rancher.github.io/fleet-helm-charts/"

const (
	repoName       = "fleet"
	installTimeout = 10 * time.Minute
)

// Client installs Fleet charts from a single chart repository into a single
// namespace.
type Client struct {
	namespace    string
	repoURL      string
	settings     *cli.EnvSettings
	actionConfig *action.Configuration
}

// NewClient creates a Helm client for the cluster behind restConfig.
func NewClient(restConfig *rest.Config, namespace, repoURL string) (*Client, error) {
	if repoURL == "" {
		repoURL = DefaultRepoURL
	}

	actionConfig := new(action.Configuration)
	restGetter := NewRESTClientGetter(restConfig, namespace)
	if err := actionConfig.Init(restGetter, namespace, "secret", func(format string, v ...interface{}) {}); err != nil {
		return nil, fmt.Errorf("failed to initialize helm action config: %w", err)
	}

	return &Client{
		namespace:    namespace,
		repoURL:      repoURL,
		settings:     cli.New(),
		actionConfig: actionConfig,
	}, nil
}

// InstalledVersion returns the chart version of the deployed release, or
// false when the release does not exist.
func (c *Client) InstalledVersion(_ context.Context, releaseName string) (string, bool, error) {
	rel, err := action.NewGet(c.actionConfig).Run(releaseName)
	if errors.Is(err, driver.ErrReleaseNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get release %s: %w", releaseName, err)
	}
	if rel.Chart == nil || rel.Chart.Metadata == nil {
		return "", true, nil
	}
	return rel.Chart.Metadata.Version, true, nil
}

// LatestVersion returns the newest version of chartName published in the
// repository index.
func (c *Client) LatestVersion(_ context.Context, chartName string) (string, error) {
	cache, err := os.MkdirTemp("", "fleet-index-")
	if err != nil {
		return "", fmt.Errorf("failed to create index cache: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(cache)
	}()

	r, err := repo.NewChartRepository(&repo.Entry{Name: repoName, URL: c.repoURL}, getter.All(c.settings))
	if err != nil {
		return "", fmt.Errorf("failed to create chart repository: %w", err)
	}
	r.CachePath = cache

	indexPath, err := r.DownloadIndexFile()
	if err != nil {
		return "", fmt.Errorf("failed to download index from %s: %w", c.repoURL, err)
	}
	index, err := repo.LoadIndexFile(indexPath)
	if err != nil {
		return "", fmt.Errorf("failed to load index from %s: %w", c.repoURL, err)
	}
	index.SortEntries()

	latest, err := index.Get(chartName, "")
	if err != nil {
		return "", fmt.Errorf("chart %s not found in %s: %w", chartName, c.repoURL, err)
	}
	return latest.Version, nil
}

// InstallOrUpgrade installs a chart or upgrades if already installed. The
// release carries the chart name.
func (c *Client) InstallOrUpgrade(ctx context.Context, chartName, version string, values Values) error {
	_, exists, err := c.InstalledVersion(ctx, chartName)
	if err != nil {
		return err
	}
	if !exists {
		return c.install(ctx, chartName, version, values)
	}
	return c.upgrade(ctx, chartName, version, values, false)
}

// UpdateValues upgrades a release in place, keeping its previous values and
// overlaying values on top.
func (c *Client) UpdateValues(ctx context.Context, chartName, version string, values Values) error {
	return c.upgrade(ctx, chartName, version, values, true)
}

func (c *Client) install(ctx context.Context, chartName, version string, values Values) error {
	installClient := action.NewInstall(c.actionConfig)
	installClient.ReleaseName = chartName
	installClient.Namespace = c.namespace
	installClient.CreateNamespace = true
	installClient.Version = version
	installClient.Wait = true
	installClient.Timeout = installTimeout

	ch, err := c.loadChart(chartName, version)
	if err != nil {
		return err
	}
	if _, err := installClient.RunWithContext(ctx, ch, values); err != nil {
		return fmt.Errorf("failed to install %s %s: %w", chartName, version, err)
	}
	return nil
}

func (c *Client) upgrade(ctx context.Context, chartName, version string, values Values, reuseValues bool) error {
	upgradeClient := action.NewUpgrade(c.actionConfig)
	upgradeClient.Namespace = c.namespace
	upgradeClient.Version = version
	upgradeClient.Wait = true
	upgradeClient.Timeout = installTimeout
	upgradeClient.ReuseValues = reuseValues

	ch, err := c.loadChart(chartName, version)
	if err != nil {
		return err
	}
	if _, err := upgradeClient.RunWithContext(ctx, chartName, ch, values); err != nil {
		return fmt.Errorf("failed to upgrade %s to %s: %w", chartName, version, err)
	}
	return nil
}

func (c *Client) loadChart(chartName, version string) (*chart.Chart, error) {
	chartPath, err := repo.FindChartInRepoURL(
		c.repoURL,
		chartName,
		version,
		"", "", "",
		getter.All(c.settings),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find chart %s in repo %s: %w", chartName, c.repoURL, err)
	}
	defer func() {
		_ = os.Remove(chartPath)
	}()

	return loader.Load(chartPath)
}
