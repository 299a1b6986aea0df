package controller

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	addonsv1alpha1 "github.com/rancher-sandbox/cluster-api-addon-provider-fleet/api/v1alpha1"
)

// ConfigSource loads the FleetAddonConfig singleton. Concurrent loads share
// one API request.
type ConfigSource struct {
	reader client.Reader
	group  singleflight.Group
}

// NewConfigSource reads the config through reader.
func NewConfigSource(reader client.Reader) *ConfigSource {
	return &ConfigSource{reader: reader}
}

// Get returns the current config, or the defaults when none exists. The
// result is a private copy.
func (s *ConfigSource) Get(ctx context.Context) (*addonsv1alpha1.FleetAddonConfig, error) {
	v, err, _ := s.group.Do(addonsv1alpha1.ConfigName, func() (any, error) {
		cfg := &addonsv1alpha1.FleetAddonConfig{}
		err := s.reader.Get(ctx, client.ObjectKey{Name: addonsv1alpha1.ConfigName}, cfg)
		switch {
		case apierrors.IsNotFound(err):
			return addonsv1alpha1.DefaultFleetAddonConfig(), nil
		case err != nil:
			return nil, fmt.Errorf("failed to get FleetAddonConfig: %w", err)
		}
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*addonsv1alpha1.FleetAddonConfig).DeepCopy(), nil
}
