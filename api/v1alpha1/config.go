package v1alpha1

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/utils/ptr"
)

// DefaultAgentNamespace is where fleet agents run on imported clusters.
const DefaultAgentNamespace = "fleet-addon-agent"

// DefaultAgentTolerations lets the fleet agent schedule on clusters that are
// still bootstrapping.
func DefaultAgentTolerations() []corev1.Toleration {
	return []corev1.Toleration{
		{
			Key:      "node.kubernetes.io/not-ready",
			Operator: corev1.TolerationOpExists,
			Effect:   corev1.TaintEffectNoSchedule,
		},
		{
			Key:      "node.cluster.x-k8s.io/uninitialized",
			Operator: corev1.TolerationOpExists,
			Effect:   corev1.TaintEffectNoSchedule,
		},
		{
			Key:      "node.cloudprovider.kubernetes.io/uninitialized",
			Operator: corev1.TolerationOpEqual,
			Value:    "true",
			Effect:   corev1.TaintEffectNoSchedule,
		},
	}
}

// DefaultFleetAddonConfig returns the configuration used when no
// FleetAddonConfig object exists.
func DefaultFleetAddonConfig() *FleetAddonConfig {
	return &FleetAddonConfig{
		ObjectMeta: metav1.ObjectMeta{Name: ConfigName},
		Spec: FleetAddonConfigSpec{
			ClusterClass: &ClusterClassConfig{
				SetOwnerReferences: ptr.To(true),
				PatchResource:      ptr.To(true),
			},
			Cluster: &ClusterConfig{
				ApplyClassGroup:    ptr.To(true),
				PatchResource:      ptr.To(true),
				SetOwnerReferences: ptr.To(true),
				Naming:             &NamingStrategy{},
				AgentNamespace:     DefaultAgentNamespace,
			},
			Config: &FleetSettings{
				Server: &Server{InferLocal: ptr.To(true)},
				FeatureGates: &FeatureGates{
					ExperimentalOCIStorage: true,
					ExperimentalHelmOps:    true,
				},
			},
			Install: &FleetInstall{FollowLatest: ptr.To(false)},
		},
	}
}

// ClusterOperationsEnabled reports whether CAPI Clusters are imported.
func (c *FleetAddonConfig) ClusterOperationsEnabled() bool {
	return c.Spec.Cluster != nil
}

// ClusterClassOperationsEnabled reports whether ClusterClasses are imported.
func (c *FleetAddonConfig) ClusterClassOperationsEnabled() bool {
	return c.Spec.ClusterClass != nil
}

// ClusterPatchEnabled reports whether existing Fleet Clusters are patched.
func (c *FleetAddonConfig) ClusterPatchEnabled() bool {
	return c.ClusterOperationsEnabled() && ptr.Deref(c.Spec.Cluster.PatchResource, true)
}

// ClusterClassPatchEnabled reports whether existing ClusterGroups are patched.
func (c *FleetAddonConfig) ClusterClassPatchEnabled() bool {
	return c.ClusterClassOperationsEnabled() && ptr.Deref(c.Spec.ClusterClass.PatchResource, true)
}

// ClusterOwnerReferences reports whether Fleet Clusters are owned by their CAPI Cluster.
func (c *FleetAddonConfig) ClusterOwnerReferences() bool {
	return c.ClusterOperationsEnabled() && ptr.Deref(c.Spec.Cluster.SetOwnerReferences, true)
}

// ClusterClassOwnerReferences reports whether ClusterGroups inherit ClusterClass owners.
func (c *FleetAddonConfig) ClusterClassOwnerReferences() bool {
	return c.ClusterClassOperationsEnabled() && ptr.Deref(c.Spec.ClusterClass.SetOwnerReferences, true)
}

// ApplyClassGroup reports whether cross-namespace class groups are created.
func (c *FleetAddonConfig) ApplyClassGroup() bool {
	return c.ClusterOperationsEnabled() && ptr.Deref(c.Spec.Cluster.ApplyClassGroup, true)
}

// AgentInitiated reports whether clusters register through agent-initiated tokens.
func (c *FleetAddonConfig) AgentInitiated() bool {
	return c.ClusterOperationsEnabled() && ptr.Deref(c.Spec.Cluster.AgentInitiated, false)
}

// AgentNamespace returns the configured agent namespace or the default.
func (c *FleetAddonConfig) AgentNamespace() string {
	if c.ClusterOperationsEnabled() && c.Spec.Cluster.AgentNamespace != "" {
		return c.Spec.Cluster.AgentNamespace
	}
	return DefaultAgentNamespace
}

// AgentTolerations returns the configured agent tolerations. Unset
// tolerations fall back to DefaultAgentTolerations; an explicit empty list is
// kept.
func (c *FleetAddonConfig) AgentTolerations() []corev1.Toleration {
	if c.ClusterOperationsEnabled() && c.Spec.Cluster.AgentTolerations != nil {
		return c.Spec.Cluster.AgentTolerations
	}
	return DefaultAgentTolerations()
}

// ClusterSelector returns the cluster label selector. Disabled cluster
// operations select nothing.
func (c *FleetAddonConfig) ClusterSelector() (labels.Selector, error) {
	if !c.ClusterOperationsEnabled() {
		return labels.Nothing(), nil
	}
	return asSelector("cluster selector", &c.Spec.Cluster.Selector)
}

// NamespaceSelector returns the namespace label selector. Disabled cluster
// operations select nothing.
func (c *FleetAddonConfig) NamespaceSelector() (labels.Selector, error) {
	if !c.ClusterOperationsEnabled() {
		return labels.Nothing(), nil
	}
	return asSelector("namespace selector", &c.Spec.Cluster.NamespaceSelector)
}

// ClusterClassSelector returns the cluster class import selector.
func (c *FleetAddonConfig) ClusterClassSelector() (labels.Selector, error) {
	if !c.ClusterClassOperationsEnabled() {
		return labels.Nothing(), nil
	}
	return asSelector("cluster class selector", &c.Spec.ClusterClass.Selector)
}

// ClusterWatchSelector is the selector applied to the cluster watch itself.
// Clusters can only be filtered server side when no namespace selector is
// configured; otherwise clusters matching through their namespace would be
// missed.
func (c *FleetAddonConfig) ClusterWatchSelector() (labels.Selector, error) {
	nsSelector, err := c.NamespaceSelector()
	if err != nil {
		return nil, err
	}
	if nsSelector.Empty() {
		return c.ClusterSelector()
	}
	return labels.Everything(), nil
}

// NamespaceWatchRequired reports whether a namespace watch adds anything
// beyond the cluster watch.
func (c *FleetAddonConfig) NamespaceWatchRequired() (bool, error) {
	clusterSelector, err := c.ClusterSelector()
	if err != nil {
		return false, err
	}
	nsSelector, err := c.NamespaceSelector()
	if err != nil {
		return false, err
	}
	if !c.ClusterOperationsEnabled() || clusterSelector.Empty() || nsSelector.Empty() {
		return false, nil
	}
	return true, nil
}

// ClusterMatches reports whether a cluster with the given labels, living in a
// namespace with nsLabels, should be imported. An empty cluster selector
// imports everything; an empty namespace selector never matches on its own.
func (c *FleetAddonConfig) ClusterMatches(clusterLabels, nsLabels labels.Set) (bool, error) {
	clusterSelector, err := c.ClusterSelector()
	if err != nil {
		return false, err
	}
	if clusterSelector.Matches(clusterLabels) {
		return true, nil
	}
	nsSelector, err := c.NamespaceSelector()
	if err != nil {
		return false, err
	}
	return !nsSelector.Empty() && nsSelector.Matches(nsLabels), nil
}

// Apply renders a Fleet Cluster name from a CAPI Cluster name.
func (n *NamingStrategy) Apply(name string) string {
	if n == nil {
		return name
	}
	return n.Prefix + name + n.Suffix
}

func asSelector(what string, sel *metav1.LabelSelector) (labels.Selector, error) {
	selector, err := metav1.LabelSelectorAsSelector(sel)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", what, err)
	}
	return selector, nil
}
