package labels

import (
	"maps"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// KeyClusterClassName carries the name of the ClusterClass a cluster was
	// created from.
	KeyClusterClassName = "clusterclass-name.fleet.addons.cluster.x-k8s.io"

	// KeyClusterClassNamespace carries the namespace of that ClusterClass.
	KeyClusterClassNamespace = "clusterclass-namespace.fleet.addons.cluster.x-k8s.io"

	// KeyManagedBy identifies the management system
	KeyManagedBy = "app.kubernetes.io/managed-by"

	// KeyNamespaceName is set by the API server on every namespace.
	KeyNamespaceName = "kubernetes.io/metadata.name"
)

// ManagedByAddonProvider marks objects created by this operator.
const ManagedByAddonProvider = "addon-provider-fleet"

// LabelBuilder provides a fluent interface for building Fleet object labels.
type LabelBuilder struct {
	labels map[string]string
}

// NewLabelBuilder starts from a copy of base, typically the labels of the
// source object.
func NewLabelBuilder(base map[string]string) *LabelBuilder {
	lb := &LabelBuilder{labels: make(map[string]string, len(base)+3)}
	maps.Copy(lb.labels, base)
	return lb
}

// WithClusterClass adds the class name and namespace labels. An empty name
// leaves the labels untouched.
func (lb *LabelBuilder) WithClusterClass(name, namespace string) *LabelBuilder {
	if name == "" {
		return lb
	}
	lb.labels[KeyClusterClassName] = name
	lb.labels[KeyClusterClassNamespace] = namespace
	return lb
}

// WithManagedBy sets who manages this resource.
func (lb *LabelBuilder) WithManagedBy(manager string) *LabelBuilder {
	lb.labels[KeyManagedBy] = manager
	return lb
}

// Merge adds all labels from the provided map.
func (lb *LabelBuilder) Merge(extra map[string]string) *LabelBuilder {
	maps.Copy(lb.labels, extra)
	return lb
}

// Build returns a copy of the labels map.
func (lb *LabelBuilder) Build() map[string]string {
	return maps.Clone(lb.labels)
}

// ClusterClassSelector selects the Fleet Clusters created from one class.
func ClusterClassSelector(name, namespace string) *metav1.LabelSelector {
	return &metav1.LabelSelector{
		MatchLabels: map[string]string{
			KeyClusterClassName:      name,
			KeyClusterClassNamespace: namespace,
		},
	}
}

// NamespaceSelector selects exactly one namespace by name.
func NamespaceSelector(namespace string) *metav1.LabelSelector {
	return &metav1.LabelSelector{
		MatchLabels: map[string]string{KeyNamespaceName: namespace},
	}
}

// ClusterClassRef reads the class reference back from a label set. The
// namespace falls back to fallbackNamespace when the label is absent.
func ClusterClassRef(labels map[string]string, fallbackNamespace string) (name, namespace string, ok bool) {
	name, ok = labels[KeyClusterClassName]
	if !ok || name == "" {
		return "", "", false
	}
	namespace = labels[KeyClusterClassNamespace]
	if namespace == "" {
		namespace = fallbackNamespace
	}
	return name, namespace, true
}

// IsManagedByAddonProvider reports whether labels mark an object as created by
// this operator.
func IsManagedByAddonProvider(labels map[string]string) bool {
	return labels[KeyManagedBy] == ManagedByAddonProvider
}
