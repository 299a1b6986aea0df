package v1alpha1

import (
	corev1 "k8s.io/api/core/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ClusterSpec is the part of the Fleet Cluster spec managed by the provider.
type ClusterSpec struct {
	// +optional
	Paused bool `json:"paused,omitempty"`

	// ClientID is the identifier used for agent-initiated registration.
	// +optional
	ClientID string `json:"clientID,omitempty"`

	// KubeConfigSecret names the secret holding the downstream kubeconfig.
	// +optional
	KubeConfigSecret string `json:"kubeConfigSecret,omitempty"`

	// +optional
	KubeConfigSecretNamespace string `json:"kubeConfigSecretNamespace,omitempty"`

	// +optional
	AgentNamespace string `json:"agentNamespace,omitempty"`

	// +optional
	AgentTolerations []corev1.Toleration `json:"agentTolerations,omitempty"`

	// +optional
	HostNetwork *bool `json:"hostNetwork,omitempty"`

	// +optional
	AgentEnvVars []corev1.EnvVar `json:"agentEnvVars,omitempty"`

	// TemplateValues are exposed to bundle templating on this cluster.
	// +optional
	TemplateValues *apiextensionsv1.JSON `json:"templateValues,omitempty"`
}

// +kubebuilder:object:root=true

// Cluster is a Fleet downstream cluster registration.
type Cluster struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec ClusterSpec `json:"spec,omitempty"`
}

// +kubebuilder:object:root=true

// ClusterList contains a list of Cluster.
type ClusterList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Cluster `json:"items"`
}

// ClusterGroupSpec selects the Fleet Clusters in a group.
type ClusterGroupSpec struct {
	// +optional
	Selector *metav1.LabelSelector `json:"selector,omitempty"`
}

// +kubebuilder:object:root=true

// ClusterGroup is a label-selected set of Fleet Clusters.
type ClusterGroup struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec ClusterGroupSpec `json:"spec,omitempty"`
}

// +kubebuilder:object:root=true

// ClusterGroupList contains a list of ClusterGroup.
type ClusterGroupList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ClusterGroup `json:"items"`
}

// +kubebuilder:object:root=true

// BundleNamespaceMapping lets bundles from its namespace target clusters in
// the selected namespaces.
type BundleNamespaceMapping struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	// +optional
	BundleSelector *metav1.LabelSelector `json:"bundleSelector,omitempty"`

	// +optional
	NamespaceSelector *metav1.LabelSelector `json:"namespaceSelector,omitempty"`
}

// +kubebuilder:object:root=true

// BundleNamespaceMappingList contains a list of BundleNamespaceMapping.
type BundleNamespaceMappingList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []BundleNamespaceMapping `json:"items"`
}

// ClusterRegistrationTokenSpec configures a registration token.
type ClusterRegistrationTokenSpec struct {
	// TTL bounds the token lifetime. Zero never expires.
	// +optional
	TTL *metav1.Duration `json:"ttl,omitempty"`
}

// +kubebuilder:object:root=true

// ClusterRegistrationToken authorizes agent-initiated cluster registration.
type ClusterRegistrationToken struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec ClusterRegistrationTokenSpec `json:"spec,omitempty"`
}

// +kubebuilder:object:root=true

// ClusterRegistrationTokenList contains a list of ClusterRegistrationToken.
type ClusterRegistrationTokenList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ClusterRegistrationToken `json:"items"`
}
