package v1beta1

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// ConditionControlPlaneReady reports that the control plane accepts requests.
const ConditionControlPlaneReady = "ControlPlaneReady"

// ClusterSpec is the part of the CAPI Cluster spec the provider reads.
type ClusterSpec struct {
	// +optional
	Paused bool `json:"paused,omitempty"`

	// +optional
	ControlPlaneRef *corev1.ObjectReference `json:"controlPlaneRef,omitempty"`

	// +optional
	InfrastructureRef *corev1.ObjectReference `json:"infrastructureRef,omitempty"`

	// +optional
	Topology *Topology `json:"topology,omitempty"`
}

// Topology links a Cluster to its ClusterClass.
type Topology struct {
	Class string `json:"class"`

	// ClassNamespace is the namespace of the ClusterClass. Empty means the
	// Cluster namespace.
	// +optional
	ClassNamespace string `json:"classNamespace,omitempty"`

	// +optional
	Version string `json:"version,omitempty"`
}

// Condition is the v1beta1 Cluster API condition shape.
type Condition struct {
	Type   string                 `json:"type"`
	Status corev1.ConditionStatus `json:"status"`
	// +optional
	Severity string `json:"severity,omitempty"`
	// +optional
	LastTransitionTime metav1.Time `json:"lastTransitionTime,omitempty"`
	// +optional
	Reason string `json:"reason,omitempty"`
	// +optional
	Message string `json:"message,omitempty"`
}

// ClusterStatus is the part of the CAPI Cluster status the provider reads.
type ClusterStatus struct {
	// +optional
	Phase string `json:"phase,omitempty"`

	// +optional
	ControlPlaneReady bool `json:"controlPlaneReady,omitempty"`

	// +optional
	InfrastructureReady bool `json:"infrastructureReady,omitempty"`

	// +optional
	Conditions []Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true

// Cluster is a Cluster API workload cluster.
type Cluster struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ClusterSpec   `json:"spec,omitempty"`
	Status ClusterStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// ClusterList contains a list of Cluster.
type ClusterList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Cluster `json:"items"`
}

// +kubebuilder:object:root=true

// ClusterClass is a Cluster API cluster template. Only metadata is consumed.
type ClusterClass struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	// +optional
	Spec runtime.RawExtension `json:"spec,omitempty"`
}

// +kubebuilder:object:root=true

// ClusterClassList contains a list of ClusterClass.
type ClusterClassList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ClusterClass `json:"items"`
}

// ControlPlaneReady reports whether the control plane is initialized, either
// through the legacy status flag or the ControlPlaneReady condition.
func (c *Cluster) ControlPlaneReady() bool {
	if c.Status.ControlPlaneReady {
		return true
	}
	for _, cond := range c.Status.Conditions {
		if cond.Type == ConditionControlPlaneReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// ClassRef returns the referenced ClusterClass name and namespace, or false
// when the cluster is not topology managed.
func (c *Cluster) ClassRef() (name, namespace string, ok bool) {
	if c.Spec.Topology == nil || c.Spec.Topology.Class == "" {
		return "", "", false
	}
	namespace = c.Spec.Topology.ClassNamespace
	if namespace == "" {
		namespace = c.Namespace
	}
	return c.Spec.Topology.Class, namespace, true
}
