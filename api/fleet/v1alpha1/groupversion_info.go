// Package v1alpha1 mirrors the subset of the fleet.cattle.io v1alpha1 API the
// addon provider writes. The CRDs are owned by Fleet.
// +kubebuilder:object:generate=true
// +kubebuilder:skip
// +groupName=fleet.cattle.io
package v1alpha1

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/scheme"
)

var (
	// GroupVersion is group version used to register these objects
	GroupVersion = schema.GroupVersion{Group: "fleet.cattle.io", Version: "v1alpha1"}

	// SchemeBuilder is used to add go types to the GroupVersionKind scheme
	SchemeBuilder = &scheme.Builder{GroupVersion: GroupVersion}

	// AddToScheme adds the types in this group-version to the given scheme
	AddToScheme = SchemeBuilder.AddToScheme
)

func init() {
	SchemeBuilder.Register(
		&Cluster{}, &ClusterList{},
		&ClusterGroup{}, &ClusterGroupList{},
		&BundleNamespaceMapping{}, &BundleNamespaceMappingList{},
		&ClusterRegistrationToken{}, &ClusterRegistrationTokenList{},
	)
}
