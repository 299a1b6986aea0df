// Package v1beta1 mirrors the subset of the cluster.x-k8s.io v1beta1 API the
// addon provider reads. The CRDs are owned by Cluster API.
// +kubebuilder:object:generate=true
// +kubebuilder:skip
// +groupName=cluster.x-k8s.io
package v1beta1

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/scheme"
)

var (
	// GroupVersion is group version used to register these objects
	GroupVersion = schema.GroupVersion{Group: "cluster.x-k8s.io", Version: "v1beta1"}

	// SchemeBuilder is used to add go types to the GroupVersionKind scheme
	SchemeBuilder = &scheme.Builder{GroupVersion: GroupVersion}

	// AddToScheme adds the types in this group-version to the given scheme
	AddToScheme = SchemeBuilder.AddToScheme

	// ClusterGVK identifies CAPI Clusters.
	ClusterGVK = GroupVersion.WithKind("Cluster")

	// ClusterClassGVK identifies CAPI ClusterClasses.
	ClusterClassGVK = GroupVersion.WithKind("ClusterClass")

	// ClusterGVR is the resource served for CAPI Clusters.
	ClusterGVR = GroupVersion.WithResource("clusters")

	// ClusterClassGVR is the resource served for CAPI ClusterClasses.
	ClusterClassGVR = GroupVersion.WithResource("clusterclasses")
)

func init() {
	SchemeBuilder.Register(&Cluster{}, &ClusterList{}, &ClusterClass{}, &ClusterClassList{})
}
