package naming

import "fmt"

// Naming functions for derived Fleet objects and cluster secrets.

func KubeconfigSecret(cluster string) string {
	return fmt.Sprintf("%s-kubeconfig", cluster)
}

// BundleNamespaceMapping names the mapping that lets bundles in a class
// namespace target clusters in clusterNamespace.
func BundleNamespaceMapping(clusterNamespace string) string {
	return clusterNamespace
}

func ClusterFieldManager(namespace, cluster string) string {
	return fmt.Sprintf("cluster-%s-%s-addon-provider-fleet", namespace, cluster)
}

func RegistrationToken(fleetCluster string) string {
	return fleetCluster
}
