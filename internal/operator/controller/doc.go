// Package controller implements the reconcilers that keep Fleet in step with
// Cluster API.
//
// CAPI Clusters, ClusterClasses and Namespaces arrive through typed handles on
// the dispatch bus; Fleet ClusterGroups and Clusters are watched through the
// manager cache. Each kind is reconciled by a generic Engine driving a
// kind-specific Adapter:
//
//	object -> Adapter.ToBundle -> finalizer -> Bundle.Sync
//	deleted object -> Bundle.Cleanup -> finalizer removed
//
// The WatchReconciler rebuilds the dispatch watch set whenever the
// FleetAddonConfig selectors change. ConfigSyncReconciler publishes the API
// server endpoint to the fleet-controller config and HelmReconciler installs
// Fleet itself.
package controller
