// Package labels provides the label keys shared between CAPI objects and the
// Fleet objects derived from them.
//
// Keys use the fleet.addons.cluster.x-k8s.io domain. A builder assembles the
// label sets placed on Fleet Clusters and ClusterGroups, and selector helpers
// produce the matching ClusterGroup selectors.
package labels
