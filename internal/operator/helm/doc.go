// Package helm installs and upgrades the Fleet charts from inside the
// management cluster.
//
// The client talks to the API server through the operator's own rest.Config
// and resolves chart versions from the repository index, so no helm CLI or
// kubeconfig file is involved.
package helm
