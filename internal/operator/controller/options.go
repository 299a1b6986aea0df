package controller

import (
	"time"

	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

const (
	// Default delay before a failed reconcile is retried
	defaultRequeueAfter = 5 * time.Second

	// Delay while waiting on something Fleet has to install first
	installRequeueAfter = 10 * time.Second
)

// Option configures the reconcilers in this package.
type Option func(*options)

type options struct {
	requeueAfter  time.Duration
	enableMetrics bool
	// confirm and forget are set for engines that look objects up in a
	// handle cache which can outlive the object.
	confirm client.Reader
	forget  func(types.NamespacedName)
}

func newOptions(opts []Option) options {
	o := options{
		requeueAfter:  defaultRequeueAfter,
		enableMetrics: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithRequeueAfter sets the delay applied after a failed reconcile.
func WithRequeueAfter(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requeueAfter = d
		}
	}
}

// WithMetrics toggles prometheus recording.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.enableMetrics = enabled
	}
}

// WithStaleCacheCheck makes a failed reconcile confirm the object through
// reader. When the API server reports it gone, forget evicts the cached entry
// and the request is not retried.
func WithStaleCacheCheck(reader client.Reader, forget func(types.NamespacedName)) Option {
	return func(o *options) {
		o.confirm = reader
		o.forget = forget
	}
}
