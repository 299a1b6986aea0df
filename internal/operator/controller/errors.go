package controller

import (
	"context"
	"errors"
	"net"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

var (
	// ErrInvalidConfiguration marks failures caused by the FleetAddonConfig
	// content rather than the cluster state.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrFleetNotInstalled is returned while Fleet or its CRDs are missing.
	ErrFleetNotInstalled = errors.New("fleet is not installed")

	// ErrInstallFailed wraps failures of the Fleet chart installation.
	ErrInstallFailed = errors.New("fleet installation failed")
)

// classifyError maps err to one of the failure metric error kinds.
func classifyError(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrInvalidConfiguration):
		return errorKindConfiguration
	case errors.Is(err, ErrFleetNotInstalled), errors.Is(err, ErrInstallFailed), meta.IsNoMatchError(err):
		return errorKindInstall
	case apierrors.ReasonForError(err) != metav1.StatusReasonUnknown,
		errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded):
		return errorKindTransport
	default:
		return errorKindInternal
	}
}

// logAndRecordError logs err for the object at key and counts the failure.
func logAndRecordError(ctx context.Context, o *options, kind string, key client.ObjectKey, err error, msg string) string {
	errorKind := classifyError(err)
	log.FromContext(ctx).Error(err, msg,
		"kind", kind,
		"namespace", key.Namespace,
		"name", key.Name,
		"errorKind", errorKind)
	o.recordFailure(kind, errorKind)
	return errorKind
}
