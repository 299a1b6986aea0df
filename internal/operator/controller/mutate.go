package controller

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/apiutil"
)

// FieldManager owns the fields the operator applies.
const FieldManager = "addon-provider-fleet"

// CreateIfAbsent creates obj unless an object with the same kind and identity
// already exists. Only metadata is read for the existence check. A Created
// event is recorded on primary when obj is created.
func CreateIfAbsent(ctx context.Context, c client.Client, recorder record.EventRecorder, primary, obj client.Object) (bool, error) {
	gvk, err := apiutil.GVKForObject(obj, c.Scheme())
	if err != nil {
		return false, err
	}
	key := client.ObjectKeyFromObject(obj)

	existing := &metav1.PartialObjectMetadata{}
	existing.SetGroupVersionKind(gvk)
	err = c.Get(ctx, key, existing)
	switch {
	case err == nil:
		return false, nil
	case !apierrors.IsNotFound(err):
		return false, fmt.Errorf("failed to look up %s %s: %w", gvk.Kind, key, err)
	}

	if err := c.Create(ctx, obj); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create %s %s: %w", gvk.Kind, key, err)
	}

	recorder.Eventf(primary, corev1.EventTypeNormal, EventReasonCreated, "Created %s %s", gvk.Kind, key)
	return true, nil
}

// ApplyPatch server-side applies obj under fieldManager, forcing ownership of
// conflicting fields. An Updated event is recorded on primary.
func ApplyPatch(ctx context.Context, c client.Client, recorder record.EventRecorder, primary, obj client.Object, fieldManager string) error {
	gvk, err := apiutil.GVKForObject(obj, c.Scheme())
	if err != nil {
		return err
	}
	key := client.ObjectKeyFromObject(obj)

	u, err := toApplyConfiguration(obj)
	if err != nil {
		return fmt.Errorf("failed to convert %s %s: %w", gvk.Kind, key, err)
	}
	u.SetGroupVersionKind(gvk)

	if err := c.Patch(ctx, u, client.Apply, client.ForceOwnership, client.FieldOwner(fieldManager)); err != nil {
		return fmt.Errorf("failed to apply %s %s: %w", gvk.Kind, key, err)
	}

	recorder.Eventf(primary, corev1.EventTypeNormal, EventReasonUpdated, "Applied %s %s", gvk.Kind, key)
	return nil
}

// toApplyConfiguration strips server-populated fields that must not be part
// of an apply request.
func toApplyConfiguration(obj client.Object) (*unstructured.Unstructured, error) {
	content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil, err
	}
	u := &unstructured.Unstructured{Object: content}
	u.SetManagedFields(nil)
	u.SetResourceVersion("")
	unstructured.RemoveNestedField(u.Object, "metadata", "creationTimestamp")
	unstructured.RemoveNestedField(u.Object, "status")
	return u, nil
}
