package dispatch

import (
	"errors"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// EventType tags a change event.
type EventType int

const (
	// InitApply carries an object from the initial list of a (re)started watch.
	InitApply EventType = iota
	// Apply carries an added or modified object.
	Apply
	// Delete carries the last known state of a removed object.
	Delete
	// InitDone marks the end of an initial list. It carries no object.
	InitDone
)

func (t EventType) String() string {
	switch t {
	case InitApply:
		return "InitApply"
	case Apply:
		return "Apply"
	case Delete:
		return "Delete"
	case InitDone:
		return "InitDone"
	default:
		return "Unknown"
	}
}

// Event is an untyped change observed on a watch.
type Event struct {
	Type   EventType
	Object *unstructured.Unstructured
}

var (
	// ErrClosed is returned once the bus or a subscription has been closed.
	ErrClosed = errors.New("dispatch: closed")

	// ErrNotReady is returned by WatchSet.Poll while a reconfiguration holds the set.
	ErrNotReady = errors.New("dispatch: watch set busy")
)
