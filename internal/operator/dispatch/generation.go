package dispatch

import (
	"cmp"
	"slices"
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

type objectKey struct {
	gvk       schema.GroupVersionKind
	namespace string
	name      string
}

func keyOf(obj *unstructured.Unstructured) objectKey {
	return objectKey{gvk: obj.GroupVersionKind(), namespace: obj.GetNamespace(), name: obj.GetName()}
}

// tombstone is a delete carrying only the identity of the object.
func (k objectKey) tombstone() Event {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(k.gvk)
	obj.SetNamespace(k.namespace)
	obj.SetName(k.name)
	return Event{Type: Delete, Object: obj}
}

func compareKeys(a, b objectKey) int {
	return cmp.Or(
		cmp.Compare(a.gvk.String(), b.gvk.String()),
		cmp.Compare(a.namespace, b.namespace),
		cmp.Compare(a.name, b.name),
	)
}

type keySet map[objectKey]struct{}

type sourceState struct {
	live    keySet
	listing keySet
	listed  bool
}

// generation tracks what each source of one ReplaceAll has reported, so that
// objects missing from a relist, or from every source of a replacement, are
// retracted with a tombstone.
type generation struct {
	mu      sync.Mutex
	sources []*sourceState
	// carry holds what the previous generation knew. Keys not confirmed by
	// any initial list of this generation are retracted once every source
	// has listed.
	carry   keySet
	seen    keySet
	pending int
}

func newGeneration(sources int, carry keySet) *generation {
	g := &generation{
		sources: make([]*sourceState, sources),
		carry:   carry,
		seen:    keySet{},
		pending: sources,
	}
	for i := range g.sources {
		g.sources[i] = &sourceState{live: keySet{}, listing: keySet{}}
	}
	return g
}

// track records ev from source i and returns the keys that must be retracted
// before ev is forwarded. Callers hold g.mu.
func (g *generation) track(i int, ev Event) []objectKey {
	s := g.sources[i]
	switch ev.Type {
	case InitApply:
		if ev.Object != nil {
			s.listing[keyOf(ev.Object)] = struct{}{}
		}
	case Apply:
		if ev.Object != nil {
			s.live[keyOf(ev.Object)] = struct{}{}
		}
	case Delete:
		if ev.Object != nil {
			k := keyOf(ev.Object)
			delete(s.live, k)
			delete(s.listing, k)
		}
	case InitDone:
		var stale []objectKey
		for k := range s.live {
			if _, ok := s.listing[k]; !ok && !g.liveElsewhere(i, k) {
				stale = append(stale, k)
			}
		}
		s.live, s.listing = s.listing, keySet{}

		if !s.listed {
			s.listed = true
			for k := range s.live {
				g.seen[k] = struct{}{}
			}
			g.pending--
			if g.pending == 0 {
				stale = append(stale, g.flushCarry()...)
			}
		}
		slices.SortFunc(stale, compareKeys)
		return stale
	}
	return nil
}

// flushCarry returns the carried keys nobody confirmed and clears the carry.
// Callers hold g.mu.
func (g *generation) flushCarry() []objectKey {
	var stale []objectKey
	for k := range g.carry {
		if _, ok := g.seen[k]; ok {
			continue
		}
		if g.liveElsewhere(-1, k) {
			continue
		}
		stale = append(stale, k)
	}
	g.carry = nil
	slices.SortFunc(stale, compareKeys)
	return stale
}

func (g *generation) liveElsewhere(skip int, k objectKey) bool {
	for j, other := range g.sources {
		if j == skip {
			continue
		}
		if _, ok := other.live[k]; ok {
			return true
		}
	}
	return false
}

// known returns every key the generation may have forwarded and not retracted.
func (g *generation) known() keySet {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := keySet{}
	for k := range g.carry {
		out[k] = struct{}{}
	}
	for _, s := range g.sources {
		for k := range s.live {
			out[k] = struct{}{}
		}
		for k := range s.listing {
			out[k] = struct{}{}
		}
	}
	return out
}
