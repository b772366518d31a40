// Package snapshot turns successive full-collection snapshots into added, changed and removed events.
//
// The store watch primitive only delivers whole child maps. A Differ keeps the last
// materialized map of one subscription and compares each new snapshot against it.
// A Differ belongs to exactly one subscription; sharing one between subscribers lets
// one subscriber advance the baseline the other still relies on.
package snapshot

import (
	"cmp"
	"maps"
	"reflect"
	"slices"
)

// Kind classifies an Event.
type Kind string

const (
	Removed Kind = "removed"
	Added   Kind = "added"
	Changed Kind = "changed"
)

// Event is one child-level change. For Removed events Value is the last known value.
type Event[K cmp.Ordered, V any] struct {
	Kind  Kind `json:"kind"`
	Key   K    `json:"key"`
	Value V    `json:"value"`
}

// Differ is not safe for concurrent use.
type Differ[K cmp.Ordered, V any] struct {
	previous map[K]V
	equal    func(a, b V) bool
}

// NewDiffer creates a Differ comparing values with reflect.DeepEqual.
func NewDiffer[K cmp.Ordered, V any]() *Differ[K, V] {
	return NewDifferFunc[K, V](func(a, b V) bool { return reflect.DeepEqual(a, b) })
}

// NewDifferFunc creates a Differ comparing values with equal.
func NewDifferFunc[K cmp.Ordered, V any](equal func(a, b V) bool) *Differ[K, V] {
	return &Differ[K, V]{previous: map[K]V{}, equal: equal}
}

// Diff compares next with the previous snapshot and then makes next the baseline.
// Removed events come first, then Added, then Changed; each group is sorted by key.
func (d *Differ[K, V]) Diff(next map[K]V) []Event[K, V] {
	var removed, added, changed []Event[K, V]

	for _, k := range slices.Sorted(maps.Keys(d.previous)) {
		if _, ok := next[k]; !ok {
			removed = append(removed, Event[K, V]{Kind: Removed, Key: k, Value: d.previous[k]})
		}
	}
	for _, k := range slices.Sorted(maps.Keys(next)) {
		prev, ok := d.previous[k]
		switch {
		case !ok:
			added = append(added, Event[K, V]{Kind: Added, Key: k, Value: next[k]})
		case !d.equal(prev, next[k]):
			changed = append(changed, Event[K, V]{Kind: Changed, Key: k, Value: next[k]})
		}
	}

	d.previous = maps.Clone(next)
	if d.previous == nil {
		d.previous = map[K]V{}
	}

	events := make([]Event[K, V], 0, len(removed)+len(added)+len(changed))
	events = append(events, removed...)
	events = append(events, added...)
	return append(events, changed...)
}

// Current returns a copy of the baseline.
func (d *Differ[K, V]) Current() map[K]V {
	return maps.Clone(d.previous)
}

// Reset clears the baseline so the next Diff reports every key as Added.
func (d *Differ[K, V]) Reset() {
	d.previous = map[K]V{}
}
