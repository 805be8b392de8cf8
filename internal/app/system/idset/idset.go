// Package idset provides set algebra over Mongo ObjectIDs.
//
// Reference arrays on accounts, cohorts, and sessions have set semantics.
// These helpers compute diffs and unions without caring about the order the
// ids were stored in. Every function returning a slice returns it sorted, so
// results are deterministic and easy to compare in tests.
package idset

import (
	"bytes"
	"sort"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Set is an unordered collection of distinct ObjectIDs.
type Set map[primitive.ObjectID]struct{}

// Of builds a Set from ids. Duplicates collapse.
func Of(ids ...primitive.ObjectID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts ids into s.
func (s Set) Add(ids ...primitive.ObjectID) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

// Contains reports whether id is in s.
func (s Set) Contains(id primitive.ObjectID) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of ids in s.
func (s Set) Len() int { return len(s) }

// Slice returns the members of s in sorted order.
func (s Set) Slice() []primitive.ObjectID {
	out := make([]primitive.ObjectID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	Sort(out)
	return out
}

// Equal reports whether a and b hold the same ids.
func Equal(a, b Set) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if !b.Contains(id) {
			return false
		}
	}
	return true
}

// Minus returns the ids in a that are not in b, sorted.
func Minus(a, b Set) []primitive.ObjectID {
	out := make([]primitive.ObjectID, 0)
	for id := range a {
		if !b.Contains(id) {
			out = append(out, id)
		}
	}
	Sort(out)
	return out
}

// Union returns the sorted union of every input slice.
func Union(lists ...[]primitive.ObjectID) []primitive.ObjectID {
	s := Set{}
	for _, l := range lists {
		s.Add(l...)
	}
	return s.Slice()
}

// Diff compares the current members against the desired members.
// toAdd = desired - current, toRemove = current - desired.
func Diff(current, desired []primitive.ObjectID) (toAdd, toRemove []primitive.ObjectID) {
	cur := Of(current...)
	want := Of(desired...)
	return Minus(want, cur), Minus(cur, want)
}

// Dedupe returns ids with duplicates removed, sorted.
func Dedupe(ids []primitive.ObjectID) []primitive.ObjectID {
	return Of(ids...).Slice()
}

// Sort orders ids by their raw bytes (creation time first for generated ids).
func Sort(ids []primitive.ObjectID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}
