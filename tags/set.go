package tags

import (
	"strings"
	"sync"
)

// Set is an immutable, canonical combination of tags.
//
// Tags are kept sorted by id so the cache key is independent of the order
// in which they were combined. Each set memoizes its transitions (the result
// of adding a given tag or set), which makes repeated combination chains a
// single map lookup after their first evaluation.
//
// A nil *Set behaves as the empty set for read operations.
type Set struct {
	reg  *Registry
	tags []*Tag
	key  string

	withTag sync.Map // *Tag -> *Set
	withSet sync.Map // *Set -> *Set
}

// Len returns the number of tags in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tags)
}

// IsEmpty reports whether the set has no tags.
func (s *Set) IsEmpty() bool { return s.Len() == 0 }

// Tags returns a copy of the tags in canonical order.
func (s *Set) Tags() []*Tag {
	if s == nil {
		return nil
	}
	out := make([]*Tag, len(s.tags))
	copy(out, s.tags)
	return out
}

// Has reports whether t is a member of s.
func (s *Set) Has(t *Tag) bool {
	if s == nil || t == nil {
		return false
	}
	lo, hi := 0, len(s.tags)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		switch id := s.tags[mid].id; {
		case id == t.id:
			return s.tags[mid] == t
		case id < t.id:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return false
}

// Contains reports whether s is a superset of sub. Every set contains the
// empty set.
func (s *Set) Contains(sub *Set) bool {
	if sub.Len() == 0 {
		return true
	}
	if s == sub {
		return true
	}
	if s.Len() < sub.Len() {
		return false
	}
	i := 0
	for _, want := range sub.tags {
		for i < len(s.tags) && s.tags[i].id < want.id {
			i++
		}
		if i == len(s.tags) || s.tags[i] != want {
			return false
		}
		i++
	}
	return true
}

// With returns the canonical set s ∪ {t}.
func (s *Set) With(t *Tag) *Set {
	if t == nil || s.Has(t) {
		return s
	}
	s.mustShareRegistry(t.set)
	if v, ok := s.withTag.Load(t); ok {
		return v.(*Set)
	}
	merged := make([]*Tag, 0, len(s.tags)+1)
	inserted := false
	for _, existing := range s.tags {
		if !inserted && t.id < existing.id {
			merged = append(merged, t)
			inserted = true
		}
		merged = append(merged, existing)
	}
	if !inserted {
		merged = append(merged, t)
	}
	next := s.reg.canonical(merged)
	v, _ := s.withTag.LoadOrStore(t, next)
	return v.(*Set)
}

// Union returns the canonical set s ∪ o.
func (s *Set) Union(o *Set) *Set {
	switch {
	case o.Len() == 0 || s == o:
		return s
	case s.Len() == 0:
		return o
	}
	s.mustShareRegistry(o)
	if v, ok := s.withSet.Load(o); ok {
		return v.(*Set)
	}
	merged := make([]*Tag, 0, len(s.tags)+len(o.tags))
	i, j := 0, 0
	for i < len(s.tags) && j < len(o.tags) {
		a, b := s.tags[i], o.tags[j]
		switch {
		case a == b:
			merged = append(merged, a)
			i++
			j++
		case a.id < b.id:
			merged = append(merged, a)
			i++
		default:
			merged = append(merged, b)
			j++
		}
	}
	merged = append(merged, s.tags[i:]...)
	merged = append(merged, o.tags[j:]...)

	next := s.reg.canonical(merged)
	v, _ := s.withSet.LoadOrStore(o, next)
	return v.(*Set)
}

func (s *Set) mustShareRegistry(o *Set) {
	if o != nil && s.reg != o.reg {
		panic("framekit/tags: combining sets from different registries")
	}
}

func (s *Set) String() string {
	if s.Len() == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, t := range s.tags {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.name)
	}
	b.WriteByte('}')
	return b.String()
}
