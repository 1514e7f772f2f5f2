package tags

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/gogpu/framekit/cache"
)

// ErrEmptyName is returned when interning a tag with an empty name.
var ErrEmptyName = errors.New("framekit/tags: empty tag name")

// Tag is an interned label. Tags are only created by a Registry and are
// compared by identity.
type Tag struct {
	name string
	id   uint32
	set  *Set
}

// Name returns the normalized tag name.
func (t *Tag) Name() string { return t.name }

// ID returns the registry-unique id of the tag. Ids increase in interning
// order and define the canonical order of tags inside a Set.
func (t *Tag) ID() uint32 { return t.id }

// Set returns the single-tag set for t.
func (t *Tag) Set() *Set { return t.set }

func (t *Tag) String() string { return t.name }

// Registry interns tags and tag sets.
//
// A Registry is an explicit, long-lived handle rather than process-wide
// state: every tag and set it hands out stays canonical for the life of the
// registry, and values from different registries must not be mixed.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Tag
	nextID uint32

	sets  *cache.Sharded[string, *Set]
	empty *Set
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{
		byName: make(map[string]*Tag),
		sets:   cache.NewSharded[string, *Set](cache.StringHasher),
	}
	r.empty = r.canonical(nil)
	return r
}

// Intern returns the canonical tag for name, creating it on first use.
// Names are NFC-normalized first, so canonically equivalent spellings
// intern to the same tag.
func (r *Registry) Intern(name string) (*Tag, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	name = norm.NFC.String(name)

	r.mu.RLock()
	t, ok := r.byName[name]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byName[name]; ok {
		return t, nil
	}
	r.nextID++
	t = &Tag{name: name, id: r.nextID}
	t.set = r.canonical([]*Tag{t})
	r.byName[name] = t
	return t, nil
}

// MustIntern is like Intern but panics on an empty name.
// It is intended for package-level tag declarations.
func (r *Registry) MustIntern(name string) *Tag {
	t, err := r.Intern(name)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the tag for name if it has been interned.
func (r *Registry) Lookup(name string) (*Tag, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[norm.NFC.String(name)]
	return t, ok
}

// Len returns the number of interned tags.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// SetCount returns the number of distinct canonical sets created so far,
// including the empty set.
func (r *Registry) SetCount() int { return r.sets.Len() }

// Empty returns the canonical empty set.
func (r *Registry) Empty() *Set { return r.empty }

// Of returns the canonical set containing the given tags.
func (r *Registry) Of(tags ...*Tag) *Set {
	s := r.empty
	for _, t := range tags {
		s = s.With(t)
	}
	return s
}

// Combine returns the canonical union of a and b. A nil set is treated as
// empty.
func (r *Registry) Combine(a, b *Set) *Set {
	if a == nil {
		a = r.empty
	}
	return a.Union(b)
}

// canonical returns the interned set for sorted, deduplicated tags.
func (r *Registry) canonical(sorted []*Tag) *Set {
	key := setKey(sorted)
	return r.sets.GetOrCreate(key, func() *Set {
		return &Set{reg: r, tags: sorted, key: key}
	})
}

func setKey(sorted []*Tag) string {
	if len(sorted) == 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(len(sorted) * 4)
	buf := make([]byte, 0, 10)
	for i, t := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		buf = strconv.AppendUint(buf[:0], uint64(t.id), 36)
		b.Write(buf)
	}
	return b.String()
}
