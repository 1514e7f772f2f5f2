package tags

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// memoLimit bounds the number of memoized Compare verdicts. The memo is
// dropped once it grows past the limit.
const memoLimit = 4096

var (
	// ErrContradictoryOrdering is returned when two orderings demand
	// opposite relative order for the same pair of tag sets.
	ErrContradictoryOrdering = errors.New("framekit/tags: contradictory ordering")

	// ErrNilSet is returned when an ordering is built from a nil set.
	ErrNilSet = errors.New("framekit/tags: nil tag set in ordering")
)

// Ordering requires that every call whose tags are a superset of Before
// sorts ahead of every call whose tags are a superset of After.
type Ordering struct {
	Before *Set
	After  *Set
}

// NewOrdering returns the ordering "before < after".
func NewOrdering(before, after *Set) Ordering {
	return Ordering{Before: before, After: after}
}

// Compare returns -1 if lhs must sort before rhs, +1 if it must sort after,
// and 0 if the ordering says nothing about the pair. Operands that share a
// side (both carry Before, or both carry After) are not separated by the
// ordering.
func (o Ordering) Compare(lhs, rhs *Set) int {
	lhsBefore, rhsBefore := lhs.Contains(o.Before), rhs.Contains(o.Before)
	if lhsBefore && rhsBefore {
		return 0
	}
	lhsAfter, rhsAfter := lhs.Contains(o.After), rhs.Contains(o.After)
	if lhsAfter && rhsAfter {
		return 0
	}
	switch {
	case lhsBefore && rhsAfter:
		return -1
	case lhsAfter && rhsBefore:
		return 1
	default:
		return 0
	}
}

// Inverse returns the ordering with Before and After swapped.
func (o Ordering) Inverse() Ordering { return Ordering{Before: o.After, After: o.Before} }

func (o Ordering) String() string {
	return fmt.Sprintf("%s < %s", o.Before, o.After)
}

// ContradictionError reports two orderings that disagree about a pair.
type ContradictionError struct {
	Lhs, Rhs      *Set
	First, Second Ordering
}

func (e *ContradictionError) Error() string {
	return fmt.Sprintf("framekit/tags: contradictory ordering comparing %s with %s: %s conflicts with %s",
		e.Lhs, e.Rhs, e.First, e.Second)
}

// Unwrap returns ErrContradictoryOrdering.
func (e *ContradictionError) Unwrap() error { return ErrContradictoryOrdering }

type pairKey struct{ lhs, rhs *Set }

type verdict struct {
	sign int
	err  error
}

// Orderings is a collection of orderings that must stay consistent.
//
// Add rejects an ordering that is the exact inverse of one already present,
// so "a < b" together with "b < a" fails when the collection is built rather
// than at the first Compare. Orderings that only disagree for particular
// operands, such as "a < b" and "y < x" compared on {a,x} and {b,y}, are
// accepted and reported by Compare.
//
// The zero value is an empty collection ready for use. Compare results are
// memoized per (lhs, rhs) pair, up to memoLimit entries; the memo is dropped
// whenever an ordering is added or the limit is reached. Orderings is safe
// for concurrent use.
type Orderings struct {
	mu      sync.RWMutex
	list    []Ordering
	memo    sync.Map // pairKey -> verdict
	memoLen atomic.Int64
}

// NewOrderings builds a collection from the given orderings.
func NewOrderings(orderings ...Ordering) (*Orderings, error) {
	c := &Orderings{}
	for _, o := range orderings {
		if err := c.Add(o); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add appends an ordering. Orderings whose sides are identical, or that are
// the exact inverse of one already present, are rejected with
// ErrContradictoryOrdering. Conflicts that only show up for particular
// operand pairs are detected later by Compare.
func (c *Orderings) Add(o Ordering) error {
	if o.Before == nil || o.After == nil {
		return ErrNilSet
	}
	if o.Before == o.After {
		return fmt.Errorf("%w: %s orders a set against itself", ErrContradictoryOrdering, o)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	inv := o.Inverse()
	for _, existing := range c.list {
		if existing == o {
			return nil
		}
		if existing == inv {
			return fmt.Errorf("%w: %s conflicts with %s", ErrContradictoryOrdering, o, existing)
		}
	}
	c.list = append(c.list, o)
	c.clearMemo()
	return nil
}

// Len returns the number of orderings.
func (c *Orderings) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.list)
}

// Compare aggregates every ordering for the pair. It returns the common
// non-zero sign, 0 if no ordering applies, or a *ContradictionError when two
// orderings return opposite signs. A nil collection never orders anything.
func (c *Orderings) Compare(lhs, rhs *Set) (int, error) {
	if c == nil {
		return 0, nil
	}
	key := pairKey{lhs, rhs}
	if v, ok := c.memo.Load(key); ok {
		vd := v.(verdict)
		return vd.sign, vd.err
	}

	// Store under the read lock so a concurrent Add cannot clear the memo
	// between evaluation and store.
	c.mu.RLock()
	vd := c.evaluate(lhs, rhs)
	if c.memoLen.Add(1) > memoLimit {
		c.clearMemo()
	}
	c.memo.Store(key, vd)
	c.mu.RUnlock()
	return vd.sign, vd.err
}

func (c *Orderings) clearMemo() {
	c.memo.Clear()
	c.memoLen.Store(0)
}

func (c *Orderings) evaluate(lhs, rhs *Set) verdict {
	result := 0
	var first Ordering
	for _, o := range c.list {
		r := o.Compare(lhs, rhs)
		if r == 0 {
			continue
		}
		if result == 0 {
			result, first = r, o
			continue
		}
		if r != result {
			return verdict{err: &ContradictionError{Lhs: lhs, Rhs: rhs, First: first, Second: o}}
		}
	}
	return verdict{sign: result}
}
