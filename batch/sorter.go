package batch

import (
	"cmp"
	"slices"

	"github.com/gogpu/framekit/tags"
)

// Sorter orders draw calls by tag ordering, then sort order, then texture,
// then submission order. The last key makes the order total, so sorting the
// same input always produces the same output.
type Sorter struct {
	// Orderings may be nil.
	Orderings *tags.Orderings

	// Descending sorts by SortOrder from high to low.
	Descending bool
}

// Compare returns the relative order of a and b, or a
// *tags.ContradictionError when their tag sets are ordered both ways.
func (s *Sorter) Compare(a, b *DrawCall) (int, error) {
	if s.Orderings != nil && (a.Tags != nil || b.Tags != nil) {
		c, err := s.Orderings.Compare(a.Tags, b.Tags)
		if err != nil {
			return 0, err
		}
		if c != 0 {
			return c, nil
		}
	}
	if c := cmp.Compare(a.SortOrder, b.SortOrder); c != 0 {
		if s.Descending {
			return -c, nil
		}
		return c, nil
	}
	return cmp.Compare(textureID(a), textureID(b)), nil
}

// Sort orders calls in place. On error calls is left unmodified.
func (s *Sorter) Sort(calls []DrawCall) error {
	var scratch sortScratch
	return s.sort(calls, &scratch)
}

// sortScratch holds buffers reused across sorts of the same batch.
type sortScratch struct {
	index []int
	tmp   []DrawCall
}

func (s *Sorter) sort(calls []DrawCall, scratch *sortScratch) error {
	n := len(calls)
	if n < 2 {
		return nil
	}

	idx := scratch.index[:0]
	for i := range n {
		idx = append(idx, i)
	}
	scratch.index = idx

	var firstErr error
	slices.SortFunc(idx, func(i, j int) int {
		if firstErr != nil {
			return cmp.Compare(i, j)
		}
		c, err := s.Compare(&calls[i], &calls[j])
		if err != nil {
			firstErr = err
			return cmp.Compare(i, j)
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(i, j)
	})
	if firstErr != nil {
		return firstErr
	}

	tmp := slices.Grow(scratch.tmp[:0], n)[:n]
	for k, i := range idx {
		tmp[k] = calls[i]
	}
	copy(calls, tmp)
	clear(tmp)
	scratch.tmp = tmp[:0]
	return nil
}

func textureID(dc *DrawCall) uint64 {
	if dc.Texture == nil {
		return 0
	}
	return dc.Texture.ID()
}
