// Package tags provides interned labels and the declarative partial-order
// constraints used to sort draw calls.
//
// A [Registry] owns every [Tag] and [Set] it creates. Tags are interned by
// name, so two tags with the same name are the same pointer, and sets are
// canonical, so combining the same tags in any order yields the same *Set.
// Identity comparison (==) is therefore the equality test for both.
//
// An [Ordering] states that calls tagged with a superset of Before sort ahead
// of calls tagged with a superset of After. [Orderings] aggregates several of
// them and reports a [ContradictionError] instead of silently picking a side
// when two orderings disagree about the same pair.
//
// Example:
//
//	reg := tags.NewRegistry()
//	bg := reg.MustIntern("background")
//	ui := reg.MustIntern("ui")
//
//	var order tags.Orderings
//	_ = order.Add(tags.NewOrdering(bg.Set(), ui.Set()))
//
//	sign, err := order.Compare(bg.Set(), ui.Set()) // -1, nil
package tags
