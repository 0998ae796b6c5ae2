package ctxengine

import "sort"

// ContentPrioritizer orders a plan's reducible segments for eviction,
// lowest priority first. Mandatory segments never appear in the sequence.
type ContentPrioritizer struct {
	order EvictionOrder
}

// NewContentPrioritizer creates a prioritizer. An empty order means
// OrderFragmentsFirst.
func NewContentPrioritizer(order EvictionOrder) *ContentPrioritizer {
	if order == "" {
		order = OrderFragmentsFirst
	}
	return &ContentPrioritizer{order: order}
}

// EvictionSequence returns indexes into segments in eviction order.
//
// Fragments are ordered by ascending score; equal scores keep input order,
// so the best-ranked fragment closes the fragment group. Dialog turns are
// ordered oldest first. The two groups are concatenated according to the
// configured EvictionOrder and never interleave.
func (p *ContentPrioritizer) EvictionSequence(segments []Segment) []int {
	var fragments, dialog []int
	for i := range segments {
		switch segments[i].Kind {
		case KindFragment:
			fragments = append(fragments, i)
		case KindDialog:
			dialog = append(dialog, i)
		}
	}

	sort.SliceStable(fragments, func(a, b int) bool {
		return segments[fragments[a]].Score < segments[fragments[b]].Score
	})

	seq := make([]int, 0, len(fragments)+len(dialog))
	if p.order == OrderDialogFirst {
		seq = append(seq, dialog...)
		seq = append(seq, fragments...)
	} else {
		seq = append(seq, fragments...)
		seq = append(seq, dialog...)
	}
	return seq
}
