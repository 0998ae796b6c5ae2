package ctxengine

import (
	"fmt"
	"slices"
)

// TruncationSuffix marks a fragment cut down to fit the remaining budget.
const TruncationSuffix = "..."

// State is a step of the compaction state machine.
type State int

const (
	StateInit State = iota
	StateReserveMandatory
	StateFits
	StateOverflow
	StateEvict
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReserveMandatory:
		return "RESERVE_MANDATORY"
	case StateFits:
		return "FITS"
	case StateOverflow:
		return "OVERFLOW"
	case StateEvict:
		return "EVICT"
	case StateExhausted:
		return "EXHAUSTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome is the result of compacting one plan.
type Outcome struct {
	// Kept holds the surviving segments in plan order. A truncated
	// fragment carries its shortened text and token count.
	Kept []Segment

	// Dropped lists evicted fragment ids in eviction order.
	Dropped []string

	// DroppedTurns lists evicted dialog turn positions in eviction order.
	DroppedTurns []int

	// Truncated lists fragment ids kept in shortened form.
	Truncated []string

	TokensBefore int
	TokensAfter  int

	// Trace is the sequence of states visited, ending in FITS or EXHAUSTED.
	Trace []State
}

// Final returns the terminal state.
func (o Outcome) Final() State {
	if len(o.Trace) == 0 {
		return StateInit
	}
	return o.Trace[len(o.Trace)-1]
}

// Compactor evicts segments from a plan until it fits the ceiling.
type Compactor struct {
	prioritizer *ContentPrioritizer
	estimator   TokenEstimator
	config      ContextConfig
}

// NewCompactor creates a Compactor. A nil prioritizer is built from cfg.
func NewCompactor(prioritizer *ContentPrioritizer, estimator TokenEstimator, cfg ContextConfig) *Compactor {
	cfg = cfg.withDefaults()
	if prioritizer == nil {
		prioritizer = NewContentPrioritizer(cfg.EvictionOrder)
	}
	return &Compactor{
		prioritizer: prioritizer,
		estimator:   estimator,
		config:      cfg,
	}
}

// Compact runs the state machine over plan. The plan is not modified.
//
// Segments are removed one at a time in eviction order while the rendered
// total exceeds the ceiling. The last fragment in the sequence is
// truncated instead of dropped when truncation is enabled, the room left
// for its text is at least MinSnippetTokens, and the shortened text makes
// the context fit. Otherwise it is dropped like the others. Reaching
// EXHAUSTED is only possible if mandatory content alone overflows, which
// the allocator already rejects.
func (c *Compactor) Compact(plan *CompactionPlan) (Outcome, error) {
	segments := slices.Clone(plan.Segments)
	removed := make([]bool, len(segments))
	budget := plan.Budget()

	out := Outcome{
		TokensBefore: budget.Used(),
		Trace:        []State{StateInit, StateReserveMandatory},
	}

	if !budget.Exceeded() {
		out.Trace = append(out.Trace, StateFits)
		out.Kept = segments
		out.TokensAfter = budget.Used()
		return out, nil
	}

	out.Trace = append(out.Trace, StateOverflow, StateEvict)

	seq := c.prioritizer.EvictionSequence(segments)
	lastFragment := -1
	for pos, idx := range seq {
		if segments[idx].Kind == KindFragment {
			lastFragment = pos
		}
	}

	for pos, idx := range seq {
		if !budget.Exceeded() {
			break
		}
		seg := segments[idx]

		if pos == lastFragment && c.config.truncateFallback() {
			aside := budget
			aside.Fragments -= seg.Tokens
			if text, tokens, ok := c.truncate(seg.Text, aside.Available()); ok {
				segments[idx].Text = text
				segments[idx].Tokens = tokens
				out.Truncated = append(out.Truncated, seg.ID)
				budget = plan.budgetOf(segments, removed)
				continue
			}
		}

		removed[idx] = true
		budget = plan.budgetOf(segments, removed)
		switch seg.Kind {
		case KindFragment:
			out.Dropped = append(out.Dropped, seg.ID)
		case KindDialog:
			out.DroppedTurns = append(out.DroppedTurns, seg.Index)
		}
	}

	if budget.Exceeded() {
		out.Trace = append(out.Trace, StateExhausted)
		return out, c.exhausted(plan, segments)
	}

	out.Trace = append(out.Trace, StateFits)
	out.Kept = make([]Segment, 0, len(segments))
	for i := range segments {
		if !removed[i] {
			out.Kept = append(out.Kept, segments[i])
		}
	}
	out.TokensAfter = budget.Used()
	return out, nil
}

// truncate keeps the longest leading rune window of text whose estimate,
// suffix included, fits room. It reports false when room is below the
// minimum snippet size or no window fits.
func (c *Compactor) truncate(text string, room int) (string, int, bool) {
	if room <= 0 || room < c.config.minSnippet() {
		return "", 0, false
	}
	runes := []rune(text)
	if len(runes) < 2 {
		return "", 0, false
	}

	fits := func(n int) (string, int, bool) {
		s := string(runes[:n]) + TruncationSuffix
		t := c.estimator.Estimate(s)
		return s, t, t <= room
	}

	// Largest n in [1, len-1] that fits, assuming estimates grow with length.
	lo, hi := 1, len(runes)-1
	best, bestTokens, found := "", 0, false
	for lo <= hi {
		mid := lo + (hi-lo)/2
		if s, t, ok := fits(mid); ok {
			best, bestTokens, found = s, t, true
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best, bestTokens, found
}

func (c *Compactor) exhausted(plan *CompactionPlan, segments []Segment) error {
	e := &BudgetExceededError{MaxContextTokens: plan.MaxContextTokens}
	for i := range segments {
		if segments[i].Kind == KindMandatory {
			e.Segments = append(e.Segments, SegmentUsage{Name: segments[i].ID, Tokens: segments[i].Tokens})
			e.MandatoryTokens += segments[i].Tokens
		}
	}
	if plan.Layout.Fixed > 0 {
		e.Segments = append(e.Segments, SegmentUsage{Name: "layout", Tokens: plan.Layout.Fixed})
		e.MandatoryTokens += plan.Layout.Fixed
	}
	if plan.Reserve > 0 {
		e.Segments = append(e.Segments, SegmentUsage{Name: "reserve", Tokens: plan.Reserve})
		e.MandatoryTokens += plan.Reserve
	}
	return e
}
