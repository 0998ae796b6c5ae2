package ctxengine

import (
	"fmt"
	"log/slog"
)

// SegmentKind classifies a piece of content in a compaction plan.
type SegmentKind string

const (
	KindMandatory SegmentKind = "mandatory"
	KindDialog    SegmentKind = "dialog"
	KindFragment  SegmentKind = "fragment"
)

// Segment is one unit of content with its token cost.
type Segment struct {
	Kind SegmentKind
	// Index is the input position within the segment's own list
	// (dialog history or retrieved fragments).
	Index    int
	ID       string
	Role     string
	Text     string
	Tokens   int
	Score    float64
	Source   string
	Metadata map[string]any

	// Framing is the token cost of the role prefix or fragment header
	// rendered with the segment, separator included.
	Framing int
}

// ContextBudget tracks token allocation across the request's segments.
type ContextBudget struct {
	Max       int // max_context_tokens, less any reserve
	Mandatory int // task instruction + query
	Dialog    int // dialog history
	Fragments int // retrieved fragments
	Layout    int // headers, role prefixes, separators
}

// Used returns the content tokens across all segments. Layout is not
// content and is left out.
func (b ContextBudget) Used() int {
	return b.Mandatory + b.Dialog + b.Fragments
}

// Rendered returns the size of the assembled context: content plus layout.
func (b ContextBudget) Rendered() int {
	return b.Used() + b.Layout
}

// Available returns the number of tokens remaining under the ceiling once
// the context is rendered. Returns 0 if the budget is already exceeded.
func (b ContextBudget) Available() int {
	avail := b.Max - b.Rendered()
	if avail < 0 {
		return 0
	}
	return avail
}

// Exceeded reports whether the rendered context exceeds the ceiling.
func (b ContextBudget) Exceeded() bool {
	return b.Rendered() > b.Max
}

// CompactionPlan is the per-request working set built by the allocator and
// consumed by exactly one Compact call.
type CompactionPlan struct {
	MaxContextTokens int

	// Segments holds mandatory segments first (instruction, query), then
	// dialog turns in chronological order, then well-formed fragments in
	// input order.
	Segments []Segment

	// FragmentsOriginal counts every input fragment, malformed ones included.
	FragmentsOriginal int

	// Warnings collects recoverable conditions (malformed fragments).
	Warnings []string

	// Layout is the cost of the section headers.
	Layout Layout

	// Reserve is held back from the ceiling when the rendered text was
	// estimated above the sum of its pieces.
	Reserve int
}

// Budget sums the plan's segments by kind.
func (p *CompactionPlan) Budget() ContextBudget {
	return p.budgetOf(p.Segments, nil)
}

// budgetOf sums segments, skipping removed ones, and charges the section
// headers of the kinds that survive.
func (p *CompactionPlan) budgetOf(segments []Segment, removed []bool) ContextBudget {
	b := ContextBudget{Max: p.MaxContextTokens - p.Reserve, Layout: p.Layout.Fixed}
	var dialog, fragments bool
	for i := range segments {
		if removed != nil && removed[i] {
			continue
		}
		seg := &segments[i]
		b.Layout += seg.Framing
		switch seg.Kind {
		case KindMandatory:
			b.Mandatory += seg.Tokens
		case KindDialog:
			b.Dialog += seg.Tokens
			dialog = true
		case KindFragment:
			b.Fragments += seg.Tokens
			fragments = true
		}
	}
	if dialog {
		b.Layout += p.Layout.Dialog
	}
	if fragments {
		b.Layout += p.Layout.Fragments
	}
	return b
}

// BudgetAllocator computes the ceiling, reserves the mandatory segments,
// and builds the compaction plan.
type BudgetAllocator struct {
	estimator TokenEstimator
	budget    BudgetConfig
	logger    *slog.Logger
}

// NewBudgetAllocator creates an allocator. A nil logger discards warnings.
func NewBudgetAllocator(estimator TokenEstimator, budget BudgetConfig, logger *slog.Logger) *BudgetAllocator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BudgetAllocator{
		estimator: estimator,
		budget:    budget.withDefaults(),
		logger:    logger,
	}
}

// MaxContextTokens returns the ceiling this allocator enforces.
func (a *BudgetAllocator) MaxContextTokens() int {
	return a.budget.MaxContextTokens()
}

// Allocate validates req, reserves the mandatory segments, and returns the
// plan. It fails with *BudgetExceededError when the task instruction and
// query, with the headers that frame them, exceed the ceiling.
func (a *BudgetAllocator) Allocate(req ContextRequest) (*CompactionPlan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	maxTokens := a.MaxContextTokens()
	instruction := a.estimator.Estimate(req.TaskInstruction)
	query := a.estimator.Estimate(req.Query)
	layout := measureLayout(a.estimator)

	if mandatory := instruction + query + layout.Fixed; mandatory > maxTokens {
		return nil, &BudgetExceededError{
			Segments: []SegmentUsage{
				{Name: "task_instruction", Tokens: instruction},
				{Name: "query", Tokens: query},
				{Name: "layout", Tokens: layout.Fixed},
			},
			MandatoryTokens:  mandatory,
			MaxContextTokens: maxTokens,
		}
	}

	plan := &CompactionPlan{
		MaxContextTokens:  maxTokens,
		FragmentsOriginal: len(req.RetrievedFragments),
		Segments:          make([]Segment, 0, 2+len(req.DialogHistory)+len(req.RetrievedFragments)),
		Layout:            layout,
	}
	plan.Segments = append(plan.Segments,
		Segment{Kind: KindMandatory, Index: 0, ID: "task_instruction", Text: req.TaskInstruction, Tokens: instruction},
		Segment{Kind: KindMandatory, Index: 1, ID: "query", Text: req.Query, Tokens: query},
	)

	for i, turn := range req.DialogHistory {
		seg := Segment{
			Kind:   KindDialog,
			Index:  i,
			ID:     fmt.Sprintf("dialog[%d]", i),
			Role:   turn.Role,
			Text:   turn.Content,
			Tokens: a.estimator.Estimate(turn.Content),
		}
		seg.Framing = a.estimator.Estimate(framing(seg))
		plan.Segments = append(plan.Segments, seg)
	}

	for i, f := range req.RetrievedFragments {
		id := f.ID
		if id == "" {
			id = fmt.Sprintf("fragment[%d]", i)
		}
		if reason := f.malformedReason(); reason != "" {
			a.logger.Warn("ctxengine: skipping malformed fragment", "fragment", id, "position", i, "reason", reason)
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("malformed fragment %s skipped: %s", id, reason))
			continue
		}
		seg := Segment{
			Kind:     KindFragment,
			Index:    i,
			ID:       id,
			Text:     *f.Text,
			Tokens:   a.estimator.Estimate(*f.Text),
			Score:    *f.Score,
			Source:   f.Source,
			Metadata: f.Metadata,
		}
		seg.Framing = a.estimator.Estimate(framing(seg))
		plan.Segments = append(plan.Segments, seg)
	}

	return plan, nil
}
