package ctxengine_test

import (
	"errors"
	"slices"
	"strings"
	"testing"

	ctxengine "github.com/flemzord/ctxbudget/internal/context"
)

func compact(t *testing.T, est ctxengine.TokenEstimator, cfg ctxengine.ContextConfig, req ctxengine.ContextRequest) ctxengine.Outcome {
	t.Helper()

	plan, err := ctxengine.NewBudgetAllocator(est, cfg.Budget, nil).Allocate(req)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	out, err := ctxengine.NewCompactor(nil, est, cfg).Compact(plan)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	return out
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state ctxengine.State
		want  string
	}{
		{ctxengine.StateInit, "INIT"},
		{ctxengine.StateReserveMandatory, "RESERVE_MANDATORY"},
		{ctxengine.StateFits, "FITS"},
		{ctxengine.StateOverflow, "OVERFLOW"},
		{ctxengine.StateEvict, "EVICT"},
		{ctxengine.StateExhausted, "EXHAUSTED"},
		{ctxengine.State(42), "State(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestCompactor_Trace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		dialog []int
		scores []float64
		want   []ctxengine.State
	}{
		{
			name:   "fits",
			dialog: []int{100},
			scores: []float64{0.9},
			want:   []ctxengine.State{ctxengine.StateInit, ctxengine.StateReserveMandatory, ctxengine.StateFits},
		},
		{
			name:   "overflow_then_fits",
			dialog: []int{120, 80},
			scores: []float64{0.9, 0.8, 0.7, 0.6, 0.5},
			want: []ctxengine.State{
				ctxengine.StateInit, ctxengine.StateReserveMandatory,
				ctxengine.StateOverflow, ctxengine.StateEvict, ctxengine.StateFits,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req, est := scenarioRequest(tt.dialog, tt.scores)
			out := compact(t, est, testConfig(1000), req)
			if !slices.Equal(out.Trace, tt.want) {
				t.Errorf("Trace = %v, want %v", out.Trace, tt.want)
			}
			if out.Final() != ctxengine.StateFits {
				t.Errorf("Final() = %v, want FITS", out.Final())
			}
		})
	}
}

// textSegment builds a segment whose text is tokens bytes long, matching
// mockEstimator.
func textSegment(kind ctxengine.SegmentKind, id string, index, tokens int, score float64) ctxengine.Segment {
	return ctxengine.Segment{
		Kind:   kind,
		ID:     id,
		Index:  index,
		Role:   "user",
		Text:   strings.Repeat("x", tokens),
		Tokens: tokens,
		Score:  score,
	}
}

// evictionPlan holds 60 mandatory tokens, two 100-token turns, and two
// 150-token fragments scored 0.5 (low) and 0.9 (high).
func evictionPlan(maxTokens int) *ctxengine.CompactionPlan {
	return &ctxengine.CompactionPlan{
		MaxContextTokens: maxTokens,
		Segments: []ctxengine.Segment{
			textSegment(ctxengine.KindMandatory, "task_instruction", 0, 30, 0),
			textSegment(ctxengine.KindMandatory, "query", 1, 30, 0),
			textSegment(ctxengine.KindDialog, "dialog[0]", 0, 100, 0),
			textSegment(ctxengine.KindDialog, "dialog[1]", 1, 100, 0),
			textSegment(ctxengine.KindFragment, "low", 0, 150, 0.5),
			textSegment(ctxengine.KindFragment, "high", 1, 150, 0.9),
		},
	}
}

func intPtr(n int) *int { return &n }

func TestCompactor_Eviction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		max           int
		order         ctxengine.EvictionOrder
		noTruncate    bool
		minSnippet    *int
		wantDropped   []string
		wantTurns     []int
		wantTruncated []string
		wantAfter     int
	}{
		{
			name:          "fragments_first_truncates_best",
			max:           300,
			wantDropped:   []string{"low"},
			wantTruncated: []string{"high"},
			wantAfter:     300,
		},
		{
			name:        "fragments_first_without_truncation",
			max:         300,
			noTruncate:  true,
			wantDropped: []string{"low", "high"},
			wantAfter:   260,
		},
		{
			name:        "room_below_min_snippet",
			max:         270,
			wantDropped: []string{"low", "high"},
			wantAfter:   260,
		},
		{
			name:          "min_snippet_zero",
			max:           270,
			minSnippet:    intPtr(0),
			wantDropped:   []string{"low"},
			wantTruncated: []string{"high"},
			wantAfter:     270,
		},
		{
			name:        "dialog_only_after_every_fragment",
			max:         200,
			wantDropped: []string{"low", "high"},
			wantTurns:   []int{0},
			wantAfter:   160,
		},
		{
			name:        "dialog_first",
			max:         300,
			order:       ctxengine.OrderDialogFirst,
			wantDropped: []string{"low"},
			wantTurns:   []int{0, 1},
			wantAfter:   210,
		},
		{
			name:          "dialog_first_truncates_best",
			max:           200,
			order:         ctxengine.OrderDialogFirst,
			wantDropped:   []string{"low"},
			wantTurns:     []int{0, 1},
			wantTruncated: []string{"high"},
			wantAfter:     200,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(tt.max)
			cfg.EvictionOrder = tt.order
			cfg.MinSnippetTokens = tt.minSnippet
			if tt.noTruncate {
				cfg.TruncateFallback = boolPtr(false)
			}

			out, err := ctxengine.NewCompactor(nil, &mockEstimator{}, cfg).Compact(evictionPlan(tt.max))
			if err != nil {
				t.Fatalf("Compact: %v", err)
			}
			if !slices.Equal(out.Dropped, tt.wantDropped) {
				t.Errorf("Dropped = %v, want %v", out.Dropped, tt.wantDropped)
			}
			if !slices.Equal(out.DroppedTurns, tt.wantTurns) {
				t.Errorf("DroppedTurns = %v, want %v", out.DroppedTurns, tt.wantTurns)
			}
			if !slices.Equal(out.Truncated, tt.wantTruncated) {
				t.Errorf("Truncated = %v, want %v", out.Truncated, tt.wantTruncated)
			}
			if out.TokensAfter != tt.wantAfter {
				t.Errorf("TokensAfter = %d, want %d", out.TokensAfter, tt.wantAfter)
			}
			if out.TokensAfter > tt.max {
				t.Errorf("TokensAfter %d over the ceiling %d", out.TokensAfter, tt.max)
			}
		})
	}
}

func TestCompactor_NoTurnEvictedWhileFragmentWhole(t *testing.T) {
	t.Parallel()

	for ceiling := 160; ceiling <= 560; ceiling += 5 {
		out, err := ctxengine.NewCompactor(nil, &mockEstimator{}, testConfig(ceiling)).Compact(evictionPlan(ceiling))
		if err != nil {
			t.Fatalf("ceiling %d: Compact: %v", ceiling, err)
		}
		if len(out.DroppedTurns) == 0 {
			continue
		}
		if len(out.Dropped) != 2 || len(out.Truncated) != 0 {
			t.Fatalf("ceiling %d: turns %v evicted with dropped=%v truncated=%v", ceiling, out.DroppedTurns, out.Dropped, out.Truncated)
		}
	}
}

func TestCompactor_TruncatesLastFragment(t *testing.T) {
	t.Parallel()

	plan := &ctxengine.CompactionPlan{
		MaxContextTokens: 100,
		Segments: []ctxengine.Segment{
			textSegment(ctxengine.KindMandatory, "task_instruction", 0, 10, 0),
			textSegment(ctxengine.KindMandatory, "query", 1, 10, 0),
			textSegment(ctxengine.KindFragment, "big", 0, 200, 0.9),
		},
	}
	cfg := testConfig(100)
	cfg.MinSnippetTokens = intPtr(10)

	out, err := ctxengine.NewCompactor(nil, &mockEstimator{}, cfg).Compact(plan)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if len(out.Dropped) != 0 {
		t.Errorf("Dropped = %v, want none", out.Dropped)
	}
	if !slices.Equal(out.Truncated, []string{"big"}) {
		t.Fatalf("Truncated = %v, want [big]", out.Truncated)
	}
	if out.TokensAfter != 100 {
		t.Errorf("TokensAfter = %d, want 100", out.TokensAfter)
	}

	frag := out.Kept[2]
	want := strings.Repeat("x", 77) + ctxengine.TruncationSuffix
	if frag.Text != want {
		t.Errorf("truncated text = %q (%d bytes), want %d bytes", frag.Text, len(frag.Text), len(want))
	}
	if frag.Tokens != 80 {
		t.Errorf("truncated tokens = %d, want 80", frag.Tokens)
	}
}

func TestCompactor_LayoutCounted(t *testing.T) {
	t.Parallel()

	plan := func(max int) *ctxengine.CompactionPlan {
		f := textSegment(ctxengine.KindFragment, "f", 0, 30, 0.9)
		f.Framing = 4
		return &ctxengine.CompactionPlan{
			MaxContextTokens: max,
			Layout:           ctxengine.Layout{Fixed: 10, Fragments: 6},
			Segments: []ctxengine.Segment{
				textSegment(ctxengine.KindMandatory, "task_instruction", 0, 20, 0),
				textSegment(ctxengine.KindMandatory, "query", 1, 20, 0),
				f,
			},
		}
	}

	tests := []struct {
		name          string
		max           int
		wantDropped   []string
		wantTruncated []string
		wantAfter     int
	}{
		// 70 content + 10 fixed + 4 framing + 6 header
		{name: "fits_with_layout", max: 90, wantAfter: 70},
		{name: "content_fits_headers_do_not", max: 80, wantTruncated: []string{"f"}, wantAfter: 60},
		{name: "truncation_room_excludes_headers", max: 70, wantTruncated: []string{"f"}, wantAfter: 50},
		{name: "fragment_dropped_with_its_header", max: 60, wantDropped: []string{"f"}, wantAfter: 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(tt.max)
			cfg.MinSnippetTokens = intPtr(0)
			p := plan(tt.max)
			out, err := ctxengine.NewCompactor(nil, &mockEstimator{}, cfg).Compact(p)
			if err != nil {
				t.Fatalf("Compact: %v", err)
			}
			if !slices.Equal(out.Dropped, tt.wantDropped) || !slices.Equal(out.Truncated, tt.wantTruncated) {
				t.Errorf("Dropped = %v, Truncated = %v; want %v, %v", out.Dropped, out.Truncated, tt.wantDropped, tt.wantTruncated)
			}
			if out.TokensAfter != tt.wantAfter {
				t.Errorf("TokensAfter = %d, want %d", out.TokensAfter, tt.wantAfter)
			}
		})
	}
}

func TestCompactor_TruncationFallbackOff(t *testing.T) {
	t.Parallel()

	req := ctxengine.ContextRequest{
		TaskInstruction:    strings.Repeat("I", 10),
		Query:              strings.Repeat("Q", 10),
		RetrievedFragments: []ctxengine.Fragment{ctxengine.NewFragment("big", strings.Repeat("x", 200), 0.9)},
	}
	cfg := testConfig(100)
	cfg.TruncateFallback = boolPtr(false)

	out := compact(t, &mockEstimator{}, cfg, req)
	if !slices.Equal(out.Dropped, []string{"big"}) || len(out.Truncated) != 0 {
		t.Errorf("Dropped = %v, Truncated = %v; want [big], []", out.Dropped, out.Truncated)
	}
	if out.TokensAfter != 20 {
		t.Errorf("TokensAfter = %d, want 20", out.TokensAfter)
	}
}

func TestCompactor_DoesNotMutatePlan(t *testing.T) {
	t.Parallel()

	req := ctxengine.ContextRequest{
		TaskInstruction:    "task",
		Query:              "query",
		RetrievedFragments: []ctxengine.Fragment{ctxengine.NewFragment("big", strings.Repeat("x", 200), 0.9)},
	}
	cfg := testConfig(100)
	cfg.MinSnippetTokens = intPtr(10)
	est := &mockEstimator{}

	plan, err := ctxengine.NewBudgetAllocator(est, cfg.Budget, nil).Allocate(req)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := ctxengine.NewCompactor(nil, est, cfg).Compact(plan); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if got := plan.Segments[2].Tokens; got != 200 {
		t.Errorf("plan fragment tokens = %d after Compact, want 200", got)
	}
}

func TestCompactor_Exhausted(t *testing.T) {
	t.Parallel()

	plan := &ctxengine.CompactionPlan{
		MaxContextTokens: 10,
		Segments: []ctxengine.Segment{
			{Kind: ctxengine.KindMandatory, ID: "task_instruction", Tokens: 15},
			{Kind: ctxengine.KindMandatory, ID: "query", Tokens: 5},
			{Kind: ctxengine.KindDialog, ID: "dialog[0]", Tokens: 5},
		},
	}

	out, err := ctxengine.NewCompactor(nil, &mockEstimator{}, testConfig(10)).Compact(plan)
	if !errors.Is(err, ctxengine.ErrBudgetExceeded) {
		t.Fatalf("error = %v, want ErrBudgetExceeded", err)
	}
	if out.Final() != ctxengine.StateExhausted {
		t.Errorf("Final() = %v, want EXHAUSTED", out.Final())
	}
	var be *ctxengine.BudgetExceededError
	if errors.As(err, &be) && be.MandatoryTokens != 20 {
		t.Errorf("MandatoryTokens = %d, want 20", be.MandatoryTokens)
	}
}
