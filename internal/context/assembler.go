package ctxengine

import (
	"encoding/hex"
	"log/slog"

	"github.com/zeebo/blake3"
)

// CompactedContext is the output of one assembly.
type CompactedContext struct {
	// Text is the assembled context: task instruction, surviving dialog,
	// surviving fragments by descending score, then the query.
	Text  string       `json:"context"`
	Stats ContextStats `json:"stats"`

	// Dropped lists evicted fragment ids in eviction order.
	Dropped []string `json:"dropped,omitempty"`
	// DroppedTurns lists evicted dialog turn positions in eviction order.
	DroppedTurns []int `json:"dropped_turns,omitempty"`
	// Truncated lists fragment ids kept in shortened form.
	Truncated []string `json:"truncated,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`

	// Digest is the hex BLAKE3-256 of Text.
	Digest string `json:"digest"`

	// Degraded is set when token counts come from the fallback heuristic.
	Degraded bool `json:"degraded,omitempty"`

	MaxContextTokens int `json:"max_context_tokens"`
}

// degradable is implemented by estimators that can fall back to a heuristic.
type degradable interface {
	Degraded() bool
}

// ContextAssembler runs allocation, compaction, and metrics for a request.
// It holds no per-request state and is safe for concurrent use.
type ContextAssembler struct {
	estimator TokenEstimator
	allocator *BudgetAllocator
	compactor *Compactor
	metrics   *MetricsCollector
	config    ContextConfig
}

// NewContextAssembler creates a ContextAssembler with the given estimator and config.
// A nil logger discards warnings.
func NewContextAssembler(estimator TokenEstimator, cfg ContextConfig, logger *slog.Logger) *ContextAssembler {
	cfg = cfg.withDefaults()
	return &ContextAssembler{
		estimator: estimator,
		allocator: NewBudgetAllocator(estimator, cfg.Budget, logger),
		compactor: NewCompactor(nil, estimator, cfg),
		metrics:   NewMetricsCollector(cfg.Efficiency),
		config:    cfg,
	}
}

// Config returns the effective (defaulted) configuration.
func (a *ContextAssembler) Config() ContextConfig { return a.config }

// MaxContextTokens returns the ceiling the assembler enforces.
func (a *ContextAssembler) MaxContextTokens() int { return a.allocator.MaxContextTokens() }

// Degraded reports whether the estimator is the fallback heuristic.
func (a *ContextAssembler) Degraded() bool {
	d, ok := a.estimator.(degradable)
	return ok && d.Degraded()
}

// Assemble compacts req into a context that fits the ceiling. The ceiling
// applies to the rendered text, section headers included.
//
// It fails with ErrInvalidRequest when a mandatory field is empty and with
// *BudgetExceededError when the task instruction and query alone overflow.
// No partial context is returned on error.
func (a *ContextAssembler) Assemble(req ContextRequest) (CompactedContext, error) {
	plan, err := a.allocator.Allocate(req)
	if err != nil {
		return CompactedContext{}, err
	}

	var (
		out  Outcome
		text string
	)
	for {
		out, err = a.compactor.Compact(plan)
		if err != nil {
			return CompactedContext{}, err
		}
		text = render(out.Kept)

		// Pieces are estimated one by one; a BPE encoding may count the
		// joined text higher. Hold the difference back and compact again.
		over := a.estimator.Estimate(text) - plan.MaxContextTokens
		if over <= 0 {
			break
		}
		plan.Reserve += over
	}
	sum := blake3.Sum256([]byte(text))

	return CompactedContext{
		Text:             text,
		Stats:            a.metrics.Collect(plan, out),
		Dropped:          out.Dropped,
		DroppedTurns:     out.DroppedTurns,
		Truncated:        out.Truncated,
		Warnings:         plan.Warnings,
		Digest:           hex.EncodeToString(sum[:]),
		Degraded:         a.Degraded(),
		MaxContextTokens: plan.MaxContextTokens,
	}, nil
}
