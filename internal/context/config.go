// Package ctxengine implements context budgeting: token estimation,
// content prioritization, budget allocation, and compaction of a request
// into a context that never exceeds the model's token ceiling.
package ctxengine

import (
	"errors"
	"fmt"
	"math"
)

// DefaultMaxContextRatio keeps the assembled context under 40% of the
// model window, leaving the rest for the reply and tool traffic.
const DefaultMaxContextRatio = 0.4

// DefaultMinSnippetTokens is the smallest truncated fragment kept when
// min_snippet_tokens is unset.
const DefaultMinSnippetTokens = 32

// BudgetConfig describes the token ceiling for one assembler.
type BudgetConfig struct {
	// Model is the model profile name used for window lookup and token
	// estimation (e.g. "gpt-4").
	Model string `yaml:"model" json:"model"`

	// ModelWindowSize is the model's context window in tokens.
	// 0 means look it up from the model table.
	ModelWindowSize int `yaml:"model_window_size" json:"model_window_size"`

	// MaxContextRatio is the fraction of the window the context may use.
	// Must be in (0, 1]. 0 means DefaultMaxContextRatio.
	MaxContextRatio float64 `yaml:"max_context_ratio" json:"max_context_ratio"`
}

func (c BudgetConfig) withDefaults() BudgetConfig {
	if c.ModelWindowSize == 0 {
		c.ModelWindowSize, _ = ModelWindowSize(c.Model)
	}
	if c.MaxContextRatio == 0 {
		c.MaxContextRatio = DefaultMaxContextRatio
	}
	return c
}

// MaxContextTokens returns floor(ModelWindowSize * MaxContextRatio) after
// applying defaults.
func (c BudgetConfig) MaxContextTokens() int {
	c = c.withDefaults()
	return int(math.Floor(float64(c.ModelWindowSize) * c.MaxContextRatio))
}

// Validate reports whether the budget yields a usable positive ceiling.
func (c BudgetConfig) Validate() error {
	c = c.withDefaults()
	var errs []error
	if c.ModelWindowSize < 0 {
		errs = append(errs, fmt.Errorf("ctxengine: model_window_size must be positive, got %d", c.ModelWindowSize))
	}
	if math.IsNaN(c.MaxContextRatio) || c.MaxContextRatio <= 0 || c.MaxContextRatio > 1 {
		errs = append(errs, fmt.Errorf("ctxengine: max_context_ratio must be in (0, 1], got %v", c.MaxContextRatio))
	}
	if len(errs) == 0 && c.MaxContextTokens() <= 0 {
		errs = append(errs, fmt.Errorf("ctxengine: max_context_tokens must be positive (window %d, ratio %v)",
			c.ModelWindowSize, c.MaxContextRatio))
	}
	return errors.Join(errs...)
}

// EvictionOrder selects which reducible group is evicted first.
type EvictionOrder string

const (
	// OrderFragmentsFirst evicts every retrieved fragment before any dialog
	// turn: conversational continuity outranks a single low-relevance fragment.
	OrderFragmentsFirst EvictionOrder = "fragments_first"

	// OrderDialogFirst evicts dialog turns (oldest first) before fragments.
	OrderDialogFirst EvictionOrder = "dialog_first"
)

// EfficiencyWeights are the coefficients of the efficiency score.
// They should sum to 1 so the score stays in [0, 1]; the result is clamped
// either way.
type EfficiencyWeights struct {
	Retained    float64 `yaml:"retained" json:"retained"`
	Utilization float64 `yaml:"utilization" json:"utilization"`
}

// ContextConfig holds the tuning knobs for the context engine.
type ContextConfig struct {
	Budget BudgetConfig `yaml:"budget"`

	// EvictionOrder defaults to OrderFragmentsFirst.
	EvictionOrder EvictionOrder `yaml:"eviction_order"`

	// TruncateFallback shortens the last fragment left in the eviction
	// sequence instead of dropping it, when the shortened text makes the
	// context fit. nil means enabled.
	TruncateFallback *bool `yaml:"truncate_fallback"`

	// MinSnippetTokens is the smallest truncated fragment worth keeping.
	// nil means DefaultMinSnippetTokens; 0 allows any size.
	MinSnippetTokens *int `yaml:"min_snippet_tokens"`

	// Efficiency defaults to 0.7 retained / 0.3 utilization.
	Efficiency EfficiencyWeights `yaml:"efficiency"`
}

// withDefaults returns a copy of cfg with zero-valued fields replaced by
// sensible defaults.
func (cfg ContextConfig) withDefaults() ContextConfig {
	cfg.Budget = cfg.Budget.withDefaults()
	if cfg.EvictionOrder == "" {
		cfg.EvictionOrder = OrderFragmentsFirst
	}
	if cfg.TruncateFallback == nil {
		t := true
		cfg.TruncateFallback = &t
	}
	if cfg.MinSnippetTokens == nil {
		n := DefaultMinSnippetTokens
		cfg.MinSnippetTokens = &n
	}
	if cfg.Efficiency == (EfficiencyWeights{}) {
		cfg.Efficiency = EfficiencyWeights{Retained: 0.7, Utilization: 0.3}
	}
	return cfg
}

// truncateFallback reports whether the fallback is enabled.
func (cfg ContextConfig) truncateFallback() bool {
	return cfg.TruncateFallback == nil || *cfg.TruncateFallback
}

// minSnippet returns the smallest room worth truncating into.
func (cfg ContextConfig) minSnippet() int {
	if cfg.MinSnippetTokens == nil {
		return DefaultMinSnippetTokens
	}
	return *cfg.MinSnippetTokens
}

// Validate checks the engine configuration.
func (cfg ContextConfig) Validate() error {
	cfg = cfg.withDefaults()
	var errs []error
	if err := cfg.Budget.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch cfg.EvictionOrder {
	case OrderFragmentsFirst, OrderDialogFirst:
	default:
		errs = append(errs, fmt.Errorf("ctxengine: unknown eviction_order %q", cfg.EvictionOrder))
	}
	if n := cfg.minSnippet(); n < 0 {
		errs = append(errs, fmt.Errorf("ctxengine: min_snippet_tokens must be non-negative, got %d", n))
	}
	if cfg.Efficiency.Retained < 0 || cfg.Efficiency.Utilization < 0 {
		errs = append(errs, errors.New("ctxengine: efficiency weights must be non-negative"))
	}
	return errors.Join(errs...)
}
