package ctxengine

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator estimates the token count of a string.
type TokenEstimator interface {
	Estimate(text string) int
}

// CharEstimator estimates tokens using a simple characters-per-token ratio.
// A ratio of ~4 works well for English; ~3 for French or other Latin languages.
type CharEstimator struct {
	CharsPerToken float64
}

// NewCharEstimator creates a CharEstimator with the given ratio.
// If charsPerToken is <= 0, defaults to 4.0 (English approximation).
func NewCharEstimator(charsPerToken float64) *CharEstimator {
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	return &CharEstimator{CharsPerToken: charsPerToken}
}

// Estimate returns the estimated token count for the given text.
// Longer text never yields fewer tokens.
func (e *CharEstimator) Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	tokens := float64(len(text)) / e.CharsPerToken
	// Always round up to avoid underestimation.
	return int(tokens) + 1
}

// TiktokenEstimator counts tokens with a BPE encoding.
type TiktokenEstimator struct {
	encoding *tiktoken.Tiktoken
	name     string
}

// NewTiktokenEstimator loads the named encoding (e.g. "cl100k_base").
// Loading may fetch BPE tables on first use.
func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &TiktokenEstimator{encoding: enc, name: encoding}, nil
}

// Estimate returns the exact BPE token count.
func (e *TiktokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return len(e.encoding.Encode(text, nil, nil))
}

// Encoding returns the encoding name.
func (e *TiktokenEstimator) Encoding() string { return e.name }

// EncodingLoader builds an estimator for a BPE encoding name.
type EncodingLoader func(encoding string) (TokenEstimator, error)

func loadTiktoken(encoding string) (TokenEstimator, error) {
	return NewTiktokenEstimator(encoding)
}

// ProfileEstimator is the estimator bound to one model profile. When the
// profile is unknown, or its encoding could not be loaded, it falls back to
// four characters per token and reports Degraded.
type ProfileEstimator struct {
	inner    TokenEstimator
	profile  string
	degraded bool
}

// Estimate implements TokenEstimator.
func (p *ProfileEstimator) Estimate(text string) int { return p.inner.Estimate(text) }

// Profile returns the profile name the estimator was built for.
func (p *ProfileEstimator) Profile() string { return p.profile }

// Degraded reports whether the estimate is the generic fallback heuristic.
func (p *ProfileEstimator) Degraded() bool { return p.degraded }

// EstimatorRegistry resolves and caches one ProfileEstimator per profile.
// It is safe for concurrent use.
type EstimatorRegistry struct {
	load      EncodingLoader
	heuristic bool
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]*ProfileEstimator
}

// RegistryOption configures an EstimatorRegistry.
type RegistryOption func(*EstimatorRegistry)

// WithEncodingLoader replaces the tiktoken loader (used by tests and
// offline hosts).
func WithEncodingLoader(load EncodingLoader) RegistryOption {
	return func(r *EstimatorRegistry) { r.load = load }
}

// WithHeuristicOnly skips BPE loading entirely. Known profiles still use
// their character ratio and are not reported as degraded.
func WithHeuristicOnly() RegistryOption {
	return func(r *EstimatorRegistry) { r.heuristic = true }
}

// NewEstimatorRegistry creates a registry. A nil logger discards warnings.
func NewEstimatorRegistry(logger *slog.Logger, opts ...RegistryOption) *EstimatorRegistry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &EstimatorRegistry{
		load:   loadTiktoken,
		logger: logger,
		cache:  make(map[string]*ProfileEstimator),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// For returns the estimator for profile, building it on first use.
func (r *EstimatorRegistry) For(profile string) *ProfileEstimator {
	key := strings.ToLower(strings.TrimSpace(profile))

	r.mu.Lock()
	defer r.mu.Unlock()
	if est, ok := r.cache[key]; ok {
		return est
	}
	est := r.build(key)
	r.cache[key] = est
	return est
}

// Estimate returns the token count of text under profile.
func (r *EstimatorRegistry) Estimate(text, profile string) int {
	return r.For(profile).Estimate(text)
}

// Degraded reports whether profile is served by the fallback heuristic.
func (r *EstimatorRegistry) Degraded(profile string) bool {
	return r.For(profile).Degraded()
}

func (r *EstimatorRegistry) build(profile string) *ProfileEstimator {
	mp, ok := LookupModel(profile)
	if !ok {
		r.logger.Warn("ctxengine: unknown model profile, using 4 chars/token heuristic", "profile", profile)
		return &ProfileEstimator{inner: NewCharEstimator(4), profile: profile, degraded: true}
	}

	if mp.Encoding == "" || r.heuristic {
		return &ProfileEstimator{inner: NewCharEstimator(mp.CharsPerToken), profile: profile}
	}

	inner, err := r.load(mp.Encoding)
	if err != nil {
		r.logger.Warn("ctxengine: tokenizer unavailable, using 4 chars/token heuristic",
			"profile", profile,
			"encoding", mp.Encoding,
			"error", err,
		)
		return &ProfileEstimator{inner: NewCharEstimator(4), profile: profile, degraded: true}
	}
	return &ProfileEstimator{inner: inner, profile: profile}
}
