package ctxengine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBudgetExceeded indicates that mandatory content alone does not fit
	// the token ceiling. No partial context is produced.
	ErrBudgetExceeded = errors.New("ctxengine: budget exceeded")

	// ErrInvalidRequest indicates a request without a task instruction or query.
	ErrInvalidRequest = errors.New("ctxengine: invalid request")
)

// SegmentUsage is the token cost of one named segment.
type SegmentUsage struct {
	Name   string `json:"name"`
	Tokens int    `json:"tokens"`
}

// BudgetExceededError details which mandatory segments overflow the budget.
type BudgetExceededError struct {
	Segments         []SegmentUsage
	MandatoryTokens  int
	MaxContextTokens int
}

// Overflow is the number of tokens above the ceiling.
func (e *BudgetExceededError) Overflow() int {
	return e.MandatoryTokens - e.MaxContextTokens
}

func (e *BudgetExceededError) Error() string {
	parts := make([]string, len(e.Segments))
	for i, s := range e.Segments {
		parts[i] = fmt.Sprintf("%s=%d tokens", s.Name, s.Tokens)
	}
	return fmt.Sprintf("%s: mandatory content (%s) needs %d tokens, max_context_tokens is %d, over by %d tokens",
		ErrBudgetExceeded, strings.Join(parts, ", "), e.MandatoryTokens, e.MaxContextTokens, e.Overflow())
}

// Is lets errors.Is match ErrBudgetExceeded.
func (e *BudgetExceededError) Is(target error) bool {
	return target == ErrBudgetExceeded
}

// InvalidRequestError lists the missing mandatory fields.
type InvalidRequestError struct {
	Missing []string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("%s: missing %s", ErrInvalidRequest, strings.Join(e.Missing, ", "))
}

// Is lets errors.Is match ErrInvalidRequest.
func (e *InvalidRequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}
