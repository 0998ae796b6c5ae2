package ctxengine

import (
	"math"
	"strings"
)

// DialogTurn is one prior exchange in the conversation.
type DialogTurn struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Fragment is a scored unit of retrieved text. Text and Score are pointers
// so a missing field can be told apart from a zero value.
type Fragment struct {
	ID       string         `json:"id"`
	Text     *string        `json:"text"`
	Score    *float64       `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Source   string         `json:"source,omitempty"`
}

// NewFragment returns a well-formed fragment.
func NewFragment(id, text string, score float64) Fragment {
	return Fragment{ID: id, Text: &text, Score: &score}
}

// malformedReason returns why the fragment cannot take part in compaction,
// or "" when it is well formed.
func (f Fragment) malformedReason() string {
	switch {
	case f.Text == nil || strings.TrimSpace(*f.Text) == "":
		return "missing text"
	case f.Score == nil:
		return "missing score"
	case math.IsNaN(*f.Score) || math.IsInf(*f.Score, 0):
		return "non-finite score"
	}
	return ""
}

// ContextRequest is the input of one compaction.
type ContextRequest struct {
	TaskInstruction    string       `json:"task_instruction"`
	Query              string       `json:"query"`
	DialogHistory      []DialogTurn `json:"dialog_history,omitempty"`
	RetrievedFragments []Fragment   `json:"retrieved_fragments,omitempty"`
}

// Validate checks that the mandatory fields are present.
func (r ContextRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.TaskInstruction) == "" {
		missing = append(missing, "task_instruction")
	}
	if strings.TrimSpace(r.Query) == "" {
		missing = append(missing, "query")
	}
	if len(missing) > 0 {
		return &InvalidRequestError{Missing: missing}
	}
	return nil
}
