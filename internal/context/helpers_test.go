package ctxengine_test

import (
	"strings"

	ctxengine "github.com/flemzord/ctxbudget/internal/context"
)

// mockEstimator implements ctxengine.TokenEstimator for tests: one token per byte.
type mockEstimator struct{}

func (m *mockEstimator) Estimate(text string) int { return len(text) }

// fixedEstimator returns preset counts for known texts and one token per
// byte otherwise.
type fixedEstimator map[string]int

func (f fixedEstimator) Estimate(text string) int {
	if n, ok := f[text]; ok {
		return n
	}
	return len(text)
}

// testConfig returns a config whose ceiling is exactly maxTokens.
func testConfig(maxTokens int) ctxengine.ContextConfig {
	return ctxengine.ContextConfig{
		Budget: ctxengine.BudgetConfig{
			Model:           "test",
			ModelWindowSize: maxTokens,
			MaxContextRatio: 1.0,
		},
	}
}

func boolPtr(b bool) *bool { return &b }

// scenarioRequest builds a request with 60 mandatory tokens, dialog turns
// of the given sizes, and one 150-token fragment per score. Fragment ids
// are f1..fN in input order.
func scenarioRequest(dialog []int, scores []float64) (ctxengine.ContextRequest, fixedEstimator) {
	est := fixedEstimator{"TASK": 30, "QUERY": 30}
	req := ctxengine.ContextRequest{TaskInstruction: "TASK", Query: "QUERY"}
	for i, n := range dialog {
		content := "turn-" + strings.Repeat("t", i+1)
		est[content] = n
		req.DialogHistory = append(req.DialogHistory, ctxengine.DialogTurn{Role: "user", Content: content})
	}
	for i, s := range scores {
		text := "fragment-" + strings.Repeat("f", i+1)
		est[text] = 150
		req.RetrievedFragments = append(req.RetrievedFragments,
			ctxengine.NewFragment("f"+string(rune('1'+i)), text, s))
	}
	return req, est
}
