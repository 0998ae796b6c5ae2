package ctxengine

import "strings"

// DefaultWindowSize is used for models missing from the table.
const DefaultWindowSize = 4096

// ModelProfile describes what the engine knows about a model.
type ModelProfile struct {
	Name       string
	WindowSize int
	// Encoding is the tiktoken encoding name, empty when the model has no
	// public BPE tables.
	Encoding string
	// CharsPerToken drives the heuristic when Encoding is empty.
	CharsPerToken float64
}

var modelProfiles = map[string]ModelProfile{
	"gpt-3.5-turbo":     {Name: "gpt-3.5-turbo", WindowSize: 4096, Encoding: "cl100k_base"},
	"gpt-3.5-turbo-16k": {Name: "gpt-3.5-turbo-16k", WindowSize: 16384, Encoding: "cl100k_base"},
	"gpt-4":             {Name: "gpt-4", WindowSize: 8192, Encoding: "cl100k_base"},
	"gpt-4-32k":         {Name: "gpt-4-32k", WindowSize: 32768, Encoding: "cl100k_base"},
	"gpt-4-turbo":       {Name: "gpt-4-turbo", WindowSize: 128000, Encoding: "cl100k_base"},
	"claude-3-sonnet":   {Name: "claude-3-sonnet", WindowSize: 200000, CharsPerToken: 3.5},
	"claude-3-opus":     {Name: "claude-3-opus", WindowSize: 200000, CharsPerToken: 3.5},
}

// LookupModel returns the profile for name. Matching is case-insensitive.
func LookupModel(name string) (ModelProfile, bool) {
	p, ok := modelProfiles[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// ModelWindowSize returns the context window for name, or DefaultWindowSize
// and false when the model is unknown.
func ModelWindowSize(name string) (int, bool) {
	if p, ok := LookupModel(name); ok {
		return p.WindowSize, true
	}
	return DefaultWindowSize, false
}

// KnownModels lists the model table in a stable order.
func KnownModels() []string {
	return []string{
		"gpt-3.5-turbo",
		"gpt-3.5-turbo-16k",
		"gpt-4",
		"gpt-4-32k",
		"gpt-4-turbo",
		"claude-3-sonnet",
		"claude-3-opus",
	}
}
