// Package stats persists per-request compaction statistics and answers
// aggregate queries over them.
package stats

import (
	"time"

	ctxengine "github.com/flemzord/ctxbudget/internal/context"
)

// PreviewRunes is the number of query runes kept in a record.
const PreviewRunes = 100

// Redactor masks secrets in free text before it is persisted.
type Redactor interface {
	Redact(s string) string
}

// Record is one line of the stats log.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id,omitempty"`
	Model        string    `json:"model,omitempty"`
	QueryPreview string    `json:"query_preview"`

	ctxengine.ContextStats

	Dropped []string `json:"dropped,omitempty"`
}

// TokensSaved is the number of tokens compaction removed.
func (r Record) TokensSaved() int {
	return r.TokensBefore - r.TokensAfter
}

// Overflowed reports whether anything was evicted or truncated.
func (r Record) Overflowed() bool {
	return r.TokensAfter < r.TokensBefore
}

// Preview returns the first PreviewRunes runes of query with secrets
// masked. Redaction runs on the full query so a secret straddling the cut
// is still caught.
func Preview(query string, redactor Redactor) string {
	if redactor != nil {
		query = redactor.Redact(query)
	}
	runes := []rune(query)
	if len(runes) > PreviewRunes {
		return string(runes[:PreviewRunes])
	}
	return query
}

// NewRecord builds the log record of one compaction.
func NewRecord(now time.Time, requestID, model, query string, result ctxengine.CompactedContext, redactor Redactor) Record {
	return Record{
		Timestamp:    now.UTC(),
		RequestID:    requestID,
		Model:        model,
		QueryPreview: Preview(query, redactor),
		ContextStats: result.Stats,
		Dropped:      result.Dropped,
	}
}

// Window returns the records at or after since, preserving order.
func Window(records []Record, since time.Time) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out
}

// StatsOf extracts the engine statistics from records.
func StatsOf(records []Record) []ctxengine.ContextStats {
	out := make([]ctxengine.ContextStats, len(records))
	for i, r := range records {
		out[i] = r.ContextStats
	}
	return out
}
