package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ExportPrefix starts every export file name.
const ExportPrefix = "context_metrics_"

// ParseFormat parses an export format. "" means CSV.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("stats: unknown export format %q", s)
	}
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/csv"
}

var csvHeader = []string{
	"timestamp", "request_id", "model", "query_preview",
	"tokens_before", "tokens_after", "compression_ratio", "efficiency_score",
	"budget_used", "chunks_original", "chunks_kept", "dropped",
}

// Export writes records to w in format.
func Export(w io.Writer, records []Record, format Format) error {
	switch format {
	case FormatJSON:
		if records == nil {
			records = []Record{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		for _, r := range records {
			row := []string{
				r.Timestamp.UTC().Format(time.RFC3339Nano),
				r.RequestID,
				r.Model,
				r.QueryPreview,
				strconv.Itoa(r.TokensBefore),
				strconv.Itoa(r.TokensAfter),
				strconv.FormatFloat(r.CompressionRatio, 'f', 4, 64),
				strconv.FormatFloat(r.EfficiencyScore, 'f', 4, 64),
				strconv.FormatFloat(r.BudgetUsed, 'f', 4, 64),
				strconv.Itoa(r.ChunksOriginal),
				strconv.Itoa(r.ChunksKept),
				strings.Join(r.Dropped, ";"),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("stats: unknown export format %q", format)
	}
}

// ExportFileName returns context_metrics_{N}h_{YYYYmmdd_HHMMSS}.{ext}.
func ExportFileName(period time.Duration, format Format, now time.Time) string {
	hours := strconv.FormatFloat(period.Hours(), 'f', -1, 64)
	return fmt.Sprintf("%s%sh_%s.%s", ExportPrefix, hours, now.UTC().Format("20060102_150405"), format)
}

// ExportToDir writes records to a new export file in dir and returns its path.
func ExportToDir(dir string, records []Record, period time.Duration, format Format, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("stats: export: %w", err)
	}
	path := filepath.Join(dir, ExportFileName(period, format, now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("stats: export: %w", err)
	}
	if err := Export(f, records, format); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("stats: export: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("stats: export: %w", err)
	}
	return path, nil
}
