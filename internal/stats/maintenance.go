package stats

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultRetention is how long rotated segments and exports are kept.
const DefaultRetention = 30 * 24 * time.Hour

// LogFile describes one file in the logs directory.
type LogFile struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size_bytes"`
	ModTime time.Time `json:"modified"`
	AgeDays float64   `json:"age_days"`
}

// LogsInfo lists the logs directory.
type LogsInfo struct {
	Dir       string    `json:"dir"`
	Files     []LogFile `json:"files"`
	TotalSize int64     `json:"total_size_bytes"`
}

// Info describes the regular files in dir, sorted by name.
func Info(dir string, now time.Time) (LogsInfo, error) {
	info := LogsInfo{Dir: dir, Files: []LogFile{}}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return info, fmt.Errorf("stats: reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		info.Files = append(info.Files, LogFile{
			Name:    e.Name(),
			Size:    fi.Size(),
			ModTime: fi.ModTime().UTC(),
			AgeDays: now.Sub(fi.ModTime()).Hours() / 24,
		})
		info.TotalSize += fi.Size()
	}
	sort.Slice(info.Files, func(i, j int) bool { return info.Files[i].Name < info.Files[j].Name })
	return info, nil
}

// Cleanup removes rotated segments of activeFile and export files in dir
// last modified before now-retention. The active segment and the status
// report are never removed. It returns the removed file names.
func Cleanup(dir, activeFile string, retention time.Duration, now time.Time) ([]string, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if activeFile == "" {
		activeFile = DefaultFileName
	}
	cutoff := now.Add(-retention)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("stats: reading %s: %w", dir, err)
	}

	var removed []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || name == activeFile {
			continue
		}
		if !strings.HasPrefix(name, activeFile+".") && !strings.HasPrefix(name, ExportPrefix) {
			continue
		}
		fi, err := e.Info()
		if err != nil || !fi.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return removed, fmt.Errorf("stats: removing %s: %w", name, err)
		}
		removed = append(removed, name)
	}
	return removed, nil
}
