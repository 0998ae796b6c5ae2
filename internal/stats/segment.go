package stats

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how rotated segments are stored.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression parses a compression name. "" means none.
func ParseCompression(name string) (Compression, error) {
	switch Compression(strings.ToLower(strings.TrimSpace(name))) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	case CompressionLZ4:
		return CompressionLZ4, nil
	default:
		return "", fmt.Errorf("stats: unknown compression %q", name)
	}
}

// ext returns the file extension for c, including the dot.
func (c Compression) ext() string {
	switch c {
	case CompressionZstd:
		return ".zst"
	case CompressionLZ4:
		return ".lz4"
	default:
		return ""
	}
}

var segmentExts = []string{"", ".zst", ".lz4"}

// backupPath returns base.N.
func backupPath(base string, n int) string {
	return fmt.Sprintf("%s.%d", base, n)
}

// existingBackup returns the on-disk path of backup n, whatever its
// compression, or "" when there is none.
func existingBackup(base string, n int) string {
	p := backupPath(base, n)
	for _, ext := range segmentExts {
		if _, err := os.Stat(p + ext); err == nil {
			return p + ext
		}
	}
	return ""
}

// rotateFiles shifts base -> base.1 -> ... -> base.maxBackups, dropping the
// oldest. The caller must have closed base.
func rotateFiles(base string, maxBackups int) error {
	if maxBackups <= 0 {
		return removeIfExists(base)
	}

	if oldest := existingBackup(base, maxBackups); oldest != "" {
		if err := os.Remove(oldest); err != nil {
			return fmt.Errorf("stats: removing %s: %w", oldest, err)
		}
	}
	for n := maxBackups - 1; n >= 1; n-- {
		src := existingBackup(base, n)
		if src == "" {
			continue
		}
		ext := src[len(backupPath(base, n)):]
		if err := os.Rename(src, backupPath(base, n+1)+ext); err != nil {
			return fmt.Errorf("stats: shifting %s: %w", src, err)
		}
	}

	if err := os.Rename(base, backupPath(base, 1)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stats: rotating %s: %w", base, err)
	}
	return nil
}

// compressBackups compresses every backup of base still stored plain.
func compressBackups(base string, maxBackups int, comp Compression) error {
	if comp == CompressionNone || comp == "" {
		return nil
	}
	var errs []error
	for n := 1; n <= maxBackups; n++ {
		p := backupPath(base, n)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := compressFile(p, comp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// compressFile replaces path with path+ext, compressed with comp.
func compressFile(path string, comp Compression) (err error) {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("stats: compress: %w", err)
	}
	defer src.Close()

	final := path + comp.ext()
	tmp := final + ".tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("stats: compress: %w", err)
	}
	defer func() {
		if err != nil {
			_ = dst.Close()
			_ = os.Remove(tmp)
		}
	}()

	var w io.WriteCloser
	switch comp {
	case CompressionZstd:
		enc, encErr := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if encErr != nil {
			return fmt.Errorf("stats: zstd writer: %w", encErr)
		}
		w = enc
	case CompressionLZ4:
		w = lz4.NewWriter(dst)
	default:
		return fmt.Errorf("stats: unsupported compression %q", comp)
	}

	if _, err = io.Copy(w, src); err != nil {
		_ = w.Close()
		return fmt.Errorf("stats: compress %s: %w", path, err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("stats: compress %s: %w", path, err)
	}
	if err = dst.Close(); err != nil {
		return fmt.Errorf("stats: compress %s: %w", path, err)
	}
	if err = os.Rename(tmp, final); err != nil {
		return fmt.Errorf("stats: compress %s: %w", path, err)
	}
	_ = src.Close()
	return os.Remove(path)
}

// openSegment returns a reader over the decompressed content of path.
func openSegment(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasSuffix(path, ".zst"):
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("stats: zstd reader: %w", err)
		}
		return readCloser{Reader: dec, close: func() error { dec.Close(); return f.Close() }}, nil
	case strings.HasSuffix(path, ".lz4"):
		return readCloser{Reader: lz4.NewReader(f), close: f.Close}, nil
	default:
		return f, nil
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

// readSegment decodes every JSONL record in path. Lines that fail to decode
// are skipped and counted.
func readSegment(path string) ([]Record, int, error) {
	rc, err := openSegment(path)
	if err != nil {
		return nil, 0, err
	}
	defer rc.Close()

	var (
		records []Record
		skipped int
	)
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			skipped++
			continue
		}
		records = append(records, r)
	}
	if err := sc.Err(); err != nil {
		return records, skipped, fmt.Errorf("stats: reading %s: %w", path, err)
	}
	return records, skipped, nil
}

// segmentPaths lists base's backups oldest first, then base itself, keeping
// only files that exist.
func segmentPaths(base string, maxBackups int) []string {
	var paths []string
	for n := maxBackups; n >= 1; n-- {
		if p := existingBackup(base, n); p != "" {
			paths = append(paths, p)
		}
	}
	if _, err := os.Stat(base); err == nil {
		paths = append(paths, base)
	}
	return paths
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
