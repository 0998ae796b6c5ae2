package config

import (
	"errors"
	"os"
	"path/filepath"
)

// FileName is the config file looked up in the search path.
const FileName = "ctxbudget.yaml"

// ErrNotFound is returned by Find when no config file exists.
var ErrNotFound = errors.New("config: no configuration file found")

// SearchPaths returns the config locations in lookup order.
func SearchPaths() []string {
	var paths []string
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		paths = append(paths, filepath.Join(dir, "ctxbudget", FileName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ctxbudget", FileName))
	}
	return append(paths, FileName)
}

// Find returns the first existing file of SearchPaths.
func Find() (string, error) {
	for _, p := range SearchPaths() {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", ErrNotFound
}
