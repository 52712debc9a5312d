// Package paths normalizes working-directory paths so that every
// spelling of the same directory maps to one workspace key.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// Normalize returns the canonical key for a working directory: ~ is
// expanded, the path is made absolute and cleaned, and symlinks are
// resolved when the directory exists. An empty cwd means the process
// working directory.
func Normalize(cwd string) (string, error) {
	p := expandHome(strings.TrimSpace(cwd))
	if p == "" {
		p = "."
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
