package server

import (
	"os"
	"path/filepath"
)

// findConfigPath resolves rel against the nearest ancestor holding a config
// tree, so binaries work from the repo root and from cmd/ subdirectories.
func findConfigPath(rel string) string {
	dir, err := os.Getwd()
	if err != nil {
		return rel
	}
	for range 8 {
		candidate := filepath.Join(dir, rel)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return rel
}
