package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

func localStorageFullpath(baseDir, key string) (string, error) {
	full := filepath.Join(baseDir, filepath.FromSlash(key))
	rel, err := filepath.Rel(baseDir, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return full, nil
}
