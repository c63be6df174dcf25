// Package output names evidence artifacts on disk.
package output

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Artifact kinds, used as sub-directories of the output root.
const (
	KindImages = "images"
	KindVideos = "videos"
)

const stampLayout = "20060102_150405"

// Path returns <root>/<kind>/<UTC timestamp>.<ext>, creating the directory
// if needed. When a file with that name already exists (two artifacts in
// the same second) a numeric suffix is appended: _1, _2, ...
func Path(root, kind, ext string, now time.Time) (string, error) {
	dir := filepath.Join(root, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	stamp := now.UTC().Format(stampLayout)
	candidate := filepath.Join(dir, stamp+"."+ext)
	for i := 1; ; i++ {
		_, err := os.Stat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", candidate, err)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d.%s", stamp, i, ext))
	}
}
