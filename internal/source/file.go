package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/neuroslice/server/internal/store"
	"github.com/neuroslice/server/internal/volume"
)

var overlayExtensions = []string{".nii.gz", ".nii.zst", ".nii"}

// FileSource reads the background from a fixed path and overlays from
// <OverlayDir>/<name>.nii[.gz|.zst], where name is the sanitised query.
type FileSource struct {
	BackgroundPath string
	OverlayDir     string
}

// Fetch reads the volume file.
func (s *FileSource) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &volume.IOError{Source: describe(req), Err: err}
	}
	if req.Slot == store.Background {
		return readFile(s.BackgroundPath)
	}

	name := SanitizeQuery(req.Query)
	if name == "" {
		return nil, &volume.IOError{Source: describe(req), Err: errors.New("empty query")}
	}
	for _, ext := range overlayExtensions {
		path := filepath.Join(s.OverlayDir, name+ext)
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, &volume.IOError{Source: path, Err: err}
		}
	}
	return nil, &volume.IOError{
		Source: describe(req),
		Err:    fmt.Errorf("no volume named %q in %s: %w", name, s.OverlayDir, fs.ErrNotExist),
	}
}

func readFile(path string) ([]byte, error) {
	if path == "" {
		return nil, &volume.IOError{Source: "background", Err: errors.New("no path configured")}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &volume.IOError{Source: path, Err: err}
	}
	return data, nil
}

// SanitizeQuery lowercases a query and replaces every character outside
// [a-z0-9-] with an underscore, collapsing runs.
func SanitizeQuery(q string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(q)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
