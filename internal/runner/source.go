package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileSource resolves module paths against files under Dir. This is the
// default ModuleSource for standalone deployments: a module's Path is a
// filename relative to Dir, e.g. "weather.js".
type FileSource struct {
	Dir string
}

// Load reads the module body from Dir/path.
func (f FileSource) Load(_ context.Context, path string) (string, error) {
	full := filepath.Join(f.Dir, path)

	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read module file %s: %w", full, err)
	}

	return string(data), nil
}

// StaticSource is a ModuleSource backed by an in-memory map, used in tests
// and for modules whose body is embedded rather than loaded from disk.
type StaticSource map[string]string

// Load returns the script registered under path.
func (s StaticSource) Load(_ context.Context, path string) (string, error) {
	src, ok := s[path]
	if !ok {
		return "", fmt.Errorf("no module registered for path %q", path)
	}
	return src, nil
}
