package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// File pairs a parsed workflow definition with its on-disk source.
type File struct {
	Definition Definition
	Path       string
}

// Parse decodes and validates a single workflow definition payload.
func Parse(data []byte) (Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Definition{}, fmt.Errorf("definition: payload is empty")
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("definition: decode: %w", err)
	}
	def = def.Normalized()
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// LoadFile reads a YAML file from disk and returns the parsed definition.
func LoadFile(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("definition: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("definition: %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("definition: read %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("definition: %s: %w", path, err)
	}
	return File{Definition: def, Path: filepath.Clean(path)}, nil
}

// LoadDir scans a directory for *.yaml workflows and returns the parsed
// definitions. Missing directories are treated as "no workflows" to
// simplify startup.
func LoadDir(dir string) ([]File, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("definition: read %s: %w", trimmed, err)
	}
	var files []File
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !isYAMLFile(name) {
			continue
		}
		path := filepath.Join(trimmed, name)
		f, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return nil, nil
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
