package backend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var knownModelFiles = map[string]string{
	"llama2":    "llama-2-7b-chat.Q4_K_M.gguf",
	"llama3":    "llama-3-8b-instruct.Q4_K_M.gguf",
	"mistral":   "mistral-7b-instruct-v0.2.Q4_K_M.gguf",
	"codellama": "codellama-7b-instruct.Q4_K_M.gguf",
}

// ModelCatalog finds GGUF model files for the local engine.
type ModelCatalog struct {
	Dir          string // directory scanned for *.gguf
	ExplicitPath string // wins over everything when the file exists
}

// Resolve returns the model file to load for name: the explicit path if set and
// present, then the well-known file for name, then the first *.gguf in Dir.
func (c *ModelCatalog) Resolve(name string) (string, error) {
	if c.ExplicitPath != "" {
		if _, err := os.Stat(c.ExplicitPath); err == nil {
			return c.ExplicitPath, nil
		}
	}
	if file, ok := knownModelFiles[name]; ok {
		p := filepath.Join(c.Dir, file)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	matches, err := filepath.Glob(filepath.Join(c.Dir, "*.gguf"))
	if err != nil {
		return "", fmt.Errorf("scanning %s: %w", c.Dir, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no .gguf models found in %s", c.Dir)
	}
	sort.Strings(matches)
	return matches[0], nil
}

// List returns the stems of every *.gguf file in Dir, sorted.
func (c *ModelCatalog) List() ([]string, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("reading models dir: %w", err)
	}
	out := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".gguf") {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), ".gguf"))
	}
	sort.Strings(out)
	return out, nil
}
