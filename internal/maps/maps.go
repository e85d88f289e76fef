// Package maps loads match map specs from a local catalog directory.
package maps

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	arbiterErrors "github.com/okarsono/arbiter/internal/errors"

	"gopkg.in/yaml.v3"
)

// Map describes one playable map. Terrain is free-form rows the rules
// engine interprets; the orchestrator never looks inside it.
type Map struct {
	Name      string   `yaml:"name"`
	Rounds    int      `yaml:"rounds"`
	Symmetric bool     `yaml:"symmetric"`
	Terrain   []string `yaml:"terrain,omitempty"`
}

// Default is the built-in map used when no catalog is configured, so a
// fresh install can run a match with zero setup.
func Default() Map {
	return Map{
		Name:      "quickstart",
		Rounds:    256,
		Symmetric: true,
		Terrain: []string{
			"........",
			".r....b.",
			"........",
		},
	}
}

// Load reads and validates a single map spec.
func Load(path string) (Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Map{}, fmt.Errorf("read map %s: %w", path, err)
	}

	var m Map
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Map{}, fmt.Errorf("parse map %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return Map{}, fmt.Errorf("map %s: %w", path, err)
	}
	return m, nil
}

func (m Map) validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return arbiterErrors.InvalidInput("map name is empty")
	}
	if m.Rounds <= 0 {
		return arbiterErrors.InvalidInput(fmt.Sprintf("rounds must be positive, got %d", m.Rounds))
	}
	return nil
}

// Catalog lists every valid map spec in dir. A missing directory is an
// empty catalog, not an error; corrupt entries are skipped with a warning.
func Catalog(dir string) ([]Map, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read maps dir %s: %w", dir, err)
	}

	var out []Map
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		m, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			slog.Warn("Skipping unreadable map", "file", entry.Name(), "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Resolve picks a map by name from the catalog, falling back to the
// built-in default when name is empty or matches the default.
func Resolve(name, dir string) (Map, error) {
	def := Default()
	if name == "" || name == def.Name {
		return def, nil
	}

	catalog, err := Catalog(dir)
	if err != nil {
		return Map{}, err
	}
	for _, m := range catalog {
		if m.Name == name {
			return m, nil
		}
	}
	return Map{}, arbiterErrors.NotFound(fmt.Sprintf("map %q not in %s", name, dir))
}
