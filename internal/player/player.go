// Package player reads competitor package manifests. A player package is a
// directory holding the competitor's code plus a player.yaml describing how
// to run it.
package player

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	arbiterErrors "github.com/okarsono/arbiter/internal/errors"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// ManifestName is the file every player package must carry at its root.
const ManifestName = "player.yaml"

// Manifest is the parsed player.yaml.
type Manifest struct {
	Name     string `yaml:"name"`
	Run      string `yaml:"run"`
	Language string `yaml:"language,omitempty"`
	// Image overrides the configured sandbox image for this player in
	// container mode.
	Image string `yaml:"image,omitempty"`
}

// Package is a validated player directory ready to launch.
type Package struct {
	Dir      string
	Manifest Manifest
	// Command is the shell-split run line, argv style.
	Command []string
}

// Load reads and validates the manifest in dir.
func Load(dir string) (*Package, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("player dir %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, arbiterErrors.InvalidInput(fmt.Sprintf("player path %s is not a directory", dir))
	}

	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("read %s in %s: %w", ManifestName, dir, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse %s in %s: %w", ManifestName, dir, err)
	}

	if strings.TrimSpace(m.Name) == "" {
		m.Name = filepath.Base(dir)
	}
	if strings.TrimSpace(m.Run) == "" {
		return nil, arbiterErrors.InvalidInput(fmt.Sprintf("player %s: manifest has no run command", m.Name))
	}

	command, err := shlex.Split(m.Run)
	if err != nil {
		return nil, arbiterErrors.InvalidInput(fmt.Sprintf("player %s: run command %q: %v", m.Name, m.Run, err))
	}
	if len(command) == 0 {
		return nil, arbiterErrors.InvalidInput(fmt.Sprintf("player %s: run command is empty", m.Name))
	}

	return &Package{Dir: dir, Manifest: m, Command: command}, nil
}
