package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// RunConfigName is the generated config the engine runs with.
	RunConfigName = "run-config.yaml"
	// CheckConfigName is the candidate config used for validation only.
	CheckConfigName = "check-config.yaml"
)

// Generator synthesizes engine config files from the active profile plus
// the supervisor-owned overrides (controller address, secret, ports, tun).
type Generator struct {
	store *Store
}

// NewGenerator creates a generator reading through the given store.
func NewGenerator(store *Store) *Generator {
	return &Generator{store: store}
}

// GenerateRunConfig writes the run config into the data dir and returns
// its path.
func (g *Generator) GenerateRunConfig() (string, error) {
	return g.generate(RunConfigName)
}

// GenerateCheckConfig writes the validation-only config and returns its
// path. It is identical in content to the run config but kept separate
// so a failed validation never clobbers the file a running engine reads.
func (g *Generator) GenerateCheckConfig() (string, error) {
	return g.generate(CheckConfigName)
}

// GenerateFullConfig regenerates everything derived from the profile.
// The ctx is honored between steps so a cancelled variant switch does
// not leave half-written output behind.
func (g *Generator) GenerateFullConfig(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := g.generate(RunConfigName); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := g.generate(CheckConfigName)
	return err
}

func (g *Generator) generate(name string) (string, error) {
	set := g.store.Latest()

	doc := map[string]interface{}{}
	if set.ProfilePath != "" {
		data, err := os.ReadFile(set.ProfilePath)
		if err != nil {
			return "", fmt.Errorf("failed to read profile %s: %w", set.ProfilePath, err)
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return "", fmt.Errorf("failed to parse profile %s: %w", set.ProfilePath, err)
		}
		if doc == nil {
			doc = map[string]interface{}{}
		}
	}

	// Supervisor-owned keys always win over the profile
	doc["external-controller"] = set.ControllerAddr
	if set.ControllerSecret != "" {
		doc["secret"] = set.ControllerSecret
	}
	if set.MixedPort > 0 {
		doc["mixed-port"] = set.MixedPort
	}
	if set.TunMode {
		tun, _ := doc["tun"].(map[string]interface{})
		if tun == nil {
			tun = map[string]interface{}{}
		}
		tun["enable"] = true
		doc["tun"] = tun
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	if err := os.MkdirAll(set.DataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data dir %s: %w", set.DataDir, err)
	}
	path := filepath.Join(set.DataDir, name)
	if err := os.WriteFile(path, out, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}
