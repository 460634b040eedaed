// Package manifest decodes the toolhost runtime's TOML manifest: the file
// that lists which tool libraries to load and which policies to enforce.
// It exposes the same Manifest/ToolConfig/PolicyConfig shapes, the same
// "cannot specify both `path` and inline fields" validation error, and the
// same path-relative policy file resolution as the daemon's reference TOML
// configuration format, using go-toml/v2.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/toolhost/runtime/internal/toolhost/policy"
	"github.com/toolhost/runtime/internal/toolhost/toolhosterr"
)

// ToolConfig configures one tool library entry.
type ToolConfig struct {
	Name        string                       `toml:"name"`
	Path        string                       `toml:"path"`
	Checksum    string                       `toml:"checksum"`
	Enabled     *bool                        `toml:"enabled"`
	Credentials map[string]map[string]string `toml:"credentials"`
}

// IsEnabled reports the tool's effective enabled state: true unless the
// manifest explicitly sets enabled = false.
func (t ToolConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// PolicyEffectConfig is one effect entry inside an inline policy block.
type PolicyEffectConfig struct {
	ToolSelector string            `toml:"tool_selector"`
	Stage        string            `toml:"stage"`
	When         string            `toml:"when"`
	Then         map[string]string `toml:"then"`
	Deny         string            `toml:"deny"`
	Message      string            `toml:"message"`
}

// PolicyConfig configures one policy, either inline or by reference to a
// separate policy file.
type PolicyConfig struct {
	Path    string               `toml:"path"`
	Name    string               `toml:"name"`
	Version string               `toml:"version"`
	Context map[string]any       `toml:"context"`
	Effects []PolicyEffectConfig `toml:"effects"`
}

// Manifest is the top-level decoded manifest document.
type Manifest struct {
	Tools    []ToolConfig   `toml:"tools"`
	Policies []PolicyConfig `toml:"policies"`
	Config   map[string]any `toml:"config"`

	path string
}

// Load reads and decodes the manifest at path, validating that no policy
// entry specifies both a file path and inline fields.
func Load(path string) (*Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, toolhosterr.Wrap(toolhosterr.Io, fmt.Sprintf("read manifest %q", path), err)
	}

	var m Manifest
	if err := toml.Unmarshal(content, &m); err != nil {
		return nil, toolhosterr.Wrap(toolhosterr.InvalidArgument, fmt.Sprintf("parse manifest %q", path), err)
	}
	m.path = path

	for _, t := range m.Tools {
		if t.Name == "" && t.Path == "" {
			return nil, toolhosterr.New(toolhosterr.InvalidArgument, "tool entry must declare a name or a path")
		}
	}

	for _, p := range m.Policies {
		hasInline := len(p.Effects) > 0 || p.Context != nil
		if p.Path != "" && hasInline {
			name := p.Name
			if name == "" {
				name = "<unknown>"
			}
			return nil, toolhosterr.New(toolhosterr.InvalidArgument,
				fmt.Sprintf("policy %q cannot specify both `path` and inline fields (effects/context)", name))
		}
	}

	return &m, nil
}

// Empty returns a manifest with no tools or policies.
func Empty() *Manifest {
	return &Manifest{}
}

// EnabledTools returns every tool entry whose effective enabled state is
// true.
func (m *Manifest) EnabledTools() []ToolConfig {
	out := make([]ToolConfig, 0, len(m.Tools))
	for _, t := range m.Tools {
		if t.IsEnabled() {
			out = append(out, t)
		}
	}
	return out
}

// ResolvePath locates a tool's library file. A tool with an explicit path
// resolves it relative to the manifest's own directory. A tool with only a
// name is searched for, as "<name>.wasm", across searchDirs in order; the
// first hit wins.
func (m *Manifest) ResolvePath(t ToolConfig, searchDirs []string) (string, error) {
	if t.Path != "" {
		if filepath.IsAbs(t.Path) {
			return t.Path, nil
		}
		return filepath.Join(filepath.Dir(m.path), t.Path), nil
	}

	candidate := t.Name + ".wasm"
	for _, dir := range searchDirs {
		full := filepath.Join(dir, candidate)
		if _, err := os.Stat(full); err == nil {
			return full, nil
		}
	}
	return "", toolhosterr.New(toolhosterr.NotFound,
		fmt.Sprintf("tool %q: no library named %q found in search directories", t.Name, candidate))
}

// ResolvePolicies builds runtime policy definitions from the manifest's
// policy configs, loading file-based policies relative to the manifest's
// own directory.
func (m *Manifest) ResolvePolicies() ([]policy.Definition, error) {
	rootDir := filepath.Dir(m.path)
	if rootDir == "" {
		rootDir = "."
	}

	definitions := make([]policy.Definition, 0, len(m.Policies))

	for _, cfg := range m.Policies {
		if cfg.Path != "" {
			policyPath := filepath.Join(rootDir, cfg.Path)
			content, err := os.ReadFile(policyPath)
			if err != nil {
				return nil, toolhosterr.Wrap(toolhosterr.Io, fmt.Sprintf("read policy file %q", policyPath), err)
			}
			var fileCfg PolicyConfig
			if err := toml.Unmarshal(content, &fileCfg); err != nil {
				return nil, toolhosterr.Wrap(toolhosterr.InvalidArgument, fmt.Sprintf("parse policy file %q", policyPath), err)
			}
			def, err := toDefinition(fileCfg)
			if err != nil {
				return nil, err
			}
			definitions = append(definitions, def)
			continue
		}

		def, err := toDefinition(cfg)
		if err != nil {
			return nil, err
		}
		definitions = append(definitions, def)
	}

	return definitions, nil
}

func toDefinition(cfg PolicyConfig) (policy.Definition, error) {
	if cfg.Name == "" {
		return policy.Definition{}, toolhosterr.New(toolhosterr.InvalidArgument, "inline policy must have a name")
	}
	version := cfg.Version
	if version == "" {
		version = "0.0.0"
	}

	effects := make([]policy.Effect, 0, len(cfg.Effects))
	for _, e := range cfg.Effects {
		phase := policy.PhasePost
		if strings.EqualFold(e.Stage, "before") {
			phase = policy.PhasePre
		}
		effects = append(effects, policy.Effect{
			ToolSelector: e.ToolSelector,
			Phase:        phase,
			When:         e.When,
			Then:         e.Then,
			Deny:         e.Deny,
			Message:      e.Message,
		})
	}

	return policy.Definition{
		Name:           cfg.Name,
		Version:        version,
		InitialContext: cfg.Context,
		Effects:        effects,
	}, nil
}
