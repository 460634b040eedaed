package manifest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolhost/runtime/internal/toolhost/manifest"
	"github.com/toolhost/runtime/internal/toolhost/policy"
	"github.com/toolhost/runtime/internal/toolhost/toolhosterr"
)

func writeManifest(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toolhost.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_HappyPath(t *testing.T) {
	path := writeManifest(t, `
[config]
test_key = "test_val"

[[tools]]
path = "target/release/libhello.dylib"
enabled = true

[[policies]]
name = "inline-policy"
version = "1.0"
[[policies.effects]]
tool_selector = "*"
stage = "after"
when = "true"
`)

	m, err := manifest.Load(path)
	require.NoError(t, err)
	assert.Len(t, m.Tools, 1)
	assert.Len(t, m.Policies, 1)
	assert.NotNil(t, m.Config)

	defs, err := m.ResolvePolicies()
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "inline-policy", defs[0].Name)
}

func TestLoad_ToolNameSupport(t *testing.T) {
	path := writeManifest(t, `
[[tools]]
name = "my-tool"
enabled = true
`)

	m, err := manifest.Load(path)
	require.NoError(t, err)
	require.Len(t, m.Tools, 1)
	assert.Equal(t, "my-tool", m.Tools[0].Name)
	assert.Empty(t, m.Tools[0].Path)
}

func TestLoad_RejectsToolWithNeitherNameNorPath(t *testing.T) {
	path := writeManifest(t, `
[[tools]]
enabled = true
`)

	_, err := manifest.Load(path)
	require.Error(t, err)
	assert.Equal(t, toolhosterr.InvalidArgument, toolhosterr.KindOf(err))
	assert.Contains(t, err.Error(), "name or a path")
}

func TestLoad_RejectsAmbiguousPolicy(t *testing.T) {
	path := writeManifest(t, `
[[policies]]
name = "bad"
path = "policy.toml"
[[policies.effects]]
tool_selector = "*"
stage = "after"
when = "true"
`)

	_, err := manifest.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot specify both")
	assert.Equal(t, toolhosterr.InvalidArgument, toolhosterr.KindOf(err))
}

func TestEnabledTools_DefaultsToTrue(t *testing.T) {
	path := writeManifest(t, `
[[tools]]
name = "default-enabled"

[[tools]]
name = "explicitly-disabled"
enabled = false
`)

	m, err := manifest.Load(path)
	require.NoError(t, err)

	enabled := m.EnabledTools()
	require.Len(t, enabled, 1)
	assert.Equal(t, "default-enabled", enabled[0].Name)
}

func TestResolvePolicies_JoinsFilePathRelativeToManifestDir(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "audit.toml")
	require.NoError(t, os.WriteFile(policyPath, []byte(`
name = "audit-logging"
version = "1.0"
[[effects]]
tool_selector = "*"
stage = "after"
when = "true"
`), 0o644))

	manifestPath := filepath.Join(dir, "toolhost.toml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`
[[policies]]
path = "audit.toml"
`), 0o644))

	m, err := manifest.Load(manifestPath)
	require.NoError(t, err)

	defs, err := m.ResolvePolicies()
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "audit-logging", defs[0].Name)
}

func TestResolvePolicies_CarriesThenDenyMessageAndInitialContext(t *testing.T) {
	path := writeManifest(t, `
[[policies]]
name = "rate-limit"
version = "2.0"
[policies.context]
count = 0

[[policies.effects]]
tool_selector = "billing.*"
stage = "before"
when = "ctx.count >= 3"
deny = "true"
message = "too many calls"

[[policies.effects]]
tool_selector = "billing.*"
stage = "after"
when = "true"
[policies.effects.then]
count = "num(ctx.count) + 1"
`)

	m, err := manifest.Load(path)
	require.NoError(t, err)

	defs, err := m.ResolvePolicies()
	require.NoError(t, err)
	require.Len(t, defs, 1)

	def := defs[0]
	assert.Equal(t, "rate-limit", def.Name)
	assert.Equal(t, "2.0", def.Version)
	assert.Equal(t, map[string]any{"count": int64(0)}, def.InitialContext)

	require.Len(t, def.Effects, 2)

	deny := def.Effects[0]
	assert.Equal(t, policy.PhasePre, deny.Phase)
	assert.Equal(t, "billing.*", deny.ToolSelector)
	assert.Equal(t, "true", deny.Deny)
	assert.Equal(t, "too many calls", deny.Message)

	then := def.Effects[1]
	assert.Equal(t, policy.PhasePost, then.Phase)
	assert.Equal(t, "num(ctx.count) + 1", then.Then["count"])
}
