package skills

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, root, appID, skillID, body string) {
	t.Helper()
	dir := filepath.Join(root, "apps", appID, "skills", skillID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yml"), []byte(body), 0o644))
}

func TestLoadRegistryBuildsMapAndValidatesSchema(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "demo", "echo", `
name: Echo
description: Echoes input back
execution: inline
tool_schema:
  type: object
  properties:
    text:
      type: string
  required: [text]
`)

	reg, errs := LoadRegistry(root)
	require.Empty(t, errs)

	m, ok := reg.Lookup("demo", "echo")
	require.True(t, ok)
	assert.Equal(t, "demo.echo", m.Key())
	assert.Equal(t, ExecutionInline, m.Execution)

	assert.NoError(t, m.ValidateArguments(map[string]any{"text": "hi"}))
	assert.Error(t, m.ValidateArguments(map[string]any{}))
}

func TestLoadRegistrySkipsBadManifestButKeepsGood(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "demo", "broken", `
description: missing a name
`)
	writeManifest(t, root, "demo", "good", `
name: Good
description: fine
`)

	reg, errs := LoadRegistry(root)
	require.Len(t, errs, 1)

	_, ok := reg.Lookup("demo", "broken")
	assert.False(t, ok)
	_, ok = reg.Lookup("demo", "good")
	assert.True(t, ok)
}

func TestLoadRegistryDefaultsExecutionAndTimeout(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "demo", "defaults", `
name: Defaults
description: no execution or timeout set
`)

	reg, errs := LoadRegistry(root)
	require.Empty(t, errs)

	m, ok := reg.Lookup("demo", "defaults")
	require.True(t, ok)
	assert.Equal(t, ExecutionInline, m.Execution)
	assert.Equal(t, 60*time.Second, m.Timeout)
}

func TestPricingCost(t *testing.T) {
	p := Pricing{Base: 1.5, PerUnit: map[string]float64{"token": 0.001}}
	got := p.Cost(map[string]float64{"token": 1000})
	assert.InDelta(t, 2.5, got, 1e-9)
}
