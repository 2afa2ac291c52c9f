package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
ram_size: 268435456
num_vcpus: 2
bios_path: /tmp/bios.bin
debug: true
system-root:
  class: system-root
  name: root
  children:
    - class: debug-console
      name: console0
      attrs:
        port: 1016
        enabled: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesTopLevelAttributes(t *testing.T) {
	doc, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.EqualValues(t, 268435456, doc.RamSize)
	assert.Equal(t, 2, doc.NumVcpus)
	assert.Equal(t, "/tmp/bios.bin", doc.BiosPath)
	assert.True(t, doc.Debug)
}

func TestLoadParsesDeviceTree(t *testing.T) {
	doc, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	require.NotNil(t, doc.Root)
	assert.Equal(t, "system-root", doc.Root.Class)
	assert.Equal(t, "root", doc.Root.Name)
	require.Len(t, doc.Root.Children, 1)

	console := doc.Root.Children[0]
	assert.Equal(t, "debug-console", console.Class)
	assert.EqualValues(t, 1016, console.IntAttr("port", 0))
	assert.True(t, console.BoolAttr("enabled", false))
	assert.Equal(t, "fallback", console.StringAttr("missing", "fallback"))
}

func TestLoadDefaultsMissingSystemRoot(t *testing.T) {
	doc, err := Load(writeConfig(t, "ram_size: 67108864\nnum_vcpus: 1\n"))
	require.NoError(t, err)

	require.NotNil(t, doc.Root)
	assert.Equal(t, "system-root", doc.Root.Class)
	assert.Equal(t, "system-root", doc.Root.Name)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestWalkVisitsPreOrder(t *testing.T) {
	doc, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	var visited []string
	doc.Root.Walk(func(o *ObjectSpec) { visited = append(visited, o.Name) })
	assert.Equal(t, []string{"root", "console0"}, visited)
}
