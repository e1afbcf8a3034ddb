package target

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memFsWith(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for path, content := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	}
	return fs
}

func renamed(name string) string {
	return strings.Replace(validYAML, "name: testchip", "name: "+name, 1)
}

func TestRegistryLoadFileAndGet(t *testing.T) {
	fs := memFsWith(t, map[string]string{"chips/testchip.yaml": validYAML})
	r := NewRegistry(fs)

	require.NoError(t, r.LoadFile("chips/testchip.yaml"))

	desc, err := r.Get("testchip")
	require.NoError(t, err)
	assert.Equal(t, "testchip", desc.Name)

	_, err = r.Get("nosuchchip")
	assert.Error(t, err)
}

func TestRegistryLoadFileRejectsMalformedYAML(t *testing.T) {
	fs := memFsWith(t, map[string]string{"bad.yaml": "name: [unclosed"})
	r := NewRegistry(fs)

	err := r.LoadFile("bad.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
}

func TestRegistryLoadFileRejectsInvalidDescription(t *testing.T) {
	noCores := strings.Replace(validYAML, "cores:\n  - name: main\n    kind: m4\n", "cores: []\n", 1)
	fs := memFsWith(t, map[string]string{"nocores.yaml": noCores})
	r := NewRegistry(fs)

	assert.Error(t, r.LoadFile("nocores.yaml"))
}

func TestRegistryLoadDir(t *testing.T) {
	fs := memFsWith(t, map[string]string{
		"targets/a.yaml":  renamed("chipa"),
		"targets/b.yml":   renamed("chipb"),
		"targets/README":  "not a description",
		"targets/c.fixme": "also not a description",
	})
	r := NewRegistry(fs)

	require.NoError(t, r.LoadDir("targets"))
	assert.Equal(t, []string{"chipa", "chipb"}, r.Names())
}

func TestRegistryLoadDirAcceptsSingleFile(t *testing.T) {
	fs := memFsWith(t, map[string]string{"one/chip.yaml": validYAML})
	r := NewRegistry(fs)

	require.NoError(t, r.LoadDir("one/chip.yaml"))
	assert.Equal(t, []string{"testchip"}, r.Names())
}

func TestRegistryLoadDirMissingPath(t *testing.T) {
	r := NewRegistry(afero.NewMemMapFs())
	assert.Error(t, r.LoadDir("does-not-exist"))
}

func TestRegistryLaterLoadOverridesEarlier(t *testing.T) {
	bigger := strings.Replace(validYAML, "end: 0x08010000", "end: 0x08020000", 2)
	fs := memFsWith(t, map[string]string{
		"stock/testchip.yaml":    validYAML,
		"override/testchip.yaml": bigger,
	})
	r := NewRegistry(fs)

	require.NoError(t, r.LoadDir("stock"))
	require.NoError(t, r.LoadDir("override"))

	desc, err := r.Get("testchip")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x08020000), desc.MemoryRegions[0].End)
	assert.Len(t, r.Names(), 1)
}

func TestRegistrySearchPathSkipsMissingDirs(t *testing.T) {
	// No ./targets directory exists in the in-memory fs; the search
	// must come back empty rather than failing.
	r := NewRegistry(afero.NewMemMapFs())
	require.NoError(t, r.LoadSearchPaths())
	assert.Empty(t, r.Names())
}

func TestRegistrySearchPathLoadsWorkingDirTargets(t *testing.T) {
	fs := memFsWith(t, map[string]string{"targets/testchip.yaml": validYAML})
	r := NewRegistry(fs)

	require.NoError(t, r.LoadSearchPaths())
	assert.Equal(t, []string{"testchip"}, r.Names())
}
