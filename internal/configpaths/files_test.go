package configpaths_test

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbreplay/internal/configpaths"
)

func TestUserPathComesFirst(t *testing.T) {
	for _, tc := range []struct {
		path   string
		loader int
	}{
		{"my.json", 0},
		{"my.conf", 0},
		{"my.yml", 1},
		{"my.yaml", 1},
		{"my.toml", 2},
	} {
		t.Run(tc.path, func(t *testing.T) {
			j, y, tm := configpaths.ConfigCandidatePaths(tc.path)
			got := [][]string{j, y, tm}[tc.loader]
			require.NotEmpty(t, got)
			assert.Equal(t, tc.path, got[0])
		})
	}
}

func TestDefaultConfigDirHonoursXDG(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses AppData")
	}
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	got, err := configpaths.DefaultConfigDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "usbreplay"), got)

	_, yamlPaths, _ := configpaths.ConfigCandidatePaths("")
	assert.Contains(t, yamlPaths, filepath.Join(dir, "usbreplay", "serve.yml"))
}
