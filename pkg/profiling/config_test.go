package profiling

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reqprof.yaml")
	require.NoError(t, os.WriteFile(path, []byte("enabled: true\nsample_ratio: 50\n"), 0o600))
	t.Setenv("REQPROF_RATIO", "75")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 75, cfg.SampleRatio)
}

func TestEngines(t *testing.T) {
	engines, err := Engines("runtime", "process")
	require.NoError(t, err)
	require.Len(t, engines, 2)
	assert.Equal(t, "runtime", engines[0].Name())

	_, err = Engines("dtrace")
	assert.EqualError(t, err, `unknown engine "dtrace"`)
}
