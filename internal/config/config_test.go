package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	require.Equal(t, 7987, cfg.Server.Port)
	require.Equal(t, 4096, cfg.Engine.NFrames)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	contents := "server:\n  port: 1234\nengine:\n  default_model_uri: Overworld/FromFile\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	t.Setenv("BIOME_PORT", "9001")
	t.Setenv("BIOME_MODEL_URI", "Overworld/Custom")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9001, cfg.Server.Port)
	require.Equal(t, "Overworld/Custom", cfg.Engine.DefaultModelURI)
}

func TestLoad_YAMLFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	contents := "server:\n  host: 127.0.0.1\n  port: 1234\nengine:\n  n_frames: 256\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Server.Host)
	require.Equal(t, 1234, cfg.Server.Port)
	require.Equal(t, 256, cfg.Engine.NFrames)
}
