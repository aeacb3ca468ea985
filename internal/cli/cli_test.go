package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/clustermgr/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "coordinatord", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commands := cmd.Commands()
	assert.Len(t, commands, 2, "should have run and inspect subcommands")

	names := make(map[string]bool)
	for _, c := range commands {
		names[c.Use] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["inspect"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "should have --config flag")
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()
	assert.Equal(t, "run", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func TestBuildInspectCommand(t *testing.T) {
	cmd := buildInspectCommand()
	assert.Equal(t, "inspect", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func TestInspectReportsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "coordinatord.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("cluster:\n  epoch: 1\n"), 0o644))

	prior := configFile
	configFile = configPath
	defer func() { configFile = prior }()

	require.NoError(t, inspect())
}

func TestInspectMissingConfigFile(t *testing.T) {
	prior := configFile
	configFile = "/nonexistent/coordinatord.yaml"
	defer func() { configFile = prior }()

	assert.Error(t, inspect())
}

func TestMinFreeVectorUsesConfiguredDefaults(t *testing.T) {
	cfg := config.Default()
	v := minFreeVector(cfg)
	assert.Contains(t, v, "cpus")
	assert.Contains(t, v, "mem")
}
