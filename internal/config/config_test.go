package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPopulatesDocumentedDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 10*time.Second, cfg.Cluster.PaxosPhaseTimeout)
	assert.Equal(t, 4096, cfg.Replica.CacheEntries)
	assert.Equal(t, "/clustermgr/coordinators", cfg.Group.Prefix)
	assert.Equal(t, time.Second, cfg.Allocator.TickInterval)
	assert.Equal(t, 100, cfg.Allocator.BatchLimit)
	assert.Equal(t, 75*time.Second, cfg.Liveness.Threshold)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoadOverridesOnlyGivenSections(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "coordinatord.yaml")
	yaml := `
cluster:
  epoch: 7
allocator:
  batch_limit: 25
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(7), cfg.Cluster.Epoch)
	assert.Equal(t, 25, cfg.Allocator.BatchLimit)
	// untouched sections keep their documented defaults
	assert.Equal(t, 10*time.Second, cfg.Cluster.PaxosPhaseTimeout)
	assert.Equal(t, 75*time.Second, cfg.Liveness.Threshold)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/coordinatord.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
}
