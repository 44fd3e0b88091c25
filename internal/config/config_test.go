package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 384, cfg.Database.VectorDimension)
	assert.Equal(t, 1000, cfg.Database.MaxChunkSize)
	assert.Equal(t, 3600, cfg.Performance.CacheTTLSeconds)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Neo4j.Enabled)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 384, cfg.Database.VectorDimension)
}

func TestLoad_MergesFoundFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	doc := map[string]any{
		"database": map[string]any{
			"vector_dimension": 128,
			"db_path":          "sub/ltmc.db",
		},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ltmc.config.json"), raw, 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.Database.VectorDimension)
	assert.Equal(t, filepath.Join(dir, "sub/ltmc.db"), cfg.Database.DBPath)
}
