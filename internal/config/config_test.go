package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "knowledgehub", cfg.Name)
	assert.Equal(t, 5, cfg.Retrieval.K)
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
environment: production
retrieval:
  k: 7
admission:
  requests_per_minute: 20
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	// Env beats file.
	t.Setenv("RETRIEVER_K", "9")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 9, cfg.Retrieval.K)
	assert.Equal(t, 20, cfg.Admission.RequestsPerMinute)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "config.yaml")

	cfg := DefaultConfig()
	cfg.Cache.FAQThreshold = 90
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90, loaded.Cache.FAQThreshold)
}
