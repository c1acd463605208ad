package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"provider": "anthropic"}`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.NotEmpty(t, cfg.Model)
	assert.NotEmpty(t, cfg.Models.Extraction)
	assert.Equal(t, 1024, cfg.Embedding.Dimensions)
	assert.NotEmpty(t, cfg.DB.Path)
	assert.Equal(t, 30, cfg.Forgetting.MaxAgeDays)
}

func TestLoadFileRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{nope`), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestGetAPIKeyPrefersCredentialsOverEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	cfg := New()
	assert.Equal(t, "env-key", cfg.GetAPIKey("anthropic"))

	cfg.Credentials = map[string]string{"anthropic": "file-key"}
	assert.Equal(t, "file-key", cfg.GetAPIKey("anthropic"))
}

func TestGetAPIKeyUnknownProvider(t *testing.T) {
	cfg := New()
	assert.Empty(t, cfg.GetAPIKey("nonexistent"))
}

func TestSaveWritesRestrictedMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.json")
	cfg := New()
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Model, loaded.Model)
}
