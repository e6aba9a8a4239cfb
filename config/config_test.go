package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/rasterpyramid/store"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint(256), cfg.TileSize)
	assert.Equal(t, uint(18), cfg.MaxZoom)
	assert.False(t, cfg.ZoomDown)
	assert.Equal(t, "", cfg.Resampling)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 100, cfg.HistogramBins)
	assert.Equal(t, 1000, cfg.PageSize)
	assert.Equal(t, 1024, cfg.Cache.Tiles)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, store.Location{Driver: "gpkg", Path: "rasterpyramid.gpkg"}, cfg.Store.Location())
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		content string
		check   func(t *testing.T, cfg *Config)
		wantErr string
	}{
		{
			name: "overrides",
			content: `
tileSize: 100
zoomDown: true
resampling: bilinear
store:
  driver: badger
  path: /data/tiles
log:
  level: debug
  console: true
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, uint(100), cfg.TileSize)
				assert.True(t, cfg.ZoomDown)
				assert.Equal(t, "bilinear", cfg.Resampling)
				assert.Equal(t, store.Location{Driver: "badger", Path: "/data/tiles"}, cfg.Store.Location())
				assert.Equal(t, "debug", cfg.Log.Level)
				assert.True(t, cfg.Log.Console)
				assert.Equal(t, 4, cfg.Concurrency)
			},
		},
		{
			name:    "memory store",
			content: "store:\n  driver: memory\n  path: \"\"\n",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, store.Location{Driver: "memory"}, cfg.Store.Location())
			},
		},
		{name: "bad resampling", content: "resampling: cubic\n", wantErr: "Resampling"},
		{name: "bad driver", content: "store:\n  driver: postgres\n", wantErr: "Driver"},
		{name: "missing path", content: "store:\n  driver: gpkg\n  path: \"\"\n", wantErr: "Path"},
		{name: "zero concurrency", content: "concurrency: 0\n", wantErr: "Concurrency"},
		{name: "bad level", content: "log:\n  level: loud\n", wantErr: "Level"},
		{name: "not yaml", content: "tileSize: [", wantErr: "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.content))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
