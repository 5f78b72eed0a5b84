package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
base_url = "https://graph.example.com/v1.0"
token_path = "/var/lib/gd/token.json"
chunk_size = "640KiB"
http_timeout = "45s"
parallel_transfers = 8
bandwidth_limit = "2MiB"
log_level = "debug"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://graph.example.com/v1.0", cfg.BaseURL)
	assert.Equal(t, "/var/lib/gd/token.json", cfg.TokenPath)
	assert.Equal(t, int64(640*1024), cfg.ChunkSizeBytes)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.Equal(t, 8, cfg.ParallelTransfers)
	assert.Equal(t, int64(2*1024*1024), cfg.BandwidthLimitBytes)
}

func TestLoad_DefaultsFillGaps(t *testing.T) {
	path := writeConfig(t, `log_level = "warn"`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, int64(10*1024*1024), cfg.ChunkSizeBytes)
	assert.Equal(t, defaultWorkers, cfg.ParallelTransfers)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Zero(t, cfg.BandwidthLimitBytes, "unlimited by default")
}

func TestLoad_UnknownKeyIsFatal(t *testing.T) {
	path := writeConfig(t, `chunk_sizes = "640KiB"`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk_sizes")
}

func TestLoad_MisalignedChunkSize(t *testing.T) {
	path := writeConfig(t, `chunk_size = "1MB"`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "320KiB")
}

func TestLoad_BadLogLevel(t *testing.T) {
	path := writeConfig(t, `log_level = "chatty"`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	require.NoError(t, cfg.Validate())
}

func TestParseSize(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "0", want: 0},
		{in: "1024", want: 1024},
		{in: "320KiB", want: 320 * 1024},
		{in: "10MiB", want: 10 * 1024 * 1024},
		{in: "1.5MiB", want: 1536 * 1024},
		{in: "2GB", want: 2_000_000_000},
		{in: "500b", want: 500},
		{in: "lots", wantErr: true},
		{in: "12QiB", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseSize(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
