package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "9191", cfg.Port)
	require.Equal(t, "file", cfg.DefaultBackend)
	require.Equal(t, int64(0), cfg.MaxImageSize)
	require.Equal(t, 30*time.Minute, cfg.UploadTimeout)
	require.Equal(t, 30*time.Minute, cfg.DownloadTimeout)
	require.Equal(t, time.Minute, cfg.ReapInterval)
	require.Equal(t, time.Hour, cfg.ReapDeadline)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("MAX_IMAGE_SIZE", "10GB")
	t.Setenv("UPLOAD_TIMEOUT", "90s")
	t.Setenv("DOWNLOAD_TIMEOUT", "45s")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, int64(10*1024*1024*1024), cfg.MaxImageSize)
	require.Equal(t, 90*time.Second, cfg.UploadTimeout)
	require.Equal(t, 45*time.Second, cfg.DownloadTimeout)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("MAX_IMAGE_SIZE", "lots")
	_, err := Load()
	require.Error(t, err)
}
