package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 1500*time.Millisecond, cfg.Detection.Cooldown)
	require.Equal(t, 450*time.Millisecond, cfg.Detection.Window)
	require.InDelta(t, 50.0, cfg.Cluster.RadiusMeters, 1e-9)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "road-service.yaml")
	data := `
debug: false
server:
  listen_addr: ":9090"
detection:
  cooldown: 2s
  min_speed_kmh: 8
cluster:
  radius_meters: 30
redis:
  addr: "redis:6379"
archive:
  path: /var/lib/road-service/archive.db
vision:
  endpoint: http://classifier:8000/verify
  accept_confidence: 0.8
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	t.Setenv("PORT", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("ROAD_SERVICE_DEBUG", "")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Server.ListenAddr)
	require.Equal(t, 2*time.Second, cfg.Detection.Cooldown)
	require.InDelta(t, 8.0, cfg.Detection.MinSpeedKmh, 1e-9)
	// Unset keys keep their defaults.
	require.Equal(t, 450*time.Millisecond, cfg.Detection.Window)
	require.Equal(t, 8, cfg.Detection.MinWindowSamples)
	require.InDelta(t, 30.0, cfg.Cluster.RadiusMeters, 1e-9)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, "/var/lib/road-service/archive.db", cfg.Archive.Path)
	require.InDelta(t, 0.8, cfg.Vision.AcceptConfidence, 1e-9)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("ROAD_SERVICE_DEBUG", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.Server.ListenAddr)
	require.Equal(t, "cache:6379", cfg.Redis.Addr)
	require.True(t, cfg.Debug)
	require.True(t, cfg.DetectionEngineConfig().Strict)
}

func TestInvalidDebugFlag(t *testing.T) {
	t.Setenv("ROAD_SERVICE_DEBUG", "sometimes")
	_, err := Load("")
	require.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Cluster.RadiusMeters = 0
	cfg.Session.SampleQueue = 0
	cfg.Detection.Window = 0

	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "cluster radius")
	require.Contains(t, err.Error(), "sample queue")
	require.Contains(t, err.Error(), "detection window")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
