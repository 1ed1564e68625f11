package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/a-essam23/tablelink/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves into a fresh directory so no stray config file is picked up.
func chdir(t *testing.T) string {
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)
	cfg, err := Load(logging.Discard(), "config")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:30000", cfg.Remote.URL)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Dispatch)
	assert.Equal(t, 3, cfg.Sessions.RestoreAttempts)
	assert.Equal(t, 30*time.Second, cfg.Service.ReconnectInterval)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, filepath.Join("data", "sessions.json"), cfg.SessionPath())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := chdir(t)
	yaml := `
remote:
  url: http://table.example:30000
service:
  username: Gamemaster
storage:
  worldCacheFile: /var/lib/tablelink/worlds.json
timeouts:
  dispatch: 750ms
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("TABLELINK_SERVICE_PASSWORD", "secret")
	t.Setenv("TABLELINK_REMOTE_URL", "http://override:30000")

	cfg, err := Load(logging.Discard(), "config")
	require.NoError(t, err)

	assert.Equal(t, "http://override:30000", cfg.Remote.URL)
	assert.Equal(t, "Gamemaster", cfg.Service.Username)
	assert.Equal(t, "secret", cfg.Service.Password)
	assert.Equal(t, 750*time.Millisecond, cfg.Timeouts.Dispatch)
	assert.Equal(t, "/var/lib/tablelink/worlds.json", cfg.WorldCachePath())
}

func TestLoad_RejectsInvalid(t *testing.T) {
	chdir(t)
	t.Setenv("TABLELINK_SESSIONS_RESTOREATTEMPTS", "0")

	_, err := Load(logging.Discard(), "config")
	assert.ErrorContains(t, err, "restoreAttempts")
}

func TestValidate(t *testing.T) {
	cfg := &Config{Sessions: SessionConfig{RestoreAttempts: 1}}
	assert.Error(t, cfg.Validate())

	cfg.Remote.URL = "http://localhost:30000"
	assert.NoError(t, cfg.Validate())
}
