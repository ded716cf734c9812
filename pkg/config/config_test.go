package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := writeConfig(t, `
api:
  port: 9000
  host: "127.0.0.1"
log:
  level: "debug"
queue:
  sync:
    batch_size: 50
    batch_window: "30s"
archive:
  buffer_interval: "2s"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.API.Port)
	assert.Equal(t, "127.0.0.1", cfg.API.Host)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.Equal(t, 50, cfg.Queue.Sync.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Queue.Sync.BatchWindow)
	assert.Equal(t, 300*time.Second, cfg.Queue.Sync.VisibilityTimeout)
	assert.Equal(t, 2*time.Second, cfg.Archive.BufferInterval)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "log:\n  format: text\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, 5*time.Minute, cfg.Workflow.ExecutionTimeout)
	assert.Equal(t, "eventhose/", cfg.Archive.Prefix)
	assert.Equal(t, int64(64<<20), cfg.Archive.BufferBytes)
	assert.Len(t, cfg.Archive.PartitionKeys, 3)

	assert.Equal(t, "process-file", cfg.Queue.Process.Name)
	assert.Equal(t, 90*time.Second, cfg.Queue.Process.VisibilityTimeout)
	assert.Equal(t, 10, cfg.Queue.Process.MaxReceiveCount)
	assert.Equal(t, 1, cfg.Queue.Process.BatchSize)
	assert.Equal(t, 100, cfg.Queue.Sync.BatchSize)
	assert.Equal(t, 3*time.Minute, cfg.Queue.Sync.BatchWindow)

	assert.Equal(t, "awsutils.slackintegration", cfg.Slack.CommandSource)
	assert.Equal(t, "slackMessageReceived", cfg.Slack.CommandDetailType)
	assert.Equal(t, "eino", cfg.Action.Inference.Type)
	assert.Equal(t, 5, cfg.Bus.Retry.MaxAttempts)
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "log:\n  level: loud\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Level")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadConfig_EnvExpansion(t *testing.T) {
	t.Setenv("OPS_TEST_INFERENCE_KEY", "sk-test")
	cfg, err := LoadConfig(writeConfig(t, `
action:
  inference:
    api_key: "${OPS_TEST_INFERENCE_KEY}"
`))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Action.Inference.APIKey)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("OPS_TEST_X", "x")
	assert.Equal(t, "x", expandEnv("${OPS_TEST_X}"))
	assert.Equal(t, "x", expandEnv("$OPS_TEST_X"))
	assert.Equal(t, "${OPS_TEST_UNSET_VAR}", expandEnv("${OPS_TEST_UNSET_VAR}"))
	assert.Equal(t, "literal", expandEnv("literal"))
}
