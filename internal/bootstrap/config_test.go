package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_PreFlight(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name: "sqlite in existing dir",
			body: "database:\n  path: " + filepath.Join(dir, "tg.db") + "\n",
		},
		{
			name:    "sqlite dir missing",
			body:    "database:\n  path: " + filepath.Join(dir, "missing", "tg.db") + "\n",
			wantErr: "database.path",
		},
		{
			name: "memory ignores path",
			body: "database:\n  driver: memory\n  path: /nonexistent/dir/tg.db\n",
		},
		{
			name:    "port collision",
			body:    "database:\n  driver: memory\nserver:\n  status_port: 9090\n",
			wantErr: "server.status_port",
		},
		{
			name: "metrics port free when metrics disabled",
			body: "database:\n  driver: memory\nserver:\n  status_port: 9090\ntelemetry:\n  enable_metrics: false\n",
		},
		{
			name:    "wal parent missing",
			body:    "database:\n  driver: memory\ndb_buffer:\n  wal_enabled: true\n  wal_path: " + filepath.Join(dir, "nope", "wal") + "\n",
			wantErr: "db_buffer.wal_path",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeConfig(t, tt.body))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "tradeguard", cfg.App.Name)
		})
	}
}

func TestLoadConfig_PreFlightReportsEveryFailure(t *testing.T) {
	dir := t.TempDir()
	body := "database:\n  path: " + filepath.Join(dir, "a", "tg.db") + "\n" +
		"db_buffer:\n  wal_enabled: true\n  wal_path: " + filepath.Join(dir, "b", "wal") + "\n"
	_, err := LoadConfig(writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
	assert.Contains(t, err.Error(), "db_buffer.wal_path")
}

func TestLoadConfig_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TG_SLACK", "https://hooks.example.com/T000")
	cfg, err := LoadConfig(writeConfig(t, "database:\n  driver: memory\nalert:\n  slack_webhook_url: ${TG_SLACK}\n"))
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/T000", string(cfg.Alert.SlackWebhookURL))
}

func TestInitLogger(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "database:\n  driver: memory\nsystem:\n  log_level: DEBUG\n"))
	require.NoError(t, err)
	logger, err := InitLogger(cfg)
	require.NoError(t, err)
	logger.Debug("logger ready")
}
