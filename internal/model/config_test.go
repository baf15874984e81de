package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, 10, cfg.Sync.ConnectTimeoutSec)
	require.Equal(t, 5, cfg.Sync.AuthTimeoutSec)
	require.Equal(t, 10, cfg.Sync.MaxReconnectAttempts)
	require.Empty(t, cfg.Accounts)
}

func TestLoadConfigAppliesAccountDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
db_path: /tmp/cache.db
accounts:
  - name: Work
    host: imap.example.com
    port: 993
    tls: true
    username: user@example.com
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 1)

	account := cfg.Accounts[0]
	require.Equal(t, "Work", account.Name)
	require.Equal(t, string(AuthPassword), account.Auth)
	require.Equal(t, []string{"INBOX"}, account.Folders)
	require.Equal(t, 120, account.PollIntervalSec)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := &AppConfig{
		DBPath: "/tmp/cache.db",
		Accounts: []AccountConfig{{
			ID:       "acct-1",
			Name:     "Work",
			Host:     "imap.example.com",
			Port:     993,
			TLS:      true,
			Username: "user@example.com",
			Auth:     string(AuthOAuthBearer),
			Folders:  []string{"INBOX", "Archive"},
		}},
		Sync: SyncSettings{ConnectTimeoutSec: 10, AuthTimeoutSec: 5, MaxReconnectAttempts: 10},
	}
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, loaded.Accounts, 1)
	require.Equal(t, "acct-1", loaded.Accounts[0].ID)
	require.Equal(t, string(AuthOAuthBearer), loaded.Accounts[0].Auth)
	require.Equal(t, []string{"INBOX", "Archive"}, loaded.Accounts[0].Folders)
}
