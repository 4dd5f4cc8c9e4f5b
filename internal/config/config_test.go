package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
server:
  addr: ":8080"
  domain: "pay.example.com"
db:
  dsn: "postgres://localhost/gateway"
signing:
  wif: "KwDiBf89QgGbjEhKnhXJuH7LrciVrZi3qYjgd9M7rFU73sVHnoWn"
cluster:
  endpoints:
    - "wss://node1.example.com:50004"
    - "wss://node2.example.com:50004"
  quorum: 2
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	require.Equal(t, int64(300), cfg.Rates.RefreshSeconds)
	require.Equal(t, "USD", cfg.Rates.BaseCurrency)
	require.Equal(t, "main", cfg.Invoices.Network)
	require.Equal(t, int64(900), cfg.Invoices.ExpirySeconds)
	require.Equal(t, 3, cfg.Cluster.FailThreshold)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  addr: ":8080"
`))
	require.Error(t, err)
}

func TestLoadRejectsQuorumLargerThanCluster(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  addr: ":8080"
  domain: "pay.example.com"
db:
  dsn: "postgres://localhost/gateway"
signing:
  wif: "KwDiBf89QgGbjEhKnhXJuH7LrciVrZi3qYjgd9M7rFU73sVHnoWn"
cluster:
  endpoints:
    - "wss://node1.example.com:50004"
  quorum: 2
`))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_DOMAIN", "env.example.com")
	t.Setenv("CLUSTER_ENDPOINTS", "wss://a.example.com, wss://b.example.com, wss://c.example.com")
	t.Setenv("CLUSTER_QUORUM", "3")
	t.Setenv("API_KEYS", "k1,k2")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	require.Equal(t, "env.example.com", cfg.Server.Domain)
	require.Equal(t, []string{"wss://a.example.com", "wss://b.example.com", "wss://c.example.com"}, cfg.Cluster.Endpoints)
	require.Equal(t, 3, cfg.Cluster.Quorum)
	require.Equal(t, []string{"k1", "k2"}, cfg.APIKeys)
}
