package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "jetstream", cfg.Bus.Backend)
	assert.Equal(t, 10, cfg.Bus.MaxDeliver)
	assert.Equal(t, 15*time.Minute, cfg.Tokens.TTL)
	assert.Equal(t, 5, cfg.Gateway.Breaker.FailureThreshold)
	assert.Equal(t, 15*time.Second, cfg.Gateway.Registry.Staleness)
	assert.NotEmpty(t, cfg.Gateway.Routes)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
service:
  name: ordering
server:
  port: 9090
bus:
  backend: kafka
kafka:
  brokers: ["k1:9092", "k2:9092"]
gateway:
  routes:
    - name: orders
      match: prefix
      path: /api/orders
      service: ordering
      roles: [customer]
      timeout: 3s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))
	t.Setenv("BACKBONE_SERVER_PORT", "9191")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ordering", cfg.Service.Name)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "kafka", cfg.Bus.Backend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	require.Len(t, cfg.Gateway.Routes, 1)
	assert.Equal(t, 3*time.Second, cfg.Gateway.Routes[0].Timeout)
	assert.Equal(t, []string{"customer"}, cfg.Gateway.Routes[0].Roles)
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5432, Database: "ordering", User: "svc", Password: "p@ss", SSLMode: "disable"}
	assert.Equal(t, "postgres://svc:p%40ss@db:5432/ordering?sslmode=disable", p.DSN())
}

func TestCLIConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := LoadCLIFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.GetGatewayURL(""))

	require.NoError(t, cfg.SaveProfile("dev", "http://gw:8080", "tok", "user-1"))

	reloaded, err := LoadCLIFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "dev", reloaded.CurrentProfile)
	p, err := reloaded.GetProfile("")
	require.NoError(t, err)
	assert.Equal(t, "tok", p.AccessToken)
	assert.Equal(t, "http://gw:8080", reloaded.GetGatewayURL(""))

	require.NoError(t, reloaded.RemoveProfile("dev"))
	_, err = reloaded.GetProfile("dev")
	assert.Error(t, err)
}
