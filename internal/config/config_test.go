package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "0x00000000000000000000000000000000000000ff"

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "stakecourt.toml", `
mode = "server"
log_level = "debug"

[arbitrator]
owner = "`+owner+`"
appeal_timeout = "10m"
arbitration_cost = "500"

[wallet.genesis]
"0x0000000000000000000000000000000000000001" = "10000"

[storage]
driver = "sqlite"
path = "/var/lib/stakecourt/bets.db"

[server]
port = 9090
max_clock_skew = "30s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, 10*time.Minute, cfg.Arbitrator.AppealTimeout.Duration)
	assert.Equal(t, "500", cfg.Arbitrator.ArbitrationCost)
	assert.Equal(t, "2000", cfg.Arbitrator.AppealCost, "untouched fields keep defaults")
	assert.Equal(t, "10000", cfg.Wallet.Genesis["0x0000000000000000000000000000000000000001"])
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.MaxClockSkew.Duration)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "stakecourt.yaml", `
mode: keeper
arbitrator:
  owner: "`+owner+`"
  appeal_timeout: 1h
keeper:
  schedule: "*/10 * * * * *"
  lock_ttl: 15s
storage:
  driver: postgres
postgres:
  dsn: postgres://u:p@db:5432/stakecourt
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "keeper", cfg.Mode)
	assert.Equal(t, time.Hour, cfg.Arbitrator.AppealTimeout.Duration)
	assert.Equal(t, 15*time.Second, cfg.Keeper.LockTTL.Duration)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 5432, cfg.Postgres.Port)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STAKECOURT_MODE", "keeper")
	t.Setenv("STAKECOURT_SERVER_PORT", "7000")
	t.Setenv("STAKECOURT_REDIS_ENABLED", "true")
	t.Setenv("STAKECOURT_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("STAKECOURT_KEEPER_LOCK_TTL", "2m")
	t.Setenv("STAKECOURT_SERVER_RATE_LIMIT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "keeper", cfg.Mode)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 2*time.Minute, cfg.Keeper.LockTTL.Duration)
	assert.Equal(t, 120, cfg.Server.RateLimit, "unparsable values are ignored")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.LogLevel = "loud"
	cfg.Arbitrator.ArbitrationCost = "-1"
	cfg.Storage.Driver = "mongo"
	cfg.Archive.Enabled = true
	cfg.Wallet.Genesis = map[string]string{"alice": "10"}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown log_level "loud"`,
		"one of owner, private_key or encrypted_key_path",
		"arbitration_cost",
		`unknown driver "mongo"`,
		"archive: requires s3.enabled",
		`genesis address "alice"`,
	} {
		assert.Contains(t, msg, want)
	}
}

func TestDefaultsValidateWithOwner(t *testing.T) {
	cfg := Defaults()
	cfg.Arbitrator.Owner = owner
	assert.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Arbitrator.PrivateKey = "deadbeef"
	cfg.Postgres.Password = "hunter2"
	cfg.Server.AdminAPIKey = "admin"
	cfg.Wallet.Genesis = map[string]string{owner: "1"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, redacted, out.Arbitrator.PrivateKey)
	assert.Equal(t, redacted, out.Postgres.Password)
	assert.Equal(t, redacted, out.Server.AdminAPIKey)
	assert.Empty(t, out.S3.SecretKey, "empty secrets stay empty")

	out.Wallet.Genesis[owner] = "2"
	out.Server.CORSOrigins[0] = "changed"
	assert.Equal(t, "1", cfg.Wallet.Genesis[owner])
	assert.NotEqual(t, "changed", cfg.Server.CORSOrigins[0])
	assert.Equal(t, "deadbeef", cfg.Arbitrator.PrivateKey)
}
