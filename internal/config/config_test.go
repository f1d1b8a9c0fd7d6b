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
	path := filepath.Join(t.TempDir(), "fairdraw.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "mutex", cfg.Lock.Driver)
	assert.Equal(t, 96, cfg.Draw.SeedBytes)
	assert.Equal(t, 100, cfg.Draw.StepCap)
	assert.True(t, cfg.Sweep.AutoReveal)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
  read_timeout: 3s
store:
  driver: postgres
  dsn: postgres://localhost/fairdraw
sweep:
  auto_reveal: false
  archive_after: 48h
`)
	t.Setenv("FAIRDRAW_ADDR", ":9100")
	t.Setenv("FAIRDRAW_SEED_BYTES", "128")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 128, cfg.Draw.SeedBytes)
	assert.False(t, cfg.Sweep.AutoReveal)
	assert.Equal(t, 48*time.Hour, cfg.Sweep.ArchiveAfter)
	assert.Equal(t, 10*time.Second, cfg.Server.WriteTimeout)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: ["))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store", func(c *Config) { c.Store.Driver = "sqlite" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }},
		{"redis without url", func(c *Config) { c.Lock.Driver = "redis" }},
		{"short seed", func(c *Config) { c.Draw.SeedBytes = 16 }},
		{"no step cap", func(c *Config) { c.Draw.StepCap = 0 }},
		{"step cap beyond seed", func(c *Config) { c.Draw.SeedBytes = 64 }},
		{"negative rate", func(c *Config) { c.Server.PurchaseRPS = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}
