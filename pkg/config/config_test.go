package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.Queue.HealthSweepInterval)
	assert.Equal(t, 5, cfg.Quota.Defaults.MaxPods)
	assert.Equal(t, 8, cfg.Quota.Defaults.MaxCPUCores)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloudpodd.yaml")
	data := []byte(`
storage:
  driver: postgres
  postgres:
    host: db.internal
queue:
  backend: redis
  keyScheme: content
  healthSweepInterval: 10m
quota:
  defaults:
    maxPods: 20
    maxCpuCores: 32
    maxRamMb: 65536
    maxDiskGb: 500
`)
	require.NoError(t, os.WriteFile(path, data, 0600))

	t.Setenv("CLOUDPODS_REDIS_ADDR", "redis.internal:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "db.internal", cfg.Storage.Postgres.Host)
	assert.Equal(t, 5432, cfg.Storage.Postgres.Port)
	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.Queue.Redis.Addr)
	assert.Equal(t, "content", cfg.Queue.KeyScheme)
	assert.Equal(t, 10*time.Minute, cfg.Queue.HealthSweepInterval)
	assert.Equal(t, 20, cfg.Quota.Defaults.MaxPods)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"unknown queue backend", func(c *Config) { c.Queue.Backend = "kafka" }},
		{"unknown key scheme", func(c *Config) { c.Queue.KeyScheme = "random" }},
		{"sweep interval too short", func(c *Config) { c.Queue.HealthSweepInterval = time.Second }},
		{"zero health retries", func(c *Config) { c.Health.Retries = 0 }},
		{"health port out of range", func(c *Config) { c.Health.TCPPort = 70000 }},
		{"negative default limit", func(c *Config) { c.Quota.Defaults.MaxRAMMB = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "h", Port: 5433, User: "u", Password: "p", DBName: "d", SSLMode: "require"}
	assert.Equal(t, "host=h port=5433 user=u password=p dbname=d sslmode=require TimeZone=UTC", p.DSN())
}
