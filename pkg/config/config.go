package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/cloudpods/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration of a cloudpodd process
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	Queue      QueueConfig      `yaml:"queue"`
	Quota      QuotaConfig      `yaml:"quota"`
	Backup     BackupConfig     `yaml:"backup"`
	PVE        PVEConfig        `yaml:"pve"`
	Health     HealthConfig     `yaml:"health"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig selects the persistence driver
type StorageConfig struct {
	Driver   string         `yaml:"driver"` // bolt or postgres
	DataDir  string         `yaml:"dataDir"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbName"`
	SSLMode  string `yaml:"sslMode"`
}

// DSN renders the libpq connection string
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode,
	)
}

// QueueConfig configures the job queue backend and workers
type QueueConfig struct {
	Backend             string         `yaml:"backend"` // memory or redis
	Redis               RedisConfig    `yaml:"redis"`
	Prefix              string         `yaml:"prefix"`
	KeyScheme           string         `yaml:"keyScheme"` // timestamp or content
	HealthSweepInterval time.Duration  `yaml:"healthSweepInterval"`
	PollInterval        time.Duration  `yaml:"pollInterval"`
	CleanInterval       time.Duration  `yaml:"cleanInterval"`
	Concurrency         map[string]int `yaml:"concurrency"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type QuotaConfig struct {
	Defaults types.QuotaLimits `yaml:"defaults"`
}

type BackupConfig struct {
	SchedulerInterval time.Duration `yaml:"schedulerInterval"`
	DumpStorage       string        `yaml:"dumpStorage"`
	Compression       string        `yaml:"compression"`
}

// PVEConfig configures SSH access to the Proxmox nodes
type PVEConfig struct {
	User           string            `yaml:"user"`
	Port           int               `yaml:"port"`
	KeyFile        string            `yaml:"keyFile"`
	KnownHostsFile string            `yaml:"knownHostsFile"`
	Timeout        time.Duration     `yaml:"timeout"`
	Nodes          map[string]string `yaml:"nodes"` // node name -> address, defaults to the name
	Template       string            `yaml:"template"`
	RootStorage    string            `yaml:"rootStorage"`
	Bridge         string            `yaml:"bridge"`
}

// HealthConfig tunes pod health checks run by the health queue
type HealthConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"` // consecutive failures before a pod is unhealthy
	TCPPort int           `yaml:"tcpPort"` // also probe podIP:port when non-zero
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type ReconcilerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Storage: StorageConfig{
			Driver:  "bolt",
			DataDir: "./cloudpods-data",
			Postgres: PostgresConfig{
				Host:    "localhost",
				Port:    5432,
				User:    "cloudpods",
				DBName:  "cloudpods",
				SSLMode: "disable",
			},
		},
		Queue: QueueConfig{
			Backend:             "memory",
			Redis:               RedisConfig{Addr: "localhost:6379"},
			Prefix:              "cloudpods",
			KeyScheme:           "timestamp",
			HealthSweepInterval: 5 * time.Minute,
			PollInterval:        time.Second,
			CleanInterval:       10 * time.Minute,
			Concurrency: map[string]int{
				"create":  2,
				"destroy": 2,
				"backup":  2,
				"health":  1,
				"scale":   2,
			},
		},
		Quota: QuotaConfig{Defaults: types.DefaultQuotaLimits()},
		Backup: BackupConfig{
			SchedulerInterval: time.Minute,
			DumpStorage:       "local",
			Compression:       "zstd",
		},
		PVE: PVEConfig{
			User:           "root",
			Port:           22,
			KeyFile:        "/root/.ssh/id_ed25519",
			KnownHostsFile: "/root/.ssh/known_hosts",
			Timeout:        10 * time.Minute,
			Template:       "local:vztmpl/debian-12-standard_12.7-1_amd64.tar.zst",
			RootStorage:    "local-lvm",
			Bridge:         "vmbr0",
		},
		Health:     HealthConfig{Timeout: 30 * time.Second, Retries: 3},
		Metrics:    MetricsConfig{Addr: "127.0.0.1:9464"},
		Reconciler: ReconcilerConfig{Interval: 15 * time.Minute},
	}
}

// Load reads the YAML file at path (optional), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Log.Level = getEnv("CLOUDPODS_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.JSON = getEnvBool("CLOUDPODS_LOG_JSON", cfg.Log.JSON)

	cfg.Storage.Driver = getEnv("CLOUDPODS_STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.Storage.DataDir = getEnv("CLOUDPODS_DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.Postgres.Host = getEnv("CLOUDPODS_DB_HOST", cfg.Storage.Postgres.Host)
	cfg.Storage.Postgres.Port = getEnvInt("CLOUDPODS_DB_PORT", cfg.Storage.Postgres.Port)
	cfg.Storage.Postgres.User = getEnv("CLOUDPODS_DB_USER", cfg.Storage.Postgres.User)
	cfg.Storage.Postgres.Password = getEnv("CLOUDPODS_DB_PASSWORD", cfg.Storage.Postgres.Password)
	cfg.Storage.Postgres.DBName = getEnv("CLOUDPODS_DB_NAME", cfg.Storage.Postgres.DBName)

	cfg.Queue.Backend = getEnv("CLOUDPODS_QUEUE_BACKEND", cfg.Queue.Backend)
	cfg.Queue.Redis.Addr = getEnv("CLOUDPODS_REDIS_ADDR", cfg.Queue.Redis.Addr)
	cfg.Queue.Redis.Password = getEnv("CLOUDPODS_REDIS_PASSWORD", cfg.Queue.Redis.Password)
	cfg.Queue.Redis.DB = getEnvInt("CLOUDPODS_REDIS_DB", cfg.Queue.Redis.DB)
	cfg.Queue.KeyScheme = getEnv("CLOUDPODS_QUEUE_KEY_SCHEME", cfg.Queue.KeyScheme)
	cfg.Queue.HealthSweepInterval = getEnvDuration("CLOUDPODS_HEALTH_SWEEP_INTERVAL", cfg.Queue.HealthSweepInterval)

	cfg.PVE.User = getEnv("CLOUDPODS_PVE_USER", cfg.PVE.User)
	cfg.PVE.KeyFile = getEnv("CLOUDPODS_PVE_KEY_FILE", cfg.PVE.KeyFile)
	cfg.PVE.KnownHostsFile = getEnv("CLOUDPODS_PVE_KNOWN_HOSTS", cfg.PVE.KnownHostsFile)

	cfg.Metrics.Addr = getEnv("CLOUDPODS_METRICS_ADDR", cfg.Metrics.Addr)
}

// Validate checks the values that would otherwise fail late at runtime
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "bolt", "postgres":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}

	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported queue backend %q", c.Queue.Backend)
	}

	switch c.Queue.KeyScheme {
	case "timestamp", "content":
	default:
		return fmt.Errorf("unsupported idempotency key scheme %q", c.Queue.KeyScheme)
	}

	if c.Queue.HealthSweepInterval < time.Minute {
		return fmt.Errorf("health sweep interval must be at least 1m, got %s", c.Queue.HealthSweepInterval)
	}

	if c.Health.Retries < 1 {
		return fmt.Errorf("health retries must be at least 1, got %d", c.Health.Retries)
	}
	if c.Health.TCPPort < 0 || c.Health.TCPPort > 65535 {
		return fmt.Errorf("invalid health tcp port %d", c.Health.TCPPort)
	}

	l := c.Quota.Defaults
	if l.MaxPods < 0 || l.MaxCPUCores < 0 || l.MaxRAMMB < 0 || l.MaxDiskGB < 0 {
		return fmt.Errorf("quota defaults must not be negative")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
