package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/cuemby/cloudpods/pkg/audit"
	"github.com/cuemby/cloudpods/pkg/backup"
	"github.com/cuemby/cloudpods/pkg/config"
	"github.com/cuemby/cloudpods/pkg/events"
	"github.com/cuemby/cloudpods/pkg/health"
	"github.com/cuemby/cloudpods/pkg/log"
	"github.com/cuemby/cloudpods/pkg/pve"
	"github.com/cuemby/cloudpods/pkg/queue"
	"github.com/cuemby/cloudpods/pkg/quota"
	"github.com/cuemby/cloudpods/pkg/storage"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Context holds every dependency of the orchestrator. It is built once at
// process start and passed explicitly; nothing in the orchestrator reads
// package-level state.
type Context struct {
	Config  *config.Config
	Store   storage.Store
	Quota   *quota.Engine
	Queues  *queue.Manager
	Backups *backup.Engine
	Exec    pve.Executor
	Audit   *audit.Logger
	Events  *events.Broker
	Health  *health.Monitor

	logger zerolog.Logger
}

// New assembles a Context from already opened collaborators. broker and
// auditLogger may be nil.
func New(cfg *config.Config, store storage.Store, exec pve.Executor, queues *queue.Manager, auditLogger *audit.Logger, broker *events.Broker) *Context {
	return &Context{
		Config: cfg,
		Store:  store,
		Quota:  quota.NewEngine(store, cfg.Quota.Defaults),
		Queues: queues,
		Backups: backup.NewEngine(store, exec, auditLogger, broker, backup.Options{
			DumpStorage: cfg.Backup.DumpStorage,
			Compression: cfg.Backup.Compression,
		}),
		Exec:   exec,
		Audit:  auditLogger,
		Events: broker,
		Health: health.NewMonitor(exec, store, broker, health.Config{
			Timeout: cfg.Health.Timeout,
			Retries: cfg.Health.Retries,
			TCPPort: cfg.Health.TCPPort,
		}),
		logger: log.WithComponent("orchestrator"),
	}
}

// OpenStore opens the configured persistence driver. For postgres the gorm
// handle is returned too so the audit sink can share the connection.
func OpenStore(cfg *config.Config) (storage.Store, audit.Sink, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		store, err := storage.NewPostgresStore(cfg.Storage.Postgres.DSN(), storage.DefaultPostgresOptions())
		if err != nil {
			return nil, nil, err
		}
		sink, err := audit.NewGormSink(store.DB())
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("failed to prepare audit table: %w", err)
		}
		return store, sink, nil
	default:
		if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := storage.NewBoltStore(cfg.Storage.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return store, audit.NewLogSink(), nil
	}
}

// OpenQueues connects the configured queue backend
func OpenQueues(ctx context.Context, cfg *config.Config, broker *events.Broker) (*queue.Manager, error) {
	scheme, err := queue.ParseKeyScheme(cfg.Queue.KeyScheme)
	if err != nil {
		return nil, err
	}

	var backend queue.Backend
	switch cfg.Queue.Backend {
	case "redis":
		backend, err = queue.NewRedisBackend(ctx, queue.RedisConfig{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Prefix:   cfg.Queue.Prefix,
		})
		if err != nil {
			return nil, err
		}
	default:
		backend = queue.NewMemoryBackend()
	}

	opts := queue.DefaultOptions()
	opts.KeyScheme = scheme
	opts.PollInterval = cfg.Queue.PollInterval
	opts.CleanInterval = cfg.Queue.CleanInterval
	return queue.NewManager(backend, broker, opts), nil
}

// Open builds a Context from configuration: store, queue backend, SSH
// executor and audit sink. The event broker is started.
func Open(ctx context.Context, cfg *config.Config) (*Context, error) {
	store, sink, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	broker.Start()

	queues, err := OpenQueues(ctx, cfg, broker)
	if err != nil {
		broker.Stop()
		return nil, multierror.Append(err, store.Close()).ErrorOrNil()
	}

	exec, err := pve.NewSSHExecutor(pve.SSHConfig{
		User:           cfg.PVE.User,
		Port:           cfg.PVE.Port,
		KeyFile:        cfg.PVE.KeyFile,
		KnownHostsFile: cfg.PVE.KnownHostsFile,
		Timeout:        cfg.PVE.Timeout,
		Nodes:          cfg.PVE.Nodes,
	})
	if err != nil {
		broker.Stop()
		return nil, multierror.Append(err, queues.Close(), store.Close()).ErrorOrNil()
	}

	return New(cfg, store, exec, queues, audit.NewLogger(sink), broker), nil
}

// Close releases the queues, the executor and the store
func (c *Context) Close() error {
	var result *multierror.Error
	if c.Queues != nil {
		if err := c.Queues.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("queues: %w", err))
		}
	}
	if closer, ok := c.Exec.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("executor: %w", err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("store: %w", err))
		}
	}
	if c.Events != nil {
		c.Events.Stop()
	}
	return result.ErrorOrNil()
}

// defaultNode returns the first configured hypervisor node, by name
func (c *Context) defaultNode() string {
	nodes := make([]string, 0, len(c.Config.PVE.Nodes))
	for name := range c.Config.PVE.Nodes {
		nodes = append(nodes, name)
	}
	sort.Strings(nodes)
	if len(nodes) == 0 {
		return ""
	}
	return nodes[0]
}
