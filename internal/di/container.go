package di

import (
	"context"
	"fmt"

	"github.com/flexspace/deskbooking/internal/lockstore"
	"github.com/flexspace/deskbooking/internal/repository"
	"github.com/flexspace/deskbooking/internal/service"
	"github.com/flexspace/deskbooking/internal/worker"
	"github.com/flexspace/deskbooking/pkg/config"
	"github.com/flexspace/deskbooking/pkg/database"
	pkgredis "github.com/flexspace/deskbooking/pkg/redis"
)

// Container holds all dependencies for the desk booking service
type Container struct {
	Config *config.Config

	// Infrastructure
	DB    *database.PostgresDB
	Redis *pkgredis.Client
	Locks *lockstore.Store

	// Repositories
	DeskRepo   repository.DeskRepository
	OutboxRepo repository.OutboxRepository

	// Publishers
	EventPublisher service.EventPublisher

	// Services
	BookingEngine service.BookingEngine
	LockService   service.LockService
	DeskService   service.DeskService

	// Workers
	ReconcileWorker   *worker.ReconcileWorker
	OutboxRelayWorker *worker.OutboxRelayWorker
}

// NewContainer builds the dependency graph from configuration: connections
// first, then the lock store and repositories, then services and workers.
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{Config: cfg}

	db, err := database.NewPostgres(ctx, &database.PostgresConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		LockTimeout:     cfg.Database.LockTimeout,
		EnableTracing:   cfg.OTel.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	c.DB = db

	rdb, err := pkgredis.NewClient(ctx, &pkgredis.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	c.Redis = rdb

	c.Locks = lockstore.NewStore(rdb, lockstore.Config{
		TTL:         cfg.Lock.TTL,
		MaxLifetime: cfg.Lock.MaxLifetime,
	})

	c.DeskRepo = repository.NewPostgresDeskRepository(db.Pool())
	c.OutboxRepo = repository.NewPostgresOutboxRepository(db.Pool())

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Brokers[0] != "" {
		publisher, err := service.NewKafkaEventPublisher(ctx, &service.EventPublisherConfig{
			Brokers:     cfg.Kafka.Brokers,
			ServiceName: cfg.App.Name,
			ClientID:    cfg.Kafka.ClientID,
		})
		if err != nil {
			c.closeInfra()
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		c.EventPublisher = publisher
	} else {
		c.EventPublisher = service.NewNoOpEventPublisher()
	}

	c.BookingEngine = service.NewBookingEngine(c.DeskRepo, c.Locks)
	c.LockService = service.NewLockService(c.Locks, c.DeskRepo)
	c.DeskService = service.NewDeskService(c.DeskRepo)

	c.ReconcileWorker = worker.NewReconcileWorker(c.DeskRepo, c.Locks, &worker.ReconcileWorkerConfig{
		Interval:        cfg.Worker.ReconcileInterval,
		Window:          cfg.Worker.ReconcileWindow,
		FullSyncOnStart: true,
	})
	relayCfg := worker.DefaultOutboxRelayConfig()
	relayCfg.PollInterval = cfg.Worker.OutboxPollInterval
	relayCfg.BatchSize = cfg.Worker.OutboxBatchSize
	c.OutboxRelayWorker = worker.NewOutboxRelayWorker(c.OutboxRepo, c.EventPublisher, relayCfg)

	return c, nil
}

// Close releases all held connections. Stop workers before calling it.
func (c *Container) Close() {
	if c.EventPublisher != nil {
		c.EventPublisher.Close()
	}
	c.closeInfra()
}

func (c *Container) closeInfra() {
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.DB != nil {
		c.DB.Close()
	}
}
