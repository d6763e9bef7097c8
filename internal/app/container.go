package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/predictive-dialer/internal/ami"
	"github.com/acme/predictive-dialer/internal/config"
	"github.com/acme/predictive-dialer/internal/dialer"
	"github.com/acme/predictive-dialer/internal/infra/db"
	"github.com/acme/predictive-dialer/internal/infra/redis"
	"github.com/acme/predictive-dialer/internal/queue"
	pgrepo "github.com/acme/predictive-dialer/internal/repository/postgres"
	scyllarepo "github.com/acme/predictive-dialer/internal/repository/scylla"
	"github.com/acme/predictive-dialer/internal/service/concurrency"
	"github.com/acme/predictive-dialer/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once      sync.Once
		stores    *dialer.Stores
		publisher *queue.EventPublisher
		limiter   *concurrency.Limiter
		engine    *dialer.Engine
	}
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	return &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		stores := &dialer.Stores{
			Campaigns: pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Targets:   pgrepo.NewTargetRepository(c.Postgres.DB()),
			Agents:    pgrepo.NewAgentRepository(c.Postgres.DB()),
			CallerIDs: pgrepo.NewCallerIDRepository(c.Postgres.DB()),
			Calls:     scyllarepo.NewCallStore(c.Scylla.Session()),
		}

		publisher := queue.NewEventPublisher(c.Kafka, c.Config.Kafka.CampaignStatusTopic, c.Config.Kafka.CallRoutedTopic)
		limiter := concurrency.NewLimiter(c.Redis.Inner(), c.Config.Dialer.MaxConcurrentCalls, c.Config.Dialer.AnswerTimeout*4)

		newClient := func() dialer.SwitchClient {
			return ami.NewClient(c.Config.AMI)
		}

		engine := dialer.NewEngine(
			c.Config.Dialer,
			c.Config.Telephony,
			*stores,
			limiter,
			publisher,
			newClient,
			dialer.SystemClock(),
			c.Logger,
		)

		c.components.stores = stores
		c.components.publisher = publisher
		c.components.limiter = limiter
		c.components.engine = engine
	})
}

// Stores exposes initialized record stores.
func (c *Container) Stores() *dialer.Stores {
	c.initComponents()
	return c.components.stores
}

// Engine exposes the dialing engine.
func (c *Container) Engine() *dialer.Engine {
	c.initComponents()
	return c.components.engine
}

// Publisher exposes the Kafka event publisher.
func (c *Container) Publisher() *queue.EventPublisher {
	c.initComponents()
	return c.components.publisher
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	topics := []string{c.Config.Kafka.CampaignStatusTopic, c.Config.Kafka.CallRoutedTopic}
	return c.Kafka.EnsureTopics(ctx, topics, 12, 1)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.components.engine != nil {
		c.components.engine.Shutdown()
	}
	if c.components.publisher != nil {
		if err := c.components.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event publisher close: %w", err))
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
