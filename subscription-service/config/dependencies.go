package config

import (
	"context"
	"io"

	"github.com/draftea/subscription-system/migrations"
	"github.com/draftea/subscription-system/shared/events"
	"github.com/draftea/subscription-system/shared/idempotency"
	sharedinfra "github.com/draftea/subscription-system/shared/infrastructure"
	"github.com/draftea/subscription-system/shared/logging"
	"github.com/draftea/subscription-system/shared/outbox"
	"github.com/draftea/subscription-system/shared/saga"
	"github.com/draftea/subscription-system/shared/storage"
	"github.com/draftea/subscription-system/shared/telemetry"
	"github.com/draftea/subscription-system/subscription-service/application"
	"github.com/draftea/subscription-system/subscription-service/domain"
	"github.com/draftea/subscription-system/subscription-service/handlers"
	"github.com/draftea/subscription-system/subscription-service/infrastructure"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Dependencies struct {
	Logger *zap.Logger

	// Storage
	DB       *sqlx.DB
	MemoryDB *sharedinfra.MemoryDB
	Tx       storage.TxRunner

	// Stores
	SubscriptionRepository domain.SubscriptionRepository
	SagaStore              saga.Store
	OutboxStore            outbox.Store
	OutboxWriter           *outbox.Writer

	// Collaborators
	Gateway  application.PaymentGateway
	Notifier application.Notifier
	Guard    idempotency.Guard

	// Engines
	EventRegistry *events.Registry
	Publisher     *events.Publisher
	Dispatcher    *outbox.Dispatcher
	SagaRegistry  *saga.Registry
	Orchestrator  *saga.Orchestrator

	// HTTP Handlers
	SubscriptionHandlers *handlers.SubscriptionHandlers

	// Telemetry
	Telemetry         *telemetry.Telemetry
	TelemetryShutdown func()

	closers []namedCloser
}

type namedCloser struct {
	name   string
	closer io.Closer
}

func BuildDependencies(ctx context.Context, config *Config) (*Dependencies, error) {
	logger, err := logging.New(logging.Config{
		ServiceName: config.ServiceName,
		Environment: config.Env,
		Level:       config.LogLevel,
	})
	if err != nil {
		return nil, err
	}
	deps := &Dependencies{Logger: logger}

	// Initialize telemetry first
	if config.Telemetry.Enabled {
		telConfig := telemetry.SubscriptionServiceConfig.
			WithServiceName(config.ServiceName).
			WithOTLPEndpoint(config.Telemetry.OTLPEndpoint)
		tel, shutdown, err := telemetry.InitTelemetry(ctx, telConfig)
		if err != nil {
			// Continue without telemetry rather than failing
			logger.Warn("failed to initialize telemetry", zap.Error(err))
		} else {
			deps.Telemetry = tel
			deps.TelemetryShutdown = shutdown
		}
	}

	if err := deps.buildStores(ctx, config); err != nil {
		_ = deps.Close()
		return nil, err
	}
	if err := deps.buildCollaborators(ctx, config); err != nil {
		_ = deps.Close()
		return nil, err
	}
	if err := deps.buildEvents(ctx, config); err != nil {
		_ = deps.Close()
		return nil, err
	}
	if err := deps.buildSagas(); err != nil {
		_ = deps.Close()
		return nil, err
	}

	deps.Dispatcher = outbox.NewDispatcher(deps.OutboxStore, deps.Publisher,
		outbox.WithInterval(config.Outbox.Interval),
		outbox.WithBatchSize(config.Outbox.BatchSize),
		outbox.WithMaxAttempts(config.Outbox.MaxAttempts),
		outbox.WithLogger(logger.Named("outbox")),
		outbox.WithTelemetry(deps.Telemetry),
	)

	deps.buildHandlers()
	return deps, nil
}

// buildStores wires either the Postgres or the in-memory backend
func (d *Dependencies) buildStores(ctx context.Context, config *Config) error {
	switch config.Store.Driver {
	case DriverPostgres:
		db, err := sharedinfra.ConnectPostgres(ctx, config.GetDatabaseURL(), config.Database.ConnectRetries, d.Logger)
		if err != nil {
			return err
		}
		d.DB = db
		d.closers = append(d.closers, namedCloser{"database", db})

		if config.Database.Migrate {
			if err := sharedinfra.Migrate(ctx, db, migrations.FS); err != nil {
				return err
			}
		}

		d.Tx = sharedinfra.NewPostgresTxRunner(db)
		d.SubscriptionRepository = infrastructure.NewPostgresSubscriptionRepository(db)
		d.SagaStore = sharedinfra.NewPostgresSagaStore(db)
		d.OutboxStore = sharedinfra.NewPostgresOutboxStore(db)
	default:
		mem, err := sharedinfra.NewMemoryDB(infrastructure.SubscriptionTableSchema())
		if err != nil {
			return err
		}
		d.MemoryDB = mem
		d.Tx = mem
		d.SubscriptionRepository = infrastructure.NewMemorySubscriptionRepository(mem)
		d.SagaStore = sharedinfra.NewMemorySagaStore(mem)
		d.OutboxStore = sharedinfra.NewMemoryOutboxStore(mem)
	}

	d.OutboxWriter = outbox.NewWriter(d.OutboxStore)
	d.Logger.Info("stores initialized", zap.String("driver", config.Store.Driver))
	return nil
}

// buildCollaborators wires the payment gateway, notifier and idempotency guard
func (d *Dependencies) buildCollaborators(ctx context.Context, config *Config) error {
	switch config.Payments.Provider {
	case PaymentsStripe:
		d.Gateway = infrastructure.NewStripeGateway(config.Payments.StripeSecretKey, config.Payments.DefaultPaymentMethod)
	default:
		d.Gateway = infrastructure.NewSimulatedGateway(config.Payments.DeclinedPlans)
	}

	switch config.Notifications.Driver {
	case NotificationsSQS:
		awsCfg, err := sharedinfra.LoadAWSConfig(ctx, d.awsSettings(config))
		if err != nil {
			return err
		}
		sqsClient := sharedinfra.NewSQSClient(awsCfg, config.AWS.EndpointSQS)
		d.Notifier = infrastructure.NewQueueNotifier(sharedinfra.NewSQSSender(sqsClient, config.AWS.SQSQueueURL))
	default:
		d.Notifier = infrastructure.NewLogNotifier(d.Logger.Named("notifier"))
	}

	switch config.Idempotency.Driver {
	case IdempotencyRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		d.closers = append(d.closers, namedCloser{"redis", client})
		if err := client.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "failed to ping redis")
		}
		d.Guard = idempotency.NewRedisGuard(client, config.Idempotency.Prefix, config.Idempotency.TTL)
	default:
		d.Guard = idempotency.NewMemoryGuard(config.Idempotency.TTL)
	}
	return nil
}

// buildEvents registers the in-process handlers and, when enabled, the
// SNS and Kafka relays for every subscription event type
func (d *Dependencies) buildEvents(ctx context.Context, config *Config) error {
	d.EventRegistry = events.NewRegistry()
	handlersList := []events.Handler{
		application.NewSubscriptionCreatedHandler(d.Logger.Named("handlers")),
		application.NewWelcomeEmailHandler(d.Notifier, d.Guard, d.Logger.Named("handlers")),
	}

	if config.AWS.SNSRelay {
		awsCfg, err := sharedinfra.LoadAWSConfig(ctx, d.awsSettings(config))
		if err != nil {
			return err
		}
		relay := sharedinfra.NewSNSRelay(sharedinfra.NewSNSClient(awsCfg, config.AWS.EndpointSNS), config.AWS.SNSTopicArn)
		for _, eventType := range events.SubscriptionEventTypes() {
			handlersList = append(handlersList, relay.Handler(eventType))
		}
	}

	if config.Kafka.Enabled {
		relay := sharedinfra.NewKafkaRelay(sharedinfra.NewKafkaWriter(config.Kafka.Brokers), config.Kafka.TopicPrefix)
		d.closers = append(d.closers, namedCloser{"kafka", relay})
		for _, eventType := range events.SubscriptionEventTypes() {
			handlersList = append(handlersList, relay.Handler(eventType))
		}
	}

	for _, h := range handlersList {
		if err := d.EventRegistry.Register(h); err != nil {
			return err
		}
	}
	d.Publisher = events.NewPublisher(d.EventRegistry, d.Logger.Named("events"))
	return nil
}

func (d *Dependencies) buildSagas() error {
	def, err := application.NewCreateSubscriptionSaga(application.SubscriptionSagaDependencies{
		Tx:       d.Tx,
		Repo:     d.SubscriptionRepository,
		Outbox:   d.OutboxWriter,
		Gateway:  d.Gateway,
		Notifier: d.Notifier,
		Guard:    d.Guard,
		Logger:   d.Logger,
	})
	if err != nil {
		return err
	}

	d.SagaRegistry = saga.NewRegistry()
	if err := d.SagaRegistry.Register(def); err != nil {
		return err
	}
	d.SagaRegistry.Seal()

	d.Orchestrator = saga.NewOrchestrator(d.SagaRegistry, d.SagaStore, d.Tx,
		saga.WithLogger(d.Logger.Named("saga")),
		saga.WithTelemetry(d.Telemetry),
	)
	return nil
}

func (d *Dependencies) buildHandlers() {
	logger := d.Logger.Named("application")
	d.SubscriptionHandlers = handlers.NewSubscriptionHandlers(handlers.UseCases{
		CreateSubscription: application.NewCreateSubscription(d.Tx, d.SubscriptionRepository, d.OutboxWriter, logger),
		GetSubscription:    application.NewGetSubscription(d.SubscriptionRepository),
		ListSubscriptions:  application.NewListUserSubscriptions(d.SubscriptionRepository),
		Activate:           application.NewActivateSubscription(d.Tx, d.SubscriptionRepository, d.OutboxWriter, logger),
		Pause:              application.NewPauseSubscription(d.Tx, d.SubscriptionRepository, d.OutboxWriter, logger),
		Renew:              application.NewRenewSubscription(d.Tx, d.SubscriptionRepository, d.OutboxWriter, logger),
		Cancel:             application.NewCancelSubscription(d.Tx, d.SubscriptionRepository, d.OutboxWriter, logger),
		StartSaga:          application.NewStartSubscriptionSaga(d.Orchestrator),
		SagaStatus:         application.NewGetSagaStatus(d.Orchestrator),
		OutboxAdmin:        application.NewOutboxAdmin(d.OutboxStore, d.Dispatcher),
	})
}

func (d *Dependencies) awsSettings(config *Config) sharedinfra.AWSSettings {
	return sharedinfra.AWSSettings{
		Region:          config.AWS.Region,
		AccessKeyID:     config.AWS.AccessKeyID,
		SecretAccessKey: config.AWS.SecretAccessKey,
		EndpointSNS:     config.AWS.EndpointSNS,
		EndpointSQS:     config.AWS.EndpointSQS,
	}
}

// Close closes all dependencies in reverse order of creation
func (d *Dependencies) Close() error {
	var errs []error

	for i := len(d.closers) - 1; i >= 0; i-- {
		c := d.closers[i]
		if err := c.closer.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "failed to close %s", c.name))
		}
	}
	d.closers = nil

	if d.TelemetryShutdown != nil {
		d.TelemetryShutdown()
		d.TelemetryShutdown = nil
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return errors.Errorf("errors closing dependencies: %v", errs)
	}
	return nil
}
