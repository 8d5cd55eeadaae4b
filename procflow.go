package procflow

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/appforge/procflow/internal/bus"
	"github.com/appforge/procflow/internal/domain"
	"github.com/appforge/procflow/internal/engine"
	"github.com/appforge/procflow/internal/persistence"
	"github.com/appforge/procflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Bus             = api.Bus
	Handler         = api.Handler
	EventEnvelope   = api.EventEnvelope
	NackReason      = api.NackReason
	DeadLetterEntry = api.DeadLetterEntry
	ConsumerStatus  = api.ConsumerStatus
	PublishOptions  = api.PublishOptions
	ReplayOptions   = api.ReplayOptions

	ProcessSpec     = api.ProcessSpec
	StepSpec        = api.StepSpec
	StepKind        = api.StepKind
	ProcessRun      = api.ProcessRun
	ProcessTask     = api.ProcessTask
	Schedule        = api.Schedule
	EntityMeta      = api.EntityMeta
	RunStatus       = api.RunStatus
	TaskStatus      = api.TaskStatus
	RunListOptions  = api.RunListOptions
	TaskListOptions = api.TaskListOptions
	StartOptions    = api.StartOptions

	Observer             = api.Observer
	NoopObserver         = api.NoopObserver
	LoggingObserver      = api.LoggingObserver
	CompositeObserver    = api.CompositeObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot

	Orchestrator        = engine.Orchestrator
	Options             = engine.Options
	Registry            = engine.Registry
	ServiceHandler      = engine.ServiceHandler
	CompensationHandler = engine.CompensationHandler

	Store        = persistence.Store
	EntityClient = domain.Client
	Record       = domain.Record
)

// Re-export common helpers.

var (
	NewEnvelope          = api.NewEnvelope
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status and step-kind values for convenience.

const (
	RunPending      = api.RunPending
	RunRunning      = api.RunRunning
	RunWaiting      = api.RunWaiting
	RunSuspended    = api.RunSuspended
	RunCompensating = api.RunCompensating
	RunCompleted    = api.RunCompleted
	RunFailed       = api.RunFailed
	RunCancelled    = api.RunCancelled

	TaskPending   = api.TaskPending
	TaskAssigned  = api.TaskAssigned
	TaskEscalated = api.TaskEscalated
	TaskExpired   = api.TaskExpired
	TaskCompleted = api.TaskCompleted
	TaskCancelled = api.TaskCancelled

	StepService   = api.StepService
	StepHumanTask = api.StepHumanTask
	StepWait      = api.StepWait
	StepSend      = api.StepSend
	StepQuery     = api.StepQuery
	StepForeach   = api.StepForeach
)

// Orchestrator constructors
// These wrap the internal/engine package so external callers never need to
// import internal packages.

// New creates an Orchestrator from explicit options.
func New(opts Options) (*Orchestrator, error) {
	return engine.New(opts)
}

// NewInMemoryOrchestrator returns an Orchestrator backed entirely by
// in-memory state, executing runs on an in-process worker pool.
func NewInMemoryOrchestrator() (*Orchestrator, error) {
	return engine.New(Options{Store: persistence.NewInMemoryStore()})
}

// NewSQLiteOrchestrator returns an Orchestrator persisting to SQLite.
func NewSQLiteOrchestrator(db *sql.DB) (*Orchestrator, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return engine.New(Options{Store: store})
}

// NewPostgresOrchestrator returns an Orchestrator persisting to PostgreSQL.
func NewPostgresOrchestrator(db *sql.DB) (*Orchestrator, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return engine.New(Options{Store: store})
}

// NewMongoOrchestrator returns an Orchestrator persisting to MongoDB.
func NewMongoOrchestrator(ctx context.Context, client *mongo.Client, dbName string) (*Orchestrator, error) {
	store, err := persistence.NewMongoStore(ctx, client, dbName)
	if err != nil {
		return nil, err
	}
	return engine.New(Options{Store: store})
}

// Store constructors

// NewInMemoryStore returns a Store holding everything in process memory.
func NewInMemoryStore() Store {
	return persistence.NewInMemoryStore()
}

// NewSQLiteStore returns a Store backed by a SQLite database.
func NewSQLiteStore(db *sql.DB) (Store, error) {
	return persistence.NewSQLiteStore(db)
}

// NewPostgresStore returns a Store backed by a PostgreSQL database.
func NewPostgresStore(db *sql.DB) (Store, error) {
	return persistence.NewPostgresStore(db)
}

// NewMongoStore returns a Store backed by a MongoDB database.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (Store, error) {
	return persistence.NewMongoStore(ctx, client, dbName)
}

// Bus constructors

// Bus tuning knobs, re-exported from internal/bus.
type (
	RedisBusOptions = bus.RedisBusOptions
	KafkaBusOptions = bus.KafkaBusOptions
)

// NewSQLiteBus returns a durable Bus stored in a SQLite database. Publishes
// may join caller transactions on the same database.
func NewSQLiteBus(db *sql.DB, logger *slog.Logger) (Bus, error) {
	return bus.NewSQLiteBus(db, logger)
}

// NewPostgresBus returns a durable Bus stored in a PostgreSQL database,
// supporting competing pollers across processes.
func NewPostgresBus(db *sql.DB, logger *slog.Logger) (Bus, error) {
	return bus.NewPostgresBus(db, logger)
}

// NewRedisBus returns a Bus built on Redis Streams consumer groups.
func NewRedisBus(client *redis.Client, logger *slog.Logger, opts ...RedisBusOptions) Bus {
	return bus.NewRedisBus(client, logger, opts...)
}

// NewKafkaBus returns a Bus built on Kafka consumer groups.
func NewKafkaBus(brokers []string, logger *slog.Logger, opts ...KafkaBusOptions) Bus {
	return bus.NewKafkaBus(brokers, logger, opts...)
}

// NewMemoryEntityClient returns an in-process entity backend validating
// against the metadata registered in the store.
func NewMemoryEntityClient(store Store, logger *slog.Logger) EntityClient {
	return domain.NewMemoryClient(store, logger)
}
