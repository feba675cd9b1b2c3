// Package app wires the engine from configuration. The API, the worker and
// zmoothctl all build the same graph and differ only in what they start.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/zmooth/zmooth-api/internal/config"
	"github.com/zmooth/zmooth-api/internal/domain/archive"
	"github.com/zmooth/zmooth-api/internal/domain/catalog"
	"github.com/zmooth/zmooth-api/internal/domain/entitlement"
	"github.com/zmooth/zmooth-api/internal/domain/events"
	"github.com/zmooth/zmooth-api/internal/domain/ledger"
	"github.com/zmooth/zmooth-api/internal/domain/nas"
	"github.com/zmooth/zmooth-api/internal/domain/nas/nastest"
	"github.com/zmooth/zmooth-api/internal/domain/payment"
	"github.com/zmooth/zmooth-api/internal/domain/realtime"
	"github.com/zmooth/zmooth-api/internal/domain/session"
	"github.com/zmooth/zmooth-api/internal/domain/sweeper"
	"github.com/zmooth/zmooth-api/internal/domain/wallet"
	"github.com/zmooth/zmooth-api/internal/pkg/database"
	"github.com/zmooth/zmooth-api/internal/pkg/mikrotik"
	"github.com/zmooth/zmooth-api/internal/pkg/mpesa"
	"github.com/zmooth/zmooth-api/internal/pkg/storage"
)

// App holds the wired engine
type App struct {
	Config *config.Config

	DB    *sqlx.DB
	Redis *redis.Client

	Store    ledger.Store
	Queue    nas.Queue
	Adapter  nas.Adapter
	Enforcer *nas.Enforcer
	Hub      *realtime.Hub
	Events   events.Publisher

	Activator *entitlement.Activator
	Sessions  *session.Manager
	Sweeper   *sweeper.Sweeper
	Wallets   *wallet.Service
	Payments  *payment.Service

	closers []func()
}

// New connects the backing services and builds every component
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{Config: cfg}
	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Hub = realtime.NewHub(a.Redis)
	publishers := events.Multi{a.Hub}
	if cfg.NATSURL != "" {
		natsPub, err := events.NewNATSPublisher(ctx, cfg.NATSURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, natsPub.Close)
		publishers = append(publishers, natsPub)
	}
	a.Events = publishers

	a.Adapter = newAdapter(cfg)
	a.Enforcer = nas.NewEnforcer(a.Adapter, a.Queue, cfg.NASTimeout)
	a.Activator = entitlement.NewActivator(a.Store, a.Enforcer, a.Events)
	a.Sessions = session.NewManager(a.Store, a.Enforcer, a.Events)
	a.Sweeper = sweeper.New(a.Store, a.Sessions, a.Enforcer, a.Events)
	a.Wallets = wallet.NewService(a.Store)

	refs, err := payment.NewReferenceGenerator(cfg.MachineID)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Payments = payment.NewService(a.Store, a.Activator, newGateway(cfg), refs, a.Events).
		WithTimeout(cfg.PaymentTimeout)

	if cfg.CatalogFile != "" {
		plans, err := catalog.LoadFile(cfg.CatalogFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := catalog.Sync(ctx, a.Store, plans); err != nil {
			a.Close()
			return nil, err
		}
	}

	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config

	switch cfg.LedgerDriver {
	case "memory":
		log.Warn().Msg("Using the in-memory ledger, state is lost on restart")
		a.Store = ledger.NewMemoryStore()
	default:
		db, err := database.NewPostgres(cfg.DatabaseURL, database.DefaultPoolConfig())
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		a.DB = db
		a.closers = append(a.closers, func() { database.ClosePostgres(db) })
		if cfg.AutoMigrate {
			if err := database.Migrate(db, ledger.Migrations, "migrations"); err != nil {
				return err
			}
		}
		a.Store = ledger.NewRepository(db)
	}

	client, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if client != nil {
		a.Redis = client
		a.closers = append(a.closers, func() { database.CloseRedis(client) })
		a.Queue = nas.NewRedisQueue(client, cfg.NASQueueKey)
	} else {
		log.Warn().Msg("NAS retry queue is in memory, queued jobs are lost on restart")
		a.Queue = nas.NewMemoryQueue()
	}
	return nil
}

func newAdapter(cfg *config.Config) nas.Adapter {
	if !cfg.MikrotikEnabled() {
		log.Warn().Msg("MIKROTIK_URL not set, NAS calls are only recorded in memory")
		return nastest.NewAdapter()
	}
	client := mikrotik.NewClient(mikrotik.Config{
		BaseURL:            cfg.MikrotikURL,
		Username:           cfg.MikrotikUser,
		Password:           cfg.MikrotikPassword,
		Timeout:            cfg.NASTimeout,
		InsecureSkipVerify: cfg.MikrotikInsecure,
	})
	secret := cfg.HotspotUserSecret
	if secret == "" {
		secret = cfg.JWTSecret
	}
	return nas.NewMikrotikAdapter(client, secret)
}

func newGateway(cfg *config.Config) payment.Gateway {
	if !cfg.MpesaEnabled() {
		log.Warn().Msg("M-Pesa credentials not set, push payments are disabled")
		return payment.NoGateway{}
	}
	baseURL := cfg.MpesaBaseURL
	if baseURL == "" {
		baseURL = mpesa.SandboxURL
		if cfg.MpesaEnvironment == "production" {
			baseURL = mpesa.ProductionURL
		}
	}
	return payment.NewMpesaGateway(mpesa.NewClient(mpesa.Config{
		BaseURL:        baseURL,
		ConsumerKey:    cfg.MpesaConsumerKey,
		ConsumerSecret: cfg.MpesaConsumerSecret,
		ShortCode:      cfg.MpesaShortCode,
		PassKey:        cfg.MpesaPassKey,
		CallbackURL:    cfg.MpesaCallbackURL,
		Timeout:        cfg.PaymentTimeout,
	}))
}

// Dispatcher builds the NAS retry loop
func (a *App) Dispatcher() *nas.Dispatcher {
	return nas.NewDispatcher(a.Enforcer, a.Queue, a.Activator, nas.DispatcherConfig{
		Interval:    a.Config.NASRetryInterval,
		MaxAttempts: a.Config.NASMaxAttempts,
	})
}

// SweepWorker builds the periodic expiry sweeper
func (a *App) SweepWorker() *sweeper.Worker {
	return sweeper.NewWorker(a.Sweeper, a.Sessions, a.Config.SweepInterval, a.Config.ReconcileEvery)
}

// Poller builds the pending push payment poller
func (a *App) Poller() *payment.Poller {
	return payment.NewPoller(a.Payments, payment.PollerConfig{
		Interval: a.Config.PaymentPollInterval,
		Abandon:  a.Config.PaymentAbandonAfter,
	})
}

// ErrArchiveDisabled is returned when no archive target is configured
var ErrArchiveDisabled = errors.New("usage archive is not configured")

// Archiver builds the usage archive exporter for the configured target
func (a *App) Archiver(ctx context.Context) (*archive.Exporter, error) {
	objects, err := a.objectStorage(ctx)
	if err != nil {
		return nil, err
	}
	return archive.NewExporter(a.Store, objects, archive.Config{Interval: a.Config.ArchiveInterval}), nil
}

func (a *App) objectStorage(ctx context.Context) (storage.Storage, error) {
	cfg := a.Config
	switch {
	case cfg.R2AccountID != "":
		return storage.NewS3Storage(ctx, storage.Config{
			R2AccountID: cfg.R2AccountID,
			AccessKey:   cfg.R2AccessKeyID,
			SecretKey:   cfg.R2AccessKeySecret,
			Bucket:      cfg.R2BucketName,
		})
	case cfg.S3Bucket != "":
		return storage.NewS3Storage(ctx, storage.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
		})
	case cfg.ArchiveDir != "":
		return storage.NewLocalStorage(os.ExpandEnv(cfg.ArchiveDir))
	}
	return nil, ErrArchiveDisabled
}

// Close releases connections in reverse order
func (a *App) Close() {
	if a.Hub != nil {
		a.Hub.Shutdown()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
