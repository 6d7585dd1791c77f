package app

import (
	"context"
	"fmt"

	"github.com/tomkendall/shutterwell/internal/audit"
	"github.com/tomkendall/shutterwell/internal/blob"
	"github.com/tomkendall/shutterwell/internal/cache"
	"github.com/tomkendall/shutterwell/internal/config"
	"github.com/tomkendall/shutterwell/internal/database"
	"github.com/tomkendall/shutterwell/internal/httpapi"
	"github.com/tomkendall/shutterwell/internal/images"
	"github.com/tomkendall/shutterwell/internal/logging"
	"github.com/tomkendall/shutterwell/internal/pipeline"
	"github.com/tomkendall/shutterwell/internal/queue"
	"github.com/tomkendall/shutterwell/internal/validation"
)

// App holds all application dependencies
type App struct {
	Config     *config.Config
	Logger     *logging.Logger
	Cache      cache.Cache
	Blobs      blob.Store
	ImageSvc   *images.Service
	Pipeline   *pipeline.Pipeline
	HTTPServer *httpapi.Server

	db          *database.DB
	recordStore *database.ImageRecordStore
	auditSink   audit.Sink
	guard       pipeline.Guard
	memQueue    *queue.MemoryDispatcher
	natsQueue   *queue.NATSDispatcher
}

// New creates and initializes a new App instance
func New(cfg *config.Config) (*App, error) {
	app := &App{Config: cfg}

	app.Logger = app.initLogger()
	app.initCache()

	if err := app.initDatabase(); err != nil {
		return nil, err
	}
	if err := app.initBlobs(); err != nil {
		return nil, err
	}
	app.initAudit()
	app.initPipeline()
	if err := app.initQueue(); err != nil {
		return nil, err
	}

	validator := validation.NewValidator(app.uploadLimits())

	var dispatcher queue.Dispatcher
	if app.natsQueue != nil {
		dispatcher = app.natsQueue
	} else {
		dispatcher = app.memQueue
	}

	app.ImageSvc = images.NewService(validator, app.recordStore, app.Blobs, dispatcher, app.auditSink, app.Cache, app.Logger)
	app.HTTPServer = httpapi.New(app.ImageSvc, app.Logger)

	return app, nil
}

// RunServer starts the HTTP server. With the in-process queue backend the
// processing worker runs inside the same process.
func (a *App) RunServer(ctx context.Context) error {
	if a.memQueue != nil {
		a.memQueue.Start(ctx)
		a.Logger.Info("in-process variant worker started")
	}

	a.Logger.Info("Starting HTTP server", logging.WithField("addr", a.Config.Server.HTTPAddr))
	return a.HTTPServer.Start(a.Config.Server.HTTPAddr)
}

// RunWorker consumes the processing queue until the context is cancelled.
// Requires the NATS queue backend.
func (a *App) RunWorker(ctx context.Context) error {
	if a.natsQueue == nil {
		return fmt.Errorf("worker mode requires queue backend %q", "nats")
	}

	if err := a.natsQueue.Subscribe(ctx, a.Pipeline); err != nil {
		return fmt.Errorf("subscribe processing queue: %w", err)
	}

	<-ctx.Done()
	return a.natsQueue.Close()
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown(ctx context.Context) error {
	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error("HTTP server shutdown error", logging.WithField("error", err.Error()))
		}
	}

	if a.memQueue != nil {
		a.memQueue.Stop()
	}
	if a.natsQueue != nil {
		if err := a.natsQueue.Close(); err != nil {
			a.Logger.Error("Queue close error", logging.WithField("error", err.Error()))
		}
	}

	if closer, ok := a.auditSink.(*audit.NATSSink); ok {
		closer.Close()
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.Logger.Error("Database close error", logging.WithField("error", err.Error()))
		}
	}

	return nil
}

func (a *App) initLogger() *logging.Logger {
	level := logging.LevelInfo
	switch a.Config.Logging.Level {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	}
	return logging.New(level)
}

func (a *App) initCache() {
	switch a.Config.Cache.Backend {
	case "redis":
		a.Logger.Info("Using Redis cache backend", logging.WithField("addr", a.Config.Cache.RedisAddr))
		redisCache, err := cache.NewRedis(cache.RedisConfig{
			Addr:   a.Config.Cache.RedisAddr,
			Prefix: "shutterwell:",
		}, a.Config.Cache.TTL)
		if err != nil {
			a.Logger.Error("Failed to connect to Redis, falling back to memory cache", logging.WithField("error", err.Error()))
			a.Cache = cache.NewMemory(a.Config.Cache.TTL)
			a.guard = pipeline.NopGuard{}
			return
		}
		a.Cache = redisCache
		a.guard = pipeline.NewRedisGuard(redisCache.Client(), a.Config.Pipeline.GuardTTL)
		a.Logger.Info("Using Redis processing guard")
	default:
		a.Logger.Info("Using in-memory cache backend")
		a.Cache = cache.NewMemory(a.Config.Cache.TTL)
		a.guard = pipeline.NopGuard{}
	}
}

func (a *App) initDatabase() error {
	dbCfg := database.DefaultConfig()
	dbCfg.Host = a.Config.Database.Host
	dbCfg.Port = a.Config.Database.Port
	dbCfg.User = a.Config.Database.User
	dbCfg.Password = a.Config.Database.Password
	dbCfg.Database = a.Config.Database.Database
	dbCfg.SSLMode = a.Config.Database.SSLMode

	db, err := database.New(dbCfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return fmt.Errorf("run migrations: %w", err)
	}

	a.db = db
	a.recordStore = database.NewImageRecordStore(db)
	a.Logger.Info("Connected to PostgreSQL")
	return nil
}

func (a *App) initBlobs() error {
	switch a.Config.Blob.Backend {
	case "minio":
		store, err := blob.NewMinioStore(context.Background(), blob.MinioConfig{
			Endpoint:  a.Config.Blob.Endpoint,
			AccessKey: a.Config.Blob.AccessKey,
			SecretKey: a.Config.Blob.SecretKey,
			Bucket:    a.Config.Blob.Bucket,
			UseSSL:    a.Config.Blob.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("connect to blob storage: %w", err)
		}
		a.Blobs = store
		a.Logger.Info("Using MinIO blob backend", logging.WithField("bucket", a.Config.Blob.Bucket))
	case "memory":
		a.Blobs = blob.NewMemoryStore()
		a.Logger.Warn("Using in-memory blob backend; uploads will not survive a restart")
	default:
		store, err := blob.NewLocalStore(a.Config.Blob.Path)
		if err != nil {
			return fmt.Errorf("open local blob storage: %w", err)
		}
		a.Blobs = store
		a.Logger.Info("Using local blob backend", logging.WithField("path", a.Config.Blob.Path))
	}
	return nil
}

func (a *App) initAudit() {
	if a.Config.Audit.Backend == "nats" {
		sink, err := audit.NewNATSSink(a.Config.Audit.NATSURL, a.Config.Audit.Stream, a.Config.Audit.Subject, a.Logger)
		if err != nil {
			a.Logger.Error("Failed to connect audit sink, falling back to log sink", logging.WithField("error", err.Error()))
			a.auditSink = audit.NewLoggerSink(a.Logger)
			return
		}
		a.auditSink = sink
		a.Logger.Info("Using NATS audit sink", logging.WithField("subject", a.Config.Audit.Subject))
		return
	}
	a.auditSink = audit.NewLoggerSink(a.Logger)
}

func (a *App) initPipeline() {
	a.Pipeline = pipeline.New(a.recordStore, a.Blobs, a.guard, a.auditSink, pipeline.Config{
		MaxAttempts: a.Config.Pipeline.MaxAttempts,
		StaleAfter:  a.Config.Pipeline.StaleAfter,
	}, a.Logger)
}

func (a *App) initQueue() error {
	if a.Config.Queue.Backend == "nats" {
		dispatcher, err := queue.NewNATSDispatcher(queue.NATSConfig{
			URL:        a.Config.Queue.NATSURL,
			Stream:     a.Config.Queue.Stream,
			Subject:    a.Config.Queue.Subject,
			Consumer:   a.Config.Queue.Consumer,
			MaxDeliver: a.Config.Queue.MaxDeliver,
			BaseDelay:  a.Config.Queue.BaseDelay,
		}, a.Logger)
		if err != nil {
			return fmt.Errorf("connect to processing queue: %w", err)
		}
		a.natsQueue = dispatcher
		a.Logger.Info("Using NATS queue backend", logging.WithField("subject", a.Config.Queue.Subject))
		return nil
	}

	a.memQueue = queue.NewMemoryDispatcher(a.Pipeline, a.Config.Queue.MaxDeliver, a.Config.Queue.BaseDelay, a.Logger)
	a.Logger.Info("Using in-process queue backend")
	return nil
}

func (a *App) uploadLimits() validation.Limits {
	limits := validation.DefaultLimits()
	if a.Config.Upload.MaxSizeBytes > 0 {
		limits.MaxSizeBytes = a.Config.Upload.MaxSizeBytes
	}
	if a.Config.Upload.MaxDimension > 0 {
		limits.MaxDimension = a.Config.Upload.MaxDimension
	}
	return limits
}
