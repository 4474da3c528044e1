package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/PowerLink/config"
	"github.com/sifan077/PowerLink/internal/app/hook"
	"github.com/sifan077/PowerLink/internal/app/ipc"
	appmodel "github.com/sifan077/PowerLink/internal/app/model"
	apprepository "github.com/sifan077/PowerLink/internal/app/repository"
	"github.com/sifan077/PowerLink/internal/app/resource"
	appserver "github.com/sifan077/PowerLink/internal/app/server"
	appservice "github.com/sifan077/PowerLink/internal/app/service"
	inthttp "github.com/sifan077/PowerLink/internal/http/handler"
	"github.com/sifan077/PowerLink/internal/http/middleware"
	"github.com/sifan077/PowerLink/internal/infra/logger"
	infraNATS "github.com/sifan077/PowerLink/internal/infra/nats"
	infraPostgres "github.com/sifan077/PowerLink/internal/infra/postgres"
	infraPrometheus "github.com/sifan077/PowerLink/internal/infra/prometheus"
	infraRedis "github.com/sifan077/PowerLink/internal/infra/redis"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 10 * time.Second
	joinTimeout     = 5 * time.Second
	standaloneID    = "1"
)

func main() {
	ctx := context.Background()

	logCfg := logger.FromEnv("powerlink")
	log := logger.MustInit(logCfg)
	defer func() { _ = logger.Sync() }()

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	log.Info("Configuration loaded successfully",
		zap.String("addr", cfg.Server.Addr),
		zap.String("link_path", cfg.Server.LinkPath),
		zap.String("postgres_host", cfg.Postgres.Host),
		zap.String("postgres_db", cfg.Postgres.Database),
		zap.String("redis_host", cfg.Redis.Host),
		zap.String("nats_host", cfg.NATS.Host),
		zap.Bool("cluster", cfg.Cluster.Enabled),
		zap.Bool("strict_opens", cfg.Link.StrictOpens),
	)

	gormDB, err := infraPostgres.NewGorm(cfg.Postgres, log)
	if err != nil {
		log.Fatal("Failed to open GORM connection", zap.Error(err))
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		log.Fatal("Failed to access underlying SQL DB", zap.Error(err))
	}
	defer sqlDB.Close()

	if err := infraPostgres.AutoMigrate(ctx, gormDB, &appmodel.Link{}, &appmodel.LinkEvent{}); err != nil {
		log.Fatal("Failed to run database migrations", zap.Error(err))
	}

	pool, err := infraPostgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := infraPostgres.EnsureLinkIndexes(ctx, pool); err != nil {
		log.Fatal("Failed to create link indexes", zap.Error(err))
	}
	log.Info("Connected to Postgres successfully")

	var redisClient *redis.Client
	if client, err := infraRedis.NewClient(ctx, cfg.Redis); err != nil {
		log.Warn("Redis unavailable, link rate limiting disabled", zap.Error(err))
	} else {
		redisClient = client
		defer redisClient.Close()
		log.Info("Connected to Redis successfully")
	}

	// Join the worker cluster, or run standalone on an in-process hub.
	var (
		messenger ipc.Messenger
		js        nats.JetStreamContext
		workerID  = cfg.Cluster.WorkerID
	)
	if cfg.Cluster.Enabled {
		natsConn, jetStream, err := infraNATS.Connect(cfg.NATS, "powerlink", log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer natsConn.Drain()
		js = jetStream

		bus := infraNATS.NewBus(natsConn, cfg.Cluster.SubjectPrefix, log)
		if cfg.Cluster.Primary {
			if err := bus.ServeQueries(ipc.NewWorkerAssigner().Handle); err != nil {
				log.Fatal("Failed to serve primary queries", zap.Error(err))
			}
		}
		if workerID == "" {
			joinCtx, cancel := context.WithTimeout(ctx, joinTimeout)
			workerID, err = ipc.RequestWorkerID(joinCtx, bus)
			cancel()
			if err != nil {
				log.Fatal("Failed to obtain worker id", zap.Error(err))
			}
		}
		if err := bus.Start(workerID); err != nil {
			log.Fatal("Failed to join worker cluster", zap.Error(err))
		}
		defer bus.Close()
		messenger = bus
	} else {
		if workerID == "" {
			workerID = standaloneID
		}
		hub := ipc.NewLocalHub()
		hub.ServeQueries(ipc.NewWorkerAssigner().Handle)
		messenger = hub.Join(workerID)
	}

	log = logger.ForWorker(workerID)
	log.Info("Worker started", zap.String("worker_id", workerID))

	promServer := infraPrometheus.NewServer(cfg.Prometheus)
	go func() {
		log.Info("Starting Prometheus metrics server", zap.Int("port", cfg.Prometheus.Port))
		if err := promServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Prometheus metrics server stopped unexpectedly", zap.Error(err))
		}
	}()
	defer func() {
		if err := promServer.Close(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("Failed to close Prometheus server", zap.Error(err))
		}
	}()

	linkStore := apprepository.NewLinkStore(gormDB)
	linkEvents := apprepository.NewLinkEventRepository(gormDB)
	linkService := appservice.NewLinkService(appservice.NewCodeGenerator(), log)

	var events inthttp.EventPublisher
	if cfg.Link.AuditEvents && js != nil {
		if err := appservice.EnsureStream(js); err != nil {
			log.Fatal("Failed to create link event stream", zap.Error(err))
		}
		events = appservice.NewLinkEventPublisher(js)

		consumer := appservice.NewLinkEventConsumer(js, log, linkEvents)
		if err := consumer.Start(); err != nil {
			log.Fatal("Failed to start link event consumer", zap.Error(err))
		}
		defer consumer.Stop()
	}

	reaper := appservice.NewLinkReaper(log, apprepository.NewLinkSweeper(pool), cfg.Link.ReapInterval)
	reaper.Start()
	defer reaper.Stop()

	library := resource.NewLibrary(log)
	hooks := hook.NewCoordinator(hook.Deps{
		Library:        library,
		Messenger:      messenger,
		Logger:         log,
		DefaultTimeout: cfg.Hook.DefaultTimeout,
	})

	server := appserver.New(appserver.Dependencies{
		Logger:      log,
		Postgres:    pool,
		Redis:       redisClient,
		Library:     library,
		Links:       linkStore,
		LinkService: linkService,
		LinkEvents:  linkEvents,
		Events:      events,
		Hooks:       hooks,
		WorkerID:    workerID,
		LinkPath:    cfg.Server.LinkPath,
		StrictOpens: cfg.Link.StrictOpens,
		RateLimit: middleware.RateLimitConfig{
			MaxRequests: cfg.Link.RateLimit,
			Window:      cfg.Link.RateLimitWindow,
		},
	})

	go func() {
		if err := server.Listen(cfg.Server.Addr); err != nil {
			log.Fatal("Fiber server exited", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	hooks.Close(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("Failed to shut down HTTP server", zap.Error(err))
	}
}
