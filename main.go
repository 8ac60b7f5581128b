package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/localdirectory/guardian/alerts"
	"github.com/localdirectory/guardian/audit"
	"github.com/localdirectory/guardian/config"
	"github.com/localdirectory/guardian/database"
	"github.com/localdirectory/guardian/handlers"
	"github.com/localdirectory/guardian/kafka"
	"github.com/localdirectory/guardian/logger"
	"github.com/localdirectory/guardian/middleware"
	"github.com/localdirectory/guardian/proxy"
	"github.com/localdirectory/guardian/ratelimiter"
	"github.com/localdirectory/guardian/repository"
	"github.com/localdirectory/guardian/subscription"
)

const blockPurgeInterval = 10 * time.Minute

func main() {
	cfg := config.Load()

	log := logger.New(logger.Options{Env: cfg.AppEnv, Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pingers []handlers.Pinger

	var (
		db        *database.Database
		eventRepo *repository.SecurityEventRepository
		blockRepo *repository.BlockedIPRepository
		subStore  subscription.Store = subscription.NewMemoryStore()
		keys      *repository.APIKeyRepository
		archive   handlers.EventArchive
	)
	if cfg.PostgresDSN != "" {
		var err error
		db, err = database.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Warn("PostgreSQL connection failed, running without persistence", zap.Error(err))
		} else {
			if err := db.InitSchema(ctx); err != nil {
				log.Warn("schema initialization failed", zap.Error(err))
			}
			eventRepo = repository.NewSecurityEventRepository(db.Conn())
			blockRepo = repository.NewBlockedIPRepository(db.Conn())
			subStore = repository.NewSubscriptionRepository(db.Conn())
			keys = repository.NewAPIKeyRepository(db.Conn())
			archive = eventRepo
			pingers = append(pingers, handlers.Pinger{Name: "postgres", Ping: db.Ping})
			defer db.Close()
			log.Info("connected to PostgreSQL")
		}
	}

	var store ratelimiter.Store = ratelimiter.NewMemoryStore()
	if cfg.RateLimitStore == "redis" {
		redisStore := ratelimiter.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisStore.Ping(ctx); err != nil {
			log.Warn("Redis connection failed, using in-process rate limit store", zap.Error(err))
			redisStore.Close()
		} else {
			store = redisStore
			pingers = append(pingers, handlers.Pinger{Name: "redis", Ping: redisStore.Ping})
		}
	}

	dispatcher := alerts.NewDispatcher(
		alerts.ChannelsFromConfig(cfg.Alerts, &http.Client{Timeout: cfg.Alerts.DeliveryTimeout}),
		log,
		alerts.Options{
			QueueSize:       cfg.Alerts.QueueSize,
			Pacing:          cfg.Alerts.Pacing,
			DeliveryTimeout: cfg.Alerts.DeliveryTimeout,
		},
	)

	auditOpts := audit.OptionsFromConfig(cfg.Audit)
	if eventRepo != nil {
		auditOpts.Sink = eventRepo
		auditOpts.Resolver = eventRepo
	}
	if blockRepo != nil {
		auditOpts.Blocks = blockRepo
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, "guardian")
		defer producer.Close()
		auditOpts.Sink = producer

		if eventRepo != nil {
			consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID,
				kafka.NewArchiver(eventRepo, log), log)
			consumer.Start(ctx)
			defer consumer.Close()
		}
		log.Info("security events streaming to Kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	engine := audit.NewEngine(dispatcher, log, auditOpts)
	if n, err := engine.LoadBlocks(ctx); err != nil {
		log.Warn("could not restore ip blocks", zap.Error(err))
	} else if n > 0 {
		log.Info("restored ip blocks", zap.Int("count", n))
	}
	engine.Start(ctx)
	if blockRepo != nil {
		go purgeExpiredBlocks(ctx, blockRepo, log)
	}

	limiter := ratelimiter.New(store, engine, log)
	limiter.StartCleanup(ctx)
	defer limiter.Close()

	enforcer := subscription.NewEnforcer(subStore, engine, log, cfg.TrialDays)

	var backend http.Handler
	reverseProxy, err := proxy.NewReverseProxy(cfg.BackendURL, func(r *http.Request) (string, string) {
		ip := ""
		if rc := middleware.RequestFrom(r.Context()); rc != nil {
			ip = rc.IP
		}
		return middleware.GetUserID(r.Context()), ip
	}, log)
	if err != nil {
		log.Warn("failed to create reverse proxy", zap.String("backend", cfg.BackendURL), zap.Error(err))
	} else {
		backend = reverseProxy
	}

	var keyLookup middleware.KeyLookup
	var keyAdmin handlers.KeyManager
	if keys != nil {
		keyLookup, keyAdmin = keys, keys
	}

	trusted, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatal("invalid TRUSTED_PROXIES", zap.Error(err))
	}

	router := handlers.NewRouter(handlers.Deps{
		Engine:      engine,
		Limiter:     limiter,
		Dispatcher:  dispatcher,
		Enforcer:    enforcer,
		Archive:     archive,
		Keys:        keyLookup,
		KeyAdmin:    keyAdmin,
		Requests:    middleware.NewRequestLogStore(200),
		Pingers:     pingers,
		Backend:     backend,
		JWTSecret:   cfg.JWTSecret,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      log,

		TrustedProxies: trusted,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting security gate", zap.String("port", cfg.ServerPort), zap.String("backend", cfg.BackendURL))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	engine.Flush()
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Warn("alert queue not drained", zap.Error(err))
	}
	cancel()

	log.Info("server exited")
}

func purgeExpiredBlocks(ctx context.Context, repo *repository.BlockedIPRepository, log *zap.Logger) {
	ticker := time.NewTicker(blockPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.PurgeExpired(ctx, time.Now())
			if err != nil {
				log.Warn("expired block purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Debug("purged expired ip blocks", zap.Int64("count", n))
			}
		}
	}
}
