package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"shopflow/internal/addevent"
	"shopflow/internal/config"
	"shopflow/internal/dedup"
	"shopflow/internal/janitor"
	"shopflow/internal/ledger"
	"shopflow/internal/log"
	"shopflow/internal/mailer"
	"shopflow/internal/metrics"
	"shopflow/internal/orders"
	"shopflow/internal/queue"
	"shopflow/internal/removal"
	"shopflow/internal/retry"
	"shopflow/internal/server"
	"shopflow/internal/shopify"
	"shopflow/internal/worker"
	"shopflow/internal/workshop"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalw("Failed to load config", "error", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalw("Failed to open database", "error", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatalw("Failed to connect to database", "error", err)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatalw("Failed to connect to Redis", "error", err)
		}
		defer redisClient.Close()
	}

	jobStore := queue.NewStore(db, logger)
	actionLedger := ledger.New(db, logger)
	orderStore := orders.NewStore(db, logger)
	removalStore := removal.NewStore(db, logger)
	workshopStore := workshop.NewStore(db, logger)
	shopifyClient := shopify.NewClient(db, cfg.ShopifyAPIVersion, logger)
	mail := mailer.NewPostmark(db, cfg.PostmarkServerToken, cfg.PostmarkAccountToken, cfg.MailFrom, logger)

	calendars := removal.Calendars{
		NorthernID:       cfg.NorthernCalendarID,
		SouthernID:       cfg.SouthernCalendarID,
		NorthernVariants: cfg.NorthernVariantIDs,
		SouthernVariants: cfg.SouthernVariantIDs,
	}
	calendarClient := addevent.NewClient(cfg.AddEventAPIKey, logger)
	snapshots := removal.NewSnapshots(db, calendars, calendarClient, cfg.SnapshotTTL, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for _, ensure := range []func(context.Context) error{
		jobStore.EnsureSchema,
		actionLedger.EnsureSchema,
		orderStore.EnsureSchema,
		removalStore.EnsureSchema,
		workshopStore.EnsureSchema,
		snapshots.EnsureSchema,
		shopifyClient.EnsureSchema,
		mail.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			logger.Fatalw("Failed to ensure schema", "error", err)
		}
	}

	removalProcessor := removal.NewProcessor(
		removalStore, jobStore, snapshots, shopifyClient, calendarClient, calendars, logger)
	orderProcessor := orders.NewProcessor(
		orderStore, shopifyClient, mail, actionLedger, workshopStore, logger)
	notifier := workshop.NewNotifier(workshopStore, mail, logger)

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.MaxAttempts
	removalPolicy := retry.RemovalPolicy()
	removalPolicy.MaxAttempts = cfg.MaxAttempts

	pool := worker.NewPool(jobStore, map[string]worker.Handler{
		orders.KindOrderPaid:       orderProcessor.Handle,
		removal.KindMonthlyRemoval: removalProcessor.Handle,
	}, worker.Config{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.PollInterval,
		Policy:       policy,
		Policies: map[string]retry.Policy{
			removal.KindMonthlyRemoval: removalPolicy,
		},
		WorkerID: cfg.WorkerID,
	}, logger)
	pool.Start(ctx)
	defer pool.Stop()

	sweep := janitor.New(jobStore, cfg.JanitorLockTimeout, cfg.JanitorInterval, logger)
	if sweep.Enabled() {
		go sweep.Run(ctx)
	}

	jobMetrics := metrics.NewJobMetrics(jobStore, pool, cfg.MetricsAddr, logger)
	go jobMetrics.Run(ctx)

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, server.Deps{
		DB:       db,
		Redis:    redisClient,
		Store:    jobStore,
		Pool:     pool,
		Ledger:   actionLedger,
		Removals: removalProcessor,
		Subs:     removalStore,
		Notifier: notifier,
		Settings: workshopStore,
		Guard:    dedup.New(redisClient, 0, logger),
	})
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatalw("Failed to load TLS certificates", "error", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warnw("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Infow("Server starting with TLS", "addr", cfg.ListenAddr)
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatalw("Server failed", "error", err)
			}
		} else {
			logger.Infow("Server starting without TLS", "addr", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatalw("Server failed", "error", err)
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Errorw("Server shutdown failed", "error", err)
	}
}
