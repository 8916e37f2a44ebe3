// Command server runs the webhook relay: it loads configuration, opens
// the Subscription Store and Disk Queue, starts the Delivery Worker
// pool and Cleanup Scheduler, and serves the HTTP Surface until a
// termination signal is received.
package main

import (
	"context"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/webhook-relay/internal/api"
	"github.com/kenneth/webhook-relay/internal/audit"
	"github.com/kenneth/webhook-relay/internal/cleanup"
	"github.com/kenneth/webhook-relay/internal/config"
	"github.com/kenneth/webhook-relay/internal/metrics"
	"github.com/kenneth/webhook-relay/internal/middleware"
	"github.com/kenneth/webhook-relay/internal/push"
	"github.com/kenneth/webhook-relay/internal/queue"
	"github.com/kenneth/webhook-relay/internal/ratelimit"
	"github.com/kenneth/webhook-relay/internal/store"
	"github.com/kenneth/webhook-relay/internal/tracing"
	"github.com/kenneth/webhook-relay/internal/worker"

	"github.com/redis/go-redis/v9"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to an optional YAML config overlay")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("server: loading configuration")
	}

	ctx := context.Background()
	shutdownTracing, err := tracing.Init(ctx, "webhook-relay")
	if err != nil {
		logger.WithError(err).Fatal("server: initializing tracing")
	}
	defer shutdownTracing(ctx)

	watcher, err := config.NewWatcher(cfg, *configPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("server: starting config watcher")
	}
	defer watcher.Close()

	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector()

	auditLogger := audit.NewLogger(1000)
	defer auditLogger.Close()

	st, err := store.Open(cfg.DBPath, cfg)
	if err != nil {
		logger.WithError(err).Fatal("server: opening subscription store")
	}
	defer st.Close()

	q, err := queue.Open(cfg.QueueDBPath, cfg.QueueMaxBytes)
	if err != nil {
		logger.WithError(err).Fatal("server: opening disk queue")
	}
	defer q.Close()

	limiter := buildLimiter(cfg, logger)

	vapid, err := push.NewVAPIDSigner(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, "mailto:admin@"+hostOnly(cfg.PublicBaseURL))
	if err != nil {
		logger.WithError(err).Fatal("server: constructing VAPID signer")
	}
	dispatcher := push.NewDispatcher(vapid)

	pool := worker.New(q, st, dispatcher, cfg.QueueWorkers, cfg.ChunkDelay(), logger, auditLogger)
	pool.Start()

	sched := cleanup.New(st, q, limiter, cfg.SubscriptionTTL(), 0, logger, m, auditLogger)
	sched.Start()

	handler := api.NewHandler(st, q, limiter, cfg, vapid, logger, m, auditLogger)
	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	handler.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: router,
	}

	go func() {
		logger.WithField("addr", cfg.BindAddr).Info("server: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server: http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	logger.Info("server: shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server: http shutdown did not complete cleanly")
	}
	sched.Stop(shutdownCtx)
	pool.Shutdown(shutdownCtx)

	logger.Info("server: exited")
}

func buildLimiter(cfg *config.Config, logger *logrus.Logger) ratelimit.Limiter {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return ratelimit.NewMemoryLimiter()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	logger.WithField("addr", addr).Info("server: using redis-backed rate limiter")
	return ratelimit.NewRedisLimiter(client)
}

func hostOnly(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return "localhost"
	}
	return u.Hostname()
}
