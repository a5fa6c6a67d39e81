// Command orchestratord is the orchestration engine's daemon: it wires
// configuration, logging, the Task Store, analyzer clients, the circuit
// breaker, the dispatcher, and the persister, then serves an ambient
// health/metrics listener until it receives a shutdown signal.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/grabowmar/analysis-orchestrator/internal/analyzerclient"
	"github.com/grabowmar/analysis-orchestrator/internal/breaker"
	"github.com/grabowmar/analysis-orchestrator/internal/dispatcher"
	"github.com/grabowmar/analysis-orchestrator/internal/domain/task"
	"github.com/grabowmar/analysis-orchestrator/internal/executor"
	"github.com/grabowmar/analysis-orchestrator/internal/executor/redisbroker"
	"github.com/grabowmar/analysis-orchestrator/internal/locator"
	"github.com/grabowmar/analysis-orchestrator/internal/persister"
	"github.com/grabowmar/analysis-orchestrator/internal/taskstore"
	"github.com/grabowmar/analysis-orchestrator/internal/taskstore/memory"
	"github.com/grabowmar/analysis-orchestrator/internal/taskstore/postgres"
	"github.com/grabowmar/analysis-orchestrator/internal/transport"
	"github.com/grabowmar/analysis-orchestrator/pkg/config"
	"github.com/grabowmar/analysis-orchestrator/pkg/logger"
	"github.com/grabowmar/analysis-orchestrator/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (overrides CONFIG_FILE)")
	flag.Parse()
	if *configPath != "" {
		_ = os.Setenv("CONFIG_FILE", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log_ := logger.New(cfg.Logging)

	store, closeStore := buildStore(cfg, log_)
	defer closeStore()

	clients := buildAnalyzerClients(cfg, log_)
	loc := locator.NewDirLocator(cfg.Locator.SourceRootDir)
	ports := locator.NewStaticPortDirectory()
	persist := persister.New(cfg.Results.RootDir, log_)
	exec := buildExecutor(cfg, log_)

	dcfg := dispatcher.Config{
		WorkerParallelism: cfg.Dispatcher.WorkerParallelism,
		LeaseTTL:          cfg.Dispatcher.LeaseTTL(),
		PollInterval:      cfg.Dispatcher.PollInterval(),
		GraceDeadline:     cfg.Dispatcher.GraceDeadline(),
		AggregationBudget: 30 * time.Second,
		RetentionDays:     cfg.Results.RetentionDays,
	}
	d := dispatcher.New(dcfg, store, loc, ports, clients, task.DefaultRegistry(), persist, exec, log_)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweep := buildSweeper(store, log_)
	if err := sweep.Start(rootCtx); err != nil {
		log_.WithError(err).Fatal("start lease sweeper")
	}

	if err := d.Start(rootCtx); err != nil {
		log_.WithError(err).Fatal("start dispatcher")
	}

	srv := buildHTTPServer(cfg)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log_.WithError(err).Error("health/metrics server stopped unexpectedly")
		}
	}()
	log_.WithField("addr", srv.Addr).Info("orchestrator started")

	<-rootCtx.Done()
	log_.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatcher.GraceDeadline())
	defer cancel()

	sweep.Stop()
	if err := d.Stop(shutdownCtx); err != nil {
		log_.WithError(err).Error("dispatcher shutdown error")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log_.WithError(err).Error("http server shutdown error")
	}
}

func buildStore(cfg *config.Config, log *logger.Logger) (taskstore.Store, func()) {
	if cfg.Database.DSN == "" {
		log.Warn("no database.dsn configured, using in-memory task store (not for production use)")
		return memory.New(), func() {}
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.WithError(err).Fatal("open postgres connection")
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(db); err != nil {
			log.WithError(err).Fatal("apply database migrations")
		}
	}

	store, err := postgres.Open(cfg.Database.DSN)
	if err != nil {
		log.WithError(err).Fatal("open postgres task store")
	}
	return store, func() { _ = db.Close() }
}

func buildAnalyzerClients(cfg *config.Config, log *logger.Logger) map[task.ServiceKind]*analyzerclient.Client {
	endpoints := map[task.ServiceKind]config.AnalyzerEndpoint{
		task.ServiceStatic:      cfg.Analyzer.Static,
		task.ServiceDynamic:     cfg.Analyzer.Dynamic,
		task.ServicePerformance: cfg.Analyzer.Performance,
		task.ServiceAI:          cfg.Analyzer.AI,
	}

	breakerCfg := breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown(),
	}

	clients := make(map[task.ServiceKind]*analyzerclient.Client, len(endpoints))
	for kind, ep := range endpoints {
		if ep.Address == "" {
			continue
		}
		kind := kind
		clients[kind] = analyzerclient.New(analyzerclient.Config{
			Kind:        kind,
			Dialer:      transport.WSDialer{URL: ep.Address},
			MaxPoolSize: ep.MaxPoolSize,
			Deadline:    ep.Deadline(),
			Breaker:     breakerCfg,
			RateLimit:   rate.Limit(10),
			RateBurst:   5,
			Log:         log,
		})
	}
	return clients
}

// buildExecutor always returns the in-process WorkerGroup. When
// Dispatcher.Broker is "redis", it additionally verifies at startup that the
// Redis broker is reachable and exits if it is not; the broker is then
// discarded. It is not an Executor, it is not passed to the dispatcher, and
// no task leasing is coordinated through it.
func buildExecutor(cfg *config.Config, log *logger.Logger) executor.Executor {
	if cfg.Dispatcher.Broker == "redis" {
		broker := redisbroker.New(redisbroker.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, log)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := broker.Ping(ctx); err != nil {
			log.WithError(err).Fatal("redis broker unreachable at startup")
		}
		log.WithField("addr", cfg.Redis.Addr).Info("distributed executor coordination enabled via redis")
	}
	return executor.NewWorkerGroup(cfg.Dispatcher.WorkerParallelism, log)
}

func buildSweeper(store taskstore.Store, log *logger.Logger) *taskstore.LeaseSweeper {
	return taskstore.NewLeaseSweeper(store, taskstore.SweeperConfig{
		Schedule: "@every 30s",
		Grace:    60 * time.Second,
		Log:      log,
	})
}

func buildHTTPServer(cfg *config.Config) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	return &http.Server{
		Addr:    cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler: r,
	}
}
