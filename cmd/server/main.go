package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/NCGHoldings/StoresONE-sub005/internal/client"
	"github.com/NCGHoldings/StoresONE-sub005/internal/config"
	"github.com/NCGHoldings/StoresONE-sub005/internal/database"
	"github.com/NCGHoldings/StoresONE-sub005/internal/handler"
	"github.com/NCGHoldings/StoresONE-sub005/internal/logger"
	"github.com/NCGHoldings/StoresONE-sub005/internal/metrics"
	"github.com/NCGHoldings/StoresONE-sub005/internal/middleware"
	"github.com/NCGHoldings/StoresONE-sub005/internal/repository"
	"github.com/NCGHoldings/StoresONE-sub005/internal/service"
	"github.com/NCGHoldings/StoresONE-sub005/internal/worker"
)

type cli struct {
	v   *viper.Viper
	cfg *config.Config
}

func setupFlags(cmd *cobra.Command, v *viper.Viper) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().Int("http-port", 8080, "http port for rest endpoints")
	cmd.Flags().Int("grpc-port", 9090, "grpc port for health checks")
	cmd.Flags().String("storage-driver", "postgres", "store backend: postgres or memory")
	cmd.Flags().String("nats-url", "", "NATS server url for notifications; empty disables publishing")
	cmd.Flags().String("redis-addr", "", "comma separated list of redis host:port for the sweep lease")
	cmd.Flags().String("log-level", "info", "log level")

	bindings := map[string]string{
		"server.port":      "http-port",
		"server.grpc_port": "grpc-port",
		"storage.driver":   "storage-driver",
		"nats.url":         "nats-url",
		"redis.addr":       "redis-addr",
		"log.level":        "log-level",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	c.cfg, err = config.Load(c.v, configFile)
	return err
}

// stores groups the persistence ports for the selected driver.
type stores struct {
	workflows repository.WorkflowStore
	requests  repository.RequestStore
	effects   repository.EffectStore
	roles     repository.RoleStore
	rules     repository.SoDRuleStore
	syncer    service.StatusSyncer
	ping      func(ctx context.Context) error
	close     func()
}

func documentTargets(docs map[string]config.DocumentConfig) map[string]repository.DocumentTarget {
	targets := make(map[string]repository.DocumentTarget, len(docs))
	for entityType, doc := range docs {
		if doc.Table == "" {
			continue
		}
		targets[entityType] = repository.DocumentTarget{
			Table:          doc.Table,
			StatusColumn:   doc.StatusColumn,
			ApprovedStatus: doc.ApprovedStatus,
			RejectedStatus: doc.RejectedStatus,
		}
	}
	return targets
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	targets := documentTargets(cfg.Documents)

	if cfg.Storage.Driver == "memory" {
		mem := repository.NewMemoryStore()
		return &stores{
			workflows: mem,
			requests:  mem,
			effects:   mem,
			roles:     mem,
			rules:     mem,
			syncer:    repository.NewMemoryDocumentStatus(targets),
			close:     func() {},
		}, nil
	}

	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		return nil, err
	}
	return &stores{
		workflows: repository.NewWorkflowRepository(db),
		requests:  repository.NewRequestRepository(db),
		effects:   repository.NewEffectRepository(db),
		roles:     repository.NewRoleRepository(db),
		rules:     repository.NewSoDRuleRepository(db),
		syncer:    repository.NewDocumentStatusRepository(db, targets),
		ping:      db.Ping,
		close:     db.Close,
	}, nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	cfg := c.cfg

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("storage", cfg.Storage.Driver).
		Msg("Starting approvals service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer st.close()
	log.Info().Msg("Stores initialized")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Notifications
	var notifier *client.NotificationPublisher
	if cfg.NATS.URL != "" {
		conn, err := client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer conn.Drain()
		notifier = client.NewNotificationPublisher(conn, cfg.NATS.SubjectPrefix, log.Named("notify"))
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS notification publisher connected")
	} else {
		notifier = client.NewNotificationPublisher(nil, cfg.NATS.SubjectPrefix, log.Named("notify"))
		log.Warn().Msg("NATS url not set; notifications are disabled")
	}

	// Sweep lease
	var lease service.SweepLease
	if cfg.Redis.Addr != "" {
		rdb := client.NewRedisClient(strings.Split(cfg.Redis.Addr, ","), cfg.Redis.Password, cfg.Redis.DB)
		defer rdb.Close()
		lease = client.NewRedisSweepLease(rdb, cfg.Redis.LeaseKey)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis sweep lease enabled")
	}

	// Document status sync
	router := service.NewStatusRouter(st.syncer)
	for entityType, doc := range cfg.Documents {
		if doc.CallbackURL != "" {
			router.Route(entityType, client.NewDocumentStatusClient(doc.CallbackURL, doc.Timeout))
			log.Info().Str("entity_type", entityType).Str("url", doc.CallbackURL).Msg("Status sync via callback")
		}
	}

	// Services
	resolver, err := service.NewApproverResolver(st.roles, service.ResolverConfig{
		ExprRules:     cfg.Engine.DynamicRules,
		RoleCacheTTL:  cfg.Engine.RoleCacheTTL,
		RetryAttempts: cfg.Engine.RetryMaxAttempts,
		RetryInitial:  cfg.Engine.RetryInitialInterval,
	}, log.Named("resolver"))
	if err != nil {
		return fmt.Errorf("compile dynamic rules: %w", err)
	}
	registry := service.NewWorkflowRegistry(st.workflows, resolver, log.Named("registry"))
	effects := service.NewEffectDispatcher(st.effects, router, service.EffectConfig{
		RetryAttempts: cfg.Engine.RetryMaxAttempts,
		RetryInitial:  cfg.Engine.RetryInitialInterval,
		MaxAttempts:   cfg.Engine.EffectMaxAttempts,
		RetryDelay:    cfg.Engine.EffectInterval,
		Batch:         cfg.Engine.SweepBatch,
	}, m, log.Named("effects"))
	engine := service.NewEngine(registry, st.requests, st.roles, resolver, effects, notifier, m, service.EngineConfig{
		AdminRole:   cfg.Engine.AdminRole,
		SystemActor: cfg.Engine.SystemActor,
	}, log.Named("engine"))
	scheduler := service.NewEscalationScheduler(engine, st.requests, lease, cfg.Redis.LeaseTTL, cfg.Engine.SweepBatch, log.Named("escalation"))
	checker := service.NewSoDChecker(st.rules, st.roles, m, log.Named("sod"))
	roles := service.NewRoleService(st.roles, st.rules, checker, resolver, cfg.Engine.AdminRole, log.Named("roles"))
	if err := roles.BootstrapAdmins(ctx, cfg.Engine.AdminUsers, cfg.Engine.SystemActor); err != nil {
		return err
	}

	// Background workers
	var wg sync.WaitGroup
	grpcHandler := handler.NewGRPCHandler(st.ping, log)
	workers := []*worker.TickWorker{
		worker.NewTickWorker("escalation-sweep", cfg.Engine.EscalationInterval, scheduler.Tick, &wg, log),
		worker.NewTickWorker("effect-reconciler", cfg.Engine.EffectInterval, effects.Tick, &wg, log),
		worker.NewTickWorker("grpc-health", cfg.Engine.EffectInterval, grpcHandler.Report, &wg, log),
	}
	grpcHandler.Report(ctx)
	for _, w := range workers {
		w.Start(ctx)
	}

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(engine, registry, checker, roles, effects, log)
	httpHandler.SetHealthCheck(st.ping)
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	httpHandler.Register(r)

	// Apply middleware
	var h http.Handler = r
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS(cfg.Server.CORSOrigins)(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("create gRPC listener: %w", err)
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcHandler.Server().Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	grpcHandler.Shutdown()

	for _, w := range workers {
		w.Stop()
	}
	wg.Wait()

	log.Info().Msg("Server stopped")
	return nil
}

func main() {
	c := &cli{v: viper.New()}

	cmd := &cobra.Command{
		Use:          "approvals",
		Short:        "Multi-step document approval and segregation-of-duties service",
		PreRunE:      c.setupConfig,
		RunE:         c.run,
		SilenceUsage: true,
	}

	if err := setupFlags(cmd, c.v); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up flags: %v\n", err)
		os.Exit(1)
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
