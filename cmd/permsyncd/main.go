package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/permsync/permsync/pkg/audit"
	"github.com/permsync/permsync/pkg/config"
	"github.com/permsync/permsync/pkg/middleware"
	"github.com/permsync/permsync/pkg/observability"
	"github.com/permsync/permsync/pkg/rbac"
	"github.com/permsync/permsync/pkg/rbac/api"
	"github.com/permsync/permsync/pkg/rbac/bootstrap"
	"github.com/permsync/permsync/pkg/rbac/csvfile"
	"github.com/permsync/permsync/pkg/rbac/enforcer"
	"github.com/permsync/permsync/pkg/rbac/metadata"
	"github.com/permsync/permsync/pkg/rbac/provider"
	"github.com/permsync/permsync/pkg/rbac/validation"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("Service failed: %v", err)
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := observability.NewLogger(cfg.Observability.LogLevel, os.Stderr)

	db, err := connectDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := metadata.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("Database migrations applied")

	cacheSize := cfg.Policy.ValidationCacheSize
	if cacheSize <= 0 {
		cacheSize = validation.DefaultCacheSize
	}
	cache, err := validation.NewCache(cacheSize)
	if err != nil {
		return fmt.Errorf("failed to create validation cache: %w", err)
	}

	auditor, err := newAuditLogger(cfg.Observability.AuditLogPath)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditor.Close()

	metrics := observability.NewMetrics()

	delegate, err := enforcer.NewDelegate(db, log)
	if err != nil {
		return fmt.Errorf("failed to create policy enforcer: %w", err)
	}
	delegate.SetMetrics(metrics)
	delegate.SetRoleAddedCallback(func(roleEntityRef string) {
		logger.WithField("role", roleEntityRef).Info("Role created")
	})

	if err := seedPolicies(ctx, cfg, delegate, cache, log, auditor, logger); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.Policy.File != "" {
		watcher := csvfile.NewWatcher(cfg.Policy.File, delegate, cache, log)
		watcher.SetAuditLogger(auditor)
		watcher.SetMetrics(metrics)
		if err := watcher.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to apply policy file: %w", err)
		}
		logger.WithField("file", cfg.Policy.File).Info("Policy file applied, watching for changes")
		group.Go(func() error {
			return watcher.Watch(groupCtx)
		})
	}

	providers := provider.NewManager(delegate, cache, log)
	providers.SetAuditLogger(auditor)
	providers.SetMetrics(metrics)
	if err := providers.ConnectAll(ctx); err != nil {
		return fmt.Errorf("failed to connect role providers: %w", err)
	}
	if schedule := cfg.Policy.Providers.RefreshSchedule; schedule != "" {
		if err := providers.StartRefresh(ctx, schedule); err != nil {
			return fmt.Errorf("failed to schedule provider refresh: %w", err)
		}
		defer providers.Stop()
	}

	apiServer := newAPIServer(cfg, delegate, cache, log, auditor)
	healthServer := newHealthServer(cfg, db, metrics)

	group.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("Starting administration API server")
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("Starting health server")
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		return errors.Join(apiServer.Shutdown(shutdownCtx), healthServer.Shutdown(shutdownCtx))
	})

	return group.Wait()
}

func connectDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newAuditLogger(path string) (audit.Logger, error) {
	if path == "" {
		return audit.NewNoopLogger(), nil
	}
	return audit.NewFileLogger(path)
}

// seedPolicies runs the startup reconciliation of configured policy: admin
// role membership and, when configured, the one-time default role. A default
// role that already exists is left alone rather than failing startup.
func seedPolicies(ctx context.Context, cfg *config.Config, service rbac.PolicyService, cache *validation.Cache, log *observability.Logger, auditor audit.Logger, logger *logrus.Logger) error {
	admin := bootstrap.NewAdminBootstrapper(service, cache, log)
	admin.SetAuditLogger(auditor)
	if err := admin.Run(ctx, cfg.Policy.Admin.Users); err != nil {
		return fmt.Errorf("failed to bootstrap admin role: %w", err)
	}
	logger.WithField("members", len(cfg.Policy.Admin.Users)).Info("Admin role reconciled")

	if cfg.Policy.DefaultRole == nil {
		return nil
	}
	initializer := bootstrap.NewDefaultRoleInitializer(service, cache, log)
	initializer.SetAuditLogger(auditor)
	err := initializer.Run(ctx, defaultRoleOf(cfg.Policy.DefaultRole))
	if errors.Is(err, rbac.ErrConflict) {
		logger.WithField("role", cfg.Policy.DefaultRole.Name).Info("Default role already exists, skipping seed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to seed default role: %w", err)
	}
	logger.WithField("role", cfg.Policy.DefaultRole.Name).Info("Default role seeded")
	return nil
}

func defaultRoleOf(cfg *config.DefaultRoleConfig) *bootstrap.DefaultRole {
	role := &bootstrap.DefaultRole{
		Name:        cfg.Name,
		Description: cfg.Description,
		Members:     cfg.Members,
	}
	for _, perm := range cfg.Permissions {
		role.Permissions = append(role.Permissions, bootstrap.DefaultRolePermission{
			Resource: perm.Resource,
			Action:   perm.Action,
			Effect:   perm.Effect,
		})
	}
	return role
}

func newAPIServer(cfg *config.Config, service rbac.PolicyService, cache *validation.Cache, log *observability.Logger, auditor audit.Logger) *http.Server {
	handlers := api.NewHandlers(service, cache, log)
	handlers.SetAuditLogger(auditor)

	router := mux.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.Actor(api.ActorHeader),
		middleware.AccessLog(log),
		middleware.NewRateLimiter(nil).Handler,
	)
	handlers.RegisterRoutes(router.PathPrefix("/api/permission").Subrouter())

	return &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func newHealthServer(cfg *config.Config, db *sql.DB, metrics *observability.Metrics) *http.Server {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if cfg.Observability.MetricsEnabled {
		router.Handle("/metrics", metrics.Handler())
	}

	return &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: router,
	}
}
