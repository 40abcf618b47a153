package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rossigee/imageflow/internal/api"
	"github.com/rossigee/imageflow/internal/auth"
	"github.com/rossigee/imageflow/internal/credits"
	"github.com/rossigee/imageflow/internal/invoker"
	"github.com/rossigee/imageflow/internal/jobs"
	"github.com/rossigee/imageflow/internal/metrics"
	"github.com/rossigee/imageflow/internal/minio"
	"github.com/rossigee/imageflow/internal/operations"
	"github.com/rossigee/imageflow/internal/retry"
	"github.com/rossigee/imageflow/internal/versions"
	"github.com/rossigee/imageflow/internal/workflows"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the pipeline executor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close store")
		}
	}()

	blobs, err := minio.NewBlobStore(minio.Config{
		Endpoint:  cfg.Minio.Endpoint,
		AccessKey: cfg.Minio.AccessKey,
		SecretKey: cfg.Minio.SecretKey,
		Bucket:    cfg.Minio.Bucket,
		Retry:     retry.ParseConfig(cfg.Upload.RetryAttempts, cfg.Upload.RetryBackoffMS),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}
	ensureCtx, cancelEnsure := context.WithTimeout(context.Background(), 10*time.Second)
	if err := blobs.EnsureBucket(ensureCtx); err != nil {
		logrus.WithError(err).WithField("bucket", cfg.Minio.Bucket).Warn("Blob bucket is not ready; image outputs will fail to upload")
	}
	cancelEnsure()

	stepInvoker, err := invoker.NewHTTPInvoker(invoker.Config{
		BaseURL:  cfg.Invoker.URL,
		Timeout:  cfg.Invoker.Timeout,
		RetryMax: cfg.Invoker.RetryMax,
	}, blobs)
	if err != nil {
		return fmt.Errorf("failed to initialize step invoker: %w", err)
	}

	authenticator, err := auth.NewAuthenticator(cfg.Auth.TokensFile, cfg.Auth.ClientCACert)
	if err != nil {
		return fmt.Errorf("failed to initialize authenticator: %w", err)
	}

	collectors := metrics.New()
	catalog := operations.Default()
	validator := workflows.NewValidator(catalog)
	creditLedger := credits.NewLedger(store, collectors)
	versionLedger := versions.NewLedger(store, collectors)

	manager := jobs.NewManager(jobs.Deps{
		Store:     store,
		Ledger:    creditLedger,
		Versions:  versionLedger,
		Invoker:   stepInvoker,
		Catalog:   catalog,
		Validator: validator,
		Metrics:   collectors,
	}, jobs.Config{
		MaxConcurrent:   cfg.Executor.MaxConcurrent,
		RefundOnFailure: cfg.Executor.RefundOnFailure,
		Preflight:       jobs.PreflightPolicy(cfg.Executor.Preflight),
		RunTimeout:      cfg.Executor.RunTimeout,
	})

	recovered, err := manager.RecoverInterrupted(context.Background())
	if err != nil {
		return fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	if recovered > 0 {
		logrus.WithField("count", recovered).Warn("Marked runs interrupted by a restart as failed")
	}

	// Initialize Gin router
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	apiHandler := api.NewHandler(api.Deps{
		Executor:      manager,
		Versions:      versionLedger,
		Credits:       creditLedger,
		Workflows:     workflows.NewService(store, validator),
		Catalog:       catalog,
		Database:      store,
		Version:       version,
		DegradedAbove: cfg.Executor.MaxConcurrent * 2,
	})
	api.SetupRoutes(router, apiHandler, authenticator.Middleware(), collectors.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		TLSConfig:         authenticator.TLSConfig(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log := logrus.WithFields(logrus.Fields{
			"addr":       cfg.Addr(),
			"tls":        cfg.TLSEnabled(),
			"client_ca":  authenticator.IsClientCALoaded(),
			"db_driver":  cfg.DB.Driver,
			"preflight":  cfg.Executor.Preflight,
			"refunds_on": cfg.Executor.RefundOnFailure,
		})
		log.Info("Starting imageflow server")

		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
	}
	logrus.Info("Shutting down server...")

	// Give outstanding requests and running pipelines time to complete
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	}
	if err := manager.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("Runs still active at shutdown will be failed on next start")
	}

	logrus.Info("Server exited")
	return nil
}
