// Package main is the entry point for the delivery service.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shineum/csv-mailer/internal/config"
	"github.com/shineum/csv-mailer/internal/delivery"
	"github.com/shineum/csv-mailer/internal/logging"
	"github.com/shineum/csv-mailer/internal/server"
	"github.com/shineum/csv-mailer/internal/smtp"
	"github.com/shineum/csv-mailer/internal/storage"
	smtptls "github.com/shineum/csv-mailer/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to set up object storage", "error", err)
		os.Exit(1)
	}

	var tlsConfig *tls.Config
	if cfg.TLSEnabled() {
		tlsConfig, err = smtptls.LoadServerTLS(cfg.HTTP.CertFile, cfg.HTTP.KeyFile)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(1)
		}
	}

	svc := delivery.NewService(fetcher, selectDialer(cfg), cfg.Storage.ScratchDir)

	gin.SetMode(gin.ReleaseMode)
	srv := server.NewHTTPServer(cfg.HTTP.Listen, server.NewHandlers(svc), tlsConfig)

	slog.Info("starting csv-mailer delivery service",
		"listen", cfg.HTTP.Listen,
		"tls", tlsConfig != nil,
		"dry_run", cfg.SMTP.DryRun,
		"scratch_dir", cfg.Storage.ScratchDir,
		"s3_endpoint", cfg.Storage.Endpoint,
	)

	errCh := make(chan error, 1)
	go func() {
		if tlsConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, initiating shutdown", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("csv-mailer delivery service stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// selectDialer returns the printing dialer in dry-run mode and the SMTP
// dialer otherwise.
func selectDialer(cfg *config.Config) delivery.Dialer {
	if cfg.SMTP.DryRun {
		slog.Warn("smtp dry run enabled, messages will be printed to stdout")
		return delivery.DryRunDialer{}
	}

	localName, err := os.Hostname()
	if err != nil {
		localName = "localhost"
	}
	return delivery.SMTPDialer{Dialer: &smtp.Dialer{LocalName: localName}}
}
