package main

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	oauth "github.com/mcpauth/mcpauth"
	"github.com/mcpauth/mcpauth/instrumentation"
	"github.com/mcpauth/mcpauth/security"
	"github.com/mcpauth/mcpauth/storage"
	"github.com/mcpauth/mcpauth/storage/memory"
	"github.com/mcpauth/mcpauth/storage/valkey"
)

const (
	storageTypeMemory = "memory"
	storageTypeValkey = "valkey"

	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// serveConfig holds the daemon configuration, loaded from MCPAUTH_*
// environment variables with flag overrides.
type serveConfig struct {
	Issuer     string `env:"MCPAUTH_ISSUER"`
	ListenAddr string `env:"MCPAUTH_LISTEN_ADDR" envDefault:":8080"`

	DefaultAudience   string        `env:"MCPAUTH_DEFAULT_AUDIENCE"`
	SupportedScopes   []string      `env:"MCPAUTH_SUPPORTED_SCOPES"`
	CodeTTL           time.Duration `env:"MCPAUTH_CODE_TTL" envDefault:"10m"`
	AccessTokenTTL    time.Duration `env:"MCPAUTH_ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL   time.Duration `env:"MCPAUTH_REFRESH_TOKEN_TTL" envDefault:"24h"`
	AllowInsecureHTTP bool          `env:"MCPAUTH_ALLOW_INSECURE_HTTP"`

	TrustProxy        bool `env:"MCPAUTH_TRUST_PROXY"`
	TrustedProxyCount int  `env:"MCPAUTH_TRUSTED_PROXY_COUNT" envDefault:"1"`

	RateLimitRPS   int  `env:"MCPAUTH_RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst int  `env:"MCPAUTH_RATE_LIMIT_BURST" envDefault:"20"`
	AuditLogging   bool `env:"MCPAUTH_AUDIT_LOGGING" envDefault:"true"`

	LogLevel  string `env:"MCPAUTH_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"MCPAUTH_LOG_FORMAT" envDefault:"json"`

	StorageType    string `env:"MCPAUTH_STORAGE_TYPE" envDefault:"memory"`
	ValkeyAddress  string `env:"MCPAUTH_VALKEY_ADDRESS"`
	ValkeyPassword string `env:"MCPAUTH_VALKEY_PASSWORD"`
	ValkeyDB       int    `env:"MCPAUTH_VALKEY_DB"`
	ValkeyPrefix   string `env:"MCPAUTH_VALKEY_KEY_PREFIX"`
	ValkeyTLS      bool   `env:"MCPAUTH_VALKEY_TLS"`

	// EncryptionKey is the AES-256 key for grant encryption at rest in
	// Valkey, base64 encoded (32 bytes decoded).
	EncryptionKey string `env:"MCPAUTH_ENCRYPTION_KEY"`

	MetricsEnabled bool   `env:"MCPAUTH_METRICS_ENABLED" envDefault:"true"`
	MetricsAddr    string `env:"MCPAUTH_METRICS_ADDR" envDefault:":9090"`

	TLSCertFile string `env:"MCPAUTH_TLS_CERT_FILE"`
	TLSKeyFile  string `env:"MCPAUTH_TLS_KEY_FILE"`
}

func newServeCmd() *cobra.Command {
	var (
		issuer      string
		listenAddr  string
		storageType string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the authorization server.

The issuer URL is required: it is the public base URL clients use to reach
this server, and all endpoint URLs in server metadata derive from it.

Storage backends:
  - memory: in-process store (default, single instance only)
  - valkey: Valkey/Redis-compatible store for distributed deployments`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env.ParseAs[serveConfig]()
			if err != nil {
				return fmt.Errorf("failed to parse environment: %w", err)
			}

			// Flags take precedence over environment variables
			if cmd.Flags().Changed("issuer") {
				cfg.Issuer = issuer
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("storage-type") {
				cfg.StorageType = storageType
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}

			if cfg.Issuer == "" {
				return fmt.Errorf("issuer is required: set --issuer or MCPAUTH_ISSUER")
			}

			return runServe(cmd.Context(), &cfg)
		},
	}

	cmd.Flags().StringVar(&issuer, "issuer", "", "Public base URL of this server (e.g. https://auth.example.com). Can also use MCPAUTH_ISSUER env var.")
	cmd.Flags().StringVar(&listenAddr, "listen-addr", ":8080", "Address to listen on. Can also use MCPAUTH_LISTEN_ADDR env var.")
	cmd.Flags().StringVar(&storageType, "storage-type", storageTypeMemory, "Storage backend: memory or valkey. Can also use MCPAUTH_STORAGE_TYPE env var.")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error. Can also use MCPAUTH_LOG_LEVEL env var.")

	return cmd
}

func runServe(parent context.Context, cfg *serveConfig) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	inst, err := newInstrumentation(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Error("Instrumentation shutdown failed", "error", err)
		}
	}()

	store, closeStore, err := newStore(cfg, logger, inst)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer closeStore()

	srv, err := oauth.New(&oauth.Config{
		Issuer:               cfg.Issuer,
		DefaultAudience:      cfg.DefaultAudience,
		SupportedScopes:      cfg.SupportedScopes,
		AuthorizationCodeTTL: cfg.CodeTTL,
		AccessTokenTTL:       cfg.AccessTokenTTL,
		RefreshTokenTTL:      cfg.RefreshTokenTTL,
		RateLimit: oauth.RateLimitConfig{
			Rate:  cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		},
		Security: oauth.SecurityConfig{
			TrustProxy:         cfg.TrustProxy,
			TrustedProxyCount:  cfg.TrustedProxyCount,
			AllowInsecureHTTP:  cfg.AllowInsecureHTTP,
			EnableAuditLogging: cfg.AuditLogging,
		},
		Logger: logger,
	}, oauth.WithStore(store), oauth.WithInstrumentation(inst))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metricsServer = newMetricsServer(cfg.MetricsAddr)
		go func() {
			logger.Info("Starting metrics server", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		logger.Info("Starting authorization server",
			"addr", cfg.ListenAddr,
			"issuer", cfg.Issuer,
			"storage", cfg.StorageType)
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil && err != http.ErrServerClosed {
				serverDone <- err
			}
			return
		}
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverDone <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, stopping")
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("server stopped with error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed", "error", err)
		}
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}

// newLogger builds the process logger from level and format settings.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// newInstrumentation wires an OpenTelemetry meter provider backed by the
// Prometheus exporter. Metrics land in the default Prometheus registry,
// which the metrics server exposes via promhttp.
func newInstrumentation(cfg *serveConfig) (*instrumentation.Instrumentation, error) {
	if !cfg.MetricsEnabled {
		return instrumentation.New(instrumentation.Config{
			ServiceName:    "mcpauthd",
			ServiceVersion: version,
			Enabled:        false,
		})
	}

	exporter, err := otelprometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	return instrumentation.New(instrumentation.Config{
		ServiceName:    "mcpauthd",
		ServiceVersion: version,
		Enabled:        true,
		MeterProvider:  meterProvider,
	})
}

// newStore builds the storage backend selected by configuration.
// The returned func releases the backend's resources.
func newStore(cfg *serveConfig, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.Store, func(), error) {
	switch cfg.StorageType {
	case storageTypeMemory:
		store := memory.New()
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		return store, store.Stop, nil

	case storageTypeValkey:
		if cfg.ValkeyAddress == "" {
			return nil, nil, fmt.Errorf("valkey address is required: set MCPAUTH_VALKEY_ADDRESS")
		}

		valkeyCfg := valkey.Config{
			Address:   cfg.ValkeyAddress,
			Password:  cfg.ValkeyPassword,
			DB:        cfg.ValkeyDB,
			KeyPrefix: cfg.ValkeyPrefix,
			Logger:    logger,
		}
		if cfg.ValkeyTLS {
			valkeyCfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}

		store, err := valkey.New(valkeyCfg)
		if err != nil {
			return nil, nil, err
		}

		if cfg.EncryptionKey != "" {
			key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKey)
			if err != nil {
				store.Close()
				return nil, nil, fmt.Errorf("invalid encryption key (must be base64 encoded): %w", err)
			}
			enc, err := security.NewEncryptor(key)
			if err != nil {
				store.Close()
				return nil, nil, fmt.Errorf("failed to create encryptor: %w", err)
			}
			store.SetEncryptor(enc)
		}

		return store, store.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported storage type: %s (supported: memory, valkey)", cfg.StorageType)
	}
}

// newMetricsServer serves Prometheus metrics on a dedicated port, isolated
// from OAuth traffic.
func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
}
