package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/i2y/mcpvhost/configs"
	"github.com/i2y/mcpvhost/internal/adapter/inbound/mcphttp"
	"github.com/i2y/mcpvhost/internal/adapter/outbound/httpinvoker"
	"github.com/i2y/mcpvhost/internal/adapter/outbound/jwtauth"
	"github.com/i2y/mcpvhost/internal/adapter/outbound/memrepo"
	"github.com/i2y/mcpvhost/internal/adapter/outbound/openapi"
	"github.com/i2y/mcpvhost/internal/adapter/outbound/secrets"
	"github.com/i2y/mcpvhost/internal/adapter/outbound/sqlitestore"
	"github.com/i2y/mcpvhost/internal/usecase"
)

// defaultImportOwner owns tools imported from configured OpenAPI sources without an owner.
const defaultImportOwner = "mcpvhost"

func main() {
	// === Command Line Flags ===
	var (
		genKey     bool
		issueToken string
		tokenOrg   string
		tokenScope string
		tokenTTL   time.Duration
		configFile string
	)
	flag.BoolVar(&genKey, "genkey", false, "Print a new base64 master key and exit")
	flag.StringVar(&issueToken, "issue-token", "", "Print a signed bearer credential for this subject and exit")
	flag.StringVar(&tokenOrg, "org", "", "Organization claim for -issue-token")
	flag.StringVar(&tokenScope, "scope", "", "Scope claim for -issue-token")
	flag.DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Lifetime of the credential printed by -issue-token")
	flag.StringVar(&configFile, "config", "", "Path to a YAML config file (overrides MCPVHOST_CONFIG_FILE)")
	flag.Parse()

	if genKey {
		key, err := secrets.GenerateKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(key)
		return
	}

	if configFile != "" {
		_ = os.Setenv("MCPVHOST_CONFIG_FILE", configFile)
	}

	// === Configuration ===
	cfg, err := configs.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if issueToken != "" {
		validator, err := jwtauth.NewValidator(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot issue token: %v\n", err)
			os.Exit(1)
		}
		token, err := validator.Issue(issueToken, tokenOrg, tokenScope, tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	// === Logging ===
	logLevel := cfg.ParsedLogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	logger.Info("Logger initialized.", slog.String("level", logLevel.String()))

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration.", slog.Any("error", err))
		os.Exit(1)
	}

	// The master key is checked before anything listens or touches storage.
	codec, err := secrets.NewCodecFromBase64(cfg.MasterKey)
	if err != nil {
		logger.Error("Invalid master key.", slog.Any("error", err))
		os.Exit(1)
	}

	if err := run(cfg, codec, logger); err != nil {
		logger.Error("Server exited with error.", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *configs.Config, codec *secrets.Codec, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === OpenTelemetry Initialization ===
	res, err := newResource()
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}
	metricsHandler, shutdownMetrics, err := initMeterProvider(res)
	if err != nil {
		return err
	}
	shutdownTracing, err := initTracerProvider(ctx, cfg, res)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := errors.Join(shutdownTracing(shutdownCtx), shutdownMetrics(shutdownCtx)); err != nil {
			logger.Error("Failed to shutdown OpenTelemetry providers.", slog.Any("error", err))
		}
	}()
	logger.Info("OpenTelemetry initialized.")

	// === Dependency Injection ===
	var store usecase.ConfigStore
	switch cfg.StoreDriver {
	case configs.StoreSQLite:
		sqlStore, err := sqlitestore.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return err
		}
		defer sqlStore.Close()
		store = sqlStore
	default:
		logger.Warn("Using the in-memory store; configuration is lost on restart.")
		store = memrepo.NewInMemoryConfigStore(logger)
	}

	// Per-call deadlines come from the executor, so the client itself has no timeout.
	httpClient := &http.Client{}
	invoker := httpinvoker.New(httpClient, logger)
	executor := usecase.NewInstanceExecutor(codec, invoker, cfg.HTTPClientTimeout, logger)
	registry := usecase.NewRegistry(store, executor, logger,
		usecase.WithStoreTimeout(cfg.StoreTimeout),
		usecase.WithLoadConcurrency(cfg.LoadConcurrency),
	)
	importer := openapi.NewImporter(httpClient, logger, openapi.WithGitHubAPIURL(cfg.GitHubAPIURL))
	configUC := usecase.NewConfigUseCase(store, codec, registry, importer, logger)

	var validator usecase.CredentialValidator
	if cfg.JWTSecret != "" {
		v, err := jwtauth.NewValidator(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			return fmt.Errorf("invalid JWT settings: %w", err)
		}
		validator = v
	} else {
		logger.Warn("MCPVHOST_JWT_SECRET not set; only public servers are reachable.")
	}
	policy := usecase.NewAccessPolicy(validator, usecase.NewOwnerAccess(registry), logger)

	// === Initial Load ===
	for _, src := range cfg.OpenAPISources {
		owner := src.Owner
		if owner == "" {
			owner = defaultImportOwner
		}
		if _, err := configUC.ImportTools(ctx, owner, usecase.ImportSource{URL: src.URL, Headers: src.Headers}); err != nil {
			logger.Error("OpenAPI import failed. Continuing without its tools.", slog.String("source", src.URL), slog.Any("error", err))
		}
	}
	loaded, err := registry.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load virtual servers: %w", err)
	}
	logger.Info("Virtual servers loaded.", slog.Int("count", loaded))

	// === HTTP Servers ===
	var authServers []string
	if strings.HasPrefix(cfg.JWTIssuer, "https://") || strings.HasPrefix(cfg.JWTIssuer, "http://") {
		authServers = []string{cfg.JWTIssuer}
	}
	metadataURL := cfg.ResourceMetadataURL
	if metadataURL == "" && cfg.PublicBaseURL != "" {
		metadataURL = strings.TrimRight(cfg.PublicBaseURL, "/") + mcphttp.ProtectedResourcePath
	}
	gateway := mcphttp.NewGateway(registry, policy, mcphttp.GatewayConfig{
		RootDomain:           cfg.RootDomain,
		ResourceMetadataURL:  metadataURL,
		AuthorizationServers: authServers,
		AllowedOrigins:       cfg.CORSAllowedOrigins,
	}, logger)
	gatewayServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      gateway.Handler(),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}
	var adminOpts []mcphttp.HandlerOption
	if validator != nil {
		adminOpts = append(adminOpts, mcphttp.WithAdminAuth(validator, cfg.AdminScope))
	} else {
		logger.Warn("Admin API is unauthenticated; keep MCPVHOST_ADMIN_ADDR on a loopback interface.", slog.String("address", cfg.AdminAddr))
	}
	adminServer := &http.Server{
		Addr:        cfg.AdminAddr,
		Handler:     mcphttp.NewHandlers(configUC, registry, metricsHandler, logger, adminOpts...).Routes(),
		ReadTimeout: cfg.ServerReadTimeout,
		IdleTimeout: cfg.ServerIdleTimeout,
	}

	serveErr := make(chan error, 2)
	for name, srv := range map[string]*http.Server{"gateway": gatewayServer, "admin": adminServer} {
		go func() {
			logger.Info("HTTP server starting.", slog.String("server", name), slog.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}

	// Wait for interrupt signal or a listener failure.
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		logger.Error("HTTP server failed.", slog.Any("error", runErr))
	}

	// === Server Shutdown ===
	logger.Info("Shutting down servers...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// SSE streams only end when their service closes them.
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Error("Registered services did not shut down cleanly.", slog.Any("error", err))
	}
	if err := gatewayServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Gateway graceful shutdown failed.", slog.Any("error", err))
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin HTTP server graceful shutdown failed.", slog.Any("error", err))
	}
	logger.Info("Servers shut down.")
	return runErr
}
