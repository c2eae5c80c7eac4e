// Package app wires together the five runtime modes of the tiered content
// pipeline: watcher (C3), router (C4), worker (C5), authgateway (C7/C8/C10),
// and migrate. Exactly one mode runs per process; TIEREDFS_MODE selects it.
package app

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/tieredfs/internal/config"
	"github.com/wisbric/tieredfs/internal/embedding"
	"github.com/wisbric/tieredfs/internal/httpserver"
	"github.com/wisbric/tieredfs/internal/notify"
	"github.com/wisbric/tieredfs/internal/platform"
	"github.com/wisbric/tieredfs/internal/telemetry"
	"github.com/wisbric/tieredfs/internal/version"
	"github.com/wisbric/tieredfs/pkg/auth"
	"github.com/wisbric/tieredfs/pkg/bus/natsbus"
	"github.com/wisbric/tieredfs/pkg/mcp"
	"github.com/wisbric/tieredfs/pkg/model"
	"github.com/wisbric/tieredfs/pkg/objectstore/s3store"
	"github.com/wisbric/tieredfs/pkg/opsnotify"
	"github.com/wisbric/tieredfs/pkg/parser"
	"github.com/wisbric/tieredfs/pkg/repository"
	"github.com/wisbric/tieredfs/pkg/repository/kv/rediskv"
	"github.com/wisbric/tieredfs/pkg/router"
	"github.com/wisbric/tieredfs/pkg/watcher"
	"github.com/wisbric/tieredfs/pkg/worker"
	"github.com/wisbric/tieredfs/pkg/worker/engram"
)

// sessionHeader mirrors pkg/mcp's session header name for the CORS allow
// list; kept local since the gateway doesn't export it.
const sessionHeader = "Mcp-Session-Id"

// Run is the main application entry point: given the loaded config, it connects to
// shared infrastructure, and starts the mode cfg.Mode names.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting tieredfs", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "tieredfs", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	if cfg.Mode == "migrate" {
		if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
			return fmt.Errorf("running global migrations: %w", err)
		}
		if err := platform.RunTenantMigrations(cfg.DatabaseURL, cfg.MigrationsTenantDir); err != nil {
			return fmt.Errorf("running tenant migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
		return fmt.Errorf("running global migrations: %w", err)
	}
	logger.Info("global migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "watcher":
		return runWatcher(ctx, cfg, logger)
	case "router":
		return runRouter(ctx, cfg, logger)
	case "worker":
		return runWorker(ctx, cfg, logger, db)
	case "authgateway":
		return runAuthGateway(ctx, cfg, logger, db, rdb, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// runWatcher dials the object store's change source (C3) and republishes
// every qualifying event onto the main storage-event subject.
func runWatcher(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	b, err := natsbus.Connect(ctx, cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	defer b.Close()
	if err := b.EnsureStream(ctx, router.MainStream, []string{watcher.MainSubject}); err != nil {
		return fmt.Errorf("ensuring main stream: %w", err)
	}

	store, err := s3store.New(s3store.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		UseSSL:    cfg.S3UseSSL,
		Bucket:    cfg.S3Bucket,
	})
	if err != nil {
		return fmt.Errorf("connecting to object store: %w", err)
	}

	switch cfg.WatcherStrategy {
	case "polling":
		interval, err := time.ParseDuration(cfg.WatcherPollEvery)
		if err != nil {
			return fmt.Errorf("parsing watcher poll interval %q: %w", cfg.WatcherPollEvery, err)
		}
		logger.Info("watcher: polling strategy", "interval", interval)
		return watcher.NewPollingWatcher(store, b, interval, logger).Run(ctx)
	default:
		logger.Info("watcher: streaming strategy")
		return watcher.NewStreamingWatcher(store.Dialer(), b, logger).Run(ctx)
	}
}

// runRouter runs the Tiered Storage Event Router (C4).
func runRouter(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	b, err := natsbus.Connect(ctx, cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	defer b.Close()

	notifier := opsnotify.New(cfg.SlackBotToken, cfg.SlackOpsChannel, logger)
	rt := router.New(b, notifier, logger, routerInstanceID())
	return rt.Start(ctx)
}

func routerInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "router"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// runWorker runs one tier's Storage Worker (C5), selected by cfg.WorkerTier.
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool) error {
	b, err := natsbus.Connect(ctx, cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	defer b.Close()

	store, err := s3store.New(s3store.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		UseSSL:    cfg.S3UseSSL,
		Bucket:    cfg.S3Bucket,
	})
	if err != nil {
		return fmt.Errorf("connecting to object store: %w", err)
	}

	files, err := repository.New[model.File](db, repository.DefaultRegistry, "files")
	if err != nil {
		return fmt.Errorf("building files repository: %w", err)
	}
	resources, err := repository.New[model.Resource](db, repository.DefaultRegistry, "resources")
	if err != nil {
		return fmt.Errorf("building resources repository: %w", err)
	}
	engramDocs, err := repository.New[map[string]any](db, repository.DefaultRegistry, "engram_documents")
	if err != nil {
		return fmt.Errorf("building engram_documents repository: %w", err)
	}
	embeddings := repository.NewEmbeddingStore(db)
	embedder := embedding.NewClient(cfg.EmbeddingServiceURL, cfg.EmbeddingModelName)

	// Concrete content parsers (audio/PDF/text/structured extraction) are
	// external collaborators; none are registered by default.
	parsers := parser.NewRegistry()

	notifier := opsnotify.New(cfg.SlackBotToken, cfg.SlackOpsChannel, logger)

	tier, err := workerTier(cfg.WorkerTier)
	if err != nil {
		return err
	}
	wcfg := worker.ConfigFor(tier)

	tempDir, err := os.MkdirTemp("", "tieredfs-worker-")
	if err != nil {
		return fmt.Errorf("creating worker temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	w := worker.New(wcfg, b, store, files, resources, embeddings, embedder,
		repository.DefaultRegistry, parsers, engram.NewDefaultProcessor(engramDocs), notifier, logger, tempDir)
	return w.Run(ctx)
}

func workerTier(raw string) (router.Tier, error) {
	switch strings.ToLower(raw) {
	case "small", "":
		return router.TierSmall, nil
	case "medium":
		return router.TierMedium, nil
	case "large":
		return router.TierLarge, nil
	default:
		return "", fmt.Errorf("unknown worker tier %q", raw)
	}
}

// runAuthGateway serves the OAuth 2.1/MCP Authorization Core (C7), the MCP
// Session Gateway (C8), and Discovery (C10) over HTTP.
func runAuthGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	store := rediskv.New(rdb)

	tokens, err := buildTokenIssuer(cfg, logger)
	if err != nil {
		return fmt.Errorf("building token issuer: %w", err)
	}
	refreshStore := auth.NewRefreshTokenStore(store)

	devices, err := repository.New[model.Device](db, repository.DefaultRegistry, "devices")
	if err != nil {
		return fmt.Errorf("building devices repository: %w", err)
	}
	tenants, err := repository.New[model.Tenant](db, repository.DefaultRegistry, "tenants")
	if err != nil {
		return fmt.Errorf("building tenants repository: %w", err)
	}

	verificationURI := strings.TrimRight(cfg.PublicBaseURL, "/") + "/device"
	deviceFlow := auth.NewDeviceFlow(store, tokens, refreshStore, devices, verificationURI)
	authzFlow := auth.NewAuthorizationCodeFlow(store, tokens, refreshStore)
	sender := notify.NewEmailSender(cfg.SMTPAddr, cfg.SMTPUsername, cfg.SMTPPassword, cfg.EmailFrom, logger)
	enrollment := auth.NewEnrollment(store, tenants, devices, tokens, refreshStore, sender)

	oauthHandler := auth.NewHandler(deviceFlow, authzFlow, refreshStore, enrollment, tokens)

	// Tool implementations are external collaborators (spec.md §1
	// Non-goal); none are registered by default.
	registry := mcp.NewRegistry()
	gateway := mcp.NewGateway(tokens, registry, logger)

	r := chi.NewRouter()
	r.Use(httpserver.RequestID)
	r.Use(httpserver.Logger(logger))
	r.Use(httpserver.Metrics)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", sessionHeader},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	r.Mount("/oauth", oauthHandler.Routes())
	r.Mount("/.well-known", oauthHandler.DiscoveryRoutes())
	r.Mount("/mcp", gateway.Routes())

	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("authgateway listening", "addr", cfg.ListenAddr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down authgateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildTokenIssuer loads the configured signing key, or generates an
// ephemeral ES256 key when none is configured (dev mode: tokens don't
// survive a restart).
func buildTokenIssuer(cfg *config.Config, logger *slog.Logger) (*auth.TokenIssuer, error) {
	ttl, err := time.ParseDuration(cfg.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("parsing access token ttl %q: %w", cfg.AccessTokenTTL, err)
	}

	if cfg.TokenSigningKeyPath == "" {
		logger.Warn("auth: no signing key configured, generating an ephemeral ES256 key")
		key, err := auth.GenerateES256Key()
		if err != nil {
			return nil, fmt.Errorf("generating dev signing key: %w", err)
		}
		return auth.NewES256Issuer(key, "dev", ttl)
	}

	pemBytes, err := os.ReadFile(cfg.TokenSigningKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading token signing key: %w", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("decoding PEM block from %s", cfg.TokenSigningKeyPath)
	}

	if strings.EqualFold(cfg.TokenSigningAlg, "RS256") {
		key, err := parseRSAPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing RSA private key: %w", err)
		}
		return auth.NewRS256Issuer(key, cfg.TokenIssuer, ttl)
	}

	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing EC private key: %w", err)
	}
	return auth.NewES256Issuer(key, cfg.TokenIssuer, ttl)
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not an RSA private key")
	}
	return key, nil
}
