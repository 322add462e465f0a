package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/apolo-platform/platform-registry-api/internal/admin"
	"github.com/apolo-platform/platform-registry-api/internal/api"
	v2 "github.com/apolo-platform/platform-registry-api/internal/api/v2"
	"github.com/apolo-platform/platform-registry-api/internal/auth"
	"github.com/apolo-platform/platform-registry-api/internal/authz"
	"github.com/apolo-platform/platform-registry-api/internal/config"
	"github.com/apolo-platform/platform-registry-api/internal/events"
	"github.com/apolo-platform/platform-registry-api/internal/telemetry"
	"github.com/apolo-platform/platform-registry-api/internal/upstream"
	"github.com/apolo-platform/platform-registry-api/internal/versions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the registry API server",
	Long: `Start the registry API server and proxy Docker Registry v2 traffic to the
configured upstream.

All settings come from NP_REGISTRY_* environment variables: the upstream
registry endpoint and credentials, the platform auth and admin services,
and the optional events stream for project removals.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout  = 30 * time.Second // Kubernetes-friendly shutdown time
	serverReadHeaderTimeout = 10 * time.Second // Enough for headers; bodies stream freely
	serverIdleTimeout       = 60 * time.Second // Keep connections alive for reuse
)

func init() {
	serveCmd.Flags().String("address", "", "Address to listen on (defaults to the configured port)")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		slog.Error("Failed to bind address flag", "error", err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	address := viper.GetString("address")
	if address == "" {
		address = cfg.Server.ListenAddress()
	}

	slog.Info("Starting registry API server",
		"address", address,
		"upstream", cfg.Upstream.URL,
		"upstream_type", cfg.Upstream.Type,
		"cluster", cfg.Cluster.Name)

	// Initialize telemetry (no-op providers when disabled)
	tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	upstreamClient, err := buildUpstreamClient(ctx, cfg, tel)
	if err != nil {
		return err
	}

	checker, err := buildChecker(cfg)
	if err != nil {
		return err
	}
	users, err := buildUserGetter(cfg)
	if err != nil {
		return err
	}

	upstreamURL, err := cfg.Upstream.ParseURL()
	if err != nil {
		return fmt.Errorf("invalid upstream url: %w", err)
	}
	handler := v2.NewHandler(v2.HandlerOptions{
		Upstream:          upstreamClient,
		Checker:           checker,
		Admin:             users,
		Authenticator:     auth.NewAuthenticator(checker, cfg.Server.Name),
		UpstreamURL:       upstreamURL,
		UpstreamProject:   cfg.Upstream.Project,
		UpstreamRepo:      cfg.Upstream.Repo,
		ClusterName:       cfg.Cluster.Name,
		MaxCatalogEntries: cfg.Upstream.MaxCatalogEntries,
	})

	metricsMiddleware, err := telemetry.MetricsMiddleware(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create metrics middleware: %w", err)
	}

	// No request timeout middleware: image pushes and pulls stream for
	// as long as they need.
	router := api.NewServer(handler,
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			api.VersionMiddleware(versions.GetVersionInfo().Version),
			telemetry.TracingMiddleware(tel.TracerProvider()),
			metricsMiddleware,
			api.LoggingMiddleware,
		),
	)

	// Start the project removal consumer when the events stream is
	// configured
	if cfg.Events.Enabled() {
		deleter, err := buildProjectDeleter(cfg, upstreamClient, tel)
		if err != nil {
			return err
		}
		deleter.Start(ctx)
		defer deleter.Close()
		slog.Info("Project removal consumer started", "events", cfg.Events.URL)
	}

	server := &http.Server{
		Addr:              address,
		Handler:           router,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	// Start server in goroutine
	go func() {
		slog.Info("Server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Server shutdown complete")
	return nil
}

// buildUpstreamClient assembles the upstream registry client with the
// auth strategy the configured upstream type needs.
func buildUpstreamClient(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*upstream.Client, error) {
	upstreamURL, err := cfg.Upstream.ParseURL()
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}

	var (
		strategy  upstream.AuthStrategy
		ecrClient *upstream.ECR
	)
	switch cfg.Upstream.Type {
	case config.UpstreamTypeBasic:
		strategy = upstream.NewBasicAuthStrategy(
			cfg.Upstream.Basic.Username, cfg.Upstream.Basic.Password)

	case config.UpstreamTypeOAuth:
		tokenURL, err := cfg.Upstream.Token.ParseURL()
		if err != nil {
			return nil, fmt.Errorf("invalid token url: %w", err)
		}
		strategy = upstream.NewOAuthStrategy(upstream.OAuthConfig{
			TokenURL:         tokenURL,
			Service:          cfg.Upstream.Token.Service,
			Username:         cfg.Upstream.Token.Username,
			Password:         cfg.Upstream.Token.Password,
			CatalogScope:     cfg.Upstream.Token.RegistryScope,
			RepoScopeActions: cfg.Upstream.Token.RepoScopeActions,
		}, nil)

	case config.UpstreamTypeECR:
		// Region and credentials come from the standard AWS SDK
		// environment
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		ecrClient = upstream.NewECR(ecr.NewFromConfig(awsCfg))
		strategy = ecrClient

	default:
		return nil, fmt.Errorf("unknown upstream type %q", cfg.Upstream.Type)
	}

	metrics, err := telemetry.NewUpstreamMetrics(tel.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream metrics: %w", err)
	}

	return upstream.NewClient(upstream.ClientOptions{
		URL:            upstreamURL,
		Project:        cfg.Upstream.Project,
		Repo:           cfg.Upstream.Repo,
		Strategy:       strategy,
		ECR:            ecrClient,
		ConnectTimeout: cfg.Upstream.ConnectTimeout(),
		ReadTimeout:    cfg.Upstream.ReadTimeout(),
		Metrics:        metrics,
		Tracer:         tel.Tracer(upstream.TracerName),
	}), nil
}

// buildChecker returns the permission checker, remote when the auth
// service is configured.
func buildChecker(cfg *config.Config) (authz.Checker, error) {
	if !cfg.Auth.Enabled() {
		slog.Warn("Auth service disabled, every caller is accepted")
		return authz.AllowAll{}, nil
	}
	authURL, err := url.Parse(cfg.Auth.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid auth url: %w", err)
	}
	return authz.NewClient(authURL, cfg.Auth.Token, nil), nil
}

// buildUserGetter returns the admin service client, disabled when no
// admin endpoint is configured.
func buildUserGetter(cfg *config.Config) (admin.UserGetter, error) {
	if !cfg.Admin.Enabled() {
		return admin.Disabled{}, nil
	}
	adminURL, err := url.Parse(cfg.Admin.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid admin url: %w", err)
	}
	return admin.NewClient(adminURL, cfg.Admin.Token, nil), nil
}

func buildProjectDeleter(cfg *config.Config, client *upstream.Client, tel *telemetry.Telemetry) (*events.ProjectDeleter, error) {
	eventsURL, err := url.Parse(cfg.Events.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid events url: %w", err)
	}
	metrics, err := telemetry.NewEventsMetrics(tel.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create events metrics: %w", err)
	}
	return events.NewProjectDeleter(events.Options{
		URL:     eventsURL,
		Token:   cfg.Events.Token,
		Deleter: client,
		Metrics: metrics,
	}), nil
}
