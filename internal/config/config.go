// Package config loads the registry proxy configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/apolo-platform/platform-registry-api/internal/telemetry"
)

// EnvPrefix is the environment variable prefix for all registry
// settings.
const EnvPrefix = "NP_REGISTRY"

// Upstream registry flavors. The flavor decides how upstream requests
// are authenticated and which management flows are available.
const (
	// UpstreamTypeBasic is a registry protected by HTTP basic auth.
	UpstreamTypeBasic = "basic"

	// UpstreamTypeOAuth is a registry with an OAuth2 token endpoint
	// (Docker Hub, Harbor, GAR and most cloud registries).
	UpstreamTypeOAuth = "oauth"

	// UpstreamTypeECR is AWS Elastic Container Registry.
	UpstreamTypeECR = "aws_ecr"
)

const (
	// DefaultPort is the default API listen port
	DefaultPort = 8080

	// DefaultServerName is the default Basic auth realm presented to clients
	DefaultServerName = "Docker Registry"

	// DefaultMaxCatalogEntries caps the page size of upstream catalog reads
	DefaultMaxCatalogEntries = 1000

	// DefaultSockTimeoutS is the default upstream connect and read timeout
	// in seconds
	DefaultSockTimeoutS = 30

	// DefaultTokenRegistryScope is the token scope requested for catalog reads
	DefaultTokenRegistryScope = "registry:catalog:*"

	// DefaultTokenRepoScopeActions is the action list requested in
	// repository token scopes
	DefaultTokenRepoScopeActions = "*"

	// AuthURLDisabled is the auth service URL value that turns remote
	// credential verification off. Meant for local runs and tests only.
	AuthURLDisabled = "-"
)

// Config is the root configuration, assembled from NP_REGISTRY_*
// environment variables (plus NP_CLUSTER_NAME).
type Config struct {
	Server    ServerConfig
	Cluster   ClusterConfig
	Upstream  UpstreamConfig
	Auth      AuthConfig
	Admin     AdminConfig
	Events    EventsConfig
	Telemetry *telemetry.Config
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	// Port is the listen port (NP_REGISTRY_API_PORT)
	Port int

	// Name is the registry name used as the Basic auth realm
	// (NP_REGISTRY_SERVER_NAME)
	Name string
}

// ListenAddress returns the address for the HTTP listener.
func (c *ServerConfig) ListenAddress() string {
	return fmt.Sprintf(":%d", c.Port)
}

// ClusterConfig identifies the platform cluster this proxy serves.
type ClusterConfig struct {
	// Name is the cluster name used in permission URIs (NP_CLUSTER_NAME)
	Name string
}

// UpstreamConfig defines the upstream registry endpoint and its
// authentication settings.
type UpstreamConfig struct {
	// URL is the upstream registry endpoint (NP_REGISTRY_UPSTREAM_URL)
	URL string

	// Project is the upstream path prefix all proxied images live under
	// (NP_REGISTRY_UPSTREAM_PROJECT)
	Project string

	// Repo optionally nests images one more segment under the project,
	// the way Google Artifact Registry repositories do
	// (NP_REGISTRY_UPSTREAM_REPO)
	Repo string

	// Type is the upstream flavor: basic, oauth or aws_ecr
	// (NP_REGISTRY_UPSTREAM_TYPE)
	Type string

	// MaxCatalogEntries caps upstream catalog page sizes
	// (NP_REGISTRY_UPSTREAM_MAX_CATALOG_ENTRIES)
	MaxCatalogEntries int

	// SockConnectTimeoutS bounds upstream connection establishment, in
	// seconds (NP_REGISTRY_UPSTREAM_SOCK_CONNECT_TIMEOUT_S)
	SockConnectTimeoutS int

	// SockReadTimeoutS bounds the wait for upstream response headers on
	// pull requests, in seconds
	// (NP_REGISTRY_UPSTREAM_SOCK_READ_TIMEOUT_S)
	SockReadTimeoutS int

	Token TokenConfig
	Basic BasicAuthConfig
}

// ParseURL parses the configured upstream URL.
func (c *UpstreamConfig) ParseURL() (*url.URL, error) {
	return parseHTTPURL(c.URL)
}

// ConnectTimeout returns the upstream connect timeout as a duration.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.SockConnectTimeoutS) * time.Second
}

// ReadTimeout returns the upstream read timeout as a duration.
func (c *UpstreamConfig) ReadTimeout() time.Duration {
	return time.Duration(c.SockReadTimeoutS) * time.Second
}

// TokenConfig defines the OAuth token endpoint of the upstream
// (NP_REGISTRY_UPSTREAM_TOKEN_*).
type TokenConfig struct {
	URL      string
	Service  string
	Username string
	Password string

	// RegistryScope is the scope requested for catalog reads
	RegistryScope string

	// RepoScopeActions is the action list requested in repository scopes
	RepoScopeActions string
}

// ParseURL parses the configured token endpoint URL.
func (c *TokenConfig) ParseURL() (*url.URL, error) {
	return parseHTTPURL(c.URL)
}

// BasicAuthConfig defines basic auth credentials for the upstream
// (NP_REGISTRY_UPSTREAM_BASIC_*).
type BasicAuthConfig struct {
	Username string
	Password string
}

// AuthConfig defines the platform auth service used to verify caller
// credentials and fetch permission trees (NP_REGISTRY_AUTH_*).
type AuthConfig struct {
	URL   string
	Token string
}

// Enabled reports whether remote credential verification is on. The
// sentinel URL "-" turns it off.
func (c *AuthConfig) Enabled() bool {
	return c.URL != AuthURLDisabled
}

// AdminConfig defines the platform admin service used to resolve user
// project memberships (NP_REGISTRY_ADMIN_*). An empty URL disables the
// membership filters.
type AdminConfig struct {
	URL   string
	Token string
}

// Enabled reports whether the admin service is configured.
func (c *AdminConfig) Enabled() bool {
	return c.URL != ""
}

// EventsConfig defines the platform events service the project-removal
// consumer subscribes to (NP_REGISTRY_EVENTS_*). An empty URL disables
// the consumer.
type EventsConfig struct {
	URL   string
	Token string
}

// Enabled reports whether the events consumer is configured.
func (c *EventsConfig) Enabled() bool {
	return c.URL != ""
}

// Load assembles the configuration from the environment. Call Validate
// on the result before using it.
func Load() *Config {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// The cluster name is shared platform-wide and does not carry the
	// registry prefix.
	_ = v.BindEnv("cluster.name", "NP_CLUSTER_NAME")

	v.SetDefault("api.port", DefaultPort)
	v.SetDefault("server.name", DefaultServerName)
	v.SetDefault("upstream.type", UpstreamTypeOAuth)
	v.SetDefault("upstream.max.catalog.entries", DefaultMaxCatalogEntries)
	v.SetDefault("upstream.sock.connect.timeout.s", DefaultSockTimeoutS)
	v.SetDefault("upstream.sock.read.timeout.s", DefaultSockTimeoutS)
	v.SetDefault("upstream.token.registry.scope", DefaultTokenRegistryScope)
	v.SetDefault("upstream.token.repo.scope.actions", DefaultTokenRepoScopeActions)

	return &Config{
		Server: ServerConfig{
			Port: v.GetInt("api.port"),
			Name: v.GetString("server.name"),
		},
		Cluster: ClusterConfig{
			Name: v.GetString("cluster.name"),
		},
		Upstream: UpstreamConfig{
			URL:                 v.GetString("upstream.url"),
			Project:             v.GetString("upstream.project"),
			Repo:                v.GetString("upstream.repo"),
			Type:                v.GetString("upstream.type"),
			MaxCatalogEntries:   v.GetInt("upstream.max.catalog.entries"),
			SockConnectTimeoutS: v.GetInt("upstream.sock.connect.timeout.s"),
			SockReadTimeoutS:    v.GetInt("upstream.sock.read.timeout.s"),
			Token: TokenConfig{
				URL:              v.GetString("upstream.token.url"),
				Service:          v.GetString("upstream.token.service"),
				Username:         v.GetString("upstream.token.username"),
				Password:         v.GetString("upstream.token.password"),
				RegistryScope:    v.GetString("upstream.token.registry.scope"),
				RepoScopeActions: v.GetString("upstream.token.repo.scope.actions"),
			},
			Basic: BasicAuthConfig{
				Username: v.GetString("upstream.basic.username"),
				Password: v.GetString("upstream.basic.password"),
			},
		},
		Auth: AuthConfig{
			URL:   v.GetString("auth.url"),
			Token: v.GetString("auth.token"),
		},
		Admin: AdminConfig{
			URL:   v.GetString("admin.url"),
			Token: v.GetString("admin.token"),
		},
		Events: EventsConfig{
			URL:   v.GetString("events.url"),
			Token: v.GetString("events.token"),
		},
		Telemetry: &telemetry.Config{
			Enabled:  v.GetBool("otel.enabled"),
			Endpoint: v.GetString("otel.endpoint"),
			Insecure: v.GetBool("otel.insecure"),
			Tracing: &telemetry.TracingConfig{
				Enabled:  v.GetBool("otel.enabled"),
				Sampling: v.GetFloat64("otel.sampling"),
			},
			Metrics: &telemetry.MetricsConfig{
				Enabled: v.GetBool("otel.enabled"),
			},
		},
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}

	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("api port must be in 1..65535, got %d", c.Server.Port))
	}
	if c.Cluster.Name == "" {
		errs = append(errs, errors.New("cluster name is required"))
	}
	if err := c.Upstream.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("upstream: %w", err))
	}
	if c.Auth.URL == "" {
		errs = append(errs, fmt.Errorf("auth: url is required, %q disables verification", AuthURLDisabled))
	} else if c.Auth.Enabled() {
		if _, err := parseHTTPURL(c.Auth.URL); err != nil {
			errs = append(errs, fmt.Errorf("auth: %w", err))
		}
	}
	if c.Admin.Enabled() {
		if _, err := parseHTTPURL(c.Admin.URL); err != nil {
			errs = append(errs, fmt.Errorf("admin: %w", err))
		}
	}
	if c.Events.Enabled() {
		if _, err := parseHTTPURL(c.Events.URL); err != nil {
			errs = append(errs, fmt.Errorf("events: %w", err))
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}

// Validate checks the upstream settings and reports every problem
// found.
func (c *UpstreamConfig) Validate() error {
	var errs []error

	if c.URL == "" {
		errs = append(errs, errors.New("url is required"))
	} else if _, err := c.ParseURL(); err != nil {
		errs = append(errs, err)
	}
	if c.Project == "" {
		errs = append(errs, errors.New("project is required"))
	}
	if c.MaxCatalogEntries <= 0 {
		errs = append(errs, fmt.Errorf("max catalog entries must be positive, got %d", c.MaxCatalogEntries))
	}
	if c.SockConnectTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("sock connect timeout must be positive, got %d", c.SockConnectTimeoutS))
	}
	if c.SockReadTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("sock read timeout must be positive, got %d", c.SockReadTimeoutS))
	}

	switch c.Type {
	case UpstreamTypeBasic:
		if c.Basic.Username == "" {
			errs = append(errs, errors.New("basic upstream requires a username"))
		}
	case UpstreamTypeOAuth:
		if c.Token.URL == "" {
			errs = append(errs, errors.New("oauth upstream requires a token url"))
		} else if _, err := c.Token.ParseURL(); err != nil {
			errs = append(errs, fmt.Errorf("token: %w", err))
		}
	case UpstreamTypeECR:
		// Credentials come from the standard AWS SDK environment.
	default:
		errs = append(errs, fmt.Errorf("unknown upstream type %q", c.Type))
	}

	return errors.Join(errs...)
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid url %q: host is required", raw)
	}
	return u, nil
}
