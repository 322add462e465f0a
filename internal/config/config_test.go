package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server:  ServerConfig{Port: DefaultPort, Name: DefaultServerName},
		Cluster: ClusterConfig{Name: "test-cluster"},
		Upstream: UpstreamConfig{
			URL:                 "https://registry.example.com",
			Project:             "project",
			Type:                UpstreamTypeOAuth,
			MaxCatalogEntries:   DefaultMaxCatalogEntries,
			SockConnectTimeoutS: DefaultSockTimeoutS,
			SockReadTimeoutS:    DefaultSockTimeoutS,
			Token:               TokenConfig{URL: "https://registry.example.com/token"},
		},
		Auth: AuthConfig{URL: AuthURLDisabled},
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NP_CLUSTER_NAME", "default")
	t.Setenv("NP_REGISTRY_UPSTREAM_URL", "https://registry.example.com")
	t.Setenv("NP_REGISTRY_UPSTREAM_PROJECT", "project")
	t.Setenv("NP_REGISTRY_UPSTREAM_TOKEN_URL", "https://registry.example.com/token")
	t.Setenv("NP_REGISTRY_AUTH_URL", "-")

	cfg := Load()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, ":8080", cfg.Server.ListenAddress())
	assert.Equal(t, DefaultServerName, cfg.Server.Name)
	assert.Equal(t, "default", cfg.Cluster.Name)
	assert.Equal(t, UpstreamTypeOAuth, cfg.Upstream.Type)
	assert.Empty(t, cfg.Upstream.Repo)
	assert.Equal(t, DefaultMaxCatalogEntries, cfg.Upstream.MaxCatalogEntries)
	assert.Equal(t, 30*time.Second, cfg.Upstream.ConnectTimeout())
	assert.Equal(t, 30*time.Second, cfg.Upstream.ReadTimeout())
	assert.Equal(t, DefaultTokenRegistryScope, cfg.Upstream.Token.RegistryScope)
	assert.Equal(t, DefaultTokenRepoScopeActions, cfg.Upstream.Token.RepoScopeActions)
	assert.False(t, cfg.Auth.Enabled())
	assert.False(t, cfg.Admin.Enabled())
	assert.False(t, cfg.Events.Enabled())
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("NP_CLUSTER_NAME", "production")
	t.Setenv("NP_REGISTRY_API_PORT", "9090")
	t.Setenv("NP_REGISTRY_SERVER_NAME", "Platform Registry")
	t.Setenv("NP_REGISTRY_UPSTREAM_URL", "https://registry-1.docker.io")
	t.Setenv("NP_REGISTRY_UPSTREAM_PROJECT", "apolo")
	t.Setenv("NP_REGISTRY_UPSTREAM_REPO", "images")
	t.Setenv("NP_REGISTRY_UPSTREAM_TYPE", "basic")
	t.Setenv("NP_REGISTRY_UPSTREAM_MAX_CATALOG_ENTRIES", "250")
	t.Setenv("NP_REGISTRY_UPSTREAM_SOCK_CONNECT_TIMEOUT_S", "5")
	t.Setenv("NP_REGISTRY_UPSTREAM_SOCK_READ_TIMEOUT_S", "7")
	t.Setenv("NP_REGISTRY_UPSTREAM_BASIC_USERNAME", "robot")
	t.Setenv("NP_REGISTRY_UPSTREAM_BASIC_PASSWORD", "hunter2")
	t.Setenv("NP_REGISTRY_AUTH_URL", "https://auth.example.com")
	t.Setenv("NP_REGISTRY_AUTH_TOKEN", "auth-token")
	t.Setenv("NP_REGISTRY_ADMIN_URL", "https://admin.example.com")
	t.Setenv("NP_REGISTRY_ADMIN_TOKEN", "admin-token")
	t.Setenv("NP_REGISTRY_EVENTS_URL", "https://events.example.com")
	t.Setenv("NP_REGISTRY_EVENTS_TOKEN", "events-token")
	t.Setenv("NP_REGISTRY_OTEL_ENABLED", "true")
	t.Setenv("NP_REGISTRY_OTEL_ENDPOINT", "collector:4318")
	t.Setenv("NP_REGISTRY_OTEL_INSECURE", "true")
	t.Setenv("NP_REGISTRY_OTEL_SAMPLING", "0.25")

	cfg := Load()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "Platform Registry", cfg.Server.Name)
	assert.Equal(t, "production", cfg.Cluster.Name)
	assert.Equal(t, "https://registry-1.docker.io", cfg.Upstream.URL)
	assert.Equal(t, "apolo", cfg.Upstream.Project)
	assert.Equal(t, "images", cfg.Upstream.Repo)
	assert.Equal(t, UpstreamTypeBasic, cfg.Upstream.Type)
	assert.Equal(t, 250, cfg.Upstream.MaxCatalogEntries)
	assert.Equal(t, 5*time.Second, cfg.Upstream.ConnectTimeout())
	assert.Equal(t, 7*time.Second, cfg.Upstream.ReadTimeout())
	assert.Equal(t, "robot", cfg.Upstream.Basic.Username)
	assert.Equal(t, "hunter2", cfg.Upstream.Basic.Password)
	assert.True(t, cfg.Auth.Enabled())
	assert.Equal(t, "auth-token", cfg.Auth.Token)
	assert.True(t, cfg.Admin.Enabled())
	assert.Equal(t, "admin-token", cfg.Admin.Token)
	assert.True(t, cfg.Events.Enabled())
	assert.Equal(t, "events-token", cfg.Events.Token)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4318", cfg.Telemetry.Endpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.InEpsilon(t, 0.25, cfg.Telemetry.Tracing.Sampling, 1e-9)
}

func TestLoadOAuthUpstream(t *testing.T) {
	t.Setenv("NP_CLUSTER_NAME", "default")
	t.Setenv("NP_REGISTRY_UPSTREAM_URL", "https://harbor.example.com")
	t.Setenv("NP_REGISTRY_UPSTREAM_PROJECT", "project")
	t.Setenv("NP_REGISTRY_UPSTREAM_TYPE", "oauth")
	t.Setenv("NP_REGISTRY_UPSTREAM_TOKEN_URL", "https://harbor.example.com/service/token")
	t.Setenv("NP_REGISTRY_UPSTREAM_TOKEN_SERVICE", "harbor-registry")
	t.Setenv("NP_REGISTRY_UPSTREAM_TOKEN_USERNAME", "robot")
	t.Setenv("NP_REGISTRY_UPSTREAM_TOKEN_PASSWORD", "hunter2")
	t.Setenv("NP_REGISTRY_UPSTREAM_TOKEN_REGISTRY_SCOPE", "registry:catalog:pull")
	t.Setenv("NP_REGISTRY_UPSTREAM_TOKEN_REPO_SCOPE_ACTIONS", "pull,push")
	t.Setenv("NP_REGISTRY_AUTH_URL", "-")

	cfg := Load()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://harbor.example.com/service/token", cfg.Upstream.Token.URL)
	assert.Equal(t, "harbor-registry", cfg.Upstream.Token.Service)
	assert.Equal(t, "robot", cfg.Upstream.Token.Username)
	assert.Equal(t, "hunter2", cfg.Upstream.Token.Password)
	assert.Equal(t, "registry:catalog:pull", cfg.Upstream.Token.RegistryScope)
	assert.Equal(t, "pull,push", cfg.Upstream.Token.RepoScopeActions)

	u, err := cfg.Upstream.Token.ParseURL()
	require.NoError(t, err)
	assert.Equal(t, "/service/token", u.Path)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid oauth",
			mutate: func(*Config) {},
		},
		{
			name: "valid basic",
			mutate: func(cfg *Config) {
				cfg.Upstream.Type = UpstreamTypeBasic
				cfg.Upstream.Basic.Username = "robot"
			},
		},
		{
			name: "valid ecr without credentials",
			mutate: func(cfg *Config) {
				cfg.Upstream.Type = UpstreamTypeECR
				cfg.Upstream.Token = TokenConfig{}
			},
		},
		{
			name:    "bad port",
			mutate:  func(cfg *Config) { cfg.Server.Port = 0 },
			wantErr: "api port must be in 1..65535",
		},
		{
			name:    "missing cluster name",
			mutate:  func(cfg *Config) { cfg.Cluster.Name = "" },
			wantErr: "cluster name is required",
		},
		{
			name:    "missing upstream url",
			mutate:  func(cfg *Config) { cfg.Upstream.URL = "" },
			wantErr: "upstream: url is required",
		},
		{
			name:    "non-http upstream url",
			mutate:  func(cfg *Config) { cfg.Upstream.URL = "ftp://registry.example.com" },
			wantErr: "scheme must be http or https",
		},
		{
			name:    "upstream url without host",
			mutate:  func(cfg *Config) { cfg.Upstream.URL = "https://" },
			wantErr: "host is required",
		},
		{
			name:    "missing upstream project",
			mutate:  func(cfg *Config) { cfg.Upstream.Project = "" },
			wantErr: "upstream: project is required",
		},
		{
			name:    "zero max catalog entries",
			mutate:  func(cfg *Config) { cfg.Upstream.MaxCatalogEntries = 0 },
			wantErr: "max catalog entries must be positive",
		},
		{
			name:    "zero sock connect timeout",
			mutate:  func(cfg *Config) { cfg.Upstream.SockConnectTimeoutS = 0 },
			wantErr: "sock connect timeout must be positive",
		},
		{
			name:    "negative sock read timeout",
			mutate:  func(cfg *Config) { cfg.Upstream.SockReadTimeoutS = -1 },
			wantErr: "sock read timeout must be positive",
		},
		{
			name:    "unknown upstream type",
			mutate:  func(cfg *Config) { cfg.Upstream.Type = "docker" },
			wantErr: `unknown upstream type "docker"`,
		},
		{
			name: "oauth without token url",
			mutate: func(cfg *Config) {
				cfg.Upstream.Token.URL = ""
			},
			wantErr: "oauth upstream requires a token url",
		},
		{
			name: "basic without username",
			mutate: func(cfg *Config) {
				cfg.Upstream.Type = UpstreamTypeBasic
				cfg.Upstream.Basic.Username = ""
			},
			wantErr: "basic upstream requires a username",
		},
		{
			name:    "missing auth url",
			mutate:  func(cfg *Config) { cfg.Auth.URL = "" },
			wantErr: "auth: url is required",
		},
		{
			name:    "bad auth url",
			mutate:  func(cfg *Config) { cfg.Auth.URL = "not a url" },
			wantErr: "auth: invalid url",
		},
		{
			name:    "bad admin url",
			mutate:  func(cfg *Config) { cfg.Admin.URL = "admin.example.com" },
			wantErr: "admin: invalid url",
		},
		{
			name:    "bad events url",
			mutate:  func(cfg *Config) { cfg.Events.URL = "https://" },
			wantErr: "events: invalid url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Cluster.Name = ""
	cfg.Upstream.Project = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cluster name is required")
	assert.Contains(t, err.Error(), "upstream: project is required")
}

func TestValidateNilConfig(t *testing.T) {
	t.Parallel()

	var cfg *Config
	assert.Error(t, cfg.Validate())
}

func TestAuthConfigEnabled(t *testing.T) {
	t.Parallel()

	assert.True(t, (&AuthConfig{URL: "https://auth.example.com"}).Enabled())
	assert.False(t, (&AuthConfig{URL: AuthURLDisabled}).Enabled())
}
