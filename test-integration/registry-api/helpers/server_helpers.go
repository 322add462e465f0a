package helpers

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/apolo-platform/platform-registry-api/internal/admin"
	"github.com/apolo-platform/platform-registry-api/internal/api"
	v2 "github.com/apolo-platform/platform-registry-api/internal/api/v2"
	"github.com/apolo-platform/platform-registry-api/internal/auth"
	"github.com/apolo-platform/platform-registry-api/internal/authz"
	"github.com/apolo-platform/platform-registry-api/internal/upstream"
)

// HarnessOptions configures a registry proxy harness.
type HarnessOptions struct {
	// Project is the upstream path prefix, "test-project" when empty.
	Project string

	// Repo optionally nests images one more segment under the project.
	Repo string

	// Cluster is the cluster name in permission URIs, "default" when
	// empty.
	Cluster string

	// MaxCatalogEntries caps catalog page sizes, 1000 when zero.
	MaxCatalogEntries int
}

// RegistryHarness wires a real proxy server to fake upstream, auth and
// admin services.
type RegistryHarness struct {
	Upstream *FakeUpstream
	Auth     *FakeAuthService
	Admin    *FakeAdminService

	Server *httptest.Server

	client *http.Client
}

// StartHarness boots the fakes and a proxy server wired to them. Close
// releases everything.
func StartHarness(opts HarnessOptions) *RegistryHarness {
	if opts.Project == "" {
		opts.Project = "test-project"
	}
	if opts.Cluster == "" {
		opts.Cluster = "default"
	}

	fakeUpstream := NewFakeUpstream("upstream-user", "upstream-password")
	authSvc := NewFakeAuthService()
	adminSvc := NewFakeAdminService()

	upstreamURL, _ := url.Parse(fakeUpstream.URL())
	client := upstream.NewClient(upstream.ClientOptions{
		URL:      upstreamURL,
		Project:  opts.Project,
		Repo:     opts.Repo,
		Strategy: upstream.NewBasicAuthStrategy(fakeUpstream.Username, fakeUpstream.Password),
	})

	checker := authz.NewClient(authSvc.URL(), authSvc.ServiceToken, nil)
	users := admin.NewClient(adminSvc.URL(), adminSvc.ServiceToken, nil)

	handler := v2.NewHandler(v2.HandlerOptions{
		Upstream:          client,
		Checker:           checker,
		Admin:             users,
		Authenticator:     auth.NewAuthenticator(checker, "Integration Registry"),
		UpstreamURL:       upstreamURL,
		UpstreamProject:   opts.Project,
		UpstreamRepo:      opts.Repo,
		ClusterName:       opts.Cluster,
		MaxCatalogEntries: opts.MaxCatalogEntries,
	})

	router := api.NewServer(handler,
		api.WithMiddlewares(
			middleware.RequestID,
			api.VersionMiddleware("integration"),
			api.LoggingMiddleware,
		),
	)

	return &RegistryHarness{
		Upstream: fakeUpstream,
		Auth:     authSvc,
		Admin:    adminSvc,
		Server:   httptest.NewServer(router),
		client: &http.Client{
			// Location headers are under test, redirects stay unfollowed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Close shuts down the proxy and every fake service.
func (h *RegistryHarness) Close() {
	h.Server.Close()
	h.Upstream.Close()
	h.Auth.Close()
	h.Admin.Close()
}

// Do issues a request against the proxy with the user's basic
// credentials. An empty username sends no Authorization header.
func (h *RegistryHarness) Do(method, path, username, password string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, h.Server.URL+path, body)
	if err != nil {
		return nil, err
	}
	if username != "" {
		req.SetBasicAuth(username, password)
	}
	return h.client.Do(req)
}

// Get issues an authenticated GET against the proxy.
func (h *RegistryHarness) Get(path, username, password string) (*http.Response, error) {
	return h.Do(http.MethodGet, path, username, password, nil)
}
