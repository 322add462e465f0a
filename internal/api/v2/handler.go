// Package v2 serves the Docker Registry HTTP API v2 surface of the
// proxy: the version check, the filtered catalog, tags listing and the
// streaming passthrough for manifest and blob traffic.
package v2

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/apolo-platform/platform-registry-api/internal/admin"
	"github.com/apolo-platform/platform-registry-api/internal/api/common"
	"github.com/apolo-platform/platform-registry-api/internal/auth"
	"github.com/apolo-platform/platform-registry-api/internal/authz"
	"github.com/apolo-platform/platform-registry-api/internal/registry"
	"github.com/apolo-platform/platform-registry-api/internal/upstream"
	"github.com/apolo-platform/platform-registry-api/pkg/httpclient"
)

// HandlerOptions configures the registry API handler.
type HandlerOptions struct {
	Upstream      *upstream.Client
	Checker       authz.Checker
	Admin         admin.UserGetter
	Authenticator *auth.Authenticator

	// UpstreamURL is the upstream registry origin. UpstreamProject, and
	// UpstreamRepo when the upstream nests repositories, form the prefix
	// under which the proxy's images live there.
	UpstreamURL     *url.URL
	UpstreamProject string
	UpstreamRepo    string

	// ClusterName qualifies permission URIs.
	ClusterName string

	// MaxCatalogEntries caps the catalog page size, 1000 when unset.
	MaxCatalogEntries int
}

// Handler implements the registry API endpoints.
type Handler struct {
	upstream *upstream.Client
	checker  authz.Checker
	admin    admin.UserGetter
	auth     *auth.Authenticator

	upstreamURL     *url.URL
	upstreamProject string
	upstreamRepo    string

	cluster           string
	maxCatalogEntries int
}

// NewHandler creates the registry API handler.
func NewHandler(opts HandlerOptions) *Handler {
	maxEntries := opts.MaxCatalogEntries
	if maxEntries == 0 {
		maxEntries = defaultMaxCatalogEntries
	}
	return &Handler{
		upstream:          opts.Upstream,
		checker:           opts.Checker,
		admin:             opts.Admin,
		auth:              opts.Authenticator,
		upstreamURL:       opts.UpstreamURL,
		upstreamProject:   opts.UpstreamProject,
		upstreamRepo:      opts.UpstreamRepo,
		cluster:           opts.ClusterName,
		maxCatalogEntries: maxEntries,
	}
}

// Router returns the handler's /v2 router. Every route requires basic
// authentication.
func Router(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(h.auth.Middleware)
	r.Get("/", h.handleVersionCheck)
	r.Get("/_catalog", h.handleCatalog)
	r.HandleFunc("/*", h.handle)
	return r
}

// PassthroughHandler returns an authenticated handler for the upstream
// specific endpoints outside /v2, such as Google Artifact Registry
// upload URLs.
func PassthroughHandler(h *Handler) http.Handler {
	return h.auth.Middleware(http.HandlerFunc(h.handle))
}

// handle dispatches repository requests. Tags listings get their own
// treatment, everything else streams through to the upstream.
func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	if repo := tagsListRepo(r.URL.Path); repo != "" && r.Method == http.MethodGet {
		h.handleTagsList(w, r, repo)
		return
	}
	h.handleProxy(w, r)
}

// tagsListRepo extracts the repository name from a tags listing path,
// "" when the path is not one.
func tagsListRepo(path string) string {
	rest, ok := strings.CutPrefix(path, "/v2/")
	if !ok {
		return ""
	}
	repo, ok := strings.CutSuffix(rest, "/tags/list")
	if !ok {
		return ""
	}
	return repo
}

func (h *Handler) handleVersionCheck(w http.ResponseWriter, r *http.Request) {
	payload, err := h.upstream.CheckVersion(r.Context())
	if err != nil {
		h.writeUpstreamError(r.Context(), w, err)
		return
	}
	common.WriteJSONResponse(w, payload, http.StatusOK)
}

func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	repoURL, err := registry.ParseRepoURL(r.URL)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !repoURL.AllowSkipPermissions {
		// Only blob mounts read from a second repository. The "from"
		// query parameter means nothing on other endpoints and must not
		// widen the permission set there.
		suffix := strings.TrimPrefix(r.URL.Path, "/v2/"+repoURL.Repo+"/")
		mountedRepo := ""
		if strings.Contains(suffix, "blobs/uploads") {
			mountedRepo = repoURL.MountedRepo
		}
		permissions := authz.RepoPermissions(h.cluster, repoURL.Repo, mountedRepo, r.Method)
		if !h.checkPermissions(w, r, permissions) {
			return
		}
	}

	if err := h.upstream.ProxyRequest(w, r, repoURL, h.urls(r)); err != nil {
		h.writeUpstreamError(r.Context(), w, err)
	}
}

// checkPermissions verifies that the authenticated caller holds every
// listed permission, writing the error response itself when not.
func (h *Handler) checkPermissions(w http.ResponseWriter, r *http.Request, permissions []authz.Permission) bool {
	creds, ok := auth.CredentialsFromContext(r.Context())
	if !ok {
		h.auth.WriteUnauthorized(w, "authorization required")
		return false
	}

	slog.InfoContext(r.Context(), "Checking permissions", "user", creds.Username, "permissions", permissions)
	allowed, err := h.checker.CheckUserPermissions(r.Context(), creds.Username, permissions)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to check permissions", "error", err)
		common.WriteErrorResponse(w, "failed to check permissions", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		h.auth.WriteUnauthorized(w, "not enough permissions")
		return false
	}
	return true
}

// urls builds the per-request URL factory. The registry's own origin
// follows the Host header and X-Forwarded-Proto, requests reach the
// proxy through the platform ingress.
func (h *Handler) urls(r *http.Request) *registry.URLFactory {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
	}
	origin := &url.URL{Scheme: scheme, Host: r.Host}
	return registry.NewURLFactory(origin, h.upstreamURL, h.upstreamProject, h.upstreamRepo)
}

// imagePrefix returns the upstream repository name prefix, with a
// trailing slash.
func (h *Handler) imagePrefix() string {
	prefix := h.upstreamProject + "/"
	if h.upstreamRepo != "" {
		prefix += h.upstreamRepo + "/"
	}
	return prefix
}

// writeUpstreamError renders an upstream failure. Upstream HTTP errors
// keep their status and sanitized body, anything else is a plain 500.
func (h *Handler) writeUpstreamError(ctx context.Context, w http.ResponseWriter, err error) {
	var httpErr *httpclient.HTTPError
	if errors.As(err, &httpErr) {
		slog.WarnContext(ctx, "Upstream request failed",
			"status", httpErr.StatusCode, "url", httpErr.URL)
		contentType := "text/plain; charset=utf-8"
		if json.Valid([]byte(httpErr.Message)) {
			contentType = "application/json"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(httpErr.StatusCode)
		_, _ = w.Write([]byte(httpErr.Message))
		return
	}

	slog.ErrorContext(ctx, "Upstream request failed", "error", err)
	common.WriteErrorResponse(w, "upstream request failed", http.StatusInternalServerError)
}
