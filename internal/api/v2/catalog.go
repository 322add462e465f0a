package v2

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/apolo-platform/platform-registry-api/internal/admin"
	"github.com/apolo-platform/platform-registry-api/internal/api/common"
	"github.com/apolo-platform/platform-registry-api/internal/auth"
	"github.com/apolo-platform/platform-registry-api/internal/authz"
	"github.com/apolo-platform/platform-registry-api/internal/filtering"
	"github.com/apolo-platform/platform-registry-api/internal/registry"
)

const (
	defaultCatalogPageSize   = 100
	defaultMaxCatalogEntries = 1000
)

// catalogParams are the recognized _catalog query parameters.
type catalogParams struct {
	n       int
	last    string
	org     string
	project string
}

func parseCatalogParams(query url.Values, maxEntries int) (catalogParams, error) {
	params := catalogParams{n: defaultCatalogPageSize}
	for name, values := range query {
		value := values[0]
		switch name {
		case "n":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return catalogParams{}, fmt.Errorf("invalid catalog page size %q", value)
			}
			params.n = n
		case "last":
			params.last = value
		case "org":
			params.org = value
		case "project":
			params.project = value
		default:
			return catalogParams{}, fmt.Errorf("unknown catalog parameter %q", name)
		}
	}
	if params.n > maxEntries {
		params.n = maxEntries
	}
	return params, nil
}

// handleCatalog serves GET /v2/_catalog: the upstream catalog reduced to
// the repositories the caller may see, with their names translated into
// registry space.
func (h *Handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	params, err := parseCatalogParams(r.URL.Query(), h.maxCatalogEntries)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	creds, ok := auth.CredentialsFromContext(ctx)
	if !ok {
		h.auth.WriteUnauthorized(w, "authorization required")
		return
	}

	filter, err := h.catalogFilter(ctx, creds.Username, params)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to resolve catalog visibility", "error", err)
		common.WriteErrorResponse(w, "failed to resolve catalog visibility", http.StatusInternalServerError)
		return
	}

	repositories, nextLast, err := h.collectCatalogPage(ctx, params, filter)
	if err != nil {
		h.writeUpstreamError(ctx, w, err)
		return
	}

	if nextLast != "" {
		target := fmt.Sprintf("/v2/_catalog?n=%d&last=%s", h.maxCatalogEntries, url.QueryEscape(nextLast))
		w.Header().Set("Link", registry.FormatNextLink(target))
	}
	common.WriteJSONResponse(w, map[string][]string{"repositories": repositories}, http.StatusOK)
}

// catalogFilter resolves the caller's catalog visibility. Project
// memberships are only fetched when the listing is restricted to an org
// or project.
func (h *Handler) catalogFilter(ctx context.Context, username string, params catalogParams) (*filtering.ImageFilter, error) {
	tree, err := h.checker.GetPermissionsTree(ctx, username, authz.CatalogURI(h.cluster))
	if err != nil {
		return nil, fmt.Errorf("failed to get permissions tree: %w", err)
	}

	var memberships []admin.ProjectMembership
	if params.org != "" || params.project != "" {
		user, err := h.admin.GetUser(ctx, username, true)
		if err != nil {
			return nil, fmt.Errorf("failed to get user projects: %w", err)
		}
		memberships = user.Projects
	}

	return filtering.NewImageFilter(filtering.ImageFilterOptions{
		Prefix:      h.imagePrefix(),
		Tree:        tree,
		Memberships: memberships,
		Org:         params.org,
		Project:     params.project,
	}), nil
}

// collectCatalogPage walks upstream catalog pages until params.n visible
// repositories are collected or the catalog ends, and returns the "last"
// cursor the next page should continue from.
func (h *Handler) collectCatalogPage(ctx context.Context, params catalogParams, filter *filtering.ImageFilter) ([]string, string, error) {
	filtered := []string{}
	if params.n == 0 {
		return filtered, "", nil
	}

	var (
		index              int
		moreImages         bool
		lastTokenIsCorrect bool
		nextLast           string
	)
	lastToken := params.last
	for {
		page, err := h.upstream.Catalog(ctx, max(params.n-len(filtered), h.maxCatalogEntries), lastToken)
		if err != nil {
			return nil, "", err
		}
		if len(page.Repositories) == 0 {
			break
		}

		index = 0
		full := false
		for i, name := range page.Repositories {
			index = i + 1
			if repo, ok := filter.FilterRepo(ctx, name); ok {
				filtered = append(filtered, repo)
				if len(filtered) == params.n {
					full = true
					break
				}
			}
		}
		if full {
			moreImages = page.HasNext || index < len(page.Repositories)
			if index == len(page.Repositories) {
				lastTokenIsCorrect = true
				nextLast = page.NextLast
			}
			break
		}
		if !page.HasNext {
			break
		}
		lastToken = page.NextLast
	}

	if moreImages && !lastTokenIsCorrect {
		// The page filled up mid batch, so the batch's own next link
		// points too far ahead. Refetch exactly the consumed entries to
		// learn the upstream's cursor for the cut point.
		page, err := h.upstream.Catalog(ctx, index, lastToken)
		if err != nil {
			return nil, "", err
		}
		nextLast = page.NextLast
	}
	return filtered, nextLast, nil
}
