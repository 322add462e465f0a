package v2

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/apolo-platform/platform-registry-api/internal/api/common"
	"github.com/apolo-platform/platform-registry-api/internal/authz"
	"github.com/apolo-platform/platform-registry-api/internal/registry"
	"github.com/apolo-platform/platform-registry-api/internal/upstream"
)

// handleTagsList serves GET /v2/{repo}/tags/list. Upstream replies carry
// the upstream repository name, so payloads are rewritten into registry
// space before they go out.
func (h *Handler) handleTagsList(w http.ResponseWriter, r *http.Request, repo string) {
	permissions := []authz.Permission{{
		URI:    authz.ImageURI(h.cluster, repo),
		Action: authz.ActionRead,
	}}
	if !h.checkPermissions(w, r, permissions) {
		return
	}

	if h.upstream.ECR() != nil {
		h.serveECRTagsList(r.Context(), w, repo, r.URL.Query().Get("last"))
		return
	}
	h.serveProxiedTagsList(w, r, repo)
}

// serveProxiedTagsList forwards the tags listing to the upstream and
// passes its reply through, status included, with the repository name
// and the next link mapped back into registry space.
func (h *Handler) serveProxiedTagsList(w http.ResponseWriter, r *http.Request, repo string) {
	page, err := h.upstream.ImageTagsPage(r.Context(), repo, r.URL.Query())
	if err != nil {
		h.writeUpstreamError(r.Context(), w, err)
		return
	}

	payload, err := rewriteTagsPayload(page.Payload, repo)
	if err != nil {
		slog.ErrorContext(r.Context(), "Unexpected upstream tags response", "error", err)
		common.WriteErrorResponse(w, "unexpected upstream tags response", http.StatusBadGateway)
		return
	}

	if page.NextLink != "" {
		if link := registryTagsLink(repo, page.NextLink); link != "" {
			w.Header().Set("Link", registry.FormatNextLink(link))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(page.StatusCode)
	_, _ = w.Write(payload)
}

// rewriteTagsPayload replaces the repository name in a tags listing
// payload, both in the listing itself and in error details.
func rewriteTagsPayload(payload []byte, repo string) ([]byte, error) {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}
	if _, ok := body["name"]; ok {
		body["name"] = repo
	}
	if errs, ok := body["errors"].([]any); ok {
		for _, e := range errs {
			entry, ok := e.(map[string]any)
			if !ok {
				continue
			}
			detail, ok := entry["detail"].(map[string]any)
			if !ok {
				continue
			}
			if _, ok := detail["name"]; ok {
				detail["name"] = repo
			}
		}
	}
	return json.Marshal(body)
}

// registryTagsLink rebases an upstream tags next link onto the registry
// repository path, keeping the upstream's query.
func registryTagsLink(repo, target string) string {
	parsed, err := url.Parse(target)
	if err != nil {
		return ""
	}
	local := url.URL{Path: "/v2/" + repo + "/tags/list", RawQuery: parsed.RawQuery}
	return local.String()
}

// serveECRTagsList lists tags through the ECR management API. ECR keeps
// repositories around after their last image is deleted, so a listing
// that comes back empty removes the repository to make it drop out of
// the catalog.
func (h *Handler) serveECRTagsList(ctx context.Context, w http.ResponseWriter, repo, last string) {
	fullName := h.imagePrefix() + repo
	tags, nextToken, err := h.upstream.ECR().ListImageTags(ctx, fullName, last)
	if errors.Is(err, upstream.ErrRepositoryNotFound) {
		common.WriteJSONResponse(w, registry.Errors{Errors: []registry.Error{{
			Code:    registry.ErrorCodeNameUnknown,
			Message: "Repository name not known to registry",
			Detail:  map[string]string{"name": repo},
		}}}, http.StatusNotFound)
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list image tags", "repo", fullName, "error", err)
		common.WriteJSONResponse(w, registry.Errors{Errors: []registry.Error{{
			Code:    registry.ErrorCodeUnsupported,
			Message: "The operation is unsupported.",
			Detail:  err.Error(),
		}}}, http.StatusBadRequest)
		return
	}

	if last == "" && len(tags) == 0 && nextToken == "" {
		if err := h.upstream.ECR().DeleteRepo(ctx, fullName); err != nil {
			slog.WarnContext(ctx, "Failed to delete empty repository", "repo", fullName, "error", err)
		}
	}

	if nextToken != "" {
		target := "/v2/" + repo + "/tags/list?last=" + url.QueryEscape(nextToken)
		w.Header().Set("Link", registry.FormatNextLink(target))
	}
	if tags == nil {
		tags = []string{}
	}
	common.WriteJSONResponse(w, map[string]any{"name": repo, "tags": tags}, http.StatusOK)
}
