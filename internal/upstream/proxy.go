package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/apolo-platform/platform-registry-api/internal/registry"
)

const maxNotFoundBodySize = 64 * 1024

// ProxyRequest forwards a registry API request to the upstream and
// streams the response back to the caller. Request bodies are never
// buffered. Errors are returned only before any response bytes were
// written; mid-stream failures are logged and swallowed.
func (c *Client) ProxyRequest(w http.ResponseWriter, r *http.Request, repoURL registry.RepoURL, urls *registry.URLFactory) error {
	ctx := r.Context()
	upstreamRepoURL := urls.CreateUpstreamRepoURL(repoURL)

	// Manifest deletion is not part of the registry HTTP API on ECR.
	if c.ecr != nil && r.Method == http.MethodDelete {
		if ref, ok := manifestRef(upstreamRepoURL.URL.Path); ok {
			return c.serveECRManifestDelete(ctx, w, upstreamRepoURL.Repo, ref)
		}
	}

	if !isPullRequest(r) {
		if creator, ok := c.strategy.(RepoCreator); ok {
			if err := creator.CreateRepo(ctx, upstreamRepoURL.Repo); err != nil {
				return err
			}
		}
	}

	authHeaders, err := c.strategy.HeadersForRepo(ctx, upstreamRepoURL.Repo, upstreamRepoURL.MountedRepo)
	if err != nil {
		return err
	}

	headers := r.Header.Clone()
	headers.Del("Transfer-Encoding")
	headers.Del("Connection")
	for name, values := range authHeaders {
		headers[name] = values
	}

	var body io.Reader
	if r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, upstreamRepoURL.URL.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create upstream request: %w", err)
	}
	req.Header = headers
	if body != nil {
		req.ContentLength = r.ContentLength
	}

	start := time.Now()
	resp, err := c.proxyClient(r).Do(req)
	if err != nil {
		c.metrics.RecordRequest(ctx, r.Method, 0, time.Since(start))
		return fmt.Errorf("failed to proxy to upstream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.metrics.RecordRequest(ctx, r.Method, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "Upstream registry error",
			"status", resp.StatusCode,
			"url", upstreamRepoURL.URL.Redacted(),
			"headers", resp.Header)
	}

	outHeaders := w.Header()
	for name, values := range resp.Header {
		switch name {
		case "Transfer-Encoding", "Content-Encoding", "Connection":
			continue
		}
		outHeaders[name] = values
	}
	if location := resp.Header.Get("Location"); location != "" {
		outHeaders.Set("Location", c.rewriteLocation(location, urls))
	}

	if resp.StatusCode == http.StatusNotFound {
		return writeScrubbedNotFound(w, resp.Body, urls.UpstreamImagePrefix())
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// The caller went away or the upstream stream broke mid-body.
		slog.DebugContext(ctx, "Proxied stream interrupted", "error", err)
	}
	return nil
}

func (c *Client) serveECRManifestDelete(ctx context.Context, w http.ResponseWriter, repo, ref string) error {
	result, err := c.ecr.DeleteImage(ctx, repo, ref)
	if err != nil {
		return err
	}
	if result.Body == nil {
		w.WriteHeader(result.StatusCode)
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.StatusCode)
	return json.NewEncoder(w).Encode(result.Body)
}

// proxyClient picks the HTTP client for the request. Pulls are bounded
// by the response header timeout; pushes are not. ECR redirects blob
// downloads to S3 presigned URLs which have to be followed server side.
func (c *Client) proxyClient(r *http.Request) *http.Client {
	if !isPullRequest(r) {
		return c.pushClient
	}
	if c.ecr != nil && strings.Contains(r.URL.Path, "/blobs/") {
		return c.redirectClient
	}
	return c.pullClient
}

// rewriteLocation resolves an upstream Location against the upstream
// base URL and maps registry paths back into the caller-visible origin.
// Redirects outside the upstream registry, such as storage links, pass
// through resolved but otherwise untouched.
func (c *Client) rewriteLocation(location string, urls *registry.URLFactory) string {
	parsed, err := url.Parse(location)
	if err != nil {
		return location
	}
	resolved := c.baseURL.ResolveReference(parsed)
	if resolved.Scheme != c.baseURL.Scheme || resolved.Host != c.baseURL.Host {
		return resolved.String()
	}
	repoURL, err := registry.ParseRepoURL(resolved)
	if err != nil {
		return resolved.String()
	}
	registryRepoURL, err := urls.CreateRegistryRepoURL(repoURL)
	if err != nil {
		return resolved.String()
	}
	return registryRepoURL.URL.String()
}

// writeScrubbedNotFound forwards a 404 body with the upstream image
// prefix removed, so upstream repository names never leak to callers.
func writeScrubbedNotFound(w http.ResponseWriter, body io.Reader, prefix string) error {
	payload, err := io.ReadAll(io.LimitReader(body, maxNotFoundBodySize))
	if err != nil {
		return fmt.Errorf("failed to read upstream response: %w", err)
	}
	payload = bytes.ReplaceAll(payload, []byte(prefix), nil)
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write(payload)
	return nil
}

func manifestRef(path string) (string, bool) {
	_, ref, ok := strings.Cut(path, "/manifests/")
	if !ok || ref == "" || strings.Contains(ref, "/") {
		return "", false
	}
	return ref, true
}

func isPullRequest(r *http.Request) bool {
	return r.Method == http.MethodHead || r.Method == http.MethodGet
}
