package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/apolo-platform/platform-registry-api/internal/otel"
	"github.com/apolo-platform/platform-registry-api/internal/registry"
	"github.com/apolo-platform/platform-registry-api/internal/telemetry"
	"github.com/apolo-platform/platform-registry-api/pkg/httpclient"
)

const (
	// TracerName is the name of the upstream client tracer.
	TracerName = "github.com/apolo-platform/platform-registry-api/upstream"

	maxDeleteConcurrency = 5
	listImagesPageSize   = 1000
	maxErrorBodySize     = 4096

	manifestV2ContentType = "application/vnd.docker.distribution.manifest.v2+json"
)

// ClientOptions configures the upstream registry client.
type ClientOptions struct {
	URL     *url.URL
	Project string
	// Repo optionally nests every image under one more path segment, the
	// way Google Artifact Registry repositories do.
	Repo     string
	Strategy AuthStrategy
	// ECR is set when the upstream is AWS ECR. It enables the management
	// flows the registry HTTP API does not cover there.
	ECR            *ECR
	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for upstream response headers on pull
	// requests. Pushes are not bounded, uploads can be arbitrarily slow.
	ReadTimeout time.Duration
	// Metrics records upstream request metrics, nil disables recording.
	Metrics *telemetry.UpstreamMetrics
	// Tracer traces the composite upstream operations, nil disables
	// tracing.
	Tracer trace.Tracer
}

// Client talks to the upstream Docker registry on behalf of the proxy.
type Client struct {
	pushClient     *http.Client
	pullClient     *http.Client
	redirectClient *http.Client
	strategy       AuthStrategy
	ecr            *ECR
	baseURL        *url.URL
	imagePrefix    string
	isGAR          bool
	deleteSem      *semaphore.Weighted
	metrics        *telemetry.UpstreamMetrics
	tracer         trace.Tracer
}

// NewClient creates an upstream client. Zero timeouts fall back to the
// 30 second defaults.
func NewClient(opts ClientOptions) *Client {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = httpclient.DefaultConnectTimeout
	}
	readTimeout := opts.ReadTimeout
	if readTimeout == 0 {
		readTimeout = httpclient.DefaultResponseHeaderTimeout
	}

	prefix := opts.Project + "/"
	if opts.Repo != "" {
		prefix += opts.Repo + "/"
	}

	return &Client{
		pushClient: httpclient.New(httpclient.Options{
			ConnectTimeout: connectTimeout,
		}),
		pullClient: httpclient.New(httpclient.Options{
			ConnectTimeout:        connectTimeout,
			ResponseHeaderTimeout: readTimeout,
		}),
		redirectClient: httpclient.New(httpclient.Options{
			ConnectTimeout:        connectTimeout,
			ResponseHeaderTimeout: readTimeout,
			FollowRedirects:       true,
		}),
		strategy:    opts.Strategy,
		ecr:         opts.ECR,
		baseURL:     opts.URL,
		imagePrefix: prefix,
		isGAR:       strings.HasSuffix(opts.URL.Hostname(), ".pkg.dev"),
		deleteSem:   semaphore.NewWeighted(maxDeleteConcurrency),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
	}
}

func (c *Client) startSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.StartSpan(ctx, c.tracer, name, opts...)
}

// ECR returns the ECR management API, nil unless the upstream is AWS
// ECR.
func (c *Client) ECR() *ECR { return c.ecr }

func (c *Client) buildURL(path string, query url.Values) *url.URL {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return &u
}

func (c *Client) fullRepoName(repo string) string {
	return c.imagePrefix + repo
}

func (c *Client) repoURL(repo, suffix string) *url.URL {
	return c.buildURL("/v2/"+c.fullRepoName(repo)+"/"+suffix, nil)
}

// do issues a request with the pull client and maps non-2xx responses
// onto errors the way the upstream error taxonomy expects.
func (c *Client) do(ctx context.Context, method string, u *url.URL, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	for name, values := range headers {
		req.Header[name] = values
	}

	start := time.Now()
	resp, err := c.pullClient.Do(req)
	if err != nil {
		// Zero status marks requests that never produced a response.
		c.metrics.RecordRequest(ctx, method, 0, time.Since(start))
		return nil, fmt.Errorf("failed to request upstream: %w", err)
	}
	c.metrics.RecordRequest(ctx, method, resp.StatusCode, time.Since(start))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, httpclient.NewUpstreamError(resp.StatusCode, req.URL.String(), string(body))
	}
	return resp, nil
}

// CheckVersion confirms the upstream speaks the v2 registry API and
// returns the version check payload.
func (c *Client) CheckVersion(ctx context.Context) (map[string]any, error) {
	headers, err := c.strategy.HeadersForVersionCheck(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodGet, c.buildURL("/v2/", nil), headers)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	payload := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, httpclient.NewProtocolError(resp.Request.URL.String(),
			fmt.Errorf("failed to decode version check response: %w", err))
	}
	return payload, nil
}

// CatalogPage is one upstream catalog page.
type CatalogPage struct {
	Repositories []string
	// NextLast is the "last" cursor of the upstream's rel="next" link,
	// meaningful only when HasNext.
	NextLast string
	HasNext  bool
}

// Catalog fetches one catalog page of up to n entries after the last
// cursor.
func (c *Client) Catalog(ctx context.Context, n int, last string) (CatalogPage, error) {
	ctx, span := c.startSpan(ctx, "upstream.Catalog",
		trace.WithAttributes(otel.AttrPageSize.Int(n)))
	defer span.End()

	headers, err := c.strategy.HeadersForCatalog(ctx)
	if err != nil {
		otel.RecordError(span, err)
		return CatalogPage{}, err
	}

	query := url.Values{"n": []string{strconv.Itoa(n)}}
	if last != "" {
		query.Set("last", last)
	}
	resp, err := c.do(ctx, http.MethodGet, c.buildURL("/v2/_catalog", query), headers)
	if err != nil {
		otel.RecordError(span, err)
		return CatalogPage{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var payload struct {
		Repositories []string `json:"repositories"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		err = httpclient.NewProtocolError(resp.Request.URL.String(),
			fmt.Errorf("failed to decode catalog response: %w", err))
		otel.RecordError(span, err)
		return CatalogPage{}, err
	}

	page := CatalogPage{Repositories: payload.Repositories}
	if next := registry.NextLinkURL(resp.Header); next != "" {
		nextURL, err := url.Parse(next)
		if err != nil {
			err = httpclient.NewProtocolError(resp.Request.URL.String(),
				fmt.Errorf("failed to parse catalog next link: %w", err))
			otel.RecordError(span, err)
			return CatalogPage{}, err
		}
		page.HasNext = true
		page.NextLast = nextURL.Query().Get("last")
	}
	span.SetAttributes(
		otel.AttrResultCount.Int(len(page.Repositories)),
		otel.AttrHasCursor.Bool(page.HasNext),
	)
	return page, nil
}

// ListImages walks the whole upstream catalog and returns the
// registry-visible names of the project's images, the upstream prefix
// stripped.
func (c *Client) ListImages(ctx context.Context, org, project string) ([]string, error) {
	ctx, span := c.startSpan(ctx, "upstream.ListImages",
		trace.WithAttributes(otel.AttrOrg.String(org), otel.AttrProject.String(project)))
	defer span.End()

	prefix := c.imagePrefix + org + "/" + project + "/"
	var images []string
	last := ""
	for {
		page, err := c.Catalog(ctx, listImagesPageSize, last)
		if err != nil {
			otel.RecordError(span, err)
			return nil, err
		}
		if len(page.Repositories) == 0 {
			break
		}
		for _, name := range page.Repositories {
			if strings.HasPrefix(name, prefix) {
				images = append(images, strings.TrimPrefix(name, c.imagePrefix))
			}
		}
		if !page.HasNext {
			break
		}
		last = page.NextLast
	}
	span.SetAttributes(otel.AttrResultCount.Int(len(images)))
	return images, nil
}

// ImageTagsList returns every tag of the image. Images without tags
// yield an empty slice.
func (c *Client) ImageTagsList(ctx context.Context, repo string) ([]string, error) {
	headers, err := c.strategy.HeadersForRepo(ctx, c.fullRepoName(repo), "")
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodGet, c.repoURL(repo, "tags/list"), headers)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var payload struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, httpclient.NewProtocolError(resp.Request.URL.String(),
			fmt.Errorf("failed to decode tags response: %w", err))
	}
	if payload.Tags == nil {
		return []string{}, nil
	}
	return payload.Tags, nil
}

// TagsPage is a raw upstream tags list reply.
type TagsPage struct {
	StatusCode int
	Payload    []byte

	// NextLink is the target of the upstream rel="next" link, empty when
	// the listing is complete.
	NextLink string
}

// ImageTagsPage fetches one page of the upstream tags list, passing the
// caller's paging query through. Non-2xx replies are returned rather
// than mapped to errors so handlers can translate upstream error
// payloads for the caller.
func (c *Client) ImageTagsPage(ctx context.Context, repo string, query url.Values) (TagsPage, error) {
	headers, err := c.strategy.HeadersForRepo(ctx, c.fullRepoName(repo), "")
	if err != nil {
		return TagsPage{}, err
	}

	u := c.repoURL(repo, "tags/list")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return TagsPage{}, fmt.Errorf("failed to create upstream request: %w", err)
	}
	for name, values := range headers {
		req.Header[name] = values
	}

	start := time.Now()
	resp, err := c.pullClient.Do(req)
	if err != nil {
		c.metrics.RecordRequest(ctx, http.MethodGet, 0, time.Since(start))
		return TagsPage{}, fmt.Errorf("failed to request upstream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.metrics.RecordRequest(ctx, http.MethodGet, resp.StatusCode, time.Since(start))

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return TagsPage{}, fmt.Errorf("failed to read tags response: %w", err)
	}
	return TagsPage{
		StatusCode: resp.StatusCode,
		Payload:    payload,
		NextLink:   registry.NextLinkURL(resp.Header),
	}, nil
}

// ImageDigest resolves a tag to its manifest digest.
func (c *Client) ImageDigest(ctx context.Context, repo, tag string) (string, error) {
	headers, err := c.strategy.HeadersForRepo(ctx, c.fullRepoName(repo), "")
	if err != nil {
		return "", err
	}
	headers.Set("Accept", manifestV2ContentType)

	resp, err := c.do(ctx, http.MethodGet, c.repoURL(repo, "manifests/"+tag), headers)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", httpclient.NewProtocolError(resp.Request.URL.String(),
			fmt.Errorf("no digest header in the manifest response for %s:%s", repo, tag))
	}
	return digest, nil
}

// DeleteImageTag deletes one tag of the image.
func (c *Client) DeleteImageTag(ctx context.Context, repo, tag string) error {
	if err := c.deleteSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.deleteSem.Release(1)
	return c.deleteManifest(ctx, repo, tag)
}

// DeleteImageManifest deletes a manifest by digest. Google Artifact
// Registry refuses to delete manifests that still have tags, so tags
// must carry every tag pointing at the digest and is deleted first
// there.
func (c *Client) DeleteImageManifest(ctx context.Context, repo, digest string, tags []string) error {
	ctx, span := c.startSpan(ctx, "upstream.DeleteImageManifest",
		trace.WithAttributes(otel.AttrRepo.String(repo)))
	defer span.End()

	if c.isGAR {
		group, groupCtx := errgroup.WithContext(ctx)
		for _, tag := range tags {
			group.Go(func() error {
				return ignoreNotFound(c.DeleteImageTag(groupCtx, repo, tag))
			})
		}
		if err := group.Wait(); err != nil {
			otel.RecordError(span, err)
			return err
		}
	}

	if err := c.deleteSem.Acquire(ctx, 1); err != nil {
		otel.RecordError(span, err)
		return err
	}
	defer c.deleteSem.Release(1)
	if err := c.deleteManifest(ctx, repo, digest); err != nil {
		otel.RecordError(span, err)
		return err
	}
	return nil
}

func (c *Client) deleteManifest(ctx context.Context, repo, ref string) error {
	headers, err := c.strategy.HeadersForRepo(ctx, c.fullRepoName(repo), "")
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodDelete, c.repoURL(repo, "manifests/"+ref), headers)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		return httpclient.NewHTTPError(resp.StatusCode, resp.Request.URL.String(),
			"unexpected status for a manifest deletion")
	}
	return nil
}

// ignoreNotFound drops upstream 404s. Project deletions are retried on
// redelivery, so repos, tags and manifests may already be gone.
func ignoreNotFound(err error) error {
	if httpclient.StatusCode(err) == http.StatusNotFound {
		return nil
	}
	return err
}

// DeleteProjectImages deletes every image of the project from the
// upstream. Images and tags are enumerated sequentially, manifest
// deletions run concurrently under the delete semaphore.
func (c *Client) DeleteProjectImages(ctx context.Context, org, project string) error {
	ctx, span := c.startSpan(ctx, "upstream.DeleteProjectImages",
		trace.WithAttributes(otel.AttrOrg.String(org), otel.AttrProject.String(project)))
	defer span.End()

	images, err := c.ListImages(ctx, org, project)
	if err != nil {
		otel.RecordError(span, err)
		return err
	}

	type manifest struct {
		repo   string
		digest string
		tags   []string
	}
	var manifests []manifest
	for _, image := range images {
		tags, err := c.ImageTagsList(ctx, image)
		if httpclient.StatusCode(err) == http.StatusNotFound {
			// The image vanished after the catalog read.
			continue
		}
		if err != nil {
			otel.RecordError(span, err)
			return err
		}
		digestTags := make(map[string][]string)
		var digests []string
		for _, tag := range tags {
			digest, err := c.ImageDigest(ctx, image, tag)
			if httpclient.StatusCode(err) == http.StatusNotFound {
				continue
			}
			if err != nil {
				otel.RecordError(span, err)
				return err
			}
			if _, ok := digestTags[digest]; !ok {
				digests = append(digests, digest)
			}
			digestTags[digest] = append(digestTags[digest], tag)
		}
		for _, digest := range digests {
			manifests = append(manifests, manifest{repo: image, digest: digest, tags: digestTags[digest]})
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, m := range manifests {
		group.Go(func() error {
			return ignoreNotFound(c.DeleteImageManifest(groupCtx, m.repo, m.digest, m.tags))
		})
	}
	if err := group.Wait(); err != nil {
		otel.RecordError(span, err)
		return err
	}
	return nil
}
