package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apolo-platform/platform-registry-api/internal/cache"
	"github.com/apolo-platform/platform-registry-api/pkg/httpclient"
)

const (
	// DefaultCatalogScope is the token scope requested for catalog reads.
	DefaultCatalogScope = "registry:catalog:*"
	// DefaultRepoScopeActions is the action list requested in repository
	// token scopes.
	DefaultRepoScopeActions = "*"

	defaultTokenExpiresIn = 60 * time.Second
	// Token lifetimes are scaled down so tokens are refreshed before the
	// upstream starts rejecting them.
	tokenExpirationRatio = 0.75

	maxTokenPayloadSize = 1 << 20
)

var errNoAccessToken = errors.New("no access token")

// OAuthToken is a bearer token issued by the upstream token endpoint.
type OAuthToken struct {
	AccessToken string
	ExpiresAt   time.Time
}

// ParseOAuthToken parses a token endpoint response. The token is taken
// from the "token" field, falling back to "access_token". The expiry is
// computed from "issued_at" and "expires_in", scaled by the expiration
// ratio; "expires_in" defaults to 60 seconds, "issued_at" to now.
func ParseOAuthToken(payload []byte, now func() time.Time) (OAuthToken, error) {
	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   *int   `json:"expires_in"`
		IssuedAt    string `json:"issued_at"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return OAuthToken{}, fmt.Errorf("failed to parse token payload: %w", err)
	}

	token := body.Token
	if token == "" {
		token = body.AccessToken
	}
	if token == "" {
		return OAuthToken{}, errNoAccessToken
	}

	expiresIn := defaultTokenExpiresIn
	if body.ExpiresIn != nil {
		expiresIn = time.Duration(*body.ExpiresIn) * time.Second
	}
	issuedAt := now()
	if body.IssuedAt != "" {
		parsed, err := time.Parse(time.RFC3339, body.IssuedAt)
		if err != nil {
			return OAuthToken{}, fmt.Errorf("failed to parse issued_at: %w", err)
		}
		issuedAt = parsed
	}

	return OAuthToken{
		AccessToken: token,
		ExpiresAt:   issuedAt.Add(time.Duration(float64(expiresIn) * tokenExpirationRatio)),
	}, nil
}

// OAuthConfig describes the token endpoint of an OAuth protected
// upstream registry.
type OAuthConfig struct {
	TokenURL *url.URL
	Service  string
	Username string
	Password string
	// CatalogScope and RepoScopeActions fall back to DefaultCatalogScope
	// and DefaultRepoScopeActions when empty.
	CatalogScope     string
	RepoScopeActions string
}

// OAuthStrategy fetches per-scope bearer tokens from the upstream token
// endpoint and caches them until they near expiry.
type OAuthStrategy struct {
	httpClient   *http.Client
	tokenURL     *url.URL
	service      string
	username     string
	password     string
	catalogScope string
	scopeActions string
	cache        *cache.Expiring[http.Header]
	now          func() time.Time
}

var _ AuthStrategy = (*OAuthStrategy)(nil)

// NewOAuthStrategy creates an OAuth strategy. A nil client gets a
// default with a 30 second request timeout.
func NewOAuthStrategy(cfg OAuthConfig, client *http.Client) *OAuthStrategy {
	if client == nil {
		client = httpclient.New(httpclient.Options{
			FollowRedirects: true,
			Timeout:         30 * time.Second,
		})
	}
	catalogScope := cfg.CatalogScope
	if catalogScope == "" {
		catalogScope = DefaultCatalogScope
	}
	scopeActions := cfg.RepoScopeActions
	if scopeActions == "" {
		scopeActions = DefaultRepoScopeActions
	}
	return &OAuthStrategy{
		httpClient:   client,
		tokenURL:     cfg.TokenURL,
		service:      cfg.Service,
		username:     cfg.Username,
		password:     cfg.Password,
		catalogScope: catalogScope,
		scopeActions: scopeActions,
		cache:        cache.NewExpiring[http.Header](),
		now:          time.Now,
	}
}

// GetToken requests a fresh token for the given scopes.
func (s *OAuthStrategy) GetToken(ctx context.Context, scopes []string) (OAuthToken, error) {
	u := *s.tokenURL
	query := u.Query()
	query.Set("service", s.service)
	for _, scope := range scopes {
		query.Add("scope", scope)
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return OAuthToken{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(s.username, s.password)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return OAuthToken{}, fmt.Errorf("failed to fetch token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenPayloadSize))
	if err != nil {
		return OAuthToken{}, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return OAuthToken{}, httpclient.NewUpstreamError(resp.StatusCode, req.URL.String(), string(payload))
	}
	token, err := ParseOAuthToken(payload, s.now)
	if err != nil {
		return OAuthToken{}, httpclient.NewProtocolError(req.URL.String(), err)
	}
	return token, nil
}

func (s *OAuthStrategy) headers(ctx context.Context, scopes ...string) (http.Header, error) {
	key := strings.Join(scopes, " ")
	if h, ok := s.cache.Get(key); ok {
		return h.Clone(), nil
	}
	token, err := s.GetToken(ctx, scopes)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+token.AccessToken)
	s.cache.Put(key, h, token.ExpiresAt)
	return h.Clone(), nil
}

func (s *OAuthStrategy) HeadersForVersionCheck(ctx context.Context) (http.Header, error) {
	return s.headers(ctx)
}

func (s *OAuthStrategy) HeadersForCatalog(ctx context.Context) (http.Header, error) {
	return s.headers(ctx, s.catalogScope)
}

func (s *OAuthStrategy) HeadersForRepo(ctx context.Context, repo, mountedRepo string) (http.Header, error) {
	scopes := []string{s.repoScope(repo)}
	if mountedRepo != "" {
		scopes = append(scopes, s.repoScope(mountedRepo))
	}
	return s.headers(ctx, scopes...)
}

func (s *OAuthStrategy) repoScope(repo string) string {
	return "repository:" + repo + ":" + s.scopeActions
}
