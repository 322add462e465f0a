// Package admin provides the client for the platform admin service,
// used to resolve a user's project memberships.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apolo-platform/platform-registry-api/pkg/httpclient"
)

// ProjectMembership identifies a project a user belongs to. OrgName is
// empty for projects outside any organization.
type ProjectMembership struct {
	OrgName     string `json:"org_name"`
	ProjectName string `json:"project_name"`
}

// User is an admin service user record.
type User struct {
	Name     string              `json:"name"`
	Projects []ProjectMembership `json:"projects,omitempty"`
}

// UserGetter resolves admin user records.
type UserGetter interface {
	GetUser(ctx context.Context, name string, includeProjects bool) (User, error)
}

// Client is the UserGetter backed by the platform admin service.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	token      string
}

var _ UserGetter = (*Client)(nil)

// NewClient creates an admin service client authenticated with the
// service token. A nil httpClient gets a default with a 30 second
// request timeout.
func NewClient(baseURL *url.URL, token string, client *http.Client) *Client {
	if client == nil {
		client = httpclient.New(httpclient.Options{
			FollowRedirects: true,
			Timeout:         30 * time.Second,
		})
	}
	return &Client{
		httpClient: client,
		baseURL:    baseURL,
		token:      token,
	}
}

// GetUser fetches a user record, optionally including the user's project
// memberships.
func (c *Client) GetUser(ctx context.Context, name string, includeProjects bool) (User, error) {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/apis/admin/v1/users/" + name
	if includeProjects {
		u.RawQuery = url.Values{"include": []string{"projects"}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return User{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return User{}, fmt.Errorf("failed to fetch user %q: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return User{}, httpclient.NewHTTPError(resp.StatusCode, req.URL.String(), string(body))
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return User{}, fmt.Errorf("failed to decode user %q: %w", name, err)
	}
	return user, nil
}

// Disabled is the UserGetter used when no admin service is configured.
// Users resolve with no project memberships.
type Disabled struct{}

var _ UserGetter = Disabled{}

// GetUser returns a user record without memberships.
func (Disabled) GetUser(_ context.Context, name string, _ bool) (User, error) {
	return User{Name: name}, nil
}
