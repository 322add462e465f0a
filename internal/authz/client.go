package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apolo-platform/platform-registry-api/pkg/httpclient"
)

// ErrUnauthorized indicates the auth service rejected the caller's
// credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Checker verifies callers and evaluates their permissions.
type Checker interface {
	// VerifyUser checks that name/password identify a platform user.
	VerifyUser(ctx context.Context, name, password string) error

	// CheckUserPermissions reports whether the user holds every listed
	// permission.
	CheckUserPermissions(ctx context.Context, name string, permissions []Permission) (bool, error)

	// GetPermissionsTree returns the user's permission tree under uri.
	GetPermissionsTree(ctx context.Context, name, uri string) (Tree, error)
}

// Client is the Checker backed by the platform auth service.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	token      string
}

var _ Checker = (*Client)(nil)

// NewClient creates an auth service client. token is the service token
// used for permission lookups. A nil httpClient gets a default with a
// 30 second request timeout.
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

// VerifyUser checks the caller's password against the auth service by
// requesting the user record with the password as the bearer token.
func (c *Client) VerifyUser(ctx context.Context, name, password string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userURL(name), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to verify user: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("user %q: %w", name, ErrUnauthorized)
	default:
		return httpclient.NewHTTPError(resp.StatusCode, req.URL.String(), readErrorBody(resp.Body))
	}
}

// CheckUserPermissions asks the auth service whether the user holds every
// listed permission.
func (c *Client) CheckUserPermissions(ctx context.Context, name string, permissions []Permission) (bool, error) {
	body, err := json.Marshal(permissions)
	if err != nil {
		return false, fmt.Errorf("failed to encode permissions: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.userURL(name)+"/permissions/check", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to check permissions: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		return true, nil
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return false, nil
	default:
		return false, httpclient.NewHTTPError(resp.StatusCode, req.URL.String(), readErrorBody(resp.Body))
	}
}

// GetPermissionsTree fetches the user's permission tree under uri.
func (c *Client) GetPermissionsTree(ctx context.Context, name, uri string) (Tree, error) {
	treeURL := c.userURL(name) + "/permissions/tree?uri=" + url.QueryEscape(uri)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, treeURL, nil)
	if err != nil {
		return Tree{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Tree{}, fmt.Errorf("failed to fetch permissions tree: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Tree{}, httpclient.NewHTTPError(resp.StatusCode, req.URL.String(), readErrorBody(resp.Body))
	}

	var tree Tree
	if err := json.NewDecoder(resp.Body).Decode(&tree); err != nil {
		return Tree{}, fmt.Errorf("failed to decode permissions tree: %w", err)
	}
	return tree, nil
}

func (c *Client) userURL(name string) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/users/" + name
	return u.String()
}

func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	return string(body)
}

// AllowAll is the Checker used when no auth service is configured. Every
// caller is accepted and granted full access.
type AllowAll struct{}

var _ Checker = AllowAll{}

// VerifyUser accepts any credentials.
func (AllowAll) VerifyUser(context.Context, string, string) error { return nil }

// CheckUserPermissions grants every permission.
func (AllowAll) CheckUserPermissions(context.Context, string, []Permission) (bool, error) {
	return true, nil
}

// GetPermissionsTree returns a tree granting full access.
func (AllowAll) GetPermissionsTree(context.Context, string, string) (Tree, error) {
	return Tree{Path: "/", SubTree: SubTree{Action: ActionManage}}, nil
}
