// Package upstream implements the client side of the upstream Docker
// registry: the auth strategies that acquire upstream credentials and
// the HTTP client that proxies, lists and deletes images there.
package upstream

import (
	"context"
	"encoding/base64"
	"net/http"
)

// AuthStrategy supplies Authorization headers for upstream registry
// requests. Repository names passed in are full upstream names, prefix
// included. Returned headers are owned by the caller.
type AuthStrategy interface {
	HeadersForVersionCheck(ctx context.Context) (http.Header, error)
	HeadersForCatalog(ctx context.Context) (http.Header, error)
	// HeadersForRepo authorizes access to repo and, for cross-repo blob
	// mounts, to the source repository mountedRepo.
	HeadersForRepo(ctx context.Context, repo, mountedRepo string) (http.Header, error)
}

// RepoCreator is implemented by strategies whose upstream requires a
// repository to exist before images can be pushed to it.
type RepoCreator interface {
	CreateRepo(ctx context.Context, repo string) error
}

// BasicAuthStrategy authenticates every upstream request with a static
// username and password.
type BasicAuthStrategy struct {
	username string
	password string
}

var _ AuthStrategy = BasicAuthStrategy{}

// NewBasicAuthStrategy creates a strategy for upstreams protected by
// basic auth.
func NewBasicAuthStrategy(username, password string) BasicAuthStrategy {
	return BasicAuthStrategy{username: username, password: password}
}

func (s BasicAuthStrategy) headers() http.Header {
	credentials := base64.StdEncoding.EncodeToString([]byte(s.username + ":" + s.password))
	h := make(http.Header)
	h.Set("Authorization", "Basic "+credentials)
	return h
}

func (s BasicAuthStrategy) HeadersForVersionCheck(context.Context) (http.Header, error) {
	return s.headers(), nil
}

func (s BasicAuthStrategy) HeadersForCatalog(context.Context) (http.Header, error) {
	return s.headers(), nil
}

func (s BasicAuthStrategy) HeadersForRepo(context.Context, string, string) (http.Header, error) {
	return s.headers(), nil
}
