// Package auth provides caller authentication for the registry API server.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// BasicCredentials carries a caller's HTTP basic credentials.
type BasicCredentials struct {
	Username string
	Password string
}

var (
	errMalformedHeader = errors.New("malformed authorization header")
	errNoSeparator     = errors.New("no user name separator in the credentials payload")
)

// ParseAuthorization parses the value of a Basic Authorization header.
func ParseAuthorization(header string) (BasicCredentials, error) {
	authType, payload, found := strings.Cut(header, " ")
	if !found {
		return BasicCredentials{}, errMalformedHeader
	}
	if authType != "Basic" {
		return BasicCredentials{}, fmt.Errorf("unexpected authentication type %q", authType)
	}

	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return BasicCredentials{}, errors.New("invalid base64 credentials payload")
	}

	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return BasicCredentials{}, errNoSeparator
	}
	return BasicCredentials{Username: username, Password: password}, nil
}

type credentialsContextKey struct{}

// WithCredentials returns a context carrying the caller's credentials.
func WithCredentials(ctx context.Context, creds BasicCredentials) context.Context {
	return context.WithValue(ctx, credentialsContextKey{}, creds)
}

// CredentialsFromContext returns the authenticated caller's credentials.
func CredentialsFromContext(ctx context.Context) (BasicCredentials, bool) {
	creds, ok := ctx.Value(credentialsContextKey{}).(BasicCredentials)
	return creds, ok
}
