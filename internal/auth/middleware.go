package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/apolo-platform/platform-registry-api/internal/authz"
)

// Authenticator authenticates callers carrying HTTP basic credentials
// against the platform auth service.
type Authenticator struct {
	checker authz.Checker
	realm   string
}

// NewAuthenticator creates an authenticator. realm names the protection
// space advertised in WWW-Authenticate challenges.
func NewAuthenticator(checker authz.Checker, realm string) *Authenticator {
	return &Authenticator{
		checker: checker,
		realm:   realm,
	}
}

// Middleware returns an HTTP middleware that authenticates the request
// and stores the caller's credentials in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			a.WriteUnauthorized(w, "authorization required")
			return
		}

		creds, err := ParseAuthorization(header)
		if err != nil {
			slog.Warn("Credential parsing failed",
				"error", err,
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if err := a.checker.VerifyUser(r.Context(), creds.Username, creds.Password); err != nil {
			if errors.Is(err, authz.ErrUnauthorized) {
				slog.Warn("Authentication failed",
					"user", creds.Username,
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path)
				a.WriteUnauthorized(w, "invalid credentials")
				return
			}
			slog.Error("Auth service request failed", "error", err, "user", creds.Username)
			writeError(w, http.StatusInternalServerError, "failed to authenticate user")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithCredentials(r.Context(), creds)))
	})
}

// WriteUnauthorized writes a 401 response with the Basic challenge for
// the authenticator's realm.
func (a *Authenticator) WriteUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm="%s"`, sanitizeHeaderValue(a.realm)))
	writeError(w, http.StatusUnauthorized, description)
}

// sanitizeHeaderValue removes characters that could enable header
// injection: newlines, carriage returns, and unescaped quotes.
func sanitizeHeaderValue(s string) string {
	if !strings.ContainsAny(s, "\r\n\"") {
		return s
	}
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

func writeError(w http.ResponseWriter, status int, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := struct {
		Error string `json:"error"`
	}{
		Error: description,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode error response", "error", err)
	}
}
