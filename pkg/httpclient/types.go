package httpclient

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError represents a non-2xx response from a remote service.
type HTTPError struct {
	StatusCode int
	Message    string
	URL        string
}

// Error returns the error message
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// NewHTTPError creates a new HTTP error
func NewHTTPError(statusCode int, url, message string) error {
	return &HTTPError{
		StatusCode: statusCode,
		URL:        url,
		Message:    message,
	}
}

// NewUpstreamError maps an upstream registry response status onto an
// HTTPError with a fixed message for the well-known auth statuses.
func NewUpstreamError(statusCode int, url, body string) error {
	switch statusCode {
	case http.StatusUnauthorized:
		return NewHTTPError(statusCode, url, "platform upstream: unauthorized")
	case http.StatusPaymentRequired:
		return NewHTTPError(statusCode, url, "platform upstream: payment required")
	case http.StatusForbidden:
		return NewHTTPError(statusCode, url, "platform upstream: forbidden")
	case http.StatusNotFound:
		return NewHTTPError(statusCode, url, "platform upstream: not found")
	}
	return NewHTTPError(statusCode, url, fmt.Sprintf("platform upstream api response status is not 2xx: %s", body))
}

// NewProtocolError marks a response from a reachable upstream that does
// not have the expected shape. It carries 502 Bad Gateway.
func NewProtocolError(url string, err error) error {
	return NewHTTPError(http.StatusBadGateway, url, fmt.Sprintf("platform upstream: malformed response: %v", err))
}

// StatusCode returns the HTTP status carried by err, or 0 when err does
// not wrap an HTTPError.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
