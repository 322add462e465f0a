// Package httpclient provides the shared HTTP plumbing used to talk to
// the upstream registry and the platform services.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

const (
	// DefaultConnectTimeout bounds dialing the remote host.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultResponseHeaderTimeout bounds waiting for response headers
	// after the request has been written.
	DefaultResponseHeaderTimeout = 30 * time.Second
)

// Options configures a client produced by New.
type Options struct {
	// ConnectTimeout bounds dialing. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// ResponseHeaderTimeout bounds waiting for response headers. Zero
	// leaves the wait unbounded; registry pushes can stall for a long
	// time between the last body byte and the response.
	ResponseHeaderTimeout time.Duration

	// FollowRedirects enables transparent redirect following. Proxied
	// traffic normally passes 3xx responses through to the caller.
	FollowRedirects bool

	// Timeout is an overall per-request deadline. Zero means none.
	Timeout time.Duration
}

// New builds an *http.Client tuned for streaming registry traffic.
// Compression is disabled so proxied bytes pass through untouched.
func New(opts Options) *http.Client {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = DefaultConnectTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
	}
	if !opts.FollowRedirects {
		client.CheckRedirect = func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}
