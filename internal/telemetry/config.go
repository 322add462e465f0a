// Package telemetry provides OpenTelemetry instrumentation for the
// registry proxy. It supports configurable tracing and metrics with
// OTLP exporters.
package telemetry

import (
	"errors"
	"fmt"
)

const (
	// DefaultServiceName is the default service name for telemetry
	DefaultServiceName = "platform-registry-api"

	// DefaultEndpoint is the default OTLP endpoint for telemetry
	DefaultEndpoint = "localhost:4318"

	// DefaultSampling is the default trace sampling rate (5%)
	DefaultSampling = 0.05
)

// Config is the telemetry configuration, assembled by internal/config
// from the NP_REGISTRY_OTEL_* environment variables.
type Config struct {
	// Enabled controls whether telemetry is enabled globally.
	// When false, no telemetry providers are initialized.
	Enabled bool

	// ServiceName identifies the service, "platform-registry-api" when
	// empty.
	ServiceName string

	// ServiceVersion identifies the build, "unknown" when empty.
	ServiceVersion string

	// Endpoint is the OTLP collector endpoint in "host:port" form. The
	// /v1/traces and /v1/metrics paths are appended automatically.
	Endpoint string

	// Insecure allows plain HTTP to the collector. Development only.
	Insecure bool

	// Tracing contains tracing-specific configuration
	Tracing *TracingConfig

	// Metrics contains metrics-specific configuration
	Metrics *MetricsConfig
}

// TracingConfig defines tracing-specific configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is enabled
	Enabled bool

	// Sampling is the trace sampling ratio in [0.0, 1.0]. Zero means
	// the default rate.
	Sampling float64
}

// MetricsConfig defines metrics-specific configuration.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is enabled
	Enabled bool
}

// GetServiceName returns the service name, using the default if not
// specified.
func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetServiceVersion returns the service version, "unknown" if not
// specified.
func (c *Config) GetServiceVersion() string {
	if c.ServiceVersion == "" {
		return "unknown"
	}
	return c.ServiceVersion
}

// GetEndpoint returns the endpoint, using the default if not specified.
func (c *Config) GetEndpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// GetInsecure returns the insecure flag.
func (c *Config) GetInsecure() bool {
	return c.Insecure
}

// GetSampling returns the sampling ratio. Zero is treated as unset and
// maps to DefaultSampling; validate before calling.
func (c *TracingConfig) GetSampling() float64 {
	if c.Sampling == 0.0 {
		return DefaultSampling
	}
	return c.Sampling
}

// Validate validates the telemetry configuration.
func (c *Config) Validate() error {
	if c == nil {
		return nil // nil config is valid (telemetry disabled)
	}

	if !c.Enabled {
		return nil // disabled telemetry needs no further validation
	}

	var errs []error

	if c.Tracing != nil {
		if err := c.Tracing.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}

	if c.Metrics != nil {
		if err := c.Metrics.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Validate validates the tracing configuration.
func (c *TracingConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	sampling := c.Sampling
	if sampling < 0 || sampling > 1.0 {
		return fmt.Errorf("sampling must be between 0.0 and 1.0, got %f", sampling)
	}

	return nil
}

// Validate validates the metrics configuration.
func (c *MetricsConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	return nil
}
