// Package integration provides integration tests for the platform registry
// proxy. The suite wires the real handler stack (authentication, permission
// checks, catalog filtering, streaming proxy) against in-process fakes of
// the upstream registry and the platform auth and admin services.
package integration
