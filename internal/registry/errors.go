package registry

// Docker Registry v2 error codes used by the proxy.
const (
	ErrorCodeNameInvalid = "NAME_INVALID"
	ErrorCodeNameUnknown = "NAME_UNKNOWN"
	ErrorCodeUnsupported = "UNSUPPORTED"
)

// Errors is the Docker Registry v2 error envelope.
type Errors struct {
	Errors []Error `json:"errors"`
}

// Error is a single entry of an Errors envelope. Detail is left untyped,
// registries put anything from strings to objects there.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}
