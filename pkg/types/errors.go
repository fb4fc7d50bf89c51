package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the streaming core. Callers classify failures with
// errors.Is and map them to transport status codes at the HTTP edge.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalid          = errors.New("monitor shared memory not valid")
	ErrSizeMismatch     = errors.New("shared memory region too small")
	ErrStringTooLong    = errors.New("trigger string exceeds field capacity")
	ErrParamSetsMissing = errors.New("parameter sets not yet available")
	ErrPluginUnreachable = errors.New("plugin unreachable")
	ErrUnexpectedResponse = errors.New("unexpected plugin response")
	ErrBadSegmentName   = errors.New("bad segment name")
)

// PluginError is a semantic failure reported by a plugin over the wire.
type PluginError struct {
	Code    string
	Message string
}

func (e *PluginError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("plugin error (%s): %s", e.Code, e.Message)
	}
	return "plugin error: " + e.Message
}

// Rejected reports whether the plugin refused the request for a reason
// the client caused (mapped to 400 rather than 503).
func (e *PluginError) Rejected() bool {
	return e.Code == "rejected"
}

// ErrorKind returns the machine-readable kind for an error, used in API
// error bodies.
func ErrorKind(err error) string {
	var pe *PluginError
	switch {
	case errors.As(err, &pe):
		return "plugin_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrSizeMismatch):
		return "size_mismatch"
	case errors.Is(err, ErrStringTooLong):
		return "string_too_long"
	case errors.Is(err, ErrParamSetsMissing):
		return "param_sets_missing"
	case errors.Is(err, ErrPluginUnreachable):
		return "plugin_unreachable"
	case errors.Is(err, ErrUnexpectedResponse):
		return "unexpected_response"
	case errors.Is(err, ErrBadSegmentName):
		return "bad_segment_name"
	default:
		return "io"
	}
}
