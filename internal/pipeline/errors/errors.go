package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrTransportRequired   = sterrors.New("wireflow: transport sender is required")
	ErrHandlerRequired     = sterrors.New("wireflow: handler function is required")
	ErrEventNameRequired   = sterrors.New("wireflow: event name is required")
	ErrDestinationRequired = sterrors.New("wireflow: destination is required")
	ErrEncodingLimit       = sterrors.New("wireflow: encoded length exceeds 16777215 bytes")
	ErrBufferExhausted     = sterrors.New("wireflow: read past end of buffer")
	ErrDecode              = sterrors.New("wireflow: malformed frame")
	ErrCircuitOpen         = sterrors.New("wireflow: circuit open")
	ErrDuplicateMiddleware = sterrors.New("wireflow: middleware name already registered")
	ErrPipelineClosed      = sterrors.New("wireflow: pipeline closed")
)

// ConfigValidationError wraps the joined errors reported by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "wireflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil so callers can
// pass through Validate results unconditionally.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// DecodeError carries the reason a frame could not be decoded. It matches
// ErrDecode under errors.Is so callers can test the class without caring
// about the reason.
type DecodeError struct {
	Reason string
}

func (e DecodeError) Error() string {
	return ErrDecode.Error() + ": " + e.Reason
}

func (e DecodeError) Unwrap() error {
	return ErrDecode
}

func NewDecodeError(format string, args ...any) error {
	return DecodeError{Reason: fmt.Sprintf(format, args...)}
}
