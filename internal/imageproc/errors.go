package imageproc

import "fmt"

// FailureKind categorizes why processing failed
type FailureKind int

const (
	FailureDecode FailureKind = iota
	FailureEncode
	FailureUnsupportedFormat
	FailureOversized
)

// String returns a human-readable failure kind
func (k FailureKind) String() string {
	switch k {
	case FailureDecode:
		return "decode failed"
	case FailureEncode:
		return "encode failed"
	case FailureUnsupportedFormat:
		return "unsupported format"
	case FailureOversized:
		return "source too large"
	default:
		return "unspecified failure"
	}
}

// Error is a processing failure with its category. None of the kinds
// are retryable: the same bytes will fail the same way next time.
type Error struct {
	Kind FailureKind
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}
