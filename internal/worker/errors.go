package worker

import (
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/kilnmedia/kiln/internal/imageproc"
)

// Kind categorizes a handler failure. Only TransientIO and Timeout are
// retryable; everything else is counted or dropped at the message
// boundary.
type Kind int

const (
	KindDecode Kind = iota
	KindEncode
	KindUnsupportedFormat
	KindNoCapacity
	KindTransientIO
	KindMissingParent
	KindParentTerminal
	KindTimeout
	KindFatal
)

// String returns a human-readable failure kind
func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindEncode:
		return "encode"
	case KindUnsupportedFormat:
		return "unsupported format"
	case KindNoCapacity:
		return "no capacity"
	case KindTransientIO:
		return "transient io"
	case KindMissingParent:
		return "missing parent"
	case KindParentTerminal:
		return "parent terminal"
	case KindTimeout:
		return "timeout"
	case KindFatal:
		return "fatal"
	default:
		return "unspecified"
	}
}

// Retryable reports whether redelivery can plausibly succeed
func (k Kind) Retryable() bool {
	return k == KindTransientIO || k == KindTimeout
}

// Error is a categorized handler failure
type Error struct {
	Kind Kind
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

// classify maps an arbitrary error onto the taxonomy
func classify(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	var pe *imageproc.Error
	if errors.As(err, &pe) {
		switch pe.Kind {
		case imageproc.FailureDecode:
			return KindDecode
		case imageproc.FailureEncode:
			return KindEncode
		case imageproc.FailureUnsupportedFormat:
			return KindUnsupportedFormat
		case imageproc.FailureOversized:
			return KindDecode
		}
	}
	if errors.Is(err, errNoCapacity) {
		return KindNoCapacity
	}
	return KindFatal
}

// skipRetry marks an error so asynq archives the task instead of
// redelivering it.
func skipRetry(err error) error {
	return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
}
