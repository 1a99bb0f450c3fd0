package oscilloscope

import (
	"github.com/pkg/errors"
)

// Error kinds.  Every error returned by a Controller matches exactly one
// of these with errors.Is.
var (
	// ErrConnection is a transport or identity failure
	ErrConnection = errors.New("connection error")

	// ErrValidation is an attribute write which violates a constraint.
	// The store is not changed.
	ErrValidation = errors.New("validation error")

	// ErrInstrumentRejected is an otherwise valid value which the
	// instrument refused when it was applied
	ErrInstrumentRejected = errors.New("instrument rejected value")

	// ErrAcquisition is a fault reported by the instrument during a run
	ErrAcquisition = errors.New("acquisition error")

	// ErrAcquisitionTimeout is a run whose completion was not observed in time
	ErrAcquisitionTimeout = errors.New("acquisition timeout")

	// ErrDisconnected is an operation attempted while disconnected
	ErrDisconnected = errors.New("device is disconnected")

	// ErrState is an operation which is invalid in the current connected state
	ErrState = errors.New("invalid state for operation")

	// ErrNotAvailable is a read of a value with no meaningful default,
	// such as a waveform before the first acquisition
	ErrNotAvailable = errors.New("not yet available")

	// ErrAborted is a run cancelled by Stop, Disconnect, or its caller
	ErrAborted = errors.New("acquisition aborted")
)

// Error is the error type returned by the controller and store
type Error struct {
	// Op is the operation or attribute which failed
	Op string

	// Kind is one of the Err* sentinels
	Kind error

	// Err is the underlying cause, may be nil
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

// Is matches e against its kind
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Retryable is true if err is transient and the operation may succeed if
// repeated: timeouts, transport hiccups, and aborted runs.  Validation
// failures, rejections, and state errors are terminal.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrAcquisitionTimeout),
		errors.Is(err, ErrConnection),
		errors.Is(err, ErrAborted):
		return true
	default:
		return false
	}
}
