// Package apierrors provides the structured error taxonomy shared by both
// planes, following the fault kinds laid out in the platform specification:
// transport, storage, validation, authorization, state, resource, runner,
// and application faults.
package apierrors

import "errors"

// Category classifies a Fault for propagation policy decisions: whether the
// caller may retry, and whether the error is permanent.
type Category string

const (
	CategoryTransport     Category = "transport"
	CategoryStorage       Category = "storage"
	CategoryValidation    Category = "validation"
	CategoryAuthorization Category = "authorization"
	CategoryState         Category = "state"
	CategoryResource      Category = "resource"
	CategoryRunner        Category = "runner"
	CategoryApplication   Category = "application"
	CategoryUnknown       Category = "unknown"
)

// Sentinel errors for conditions callers commonly need to check with
// errors.Is, mirroring the teacher's sentinel-per-condition style.
var (
	// ErrNotFound is returned when a requested instance, image, or checkpoint does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when an instance status transition violates the lifecycle machine.
	ErrInvalidTransition = errors.New("invalid instance state transition")

	// ErrInstanceAlreadyRunning is returned when StartInstance targets a non-terminal instance id.
	ErrInstanceAlreadyRunning = errors.New("instance already running")

	// ErrAtCapacity is returned when the instance concurrency cap is reached.
	ErrAtCapacity = errors.New("at capacity")

	// ErrFrameTooLarge is returned when a wire message exceeds the configured frame cap.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrIdempotencyViolation is returned when a retry-flagged checkpoint collides with a non-retry row.
	ErrIdempotencyViolation = errors.New("idempotency violation: checkpoint already committed under this key")

	// ErrImageInUse is returned when DeleteImage is called while a non-terminal instance references it.
	ErrImageInUse = errors.New("image referenced by a non-terminal instance")

	// ErrRunnerUnavailable is returned when the configured container runner cannot launch.
	ErrRunnerUnavailable = errors.New("container runner unavailable")
)

// Fault is a structured error record, mirroring the Error Record entity of
// the data model: code, message, category, severity, retry hint, attributes,
// and an optional cause pointer forming a chain (used for saga compensation
// audit and general error wrapping).
type Fault struct {
	// Code is a machine-readable identifier, e.g. "STORAGE_UNAVAILABLE".
	Code string

	// Message is the human-readable description.
	Message string

	// Category classifies the fault for propagation policy (see Category).
	Category Category

	// Severity is one of info, warning, error, critical.
	Severity string

	// Retryable hints whether the caller may retry the operation.
	Retryable bool

	// Attributes carries structured context (instance id, checkpoint id, ...).
	Attributes map[string]any

	// Cause is the underlying error, if any, enabling error chains.
	Cause error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Code != "" {
		return f.Code + ": " + f.Message
	}
	return f.Message
}

// Unwrap returns the underlying cause for errors.Is/errors.As support.
func (f *Fault) Unwrap() error {
	return f.Cause
}

// New constructs a Fault with the given category and message.
func New(category Category, code, message string) *Fault {
	return &Fault{Code: code, Message: message, Category: category, Severity: "error", Retryable: retryableByDefault(category)}
}

// Wrap constructs a Fault that chains an underlying cause.
func Wrap(category Category, code, message string, cause error) *Fault {
	return &Fault{Code: code, Message: message, Category: category, Severity: "error", Retryable: retryableByDefault(category), Cause: cause}
}

func retryableByDefault(category Category) bool {
	return category == CategoryTransport || category == CategoryStorage
}

// Retryable reports whether a Fault (or a wrapped one) is safe for the
// caller to retry. Transport and storage faults are retryable by default;
// validation, state, and authorization faults are permanent.
func Retryable(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Retryable
	}
	return false
}
