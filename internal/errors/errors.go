// Package errors provides structured error types for spatialstore.
// Every error carries a category, a code, a message and a retryable flag so
// that transports can map failures to client errors, retryable conditions or
// fatal faults without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Category classifies errors by the failure taxonomy of the index.
type Category string

const (
	CategoryValidation  Category = "VALIDATION"
	CategoryGeometry    Category = "GEOMETRY"
	CategoryUnavailable Category = "UNAVAILABLE"
	CategoryConsistency Category = "CONSISTENCY"
	CategoryStorage     Category = "STORAGE"
	CategoryNotFound    Category = "NOT_FOUND"
	CategoryInternal    Category = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidBBox        = "INVALID_BBOX"
	CodeInvalidPlaneBounds = "INVALID_PLANE_BOUNDS"
	CodeFlippedBBox        = "FLIPPED_BBOX"
	CodeInvalidParam       = "INVALID_PARAM"
	CodeInvalidDefinition  = "INVALID_DEFINITION"
	CodeInvalidDocument    = "INVALID_DOCUMENT"

	// Geometry codes
	CodeInvalidGeometry = "INVALID_GEOMETRY"
	CodeEmptyGeometry   = "EMPTY_GEOMETRY"
	CodeUnknownType     = "UNKNOWN_TYPE"

	// Unavailable codes
	CodeIndexStale    = "INDEX_STALE"
	CodeIndexBuilding = "INDEX_BUILDING"

	// Consistency codes
	CodeTreeStoreDiverged = "TREE_STORE_DIVERGED"
	CodeIndexFailed       = "INDEX_FAILED"

	// Storage codes
	CodeLogWriteFailed   = "LOG_WRITE_FAILED"
	CodeCheckpointFailed = "CHECKPOINT_FAILED"
	CodeCorrupted        = "CORRUPTED"

	// Not found codes
	CodeIndexNotFound = "INDEX_NOT_FOUND"
	CodeDocNotFound   = "DOC_NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Category  Category
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category Category, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category Category, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category),
	}
}

// Newf is New with a formatted message.
func Newf(category Category, code, format string, args ...interface{}) *Error {
	return New(category, code, fmt.Sprintf(format, args...))
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsValidation(err error) bool  { return GetCategory(err) == CategoryValidation }
func IsGeometry(err error) bool    { return GetCategory(err) == CategoryGeometry }
func IsUnavailable(err error) bool { return GetCategory(err) == CategoryUnavailable }
func IsConsistency(err error) bool { return GetCategory(err) == CategoryConsistency }
func IsNotFound(err error) bool    { return GetCategory(err) == CategoryNotFound }

// HTTPStatus maps an error to the status code returned by the HTTP surface.
func HTTPStatus(err error) int {
	switch GetCategory(err) {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps an error to the status code returned by the gRPC surface.
func GRPCCode(err error) codes.Code {
	switch GetCategory(err) {
	case CategoryValidation:
		return codes.InvalidArgument
	case CategoryNotFound:
		return codes.NotFound
	case CategoryUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// isRetryable reports whether a category describes a transient condition.
// Only unavailability is transient: the caller may wait or accept staleness.
func isRetryable(category Category) bool {
	return category == CategoryUnavailable
}

// Convenience constructors for the taxonomy.

func NewValidationError(code, message string) *Error {
	return New(CategoryValidation, code, message)
}

func NewGeometryError(code, message string) *Error {
	return New(CategoryGeometry, code, message)
}

func NewUnavailableError(code, message string) *Error {
	return New(CategoryUnavailable, code, message)
}

func NewConsistencyError(message string) *Error {
	return New(CategoryConsistency, CodeTreeStoreDiverged, message)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(CategoryStorage, code, message, cause)
}

func NewNotFoundError(code, message string) *Error {
	return New(CategoryNotFound, code, message)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(CategoryInternal, CodeUnexpected, message, cause)
}
