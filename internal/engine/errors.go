package engine

import (
	"errors"
	"fmt"
)

// AppError is the error shape surfaced to callers: a machine-stable code,
// an HTTP status for the transport layer and a human-readable message.
// Only the message is contractually exact.
type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
	cause   error
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.cause
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

// ErrStudyNotFound distinguishes a missing study from a denied one in tests
// and logs. Both surface as the same permission code so study existence
// never leaks to unauthorized callers.
var ErrStudyNotFound = errors.New("study not found")

func PermissionError() *AppError {
	return &AppError{
		Code:    "PERMISSION_DENIED",
		Status:  403,
		Message: "You do not have permission to perform this operation.",
	}
}

// StudyNotFoundError surfaces as a plain permission denial while wrapping
// ErrStudyNotFound.
func StudyNotFoundError() *AppError {
	e := PermissionError()
	e.cause = ErrStudyNotFound
	return e
}

func ValidationError(msg string) *AppError {
	return &AppError{Code: "VALIDATION_FAILED", Status: 400, Message: msg}
}

// ConsistencyError covers duplicate versions, malformed version strings and
// empty version creation; these abort the whole operation.
func ConsistencyError(msg string) *AppError {
	return &AppError{Code: "CONFLICT", Status: 409, Message: msg}
}

func NotFoundError(kind, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s %s does not exist.", kind, id),
	}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Status: 401, Message: msg}
}

func InternalError(err error) *AppError {
	return &AppError{
		Code:    "INTERNAL",
		Status:  500,
		Message: "Internal error.",
		cause:   err,
	}
}
