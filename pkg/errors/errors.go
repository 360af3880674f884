package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"rentsync/pkg/model"
)

const (
	CodeNotFound        = "NOT_FOUND"
	CodeValidation      = "VALIDATION_ERROR"
	CodeConflict        = "CONFLICT"
	CodeInternal        = "INTERNAL_ERROR"
	CodeBadRequest      = "BAD_REQUEST"
	CodeTimeout         = "TIMEOUT"
	CodeUnavailable     = "SERVICE_UNAVAILABLE"
	CodeInvalidInput    = "INVALID_INPUT"
	CodeTransport       = "TRANSPORT_ERROR"
	CodeLockUnavailable = "LOCK_UNAVAILABLE"
	CodeLockExpired     = "LOCK_EXPIRED"
	CodeLockInProgress  = "LOCK_IN_PROGRESS"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeRateLimited     = "RATE_LIMITED"

	CodeUnsupportedMediaType = "UNSUPPORTED_MEDIA_TYPE"
)

const (
	DetailConflicts  = "conflicts"
	DetailResourceID = "resource_id"
	DetailLockID     = "lock_id"
	DetailOperation  = "operation"
	DetailReason     = "reason"
)

type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Err        error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) StatusCode() int {
	return e.HTTPStatus
}

func (e *AppError) ToJSON() []byte {
	response := ErrorResponse{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
	data, _ := json.Marshal(response)
	return data
}

type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func New(code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

func Wrap(err error, code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func NotFound(resource string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
	}
}

func NotFoundWithID(resource, id string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details: map[string]any{
			"resource": resource,
			"id":       id,
		},
	}
}

func Validation(message string, details map[string]any) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    details,
	}
}

func InvalidInput(message string) *AppError {
	return &AppError{
		Code:       CodeInvalidInput,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// RangeConflict reports that a requested range overlaps existing bookings or
// holds. The conflicting sub-ranges travel in Details so callers can re-mark
// a calendar.
func RangeConflict(resourceID string, conflicts []model.ConflictRange) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    fmt.Sprintf("requested range is not available for %s", resourceID),
		HTTPStatus: http.StatusConflict,
		Details: map[string]any{
			DetailResourceID: resourceID,
			DetailConflicts:  conflicts,
		},
	}
}

func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func Timeout(message string) *AppError {
	return &AppError{
		Code:       CodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

func Unavailable(service string) *AppError {
	return &AppError{
		Code:       CodeUnavailable,
		Message:    fmt.Sprintf("%s is temporarily unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

func RateLimited() *AppError {
	return &AppError{
		Code:       CodeRateLimited,
		Message:    "Rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// Transport covers connect, send and timeout failures against the backend.
func Transport(op string, err error) *AppError {
	return &AppError{
		Code:       CodeTransport,
		Message:    fmt.Sprintf("%s failed: backend unreachable", op),
		HTTPStatus: http.StatusServiceUnavailable,
		Details:    map[string]any{DetailOperation: op},
		Err:        err,
	}
}

// LockUnavailable means another session holds the slot or it is already booked.
func LockUnavailable(resourceID, reason string, conflicts []model.ConflictRange) *AppError {
	details := map[string]any{
		DetailResourceID: resourceID,
		DetailReason:     reason,
	}
	if len(conflicts) > 0 {
		details[DetailConflicts] = conflicts
	}
	return &AppError{
		Code:       CodeLockUnavailable,
		Message:    fmt.Sprintf("%s is held by another session or already booked", resourceID),
		HTTPStatus: http.StatusConflict,
		Details:    details,
	}
}

func LockExpired(lockID string) *AppError {
	return &AppError{
		Code:       CodeLockExpired,
		Message:    fmt.Sprintf("lock %s has expired", lockID),
		HTTPStatus: http.StatusGone,
		Details:    map[string]any{DetailLockID: lockID},
	}
}

func LockInProgress(resourceID string) *AppError {
	return &AppError{
		Code:       CodeLockInProgress,
		Message:    fmt.Sprintf("an acquire for %s is already in flight", resourceID),
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{DetailResourceID: resourceID},
	}
}

func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("An unexpected error occurred", err)
}

// HasCode reports whether err, or anything it wraps, is an AppError with code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func IsTransport(err error) bool       { return HasCode(err, CodeTransport) }
func IsValidation(err error) bool      { return HasCode(err, CodeValidation) }
func IsConflict(err error) bool        { return HasCode(err, CodeConflict) }
func IsLockUnavailable(err error) bool { return HasCode(err, CodeLockUnavailable) }
func IsLockExpired(err error) bool     { return HasCode(err, CodeLockExpired) }
func IsLockInProgress(err error) bool  { return HasCode(err, CodeLockInProgress) }

// ConflictsOf extracts the conflicting ranges carried by a conflict or
// lock-unavailable error.
func ConflictsOf(err error) []model.ConflictRange {
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Details == nil {
		return nil
	}
	conflicts, _ := appErr.Details[DetailConflicts].([]model.ConflictRange)
	return conflicts
}
