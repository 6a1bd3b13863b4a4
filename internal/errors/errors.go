package errors

import (
	"net/http"
	"time"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Request errors (400xx)
	ErrInvalidRequest   ErrorCode = "40001"
	ErrValidationFailed ErrorCode = "40002"
	ErrInvalidJSON      ErrorCode = "40003"

	// Authentication errors (401xx)
	ErrUnauthorized ErrorCode = "40101"
	ErrTokenExpired ErrorCode = "40102"
	ErrInvalidToken ErrorCode = "40103"

	// Authorization errors (403xx)
	ErrForbidden ErrorCode = "40301"

	// Resource errors (404xx)
	ErrNotFound              ErrorCode = "40401"
	ErrEndpointNotFound      ErrorCode = "40402"
	ErrSubscriptionNotFound  ErrorCode = "40403"
	ErrSecurityEventNotFound ErrorCode = "40404"
	ErrPaymentNotFound       ErrorCode = "40405"
	ErrNoMatchingRecords     ErrorCode = "40406"
	ErrDeliveryNotFound      ErrorCode = "40407"

	// Conflict errors (409xx)
	ErrAlreadyResolved   ErrorCode = "40901"
	ErrConflict          ErrorCode = "40902"
	ErrInvalidTransition ErrorCode = "40903"

	// Rate limit errors (429xx)
	ErrRateLimited ErrorCode = "42901"

	// Server errors (500xx)
	ErrInternalServer      ErrorCode = "50001"
	ErrUpstreamUnavailable ErrorCode = "50301"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	Timestamp  string    `json:"timestamp"`
	HTTPStatus int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// WithDetails returns a copy of the error carrying details
func (e *APIError) WithDetails(details any) *APIError {
	cp := *e
	cp.Details = details
	return &cp
}

// ErrorResponse represents the error response format
type ErrorResponse struct {
	Error         APIError `json:"error"`
	RequestID     string   `json:"requestId"`
	CorrelationID string   `json:"correlationId"`
	Path          string   `json:"path,omitempty"`
	Method        string   `json:"method,omitempty"`
}

// NewErrorResponse builds the standard error envelope, stamping the error with the current time
func NewErrorResponse(err *APIError, requestID, correlationID, path, method string) ErrorResponse {
	body := *err
	if body.HTTPStatus == 0 {
		body.HTTPStatus = GetHTTPStatusFromCode(body.Code)
	}
	body.Timestamp = time.Now().UTC().Format(time.RFC3339)
	if correlationID == "" {
		correlationID = requestID
	}
	return ErrorResponse{
		Error:         body,
		RequestID:     requestID,
		CorrelationID: correlationID,
		Path:          path,
		Method:        method,
	}
}

// GetHTTPStatusFromCode derives the HTTP status from the code's class prefix
func GetHTTPStatusFromCode(code ErrorCode) int {
	if len(code) < 3 {
		return http.StatusInternalServerError
	}
	switch code[:3] {
	case "400":
		return http.StatusBadRequest
	case "401":
		return http.StatusUnauthorized
	case "403":
		return http.StatusForbidden
	case "404":
		return http.StatusNotFound
	case "409":
		return http.StatusConflict
	case "429":
		return http.StatusTooManyRequests
	case "503":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Common errors
var (
	ErrUnauthorizedError = &APIError{
		Code:       ErrUnauthorized,
		Message:    "Not authenticated",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrTokenExpiredError = &APIError{
		Code:       ErrTokenExpired,
		Message:    "Token has expired",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrInvalidTokenError = &APIError{
		Code:       ErrInvalidToken,
		Message:    "Invalid access token",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrForbiddenError = &APIError{
		Code:       ErrForbidden,
		Message:    "Access denied",
		HTTPStatus: http.StatusForbidden,
	}

	ErrNotFoundError = &APIError{
		Code:       ErrNotFound,
		Message:    "Resource not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrEndpointNotFoundError = &APIError{
		Code:       ErrEndpointNotFound,
		Message:    "Webhook endpoint not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrSubscriptionNotFoundError = &APIError{
		Code:       ErrSubscriptionNotFound,
		Message:    "Webhook subscription not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrSecurityEventNotFoundError = &APIError{
		Code:       ErrSecurityEventNotFound,
		Message:    "Security event not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrPaymentNotFoundError = &APIError{
		Code:       ErrPaymentNotFound,
		Message:    "Payment not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrDeliveryNotFoundError = &APIError{
		Code:       ErrDeliveryNotFound,
		Message:    "Webhook delivery not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrInvalidTransitionError = &APIError{
		Code:       ErrInvalidTransition,
		Message:    "Delivery cannot move to the requested status",
		HTTPStatus: http.StatusConflict,
	}

	ErrNoMatchingRecordsError = &APIError{
		Code:       ErrNoMatchingRecords,
		Message:    "No audit events match the selected filters",
		HTTPStatus: http.StatusNotFound,
	}

	ErrAlreadyResolvedError = &APIError{
		Code:       ErrAlreadyResolved,
		Message:    "Security event is already resolved",
		HTTPStatus: http.StatusConflict,
	}

	ErrConflictError = &APIError{
		Code:       ErrConflict,
		Message:    "Resource state conflicts with the request",
		HTTPStatus: http.StatusConflict,
	}

	ErrRateLimitedError = &APIError{
		Code:       ErrRateLimited,
		Message:    "Rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrInternalServerError = &APIError{
		Code:       ErrInternalServer,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrUpstreamUnavailableError = &APIError{
		Code:       ErrUpstreamUnavailable,
		Message:    "Upstream service unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
	}
)

// NewValidationError creates a validation error with details
func NewValidationError(details any) *APIError {
	return &APIError{
		Code:       ErrValidationFailed,
		Message:    "Validation failed",
		Details:    details,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidJSONError creates an error for malformed request bodies
func NewInvalidJSONError(details any) *APIError {
	return &APIError{
		Code:       ErrInvalidJSON,
		Message:    "Malformed request body",
		Details:    details,
		HTTPStatus: http.StatusBadRequest,
	}
}
