package errors

import (
	"net/http"
	"testing"
	"time"

	"pgregory.net/rapid"
)

var allCodes = []ErrorCode{
	ErrInvalidRequest, ErrValidationFailed, ErrInvalidJSON,
	ErrUnauthorized, ErrTokenExpired, ErrInvalidToken,
	ErrForbidden,
	ErrNotFound, ErrEndpointNotFound, ErrSubscriptionNotFound, ErrSecurityEventNotFound,
	ErrPaymentNotFound, ErrNoMatchingRecords,
	ErrAlreadyResolved,
	ErrRateLimited,
	ErrInternalServer, ErrUpstreamUnavailable,
}

// TestProperty_ErrorResponse_StandardFormat tests that all error responses follow the standard format
// *For any* API error, the error response SHALL include code, message, timestamp, request id and correlation id.
func TestProperty_ErrorResponse_StandardFormat(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		code := rapid.SampledFrom(allCodes).Draw(rt, "code")
		message := rapid.StringMatching(`[a-zA-Z0-9 .,!?]{10,100}`).Draw(rt, "message")
		requestID := rapid.StringMatching(`[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}`).Draw(rt, "requestID")
		correlationID := rapid.StringMatching(`[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}`).Draw(rt, "correlationID")
		path := rapid.SampledFrom([]string{"/api/v1/webhooks/endpoints", "/api/v1/audit/trail", "/functions/confirm-payment"}).Draw(rt, "path")
		method := rapid.SampledFrom([]string{"GET", "POST", "PATCH", "DELETE"}).Draw(rt, "method")

		apiErr := &APIError{
			Code:       code,
			Message:    message,
			HTTPStatus: GetHTTPStatusFromCode(code),
		}

		response := NewErrorResponse(apiErr, requestID, correlationID, path, method)

		if response.Error.Code == "" {
			t.Fatal("PROPERTY VIOLATION: Error response must have error code")
		}
		if response.Error.Message == "" {
			t.Fatal("PROPERTY VIOLATION: Error response must have message")
		}
		if _, err := time.Parse(time.RFC3339, response.Error.Timestamp); err != nil {
			t.Fatalf("PROPERTY VIOLATION: Timestamp must be valid RFC3339 format: %v", err)
		}
		if response.RequestID != requestID {
			t.Fatal("PROPERTY VIOLATION: Error response must carry the request id")
		}
		if response.CorrelationID != correlationID {
			t.Fatal("PROPERTY VIOLATION: Error response must carry the correlation id")
		}
		if response.Path != path || response.Method != method {
			t.Fatal("PROPERTY VIOLATION: Path and method should be included")
		}
		if apiErr.Timestamp != "" {
			t.Fatal("PROPERTY VIOLATION: NewErrorResponse must not mutate the shared error")
		}
	})
}

func TestProperty_ErrorResponse_CorrelationFallsBackToRequestID(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		requestID := rapid.StringMatching(`[a-f0-9]{16}`).Draw(rt, "requestID")
		response := NewErrorResponse(ErrInternalServerError, requestID, "", "/", "GET")
		if response.CorrelationID != requestID {
			t.Fatalf("expected correlation id %q, got %q", requestID, response.CorrelationID)
		}
	})
}

func TestProperty_ErrorResponse_HTTPStatusMapping(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		code := rapid.SampledFrom(allCodes).Draw(rt, "code")
		status := GetHTTPStatusFromCode(code)

		// Property: the status class matches the code's class prefix
		wantClass := int(code[0]-'0') * 100
		if status/100*100 != wantClass {
			t.Fatalf("PROPERTY VIOLATION: code %s mapped to status %d", code, status)
		}
	})
}

func TestGetHTTPStatusFromCode_Specific(t *testing.T) {
	cases := map[ErrorCode]int{
		ErrValidationFailed:    http.StatusBadRequest,
		ErrUnauthorized:        http.StatusUnauthorized,
		ErrForbidden:           http.StatusForbidden,
		ErrEndpointNotFound:    http.StatusNotFound,
		ErrAlreadyResolved:     http.StatusConflict,
		ErrRateLimited:         http.StatusTooManyRequests,
		ErrUpstreamUnavailable: http.StatusServiceUnavailable,
		ErrInternalServer:      http.StatusInternalServerError,
		ErrorCode("x"):         http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := GetHTTPStatusFromCode(code); got != want {
			t.Errorf("GetHTTPStatusFromCode(%q) = %d, want %d", code, got, want)
		}
	}
}

func TestProperty_ErrorResponse_WithDetails(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := rapid.SampledFrom([]*APIError{
			ErrEndpointNotFoundError, ErrAlreadyResolvedError, ErrRateLimitedError, ErrInternalServerError,
		}).Draw(rt, "base")
		field := rapid.StringMatching(`[a-z]{3,12}`).Draw(rt, "field")

		withDetails := base.WithDetails(map[string]string{field: "invalid"})

		if withDetails.Code != base.Code {
			t.Fatal("PROPERTY VIOLATION: Code should be preserved")
		}
		if withDetails.Message != base.Message {
			t.Fatal("PROPERTY VIOLATION: Message should be preserved")
		}
		if withDetails.HTTPStatus != base.HTTPStatus {
			t.Fatal("PROPERTY VIOLATION: HTTP status should be preserved")
		}
		if withDetails.Details == nil {
			t.Fatal("PROPERTY VIOLATION: Details should be set")
		}
		if base.Details != nil {
			t.Fatal("PROPERTY VIOLATION: WithDetails must not mutate the shared error")
		}
	})
}

func TestNewValidationError(t *testing.T) {
	details := map[string]string{"url": "must start with http:// or https://"}
	err := NewValidationError(details)
	if err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", err.HTTPStatus)
	}
	if err.Code != ErrValidationFailed {
		t.Errorf("expected code %s, got %s", ErrValidationFailed, err.Code)
	}
	if err.Error() != "Validation failed" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
