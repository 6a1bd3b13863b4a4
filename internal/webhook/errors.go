package webhook

import (
	"errors"
	"sort"
	"strings"
)

// Service errors
var (
	ErrUnauthenticated       = errors.New("not authenticated")
	ErrEndpointNotFound      = errors.New("webhook endpoint not found")
	ErrSubscriptionNotFound  = errors.New("webhook subscription not found")
	ErrEventNotFound         = errors.New("webhook event not found or inactive")
	ErrDuplicateSubscription = errors.New("active subscription already exists")
	ErrInvalidStatus         = errors.New("invalid delivery status")
	ErrDeliveryNotFound      = errors.New("webhook delivery not found")
	ErrInvalidTransition     = errors.New("invalid delivery transition")
	ErrEndpointInactive      = errors.New("webhook endpoint is inactive")
	ErrRateLimited           = errors.New("endpoint rate limit exceeded")
)

// ValidationError carries field-level messages keyed by the camelCase field name
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// AsValidationError unwraps err into a *ValidationError
func AsValidationError(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
