package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Scanner is satisfied by pgx.Row and pgx.Rows
type Scanner interface {
	Scan(dest ...any) error
}

// AuthMethod is how deliveries authenticate against an endpoint
type AuthMethod string

const (
	AuthMethodNone        AuthMethod = "none"
	AuthMethodHMACSHA256  AuthMethod = "hmac_sha256"
	AuthMethodBearerToken AuthMethod = "bearer_token"
	AuthMethodBasicAuth   AuthMethod = "basic_auth"
)

// Valid reports whether the method is one of the supported values
func (m AuthMethod) Valid() bool {
	switch m {
	case AuthMethodNone, AuthMethodHMACSHA256, AuthMethodBearerToken, AuthMethodBasicAuth:
		return true
	}
	return false
}

// DeliveryStatus is the outcome state of a single delivery attempt
type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusSuccess  DeliveryStatus = "success"
	DeliveryStatusFailed   DeliveryStatus = "failed"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
)

// Valid reports whether the status is one of the supported values
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryStatusPending, DeliveryStatusSuccess, DeliveryStatusFailed, DeliveryStatusRetrying:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryStatusSuccess || s == DeliveryStatusFailed
}

// CanTransition reports whether an attempt may move from s to next
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	switch s {
	case DeliveryStatusPending, DeliveryStatusRetrying:
		return next == DeliveryStatusSuccess || next == DeliveryStatusFailed || next == DeliveryStatusRetrying
	}
	return false
}

// WebhookEndpoint represents a user-configured delivery target
type WebhookEndpoint struct {
	ID                   uuid.UUID  `json:"id" db:"id"`
	UserID               uuid.UUID  `json:"userId" db:"user_id"`
	Name                 string     `json:"name" db:"name"`
	URL                  string     `json:"url" db:"url"`
	AuthMethod           AuthMethod `json:"authMethod" db:"auth_method"`
	AuthSecret           string     `json:"-" db:"auth_secret"`
	IsActive             bool       `json:"isActive" db:"is_active"`
	VerifySSL            bool       `json:"verifySsl" db:"verify_ssl"`
	RateLimit            int        `json:"rateLimit" db:"rate_limit"`
	TotalDeliveries      int64      `json:"totalDeliveries" db:"total_deliveries"`
	SuccessfulDeliveries int64      `json:"successfulDeliveries" db:"successful_deliveries"`
	FailedDeliveries     int64      `json:"failedDeliveries" db:"failed_deliveries"`
	LastDeliveryAt       *time.Time `json:"lastDeliveryAt,omitempty" db:"last_delivery_at"`
	CreatedAt            time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time  `json:"updatedAt" db:"updated_at"`
}

// HasAuthSecret is exposed instead of the secret itself
func (e *WebhookEndpoint) HasAuthSecret() bool {
	return e.AuthSecret != ""
}

// MarshalJSON adds the hasAuthSecret flag to the stored record
func (e WebhookEndpoint) MarshalJSON() ([]byte, error) {
	type plain WebhookEndpoint
	return json.Marshal(struct {
		plain
		HasAuthSecret bool `json:"hasAuthSecret"`
	}{plain(e), e.HasAuthSecret()})
}

// WebhookEndpointColumns lists columns in the order ScanFrom expects
const WebhookEndpointColumns = `id, user_id, name, url, auth_method, auth_secret, is_active, verify_ssl,
	rate_limit, total_deliveries, successful_deliveries, failed_deliveries, last_delivery_at,
	created_at, updated_at`

// ScanFrom maps a webhook_endpoints row onto e
func (e *WebhookEndpoint) ScanFrom(row Scanner) error {
	return row.Scan(
		&e.ID, &e.UserID, &e.Name, &e.URL, &e.AuthMethod, &e.AuthSecret, &e.IsActive, &e.VerifySSL,
		&e.RateLimit, &e.TotalDeliveries, &e.SuccessfulDeliveries, &e.FailedDeliveries, &e.LastDeliveryAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
}

// WebhookEvent is a catalog entry describing an emittable event
type WebhookEvent struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	Code          string          `json:"code" db:"code"`
	Name          string          `json:"name" db:"name"`
	Category      string          `json:"category" db:"category"`
	Description   string          `json:"description" db:"description"`
	PayloadSchema json.RawMessage `json:"payloadSchema,omitempty" db:"payload_schema"`
	IsActive      bool            `json:"isActive" db:"is_active"`
	CreatedAt     time.Time       `json:"createdAt" db:"created_at"`
}

// WebhookEventColumns lists columns in the order ScanFrom expects
const WebhookEventColumns = `id, code, name, category, description, payload_schema, is_active, created_at`

// ScanFrom maps a webhook_events row onto e
func (e *WebhookEvent) ScanFrom(row Scanner) error {
	return row.Scan(&e.ID, &e.Code, &e.Name, &e.Category, &e.Description, &e.PayloadSchema, &e.IsActive, &e.CreatedAt)
}

// WebhookSubscription links one endpoint to one event code
type WebhookSubscription struct {
	ID         uuid.UUID     `json:"id" db:"id"`
	UserID     uuid.UUID     `json:"userId" db:"user_id"`
	EndpointID uuid.UUID     `json:"endpointId" db:"endpoint_id"`
	EventCode  string        `json:"eventCode" db:"event_code"`
	IsActive   bool          `json:"isActive" db:"is_active"`
	CreatedAt  time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time     `json:"updatedAt" db:"updated_at"`
	Event      *WebhookEvent `json:"event,omitempty" db:"-"`
}

// WebhookSubscriptionColumns lists columns in the order ScanFrom expects
const WebhookSubscriptionColumns = `id, user_id, endpoint_id, event_code, is_active, created_at, updated_at`

// ScanFrom maps a webhook_subscriptions row onto s
func (s *WebhookSubscription) ScanFrom(row Scanner) error {
	return row.Scan(&s.ID, &s.UserID, &s.EndpointID, &s.EventCode, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
}

// WebhookDeliveryLog is one delivery attempt. Retries form a lineage through ParentID.
type WebhookDeliveryLog struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	UserID         uuid.UUID       `json:"userId" db:"user_id"`
	EndpointID     uuid.UUID       `json:"endpointId" db:"endpoint_id"`
	ParentID       *uuid.UUID      `json:"parentId,omitempty" db:"parent_id"`
	EventCode      string          `json:"eventCode" db:"event_code"`
	Status         DeliveryStatus  `json:"status" db:"status"`
	HTTPStatus     *int            `json:"httpStatus,omitempty" db:"http_status"`
	DurationMs     *int            `json:"durationMs,omitempty" db:"duration_ms"`
	RetryCount     int             `json:"retryCount" db:"retry_count"`
	ErrorMessage   *string         `json:"errorMessage,omitempty" db:"error_message"`
	RequestPayload json.RawMessage `json:"requestPayload,omitempty" db:"request_payload"`
	ResponseBody   *string         `json:"responseBody,omitempty" db:"response_body"`
	NextRetryAt    *time.Time      `json:"nextRetryAt,omitempty" db:"next_retry_at"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
	DeliveredAt    *time.Time      `json:"deliveredAt,omitempty" db:"delivered_at"`

	// Denormalized from the catalog for display
	EventName     string `json:"eventName,omitempty" db:"-"`
	EventCategory string `json:"eventCategory,omitempty" db:"-"`
}

// WebhookDeliveryLogColumns lists columns in the order ScanFrom expects
const WebhookDeliveryLogColumns = `id, user_id, endpoint_id, parent_id, event_code, status, http_status,
	duration_ms, retry_count, error_message, request_payload, response_body, next_retry_at,
	created_at, delivered_at`

// ScanFrom maps a webhook_delivery_logs row onto l
func (l *WebhookDeliveryLog) ScanFrom(row Scanner, extra ...any) error {
	dest := []any{
		&l.ID, &l.UserID, &l.EndpointID, &l.ParentID, &l.EventCode, &l.Status, &l.HTTPStatus,
		&l.DurationMs, &l.RetryCount, &l.ErrorMessage, &l.RequestPayload, &l.ResponseBody, &l.NextRetryAt,
		&l.CreatedAt, &l.DeliveredAt,
	}
	return row.Scan(append(dest, extra...)...)
}

// DeliveryStats summarizes attempts for an endpoint over a trailing window
type DeliveryStats struct {
	Total       int `json:"total"`
	Success     int `json:"success"`
	Failed      int `json:"failed"`
	Pending     int `json:"pending"`
	SuccessRate int `json:"successRate"`
}
