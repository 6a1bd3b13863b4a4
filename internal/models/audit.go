package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditCategory identifies which source log an audit event came from
type AuditCategory string

const (
	AuditCategoryAPIAccess        AuditCategory = "api_access"
	AuditCategoryWebhookDelivery  AuditCategory = "webhook_delivery"
	AuditCategoryDataModification AuditCategory = "data_modification"
	AuditCategorySecurityEvent    AuditCategory = "security_event"
)

// Valid reports whether c is a known category
func (c AuditCategory) Valid() bool {
	switch c {
	case AuditCategoryAPIAccess, AuditCategoryWebhookDelivery, AuditCategoryDataModification, AuditCategorySecurityEvent:
		return true
	}
	return false
}

// AuditEvent is the normalized projection served by the unified_audit_trail view
type AuditEvent struct {
	ID           uuid.UUID     `json:"id" db:"id"`
	Category     AuditCategory `json:"category" db:"category"`
	UserID       *uuid.UUID    `json:"userId,omitempty" db:"user_id"`
	Resource     string        `json:"resource" db:"resource"`
	Action       string        `json:"action" db:"action"`
	Outcome      string        `json:"outcome" db:"outcome"`
	IPAddress    *string       `json:"ipAddress,omitempty" db:"ip_address"`
	DurationMs   *int          `json:"durationMs,omitempty" db:"duration_ms"`
	ErrorMessage *string       `json:"errorMessage,omitempty" db:"error_message"`
	OldValue     *string       `json:"oldValue,omitempty" db:"old_value"`
	NewValue     *string       `json:"newValue,omitempty" db:"new_value"`
	CreatedAt    time.Time     `json:"createdAt" db:"created_at"`
}

// AuditEventColumns lists columns in the order ScanFrom expects
const AuditEventColumns = `id, category, user_id, resource, action, outcome, ip_address, duration_ms,
	error_message, old_value, new_value, created_at`

// ScanFrom maps a unified_audit_trail row onto e
func (e *AuditEvent) ScanFrom(row Scanner) error {
	return row.Scan(
		&e.ID, &e.Category, &e.UserID, &e.Resource, &e.Action, &e.Outcome, &e.IPAddress, &e.DurationMs,
		&e.ErrorMessage, &e.OldValue, &e.NewValue, &e.CreatedAt,
	)
}

// APIAccessLog records one API call
type APIAccessLog struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	UserID       *uuid.UUID `json:"userId,omitempty" db:"user_id"`
	Endpoint     string     `json:"endpoint" db:"endpoint"`
	Method       string     `json:"method" db:"method"`
	StatusCode   int        `json:"statusCode" db:"status_code"`
	DurationMs   int        `json:"durationMs" db:"duration_ms"`
	IPAddress    *string    `json:"ipAddress,omitempty" db:"ip_address"`
	UserAgent    *string    `json:"userAgent,omitempty" db:"user_agent"`
	ErrorMessage *string    `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
}

// APIAccessLogColumns lists columns in the order ScanFrom expects
const APIAccessLogColumns = `id, user_id, endpoint, method, status_code, duration_ms, ip_address,
	user_agent, error_message, created_at`

// ScanFrom maps an api_access_logs row onto l
func (l *APIAccessLog) ScanFrom(row Scanner) error {
	return row.Scan(
		&l.ID, &l.UserID, &l.Endpoint, &l.Method, &l.StatusCode, &l.DurationMs, &l.IPAddress,
		&l.UserAgent, &l.ErrorMessage, &l.CreatedAt,
	)
}

// Severity ranks security events
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// SecurityEvent is created on detection and resolved once by an operator
type SecurityEvent struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	EventType        string     `json:"eventType" db:"event_type"`
	Severity         Severity   `json:"severity" db:"severity"`
	UserID           *uuid.UUID `json:"userId,omitempty" db:"user_id"`
	IPAddress        *string    `json:"ipAddress,omitempty" db:"ip_address"`
	Description      string     `json:"description" db:"description"`
	AffectedResource *string    `json:"affectedResource,omitempty" db:"affected_resource"`
	IsResolved       bool       `json:"isResolved" db:"is_resolved"`
	ActionTaken      *string    `json:"actionTaken,omitempty" db:"action_taken"`
	ResolvedBy       *uuid.UUID `json:"resolvedBy,omitempty" db:"resolved_by"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty" db:"resolved_at"`
	CreatedAt        time.Time  `json:"createdAt" db:"created_at"`
}

// SecurityEventColumns lists columns in the order ScanFrom expects
const SecurityEventColumns = `id, event_type, severity, user_id, ip_address, description, affected_resource,
	is_resolved, action_taken, resolved_by, resolved_at, created_at`

// ScanFrom maps a security_events row onto e
func (e *SecurityEvent) ScanFrom(row Scanner) error {
	return row.Scan(
		&e.ID, &e.EventType, &e.Severity, &e.UserID, &e.IPAddress, &e.Description, &e.AffectedResource,
		&e.IsResolved, &e.ActionTaken, &e.ResolvedBy, &e.ResolvedAt, &e.CreatedAt,
	)
}

// ChangeAction is the kind of mutation recorded in change history
type ChangeAction string

const (
	ChangeActionCreated ChangeAction = "created"
	ChangeActionUpdated ChangeAction = "updated"
	ChangeActionDeleted ChangeAction = "deleted"
)

// ChangeHistoryRecord is an append-only field-level mutation record.
// CanRollback is advisory metadata; nothing executes rollbacks.
type ChangeHistoryRecord struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	UserID      *uuid.UUID   `json:"userId,omitempty" db:"user_id"`
	EntityType  string       `json:"entityType" db:"entity_type"`
	EntityID    string       `json:"entityId" db:"entity_id"`
	EntityTitle *string      `json:"entityTitle,omitempty" db:"entity_title"`
	Action      ChangeAction `json:"action" db:"action"`
	FieldName   *string      `json:"fieldName,omitempty" db:"field_name"`
	OldValue    *string      `json:"oldValue,omitempty" db:"old_value"`
	NewValue    *string      `json:"newValue,omitempty" db:"new_value"`
	IsCritical  bool         `json:"isCritical" db:"is_critical"`
	CanRollback bool         `json:"canRollback" db:"can_rollback"`
	Reason      *string      `json:"reason,omitempty" db:"reason"`
	CreatedAt   time.Time    `json:"createdAt" db:"created_at"`
}

// ChangeHistoryColumns lists columns in the order ScanFrom expects
const ChangeHistoryColumns = `id, user_id, entity_type, entity_id, entity_title, action, field_name,
	old_value, new_value, is_critical, can_rollback, reason, created_at`

// ScanFrom maps a change_history row onto r
func (r *ChangeHistoryRecord) ScanFrom(row Scanner) error {
	return row.Scan(
		&r.ID, &r.UserID, &r.EntityType, &r.EntityID, &r.EntityTitle, &r.Action, &r.FieldName,
		&r.OldValue, &r.NewValue, &r.IsCritical, &r.CanRollback, &r.Reason, &r.CreatedAt,
	)
}

// AuditStatistics is the summary row returned by get_audit_statistics
type AuditStatistics struct {
	TotalAPICalls            int64   `json:"totalApiCalls"`
	FailedAPICalls           int64   `json:"failedApiCalls"`
	WebhookSuccessRate       float64 `json:"webhookSuccessRate"`
	TotalDataModifications   int64   `json:"totalDataModifications"`
	CriticalSecurityEvents   int64   `json:"criticalSecurityEvents"`
	UnresolvedSecurityEvents int64   `json:"unresolvedSecurityEvents"`
}

// changeHistoryRow is a change_history row as published by the change trigger
type changeHistoryRow struct {
	ID          uuid.UUID    `json:"id"`
	UserID      *uuid.UUID   `json:"user_id"`
	EntityType  string       `json:"entity_type"`
	EntityID    string       `json:"entity_id"`
	EntityTitle *string      `json:"entity_title"`
	Action      ChangeAction `json:"action"`
	FieldName   *string      `json:"field_name"`
	OldValue    *string      `json:"old_value"`
	NewValue    *string      `json:"new_value"`
	IsCritical  bool         `json:"is_critical"`
	CanRollback bool         `json:"can_rollback"`
	Reason      *string      `json:"reason"`
	CreatedAt   time.Time    `json:"created_at"`
}

// DecodeChangeHistoryRow maps a change-notification row onto a ChangeHistoryRecord
func DecodeChangeHistoryRow(raw json.RawMessage) (ChangeHistoryRecord, error) {
	var r changeHistoryRow
	if err := json.Unmarshal(raw, &r); err != nil {
		return ChangeHistoryRecord{}, err
	}
	return ChangeHistoryRecord(r), nil
}
