package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is a user's live presence state
type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusIdle    SessionStatus = "idle"
	SessionStatusAway    SessionStatus = "away"
	SessionStatusOffline SessionStatus = "offline"
)

// ActiveSession is updated continuously by the client heartbeat
type ActiveSession struct {
	ID           uuid.UUID     `json:"id" db:"id"`
	UserID       uuid.UUID     `json:"userId" db:"user_id"`
	Status       SessionStatus `json:"status" db:"status"`
	CurrentPage  *string       `json:"currentPage,omitempty" db:"current_page"`
	LastActivity time.Time     `json:"lastActivity" db:"last_activity"`
	SessionStart time.Time     `json:"sessionStart" db:"session_start"`
	IPAddress    *string       `json:"ipAddress,omitempty" db:"ip_address"`
	UserAgent    *string       `json:"userAgent,omitempty" db:"user_agent"`
}

// ActiveSessionColumns lists columns in the order ScanFrom expects
const ActiveSessionColumns = `id, user_id, status, current_page, last_activity, session_start, ip_address, user_agent`

// ScanFrom maps an active_sessions row onto s
func (s *ActiveSession) ScanFrom(row Scanner) error {
	return row.Scan(&s.ID, &s.UserID, &s.Status, &s.CurrentPage, &s.LastActivity, &s.SessionStart, &s.IPAddress, &s.UserAgent)
}

// RecordID implements the live-list key
func (s ActiveSession) RecordID() uuid.UUID { return s.ID }

// EditStatus is the lifecycle state of an in-progress document edit
type EditStatus string

const (
	EditStatusDraft      EditStatus = "draft"
	EditStatusInProgress EditStatus = "in_progress"
	EditStatusCompleted  EditStatus = "completed"
	EditStatusCancelled  EditStatus = "cancelled"
)

// DocumentEditRecord tracks one in-progress edit and its concurrent editors
type DocumentEditRecord struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	UserID          uuid.UUID  `json:"userId" db:"user_id"`
	DocumentType    string     `json:"documentType" db:"document_type"`
	DocumentID      string     `json:"documentId" db:"document_id"`
	DocumentTitle   *string    `json:"documentTitle,omitempty" db:"document_title"`
	EditStatus      EditStatus `json:"editStatus" db:"edit_status"`
	ChangesCount    int        `json:"changesCount" db:"changes_count"`
	IsConcurrent    bool       `json:"isConcurrent" db:"is_concurrent"`
	ConcurrentUsers []string   `json:"concurrentUsers" db:"concurrent_users"`
	LastModified    time.Time  `json:"lastModified" db:"last_modified"`
}

// DocumentEditColumns lists columns in the order ScanFrom expects
const DocumentEditColumns = `id, user_id, document_type, document_id, document_title, edit_status,
	changes_count, is_concurrent, coalesce(concurrent_users::text[], '{}'), last_modified`

// ScanFrom maps a document_edits row onto d
func (d *DocumentEditRecord) ScanFrom(row Scanner) error {
	return row.Scan(
		&d.ID, &d.UserID, &d.DocumentType, &d.DocumentID, &d.DocumentTitle, &d.EditStatus,
		&d.ChangesCount, &d.IsConcurrent, &d.ConcurrentUsers, &d.LastModified,
	)
}

// RecordID implements the live-list key
func (d DocumentEditRecord) RecordID() uuid.UUID { return d.ID }

// ActivityLog is one entry in the rolling activity feed
type ActivityLog struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	UserID      *uuid.UUID      `json:"userId,omitempty" db:"user_id"`
	Action      string          `json:"action" db:"action"`
	EntityType  *string         `json:"entityType,omitempty" db:"entity_type"`
	EntityID    *string         `json:"entityId,omitempty" db:"entity_id"`
	Description *string         `json:"description,omitempty" db:"description"`
	IPAddress   *string         `json:"ipAddress,omitempty" db:"ip_address"`
	Metadata    json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
}

// ActivityLogColumns lists columns in the order ScanFrom expects
const ActivityLogColumns = `id, user_id, action, entity_type, entity_id, description, ip_address, metadata, created_at`

// ScanFrom maps an activity_logs row onto l
func (l *ActivityLog) ScanFrom(row Scanner) error {
	return row.Scan(&l.ID, &l.UserID, &l.Action, &l.EntityType, &l.EntityID, &l.Description, &l.IPAddress, &l.Metadata, &l.CreatedAt)
}

// RecordID implements the live-list key
func (l ActivityLog) RecordID() uuid.UUID { return l.ID }

// RecordID implements the live-list key
func (r ChangeHistoryRecord) RecordID() uuid.UUID { return r.ID }

// activeSessionRow is an active_sessions row as published by the change trigger
type activeSessionRow struct {
	ID           uuid.UUID     `json:"id"`
	UserID       uuid.UUID     `json:"user_id"`
	Status       SessionStatus `json:"status"`
	CurrentPage  *string       `json:"current_page"`
	LastActivity time.Time     `json:"last_activity"`
	SessionStart time.Time     `json:"session_start"`
	IPAddress    *string       `json:"ip_address"`
	UserAgent    *string       `json:"user_agent"`
}

// DecodeActiveSessionRow maps a change-notification row onto an ActiveSession
func DecodeActiveSessionRow(raw json.RawMessage) (ActiveSession, error) {
	var r activeSessionRow
	if err := json.Unmarshal(raw, &r); err != nil {
		return ActiveSession{}, err
	}
	return ActiveSession{
		ID:           r.ID,
		UserID:       r.UserID,
		Status:       r.Status,
		CurrentPage:  r.CurrentPage,
		LastActivity: r.LastActivity,
		SessionStart: r.SessionStart,
		IPAddress:    r.IPAddress,
		UserAgent:    r.UserAgent,
	}, nil
}

// documentEditRow is a document_edits row as published by the change trigger
type documentEditRow struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	DocumentType    string     `json:"document_type"`
	DocumentID      string     `json:"document_id"`
	DocumentTitle   *string    `json:"document_title"`
	EditStatus      EditStatus `json:"edit_status"`
	ChangesCount    int        `json:"changes_count"`
	IsConcurrent    bool       `json:"is_concurrent"`
	ConcurrentUsers []string   `json:"concurrent_users"`
	LastModified    time.Time  `json:"last_modified"`
}

// DecodeDocumentEditRow maps a change-notification row onto a DocumentEditRecord
func DecodeDocumentEditRow(raw json.RawMessage) (DocumentEditRecord, error) {
	var r documentEditRow
	if err := json.Unmarshal(raw, &r); err != nil {
		return DocumentEditRecord{}, err
	}
	users := r.ConcurrentUsers
	if users == nil {
		users = []string{}
	}
	return DocumentEditRecord{
		ID:              r.ID,
		UserID:          r.UserID,
		DocumentType:    r.DocumentType,
		DocumentID:      r.DocumentID,
		DocumentTitle:   r.DocumentTitle,
		EditStatus:      r.EditStatus,
		ChangesCount:    r.ChangesCount,
		IsConcurrent:    r.IsConcurrent,
		ConcurrentUsers: users,
		LastModified:    r.LastModified,
	}, nil
}

// activityLogRow is an activity_logs row as published by the change trigger
type activityLogRow struct {
	ID          uuid.UUID       `json:"id"`
	UserID      *uuid.UUID      `json:"user_id"`
	Action      string          `json:"action"`
	EntityType  *string         `json:"entity_type"`
	EntityID    *string         `json:"entity_id"`
	Description *string         `json:"description"`
	IPAddress   *string         `json:"ip_address"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DecodeActivityLogRow maps a change-notification row onto an ActivityLog
func DecodeActivityLogRow(raw json.RawMessage) (ActivityLog, error) {
	var r activityLogRow
	if err := json.Unmarshal(raw, &r); err != nil {
		return ActivityLog{}, err
	}
	if string(r.Metadata) == "null" {
		r.Metadata = nil
	}
	return ActivityLog{
		ID:          r.ID,
		UserID:      r.UserID,
		Action:      r.Action,
		EntityType:  r.EntityType,
		EntityID:    r.EntityID,
		Description: r.Description,
		IPAddress:   r.IPAddress,
		Metadata:    r.Metadata,
		CreatedAt:   r.CreatedAt,
	}, nil
}
