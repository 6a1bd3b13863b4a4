package activity

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LogFilter narrows activity log reads
type LogFilter struct {
	UserID     *uuid.UUID `json:"userId,omitempty"`
	Action     string     `json:"action,omitempty"`
	EntityType string     `json:"entityType,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// ChangeFilter narrows change history reads
type ChangeFilter struct {
	UserID       *uuid.UUID `json:"userId,omitempty"`
	EntityType   string     `json:"entityType,omitempty"`
	EntityID     string     `json:"entityId,omitempty"`
	CriticalOnly bool       `json:"criticalOnly,omitempty"`
	Limit        int        `json:"limit,omitempty"`
}

// Store reads the four live tables, newest first
type Store interface {
	ActiveSessions(ctx context.Context, limit int) ([]models.ActiveSession, error)
	DocumentEdits(ctx context.Context, limit int) ([]models.DocumentEditRecord, error)
	ActivityLogs(ctx context.Context, f LogFilter) ([]models.ActivityLog, error)
	ChangeHistory(ctx context.Context, f ChangeFilter) ([]models.ChangeHistoryRecord, error)

	// UpsertSession records a heartbeat for the caller's session
	UpsertSession(ctx context.Context, s *models.ActiveSession) error
	InsertActivity(ctx context.Context, l *models.ActivityLog) error
}

// PgStore implements Store on Postgres
type PgStore struct {
	db *pgxpool.Pool
}

// NewPgStore creates a Postgres-backed activity store
func NewPgStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

type predicates struct {
	conds []string
	args  []any
}

func (p *predicates) add(cond string, arg any) {
	p.args = append(p.args, arg)
	p.conds = append(p.conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(p.args))))
}

func (p *predicates) sql(orderBy string, limit int) string {
	var b strings.Builder
	if len(p.conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(p.conds, " AND "))
	}
	p.args = append(p.args, limit)
	b.WriteString(" ORDER BY " + orderBy + " LIMIT $" + strconv.Itoa(len(p.args)))
	return b.String()
}

// ActiveSessions returns sessions by most recent activity
func (s *PgStore) ActiveSessions(ctx context.Context, limit int) ([]models.ActiveSession, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+models.ActiveSessionColumns+`
		FROM active_sessions
		WHERE status <> 'offline'
		ORDER BY last_activity DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.ActiveSession{}
	for rows.Next() {
		var a models.ActiveSession
		if err := a.ScanFrom(rows); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, a)
	}
	return sessions, rows.Err()
}

// DocumentEdits returns open edits by most recent modification
func (s *PgStore) DocumentEdits(ctx context.Context, limit int) ([]models.DocumentEditRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+models.DocumentEditColumns+`
		FROM document_edits
		WHERE edit_status IN ('draft', 'in_progress')
		ORDER BY last_modified DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query document edits: %w", err)
	}
	defer rows.Close()

	edits := []models.DocumentEditRecord{}
	for rows.Next() {
		var d models.DocumentEditRecord
		if err := d.ScanFrom(rows); err != nil {
			return nil, fmt.Errorf("failed to scan document edit: %w", err)
		}
		edits = append(edits, d)
	}
	return edits, rows.Err()
}

// ActivityLogs returns matching activity entries
func (s *PgStore) ActivityLogs(ctx context.Context, f LogFilter) ([]models.ActivityLog, error) {
	p := &predicates{}
	if f.UserID != nil {
		p.add("user_id = ?", *f.UserID)
	}
	if f.Action != "" {
		p.add("action = ?", f.Action)
	}
	if f.EntityType != "" {
		p.add("entity_type = ?", f.EntityType)
	}
	if f.Since != nil {
		p.add("created_at >= ?", *f.Since)
	}
	query := `SELECT ` + models.ActivityLogColumns + ` FROM activity_logs` + p.sql("created_at DESC, id DESC", f.Limit)

	rows, err := s.db.Query(ctx, query, p.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity logs: %w", err)
	}
	defer rows.Close()

	logs := []models.ActivityLog{}
	for rows.Next() {
		var l models.ActivityLog
		if err := l.ScanFrom(rows); err != nil {
			return nil, fmt.Errorf("failed to scan activity log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ChangeHistory returns matching change records
func (s *PgStore) ChangeHistory(ctx context.Context, f ChangeFilter) ([]models.ChangeHistoryRecord, error) {
	p := &predicates{}
	if f.UserID != nil {
		p.add("user_id = ?", *f.UserID)
	}
	if f.EntityType != "" {
		p.add("entity_type = ?", f.EntityType)
	}
	if f.EntityID != "" {
		p.add("entity_id = ?", f.EntityID)
	}
	if f.CriticalOnly {
		p.add("is_critical = ?", true)
	}
	query := `SELECT ` + models.ChangeHistoryColumns + ` FROM change_history` + p.sql("created_at DESC, id DESC", f.Limit)

	rows, err := s.db.Query(ctx, query, p.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query change history: %w", err)
	}
	defer rows.Close()

	records := []models.ChangeHistoryRecord{}
	for rows.Next() {
		var r models.ChangeHistoryRecord
		if err := r.ScanFrom(rows); err != nil {
			return nil, fmt.Errorf("failed to scan change record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// UpsertSession inserts the session or refreshes its presence fields
func (s *PgStore) UpsertSession(ctx context.Context, a *models.ActiveSession) error {
	return a.ScanFrom(s.db.QueryRow(ctx, `
		INSERT INTO active_sessions (id, user_id, status, current_page, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, current_page = EXCLUDED.current_page,
		    ip_address = EXCLUDED.ip_address, user_agent = EXCLUDED.user_agent,
		    last_activity = NOW()
		WHERE active_sessions.user_id = EXCLUDED.user_id
		RETURNING `+models.ActiveSessionColumns,
		a.ID, a.UserID, a.Status, a.CurrentPage, a.IPAddress, a.UserAgent,
	))
}

// InsertActivity appends an activity entry
func (s *PgStore) InsertActivity(ctx context.Context, l *models.ActivityLog) error {
	var metadata any
	if len(l.Metadata) > 0 {
		metadata = string(l.Metadata)
	}
	return s.db.QueryRow(ctx, `
		INSERT INTO activity_logs (user_id, action, entity_type, entity_id, description, ip_address, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, l.UserID, l.Action, l.EntityType, l.EntityID, l.Description, l.IPAddress, metadata,
	).Scan(&l.ID, &l.CreatedAt)
}
