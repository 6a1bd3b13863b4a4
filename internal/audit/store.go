package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the persistence boundary of the audit subsystem
type Store interface {
	QueryTrail(ctx context.Context, f Filter) ([]models.AuditEvent, error)
	CountTrail(ctx context.Context, f Filter) (int, error)
	Statistics(ctx context.Context, start, end time.Time) (*models.AuditStatistics, error)

	ListAPIAccess(ctx context.Context, f Filter) ([]models.APIAccessLog, error)
	ListSecurityEvents(ctx context.Context, f Filter) ([]models.SecurityEvent, error)
	ListWebhookDeliveries(ctx context.Context, f Filter) ([]models.WebhookDeliveryLog, error)
	ListChangeHistory(ctx context.Context, f Filter) ([]models.ChangeHistoryRecord, error)

	// ResolveSecurityEvent marks an unresolved event resolved.
	// It returns ErrAlreadyResolved or ErrSecurityEventNotFound when nothing was updated.
	ResolveSecurityEvent(ctx context.Context, id, resolver uuid.UUID, actionTaken string, at time.Time) (*models.SecurityEvent, error)

	InsertAPIAccess(ctx context.Context, l *models.APIAccessLog) error
	InsertSecurityEvent(ctx context.Context, e *models.SecurityEvent) error
	InsertChange(ctx context.Context, r *models.ChangeHistoryRecord) error
}

// PgStore implements Store on Postgres
type PgStore struct {
	db *pgxpool.Pool
}

// NewPgStore creates a Postgres-backed audit store
func NewPgStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

// paging appends LIMIT/OFFSET placeholders
func paging(w *whereBuilder, limit, offset int) string {
	w.args = append(w.args, limit, offset)
	n := len(w.args)
	return " LIMIT $" + strconv.Itoa(n-1) + " OFFSET $" + strconv.Itoa(n)
}

// QueryTrail returns one page of the unified view, newest first with id as tie-breaker
func (s *PgStore) QueryTrail(ctx context.Context, f Filter) ([]models.AuditEvent, error) {
	w := f.trailWhere()
	query := `SELECT ` + models.AuditEventColumns + ` FROM unified_audit_trail` + w.clause() +
		` ORDER BY created_at DESC, id DESC` + paging(w, f.Limit, f.Offset)

	rows, err := s.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	events := []models.AuditEvent{}
	for rows.Next() {
		var e models.AuditEvent
		if err := e.ScanFrom(rows); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountTrail counts rows matching the same predicates as QueryTrail
func (s *PgStore) CountTrail(ctx context.Context, f Filter) (int, error) {
	w := f.trailWhere()
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM unified_audit_trail`+w.clause(), w.args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit trail: %w", err)
	}
	return n, nil
}

// Statistics calls get_audit_statistics. No row yields zeroed defaults.
func (s *PgStore) Statistics(ctx context.Context, start, end time.Time) (*models.AuditStatistics, error) {
	stats := &models.AuditStatistics{}
	err := s.db.QueryRow(ctx, `
		SELECT total_api_calls, failed_api_calls, webhook_success_rate::float8,
		       total_data_modifications, critical_security_events, unresolved_security_events
		FROM get_audit_statistics($1, $2)
	`, start, end).Scan(
		&stats.TotalAPICalls, &stats.FailedAPICalls, &stats.WebhookSuccessRate,
		&stats.TotalDataModifications, &stats.CriticalSecurityEvents, &stats.UnresolvedSecurityEvents,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.AuditStatistics{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to compute audit statistics: %w", err)
	}
	return stats, nil
}

// ListAPIAccess returns access log rows, newest first
func (s *PgStore) ListAPIAccess(ctx context.Context, f Filter) ([]models.APIAccessLog, error) {
	w := f.userDateWhere()
	if f.IPAddress != "" {
		w.add("ip_address = $%d", f.IPAddress)
	}
	if f.Resource != "" {
		w.add("endpoint ILIKE '%%' || $%d || '%%'", escapeLike(f.Resource))
	}
	query := `SELECT ` + models.APIAccessLogColumns + ` FROM api_access_logs` + w.clause() +
		` ORDER BY created_at DESC, id DESC` + paging(w, f.Limit, f.Offset)

	rows, err := s.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list api access logs: %w", err)
	}
	defer rows.Close()

	logs := []models.APIAccessLog{}
	for rows.Next() {
		var l models.APIAccessLog
		if err := l.ScanFrom(rows); err != nil {
			return nil, fmt.Errorf("failed to scan api access log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ListSecurityEvents returns security events, newest first
func (s *PgStore) ListSecurityEvents(ctx context.Context, f Filter) ([]models.SecurityEvent, error) {
	w := f.userDateWhere()
	if f.IPAddress != "" {
		w.add("ip_address = $%d", f.IPAddress)
	}
	if f.Severity != "" {
		w.add("severity = $%d", string(f.Severity))
	}
	if f.Resolved != nil {
		w.add("is_resolved = $%d", *f.Resolved)
	}
	query := `SELECT ` + models.SecurityEventColumns + ` FROM security_events` + w.clause() +
		` ORDER BY created_at DESC, id DESC` + paging(w, f.Limit, f.Offset)

	rows, err := s.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	defer rows.Close()

	events := []models.SecurityEvent{}
	for rows.Next() {
		var e models.SecurityEvent
		if err := e.ScanFrom(rows); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListWebhookDeliveries returns delivery attempts across all endpoints, newest first
func (s *PgStore) ListWebhookDeliveries(ctx context.Context, f Filter) ([]models.WebhookDeliveryLog, error) {
	w := f.userDateWhere()
	if f.Resource != "" {
		w.add("event_code ILIKE '%%' || $%d || '%%'", escapeLike(f.Resource))
	}
	query := `SELECT ` + models.WebhookDeliveryLogColumns + ` FROM webhook_delivery_logs` + w.clause() +
		` ORDER BY created_at DESC, id DESC` + paging(w, f.Limit, f.Offset)

	rows, err := s.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook deliveries: %w", err)
	}
	defer rows.Close()

	logs := []models.WebhookDeliveryLog{}
	for rows.Next() {
		var l models.WebhookDeliveryLog
		if err := l.ScanFrom(rows); err != nil {
			return nil, fmt.Errorf("failed to scan webhook delivery: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ListChangeHistory returns data modification records, newest first
func (s *PgStore) ListChangeHistory(ctx context.Context, f Filter) ([]models.ChangeHistoryRecord, error) {
	w := f.userDateWhere()
	if f.Resource != "" {
		w.add("(entity_type || ':' || entity_id) ILIKE '%%' || $%d || '%%'", escapeLike(f.Resource))
	}
	query := `SELECT ` + models.ChangeHistoryColumns + ` FROM change_history` + w.clause() +
		` ORDER BY created_at DESC, id DESC` + paging(w, f.Limit, f.Offset)

	rows, err := s.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list change history: %w", err)
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

// ResolveSecurityEvent updates only unresolved rows so the first resolution is kept
func (s *PgStore) ResolveSecurityEvent(ctx context.Context, id, resolver uuid.UUID, actionTaken string, at time.Time) (*models.SecurityEvent, error) {
	var e models.SecurityEvent
	err := e.ScanFrom(s.db.QueryRow(ctx, `
		UPDATE security_events
		SET is_resolved = TRUE, action_taken = $2, resolved_by = $3, resolved_at = $4
		WHERE id = $1 AND NOT is_resolved
		RETURNING `+models.SecurityEventColumns,
		id, actionTaken, resolver, at,
	))
	if err == nil {
		return &e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to resolve security event: %w", err)
	}

	var resolved bool
	err = s.db.QueryRow(ctx, `SELECT is_resolved FROM security_events WHERE id = $1`, id).Scan(&resolved)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSecurityEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return nil, ErrAlreadyResolved
}

// InsertAPIAccess appends an access log row
func (s *PgStore) InsertAPIAccess(ctx context.Context, l *models.APIAccessLog) error {
	return s.db.QueryRow(ctx, `
		INSERT INTO api_access_logs (user_id, endpoint, method, status_code, duration_ms, ip_address, user_agent, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, l.UserID, l.Endpoint, l.Method, l.StatusCode, l.DurationMs, l.IPAddress, l.UserAgent, l.ErrorMessage,
	).Scan(&l.ID, &l.CreatedAt)
}

// InsertSecurityEvent records a detection
func (s *PgStore) InsertSecurityEvent(ctx context.Context, e *models.SecurityEvent) error {
	return s.db.QueryRow(ctx, `
		INSERT INTO security_events (event_type, severity, user_id, ip_address, description, affected_resource)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, e.EventType, e.Severity, e.UserID, e.IPAddress, e.Description, e.AffectedResource,
	).Scan(&e.ID, &e.CreatedAt)
}

// InsertChange appends a change history row
func (s *PgStore) InsertChange(ctx context.Context, r *models.ChangeHistoryRecord) error {
	return s.db.QueryRow(ctx, `
		INSERT INTO change_history (user_id, entity_type, entity_id, entity_title, action, field_name,
		                            old_value, new_value, is_critical, can_rollback, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`, r.UserID, r.EntityType, r.EntityID, r.EntityTitle, r.Action, r.FieldName,
		r.OldValue, r.NewValue, r.IsCritical, r.CanRollback, r.Reason,
	).Scan(&r.ID, &r.CreatedAt)
}
