package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PgStore implements Store on Postgres
type PgStore struct {
	db *pgxpool.Pool
}

// NewPgStore creates a Postgres-backed store
func NewPgStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// ListEndpoints returns a user's endpoints, newest first
func (s *PgStore) ListEndpoints(ctx context.Context, userID uuid.UUID) ([]models.WebhookEndpoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+models.WebhookEndpointColumns+`
		FROM webhook_endpoints
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	endpoints := []models.WebhookEndpoint{}
	for rows.Next() {
		var e models.WebhookEndpoint
		if err := e.ScanFrom(rows); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, rows.Err()
}

// GetEndpoint loads one endpoint owned by userID
func (s *PgStore) GetEndpoint(ctx context.Context, userID, id uuid.UUID) (*models.WebhookEndpoint, error) {
	var e models.WebhookEndpoint
	err := e.ScanFrom(s.db.QueryRow(ctx, `
		SELECT `+models.WebhookEndpointColumns+`
		FROM webhook_endpoints
		WHERE id = $1 AND user_id = $2
	`, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEndpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertEndpoint stores e and fills server-assigned fields
func (s *PgStore) InsertEndpoint(ctx context.Context, e *models.WebhookEndpoint) error {
	return e.ScanFrom(s.db.QueryRow(ctx, `
		INSERT INTO webhook_endpoints (user_id, name, url, auth_method, auth_secret, is_active, verify_ssl, rate_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+models.WebhookEndpointColumns,
		e.UserID, e.Name, e.URL, e.AuthMethod, e.AuthSecret, e.IsActive, e.VerifySSL, e.RateLimit,
	))
}

// UpdateEndpoint writes the mutable configuration fields
func (s *PgStore) UpdateEndpoint(ctx context.Context, e *models.WebhookEndpoint) error {
	err := e.ScanFrom(s.db.QueryRow(ctx, `
		UPDATE webhook_endpoints
		SET name = $3, url = $4, auth_method = $5, auth_secret = $6,
		    is_active = $7, verify_ssl = $8, rate_limit = $9, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING `+models.WebhookEndpointColumns,
		e.ID, e.UserID, e.Name, e.URL, e.AuthMethod, e.AuthSecret, e.IsActive, e.VerifySSL, e.RateLimit,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrEndpointNotFound
	}
	return err
}

// DeleteEndpoint removes the row and deactivates its subscriptions in one transaction
func (s *PgStore) DeleteEndpoint(ctx context.Context, userID, id uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM webhook_endpoints WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEndpointNotFound
	}

	if _, err := tx.Exec(ctx, `
		UPDATE webhook_subscriptions SET is_active = FALSE, updated_at = NOW()
		WHERE endpoint_id = $1 AND is_active
	`, id); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ListEvents returns active catalog entries, optionally for one category
func (s *PgStore) ListEvents(ctx context.Context, category string) ([]models.WebhookEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+models.WebhookEventColumns+`
		FROM webhook_events
		WHERE is_active AND ($1 = '' OR category = $1)
		ORDER BY category, name
	`, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []models.WebhookEvent{}
	for rows.Next() {
		var e models.WebhookEvent
		if err := e.ScanFrom(rows); err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetEvent returns an active catalog entry by code
func (s *PgStore) GetEvent(ctx context.Context, code string) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	err := e.ScanFrom(s.db.QueryRow(ctx, `
		SELECT `+models.WebhookEventColumns+`
		FROM webhook_events
		WHERE code = $1 AND is_active
	`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// prefixed qualifies a column list with a table alias
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// ListSubscriptions returns an endpoint's subscriptions joined with the catalog
func (s *PgStore) ListSubscriptions(ctx context.Context, userID, endpointID uuid.UUID) ([]models.WebhookSubscription, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+prefixed("s", models.WebhookSubscriptionColumns)+`, `+prefixed("e", models.WebhookEventColumns)+`
		FROM webhook_subscriptions s
		JOIN webhook_events e ON e.code = s.event_code
		WHERE s.endpoint_id = $1 AND s.user_id = $2
		ORDER BY e.category, e.name
	`, endpointID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := []models.WebhookSubscription{}
	for rows.Next() {
		var sub models.WebhookSubscription
		var ev models.WebhookEvent
		err := rows.Scan(
			&sub.ID, &sub.UserID, &sub.EndpointID, &sub.EventCode, &sub.IsActive, &sub.CreatedAt, &sub.UpdatedAt,
			&ev.ID, &ev.Code, &ev.Name, &ev.Category, &ev.Description, &ev.PayloadSchema, &ev.IsActive, &ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		sub.Event = &ev
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// FindActiveSubscription returns the active link for the pair, if any
func (s *PgStore) FindActiveSubscription(ctx context.Context, endpointID uuid.UUID, eventCode string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := sub.ScanFrom(s.db.QueryRow(ctx, `
		SELECT `+models.WebhookSubscriptionColumns+`
		FROM webhook_subscriptions
		WHERE endpoint_id = $1 AND event_code = $2 AND is_active
	`, endpointID, eventCode))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// InsertSubscription stores a new link
func (s *PgStore) InsertSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	err := sub.ScanFrom(s.db.QueryRow(ctx, `
		INSERT INTO webhook_subscriptions (user_id, endpoint_id, event_code, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING `+models.WebhookSubscriptionColumns,
		sub.UserID, sub.EndpointID, sub.EventCode, sub.IsActive,
	))
	if isUniqueViolation(err) {
		return ErrDuplicateSubscription
	}
	return err
}

// DeleteSubscription removes a link owned by userID
func (s *PgStore) DeleteSubscription(ctx context.Context, userID, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// SetSubscriptionActive flips the active flag
func (s *PgStore) SetSubscriptionActive(ctx context.Context, userID, id uuid.UUID, active bool) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := sub.ScanFrom(s.db.QueryRow(ctx, `
		UPDATE webhook_subscriptions SET is_active = $3, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING `+models.WebhookSubscriptionColumns,
		id, userID, active,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if isUniqueViolation(err) {
		return nil, ErrDuplicateSubscription
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// SubscribedEndpoints resolves the delivery targets for an event
func (s *PgStore) SubscribedEndpoints(ctx context.Context, userID uuid.UUID, eventCode string) ([]models.WebhookEndpoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+prefixed("w", models.WebhookEndpointColumns)+`
		FROM webhook_endpoints w
		JOIN webhook_subscriptions s ON s.endpoint_id = w.id AND s.is_active
		WHERE w.user_id = $1 AND w.is_active AND s.event_code = $2
		ORDER BY w.created_at
	`, userID, eventCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	endpoints := []models.WebhookEndpoint{}
	for rows.Next() {
		var e models.WebhookEndpoint
		if err := e.ScanFrom(rows); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, rows.Err()
}

// GetDelivery loads one attempt owned by userID
func (s *PgStore) GetDelivery(ctx context.Context, userID, id uuid.UUID) (*models.WebhookDeliveryLog, error) {
	var l models.WebhookDeliveryLog
	err := l.ScanFrom(s.db.QueryRow(ctx, `
		SELECT `+models.WebhookDeliveryLogColumns+`
		FROM webhook_delivery_logs
		WHERE id = $1 AND user_id = $2
	`, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load delivery: %w", err)
	}
	return &l, nil
}

// ListDeliveries returns attempts newest first with catalog display fields
func (s *PgStore) ListDeliveries(ctx context.Context, userID, endpointID uuid.UUID, filter DeliveryFilter) ([]models.WebhookDeliveryLog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+prefixed("d", models.WebhookDeliveryLogColumns)+`,
		       coalesce(e.name, ''), coalesce(e.category, '')
		FROM webhook_delivery_logs d
		LEFT JOIN webhook_events e ON e.code = d.event_code
		WHERE d.endpoint_id = $1 AND d.user_id = $2
		  AND ($3 = '' OR d.status = $3)
		  AND ($4 = '' OR d.event_code = $4)
		ORDER BY d.created_at DESC, d.id DESC
		LIMIT $5
	`, endpointID, userID, string(filter.Status), filter.EventCode, filter.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []models.WebhookDeliveryLog{}
	for rows.Next() {
		var l models.WebhookDeliveryLog
		if err := l.ScanFrom(rows, &l.EventName, &l.EventCategory); err != nil {
			return nil, fmt.Errorf("failed to scan delivery log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CountDeliveries groups attempts since the given time by status
func (s *PgStore) CountDeliveries(ctx context.Context, userID, endpointID uuid.UUID, since time.Time) (map[models.DeliveryStatus]int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT status, count(*)
		FROM webhook_delivery_logs
		WHERE endpoint_id = $1 AND user_id = $2 AND created_at >= $3
		GROUP BY status
	`, endpointID, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.DeliveryStatus]int)
	for rows.Next() {
		var status models.DeliveryStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// InsertDelivery writes an attempt row. Settled rows also bump endpoint counters.
func (s *PgStore) InsertDelivery(ctx context.Context, l *models.WebhookDeliveryLog) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO webhook_delivery_logs (
			id, user_id, endpoint_id, parent_id, event_code, status, http_status, duration_ms,
			retry_count, error_message, request_payload, response_body, next_retry_at, delivered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at
	`,
		l.ID, l.UserID, l.EndpointID, l.ParentID, l.EventCode, l.Status, l.HTTPStatus, l.DurationMs,
		l.RetryCount, l.ErrorMessage, nullableJSON(l.RequestPayload), l.ResponseBody, l.NextRetryAt, l.DeliveredAt,
	).Scan(&l.CreatedAt)
	if isUniqueViolation(err) && l.ParentID != nil {
		return fmt.Errorf("%w: delivery %s already has a retry", ErrInvalidTransition, *l.ParentID)
	}
	if err != nil {
		return err
	}

	// The child supersedes the parent's schedule and releases any claim lease
	if l.ParentID != nil {
		if _, err := tx.Exec(ctx, `
			UPDATE webhook_delivery_logs SET next_retry_at = NULL WHERE id = $1
		`, *l.ParentID); err != nil {
			return fmt.Errorf("failed to release parent delivery: %w", err)
		}
	}

	if l.Status != models.DeliveryStatusPending {
		if err := bumpCounters(ctx, tx, l); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// CompleteDelivery moves a pending row to its outcome
func (s *PgStore) CompleteDelivery(ctx context.Context, l *models.WebhookDeliveryLog) error {
	if !models.DeliveryStatusPending.CanTransition(l.Status) {
		return fmt.Errorf("%w: pending -> %s", ErrInvalidTransition, l.Status)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE webhook_delivery_logs
		SET status = $2, http_status = $3, duration_ms = $4, error_message = $5,
		    response_body = $6, next_retry_at = $7, delivered_at = $8
		WHERE id = $1 AND status = 'pending'
	`, l.ID, l.Status, l.HTTPStatus, l.DurationMs, l.ErrorMessage, l.ResponseBody, l.NextRetryAt, l.DeliveredAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: delivery %s is not pending", ErrInvalidStatus, l.ID)
	}

	if err := bumpCounters(ctx, tx, l); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func bumpCounters(ctx context.Context, tx pgx.Tx, l *models.WebhookDeliveryLog) error {
	var success, failed int
	switch l.Status {
	case models.DeliveryStatusSuccess:
		success = 1
	case models.DeliveryStatusFailed:
		failed = 1
	}
	// Endpoint may already be deleted; zero rows affected is fine
	_, err := tx.Exec(ctx, `
		UPDATE webhook_endpoints
		SET total_deliveries = total_deliveries + 1,
		    successful_deliveries = successful_deliveries + $2,
		    failed_deliveries = failed_deliveries + $3,
		    last_delivery_at = NOW()
		WHERE id = $1
	`, l.EndpointID, success, failed)
	return err
}

// ClaimDueRetries leases due rows by pushing next_retry_at to now+lease.
// InsertDelivery of the child clears the lease; a row whose retry never
// produced a child is claimable again after the lease expires.
func (s *PgStore) ClaimDueRetries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.WebhookDeliveryLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		UPDATE webhook_delivery_logs
		SET next_retry_at = $3
		WHERE id IN (
			SELECT p.id FROM webhook_delivery_logs p
			WHERE p.status = 'retrying' AND p.next_retry_at IS NOT NULL AND p.next_retry_at <= $1
			  AND NOT EXISTS (SELECT 1 FROM webhook_delivery_logs c WHERE c.parent_id = p.id)
			ORDER BY p.next_retry_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+models.WebhookDeliveryLogColumns,
		now, limit, now.Add(lease),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	due := []models.WebhookDeliveryLog{}
	for rows.Next() {
		var l models.WebhookDeliveryLog
		if err := l.ScanFrom(rows); err != nil {
			return nil, fmt.Errorf("failed to scan due retry: %w", err)
		}
		due = append(due, l)
	}
	return due, rows.Err()
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
