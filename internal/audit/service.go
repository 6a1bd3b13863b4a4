package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/comptaflow/comptaflow/internal/config"
	"github.com/comptaflow/comptaflow/internal/logging"
	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/comptaflow/comptaflow/internal/monitoring"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultStatisticsWindow applies when a statistics request omits the start date
const DefaultStatisticsWindow = 30 * 24 * time.Hour

// TrailPage is one page of the unified trail plus the total matching count
type TrailPage struct {
	Events     []models.AuditEvent `json:"events"`
	TotalCount int                 `json:"totalCount"`
	Limit      int                 `json:"limit"`
	Offset     int                 `json:"offset"`
}

// Service aggregates the audit sources
type Service struct {
	store Store
	cfg   *config.AuditConfig
	now   func() time.Time
}

// NewService creates an audit service
func NewService(store Store, cfg *config.AuditConfig) *Service {
	return &Service{store: store, cfg: cfg, now: time.Now}
}

// GetAuditTrail returns a page and the total count, fetched concurrently
func (s *Service) GetAuditTrail(ctx context.Context, f Filter) (*TrailPage, error) {
	if err := f.Normalize(s.cfg); err != nil {
		return nil, err
	}

	page := &TrailPage{Limit: f.Limit, Offset: f.Offset}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		events, err := s.store.QueryTrail(gctx, f)
		page.Events = events
		return err
	})
	g.Go(func() error {
		n, err := s.store.CountTrail(gctx, f)
		page.TotalCount = n
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return page, nil
}

// GetStatistics summarizes activity between start and end.
// A zero end means now; a zero start means DefaultStatisticsWindow before end.
func (s *Service) GetStatistics(ctx context.Context, start, end time.Time) (*models.AuditStatistics, error) {
	if end.IsZero() {
		end = s.now().UTC()
	}
	if start.IsZero() {
		start = end.Add(-DefaultStatisticsWindow)
	}
	if end.Before(start) {
		return nil, &ValidationError{Fields: map[string]string{"endDate": "endDate must not be before startDate"}}
	}
	return s.store.Statistics(ctx, start, end)
}

// GetAPIAccessLogs lists raw API access rows
func (s *Service) GetAPIAccessLogs(ctx context.Context, f Filter) ([]models.APIAccessLog, error) {
	if err := f.Normalize(s.cfg); err != nil {
		return nil, err
	}
	return s.store.ListAPIAccess(ctx, f)
}

// GetSecurityEvents lists security events, optionally by severity or resolution state
func (s *Service) GetSecurityEvents(ctx context.Context, f Filter) ([]models.SecurityEvent, error) {
	if err := f.Normalize(s.cfg); err != nil {
		return nil, err
	}
	return s.store.ListSecurityEvents(ctx, f)
}

// GetWebhookDeliveries lists delivery attempts across endpoints
func (s *Service) GetWebhookDeliveries(ctx context.Context, f Filter) ([]models.WebhookDeliveryLog, error) {
	if err := f.Normalize(s.cfg); err != nil {
		return nil, err
	}
	return s.store.ListWebhookDeliveries(ctx, f)
}

// GetDataModifications lists change history records
func (s *Service) GetDataModifications(ctx context.Context, f Filter) ([]models.ChangeHistoryRecord, error) {
	if err := f.Normalize(s.cfg); err != nil {
		return nil, err
	}
	return s.store.ListChangeHistory(ctx, f)
}

// ResolveSecurityEvent marks an event resolved by the actor.
// Resolving twice fails with ErrAlreadyResolved and keeps the first resolution.
func (s *Service) ResolveSecurityEvent(ctx context.Context, actor, id uuid.UUID, actionTaken string) (*models.SecurityEvent, error) {
	if actor == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	actionTaken = strings.TrimSpace(actionTaken)
	if actionTaken == "" {
		return nil, &ValidationError{Fields: map[string]string{"actionTaken": "actionTaken is required"}}
	}

	event, err := s.store.ResolveSecurityEvent(ctx, id, actor, actionTaken, s.now().UTC())
	if err != nil {
		return nil, err
	}
	monitoring.RecordSecurityEventResolved()
	return event, nil
}

// ReportSecurityEvent records a new detection and logs it
func (s *Service) ReportSecurityEvent(ctx context.Context, e *models.SecurityEvent) error {
	if !e.Severity.Valid() {
		return &ValidationError{Fields: map[string]string{"severity": "unknown severity"}}
	}
	if e.EventType == "" || e.Description == "" {
		return &ValidationError{Fields: map[string]string{"eventType": "eventType and description are required"}}
	}
	if err := s.store.InsertSecurityEvent(ctx, e); err != nil {
		return fmt.Errorf("failed to record security event: %w", err)
	}

	var userID, ip string
	if e.UserID != nil {
		userID = e.UserID.String()
	}
	if e.IPAddress != nil {
		ip = *e.IPAddress
	}
	logging.LogSecurityEvent(e.EventType, string(e.Severity), userID, ip, e.Description)
	return nil
}

// RecordChange appends a data modification record
func (s *Service) RecordChange(ctx context.Context, r *models.ChangeHistoryRecord) error {
	if r.EntityType == "" || r.EntityID == "" {
		return &ValidationError{Fields: map[string]string{"entity": "entityType and entityId are required"}}
	}
	if err := s.store.InsertChange(ctx, r); err != nil {
		return fmt.Errorf("failed to record change: %w", err)
	}
	return nil
}
