package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/google/uuid"
)

const (
	DefaultDeliveryLimit = 50
	MaxDeliveryLimit     = 500
	DefaultStatsWindow   = 7
	maxResponseSnapshot  = 4 << 10
)

// RecordDeliveryRequest is the outcome of one delivery attempt
type RecordDeliveryRequest struct {
	EndpointID     uuid.UUID             `json:"endpointId"`
	EventCode      string                `json:"eventCode"`
	Status         models.DeliveryStatus `json:"status"`
	HTTPStatus     *int                  `json:"httpStatus,omitempty"`
	DurationMs     *int                  `json:"durationMs,omitempty"`
	RetryCount     int                   `json:"retryCount"`
	ParentID       *uuid.UUID            `json:"parentId,omitempty"`
	ErrorMessage   *string               `json:"errorMessage,omitempty"`
	RequestPayload json.RawMessage       `json:"requestPayload,omitempty"`
	ResponseBody   *string               `json:"responseBody,omitempty"`
}

// ListDeliveries returns an endpoint's attempts, newest first.
// Rows survive endpoint deletion, so no endpoint lookup is made.
func (s *Service) ListDeliveries(ctx context.Context, actor, endpointID uuid.UUID, filter DeliveryFilter) ([]models.WebhookDeliveryLog, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &ValidationError{Fields: map[string]string{"status": "unknown delivery status"}}
	}
	filter.Limit = clampLimit(filter.Limit, DefaultDeliveryLimit, MaxDeliveryLimit)

	logs, err := s.store.ListDeliveries(ctx, actor, endpointID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return logs, nil
}

// GetStats summarizes attempts over the trailing window
func (s *Service) GetStats(ctx context.Context, actor, endpointID uuid.UUID, windowDays int) (*models.DeliveryStats, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if windowDays <= 0 {
		windowDays = DefaultStatsWindow
	}
	since := s.now().Add(-time.Duration(windowDays) * 24 * time.Hour)

	counts, err := s.store.CountDeliveries(ctx, actor, endpointID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count deliveries: %w", err)
	}
	return ComputeStats(counts), nil
}

// ComputeStats folds per-status counts into the summary.
// Retrying rows count toward the total only.
func ComputeStats(counts map[models.DeliveryStatus]int) *models.DeliveryStats {
	stats := &models.DeliveryStats{
		Success: counts[models.DeliveryStatusSuccess],
		Failed:  counts[models.DeliveryStatusFailed],
		Pending: counts[models.DeliveryStatusPending],
	}
	for _, n := range counts {
		stats.Total += n
	}
	if stats.Total > 0 {
		stats.SuccessRate = int(math.Round(float64(stats.Success) / float64(stats.Total) * 100))
	}
	return stats
}

// RecordDelivery persists a finished attempt. Storage failures are returned to the caller.
func (s *Service) RecordDelivery(ctx context.Context, actor uuid.UUID, req *RecordDeliveryRequest) (*models.WebhookDeliveryLog, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if !req.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	if req.RetryCount < 0 {
		return nil, &ValidationError{Fields: map[string]string{"retryCount": "retryCount must not be negative"}}
	}
	if _, err := s.store.GetEndpoint(ctx, actor, req.EndpointID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetEvent(ctx, req.EventCode); err != nil {
		return nil, err
	}
	if err := s.checkRetryOf(ctx, actor, req); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	entry := &models.WebhookDeliveryLog{
		ID:             uuid.New(),
		UserID:         actor,
		EndpointID:     req.EndpointID,
		ParentID:       req.ParentID,
		EventCode:      req.EventCode,
		Status:         req.Status,
		HTTPStatus:     req.HTTPStatus,
		DurationMs:     req.DurationMs,
		RetryCount:     req.RetryCount,
		ErrorMessage:   req.ErrorMessage,
		RequestPayload: req.RequestPayload,
		ResponseBody:   truncateSnapshot(req.ResponseBody),
		CreatedAt:      now,
	}
	switch req.Status {
	case models.DeliveryStatusSuccess, models.DeliveryStatusFailed:
		entry.DeliveredAt = &now
	case models.DeliveryStatusRetrying:
		next := now.Add(Backoff(s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay, req.RetryCount))
		entry.NextRetryAt = &next
	}

	if err := s.store.InsertDelivery(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to record delivery: %w", err)
	}
	return entry, nil
}

// checkRetryOf enforces the attempt chain: a first attempt has retryCount 0,
// and a retry continues a retrying parent of the same owner, endpoint and event.
func (s *Service) checkRetryOf(ctx context.Context, actor uuid.UUID, req *RecordDeliveryRequest) error {
	if req.ParentID == nil {
		if req.RetryCount != 0 {
			return &ValidationError{Fields: map[string]string{"parentId": "a retry must reference its parent attempt"}}
		}
		return nil
	}

	parent, err := s.store.GetDelivery(ctx, actor, *req.ParentID)
	if err != nil {
		return err
	}
	if parent.EndpointID != req.EndpointID || parent.EventCode != req.EventCode {
		return &ValidationError{Fields: map[string]string{"parentId": "parent attempt belongs to another endpoint or event"}}
	}
	if parent.Status != models.DeliveryStatusRetrying || !parent.Status.CanTransition(req.Status) {
		return fmt.Errorf("%w: parent is %s", ErrInvalidTransition, parent.Status)
	}
	if req.RetryCount != parent.RetryCount+1 {
		return &ValidationError{Fields: map[string]string{
			"retryCount": fmt.Sprintf("retryCount must be %d", parent.RetryCount+1),
		}}
	}
	return nil
}

func clampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		return def
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func truncateSnapshot(body *string) *string {
	if body == nil || len(*body) <= maxResponseSnapshot {
		return body
	}
	cut := (*body)[:maxResponseSnapshot]
	return &cut
}
