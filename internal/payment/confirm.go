package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/comptaflow/comptaflow/internal/logging"
	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/comptaflow/comptaflow/internal/monitoring"
	"github.com/google/uuid"
)

// Service errors
var (
	ErrUnauthenticated  = errors.New("not authenticated")
	ErrIntentIDRequired = errors.New("paymentIntentId is required")
	ErrPaymentNotFound  = errors.New("payment not found")
)

// Webhook events raised when a payment settles
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
)

const notifyTimeout = 30 * time.Second

// Notifier fans a payment outcome out to subscribed webhook endpoints
type Notifier interface {
	Dispatch(ctx context.Context, ownerID uuid.UUID, eventCode string, data json.RawMessage) ([]models.WebhookDeliveryLog, error)
}

// ConfirmResult is returned to the client after confirmation
type ConfirmResult struct {
	Success       bool            `json:"success"`
	Payment       *models.Payment `json:"payment"`
	PaymentIntent IntentSummary   `json:"paymentIntent"`
}

// IntentSummary is the subset of the gateway intent echoed to the client
type IntentSummary struct {
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Service confirms invoice payments against the gateway
type Service struct {
	store    Store
	gateway  Gateway
	notifier Notifier
	now      func() time.Time
}

// NewService creates a payment service. notifier may be nil.
func NewService(store Store, gateway Gateway, notifier Notifier) *Service {
	return &Service{store: store, gateway: gateway, notifier: notifier, now: time.Now}
}

// MapIntentStatus translates a gateway intent status into the payment status
func MapIntentStatus(status string) models.PaymentStatus {
	switch status {
	case "succeeded":
		return models.PaymentStatusSucceeded
	case "processing":
		return models.PaymentStatusProcessing
	case "requires_payment_method", "requires_confirmation", "requires_action", "requires_capture":
		return models.PaymentStatusPending
	case "canceled":
		return models.PaymentStatusCancelled
	default:
		return models.PaymentStatusFailed
	}
}

// Confirm refreshes the actor's payment behind intentID from the gateway and stores its status.
// Payments of other users are reported as not found.
func (s *Service) Confirm(ctx context.Context, requestID string, actor uuid.UUID, intentID string) (*ConfirmResult, error) {
	if actor == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return nil, ErrIntentIDRequired
	}

	payment, err := s.store.GetByIntent(ctx, actor, intentID)
	if err != nil {
		return nil, err
	}

	intent, err := s.gateway.GetIntent(ctx, intentID)
	if err != nil {
		monitoring.RecordPaymentConfirmed("error")
		return nil, err
	}

	status := MapIntentStatus(intent.Status)
	var paidAt *time.Time
	if status == models.PaymentStatusSucceeded {
		now := s.now()
		paidAt = &now
	}

	previous := payment.Status
	updated, err := s.store.UpdateStatus(ctx, payment.ID, status, paidAt)
	if err != nil {
		monitoring.RecordPaymentConfirmed("error")
		return nil, fmt.Errorf("failed to store payment status: %w", err)
	}

	logging.LogPaymentConfirmation(requestID, updated.ID.String(), intentID, intent.Status, string(status))
	monitoring.RecordPaymentConfirmed(string(status))

	if status != previous {
		s.notify(ctx, requestID, updated)
	}

	return &ConfirmResult{
		Success: true,
		Payment: updated,
		PaymentIntent: IntentSummary{
			Status:   intent.Status,
			Amount:   intent.Amount,
			Currency: intent.Currency,
		},
	}, nil
}

// notify raises payment.succeeded or payment.failed without holding up the response
func (s *Service) notify(ctx context.Context, requestID string, p *models.Payment) {
	if s.notifier == nil {
		return
	}
	var event string
	switch p.Status {
	case models.PaymentStatusSucceeded:
		event = EventPaymentSucceeded
	case models.PaymentStatusFailed:
		event = EventPaymentFailed
	default:
		return
	}

	data, err := json.Marshal(p)
	if err != nil {
		return
	}

	go func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if _, err := s.notifier.Dispatch(nctx, p.UserID, event, data); err != nil {
			logging.LogError(err, requestID, "payment", event)
		}
	}()
}
