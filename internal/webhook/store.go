package webhook

import (
	"context"
	"time"

	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/google/uuid"
)

// DeliveryFilter narrows ListDeliveries
type DeliveryFilter struct {
	Status    models.DeliveryStatus `form:"status"`
	EventCode string                `form:"eventCode"`
	Limit     int                   `form:"limit"`
}

// Store is the persistence boundary of the webhook subsystem.
// Lookups keyed by owner report foreign rows as not found.
type Store interface {
	ListEndpoints(ctx context.Context, userID uuid.UUID) ([]models.WebhookEndpoint, error)
	GetEndpoint(ctx context.Context, userID, id uuid.UUID) (*models.WebhookEndpoint, error)
	InsertEndpoint(ctx context.Context, e *models.WebhookEndpoint) error
	UpdateEndpoint(ctx context.Context, e *models.WebhookEndpoint) error
	// DeleteEndpoint removes the endpoint and deactivates its subscriptions
	DeleteEndpoint(ctx context.Context, userID, id uuid.UUID) error

	ListEvents(ctx context.Context, category string) ([]models.WebhookEvent, error)
	GetEvent(ctx context.Context, code string) (*models.WebhookEvent, error)

	ListSubscriptions(ctx context.Context, userID, endpointID uuid.UUID) ([]models.WebhookSubscription, error)
	FindActiveSubscription(ctx context.Context, endpointID uuid.UUID, eventCode string) (*models.WebhookSubscription, error)
	// InsertSubscription returns ErrDuplicateSubscription when an active pair already exists
	InsertSubscription(ctx context.Context, s *models.WebhookSubscription) error
	DeleteSubscription(ctx context.Context, userID, id uuid.UUID) error
	SetSubscriptionActive(ctx context.Context, userID, id uuid.UUID, active bool) (*models.WebhookSubscription, error)
	// SubscribedEndpoints returns the owner's active endpoints actively subscribed to eventCode
	SubscribedEndpoints(ctx context.Context, userID uuid.UUID, eventCode string) ([]models.WebhookEndpoint, error)

	GetDelivery(ctx context.Context, userID, id uuid.UUID) (*models.WebhookDeliveryLog, error)
	ListDeliveries(ctx context.Context, userID, endpointID uuid.UUID, filter DeliveryFilter) ([]models.WebhookDeliveryLog, error)
	CountDeliveries(ctx context.Context, userID, endpointID uuid.UUID, since time.Time) (map[models.DeliveryStatus]int, error)
	// InsertDelivery writes a new attempt row; non-pending rows also bump endpoint counters.
	// A row with a parent clears the parent's next_retry_at in the same transaction.
	InsertDelivery(ctx context.Context, l *models.WebhookDeliveryLog) error
	// CompleteDelivery transitions a pending row and bumps endpoint counters atomically
	CompleteDelivery(ctx context.Context, l *models.WebhookDeliveryLog) error
	// ClaimDueRetries leases retrying rows whose next attempt is due and that have no child yet
	ClaimDueRetries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.WebhookDeliveryLog, error)
}
