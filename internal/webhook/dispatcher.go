package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/comptaflow/comptaflow/internal/config"
	"github.com/comptaflow/comptaflow/internal/logging"
	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/comptaflow/comptaflow/internal/monitoring"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Deliverer performs the outbound HTTP call
type Deliverer interface {
	Send(ctx context.Context, endpoint *models.WebhookEndpoint, deliveryID, eventCode string, body []byte) (*SendResult, error)
}

// Envelope is the JSON body POSTed to endpoints. ID stays fixed across retries.
type Envelope struct {
	ID        uuid.UUID       `json:"id"`
	Event     string          `json:"event"`
	CreatedAt time.Time       `json:"createdAt"`
	Data      json.RawMessage `json:"data"`
}

// Dispatcher fans events out to subscribed endpoints and drives retries
type Dispatcher struct {
	store       Store
	sender      Deliverer
	limiter     Limiter
	cfg         *config.WebhookConfig
	concurrency int
	now         func() time.Time
}

// NewDispatcher creates a dispatcher
func NewDispatcher(store Store, sender Deliverer, limiter Limiter, cfg *config.WebhookConfig) *Dispatcher {
	return &Dispatcher{
		store:       store,
		sender:      sender,
		limiter:     limiter,
		cfg:         cfg,
		concurrency: 8,
		now:         time.Now,
	}
}

const defaultRetryLease = 5 * time.Minute

// Backoff returns base * 2^retryCount, capped at maxDelay when maxDelay > 0
func Backoff(base, maxDelay time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < retryCount; i++ {
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
		if maxDelay > 0 && d >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

// Dispatch delivers an event to every active endpoint of the owner subscribed to it.
// It returns one attempt row per target.
func (d *Dispatcher) Dispatch(ctx context.Context, ownerID uuid.UUID, eventCode string, data json.RawMessage) ([]models.WebhookDeliveryLog, error) {
	if ownerID == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	if _, err := d.store.GetEvent(ctx, eventCode); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	targets, err := d.store.SubscribedEndpoints(ctx, ownerID, eventCode)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve webhook targets: %w", err)
	}

	results := make([]models.WebhookDeliveryLog, len(targets))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i := range targets {
		i, endpoint := i, targets[i]
		g.Go(func() error {
			entry, err := d.begin(ctx, &endpoint, eventCode, data)
			if err != nil {
				return err
			}
			if err := d.attempt(ctx, &endpoint, entry); err != nil {
				return err
			}
			results[i] = *entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// RetryDue claims due retrying rows and makes the next attempt for each.
// A claim is a lease: a row whose retry fails before its child is written
// becomes due again once the lease runs out. It returns how many rows were claimed.
func (d *Dispatcher) RetryDue(ctx context.Context) (int, error) {
	lease := d.cfg.RetryLease
	if lease <= 0 {
		lease = defaultRetryLease
	}
	due, err := d.store.ClaimDueRetries(ctx, d.now().UTC(), lease, d.cfg.WorkerBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim due retries: %w", err)
	}
	monitoring.RecordRetryBatch(len(due))

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i := range due {
		parent := due[i]
		g.Go(func() error {
			return d.retry(ctx, &parent)
		})
	}
	return len(due), g.Wait()
}

func (d *Dispatcher) retry(ctx context.Context, parent *models.WebhookDeliveryLog) error {
	if parent.Status.Terminal() {
		return nil
	}
	parentID := parent.ID
	child := &models.WebhookDeliveryLog{
		ID:             uuid.New(),
		UserID:         parent.UserID,
		EndpointID:     parent.EndpointID,
		ParentID:       &parentID,
		EventCode:      parent.EventCode,
		Status:         models.DeliveryStatusPending,
		RetryCount:     parent.RetryCount + 1,
		RequestPayload: parent.RequestPayload,
		CreatedAt:      d.now().UTC(),
	}

	endpoint, err := d.store.GetEndpoint(ctx, parent.UserID, parent.EndpointID)
	switch {
	case errors.Is(err, ErrEndpointNotFound):
		return d.abandon(ctx, child, ErrEndpointNotFound)
	case err != nil:
		return fmt.Errorf("failed to load endpoint for retry: %w", err)
	case !endpoint.IsActive:
		return d.abandon(ctx, child, ErrEndpointInactive)
	}

	if err := d.store.InsertDelivery(ctx, child); err != nil {
		return fmt.Errorf("failed to record retry attempt: %w", err)
	}
	return d.attempt(ctx, endpoint, child)
}

// abandon records a terminal failed attempt without calling the endpoint
func (d *Dispatcher) abandon(ctx context.Context, entry *models.WebhookDeliveryLog, cause error) error {
	now := d.now().UTC()
	msg := cause.Error()
	entry.Status = models.DeliveryStatusFailed
	entry.ErrorMessage = &msg
	entry.DeliveredAt = &now
	if err := d.store.InsertDelivery(ctx, entry); err != nil {
		return fmt.Errorf("failed to record abandoned retry: %w", err)
	}
	d.observe(entry, 0)
	return nil
}

// begin writes the pending row for a first attempt
func (d *Dispatcher) begin(ctx context.Context, endpoint *models.WebhookEndpoint, eventCode string, data json.RawMessage) (*models.WebhookDeliveryLog, error) {
	now := d.now().UTC()
	id := uuid.New()
	body, err := json.Marshal(Envelope{ID: id, Event: eventCode, CreatedAt: now, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	entry := &models.WebhookDeliveryLog{
		ID:             id,
		UserID:         endpoint.UserID,
		EndpointID:     endpoint.ID,
		EventCode:      eventCode,
		Status:         models.DeliveryStatusPending,
		RequestPayload: body,
		CreatedAt:      now,
	}
	if err := d.store.InsertDelivery(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to record pending delivery: %w", err)
	}
	return entry, nil
}

// attempt performs the HTTP call for a pending row and transitions it
func (d *Dispatcher) attempt(ctx context.Context, endpoint *models.WebhookEndpoint, entry *models.WebhookDeliveryLog) error {
	body := []byte(entry.RequestPayload)
	if len(body) == 0 {
		body = []byte(`{}`)
	}

	var (
		result  *SendResult
		sendErr error
		wait    time.Duration
	)
	if ok, retryAfter := d.limiter.Allow(ctx, endpoint.ID, endpoint.RateLimit); !ok {
		monitoring.RecordRateLimitHit("webhook_endpoint")
		sendErr, wait = ErrRateLimited, retryAfter
	} else {
		result, sendErr = d.sender.Send(ctx, endpoint, entry.ID.String(), entry.EventCode, body)
	}

	d.settle(entry, result, sendErr, wait)

	// The outcome is recorded even if the caller has gone away
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.store.CompleteDelivery(writeCtx, entry); err != nil {
		return fmt.Errorf("failed to record delivery outcome: %w", err)
	}

	var elapsed time.Duration
	if result != nil {
		elapsed = result.Duration
	}
	d.observe(entry, elapsed)
	return nil
}

// settle applies the state machine to a pending row given the send outcome
func (d *Dispatcher) settle(entry *models.WebhookDeliveryLog, result *SendResult, sendErr error, minWait time.Duration) {
	now := d.now().UTC()

	if result != nil {
		code := result.StatusCode
		ms := int(result.Duration.Milliseconds())
		entry.HTTPStatus = &code
		entry.DurationMs = &ms
		entry.ResponseBody = truncateSnapshot(&result.Body)
	}

	if sendErr == nil {
		entry.Status = models.DeliveryStatusSuccess
		entry.DeliveredAt = &now
		return
	}

	msg := sendErr.Error()
	if errors.Is(sendErr, ErrNon2xx) && result != nil {
		msg = fmt.Sprintf("endpoint returned HTTP %d", result.StatusCode)
	}
	entry.ErrorMessage = &msg

	if entry.RetryCount < d.cfg.MaxRetries {
		delay := Backoff(d.cfg.RetryBaseDelay, d.cfg.RetryMaxDelay, entry.RetryCount)
		if minWait > delay {
			delay = minWait
		}
		next := now.Add(delay)
		entry.Status = models.DeliveryStatusRetrying
		entry.NextRetryAt = &next
		monitoring.RecordRetryScheduled()
		return
	}

	entry.Status = models.DeliveryStatusFailed
	entry.DeliveredAt = &now
}

func (d *Dispatcher) observe(entry *models.WebhookDeliveryLog, elapsed time.Duration) {
	logEntry := &logging.DeliveryLogEntry{
		DeliveryID: entry.ID.String(),
		EndpointID: entry.EndpointID.String(),
		EventCode:  entry.EventCode,
		Status:     string(entry.Status),
		RetryCount: entry.RetryCount,
		Duration:   elapsed,
	}
	if entry.HTTPStatus != nil {
		logEntry.HTTPStatus = *entry.HTTPStatus
	}
	if entry.ErrorMessage != nil {
		logEntry.Error = *entry.ErrorMessage
	}
	logging.LogDelivery(logEntry)
	monitoring.RecordWebhookDelivery(entry.EventCode, string(entry.Status), elapsed)
}
