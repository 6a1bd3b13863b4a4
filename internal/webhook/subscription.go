package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/google/uuid"
)

// ListSubscriptions returns an endpoint's subscriptions with their catalog entries attached
func (s *Service) ListSubscriptions(ctx context.Context, actor, endpointID uuid.UUID) ([]models.WebhookSubscription, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if _, err := s.store.GetEndpoint(ctx, actor, endpointID); err != nil {
		return nil, err
	}
	subs, err := s.store.ListSubscriptions(ctx, actor, endpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// Subscribe links an endpoint to an event code.
// An existing active link is returned unchanged.
func (s *Service) Subscribe(ctx context.Context, actor, endpointID uuid.UUID, eventCode string) (*models.WebhookSubscription, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if eventCode == "" {
		return nil, &ValidationError{Fields: map[string]string{"eventCode": "eventCode is required"}}
	}

	if _, err := s.store.GetEndpoint(ctx, actor, endpointID); err != nil {
		return nil, err
	}
	event, err := s.store.GetEvent(ctx, eventCode)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.FindActiveSubscription(ctx, endpointID, eventCode)
	if err == nil {
		existing.Event = event
		return existing, nil
	}
	if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to look up subscription: %w", err)
	}

	sub := &models.WebhookSubscription{
		UserID:     actor,
		EndpointID: endpointID,
		EventCode:  eventCode,
		IsActive:   true,
	}
	err = s.store.InsertSubscription(ctx, sub)
	if errors.Is(err, ErrDuplicateSubscription) {
		// Lost a race with a concurrent subscribe; return the winner
		existing, err = s.store.FindActiveSubscription(ctx, endpointID, eventCode)
		if err != nil {
			return nil, fmt.Errorf("failed to re-read subscription: %w", err)
		}
		existing.Event = event
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	sub.Event = event
	return sub, nil
}

// Unsubscribe deletes a subscription owned by the actor
func (s *Service) Unsubscribe(ctx context.Context, actor, subscriptionID uuid.UUID) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	return s.store.DeleteSubscription(ctx, actor, subscriptionID)
}

// ToggleSubscription activates or deactivates a subscription.
// Reactivating fails with ErrDuplicateSubscription if another active link exists.
func (s *Service) ToggleSubscription(ctx context.Context, actor, subscriptionID uuid.UUID, active bool) (*models.WebhookSubscription, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.store.SetSubscriptionActive(ctx, actor, subscriptionID, active)
}
