package webhook

import (
	"context"
	"fmt"

	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/google/uuid"
)

// ListEndpoints returns the actor's endpoints, newest first
func (s *Service) ListEndpoints(ctx context.Context, actor uuid.UUID) ([]models.WebhookEndpoint, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	endpoints, err := s.store.ListEndpoints(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	return endpoints, nil
}

// GetEndpoint returns one endpoint owned by the actor
func (s *Service) GetEndpoint(ctx context.Context, actor, id uuid.UUID) (*models.WebhookEndpoint, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.store.GetEndpoint(ctx, actor, id)
}

// CreateEndpoint validates and stores a new endpoint, returning the stored row
func (s *Service) CreateEndpoint(ctx context.Context, actor uuid.UUID, req *CreateEndpointRequest) (*models.WebhookEndpoint, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	endpoint := newEndpoint(actor, req)
	if err := ValidateEndpoint(endpoint); err != nil {
		return nil, err
	}
	s.applyDefaults(endpoint)

	if err := s.store.InsertEndpoint(ctx, endpoint); err != nil {
		return nil, fmt.Errorf("failed to create endpoint: %w", err)
	}
	return endpoint, nil
}

// UpdateEndpoint merges a partial update, validates the result and stores it
func (s *Service) UpdateEndpoint(ctx context.Context, actor, id uuid.UUID, req *UpdateEndpointRequest) (*models.WebhookEndpoint, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	existing, err := s.store.GetEndpoint(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	merged := req.apply(*existing)
	if err := ValidateEndpoint(merged); err != nil {
		return nil, err
	}
	s.applyDefaults(merged)

	if err := s.store.UpdateEndpoint(ctx, merged); err != nil {
		return nil, fmt.Errorf("failed to update endpoint: %w", err)
	}
	return merged, nil
}

// DeleteEndpoint hard-deletes the configuration. Delivery history is kept.
func (s *Service) DeleteEndpoint(ctx context.Context, actor, id uuid.UUID) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	return s.store.DeleteEndpoint(ctx, actor, id)
}

// SetEndpointActive toggles whether the endpoint receives deliveries
func (s *Service) SetEndpointActive(ctx context.Context, actor, id uuid.UUID, active bool) (*models.WebhookEndpoint, error) {
	return s.UpdateEndpoint(ctx, actor, id, &UpdateEndpointRequest{IsActive: &active})
}

func (s *Service) applyDefaults(e *models.WebhookEndpoint) {
	if e.RateLimit == 0 {
		e.RateLimit = s.cfg.DefaultRateLimit
	}
}
