package webhook

import (
	"context"
	"fmt"

	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/comptaflow/comptaflow/internal/monitoring"
	"github.com/rs/zerolog/log"
)

const catalogCacheKey = "webhook:catalog:"

// ListEvents returns active catalog entries ordered by category then name.
// An empty category returns the whole catalog.
func (s *Service) ListEvents(ctx context.Context, category string) ([]models.WebhookEvent, error) {
	key := catalogCacheKey + category
	if s.cache != nil {
		var cached []models.WebhookEvent
		if err := s.cache.GetJSON(ctx, key, &cached); err == nil {
			monitoring.RecordCacheHit("webhook_catalog")
			return cached, nil
		}
		monitoring.RecordCacheMiss("webhook_catalog")
	}

	events, err := s.store.ListEvents(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, events, s.catalogTTL); err != nil {
			log.Warn().Err(err).Str("category", category).Msg("Failed to cache webhook catalog")
		}
	}
	return events, nil
}

// ListEventsByCategory is ListEvents restricted to one category
func (s *Service) ListEventsByCategory(ctx context.Context, category string) ([]models.WebhookEvent, error) {
	if category == "" {
		return []models.WebhookEvent{}, nil
	}
	return s.ListEvents(ctx, category)
}
