package webhook

import (
	"context"
	"time"

	"github.com/comptaflow/comptaflow/internal/config"
	"github.com/google/uuid"
)

// JSONCache is the subset of the Redis wrapper used for catalog caching
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Service handles endpoint, catalog, subscription and delivery log operations
type Service struct {
	store      Store
	cfg        *config.WebhookConfig
	cache      JSONCache
	catalogTTL time.Duration
	now        func() time.Time
}

// NewService creates a new webhook service
func NewService(store Store, cfg *config.WebhookConfig) *Service {
	return &Service{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

// WithCatalogCache enables read-through caching of the event catalog
func (s *Service) WithCatalogCache(c JSONCache, ttl time.Duration) *Service {
	s.cache = c
	s.catalogTTL = ttl
	return s
}

func requireActor(actor uuid.UUID) error {
	if actor == uuid.Nil {
		return ErrUnauthenticated
	}
	return nil
}
