package webhook

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/comptaflow/comptaflow/internal/config"
	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/google/uuid"
)

// memStore is an in-memory Store used by the package tests
type memStore struct {
	mu            sync.Mutex
	endpoints     map[uuid.UUID]*models.WebhookEndpoint
	events        map[string]*models.WebhookEvent
	subscriptions map[uuid.UUID]*models.WebhookSubscription
	deliveries    []*models.WebhookDeliveryLog
	insertErr     error
	// endpointErrs are returned by GetEndpoint, one per call, before normal lookups resume
	endpointErrs []error
}

func newMemStore() *memStore {
	s := &memStore{
		endpoints:     make(map[uuid.UUID]*models.WebhookEndpoint),
		events:        make(map[string]*models.WebhookEvent),
		subscriptions: make(map[uuid.UUID]*models.WebhookSubscription),
	}
	for _, ev := range []models.WebhookEvent{
		{Code: "invoice.created", Name: "Invoice created", Category: "invoices"},
		{Code: "invoice.paid", Name: "Invoice paid", Category: "invoices"},
		{Code: "payment.succeeded", Name: "Payment succeeded", Category: "payments"},
		{Code: "expense.created", Name: "Expense created", Category: "expenses"},
	} {
		ev := ev
		ev.ID = uuid.New()
		ev.IsActive = true
		ev.CreatedAt = time.Now()
		s.events[ev.Code] = &ev
	}
	return s
}

func testWebhookConfig() *config.WebhookConfig {
	return &config.WebhookConfig{
		MaxRetries:       3,
		RetryBaseDelay:   time.Second,
		RetryMaxDelay:    time.Hour,
		DeliveryTimeout:  5 * time.Second,
		WorkerBatchSize:  50,
		DefaultRateLimit: 60,
	}
}

func (s *memStore) ListEndpoints(_ context.Context, userID uuid.UUID) ([]models.WebhookEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.WebhookEndpoint{}
	for _, e := range s.endpoints {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) GetEndpoint(_ context.Context, userID, id uuid.UUID) (*models.WebhookEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.endpointErrs) > 0 {
		err := s.endpointErrs[0]
		s.endpointErrs = s.endpointErrs[1:]
		return nil, err
	}
	e, ok := s.endpoints[id]
	if !ok || e.UserID != userID {
		return nil, ErrEndpointNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) InsertEndpoint(_ context.Context, e *models.WebhookEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	s.endpoints[e.ID] = &cp
	return nil
}

func (s *memStore) UpdateEndpoint(_ context.Context, e *models.WebhookEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.endpoints[e.ID]
	if !ok || existing.UserID != e.UserID {
		return ErrEndpointNotFound
	}
	e.UpdatedAt = time.Now()
	cp := *e
	s.endpoints[e.ID] = &cp
	return nil
}

func (s *memStore) DeleteEndpoint(_ context.Context, userID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[id]
	if !ok || e.UserID != userID {
		return ErrEndpointNotFound
	}
	delete(s.endpoints, id)
	for _, sub := range s.subscriptions {
		if sub.EndpointID == id {
			sub.IsActive = false
		}
	}
	return nil
}

func (s *memStore) ListEvents(_ context.Context, category string) ([]models.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.WebhookEvent{}
	for _, ev := range s.events {
		if ev.IsActive && (category == "" || ev.Category == category) {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *memStore) GetEvent(_ context.Context, code string) (*models.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[code]
	if !ok || !ev.IsActive {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (s *memStore) ListSubscriptions(_ context.Context, userID, endpointID uuid.UUID) ([]models.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.WebhookSubscription{}
	for _, sub := range s.subscriptions {
		if sub.UserID == userID && sub.EndpointID == endpointID {
			cp := *sub
			if ev, ok := s.events[sub.EventCode]; ok {
				evCopy := *ev
				cp.Event = &evCopy
			}
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *memStore) findActive(endpointID uuid.UUID, eventCode string) *models.WebhookSubscription {
	for _, sub := range s.subscriptions {
		if sub.EndpointID == endpointID && sub.EventCode == eventCode && sub.IsActive {
			return sub
		}
	}
	return nil
}

func (s *memStore) FindActiveSubscription(_ context.Context, endpointID uuid.UUID, eventCode string) (*models.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.findActive(endpointID, eventCode)
	if sub == nil {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *memStore) InsertSubscription(_ context.Context, sub *models.WebhookSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.IsActive && s.findActive(sub.EndpointID, sub.EventCode) != nil {
		return ErrDuplicateSubscription
	}
	sub.ID = uuid.New()
	sub.CreatedAt = time.Now()
	sub.UpdatedAt = sub.CreatedAt
	cp := *sub
	s.subscriptions[sub.ID] = &cp
	return nil
}

func (s *memStore) DeleteSubscription(_ context.Context, userID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok || sub.UserID != userID {
		return ErrSubscriptionNotFound
	}
	delete(s.subscriptions, id)
	return nil
}

func (s *memStore) SetSubscriptionActive(_ context.Context, userID, id uuid.UUID, active bool) (*models.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok || sub.UserID != userID {
		return nil, ErrSubscriptionNotFound
	}
	if active && !sub.IsActive && s.findActive(sub.EndpointID, sub.EventCode) != nil {
		return nil, ErrDuplicateSubscription
	}
	sub.IsActive = active
	sub.UpdatedAt = time.Now()
	cp := *sub
	return &cp, nil
}

func (s *memStore) SubscribedEndpoints(_ context.Context, userID uuid.UUID, eventCode string) ([]models.WebhookEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.WebhookEndpoint{}
	for _, e := range s.endpoints {
		if e.UserID == userID && e.IsActive && s.findActive(e.ID, eventCode) != nil {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *memStore) GetDelivery(_ context.Context, userID, id uuid.UUID) (*models.WebhookDeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.deliveries {
		if l.ID == id && l.UserID == userID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, ErrDeliveryNotFound
}

func (s *memStore) childOf(parentID uuid.UUID) *models.WebhookDeliveryLog {
	for _, l := range s.deliveries {
		if l.ParentID != nil && *l.ParentID == parentID {
			return l
		}
	}
	return nil
}

func (s *memStore) ListDeliveries(_ context.Context, userID, endpointID uuid.UUID, filter DeliveryFilter) ([]models.WebhookDeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.WebhookDeliveryLog{}
	for i := len(s.deliveries) - 1; i >= 0; i-- {
		l := s.deliveries[i]
		if l.UserID != userID || l.EndpointID != endpointID {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		if filter.EventCode != "" && l.EventCode != filter.EventCode {
			continue
		}
		out = append(out, *l)
		if len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) CountDeliveries(_ context.Context, userID, endpointID uuid.UUID, since time.Time) (map[models.DeliveryStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[models.DeliveryStatus]int)
	for _, l := range s.deliveries {
		if l.UserID == userID && l.EndpointID == endpointID && !l.CreatedAt.Before(since) {
			counts[l.Status]++
		}
	}
	return counts, nil
}

func (s *memStore) InsertDelivery(_ context.Context, l *models.WebhookDeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	if l.ParentID != nil {
		if s.childOf(*l.ParentID) != nil {
			return ErrInvalidTransition
		}
		for _, p := range s.deliveries {
			if p.ID == *l.ParentID {
				p.NextRetryAt = nil
			}
		}
	}
	cp := *l
	s.deliveries = append(s.deliveries, &cp)
	if l.Status != models.DeliveryStatusPending {
		s.bump(l)
	}
	return nil
}

func (s *memStore) CompleteDelivery(_ context.Context, l *models.WebhookDeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !models.DeliveryStatusPending.CanTransition(l.Status) {
		return ErrInvalidTransition
	}
	for _, stored := range s.deliveries {
		if stored.ID == l.ID {
			if stored.Status != models.DeliveryStatusPending {
				return ErrInvalidStatus
			}
			*stored = *l
			s.bump(l)
			return nil
		}
	}
	return ErrInvalidStatus
}

func (s *memStore) bump(l *models.WebhookDeliveryLog) {
	e, ok := s.endpoints[l.EndpointID]
	if !ok {
		return
	}
	e.TotalDeliveries++
	switch l.Status {
	case models.DeliveryStatusSuccess:
		e.SuccessfulDeliveries++
	case models.DeliveryStatusFailed:
		e.FailedDeliveries++
	}
	now := time.Now()
	e.LastDeliveryAt = &now
}

func (s *memStore) ClaimDueRetries(_ context.Context, now time.Time, lease time.Duration, limit int) ([]models.WebhookDeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.WebhookDeliveryLog{}
	for _, l := range s.deliveries {
		if len(out) == limit {
			break
		}
		if l.Status == models.DeliveryStatusRetrying && l.NextRetryAt != nil && !l.NextRetryAt.After(now) &&
			s.childOf(l.ID) == nil {
			until := now.Add(lease)
			l.NextRetryAt = &until
			out = append(out, *l)
		}
	}
	return out, nil
}

// byStatus returns stored rows with the given status
func (s *memStore) byStatus(status models.DeliveryStatus) []models.WebhookDeliveryLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WebhookDeliveryLog
	for _, l := range s.deliveries {
		if l.Status == status {
			out = append(out, *l)
		}
	}
	return out
}

// makeAllDue moves every scheduled retry into the past
func (s *memStore) makeAllDue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	past := time.Now().Add(-time.Minute)
	for _, l := range s.deliveries {
		if l.NextRetryAt != nil {
			l.NextRetryAt = &past
		}
	}
}
