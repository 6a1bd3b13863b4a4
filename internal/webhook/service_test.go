package webhook

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/google/uuid"
	"pgregory.net/rapid"
)

func newTestService() (*Service, *memStore) {
	store := newMemStore()
	return NewService(store, testWebhookConfig()), store
}

func createProdEndpoint(t *testing.T, svc *Service, actor uuid.UUID) *models.WebhookEndpoint {
	t.Helper()
	endpoint, err := svc.CreateEndpoint(context.Background(), actor, &CreateEndpointRequest{
		Name:       "Prod",
		URL:        "https://hooks.example.com/comptaflow",
		AuthMethod: models.AuthMethodHMACSHA256,
		AuthSecret: "s3cr3t",
	})
	if err != nil {
		t.Fatalf("CreateEndpoint failed: %v", err)
	}
	return endpoint
}

// ============================================
// Endpoint Validation
// ============================================

// TestProperty_Validation_BlankSecretRejected checks that any auth method other
// than none requires a secret with visible characters
func TestProperty_Validation_BlankSecretRejected(t *testing.T) {
	methods := []models.AuthMethod{models.AuthMethodHMACSHA256, models.AuthMethodBearerToken, models.AuthMethodBasicAuth}

	rapid.Check(t, func(rt *rapid.T) {
		method := rapid.SampledFrom(methods).Draw(rt, "method")
		secret := rapid.StringOfN(rapid.SampledFrom([]rune{' ', '\t', '\n'}), 0, 8, -1).Draw(rt, "secret")

		err := ValidateEndpoint(&models.WebhookEndpoint{
			Name:       "Prod",
			URL:        "https://example.com/hook",
			AuthMethod: method,
			AuthSecret: secret,
		})
		verr, ok := AsValidationError(err)
		if !ok {
			rt.Fatalf("PROPERTY VIOLATION: method %s with blank secret %q should fail validation, got %v", method, secret, err)
		}
		if _, ok := verr.Fields["authSecret"]; !ok {
			rt.Fatalf("PROPERTY VIOLATION: expected authSecret field error, got %v", verr.Fields)
		}
	})
}

// TestProperty_Validation_NonHTTPURLRejected checks that URLs without an
// http(s) scheme are refused
func TestProperty_Validation_NonHTTPURLRejected(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		scheme := rapid.SampledFrom([]string{"ftp://", "ws://", "HTTP://", "file:///", "", "mailto:"}).Draw(rt, "scheme")
		host := rapid.StringMatching(`[a-z]{1,12}\.com`).Draw(rt, "host")

		err := ValidateEndpoint(&models.WebhookEndpoint{
			Name: "Prod",
			URL:  scheme + host,
		})
		verr, ok := AsValidationError(err)
		if !ok {
			rt.Fatalf("PROPERTY VIOLATION: url %q should fail validation", scheme+host)
		}
		if _, ok := verr.Fields["url"]; !ok {
			rt.Fatalf("PROPERTY VIOLATION: expected url field error, got %v", verr.Fields)
		}
	})
}

func TestValidateEndpoint_DefaultsAuthMethod(t *testing.T) {
	e := &models.WebhookEndpoint{Name: "Prod", URL: "http://localhost:9000/hook"}
	if err := ValidateEndpoint(e); err != nil {
		t.Fatalf("expected valid endpoint, got %v", err)
	}
	if e.AuthMethod != models.AuthMethodNone {
		t.Errorf("expected auth method none, got %s", e.AuthMethod)
	}
}

func TestValidateEndpoint_ReportsEveryField(t *testing.T) {
	err := ValidateEndpoint(&models.WebhookEndpoint{
		Name:       " ",
		URL:        "example.com",
		AuthMethod: "oauth",
		RateLimit:  -1,
	})
	verr, ok := AsValidationError(err)
	if !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, field := range []string{"name", "url", "authMethod", "rateLimit"} {
		if _, ok := verr.Fields[field]; !ok {
			t.Errorf("expected error for %s", field)
		}
	}
	if !strings.HasPrefix(err.Error(), "validation failed: authMethod") {
		t.Errorf("expected fields sorted in message, got %q", err.Error())
	}
}

// ============================================
// Endpoint Lifecycle
// ============================================

func TestCreateEndpoint_RequiresActor(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.CreateEndpoint(context.Background(), uuid.Nil, &CreateEndpointRequest{Name: "x", URL: "https://x.io"})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestCreateEndpoint_AppliesDefaults(t *testing.T) {
	svc, _ := newTestService()
	actor := uuid.New()

	endpoint := createProdEndpoint(t, svc, actor)
	if !endpoint.IsActive || !endpoint.VerifySSL {
		t.Errorf("expected active endpoint with SSL verification, got %+v", endpoint)
	}
	if endpoint.RateLimit != 60 {
		t.Errorf("expected default rate limit 60, got %d", endpoint.RateLimit)
	}
	if endpoint.TotalDeliveries != 0 {
		t.Errorf("expected zero counters, got %d", endpoint.TotalDeliveries)
	}
}

func TestUpdateEndpoint_ClearsSecretWhenAuthRemoved(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	actor := uuid.New()
	endpoint := createProdEndpoint(t, svc, actor)

	none := models.AuthMethodNone
	updated, err := svc.UpdateEndpoint(ctx, actor, endpoint.ID, &UpdateEndpointRequest{AuthMethod: &none})
	if err != nil {
		t.Fatalf("UpdateEndpoint failed: %v", err)
	}
	if updated.HasAuthSecret() {
		t.Error("expected secret to be cleared")
	}
}

func TestUpdateEndpoint_InvalidMergeRejected(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	actor := uuid.New()
	endpoint := createProdEndpoint(t, svc, actor)

	blank := "  "
	_, err := svc.UpdateEndpoint(ctx, actor, endpoint.ID, &UpdateEndpointRequest{AuthSecret: &blank})
	if _, ok := AsValidationError(err); !ok {
		t.Fatalf("expected validation error, got %v", err)
	}

	stored, _ := svc.GetEndpoint(ctx, actor, endpoint.ID)
	if stored.AuthSecret != "s3cr3t" {
		t.Errorf("stored endpoint should be unchanged, got secret %q", stored.AuthSecret)
	}
}

func TestGetEndpoint_ForeignOwnerNotFound(t *testing.T) {
	svc, _ := newTestService()
	endpoint := createProdEndpoint(t, svc, uuid.New())

	_, err := svc.GetEndpoint(context.Background(), uuid.New(), endpoint.ID)
	if !errors.Is(err, ErrEndpointNotFound) {
		t.Fatalf("expected ErrEndpointNotFound, got %v", err)
	}
}

func TestDeleteEndpoint_DeactivatesSubscriptionsKeepsHistory(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	actor := uuid.New()
	endpoint := createProdEndpoint(t, svc, actor)

	sub, err := svc.Subscribe(ctx, actor, endpoint.ID, "invoice.created")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := svc.RecordDelivery(ctx, actor, &RecordDeliveryRequest{
		EndpointID: endpoint.ID, EventCode: "invoice.created", Status: models.DeliveryStatusSuccess,
	}); err != nil {
		t.Fatalf("RecordDelivery failed: %v", err)
	}

	if err := svc.DeleteEndpoint(ctx, actor, endpoint.ID); err != nil {
		t.Fatalf("DeleteEndpoint failed: %v", err)
	}

	if store.subscriptions[sub.ID].IsActive {
		t.Error("expected subscription to be deactivated")
	}
	logs, err := svc.ListDeliveries(ctx, actor, endpoint.ID, DeliveryFilter{})
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected delivery history to survive, got %d rows (err %v)", len(logs), err)
	}
	stats, err := svc.GetStats(ctx, actor, endpoint.ID, 0)
	if err != nil || stats.Total != 1 || stats.Success != 1 {
		t.Fatalf("expected stats over the surviving history, got %+v (err %v)", stats, err)
	}

	others, err := svc.ListDeliveries(ctx, uuid.New(), endpoint.ID, DeliveryFilter{})
	if err != nil || len(others) != 0 {
		t.Fatalf("another user should see no history, got %d rows (err %v)", len(others), err)
	}
}

// ============================================
// Subscriptions
// ============================================

// TestProperty_Subscribe_Idempotent checks that repeated subscribes yield one
// active link for the pair
func TestProperty_Subscribe_Idempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		svc, store := newTestService()
		ctx := context.Background()
		actor := uuid.New()
		endpoint, err := svc.CreateEndpoint(ctx, actor, &CreateEndpointRequest{Name: "Prod", URL: "https://x.io/h"})
		if err != nil {
			rt.Fatalf("CreateEndpoint failed: %v", err)
		}

		code := rapid.SampledFrom([]string{"invoice.created", "invoice.paid", "payment.succeeded"}).Draw(rt, "code")
		n := rapid.IntRange(1, 5).Draw(rt, "repeats")

		var first uuid.UUID
		for i := 0; i < n; i++ {
			sub, err := svc.Subscribe(ctx, actor, endpoint.ID, code)
			if err != nil {
				rt.Fatalf("Subscribe failed: %v", err)
			}
			if i == 0 {
				first = sub.ID
			} else if sub.ID != first {
				rt.Fatalf("PROPERTY VIOLATION: subscribe #%d returned %s, expected %s", i+1, sub.ID, first)
			}
			if sub.Event == nil || sub.Event.Code != code {
				rt.Fatalf("PROPERTY VIOLATION: subscription should carry its catalog entry")
			}
		}

		active := 0
		for _, sub := range store.subscriptions {
			if sub.IsActive && sub.EndpointID == endpoint.ID && sub.EventCode == code {
				active++
			}
		}
		if active != 1 {
			rt.Fatalf("PROPERTY VIOLATION: expected 1 active subscription, found %d", active)
		}
	})
}

func TestSubscribe_UnknownEvent(t *testing.T) {
	svc, _ := newTestService()
	actor := uuid.New()
	endpoint := createProdEndpoint(t, svc, actor)

	_, err := svc.Subscribe(context.Background(), actor, endpoint.ID, "invoice.exploded")
	if !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestToggleSubscription_ReactivateConflicts(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	actor := uuid.New()
	endpoint := createProdEndpoint(t, svc, actor)

	first, _ := svc.Subscribe(ctx, actor, endpoint.ID, "invoice.paid")
	if _, err := svc.ToggleSubscription(ctx, actor, first.ID, false); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	second, err := svc.Subscribe(ctx, actor, endpoint.ID, "invoice.paid")
	if err != nil {
		t.Fatalf("resubscribe failed: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a new subscription row")
	}

	_, err = svc.ToggleSubscription(ctx, actor, first.ID, true)
	if !errors.Is(err, ErrDuplicateSubscription) {
		t.Fatalf("expected ErrDuplicateSubscription, got %v", err)
	}
}

// ============================================
// Delivery Logs and Stats
// ============================================

func TestGetStats_NoDeliveries(t *testing.T) {
	svc, _ := newTestService()
	actor := uuid.New()
	endpoint := createProdEndpoint(t, svc, actor)

	stats, err := svc.GetStats(context.Background(), actor, endpoint.ID, 0)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if *stats != (models.DeliveryStats{}) {
		t.Errorf("expected zero stats, got %+v", stats)
	}
}

func TestRecordDelivery_StatsAfterSuccessAndFailure(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	actor := uuid.New()
	endpoint := createProdEndpoint(t, svc, actor)

	if _, err := svc.Subscribe(ctx, actor, endpoint.ID, "invoice.created"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ok, failed := 200, 500
	if _, err := svc.RecordDelivery(ctx, actor, &RecordDeliveryRequest{
		EndpointID: endpoint.ID, EventCode: "invoice.created", Status: models.DeliveryStatusSuccess, HTTPStatus: &ok,
	}); err != nil {
		t.Fatalf("RecordDelivery success failed: %v", err)
	}
	if _, err := svc.RecordDelivery(ctx, actor, &RecordDeliveryRequest{
		EndpointID: endpoint.ID, EventCode: "invoice.created", Status: models.DeliveryStatusFailed, HTTPStatus: &failed,
	}); err != nil {
		t.Fatalf("RecordDelivery failure failed: %v", err)
	}

	stats, err := svc.GetStats(ctx, actor, endpoint.ID, 7)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	want := models.DeliveryStats{Total: 2, Success: 1, Failed: 1, Pending: 0, SuccessRate: 50}
	if *stats != want {
		t.Errorf("expected %+v, got %+v", want, *stats)
	}

	stored := store.endpoints[endpoint.ID]
	if stored.TotalDeliveries != 2 || stored.SuccessfulDeliveries != 1 || stored.FailedDeliveries != 1 {
		t.Errorf("unexpected endpoint counters: %+v", stored)
	}

	onlyFailed, err := svc.ListDeliveries(ctx, actor, endpoint.ID, DeliveryFilter{Status: models.DeliveryStatusFailed})
	if err != nil || len(onlyFailed) != 1 || *onlyFailed[0].HTTPStatus != 500 {
		t.Errorf("expected one failed row, got %+v (err %v)", onlyFailed, err)
	}
}

func TestRecordDelivery_RetryingSchedulesNextAttempt(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	actor := uuid.New()
	endpoint := createProdEndpoint(t, svc, actor)

	first, err := svc.RecordDelivery(ctx, actor, &RecordDeliveryRequest{
		EndpointID: endpoint.ID, EventCode: "invoice.created", Status: models.DeliveryStatusRetrying,
	})
	if err != nil {
		t.Fatalf("RecordDelivery failed: %v", err)
	}
	if first.NextRetryAt == nil || first.DeliveredAt != nil {
		t.Fatalf("expected next retry scheduled and no delivered time, got %+v", first)
	}
	if got := first.NextRetryAt.Sub(first.CreatedAt); got != time.Second {
		t.Errorf("expected 1s backoff, got %v", got)
	}

	second, err := svc.RecordDelivery(ctx, actor, &RecordDeliveryRequest{
		EndpointID: endpoint.ID, EventCode: "invoice.created", Status: models.DeliveryStatusRetrying,
		RetryCount: 1, ParentID: &first.ID,
	})
	if err != nil {
		t.Fatalf("RecordDelivery retry failed: %v", err)
	}
	if got := second.NextRetryAt.Sub(second.CreatedAt); got != 2*time.Second {
		t.Errorf("expected 2s backoff, got %v", got)
	}

	parent, err := store.GetDelivery(ctx, actor, first.ID)
	if err != nil {
		t.Fatalf("GetDelivery failed: %v", err)
	}
	if parent.NextRetryAt != nil {
		t.Errorf("parent still scheduled after its retry was recorded: %v", parent.NextRetryAt)
	}
}

// ============================================
// Attempt chain
// ============================================

type chainFixture struct {
	svc      *Service
	actor    uuid.UUID
	endpoint *models.WebhookEndpoint
}

func newChainFixture(t *testing.T) *chainFixture {
	t.Helper()
	svc, _ := newTestService()
	actor := uuid.New()
	return &chainFixture{svc: svc, actor: actor, endpoint: createProdEndpoint(t, svc, actor)}
}

func (f *chainFixture) record(t *testing.T, status models.DeliveryStatus, retryCount int, parent *uuid.UUID) (*models.WebhookDeliveryLog, error) {
	t.Helper()
	return f.svc.RecordDelivery(context.Background(), f.actor, &RecordDeliveryRequest{
		EndpointID: f.endpoint.ID, EventCode: "invoice.created", Status: status,
		RetryCount: retryCount, ParentID: parent,
	})
}

func (f *chainFixture) mustRecord(t *testing.T, status models.DeliveryStatus, retryCount int, parent *uuid.UUID) *models.WebhookDeliveryLog {
	t.Helper()
	entry, err := f.record(t, status, retryCount, parent)
	if err != nil {
		t.Fatalf("RecordDelivery(%s, %d) failed: %v", status, retryCount, err)
	}
	return entry
}

func TestRecordDelivery_RetryOfTerminalParentRejected(t *testing.T) {
	for _, terminal := range []models.DeliveryStatus{models.DeliveryStatusSuccess, models.DeliveryStatusFailed} {
		f := newChainFixture(t)
		parent := f.mustRecord(t, terminal, 0, nil)

		_, err := f.record(t, models.DeliveryStatusSuccess, 1, &parent.ID)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("retry of %s parent: expected ErrInvalidTransition, got %v", terminal, err)
		}
	}
}

func TestRecordDelivery_RetryOfPendingParentRejected(t *testing.T) {
	f := newChainFixture(t)
	parent := f.mustRecord(t, models.DeliveryStatusPending, 0, nil)

	_, err := f.record(t, models.DeliveryStatusFailed, 1, &parent.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRecordDelivery_RetryCountMustFollowParent(t *testing.T) {
	f := newChainFixture(t)
	parent := f.mustRecord(t, models.DeliveryStatusRetrying, 0, nil)

	for _, count := range []int{0, 2, 5} {
		_, err := f.record(t, models.DeliveryStatusSuccess, count, &parent.ID)
		verr, ok := AsValidationError(err)
		if !ok || verr.Fields["retryCount"] == "" {
			t.Errorf("retryCount %d: expected retryCount validation error, got %v", count, err)
		}
	}
}

func TestRecordDelivery_RetryWithoutParentRejected(t *testing.T) {
	f := newChainFixture(t)

	_, err := f.record(t, models.DeliveryStatusRetrying, 2, nil)
	verr, ok := AsValidationError(err)
	if !ok || verr.Fields["parentId"] == "" {
		t.Fatalf("expected parentId validation error, got %v", err)
	}
}

func TestRecordDelivery_UnknownParentNotFound(t *testing.T) {
	f := newChainFixture(t)
	missing := uuid.New()

	_, err := f.record(t, models.DeliveryStatusSuccess, 1, &missing)
	if !errors.Is(err, ErrDeliveryNotFound) {
		t.Fatalf("expected ErrDeliveryNotFound, got %v", err)
	}
}

func TestRecordDelivery_ForeignParentNotFound(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	owner, intruder := uuid.New(), uuid.New()
	ownerEndpoint := createProdEndpoint(t, svc, owner)
	intruderEndpoint := createProdEndpoint(t, svc, intruder)

	parent, err := svc.RecordDelivery(ctx, owner, &RecordDeliveryRequest{
		EndpointID: ownerEndpoint.ID, EventCode: "invoice.created", Status: models.DeliveryStatusRetrying,
	})
	if err != nil {
		t.Fatalf("RecordDelivery failed: %v", err)
	}

	_, err = svc.RecordDelivery(ctx, intruder, &RecordDeliveryRequest{
		EndpointID: intruderEndpoint.ID, EventCode: "invoice.created", Status: models.DeliveryStatusSuccess,
		RetryCount: 1, ParentID: &parent.ID,
	})
	if !errors.Is(err, ErrDeliveryNotFound) {
		t.Fatalf("expected ErrDeliveryNotFound for another user's parent, got %v", err)
	}
}

func TestRecordDelivery_ParentOnOtherEndpointRejected(t *testing.T) {
	f := newChainFixture(t)
	parent := f.mustRecord(t, models.DeliveryStatusRetrying, 0, nil)
	other := createProdEndpoint(t, f.svc, f.actor)

	_, err := f.svc.RecordDelivery(context.Background(), f.actor, &RecordDeliveryRequest{
		EndpointID: other.ID, EventCode: "invoice.created", Status: models.DeliveryStatusSuccess,
		RetryCount: 1, ParentID: &parent.ID,
	})
	if _, ok := AsValidationError(err); !ok {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRecordDelivery_SecondRetryOfSameParentRejected(t *testing.T) {
	f := newChainFixture(t)
	parent := f.mustRecord(t, models.DeliveryStatusRetrying, 0, nil)
	f.mustRecord(t, models.DeliveryStatusFailed, 1, &parent.ID)

	_, err := f.record(t, models.DeliveryStatusSuccess, 1, &parent.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

// TestProperty_RecordDelivery_ChainFollowsStateMachine walks random attempt chains
func TestProperty_RecordDelivery_ChainFollowsStateMachine(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newChainFixture(t)
		statuses := []models.DeliveryStatus{
			models.DeliveryStatusPending, models.DeliveryStatusSuccess,
			models.DeliveryStatusFailed, models.DeliveryStatusRetrying,
		}

		parent, err := f.record(t, rapid.SampledFrom(statuses).Draw(rt, "first"), 0, nil)
		if err != nil {
			rt.Fatalf("first attempt rejected: %v", err)
		}
		steps := rapid.IntRange(1, 5).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			next := rapid.SampledFrom(statuses).Draw(rt, "next")
			child, err := f.record(t, next, parent.RetryCount+1, &parent.ID)

			allowed := parent.Status == models.DeliveryStatusRetrying && parent.Status.CanTransition(next)
			if allowed && err != nil {
				rt.Fatalf("PROPERTY VIOLATION: %s -> %s rejected: %v", parent.Status, next, err)
			}
			if !allowed {
				if err == nil {
					rt.Fatalf("PROPERTY VIOLATION: %s -> %s accepted", parent.Status, next)
				}
				return
			}
			parent = child
		}
	})
}

func TestRecordDelivery_InvalidStatus(t *testing.T) {
	svc, _ := newTestService()
	actor := uuid.New()
	endpoint := createProdEndpoint(t, svc, actor)

	_, err := svc.RecordDelivery(context.Background(), actor, &RecordDeliveryRequest{
		EndpointID: endpoint.ID, EventCode: "invoice.created", Status: "delivered",
	})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestRecordDelivery_StorageFailureSurfaces(t *testing.T) {
	svc, store := newTestService()
	actor := uuid.New()
	endpoint := createProdEndpoint(t, svc, actor)
	store.insertErr = errors.New("connection reset")

	_, err := svc.RecordDelivery(context.Background(), actor, &RecordDeliveryRequest{
		EndpointID: endpoint.ID, EventCode: "invoice.created", Status: models.DeliveryStatusSuccess,
	})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected storage error to surface, got %v", err)
	}
}

// TestProperty_ComputeStats_Consistent checks the stat invariants for any mix of counts
func TestProperty_ComputeStats_Consistent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		counts := map[models.DeliveryStatus]int{
			models.DeliveryStatusSuccess:  rapid.IntRange(0, 1000).Draw(rt, "success"),
			models.DeliveryStatusFailed:   rapid.IntRange(0, 1000).Draw(rt, "failed"),
			models.DeliveryStatusPending:  rapid.IntRange(0, 1000).Draw(rt, "pending"),
			models.DeliveryStatusRetrying: rapid.IntRange(0, 1000).Draw(rt, "retrying"),
		}
		stats := ComputeStats(counts)

		if stats.Total < stats.Success+stats.Failed+stats.Pending {
			rt.Fatalf("PROPERTY VIOLATION: total %d below sum of parts %+v", stats.Total, stats)
		}
		if stats.SuccessRate < 0 || stats.SuccessRate > 100 {
			rt.Fatalf("PROPERTY VIOLATION: success rate %d out of range", stats.SuccessRate)
		}
		if stats.Total == 0 && stats.SuccessRate != 0 {
			rt.Fatalf("PROPERTY VIOLATION: empty window must report 0%%")
		}
		if stats.Success == stats.Total && stats.Total > 0 && stats.SuccessRate != 100 {
			rt.Fatalf("PROPERTY VIOLATION: all-success window must report 100%%, got %d", stats.SuccessRate)
		}
	})
}

func TestListDeliveries_LimitClamped(t *testing.T) {
	if got := clampLimit(0, DefaultDeliveryLimit, MaxDeliveryLimit); got != DefaultDeliveryLimit {
		t.Errorf("expected default %d, got %d", DefaultDeliveryLimit, got)
	}
	if got := clampLimit(10_000, DefaultDeliveryLimit, MaxDeliveryLimit); got != MaxDeliveryLimit {
		t.Errorf("expected cap %d, got %d", MaxDeliveryLimit, got)
	}
}

// ============================================
// Catalog
// ============================================

type mapCache struct {
	data map[string][]models.WebhookEvent
	hits int
}

func (c *mapCache) GetJSON(_ context.Context, key string, dest any) error {
	v, ok := c.data[key]
	if !ok {
		return errors.New("miss")
	}
	c.hits++
	*dest.(*[]models.WebhookEvent) = v
	return nil
}

func (c *mapCache) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	c.data[key] = value.([]models.WebhookEvent)
	return nil
}

func (c *mapCache) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func TestListEvents_OrderedAndCached(t *testing.T) {
	svc, _ := newTestService()
	cache := &mapCache{data: map[string][]models.WebhookEvent{}}
	svc.WithCatalogCache(cache, time.Minute)
	ctx := context.Background()

	events, err := svc.ListEvents(ctx, "")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 4 || events[0].Category != "expenses" {
		t.Fatalf("expected 4 events ordered by category, got %+v", events)
	}

	if _, err := svc.ListEvents(ctx, ""); err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if cache.hits != 1 {
		t.Errorf("expected second read served from cache, hits=%d", cache.hits)
	}

	invoices, _ := svc.ListEventsByCategory(ctx, "invoices")
	if len(invoices) != 2 || invoices[0].Name != "Invoice created" {
		t.Errorf("expected invoices ordered by name, got %+v", invoices)
	}
	empty, _ := svc.ListEventsByCategory(ctx, "")
	if len(empty) != 0 {
		t.Errorf("expected empty category to return nothing, got %d", len(empty))
	}
}
