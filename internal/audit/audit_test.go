package audit

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/comptaflow/comptaflow/internal/config"
	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/google/uuid"
	"pgregory.net/rapid"
)

// memStore is an in-memory Store; the trail is held pre-projected
type memStore struct {
	mu       sync.Mutex
	trail    []models.AuditEvent
	security map[uuid.UUID]*models.SecurityEvent
	access   []models.APIAccessLog
	changes  []models.ChangeHistoryRecord
	stats    *models.AuditStatistics
}

func newMemStore() *memStore {
	return &memStore{security: make(map[uuid.UUID]*models.SecurityEvent)}
}

// trailMatches applies the unified trail predicates of f to e in memory
func trailMatches(f Filter, e *models.AuditEvent) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID) {
		return false
	}
	if f.IPAddress != "" && (e.IPAddress == nil || *e.IPAddress != f.IPAddress) {
		return false
	}
	if f.Resource != "" && !strings.Contains(strings.ToLower(e.Resource), strings.ToLower(f.Resource)) {
		return false
	}
	if f.StartDate != nil && e.CreatedAt.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && e.CreatedAt.After(*f.EndDate) {
		return false
	}
	return true
}

func (s *memStore) sortedMatches(f Filter) []models.AuditEvent {
	var out []models.AuditEvent
	for i := range s.trail {
		if trailMatches(f, &s.trail[i]) {
			out = append(out, s.trail[i])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) > 0
	})
	return out
}

func (s *memStore) QueryTrail(_ context.Context, f Filter) ([]models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sortedMatches(f)
	if f.Offset >= len(all) {
		return []models.AuditEvent{}, nil
	}
	end := f.Offset + f.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[f.Offset:end], nil
}

func (s *memStore) CountTrail(_ context.Context, f Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sortedMatches(f)), nil
}

func (s *memStore) Statistics(context.Context, time.Time, time.Time) (*models.AuditStatistics, error) {
	if s.stats == nil {
		return &models.AuditStatistics{}, nil
	}
	return s.stats, nil
}

func (s *memStore) ListAPIAccess(context.Context, Filter) ([]models.APIAccessLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.APIAccessLog{}, s.access...), nil
}

func (s *memStore) ListSecurityEvents(_ context.Context, f Filter) ([]models.SecurityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.SecurityEvent{}
	for _, e := range s.security {
		if f.Resolved != nil && e.IsResolved != *f.Resolved {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (s *memStore) ListWebhookDeliveries(context.Context, Filter) ([]models.WebhookDeliveryLog, error) {
	return []models.WebhookDeliveryLog{}, nil
}

func (s *memStore) ListChangeHistory(context.Context, Filter) ([]models.ChangeHistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ChangeHistoryRecord{}, s.changes...), nil
}

func (s *memStore) ResolveSecurityEvent(_ context.Context, id, resolver uuid.UUID, actionTaken string, at time.Time) (*models.SecurityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.security[id]
	if !ok {
		return nil, ErrSecurityEventNotFound
	}
	if e.IsResolved {
		return nil, ErrAlreadyResolved
	}
	e.IsResolved = true
	e.ActionTaken = &actionTaken
	e.ResolvedBy = &resolver
	e.ResolvedAt = &at
	cp := *e
	return &cp, nil
}

func (s *memStore) InsertAPIAccess(_ context.Context, l *models.APIAccessLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = uuid.New()
	l.CreatedAt = time.Now()
	s.access = append(s.access, *l)
	return nil
}

func (s *memStore) InsertSecurityEvent(_ context.Context, e *models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	cp := *e
	s.security[e.ID] = &cp
	return nil
}

func (s *memStore) InsertChange(_ context.Context, r *models.ChangeHistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = uuid.New()
	r.CreatedAt = time.Now()
	s.changes = append(s.changes, *r)
	return nil
}

func testAuditConfig() *config.AuditConfig {
	return &config.AuditConfig{DefaultPageSize: 50, MaxPageSize: 500, ExportLimit: 10000}
}

var resources = []string{"/api/v1/invoices", "/api/v1/Payments", "invoice.created", "client:42", "LOGIN", "tax_declarations:7"}

func eventGen() *rapid.Generator[models.AuditEvent] {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return rapid.Custom(func(t *rapid.T) models.AuditEvent {
		return models.AuditEvent{
			ID:        uuid.New(),
			Category:  rapid.SampledFrom([]models.AuditCategory{models.AuditCategoryAPIAccess, models.AuditCategoryWebhookDelivery, models.AuditCategoryDataModification, models.AuditCategorySecurityEvent}).Draw(t, "category"),
			Resource:  rapid.SampledFrom(resources).Draw(t, "resource"),
			Action:    "GET",
			Outcome:   "success",
			CreatedAt: base.Add(time.Duration(rapid.IntRange(0, 500).Draw(t, "minutes")) * time.Minute),
		}
	})
}

// ============================================
// Audit Trail Queries
// ============================================

// TestProperty_Trail_ResourceSubstring checks every returned event contains the
// resource filter case-insensitively
func TestProperty_Trail_ResourceSubstring(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := newMemStore()
		store.trail = rapid.SliceOfN(eventGen(), 0, 60).Draw(rt, "events")
		svc := NewService(store, testAuditConfig())

		needle := rapid.SampledFrom([]string{"invoice", "PAY", "42", "login", "decl"}).Draw(rt, "needle")
		page, err := svc.GetAuditTrail(context.Background(), Filter{Resource: needle, Limit: 500})
		if err != nil {
			rt.Fatalf("GetAuditTrail failed: %v", err)
		}
		for _, e := range page.Events {
			if !strings.Contains(strings.ToLower(e.Resource), strings.ToLower(needle)) {
				rt.Fatalf("PROPERTY VIOLATION: resource %q does not contain %q", e.Resource, needle)
			}
		}
		if page.TotalCount != len(page.Events) {
			rt.Fatalf("PROPERTY VIOLATION: total %d differs from single-page result %d", page.TotalCount, len(page.Events))
		}
	})
}

// TestProperty_Trail_PagesDisjoint checks consecutive pages are disjoint, ordered
// and share the same total
func TestProperty_Trail_PagesDisjoint(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := newMemStore()
		store.trail = rapid.SliceOfN(eventGen(), 0, 150).Draw(rt, "events")
		svc := NewService(store, testAuditConfig())
		ctx := context.Background()

		first, err := svc.GetAuditTrail(ctx, Filter{Offset: 0, Limit: 50})
		if err != nil {
			rt.Fatalf("first page failed: %v", err)
		}
		second, err := svc.GetAuditTrail(ctx, Filter{Offset: 50, Limit: 50})
		if err != nil {
			rt.Fatalf("second page failed: %v", err)
		}
		if first.TotalCount != second.TotalCount || first.TotalCount != len(store.trail) {
			rt.Fatalf("PROPERTY VIOLATION: totals differ: %d vs %d", first.TotalCount, second.TotalCount)
		}

		seen := make(map[uuid.UUID]bool)
		for _, e := range first.Events {
			seen[e.ID] = true
		}
		for _, e := range second.Events {
			if seen[e.ID] {
				rt.Fatalf("PROPERTY VIOLATION: event %s appears on both pages", e.ID)
			}
		}

		combined := append(append([]models.AuditEvent{}, first.Events...), second.Events...)
		want, _ := svc.GetAuditTrail(ctx, Filter{Limit: 100})
		if len(combined) != len(want.Events) {
			rt.Fatalf("PROPERTY VIOLATION: union has %d rows, first 100 has %d", len(combined), len(want.Events))
		}
		for i := range combined {
			if combined[i].ID != want.Events[i].ID {
				rt.Fatalf("PROPERTY VIOLATION: row %d differs from the first-100 ordering", i)
			}
			if i > 0 && combined[i].CreatedAt.After(combined[i-1].CreatedAt) {
				rt.Fatalf("PROPERTY VIOLATION: rows not newest first at %d", i)
			}
		}
	})
}

func TestFilter_NormalizeClampsAndValidates(t *testing.T) {
	cfg := testAuditConfig()

	f := Filter{Limit: 10_000}
	if err := f.Normalize(cfg); err != nil || f.Limit != 500 {
		t.Fatalf("expected clamp to 500, got %d (%v)", f.Limit, err)
	}

	f = Filter{}
	if err := f.Normalize(cfg); err != nil || f.Limit != 50 {
		t.Fatalf("expected default 50, got %d (%v)", f.Limit, err)
	}

	start := time.Now()
	end := start.Add(-time.Hour)
	f = Filter{Category: "nope", StartDate: &start, EndDate: &end, Offset: -1}
	err := f.Normalize(cfg)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, field := range []string{"category", "endDate", "offset"} {
		if _, ok := verr.Fields[field]; !ok {
			t.Errorf("expected %s error", field)
		}
	}
}

func TestFilter_DateBoundsInclusive(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f := Filter{StartDate: &at, EndDate: &at}
	w := f.trailWhere()
	if got := w.clause(); got != " WHERE created_at >= $1 AND created_at <= $2" {
		t.Errorf("unexpected date clause %q", got)
	}
	if len(w.args) != 2 || w.args[0] != at || w.args[1] != at {
		t.Errorf("unexpected date args %v", w.args)
	}
}

func TestTrailWhere_BuildsPlaceholders(t *testing.T) {
	user := uuid.New()
	f := Filter{Category: models.AuditCategoryAPIAccess, UserID: &user, Resource: "50%_off"}
	w := f.trailWhere()

	want := ` WHERE category = $1 AND user_id = $2 AND resource ILIKE '%' || $3 || '%'`
	if got := w.clause(); got != want {
		t.Errorf("clause = %q, want %q", got, want)
	}
	if w.args[2] != `50\%\_off` {
		t.Errorf("expected escaped LIKE pattern, got %v", w.args[2])
	}
	if got := paging(w, 50, 100); got != " LIMIT $4 OFFSET $5" {
		t.Errorf("paging = %q", got)
	}
}

func TestGetStatistics_ZeroDefaults(t *testing.T) {
	svc := NewService(newMemStore(), testAuditConfig())
	stats, err := svc.GetStatistics(context.Background(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetStatistics failed: %v", err)
	}
	if *stats != (models.AuditStatistics{}) {
		t.Errorf("expected zeroed statistics, got %+v", stats)
	}

	_, err = svc.GetStatistics(context.Background(), time.Now(), time.Now().Add(-time.Hour))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("expected ValidationError for inverted range, got %v", err)
	}
}

// ============================================
// Security Event Resolution
// ============================================

func TestResolveSecurityEvent(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, testAuditConfig())
	ctx := context.Background()

	event := &models.SecurityEvent{EventType: "brute_force", Severity: models.SeverityCritical, Description: "20 failed logins"}
	if err := svc.ReportSecurityEvent(ctx, event); err != nil {
		t.Fatalf("ReportSecurityEvent failed: %v", err)
	}

	if _, err := svc.ResolveSecurityEvent(ctx, uuid.Nil, event.ID, "blocked ip"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	first := uuid.New()
	resolved, err := svc.ResolveSecurityEvent(ctx, first, event.ID, "blocked ip")
	if err != nil {
		t.Fatalf("ResolveSecurityEvent failed: %v", err)
	}
	if !resolved.IsResolved || *resolved.ResolvedBy != first || resolved.ResolvedAt == nil {
		t.Fatalf("unexpected resolution %+v", resolved)
	}

	_, err = svc.ResolveSecurityEvent(ctx, uuid.New(), event.ID, "rotated keys")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if *store.security[event.ID].ActionTaken != "blocked ip" || *store.security[event.ID].ResolvedBy != first {
		t.Error("first resolution must be preserved")
	}

	if _, err := svc.ResolveSecurityEvent(ctx, first, uuid.New(), "x"); !errors.Is(err, ErrSecurityEventNotFound) {
		t.Errorf("expected ErrSecurityEventNotFound, got %v", err)
	}
}

func TestRecordAccess_ForbiddenRaisesSecurityEvent(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, testAuditConfig())
	ip := "10.0.0.9"

	if err := svc.RecordAccess(context.Background(), &models.APIAccessLog{
		Endpoint: "/api/v1/audit/trail", Method: "GET", StatusCode: http.StatusOK, IPAddress: &ip,
	}); err != nil {
		t.Fatalf("RecordAccess failed: %v", err)
	}
	if len(store.security) != 0 {
		t.Fatal("successful access must not raise a security event")
	}

	if err := svc.RecordAccess(context.Background(), &models.APIAccessLog{
		Endpoint: "/api/v1/audit/trail", Method: "GET", StatusCode: http.StatusForbidden, IPAddress: &ip,
	}); err != nil {
		t.Fatalf("RecordAccess failed: %v", err)
	}
	if len(store.access) != 2 || len(store.security) != 1 {
		t.Fatalf("expected 2 access rows and 1 security event, got %d and %d", len(store.access), len(store.security))
	}
	for _, e := range store.security {
		if e.Severity != models.SeverityMedium || *e.AffectedResource != "GET /api/v1/audit/trail" {
			t.Errorf("unexpected security event %+v", e)
		}
	}
}

// ============================================
// CSV Export
// ============================================

func TestExportCSV_NoMatchesIsError(t *testing.T) {
	svc := NewService(newMemStore(), testAuditConfig())
	_, err := svc.ExportCSV(context.Background(), Filter{Resource: "anything"})
	if !errors.Is(err, ErrNoMatchingRecords) {
		t.Fatalf("expected ErrNoMatchingRecords, got %v", err)
	}
}

func TestExportCSV_QuotesEveryField(t *testing.T) {
	store := newMemStore()
	user := uuid.MustParse("6f1c2d9e-2b7a-4c1e-9a55-0d8e4f3b2a10")
	ip := "192.0.2.1"
	store.trail = []models.AuditEvent{{
		ID:        uuid.New(),
		Category:  models.AuditCategoryDataModification,
		UserID:    &user,
		Resource:  `client:"ACME, Inc"`,
		Action:    "updated",
		Outcome:   "critical",
		IPAddress: &ip,
		CreatedAt: time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC),
	}}
	svc := NewService(store, testAuditConfig())
	svc.now = func() time.Time { return time.Date(2026, 4, 3, 9, 0, 0, 0, time.FixedZone("CET", 3600)) }

	export, err := svc.ExportCSV(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("ExportCSV failed: %v", err)
	}
	if export.RecordCount != 1 {
		t.Errorf("expected 1 record, got %d", export.RecordCount)
	}
	if export.Filename != "audit_trail_2026-04-03T08:00:00Z.csv" {
		t.Errorf("unexpected filename %q", export.Filename)
	}

	want := `"Timestamp","Category","User ID","Resource","Action","Outcome","IP Address"` + "\r\n" +
		`"2026-04-02T08:30:00Z","data_modification","6f1c2d9e-2b7a-4c1e-9a55-0d8e4f3b2a10","client:""ACME, Inc""","updated","critical","192.0.2.1"` + "\r\n"
	if string(export.Data) != want {
		t.Errorf("unexpected CSV:\n%s", export.Data)
	}
}

func TestExportCSV_CapsRows(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 30; i++ {
		store.trail = append(store.trail, models.AuditEvent{ID: uuid.New(), CreatedAt: time.Now().Add(-time.Duration(i) * time.Minute)})
	}
	cfg := testAuditConfig()
	cfg.ExportLimit = 25
	svc := NewService(store, cfg)

	export, err := svc.ExportCSV(context.Background(), Filter{Offset: 20})
	if err != nil {
		t.Fatalf("ExportCSV failed: %v", err)
	}
	if export.RecordCount != 25 {
		t.Errorf("expected export capped at 25 rows from the start, got %d", export.RecordCount)
	}
}
