package audit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/comptaflow/comptaflow/internal/config"
	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/google/uuid"
)

// Audit errors
var (
	ErrUnauthenticated       = errors.New("not authenticated")
	ErrSecurityEventNotFound = errors.New("security event not found")
	ErrAlreadyResolved       = errors.New("security event already resolved")
	ErrNoMatchingRecords     = errors.New("no audit events match the filters")
)

// ValidationError carries field-level messages keyed by query parameter name
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid audit filter: " + strings.Join(parts, "; ")
}

// Filter narrows audit queries. Zero values mean "no constraint".
type Filter struct {
	Category  models.AuditCategory
	UserID    *uuid.UUID
	IPAddress string
	// Resource is matched as a case-insensitive substring
	Resource  string
	StartDate *time.Time
	EndDate   *time.Time
	Limit     int
	Offset    int

	// Only used by GetSecurityEvents
	Severity models.Severity
	Resolved *bool
}

// Normalize validates the filter and clamps paging to the configured bounds
func (f *Filter) Normalize(cfg *config.AuditConfig) error {
	fields := make(map[string]string)

	if f.Category != "" && !f.Category.Valid() {
		fields["category"] = "unknown category"
	}
	if f.Severity != "" && !f.Severity.Valid() {
		fields["severity"] = "severity must be one of low, medium, high, critical"
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		fields["endDate"] = "endDate must not be before startDate"
	}
	if f.Offset < 0 {
		fields["offset"] = "offset must not be negative"
	}
	if f.Limit < 0 {
		fields["limit"] = "limit must not be negative"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}

	f.IPAddress = strings.TrimSpace(f.IPAddress)
	f.Resource = strings.TrimSpace(f.Resource)
	if f.Limit == 0 {
		f.Limit = cfg.DefaultPageSize
	}
	if f.Limit > cfg.MaxPageSize {
		f.Limit = cfg.MaxPageSize
	}
	return nil
}

// whereBuilder accumulates SQL predicates with positional arguments
type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) add(format string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(format, len(w.args)))
}

func (w *whereBuilder) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// escapeLike escapes LIKE wildcards so user input matches literally
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// trailWhere builds predicates over unified_audit_trail
func (f *Filter) trailWhere() *whereBuilder {
	w := &whereBuilder{}
	if f.Category != "" {
		w.add("category = $%d", string(f.Category))
	}
	if f.UserID != nil {
		w.add("user_id = $%d", *f.UserID)
	}
	if f.IPAddress != "" {
		w.add("ip_address = $%d", f.IPAddress)
	}
	if f.Resource != "" {
		w.add("resource ILIKE '%%' || $%d || '%%'", escapeLike(f.Resource))
	}
	f.dateWhere(w)
	return w
}

// dateWhere adds the inclusive created_at bounds
func (f *Filter) dateWhere(w *whereBuilder) {
	if f.StartDate != nil {
		w.add("created_at >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		w.add("created_at <= $%d", *f.EndDate)
	}
}

// userDateWhere builds the predicates shared by the per-source listings
func (f *Filter) userDateWhere() *whereBuilder {
	w := &whereBuilder{}
	if f.UserID != nil {
		w.add("user_id = $%d", *f.UserID)
	}
	f.dateWhere(w)
	return w
}
