package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/comptaflow/comptaflow/internal/audit"
	apierrors "github.com/comptaflow/comptaflow/internal/errors"
	"github.com/comptaflow/comptaflow/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// auditQuery is the query-string form of audit.Filter
type auditQuery struct {
	Category  string `form:"category"`
	UserID    string `form:"userId"`
	IPAddress string `form:"ipAddress"`
	Resource  string `form:"resource"`
	StartDate string `form:"startDate"`
	EndDate   string `form:"endDate"`
	Limit     int    `form:"limit"`
	Offset    int    `form:"offset"`
	Severity  string `form:"severity"`
	Resolved  *bool  `form:"resolved"`
}

type resolveRequest struct {
	ActionTaken string `json:"actionTaken"`
}

// parseDate accepts RFC 3339 timestamps or plain dates. A plain end date
// covers the whole day.
func parseDate(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, fmt.Errorf("must be RFC 3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

// auditFilter reads audit.Filter from the query string or writes a 400
func auditFilter(c *gin.Context) (audit.Filter, bool) {
	var q auditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return audit.Filter{}, false
	}

	fields := map[string]string{}
	f := audit.Filter{
		Category:  models.AuditCategory(q.Category),
		IPAddress: q.IPAddress,
		Resource:  q.Resource,
		Limit:     q.Limit,
		Offset:    q.Offset,
		Severity:  models.Severity(q.Severity),
		Resolved:  q.Resolved,
	}
	if q.UserID != "" {
		id, err := uuid.Parse(q.UserID)
		if err != nil {
			fields["userId"] = "must be a UUID"
		} else {
			f.UserID = &id
		}
	}
	var err error
	if f.StartDate, err = parseDate(q.StartDate, false); err != nil {
		fields["startDate"] = err.Error()
	}
	if f.EndDate, err = parseDate(q.EndDate, true); err != nil {
		fields["endDate"] = err.Error()
	}
	if len(fields) > 0 {
		respondError(c, apierrors.NewValidationError(fields))
		return audit.Filter{}, false
	}
	return f, true
}

func (s *APIServer) handleAuditTrail(c *gin.Context) {
	f, ok := auditFilter(c)
	if !ok {
		return
	}
	page, err := s.svc.Audit.GetAuditTrail(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("X-Total-Count", strconv.Itoa(page.TotalCount))
	c.JSON(http.StatusOK, page)
}

func (s *APIServer) handleAuditStatistics(c *gin.Context) {
	start, err := parseDate(c.Query("startDate"), false)
	if err != nil {
		respondError(c, apierrors.NewValidationError(map[string]string{"startDate": err.Error()}))
		return
	}
	end, err := parseDate(c.Query("endDate"), true)
	if err != nil {
		respondError(c, apierrors.NewValidationError(map[string]string{"endDate": err.Error()}))
		return
	}

	var from, to time.Time
	if start != nil {
		from = *start
	}
	if end != nil {
		to = *end
	}
	stats, err := s.svc.Audit.GetStatistics(c.Request.Context(), from, to)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *APIServer) handleAPIAccessLogs(c *gin.Context) {
	f, ok := auditFilter(c)
	if !ok {
		return
	}
	rows, err := s.svc.Audit.GetAPIAccessLogs(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": rows})
}

func (s *APIServer) handleSecurityEvents(c *gin.Context) {
	f, ok := auditFilter(c)
	if !ok {
		return
	}
	rows, err := s.svc.Audit.GetSecurityEvents(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": rows})
}

func (s *APIServer) handleAuditWebhookDeliveries(c *gin.Context) {
	f, ok := auditFilter(c)
	if !ok {
		return
	}
	rows, err := s.svc.Audit.GetWebhookDeliveries(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": rows})
}

func (s *APIServer) handleDataModifications(c *gin.Context) {
	f, ok := auditFilter(c)
	if !ok {
		return
	}
	rows, err := s.svc.Audit.GetDataModifications(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": rows})
}

func (s *APIServer) handleResolveSecurityEvent(c *gin.Context) {
	actorID, ok := actor(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewInvalidJSONError(err.Error()))
		return
	}

	event, err := s.svc.Audit.ResolveSecurityEvent(c.Request.Context(), actorID, id, req.ActionTaken)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// handleAuditExport serves the CSV as an attachment; the record count
// travels in X-Record-Count
func (s *APIServer) handleAuditExport(c *gin.Context) {
	f, ok := auditFilter(c)
	if !ok {
		return
	}
	export, err := s.svc.Audit.ExportCSV(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, export.Filename))
	c.Header("X-Record-Count", strconv.Itoa(export.RecordCount))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", export.Data)
}
